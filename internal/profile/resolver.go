// Package profile resolves a requested impersonation target to one the loaded
// engine supports. Support is probed once per runtime identity and shared by
// every resolver over the same engine; each resolver also remembers its own
// requested→resolved answers.
package profile

import (
	"fmt"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/metrics"
	"github.com/zep-us/impxy/pkg/logger"
)

// Options configures a Resolver.
type Options struct {
	Policy     Policy
	Candidates []string
}

// Resolver maps requested targets to supported ones for one executor.
type Resolver struct {
	eng        engine.Engine
	policy     Policy
	candidates []string
	caps       *capabilities
	resolved   *cache.Cache
}

// New creates a resolver. Empty Candidates means DefaultCandidates.
func New(eng engine.Engine, opts Options) *Resolver {
	candidates := opts.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	return &Resolver{
		eng:        eng,
		policy:     opts.Policy,
		candidates: append([]string(nil), candidates...),
		caps:       capabilitiesFor(identityOf(eng)),
		resolved:   cache.New(cache.NoExpiration, 0),
	}
}

// Policy returns the resolver's fallback policy.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve returns the target to apply for requested. An empty request resolves
// to the empty target, meaning no impersonation.
func (r *Resolver) Resolve(requested string) (string, error) {
	if requested == "" {
		return "", nil
	}
	if v, ok := r.resolved.Get(requested); ok {
		return v.(string), nil
	}

	probeSet := make([]string, 0, len(r.candidates)+1)
	probeSet = append(probeSet, requested)
	probeSet = append(probeSet, r.candidates...)
	supported, err := r.caps.ensure(r.eng, probeSet)
	if err != nil {
		return "", err
	}

	target, err := Select(requested, r.candidates, supported, r.policy)
	if err != nil {
		return "", err
	}
	if target != requested {
		logger.Info("Impersonation target %q not supported, using %q (policy=%s)", requested, target, r.policy)
	}
	// Add keeps the first answer if another goroutine resolved concurrently.
	_ = r.resolved.Add(requested, target, cache.NoExpiration)
	if v, ok := r.resolved.Get(requested); ok {
		return v.(string), nil
	}
	return target, nil
}

// Supported probes the candidate list and returns the supported candidates in order.
func (r *Resolver) Supported() ([]string, error) {
	supported, err := r.caps.ensure(r.eng, r.candidates)
	if err != nil {
		return nil, err
	}
	return SupportedOf(r.candidates, supported), nil
}

func identityOf(eng engine.Engine) string {
	if id := eng.Identity(); id != "" {
		return id
	}
	return engine.DefaultIdentity
}

var registry = struct {
	mu         sync.Mutex
	byIdentity map[string]*capabilities
}{byIdentity: make(map[string]*capabilities)}

func capabilitiesFor(identity string) *capabilities {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	c, ok := registry.byIdentity[identity]
	if !ok {
		c = &capabilities{identity: identity, known: make(map[string]bool)}
		registry.byIdentity[identity] = c
	}
	return c
}

// capabilities is the append-only support map of one runtime identity.
type capabilities struct {
	identity string
	group    singleflight.Group

	mu    sync.Mutex
	known map[string]bool
}

func (c *capabilities) lookup(targets []string) (map[string]bool, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	known := make(map[string]bool, len(targets))
	seen := make(map[string]bool, len(targets))
	var unknown []string
	for _, t := range targets {
		if seen[t] {
			continue
		}
		seen[t] = true
		if v, ok := c.known[t]; ok {
			known[t] = v
		} else {
			unknown = append(unknown, t)
		}
	}
	return known, unknown
}

func (c *capabilities) has(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.known[target]
	return ok
}

func (c *capabilities) record(target string, supported bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.known[target]; !ok {
		c.known[target] = supported
	}
}

// ensure returns support for every target, probing the unknown ones.
func (c *capabilities) ensure(eng engine.Engine, targets []string) (map[string]bool, error) {
	known, unknown := c.lookup(targets)
	for len(unknown) > 0 {
		key := strings.Join(unknown, ",")
		if _, err, _ := c.group.Do(key, func() (any, error) {
			return nil, c.probe(eng, unknown)
		}); err != nil {
			return nil, err
		}
		known, unknown = c.lookup(targets)
	}
	return known, nil
}

// probe applies each target to one scratch handle. Only the engine's
// bad-argument result means "unsupported"; any other failure is returned and
// nothing is recorded for that target.
func (c *capabilities) probe(eng engine.Engine, targets []string) error {
	h, err := eng.NewHandle()
	if err != nil {
		metrics.ProbesCounter.WithLabelValues("failed").Inc()
		return errors.Wrap(errors.CodeEngineFailure, err, "create probe handle")
	}
	defer h.Close()

	for _, t := range targets {
		if c.has(t) {
			continue
		}
		code := h.Impersonate(t, false)
		h.Reset()
		switch code {
		case engine.CodeOK:
			c.record(t, true)
			metrics.ProbesCounter.WithLabelValues("supported").Inc()
		case engine.CodeBadFunctionArgument:
			c.record(t, false)
			metrics.ProbesCounter.WithLabelValues("unsupported").Inc()
		default:
			metrics.ProbesCounter.WithLabelValues("failed").Inc()
			return errors.Native(errors.CodeEngineFailure, int(code),
				fmt.Sprintf("probe impersonation target %q on %s: %s", t, c.identity, eng.StrError(code)))
		}
	}
	logger.Debug("profile: probed %d targets on %s", len(targets), c.identity)
	return nil
}
