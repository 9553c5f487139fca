// Package enginetest provides a scriptable in-process engine.Engine for tests.
//
// Responses are registered per URL. Each Multi.Perform advances every running
// transfer by one step: the first step uploads the request body and delivers
// the header lines, each later step delivers one body chunk, and the step after
// the last chunk completes the transfer. Callbacks run on the goroutine calling
// Perform, as they would with the native engine.
package enginetest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/zep-us/impxy/internal/engine"
)

// Response scripts how the engine answers one URL.
type Response struct {
	// HeaderLines are raw lines without CRLF; "" terminates a block.
	HeaderLines []string
	Chunks      [][]byte
	// Result is the completion code once all chunks are delivered.
	Result engine.Code
	// Hang keeps the transfer running after the last chunk until it is aborted.
	Hang bool
}

// OK builds a 200 response with the given body chunks.
func OK(chunks ...string) Response {
	r := Response{HeaderLines: []string{"HTTP/2 200 OK", "content-type: text/plain", ""}}
	for _, c := range chunks {
		r.Chunks = append(r.Chunks, []byte(c))
	}
	return r
}

// Recorded is what a handle was configured with when its transfer started.
type Recorded struct {
	URL        string
	Method     string
	HasBody    bool
	BodyLength int64
	Body       []byte
	Headers    []string
	Target     string
	Timeout    time.Duration
	Version    engine.HTTPVersion
}

// Option configures an Engine.
type Option func(*Engine)

// WithSupported sets the impersonation targets the engine accepts.
func WithSupported(targets ...string) Option {
	return func(e *Engine) {
		for _, t := range targets {
			e.supported[t] = true
		}
	}
}

// WithIdentity sets the runtime identity reported to capability caches.
func WithIdentity(id string) Option {
	return func(e *Engine) { e.identity = id }
}

// WithProbeFailure makes Impersonate(target) return code.
func WithProbeFailure(target string, code engine.Code) Option {
	return func(e *Engine) { e.probeFailures[target] = code }
}

// Engine is a fake native engine.
type Engine struct {
	identity      string
	supported     map[string]bool
	probeFailures map[string]engine.Code

	mu       sync.Mutex
	routes   map[string]Response
	recorded []Recorded

	nextID          atomic.Uint64
	inits           atomic.Int64
	handlesCreated  atomic.Int64
	handlesClosed   atomic.Int64
	listsAllocated  atomic.Int64
	listsFreed      atomic.Int64
	impersonations  atomic.Int64
	multisCreated   atomic.Int64
	multisClosed    atomic.Int64
	failNextMulti   atomic.Bool
	malformedNext   atomic.Bool
	failNextPerform atomic.Bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		identity:      "enginetest",
		supported:     make(map[string]bool),
		probeFailures: make(map[string]engine.Code),
		routes:        make(map[string]Response),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Route registers the scripted response for url.
func (e *Engine) Route(url string, r Response) {
	e.mu.Lock()
	e.routes[url] = r
	e.mu.Unlock()
}

func (e *Engine) route(url string) (Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routes[url]
	return r, ok
}

// Requests returns the transfers started so far, in start order.
func (e *Engine) Requests() []Recorded {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Recorded(nil), e.recorded...)
}

// FailNextMulti makes the next NewMulti call fail.
func (e *Engine) FailNextMulti() { e.failNextMulti.Store(true) }

// InjectMalformedCompletion makes the next InfoRead return a message of unknown kind.
func (e *Engine) InjectMalformedCompletion() { e.malformedNext.Store(true) }

// FailNextPerform makes the next Perform return an internal multi error.
func (e *Engine) FailNextPerform() { e.failNextPerform.Store(true) }

// Inits returns how many times Init was called.
func (e *Engine) Inits() int64 { return e.inits.Load() }

// HandlesCreated returns the number of handles created.
func (e *Engine) HandlesCreated() int64 { return e.handlesCreated.Load() }

// HandlesLive returns created minus closed handles.
func (e *Engine) HandlesLive() int64 { return e.handlesCreated.Load() - e.handlesClosed.Load() }

// ListsLive returns allocated minus freed header lists.
func (e *Engine) ListsLive() int64 { return e.listsAllocated.Load() - e.listsFreed.Load() }

// Impersonations returns the number of Impersonate calls across all handles.
func (e *Engine) Impersonations() int64 { return e.impersonations.Load() }

// MultisCreated returns the number of multiplexers created.
func (e *Engine) MultisCreated() int64 { return e.multisCreated.Load() }

// MultisLive returns created minus closed multiplexers.
func (e *Engine) MultisLive() int64 { return e.multisCreated.Load() - e.multisClosed.Load() }

func (e *Engine) Init() error {
	e.inits.Inc()
	return nil
}

func (e *Engine) Identity() string { return e.identity }

func (e *Engine) NewHandle() (engine.Handle, error) {
	e.handlesCreated.Inc()
	return &Handle{eng: e, id: e.nextID.Inc(), bodyLength: -1}, nil
}

func (e *Engine) NewMulti() (engine.Multi, error) {
	if e.failNextMulti.CompareAndSwap(true, false) {
		return nil, errors.New("enginetest: multi init failed")
	}
	e.multisCreated.Inc()
	return &Multi{eng: e, runs: make(map[uint64]*run), wake: make(chan struct{}, 1)}, nil
}

func (e *Engine) NewHeaderList() engine.HeaderList {
	e.listsAllocated.Inc()
	return &HeaderList{eng: e}
}

func (e *Engine) StrError(code engine.Code) string {
	switch code {
	case engine.CodeOK:
		return "No error"
	case engine.CodeCouldNotConnect:
		return "Couldn't connect to server"
	case engine.CodeWriteError:
		return "Failed writing received data to disk/application"
	case engine.CodeOperationTimedOut:
		return "Timeout was reached"
	case engine.CodeAbortedByCallback:
		return "Operation was aborted by an application callback"
	case engine.CodeBadFunctionArgument:
		return "A libcurl function was given a bad argument"
	default:
		return fmt.Sprintf("Unknown error %d", int(code))
	}
}

func (e *Engine) MultiStrError(code engine.MultiCode) string {
	if code == engine.MultiOK {
		return "No error"
	}
	return fmt.Sprintf("Multi error %d", int(code))
}

// HeaderList is a slice-backed engine.HeaderList.
type HeaderList struct {
	eng   *Engine
	lines []string
	freed bool
}

func (l *HeaderList) Append(line string) error {
	if l.freed {
		return errors.New("enginetest: append to freed list")
	}
	l.lines = append(l.lines, line)
	return nil
}

func (l *HeaderList) Len() int { return len(l.lines) }

func (l *HeaderList) Free() {
	if l.freed {
		return
	}
	l.freed = true
	l.eng.listsFreed.Inc()
}

// Handle is a fake easy handle.
type Handle struct {
	eng *Engine
	id  uint64

	mu         sync.Mutex
	url        string
	method     string
	hasBody    bool
	bodyLength int64
	version    engine.HTTPVersion
	timeout    time.Duration
	headers    []string
	cb         engine.Callbacks
	target     string
	resets     int
	closed     bool
}

func (h *Handle) ID() uint64 { return h.id }

func (h *Handle) SetURL(url string) engine.Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.url = url
	return engine.CodeOK
}

func (h *Handle) SetMethod(method string, hasBody bool, bodyLength int64) engine.Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.method, h.hasBody, h.bodyLength = method, hasBody, bodyLength
	return engine.CodeOK
}

func (h *Handle) SetHTTPVersion(v engine.HTTPVersion) engine.Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = v
	return engine.CodeOK
}

func (h *Handle) SetTimeout(d time.Duration) engine.Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
	return engine.CodeOK
}

func (h *Handle) SetHeaders(list engine.HeaderList) engine.Code {
	l, ok := list.(*HeaderList)
	if !ok {
		return engine.CodeBadFunctionArgument
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headers = append([]string(nil), l.lines...)
	return engine.CodeOK
}

func (h *Handle) SetCallbacks(cb engine.Callbacks) engine.Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cb = cb
	return engine.CodeOK
}

func (h *Handle) Impersonate(target string, defaultHeaders bool) engine.Code {
	h.eng.impersonations.Inc()
	if code, ok := h.eng.probeFailures[target]; ok {
		return code
	}
	if !h.eng.supported[target] {
		return engine.CodeBadFunctionArgument
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = target
	return engine.CodeOK
}

func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.url, h.method, h.target = "", "", ""
	h.hasBody, h.bodyLength = false, -1
	h.version, h.timeout = engine.HTTPVersionNone, 0
	h.headers, h.cb = nil, nil
	h.resets++
}

// Resets returns how many times the handle was reset.
func (h *Handle) Resets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.eng.handlesClosed.Inc()
}

func (h *Handle) snapshot() Recorded {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Recorded{
		URL:        h.url,
		Method:     h.method,
		HasBody:    h.hasBody,
		BodyLength: h.bodyLength,
		Headers:    append([]string(nil), h.headers...),
		Target:     h.target,
		Timeout:    h.timeout,
		Version:    h.version,
	}
}

func (h *Handle) callbacks() engine.Callbacks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cb
}

type run struct {
	h        *Handle
	seq      int
	resp     Response
	started  bool
	chunk    int
	received int64
	uploaded int64
}

// Multi is a fake multiplexer. Perform, Add, Remove and InfoRead must be
// called from one goroutine; Wakeup may be called from any.
type Multi struct {
	eng *Engine

	mu     sync.Mutex
	runs   map[uint64]*run
	seq    int
	done   []engine.Message
	closed bool

	wake chan struct{}
}

func (m *Multi) Add(h engine.Handle) engine.MultiCode {
	fh, ok := h.(*Handle)
	if !ok {
		return engine.MultiBadEasyHandle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[fh.id]; exists {
		return engine.MultiAddedAlready
	}
	m.seq++
	m.runs[fh.id] = &run{h: fh, seq: m.seq}
	return engine.MultiOK
}

func (m *Multi) Remove(h engine.Handle) engine.MultiCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, h.ID())
	return engine.MultiOK
}

func (m *Multi) active() []*run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *Multi) finish(r *run, code engine.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A finished handle stays attached until Remove, but is no longer stepped.
	r.resp.Hang = true
	r.chunk = len(r.resp.Chunks) + 1
	m.done = append(m.done, engine.Message{Kind: engine.MessageDone, Handle: r.h, Result: code})
}

func (m *Multi) Perform() (int, engine.MultiCode) {
	if m.eng.failNextPerform.CompareAndSwap(true, false) {
		return 0, engine.MultiInternalError
	}
	runs := m.active()
	running := 0
	for _, r := range runs {
		if r.chunk > len(r.resp.Chunks) {
			continue
		}
		running++
		m.step(r)
	}
	return running, engine.MultiOK
}

func (m *Multi) step(r *run) {
	cb := r.h.callbacks()
	if cb == nil {
		m.finish(r, engine.CodeBadFunctionArgument)
		return
	}
	if !cb.OnProgress(0, r.received, 0, r.uploaded) {
		m.finish(r, engine.CodeAbortedByCallback)
		return
	}

	if !r.started {
		r.started = true
		rec := r.h.snapshot()
		resp, ok := m.eng.route(rec.URL)
		if !ok {
			m.record(rec)
			m.finish(r, engine.CodeCouldNotConnect)
			return
		}
		r.resp = resp
		if rec.HasBody {
			buf := make([]byte, 4096)
			for {
				n, ok := cb.OnRead(buf)
				if !ok {
					m.record(rec)
					m.finish(r, engine.CodeAbortedByCallback)
					return
				}
				if n <= 0 {
					break
				}
				rec.Body = append(rec.Body, buf[:n]...)
				r.uploaded += int64(n)
			}
		}
		m.record(rec)
		for _, line := range resp.HeaderLines {
			if !cb.OnHeader([]byte(line + "\r\n")) {
				m.finish(r, engine.CodeWriteError)
				return
			}
		}
		return
	}

	if r.chunk < len(r.resp.Chunks) {
		p := r.resp.Chunks[r.chunk]
		r.chunk++
		if !cb.OnWrite(p) {
			m.finish(r, engine.CodeWriteError)
			return
		}
		r.received += int64(len(p))
		return
	}
	if r.resp.Hang {
		return
	}
	m.finish(r, r.resp.Result)
}

func (m *Multi) record(rec Recorded) {
	m.eng.mu.Lock()
	m.eng.recorded = append(m.eng.recorded, rec)
	m.eng.mu.Unlock()
}

func (m *Multi) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.done) > 0 {
		return true
	}
	for _, r := range m.runs {
		if !r.started || r.chunk < len(r.resp.Chunks) || (r.chunk == len(r.resp.Chunks) && !r.resp.Hang) {
			return true
		}
	}
	return false
}

func (m *Multi) Poll(timeout time.Duration) engine.MultiCode {
	if m.busy() {
		return engine.MultiOK
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.wake:
	case <-t.C:
	}
	return engine.MultiOK
}

func (m *Multi) Wakeup() engine.MultiCode {
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return engine.MultiOK
}

func (m *Multi) InfoRead() (engine.Message, bool) {
	if m.eng.malformedNext.CompareAndSwap(true, false) {
		return engine.Message{Kind: engine.MessageKind(99)}, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.done) == 0 {
		return engine.Message{}, false
	}
	msg := m.done[0]
	m.done = m.done[1:]
	return msg, true
}

func (m *Multi) Close() engine.MultiCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return engine.MultiOK
	}
	m.closed = true
	m.runs = map[uint64]*run{}
	m.eng.multisClosed.Inc()
	return engine.MultiOK
}
