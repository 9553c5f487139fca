package profile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zep-us/impxy/internal/errors"
)

// Policy decides what happens when the requested target is not supported.
type Policy int

const (
	// PreferLower uses the requested target if supported, else the newest
	// supported candidate not newer than the request, else the newest overall.
	PreferLower Policy = iota
	// Strict fails unless the requested target is supported.
	Strict
	// HighestAvailable always uses the newest supported candidate.
	HighestAvailable
)

func (p Policy) String() string {
	switch p {
	case Strict:
		return "strict"
	case HighestAvailable:
		return "highest_available"
	default:
		return "prefer_lower"
	}
}

// ParsePolicy maps a config value to a Policy. The empty string means PreferLower.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))) {
	case "", "prefer_lower", "preferlower":
		return PreferLower, nil
	case "strict":
		return Strict, nil
	case "highest_available", "highestavailable", "highest":
		return HighestAvailable, nil
	default:
		return PreferLower, fmt.Errorf("unknown fallback policy %q", s)
	}
}

// DefaultCandidates lists curl-impersonate Chrome targets, newest first.
// Fallback compares major versions regardless of family, so other families
// belong in a configured candidate list rather than here.
var DefaultCandidates = []string{
	"chrome136",
	"chrome131",
	"chrome124",
	"chrome123",
	"chrome120",
	"chrome119",
	"chrome116",
	"chrome110",
	"chrome107",
	"chrome104",
	"chrome101",
	"chrome100",
	"chrome99",
}

var targetPattern = regexp.MustCompile(`^([A-Za-z]+)([0-9]+)$`)

// ParseMajor splits a target such as "Chrome124" into its lower-cased family
// and major version.
func ParseMajor(target string) (family string, major int, ok bool) {
	m := targetPattern.FindStringSubmatch(target)
	if m == nil {
		return "", 0, false
	}
	major, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return strings.ToLower(m[1]), major, true
}

// Select applies policy to the requested target given which targets are
// supported. Candidates are ordered; among equal major versions the earlier
// candidate wins.
func Select(requested string, candidates []string, supported map[string]bool, policy Policy) (string, error) {
	switch policy {
	case Strict:
		if supported[requested] {
			return requested, nil
		}
		return "", unsupported(requested, candidates, supported)

	case HighestAvailable:
		if t, ok := highest(candidates, supported, -1); ok {
			return t, nil
		}
		return "", unsupported(requested, candidates, supported)

	default:
		if supported[requested] {
			return requested, nil
		}
		if _, major, ok := ParseMajor(requested); ok {
			if t, ok := highest(candidates, supported, major); ok {
				return t, nil
			}
		}
		if t, ok := highest(candidates, supported, -1); ok {
			return t, nil
		}
		return "", unsupported(requested, candidates, supported)
	}
}

// highest returns the supported candidate with the largest major version.
// A non-negative ceiling excludes candidates above it and candidates whose
// version does not parse.
func highest(candidates []string, supported map[string]bool, ceiling int) (string, bool) {
	best, bestMajor, found := "", 0, false
	for _, c := range candidates {
		if !supported[c] {
			continue
		}
		_, major, ok := ParseMajor(c)
		if !ok {
			if ceiling >= 0 {
				continue
			}
			major = -1
		}
		if ceiling >= 0 && major > ceiling {
			continue
		}
		if !found || major > bestMajor {
			best, bestMajor, found = c, major, true
		}
	}
	return best, found
}

// SupportedOf returns the supported candidates in candidate order.
func SupportedOf(candidates []string, supported map[string]bool) []string {
	var out []string
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if supported[c] && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func unsupported(requested string, candidates []string, supported map[string]bool) error {
	list := SupportedOf(candidates, supported)
	names := "none"
	if len(list) > 0 {
		names = strings.Join(list, ", ")
	}
	return errors.New(errors.CodeUnsupportedTarget,
		"impersonation target %q is not supported; supported targets: %s", requested, names)
}
