// Package header turns the raw header lines delivered by the engine into a
// status, reason phrase, protocol version and ordered field list.
package header

import (
	"net/http"
	"strconv"
	"strings"
)

// ProtocolToken starts every status line.
const ProtocolToken = "HTTP/"

// Field is one header name/value pair. Case is preserved.
type Field struct {
	Name  string
	Value string
}

// Version is an HTTP protocol version. The zero value means unset.
type Version struct {
	Major int
	Minor int
}

var (
	HTTP10 = Version{Major: 1, Minor: 0}
	HTTP11 = Version{Major: 1, Minor: 1}
	HTTP2  = Version{Major: 2, Minor: 0}
	HTTP3  = Version{Major: 3, Minor: 0}
)

// IsSet reports whether the version was recognized.
func (v Version) IsSet() bool {
	return v != Version{}
}

func (v Version) String() string {
	if !v.IsSet() {
		return ""
	}
	if v.Major >= 2 && v.Minor == 0 {
		return ProtocolToken + strconv.Itoa(v.Major)
	}
	return ProtocolToken + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Snapshot is the parsed form of one header block.
type Snapshot struct {
	Status  int
	Reason  string
	Version Version
	Fields  []Field
}

// Get returns the first value for name, matched case-insensitively.
func (s Snapshot) Get(name string) string {
	for _, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// IsStatusLine reports whether line starts a new header block.
func IsStatusLine(line string) bool {
	return strings.HasPrefix(line, ProtocolToken)
}

// Parse parses raw header lines. A status line discards everything collected
// before it, status included, so only the last block survives. A block without
// a parseable status line reports 200 "OK". Malformed field lines are dropped.
func Parse(lines []string) Snapshot {
	s := Snapshot{Status: http.StatusOK, Reason: "OK"}
	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r\n")
		if IsStatusLine(line) {
			s = Snapshot{Status: http.StatusOK, Reason: "OK", Fields: s.Fields[:0]}
			if status, reason, version, ok := parseStatusLine(line); ok {
				s.Status, s.Reason, s.Version = status, reason, version
			}
			continue
		}
		if f, ok := parseField(line); ok {
			s.Fields = append(s.Fields, f)
		}
	}
	if len(s.Fields) == 0 {
		s.Fields = nil
	}
	return s
}

func parseStatusLine(line string) (int, string, Version, bool) {
	rest := line[len(ProtocolToken):]
	token, rest, _ := strings.Cut(rest, " ")
	version := ParseVersion(token)

	rest = strings.TrimLeft(rest, " ")
	codeText, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 999 {
		return 0, "", Version{}, false
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = http.StatusText(code)
	}
	return code, reason, version, true
}

func parseField(line string) (Field, bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 || i == len(line)-1 {
		return Field{}, false
	}
	name := strings.TrimSpace(line[:i])
	if name == "" {
		return Field{}, false
	}
	return Field{Name: name, Value: strings.TrimSpace(line[i+1:])}, true
}

// ParseVersion parses the token after "HTTP/". "2" and "3" map to HTTP2 and
// HTTP3; anything else must be "major.minor" or the version stays unset.
func ParseVersion(token string) Version {
	switch token {
	case "2", "2.0":
		return HTTP2
	case "3", "3.0":
		return HTTP3
	}
	majorText, minorText, ok := strings.Cut(token, ".")
	if !ok {
		return Version{}
	}
	major, err := strconv.Atoi(majorText)
	if err != nil || major < 0 {
		return Version{}
	}
	minor, err := strconv.Atoi(minorText)
	if err != nil || minor < 0 {
		return Version{}
	}
	return Version{Major: major, Minor: minor}
}
