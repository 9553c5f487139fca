package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_KeepsOnlyLastBlock(t *testing.T) {
	s := Parse([]string{
		"HTTP/1.1 100 Continue",
		"",
		"HTTP/2 200 OK",
		"content-type: application/json",
		"x-test: value",
		"",
	})

	assert.Equal(t, 200, s.Status)
	assert.Equal(t, "OK", s.Reason)
	assert.Equal(t, HTTP2, s.Version)
	assert.Equal(t, []Field{
		{Name: "content-type", Value: "application/json"},
		{Name: "x-test", Value: "value"},
	}, s.Fields)
}

func TestParse_DropsMalformedLines(t *testing.T) {
	s := Parse([]string{
		"HTTP/1.1 204 No Content",
		"x-valid: ok",
		"missing-colon",
		":empty-name",
	})

	assert.Equal(t, 204, s.Status)
	assert.Equal(t, "No Content", s.Reason)
	assert.Equal(t, HTTP11, s.Version)
	assert.Equal(t, []Field{{Name: "x-valid", Value: "ok"}}, s.Fields)
}

func TestParse_DropsTrailingColonAndBlankName(t *testing.T) {
	s := Parse([]string{
		"HTTP/1.1 200 OK\r\n",
		"x-no-value:",
		"   : spaces-only-name",
		"X-Mixed-Case :  padded value  \r\n",
	})

	assert.Equal(t, []Field{{Name: "X-Mixed-Case", Value: "padded value"}}, s.Fields)
}

func TestParse_DefaultsWithoutStatusLine(t *testing.T) {
	s := Parse([]string{"x-a: 1"})

	assert.Equal(t, 200, s.Status)
	assert.Equal(t, "OK", s.Reason)
	assert.False(t, s.Version.IsSet())
	assert.Equal(t, "1", s.Get("X-A"))
}

func TestParse_MissingReasonUsesStatusText(t *testing.T) {
	s := Parse([]string{"HTTP/2 404", "server: test", ""})

	assert.Equal(t, 404, s.Status)
	assert.Equal(t, "Not Found", s.Reason)
}

func TestParse_PreservesDuplicateNamesInOrder(t *testing.T) {
	s := Parse([]string{"HTTP/1.1 200 OK", "set-cookie: a=1", "Set-Cookie: b=2"})

	assert.Equal(t, []Field{
		{Name: "set-cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
	}, s.Fields)
}

func TestParseVersion(t *testing.T) {
	cases := map[string]Version{
		"2":   HTTP2,
		"3":   HTTP3,
		"1.1": HTTP11,
		"1.0": HTTP10,
		"4.7": {Major: 4, Minor: 7},
		"x":   {},
		"1.":  {},
		"":    {},
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseVersion(in), "token %q", in)
	}
}

func TestVersion_String(t *testing.T) {
	assert.Equal(t, "HTTP/2", HTTP2.String())
	assert.Equal(t, "HTTP/1.1", HTTP11.String())
	assert.Equal(t, "", Version{}.String())
}

func TestParse_UnparsableStatusStartsFreshBlock(t *testing.T) {
	s := Parse([]string{
		"HTTP/1.1 301 Moved Permanently",
		"location: https://example.test/next",
		"",
		"HTTP/1.1 not-a-status",
		"x-b: 1",
	})

	assert.Equal(t, 200, s.Status)
	assert.Equal(t, "OK", s.Reason)
	assert.False(t, s.Version.IsSet())
	assert.Equal(t, []Field{{Name: "x-b", Value: "1"}}, s.Fields)
}
