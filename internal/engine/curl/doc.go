// Package curl binds engine.Engine to libcurl-impersonate.
//
// The binding is compiled only with the "impersonate" build tag and needs cgo
// plus the curl-impersonate headers and shared library at build time:
//
//	CGO_CFLAGS=-I/opt/curl-impersonate/include \
//	CGO_LDFLAGS="-L/opt/curl-impersonate/lib -lcurl-impersonate" \
//	go build -tags impersonate ./cmd/server
//
// Without the tag Open reports the engine as unavailable.
//
// Native callbacks reach Go through exported trampolines. The opaque token
// curl hands back to them is the handle ID, which indexes a side table of
// engine.Callbacks; no Go pointer is ever passed to C.
package curl
