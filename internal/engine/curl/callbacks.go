//go:build impersonate

package curl

/*
#include <stdint.h>
#include <curl/curl.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/zep-us/impxy/internal/engine"
)

// side maps a handle ID, the token curl passes back to every callback, to the
// transfer's callbacks.
var side = struct {
	sync.RWMutex
	m map[uint64]engine.Callbacks
}{m: make(map[uint64]engine.Callbacks)}

func bind(id uint64, cb engine.Callbacks) {
	side.Lock()
	side.m[id] = cb
	side.Unlock()
}

func unbind(id uint64) {
	side.Lock()
	delete(side.m, id)
	side.Unlock()
}

func lookup(token C.uintptr_t) engine.Callbacks {
	side.RLock()
	defer side.RUnlock()
	return side.m[uint64(token)]
}

func view(buf *C.char, size, nitems C.size_t) []byte {
	n := int(size * nitems)
	if n == 0 || buf == nil {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(buf)), n)
}

//export impxyHeader
func impxyHeader(buf *C.char, size, nitems C.size_t, token C.uintptr_t) C.size_t {
	cb := lookup(token)
	if cb == nil || !cb.OnHeader(view(buf, size, nitems)) {
		return 0
	}
	return size * nitems
}

//export impxyWrite
func impxyWrite(buf *C.char, size, nitems C.size_t, token C.uintptr_t) C.size_t {
	cb := lookup(token)
	if cb == nil || !cb.OnWrite(view(buf, size, nitems)) {
		return 0
	}
	return size * nitems
}

//export impxyRead
func impxyRead(buf *C.char, size, nitems C.size_t, token C.uintptr_t) C.size_t {
	cb := lookup(token)
	if cb == nil {
		return C.CURL_READFUNC_ABORT
	}
	n, ok := cb.OnRead(view(buf, size, nitems))
	if !ok {
		return C.CURL_READFUNC_ABORT
	}
	return C.size_t(n)
}

//export impxyProgress
func impxyProgress(token C.uintptr_t, dltotal, dlnow, ultotal, ulnow C.curl_off_t) C.int {
	cb := lookup(token)
	if cb == nil || !cb.OnProgress(int64(dltotal), int64(dlnow), int64(ultotal), int64(ulnow)) {
		return 1
	}
	return 0
}
