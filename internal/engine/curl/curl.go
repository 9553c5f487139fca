//go:build impersonate

package curl

/*
#cgo LDFLAGS: -lcurl-impersonate
#include <stdint.h>
#include <stdlib.h>
#include <curl/curl.h>

extern size_t impxyHeader(char *buf, size_t size, size_t nitems, uintptr_t token);
extern size_t impxyWrite(char *buf, size_t size, size_t nitems, uintptr_t token);
extern size_t impxyRead(char *buf, size_t size, size_t nitems, uintptr_t token);
extern int impxyProgress(uintptr_t token, curl_off_t dltotal, curl_off_t dlnow, curl_off_t ultotal, curl_off_t ulnow);

static size_t header_trampoline(char *buf, size_t size, size_t nitems, void *userdata) {
	return impxyHeader(buf, size, nitems, (uintptr_t)userdata);
}

static size_t write_trampoline(char *buf, size_t size, size_t nitems, void *userdata) {
	return impxyWrite(buf, size, nitems, (uintptr_t)userdata);
}

static size_t read_trampoline(char *buf, size_t size, size_t nitems, void *userdata) {
	return impxyRead(buf, size, nitems, (uintptr_t)userdata);
}

static int progress_trampoline(void *clientp, curl_off_t dltotal, curl_off_t dlnow, curl_off_t ultotal, curl_off_t ulnow) {
	return impxyProgress((uintptr_t)clientp, dltotal, dlnow, ultotal, ulnow);
}

static CURLcode setopt_long(CURL *h, CURLoption opt, long v) { return curl_easy_setopt(h, opt, v); }
static CURLcode setopt_off(CURL *h, CURLoption opt, curl_off_t v) { return curl_easy_setopt(h, opt, v); }
static CURLcode setopt_str(CURL *h, CURLoption opt, const char *v) { return curl_easy_setopt(h, opt, v); }
static CURLcode setopt_slist(CURL *h, CURLoption opt, struct curl_slist *v) { return curl_easy_setopt(h, opt, v); }

static CURLcode set_callbacks(CURL *h, uintptr_t token) {
	void *ud = (void *)token;
	CURLcode rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_HEADERFUNCTION, header_trampoline)) != CURLE_OK) return rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_HEADERDATA, ud)) != CURLE_OK) return rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_WRITEFUNCTION, write_trampoline)) != CURLE_OK) return rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_WRITEDATA, ud)) != CURLE_OK) return rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_READFUNCTION, read_trampoline)) != CURLE_OK) return rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_READDATA, ud)) != CURLE_OK) return rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_XFERINFOFUNCTION, progress_trampoline)) != CURLE_OK) return rc;
	if ((rc = curl_easy_setopt(h, CURLOPT_XFERINFODATA, ud)) != CURLE_OK) return rc;
	return curl_easy_setopt(h, CURLOPT_NOPROGRESS, 0L);
}

static CURLMcode multi_poll(CURLM *m, int timeout_ms) {
	int numfds = 0;
	return curl_multi_poll(m, NULL, 0, timeout_ms, &numfds);
}

static int multi_info_read(CURLM *m, int *msg, CURL **easy, CURLcode *result) {
	int queued = 0;
	CURLMsg *message = curl_multi_info_read(m, &queued);
	if (message == NULL) {
		return 0;
	}
	*msg = (int)message->msg;
	*easy = message->easy_handle;
	*result = message->data.result;
	return 1;
}
*/
import "C"

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/atomic"

	"github.com/zep-us/impxy/internal/engine"
)

var global struct {
	mu   sync.Mutex
	done bool
	err  error
}

// globalInit runs curl_global_init once per process.
func globalInit() error {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.done {
		return global.err
	}
	if code := C.curl_global_init(C.CURL_GLOBAL_DEFAULT); code != C.CURLE_OK {
		global.err = fmt.Errorf("curl_global_init: %s", C.GoString(C.curl_easy_strerror(code)))
	}
	global.done = true
	return global.err
}

// Engine is the libcurl-impersonate engine.
type Engine struct {
	identity string
}

var (
	_ engine.Engine = (*Engine)(nil)

	nextHandleID atomic.Uint64
)

// Open initializes libcurl-impersonate and reports the probe result.
// libraryPath only names the runtime identity; the library itself is linked at build time.
func Open(libraryPath string) (engine.Engine, engine.Probe) {
	version := C.GoString(C.curl_version())
	probe := engine.Probe{Reason: version}

	identity := version
	if libraryPath != "" {
		resolved := libraryPath
		if abs, err := filepath.Abs(libraryPath); err == nil {
			resolved = abs
		}
		if target, err := filepath.EvalSymlinks(resolved); err == nil {
			resolved = target
		}
		if _, err := os.Stat(resolved); err != nil {
			probe.Reason = fmt.Sprintf("%s; library path: %v", version, err)
		}
		probe.LibraryPaths = []string{resolved}
		identity = resolved
	}
	probe.Identity = identity

	e := &Engine{identity: identity}
	if err := e.Init(); err != nil {
		probe.Reason = err.Error()
		return nil, probe
	}
	probe.Available = true
	return e, probe
}

func (e *Engine) Init() error { return globalInit() }

func (e *Engine) Identity() string { return e.identity }

func (e *Engine) NewHandle() (engine.Handle, error) {
	easy := C.curl_easy_init()
	if easy == nil {
		return nil, fmt.Errorf("curl_easy_init returned NULL")
	}
	h := &handle{id: nextHandleID.Inc(), easy: easy}
	h.neutral()
	return h, nil
}

func (e *Engine) NewMulti() (engine.Multi, error) {
	m := C.curl_multi_init()
	if m == nil {
		return nil, fmt.Errorf("curl_multi_init returned NULL")
	}
	return &multi{m: m, handles: make(map[unsafe.Pointer]*handle)}, nil
}

func (e *Engine) NewHeaderList() engine.HeaderList { return &headerList{} }

func (e *Engine) StrError(code engine.Code) string {
	return C.GoString(C.curl_easy_strerror(C.CURLcode(code)))
}

func (e *Engine) MultiStrError(code engine.MultiCode) string {
	return C.GoString(C.curl_multi_strerror(C.CURLMcode(code)))
}

type handle struct {
	id   uint64
	easy unsafe.Pointer
}

func (h *handle) ID() uint64 { return h.id }

// neutral applies the options every pooled handle carries.
func (h *handle) neutral() {
	C.setopt_long(h.easy, C.CURLOPT_NOSIGNAL, 1)
	C.setopt_long(h.easy, C.CURLOPT_FOLLOWLOCATION, 0)
}

func (h *handle) setString(opt C.CURLoption, v string) engine.Code {
	cs := C.CString(v)
	defer C.free(unsafe.Pointer(cs))
	return engine.Code(C.setopt_str(h.easy, opt, cs))
}

func (h *handle) SetURL(url string) engine.Code {
	return h.setString(C.CURLOPT_URL, url)
}

func (h *handle) SetMethod(method string, hasBody bool, bodyLength int64) engine.Code {
	method = strings.ToUpper(method)
	switch {
	case hasBody:
		if code := engine.Code(C.setopt_long(h.easy, C.CURLOPT_POST, 1)); code != engine.CodeOK {
			return code
		}
		if code := engine.Code(C.setopt_off(h.easy, C.CURLOPT_POSTFIELDSIZE_LARGE, C.curl_off_t(bodyLength))); code != engine.CodeOK {
			return code
		}
		if method == "POST" {
			return engine.CodeOK
		}
	case method == "" || method == "GET":
		return engine.Code(C.setopt_long(h.easy, C.CURLOPT_HTTPGET, 1))
	case method == "HEAD":
		return engine.Code(C.setopt_long(h.easy, C.CURLOPT_NOBODY, 1))
	}
	return h.setString(C.CURLOPT_CUSTOMREQUEST, method)
}

func (h *handle) SetHTTPVersion(v engine.HTTPVersion) engine.Code {
	var cv C.long
	switch v {
	case engine.HTTPVersion1_0:
		cv = C.CURL_HTTP_VERSION_1_0
	case engine.HTTPVersion1_1:
		cv = C.CURL_HTTP_VERSION_1_1
	case engine.HTTPVersion2:
		cv = C.CURL_HTTP_VERSION_2_0
	case engine.HTTPVersion3:
		cv = C.CURL_HTTP_VERSION_3
	default:
		return engine.CodeOK
	}
	return engine.Code(C.setopt_long(h.easy, C.CURLOPT_HTTP_VERSION, cv))
}

func (h *handle) SetTimeout(d time.Duration) engine.Code {
	return engine.Code(C.setopt_long(h.easy, C.CURLOPT_TIMEOUT_MS, C.long(d.Milliseconds())))
}

func (h *handle) SetHeaders(list engine.HeaderList) engine.Code {
	l, ok := list.(*headerList)
	if !ok {
		return engine.CodeBadFunctionArgument
	}
	return engine.Code(C.setopt_slist(h.easy, C.CURLOPT_HTTPHEADER, l.list))
}

func (h *handle) SetCallbacks(cb engine.Callbacks) engine.Code {
	if cb == nil {
		unbind(h.id)
		return engine.CodeOK
	}
	bind(h.id, cb)
	return engine.Code(C.set_callbacks(h.easy, C.uintptr_t(h.id)))
}

func (h *handle) Impersonate(target string, defaultHeaders bool) engine.Code {
	ct := C.CString(target)
	defer C.free(unsafe.Pointer(ct))
	var dh C.int
	if defaultHeaders {
		dh = 1
	}
	return engine.Code(C.curl_easy_impersonate(h.easy, ct, dh))
}

func (h *handle) Reset() {
	unbind(h.id)
	C.curl_easy_reset(h.easy)
	h.neutral()
}

func (h *handle) Close() {
	if h.easy == nil {
		return
	}
	unbind(h.id)
	C.curl_easy_cleanup(h.easy)
	h.easy = nil
}

// multi wraps a CURLM. Everything except Wakeup runs on the dispatcher goroutine.
type multi struct {
	m       unsafe.Pointer
	handles map[unsafe.Pointer]*handle
}

func (m *multi) Add(h engine.Handle) engine.MultiCode {
	ch, ok := h.(*handle)
	if !ok || ch.easy == nil {
		return engine.MultiBadEasyHandle
	}
	code := engine.MultiCode(C.curl_multi_add_handle(m.m, ch.easy))
	if code == engine.MultiOK {
		m.handles[ch.easy] = ch
	}
	return code
}

func (m *multi) Remove(h engine.Handle) engine.MultiCode {
	ch, ok := h.(*handle)
	if !ok || ch.easy == nil {
		return engine.MultiBadEasyHandle
	}
	delete(m.handles, ch.easy)
	return engine.MultiCode(C.curl_multi_remove_handle(m.m, ch.easy))
}

func (m *multi) Perform() (int, engine.MultiCode) {
	var running C.int
	code := C.curl_multi_perform(m.m, &running)
	return int(running), engine.MultiCode(code)
}

func (m *multi) Poll(timeout time.Duration) engine.MultiCode {
	return engine.MultiCode(C.multi_poll(m.m, C.int(timeout.Milliseconds())))
}

func (m *multi) Wakeup() engine.MultiCode {
	return engine.MultiCode(C.curl_multi_wakeup(m.m))
}

func (m *multi) InfoRead() (engine.Message, bool) {
	var kind C.int
	var easy unsafe.Pointer
	var result C.CURLcode
	if C.multi_info_read(m.m, &kind, &easy, &result) == 0 {
		return engine.Message{}, false
	}
	msg := engine.Message{Kind: engine.MessageKind(kind), Result: engine.Code(result)}
	if kind == C.CURLMSG_DONE {
		msg.Kind = engine.MessageDone
	}
	if h, ok := m.handles[easy]; ok {
		msg.Handle = h
	}
	return msg, true
}

func (m *multi) Close() engine.MultiCode {
	for easy := range m.handles {
		C.curl_multi_remove_handle(m.m, easy)
	}
	m.handles = nil
	return engine.MultiCode(C.curl_multi_cleanup(m.m))
}

type headerList struct {
	list *C.struct_curl_slist
	n    int
}

func (l *headerList) Append(line string) error {
	cs := C.CString(line)
	defer C.free(unsafe.Pointer(cs))
	next := C.curl_slist_append(l.list, cs)
	if next == nil {
		return fmt.Errorf("curl_slist_append failed for %q", line)
	}
	l.list = next
	l.n++
	return nil
}

func (l *headerList) Len() int { return l.n }

func (l *headerList) Free() {
	if l.list != nil {
		C.curl_slist_free_all(l.list)
		l.list = nil
	}
	l.n = 0
}
