// Package engine describes the capability surface the transfer core needs
// from the native impersonation engine. The engine owns TLS, HTTP/2 framing
// and socket I/O; this package only names the operations the core drives.
//
// The shape follows libcurl's easy/multi split: a Handle is one configured
// exchange, a Multi drives many handles from a single polling loop.
package engine

import (
	"fmt"
	"time"
)

// Code is an easy-handle result code. Values mirror CURLcode.
type Code int

const (
	CodeOK                  Code = 0
	CodeUnsupportedProtocol Code = 1
	CodeCouldNotConnect     Code = 7
	CodeWriteError          Code = 23
	CodeReadError           Code = 26
	CodeOutOfMemory         Code = 27
	CodeOperationTimedOut   Code = 28
	CodeAbortedByCallback   Code = 42
	// CodeBadFunctionArgument is what the engine returns when asked to
	// impersonate a target it does not know.
	CodeBadFunctionArgument Code = 43
	CodeRecvError           Code = 56
)

// MultiCode is a multiplexer result code. Values mirror CURLMcode.
type MultiCode int

const (
	MultiOK            MultiCode = 0
	MultiBadHandle     MultiCode = 1
	MultiBadEasyHandle MultiCode = 2
	MultiOutOfMemory   MultiCode = 3
	MultiInternalError MultiCode = 4
	MultiAddedAlready  MultiCode = 7
)

// MessageKind is the kind of a completion message read from a Multi.
type MessageKind int

const (
	MessageNone MessageKind = iota
	MessageDone
)

// Message reports that a handle finished with Result.
type Message struct {
	Kind   MessageKind
	Handle Handle
	Result Code
}

// HTTPVersion is the protocol-version hint given to a handle.
type HTTPVersion int

const (
	HTTPVersionNone HTTPVersion = iota
	HTTPVersion1_0
	HTTPVersion1_1
	HTTPVersion2
	HTTPVersion3
)

// Callbacks receives the engine's per-transfer callbacks. The engine calls them
// from the goroutine that runs Multi.Perform.
type Callbacks interface {
	// OnHeader receives one raw header line. Returning false aborts the transfer.
	OnHeader(line []byte) bool
	// OnWrite receives response body bytes. The slice is only valid for the
	// duration of the call. Returning false aborts the transfer.
	OnWrite(p []byte) bool
	// OnRead fills p with request body bytes. n == 0 with ok == true ends the
	// body; ok == false aborts the transfer.
	OnRead(p []byte) (n int, ok bool)
	// OnProgress is polled every tick. Returning false aborts the transfer.
	OnProgress(dlTotal, dlNow, ulTotal, ulNow int64) bool
}

// Engine is a loaded native engine instance.
type Engine interface {
	// Init performs the process-wide one-time initialization. It is safe to
	// call more than once and from several goroutines.
	Init() error
	NewHandle() (Handle, error)
	NewMulti() (Multi, error)
	NewHeaderList() HeaderList
	// Identity names the loaded runtime, e.g. the resolved library path.
	// Capability caches are shared between engines with equal identity.
	Identity() string
	StrError(code Code) string
	MultiStrError(code MultiCode) string
}

// Handle is one configurable exchange. A handle is owned by exactly one of the
// pool or an in-flight transfer.
type Handle interface {
	ID() uint64
	SetURL(url string) Code
	// SetMethod configures the request method. bodyLength is -1 when unknown
	// and ignored when hasBody is false.
	SetMethod(method string, hasBody bool, bodyLength int64) Code
	SetHTTPVersion(v HTTPVersion) Code
	SetTimeout(d time.Duration) Code
	SetHeaders(list HeaderList) Code
	SetCallbacks(cb Callbacks) Code
	// Impersonate applies a browser profile. CodeBadFunctionArgument means the
	// target is not supported by this engine.
	Impersonate(target string, defaultHeaders bool) Code
	// Reset returns the handle to a neutral configuration and drops callbacks.
	Reset()
	Close()
}

// Multi drives many handles' I/O.
type Multi interface {
	Add(h Handle) MultiCode
	Remove(h Handle) MultiCode
	// Perform runs one non-blocking step and reports the number of running handles.
	Perform() (running int, code MultiCode)
	// Poll waits for activity, a Wakeup, or the timeout.
	Poll(timeout time.Duration) MultiCode
	// Wakeup interrupts a Poll. It may be called from any goroutine.
	Wakeup() MultiCode
	// InfoRead pops one completion message; ok is false when none is queued.
	InfoRead() (msg Message, ok bool)
	Close() MultiCode
}

// HeaderList is a native list of raw request header lines.
type HeaderList interface {
	Append(line string) error
	Len() int
	Free()
}

// Probe is the operational view of engine availability consumed by deployment tooling.
type Probe struct {
	Available    bool     `json:"available"`
	Reason       string   `json:"reason,omitempty"`
	LibraryPaths []string `json:"library_paths,omitempty"`
	Identity     string   `json:"identity,omitempty"`
}

// DefaultIdentity keys capability caches for engines that cannot name their runtime.
const DefaultIdentity = "default"

func (c Code) String() string {
	return fmt.Sprintf("engine code %d", int(c))
}

func (c MultiCode) String() string {
	return fmt.Sprintf("multi code %d", int(c))
}
