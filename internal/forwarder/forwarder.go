package forwarder

import (
	"context"
	"io"
	"time"

	"github.com/zep-us/impxy/internal/header"
	"github.com/zep-us/impxy/internal/transfer"
)

// Forwarder defines the abstraction for sending requests upstream
// Implementations own their native resources between Start and Stop
type Forwarder interface {
	// Start initializes the engine and any background resources
	Start() error

	// Stop gracefully stops the forwarder, waiting for in-flight transfers up to an internal timeout
	Stop()

	// Send performs the request and buffers the whole response body
	Send(ctx context.Context, req *Request) (*Response, error)

	// Stream performs the request and returns once the final response headers arrived
	// The caller must close the returned body
	Stream(ctx context.Context, req *Request) (*StreamingResponse, error)

	// GetQueueDepth returns current backlog depth (callers waiting for a slot plus dispatcher intake)
	GetQueueDepth() int
}

// Request describes one outbound exchange. It must not be modified after it is submitted.
type Request struct {
	Method string
	// URL is absolute.
	URL string
	// Header is sent in order; names may repeat.
	Header []header.Field

	// Body is the in-memory request body. BodySource, when set, takes precedence
	// and is opened on the engine's first read.
	Body       []byte
	BodySource transfer.BodySource
	// BodyLength is the BodySource length, -1 when unknown.
	BodyLength int64

	// Target is the impersonation target; empty means the forwarder default.
	Target string
	// Timeout bounds the whole transfer; zero means the forwarder default.
	Timeout time.Duration
	// Version is an optional protocol hint.
	Version header.Version
}

func (r *Request) hasBody() bool {
	return r.BodySource != nil || len(r.Body) > 0
}

func (r *Request) bodyLength() int64 {
	if r.BodySource != nil {
		return r.BodyLength
	}
	return int64(len(r.Body))
}

// Response is a fully buffered upstream response.
type Response struct {
	Status  int
	Reason  string
	Version header.Version
	Header  []header.Field
	Body    []byte
	// Target is the impersonation target the transfer actually used.
	Target string
}

// Get returns the first value of the named header, case-insensitively.
func (r *Response) Get(name string) string {
	return r.snapshot().Get(name)
}

func (r *Response) snapshot() header.Snapshot {
	return header.Snapshot{Status: r.Status, Reason: r.Reason, Version: r.Version, Fields: r.Header}
}

// StreamingResponse is an upstream response whose body is read as it arrives.
type StreamingResponse struct {
	Status  int
	Reason  string
	Version header.Version
	Header  []header.Field
	// Body yields body bytes in arrival order. A transfer failure after the
	// headers surfaces as Body's terminal read error.
	Body   io.ReadCloser
	Target string
}

// Get returns the first value of the named header, case-insensitively.
func (r *StreamingResponse) Get(name string) string {
	return header.Snapshot{Fields: r.Header}.Get(name)
}

// Buffer reads the remaining body and closes it.
func (r *StreamingResponse) Buffer() (*Response, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:  r.Status,
		Reason:  r.Reason,
		Version: r.Version,
		Header:  append([]header.Field(nil), r.Header...),
		Body:    body,
		Target:  r.Target,
	}, nil
}
