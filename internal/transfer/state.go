// Package transfer holds the per-transfer state that bridges the engine's
// synchronous callbacks to an asynchronous consumer: a header future that
// resolves once the final header block is parsed, and a bounded chunk queue
// drained into an io.Reader.
//
// The engine calls the callbacks from the dispatcher goroutine. Everything the
// consumer reads is published through the header future, the chunk queue or
// atomic counters.
package transfer

import (
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/future"
	"github.com/zep-us/impxy/internal/header"
)

// DefaultQueueCapacity bounds the number of body chunks buffered ahead of the consumer.
const DefaultQueueCapacity = 128

// BodySource opens the request body on first use.
type BodySource func() (io.ReadCloser, error)

// Options configures a State.
type Options struct {
	QueueCapacity int
	Body          BodySource
	Buffers       *BufferPool
}

// State is the mutable record of one transfer.
type State struct {
	ctx     context.Context
	buffers *BufferPool

	// lines is only touched by header callbacks and, after completion, by Finish.
	lines   []string
	headers *future.Future[header.Snapshot]

	chunks       chan chunk
	done         chan struct{}
	doneErr      error
	completeOnce sync.Once
	completed    atomic.Bool

	consumerGone chan struct{}
	consumerOnce sync.Once
	pumpOnce     sync.Once

	cbOnce sync.Once
	cbErr  error
	failed atomic.Bool

	openBody BodySource
	body     io.ReadCloser
	bodyEOF  bool

	received  atomic.Int64
	uploaded  atomic.Int64
	cancelled atomic.Bool
	// aborted is set when a callback stopped the engine because of cancellation.
	aborted atomic.Bool
}

var _ engine.Callbacks = (*State)(nil)

// NewState creates the state for a transfer governed by ctx.
func NewState(ctx context.Context, opts Options) *State {
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	buffers := opts.Buffers
	if buffers == nil {
		buffers = defaultBuffers
	}
	return &State{
		ctx:          ctx,
		buffers:      buffers,
		headers:      future.New[header.Snapshot](),
		chunks:       make(chan chunk, capacity),
		done:         make(chan struct{}),
		consumerGone: make(chan struct{}),
		openBody:     opts.Body,
	}
}

// OnHeader accumulates raw header lines. A status line starts a new block;
// a blank line ends it, and the first block with a final status resolves the
// header future.
func (s *State) OnHeader(raw []byte) bool {
	if s.failed.Load() {
		return false
	}
	line := strings.TrimRight(string(raw), "\r\n")
	if header.IsStatusLine(line) {
		s.lines = s.lines[:0]
	}
	if line == "" {
		snap := header.Parse(s.lines)
		if snap.Status >= 200 && !s.headers.Completed() {
			s.headers.Resolve(snap)
		}
		return true
	}
	s.lines = append(s.lines, line)
	return true
}

// OnWrite copies p into pooled chunks and queues them. It blocks while the
// queue is full, and aborts when the consumer has gone or the caller cancelled.
func (s *State) OnWrite(p []byte) bool {
	if s.completed.Load() || s.failed.Load() {
		return false
	}
	select {
	case <-s.consumerGone:
		s.fail(errors.New(errors.CodeCallbackFailed, "response body consumer closed before transfer completed"))
		return false
	default:
	}
	for len(p) > 0 {
		buf := s.buffers.Get()
		n := copy(*buf, p)
		p = p[n:]
		select {
		case s.chunks <- chunk{buf: buf, n: n}:
			s.received.Add(int64(n))
		case <-s.consumerGone:
			s.buffers.Put(buf)
			s.fail(errors.New(errors.CodeCallbackFailed, "response body consumer closed before transfer completed"))
			return false
		case <-s.ctx.Done():
			s.buffers.Put(buf)
			s.cancelled.Store(true)
			s.aborted.Store(true)
			return false
		}
	}
	return true
}

// OnRead pulls request body bytes, opening the body source on first use.
func (s *State) OnRead(p []byte) (int, bool) {
	if s.failed.Load() {
		return 0, false
	}
	if s.bodyEOF || len(p) == 0 {
		return 0, true
	}
	if s.body == nil {
		if s.openBody == nil {
			s.bodyEOF = true
			return 0, true
		}
		rc, err := s.openBody()
		if err != nil {
			s.fail(errors.Wrap(errors.CodeCallbackFailed, err, "open request body"))
			return 0, false
		}
		s.body = rc
	}

	n, err := s.body.Read(p)
	if err != nil && err != io.EOF {
		s.fail(errors.Wrap(errors.CodeCallbackFailed, err, "read request body"))
		return 0, false
	}
	if n <= 0 {
		s.bodyEOF = true
		return 0, true
	}
	if err == io.EOF {
		s.bodyEOF = true
	}
	s.uploaded.Add(int64(n))
	return n, true
}

// OnProgress keeps the transfer going unless the caller cancelled or a callback failed.
func (s *State) OnProgress(_, _, _, _ int64) bool {
	if s.ctx.Err() != nil {
		s.cancelled.Store(true)
	}
	if s.cancelled.Load() {
		s.aborted.Store(true)
		return false
	}
	return !s.failed.Load()
}

// Cancel records cancellation; the next progress tick aborts the transfer.
func (s *State) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether cancellation was recorded.
func (s *State) Cancelled() bool {
	return s.cancelled.Load()
}

// Err returns the first callback error, or nil.
func (s *State) Err() error {
	if !s.failed.Load() {
		return nil
	}
	return s.cbErr
}

func (s *State) fail(err error) {
	s.cbOnce.Do(func() {
		s.cbErr = err
		s.failed.Store(true)
	})
}

// Received returns the number of response body bytes queued so far.
func (s *State) Received() int64 { return s.received.Load() }

// Uploaded returns the number of request body bytes handed to the engine.
func (s *State) Uploaded() int64 { return s.uploaded.Load() }

// Headers waits for the final header block. If ctx ends first the transfer is
// marked cancelled and a cancellation error is returned at once.
func (s *State) Headers(ctx context.Context) (header.Snapshot, error) {
	if s.headers.Completed() {
		return s.headers.Result()
	}
	select {
	case <-s.headers.Done():
		return s.headers.Result()
	case <-ctx.Done():
		s.Cancel()
		return header.Snapshot{}, errors.Wrap(errors.CodeCancelled, ctx.Err(), "cancelled while awaiting response headers")
	}
}

// Finish completes the transfer with the engine's outcome. resultErr is nil
// when the engine reported success. A callback that aborted on cancellation, or
// a cancellation seen alongside a failed result, reports Cancelled; otherwise a
// recorded callback error replaces resultErr. A cancellation that arrives after
// the engine finished successfully does not change the outcome. The chunk queue is completed and an unresolved header
// future is settled, so no waiter hangs. The final error is returned.
func (s *State) Finish(resultErr error) error {
	err := resultErr
	switch {
	case s.aborted.Load() || (resultErr != nil && (s.cancelled.Load() || s.ctx.Err() != nil)):
		cause := s.ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		err = errors.Wrap(errors.CodeCancelled, cause, "transfer cancelled")
	case s.failed.Load():
		err = s.cbErr
	}

	s.completeOnce.Do(func() {
		s.doneErr = err
		s.completed.Store(true)
		close(s.done)
	})

	if !s.headers.Completed() {
		if err != nil {
			s.headers.Reject(err)
		} else {
			s.headers.Resolve(header.Parse(s.lines))
		}
	}
	return err
}

// Close releases the request body source, if it was opened.
func (s *State) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
