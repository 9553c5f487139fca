package transfer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/header"
)

func feedHeaders(t *testing.T, s *State, lines ...string) {
	t.Helper()
	for _, l := range lines {
		require.True(t, s.OnHeader([]byte(l+"\r\n")))
	}
}

func TestState_ProvisionalBlockIsSkipped(t *testing.T) {
	s := NewState(context.Background(), Options{})

	feedHeaders(t, s, "HTTP/1.1 100 Continue", "")
	assert.False(t, s.headers.Completed())

	feedHeaders(t, s, "HTTP/2 200 OK", "content-type: application/json", "x-test: value", "")
	snap, err := s.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, snap.Status)
	assert.Equal(t, header.HTTP2, snap.Version)
	assert.Equal(t, []header.Field{
		{Name: "content-type", Value: "application/json"},
		{Name: "x-test", Value: "value"},
	}, snap.Fields)
}

func TestState_BodyChunksInOrder(t *testing.T) {
	s := NewState(context.Background(), Options{})
	feedHeaders(t, s, "HTTP/1.1 200 OK", "")

	body := s.Body()
	defer body.Close()

	require.True(t, s.OnWrite([]byte("hel")))
	require.True(t, s.OnWrite([]byte("lo")))
	require.NoError(t, s.Finish(nil))

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.EqualValues(t, 5, s.Received())
}

func TestState_LargeWriteIsSplitIntoChunks(t *testing.T) {
	s := NewState(context.Background(), Options{QueueCapacity: 8})
	payload := bytes.Repeat([]byte("x"), ChunkSize*2+10)

	body := s.Body()
	require.True(t, s.OnWrite(payload))
	require.NoError(t, s.Finish(nil))

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestState_WriteBlocksWhileQueueFull(t *testing.T) {
	s := NewState(context.Background(), Options{QueueCapacity: 1})

	require.True(t, s.OnWrite([]byte("a")))

	wrote := make(chan bool, 1)
	go func() { wrote <- s.OnWrite([]byte("b")) }()

	select {
	case <-wrote:
		t.Fatal("write should block until the consumer drains the queue")
	case <-time.After(50 * time.Millisecond):
	}

	body := s.Body()
	buf := make([]byte, 1)
	_, err := io.ReadFull(body, buf)
	require.NoError(t, err)
	assert.Equal(t, "a", string(buf))

	select {
	case ok := <-wrote:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after the consumer drained")
	}
	require.NoError(t, s.Finish(nil))
	rest, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "b", string(rest))
}

func TestState_ConsumerClosedAbortsWrite(t *testing.T) {
	s := NewState(context.Background(), Options{QueueCapacity: 1})
	feedHeaders(t, s, "HTTP/1.1 200 OK", "")

	body := s.Body()
	require.NoError(t, body.Close())

	assert.False(t, s.OnWrite([]byte("dropped")))
	assert.ErrorIs(t, s.Err(), errors.ErrCallbackFailed)
	assert.False(t, s.OnProgress(0, 0, 0, 0))

	// the callback error outranks the engine's write error
	err := s.Finish(errors.Native(errors.CodeTransferFailed, 23, "write error"))
	assert.ErrorIs(t, err, errors.ErrCallbackFailed)
}

func TestState_CancelWhileAwaitingHeaders(t *testing.T) {
	s := NewState(context.Background(), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Headers(ctx)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, s.Cancelled())
	assert.False(t, s.OnProgress(0, 0, 0, 0))

	final := s.Finish(errors.Native(errors.CodeTransferFailed, 42, "aborted by callback"))
	assert.ErrorIs(t, final, errors.ErrCancelled)
}

func TestState_ContextCancelObservedByProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewState(ctx, Options{})

	assert.True(t, s.OnProgress(0, 0, 0, 0))
	cancel()
	assert.False(t, s.OnProgress(0, 0, 0, 0))
	assert.ErrorIs(t, s.Finish(nil), errors.ErrCancelled)
}

func TestState_FinishRejectsPendingHeaders(t *testing.T) {
	s := NewState(context.Background(), Options{})
	failure := errors.Native(errors.CodeTransferFailed, 7, "could not connect")

	err := s.Finish(failure)
	assert.Same(t, failure, err)

	_, herr := s.Headers(context.Background())
	assert.Same(t, failure, herr)
}

func TestState_FinishWithoutFinalBlockUsesDefaults(t *testing.T) {
	s := NewState(context.Background(), Options{})
	require.True(t, s.OnHeader([]byte("x-only: 1\r\n")))

	require.NoError(t, s.Finish(nil))
	snap, err := s.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200, snap.Status)
	assert.Equal(t, "1", snap.Get("x-only"))
}

func TestState_BodyErrorAfterHeaders(t *testing.T) {
	s := NewState(context.Background(), Options{})
	feedHeaders(t, s, "HTTP/1.1 200 OK", "")
	snap, err := s.Headers(context.Background())
	require.NoError(t, err)

	body := s.Body()
	require.True(t, s.OnWrite([]byte("partial")))
	failure := errors.Native(errors.CodeTransferFailed, 56, "recv failure")
	s.Finish(failure)

	got, err := io.ReadAll(body)
	assert.Equal(t, "partial", string(got))
	assert.ErrorIs(t, err, errors.ErrTransferFailed)

	// the published snapshot is unchanged
	again, herr := s.Headers(context.Background())
	require.NoError(t, herr)
	assert.Equal(t, snap, again)
}

func TestState_OnReadOpensLazily(t *testing.T) {
	opened := 0
	s := NewState(context.Background(), Options{Body: func() (io.ReadCloser, error) {
		opened++
		return io.NopCloser(strings.NewReader("payload")), nil
	}})
	assert.Equal(t, 0, opened)

	buf := make([]byte, 4)
	var got []byte
	for {
		n, ok := s.OnRead(buf)
		require.True(t, ok)
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, 1, opened)
	assert.EqualValues(t, 7, s.Uploaded())
	assert.NoError(t, s.Close())
}

func TestState_OnReadOpenFailureAborts(t *testing.T) {
	s := NewState(context.Background(), Options{Body: func() (io.ReadCloser, error) {
		return nil, io.ErrUnexpectedEOF
	}})

	n, ok := s.OnRead(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Err(), io.ErrUnexpectedEOF)
	assert.ErrorIs(t, s.Finish(nil), errors.ErrCallbackFailed)
}

func TestState_DiscardReleasesQueue(t *testing.T) {
	s := NewState(context.Background(), Options{QueueCapacity: 2})
	require.True(t, s.OnWrite([]byte("a")))

	s.Discard()
	assert.False(t, s.OnWrite([]byte("b")))
	assert.ErrorIs(t, s.Finish(nil), errors.ErrCallbackFailed)
}

func TestState_LateCancellationKeepsSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewState(ctx, Options{})
	feedHeaders(t, s, "HTTP/1.1 200 OK", "")
	body := s.Body()
	require.True(t, s.OnWrite([]byte("complete body")))

	// the deadline fires after the engine reported success
	cancel()
	s.Cancel()
	require.NoError(t, s.Finish(nil))

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "complete body", string(got))
}

func TestState_CancellationWithFailedResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewState(ctx, Options{})
	cancel()

	err := s.Finish(errors.Native(errors.CodeTransferFailed, 28, "operation timed out"))
	assert.ErrorIs(t, err, errors.ErrCancelled)
}
