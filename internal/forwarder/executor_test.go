package forwarder

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/internal/engine/enginetest"
	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/header"
	"github.com/zep-us/impxy/internal/profile"
)

const testURL = "https://upstream.test/resource"

func newExecutor(t *testing.T, eng *enginetest.Engine, opts Options) *Executor {
	t.Helper()
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 5 * time.Millisecond
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	e := NewExecutor(eng, opts)
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	return e
}

func newEngine(t *testing.T, opts ...enginetest.Option) *enginetest.Engine {
	return enginetest.New(append([]enginetest.Option{enginetest.WithIdentity(t.Name())}, opts...)...)
}

func TestExecutor_SendHello(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.OK("hel", "lo"))
	e := newExecutor(t, eng, Options{})

	resp, err := e.Send(context.Background(), &Request{URL: testURL})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, header.HTTP2, resp.Version)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "text/plain", resp.Get("Content-Type"))
}

func TestStreamingResponse_BufferRoundTrip(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.OK("hello"))
	e := newExecutor(t, eng, Options{})

	stream, err := e.Stream(context.Background(), &Request{URL: testURL})
	require.NoError(t, err)
	fields := append([]header.Field(nil), stream.Header...)

	resp, err := stream.Buffer()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Body)
	assert.Equal(t, fields, resp.Header)
	assert.Equal(t, stream.Status, resp.Status)
	assert.Equal(t, stream.Reason, resp.Reason)
}

func TestExecutor_PoolSteadyState(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.OK("a", "b"))
	e := newExecutor(t, eng, Options{})

	for i := 0; i < 10; i++ {
		resp, err := e.Send(context.Background(), &Request{URL: testURL})
		require.NoError(t, err)
		require.Equal(t, "ab", string(resp.Body))
	}

	require.Eventually(t, func() bool { return e.IdleHandles() >= 1 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, e.IdleHandles(), 4)
	assert.LessOrEqual(t, eng.HandlesCreated(), int64(4))
	assert.EqualValues(t, 0, eng.ListsLive())
}

func TestExecutor_RequestConfiguration(t *testing.T) {
	eng := newEngine(t, enginetest.WithSupported("chrome124", "chrome110"))
	eng.Route(testURL, enginetest.OK("ok"))
	e := newExecutor(t, eng, Options{
		DefaultTarget:  "chrome131",
		Candidates:     []string{"chrome131", "chrome124", "chrome110"},
		RequestTimeout: 3 * time.Second,
	})

	resp, err := e.Send(context.Background(), &Request{
		Method: "post",
		URL:    testURL,
		Header: []header.Field{
			{Name: "Accept", Value: "a"},
			{Name: "X-Multi", Value: "1"},
			{Name: "X-Multi", Value: "2"},
			{Name: "X-Empty", Value: ""},
		},
		Body:    []byte("payload"),
		Version: header.HTTP11,
	})
	require.NoError(t, err)
	assert.Equal(t, "chrome124", resp.Target)

	reqs := eng.Requests()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, "POST", got.Method)
	assert.True(t, got.HasBody)
	assert.EqualValues(t, 7, got.BodyLength)
	assert.Equal(t, "payload", string(got.Body))
	assert.Equal(t, "chrome124", got.Target)
	assert.Equal(t, 3*time.Second, got.Timeout)
	assert.Equal(t, engine.HTTPVersion1_1, got.Version)
	assert.Equal(t, []string{"Accept: a", "X-Multi: 1", "X-Multi: 2", "X-Empty;"}, got.Headers)
}

func TestExecutor_LazyBodySourceIsClosed(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.OK("ok"))
	e := newExecutor(t, eng, Options{})

	body := &trackedBody{Reader: strings.NewReader("streamed body"), closed: make(chan struct{})}
	opened := 0
	_, err := e.Send(context.Background(), &Request{
		Method: "PUT",
		URL:    testURL,
		BodySource: func() (io.ReadCloser, error) {
			opened++
			return body, nil
		},
		BodyLength: -1,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, opened)
	assert.Equal(t, "streamed body", string(eng.Requests()[0].Body))
	assert.EqualValues(t, -1, eng.Requests()[0].BodyLength)
	require.Eventually(t, body.isClosed, time.Second, 5*time.Millisecond)
}

func TestExecutor_CancelledBeforeSubmission(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.OK("ok"))
	e := newExecutor(t, eng, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Send(ctx, &Request{URL: testURL})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, eng.HandlesCreated())
	assert.Empty(t, eng.Requests())
}

func TestExecutor_CancelWhileAwaitingHeaders(t *testing.T) {
	eng := newEngine(t)
	// never delivers headers
	eng.Route(testURL, enginetest.Response{Hang: true})
	e := newExecutor(t, eng, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Stream(ctx, &Request{URL: testURL})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.Less(t, time.Since(start), time.Second)

	// the aborted transfer is finalized and its handle pooled
	require.Eventually(t, func() bool { return e.IdleHandles() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, eng.HandlesLive())
	assert.EqualValues(t, 0, eng.ListsLive())
}

func TestExecutor_RequestTimeout(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.Response{Hang: true})
	e := newExecutor(t, eng, Options{RequestTimeout: 30 * time.Millisecond})

	_, err := e.Send(context.Background(), &Request{URL: testURL})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutor_EarlyStoppingConsumer(t *testing.T) {
	eng := newEngine(t)
	resp := enginetest.OK()
	for i := 0; i < 200; i++ {
		resp.Chunks = append(resp.Chunks, []byte("0123456789"))
	}
	eng.Route(testURL, resp)
	eng.Route(testURL+"/next", enginetest.OK("next"))
	e := newExecutor(t, eng, Options{QueueCapacity: 2})

	stream, err := e.Stream(context.Background(), &Request{URL: testURL})
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(stream.Body, buf)
	require.NoError(t, err)
	require.NoError(t, stream.Body.Close())

	require.Eventually(t, func() bool { return e.IdleHandles() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the dispatcher still serves new transfers
	next, err := e.Send(context.Background(), &Request{URL: testURL + "/next"})
	require.NoError(t, err)
	assert.Equal(t, "next", string(next.Body))
}

func TestExecutor_TransferFailure(t *testing.T) {
	eng := newEngine(t)
	e := newExecutor(t, eng, Options{})

	// unrouted URLs fail to connect before any header
	_, err := e.Send(context.Background(), &Request{URL: "https://unreachable.test/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransferFailed)

	var ne *errors.Error
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, int(engine.CodeCouldNotConnect), ne.NativeCode)
	assert.Contains(t, err.Error(), "Couldn't connect to server")
}

func TestExecutor_BodyFailureAfterHeaders(t *testing.T) {
	eng := newEngine(t)
	resp := enginetest.OK("partial")
	resp.Result = engine.CodeRecvError
	eng.Route(testURL, resp)
	e := newExecutor(t, eng, Options{})

	stream, err := e.Stream(context.Background(), &Request{URL: testURL})
	require.NoError(t, err)
	assert.Equal(t, 200, stream.Status)

	body, err := io.ReadAll(stream.Body)
	assert.Equal(t, "partial", string(body))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransferFailed)
	stream.Body.Close()
}

func TestExecutor_StrictUnsupportedTarget(t *testing.T) {
	eng := newEngine(t, enginetest.WithSupported("chrome110"))
	eng.Route(testURL, enginetest.OK("ok"))
	e := newExecutor(t, eng, Options{Policy: profile.Strict, Candidates: []string{"chrome124", "chrome110"}})

	_, err := e.Send(context.Background(), &Request{URL: testURL, Target: "chrome124"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedTarget)
	assert.Contains(t, err.Error(), "chrome110")
	assert.Empty(t, eng.Requests())
	assert.EqualValues(t, 0, eng.HandlesLive())
}

func TestExecutor_InvalidRequest(t *testing.T) {
	eng := newEngine(t)
	e := newExecutor(t, eng, Options{})

	_, err := e.Send(context.Background(), &Request{URL: "/relative"})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)

	_, err = e.Send(context.Background(), &Request{
		URL:    testURL,
		Header: []header.Field{{Name: "Bad\r\nName", Value: "x"}},
	})
	assert.ErrorIs(t, err, errors.ErrInvalidRequest)

	// the rejected header list was released and the handle pooled
	assert.EqualValues(t, 0, eng.ListsLive())
	assert.Equal(t, 1, e.IdleHandles())
}

func TestExecutor_StopRefusesAndReleases(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.OK("ok"))
	e := NewExecutor(eng, Options{PollTimeout: 5 * time.Millisecond, ShutdownTimeout: time.Second})
	require.NoError(t, e.Start())

	_, err := e.Send(context.Background(), &Request{URL: testURL})
	require.NoError(t, err)

	e.Stop()
	assert.EqualValues(t, 0, eng.HandlesLive())
	assert.EqualValues(t, 0, eng.MultisLive())

	_, err = e.Send(context.Background(), &Request{URL: testURL})
	assert.ErrorIs(t, err, errors.ErrDisposed)
	assert.Equal(t, 0, e.GetQueueDepth())

	// idempotent
	e.Stop()
}

func TestExecutor_StopCancelsStragglers(t *testing.T) {
	eng := newEngine(t)
	eng.Route(testURL, enginetest.Response{Hang: true})
	e := NewExecutor(eng, Options{PollTimeout: 5 * time.Millisecond, ShutdownTimeout: 50 * time.Millisecond})
	require.NoError(t, e.Start())

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Send(context.Background(), &Request{URL: testURL})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(eng.Requests()) == 1 }, time.Second, 5*time.Millisecond)

	e.Stop()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight send did not return after stop")
	}
	require.Eventually(t, func() bool { return eng.HandlesLive() == 0 }, time.Second, 5*time.Millisecond)
}

type trackedBody struct {
	io.Reader
	closed chan struct{}
}

func (b *trackedBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func (b *trackedBody) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
