package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"go.uber.org/atomic"

	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/future"
	"github.com/zep-us/impxy/internal/handlepool"
	"github.com/zep-us/impxy/internal/header"
	"github.com/zep-us/impxy/internal/metrics"
	"github.com/zep-us/impxy/internal/profile"
	"github.com/zep-us/impxy/internal/transfer"
	"github.com/zep-us/impxy/internal/worker"
	"github.com/zep-us/impxy/pkg/logger"
)

// Options configures an Executor.
type Options struct {
	DefaultTarget   string         // Impersonation target for requests that name none
	Policy          profile.Policy // Fallback when a target is not supported
	Candidates      []string       // Ordered fallback candidates, newest first
	MaxConcurrent   int            // Upper bound on transfers between submission and finalization
	RequestTimeout  time.Duration  // Default per-transfer timeout, zero for none
	QueueCapacity   int            // Body chunks buffered ahead of a slow consumer
	PollTimeout     time.Duration  // Dispatcher poll bound
	ShutdownTimeout time.Duration  // How long Stop waits for in-flight transfers
}

// Executor implements Forwarder on top of the native engine. It owns one handle
// pool, one resolver and one dispatcher.
type Executor struct {
	eng        engine.Engine
	pool       *handlepool.Pool
	resolver   *profile.Resolver
	dispatcher *worker.Dispatcher
	buffers    *transfer.BufferPool

	defaultTarget   string
	requestTimeout  time.Duration
	queueCapacity   int
	maxConcurrent   int
	shutdownTimeout time.Duration

	tokens  *semaphore.Weighted
	waiters atomic.Int64

	// base is cancelled when Stop gives up waiting; every transfer observes it.
	base      context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex // guards stopped and wg.Add
	stopped  bool
	wg       sync.WaitGroup
	startErr error

	startOnce sync.Once
	stopOnce  sync.Once
}

var _ Forwarder = (*Executor)(nil)

// NewExecutor creates an executor over eng. Call Start before the first request.
func NewExecutor(eng engine.Engine, opts Options) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1024
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		eng:      eng,
		pool:     handlepool.New(eng),
		resolver: profile.New(eng, profile.Options{Policy: opts.Policy, Candidates: opts.Candidates}),
		dispatcher: worker.NewDispatcher(eng, worker.Options{
			PollTimeout:     opts.PollTimeout,
			ShutdownTimeout: opts.ShutdownTimeout,
		}),
		buffers:         transfer.NewBufferPool(transfer.ChunkSize),
		defaultTarget:   opts.DefaultTarget,
		requestTimeout:  opts.RequestTimeout,
		queueCapacity:   opts.QueueCapacity,
		maxConcurrent:   opts.MaxConcurrent,
		shutdownTimeout: opts.ShutdownTimeout,
		tokens:          semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		base:            base,
		cancelAll:       cancel,
	}
}

// Start initializes the native engine once.
func (e *Executor) Start() error {
	e.startOnce.Do(func() {
		if err := e.eng.Init(); err != nil {
			e.startErr = errors.Wrap(errors.CodeEngineFailure, err, "initialize engine")
			return
		}
		logger.Info("Executor started: engine=%s maxConcurrent=%d defaultTarget=%q policy=%s",
			e.eng.Identity(), e.maxConcurrent, e.defaultTarget, e.resolver.Policy())
	})
	return e.startErr
}

// Stop refuses new transfers and waits for in-flight ones up to the shutdown
// timeout. Stragglers are then cancelled, the dispatcher is closed and the pool disposed.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		logger.Info("Stopping executor: waiting for in-flight transfers")

		done := make(chan struct{})
		go func() {
			defer close(done)
			e.wg.Wait()
		}()

		select {
		case <-done:
			logger.Info("Executor stopped: all transfers finished")
		case <-time.After(e.shutdownTimeout):
			logger.Warn("Executor stop timed out after %v, cancelling remaining transfers", e.shutdownTimeout)
			e.cancelAll()
		}

		e.dispatcher.Close()
		e.pool.Dispose()
		e.cancelAll()
	})
}

// GetQueueDepth returns callers waiting for a concurrency slot plus transfers
// waiting for the dispatcher loop.
func (e *Executor) GetQueueDepth() int {
	v := e.waiters.Load()
	if v < 0 {
		v = 0
	}
	return int(v) + e.dispatcher.Pending()
}

// SupportedTargets returns the candidate targets the loaded engine supports.
func (e *Executor) SupportedTargets() ([]string, error) {
	if err := e.Start(); err != nil {
		return nil, err
	}
	return e.resolver.Supported()
}

// IdleHandles returns the number of pooled idle handles.
func (e *Executor) IdleHandles() int {
	return e.pool.Idle()
}

// Send performs req and buffers the whole response.
func (e *Executor) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Buffer()
}

// inflight is everything finalization must release for one transfer.
type inflight struct {
	req      *Request
	target   string
	handle   engine.Handle
	list     engine.HeaderList
	state    *transfer.State
	result   *future.Future[worker.Result]
	ctx      context.Context // caller context bounded by the transfer timeout
	cancel   context.CancelFunc
	stopWake func() bool
	stopBase func() bool
	started  time.Time
}

// Stream performs req and returns once the final response headers arrived.
func (e *Executor) Stream(ctx context.Context, req *Request) (*StreamingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeCancelled, err, "request cancelled before submission")
	}
	if err := validate(req); err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, errors.ErrDisposed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	t, err := e.submit(ctx, req)
	if err != nil {
		e.wg.Done()
		return nil, err
	}

	snap, err := t.state.Headers(t.ctx)
	if err != nil {
		t.state.Discard()
		return nil, err
	}
	return &StreamingResponse{
		Status:  snap.Status,
		Reason:  snap.Reason,
		Version: snap.Version,
		Header:  snap.Fields,
		Body:    t.state.Body(),
		Target:  t.target,
	}, nil
}

// submit acquires a slot, resolves the target, configures a pooled handle and
// hands it to the dispatcher. On success a finalizer goroutine owns the transfer.
func (e *Executor) submit(ctx context.Context, req *Request) (*inflight, error) {
	e.waiters.Inc()
	err := e.tokens.Acquire(ctx, 1)
	e.waiters.Dec()
	if err != nil {
		return nil, errors.Wrap(errors.CodeCancelled, err, "cancelled while waiting for a transfer slot")
	}
	release := func() { e.tokens.Release(1) }

	requested := req.Target
	if requested == "" {
		requested = e.defaultTarget
	}
	target, err := e.resolver.Resolve(requested)
	if err != nil {
		release()
		return nil, err
	}

	h, err := e.pool.Rent()
	if err != nil {
		release()
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.requestTimeout
	}
	var tctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		tctx, cancel = context.WithCancel(ctx)
	}

	state := transfer.NewState(tctx, transfer.Options{
		QueueCapacity: e.queueCapacity,
		Body:          bodySource(req),
		Buffers:       e.buffers,
	})
	list := e.eng.NewHeaderList()

	abandon := func(err error) (*inflight, error) {
		list.Free()
		state.Close()
		e.pool.Return(h)
		cancel()
		release()
		return nil, err
	}

	if err := buildHeaderList(list, req.Header); err != nil {
		return abandon(err)
	}
	if err := e.configure(h, req, target, timeout, list, state); err != nil {
		return abandon(err)
	}

	result, err := e.dispatcher.Enqueue(h)
	if err != nil {
		return abandon(err)
	}

	t := &inflight{
		req:     req,
		target:  target,
		handle:  h,
		list:    list,
		state:   state,
		result:  result,
		ctx:     tctx,
		cancel:  cancel,
		started: time.Now(),
	}
	t.stopWake = context.AfterFunc(tctx, func() {
		state.Cancel()
		e.dispatcher.Wakeup()
	})
	t.stopBase = context.AfterFunc(e.base, cancel)

	metrics.TransfersInFlightGauge.Inc()
	go e.finalize(t)
	return t, nil
}

// finalize runs exactly once per submitted transfer, after the dispatcher
// resolved its result.
func (e *Executor) finalize(t *inflight) {
	defer e.wg.Done()

	res, _ := t.result.Wait(context.Background())

	var resultErr error
	switch {
	case res.Err != nil:
		resultErr = res.Err
	case res.Code != engine.CodeOK:
		resultErr = errors.Native(errors.CodeTransferFailed, int(res.Code),
			fmt.Sprintf("%s %s failed: %s", t.req.method(), t.req.URL, e.eng.StrError(res.Code)))
	}
	err := t.state.Finish(resultErr)

	t.stopWake()
	t.stopBase()
	t.cancel()
	t.list.Free()
	if cerr := t.state.Close(); cerr != nil {
		logger.Warn("Executor: closing request body for %s: %v", t.req.URL, cerr)
	}
	e.pool.Return(t.handle)
	e.tokens.Release(1)

	metrics.TransfersInFlightGauge.Dec()
	metrics.TransfersCounter.WithLabelValues(outcome(err)).Inc()
	metrics.BytesReceivedCounter.Add(float64(t.state.Received()))
	metrics.BytesUploadedCounter.Add(float64(t.state.Uploaded()))

	if err != nil && !errors.Is(err, errors.ErrCancelled) {
		logger.Warn("Executor: %s %s (target=%q) failed after %v: %v",
			t.req.method(), t.req.URL, t.target, time.Since(t.started), err)
	} else {
		logger.Debug("executor: %s %s finished in %v, %d bytes", t.req.method(), t.req.URL,
			time.Since(t.started), t.state.Received())
	}
}

func (e *Executor) configure(h engine.Handle, req *Request, target string, timeout time.Duration,
	list engine.HeaderList, cb engine.Callbacks) error {
	check := func(op string, code engine.Code) error {
		if code == engine.CodeOK {
			return nil
		}
		return errors.Native(errors.CodeInvalidRequest, int(code), op+": "+e.eng.StrError(code))
	}

	if err := check("set url", h.SetURL(req.URL)); err != nil {
		return err
	}
	if err := check("set method", h.SetMethod(req.method(), req.hasBody(), req.bodyLength())); err != nil {
		return err
	}
	if err := check("set protocol version", h.SetHTTPVersion(versionHint(req.Version))); err != nil {
		return err
	}
	if timeout > 0 {
		if err := check("set timeout", h.SetTimeout(timeout)); err != nil {
			return err
		}
	}
	if target != "" {
		switch code := h.Impersonate(target, true); code {
		case engine.CodeOK:
		case engine.CodeBadFunctionArgument:
			return errors.New(errors.CodeUnsupportedTarget, "impersonation target %q rejected by engine", target)
		default:
			return errors.Native(errors.CodeEngineFailure, int(code),
				fmt.Sprintf("impersonate %q: %s", target, e.eng.StrError(code)))
		}
	}
	// Custom headers go after impersonation so they override the target's defaults.
	if list.Len() > 0 {
		if err := check("set headers", h.SetHeaders(list)); err != nil {
			return err
		}
	}
	return check("set callbacks", h.SetCallbacks(cb))
}

func validate(req *Request) error {
	if req == nil {
		return errors.New(errors.CodeInvalidRequest, "nil request")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return errors.New(errors.CodeInvalidRequest, "request URL %q is not absolute", req.URL)
	}
	if strings.ContainsAny(req.Method, " \r\n") {
		return errors.New(errors.CodeInvalidRequest, "invalid method %q", req.Method)
	}
	return nil
}

func (r *Request) method() string {
	if r.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Method)
}

// buildHeaderList appends one line per field. Repeated names stay separate
// lines; an empty value uses the engine's "Name;" form.
func buildHeaderList(list engine.HeaderList, fields []header.Field) error {
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" || strings.ContainsAny(name, ":\r\n") || strings.ContainsAny(f.Value, "\r\n") {
			return errors.New(errors.CodeInvalidRequest, "invalid header %q", f.Name)
		}
		line := name + ": " + f.Value
		if f.Value == "" {
			line = name + ";"
		}
		if err := list.Append(line); err != nil {
			return errors.Wrap(errors.CodeEngineFailure, err, "append header %q", name)
		}
	}
	return nil
}

func bodySource(req *Request) transfer.BodySource {
	if req.BodySource != nil {
		return req.BodySource
	}
	if len(req.Body) == 0 {
		return nil
	}
	body := req.Body
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

func versionHint(v header.Version) engine.HTTPVersion {
	switch v {
	case header.HTTP10:
		return engine.HTTPVersion1_0
	case header.HTTP11:
		return engine.HTTPVersion1_1
	case header.HTTP2:
		return engine.HTTPVersion2
	case header.HTTP3:
		return engine.HTTPVersion3
	default:
		return engine.HTTPVersionNone
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
