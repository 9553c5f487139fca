package worker

import (
	"sync"
	"time"

	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/future"
	"github.com/zep-us/impxy/internal/metrics"
	"github.com/zep-us/impxy/pkg/logger"
)

// DefaultPollTimeout bounds how long the loop sleeps in the multiplexer poll
const DefaultPollTimeout = 100 * time.Millisecond

// Result is the outcome of one submitted handle
// Code is the engine's result; Err is set when the dispatcher itself failed the transfer
type Result struct {
	Code engine.Code
	Err  error
}

// Options configures a Dispatcher
type Options struct {
	PollTimeout     time.Duration // Upper bound for one multiplexer poll
	ShutdownTimeout time.Duration // Maximum time Close waits for the loop to exit
}

type queued struct {
	h   engine.Handle
	fut *future.Future[Result]
}

// Dispatcher multiplexes every in-flight transfer of one executor on a single
// background goroutine that owns the native multiplexer.
//
// The loop starts on the first submission. A fatal engine error fails every
// pending and active transfer and ends the loop; the next submission starts a
// fresh one with a new multiplexer. Completions are matched to submissions by
// handle identity only, so they resolve in whatever order the engine finishes.
type Dispatcher struct {
	eng             engine.Engine
	pollTimeout     time.Duration
	shutdownTimeout time.Duration

	mu       sync.Mutex
	intake   []*queued
	multi    engine.Multi // multiplexer of the running loop, nil otherwise
	running  bool
	closed   bool
	loopDone chan struct{}

	wake chan struct{}
	stop chan struct{}
}

// NewDispatcher creates a dispatcher for eng. No goroutine runs until the first Enqueue.
func NewDispatcher(eng engine.Engine, opts Options) *Dispatcher {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Dispatcher{
		eng:             eng,
		pollTimeout:     opts.PollTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
		wake:            make(chan struct{}, 1),
		stop:            make(chan struct{}),
	}
}

// Enqueue submits a fully configured handle. The returned future resolves when
// the engine reports completion or the dispatcher fails the transfer.
// The caller must not touch the handle until then.
func (d *Dispatcher) Enqueue(h engine.Handle) (*future.Future[Result], error) {
	q := &queued{h: h, fut: future.New[Result]()}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.ErrDisposed
	}
	d.intake = append(d.intake, q)
	metrics.IntakeDepthGauge.Inc()
	if !d.running {
		d.running = true
		d.loopDone = make(chan struct{})
		metrics.DispatcherStartsCounter.Inc()
		go d.run(d.loopDone)
	}
	d.signalLocked()
	d.mu.Unlock()
	return q.fut, nil
}

// Wakeup interrupts the loop's poll so it performs promptly, e.g. after a
// transfer was cancelled.
func (d *Dispatcher) Wakeup() {
	d.mu.Lock()
	d.signalLocked()
	d.mu.Unlock()
}

// Pending returns the number of submissions not yet picked up by the loop
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.intake)
}

// Close fails every pending and active transfer with errors.ErrDisposed, stops
// the loop and refuses further submissions. It waits up to the shutdown timeout.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.stop)
	d.signalLocked()
	running, done := d.running, d.loopDone
	d.mu.Unlock()

	if !running {
		return
	}

	select {
	case <-done:
		logger.Info("Dispatcher stopped")
	case <-time.After(d.shutdownTimeout):
		logger.Warn("Dispatcher stop timed out after %v: a transfer callback may still be blocked", d.shutdownTimeout)
	}
}

// signalLocked wakes the loop. d.mu must be held: terminate clears d.multi
// under the same lock before the multiplexer is closed, so a wakeup never
// reaches a released multiplexer.
func (d *Dispatcher) signalLocked() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
	if d.multi != nil {
		d.multi.Wakeup()
	}
}

func (d *Dispatcher) drain() []*queued {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := d.intake
	d.intake = nil
	metrics.IntakeDepthGauge.Sub(float64(len(batch)))
	return batch
}

func (d *Dispatcher) intakeEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.intake) == 0
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// run is the dispatcher loop. Callbacks of every active transfer execute here,
// inside Perform.
func (d *Dispatcher) run(done chan struct{}) {
	defer close(done)

	multi, err := d.eng.NewMulti()
	if err != nil {
		d.terminate(nil, nil, errors.Wrap(errors.CodeEngineFailure, err, "initialize multiplexer"))
		return
	}
	d.mu.Lock()
	d.multi = multi
	d.mu.Unlock()
	logger.Debug("dispatcher: loop started")

	active := make(map[uint64]*queued)
	for {
		for _, q := range d.drain() {
			if code := multi.Add(q.h); code != engine.MultiOK {
				q.fut.Resolve(Result{Err: d.multiError(code, "add handle to multiplexer")})
				continue
			}
			active[q.h.ID()] = q
			metrics.ActiveTransfersGauge.Inc()
		}

		if d.isClosed() {
			d.terminate(multi, active, errors.ErrDisposed)
			return
		}

		if len(active) == 0 {
			select {
			case <-d.wake:
			case <-d.stop:
			}
			continue
		}

		if _, code := multi.Perform(); code != engine.MultiOK {
			d.terminate(multi, active, d.multiError(code, "perform transfers"))
			return
		}

		if err := d.complete(multi, active); err != nil {
			d.terminate(multi, active, err)
			return
		}

		if len(active) > 0 && d.intakeEmpty() {
			if code := multi.Poll(d.pollTimeout); code != engine.MultiOK {
				d.terminate(multi, active, d.multiError(code, "poll transfers"))
				return
			}
		}
	}
}

// complete drains completion messages and resolves the matching futures.
func (d *Dispatcher) complete(multi engine.Multi, active map[uint64]*queued) error {
	for {
		msg, ok := multi.InfoRead()
		if !ok {
			return nil
		}
		if msg.Kind != engine.MessageDone || msg.Handle == nil {
			return errors.New(errors.CodeEngineFailure, "malformed completion message (kind %d)", int(msg.Kind))
		}

		id := msg.Handle.ID()
		q, found := active[id]
		if !found {
			logger.Warn("Dispatcher: completion for unknown handle %d ignored", id)
			continue
		}
		delete(active, id)
		metrics.ActiveTransfersGauge.Dec()

		if code := multi.Remove(q.h); code != engine.MultiOK {
			logger.Warn("Dispatcher: remove handle %d: %s", id, d.eng.MultiStrError(code))
		}
		q.fut.Resolve(Result{Code: msg.Result})
	}
}

// terminate fails every active and pending transfer with err, releases the
// multiplexer and marks the loop stopped so a later Enqueue can start a new one.
func (d *Dispatcher) terminate(multi engine.Multi, active map[uint64]*queued, err error) {
	d.mu.Lock()
	pending := d.intake
	d.intake = nil
	d.multi = nil
	d.running = false
	closed := d.closed
	d.mu.Unlock()
	metrics.IntakeDepthGauge.Sub(float64(len(pending)))

	if !closed {
		metrics.DispatcherFatalCounter.Inc()
		logger.Error("Dispatcher loop failed, failing %d active and %d pending transfers: %v", len(active), len(pending), err)
	}

	for id, q := range active {
		if multi != nil {
			multi.Remove(q.h)
		}
		delete(active, id)
		metrics.ActiveTransfersGauge.Dec()
		q.fut.Resolve(Result{Err: err})
	}
	for _, q := range pending {
		q.fut.Resolve(Result{Err: err})
	}

	if multi != nil {
		if code := multi.Close(); code != engine.MultiOK {
			logger.Error("Dispatcher: multiplexer cleanup failed: %s", d.eng.MultiStrError(code))
		}
	}
}

func (d *Dispatcher) multiError(code engine.MultiCode, op string) error {
	return errors.Native(errors.CodeEngineFailure, int(code), op+": "+d.eng.MultiStrError(code))
}
