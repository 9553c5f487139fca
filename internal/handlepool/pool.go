package handlepool

import (
	"sync"

	"github.com/zep-us/impxy/internal/engine"
	"github.com/zep-us/impxy/internal/errors"
	"github.com/zep-us/impxy/internal/metrics"
	"github.com/zep-us/impxy/pkg/logger"
)

// Pool keeps idle native handles for reuse by one executor.
// A rented handle belongs to the caller until it is returned; the pool never
// hands the same handle to two owners.
type Pool struct {
	eng engine.Engine

	mu       sync.Mutex // guards idle and disposed only
	idle     []engine.Handle
	disposed bool
}

// New creates an empty pool over eng. Handles are created on demand.
func New(eng engine.Engine) *Pool {
	return &Pool{eng: eng}
}

// Rent pops an idle handle, or creates one when none is idle.
// It fails with errors.ErrDisposed after Dispose.
func (p *Pool) Rent() (engine.Handle, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, errors.ErrDisposed
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		metrics.IdleHandlesGauge.Dec()
		return h, nil
	}
	p.mu.Unlock()

	h, err := p.eng.NewHandle()
	if err != nil {
		return nil, errors.Wrap(errors.CodeEngineFailure, err, "create native handle")
	}
	metrics.HandlesCreatedCounter.Inc()
	logger.Debug("handle pool: created handle %d", h.ID())
	return h, nil
}

// Return gives a handle back. The handle is reset before it becomes idle, or
// destroyed if the pool has been disposed.
func (p *Pool) Return(h engine.Handle) {
	if h == nil {
		return
	}
	if p.isDisposed() {
		p.destroy(h)
		return
	}

	h.Reset()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		p.destroy(h)
		return
	}
	p.idle = append(p.idle, h)
	p.mu.Unlock()
	metrics.IdleHandlesGauge.Inc()
}

// Dispose destroys every idle handle. Handles still rented are destroyed when returned.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		metrics.IdleHandlesGauge.Dec()
		p.destroy(h)
	}
	logger.Info("Handle pool disposed: destroyed %d idle handles", len(idle))
}

// Idle returns the number of idle handles.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) isDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

func (p *Pool) destroy(h engine.Handle) {
	h.Close()
	metrics.HandlesDestroyedCounter.Inc()
}
