package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
)

// Pool is a fixed-size pool of engine workers guarded by a counting
// semaphore equal to the pool size, with round-robin selection and a
// liveness probe before handing a worker out (spec §4.1).
type Pool struct {
	workers []*Worker
	sem     chan struct{}
	next    atomic.Uint64
	active  atomic.Int32

	log *zap.SugaredLogger
}

// NewPool spawns size workers against the engine binary at path and starts
// them all. Returns as soon as every worker has completed its handshake.
func NewPool(ctx context.Context, size int, path string, log *zap.SugaredLogger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		workers: make([]*Worker, size),
		sem:     make(chan struct{}, size),
		log:     logging.Component(log, "engine-pool"),
	}
	for i := 0; i < size; i++ {
		w := NewWorker(i, path, log)
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		p.workers[i] = w
	}
	return p, nil
}

// Size returns the pool's worker count.
func (p *Pool) Size() int { return len(p.workers) }

// Active returns the number of currently checked-out handles.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Handle is a scope-bound lease on one worker. Dropping it (calling
// Release) returns the semaphore permit and decrements the active counter;
// implementers must ensure Release runs on every exit path (spec §9).
type Handle struct {
	Worker *Worker
	pool   *Pool
	once   sync.Once
}

// Release returns the handle's permit to the pool. Safe to call multiple
// times; only the first call has effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.active.Add(-1)
		<-h.pool.sem
	})
}

// Acquire blocks on the pool's semaphore, then round-robins over the
// worker ring probing liveness before handing one out. If a probed slot is
// unhealthy it is skipped and the next is tried; if all are unhealthy,
// acquisition fails (spec §4.1).
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.active.Add(1)

	n := len(p.workers)
	start := int(p.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		w := p.workers[idx]
		if p.probe(ctx, w) {
			return &Handle{Worker: w, pool: p}, nil
		}
	}

	// All unhealthy: give back the permit, fail the acquisition.
	p.active.Add(-1)
	<-p.sem
	return nil, ierrors.WithKind(ierrors.New("engine pool exhausted: no healthy worker"), ierrors.KindPoolExhausted)
}

// probe is a liveness check: a worker is considered healthy if it is Ready
// or can be brought to Ready via EnsureReady.
func (p *Pool) probe(ctx context.Context, w *Worker) bool {
	if err := w.EnsureReady(ctx); err != nil {
		p.log.Warnw("engine worker failed liveness probe", "worker_id", w.id, "error", err)
		return false
	}
	return true
}

// Close shuts down every worker in the pool.
func (p *Pool) Close() error {
	for _, w := range p.workers {
		_ = w.Close()
	}
	return nil
}
