package sfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/engine"
)

// WorkerPool owns the engine worker handles and hands them out round-robin.
// The cursor is the only cross-session shared mutable state in the manager;
// every read-then-advance happens under the pool mutex so concurrent session
// creation never skips a worker or assigns two sessions out of turn.
type WorkerPool struct {
	engine  engine.Engine
	timeout time.Duration

	mu      sync.Mutex
	workers []engine.Worker
	next    int
	onLost  func(engine.Worker)
}

func NewWorkerPool(eng engine.Engine, timeout time.Duration) *WorkerPool {
	return &WorkerPool{engine: eng, timeout: timeout}
}

// SetOnWorkerLost registers the callback invoked after a dead worker has been
// evicted from rotation. Set once during wiring, before any traffic.
func (p *WorkerPool) SetOnWorkerLost(fn func(engine.Worker)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLost = fn
}

// WarmUp creates size workers up front. Each slot is retried with exponential
// backoff until ctx expires; per-request worker creation is never retried, so
// boot is the one place transient engine hiccups are absorbed.
func (p *WorkerPool) WarmUp(ctx context.Context, size int) error {
	for i := 0; i < size; i++ {
		op := func() error {
			cctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			w, err := p.engine.CreateWorker(cctx)
			if err != nil {
				log.Warn().Str("module", "sfu.pool").Err(err).Msg("worker warm-up attempt failed")
				return err
			}
			p.adopt(w)
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
			return fmt.Errorf("%w: warm-up: %v", ErrWorkerUnavailable, err)
		}
	}
	log.Info().Str("module", "sfu.pool").Int("workers", p.WorkerCount()).Msg("worker pool warmed up")
	return nil
}

// Acquire returns the next worker in round-robin order, creating the first
// worker lazily if the pool is empty. The engine call is bounded by the pool
// timeout; failure to create surfaces as ErrWorkerUnavailable.
func (p *WorkerPool) Acquire(ctx context.Context) (engine.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) == 0 {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		w, err := p.engine.CreateWorker(cctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
		}
		p.adoptLocked(w)
	}
	if p.next >= len(p.workers) {
		p.next = 0
	}
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w, nil
}

func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *WorkerPool) adopt(w engine.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adoptLocked(w)
}

func (p *WorkerPool) adoptLocked(w engine.Worker) {
	p.workers = append(p.workers, w)
	w.OnDied(func() { p.OnWorkerFailure(w) })
	log.Info().Str("module", "sfu.pool").Str("worker", w.ID()).Msg("worker added to rotation")
}

// OnWorkerFailure evicts a dead worker from rotation and notifies the
// registered callback so sessions bound to it can be marked degraded. Sessions
// are never migrated; their next resource operation fails with ErrWorkerLost.
func (p *WorkerPool) OnWorkerFailure(w engine.Worker) {
	p.mu.Lock()
	removed := false
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			if p.next > i {
				p.next--
			}
			if len(p.workers) > 0 {
				p.next %= len(p.workers)
			} else {
				p.next = 0
			}
			removed = true
			break
		}
	}
	onLost := p.onLost
	p.mu.Unlock()
	if !removed {
		return
	}
	log.Warn().Str("module", "sfu.pool").Str("worker", w.ID()).Msg("worker died, evicted from rotation")
	if onLost != nil {
		onLost(w)
	}
}

// Close tears down every worker. Best effort, used on shutdown only.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.next = 0
	p.mu.Unlock()
	for _, w := range workers {
		if err := w.Close(); err != nil {
			log.Warn().Str("module", "sfu.pool").Str("worker", w.ID()).Err(err).Msg("worker close failed")
		}
	}
}
