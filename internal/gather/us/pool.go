package us

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"barvault/internal/domain"
	"barvault/internal/metrics"
)

// Pool defaults.
const (
	DefaultPerSymbolConcurrency = 200
	DefaultGroupedConcurrency   = 4
	DefaultUnitTimeout          = 2 * time.Minute
	DefaultShutdownGrace        = 30 * time.Second
)

// FetchFunc performs the provider call of one unit.
type FetchFunc func(ctx context.Context, u domain.WorkUnit) ([]domain.Bar, error)

// SuccessFunc receives the bars of a unit whose fetch succeeded.
type SuccessFunc func(u domain.WorkUnit, bars []domain.Bar, took time.Duration)

// ErrorFunc receives the error of a unit whose fetch failed.
type ErrorFunc func(u domain.WorkUnit, err error, took time.Duration)

// Pool dispatches work units in priority order with at most MaxConcurrency
// fetches in flight. Every dispatched unit ends in exactly one callback.
type Pool struct {
	MaxConcurrency int
	UnitTimeout    time.Duration
	Grace          time.Duration // in-flight allowance after cancellation
	Metrics        *metrics.Metrics
	Log            *slog.Logger

	mu       sync.Mutex
	queue    unitQueue
	seq      int
	inFlight int
	wake     chan struct{}
}

// Submit queues units. It is safe to call from callbacks while Run is
// active, and before Run.
func (p *Pool) Submit(units ...domain.WorkUnit) {
	p.mu.Lock()
	for _, u := range units {
		heap.Push(&p.queue, queuedUnit{unit: u, seq: p.seq})
		p.seq++
	}
	p.mu.Unlock()
	p.signal()
}

// Pending returns the number of queued, undispatched units.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Run queues units and dispatches until the queue is empty and nothing is in
// flight, or until ctx is cancelled. On cancellation dispatching stops at
// once; in-flight units get Grace to finish before their fetch context is
// cancelled, and Run returns ctx.Err(). Callbacks run on worker goroutines.
func (p *Pool) Run(ctx context.Context, units []domain.WorkUnit, fetch FetchFunc, onSuccess SuccessFunc, onError ErrorFunc) error {
	p.mu.Lock()
	if p.wake == nil {
		p.wake = make(chan struct{}, 1)
	}
	p.mu.Unlock()
	p.Submit(units...)

	log := p.logger()
	sem := semaphore.NewWeighted(int64(p.concurrency()))

	// Fetches outlive ctx by up to Grace; abandon cuts them off.
	fetchCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	var wg sync.WaitGroup
	for ctx.Err() == nil {
		p.mu.Lock()
		var (
			next queuedUnit
			ok   bool
		)
		if p.queue.Len() > 0 {
			next, ok = heap.Pop(&p.queue).(queuedUnit), true
		}
		idle := p.inFlight == 0
		p.mu.Unlock()

		if !ok {
			if idle {
				wg.Wait()
				return nil
			}
			select {
			case <-p.wake:
			case <-ctx.Done():
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			p.mu.Lock()
			heap.Push(&p.queue, next)
			p.mu.Unlock()
			break
		}

		p.mu.Lock()
		p.inFlight++
		p.mu.Unlock()
		p.Metrics.InFlight(1)
		wg.Add(1)

		go func(u domain.WorkUnit) {
			defer wg.Done()
			defer func() {
				p.mu.Lock()
				p.inFlight--
				p.mu.Unlock()
				p.Metrics.InFlight(-1)
				sem.Release(1)
				p.signal()
			}()

			started := time.Now()
			bars, err := p.fetchOne(fetchCtx, u, fetch)
			took := time.Since(started)
			if err != nil {
				onError(u, err, took)
				return
			}
			onSuccess(u, bars, took)
		}(next.unit)
	}

	log.Info("dispatch stopped", "pending", p.Pending(), "grace", p.grace())
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.grace()):
		p.mu.Lock()
		n := p.inFlight
		p.mu.Unlock()
		log.Warn("abandoning in-flight units after grace period", "in_flight", n)
		abandon()
	}
	return ctx.Err()
}

// fetchOne runs fetch under the per-unit timeout. A timeout always surfaces
// as an error wrapping context.DeadlineExceeded.
func (p *Pool) fetchOne(ctx context.Context, u domain.WorkUnit, fetch FetchFunc) ([]domain.Bar, error) {
	timeout := p.UnitTimeout
	if timeout <= 0 {
		timeout = DefaultUnitTimeout
	}
	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bars, err := fetch(uctx, u)
	if err != nil && errors.Is(uctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("unit %s timed out after %s: %w (%v)", u.Key(), timeout, context.DeadlineExceeded, err)
	}
	return bars, err
}

func (p *Pool) signal() {
	p.mu.Lock()
	wake := p.wake
	p.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (p *Pool) concurrency() int {
	if p.MaxConcurrency <= 0 {
		return DefaultGroupedConcurrency
	}
	return p.MaxConcurrency
}

func (p *Pool) grace() time.Duration {
	if p.Grace <= 0 {
		return DefaultShutdownGrace
	}
	return p.Grace
}

func (p *Pool) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default().With("component", "pool")
	}
	return p.Log
}

// ---------------------------------------------------------------------------
// Priority queue
// ---------------------------------------------------------------------------

type queuedUnit struct {
	unit domain.WorkUnit
	seq  int
}

// unitQueue is a min-heap on (Priority, submission order).
type unitQueue []queuedUnit

func (q unitQueue) Len() int { return len(q) }

func (q unitQueue) Less(i, j int) bool {
	if q[i].unit.Priority != q[j].unit.Priority {
		return q[i].unit.Priority < q[j].unit.Priority
	}
	return q[i].seq < q[j].seq
}

func (q unitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *unitQueue) Push(x any) { *q = append(*q, x.(queuedUnit)) }

func (q *unitQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
