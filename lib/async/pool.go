// Package async provides the bounded task pool that runs deferred work,
// chiefly notification fan-out, off the transaction path.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/observability"
)

// Task is a unit of deferred work. It receives the submitter's context,
// so cancellation is controlled per task, not by the pool.
type Task func(context.Context) error

// Pool runs submitted tasks on a fixed set of workers with a bounded
// backlog. Submit never blocks: a full backlog rejects immediately so a
// slow downstream cannot stall the submitting path.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	backlog chan item
	pending sync.WaitGroup
	closed  atomic.Bool

	completed atomic.Uint64
	failed    atomic.Uint64
}

type item struct {
	ctx context.Context
	fn  Task
}

// NewPool starts workers goroutines sharing a backlog of the given size.
func NewPool(workers, backlog int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.KindValidation, errs.WithMessage("workers must be >0"))
	}
	if backlog < 0 {
		backlog = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, backlog: make(chan item, backlog)}
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p, nil
}

// Submit queues fn for execution. It fails fast: a cancelled ctx returns
// the context error, a closed pool or full backlog returns KindUnavailable.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.KindValidation, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	if p.closed.Load() {
		return errs.New("lib/async", errs.KindUnavailable, errs.WithMessage("pool closed"))
	}
	p.pending.Add(1)
	select {
	case p.backlog <- item{ctx: ctx, fn: fn}:
		return nil
	default:
		p.pending.Done()
		return errs.New("lib/async", errs.KindUnavailable, errs.WithMessage("backlog full"))
	}
}

// Close rejects further submissions and signals workers to drain the
// backlog and exit. Safe to call more than once.
func (p *Pool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.cancel()
	}
}

// Shutdown closes the pool and waits until queued and in-flight tasks
// finish or ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	finished := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-finished:
		return nil
	}
}

// Stats reports how many tasks completed and how many returned an error
// or panicked.
func (p *Pool) Stats() (completed, failed uint64) {
	return p.completed.Load(), p.failed.Load()
}

func (p *Pool) work() {
	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case it := <-p.backlog:
			p.run(it)
		}
	}
}

// drain empties the backlog after Close so queued tasks still run and
// Shutdown is not left waiting on stranded wait-group slots.
func (p *Pool) drain() {
	for {
		select {
		case it := <-p.backlog:
			p.run(it)
		default:
			return
		}
	}
}

func (p *Pool) run(it item) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			observability.Log().Error("pool task panicked", observability.F("panic", r))
		}
	}()
	ctx := it.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	if err := it.fn(ctx); err != nil {
		p.failed.Add(1)
		observability.Log().Error("pool task failed", observability.F("error", err))
		return
	}
	p.completed.Add(1)
}
