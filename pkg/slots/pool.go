package slots

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// pool is the capacity counter for one class.
// Permits taken from sem are tracked in held so the number of free permits
// can be read without touching the semaphore's waiter queue.
type pool struct {
	class Class
	size  int64

	// sem serves waiters in FIFO order.
	sem *semaphore.Weighted

	// held is the number of permits currently taken from this pool,
	// whether by its own class or lent to the other one.
	held atomic.Int64

	// active is the number of in-flight operations of this class,
	// including those running on borrowed permits.
	active atomic.Int64

	// lent is the number of this pool's permits held by the other class.
	lent atomic.Int64

	// lastActivity is an offset from the manager epoch, so comparisons
	// use the monotonic clock.
	lastActivity atomic.Int64
	everActive   atomic.Bool
}

func newPool(class Class, size int) *pool {
	return &pool{
		class: class,
		size:  int64(size),
		sem:   semaphore.NewWeighted(int64(size)),
	}
}

// acquire takes one permit, waiting up to timeout. A timeout <= 0 only tries.
// It returns errTimedOut when the wait ran out and ctx.Err() when the
// caller's context ended first.
func (p *pool) acquire(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		if !p.sem.TryAcquire(1) {
			return errTimedOut
		}
		p.held.Add(1)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errTimedOut
	}
	p.held.Add(1)
	return nil
}

func (p *pool) release() {
	p.held.Add(-1)
	p.sem.Release(1)
}

// available is the number of permits nobody holds right now.
func (p *pool) available() int64 {
	return p.size - p.held.Load()
}

func (p *pool) touch(offset time.Duration) {
	p.lastActivity.Store(int64(offset))
	p.everActive.Store(true)
}

func (p *pool) idleFor(now time.Duration) time.Duration {
	return now - time.Duration(p.lastActivity.Load())
}
