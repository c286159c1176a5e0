package slots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// borrowWait bounds how long a borrower waits on the other pool.
const borrowWait = 100 * time.Millisecond

// Manager splits a fixed number of execution slots between slow and fast
// operations. When one class is saturated it may borrow a slot from the other
// class, provided the other class has been idle for at least the idle timeout
// and keeps at least one free slot for itself.
//
// A Manager is created once per server and shared by every request handler.
type Manager struct {
	totalSlots  int
	slowSlots   int
	fastSlots   int
	idleTimeout time.Duration

	pools [2]*pool

	enabled atomic.Bool

	// borrowMu serializes borrowers against each other. The lender's own
	// acquires do not take it, so borrow re-checks the reserve after taking
	// a permit and gives it back if the lender was drained meanwhile.
	borrowMu sync.Mutex

	// lendCheckHook, when set, runs between the lend check and the take.
	lendCheckHook func()

	epoch time.Time
	now   func() time.Time

	logger *slog.Logger
}

// New creates a Manager for totalSlots slots of which slowSlotPercentage
// percent (at least one) are reserved for slow operations.
// idleTimeout is how long a pool must go without acquisitions before it lends
// spare slots to the other pool.
func New(totalSlots, slowSlotPercentage int, idleTimeout time.Duration, logger *slog.Logger) (*Manager, error) {
	if totalSlots <= 0 {
		return nil, &ConfigError{Field: "total slots", Value: int64(totalSlots), Want: "positive"}
	}
	if slowSlotPercentage < 0 || slowSlotPercentage > 100 {
		return nil, &ConfigError{Field: "slow slot percentage", Value: int64(slowSlotPercentage), Want: "between 0 and 100"}
	}
	if idleTimeout < 0 {
		return nil, &ConfigError{Field: "idle timeout", Value: int64(idleTimeout), Want: "non-negative"}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	slowSlots := max(1, totalSlots*slowSlotPercentage/100)
	fastSlots := totalSlots - slowSlots

	m := &Manager{
		totalSlots:  totalSlots,
		slowSlots:   slowSlots,
		fastSlots:   fastSlots,
		idleTimeout: idleTimeout,
		epoch:       time.Now(),
		now:         time.Now,
		logger:      logger.With("component", "slot_manager"),
	}
	m.pools[Slow] = newPool(Slow, slowSlots)
	m.pools[Fast] = newPool(Fast, fastSlots)
	m.enabled.Store(true)

	m.logger.Info("slot manager initialized",
		"total", totalSlots,
		"slow", slowSlots,
		"fast", fastSlots,
		"idle_timeout", idleTimeout.String(),
	)
	return m, nil
}

// AcquireSlow acquires a slot for a slow operation.
func (m *Manager) AcquireSlow(ctx context.Context, timeout time.Duration) (*Grant, error) {
	return m.Acquire(ctx, Slow, timeout)
}

// AcquireFast acquires a slot for a fast operation.
func (m *Manager) AcquireFast(ctx context.Context, timeout time.Duration) (*Grant, error) {
	return m.Acquire(ctx, Fast, timeout)
}

// Acquire waits up to timeout for a slot of the given class. If the class's
// own pool stays full it tries to borrow from the other pool.
//
// It returns ErrAcquireTimeout when no slot was granted, and an error wrapping
// ctx.Err() when ctx ended while waiting. In both cases nothing is held.
// The returned Grant must be released exactly once.
func (m *Manager) Acquire(ctx context.Context, class Class, timeout time.Duration) (*Grant, error) {
	if !class.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownClass, int(class))
	}
	if !m.enabled.Load() {
		return newGrant(m, class, class, true), nil
	}

	own := m.pools[class]
	own.touch(m.elapsed())

	err := own.acquire(ctx, timeout)
	if err == nil {
		active := own.active.Add(1)
		m.logger.Debug("acquired slot", "class", class, "active", active)
		return newGrant(m, class, class, false), nil
	}
	if !errors.Is(err, errTimedOut) {
		return nil, fmt.Errorf("slots: acquire %s slot: %w", class, err)
	}

	if g := m.borrow(ctx, class); g != nil {
		return g, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("slots: acquire %s slot: %w", class, err)
	}

	m.logger.Debug("failed to acquire slot", "class", class, "timeout", timeout.String())
	return nil, ErrAcquireTimeout
}

// borrow takes a slot for class from the other pool if that pool may lend.
func (m *Manager) borrow(ctx context.Context, class Class) *Grant {
	lender := m.pools[class.other()]

	m.borrowMu.Lock()
	defer m.borrowMu.Unlock()

	if !m.canLend(lender) {
		return nil
	}
	if m.lendCheckHook != nil {
		m.lendCheckHook()
	}
	if err := lender.acquire(ctx, borrowWait); err != nil {
		return nil
	}
	if lender.available() < 1 {
		lender.release()
		m.logger.Debug("borrow gave back lender's reserved slot", "class", class, "from", lender.class)
		return nil
	}

	lent := lender.lent.Add(1)
	active := m.pools[class].active.Add(1)
	m.logger.Debug("borrowed slot",
		"class", class,
		"from", lender.class,
		"active", active,
		"lent", lent,
	)
	return newGrant(m, class, lender.class, false)
}

// canLend reports whether p may give one of its slots to the other class.
// A pool that has never been used is not idle, it just has no traffic yet.
func (m *Manager) canLend(p *pool) bool {
	if !p.everActive.Load() {
		return false
	}
	if p.available() <= 1 {
		return false
	}
	return p.idleFor(m.elapsed()) >= m.idleTimeout
}

// Release returns the grant's permit to the pool it came from.
// Releasing twice, releasing a nil grant or a grant issued by another manager
// is a programming error; it is logged and reported, and no counter changes.
func (m *Manager) Release(g *Grant) error {
	if g == nil {
		m.logger.Error("release of nil grant")
		return ErrNilGrant
	}
	if g.manager != m {
		m.logger.Error("release of foreign grant", "grant", g.id)
		return ErrForeignGrant
	}
	if !g.released.CompareAndSwap(false, true) {
		m.logger.Error("grant released twice", "grant", g.id, "class", g.class)
		return ErrAlreadyReleased
	}
	if g.bypass {
		return nil
	}

	active := m.pools[g.class].active.Add(-1)
	origin := m.pools[g.origin]
	if g.origin != g.class {
		origin.lent.Add(-1)
	}
	origin.release()

	m.logger.Debug("released slot",
		"class", g.class,
		"to", g.origin,
		"active", active,
	)
	return nil
}

// SetEnabled turns admission control on or off. Grants already handed out
// keep the mode they were issued under.
func (m *Manager) SetEnabled(enabled bool) {
	if m.enabled.Swap(enabled) != enabled {
		m.logger.Info("slot manager toggled", "enabled", enabled)
	}
}

func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

func (m *Manager) elapsed() time.Duration {
	return m.now().Sub(m.epoch)
}

func (m *Manager) TotalSlots() int { return m.totalSlots }
func (m *Manager) SlowSlots() int { return m.slowSlots }
func (m *Manager) FastSlots() int { return m.fastSlots }
func (m *Manager) IdleTimeout() time.Duration { return m.idleTimeout }
func (m *Manager) ActiveSlow() int { return int(m.pools[Slow].active.Load()) }
func (m *Manager) ActiveFast() int { return int(m.pools[Fast].active.Load()) }
func (m *Manager) SlowLentToFast() int { return int(m.pools[Slow].lent.Load()) }
func (m *Manager) FastLentToSlow() int { return int(m.pools[Fast].lent.Load()) }
