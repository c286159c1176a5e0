package slots

import (
	"fmt"
	"time"
)

// Stats is a point-in-time view of the manager for dashboards and logs.
// The fields are read independently and are not a consistent snapshot.
type Stats struct {
	TotalSlots     int           `json:"total_slots"`
	SlowSlots      int           `json:"slow_slots"`
	FastSlots      int           `json:"fast_slots"`
	ActiveSlow     int           `json:"active_slow"`
	ActiveFast     int           `json:"active_fast"`
	SlowLentToFast int           `json:"slow_lent_to_fast"`
	FastLentToSlow int           `json:"fast_lent_to_slow"`
	IdleTimeout    time.Duration `json:"idle_timeout_ns"`
	Enabled        bool          `json:"enabled"`
}

func (m *Manager) Stats() Stats {
	return Stats{
		TotalSlots:     m.totalSlots,
		SlowSlots:      m.slowSlots,
		FastSlots:      m.fastSlots,
		ActiveSlow:     m.ActiveSlow(),
		ActiveFast:     m.ActiveFast(),
		SlowLentToFast: m.SlowLentToFast(),
		FastLentToSlow: m.FastLentToSlow(),
		IdleTimeout:    m.idleTimeout,
		Enabled:        m.IsEnabled(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"SlotManager[total=%d, slow=%d/%d, fast=%d/%d, borrowed(slow->fast)=%d, borrowed(fast->slow)=%d, idleTimeout=%s, enabled=%t]",
		s.TotalSlots,
		s.ActiveSlow, s.SlowSlots,
		s.ActiveFast, s.FastSlots,
		s.SlowLentToFast,
		s.FastLentToSlow,
		s.IdleTimeout,
		s.Enabled,
	)
}

// Status returns a one-line summary of slot usage.
func (m *Manager) Status() string {
	return m.Stats().String()
}
