package delay

import (
	"time"
)

// Metronome produces delays aligned to a fixed grid of ticks, so that work
// started on every tick keeps a steady cadence regardless of how long each
// piece of work takes.  Ticks that were missed entirely are skipped.
type Metronome struct {
	period   time.Duration
	nextTick time.Time
	now      func() time.Time
}

func NewMetronome(period time.Duration) *Metronome {
	return newMetronome(period, time.Now)
}

func newMetronome(period time.Duration, now func() time.Time) *Metronome {
	return &Metronome{
		period:   period,
		nextTick: now(),
		now:      now,
	}
}

func (m *Metronome) Period() time.Duration {
	return m.period
}

// NextTickDelay returns how long to wait until the next tick, advancing the
// metronome to that tick.
func (m *Metronome) NextTickDelay() time.Duration {
	if m.period == Infinite {
		return Infinite
	}

	now := m.now()
	if m.nextTick.Before(now) || m.nextTick.Equal(now) {
		if m.period <= 0 {
			m.nextTick = now
			return 0
		}

		elapsed := now.Sub(m.nextTick)
		missedTicks := elapsed / m.period
		m.nextTick = m.nextTick.Add((missedTicks + 1) * m.period)
	}

	return m.nextTick.Sub(now)
}
