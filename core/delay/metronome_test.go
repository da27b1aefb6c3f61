package delay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestMetronome(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newMetronome(10*time.Second, clock.Now)

	// the first tick is one full period after creation
	assert.Equal(t, 10*time.Second, m.NextTickDelay())
	assert.Equal(t, 10*time.Second, m.NextTickDelay())

	clock.Advance(4 * time.Second)
	assert.Equal(t, 6*time.Second, m.NextTickDelay())

	clock.Advance(6 * time.Second)
	assert.Equal(t, 10*time.Second, m.NextTickDelay())

	// missed ticks are skipped rather than replayed
	clock.Advance(35 * time.Second)
	assert.Equal(t, 5*time.Second, m.NextTickDelay())
}

func TestMetronomeInfinite(t *testing.T) {
	m := NewMetronome(Infinite)
	assert.Equal(t, Infinite, m.NextTickDelay())
	assert.Equal(t, Infinite, m.Period())
}
