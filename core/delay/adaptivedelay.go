package delay

import (
	"context"
	"sync"
	"time"
)

// Infinite is used as an interval to indicate the delay should only complete
// when early completion is requested.
const Infinite time.Duration = -1

// AdaptiveDelay is a single use countdown.  It completes once its interval
// has elapsed or early completion was requested, whichever comes first, but
// never before its minimum interval has elapsed since it was created.
type AdaptiveDelay struct {
	lock      sync.Mutex
	createdAt time.Time
	minDelay  time.Duration
	timer     *time.Timer
	doneCh    chan struct{}
	done      bool
	early     bool
	closed    bool
}

func New(interval, minInterval time.Duration) *AdaptiveDelay {
	if minInterval < 0 {
		minInterval = 0
	}

	d := &AdaptiveDelay{
		createdAt: time.Now(),
		minDelay:  minInterval,
		doneCh:    make(chan struct{}),
	}

	if interval != Infinite {
		d.timer = time.AfterFunc(max(interval, minInterval), d.complete)
	}

	return d
}

func (d *AdaptiveDelay) complete() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.done {
		return
	}
	d.done = true
	close(d.doneCh)
}

// Done returns a channel which is closed once the delay has completed.
func (d *AdaptiveDelay) Done() <-chan struct{} {
	return d.doneCh
}

// Wait blocks until the delay completes or the context is cancelled.
func (d *AdaptiveDelay) Wait(ctx context.Context) error {
	select {
	case <-d.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestEarlyCompletion asks for the delay to complete as soon as its
// minimum interval allows.  Repeated calls have no further effect.
func (d *AdaptiveDelay) RequestEarlyCompletion() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.done || d.early || d.closed {
		return
	}
	d.early = true

	remaining := d.minDelay - time.Since(d.createdAt)
	if remaining <= 0 {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.done = true
		close(d.doneCh)
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(remaining, d.complete)
}

// Close stops any pending timer.  A closed delay which has not completed yet
// never completes.  Close may be called any number of times.
func (d *AdaptiveDelay) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
