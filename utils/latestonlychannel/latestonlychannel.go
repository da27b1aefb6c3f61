/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import (
	"context"
	"sync"
)

// Wrap returns a channel which yields the values sent on inputCh, except
// that a value which has not been read by the time a newer one arrives is
// dropped.  Sends on inputCh therefore never wait on the reader.  The
// returned channel is closed once inputCh is closed.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			pending, ok := <-inputCh
			if !ok {
				return
			}

			// keep replacing the pending value until the reader takes it,
			// so the reader never sees more values than were sent
			sent := false
			for !sent {
				select {
				case outputCh <- pending:
					sent = true
				case newer, ok := <-inputCh:
					if !ok {
						return
					}
					pending = newer
				}
			}
		}
	}()

	return outputCh
}

// Feed broadcasts values to any number of subscribers.  Each subscriber only
// ever sees the most recent value it has not read yet.
type Feed[T any] struct {
	lock      sync.Mutex
	latest    T
	hasLatest bool
	closed    bool
	closedCh  chan struct{}
	nextID    uint64
	inputs    map[uint64]chan T
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{
		closedCh: make(chan struct{}),
		inputs:   make(map[uint64]chan T),
	}
}

// Publish records v as the latest value and delivers it to every subscriber.
func (f *Feed[T]) Publish(v T) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return
	}

	f.latest = v
	f.hasLatest = true
	for _, inputCh := range f.inputs {
		inputCh <- v
	}
}

// Subscribe returns a channel yielding the latest value, if one was
// published, followed by every later one.  The channel is closed when ctx
// ends or the feed is closed.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	inputCh := make(chan T)
	outputCh := Wrap(inputCh)

	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		close(inputCh)
		return outputCh
	}

	if f.hasLatest {
		inputCh <- f.latest
	}

	id := f.nextID
	f.nextID++
	f.inputs[id] = inputCh
	f.lock.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.closedCh:
			return
		}

		f.lock.Lock()
		if inputCh, ok := f.inputs[id]; ok {
			delete(f.inputs, id)
			close(inputCh)
		}
		f.lock.Unlock()
	}()

	return outputCh
}

// Close closes every subscriber channel.  Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.closedCh)

	for id, inputCh := range f.inputs {
		delete(f.inputs, id)
		close(inputCh)
	}
}
