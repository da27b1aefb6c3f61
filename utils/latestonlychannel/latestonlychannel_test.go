package latestonlychannel

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestWrap_EmptyBlocks(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}

	close(inputCh)
}

func TestWrap_KeepsLatest(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	if v := <-outputCh; v != 1 {
		t.Fatalf("unexpected value %d", v)
	}

	inputCh <- 2
	inputCh <- 3
	inputCh <- 4
	if v := <-outputCh; v != 4 {
		t.Fatalf("unexpected value %d", v)
	}

	close(inputCh)

	if _, ok := <-outputCh; ok {
		t.Fatalf("output channel was not closed")
	}
}

func TestFeed_SubscribeReplaysLatest(t *testing.T) {
	feed := NewFeed[string]()
	defer feed.Close()

	feed.Publish("unknown")
	feed.Publish("standalone")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := feed.Subscribe(ctx)
	if v := <-ch; v != "standalone" {
		t.Fatalf("unexpected value %q", v)
	}

	feed.Publish("primary")
	if v := <-ch; v != "primary" {
		t.Fatalf("unexpected value %q", v)
	}
}

func TestFeed_SlowSubscriberDoesNotBlock(t *testing.T) {
	feed := NewFeed[int]()
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := feed.Subscribe(ctx)
	for i := 1; i <= 100; i++ {
		feed.Publish(i)
	}

	if v := <-ch; v != 100 {
		t.Fatalf("unexpected value %d", v)
	}
}

func TestFeed_CancelClosesSubscription(t *testing.T) {
	feed := NewFeed[int]()
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := feed.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription was not closed")
	}

	feed.Publish(1)
}

func TestFeed_CloseClosesSubscriptions(t *testing.T) {
	feed := NewFeed[int]()
	ch := feed.Subscribe(context.Background())

	feed.Close()
	feed.Close()

	if _, ok := <-ch; ok {
		t.Fatalf("subscription was not closed")
	}

	late := feed.Subscribe(context.Background())
	if _, ok := <-late; ok {
		t.Fatalf("late subscription was not closed")
	}
}

func TestFeed_CloseStopsSubscriptionGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()

	feed := NewFeed[int]()
	feed.Publish(1)

	var subs []<-chan int
	for i := 0; i < 20; i++ {
		subs = append(subs, feed.Subscribe(context.Background()))
	}

	feed.Close()
	for _, ch := range subs {
		for range ch {
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("subscription goroutines still running: %d > %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(time.Millisecond)
	}
}
