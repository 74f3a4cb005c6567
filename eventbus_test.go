package traysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

func lostEvent(n int) Event {
	return ItemLost{Key: ItemKey{Owner: ":1.1", Path: dbus.ObjectPath(fmt.Sprintf("/item%d", n))}}
}

func TestEventBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus(16)
	first := bus.Subscribe()
	second := bus.Subscribe()

	var want []Event
	for i := range 5 {
		ev := lostEvent(i)
		want = append(want, ev)
		bus.Publish(ev)
	}

	for _, sub := range []*Subscription{first, second} {
		var got []Event
		for range want {
			ev, err := sub.Recv(context.Background())
			if err != nil {
				t.Fatalf("recv: %v", err)
			}
			got = append(got, ev)
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("events mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEventBusReportsLag(t *testing.T) {
	bus := NewEventBus(3)
	sub := bus.Subscribe()

	for i := range 5 {
		bus.Publish(lostEvent(i))
	}

	_, err := sub.Recv(context.Background())

	var lagged *LaggedError
	if !errors.As(err, &lagged) {
		t.Fatalf("expected lagged error, got %v", err)
	}
	if lagged.Missed != 2 {
		t.Fatalf("unexpected missed count: %d", lagged.Missed)
	}

	// The oldest retained event follows.
	for i := 2; i < 5; i++ {
		ev, err := sub.Recv(context.Background())
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if diff := cmp.Diff(lostEvent(i), ev); diff != "" {
			t.Fatalf("event %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestEventBusPublishNeverBlocks(t *testing.T) {
	bus := NewEventBus(1)
	_ = bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 10000 {
			bus.Publish(lostEvent(i % 20))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus(4)
	sub := bus.Subscribe()

	bus.Publish(lostEvent(0))
	bus.Close()

	if _, err := sub.Recv(context.Background()); err != nil {
		t.Fatalf("buffered event was lost: %v", err)
	}
	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	late := bus.Subscribe()
	if _, err := late.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for a subscription to a closed bus, got %v", err)
	}
}

func TestSubscriptionCloseUnblocksRecv(t *testing.T) {
	bus := NewEventBus(4)
	sub := bus.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)

	var err error
	go func() {
		defer wg.Done()
		_, err = sub.Recv(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()
	wg.Wait()

	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// Closed subscriptions receive nothing.
	bus.Publish(lostEvent(0))
	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after publish, got %v", err)
	}
}

func TestRecvHonorsContext(t *testing.T) {
	sub := NewEventBus(4).Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
