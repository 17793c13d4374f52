package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryBroadcaster_EverySubscriberInOrder(t *testing.T) {
	t.Parallel()

	bc := NewMemoryBroadcaster()
	t.Cleanup(func() { _ = bc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 50
	outs := []chan string{make(chan string, n), make(chan string, n)}
	for _, out := range outs {
		out := out
		if err := bc.Subscribe(ctx, func(d Delivery) { out <- d.ID }); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		d := Delivery{ID: fmt.Sprintf("d%02d", i), Event: "message", Rooms: []string{RoomGlobal}}
		if err := bc.Publish(ctx, d); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for s, out := range outs {
		for i := 0; i < n; i++ {
			select {
			case id := <-out:
				if want := fmt.Sprintf("d%02d", i); id != want {
					t.Fatalf("subscriber %d: got %s want %s", s, id, want)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("subscriber %d: delivery %d missing", s, i)
			}
		}
	}
}

func TestMemoryBroadcaster_Close(t *testing.T) {
	t.Parallel()

	bc := NewMemoryBroadcaster()
	if err := bc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := bc.Publish(context.Background(), Delivery{ID: "x"}); !errors.Is(err, ErrBroadcasterClosed) {
		t.Fatalf("Publish after Close: %v", err)
	}
	if err := bc.Subscribe(context.Background(), func(Delivery) {}); !errors.Is(err, ErrBroadcasterClosed) {
		t.Fatalf("Subscribe after Close: %v", err)
	}
}

func TestDecodeDelivery_RequiresRouting(t *testing.T) {
	t.Parallel()

	if _, err := decodeDelivery([]byte(`{"id":"a","event":"message"}`)); err == nil {
		t.Fatalf("delivery without rooms accepted")
	}
	if _, err := decodeDelivery([]byte(`not json`)); err == nil {
		t.Fatalf("garbage accepted")
	}
	d, err := decodeDelivery([]byte(`{"id":"a","event":"message","rooms":["global"]}`))
	if err != nil || d.Rooms[0] != RoomGlobal {
		t.Fatalf("valid delivery rejected: %+v %v", d, err)
	}
}
