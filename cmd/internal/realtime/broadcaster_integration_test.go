package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Integration tests run only when the matching RELAY_TEST_* variable is set.

func TestRedisBroadcaster_ReachesEveryNode(t *testing.T) {
	url := os.Getenv("RELAY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RELAY_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	channel := FanoutTopic + "." + uuid.NewString()
	a := NewRedisBroadcaster(rdb, channel, testLogger())
	b := NewRedisBroadcaster(rdb, channel, testLogger())
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	got := make(chan Delivery, 4)
	for _, bc := range []*RedisBroadcaster{a, b} {
		if err := bc.Subscribe(ctx, func(d Delivery) { got <- d }); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	want := Delivery{ID: uuid.NewString(), Event: "message", Rooms: []string{ChannelRoom("general")}, SenderID: "u1"}
	if err := a.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case d := <-got:
			if d.ID != want.ID || d.SenderID != "u1" {
				t.Fatalf("unexpected delivery %+v", d)
			}
		case <-ctx.Done():
			t.Fatalf("delivery %d not received", i)
		}
	}
}

func TestKafkaBroadcaster_DeliversFirstPublishAfterSubscribe(t *testing.T) {
	brokers := os.Getenv("RELAY_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("RELAY_TEST_KAFKA_BROKERS not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	bc, err := NewKafkaBroadcaster(KafkaConfig{
		Brokers: strings.Split(brokers, ","),
		Topic:   "relay-fanout-" + uuid.NewString(),
		Node:    "itest",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewKafkaBroadcaster: %v", err)
	}
	t.Cleanup(func() { _ = bc.Close() })

	got := make(chan Delivery, 16)
	if err := bc.Subscribe(ctx, func(d Delivery) { got <- d }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Subscribe has positioned every partition reader, so the first
	// publish must come back without retries.
	want := Delivery{ID: uuid.NewString(), Event: "message", Rooms: []string{RoomGlobal}, SenderID: "u1"}
	if err := bc.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case d := <-got:
		if d.ID != want.ID {
			t.Fatalf("got delivery %s, want %s", d.ID, want.ID)
		}
	case <-ctx.Done():
		t.Fatalf("first delivery after Subscribe was not consumed")
	}
}
