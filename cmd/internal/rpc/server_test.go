package rpc

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func TestServer_Health(t *testing.T) {
	t.Parallel()

	_, srv, cl := newTestPair(t, "directory")
	startServer(t, srv)

	st, err := cl.Health(context.Background(), "directory", time.Second)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if st.Service != "directory" || st.Node != "srv-1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestServer_QueueHasOneConsumerPerRequest(t *testing.T) {
	t.Parallel()

	bus, srvA, cl := newTestPair(t, "directory")
	srvB := NewServer(bus, ServerConfig{Service: "directory", Node: "srv-2", Log: testLogger()})

	var hits atomic.Int32
	count := func(context.Context, json.RawMessage) (any, error) {
		hits.Add(1)
		return nil, nil
	}
	srvA.Handle("count", count)
	srvB.Handle("count", count)
	startServer(t, srvA)
	startServer(t, srvB)

	for i := 0; i < 10; i++ {
		if err := cl.Call(context.Background(), "directory", "count", nil, nil); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 10 {
		t.Fatalf("requests handled %d times, want 10", got)
	}
}

func TestServer_BroadcastReachesEveryInstance(t *testing.T) {
	t.Parallel()

	bus, _, cl := newTestPair(t, "messaging")

	got := make(chan string, 4)
	for _, node := range []string{"node-a", "node-b"} {
		node := node
		srv := NewServer(bus, ServerConfig{Service: "messaging", Node: node, Log: testLogger()})
		srv.HandleCommand("closeSessions", func(_ context.Context, payload json.RawMessage) error {
			var p echoReq
			if err := Decode(payload, &p); err != nil {
				return err
			}
			got <- node + ":" + p.Text
			return nil
		})
		startServer(t, srv)
	}

	if err := cl.Broadcast(context.Background(), "messaging", "closeSessions", echoReq{Text: "u1"}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case s := <-got:
			seen[s] = true
		case <-deadline:
			t.Fatalf("command reached %d instances, want 2 (%v)", len(seen), seen)
		}
	}
	if !seen["node-a:u1"] || !seen["node-b:u1"] {
		t.Fatalf("unexpected deliveries: %v", seen)
	}
}

func TestServer_DropsExpiredRequests(t *testing.T) {
	t.Parallel()

	bus, srv, _ := newTestPair(t, "directory")

	var called atomic.Bool
	srv.Handle("stale", func(context.Context, json.RawMessage) (any, error) {
		called.Store(true)
		return nil, nil
	})
	startServer(t, srv)

	msg, _ := json.Marshal(Request{
		Operation:     "stale",
		CorrelationID: "c-1",
		ReplyTo:       ReplyTopic("ghost"),
		Deadline:      time.Now().Add(-time.Second),
	})
	if err := bus.Send(context.Background(), QueueName("directory"), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if called.Load() {
		t.Fatalf("handler ran for an expired request")
	}
}
