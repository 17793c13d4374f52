package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text string `json:"text"`
}

func newTestPair(t *testing.T, service string) (*MemoryBus, *Server, *Client) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	srv := NewServer(bus, ServerConfig{Service: service, Node: "srv-1", Log: testLogger()})
	srv.Handle("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
		var req echoReq
		if err := Decode(payload, &req); err != nil {
			return nil, err
		}
		return echoResp{Text: req.Text}, nil
	})

	cl, err := NewClient(ctx, bus, ClientConfig{Node: "cli-1", Timeout: 2 * time.Second, Log: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(cl.Close)

	return bus, srv, cl
}

func startServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestCall_RoundTrip(t *testing.T) {
	t.Parallel()

	_, srv, cl := newTestPair(t, "directory")
	startServer(t, srv)

	var out echoResp
	if err := cl.Call(context.Background(), "directory", "echo", echoReq{Text: "hi"}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Text != "hi" {
		t.Fatalf("reply mismatch: %q", out.Text)
	}
}

func TestCall_TimesOutAtDeadline(t *testing.T) {
	t.Parallel()

	// No server consumes the queue: the peer never replies.
	_, _, cl := newTestPair(t, "identity")

	const timeout = 150 * time.Millisecond
	start := time.Now()
	err := cl.Call(context.Background(), "identity", "renewSession", echoReq{Text: "x"}, nil, WithTimeout(timeout))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Target != "identity" || te.Operation != "renewSession" {
		t.Fatalf("expected *TimeoutError with target/op, got %#v", err)
	}
	var re *RemoteError
	if errors.As(err, &re) {
		t.Fatalf("timeout must not be a RemoteError")
	}
	if elapsed < timeout {
		t.Fatalf("resolved early: %s < %s", elapsed, timeout)
	}
	if elapsed > timeout+time.Second {
		t.Fatalf("resolved too late: %s", elapsed)
	}
}

func TestCall_CallerDeadlineReportsTimeWaited(t *testing.T) {
	t.Parallel()

	_, _, cl := newTestPair(t, "identity")

	const callerDeadline = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), callerDeadline)
	defer cancel()

	err := cl.Call(ctx, "identity", "renewSession", echoReq{Text: "x"}, nil, WithTimeout(5*time.Second))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if te.After < callerDeadline || te.After > 2*time.Second {
		t.Fatalf("After = %s, want the time actually waited (about %s)", te.After, callerDeadline)
	}
}

func TestCall_SlowCallDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	_, srv, cl := newTestPair(t, "directory")
	srv.Handle("hang", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startServer(t, srv)

	slowDone := make(chan error, 1)
	go func() {
		slowDone <- cl.Call(context.Background(), "directory", "hang", nil, nil, WithTimeout(400*time.Millisecond))
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out echoResp
			if err := cl.Call(context.Background(), "directory", "echo", echoReq{Text: "ok"}, &out); err != nil {
				errs <- err
				return
			}
			if out.Text != "ok" {
				errs <- errors.New("bad echo")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}

	select {
	case err := <-slowDone:
		t.Fatalf("slow call resolved before its deadline: %v", err)
	default:
	}

	if err := <-slowDone; !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected slow call timeout, got %v", err)
	}
}

func TestCall_CancelOneLeavesOthers(t *testing.T) {
	t.Parallel()

	_, srv, cl := newTestPair(t, "directory")
	release := make(chan struct{})
	srv.Handle("wait", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-release:
			return echoResp{Text: "released"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	startServer(t, srv)

	ctxA, cancelA := context.WithCancel(context.Background())
	aDone := make(chan error, 1)
	go func() { aDone <- cl.Call(ctxA, "directory", "wait", nil, nil) }()

	bDone := make(chan error, 1)
	var bOut echoResp
	go func() { bDone <- cl.Call(context.Background(), "directory", "wait", nil, &bOut) }()

	time.Sleep(50 * time.Millisecond)
	cancelA()

	if err := <-aDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}

	close(release)
	if err := <-bDone; err != nil {
		t.Fatalf("other call affected by cancel: %v", err)
	}
	if bOut.Text != "released" {
		t.Fatalf("unexpected reply %q", bOut.Text)
	}
}

func TestCall_RemoteErrors(t *testing.T) {
	t.Parallel()

	_, srv, cl := newTestPair(t, "identity")
	srv.Handle("coded", func(context.Context, json.RawMessage) (any, error) {
		return nil, Error{Code: "session_revoked", Message: "gone"}
	})
	srv.Handle("plain", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("db password is hunter2")
	})
	srv.Handle("panics", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})
	startServer(t, srv)

	cases := []struct {
		op       string
		wantCode string
		wantMsg  string
	}{
		{op: "coded", wantCode: "session_revoked", wantMsg: "gone"},
		{op: "plain", wantCode: CodeInternal, wantMsg: "internal error"},
		{op: "panics", wantCode: CodeInternal, wantMsg: "internal error"},
		{op: "missing", wantCode: CodeNoHandler},
		{op: "echo", wantCode: CodeInvalidInput, wantMsg: "missing payload"},
	}

	for _, tc := range cases {
		err := cl.Call(context.Background(), "identity", tc.op, nil, nil)
		var re *RemoteError
		if !errors.As(err, &re) {
			t.Fatalf("%s: expected RemoteError, got %v", tc.op, err)
		}
		if re.Code != tc.wantCode {
			t.Fatalf("%s: code=%q want=%q", tc.op, re.Code, tc.wantCode)
		}
		if tc.wantMsg != "" && re.Message != tc.wantMsg {
			t.Fatalf("%s: message=%q want=%q", tc.op, re.Message, tc.wantMsg)
		}
		if !IsCode(err, tc.wantCode) {
			t.Fatalf("%s: IsCode mismatch", tc.op)
		}
		if errors.Is(err, ErrTimeout) {
			t.Fatalf("%s: remote error must not match ErrTimeout", tc.op)
		}
	}
}

func TestCall_LateReplyIsDropped(t *testing.T) {
	t.Parallel()

	_, srv, cl := newTestPair(t, "directory")
	srv.Handle("sleepy", func(context.Context, json.RawMessage) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return echoResp{Text: "late"}, nil
	})
	startServer(t, srv)

	err := cl.Call(context.Background(), "directory", "sleepy", nil, nil, WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// Let the late reply arrive; the next call must still get its own reply.
	time.Sleep(250 * time.Millisecond)

	var out echoResp
	if err := cl.Call(context.Background(), "directory", "echo", echoReq{Text: "fresh"}, &out); err != nil {
		t.Fatalf("Call after late reply: %v", err)
	}
	if out.Text != "fresh" {
		t.Fatalf("got %q, want fresh", out.Text)
	}
}

func TestClient_CloseFailsPending(t *testing.T) {
	t.Parallel()

	_, _, cl := newTestPair(t, "identity")

	done := make(chan error, 1)
	go func() { done <- cl.Call(context.Background(), "identity", "nobody", nil, nil) }()

	time.Sleep(50 * time.Millisecond)
	cl.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending call not released by Close")
	}

	if err := cl.Call(context.Background(), "identity", "nobody", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
