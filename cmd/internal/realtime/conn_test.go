package realtime

import (
	"testing"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestConn_Transitions(t *testing.T) {
	t.Parallel()

	c := NewConn("c1", 4)
	if c.State() != StateConnecting {
		t.Fatalf("initial state=%s", c.State())
	}
	if c.transition(StateConnecting, StateAuthenticated) {
		t.Fatalf("connecting -> authenticated must be refused")
	}
	if c.admit(Identity{UserID: "u1"}) {
		t.Fatalf("admit before authenticating must be refused")
	}
	if got := c.Identity(); got.UserID != "" {
		t.Fatalf("identity leaked before admission: %+v", got)
	}
	if !c.transition(StateConnecting, StateAuthenticating) {
		t.Fatalf("connecting -> authenticating refused")
	}
	if !c.admit(Identity{UserID: "u1", SessionID: "s1"}) {
		t.Fatalf("admit refused")
	}
	if c.State() != StateAuthenticated || c.Identity().UserID != "u1" {
		t.Fatalf("state=%s identity=%+v", c.State(), c.Identity())
	}
	if c.transition(StateAuthenticated, StateAuthenticating) {
		t.Fatalf("backwards transition must be refused")
	}

	c.Close(websocket.StatusPolicyViolation, "logged out")
	c.Close(websocket.StatusNormalClosure, "bye")
	if c.State() != StateClosed {
		t.Fatalf("state=%s after Close", c.State())
	}
	if code, reason := c.CloseStatus(); code != websocket.StatusPolicyViolation || reason != "logged out" {
		t.Fatalf("first Close must win, got %d %q", code, reason)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestConn_FailedAuthenticationCloses(t *testing.T) {
	t.Parallel()

	c := NewConn("c1", 4)
	c.transition(StateConnecting, StateAuthenticating)
	c.Close(websocket.StatusPolicyViolation, "unauthorized")
	if c.admit(Identity{UserID: "u1"}) {
		t.Fatalf("closed connection admitted")
	}
}

func TestConn_EnqueueNeverBlocks(t *testing.T) {
	t.Parallel()

	c := NewConn("c1", 1)
	env := v1.Envelope{V: v1.Version, Type: v1.TypeMessage}
	if !c.enqueue(env) {
		t.Fatalf("first enqueue refused")
	}
	if c.enqueue(env) {
		t.Fatalf("full queue must drop")
	}
	<-c.Send
	c.Close(websocket.StatusNormalClosure, "")
	if c.enqueue(env) {
		t.Fatalf("closed connection must drop")
	}
}

func TestConn_SetMutes(t *testing.T) {
	t.Parallel()

	c := NewConn("c1", 1)
	if c.setMutes([]string{"u2"}, nil) {
		t.Fatalf("mutes applied without identity")
	}
	c.transition(StateConnecting, StateAuthenticating)
	c.admit(Identity{UserID: "u1", MutedUserIDs: []string{"u9"}})

	users := []string{"u2"}
	if !c.setMutes(users, []string{"general"}) {
		t.Fatalf("setMutes refused")
	}
	users[0] = "changed"

	id := c.Identity()
	if !id.Mutes("u2", "") || id.Mutes("u9", "") || !id.Mutes("", "general") || id.Mutes("u3", "random") {
		t.Fatalf("unexpected mutes: %+v", id)
	}
}
