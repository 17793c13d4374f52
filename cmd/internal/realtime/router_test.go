package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"relay/cmd/directory"
	v1 "relay/shared/contracts/realtime/v1"
	svc "relay/shared/contracts/services/v1"

	"github.com/coder/websocket"
)

type fakeChannels struct {
	channels map[string]svc.Channel
	err      error
	calls    int
}

var _ ChannelLookup = (*fakeChannels)(nil)

func (f *fakeChannels) GetChannelByName(_ context.Context, name string) (svc.Channel, error) {
	f.calls++
	if f.err != nil {
		return svc.Channel{}, f.err
	}
	ch, ok := f.channels[name]
	if !ok {
		return svc.Channel{}, errors.Join(directory.ErrNotFound, errors.New("remote: not found"))
	}
	return ch, nil
}

func newTestRouter(t *testing.T, channels ChannelLookup) *Router {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bc := NewMemoryBroadcaster()
	t.Cleanup(func() { _ = bc.Close() })

	r := NewRouter(RouterConfig{Node: "n1", Log: testLogger()}, NewRoomRegistry(testLogger()), bc, channels)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return r
}

func admitted(t *testing.T, id string, ident Identity) *Conn {
	t.Helper()
	c := NewConn(id, 8)
	c.transition(StateConnecting, StateAuthenticating)
	if !c.admit(ident) {
		t.Fatalf("admit %s", id)
	}
	return c
}

func drain(c *Conn) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestRouter_DeliverFilters(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeChannels{})
	rooms := r.Rooms()

	senderA := admitted(t, "a1", Identity{UserID: "u1", MutedUserIDs: []string{"u1"}})
	senderB := admitted(t, "a2", Identity{UserID: "u1"})
	plain := admitted(t, "b1", Identity{UserID: "u2"})
	mutesUser := admitted(t, "c1", Identity{UserID: "u3", MutedUserIDs: []string{"u1"}})
	mutesChannel := admitted(t, "d1", Identity{UserID: "u4", MutedChannelIDs: []string{"general"}})
	pending := NewConn("e1", 8)
	excluded := admitted(t, "f1", Identity{UserID: "u6"})

	for _, c := range []*Conn{senderA, senderB, plain, mutesUser, mutesChannel, pending, excluded} {
		rooms.Join(ChannelRoom("general"), c)
	}

	d := Delivery{
		ID:            "d-1",
		Rooms:         []string{ChannelRoom("general")},
		Event:         v1.TypeMessage,
		Payload:       json.RawMessage(`{"text":"hi"}`),
		SentAt:        time.Now().UTC(),
		SenderID:      "u1",
		ChannelID:     "general",
		ExcludeConnID: "f1",
	}
	r.deliver(d)
	r.deliver(d)

	want := map[*Conn]int{senderA: 1, senderB: 1, plain: 1, mutesUser: 0, mutesChannel: 0, pending: 0, excluded: 0}
	for c, n := range want {
		got := drain(c)
		if len(got) != n {
			t.Fatalf("conn %s got %d events, want %d", c.ID, len(got), n)
		}
		if n == 1 && (got[0].ID != "d-1" || got[0].Type != v1.TypeMessage || got[0].V != v1.Version) {
			t.Fatalf("conn %s got %+v", c.ID, got[0])
		}
	}
}

func TestRouter_SendToRoomPublishesOnce(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeChannels{})
	u1 := admitted(t, "a1", Identity{UserID: "u1"})
	u2 := admitted(t, "b1", Identity{UserID: "u2"})
	r.Rooms().Join(UserRoom("u1"), u1)
	r.Rooms().Join(UserRoom("u2"), u2)

	id, err := r.SendToRoom(context.Background(), UserRoom("u2"), v1.TypeMessage,
		v1.MessagePayload{Text: "dm"}, SendOptions{SenderID: "u1", AlsoRooms: []string{UserRoom("u1")}})
	if err != nil || id == "" {
		t.Fatalf("SendToRoom: id=%q err=%v", id, err)
	}

	for _, c := range []*Conn{u1, u2} {
		select {
		case env := <-c.Send:
			if env.ID != id {
				t.Fatalf("conn %s got id %q want %q", c.ID, env.ID, id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("conn %s got nothing", c.ID)
		}
	}
}

func TestRouter_JoinChannel(t *testing.T) {
	t.Parallel()

	channels := &fakeChannels{channels: map[string]svc.Channel{
		"general": {Name: "general", Public: true},
		"staff":   {Name: "staff", Members: []string{"u2"}},
		"lobby":   {Name: "lobby", Public: true, Blocked: []string{"u1"}},
	}}
	r := newTestRouter(t, channels)
	ctx := context.Background()

	ada := admitted(t, "a1", Identity{UserID: "u1"})
	adaPhone := admitted(t, "a2", Identity{UserID: "u1"})
	bob := admitted(t, "b1", Identity{UserID: "u2"})
	for _, c := range []*Conn{ada, adaPhone} {
		r.Rooms().Join(UserRoom("u1"), c)
	}
	r.Rooms().Join(UserRoom("u2"), bob)

	for _, name := range []string{"staff", "lobby", "missing", ""} {
		ok, err := r.JoinChannel(ctx, ada, name)
		if ok || err != nil {
			t.Fatalf("join %q: ok=%v err=%v", name, ok, err)
		}
	}

	before := channels.calls
	if ok, err := r.JoinChannel(ctx, bob, "#Staff"); !ok || err != nil {
		t.Fatalf("member join: ok=%v err=%v", ok, err)
	}
	if ok, err := r.JoinChannel(ctx, bob, "staff"); !ok || err != nil {
		t.Fatalf("second join: ok=%v err=%v", ok, err)
	}
	if channels.calls-before != 2 {
		t.Fatalf("membership must be read fresh on every join, calls=%d", channels.calls-before)
	}

	if ok, err := r.JoinChannel(ctx, ada, "general"); !ok || err != nil {
		t.Fatalf("public join: ok=%v err=%v", ok, err)
	}
	waitFor(t, "room.join on other device", func() bool {
		return r.Rooms().Has(ChannelRoom("general"), "a2")
	})
	if len(drain(adaPhone)) != 0 {
		t.Fatalf("room.join must not reach clients")
	}

	channels.err = errors.New("directory down")
	if ok, err := r.JoinChannel(ctx, ada, "general"); ok || err == nil {
		t.Fatalf("lookup failure must surface: ok=%v err=%v", ok, err)
	}
}

func TestRouter_CloseSessions(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeChannels{})
	s1 := admitted(t, "a1", Identity{UserID: "u1", SessionID: "s1"})
	s1b := admitted(t, "a2", Identity{UserID: "u1", SessionID: "s1"})
	s2 := admitted(t, "a3", Identity{UserID: "u1", SessionID: "s2"})
	other := admitted(t, "b1", Identity{UserID: "u2", SessionID: "s9"})
	for _, c := range []*Conn{s1, s1b, s2} {
		r.Rooms().Join(UserRoom("u1"), c)
	}
	r.Rooms().Join(UserRoom("u2"), other)

	if n := r.CloseSessions([]svc.SessionTarget{{OwnerID: "u1", SessionID: "s1"}, {OwnerID: "u1", SessionID: "s1"}}); n != 2 {
		t.Fatalf("closed %d, want 2", n)
	}
	for _, c := range []*Conn{s1, s1b} {
		got := drain(c)
		if len(got) != 1 || got[0].Type != v1.TypeSessions {
			t.Fatalf("conn %s events=%+v", c.ID, got)
		}
		if code, reason := c.CloseStatus(); code != websocket.StatusPolicyViolation || reason != revokedCloseReason {
			t.Fatalf("conn %s close=%d %q", c.ID, code, reason)
		}
	}
	if s2.State() != StateAuthenticated || other.State() != StateAuthenticated {
		t.Fatalf("unrelated connections closed")
	}

	if n := r.CloseSessions([]svc.SessionTarget{{OwnerID: "nobody"}}); n != 0 {
		t.Fatalf("zero matches must be fine, got %d", n)
	}
	if n := r.CloseSessions([]svc.SessionTarget{{OwnerID: "u1"}}); n != 1 {
		t.Fatalf("owner-wide close=%d, want 1 remaining", n)
	}
}

func TestRouter_ApplyMutes(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeChannels{})
	a := admitted(t, "a1", Identity{UserID: "u1"})
	b := admitted(t, "a2", Identity{UserID: "u1"})
	r.Rooms().Join(UserRoom("u1"), a)
	r.Rooms().Join(UserRoom("u1"), b)

	n := r.ApplyMutes(svc.MuteUsersCommand{UserID: "u1", MutedUserIDs: []string{"u9"}, MutedChannelIDs: []string{"random"}})
	if n != 2 {
		t.Fatalf("applied to %d conns", n)
	}
	for _, c := range []*Conn{a, b} {
		if id := c.Identity(); !id.Mutes("u9", "") || !id.Mutes("", "random") {
			t.Fatalf("conn %s identity=%+v", c.ID, id)
		}
	}
}

func TestRouter_AdmitAfterRevocation(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeChannels{})
	authStarted := time.Now()

	// Both revocations land while the connections are still authenticating.
	r.CloseSessions([]svc.SessionTarget{{OwnerID: "u1", SessionID: "s1"}, {OwnerID: "u2"}})

	revoked := []*Conn{
		admitted(t, "a1", Identity{UserID: "u1", SessionID: "s1"}),
		admitted(t, "b1", Identity{UserID: "u2", SessionID: "s7"}),
	}
	for _, c := range revoked {
		if r.Admit(c, authStarted) {
			t.Fatalf("conn %s admitted after its session was revoked", c.ID)
		}
		got := drain(c)
		if len(got) != 1 || got[0].Type != v1.TypeSessions {
			t.Fatalf("conn %s events=%+v", c.ID, got)
		}
		if code, reason := c.CloseStatus(); code != websocket.StatusPolicyViolation || reason != revokedCloseReason {
			t.Fatalf("conn %s close=%d %q", c.ID, code, reason)
		}
	}

	other := admitted(t, "a2", Identity{UserID: "u1", SessionID: "s2"})
	if !r.Admit(other, authStarted) {
		t.Fatalf("another session of u1 must be admitted")
	}

	// An owner-wide revocation does not affect sessions authenticated later.
	time.Sleep(time.Millisecond)
	fresh := admitted(t, "b2", Identity{UserID: "u2", SessionID: "s8"})
	if !r.Admit(fresh, time.Now()) {
		t.Fatalf("session authenticated after the revocation must be admitted")
	}
	if !r.Rooms().Has(UserRoom("u2"), fresh.ID) || fresh.State() != StateAuthenticated {
		t.Fatalf("admitted conn must be in its user room")
	}
}

func TestRouter_ApplyChannel(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeChannels{})
	ada := admitted(t, "a1", Identity{UserID: "u1"})
	bob := admitted(t, "b1", Identity{UserID: "u2"})
	cy := admitted(t, "c1", Identity{UserID: "u3"})
	for _, c := range []*Conn{ada, bob, cy} {
		r.Rooms().Join(UserRoom(c.Identity().UserID), c)
	}
	room := ChannelRoom("ops")
	r.Rooms().Join(room, ada)

	joined, left := r.ApplyChannel(svc.ChannelChangedCommand{Channel: svc.Channel{
		Name:    "ops",
		Members: []string{"u1", "u2"},
		Blocked: []string{"u1"},
	}})
	if joined != 1 || left != 1 {
		t.Fatalf("joined=%d left=%d", joined, left)
	}
	if r.Rooms().Has(room, ada.ID) || !r.Rooms().Has(room, bob.ID) || r.Rooms().Has(room, cy.ID) {
		t.Fatalf("unexpected membership: ada=%v bob=%v cy=%v",
			r.Rooms().Has(room, ada.ID), r.Rooms().Has(room, bob.ID), r.Rooms().Has(room, cy.ID))
	}

	if _, left := r.ApplyChannel(svc.ChannelChangedCommand{Channel: svc.Channel{Name: "ops"}, Deleted: true}); left != 1 {
		t.Fatalf("delete left=%d", left)
	}
	if r.Rooms().Len(room) != 0 {
		t.Fatalf("deleted channel room must be empty")
	}
}

func TestRouter_SendToAll(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeChannels{})
	a := admitted(t, "a1", Identity{UserID: "u1"})
	b := admitted(t, "b1", Identity{UserID: "u2", MutedUserIDs: []string{"u9"}})
	for _, c := range []*Conn{a, b} {
		r.Rooms().Join(RoomGlobal, c)
	}

	id, err := r.SendToAll(context.Background(), "u8", "  maintenance at noon ")
	if err != nil || id == "" {
		t.Fatalf("SendToAll: id=%q err=%v", id, err)
	}
	for _, c := range []*Conn{a, b} {
		select {
		case env := <-c.Send:
			var m v1.MessagePayload
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Type != v1.TypeMessage || m.ID != id || m.From != "u8" || m.Text != "maintenance at noon" || m.Channel != "" || m.To != "" {
				t.Fatalf("conn %s got %s %+v", c.ID, env.Type, m)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("conn %s got nothing", c.ID)
		}
	}

	for _, tc := range []struct{ from, text string }{
		{"", "hi"},
		{"u8", "   "},
		{"u8", strings.Repeat("é", maxMessageChars+1)},
	} {
		if _, err := r.SendToAll(context.Background(), tc.from, tc.text); err == nil {
			t.Fatalf("SendToAll(%q, %d chars) must fail", tc.from, len(tc.text))
		}
	}
}
