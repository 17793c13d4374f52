package realtime

import (
	"slices"
	"testing"
)

func TestRoomRegistry_ResolveUnionsOnce(t *testing.T) {
	t.Parallel()

	r := NewRoomRegistry(testLogger())
	a, b, c := NewConn("a", 1), NewConn("b", 1), NewConn("c", 1)

	r.Join(UserRoom("u1"), a)
	r.Join(UserRoom("u1"), b)
	r.Join(UserRoom("u2"), c)
	r.Join(ChannelRoom("general"), a)
	r.Join(ChannelRoom("general"), c)
	r.Join(ChannelRoom("general"), c)

	got := r.Resolve([]string{UserRoom("u1"), UserRoom("u2"), ChannelRoom("general"), UserRoom("u1")})
	ids := make([]string, 0, len(got))
	for _, conn := range got {
		ids = append(ids, conn.ID)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"a", "b", "c"}) {
		t.Fatalf("Resolve=%v", ids)
	}
	if n := r.Len(ChannelRoom("general")); n != 2 {
		t.Fatalf("general len=%d", n)
	}
	if len(r.Resolve([]string{"nobody"})) != 0 {
		t.Fatalf("unknown room resolved to connections")
	}
}

func TestRoomRegistry_LeaveAndRemove(t *testing.T) {
	t.Parallel()

	r := NewRoomRegistry(testLogger())
	a := NewConn("a", 1)
	r.Join(UserRoom("u1"), a)
	r.Join(RoomGlobal, a)
	r.Join(ChannelRoom("general"), a)

	r.Leave(ChannelRoom("general"), "a")
	if r.Has(ChannelRoom("general"), "a") {
		t.Fatalf("Leave did not remove membership")
	}
	rooms := r.RoomsOf("a")
	slices.Sort(rooms)
	if !slices.Equal(rooms, []string{RoomGlobal, UserRoom("u1")}) {
		t.Fatalf("RoomsOf=%v", rooms)
	}

	r.Remove("a")
	if len(r.RoomsOf("a")) != 0 || r.Len(RoomGlobal) != 0 || r.Len(UserRoom("u1")) != 0 {
		t.Fatalf("Remove left memberships behind")
	}
}
