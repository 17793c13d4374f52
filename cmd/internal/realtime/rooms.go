package realtime

import (
	"log/slog"
	"sync"
)

// RoomGlobal contains every admitted connection on a node.
const RoomGlobal = "global"

const (
	userRoomPrefix    = "user/"
	channelRoomPrefix = "channel/"
)

// UserRoom returns the room holding every connection of userID.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// ChannelRoom returns the room for a normalized channel name.
func ChannelRoom(name string) string { return channelRoomPrefix + name }

// RoomRegistry is the node-local room membership table.
//
// Concurrency guarantees:
//   - Join/Leave/Remove are safe under concurrent Resolve.
//   - Resolve returns a snapshot; callers send without holding the lock.
type RoomRegistry struct {
	log *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[string]*Conn
	byConn map[string]map[string]struct{}
}

// NewRoomRegistry constructs an empty registry.
func NewRoomRegistry(log *slog.Logger) *RoomRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &RoomRegistry{
		log:    log,
		rooms:  make(map[string]map[string]*Conn),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes c to room. Joining twice is a no-op.
func (r *RoomRegistry) Join(room string, c *Conn) {
	if c == nil || c.ID == "" || room == "" {
		return
	}

	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	_, already := members[c.ID]
	members[c.ID] = c

	joined, ok := r.byConn[c.ID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[c.ID] = joined
	}
	joined[room] = struct{}{}
	r.mu.Unlock()

	if !already {
		r.log.Debug("room.member.join", "room", room, "conn_id", c.ID)
	}
}

// Leave unsubscribes connID from room.
func (r *RoomRegistry) Leave(room, connID string) {
	r.mu.Lock()
	r.leaveLocked(room, connID)
	r.mu.Unlock()
}

// Remove unsubscribes connID from every room it joined.
func (r *RoomRegistry) Remove(connID string) {
	r.mu.Lock()
	for room := range r.byConn[connID] {
		r.leaveLocked(room, connID)
	}
	delete(r.byConn, connID)
	r.mu.Unlock()

	r.log.Debug("room.member.remove", "conn_id", connID)
}

func (r *RoomRegistry) leaveLocked(room, connID string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Has reports whether connID is subscribed to room.
func (r *RoomRegistry) Has(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// Members returns a snapshot of the connections in room.
func (r *RoomRegistry) Members(room string) []*Conn {
	return r.Resolve([]string{room})
}

// Resolve returns the union of connections across rooms; each connection
// appears once no matter how many of the rooms it is in.
func (r *RoomRegistry) Resolve(rooms []string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		out  []*Conn
		seen map[string]struct{}
	)
	if len(rooms) > 1 {
		seen = make(map[string]struct{})
	}
	for _, room := range rooms {
		for id, c := range r.rooms[room] {
			if seen != nil {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			out = append(out, c)
		}
	}
	return out
}

// RoomsOf returns the rooms connID is subscribed to.
func (r *RoomRegistry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn[connID]))
	for room := range r.byConn[connID] {
		out = append(out, room)
	}
	return out
}

// Len returns the number of connections in room.
func (r *RoomRegistry) Len(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
