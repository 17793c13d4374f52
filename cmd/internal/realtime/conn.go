package realtime

import (
	"slices"
	"sync"
	"sync/atomic"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Closed is reachable from every state and handled by Close.
var nextStates = map[ConnState]ConnState{
	StateConnecting:     StateAuthenticating,
	StateAuthenticating: StateAuthenticated,
}

// Identity is the authenticated context attached to a connection.
type Identity struct {
	UserID    string
	Role      string
	SessionID string

	MutedUserIDs    []string
	MutedChannelIDs []string

	Verified bool
	Locked   bool
}

// Mutes reports whether a message from senderID (in channelID, if any) must be
// withheld from this identity.
func (id Identity) Mutes(senderID, channelID string) bool {
	if senderID != "" && slices.Contains(id.MutedUserIDs, senderID) {
		return true
	}
	return channelID != "" && slices.Contains(id.MutedChannelIDs, channelID)
}

// Conn is one WebSocket connection as seen by rooms and the router.
//
// Send is never closed, so concurrent deliveries cannot panic; done signals
// shutdown instead and Close is idempotent.
type Conn struct {
	ID   string
	Send chan v1.Envelope

	state    atomic.Int32
	identity atomic.Pointer[Identity]

	done      chan struct{}
	closeOnce sync.Once

	closeMu     sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string
}

// NewConn constructs a Conn in StateConnecting with a bounded send queue.
func NewConn(id string, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Conn{
		ID:        id,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		closeCode: websocket.StatusNormalClosure,
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// transition moves from -> to when that edge is legal and from is current.
func (c *Conn) transition(from, to ConnState) bool {
	if to == StateClosed {
		return c.state.CompareAndSwap(int32(from), int32(to))
	}
	if next, ok := nextStates[from]; !ok || next != to {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// admit attaches id and marks the connection authenticated. The identity is
// stored before the state flips so readers never see an empty identity.
func (c *Conn) admit(id Identity) bool {
	if c.State() != StateAuthenticating {
		return false
	}
	c.identity.Store(&id)
	return c.transition(StateAuthenticating, StateAuthenticated)
}

// Identity returns a copy of the attached identity, or the zero value before admission.
func (c *Conn) Identity() Identity {
	if p := c.identity.Load(); p != nil {
		return *p
	}
	return Identity{}
}

// setMutes replaces the mute lists of the attached identity.
func (c *Conn) setMutes(users, channels []string) bool {
	for {
		cur := c.identity.Load()
		if cur == nil {
			return false
		}
		next := *cur
		next.MutedUserIDs = slices.Clone(users)
		next.MutedChannelIDs = slices.Clone(channels)
		if c.identity.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// Done is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close asks the connection to shut down with the given close status.
// Only the first call decides the status.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.closeMu.Unlock()
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

// CloseStatus returns the status recorded by the first Close.
func (c *Conn) CloseStatus() (websocket.StatusCode, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

// enqueue never blocks: a full queue or a closing connection drops env.
func (c *Conn) enqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
