package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"relay/cmd/directory"
	"relay/cmd/internal/ids"
	"relay/cmd/internal/rpc"
	v1 "relay/shared/contracts/realtime/v1"
	svc "relay/shared/contracts/services/v1"

	"github.com/coder/websocket"
	"github.com/jellydator/ttlcache/v3"
)

const (
	// eventRoomJoin is internal: it changes room membership on every node and
	// never reaches a client.
	eventRoomJoin = "room.join"

	defaultDedupeTTL = 2 * time.Minute

	// defaultRevocationTTL must outlast the slowest admission (auth timeout
	// plus upgrade), or a late revocation could slip past Admit.
	defaultRevocationTTL = 2 * time.Minute

	revokedCloseReason = "logged out"
)

type roomJoinPayload struct {
	Channel string `json:"channel"`
}

// ChannelLookup fetches channel records for join authorization.
type ChannelLookup interface {
	GetChannelByName(ctx context.Context, name string) (svc.Channel, error)
}

// SendOptions refine a SendToRoom call.
type SendOptions struct {
	// ID reuses a caller-generated delivery id; a ULID is generated otherwise.
	ID string
	// ExcludeConnID skips one connection.
	ExcludeConnID string
	// SenderID and ChannelID drive the mute filter.
	SenderID  string
	ChannelID string
	// AlsoRooms are unioned with the target room.
	AlsoRooms []string
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Node string
	// DedupeTTL is how long delivery ids are remembered.
	DedupeTTL time.Duration
	// RevocationTTL is how long closeSessions targets are remembered for
	// connections that were still being admitted.
	RevocationTTL time.Duration
	Log           *slog.Logger
	Metrics       *Metrics
}

// Router publishes room-addressed deliveries and applies the ones it receives
// to the connections of this node.
type Router struct {
	node     string
	rooms    *RoomRegistry
	bc       Broadcaster
	channels ChannelLookup
	seen     *ttlcache.Cache[string, struct{}]
	revoked  *ttlcache.Cache[string, time.Time]
	log      *slog.Logger
	metrics  *Metrics
}

// NewRouter constructs a Router. Start must be called before deliveries flow.
func NewRouter(cfg RouterConfig, rooms *RoomRegistry, bc Broadcaster, channels ChannelLookup) *Router {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	if cfg.RevocationTTL <= 0 {
		cfg.RevocationTTL = defaultRevocationTTL
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	seen := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](cfg.DedupeTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return &Router{
		node:     cfg.Node,
		rooms:    rooms,
		bc:       bc,
		channels: channels,
		seen:     seen,
		revoked: ttlcache.New(
			ttlcache.WithTTL[string, time.Time](cfg.RevocationTTL),
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
		log:      cfg.Log.With("node", cfg.Node),
		metrics:  cfg.Metrics,
	}
}

// Rooms returns the node-local registry.
func (r *Router) Rooms() *RoomRegistry { return r.rooms }

// Start subscribes to the broadcaster until ctx is done.
func (r *Router) Start(ctx context.Context) error {
	if err := r.bc.Subscribe(ctx, r.deliver); err != nil {
		return fmt.Errorf("realtime: subscribe fanout: %w", err)
	}
	go r.seen.Start()
	go r.revoked.Start()
	go func() {
		<-ctx.Done()
		r.seen.Stop()
		r.revoked.Stop()
	}()
	r.log.Info("router.start")
	return nil
}

// SendToRoom publishes one delivery for room (plus opts.AlsoRooms) and returns its id.
func (r *Router) SendToRoom(ctx context.Context, room, event string, payload any, opts SendOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("realtime: encode %s: %w", event, err)
	}

	now := time.Now().UTC()
	id := opts.ID
	if id == "" {
		if id, err = ids.NewULID(now); err != nil {
			return "", err
		}
	}

	d := Delivery{
		ID:            id,
		Origin:        r.node,
		Rooms:         append([]string{room}, opts.AlsoRooms...),
		Event:         event,
		Payload:       raw,
		SentAt:        now,
		SenderID:      opts.SenderID,
		ChannelID:     opts.ChannelID,
		ExcludeConnID: opts.ExcludeConnID,
	}
	if err := r.bc.Publish(ctx, d); err != nil {
		return "", fmt.Errorf("realtime: publish %s: %w", event, err)
	}
	return id, nil
}

func (r *Router) deliver(d Delivery) {
	if _, dup := r.seen.GetOrSet(d.ID, struct{}{}); dup {
		r.metrics.delivered("duplicate", 1)
		return
	}

	targets := r.rooms.Resolve(d.Rooms)
	if len(targets) == 0 {
		return
	}

	if d.Event == eventRoomJoin {
		r.applyRoomJoin(d, targets)
		return
	}

	env := v1.Envelope{V: v1.Version, Type: d.Event, ID: d.ID, TS: d.SentAt, Payload: d.Payload}

	var sent, dropped, muted int
	for _, c := range targets {
		if c.ID == d.ExcludeConnID || c.State() != StateAuthenticated {
			continue
		}
		if id := c.Identity(); id.UserID != d.SenderID && id.Mutes(d.SenderID, d.ChannelID) {
			muted++
			continue
		}
		if c.enqueue(env) {
			sent++
			continue
		}
		dropped++
		r.log.Debug("router.deliver.drop", "conn_id", c.ID, "event", d.Event, "delivery_id", d.ID)
	}

	r.metrics.delivered("sent", sent)
	r.metrics.delivered("dropped", dropped)
	r.metrics.delivered("muted", muted)
}

func (r *Router) applyRoomJoin(d Delivery, targets []*Conn) {
	var p roomJoinPayload
	if err := json.Unmarshal(d.Payload, &p); err != nil || p.Channel == "" {
		r.log.Warn("router.room_join.bad_payload", "delivery_id", d.ID, "err", err)
		return
	}
	room := ChannelRoom(p.Channel)
	for _, c := range targets {
		if c.State() == StateAuthenticated {
			r.rooms.Join(room, c)
		}
	}
}

// JoinChannel authorizes c for channel name against a fresh directory read.
// It reports false with a nil error for every denial, including a channel
// that does not exist.
func (r *Router) JoinChannel(ctx context.Context, c *Conn, name string) (bool, error) {
	name = directory.NormalizeChannelName(name)
	id := c.Identity()
	if name == "" || id.UserID == "" {
		return false, nil
	}

	ch, err := r.channels.GetChannelByName(ctx, name)
	if err != nil {
		if directory.IsNotFound(err) || directory.IsInvalidInput(err) {
			r.log.Debug("room.join.deny", "user_id", id.UserID, "channel", name)
			return false, nil
		}
		return false, err
	}
	if !directory.CanJoin(ch, id.UserID) {
		r.log.Debug("room.join.deny", "user_id", id.UserID, "channel", name)
		return false, nil
	}

	// Join locally first so the requesting connection can send right away;
	// the broadcast covers the identity's other devices on every node.
	r.rooms.Join(ChannelRoom(ch.Name), c)
	if _, err := r.SendToRoom(ctx, UserRoom(id.UserID), eventRoomJoin, roomJoinPayload{Channel: ch.Name}, SendOptions{}); err != nil {
		return true, err
	}
	r.log.Info("room.join", "user_id", id.UserID, "channel", ch.Name, "conn_id", c.ID)
	return true, nil
}

// CloseSessions sends the terminal sessions event to every local connection
// matching targets and closes it. It returns the number of connections closed.
//
// Targets are recorded before the scan, so a connection that authenticated
// before the revocation but joins its user room after the scan is caught by
// Admit instead.
func (r *Router) CloseSessions(targets []svc.SessionTarget) int {
	at := time.Now()
	closed := 0
	for _, t := range targets {
		if t.OwnerID == "" {
			continue
		}
		r.revoked.Set(revocationKey(t.OwnerID, t.SessionID), at, ttlcache.DefaultTTL)
		for _, c := range r.rooms.Members(UserRoom(t.OwnerID)) {
			if t.SessionID != "" && c.Identity().SessionID != t.SessionID {
				continue
			}
			if c.State() == StateClosed {
				continue
			}
			r.logOut(c)
			closed++
		}
	}
	r.metrics.revoked(closed)
	if closed > 0 {
		r.log.Info("router.sessions.close", "targets", len(targets), "closed", closed)
	}
	return closed
}

// Admit puts an authenticated connection into its user room, making it
// reachable by CloseSessions, then checks whether its session was revoked
// after authStarted. A revoked connection gets the terminal sessions event,
// is closed and Admit reports false.
func (r *Router) Admit(c *Conn, authStarted time.Time) bool {
	id := c.Identity()
	r.rooms.Join(UserRoom(id.UserID), c)

	if !r.revokedSince(id, authStarted) {
		return true
	}
	r.logOut(c)
	r.metrics.revoked(1)
	r.log.Info("router.sessions.close_on_admit", "conn_id", c.ID, "user_id", id.UserID, "session_id", id.SessionID)
	return false
}

func (r *Router) revokedSince(id Identity, since time.Time) bool {
	if r.revoked.Has(revocationKey(id.UserID, id.SessionID)) {
		return true
	}
	item := r.revoked.Get(revocationKey(id.UserID, ""))
	return item != nil && !item.Value().Before(since)
}

func (r *Router) logOut(c *Conn) {
	p, _ := json.Marshal(v1.SessionsPayload{Reason: v1.ReasonLoggedOut, SessionID: c.Identity().SessionID})
	_ = c.enqueue(newEnvelope(v1.TypeSessions, p, time.Now().UTC()))
	c.Close(websocket.StatusPolicyViolation, revokedCloseReason)
}

// revocationKey names one session, or every session of owner when sessionID is empty.
func revocationKey(owner, sessionID string) string {
	if sessionID == "" {
		return "owner/" + owner
	}
	return "session/" + sessionID
}

// ApplyMutes replaces the mute lists on every local connection of cmd.UserID.
func (r *Router) ApplyMutes(cmd svc.MuteUsersCommand) int {
	if cmd.UserID == "" {
		return 0
	}
	n := 0
	for _, c := range r.rooms.Members(UserRoom(cmd.UserID)) {
		if c.setMutes(cmd.MutedUserIDs, cmd.MutedChannelIDs) {
			n++
		}
	}
	r.log.Debug("router.mutes.apply", "user_id", cmd.UserID, "conns", n)
	return n
}

// ApplyChannel reconciles local channel rooms with a changed channel record.
// Connections no longer allowed in leave the room; live connections of
// listed members that may join are added. A deleted channel empties its room.
func (r *Router) ApplyChannel(cmd svc.ChannelChangedCommand) (joined, left int) {
	ch := cmd.Channel
	if ch.Name == "" {
		return 0, 0
	}
	room := ChannelRoom(ch.Name)

	for _, c := range r.rooms.Members(room) {
		if cmd.Deleted || !directory.CanJoin(ch, c.Identity().UserID) {
			r.rooms.Leave(room, c.ID)
			left++
		}
	}
	if !cmd.Deleted {
		for _, userID := range ch.Members {
			if !directory.CanJoin(ch, userID) {
				continue
			}
			for _, c := range r.rooms.Members(UserRoom(userID)) {
				if c.State() != StateAuthenticated || r.rooms.Has(room, c.ID) {
					continue
				}
				r.rooms.Join(room, c)
				joined++
			}
		}
	}
	r.log.Debug("router.channel.apply", "channel", ch.Name, "deleted", cmd.Deleted, "joined", joined, "left", left)
	return joined, left
}

// SendToAll delivers an announcement from from to every admitted connection
// on every node and returns the message id.
func (r *Router) SendToAll(ctx context.Context, from, text string) (string, error) {
	text = strings.TrimSpace(text)
	switch n := utf8.RuneCountInString(text); {
	case from == "":
		return "", rpc.Errorf(rpc.CodeInvalidInput, "from is required")
	case n == 0:
		return "", rpc.Errorf(rpc.CodeInvalidInput, "empty text")
	case n > maxMessageChars:
		return "", rpc.Errorf(rpc.CodeInvalidInput, "message too long: max=%d chars", maxMessageChars)
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}
	out := v1.MessagePayload{ID: id, From: from, Text: text, SentAt: now}
	if _, err := r.SendToRoom(ctx, RoomGlobal, v1.TypeMessage, out, SendOptions{ID: id, SenderID: from}); err != nil {
		return "", err
	}
	r.log.Info("router.send_to_all", "from", from, "message_id", id)
	return id, nil
}
