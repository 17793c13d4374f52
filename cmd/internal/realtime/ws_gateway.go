package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"relay/cmd/directory"
	"relay/cmd/internal/ids"
	v1 "relay/shared/contracts/realtime/v1"
)

const (
	wsCloseGrace      = time.Second
	wsMaxPingFailures = 3
)

// WSGateway is the WebSocket entrypoint of a messaging node.
//
// Credentials are checked before the upgrade, so an unauthenticated client
// never gets a socket. After admission it enforces rate limits and
// heartbeats and routes validated envelopes to the Router.
type WSGateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	auth    *Authenticator
	router  *Router
	dir     UserDirectory
	metrics *Metrics
	origins originPolicy
}

// NewWSGateway constructs a gateway.
func NewWSGateway(cfg GatewayConfig, auth *Authenticator, router *Router, dir UserDirectory, log *slog.Logger, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:     log,
		cfg:     cfg,
		auth:    auth,
		router:  router,
		dir:     dir,
		metrics: metrics,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
}

// ServeHTTP makes the gateway mountable as an http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs the realtime loop for one connection.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	connID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	client := NewConn(connID, g.cfg.SendQueueSize)
	client.transition(StateConnecting, StateAuthenticating)

	authStarted := time.Now()
	adm, err := g.auth.Authenticate(r.Context(), g.credentials(r))
	if err != nil {
		client.Close(websocket.StatusPolicyViolation, "unauthorized")
		g.log.Info("ws.reject.auth", "conn_id", connID, "remote", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		client.Close(websocket.StatusInternalError, "accept failed")
		g.log.Error("ws.accept.fail", "conn_id", connID, "err", err)
		return
	}
	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		client.Close(websocket.StatusProtocolError, "subprotocol required")
		g.log.Info("ws.reject.subprotocol", "conn_id", connID, "got", sp)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	if !client.admit(adm.Identity) {
		_ = ws.Close(websocket.StatusPolicyViolation, "not admitted")
		return
	}
	g.metrics.connAdmitted()

	ctx, cancel := context.WithCancel(r.Context())
	s := &wsSession{g: g, ws: ws, client: client, identity: adm.Identity, cancel: cancel}
	defer s.shutdown(websocket.StatusNormalClosure, "bye")

	// Reachable by revocation from here on; a revocation that raced the
	// renewal is caught by Admit itself.
	if !g.router.Admit(client, authStarted) {
		g.log.Info("ws.reject.revoked", "conn_id", connID, "user_id", adm.Identity.UserID, "session_id", adm.Identity.SessionID)
		s.drain(ctx)
		return
	}

	if err := s.subscribe(ctx, adm.AccessToken); err != nil {
		g.log.Warn("ws.channels.fail", "conn_id", connID, "user_id", adm.Identity.UserID, "err", err)
		s.shutdown(websocket.StatusTryAgainLater, "directory unavailable")
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop(ctx)
	}()

	s.readLoop(ctx)

	// Let the writer flush anything queued by the reader before closing.
	client.Close(websocket.StatusNormalClosure, "bye")
	wg.Wait()
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// wsSession is one admitted connection.
type wsSession struct {
	g        *WSGateway
	ws       *websocket.Conn
	client   *Conn
	identity Identity
	cancel   context.CancelFunc
	once     sync.Once
}

// shutdown is idempotent and leaves client.Send open. The first status
// recorded through client.Close wins, so a revocation keeps its
// policy-violation close even if the read loop ends first.
func (s *wsSession) shutdown(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.g.router.Rooms().Remove(s.client.ID)
		s.client.Close(code, reason)
		code, reason = s.client.CloseStatus()
		_ = s.ws.Close(code, reason)
		s.cancel()
		s.g.metrics.connReleased()
		s.g.log.Info("ws.close", "conn_id", s.client.ID, "user_id", s.identity.UserID, "code", code, "reason", reason)
	})
}

// subscribe joins the global room and every channel the user may join, then
// queues the ready event. The user room was joined by Router.Admit.
func (s *wsSession) subscribe(ctx context.Context, remintedToken string) error {
	channels, err := s.g.dir.GetChannelsContaining(ctx, s.identity.UserID)
	if err != nil {
		return err
	}

	rooms := s.g.router.Rooms()
	rooms.Join(RoomGlobal, s.client)
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		if !directory.CanJoin(ch, s.identity.UserID) {
			continue
		}
		rooms.Join(ChannelRoom(ch.Name), s.client)
		names = append(names, ch.Name)
	}

	s.client.enqueue(newEnvelope(v1.TypeReady, mustPayload(v1.ReadyPayload{
		UserID:      s.identity.UserID,
		SessionID:   s.identity.SessionID,
		Channels:    names,
		AccessToken: remintedToken,
	}), time.Now().UTC()))

	s.g.log.Info("ws.admit", "conn_id", s.client.ID, "user_id", s.identity.UserID,
		"session_id", s.identity.SessionID, "channels", len(names))
	return nil
}

func (s *wsSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			// Queued events (the terminal sessions event in particular) go
			// out before the close frame.
			s.drain(ctx)
			s.shutdown(s.client.CloseStatus())
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(ctx, s.ws, env, s.g.cfg.WriteTimeout); err != nil {
				s.g.log.Info("ws.write.fail", "conn_id", s.client.ID, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) drain(ctx context.Context) {
	for {
		select {
		case env := <-s.client.Send:
			if writeEnvelope(ctx, s.ws, env, s.g.cfg.WriteTimeout) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSession) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(s.g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.g.cfg.HeartbeatTimeout)
		err := s.ws.Ping(pingCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		s.g.log.Info("ws.ping.fail", "conn_id", s.client.ID, "failures", failures, "err", err)
		if failures >= wsMaxPingFailures {
			s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (s *wsSession) readLoop(ctx context.Context) {
	rl := NewRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)

	for {
		env, err := readEnvelope(ctx, s.ws, s.g.cfg.ReadIdleTimeout)
		switch {
		case errors.Is(err, errBadJSON):
			s.sendError("bad_json", "invalid JSON")
			continue
		case err != nil:
			code, reason := readFailure(err)
			if code == websocket.StatusAbnormalClosure && reason == "read failed" {
				s.g.log.Info("ws.read.fail", "conn_id", s.client.ID, "err", err)
			}
			s.shutdown(code, reason)
			return
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			// Closed through the writer so the error event is flushed first.
			s.sendError("rate_limited", "too many events")
			s.client.Close(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.ValidateInbound(); err != nil {
			s.sendError("bad_envelope", err.Error())
			continue
		}

		var ie *inputError
		switch err := s.dispatch(ctx, env, now); {
		case err == nil:
		case errors.As(err, &ie):
			s.sendError(ie.code, ie.msg)
		default:
			s.g.log.Warn("ws.event.fail", "conn_id", s.client.ID, "type", env.Type, "err", err)
		}
	}
}

func (s *wsSession) dispatch(ctx context.Context, env v1.Envelope, now time.Time) error {
	switch env.Type {
	case v1.TypeMessage:
		return s.onMessage(ctx, env, now)
	case v1.TypeJoinChannel:
		return s.onJoinChannel(ctx, env)
	default:
		return badInput("unsupported", "unsupported type: "+env.Type)
	}
}

func (s *wsSession) sendError(code, msg string) {
	_ = s.client.enqueue(newEnvelope(v1.TypeError,
		mustPayload(v1.ErrorPayload{Code: code, Message: msg}), time.Now().UTC()))
}

// inputError is malformed client input; it is the only failure reported back
// to the client.
type inputError struct {
	code string
	msg  string
}

func (e *inputError) Error() string { return e.code + ": " + e.msg }

func badInput(code, msg string) error { return &inputError{code: code, msg: msg} }

func (s *wsSession) onMessage(ctx context.Context, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return badInput("bad_payload", "invalid message payload")
	}

	text := strings.TrimSpace(p.Text)
	switch n := len([]rune(text)); {
	case n == 0:
		return badInput("bad_payload", "empty text")
	case n > maxMessageChars:
		return badInput("bad_payload", fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
	}

	channel := directory.NormalizeChannelName(p.Channel)
	to := strings.TrimSpace(p.To)
	if (channel == "") == (to == "") {
		return badInput("bad_payload", "exactly one of channel or to is required")
	}

	from := s.identity.UserID
	msgID, err := ids.NewULID(now)
	if err != nil {
		return err
	}
	out := v1.MessagePayload{
		ID:          msgID,
		Channel:     channel,
		From:        from,
		To:          to,
		Text:        text,
		ClientMsgID: p.ClientMsgID,
		SentAt:      now,
	}

	if channel != "" {
		room := ChannelRoom(channel)
		if !s.g.router.Rooms().Has(room, s.client.ID) {
			s.g.log.Debug("ws.message.deny", "conn_id", s.client.ID, "user_id", from, "channel", channel)
			return nil
		}
		_, err = s.g.router.SendToRoom(ctx, room, v1.TypeMessage, out, SendOptions{
			ID:        msgID,
			SenderID:  from,
			ChannelID: channel,
		})
		return err
	}

	// Both user rooms in one delivery: every device of both parties gets
	// exactly one copy, including the sender's other devices.
	_, err = s.g.router.SendToRoom(ctx, UserRoom(to), v1.TypeMessage, out, SendOptions{
		ID:        msgID,
		SenderID:  from,
		AlsoRooms: []string{UserRoom(from)},
	})
	return err
}

func (s *wsSession) onJoinChannel(ctx context.Context, env v1.Envelope) error {
	var p v1.JoinChannelPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return badInput("bad_payload", "invalid joinChannel payload")
	}
	if strings.TrimSpace(p.Channel) == "" {
		return badInput("bad_payload", "missing channel")
	}
	_, err := s.g.router.JoinChannel(ctx, s.client, p.Channel)
	return err
}

func (g *WSGateway) credentials(r *http.Request) Credentials {
	cr := Credentials{AccessToken: bearerToken(r.Header.Get("Authorization"))}
	if cr.AccessToken == "" && g.cfg.AllowQueryToken {
		cr.AccessToken = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if ck, err := r.Cookie(g.cfg.CookieName); err == nil {
		cr.RefreshToken = strings.TrimSpace(ck.Value)
	}
	return cr
}

func bearerToken(h string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
