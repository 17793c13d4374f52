package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"relay/cmd/directory"
	"relay/cmd/internal/auth/session"
	"relay/cmd/internal/realtime"
	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// Channels is the directory service as seen by the HTTP façade.
type Channels interface {
	GetChannelByName(ctx context.Context, name string) (svc.Channel, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]svc.User, error)
	CreateChannel(ctx context.Context, req svc.CreateChannelRequest) (svc.Channel, error)
	UpdateChannel(ctx context.Context, req svc.UpdateChannelRequest) (svc.Channel, error)
	AddChannelMembers(ctx context.Context, req svc.AddChannelMembersRequest) (svc.Channel, error)
	DeleteChannel(ctx context.Context, name string) (bool, error)
}

// Messaging is the messaging service as seen by the HTTP façade.
type Messaging interface {
	SendToAll(ctx context.Context, from, text string) (string, error)
}

var (
	_ Channels  = (*directory.Client)(nil)
	_ Messaging = (*realtime.Client)(nil)
)

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}
	device, ok := deviceLabel(w, r, req.Device)
	if !ok {
		return
	}

	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	// Registration shares the login throttle; a taken username counts as a
	// failed attempt.
	if blocked, retryAfter := h.throttle.blocked(ip); blocked {
		h.audit(r.Context(), "auth.register.rate_limited", ip, ua, slog.Duration("retry_after", retryAfter))
		writeRateLimited(w, retryAfter)
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	res, err := h.sessions.Register(ctx, username, req.Password, device)
	switch {
	case errors.Is(err, session.ErrUsernameTaken):
		h.throttle.fail(ip)
		h.audit(r.Context(), "auth.register.failed", ip, ua, slog.String("reason", "username_taken"))
		writeError(w, http.StatusConflict, "username_taken", "username is taken")
		return
	case err != nil:
		h.upstreamError(w, "auth.register.fail", err)
		return
	}

	h.audit(r.Context(), "auth.register.success", ip, ua,
		slog.String("user_id", res.User.ID), slog.String("session_id", res.Session.SessionID))

	h.setSessionCookie(w, res.Session.RefreshToken, res.Session.RefreshExpiresAt)
	writeJSON(w, http.StatusCreated, loginResponse{
		User:    toUserResponse(res.User),
		Session: toSessionResponse(res.Session),
	})
}

func (h *Handler) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	var req channelRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	ch, err := h.channels.CreateChannel(ctx, svc.CreateChannelRequest{
		Name:    req.Name,
		Owner:   renewed.Session.OwnerID,
		Public:  req.Public,
		Members: req.Members,
		Blocked: req.Blocked,
	})
	if err != nil {
		h.directoryError(w, "channels.create.fail", err)
		return
	}
	h.log.Info("channels.create", "channel", ch.Name, "user_id", renewed.Session.OwnerID)
	writeJSON(w, http.StatusCreated, toChannelResponse(ch))
}

func (h *Handler) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	renewed, ch, ok := h.manageableChannel(w, r)
	if !ok {
		return
	}
	var req channelUpdateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	updated, err := h.channels.UpdateChannel(ctx, svc.UpdateChannelRequest{
		Name:    ch.Name,
		Public:  req.Public,
		Members: req.Members,
		Blocked: req.Blocked,
	})
	if err != nil {
		h.directoryError(w, "channels.update.fail", err)
		return
	}
	h.log.Info("channels.update", "channel", ch.Name, "user_id", renewed.Session.OwnerID)
	writeJSON(w, http.StatusOK, toChannelResponse(updated))
}

func (h *Handler) handleAddChannelMembers(w http.ResponseWriter, r *http.Request) {
	renewed, ch, ok := h.manageableChannel(w, r)
	if !ok {
		return
	}
	var req addMembersRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.List == "" {
		req.List = svc.ListMembers
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	updated, err := h.channels.AddChannelMembers(ctx, svc.AddChannelMembersRequest{Name: ch.Name, List: req.List, UserIDs: req.UserIDs})
	if err != nil {
		h.directoryError(w, "channels.members.fail", err)
		return
	}
	h.log.Info("channels.members.add", "channel", ch.Name, "list", req.List, "user_id", renewed.Session.OwnerID)
	writeJSON(w, http.StatusOK, toChannelResponse(updated))
}

func (h *Handler) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	renewed, ch, ok := h.manageableChannel(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	deleted, err := h.channels.DeleteChannel(ctx, ch.Name)
	if err != nil {
		h.directoryError(w, "channels.delete.fail", err)
		return
	}
	h.log.Info("channels.delete", "channel", ch.Name, "user_id", renewed.Session.OwnerID)
	writeJSON(w, http.StatusOK, deleteChannelResponse{Deleted: deleted})
}

// handleChannelMembers lists the member profiles of a channel the caller may join.
func (h *Handler) handleChannelMembers(w http.ResponseWriter, r *http.Request) {
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	ch, err := h.channels.GetChannelByName(ctx, r.PathValue("name"))
	if err != nil {
		h.directoryError(w, "channels.members.fail", err)
		return
	}
	if !directory.CanJoin(ch, renewed.Session.OwnerID) && renewed.Role != directory.RoleAdmin {
		// Indistinguishable from a missing channel.
		writeError(w, http.StatusNotFound, "not_found", "channel not found")
		return
	}

	users, err := h.channels.GetUsersByIDs(ctx, ch.Members)
	if err != nil {
		h.directoryError(w, "channels.members.fail", err)
		return
	}
	out := membersResponse{Channel: ch.Name, Members: make([]userResponse, 0, len(users))}
	for _, u := range users {
		out.Members = append(out.Members, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSendToAll(w http.ResponseWriter, r *http.Request) {
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	if renewed.Role != directory.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	var req announceRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	id, err := h.messaging.SendToAll(ctx, renewed.Session.OwnerID, req.Text)
	if err != nil {
		h.upstreamError(w, "messages.all.fail", err)
		return
	}
	h.audit(r.Context(), "messages.all", clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()),
		slog.String("user_id", renewed.Session.OwnerID), slog.String("message_id", id))
	writeJSON(w, http.StatusAccepted, announceResponse{ID: id})
}

// manageableChannel authenticates the caller and loads the channel named in
// the path. Only its owner or an admin may manage it; anyone else gets a 404.
func (h *Handler) manageableChannel(w http.ResponseWriter, r *http.Request) (svc.RenewSessionResponse, svc.Channel, bool) {
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return svc.RenewSessionResponse{}, svc.Channel{}, false
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	ch, err := h.channels.GetChannelByName(ctx, r.PathValue("name"))
	if err != nil {
		h.directoryError(w, "channels.lookup.fail", err)
		return svc.RenewSessionResponse{}, svc.Channel{}, false
	}
	owner := ch.Owner != "" && ch.Owner == renewed.Session.OwnerID
	if !owner && renewed.Role != directory.RoleAdmin {
		if directory.CanJoin(ch, renewed.Session.OwnerID) {
			writeError(w, http.StatusForbidden, "forbidden", "only the owner may manage this channel")
		} else {
			writeError(w, http.StatusNotFound, "not_found", "channel not found")
		}
		return svc.RenewSessionResponse{}, svc.Channel{}, false
	}
	return renewed, ch, true
}

// directoryError maps directory failures onto HTTP statuses.
func (h *Handler) directoryError(w http.ResponseWriter, event string, err error) {
	var re *rpc.RemoteError
	switch {
	case errors.Is(err, directory.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "channel not found")
	case errors.Is(err, directory.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "channel already exists")
	case errors.Is(err, directory.ErrInvalidInput) && errors.As(err, &re):
		writeError(w, http.StatusBadRequest, "invalid_request", re.Message)
	case errors.Is(err, directory.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
	default:
		h.upstreamError(w, event, err)
	}
}
