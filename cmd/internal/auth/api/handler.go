package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"relay/cmd/internal/auth/session"
	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

const maxDeviceLabel = 128

// Sessions is the identity service as seen by the HTTP façade.
type Sessions interface {
	Login(ctx context.Context, username, password, deviceLabel string) (svc.LoginResponse, error)
	Renew(ctx context.Context, refreshToken, accessToken string, opts ...rpc.CallOption) (svc.RenewSessionResponse, error)
	RevokeSessions(ctx context.Context, ownerID string, sessionIDs ...string) (int, error)
	ListSessions(ctx context.Context, ownerID string) ([]svc.SessionInfo, error)
	Register(ctx context.Context, username, password, deviceLabel string) (svc.LoginResponse, error)
}

var _ Sessions = (*session.Client)(nil)

// Backends are the services behind the façade. Only Sessions is required;
// the channel and announcement routes are served when their backend is set.
type Backends struct {
	Sessions  Sessions
	Channels  Channels
	Messaging Messaging
}

// Handler serves the /auth endpoints on top of the identity service, plus the
// channel management and announcement endpoints.
type Handler struct {
	log       *slog.Logger
	cfg       Config
	sessions  Sessions
	channels  Channels
	messaging Messaging
	throttle  *loginThrottle
	metrics   *Metrics
}

// NewHandler constructs an auth Handler. Call Start before serving and Close on shutdown.
func NewHandler(log *slog.Logger, cfg Config, b Backends, metrics *Metrics) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if b.Sessions == nil {
		return nil, errors.New("auth: nil sessions client")
	}
	def := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.LoginIPWindow <= 0 {
		cfg.LoginIPWindow = def.LoginIPWindow
	}
	if cfg.CookieName == "" {
		cfg.CookieName = def.CookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = def.CookiePath
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	return &Handler{
		log:       log,
		cfg:       cfg,
		sessions:  b.Sessions,
		channels:  b.Channels,
		messaging: b.Messaging,
		throttle:  newLoginThrottle(cfg.LoginIPMax, cfg.LoginIPWindow),
		metrics:   metrics,
	}, nil
}

// Start runs background expiry of the login throttle.
func (h *Handler) Start() { h.throttle.start() }

// Close stops background work.
func (h *Handler) Close() { h.throttle.stop() }

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("/auth/sessions", h.handleSessions)
	if h.cfg.AllowRegistration {
		mux.HandleFunc("/auth/register", h.handleRegister)
	}
	if h.channels != nil {
		mux.HandleFunc("POST /channels", h.handleCreateChannel)
		mux.HandleFunc("PATCH /channels/{name}", h.handleUpdateChannel)
		mux.HandleFunc("DELETE /channels/{name}", h.handleDeleteChannel)
		mux.HandleFunc("GET /channels/{name}/members", h.handleChannelMembers)
		mux.HandleFunc("POST /channels/{name}/members", h.handleAddChannelMembers)
	}
	if h.messaging != nil {
		mux.HandleFunc("POST /messages/all", h.handleSendToAll)
	}
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
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

	if blocked, retryAfter := h.throttle.blocked(ip); blocked {
		h.audit(r.Context(), "auth.login.rate_limited", ip, ua, slog.Duration("retry_after", retryAfter))
		writeRateLimited(w, retryAfter)
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	res, err := h.sessions.Login(ctx, username, req.Password, device)
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		h.throttle.fail(ip)
		h.audit(r.Context(), "auth.login.failed", ip, ua, slog.String("reason", "invalid_credentials"))
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	case errors.Is(err, session.ErrAccountLocked):
		h.audit(r.Context(), "auth.login.failed", ip, ua, slog.String("reason", "account_locked"))
		writeError(w, http.StatusForbidden, "account_locked", "account locked")
		return
	case err != nil:
		h.upstreamError(w, "auth.login.fail", err)
		return
	}

	h.throttle.reset(ip)
	h.audit(r.Context(), "auth.login.success", ip, ua,
		slog.String("user_id", res.User.ID), slog.String("session_id", res.Session.SessionID))

	h.setSessionCookie(w, res.Session.RefreshToken, res.Session.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(res.User),
		Session: toSessionResponse(res.Session),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		SessionID:       renewed.Session.ID,
		AccessToken:     renewed.AccessToken,
		AccessExpiresAt: renewed.AccessExpiresAt,
		Reminted:        renewed.Reminted,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	owner, sid := renewed.Session.OwnerID, renewed.Session.ID
	n, err := h.sessions.RevokeSessions(ctx, owner, sid)
	if err != nil {
		h.upstreamError(w, "auth.logout.fail", err)
		return
	}

	h.audit(r.Context(), "auth.logout", clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()),
		slog.String("user_id", owner), slog.String("session_id", sid))
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, logoutResponse{Revoked: n})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	owner := renewed.Session.OwnerID
	n, err := h.sessions.RevokeSessions(ctx, owner)
	if err != nil {
		h.upstreamError(w, "auth.logout_all.fail", err)
		return
	}

	h.audit(r.Context(), "auth.logout_all", clientIP(r, h.cfg.TrustProxy), strings.TrimSpace(r.UserAgent()),
		slog.String("user_id", owner), slog.Int("revoked", n))
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, logoutResponse{Revoked: n})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	renewed, ok := h.requireSession(w, r)
	if !ok {
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	list, err := h.sessions.ListSessions(ctx, renewed.Session.OwnerID)
	if err != nil {
		h.upstreamError(w, "auth.sessions.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: toSessionInfos(list, renewed.Session.ID)})
}

// ---- helpers ----

// requireSession authenticates the request with the bearer access token and
// the refresh cookie. Both are required, as for WebSocket connections.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) (svc.RenewSessionResponse, bool) {
	access := bearerToken(r)
	refresh, _ := h.refreshTokenFromCookie(r)
	if access == "" || refresh == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return svc.RenewSessionResponse{}, false
	}

	ctx, cancel := h.callContext(r)
	defer cancel()

	renewed, err := h.sessions.Renew(ctx, refresh, access, rpc.WithTimeout(h.cfg.CallTimeout))
	switch {
	case err == nil:
		return renewed, true
	case session.IsAuthenticationFailure(err):
		h.clearSessionCookie(w)
		writeError(w, http.StatusUnauthorized, "unauthorized", "session not active")
	default:
		h.upstreamError(w, "auth.renew.fail", err)
	}
	return svc.RenewSessionResponse{}, false
}

// deviceLabel returns the requested label, falling back to the User-Agent.
// An over-long requested label is a 400.
func deviceLabel(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	device := strings.TrimSpace(requested)
	if utf8.RuneCountInString(device) > maxDeviceLabel {
		writeError(w, http.StatusBadRequest, "invalid_request", "device label is too long")
		return "", false
	}
	if device == "" {
		device = strings.TrimSpace(r.UserAgent())
		if utf8.RuneCountInString(device) > maxDeviceLabel {
			device = string([]rune(device)[:maxDeviceLabel])
		}
	}
	return device, true
}

func (h *Handler) callContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.cfg.CallTimeout)
}

// upstreamError reports a failure of the identity service without leaking it.
func (h *Handler) upstreamError(w http.ResponseWriter, event string, err error) {
	var re *rpc.RemoteError
	switch {
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		h.log.Warn(event, "err", err)
		writeError(w, http.StatusServiceUnavailable, "upstream_timeout", "please retry later")
	case errors.As(err, &re) && re.Code == rpc.CodeInvalidInput:
		msg := re.Message
		if msg == "" {
			msg = "invalid input"
		}
		writeError(w, http.StatusBadRequest, "invalid_request", msg)
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
