package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"relay/cmd/directory"
	"relay/cmd/internal/ids"
	"relay/cmd/internal/rpc"
	"relay/cmd/security/token"
	svc "relay/shared/contracts/services/v1"
)

const maxDeviceLabelLen = 128

// Directory is the subset of the directory service the Session Authority uses.
type Directory interface {
	GetUser(ctx context.Context, id string) (svc.User, error)
	VerifyCredentials(ctx context.Context, username, password string) (svc.User, error)
	CreateUser(ctx context.Context, req svc.CreateUserRequest) (svc.User, error)
}

// RevocationNotifier forces live connections of revoked sessions to close.
type RevocationNotifier interface {
	NotifyRevoked(ctx context.Context, targets []svc.SessionTarget) error
}

// Service implements the Session Authority operations.
//
// It issues sessions (access + refresh), renews access tokens against the
// authoritative session row, and revokes sessions with forced disconnect.
type Service struct {
	cfg      Config
	store    Store
	tokens   TokenManager
	dir      Directory
	notifier RevocationNotifier
	log      *slog.Logger
}

// Issued is the result of issuing a session.
type Issued struct {
	SessionID    string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

// Contract returns the wire form of i.
func (i Issued) Contract() svc.IssuedSession {
	return svc.IssuedSession{
		SessionID:        i.SessionID,
		AccessToken:      i.AccessToken,
		AccessExpiresAt:  i.AccessExp,
		RefreshToken:     i.RefreshToken,
		RefreshExpiresAt: i.RefreshExp,
	}
}

// Renewed is the result of Renew.
type Renewed struct {
	Session     svc.SessionInfo
	AccessToken string
	AccessExp   time.Time
	Role        string
	// Reminted is true when AccessToken was minted by this call.
	Reminted bool
}

// NewService wires a Service. dir and notifier may be nil in verify-only tests;
// operations that need them then fail.
func NewService(cfg Config, store Store, tokens TokenManager, dir Directory, notifier RevocationNotifier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, store: store, tokens: tokens, dir: dir, notifier: notifier, log: log}
}

// IssueSession creates exactly one session row and returns its token pair.
func (s *Service) IssueSession(ctx context.Context, now time.Time, ownerID, role, deviceLabel string) (Issued, error) {
	ownerID = strings.TrimSpace(ownerID)
	deviceLabel = strings.TrimSpace(deviceLabel)
	if ownerID == "" || !validDeviceLabel(deviceLabel) {
		return Issued{}, ErrInvalidInput
	}

	now = now.UTC()
	sessionID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	refresh, refreshExp, err := s.tokens.IssueRefresh(ownerID, sessionID, deviceLabel, now)
	if err != nil {
		return Issued{}, err
	}
	access, accessExp, err := s.tokens.IssueAccess(ownerID, role, sessionID, now)
	if err != nil {
		return Issued{}, err
	}

	if err := s.store.Create(ctx, Session{
		ID:                 sessionID,
		OwnerID:            ownerID,
		DeviceLabel:        deviceLabel,
		IssuedAt:           now,
		ExpiresAt:          refreshExp,
		RefreshFingerprint: token.Fingerprint(refresh),
	}); err != nil {
		return Issued{}, fmt.Errorf("create session: %w", err)
	}

	s.log.Info("session.issue", "user_id", ownerID, "session_id", sessionID, "device", deviceLabel)

	return Issued{
		SessionID:    sessionID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
	}, nil
}

// VerifyRefresh validates a refresh token's signature, issuer and expiry.
// It does not consult the store; Renew does.
func (s *Service) VerifyRefresh(now time.Time, refreshToken string) (RefreshClaims, error) {
	return s.tokens.VerifyRefresh(refreshToken, now)
}

// Renew re-validates a session and returns a usable access token.
//
// The session row is authoritative: when it is absent the call fails with
// ErrSessionRevoked even if the refresh token itself is still valid.
func (s *Service) Renew(ctx context.Context, now time.Time, refreshToken, accessToken string) (Renewed, error) {
	now = now.UTC()

	rc, err := s.tokens.VerifyRefresh(refreshToken, now)
	if err != nil {
		return Renewed{}, err
	}

	row, err := s.store.Get(ctx, rc.SessionID, now)
	if errors.Is(err, ErrSessionNotFound) {
		return Renewed{}, ErrSessionRevoked
	}
	if err != nil {
		return Renewed{}, fmt.Errorf("load session: %w", err)
	}
	if row.OwnerID != rc.UserID || !token.Matches(row.RefreshFingerprint, refreshToken) {
		return Renewed{}, ErrSessionRevoked
	}

	out := Renewed{Session: row.Info()}

	if !s.cfg.AlwaysRemint && strings.TrimSpace(accessToken) != "" {
		ac, err := s.tokens.VerifyAccess(accessToken, now)
		if err == nil && ac.SessionID == row.ID && ac.UserID == row.OwnerID {
			out.AccessToken = accessToken
			out.AccessExp = ac.ExpiresAt
			out.Role = ac.Role
			return out, nil
		}
	}

	if s.dir == nil {
		return Renewed{}, errors.New("session: no directory configured")
	}
	user, err := s.dir.GetUser(ctx, row.OwnerID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Renewed{}, ErrSessionRevoked
		}
		return Renewed{}, fmt.Errorf("load role: %w", err)
	}

	minted, exp, err := s.tokens.IssueAccess(row.OwnerID, user.Role, row.ID, now)
	if err != nil {
		return Renewed{}, err
	}
	out.AccessToken = minted
	out.AccessExp = exp
	out.Role = user.Role
	out.Reminted = true

	s.log.Debug("session.renew.remint", "user_id", row.OwnerID, "session_id", row.ID)
	return out, nil
}

// RevokeSessions deletes the owner's sessions (all of them when sessionIDs is
// empty) and forces the matching live connections to close.
//
// Deletion is never rolled back. If the disconnect command cannot be
// published, the revoked count is still returned together with an error
// wrapping ErrRevocationNotDelivered.
func (s *Service) RevokeSessions(ctx context.Context, ownerID string, sessionIDs ...string) (int, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return 0, ErrInvalidInput
	}

	var (
		revoked int
		targets []svc.SessionTarget
	)
	if len(sessionIDs) == 0 {
		n, err := s.store.DeleteByOwner(ctx, ownerID)
		if err != nil {
			return 0, fmt.Errorf("delete sessions: %w", err)
		}
		revoked = n
		targets = []svc.SessionTarget{{OwnerID: ownerID}}
	} else {
		seen := make(map[string]struct{}, len(sessionIDs))
		for _, id := range sessionIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				return revoked, ErrInvalidInput
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			ok, err := s.store.Delete(ctx, ownerID, id)
			if err != nil {
				return revoked, fmt.Errorf("delete session: %w", err)
			}
			if ok {
				revoked++
			}
			// Close live sockets even when the row is already gone.
			targets = append(targets, svc.SessionTarget{OwnerID: ownerID, SessionID: id})
		}
	}

	s.log.Info("session.revoke", "user_id", ownerID, "requested", len(sessionIDs), "revoked", revoked)

	if s.notifier == nil {
		return revoked, nil
	}
	if err := s.notifier.NotifyRevoked(ctx, targets); err != nil {
		s.log.Error("session.revoke.notify_failed", "user_id", ownerID, "err", err)
		return revoked, fmt.Errorf("%w: %v", ErrRevocationNotDelivered, err)
	}
	return revoked, nil
}

// ListSessions returns the owner's active sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, now time.Time, ownerID string) ([]svc.SessionInfo, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	rows, err := s.store.ListByOwner(ctx, ownerID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]svc.SessionInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Info())
	}
	return out, nil
}

// Login verifies credentials against the directory and issues a session.
func (s *Service) Login(ctx context.Context, now time.Time, username, password, deviceLabel string) (svc.User, Issued, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return svc.User{}, Issued{}, ErrInvalidCredentials
	}
	if s.dir == nil {
		return svc.User{}, Issued{}, errors.New("session: no directory configured")
	}

	user, err := s.dir.VerifyCredentials(ctx, username, password)
	switch {
	case errors.Is(err, directory.ErrInvalidCredentials), errors.Is(err, directory.ErrNotFound):
		return svc.User{}, Issued{}, ErrInvalidCredentials
	case err != nil:
		return svc.User{}, Issued{}, fmt.Errorf("verify credentials: %w", err)
	}
	if user.Locked {
		s.log.Warn("session.login.locked", "user_id", user.ID)
		return svc.User{}, Issued{}, ErrAccountLocked
	}

	issued, err := s.IssueSession(ctx, now, user.ID, user.Role, deviceLabel)
	if err != nil {
		return svc.User{}, Issued{}, err
	}
	return user, issued, nil
}

// Register creates a verified member account and issues its first session.
func (s *Service) Register(ctx context.Context, now time.Time, username, password, deviceLabel string) (svc.User, Issued, error) {
	if strings.TrimSpace(username) == "" || password == "" || !validDeviceLabel(strings.TrimSpace(deviceLabel)) {
		return svc.User{}, Issued{}, ErrInvalidInput
	}
	if s.dir == nil {
		return svc.User{}, Issued{}, errors.New("session: no directory configured")
	}

	user, err := s.dir.CreateUser(ctx, svc.CreateUserRequest{
		Username: username,
		Password: password,
		Role:     directory.RoleMember,
		Verified: true,
	})
	switch {
	case errors.Is(err, directory.ErrConflict):
		return svc.User{}, Issued{}, ErrUsernameTaken
	case errors.Is(err, directory.ErrInvalidInput):
		return svc.User{}, Issued{}, fmt.Errorf("%w: %s", ErrInvalidInput, rejectReason(err))
	case err != nil:
		return svc.User{}, Issued{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("session.register", "user_id", user.ID)

	issued, err := s.IssueSession(ctx, now, user.ID, user.Role, deviceLabel)
	if err != nil {
		return svc.User{}, Issued{}, err
	}
	return user, issued, nil
}

func validDeviceLabel(label string) bool {
	return utf8.RuneCountInString(label) <= maxDeviceLabelLen
}

// rejectReason extracts the directory's explanation of a rejected input.
func rejectReason(err error) string {
	var oe directory.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	var re *rpc.RemoteError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	return "rejected"
}
