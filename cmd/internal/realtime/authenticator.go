package realtime

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"relay/cmd/internal/rpc"
	svc "relay/shared/contracts/services/v1"
)

// DefaultAuthTimeout bounds the whole authentication round trip.
const DefaultAuthTimeout = 5 * time.Second

// Credentials are what a client presents on connect.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// SessionRenewer is the Session Authority as seen by messaging nodes.
type SessionRenewer interface {
	Renew(ctx context.Context, refreshToken, accessToken string, opts ...rpc.CallOption) (svc.RenewSessionResponse, error)
}

// UserDirectory is the directory as seen by messaging nodes.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (svc.User, error)
	GetChannelsContaining(ctx context.Context, userID string) ([]svc.Channel, error)
	GetChannelByName(ctx context.Context, name string) (svc.Channel, error)
}

// Admission is a successful authentication.
type Admission struct {
	Identity Identity
	// AccessToken is set only when renewal minted a new token.
	AccessToken     string
	AccessExpiresAt time.Time
}

// Authenticator turns connect credentials into an Identity.
type Authenticator struct {
	sessions SessionRenewer
	dir      UserDirectory
	timeout  time.Duration
	log      *slog.Logger
	metrics  *Metrics
}

// NewAuthenticator constructs an Authenticator. timeout <= 0 selects DefaultAuthTimeout.
func NewAuthenticator(sessions SessionRenewer, dir UserDirectory, timeout time.Duration, log *slog.Logger, metrics *Metrics) *Authenticator {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{sessions: sessions, dir: dir, timeout: timeout, log: log, metrics: metrics}
}

// Authenticate renews the session and loads the owner. Every failure,
// including a timeout, is an *AuthError.
func (a *Authenticator) Authenticate(ctx context.Context, cr Credentials) (Admission, error) {
	access := strings.TrimSpace(cr.AccessToken)
	refresh := strings.TrimSpace(cr.RefreshToken)
	if access == "" || refresh == "" {
		return Admission{}, a.fail(ErrMissingCredentials)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	renewed, err := a.sessions.Renew(ctx, refresh, access, rpc.WithTimeout(a.timeout))
	if err != nil {
		return Admission{}, a.fail(err)
	}

	u, err := a.dir.GetUser(ctx, renewed.Session.OwnerID)
	if err != nil {
		return Admission{}, a.fail(err)
	}
	switch {
	case u.Locked:
		return Admission{}, a.failReason(ReasonAccountLocked, nil)
	case !u.Verified:
		return Admission{}, a.failReason(ReasonNotVerified, nil)
	}

	adm := Admission{
		Identity: Identity{
			UserID:          u.ID,
			Role:            renewed.Role,
			SessionID:       renewed.Session.ID,
			MutedUserIDs:    u.MutedUserIDs,
			MutedChannelIDs: u.MutedChannelIDs,
			Verified:        u.Verified,
			Locked:          u.Locked,
		},
	}
	if renewed.Reminted {
		adm.AccessToken = renewed.AccessToken
		adm.AccessExpiresAt = renewed.AccessExpiresAt
	}
	return adm, nil
}

func (a *Authenticator) fail(err error) error {
	return a.failReason(authReason(err), err)
}

func (a *Authenticator) failReason(reason string, err error) error {
	a.metrics.authFailed(reason)
	a.log.Info("ws.auth.fail", "reason", reason, "err", err)
	return &AuthError{Reason: reason, Err: err}
}
