package session

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relay/cmd/internal/ids"
)

const (
	useAccess  = "access"
	useRefresh = "refresh"

	// maxTokenLen bounds inputs before any parsing work.
	maxTokenLen = 8192
)

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	UserID    string
	Role      string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
}

// RefreshClaims are the verified contents of a refresh token.
// SessionID is the token's jti and the key of its Session row.
type RefreshClaims struct {
	UserID      string
	SessionID   string
	DeviceLabel string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// TokenManager mints and verifies both token classes.
type TokenManager interface {
	IssueAccess(userID, role, sessionID string, now time.Time) (token string, exp time.Time, err error)
	IssueRefresh(userID, sessionID, deviceLabel string, now time.Time) (token string, exp time.Time, err error)
	VerifyAccess(token string, now time.Time) (AccessClaims, error)
	VerifyRefresh(token string, now time.Time) (RefreshClaims, error)
}

type accessJWT struct {
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	Use       string `json:"use"`
	jwt.RegisteredClaims
}

type refreshJWT struct {
	Device string `json:"device"`
	Use    string `json:"use"`
	jwt.RegisteredClaims
}

// JWTManager implements TokenManager with RS256 JWTs.
type JWTManager struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	skew       time.Duration

	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

var _ TokenManager = (*JWTManager)(nil)

// NewJWTManager builds a manager from a validated Config.
// A config without a private key yields a verify-only manager.
func NewJWTManager(cfg Config) (*JWTManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &JWTManager{
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		skew:       cfg.ClockSkew,
		priv:       cfg.PrivateKey,
		pub:        cfg.PublicKey,
	}, nil
}

// IssueAccess signs a short-lived access token.
func (m *JWTManager) IssueAccess(userID, role, sessionID string, now time.Time) (string, time.Time, error) {
	if m.priv == nil {
		return "", time.Time{}, ErrNoSigningKey
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, ErrInvalidInput
	}

	now = now.UTC()
	exp := now.Add(m.accessTTL)
	jti, err := ids.NewULID(now)
	if err != nil {
		return "", time.Time{}, err
	}
	claims := accessJWT{
		Role:      role,
		SessionID: sessionID,
		Use:       useAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.priv)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return tok, exp, nil
}

// IssueRefresh signs a refresh token whose jti is sessionID.
func (m *JWTManager) IssueRefresh(userID, sessionID, deviceLabel string, now time.Time) (string, time.Time, error) {
	if m.priv == nil {
		return "", time.Time{}, ErrNoSigningKey
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return "", time.Time{}, ErrInvalidInput
	}

	now = now.UTC()
	exp := now.Add(m.refreshTTL)
	claims := refreshJWT{
		Device: deviceLabel,
		Use:    useRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        sessionID,
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.priv)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return tok, exp, nil
}

// VerifyAccess checks signature, algorithm, issuer, expiry and token use.
func (m *JWTManager) VerifyAccess(token string, now time.Time) (AccessClaims, error) {
	var c accessJWT
	if err := m.parse(token, &c, now); err != nil {
		return AccessClaims{}, err
	}
	if c.Use != useAccess || c.Subject == "" || c.SessionID == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	return AccessClaims{
		UserID:    c.Subject,
		Role:      c.Role,
		SessionID: c.SessionID,
		IssuedAt:  numericTime(c.IssuedAt),
		ExpiresAt: numericTime(c.ExpiresAt),
		TokenID:   c.ID,
	}, nil
}

// VerifyRefresh checks signature, algorithm, issuer, expiry and token use.
func (m *JWTManager) VerifyRefresh(token string, now time.Time) (RefreshClaims, error) {
	var c refreshJWT
	if err := m.parse(token, &c, now); err != nil {
		return RefreshClaims{}, err
	}
	if c.Use != useRefresh || c.Subject == "" || c.ID == "" {
		return RefreshClaims{}, ErrInvalidToken
	}
	return RefreshClaims{
		UserID:      c.Subject,
		SessionID:   c.ID,
		DeviceLabel: c.Device,
		IssuedAt:    numericTime(c.IssuedAt),
		ExpiresAt:   numericTime(c.ExpiresAt),
	}, nil
}

func (m *JWTManager) parse(token string, claims jwt.Claims, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenLen {
		return ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithLeeway(m.skew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.pub, nil
	})
	return mapJWTError(err)
}

func mapJWTError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenMalformed):
		return ErrInvalidSignature
	default:
		return ErrInvalidToken
	}
}

func numericTime(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time.UTC()
}
