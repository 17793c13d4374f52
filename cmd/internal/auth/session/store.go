package session

import (
	"context"
	"time"

	svc "relay/shared/contracts/services/v1"
)

// Session is the persisted record of one logical login.
//
// The row is immutable once created; revocation deletes it.
type Session struct {
	ID                 string
	OwnerID            string
	DeviceLabel        string
	IssuedAt           time.Time
	ExpiresAt          time.Time
	RefreshFingerprint string
}

// Info returns the listable view of s without token material.
func (s Session) Info() svc.SessionInfo {
	return svc.SessionInfo{
		ID:          s.ID,
		OwnerID:     s.OwnerID,
		DeviceLabel: s.DeviceLabel,
		IssuedAt:    s.IssuedAt,
		ExpiresAt:   s.ExpiresAt,
	}
}

// Store abstracts persistence for session rows.
type Store interface {
	// Create inserts s. Returns ErrSessionExists on a duplicate ID.
	Create(ctx context.Context, s Session) error

	// Get loads a row by ID. Returns ErrSessionNotFound if absent or expired at now.
	Get(ctx context.Context, id string, now time.Time) (Session, error)

	// Delete removes the owner's row with the given ID and reports whether it existed.
	Delete(ctx context.Context, ownerID, id string) (bool, error)

	// DeleteByOwner removes all of the owner's rows and returns how many were removed.
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)

	// ListByOwner returns the owner's unexpired rows, newest first.
	ListByOwner(ctx context.Context, ownerID string, now time.Time) ([]Session, error)
}
