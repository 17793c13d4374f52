package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (relay.sessions).
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed session store.
// The schema is created by Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, row Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay.sessions (
			id, owner_id, device_label, refresh_fingerprint, issued_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, row.ID, row.OwnerID, row.DeviceLabel, row.RefreshFingerprint, row.IssuedAt.UTC(), row.ExpiresAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrSessionExists
	}
	return err
}

// Get loads a session row by ID.
func (s *PostgresStore) Get(ctx context.Context, id string, now time.Time) (Session, error) {
	var row Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, device_label, refresh_fingerprint, issued_at, expires_at
		FROM relay.sessions
		WHERE id = $1 AND expires_at > $2
	`, id, now.UTC()).Scan(
		&row.ID,
		&row.OwnerID,
		&row.DeviceLabel,
		&row.RefreshFingerprint,
		&row.IssuedAt,
		&row.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return row, nil
}

// Delete removes a single session owned by ownerID.
func (s *PostgresStore) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM relay.sessions WHERE id = $1 AND owner_id = $2
	`, id, ownerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByOwner removes every session owned by ownerID.
func (s *PostgresStore) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM relay.sessions WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListByOwner returns unexpired sessions, newest first.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, now time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, device_label, refresh_fingerprint, issued_at, expires_at
		FROM relay.sessions
		WHERE owner_id = $1 AND expires_at > $2
		ORDER BY issued_at DESC, id DESC
	`, ownerID, now.UTC())
	if err != nil {
		return nil, err
	}

	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Session, error) {
		var row Session
		err := r.Scan(&row.ID, &row.OwnerID, &row.DeviceLabel, &row.RefreshFingerprint, &row.IssuedAt, &row.ExpiresAt)
		return row, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
