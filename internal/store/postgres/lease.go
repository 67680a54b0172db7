package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clawgic/arena/internal/store"
	"github.com/jackc/pgx/v5"
)

// TryAcquireLease claims name for owner when it is free, expired, or already held by
// owner. Expiry is judged by the database clock so replicas with skewed clocks agree.
func (s *Store) TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (store.Lease, bool, error) {
	if err := store.ValidateLease(name, owner, ttl); err != nil {
		return store.Lease{}, false, err
	}

	var l store.Lease
	err := s.pool.QueryRow(ctx, `
		INSERT INTO arena_leases (name, owner, expires_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE arena_leases.expires_at <= now() OR arena_leases.owner = EXCLUDED.owner
		RETURNING name, owner, expires_at
	`, name, owner, ttl.Milliseconds()).Scan(&l.Name, &l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Held by another owner.
		err = s.pool.QueryRow(ctx, `
			SELECT name, owner, expires_at FROM arena_leases WHERE name = $1
		`, name).Scan(&l.Name, &l.Owner, &l.ExpiresAt)
		if err != nil {
			return store.Lease{}, false, fmt.Errorf("store/postgres: read lease: %w", err)
		}
		return l, false, nil
	}
	if err != nil {
		return store.Lease{}, false, fmt.Errorf("store/postgres: acquire lease: %w", err)
	}
	return l, true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM arena_leases WHERE name = $1 AND owner = $2`, name, owner); err != nil {
		return fmt.Errorf("store/postgres: release lease: %w", err)
	}
	return nil
}
