package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Lease is a named, expiring single-writer claim. Background jobs that run on every
// replica take one so only a single replica does the work per interval.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// ValidateLease rejects empty names or owners and non-positive ttls.
func ValidateLease(name, owner string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(owner) == "" || ttl <= 0 {
		return fmt.Errorf("%w: lease name/owner must be non-empty and ttl must be > 0", ErrInvalidConfig)
	}
	return nil
}

type memLeases struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]Lease
}

// TryAcquireLease claims name for owner when it is free, expired, or already held by
// owner, extending it by ttl. It returns the lease as it stands afterwards.
func (s *MemoryStore) TryAcquireLease(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := ValidateLease(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}
	l := &s.leases
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.leases[name]
	if ok && cur.Owner != owner && now.Before(cur.ExpiresAt) {
		return cur, false, nil
	}
	next := Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
	l.leases[name] = next
	return next, true, nil
}

// ReleaseLease drops owner's claim. Releasing a lease held by someone else is a no-op.
func (s *MemoryStore) ReleaseLease(_ context.Context, name, owner string) error {
	l := &s.leases
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[name]; ok && cur.Owner == owner {
		delete(l.leases, name)
	}
	return nil
}
