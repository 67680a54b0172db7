package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ Store = (*MemoryStore)(nil)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testWallet = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func pending(t *testing.T, requestNonce, idemKey string) payment.Authorization {
	t.Helper()
	a, err := payment.NewPending(payment.PendingInput{
		ID:             uuid.New(),
		TournamentID:   uuid.New(),
		AgentID:        uuid.New(),
		Wallet:         testWallet,
		RequestNonce:   requestNonce,
		IdempotencyKey: idemKey,
		NonceTTL:       5 * time.Minute,
	}, testNow)
	if err != nil {
		t.Fatalf("NewPending: %v", err)
	}
	return a
}

func reserve(s *MemoryStore, a payment.Authorization) error {
	return s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.ReserveAuthorization(ctx, a)
	})
}

func TestMemoryStore_ReplayGuard(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if err := reserve(s, pending(t, "n1", "k1")); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := reserve(s, pending(t, "n1", "k2")); !errors.Is(err, payment.ErrReplay) {
		t.Fatalf("same request nonce: got %v want ErrReplay", err)
	}
	if err := reserve(s, pending(t, "n2", "k1")); !errors.Is(err, payment.ErrReplay) {
		t.Fatalf("same idempotency key: got %v want ErrReplay", err)
	}

	other := pending(t, "n1", "k1")
	other.WalletAddress = common.HexToAddress("0x2222222222222222222222222222222222222222")
	if err := reserve(s, other); err != nil {
		t.Fatalf("other wallet: %v", err)
	}
}

func TestMemoryStore_ReplayRejectedRowsDoNotOccupyPairs(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	first := pending(t, "n1", "k1")
	if err := reserve(s, first); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for i := 0; i < 2; i++ {
		audit := payment.NewReplayRejected(uuid.New(), first, "replay", testNow)
		if err := reserve(s, audit); err != nil {
			t.Fatalf("audit row %d: %v", i, err)
		}
	}
	got, err := s.ListAuthorizations(context.Background(), first.TournamentID)
	if err != nil {
		t.Fatalf("ListAuthorizations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("rows: got %d want 3", len(got))
	}
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	a := pending(t, "n1", "k1")
	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.ReserveAuthorization(ctx, a); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx: got %v want boom", err)
	}
	if err := reserve(s, pending(t, "n1", "k1")); err != nil {
		t.Fatalf("rolled back reservation still held: %v", err)
	}
}

func TestMemoryStore_EntryUniqueness(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	tr := tournament.Tournament{
		ID:           uuid.New(),
		Status:       tournament.StatusScheduled,
		MaxEntries:   4,
		BaseEntryFee: decimal.NewFromInt(5),
	}
	if err := s.CreateTournament(context.Background(), tr); err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	agentID := uuid.New()
	insert := func() error {
		return s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
			return tx.InsertEntry(ctx, tournament.NewConfirmedEntry(uuid.New(), tr.ID, agentID, testWallet, 1000, testNow))
		})
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert(); !errors.Is(err, tournament.ErrAlreadyEntered) {
		t.Fatalf("second insert: got %v want ErrAlreadyEntered", err)
	}
	counts, err := s.CountConfirmedEntries(context.Background(), []uuid.UUID{tr.ID})
	if err != nil {
		t.Fatalf("CountConfirmedEntries: %v", err)
	}
	if counts[tr.ID] != 1 {
		t.Fatalf("count: got %d want 1", counts[tr.ID])
	}
}

func TestMemoryStore_ListExpiredPending(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	stale := pending(t, "n1", "k1")
	fresh := pending(t, "n2", "k2")
	fresh.ChallengeExpiresAt = nil
	for _, a := range []payment.Authorization{stale, fresh} {
		if err := reserve(s, a); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}

	got, err := s.ListExpiredPending(context.Background(), testNow.Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListExpiredPending: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("got %d rows want only the stale one", len(got))
	}
	if _, err := s.ListExpiredPending(context.Background(), testNow, 0); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero limit: got %v want ErrInvalidConfig", err)
	}
}

func TestMemoryStore_Lease(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.leases.now = func() time.Time { return now }
	ctx := context.Background()

	if _, _, err := s.TryAcquireLease(ctx, "", "a", time.Minute); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty name: got %v want ErrInvalidConfig", err)
	}
	if _, ok, _ := s.TryAcquireLease(ctx, "sweep", "a", time.Minute); !ok {
		t.Fatalf("first acquire failed")
	}
	l, ok, _ := s.TryAcquireLease(ctx, "sweep", "b", time.Minute)
	if ok || l.Owner != "a" {
		t.Fatalf("contended acquire: ok=%v owner=%s", ok, l.Owner)
	}

	now = now.Add(time.Minute)
	if l, ok, _ := s.TryAcquireLease(ctx, "sweep", "b", time.Minute); !ok || l.Owner != "b" {
		t.Fatalf("expired lease not taken over: ok=%v owner=%s", ok, l.Owner)
	}
	if err := s.ReleaseLease(ctx, "sweep", "a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if l, ok, _ := s.TryAcquireLease(ctx, "sweep", "a", time.Minute); ok || l.Owner != "b" {
		t.Fatalf("release by a non-owner dropped the lease")
	}
}
