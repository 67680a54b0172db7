package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (o *recordingObserver) Expired(_ context.Context, a payment.Authorization) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ids = append(o.ids, a.ID)
	return o.err
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ids)
}

func seedPending(t *testing.T, st *store.MemoryStore, nonce string, ttl time.Duration) payment.Authorization {
	t.Helper()
	a, err := payment.NewPending(payment.PendingInput{
		ID:             uuid.New(),
		TournamentID:   uuid.New(),
		AgentID:        uuid.New(),
		Wallet:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		RequestNonce:   nonce,
		IdempotencyKey: "idem-" + nonce,
		NonceTTL:       ttl,
	}, testNow)
	if err != nil {
		t.Fatalf("NewPending: %v", err)
	}
	err = st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.ReserveAuthorization(ctx, a)
	})
	if err != nil {
		t.Fatalf("ReserveAuthorization: %v", err)
	}
	return a
}

func statusOf(t *testing.T, st *store.MemoryStore, id uuid.UUID) payment.Authorization {
	t.Helper()
	var out payment.Authorization
	err := st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.GetAuthorization(ctx, id)
		return err
	})
	if err != nil {
		t.Fatalf("GetAuthorization: %v", err)
	}
	return out
}

func TestSweep(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	short := seedPending(t, st, "n1", time.Minute)
	long := seedPending(t, st, "n2", time.Hour)

	obs := &recordingObserver{err: errors.New("archive down")}
	var swept []int
	s, err := New(Config{
		Observers: []Observer{obs},
		OnSwept:   func(n int) { swept = append(swept, n) },
		Now:       func() time.Time { return testNow.Add(2 * time.Minute) },
	}, st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired: got %d want 1", n)
	}
	got := statusOf(t, st, short.ID)
	if got.Status != payment.StatusExpired || got.FailureReason != payment.ReasonVerificationExpired {
		t.Fatalf("short: got %s %q", got.Status, got.FailureReason)
	}
	if statusOf(t, st, long.ID).Status != payment.StatusPendingVerification {
		t.Fatalf("long-lived pending row must stay pending")
	}
	if obs.count() != 1 {
		t.Fatalf("observer calls: got %d want 1", obs.count())
	}

	n, err = s.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second sweep: got %d, %v", n, err)
	}
	if len(swept) != 2 || swept[0] != 1 || swept[1] != 0 {
		t.Fatalf("OnSwept: got %v", swept)
	}
}

func TestSweep_ExactDeadlineStaysPending(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	a := seedPending(t, st, "n1", time.Minute)
	s, _ := New(Config{Now: func() time.Time { return testNow.Add(time.Minute) }}, st)

	if n, err := s.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("Sweep: got %d, %v", n, err)
	}
	if statusOf(t, st, a.ID).Status != payment.StatusPendingVerification {
		t.Fatalf("row expired at its deadline")
	}
}

func TestStart(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	a := seedPending(t, st, "n1", time.Minute)
	s, _ := New(Config{
		Interval: 20 * time.Millisecond,
		Now:      func() time.Time { return testNow.Add(time.Hour) },
	}, st)

	stop, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = stop() }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if statusOf(t, st, a.ID).Status == payment.StatusExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("scheduled sweep never expired the row")
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want ErrInvalidConfig", err)
	}
}

func TestRunOnce_Lease(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	a := seedPending(t, st, "n1", time.Minute)
	now := func() time.Time { return testNow.Add(time.Hour) }

	leader, _ := New(Config{Leases: st, Owner: "replica-a", Interval: time.Minute, Now: now}, st)
	follower, _ := New(Config{Leases: st, Owner: "replica-b", Interval: time.Minute, Now: now}, st)

	ran, err := leader.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("leader: ran=%v err=%v", ran, err)
	}
	if statusOf(t, st, a.ID).Status != payment.StatusExpired {
		t.Fatalf("leader pass did not expire the row")
	}

	ran, err = follower.RunOnce(context.Background())
	if err != nil || ran {
		t.Fatalf("follower: ran=%v err=%v", ran, err)
	}

	// The holder keeps renewing; a release lets the follower in.
	if ran, _ := leader.RunOnce(context.Background()); !ran {
		t.Fatalf("leader lost its own lease")
	}
	if err := st.ReleaseLease(context.Background(), LeaseName, "replica-a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if ran, _ := follower.RunOnce(context.Background()); !ran {
		t.Fatalf("follower did not take the released lease")
	}
}
