package bracket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/ledger"
	"github.com/clawgic/arena/internal/store"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSeedEntries(t *testing.T) {
	t.Parallel()

	mk := func(id string, elo int, at time.Duration) tournament.Entry {
		return tournament.Entry{
			ID:              uuid.MustParse(id),
			AgentID:         uuid.New(),
			SeedSnapshotElo: elo,
			CreatedAt:       testNow.Add(at),
		}
	}
	a := mk("00000000-0000-0000-0000-00000000000a", 1000, 0)
	b := mk("00000000-0000-0000-0000-00000000000b", 1200, time.Minute)
	c := mk("00000000-0000-0000-0000-00000000000c", 1000, -time.Minute)
	d := mk("00000000-0000-0000-0000-00000000000d", 1000, 0)

	seeds := SeedEntries([]tournament.Entry{a, b, c, d})
	want := []uuid.UUID{b.ID, c.ID, a.ID, d.ID}
	for i, s := range seeds {
		if s.EntryID != want[i] || s.Position != i+1 {
			t.Fatalf("seed %d: got %s@%d want %s@%d", i, s.EntryID, s.Position, want[i], i+1)
		}
	}
}

func TestPlanMatches(t *testing.T) {
	t.Parallel()

	seeds := make([]Seed, 4)
	for i := range seeds {
		seeds[i] = Seed{EntryID: uuid.New(), AgentID: uuid.New(), Position: i + 1}
	}
	ms, err := PlanMatches(uuid.New(), seeds, testNow, uuid.New)
	if err != nil {
		t.Fatalf("PlanMatches: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("matches: got %d want 3", len(ms))
	}
	final, semi1, semi2 := ms[0], ms[1], ms[2]
	if final.Round != 2 || final.AgentID1 != nil || final.AgentID2 != nil || final.NextMatchID != nil {
		t.Fatalf("unexpected final: %+v", final)
	}
	if *semi1.AgentID1 != seeds[0].AgentID || *semi1.AgentID2 != seeds[3].AgentID || *semi1.NextMatchSlot != 1 {
		t.Fatalf("semi 1 is not seed 1 v seed 4 into slot 1")
	}
	if *semi2.AgentID1 != seeds[1].AgentID || *semi2.AgentID2 != seeds[2].AgentID || *semi2.NextMatchSlot != 2 {
		t.Fatalf("semi 2 is not seed 2 v seed 3 into slot 2")
	}
	if *semi1.NextMatchID != final.ID || *semi2.NextMatchID != final.ID {
		t.Fatalf("semis do not feed the final")
	}

	if _, err := PlanMatches(uuid.New(), seeds[:3], testNow, uuid.New); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("three seeds: got %v want ErrInvalidConfig", err)
	}
}

type fixture struct {
	store      *store.MemoryStore
	tournament tournament.Tournament
	admission  *admission.Controller
	builder    *Builder
}

func newFixture(t *testing.T, bracketSize int) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	tr := tournament.Tournament{
		ID:             uuid.New(),
		Topic:          "t",
		Status:         tournament.StatusScheduled,
		BracketSize:    bracketSize,
		MaxEntries:     bracketSize,
		StartTime:      testNow.Add(2 * time.Hour),
		EntryCloseTime: testNow.Add(time.Hour),
		BaseEntryFee:   decimal.RequireFromString("5"),
	}
	if err := st.CreateTournament(context.Background(), tr); err != nil {
		t.Fatalf("CreateTournament: %v", err)
	}
	now := func() time.Time { return testNow }
	c, err := admission.NewController(admission.Config{DevBypass: true, Now: now}, st)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	b, err := NewBuilder(Config{Now: now}, st)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return &fixture{store: st, tournament: tr, admission: c, builder: b}
}

func (f *fixture) enter(t *testing.T, elo int) uuid.UUID {
	t.Helper()
	a := agent.Agent{ID: uuid.New(), Name: "a", WalletAddress: common.BytesToAddress(uuid.New().NodeID()), CreatedAt: testNow}
	a.WalletAddress[0] = 0x01
	r := agent.DefaultRating(a.ID, testNow)
	r.CurrentElo = elo
	if err := f.store.CreateAgent(context.Background(), a, r); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if _, err := f.admission.Enter(context.Background(), f.tournament.ID, a.ID, ""); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	return a.ID
}

func requireBracketError(t *testing.T, err error, code string) {
	t.Helper()
	var be *Error
	if !errors.As(err, &be) || be.Code != code {
		t.Fatalf("got %v want %s", err, code)
	}
}

func TestBuilder_Build(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	top := f.enter(t, 1500)
	f.enter(t, 1100)
	f.enter(t, 1200)
	bottom := f.enter(t, 900)

	ms, err := f.builder.Build(context.Background(), f.tournament.ID)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("matches: got %d want 3", len(ms))
	}
	// Listed by round then position.
	if ms[0].Round != 1 || ms[0].Position != 1 || *ms[0].AgentID1 != top || *ms[0].AgentID2 != bottom {
		t.Fatalf("first semi is not top seed v bottom seed: %+v", ms[0])
	}

	got, err := f.store.GetTournament(context.Background(), f.tournament.ID)
	if err != nil {
		t.Fatalf("GetTournament: %v", err)
	}
	if got.Status != tournament.StatusLocked {
		t.Fatalf("status: got %s want LOCKED", got.Status)
	}

	entries, err := f.store.ListEntries(context.Background(), f.tournament.ID)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	for _, e := range entries {
		if e.SeedPosition == nil {
			t.Fatalf("entry %s not seeded", e.ID)
		}
		if e.AgentID == top && *e.SeedPosition != 1 {
			t.Fatalf("top seed: got %d want 1", *e.SeedPosition)
		}
	}

	err = f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		stakes, err := tx.ListLedger(ctx, f.tournament.ID)
		if err != nil {
			return err
		}
		for _, le := range stakes {
			if le.Status != ledger.StatusLocked || le.LockedAt == nil {
				t.Fatalf("stake %s: status %s", le.ID, le.Status)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ListLedger: %v", err)
	}

	// The locked tournament refuses new entries and a second build.
	_, err = f.builder.Build(context.Background(), f.tournament.ID)
	requireBracketError(t, err, CodeBracketNotReady)
}

func TestBuilder_Refusals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	f.enter(t, 1000)
	_, err := f.builder.Build(context.Background(), f.tournament.ID)
	requireBracketError(t, err, CodeBracketNotReady)

	_, err = f.builder.Build(context.Background(), uuid.New())
	requireBracketError(t, err, CodeTournamentNotFound)

	odd := newFixture(t, 2)
	odd.enter(t, 1000)
	odd.enter(t, 1000)
	_, err = odd.builder.Build(context.Background(), odd.tournament.ID)
	requireBracketError(t, err, CodeUnsupportedBracketSize)

	// Existing matches block a rebuild even while still scheduled.
	withMatches := newFixture(t, 4)
	err = withMatches.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertMatches(ctx, []tournament.Match{{ID: uuid.New(), TournamentID: withMatches.tournament.ID, Round: 1, Position: 1}})
	})
	if err != nil {
		t.Fatalf("InsertMatches: %v", err)
	}
	_, err = withMatches.builder.Build(context.Background(), withMatches.tournament.ID)
	requireBracketError(t, err, CodeBracketAlreadyExists)
}
