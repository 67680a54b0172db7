package tournament

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubStore struct {
	mu          sync.Mutex
	tournaments map[uuid.UUID]Tournament
	entries     map[uuid.UUID][]Entry
}

func newStubStore() *stubStore {
	return &stubStore{
		tournaments: make(map[uuid.UUID]Tournament),
		entries:     make(map[uuid.UUID][]Entry),
	}
}

func (s *stubStore) CreateTournament(_ context.Context, t Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tournaments[t.ID] = t
	return nil
}

func (s *stubStore) GetTournament(_ context.Context, id uuid.UUID) (Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tournaments[id]
	if !ok {
		return Tournament{}, ErrNotFound
	}
	return t, nil
}

func (s *stubStore) ListTournaments(_ context.Context, statuses ...Status) ([]Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Tournament
	for _, t := range s.tournaments {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (s *stubStore) ListEntries(_ context.Context, id uuid.UUID) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries[id]...), nil
}

func (s *stubStore) ListMatches(context.Context, uuid.UUID) ([]Match, error) { return nil, nil }

func (s *stubStore) CountConfirmedEntries(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]int, len(ids))
	for _, id := range ids {
		for _, e := range s.entries[id] {
			if e.Status == EntryConfirmed {
				out[id]++
			}
		}
	}
	return out, nil
}

func newTestRegistry(t *testing.T, store Store, bracketSize int) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{
		BracketSize: bracketSize,
		Now:         func() time.Time { return testNow },
	}, store)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func scheduled(closeIn time.Duration, max int) Tournament {
	return Tournament{
		ID:             uuid.New(),
		Topic:          "Should agents pay to debate?",
		Status:         StatusScheduled,
		BracketSize:    max,
		MaxEntries:     max,
		StartTime:      testNow.Add(closeIn + time.Hour),
		EntryCloseTime: testNow.Add(closeIn),
		BaseEntryFee:   decimal.RequireFromString("5"),
	}
}

func TestIsOpenForEntry(t *testing.T) {
	t.Parallel()

	open := scheduled(time.Minute, 4)
	if got := IsOpenForEntry(open, testNow); got.Openness != Open {
		t.Fatalf("got %v want Open", got)
	}

	atClose := scheduled(0, 4)
	if got := IsOpenForEntry(atClose, testNow); got.Openness != WindowClosed || got.Reason != "Entry window closed" {
		t.Fatalf("at close: got %+v", got)
	}

	locked := scheduled(time.Minute, 4)
	locked.Status = StatusLocked
	got := IsOpenForEntry(locked, testNow)
	if got.Openness != NotOpen || got.Reason != "Tournament status is LOCKED" {
		t.Fatalf("locked: got %+v", got)
	}
}

func TestEvaluateEntryState(t *testing.T) {
	t.Parallel()

	tr := scheduled(time.Minute, 4)
	cases := []struct {
		name      string
		t         Tournament
		confirmed int
		want      EntryState
		reason    string
	}{
		{name: "open", t: tr, confirmed: 2, want: EntryStateOpen, reason: "Accepting entries (2/4)"},
		{name: "full", t: tr, confirmed: 4, want: EntryStateCapacityReached, reason: "Tournament is full (4/4)"},
		{name: "closed", t: scheduled(-time.Minute, 4), confirmed: 0, want: EntryStateWindowClosed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, reason := EvaluateEntryState(tc.t, tc.confirmed, testNow)
			if got != tc.want {
				t.Fatalf("state: got %s want %s", got, tc.want)
			}
			if tc.reason != "" && reason != tc.reason {
				t.Fatalf("reason: got %q want %q", reason, tc.reason)
			}
		})
	}
}

func TestEntry_AssignSeed(t *testing.T) {
	t.Parallel()

	e := NewConfirmedEntry(uuid.New(), uuid.New(), uuid.New(), [20]byte{1}, 1000, testNow)
	seeded, err := e.AssignSeed(2, testNow)
	if err != nil {
		t.Fatalf("AssignSeed: %v", err)
	}
	if seeded.SeedPosition == nil || *seeded.SeedPosition != 2 {
		t.Fatalf("seed: got %v want 2", seeded.SeedPosition)
	}
	if _, err := seeded.AssignSeed(2, testNow); err != nil {
		t.Fatalf("same seed again: %v", err)
	}
	if _, err := seeded.AssignSeed(3, testNow); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reseed: got %v want ErrInvalidTransition", err)
	}
}

func TestTournament_Lock(t *testing.T) {
	t.Parallel()

	tr := scheduled(time.Minute, 4)
	locked, err := tr.Lock(testNow)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if locked.Status != StatusLocked {
		t.Fatalf("status: got %s want LOCKED", locked.Status)
	}
	if _, err := locked.Lock(testNow); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("relock: got %v want ErrInvalidTransition", err)
	}
}

func TestRegistry_CreateDefaults(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	r := newTestRegistry(t, store, 4)
	start := testNow.Add(3 * time.Hour)

	got, err := r.Create(context.Background(), CreateInput{Topic: "  AI regulation  ", StartTime: start})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.Topic != "AI regulation" {
		t.Fatalf("topic: got %q", got.Topic)
	}
	if !got.EntryCloseTime.Equal(start.Add(-time.Hour)) {
		t.Fatalf("entry close: got %s want %s", got.EntryCloseTime, start.Add(-time.Hour))
	}
	if got.BaseEntryFee.StringFixed(6) != "5.000000" {
		t.Fatalf("fee: got %s want 5.000000", got.BaseEntryFee.StringFixed(6))
	}
	if got.Status != StatusScheduled || got.MaxEntries != 4 || got.BracketSize != 4 {
		t.Fatalf("unexpected tournament: %+v", got)
	}
	if _, err := store.GetTournament(context.Background(), got.ID); err != nil {
		t.Fatalf("not persisted: %v", err)
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newStubStore(), 4)
	past := testNow.Add(-time.Minute)
	late := testNow.Add(5 * time.Hour)
	negative := decimal.RequireFromString("-1")
	precise := decimal.RequireFromString("1.0000001")
	huge := decimal.RequireFromString("1000000000000")

	cases := []struct {
		name string
		in   CreateInput
		code string
	}{
		{name: "empty topic", in: CreateInput{StartTime: testNow.Add(3 * time.Hour)}, code: "invalid_topic"},
		{name: "long topic", in: CreateInput{Topic: strings.Repeat("x", 281), StartTime: testNow.Add(3 * time.Hour)}, code: "invalid_topic"},
		{name: "start in past", in: CreateInput{Topic: "t", StartTime: past}, code: "invalid_start_time"},
		{name: "close in past", in: CreateInput{Topic: "t", StartTime: testNow.Add(30 * time.Minute)}, code: "invalid_entry_close_time"},
		{name: "close after start", in: CreateInput{Topic: "t", StartTime: testNow.Add(3 * time.Hour), EntryCloseTime: &late}, code: "invalid_entry_close_time"},
		{name: "negative fee", in: CreateInput{Topic: "t", StartTime: testNow.Add(3 * time.Hour), BaseEntryFee: &negative}, code: "invalid_base_entry_fee"},
		{name: "too precise fee", in: CreateInput{Topic: "t", StartTime: testNow.Add(3 * time.Hour), BaseEntryFee: &precise}, code: "invalid_base_entry_fee"},
		{name: "fee beyond stored range", in: CreateInput{Topic: "t", StartTime: testNow.Add(3 * time.Hour), BaseEntryFee: &huge}, code: "invalid_base_entry_fee"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(context.Background(), tc.in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got %v want *ValidationError", err)
			}
			if ve.Code != tc.code {
				t.Fatalf("code: got %s want %s", ve.Code, tc.code)
			}
		})
	}
}

func TestRegistry_CreateRejectsBracketOfOne(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newStubStore(), 1)
	_, err := r.Create(context.Background(), CreateInput{Topic: "t", StartTime: testNow.Add(3 * time.Hour)})
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("got %v want ErrMisconfigured", err)
	}
}

func TestRegistry_ListUpcoming(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	r := newTestRegistry(t, store, 4)

	later := scheduled(2*time.Hour, 4)
	sooner := scheduled(time.Hour, 2)
	started := scheduled(-3*time.Hour, 4)
	locked := scheduled(time.Hour, 4)
	locked.Status = StatusLocked
	for _, tr := range []Tournament{later, sooner, started, locked} {
		_ = store.CreateTournament(context.Background(), tr)
	}
	store.entries[sooner.ID] = []Entry{
		NewConfirmedEntry(uuid.New(), sooner.ID, uuid.New(), [20]byte{1}, 1000, testNow),
		NewConfirmedEntry(uuid.New(), sooner.ID, uuid.New(), [20]byte{2}, 1000, testNow),
	}

	got, err := r.ListUpcoming(context.Background())
	if err != nil {
		t.Fatalf("ListUpcoming: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len: got %d want 2", len(got))
	}
	if got[0].Tournament.ID != sooner.ID || got[1].Tournament.ID != later.ID {
		t.Fatalf("order: got %s,%s", got[0].Tournament.ID, got[1].Tournament.ID)
	}
	if got[0].EntryState != EntryStateCapacityReached || got[0].CanEnter() {
		t.Fatalf("sooner state: got %s", got[0].EntryState)
	}
	if got[1].EntryState != EntryStateOpen || !got[1].CanEnter() {
		t.Fatalf("later state: got %s", got[1].EntryState)
	}
}
