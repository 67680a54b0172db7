package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/ledger"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MemoryStore keeps all state behind one mutex. A unit of work runs against a copy
// that replaces the live state on commit, so a failed unit leaves nothing behind.
type MemoryStore struct {
	mu sync.Mutex
	st *memState

	leases memLeases
}

type memState struct {
	tournaments map[uuid.UUID]tournament.Tournament
	entries     map[uuid.UUID]tournament.Entry
	agents      map[uuid.UUID]agent.Agent
	ratings     map[uuid.UUID]agent.Rating
	auths       map[uuid.UUID]payment.Authorization
	ledger      map[uuid.UUID]ledger.Entry
	matches     map[uuid.UUID]tournament.Match
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		st: &memState{
			tournaments: make(map[uuid.UUID]tournament.Tournament),
			entries:     make(map[uuid.UUID]tournament.Entry),
			agents:      make(map[uuid.UUID]agent.Agent),
			ratings:     make(map[uuid.UUID]agent.Rating),
			auths:       make(map[uuid.UUID]payment.Authorization),
			ledger:      make(map[uuid.UUID]ledger.Entry),
			matches:     make(map[uuid.UUID]tournament.Match),
		},
		leases: memLeases{now: time.Now, leases: make(map[string]Lease)},
	}
}

// Entity values are replaced wholesale on every write, so a shallow map copy is a snapshot.
func (st *memState) clone() *memState {
	return &memState{
		tournaments: maps.Clone(st.tournaments),
		entries:     maps.Clone(st.entries),
		agents:      maps.Clone(st.agents),
		ratings:     maps.Clone(st.ratings),
		auths:       maps.Clone(st.auths),
		ledger:      maps.Clone(st.ledger),
		matches:     maps.Clone(st.matches),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *MemoryStore) CreateTournament(_ context.Context, t tournament.Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.tournaments[t.ID]; ok {
		return fmt.Errorf("store: duplicate tournament %s", t.ID)
	}
	s.st.tournaments[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTournament(_ context.Context, id uuid.UUID) (tournament.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.st.tournaments[id]
	if !ok {
		return tournament.Tournament{}, tournament.ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListTournaments(_ context.Context, statuses ...tournament.Status) ([]tournament.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]tournament.Tournament, 0, len(s.st.tournaments))
	for _, t := range s.st.tournaments {
		if len(statuses) > 0 && !slices.Contains(statuses, t.Status) {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b tournament.Tournament) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, tournamentID uuid.UUID) ([]tournament.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.entriesOf(tournamentID, false), nil
}

func (s *MemoryStore) ListMatches(_ context.Context, tournamentID uuid.UUID) ([]tournament.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.matchesOf(tournamentID), nil
}

func (s *MemoryStore) CountConfirmedEntries(_ context.Context, tournamentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uuid.UUID]int, len(tournamentIDs))
	for _, id := range tournamentIDs {
		out[id] = len(s.st.entriesOf(id, true))
	}
	return out, nil
}

func (s *MemoryStore) CreateAgent(_ context.Context, a agent.Agent, r agent.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.agents[a.ID]; ok {
		return fmt.Errorf("store: duplicate agent %s", a.ID)
	}
	s.st.agents[a.ID] = a
	s.st.ratings[a.ID] = r
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id uuid.UUID) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.getAgent(id)
}

func (s *MemoryStore) GetRating(_ context.Context, agentID uuid.UUID) (agent.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.st.getRating(agentID)
}

func (s *MemoryStore) ListAuthorizations(_ context.Context, tournamentID uuid.UUID) ([]payment.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []payment.Authorization
	for _, a := range s.st.auths {
		if a.TournamentID == tournamentID {
			out = append(out, a)
		}
	}
	sortAuthorizations(out)
	return out, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]payment.Authorization, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []payment.Authorization
	for _, a := range s.st.auths {
		if a.PendingExpired(now) {
			out = append(out, a)
		}
	}
	sortAuthorizations(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortAuthorizations(as []payment.Authorization) {
	slices.SortFunc(as, func(a, b payment.Authorization) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
}

func (st *memState) entriesOf(tournamentID uuid.UUID, confirmedOnly bool) []tournament.Entry {
	var out []tournament.Entry
	for _, e := range st.entries {
		if e.TournamentID != tournamentID {
			continue
		}
		if confirmedOnly && e.Status != tournament.EntryConfirmed {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b tournament.Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

func (st *memState) matchesOf(tournamentID uuid.UUID) []tournament.Match {
	var out []tournament.Match
	for _, m := range st.matches {
		if m.TournamentID == tournamentID {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b tournament.Match) int {
		if a.Round != b.Round {
			return a.Round - b.Round
		}
		return a.Position - b.Position
	})
	return out
}

func (st *memState) getAgent(id uuid.UUID) (agent.Agent, error) {
	a, ok := st.agents[id]
	if !ok {
		return agent.Agent{}, agent.ErrNotFound
	}
	return a, nil
}

func (st *memState) getRating(id uuid.UUID) (agent.Rating, error) {
	r, ok := st.ratings[id]
	if !ok {
		return agent.Rating{}, agent.ErrNotFound
	}
	return r, nil
}

type memTx struct {
	st *memState
}

func (tx *memTx) LockTournament(_ context.Context, id uuid.UUID) (tournament.Tournament, error) {
	t, ok := tx.st.tournaments[id]
	if !ok {
		return tournament.Tournament{}, tournament.ErrNotFound
	}
	return t, nil
}

func (tx *memTx) UpdateTournament(_ context.Context, t tournament.Tournament) error {
	if _, ok := tx.st.tournaments[t.ID]; !ok {
		return tournament.ErrNotFound
	}
	tx.st.tournaments[t.ID] = t
	return nil
}

func (tx *memTx) FindEntry(_ context.Context, tournamentID, agentID uuid.UUID) (tournament.Entry, error) {
	for _, e := range tx.st.entries {
		if e.TournamentID == tournamentID && e.AgentID == agentID {
			return e, nil
		}
	}
	return tournament.Entry{}, tournament.ErrEntryNotFound
}

func (tx *memTx) CountConfirmedEntries(_ context.Context, tournamentID uuid.UUID) (int, error) {
	return len(tx.st.entriesOf(tournamentID, true)), nil
}

func (tx *memTx) ListConfirmedEntries(_ context.Context, tournamentID uuid.UUID) ([]tournament.Entry, error) {
	return tx.st.entriesOf(tournamentID, true), nil
}

func (tx *memTx) InsertEntry(_ context.Context, e tournament.Entry) error {
	if _, ok := tx.st.tournaments[e.TournamentID]; !ok {
		return tournament.ErrNotFound
	}
	if _, ok := tx.st.entries[e.ID]; ok {
		return fmt.Errorf("store: duplicate entry %s", e.ID)
	}
	for _, other := range tx.st.entries {
		if other.TournamentID == e.TournamentID && other.AgentID == e.AgentID {
			return tournament.ErrAlreadyEntered
		}
	}
	tx.st.entries[e.ID] = e
	return nil
}

func (tx *memTx) UpdateEntry(_ context.Context, e tournament.Entry) error {
	if _, ok := tx.st.entries[e.ID]; !ok {
		return tournament.ErrEntryNotFound
	}
	tx.st.entries[e.ID] = e
	return nil
}

func (tx *memTx) GetAgent(_ context.Context, id uuid.UUID) (agent.Agent, error) {
	return tx.st.getAgent(id)
}

func (tx *memTx) GetRating(_ context.Context, agentID uuid.UUID) (agent.Rating, error) {
	return tx.st.getRating(agentID)
}

func (tx *memTx) ReserveAuthorization(_ context.Context, a payment.Authorization) error {
	if _, ok := tx.st.auths[a.ID]; ok {
		return fmt.Errorf("store: duplicate authorization %s", a.ID)
	}
	if a.Status != payment.StatusReplayRejected {
		for _, other := range tx.st.auths {
			if other.Status == payment.StatusReplayRejected || other.WalletAddress != a.WalletAddress {
				continue
			}
			if other.RequestNonce == a.RequestNonce || other.IdempotencyKey == a.IdempotencyKey {
				return payment.ErrReplay
			}
		}
	}
	tx.st.auths[a.ID] = a
	return nil
}

func (tx *memTx) GetAuthorization(_ context.Context, id uuid.UUID) (payment.Authorization, error) {
	a, ok := tx.st.auths[id]
	if !ok {
		return payment.Authorization{}, payment.ErrNotFound
	}
	return a, nil
}

func (tx *memTx) FindAuthorizationByIdempotencyKey(_ context.Context, wallet common.Address, key string) (payment.Authorization, error) {
	for _, a := range tx.st.auths {
		if a.Status != payment.StatusReplayRejected && a.WalletAddress == wallet && a.IdempotencyKey == key {
			return a, nil
		}
	}
	return payment.Authorization{}, payment.ErrNotFound
}

func (tx *memTx) UpdateAuthorization(_ context.Context, a payment.Authorization) error {
	if _, ok := tx.st.auths[a.ID]; !ok {
		return payment.ErrNotFound
	}
	tx.st.auths[a.ID] = a
	return nil
}

func (tx *memTx) GetLedgerByAuthorization(_ context.Context, authorizationID uuid.UUID) (ledger.Entry, error) {
	for _, e := range tx.st.ledger {
		if e.PaymentAuthorizationID == authorizationID {
			return e, nil
		}
	}
	return ledger.Entry{}, ledger.ErrNotFound
}

func (tx *memTx) ListLedger(_ context.Context, tournamentID uuid.UUID) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range tx.st.ledger {
		if e.TournamentID == tournamentID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Entry) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (tx *memTx) UpsertLedger(_ context.Context, e ledger.Entry) error {
	for id, other := range tx.st.ledger {
		if other.PaymentAuthorizationID == e.PaymentAuthorizationID && id != e.ID {
			return fmt.Errorf("store: ledger row for authorization %s already exists", e.PaymentAuthorizationID)
		}
	}
	tx.st.ledger[e.ID] = e
	return nil
}

func (tx *memTx) ListMatches(_ context.Context, tournamentID uuid.UUID) ([]tournament.Match, error) {
	return tx.st.matchesOf(tournamentID), nil
}

func (tx *memTx) InsertMatches(_ context.Context, ms []tournament.Match) error {
	for _, m := range ms {
		if _, ok := tx.st.matches[m.ID]; ok {
			return fmt.Errorf("store: duplicate match %s", m.ID)
		}
	}
	for _, m := range ms {
		tx.st.matches[m.ID] = m
	}
	return nil
}
