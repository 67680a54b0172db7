package bracket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/ledger"
	"github.com/clawgic/arena/internal/store"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/google/uuid"
)

// MVPSize is the only bracket size the builder supports.
const MVPSize = 4

const (
	CodeTournamentNotFound     = "tournament_not_found"
	CodeBracketAlreadyExists   = "bracket_already_exists"
	CodeBracketNotReady        = "bracket_not_ready"
	CodeUnsupportedBracketSize = "unsupported_bracket_size"
)

var ErrInvalidConfig = errors.New("bracket: invalid config")

// Error is a refused build. Every code except CodeTournamentNotFound is a conflict.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bracket: %s: %s", e.Code, e.Message)
}

// Seed is the seed position assigned to one entry.
type Seed struct {
	EntryID  uuid.UUID
	AgentID  uuid.UUID
	Position int
}

// SeedEntries orders entries by snapshot Elo descending, then entry time, then entry id.
func SeedEntries(entries []tournament.Entry) []Seed {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b tournament.Entry) int {
		if a.SeedSnapshotElo != b.SeedSnapshotElo {
			return b.SeedSnapshotElo - a.SeedSnapshotElo
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	out := make([]Seed, len(sorted))
	for i, e := range sorted {
		out[i] = Seed{EntryID: e.ID, AgentID: e.AgentID, Position: i + 1}
	}
	return out
}

// PlanMatches lays out a four-seed single-elimination bracket: seed 1 v seed 4 and
// seed 2 v seed 3 feed slots 1 and 2 of the final. The final comes first so it can be
// referenced by the semifinals.
func PlanMatches(tournamentID uuid.UUID, seeds []Seed, now time.Time, newID func() uuid.UUID) ([]tournament.Match, error) {
	if len(seeds) != MVPSize {
		return nil, fmt.Errorf("%w: need %d seeds, got %d", ErrInvalidConfig, MVPSize, len(seeds))
	}
	final := tournament.Match{
		ID:           newID(),
		TournamentID: tournamentID,
		Round:        2,
		Position:     1,
		Status:       tournament.MatchScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	semi := func(position int, high, low Seed) tournament.Match {
		slot := position
		nextID := final.ID
		agent1, agent2 := high.AgentID, low.AgentID
		return tournament.Match{
			ID:            newID(),
			TournamentID:  tournamentID,
			AgentID1:      &agent1,
			AgentID2:      &agent2,
			Round:         1,
			Position:      position,
			NextMatchID:   &nextID,
			NextMatchSlot: &slot,
			Status:        tournament.MatchScheduled,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	return []tournament.Match{
		final,
		semi(1, seeds[0], seeds[3]),
		semi(2, seeds[1], seeds[2]),
	}, nil
}

type Config struct {
	Log   *slog.Logger
	Now   func() time.Time
	NewID func() uuid.UUID
}

// Builder turns a full SCHEDULED tournament into a LOCKED one with a bracket.
type Builder struct {
	cfg   Config
	store store.Store
	log   *slog.Logger
}

func NewBuilder(cfg Config, st store.Store) (*Builder, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Builder{cfg: cfg, store: st, log: log}, nil
}

// Build seeds the confirmed entries, writes the matches, locks the tournament and
// locks every entered stake, all in one unit of work under the tournament lock.
func (b *Builder) Build(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Match, error) {
	now := b.cfg.Now().UTC()

	var out []tournament.Match
	err := b.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.LockTournament(ctx, tournamentID)
		if errors.Is(err, tournament.ErrNotFound) {
			return &Error{Code: CodeTournamentNotFound, Message: "Tournament not found: " + tournamentID.String()}
		}
		if err != nil {
			return err
		}
		if t.Status != tournament.StatusScheduled {
			return &Error{Code: CodeBracketNotReady, Message: "Tournament is not ready for bracket generation: " + t.ID.String()}
		}
		existing, err := tx.ListMatches(ctx, t.ID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &Error{Code: CodeBracketAlreadyExists, Message: "Tournament bracket already exists: " + t.ID.String()}
		}
		if t.BracketSize != MVPSize {
			return &Error{Code: CodeUnsupportedBracketSize, Message: fmt.Sprintf("Tournament bracket size is unsupported: %d", t.BracketSize)}
		}
		entries, err := tx.ListConfirmedEntries(ctx, t.ID)
		if err != nil {
			return err
		}
		if len(entries) != t.BracketSize {
			return &Error{Code: CodeBracketNotReady, Message: fmt.Sprintf("Tournament requires exactly %d confirmed entries to build a bracket", t.BracketSize)}
		}

		seeds := SeedEntries(entries)
		byID := make(map[uuid.UUID]tournament.Entry, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}
		for _, s := range seeds {
			seeded, err := byID[s.EntryID].AssignSeed(s.Position, now)
			if err != nil {
				return err
			}
			if err := tx.UpdateEntry(ctx, seeded); err != nil {
				return err
			}
		}

		matches, err := PlanMatches(t.ID, seeds, now, b.cfg.NewID)
		if err != nil {
			return err
		}
		if err := tx.InsertMatches(ctx, matches); err != nil {
			return err
		}

		locked, err := t.Lock(now)
		if err != nil {
			return err
		}
		if err := tx.UpdateTournament(ctx, locked); err != nil {
			return err
		}

		stakes, err := tx.ListLedger(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, le := range stakes {
			if le.Status != ledger.StatusEntered {
				continue
			}
			lockedStake, err := le.Lock(now)
			if err != nil {
				return err
			}
			if err := tx.UpsertLedger(ctx, lockedStake); err != nil {
				return err
			}
		}

		out, err = tx.ListMatches(ctx, t.ID)
		return err
	})
	if err != nil {
		var be *Error
		if errors.As(err, &be) {
			return nil, be
		}
		return nil, fmt.Errorf("bracket: build: %w", err)
	}

	b.log.Info("bracket built", "tournamentId", tournamentID, "matches", len(out))
	return out, nil
}
