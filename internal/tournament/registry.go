package tournament

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultBracketSize     = 4
	DefaultEntryWindow     = 60 * time.Minute
	maxTopicLen            = 280
	defaultEntryFeeLiteral = "5.00"
)

var (
	ErrInvalidConfig = errors.New("tournament: invalid config")
	// ErrMisconfigured reports operator configuration that makes tournament creation impossible.
	ErrMisconfigured = errors.New("tournament: misconfigured")
)

// ValidationError is a client input problem with a stable machine-readable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tournament: %s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Store is the persistence the registry reads and writes outside an admission unit of work.
type Store interface {
	CreateTournament(ctx context.Context, t Tournament) error
	GetTournament(ctx context.Context, id uuid.UUID) (Tournament, error)
	ListTournaments(ctx context.Context, statuses ...Status) ([]Tournament, error)
	ListEntries(ctx context.Context, tournamentID uuid.UUID) ([]Entry, error)
	ListMatches(ctx context.Context, tournamentID uuid.UUID) ([]Match, error)
	CountConfirmedEntries(ctx context.Context, tournamentIDs []uuid.UUID) (map[uuid.UUID]int, error)
}

type RegistryConfig struct {
	BracketSize        int
	DefaultEntryWindow time.Duration
	DefaultEntryFee    decimal.Decimal

	Now   func() time.Time
	NewID func() uuid.UUID
}

type Registry struct {
	cfg   RegistryConfig
	store Store
}

func NewRegistry(cfg RegistryConfig, store Store) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.BracketSize == 0 {
		cfg.BracketSize = DefaultBracketSize
	}
	if cfg.DefaultEntryWindow <= 0 {
		cfg.DefaultEntryWindow = DefaultEntryWindow
	}
	if cfg.DefaultEntryFee.IsZero() {
		cfg.DefaultEntryFee = decimal.RequireFromString(defaultEntryFeeLiteral)
	}
	if !money.Storable(cfg.DefaultEntryFee) {
		return nil, fmt.Errorf("%w: default entry fee out of range", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	return &Registry{cfg: cfg, store: store}, nil
}

type CreateInput struct {
	Topic          string
	StartTime      time.Time
	EntryCloseTime *time.Time
	BaseEntryFee   *decimal.Decimal
}

// Create validates in and persists a new SCHEDULED tournament.
func (r *Registry) Create(ctx context.Context, in CreateInput) (Tournament, error) {
	now := r.cfg.Now().UTC()

	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return Tournament{}, invalid("invalid_topic", "topic is required")
	}
	if len([]rune(topic)) > maxTopicLen {
		return Tournament{}, invalid("invalid_topic", "topic exceeds %d characters", maxTopicLen)
	}
	if in.StartTime.IsZero() || !in.StartTime.After(now) {
		return Tournament{}, invalid("invalid_start_time", "startTime must be in the future")
	}
	start := in.StartTime.UTC()

	closeAt := start.Add(-r.cfg.DefaultEntryWindow)
	if in.EntryCloseTime != nil {
		closeAt = in.EntryCloseTime.UTC()
	}
	if !closeAt.After(now) {
		return Tournament{}, invalid("invalid_entry_close_time", "entryCloseTime must be in the future")
	}
	if closeAt.After(start) {
		return Tournament{}, invalid("invalid_entry_close_time", "entryCloseTime must be on or before startTime")
	}

	fee := r.cfg.DefaultEntryFee
	if in.BaseEntryFee != nil {
		fee = *in.BaseEntryFee
	}
	if fee.IsNegative() {
		return Tournament{}, invalid("invalid_base_entry_fee", "baseEntryFeeUsdc must be >= 0")
	}
	if !money.Storable(fee) {
		return Tournament{}, invalid("invalid_base_entry_fee", "baseEntryFeeUsdc must be <= %s", money.Format(money.Max))
	}
	if !fee.Equal(money.Normalize(fee)) {
		return Tournament{}, invalid("invalid_base_entry_fee", "baseEntryFeeUsdc supports at most %d decimal places", money.Scale)
	}

	if r.cfg.BracketSize <= 1 {
		return Tournament{}, fmt.Errorf("%w: bracket size must be > 1, got %d", ErrMisconfigured, r.cfg.BracketSize)
	}

	t := Tournament{
		ID:             r.cfg.NewID(),
		Topic:          topic,
		Status:         StatusScheduled,
		BracketSize:    r.cfg.BracketSize,
		MaxEntries:     r.cfg.BracketSize,
		StartTime:      start,
		EntryCloseTime: closeAt,
		BaseEntryFee:   money.Normalize(fee),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateTournament(ctx, t); err != nil {
		return Tournament{}, err
	}
	return t, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Tournament, error) {
	return r.store.GetTournament(ctx, id)
}

// Summary is a tournament enriched with its derived entry state.
type Summary struct {
	Tournament       Tournament
	ConfirmedEntries int
	EntryState       EntryState
	EntryStateReason string
}

func (s Summary) CanEnter() bool { return s.EntryState == EntryStateOpen }

// ListUpcoming returns SCHEDULED tournaments that have not started, soonest first.
func (r *Registry) ListUpcoming(ctx context.Context) ([]Summary, error) {
	now := r.cfg.Now().UTC()

	all, err := r.store.ListTournaments(ctx, StatusScheduled)
	if err != nil {
		return nil, err
	}
	upcoming := make([]Tournament, 0, len(all))
	ids := make([]uuid.UUID, 0, len(all))
	for _, t := range all {
		if t.StartTime.Before(now) {
			continue
		}
		upcoming = append(upcoming, t)
		ids = append(ids, t.ID)
	}
	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].StartTime.Before(upcoming[j].StartTime)
	})

	counts, err := r.store.CountConfirmedEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(upcoming))
	for _, t := range upcoming {
		n := counts[t.ID]
		state, reason := EvaluateEntryState(t, n, now)
		out = append(out, Summary{
			Tournament:       t,
			ConfirmedEntries: n,
			EntryState:       state,
			EntryStateReason: reason,
		})
	}
	return out, nil
}

// Detail is a tournament with its entries and bracket.
type Detail struct {
	Tournament Tournament
	Entries    []Entry
	Matches    []Match
}

func (r *Registry) Detail(ctx context.Context, id uuid.UUID) (Detail, error) {
	t, err := r.store.GetTournament(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return r.detail(ctx, t)
}

// ListResults returns tournaments past the scheduling phase, most recent start first.
func (r *Registry) ListResults(ctx context.Context) ([]Detail, error) {
	ts, err := r.store.ListTournaments(ctx, StatusLocked, StatusInProgress, StatusCompleted)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ts, func(i, j int) bool {
		return ts[i].StartTime.After(ts[j].StartTime)
	})
	out := make([]Detail, 0, len(ts))
	for _, t := range ts {
		d, err := r.detail(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *Registry) detail(ctx context.Context, t Tournament) (Detail, error) {
	entries, err := r.store.ListEntries(ctx, t.ID)
	if err != nil {
		return Detail{}, err
	}
	matches, err := r.store.ListMatches(ctx, t.ID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Tournament: t, Entries: entries, Matches: matches}, nil
}
