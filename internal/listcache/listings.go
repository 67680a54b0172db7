package listcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/google/uuid"
)

const (
	KeyUpcoming = "upcoming"
	KeyResults  = "results"

	DefaultTTL = 5 * time.Second
)

// Source produces the uncached listings.
type Source interface {
	ListUpcoming(ctx context.Context) ([]tournament.Summary, error)
	ListResults(ctx context.Context) ([]tournament.Detail, error)
}

type ListingsConfig struct {
	TTL time.Duration
	Log *slog.Logger
	Now func() time.Time
}

// Listings serves tournament listings through a Cache. Cache failures are logged and
// fall through to the source.
type Listings struct {
	cfg   ListingsConfig
	cache Cache
	src   Source
	log   *slog.Logger
}

func NewListings(cfg ListingsConfig, c Cache, src Source) (*Listings, error) {
	if c == nil || src == nil {
		return nil, fmt.Errorf("%w: nil cache or source", ErrInvalidConfig)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Listings{cfg: cfg, cache: c, src: src, log: log}, nil
}

// Upcoming returns the eligibility-enriched upcoming listing. Entries never outlive the
// earliest entry close time they advertise as open.
func (l *Listings) Upcoming(ctx context.Context) ([]tournament.Summary, error) {
	var out []tournament.Summary
	if l.load(ctx, KeyUpcoming, &out) {
		return out, nil
	}
	out, err := l.src.ListUpcoming(ctx)
	if err != nil {
		return nil, err
	}
	now := l.cfg.Now()
	ttl := l.cfg.TTL
	for _, s := range out {
		if s.EntryState != tournament.EntryStateOpen {
			continue
		}
		if until := s.Tournament.EntryCloseTime.Sub(now); until < ttl {
			ttl = until
		}
	}
	l.store(ctx, KeyUpcoming, out, ttl)
	return out, nil
}

func (l *Listings) Results(ctx context.Context) ([]tournament.Detail, error) {
	var out []tournament.Detail
	if l.load(ctx, KeyResults, &out) {
		return out, nil
	}
	out, err := l.src.ListResults(ctx)
	if err != nil {
		return nil, err
	}
	l.store(ctx, KeyResults, out, l.cfg.TTL)
	return out, nil
}

// Invalidate drops every cached listing.
func (l *Listings) Invalidate(ctx context.Context) error {
	return l.cache.Delete(ctx, KeyUpcoming, KeyResults)
}

// Committed implements admission.Sink. Only new entries change a listing.
func (l *Listings) Committed(ctx context.Context, _ uuid.UUID, r admission.Result) error {
	if r.Outcome != admission.OutcomeEntered {
		return nil
	}
	return l.Invalidate(ctx)
}

func (l *Listings) load(ctx context.Context, key string, v any) bool {
	body, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.log.Warn("listing cache read failed", "key", key, "err", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		l.log.Warn("listing cache entry corrupt", "key", key, "err", err)
		return false
	}
	return true
}

func (l *Listings) store(ctx context.Context, key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		l.log.Warn("listing cache encode failed", "key", key, "err", err)
		return
	}
	if err := l.cache.Set(ctx, key, body, ttl); err != nil {
		l.log.Warn("listing cache write failed", "key", key, "err", err)
	}
}
