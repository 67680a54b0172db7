package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/store"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultBatchSize = 100

	// LeaseName is the lease replicas contend for before sweeping.
	LeaseName = "arena-pending-sweeper"
)

var ErrInvalidConfig = errors.New("sweeper: invalid config")

// Observer is told about every authorization the sweeper expired.
type Observer interface {
	Expired(ctx context.Context, a payment.Authorization) error
}

// LeaseHolder elects the single replica that sweeps in each interval.
type LeaseHolder interface {
	TryAcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (store.Lease, bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	Observers []Observer

	// Leases is optional. Without it every replica sweeps.
	Leases LeaseHolder
	// Owner identifies this replica to Leases. Defaults to a random id.
	Owner string

	// OnSwept is called with the number of rows each pass expired.
	OnSwept func(n int)

	Log *slog.Logger
	Now func() time.Time
}

// Sweeper expires PENDING_VERIFICATION authorizations whose challenge window passed.
type Sweeper struct {
	cfg   Config
	store store.Store
	log   *slog.Logger
}

func New(cfg Config, st store.Store) (*Sweeper, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cfg: cfg, store: st, log: log}, nil
}

// Sweep runs one pass and returns how many rows it expired. Each row is re-read under
// its row lock so a concurrent verification wins over expiry.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.cfg.Now().UTC()

	candidates, err := s.store.ListExpiredPending(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list: %w", err)
	}

	var expired int
	for _, c := range candidates {
		var out payment.Authorization
		var changed bool
		err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			cur, err := tx.GetAuthorization(ctx, c.ID)
			if err != nil {
				return err
			}
			if !cur.PendingExpired(now) {
				return nil
			}
			out, err = cur.Expire(now)
			if err != nil {
				return err
			}
			changed = true
			return tx.UpdateAuthorization(ctx, out)
		})
		if err != nil {
			return expired, fmt.Errorf("sweeper: expire %s: %w", c.ID, err)
		}
		if !changed {
			continue
		}
		expired++
		s.log.Info("authorization expired",
			"authorizationId", out.ID,
			"tournamentId", out.TournamentID,
			"agentId", out.AgentID,
		)
		for _, o := range s.cfg.Observers {
			if err := o.Expired(ctx, out); err != nil {
				s.log.Warn("sweeper observer failed", "authorizationId", out.ID, "err", err)
			}
		}
	}
	if s.cfg.OnSwept != nil {
		s.cfg.OnSwept(expired)
	}
	return expired, nil
}

// RunOnce sweeps if this replica holds the sweeper lease. It reports whether a pass ran.
func (s *Sweeper) RunOnce(ctx context.Context) (bool, error) {
	if s.cfg.Leases != nil {
		// Outlives one missed tick.
		l, ok, err := s.cfg.Leases.TryAcquireLease(ctx, LeaseName, s.cfg.Owner, 2*s.cfg.Interval)
		if err != nil {
			return false, fmt.Errorf("sweeper: lease: %w", err)
		}
		if !ok {
			s.log.Debug("sweeper lease held elsewhere", "owner", l.Owner, "expiresAt", l.ExpiresAt)
			return false, nil
		}
	}
	_, err := s.Sweep(ctx)
	return true, err
}

// Start schedules RunOnce every Interval until the returned stop function is called.
// Overlapping runs are skipped. Stopping releases the lease.
func (s *Sweeper) Start(ctx context.Context) (func() error, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweeper: scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep failed", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("sweeper: job: %w", err)
	}
	sched.Start()
	return func() error {
		err := sched.Shutdown()
		if s.cfg.Leases != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, s.cfg.Leases.ReleaseLease(releaseCtx, LeaseName, s.cfg.Owner))
		}
		return err
	}, nil
}
