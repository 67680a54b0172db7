package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/arenaapi"
	"github.com/clawgic/arena/internal/bracket"
	"github.com/clawgic/arena/internal/config"
	"github.com/clawgic/arena/internal/events"
	"github.com/clawgic/arena/internal/evidence"
	"github.com/clawgic/arena/internal/listcache"
	"github.com/clawgic/arena/internal/metrics"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/secrets"
	"github.com/clawgic/arena/internal/store"
	storepg "github.com/clawgic/arena/internal/store/postgres"
	"github.com/clawgic/arena/internal/sweeper"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/clawgic/arena/internal/x402"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	var (
		envFile   = flag.String("env-file", ".env", "optional dotenv file read before ARENA_* variables")
		listen    = flag.String("listen", "", "HTTP listen address (overrides ARENA_HTTP_LISTEN)")
		storeKind = flag.String("store-driver", "", "store driver memory|postgres (overrides ARENA_STORE_DRIVER)")
	)
	flag.Parse()

	cfg, err := config.Load(strings.TrimSpace(*envFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := strings.TrimSpace(*storeKind); v != "" {
		cfg.Store.Driver = v
	}
	if err := resolveSecrets(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if cfg.HTTP.Listen == "" {
		fmt.Fprintln(os.Stderr, "error: listen address must be non-empty")
		os.Exit(2)
	}

	log, logCloser, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("arena-api", "err", err)
		os.Exit(1)
	}
}

func resolveSecrets(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := secrets.New(ctx, cfg.Secrets.Driver)
	if err != nil {
		return err
	}
	return cfg.ResolveSecrets(ctx, p)
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	fee, err := cfg.Tournament.EntryFee()
	if err != nil {
		return err
	}
	tournaments, err := tournament.NewRegistry(tournament.RegistryConfig{
		BracketSize:        cfg.Tournament.BracketSize,
		DefaultEntryWindow: cfg.Tournament.DefaultEntryWindow,
		DefaultEntryFee:    fee,
	}, st)
	if err != nil {
		return err
	}
	agents, err := agent.NewRegistry(agent.RegistryConfig{}, st)
	if err != nil {
		return err
	}

	cache, err := openCache(ctx, cfg.Cache, log)
	if err != nil {
		return err
	}
	listings, err := listcache.NewListings(listcache.ListingsConfig{TTL: cfg.Cache.TTL, Log: log}, cache, tournaments)
	if err != nil {
		return err
	}

	sinks := []admission.Sink{namedSink{name: "listings", sink: listings}}
	var observers []sweeper.Observer

	if driver := strings.TrimSpace(cfg.Events.Driver); driver != "" {
		producer, err := events.NewProducer(events.ProducerConfig{
			Driver:  driver,
			Brokers: cfg.Events.Brokers,
			TLS:     cfg.Events.TLS,
			Writer:  os.Stdout,
		})
		if err != nil {
			return fmt.Errorf("init event producer: %w", err)
		}
		pub, err := events.NewPublisher(producer)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, namedSink{name: "events", sink: pub})
		observers = append(observers, namedObserver{name: "events", obs: pub})
		log.Info("event publishing enabled", "driver", driver)
	}

	var archiver *evidence.Archiver
	if driver := strings.TrimSpace(cfg.Evidence.Driver); driver != "" {
		blobsCfg := evidence.BlobsConfig{Driver: driver, Prefix: cfg.Evidence.Prefix, Bucket: cfg.Evidence.Bucket}
		if strings.EqualFold(driver, evidence.DriverS3) {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}
			blobsCfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		blobs, err := evidence.NewBlobs(blobsCfg)
		if err != nil {
			return fmt.Errorf("init evidence blobs: %w", err)
		}
		if archiver, err = evidence.NewArchiver(blobs); err != nil {
			return err
		}
		sinks = append(sinks, namedSink{name: "evidence", sink: archiver})
		observers = append(observers, namedObserver{name: "evidence", obs: archiver})
		log.Info("evidence archiving enabled", "driver", driver, "bucket", cfg.Evidence.Bucket)
	}

	payCfg := arenaapi.PaymentConfig{
		Enabled:       cfg.X402.Enabled,
		DevBypass:     cfg.X402.DevBypassEnabled,
		Network:       cfg.X402.Network,
		ChainID:       cfg.X402.ChainID,
		TokenAddress:  common.HexToAddress(cfg.X402.TokenAddress),
		TokenDecimals: cfg.X402.TokenDecimals,
		NonceTTL:      cfg.X402.NonceTTL,
	}
	var verifier *x402.Verifier
	if v, err := cfg.X402.Verifier(); err == nil {
		verifier = v
		payCfg.RecipientAddress = v.Config().RecipientAddress
	} else if cfg.X402.Enabled {
		return err
	}

	ctrl, err := admission.NewController(admission.Config{
		EnforcePayment: cfg.X402.Enabled,
		DevBypass:      cfg.X402.DevBypassEnabled,
		Verifier:       verifier,
		Network:        cfg.X402.Network,
		NonceTTL:       cfg.X402.NonceTTL,
		Sinks:          sinks,
		Log:            log,
	}, st)
	if err != nil {
		return err
	}
	builder, err := bracket.NewBuilder(bracket.Config{Log: log}, st)
	if err != nil {
		return err
	}

	swCfg := sweeper.Config{
		Interval:  cfg.Sweeper.Interval,
		BatchSize: cfg.Sweeper.BatchSize,
		Observers: observers,
		OnSwept:   metrics.Arena().RecordExpired,
		Log:       log,
	}
	if leases, ok := st.(sweeper.LeaseHolder); ok {
		swCfg.Leases = leases
	}
	sw, err := sweeper.New(swCfg, st)
	if err != nil {
		return err
	}
	stopSweeper, err := sw.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := stopSweeper(); err != nil {
			log.Warn("stop sweeper", "err", err)
		}
	}()

	svc := arenaapi.Services{
		Tournaments:    tournaments,
		Agents:         agents,
		Admission:      ctrl,
		Brackets:       builder,
		Listings:       listings,
		Authorizations: st,
	}
	if archiver != nil {
		svc.Evidence = archiver
	}
	handler, err := arenaapi.NewHandler(arenaapi.Config{
		Payment:           payCfg,
		BracketSize:       cfg.Tournament.BracketSize,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		RateLimitRPS:      cfg.HTTP.RateLimitRPS,
		RateLimitBurst:    cfg.HTTP.RateLimitBurst,
		RateLimitClients:  cfg.HTTP.RateLimitClients,
		TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
		AdminJWTSecret:    cfg.HTTP.AdminJWTSecret,
		Log:               log,
	}, svc)
	if err != nil {
		return err
	}
	if cfg.HTTP.AdminJWTSecret == "" {
		log.Warn("admin routes are unauthenticated; set ARENA_HTTP_ADMIN_JWT_SECRET")
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("arena-api listening",
			"addr", cfg.HTTP.Listen,
			"store", cfg.Store.Driver,
			"x402Enabled", cfg.X402.Enabled,
			"devBypass", cfg.X402.DevBypassEnabled,
			"chainId", cfg.X402.ChainID,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, func(), error) {
	if !strings.EqualFold(cfg.Driver, "postgres") {
		return store.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("init pgx pool: %w", err)
	}
	pg, err := storepg.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return pg, pool.Close, nil
}

func openCache(ctx context.Context, cfg config.Cache, log *slog.Logger) (listcache.Cache, error) {
	if !strings.EqualFold(cfg.Driver, listcache.DriverRedis) {
		return listcache.New(listcache.Config{Driver: cfg.Driver})
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Listings fall through to the store while redis is unreachable.
		log.Warn("redis ping", "addr", cfg.RedisAddr, "err", err)
	}
	return listcache.New(listcache.Config{Driver: listcache.DriverRedis, Client: client})
}

// newLogger builds the process logger. Output goes to a rotated file when one is configured.
func newLogger(cfg config.Log, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var out io.Writer = stderr
	var closer io.Closer = io.NopCloser(nil)
	if path := strings.TrimSpace(cfg.File); path != "" {
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		out = lj
		closer = lj
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

// namedSink counts failures of one admission sink.
type namedSink struct {
	name string
	sink admission.Sink
}

func (s namedSink) Committed(ctx context.Context, tournamentID uuid.UUID, r admission.Result) error {
	err := s.sink.Committed(ctx, tournamentID, r)
	if err != nil {
		metrics.Arena().RecordSinkFailure(s.name)
	}
	return err
}

type namedObserver struct {
	name string
	obs  sweeper.Observer
}

func (o namedObserver) Expired(ctx context.Context, a payment.Authorization) error {
	err := o.obs.Expired(ctx, a)
	if err != nil {
		metrics.Arena().RecordSinkFailure(o.name)
	}
	return err
}
