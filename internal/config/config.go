package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/clawgic/arena/internal/money"
	"github.com/clawgic/arena/internal/secrets"
	"github.com/clawgic/arena/internal/x402"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const envPrefix = "ARENA_"

var ErrInvalidConfig = errors.New("config: invalid config")

type Config struct {
	HTTP       HTTP       `envPrefix:"HTTP_"`
	Store      Store      `envPrefix:"STORE_"`
	X402       X402       `envPrefix:"X402_"`
	Tournament Tournament `envPrefix:"TOURNAMENT_"`
	Events     Events     `envPrefix:"EVENTS_"`
	Evidence   Evidence   `envPrefix:"EVIDENCE_"`
	Cache      Cache      `envPrefix:"CACHE_"`
	Sweeper    Sweeper    `envPrefix:"SWEEPER_"`
	Log        Log        `envPrefix:"LOG_"`
	Secrets    Secrets    `envPrefix:"SECRETS_"`
}

type HTTP struct {
	Listen            string        `env:"LISTEN" envDefault:"127.0.0.1:8080"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	MaxBodyBytes      int64         `env:"MAX_BODY_BYTES" envDefault:"65536"`
	RateLimitRPS      float64       `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST" envDefault:"40"`
	RateLimitClients  int           `env:"RATE_LIMIT_MAX_CLIENTS" envDefault:"10000"`
	TrustProxyHeaders bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	AdminJWTSecret    string        `env:"ADMIN_JWT_SECRET"`
}

type Store struct {
	Driver      string `env:"DRIVER" envDefault:"memory"`
	PostgresDSN string `env:"POSTGRES_DSN"`
}

type X402 struct {
	Enabled          bool          `env:"ENABLED" envDefault:"false"`
	DevBypassEnabled bool          `env:"DEV_BYPASS_ENABLED" envDefault:"true"`
	ChainID          uint64        `env:"CHAIN_ID" envDefault:"84532"`
	Network          string        `env:"NETWORK" envDefault:"base-sepolia"`
	TokenAddress     string        `env:"TOKEN_ADDRESS" envDefault:"0x036CbD53842c5426634e7929541eC2318f3dCF7e"`
	TokenDecimals    uint8         `env:"TOKEN_DECIMALS" envDefault:"6"`
	RecipientAddress string        `env:"SETTLEMENT_ADDRESS"`
	EIP712Name       string        `env:"EIP712_NAME" envDefault:"USDC"`
	EIP712Version    string        `env:"EIP712_VERSION" envDefault:"2"`
	NonceTTL         time.Duration `env:"NONCE_TTL" envDefault:"300s"`
}

type Tournament struct {
	BracketSize        int           `env:"BRACKET_SIZE" envDefault:"4"`
	DefaultEntryWindow time.Duration `env:"DEFAULT_ENTRY_WINDOW" envDefault:"60m"`
	DefaultEntryFee    string        `env:"DEFAULT_ENTRY_FEE_USDC" envDefault:"5.00"`
}

type Events struct {
	// Driver is kafka, stdio, or empty to disable publishing.
	Driver  string   `env:"DRIVER"`
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	TLS     bool     `env:"KAFKA_TLS" envDefault:"false"`
}

type Evidence struct {
	// Driver is s3, memory, or empty to disable archiving.
	Driver string `env:"DRIVER"`
	Bucket string `env:"S3_BUCKET"`
	Prefix string `env:"S3_PREFIX"`
}

type Cache struct {
	Driver        string        `env:"DRIVER" envDefault:"memory"`
	TTL           time.Duration `env:"TTL" envDefault:"5s"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
}

type Sweeper struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"30s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"100"`
}

// Secrets names credentials held outside the environment. A non-empty ref replaces the
// matching plain value once resolved.
type Secrets struct {
	// Driver is aws or env.
	Driver            string `env:"DRIVER" envDefault:"env"`
	AdminJWTSecretRef string `env:"ADMIN_JWT_SECRET_REF"`
	PostgresDSNRef    string `env:"POSTGRES_DSN_REF"`
	RedisPasswordRef  string `env:"REDIS_PASSWORD_REF"`
}

type Log struct {
	Level string `env:"LEVEL" envDefault:"info"`
	File  string `env:"FILE"`
}

// Load reads optional .env files, then ARENA_* variables from the process environment.
// Missing .env files are ignored.
func Load(dotenv ...string) (Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return parse(env.Options{Prefix: envPrefix})
}

// FromMap parses ARENA_* variables from environ instead of the process environment.
func FromMap(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: envPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ResolveSecrets replaces referenced credentials with the values p returns.
func (c *Config) ResolveSecrets(ctx context.Context, p secrets.Provider) error {
	return secrets.Resolve(ctx, p,
		secrets.Binding{Name: "admin jwt secret", Ref: c.Secrets.AdminJWTSecretRef, Target: &c.HTTP.AdminJWTSecret},
		secrets.Binding{Name: "postgres dsn", Ref: c.Secrets.PostgresDSNRef, Target: &c.Store.PostgresDSN},
		secrets.Binding{Name: "redis password", Ref: c.Secrets.RedisPasswordRef, Target: &c.Cache.RedisPassword},
	)
}

// Validate checks cross-field requirements the struct tags cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Secrets.Driver)) {
	case "", "env", "aws":
	default:
		return fmt.Errorf("%w: unsupported secrets driver %q", ErrInvalidConfig, c.Secrets.Driver)
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("%w: postgres store requires a dsn", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if c.X402.Enabled {
		if _, err := c.X402.Verifier(); err != nil {
			return err
		}
	}
	if c.Tournament.BracketSize <= 1 {
		return fmt.Errorf("%w: bracket size must be > 1", ErrInvalidConfig)
	}
	if _, err := c.Tournament.EntryFee(); err != nil {
		return err
	}
	if c.X402.NonceTTL <= 0 {
		return fmt.Errorf("%w: nonce ttl must be > 0", ErrInvalidConfig)
	}
	if strings.EqualFold(c.Events.Driver, "kafka") && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("%w: kafka events require brokers", ErrInvalidConfig)
	}
	if strings.EqualFold(c.Evidence.Driver, "s3") && strings.TrimSpace(c.Evidence.Bucket) == "" {
		return fmt.Errorf("%w: s3 evidence requires a bucket", ErrInvalidConfig)
	}
	return nil
}

// Verifier builds the payment verifier for the configured chain. It fails when the
// settlement address is missing.
func (x X402) Verifier() (*x402.Verifier, error) {
	token, err := parseAddress("token address", x.TokenAddress)
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddress("settlement address", x.RecipientAddress)
	if err != nil {
		return nil, err
	}
	v, err := x402.NewVerifier(x402.Config{
		ChainID:          x.ChainID,
		TokenAddress:     token,
		RecipientAddress: recipient,
		DomainName:       x.EIP712Name,
		DomainVersion:    x.EIP712Version,
		TokenDecimals:    x.TokenDecimals,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return v, nil
}

func (t Tournament) EntryFee() (decimal.Decimal, error) {
	fee, err := money.Parse(t.DefaultEntryFee)
	if err != nil || fee.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: default entry fee %q", ErrInvalidConfig, t.DefaultEntryFee)
	}
	return fee, nil
}

func parseAddress(field, v string) (common.Address, error) {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s %q", ErrInvalidConfig, field, v)
	}
	return common.HexToAddress(v), nil
}
