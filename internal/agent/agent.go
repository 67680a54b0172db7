package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	DefaultElo = 1000

	maxNameLen = 100
)

var (
	ErrNotFound      = errors.New("agent: not found")
	ErrInvalidConfig = errors.New("agent: invalid config")
)

var walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agent: %s: %s", e.Code, e.Message)
}

// Agent is a debate participant identified by the wallet that pays its entry fees.
type Agent struct {
	ID            uuid.UUID
	Name          string
	WalletAddress common.Address
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Rating is the Elo snapshot admission copies onto new entries.
type Rating struct {
	AgentID          uuid.UUID
	CurrentElo       int
	MatchesPlayed    int
	MatchesWon       int
	MatchesForfeited int
	LastUpdated      time.Time
}

func DefaultRating(agentID uuid.UUID, now time.Time) Rating {
	return Rating{AgentID: agentID, CurrentElo: DefaultElo, LastUpdated: now}
}

// ParseWallet accepts a 0x-prefixed 20-byte hex address in any letter case.
func ParseWallet(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !walletPattern.MatchString(s) {
		return common.Address{}, &ValidationError{Code: "invalid_wallet_address", Message: "walletAddress must match ^0x[a-fA-F0-9]{40}$"}
	}
	return common.HexToAddress(s), nil
}

type Store interface {
	CreateAgent(ctx context.Context, a Agent, r Rating) error
	GetAgent(ctx context.Context, id uuid.UUID) (Agent, error)
	GetRating(ctx context.Context, agentID uuid.UUID) (Rating, error)
}

type RegistryConfig struct {
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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	return &Registry{cfg: cfg, store: store}, nil
}

type CreateInput struct {
	Name          string
	WalletAddress string
}

// Create registers an agent with a default rating.
func (r *Registry) Create(ctx context.Context, in CreateInput) (Agent, Rating, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len([]rune(name)) > maxNameLen {
		return Agent{}, Rating{}, &ValidationError{Code: "invalid_name", Message: fmt.Sprintf("name is required and must be at most %d characters", maxNameLen)}
	}
	wallet, err := ParseWallet(in.WalletAddress)
	if err != nil {
		return Agent{}, Rating{}, err
	}

	now := r.cfg.Now().UTC()
	a := Agent{
		ID:            r.cfg.NewID(),
		Name:          name,
		WalletAddress: wallet,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	rating := DefaultRating(a.ID, now)
	if err := r.store.CreateAgent(ctx, a, rating); err != nil {
		return Agent{}, Rating{}, err
	}
	return a, rating, nil
}

// Get returns the agent and its rating, falling back to the default rating when none is stored.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Agent, Rating, error) {
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return Agent{}, Rating{}, err
	}
	rating, err := r.store.GetRating(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return a, DefaultRating(id, a.CreatedAt), nil
	}
	if err != nil {
		return Agent{}, Rating{}, err
	}
	return a, rating, nil
}
