package store

import (
	"context"
	"errors"
	"time"

	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/ledger"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrInvalidConfig = errors.New("store: invalid config")

// Tx is the view of the store inside one unit of work. Writes become visible to
// other units only when the unit commits.
type Tx interface {
	// LockTournament loads the tournament and holds it exclusively until the unit ends.
	LockTournament(ctx context.Context, id uuid.UUID) (tournament.Tournament, error)
	UpdateTournament(ctx context.Context, t tournament.Tournament) error

	FindEntry(ctx context.Context, tournamentID, agentID uuid.UUID) (tournament.Entry, error)
	CountConfirmedEntries(ctx context.Context, tournamentID uuid.UUID) (int, error)
	ListConfirmedEntries(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Entry, error)
	// InsertEntry returns tournament.ErrAlreadyEntered when (tournament, agent) is taken.
	InsertEntry(ctx context.Context, e tournament.Entry) error
	UpdateEntry(ctx context.Context, e tournament.Entry) error

	GetAgent(ctx context.Context, id uuid.UUID) (agent.Agent, error)
	GetRating(ctx context.Context, agentID uuid.UUID) (agent.Rating, error)

	// ReserveAuthorization inserts a. Unless a is REPLAY_REJECTED it returns
	// payment.ErrReplay when another non-REPLAY_REJECTED row holds the same
	// (wallet, request nonce) or (wallet, idempotency key).
	ReserveAuthorization(ctx context.Context, a payment.Authorization) error
	GetAuthorization(ctx context.Context, id uuid.UUID) (payment.Authorization, error)
	FindAuthorizationByIdempotencyKey(ctx context.Context, wallet common.Address, key string) (payment.Authorization, error)
	UpdateAuthorization(ctx context.Context, a payment.Authorization) error

	GetLedgerByAuthorization(ctx context.Context, authorizationID uuid.UUID) (ledger.Entry, error)
	ListLedger(ctx context.Context, tournamentID uuid.UUID) ([]ledger.Entry, error)
	UpsertLedger(ctx context.Context, e ledger.Entry) error

	ListMatches(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Match, error)
	InsertMatches(ctx context.Context, ms []tournament.Match) error
}

// Store is the arena's persistence. Methods outside InTx run in their own short units.
type Store interface {
	tournament.Store
	agent.Store

	// InTx runs fn in one unit of work. It commits when fn returns nil and rolls back otherwise.
	// fn must only use tx; calling other Store methods from fn may deadlock.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ListAuthorizations(ctx context.Context, tournamentID uuid.UUID) ([]payment.Authorization, error)
	// ListExpiredPending returns up to limit PENDING_VERIFICATION rows whose challenge window ended before now.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]payment.Authorization, error)
}
