package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/clawgic/arena/internal/money"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("payment: authorization not found")
	ErrInvalidTransition = errors.New("payment: invalid transition")
	// ErrReplay reports that the (wallet, request nonce) or (wallet, idempotency key)
	// pair is already held by another authorization.
	ErrReplay = errors.New("payment: replay")
)

const (
	NoteAuthorized = "X402_AUTHORIZED"
	NoteBypassed   = "BYPASS_ACCEPTED (x402.enabled=false)"

	ReasonVerificationExpired = "verification window expired"

	devBypassPrefix = "dev-bypass-"
)

type Status string

const (
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusAuthorized          Status = "AUTHORIZED"
	StatusBypassed            Status = "BYPASSED"
	StatusRejected            Status = "REJECTED"
	StatusReplayRejected      Status = "REPLAY_REJECTED"
	StatusExpired             Status = "EXPIRED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPendingVerification, StatusAuthorized, StatusBypassed, StatusRejected, StatusReplayRejected, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("payment: unknown status %q", s)
	}
}

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s != StatusPendingVerification
}

// Accepted reports whether the status entitles the payer to an entry.
func (s Status) Accepted() bool {
	return s == StatusAuthorized || s == StatusBypassed
}

// Authorization is the audit record of one payment authorization attempt.
type Authorization struct {
	ID           uuid.UUID
	TournamentID uuid.UUID
	EntryID      *uuid.UUID
	AgentID      uuid.UUID

	WalletAddress      common.Address
	RequestNonce       string
	IdempotencyKey     string
	AuthorizationNonce string

	Status           Status
	Amount           decimal.Decimal
	ChainID          uint64
	RecipientAddress common.Address
	// PaymentHeader is the raw X-PAYMENT value as received. Empty for bypass rows.
	PaymentHeader string
	FailureReason string

	ReceivedAt         time.Time
	VerifiedAt         *time.Time
	ChallengeExpiresAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type PendingInput struct {
	ID           uuid.UUID
	TournamentID uuid.UUID
	AgentID      uuid.UUID
	Wallet       common.Address

	RequestNonce       string
	IdempotencyKey     string
	AuthorizationNonce string
	PaymentHeader      string

	ChainID   uint64
	Recipient common.Address
	// NonceTTL bounds how long the row may stay pending.
	NonceTTL time.Duration
}

// NewPending creates the row reserved before a header's signature is checked.
func NewPending(in PendingInput, now time.Time) (Authorization, error) {
	if in.ID == uuid.Nil || in.TournamentID == uuid.Nil || in.AgentID == uuid.Nil {
		return Authorization{}, fmt.Errorf("%w: missing id", ErrInvalidTransition)
	}
	if in.RequestNonce == "" || in.IdempotencyKey == "" {
		return Authorization{}, fmt.Errorf("%w: missing request nonce or idempotency key", ErrInvalidTransition)
	}
	a := Authorization{
		ID:                 in.ID,
		TournamentID:       in.TournamentID,
		AgentID:            in.AgentID,
		WalletAddress:      in.Wallet,
		RequestNonce:       in.RequestNonce,
		IdempotencyKey:     in.IdempotencyKey,
		AuthorizationNonce: in.AuthorizationNonce,
		Status:             StatusPendingVerification,
		Amount:             money.Zero,
		ChainID:            in.ChainID,
		RecipientAddress:   in.Recipient,
		PaymentHeader:      in.PaymentHeader,
		ReceivedAt:         now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.NonceTTL > 0 {
		exp := now.Add(in.NonceTTL)
		a.ChallengeExpiresAt = &exp
	}
	return a, nil
}

// NewBypassed fabricates the accepted authorization used when payment enforcement is off.
func NewBypassed(id, tournamentID, agentID, entryID uuid.UUID, wallet common.Address, amount decimal.Decimal, now time.Time) Authorization {
	key := DevBypassKey(entryID)
	return Authorization{
		ID:             id,
		TournamentID:   tournamentID,
		EntryID:        &entryID,
		AgentID:        agentID,
		WalletAddress:  wallet,
		RequestNonce:   key,
		IdempotencyKey: key,
		Status:         StatusBypassed,
		Amount:         money.Normalize(amount),
		ReceivedAt:     now,
		VerifiedAt:     &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func DevBypassKey(entryID uuid.UUID) string {
	return devBypassPrefix + entryID.String()
}

// NewReplayRejected records a rejected replay of attempt. The row carries the attempt's
// nonces but never occupies the guarded pairs.
func NewReplayRejected(id uuid.UUID, attempt Authorization, reason string, now time.Time) Authorization {
	a := attempt
	a.ID = id
	a.EntryID = nil
	a.Status = StatusReplayRejected
	a.Amount = money.Zero
	a.FailureReason = reason
	a.VerifiedAt = &now
	a.ChallengeExpiresAt = nil
	a.CreatedAt = now
	a.UpdatedAt = now
	return a
}

func (a Authorization) Authorize(amount decimal.Decimal, now time.Time) (Authorization, error) {
	if a.Status != StatusPendingVerification {
		return Authorization{}, fmt.Errorf("%w: authorize from %s", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusAuthorized
	a.Amount = money.Normalize(amount)
	a.FailureReason = ""
	a.VerifiedAt = &now
	a.UpdatedAt = now
	return a, nil
}

func (a Authorization) Reject(reason string, now time.Time) (Authorization, error) {
	if a.Status != StatusPendingVerification {
		return Authorization{}, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusRejected
	a.FailureReason = reason
	a.VerifiedAt = &now
	a.UpdatedAt = now
	return a, nil
}

func (a Authorization) Expire(now time.Time) (Authorization, error) {
	if a.Status != StatusPendingVerification {
		return Authorization{}, fmt.Errorf("%w: expire from %s", ErrInvalidTransition, a.Status)
	}
	a.Status = StatusExpired
	a.FailureReason = ReasonVerificationExpired
	a.UpdatedAt = now
	return a, nil
}

// LinkEntry attaches the entry an accepted authorization paid for.
func (a Authorization) LinkEntry(entryID uuid.UUID, now time.Time) (Authorization, error) {
	if !a.Status.Accepted() {
		return Authorization{}, fmt.Errorf("%w: link entry to %s authorization", ErrInvalidTransition, a.Status)
	}
	if a.EntryID != nil {
		if *a.EntryID == entryID {
			return a, nil
		}
		return Authorization{}, fmt.Errorf("%w: authorization already linked to entry %s", ErrInvalidTransition, *a.EntryID)
	}
	a.EntryID = &entryID
	a.UpdatedAt = now
	return a, nil
}

// IsRetryOf reports whether other is the same logical request as a, so that a
// conflict on the idempotency key may resume a instead of being a replay.
func (a Authorization) IsRetryOf(other Authorization) bool {
	return a.Status == StatusPendingVerification &&
		a.WalletAddress == other.WalletAddress &&
		a.IdempotencyKey == other.IdempotencyKey &&
		a.TournamentID == other.TournamentID &&
		a.AgentID == other.AgentID &&
		a.RequestNonce == other.RequestNonce
}

// PendingExpired reports whether a pending row has outlived its challenge window.
func (a Authorization) PendingExpired(now time.Time) bool {
	return a.Status == StatusPendingVerification &&
		a.ChallengeExpiresAt != nil &&
		now.After(*a.ChallengeExpiresAt)
}
