package ledger

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
	ErrNotFound          = errors.New("ledger: not found")
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
)

type Status string

const (
	StatusAuthorized Status = "AUTHORIZED"
	StatusEntered    Status = "ENTERED"
	StatusLocked     Status = "LOCKED"
	StatusSettled    Status = "SETTLED"
	StatusForfeited  Status = "FORFEITED"
	StatusCancelled  Status = "CANCELLED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusAuthorized, StatusEntered, StatusLocked, StatusSettled, StatusForfeited, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("ledger: unknown status %q", s)
	}
}

// Entry is the staking record for one paid tournament entry. It is keyed by the
// payment authorization that funded it.
type Entry struct {
	ID                     uuid.UUID
	TournamentID           uuid.UUID
	EntryID                uuid.UUID
	PaymentAuthorizationID uuid.UUID
	AgentID                uuid.UUID
	WalletAddress          common.Address

	AmountStaked     decimal.Decimal
	JudgeFeeDeducted decimal.Decimal
	SystemRetention  decimal.Decimal
	RewardPayout     decimal.Decimal

	Status         Status
	SettlementNote string

	AuthorizedAt *time.Time
	EnteredAt    *time.Time
	LockedAt     *time.Time
	ForfeitedAt  *time.Time
	SettledAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type EntryInput struct {
	// ID is used only when no ledger row exists yet.
	ID                     uuid.UUID
	TournamentID           uuid.UUID
	EntryID                uuid.UUID
	PaymentAuthorizationID uuid.UUID
	AgentID                uuid.UUID
	Wallet                 common.Address
	Amount                 decimal.Decimal
	Note                   string
}

// UpsertOnEntry creates or refreshes the ledger row for an admitted entry. A refreshed
// row keeps milestone timestamps that are already set.
func UpsertOnEntry(existing *Entry, in EntryInput, now time.Time) (Entry, error) {
	if in.Amount.IsNegative() {
		return Entry{}, fmt.Errorf("%w: negative stake", ErrInvalidAmount)
	}
	var e Entry
	if existing == nil {
		e = Entry{
			ID:               in.ID,
			JudgeFeeDeducted: money.Zero,
			SystemRetention:  money.Zero,
			RewardPayout:     money.Zero,
			CreatedAt:        now,
		}
	} else {
		e = *existing
		switch e.Status {
		case StatusAuthorized, StatusEntered:
		default:
			return Entry{}, fmt.Errorf("%w: enter from %s", ErrInvalidTransition, e.Status)
		}
		if e.PaymentAuthorizationID != in.PaymentAuthorizationID {
			return Entry{}, fmt.Errorf("%w: payment authorization mismatch", ErrInvalidTransition)
		}
	}

	e.TournamentID = in.TournamentID
	e.EntryID = in.EntryID
	e.PaymentAuthorizationID = in.PaymentAuthorizationID
	e.AgentID = in.AgentID
	e.WalletAddress = in.Wallet
	e.AmountStaked = money.Normalize(in.Amount)
	e.SettlementNote = in.Note
	e.Status = StatusEntered
	if e.AuthorizedAt == nil {
		e.AuthorizedAt = &now
	}
	if e.EnteredAt == nil {
		e.EnteredAt = &now
	}
	e.UpdatedAt = now
	return e, nil
}

// Lock freezes the stake once the bracket is built.
func (e Entry) Lock(now time.Time) (Entry, error) {
	if e.Status != StatusEntered {
		return Entry{}, fmt.Errorf("%w: lock from %s", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusLocked
	e.LockedAt = &now
	e.UpdatedAt = now
	return e, nil
}

type Settlement struct {
	JudgeFee        decimal.Decimal
	SystemRetention decimal.Decimal
	RewardPayout    decimal.Decimal
	Note            string
}

// Settle records the final split of a locked stake. Deductions may not exceed the stake.
func (e Entry) Settle(s Settlement, now time.Time) (Entry, error) {
	if e.Status != StatusLocked {
		return Entry{}, fmt.Errorf("%w: settle from %s", ErrInvalidTransition, e.Status)
	}
	judge := money.Normalize(s.JudgeFee)
	retention := money.Normalize(s.SystemRetention)
	payout := money.Normalize(s.RewardPayout)
	if judge.IsNegative() || retention.IsNegative() || payout.IsNegative() {
		return Entry{}, fmt.Errorf("%w: negative settlement component", ErrInvalidAmount)
	}
	if judge.Add(retention).GreaterThan(e.AmountStaked) {
		return Entry{}, fmt.Errorf("%w: deductions %s exceed stake %s", ErrInvalidAmount, money.Format(judge.Add(retention)), money.Format(e.AmountStaked))
	}
	e.JudgeFeeDeducted = judge
	e.SystemRetention = retention
	e.RewardPayout = payout
	if s.Note != "" {
		e.SettlementNote = s.Note
	}
	e.Status = StatusSettled
	e.SettledAt = &now
	e.UpdatedAt = now
	return e, nil
}

func (e Entry) Forfeit(note string, now time.Time) (Entry, error) {
	switch e.Status {
	case StatusEntered, StatusLocked:
	default:
		return Entry{}, fmt.Errorf("%w: forfeit from %s", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusForfeited
	if note != "" {
		e.SettlementNote = note
	}
	e.ForfeitedAt = &now
	e.UpdatedAt = now
	return e, nil
}

func (e Entry) Cancel(note string, now time.Time) (Entry, error) {
	switch e.Status {
	case StatusAuthorized, StatusEntered, StatusLocked:
	default:
		return Entry{}, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, e.Status)
	}
	e.Status = StatusCancelled
	if note != "" {
		e.SettlementNote = note
	}
	e.UpdatedAt = now
	return e, nil
}
