package tournament

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("tournament: not found")
	ErrEntryNotFound     = errors.New("tournament: entry not found")
	ErrAlreadyEntered    = errors.New("tournament: agent already entered")
	ErrInvalidTransition = errors.New("tournament: invalid transition")
)

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusLocked     Status = "LOCKED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusLocked, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("tournament: unknown status %q", s)
	}
}

// Tournament is a bracket of agents competing on one debate topic.
type Tournament struct {
	ID             uuid.UUID
	Topic          string
	Status         Status
	BracketSize    int
	MaxEntries     int
	StartTime      time.Time
	EntryCloseTime time.Time
	BaseEntryFee   decimal.Decimal

	WinnerAgentID    *uuid.UUID
	MatchesCompleted int
	MatchesForfeited int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Lock closes the tournament to new entries once its bracket is built.
func (t Tournament) Lock(now time.Time) (Tournament, error) {
	if t.Status != StatusScheduled {
		return Tournament{}, fmt.Errorf("%w: lock from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusLocked
	t.UpdatedAt = now
	return t, nil
}

type EntryStatus string

const (
	EntryPendingPayment EntryStatus = "PENDING_PAYMENT"
	EntryConfirmed      EntryStatus = "CONFIRMED"
)

func ParseEntryStatus(s string) (EntryStatus, error) {
	switch st := EntryStatus(s); st {
	case EntryPendingPayment, EntryConfirmed:
		return st, nil
	default:
		return "", fmt.Errorf("tournament: unknown entry status %q", s)
	}
}

// Entry is one agent's slot in a tournament.
type Entry struct {
	ID            uuid.UUID
	TournamentID  uuid.UUID
	AgentID       uuid.UUID
	WalletAddress common.Address
	Status        EntryStatus

	// SeedPosition is assigned by the bracket builder.
	SeedPosition    *int
	SeedSnapshotElo int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewConfirmedEntry creates the entry written after a successful payment outcome.
func NewConfirmedEntry(id, tournamentID, agentID uuid.UUID, wallet common.Address, elo int, now time.Time) Entry {
	return Entry{
		ID:              id,
		TournamentID:    tournamentID,
		AgentID:         agentID,
		WalletAddress:   wallet,
		Status:          EntryConfirmed,
		SeedSnapshotElo: elo,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AssignSeed sets the 1-based seed position of a confirmed entry. Seeds never change once set.
func (e Entry) AssignSeed(position int, now time.Time) (Entry, error) {
	if e.Status != EntryConfirmed {
		return Entry{}, fmt.Errorf("%w: seed %s entry", ErrInvalidTransition, e.Status)
	}
	if position < 1 {
		return Entry{}, fmt.Errorf("%w: seed position %d", ErrInvalidTransition, position)
	}
	if e.SeedPosition != nil {
		if *e.SeedPosition == position {
			return e, nil
		}
		return Entry{}, fmt.Errorf("%w: entry already seeded at %d", ErrInvalidTransition, *e.SeedPosition)
	}
	e.SeedPosition = &position
	e.UpdatedAt = now
	return e, nil
}

type MatchStatus string

const (
	MatchScheduled MatchStatus = "SCHEDULED"
	MatchCompleted MatchStatus = "COMPLETED"
	MatchForfeited MatchStatus = "FORFEITED"
)

// Match is one node of a single-elimination bracket. Agent slots of later rounds stay
// empty until the feeding matches resolve.
type Match struct {
	ID            uuid.UUID
	TournamentID  uuid.UUID
	AgentID1      *uuid.UUID
	AgentID2      *uuid.UUID
	Round         int
	Position      int
	NextMatchID   *uuid.UUID
	NextMatchSlot *int
	Status        MatchStatus
	WinnerAgentID *uuid.UUID
	ForfeitReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
