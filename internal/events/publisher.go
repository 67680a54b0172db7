package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/money"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/google/uuid"
)

var ErrInvalidConfig = errors.New("events: invalid config")

// EntryConfirmed is published once per newly confirmed entry.
type EntryConfirmed struct {
	Version         string    `json:"version"`
	TournamentID    string    `json:"tournamentId"`
	EntryID         string    `json:"entryId"`
	AgentID         string    `json:"agentId"`
	WalletAddress   string    `json:"walletAddress"`
	AuthorizationID string    `json:"authorizationId"`
	AmountUSDC      string    `json:"amountUsdc"`
	SeedSnapshotElo int       `json:"seedSnapshotElo"`
	EnteredAt       time.Time `json:"enteredAt"`
}

// AuthorizationChanged is published for every committed authorization row.
type AuthorizationChanged struct {
	Version         string     `json:"version"`
	TournamentID    string     `json:"tournamentId"`
	AuthorizationID string     `json:"authorizationId"`
	AgentID         string     `json:"agentId"`
	WalletAddress   string     `json:"walletAddress"`
	RequestNonce    string     `json:"requestNonce"`
	Status          string     `json:"status"`
	AmountUSDC      string     `json:"amountUsdc"`
	Reason          string     `json:"reason,omitempty"`
	Replay          bool       `json:"replay,omitempty"`
	ReceivedAt      time.Time  `json:"receivedAt"`
	VerifiedAt      *time.Time `json:"verifiedAt,omitempty"`
}

// Publisher turns committed admission results into records.
type Publisher struct {
	producer Producer
}

func NewPublisher(p Producer) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	return &Publisher{producer: p}, nil
}

// Committed implements admission.Sink.
func (p *Publisher) Committed(ctx context.Context, tournamentID uuid.UUID, r admission.Result) error {
	if r.Existing {
		return nil
	}
	if r.Outcome == admission.OutcomeEntered {
		if err := p.EntryConfirmed(ctx, r.Entry, r.Authorization); err != nil {
			return err
		}
	}
	return p.AuthorizationChanged(ctx, r.Authorization, r.Replay)
}

func (p *Publisher) EntryConfirmed(ctx context.Context, e tournament.Entry, a payment.Authorization) error {
	return p.publish(ctx, TopicEntriesConfirmed, e.TournamentID, EntryConfirmed{
		Version:         payloadVersion,
		TournamentID:    e.TournamentID.String(),
		EntryID:         e.ID.String(),
		AgentID:         e.AgentID.String(),
		WalletAddress:   strings.ToLower(e.WalletAddress.Hex()),
		AuthorizationID: a.ID.String(),
		AmountUSDC:      money.Format(a.Amount),
		SeedSnapshotElo: e.SeedSnapshotElo,
		EnteredAt:       e.CreatedAt.UTC(),
	})
}

func (p *Publisher) AuthorizationChanged(ctx context.Context, a payment.Authorization, replay bool) error {
	return p.publish(ctx, TopicPaymentAuthorizations, a.TournamentID, AuthorizationChanged{
		Version:         payloadVersion,
		TournamentID:    a.TournamentID.String(),
		AuthorizationID: a.ID.String(),
		AgentID:         a.AgentID.String(),
		WalletAddress:   strings.ToLower(a.WalletAddress.Hex()),
		RequestNonce:    a.RequestNonce,
		Status:          string(a.Status),
		AmountUSDC:      money.Format(a.Amount),
		Reason:          a.FailureReason,
		Replay:          replay,
		ReceivedAt:      a.ReceivedAt.UTC(),
		VerifiedAt:      a.VerifiedAt,
	})
}

func (p *Publisher) publish(ctx context.Context, topic string, tournamentID uuid.UUID, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", topic, err)
	}
	if err := p.producer.Publish(ctx, Record{Topic: topic, TournamentID: tournamentID, Payload: payload}); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

// Expired publishes a row the pending sweeper moved to EXPIRED.
func (p *Publisher) Expired(ctx context.Context, a payment.Authorization) error {
	return p.AuthorizationChanged(ctx, a, false)
}
