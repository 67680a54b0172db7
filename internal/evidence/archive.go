package evidence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/payment"
	"github.com/google/uuid"
)

// Archiver writes one evidence document per terminal authorization that holds its
// (wallet, request nonce) pair. Replay-rejected audit rows share the pair with the row
// they collided with and stay in the database only.
type Archiver struct {
	blobs Blobs
}

func NewArchiver(b Blobs) (*Archiver, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil blobs", ErrInvalidConfig)
	}
	return &Archiver{blobs: b}, nil
}

func archivable(a payment.Authorization) bool {
	return a.Status.Terminal() && a.Status != payment.StatusReplayRejected
}

// Committed implements admission.Sink.
func (ar *Archiver) Committed(ctx context.Context, _ uuid.UUID, r admission.Result) error {
	if !archivable(r.Authorization) {
		return nil
	}
	return ar.Archive(ctx, r.Authorization)
}

// Expired archives a row the pending sweeper moved to EXPIRED.
func (ar *Archiver) Expired(ctx context.Context, a payment.Authorization) error {
	return ar.Archive(ctx, a)
}

func (ar *Archiver) Archive(ctx context.Context, a payment.Authorization) error {
	if !archivable(a) {
		return fmt.Errorf("evidence: authorization %s is %s", a.ID, a.Status)
	}
	payload, err := json.Marshal(payment.NewEvidence(a))
	if err != nil {
		return fmt.Errorf("evidence: marshal %s: %w", a.ID, err)
	}
	return ar.blobs.Put(ctx, payment.EvidenceKey(a), payload, map[string]string{
		"authorization-id": a.ID.String(),
		"tournament-id":    a.TournamentID.String(),
		"status":           string(a.Status),
	})
}

// Load returns the archived evidence for a.
func (ar *Archiver) Load(ctx context.Context, a payment.Authorization) (payment.Evidence, error) {
	obj, err := ar.blobs.Get(ctx, payment.EvidenceKey(a))
	if err != nil {
		return payment.Evidence{}, err
	}
	var ev payment.Evidence
	if err := json.Unmarshal(obj.Data, &ev); err != nil {
		return payment.Evidence{}, fmt.Errorf("evidence: decode %s: %w", obj.Key, err)
	}
	return ev, nil
}
