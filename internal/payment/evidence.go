package payment

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/money"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const evidenceIDPrefix = "x402-evidence"

// EvidenceID computes the archive id of an authorization attempt:
//
//	evidenceId = keccak256("x402-evidence" || wallet || requestNonce)
//
// wallet is the 20-byte address, requestNonce its UTF-8 bytes.
func EvidenceID(wallet common.Address, requestNonce string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(evidenceIDPrefix))
	_, _ = h.Write(wallet[:])
	_, _ = h.Write([]byte(requestNonce))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EvidenceKey is the logical archive key for a.
func EvidenceKey(a Authorization) string {
	id := EvidenceID(a.WalletAddress, a.RequestNonce)
	return "authorizations/" + strings.ToLower(a.WalletAddress.Hex()) + "/" + hex.EncodeToString(id[:]) + ".json"
}

// Evidence is the archived JSON form of a terminal authorization.
type Evidence struct {
	Version            string     `json:"version"`
	AuthorizationID    string     `json:"authorizationId"`
	TournamentID       string     `json:"tournamentId"`
	EntryID            string     `json:"entryId,omitempty"`
	AgentID            string     `json:"agentId"`
	WalletAddress      string     `json:"walletAddress"`
	RequestNonce       string     `json:"requestNonce"`
	IdempotencyKey     string     `json:"idempotencyKey"`
	AuthorizationNonce string     `json:"authorizationNonce,omitempty"`
	Status             string     `json:"status"`
	AmountUSDC         string     `json:"amountUsdc"`
	ChainID            uint64     `json:"chainId,omitempty"`
	RecipientAddress   string     `json:"recipientAddress,omitempty"`
	PaymentHeader      string     `json:"paymentHeader,omitempty"`
	FailureReason      string     `json:"failureReason,omitempty"`
	ReceivedAt         time.Time  `json:"receivedAt"`
	VerifiedAt         *time.Time `json:"verifiedAt,omitempty"`
}

func NewEvidence(a Authorization) Evidence {
	e := Evidence{
		Version:            "v1",
		AuthorizationID:    a.ID.String(),
		TournamentID:       a.TournamentID.String(),
		AgentID:            a.AgentID.String(),
		WalletAddress:      strings.ToLower(a.WalletAddress.Hex()),
		RequestNonce:       a.RequestNonce,
		IdempotencyKey:     a.IdempotencyKey,
		AuthorizationNonce: a.AuthorizationNonce,
		Status:             string(a.Status),
		AmountUSDC:         money.Format(a.Amount),
		ChainID:            a.ChainID,
		PaymentHeader:      a.PaymentHeader,
		FailureReason:      a.FailureReason,
		ReceivedAt:         a.ReceivedAt.UTC(),
		VerifiedAt:         a.VerifiedAt,
	}
	if a.EntryID != nil {
		e.EntryID = a.EntryID.String()
	}
	if a.RecipientAddress != (common.Address{}) {
		e.RecipientAddress = a.RecipientAddress.Hex()
	}
	return e
}
