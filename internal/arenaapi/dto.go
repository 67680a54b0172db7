package arenaapi

import (
	"strings"
	"time"

	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/money"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type agentJSON struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	WalletAddress    string    `json:"walletAddress"`
	CurrentElo       int       `json:"currentElo"`
	MatchesPlayed    int       `json:"matchesPlayed"`
	MatchesWon       int       `json:"matchesWon"`
	MatchesForfeited int       `json:"matchesForfeited"`
	CreatedAt        time.Time `json:"createdAt"`
}

func agentDTO(a agent.Agent, r agent.Rating) agentJSON {
	return agentJSON{
		ID:               a.ID.String(),
		Name:             a.Name,
		WalletAddress:    wallet(a.WalletAddress),
		CurrentElo:       r.CurrentElo,
		MatchesPlayed:    r.MatchesPlayed,
		MatchesWon:       r.MatchesWon,
		MatchesForfeited: r.MatchesForfeited,
		CreatedAt:        a.CreatedAt.UTC(),
	}
}

type tournamentJSON struct {
	ID               string     `json:"id"`
	Topic            string     `json:"topic"`
	Status           string     `json:"status"`
	BracketSize      int        `json:"bracketSize"`
	MaxEntries       int        `json:"maxEntries"`
	StartTime        time.Time  `json:"startTime"`
	EntryCloseTime   time.Time  `json:"entryCloseTime"`
	BaseEntryFeeUSDC string     `json:"baseEntryFeeUsdc"`
	WinnerAgentID    *string    `json:"winnerAgentId"`
	MatchesCompleted int        `json:"matchesCompleted"`
	MatchesForfeited int        `json:"matchesForfeited"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

func tournamentDTO(t tournament.Tournament) tournamentJSON {
	return tournamentJSON{
		ID:               t.ID.String(),
		Topic:            t.Topic,
		Status:           string(t.Status),
		BracketSize:      t.BracketSize,
		MaxEntries:       t.MaxEntries,
		StartTime:        t.StartTime.UTC(),
		EntryCloseTime:   t.EntryCloseTime.UTC(),
		BaseEntryFeeUSDC: money.Format(t.BaseEntryFee),
		WinnerAgentID:    optionalID(t.WinnerAgentID),
		MatchesCompleted: t.MatchesCompleted,
		MatchesForfeited: t.MatchesForfeited,
		CreatedAt:        t.CreatedAt.UTC(),
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
	}
}

type summaryJSON struct {
	tournamentJSON
	ConfirmedEntries int    `json:"confirmedEntries"`
	EntryState       string `json:"entryState"`
	EntryStateReason string `json:"entryStateReason,omitempty"`
	CanEnter         bool   `json:"canEnter"`
}

func summaryDTO(s tournament.Summary) summaryJSON {
	return summaryJSON{
		tournamentJSON:   tournamentDTO(s.Tournament),
		ConfirmedEntries: s.ConfirmedEntries,
		EntryState:       string(s.EntryState),
		EntryStateReason: s.EntryStateReason,
		CanEnter:         s.CanEnter(),
	}
}

type entryJSON struct {
	ID              string    `json:"id"`
	TournamentID    string    `json:"tournamentId"`
	AgentID         string    `json:"agentId"`
	WalletAddress   string    `json:"walletAddress"`
	Status          string    `json:"status"`
	SeedPosition    *int      `json:"seedPosition"`
	SeedSnapshotElo int       `json:"seedSnapshotElo"`
	CreatedAt       time.Time `json:"createdAt"`
}

func entryDTO(e tournament.Entry) entryJSON {
	return entryJSON{
		ID:              e.ID.String(),
		TournamentID:    e.TournamentID.String(),
		AgentID:         e.AgentID.String(),
		WalletAddress:   wallet(e.WalletAddress),
		Status:          string(e.Status),
		SeedPosition:    e.SeedPosition,
		SeedSnapshotElo: e.SeedSnapshotElo,
		CreatedAt:       e.CreatedAt.UTC(),
	}
}

type matchJSON struct {
	ID            string  `json:"id"`
	Round         int     `json:"round"`
	Position      int     `json:"position"`
	AgentID1      *string `json:"agentId1"`
	AgentID2      *string `json:"agentId2"`
	NextMatchID   *string `json:"nextMatchId"`
	NextMatchSlot *int    `json:"nextMatchSlot"`
	Status        string  `json:"status"`
	WinnerAgentID *string `json:"winnerAgentId"`
	ForfeitReason string  `json:"forfeitReason,omitempty"`
}

func matchDTO(m tournament.Match) matchJSON {
	return matchJSON{
		ID:            m.ID.String(),
		Round:         m.Round,
		Position:      m.Position,
		AgentID1:      optionalID(m.AgentID1),
		AgentID2:      optionalID(m.AgentID2),
		NextMatchID:   optionalID(m.NextMatchID),
		NextMatchSlot: m.NextMatchSlot,
		Status:        string(m.Status),
		WinnerAgentID: optionalID(m.WinnerAgentID),
		ForfeitReason: m.ForfeitReason,
	}
}

func matchesDTO(ms []tournament.Match) []matchJSON {
	out := make([]matchJSON, 0, len(ms))
	for _, m := range ms {
		out = append(out, matchDTO(m))
	}
	return out
}

type detailJSON struct {
	tournamentJSON
	Entries []entryJSON `json:"entries"`
	Matches []matchJSON `json:"matches"`
}

func detailDTO(d tournament.Detail) detailJSON {
	entries := make([]entryJSON, 0, len(d.Entries))
	for _, e := range d.Entries {
		entries = append(entries, entryDTO(e))
	}
	return detailJSON{
		tournamentJSON: tournamentDTO(d.Tournament),
		Entries:        entries,
		Matches:        matchesDTO(d.Matches),
	}
}

// authorizationJSON omits the raw payment header; evidence carries it.
type authorizationJSON struct {
	ID                 string     `json:"id"`
	TournamentID       string     `json:"tournamentId"`
	EntryID            *string    `json:"entryId"`
	AgentID            string     `json:"agentId"`
	WalletAddress      string     `json:"walletAddress"`
	RequestNonce       string     `json:"requestNonce"`
	IdempotencyKey     string     `json:"idempotencyKey"`
	AuthorizationNonce string     `json:"authorizationNonce,omitempty"`
	Status             string     `json:"status"`
	AmountUSDC         string     `json:"amountUsdc"`
	ChainID            uint64     `json:"chainId,omitempty"`
	FailureReason      string     `json:"failureReason,omitempty"`
	ReceivedAt         time.Time  `json:"receivedAt"`
	VerifiedAt         *time.Time `json:"verifiedAt,omitempty"`
	ChallengeExpiresAt *time.Time `json:"challengeExpiresAt,omitempty"`
	EvidenceKey        string     `json:"evidenceKey,omitempty"`
}

func authorizationDTO(a payment.Authorization) authorizationJSON {
	out := authorizationJSON{
		ID:                 a.ID.String(),
		TournamentID:       a.TournamentID.String(),
		EntryID:            optionalID(a.EntryID),
		AgentID:            a.AgentID.String(),
		WalletAddress:      wallet(a.WalletAddress),
		RequestNonce:       a.RequestNonce,
		IdempotencyKey:     a.IdempotencyKey,
		AuthorizationNonce: a.AuthorizationNonce,
		Status:             string(a.Status),
		AmountUSDC:         money.Format(a.Amount),
		ChainID:            a.ChainID,
		FailureReason:      a.FailureReason,
		ReceivedAt:         a.ReceivedAt.UTC(),
		VerifiedAt:         a.VerifiedAt,
		ChallengeExpiresAt: a.ChallengeExpiresAt,
	}
	if a.Status.Terminal() && a.Status != payment.StatusReplayRejected {
		out.EvidenceKey = payment.EvidenceKey(a)
	}
	return out
}

func optionalID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func wallet(a common.Address) string {
	return strings.ToLower(a.Hex())
}
