package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/ledger"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/store"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("store/postgres: invalid config")

const (
	uniqueViolation = "23505"

	entryUniqueIndex          = "tournament_entries_tournament_agent_uniq"
	requestNonceUniqueIndex   = "payment_authorizations_wallet_request_nonce_uniq"
	idempotencyKeyUniqueIndex = "payment_authorizations_wallet_idempotency_key_uniq"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store/postgres: ensure schema: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("store/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store/postgres: commit: %w", err)
	}
	return nil
}

// Tournaments.

const tournamentColumns = `tournament_id, topic, status, bracket_size, max_entries, start_time, entry_close_time,
	base_entry_fee::text, winner_agent_id, matches_completed, matches_forfeited,
	created_at, updated_at, started_at, completed_at`

func scanTournament(row rowScanner) (tournament.Tournament, error) {
	var (
		t      tournament.Tournament
		status string
		fee    string
	)
	if err := row.Scan(
		&t.ID, &t.Topic, &status, &t.BracketSize, &t.MaxEntries, &t.StartTime, &t.EntryCloseTime,
		&fee, &t.WinnerAgentID, &t.MatchesCompleted, &t.MatchesForfeited,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	); err != nil {
		return tournament.Tournament{}, err
	}
	st, err := tournament.ParseStatus(status)
	if err != nil {
		return tournament.Tournament{}, fmt.Errorf("store/postgres: %w", err)
	}
	t.Status = st
	if t.BaseEntryFee, err = parseDecimal(fee); err != nil {
		return tournament.Tournament{}, err
	}
	return t, nil
}

func (s *Store) CreateTournament(ctx context.Context, t tournament.Tournament) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tournaments (
			tournament_id, topic, status, bracket_size, max_entries, start_time, entry_close_time,
			base_entry_fee, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::text::numeric,$9,$10)
	`, t.ID, t.Topic, string(t.Status), t.BracketSize, t.MaxEntries, t.StartTime, t.EntryCloseTime,
		formatDecimal(t.BaseEntryFee), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store/postgres: insert tournament: %w", err)
	}
	return nil
}

func (s *Store) GetTournament(ctx context.Context, id uuid.UUID) (tournament.Tournament, error) {
	return getTournament(ctx, s.pool, id, false)
}

func getTournament(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (tournament.Tournament, error) {
	sql := `SELECT ` + tournamentColumns + ` FROM tournaments WHERE tournament_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	t, err := scanTournament(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return tournament.Tournament{}, tournament.ErrNotFound
	}
	if err != nil {
		return tournament.Tournament{}, fmt.Errorf("store/postgres: get tournament: %w", err)
	}
	return t, nil
}

func (s *Store) ListTournaments(ctx context.Context, statuses ...tournament.Status) ([]tournament.Tournament, error) {
	sql := `SELECT ` + tournamentColumns + ` FROM tournaments`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, 0, len(statuses))
		for _, st := range statuses {
			names = append(names, string(st))
		}
		sql += ` WHERE status = ANY($1::text[])`
		args = append(args, names)
	}
	sql += ` ORDER BY start_time ASC, tournament_id ASC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list tournaments: %w", err)
	}
	defer rows.Close()

	var out []tournament.Tournament
	for rows.Next() {
		t, err := scanTournament(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan tournament: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list tournaments: %w", err)
	}
	return out, nil
}

func (s *Store) CountConfirmedEntries(ctx context.Context, tournamentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int, len(tournamentIDs))
	if len(tournamentIDs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(tournamentIDs))
	for _, id := range tournamentIDs {
		ids = append(ids, id.String())
		out[id] = 0
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tournament_id, count(*)
		FROM tournament_entries
		WHERE tournament_id = ANY($1::text[]::uuid[]) AND status = 'CONFIRMED'
		GROUP BY tournament_id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: count entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id uuid.UUID
			n  int64
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("store/postgres: scan entry count: %w", err)
		}
		out[id] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: count entries: %w", err)
	}
	return out, nil
}

func (s *Store) ListEntries(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Entry, error) {
	return listEntries(ctx, s.pool, tournamentID, false)
}

func (s *Store) ListMatches(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Match, error) {
	return listMatches(ctx, s.pool, tournamentID)
}

// Entries.

const entryColumns = `entry_id, tournament_id, agent_id, wallet_address, status, seed_position, seed_snapshot_elo, created_at, updated_at`

func scanEntry(row rowScanner) (tournament.Entry, error) {
	var (
		e      tournament.Entry
		wallet string
		status string
	)
	if err := row.Scan(&e.ID, &e.TournamentID, &e.AgentID, &wallet, &status, &e.SeedPosition, &e.SeedSnapshotElo, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return tournament.Entry{}, err
	}
	st, err := tournament.ParseEntryStatus(status)
	if err != nil {
		return tournament.Entry{}, fmt.Errorf("store/postgres: %w", err)
	}
	e.Status = st
	e.WalletAddress = common.HexToAddress(wallet)
	return e, nil
}

func listEntries(ctx context.Context, q querier, tournamentID uuid.UUID, confirmedOnly bool) ([]tournament.Entry, error) {
	sql := `SELECT ` + entryColumns + ` FROM tournament_entries WHERE tournament_id = $1`
	if confirmedOnly {
		sql += ` AND status = 'CONFIRMED'`
	}
	sql += ` ORDER BY created_at ASC, entry_id ASC`

	rows, err := q.Query(ctx, sql, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list entries: %w", err)
	}
	defer rows.Close()

	var out []tournament.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list entries: %w", err)
	}
	return out, nil
}

// Agents.

func (s *Store) CreateAgent(ctx context.Context, a agent.Agent, r agent.Rating) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("store/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO agents (agent_id, name, wallet_address, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`, a.ID, a.Name, walletText(a.WalletAddress), a.CreatedAt, a.UpdatedAt); err != nil {
		return fmt.Errorf("store/postgres: insert agent: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO agent_ratings (agent_id, current_elo, matches_played, matches_won, matches_forfeited, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, r.AgentID, r.CurrentElo, r.MatchesPlayed, r.MatchesWon, r.MatchesForfeited, r.LastUpdated); err != nil {
		return fmt.Errorf("store/postgres: insert agent rating: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (agent.Agent, error) {
	return getAgent(ctx, s.pool, id)
}

func (s *Store) GetRating(ctx context.Context, agentID uuid.UUID) (agent.Rating, error) {
	return getRating(ctx, s.pool, agentID)
}

func getAgent(ctx context.Context, q querier, id uuid.UUID) (agent.Agent, error) {
	var (
		a      agent.Agent
		wallet string
	)
	err := q.QueryRow(ctx, `
		SELECT agent_id, name, wallet_address, created_at, updated_at
		FROM agents
		WHERE agent_id = $1
	`, id).Scan(&a.ID, &a.Name, &wallet, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.Agent{}, agent.ErrNotFound
	}
	if err != nil {
		return agent.Agent{}, fmt.Errorf("store/postgres: get agent: %w", err)
	}
	a.WalletAddress = common.HexToAddress(wallet)
	return a, nil
}

func getRating(ctx context.Context, q querier, agentID uuid.UUID) (agent.Rating, error) {
	var r agent.Rating
	err := q.QueryRow(ctx, `
		SELECT agent_id, current_elo, matches_played, matches_won, matches_forfeited, last_updated
		FROM agent_ratings
		WHERE agent_id = $1
	`, agentID).Scan(&r.AgentID, &r.CurrentElo, &r.MatchesPlayed, &r.MatchesWon, &r.MatchesForfeited, &r.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return agent.Rating{}, agent.ErrNotFound
	}
	if err != nil {
		return agent.Rating{}, fmt.Errorf("store/postgres: get rating: %w", err)
	}
	return r, nil
}

// Payment authorizations.

const authorizationColumns = `authorization_id, tournament_id, entry_id, agent_id, wallet_address,
	request_nonce, idempotency_key, authorization_nonce, status, amount_authorized::text, chain_id,
	recipient_address, payment_header, failure_reason,
	received_at, verified_at, challenge_expires_at, created_at, updated_at`

func scanAuthorization(row rowScanner) (payment.Authorization, error) {
	var (
		a         payment.Authorization
		wallet    string
		status    string
		amount    string
		chainID   int64
		recipient string
	)
	if err := row.Scan(
		&a.ID, &a.TournamentID, &a.EntryID, &a.AgentID, &wallet,
		&a.RequestNonce, &a.IdempotencyKey, &a.AuthorizationNonce, &status, &amount, &chainID,
		&recipient, &a.PaymentHeader, &a.FailureReason,
		&a.ReceivedAt, &a.VerifiedAt, &a.ChallengeExpiresAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return payment.Authorization{}, err
	}
	st, err := payment.ParseStatus(status)
	if err != nil {
		return payment.Authorization{}, fmt.Errorf("store/postgres: %w", err)
	}
	if chainID < 0 {
		return payment.Authorization{}, fmt.Errorf("store/postgres: negative chain id in db")
	}
	a.Status = st
	a.ChainID = uint64(chainID)
	a.WalletAddress = common.HexToAddress(wallet)
	if recipient != "" {
		a.RecipientAddress = common.HexToAddress(recipient)
	}
	if a.Amount, err = parseDecimal(amount); err != nil {
		return payment.Authorization{}, err
	}
	return a, nil
}

func (s *Store) ListAuthorizations(ctx context.Context, tournamentID uuid.UUID) ([]payment.Authorization, error) {
	return queryAuthorizations(ctx, s.pool, `
		SELECT `+authorizationColumns+`
		FROM payment_authorizations
		WHERE tournament_id = $1
		ORDER BY created_at ASC, authorization_id ASC
	`, tournamentID)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]payment.Authorization, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", store.ErrInvalidConfig)
	}
	return queryAuthorizations(ctx, s.pool, `
		SELECT `+authorizationColumns+`
		FROM payment_authorizations
		WHERE status = 'PENDING_VERIFICATION' AND challenge_expires_at < $1
		ORDER BY created_at ASC, authorization_id ASC
		LIMIT $2
	`, now, limit)
}

func queryAuthorizations(ctx context.Context, q querier, sql string, args ...any) ([]payment.Authorization, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list authorizations: %w", err)
	}
	defer rows.Close()

	var out []payment.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan authorization: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list authorizations: %w", err)
	}
	return out, nil
}

// Ledger.

const ledgerColumns = `ledger_id, tournament_id, entry_id, payment_authorization_id, agent_id, wallet_address,
	amount_staked::text, judge_fee_deducted::text, system_retention::text, reward_payout::text,
	status, settlement_note, authorized_at, entered_at, locked_at, forfeited_at, settled_at, created_at, updated_at`

func scanLedger(row rowScanner) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		wallet    string
		status    string
		staked    string
		judgeFee  string
		retention string
		payout    string
	)
	if err := row.Scan(
		&e.ID, &e.TournamentID, &e.EntryID, &e.PaymentAuthorizationID, &e.AgentID, &wallet,
		&staked, &judgeFee, &retention, &payout,
		&status, &e.SettlementNote, &e.AuthorizedAt, &e.EnteredAt, &e.LockedAt, &e.ForfeitedAt, &e.SettledAt, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return ledger.Entry{}, err
	}
	st, err := ledger.ParseStatus(status)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("store/postgres: %w", err)
	}
	e.Status = st
	e.WalletAddress = common.HexToAddress(wallet)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.AmountStaked, staked},
		{&e.JudgeFeeDeducted, judgeFee},
		{&e.SystemRetention, retention},
		{&e.RewardPayout, payout},
	} {
		if *f.dst, err = parseDecimal(f.src); err != nil {
			return ledger.Entry{}, err
		}
	}
	return e, nil
}

// Matches.

const matchColumns = `match_id, tournament_id, agent1_id, agent2_id, bracket_round, bracket_position,
	next_match_id, next_match_slot, status, winner_agent_id, forfeit_reason, created_at, updated_at`

func listMatches(ctx context.Context, q querier, tournamentID uuid.UUID) ([]tournament.Match, error) {
	rows, err := q.Query(ctx, `
		SELECT `+matchColumns+`
		FROM tournament_matches
		WHERE tournament_id = $1
		ORDER BY bracket_round ASC, bracket_position ASC
	`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list matches: %w", err)
	}
	defer rows.Close()

	var out []tournament.Match
	for rows.Next() {
		var (
			m      tournament.Match
			status string
		)
		if err := rows.Scan(
			&m.ID, &m.TournamentID, &m.AgentID1, &m.AgentID2, &m.Round, &m.Position,
			&m.NextMatchID, &m.NextMatchSlot, &status, &m.WinnerAgentID, &m.ForfeitReason, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store/postgres: scan match: %w", err)
		}
		m.Status = tournament.MatchStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list matches: %w", err)
	}
	return out, nil
}

// pgTx is the unit of work handed to InTx callbacks.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockTournament(ctx context.Context, id uuid.UUID) (tournament.Tournament, error) {
	return getTournament(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateTournament(ctx context.Context, tr tournament.Tournament) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tournaments
		SET status = $2,
			winner_agent_id = $3,
			matches_completed = $4,
			matches_forfeited = $5,
			started_at = $6,
			completed_at = $7,
			updated_at = $8
		WHERE tournament_id = $1
	`, tr.ID, string(tr.Status), tr.WinnerAgentID, tr.MatchesCompleted, tr.MatchesForfeited, tr.StartedAt, tr.CompletedAt, tr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store/postgres: update tournament: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return tournament.ErrNotFound
	}
	return nil
}

func (t *pgTx) FindEntry(ctx context.Context, tournamentID, agentID uuid.UUID) (tournament.Entry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM tournament_entries
		WHERE tournament_id = $1 AND agent_id = $2
	`, tournamentID, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return tournament.Entry{}, tournament.ErrEntryNotFound
	}
	if err != nil {
		return tournament.Entry{}, fmt.Errorf("store/postgres: find entry: %w", err)
	}
	return e, nil
}

func (t *pgTx) CountConfirmedEntries(ctx context.Context, tournamentID uuid.UUID) (int, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM tournament_entries WHERE tournament_id = $1 AND status = 'CONFIRMED'
	`, tournamentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store/postgres: count entries: %w", err)
	}
	return int(n), nil
}

func (t *pgTx) ListConfirmedEntries(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Entry, error) {
	return listEntries(ctx, t.tx, tournamentID, true)
}

func (t *pgTx) InsertEntry(ctx context.Context, e tournament.Entry) error {
	err := t.savepoint(ctx, func(sp pgx.Tx) error {
		_, err := sp.Exec(ctx, `
			INSERT INTO tournament_entries (
				entry_id, tournament_id, agent_id, wallet_address, status, seed_position, seed_snapshot_elo, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, e.ID, e.TournamentID, e.AgentID, walletText(e.WalletAddress), string(e.Status), e.SeedPosition, e.SeedSnapshotElo, e.CreatedAt, e.UpdatedAt)
		return err
	})
	if isUniqueViolation(err, entryUniqueIndex) {
		return tournament.ErrAlreadyEntered
	}
	if err != nil {
		return fmt.Errorf("store/postgres: insert entry: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEntry(ctx context.Context, e tournament.Entry) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE tournament_entries
		SET status = $2, seed_position = $3, seed_snapshot_elo = $4, updated_at = $5
		WHERE entry_id = $1
	`, e.ID, string(e.Status), e.SeedPosition, e.SeedSnapshotElo, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store/postgres: update entry: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return tournament.ErrEntryNotFound
	}
	return nil
}

func (t *pgTx) GetAgent(ctx context.Context, id uuid.UUID) (agent.Agent, error) {
	return getAgent(ctx, t.tx, id)
}

func (t *pgTx) GetRating(ctx context.Context, agentID uuid.UUID) (agent.Rating, error) {
	return getRating(ctx, t.tx, agentID)
}

func (t *pgTx) ReserveAuthorization(ctx context.Context, a payment.Authorization) error {
	err := t.savepoint(ctx, func(sp pgx.Tx) error {
		_, err := sp.Exec(ctx, `
			INSERT INTO payment_authorizations (
				authorization_id, tournament_id, entry_id, agent_id, wallet_address,
				request_nonce, idempotency_key, authorization_nonce, status, amount_authorized, chain_id,
				recipient_address, payment_header, failure_reason,
				received_at, verified_at, challenge_expires_at, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::text::numeric,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		`, a.ID, a.TournamentID, a.EntryID, a.AgentID, walletText(a.WalletAddress),
			a.RequestNonce, a.IdempotencyKey, a.AuthorizationNonce, string(a.Status), formatDecimal(a.Amount), int64(a.ChainID),
			recipientText(a.RecipientAddress), a.PaymentHeader, a.FailureReason,
			a.ReceivedAt, a.VerifiedAt, a.ChallengeExpiresAt, a.CreatedAt, a.UpdatedAt)
		return err
	})
	if isUniqueViolation(err, requestNonceUniqueIndex, idempotencyKeyUniqueIndex) {
		return payment.ErrReplay
	}
	if err != nil {
		return fmt.Errorf("store/postgres: insert authorization: %w", err)
	}
	return nil
}

func (t *pgTx) GetAuthorization(ctx context.Context, id uuid.UUID) (payment.Authorization, error) {
	a, err := scanAuthorization(t.tx.QueryRow(ctx, `
		SELECT `+authorizationColumns+`
		FROM payment_authorizations
		WHERE authorization_id = $1
		FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Authorization{}, payment.ErrNotFound
	}
	if err != nil {
		return payment.Authorization{}, fmt.Errorf("store/postgres: get authorization: %w", err)
	}
	return a, nil
}

func (t *pgTx) FindAuthorizationByIdempotencyKey(ctx context.Context, wallet common.Address, key string) (payment.Authorization, error) {
	a, err := scanAuthorization(t.tx.QueryRow(ctx, `
		SELECT `+authorizationColumns+`
		FROM payment_authorizations
		WHERE wallet_address = $1 AND idempotency_key = $2 AND status <> 'REPLAY_REJECTED'
		FOR UPDATE
	`, walletText(wallet), key))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Authorization{}, payment.ErrNotFound
	}
	if err != nil {
		return payment.Authorization{}, fmt.Errorf("store/postgres: find authorization: %w", err)
	}
	return a, nil
}

func (t *pgTx) UpdateAuthorization(ctx context.Context, a payment.Authorization) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payment_authorizations
		SET entry_id = $2,
			status = $3,
			amount_authorized = $4::text::numeric,
			failure_reason = $5,
			verified_at = $6,
			updated_at = $7
		WHERE authorization_id = $1
	`, a.ID, a.EntryID, string(a.Status), formatDecimal(a.Amount), a.FailureReason, a.VerifiedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store/postgres: update authorization: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return payment.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetLedgerByAuthorization(ctx context.Context, authorizationID uuid.UUID) (ledger.Entry, error) {
	e, err := scanLedger(t.tx.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM staking_ledger
		WHERE payment_authorization_id = $1
	`, authorizationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("store/postgres: get ledger: %w", err)
	}
	return e, nil
}

func (t *pgTx) ListLedger(ctx context.Context, tournamentID uuid.UUID) ([]ledger.Entry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM staking_ledger
		WHERE tournament_id = $1
		ORDER BY ledger_id ASC
	`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan ledger: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list ledger: %w", err)
	}
	return out, nil
}

func (t *pgTx) UpsertLedger(ctx context.Context, e ledger.Entry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO staking_ledger (
			ledger_id, tournament_id, entry_id, payment_authorization_id, agent_id, wallet_address,
			amount_staked, judge_fee_deducted, system_retention, reward_payout,
			status, settlement_note, authorized_at, entered_at, locked_at, forfeited_at, settled_at, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,
			$7::text::numeric,$8::text::numeric,$9::text::numeric,$10::text::numeric,
			$11,$12,$13,$14,$15,$16,$17,$18,$19
		)
		ON CONFLICT (ledger_id) DO UPDATE SET
			tournament_id = EXCLUDED.tournament_id,
			entry_id = EXCLUDED.entry_id,
			agent_id = EXCLUDED.agent_id,
			wallet_address = EXCLUDED.wallet_address,
			amount_staked = EXCLUDED.amount_staked,
			judge_fee_deducted = EXCLUDED.judge_fee_deducted,
			system_retention = EXCLUDED.system_retention,
			reward_payout = EXCLUDED.reward_payout,
			status = EXCLUDED.status,
			settlement_note = EXCLUDED.settlement_note,
			authorized_at = EXCLUDED.authorized_at,
			entered_at = EXCLUDED.entered_at,
			locked_at = EXCLUDED.locked_at,
			forfeited_at = EXCLUDED.forfeited_at,
			settled_at = EXCLUDED.settled_at,
			updated_at = EXCLUDED.updated_at
		WHERE staking_ledger.payment_authorization_id = EXCLUDED.payment_authorization_id
	`, e.ID, e.TournamentID, e.EntryID, e.PaymentAuthorizationID, e.AgentID, walletText(e.WalletAddress),
		formatDecimal(e.AmountStaked), formatDecimal(e.JudgeFeeDeducted), formatDecimal(e.SystemRetention), formatDecimal(e.RewardPayout),
		string(e.Status), e.SettlementNote, e.AuthorizedAt, e.EnteredAt, e.LockedAt, e.ForfeitedAt, e.SettledAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store/postgres: upsert ledger: %w", err)
	}
	return nil
}

func (t *pgTx) ListMatches(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Match, error) {
	return listMatches(ctx, t.tx, tournamentID)
}

func (t *pgTx) InsertMatches(ctx context.Context, ms []tournament.Match) error {
	for _, m := range ms {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO tournament_matches (
				match_id, tournament_id, agent1_id, agent2_id, bracket_round, bracket_position,
				next_match_id, next_match_slot, status, winner_agent_id, forfeit_reason, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, m.ID, m.TournamentID, m.AgentID1, m.AgentID2, m.Round, m.Position,
			m.NextMatchID, m.NextMatchSlot, string(m.Status), m.WinnerAgentID, m.ForfeitReason, m.CreatedAt, m.UpdatedAt); err != nil {
			return fmt.Errorf("store/postgres: insert match: %w", err)
		}
	}
	return nil
}

// savepoint runs fn in a nested transaction so a constraint violation does not
// abort the enclosing unit of work.
func (t *pgTx) savepoint(ctx context.Context, fn func(sp pgx.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func isUniqueViolation(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	for _, c := range constraints {
		if pgErr.ConstraintName == c {
			return true
		}
	}
	return false
}

func walletText(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func recipientText(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func formatDecimal(d decimal.Decimal) string {
	return d.StringFixed(6)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("store/postgres: parse numeric %q: %w", s, err)
	}
	return d, nil
}
