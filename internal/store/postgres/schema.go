package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	wallet_address TEXT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT agents_name_nonempty CHECK (name <> ''),
	CONSTRAINT agents_wallet_format CHECK (wallet_address ~ '^0x[a-f0-9]{40}$')
);

CREATE TABLE IF NOT EXISTS agent_ratings (
	agent_id UUID PRIMARY KEY REFERENCES agents(agent_id),
	current_elo INTEGER NOT NULL DEFAULT 1000,
	matches_played INTEGER NOT NULL DEFAULT 0,
	matches_won INTEGER NOT NULL DEFAULT 0,
	matches_forfeited INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT agent_ratings_counts_nonneg CHECK (matches_played >= 0 AND matches_won >= 0 AND matches_forfeited >= 0)
);

CREATE TABLE IF NOT EXISTS tournaments (
	tournament_id UUID PRIMARY KEY,
	topic TEXT NOT NULL,
	status TEXT NOT NULL,
	bracket_size INTEGER NOT NULL,
	max_entries INTEGER NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	entry_close_time TIMESTAMPTZ NOT NULL,
	base_entry_fee NUMERIC(18,6) NOT NULL,
	winner_agent_id UUID,
	matches_completed INTEGER NOT NULL DEFAULT 0,
	matches_forfeited INTEGER NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,

	CONSTRAINT tournaments_status_valid CHECK (status IN ('SCHEDULED','LOCKED','IN_PROGRESS','COMPLETED','CANCELLED')),
	CONSTRAINT tournaments_topic_len CHECK (char_length(topic) BETWEEN 1 AND 280),
	CONSTRAINT tournaments_bracket_size_positive CHECK (bracket_size > 1),
	CONSTRAINT tournaments_max_entries_positive CHECK (max_entries > 0),
	CONSTRAINT tournaments_close_before_start CHECK (entry_close_time <= start_time),
	CONSTRAINT tournaments_fee_nonneg CHECK (base_entry_fee >= 0)
);

CREATE INDEX IF NOT EXISTS tournaments_status_start_idx ON tournaments (status, start_time);

CREATE TABLE IF NOT EXISTS tournament_entries (
	entry_id UUID PRIMARY KEY,
	tournament_id UUID NOT NULL REFERENCES tournaments(tournament_id),
	agent_id UUID NOT NULL REFERENCES agents(agent_id),
	wallet_address TEXT NOT NULL,
	status TEXT NOT NULL,
	seed_position INTEGER,
	seed_snapshot_elo INTEGER NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT tournament_entries_status_valid CHECK (status IN ('PENDING_PAYMENT','CONFIRMED')),
	CONSTRAINT tournament_entries_seed_positive CHECK (seed_position IS NULL OR seed_position > 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS tournament_entries_tournament_agent_uniq ON tournament_entries (tournament_id, agent_id);

CREATE TABLE IF NOT EXISTS payment_authorizations (
	authorization_id UUID PRIMARY KEY,
	tournament_id UUID NOT NULL REFERENCES tournaments(tournament_id),
	entry_id UUID REFERENCES tournament_entries(entry_id),
	agent_id UUID NOT NULL,
	wallet_address TEXT NOT NULL,
	request_nonce TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	authorization_nonce TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	amount_authorized NUMERIC(18,6) NOT NULL DEFAULT 0,
	chain_id BIGINT NOT NULL DEFAULT 0,
	recipient_address TEXT NOT NULL DEFAULT '',
	payment_header TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',

	received_at TIMESTAMPTZ NOT NULL,
	verified_at TIMESTAMPTZ,
	challenge_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT payment_authorizations_status_valid CHECK (status IN ('PENDING_VERIFICATION','AUTHORIZED','BYPASSED','REJECTED','REPLAY_REJECTED','EXPIRED')),
	CONSTRAINT payment_authorizations_request_nonce_len CHECK (char_length(request_nonce) BETWEEN 1 AND 128),
	CONSTRAINT payment_authorizations_idempotency_key_len CHECK (char_length(idempotency_key) BETWEEN 1 AND 128),
	CONSTRAINT payment_authorizations_amount_nonneg CHECK (amount_authorized >= 0),
	CONSTRAINT payment_authorizations_chain_id_nonneg CHECK (chain_id >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS payment_authorizations_wallet_request_nonce_uniq
	ON payment_authorizations (wallet_address, request_nonce)
	WHERE status <> 'REPLAY_REJECTED';
CREATE UNIQUE INDEX IF NOT EXISTS payment_authorizations_wallet_idempotency_key_uniq
	ON payment_authorizations (wallet_address, idempotency_key)
	WHERE status <> 'REPLAY_REJECTED';
CREATE INDEX IF NOT EXISTS payment_authorizations_tournament_idx ON payment_authorizations (tournament_id, created_at);
CREATE INDEX IF NOT EXISTS payment_authorizations_pending_idx
	ON payment_authorizations (challenge_expires_at)
	WHERE status = 'PENDING_VERIFICATION';

CREATE TABLE IF NOT EXISTS staking_ledger (
	ledger_id UUID PRIMARY KEY,
	tournament_id UUID NOT NULL REFERENCES tournaments(tournament_id),
	entry_id UUID NOT NULL REFERENCES tournament_entries(entry_id),
	payment_authorization_id UUID NOT NULL REFERENCES payment_authorizations(authorization_id),
	agent_id UUID NOT NULL,
	wallet_address TEXT NOT NULL,
	amount_staked NUMERIC(18,6) NOT NULL,
	judge_fee_deducted NUMERIC(18,6) NOT NULL DEFAULT 0,
	system_retention NUMERIC(18,6) NOT NULL DEFAULT 0,
	reward_payout NUMERIC(18,6) NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	settlement_note TEXT NOT NULL DEFAULT '',

	authorized_at TIMESTAMPTZ,
	entered_at TIMESTAMPTZ,
	locked_at TIMESTAMPTZ,
	forfeited_at TIMESTAMPTZ,
	settled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT staking_ledger_status_valid CHECK (status IN ('AUTHORIZED','ENTERED','LOCKED','SETTLED','FORFEITED','CANCELLED')),
	CONSTRAINT staking_ledger_amounts_nonneg CHECK (amount_staked >= 0 AND judge_fee_deducted >= 0 AND system_retention >= 0 AND reward_payout >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS staking_ledger_authorization_uniq ON staking_ledger (payment_authorization_id);
CREATE INDEX IF NOT EXISTS staking_ledger_tournament_idx ON staking_ledger (tournament_id);

CREATE TABLE IF NOT EXISTS tournament_matches (
	match_id UUID PRIMARY KEY,
	tournament_id UUID NOT NULL REFERENCES tournaments(tournament_id),
	agent1_id UUID,
	agent2_id UUID,
	bracket_round INTEGER NOT NULL,
	bracket_position INTEGER NOT NULL,
	next_match_id UUID,
	next_match_slot INTEGER,
	status TEXT NOT NULL,
	winner_agent_id UUID,
	forfeit_reason TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT tournament_matches_status_valid CHECK (status IN ('SCHEDULED','COMPLETED','FORFEITED')),
	CONSTRAINT tournament_matches_round_positive CHECK (bracket_round > 0 AND bracket_position > 0),
	CONSTRAINT tournament_matches_slot_range CHECK (next_match_slot IS NULL OR next_match_slot IN (1, 2))
);

CREATE UNIQUE INDEX IF NOT EXISTS tournament_matches_position_uniq ON tournament_matches (tournament_id, bracket_round, bracket_position);

CREATE TABLE IF NOT EXISTS arena_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
