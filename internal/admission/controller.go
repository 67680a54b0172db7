package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/ledger"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/store"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/clawgic/arena/internal/x402"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	DefaultNonceTTL = 300 * time.Second

	replayReason = "replay detected: request nonce or idempotency key already used by this wallet"
)

type Outcome uint8

const (
	OutcomeEntered Outcome = iota + 1
	OutcomeRejected
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEntered:
		return "entered"
	case OutcomeRejected:
		return "rejected"
	case OutcomePending:
		return "pending"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Result is a committed admission outcome.
//
//   - OutcomeEntered: Entry, Authorization and Ledger are set. Existing reports an
//     idempotent repeat that wrote nothing; only Entry is set then.
//   - OutcomeRejected: Authorization is the REJECTED or REPLAY_REJECTED audit row.
//   - OutcomePending: Authorization is still PENDING_VERIFICATION and the same header
//     may be retried after RetryAfter.
type Result struct {
	Outcome Outcome

	Entry         tournament.Entry
	Authorization payment.Authorization
	Ledger        ledger.Entry
	Existing      bool

	Reason     string
	Replay     bool
	RetryAfter time.Duration
}

// Code is the stable response code for non-entered outcomes.
func (r Result) Code() string {
	switch {
	case r.Outcome == OutcomePending:
		return CodePaymentPending
	case r.Outcome == OutcomeRejected && r.Replay:
		return CodeReplayRejected
	case r.Outcome == OutcomeRejected:
		return CodePaymentRejected
	default:
		return ""
	}
}

// Sink observes committed results. Sink failures are logged and never change a result.
type Sink interface {
	Committed(ctx context.Context, tournamentID uuid.UUID, r Result) error
}

type Config struct {
	// EnforcePayment requires a verified X-PAYMENT header for every entry.
	EnforcePayment bool
	// DevBypass admits entries with a fabricated authorization while enforcement is off.
	DevBypass bool

	Verifier *x402.Verifier
	Network  string
	NonceTTL time.Duration

	Sinks []Sink
	Log   *slog.Logger

	Now   func() time.Time
	NewID func() uuid.UUID
}

// Controller is the only way an agent enters a tournament.
type Controller struct {
	cfg   Config
	store store.Store
	log   *slog.Logger
}

func NewController(cfg Config, st store.Store) (*Controller, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.EnforcePayment && cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: payment enforcement requires a verifier", ErrInvalidConfig)
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.New
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Controller{cfg: cfg, store: st, log: log}, nil
}

// Enter admits agentID into tournamentID. rawHeader is the X-PAYMENT header value, or
// empty when absent. A nil error means the Result was committed; an *Error means
// nothing was written.
func (c *Controller) Enter(ctx context.Context, tournamentID, agentID uuid.UUID, rawHeader string) (Result, error) {
	now := c.cfg.Now().UTC()

	// The header is decoded before the unit of work starts; its failure is reported
	// in order, after the tournament and agent checks.
	var (
		header    x402.Header
		hasHeader bool
		headerErr error
	)
	if c.cfg.EnforcePayment && strings.TrimSpace(rawHeader) != "" {
		header, headerErr = x402.ParseHeader(rawHeader)
		hasHeader = true
	}

	var res Result
	err := c.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.LockTournament(ctx, tournamentID)
		if errors.Is(err, tournament.ErrNotFound) {
			return newError(KindNotFound, CodeTournamentNotFound, "Tournament not found: %s", tournamentID)
		}
		if err != nil {
			return err
		}

		switch elig := tournament.IsOpenForEntry(t, now); elig.Openness {
		case tournament.NotOpen:
			c.logConflict(CodeTournamentNotOpen, t, agentID)
			return newError(KindConflict, CodeTournamentNotOpen, "%s", elig.Reason)
		case tournament.WindowClosed:
			c.logConflict(CodeEntryWindowClosed, t, agentID)
			return newError(KindConflict, CodeEntryWindowClosed, "%s", elig.Reason)
		}

		existing, err := tx.FindEntry(ctx, t.ID, agentID)
		switch {
		case err == nil:
			if !c.cfg.EnforcePayment {
				res = Result{Outcome: OutcomeEntered, Entry: existing, Existing: true}
				return nil
			}
			c.logConflict(CodeAlreadyEntered, t, agentID)
			return newError(KindConflict, CodeAlreadyEntered, "Agent %s has already entered tournament %s", agentID, t.ID)
		case !errors.Is(err, tournament.ErrEntryNotFound):
			return err
		}

		confirmed, err := tx.CountConfirmedEntries(ctx, t.ID)
		if err != nil {
			return err
		}
		if !tournament.HasCapacity(t, confirmed) {
			c.logConflict(CodeCapacityReached, t, agentID)
			return newError(KindConflict, CodeCapacityReached, "Tournament is full (%d/%d)", confirmed, t.MaxEntries)
		}

		ag, err := tx.GetAgent(ctx, agentID)
		if errors.Is(err, agent.ErrNotFound) || (err == nil && ag.WalletAddress == (common.Address{})) {
			return newError(KindNotFound, CodeInvalidAgent, "Agent %s not found or has no wallet", agentID)
		}
		if err != nil {
			return err
		}

		elo := agent.DefaultElo
		rating, err := tx.GetRating(ctx, agentID)
		switch {
		case err == nil:
			elo = rating.CurrentElo
		case !errors.Is(err, agent.ErrNotFound):
			return err
		}

		if !c.cfg.EnforcePayment {
			return c.bypass(ctx, tx, t, ag, elo, now, &res)
		}
		if !hasHeader {
			return c.paymentRequired(t)
		}
		if headerErr != nil {
			return newError(KindMalformedInput, CodeMalformedHeader, "%v", headerErr)
		}
		return c.pay(ctx, tx, t, ag, elo, header, now, &res)
	})
	if err != nil {
		var ae *Error
		if errors.As(err, &ae) {
			return Result{}, ae
		}
		return Result{}, fmt.Errorf("admission: enter: %w", err)
	}

	c.notify(ctx, tournamentID, res)
	return res, nil
}

func (c *Controller) bypass(ctx context.Context, tx store.Tx, t tournament.Tournament, ag agent.Agent, elo int, now time.Time, res *Result) error {
	if !c.cfg.DevBypass {
		return newError(KindUnavailable, CodeDevBypassDisabled, "Payment enforcement is disabled and dev bypass is off")
	}

	entry := tournament.NewConfirmedEntry(c.cfg.NewID(), t.ID, ag.ID, ag.WalletAddress, elo, now)
	if err := c.insertEntry(ctx, tx, t, entry); err != nil {
		return err
	}
	auth := payment.NewBypassed(c.cfg.NewID(), t.ID, ag.ID, entry.ID, ag.WalletAddress, t.BaseEntryFee, now)
	if c.cfg.Verifier != nil {
		auth.ChainID = c.cfg.Verifier.Config().ChainID
		auth.RecipientAddress = c.cfg.Verifier.Config().RecipientAddress
	}
	if err := tx.ReserveAuthorization(ctx, auth); err != nil {
		return err
	}
	le, err := c.upsertLedger(ctx, tx, entry, auth, payment.NoteBypassed, now)
	if err != nil {
		return err
	}
	*res = Result{Outcome: OutcomeEntered, Entry: entry, Authorization: auth, Ledger: le}
	return nil
}

func (c *Controller) paymentRequired(t tournament.Tournament) error {
	if c.cfg.Verifier == nil {
		return newError(KindMisconfigured, CodeMisconfigured, "payment verifier is not configured")
	}
	ch, err := c.cfg.Verifier.Challenge(
		c.cfg.Network,
		"/v1/tournaments/"+t.ID.String()+"/enter",
		"Entry fee for tournament "+t.ID.String(),
		t.BaseEntryFee,
		c.cfg.NonceTTL,
	)
	if err != nil {
		return err
	}
	e := newError(KindPaymentRequired, CodePaymentRequired, "%s header is required", x402.HeaderName)
	e.Challenge = &ch
	return e
}

func (c *Controller) pay(ctx context.Context, tx store.Tx, t tournament.Tournament, ag agent.Agent, elo int, h x402.Header, now time.Time, res *Result) error {
	vcfg := c.cfg.Verifier.Config()
	attempt, err := payment.NewPending(payment.PendingInput{
		ID:                 c.cfg.NewID(),
		TournamentID:       t.ID,
		AgentID:            ag.ID,
		Wallet:             ag.WalletAddress,
		RequestNonce:       h.RequestNonce,
		IdempotencyKey:     h.IdempotencyKey,
		AuthorizationNonce: h.AuthorizationNonce.Hex(),
		PaymentHeader:      h.Raw,
		ChainID:            vcfg.ChainID,
		Recipient:          vcfg.RecipientAddress,
		NonceTTL:           c.cfg.NonceTTL,
	}, now)
	if err != nil {
		return err
	}

	auth, err := c.reserve(ctx, tx, attempt)
	if errors.Is(err, payment.ErrReplay) {
		audit := payment.NewReplayRejected(c.cfg.NewID(), attempt, replayReason, now)
		if err := tx.ReserveAuthorization(ctx, audit); err != nil {
			return err
		}
		*res = Result{Outcome: OutcomeRejected, Authorization: audit, Reason: replayReason, Replay: true}
		return nil
	}
	if err != nil {
		return err
	}

	v := c.cfg.Verifier.Verify(h, t.BaseEntryFee, ag.WalletAddress, now)
	if v.Outcome == x402.OutcomePending && startsAfterWindow(h.Authorization.ValidAfter, auth) {
		reason := fmt.Sprintf("authorization not valid within the verification window: validAfter %d is after %d",
			h.Authorization.ValidAfter, auth.ChallengeExpiresAt.Unix())
		v = x402.Verification{Outcome: x402.OutcomeRejected, Reason: reason}
	}
	switch v.Outcome {
	case x402.OutcomeAuthorized:
	case x402.OutcomePending:
		*res = Result{
			Outcome:       OutcomePending,
			Authorization: auth,
			Reason:        v.Reason,
			RetryAfter:    retryAfter(h.Authorization.ValidAfter, now),
		}
		return nil
	default:
		rejected, err := auth.Reject(v.Reason, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateAuthorization(ctx, rejected); err != nil {
			return err
		}
		*res = Result{Outcome: OutcomeRejected, Authorization: rejected, Reason: v.Reason}
		return nil
	}

	authorized, err := auth.Authorize(v.Amount, now)
	if err != nil {
		return err
	}
	entry := tournament.NewConfirmedEntry(c.cfg.NewID(), t.ID, ag.ID, ag.WalletAddress, elo, now)
	if err := c.insertEntry(ctx, tx, t, entry); err != nil {
		return err
	}
	if authorized, err = authorized.LinkEntry(entry.ID, now); err != nil {
		return err
	}
	if err := tx.UpdateAuthorization(ctx, authorized); err != nil {
		return err
	}
	le, err := c.upsertLedger(ctx, tx, entry, authorized, payment.NoteAuthorized, now)
	if err != nil {
		return err
	}
	*res = Result{Outcome: OutcomeEntered, Entry: entry, Authorization: authorized, Ledger: le}
	return nil
}

// reserve claims the attempt's guarded pairs. A conflicting row that is the same
// logical request still awaiting verification is resumed instead of rejected.
func (c *Controller) reserve(ctx context.Context, tx store.Tx, attempt payment.Authorization) (payment.Authorization, error) {
	err := tx.ReserveAuthorization(ctx, attempt)
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, payment.ErrReplay) {
		return payment.Authorization{}, err
	}
	prior, ferr := tx.FindAuthorizationByIdempotencyKey(ctx, attempt.WalletAddress, attempt.IdempotencyKey)
	if ferr == nil && prior.IsRetryOf(attempt) {
		return prior, nil
	}
	if ferr != nil && !errors.Is(ferr, payment.ErrNotFound) {
		return payment.Authorization{}, ferr
	}
	return payment.Authorization{}, err
}

// startsAfterWindow reports whether validAfter falls past the pending row's challenge
// expiry, where the sweeper would expire the row before a retry could succeed.
func startsAfterWindow(validAfter uint64, a payment.Authorization) bool {
	if a.ChallengeExpiresAt == nil {
		return false
	}
	exp := a.ChallengeExpiresAt.Unix()
	return exp < 0 || validAfter > uint64(exp)
}

func (c *Controller) insertEntry(ctx context.Context, tx store.Tx, t tournament.Tournament, e tournament.Entry) error {
	err := tx.InsertEntry(ctx, e)
	if errors.Is(err, tournament.ErrAlreadyEntered) {
		c.logConflict(CodeAlreadyEntered, t, e.AgentID)
		return newError(KindConflict, CodeAlreadyEntered, "Agent %s has already entered tournament %s", e.AgentID, t.ID)
	}
	return err
}

func (c *Controller) upsertLedger(ctx context.Context, tx store.Tx, e tournament.Entry, a payment.Authorization, note string, now time.Time) (ledger.Entry, error) {
	var prior *ledger.Entry
	existing, err := tx.GetLedgerByAuthorization(ctx, a.ID)
	switch {
	case err == nil:
		prior = &existing
	case !errors.Is(err, ledger.ErrNotFound):
		return ledger.Entry{}, err
	}
	le, err := ledger.UpsertOnEntry(prior, ledger.EntryInput{
		ID:                     c.cfg.NewID(),
		TournamentID:           e.TournamentID,
		EntryID:                e.ID,
		PaymentAuthorizationID: a.ID,
		AgentID:                e.AgentID,
		Wallet:                 e.WalletAddress,
		Amount:                 a.Amount,
		Note:                   note,
	}, now)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := tx.UpsertLedger(ctx, le); err != nil {
		return ledger.Entry{}, err
	}
	return le, nil
}

func (c *Controller) logConflict(reason string, t tournament.Tournament, agentID uuid.UUID) {
	c.log.Warn("entry_conflict",
		"reason", reason,
		"tournamentId", t.ID,
		"agentId", agentID,
		"status", t.Status,
		"entryCloseTime", t.EntryCloseTime,
		"maxEntries", t.MaxEntries,
	)
}

func (c *Controller) notify(ctx context.Context, tournamentID uuid.UUID, res Result) {
	if res.Existing {
		return
	}
	for _, s := range c.cfg.Sinks {
		if err := s.Committed(ctx, tournamentID, res); err != nil {
			c.log.Warn("admission sink failed",
				"tournamentId", tournamentID,
				"outcome", res.Outcome,
				"err", err,
			)
		}
	}
}

func retryAfter(validAfter uint64, now time.Time) time.Duration {
	d := time.Unix(int64(validAfter), 0).Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}
