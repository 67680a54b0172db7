package arenaapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawgic/arena/internal/admission"
	"github.com/clawgic/arena/internal/agent"
	"github.com/clawgic/arena/internal/bracket"
	"github.com/clawgic/arena/internal/evidence"
	"github.com/clawgic/arena/internal/metrics"
	"github.com/clawgic/arena/internal/money"
	"github.com/clawgic/arena/internal/payment"
	"github.com/clawgic/arena/internal/tournament"
	"github.com/clawgic/arena/internal/x402"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrInvalidConfig = errors.New("arenaapi: invalid config")

// PaymentConfig is the public payment configuration served on /v1/config.
type PaymentConfig struct {
	Enabled          bool
	DevBypass        bool
	Network          string
	ChainID          uint64
	TokenAddress     common.Address
	TokenDecimals    uint8
	RecipientAddress common.Address
	NonceTTL         time.Duration
}

type Config struct {
	Payment     PaymentConfig
	BracketSize int

	MaxBodyBytes      int64
	RateLimitRPS      float64
	RateLimitBurst    int
	RateLimitClients  int
	TrustProxyHeaders bool
	// AdminJWTSecret enables bearer authentication on admin routes when set.
	AdminJWTSecret string

	Log *slog.Logger
	Now func() time.Time
}

type TournamentService interface {
	Create(ctx context.Context, in tournament.CreateInput) (tournament.Tournament, error)
	Get(ctx context.Context, id uuid.UUID) (tournament.Tournament, error)
	Detail(ctx context.Context, id uuid.UUID) (tournament.Detail, error)
}

type AgentService interface {
	Create(ctx context.Context, in agent.CreateInput) (agent.Agent, agent.Rating, error)
	Get(ctx context.Context, id uuid.UUID) (agent.Agent, agent.Rating, error)
}

type Admitter interface {
	Enter(ctx context.Context, tournamentID, agentID uuid.UUID, rawHeader string) (admission.Result, error)
}

type BracketBuilder interface {
	Build(ctx context.Context, tournamentID uuid.UUID) ([]tournament.Match, error)
}

type Listings interface {
	Upcoming(ctx context.Context) ([]tournament.Summary, error)
	Results(ctx context.Context) ([]tournament.Detail, error)
	Invalidate(ctx context.Context) error
}

type AuthorizationReader interface {
	ListAuthorizations(ctx context.Context, tournamentID uuid.UUID) ([]payment.Authorization, error)
}

type EvidenceLoader interface {
	Load(ctx context.Context, a payment.Authorization) (payment.Evidence, error)
}

// Services are the handler's collaborators. Evidence is optional.
type Services struct {
	Tournaments    TournamentService
	Agents         AgentService
	Admission      Admitter
	Brackets       BracketBuilder
	Listings       Listings
	Authorizations AuthorizationReader
	Evidence       EvidenceLoader
}

func NewHandler(cfg Config, svc Services) (http.Handler, error) {
	if svc.Tournaments == nil || svc.Agents == nil || svc.Admission == nil ||
		svc.Brackets == nil || svc.Listings == nil || svc.Authorizations == nil {
		return nil, fmt.Errorf("%w: nil service", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitClients <= 0 {
		cfg.RateLimitClients = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	h := &handler{
		cfg:         cfg,
		svc:         svc,
		log:         log,
		limiter:     newClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitClients),
		adminSecret: []byte(strings.TrimSpace(cfg.AdminJWTSecret)),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	// Health checks and scrapes must never be throttled.
	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/config", h.handleConfig)

		r.With(h.requireAdmin).Post("/agents", h.handleCreateAgent)
		r.Get("/agents/{agentId}", h.handleGetAgent)

		r.Route("/tournaments", func(r chi.Router) {
			r.Get("/", h.handleListUpcoming)
			r.Get("/results", h.handleListResults)
			r.With(h.requireAdmin).Post("/", h.handleCreateTournament)

			r.Route("/{tournamentId}", func(r chi.Router) {
				r.Get("/", h.handleGetTournament)
				r.Post("/enter", h.handleEnter)

				r.Group(func(r chi.Router) {
					r.Use(h.requireAdmin)
					r.Post("/bracket", h.handleBuildBracket)
					r.Get("/authorizations", h.handleListAuthorizations)
					if svc.Evidence != nil {
						r.Get("/authorizations/{authorizationId}/evidence", h.handleGetEvidence)
					}
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r, nil
}

type handler struct {
	cfg Config
	svc Services
	log *slog.Logger

	limiter     *clientRateLimiter
	adminSecret []byte
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	p := h.cfg.Payment
	body := map[string]any{
		"version":         "v1",
		"x402Enabled":     p.Enabled,
		"devBypass":       p.DevBypass,
		"network":         p.Network,
		"chainId":         p.ChainID,
		"tokenAddress":    p.TokenAddress.Hex(),
		"tokenDecimals":   p.TokenDecimals,
		"paymentHeader":   x402.HeaderName,
		"nonceTtlSeconds": int64(p.NonceTTL / time.Second),
		"bracketSize":     h.cfg.BracketSize,
	}
	if p.RecipientAddress != (common.Address{}) {
		body["recipientAddress"] = p.RecipientAddress.Hex()
	}
	writeJSON(w, http.StatusOK, body)
}

type createAgentRequest struct {
	Name          string `json:"name"`
	WalletAddress string `json:"walletAddress"`
}

func (h *handler) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[createAgentRequest](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	a, rating, err := h.svc.Agents.Create(r.Context(), agent.CreateInput{Name: req.Name, WalletAddress: req.WalletAddress})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": "v1", "agent": agentDTO(a, rating)})
}

func (h *handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "agentId", "invalid_agent_id")
	if !ok {
		return
	}
	a, rating, err := h.svc.Agents.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "agent": agentDTO(a, rating)})
}

type createTournamentRequest struct {
	Topic            string  `json:"topic"`
	StartTime        string  `json:"startTime"`
	EntryCloseTime   *string `json:"entryCloseTime"`
	BaseEntryFeeUSDC *string `json:"baseEntryFeeUsdc"`
}

func (h *handler) handleCreateTournament(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[createTournamentRequest](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	var in tournament.CreateInput
	in.Topic = req.Topic
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start_time", "startTime must be an RFC 3339 timestamp")
		return
	}
	in.StartTime = start
	if req.EntryCloseTime != nil {
		closeAt, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.EntryCloseTime))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_close_time", "entryCloseTime must be an RFC 3339 timestamp")
			return
		}
		in.EntryCloseTime = &closeAt
	}
	if req.BaseEntryFeeUSDC != nil {
		fee, err := money.Parse(*req.BaseEntryFeeUSDC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_base_entry_fee", "baseEntryFeeUsdc must be a decimal amount")
			return
		}
		in.BaseEntryFee = &fee
	}

	t, err := h.svc.Tournaments.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.invalidateListings(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":    "v1",
		"tournament": detailDTO(tournament.Detail{Tournament: t}),
	})
}

func (h *handler) handleListUpcoming(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.Listings.Upcoming(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]summaryJSON, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, summaryDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "tournaments": out})
}

func (h *handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	details, err := h.svc.Listings.Results(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]detailJSON, 0, len(details))
	for _, d := range details {
		out = append(out, detailDTO(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "tournaments": out})
}

func (h *handler) handleGetTournament(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tournamentId", "invalid_tournament_id")
	if !ok {
		return
	}
	d, err := h.svc.Tournaments.Detail(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "tournament": detailDTO(d)})
}

type enterRequest struct {
	AgentID string `json:"agentId"`
}

func (h *handler) handleEnter(w http.ResponseWriter, r *http.Request) {
	tournamentID, ok := pathID(w, r, "tournamentId", "invalid_tournament_id")
	if !ok {
		return
	}
	req, ok := decodeJSONBody[enterRequest](w, r, h.cfg.MaxBodyBytes)
	if !ok {
		return
	}
	agentID, err := uuid.Parse(strings.TrimSpace(req.AgentID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_agent_id", "agentId must be a UUID")
		return
	}

	start := h.cfg.Now()
	res, err := h.svc.Admission.Enter(r.Context(), tournamentID, agentID, r.Header.Get(x402.HeaderName))
	elapsed := h.cfg.Now().Sub(start)
	if err != nil {
		var ae *admission.Error
		if errors.As(err, &ae) {
			metrics.Arena().ObserveAdmission("refused", ae.Code, elapsed)
			writeAdmissionError(w, ae)
			return
		}
		metrics.Arena().ObserveAdmission("refused", "internal", elapsed)
		h.log.Error("enter tournament", "tournamentId", tournamentID, "agentId", agentID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	metrics.Arena().ObserveAdmission(res.Outcome.String(), res.Code(), elapsed)

	switch res.Outcome {
	case admission.OutcomeEntered:
		status := http.StatusCreated
		body := map[string]any{
			"version":  "v1",
			"entry":    entryDTO(res.Entry),
			"existing": res.Existing,
		}
		if res.Existing {
			status = http.StatusOK
		} else {
			body["authorization"] = authorizationDTO(res.Authorization)
			body["ledgerStatus"] = string(res.Ledger.Status)
		}
		writeJSON(w, status, body)
	case admission.OutcomePending:
		secs := int64((res.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"version":           "v1",
			"error":             res.Code(),
			"message":           res.Reason,
			"authorizationId":   res.Authorization.ID.String(),
			"retryAfterSeconds": secs,
		})
	default:
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"version":         "v1",
			"error":           res.Code(),
			"message":         res.Reason,
			"authorizationId": res.Authorization.ID.String(),
		})
	}
}

func (h *handler) handleBuildBracket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tournamentId", "invalid_tournament_id")
	if !ok {
		return
	}
	matches, err := h.svc.Brackets.Build(r.Context(), id)
	if err != nil {
		var be *bracket.Error
		if errors.As(err, &be) {
			metrics.Arena().RecordBracketBuild(be.Code)
			status := http.StatusConflict
			if be.Code == bracket.CodeTournamentNotFound {
				status = http.StatusNotFound
			}
			writeError(w, status, be.Code, be.Message)
			return
		}
		metrics.Arena().RecordBracketBuild("internal")
		h.writeServiceError(w, err)
		return
	}
	metrics.Arena().RecordBracketBuild("")
	h.invalidateListings(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":      "v1",
		"tournamentId": id.String(),
		"matches":      matchesDTO(matches),
	})
}

func (h *handler) handleListAuthorizations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tournamentId", "invalid_tournament_id")
	if !ok {
		return
	}
	if _, err := h.svc.Tournaments.Get(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	as, err := h.svc.Authorizations.ListAuthorizations(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]authorizationJSON, 0, len(as))
	for _, a := range as {
		out = append(out, authorizationDTO(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "authorizations": out})
}

func (h *handler) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	tournamentID, ok := pathID(w, r, "tournamentId", "invalid_tournament_id")
	if !ok {
		return
	}
	authorizationID, ok := pathID(w, r, "authorizationId", "invalid_authorization_id")
	if !ok {
		return
	}
	as, err := h.svc.Authorizations.ListAuthorizations(r.Context(), tournamentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	for _, a := range as {
		if a.ID != authorizationID {
			continue
		}
		ev, err := h.svc.Evidence.Load(r.Context(), a)
		if errors.Is(err, evidence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "evidence_not_found", "no evidence archived for authorization "+a.ID.String())
			return
		}
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ev)
		return
	}
	writeError(w, http.StatusNotFound, "authorization_not_found", "authorization not found: "+authorizationID.String())
}

func (h *handler) invalidateListings(ctx context.Context) {
	if err := h.svc.Listings.Invalidate(ctx); err != nil {
		h.log.Warn("invalidate listings", "err", err)
	}
}

// writeServiceError maps registry and store errors onto the response envelope.
func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	var tv *tournament.ValidationError
	var av *agent.ValidationError
	switch {
	case errors.As(err, &tv):
		writeError(w, http.StatusBadRequest, tv.Code, tv.Message)
	case errors.As(err, &av):
		writeError(w, http.StatusBadRequest, av.Code, av.Message)
	case errors.Is(err, tournament.ErrNotFound):
		writeError(w, http.StatusNotFound, admission.CodeTournamentNotFound, "tournament not found")
	case errors.Is(err, agent.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
	case errors.Is(err, tournament.ErrMisconfigured):
		h.log.Error("misconfigured", "err", err)
		writeError(w, http.StatusInternalServerError, admission.CodeMisconfigured, "server is misconfigured")
	default:
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeAdmissionError(w http.ResponseWriter, ae *admission.Error) {
	if ae.Kind == admission.KindPaymentRequired && ae.Challenge != nil {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"version":     "v1",
			"error":       ae.Code,
			"message":     ae.Message,
			"x402Version": ae.Challenge.X402Version,
			"accepts":     ae.Challenge.Accepts,
		})
		return
	}
	writeError(w, statusForKind(ae.Kind), ae.Code, ae.Message)
}

func statusForKind(k admission.Kind) int {
	switch k {
	case admission.KindNotFound:
		return http.StatusNotFound
	case admission.KindConflict:
		return http.StatusConflict
	case admission.KindMalformedInput:
		return http.StatusBadRequest
	case admission.KindPaymentRequired:
		return http.StatusPaymentRequired
	case admission.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, param)))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, param+" must be a UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   errCode,
		"message": message,
	})
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a single JSON object")
		return out, false
	}
	return out, true
}
