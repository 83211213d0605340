// Package settlement provides the HTTP handlers and orchestration for
// battle settlement: idempotent acquisition, deterministic simulation,
// cap-checked reward emission, resource spend, and claim issuance.
//
// All monetary values use shopspring/decimal — never float64 for money.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/category"
	"github.com/aibaverse/arena-engine/internal/claim"
	"github.com/aibaverse/arena-engine/internal/config"
	"github.com/aibaverse/arena-engine/internal/emission"
	"github.com/aibaverse/arena-engine/internal/idempotency"
	"github.com/aibaverse/arena-engine/internal/metrics"
	"github.com/aibaverse/arena-engine/internal/model"
	"github.com/aibaverse/arena-engine/internal/outcome"
	"github.com/aibaverse/arena-engine/internal/store"
	"github.com/aibaverse/arena-engine/internal/ws"
)

// Scope is the idempotency scope for battle settlement requests.
const Scope = "battle"

// ErrSubjectCooldown is returned when the subject is still cooling down
// from a previous battle.
var ErrSubjectCooldown = errors.New("settlement: subject on cooldown")

// Service orchestrates battle settlement. It is stateless: every replica
// shares the same store, and all races are arbitrated there.
type Service struct {
	store       store.Store
	ledger      *emission.Ledger
	guard       *idempotency.Guard
	policy      *config.PolicyProvider
	issuer      *claim.Issuer // nil → claims are always skipped
	hub         *ws.Hub       // optional WebSocket hub for broadcasts
	seedSecret  []byte
	staminaCost int
	cooldown    time.Duration
	now         func() time.Time
}

// NewService creates a settlement service. Pass nil for issuer when the
// vault collaborator is not configured, and nil for hub when WebSocket
// broadcasting is not needed.
func NewService(
	st store.Store,
	ledger *emission.Ledger,
	guard *idempotency.Guard,
	policy *config.PolicyProvider,
	issuer *claim.Issuer,
	hub *ws.Hub,
	seedSecret []byte,
	staminaCost int,
	cooldown time.Duration,
) *Service {
	return &Service{
		store:       st,
		ledger:      ledger,
		guard:       guard,
		policy:      policy,
		issuer:      issuer,
		hub:         hub,
		seedSecret:  seedSecret,
		staminaCost: staminaCost,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// --- Request/Response types ---

// BattleRequest is the JSON body for POST /battles. The request token is
// client-generated and scopes retries: resubmitting the same token replays
// the original result without re-running anything.
type BattleRequest struct {
	RequestToken string `json:"request_token"`
	SubjectID    string `json:"subject_id"`
	Category     string `json:"category"`     // {mode}-{tier}[-{variant}]
	SubCategory  string `json:"sub_category"` // optional free-form refinement
}

// BattleResponse is the JSON body returned from POST /battles. Replays of
// the same request token return these bytes verbatim.
type BattleResponse struct {
	RequestToken string                     `json:"request_token"`
	SubjectID    string                     `json:"subject_id"`
	OwnerID      string                     `json:"owner_id"`
	Category     string                     `json:"category"`
	Score        int64                      `json:"score"`
	Flags        []string                   `json:"flags,omitempty"`
	Rewards      map[string]decimal.Decimal `json:"rewards"`
	Claim        *model.Claim               `json:"claim,omitempty"`
	ClaimPending bool                       `json:"claim_pending,omitempty"`
}

// --- HTTP Handlers ---

// SubmitBattle handles POST /api/v1/battles
// Settles one battle request exactly once per (token, owner).
func (s *Service) SubmitBattle(w http.ResponseWriter, r *http.Request) {
	var req BattleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation (before any lock is taken) ---
	if req.RequestToken == "" {
		writeError(w, "request_token is required", http.StatusBadRequest)
		return
	}
	if req.SubjectID == "" {
		writeError(w, "subject_id is required", http.StatusBadRequest)
		return
	}
	cat, err := category.Parse(req.Category)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Snapshot the subject before any write, so the simulation never
	// observes post-mutation state.
	subject, err := s.store.GetSubject(ctx, req.SubjectID)
	if err != nil {
		writeError(w, "subject not found", http.StatusNotFound)
		return
	}

	acq, err := s.guard.Acquire(ctx, Scope, req.RequestToken, subject.OwnerID)
	if err != nil {
		writeError(w, "failed to acquire request lock", http.StatusInternalServerError)
		return
	}

	switch acq.State {
	case idempotency.StateReplay:
		metrics.DuplicateRequests.WithLabelValues(Scope).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Write(acq.StoredResponse)
		return

	case idempotency.StateInProgress:
		writeError(w, "request is already being processed, retry later", http.StatusConflict)
		return
	}

	// Fresh: this caller owns the lock and runs the pipeline.
	start := s.now()
	data, err := s.settle(ctx, &req, cat, subject)
	if err != nil {
		if failErr := s.guard.Fail(ctx, Scope, req.RequestToken, subject.OwnerID, err); failErr != nil {
			slog.Error("failed to mark lock failed",
				"token", req.RequestToken, "err", failErr)
		}
		s.writeSettleError(w, req.RequestToken, err)
		return
	}

	metrics.SettlementsTotal.WithLabelValues(cat.Code).Inc()
	metrics.SettlementLatency.Observe(s.now().Sub(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// settle runs the full pipeline for a freshly acquired request and returns
// the response bytes. The same bytes are stored on the lock, so later
// replays are byte-identical to the first response.
func (s *Service) settle(ctx context.Context, req *BattleRequest, cat *category.Category, subject *model.Subject) ([]byte, error) {
	now := s.now()
	if subject.CooldownUntil.After(now) {
		return nil, ErrSubjectCooldown
	}

	// Spend stamina and arm the cooldown before any currency moves: a
	// subject that cannot pay the cost gets no reward.
	if err := s.store.SpendSubjectResources(ctx, subject.ID, s.staminaCost, now.Add(s.cooldown)); err != nil {
		return nil, err
	}

	seed := outcome.DeriveSeed(s.seedSecret,
		subject.OwnerID, subject.ID, cat.Code, req.SubCategory, req.RequestToken)
	out := outcome.Simulate(outcome.Snapshot{
		Level:   subject.Level,
		Attack:  subject.Attack,
		Defense: subject.Defense,
		Stamina: subject.Stamina,
	}, seed, cat.Mode)

	// Reward each configured currency: multiplier × score, forced to zero
	// when the daily cap cannot absorb it. Cap increment and credit commit
	// together, deduplicated by source, so a retried pipeline neither pays
	// twice nor burns cap headroom twice.
	rewards := make(map[string]decimal.Decimal)
	for _, currency := range s.policy.Currencies() {
		mult := s.policy.Multiplier(currency, cat.Code)
		if mult.LessThanOrEqual(decimal.Zero) {
			continue
		}
		amount := mult.Mul(decimal.NewFromInt(out.Score))

		sourceID := Scope + ":" + req.RequestToken + ":" + currency
		ok, err := s.ledger.EmitReward(ctx, subject.OwnerID, currency, amount, cat.Code, sourceID)
		if err != nil {
			return nil, err
		}
		if !ok {
			rewards[currency] = decimal.Zero
			continue
		}
		rewards[currency] = amount
	}

	signedClaim, claimPending := s.issueClaim(ctx, subject.OwnerID, rewards[model.CurrencyAIBA])

	record := &model.SettlementRecord{
		RequestToken: req.RequestToken,
		OwnerID:      subject.OwnerID,
		SubjectID:    subject.ID,
		Category:     cat.Code,
		SubCategory:  req.SubCategory,
		Seed:         seed.Hex(),
		Score:        out.Score,
		Flags:        out.Flags,
		Rewards:      rewards,
		Claim:        signedClaim,
		CreatedAt:    now.UTC(),
	}
	if err := s.store.InsertSettlement(ctx, record); err != nil {
		return nil, err
	}

	resp := BattleResponse{
		RequestToken: req.RequestToken,
		SubjectID:    subject.ID,
		OwnerID:      subject.OwnerID,
		Category:     cat.Code,
		Score:        out.Score,
		Flags:        out.Flags,
		Rewards:      rewards,
		Claim:        signedClaim,
		ClaimPending: claimPending,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}

	// Store exactly the bytes the client receives.
	if err := s.guard.Complete(ctx, Scope, req.RequestToken, subject.OwnerID, data); err != nil {
		return nil, err
	}

	slog.Info("battle settled",
		"token", req.RequestToken,
		"owner", subject.OwnerID,
		"subject", subject.ID,
		"category", cat.Code,
		"score", out.Score,
		"claim", signedClaim != nil,
	)

	if s.hub != nil {
		s.hub.Broadcast(ws.Message{
			Type:         "settlement",
			RequestToken: req.RequestToken,
			SubjectID:    subject.ID,
			Category:     cat.Code,
			Score:        out.Score,
		})
	}

	return data, nil
}

// issueClaim builds a signed withdrawal claim for the AIBA reward, or
// explains why it could not. A nil claim with claimPending=true means the
// reward is recorded and the player can request the claim again later; the
// settlement itself still completes.
func (s *Service) issueClaim(ctx context.Context, ownerID string, aibaReward decimal.Decimal) (c *model.Claim, claimPending bool) {
	if aibaReward.LessThanOrEqual(decimal.Zero) {
		return nil, false
	}
	if s.issuer == nil {
		metrics.ClaimSkips.WithLabelValues("vault_unconfigured").Inc()
		return nil, true
	}

	owner, err := s.store.GetOwner(ctx, ownerID)
	if err != nil || owner.WithdrawalAddress == "" {
		metrics.ClaimSkips.WithLabelValues("no_withdrawal_address").Inc()
		return nil, false
	}

	signedClaim, err := s.issuer.Issue(ctx, owner.WithdrawalAddress, aibaReward)
	if err != nil {
		// Fail closed: never sign against a guessed sequence number.
		metrics.ClaimSkips.WithLabelValues("vault_unavailable").Inc()
		slog.Warn("claim skipped, vault read failed", "owner", ownerID, "err", err)
		return nil, true
	}

	metrics.ClaimsIssued.Inc()
	return signedClaim, false
}

// writeSettleError maps pipeline errors to HTTP responses. Unexpected
// errors get a correlation ID so operators can find the log line.
func (s *Service) writeSettleError(w http.ResponseWriter, token string, err error) {
	switch {
	case errors.Is(err, ErrSubjectCooldown):
		writeError(w, "subject is on cooldown", http.StatusConflict)
	case errors.Is(err, store.ErrInsufficientStamina):
		writeError(w, "insufficient stamina", http.StatusConflict)
	default:
		corrID := uuid.New().String()
		slog.Error("settlement failed",
			"token", token, "correlation_id", corrID, "err", err)
		writeError(w, "settlement failed, correlation_id="+corrID, http.StatusInternalServerError)
	}
}

// GetSettlement handles GET /api/v1/settlements/{requestToken}
func (s *Service) GetSettlement(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "requestToken")

	record, err := s.store.GetSettlement(r.Context(), token)
	if err != nil {
		writeError(w, "settlement not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// CreateSubject handles POST /api/v1/subjects
func (s *Service) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var subject model.Subject
	if err := json.NewDecoder(r.Body).Decode(&subject); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if subject.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if subject.ID == "" {
		subject.ID = uuid.New().String()
	}

	if err := s.store.CreateSubject(r.Context(), &subject); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("subject created", "id", subject.ID, "owner", subject.OwnerID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(subject)
}

// GetSubject handles GET /api/v1/subjects/{subjectID}
func (s *Service) GetSubject(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")

	subject, err := s.store.GetSubject(r.Context(), subjectID)
	if err != nil {
		writeError(w, "subject not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(subject)
}

// GetBalances handles GET /api/v1/owners/{ownerID}/balances
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	balances, err := s.store.GetBalances(r.Context(), ownerID)
	if err != nil {
		writeError(w, "failed to load balances", http.StatusInternalServerError)
		return
	}
	if balances == nil {
		balances = []model.Balance{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balances)
}

// RegisterWithdrawalAddress handles PUT /api/v1/owners/{ownerID}/withdrawal-address
// Links the owner's wallet so future settlements can carry a claim.
func (s *Service) RegisterWithdrawalAddress(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := claim.ParseAddress(req.Address); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	owner := &model.Owner{
		ID:                ownerID,
		WithdrawalAddress: req.Address,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.store.UpsertOwner(r.Context(), owner); err != nil {
		writeError(w, "failed to save withdrawal address", http.StatusInternalServerError)
		return
	}

	slog.Info("withdrawal address registered", "owner", ownerID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(owner)
}

// GetEmissionDay handles GET /api/v1/emissions/{day}/{currency}
// Returns the audit row for one UTC day and currency.
func (s *Service) GetEmissionDay(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	currency := chi.URLParam(r, "currency")

	row, err := s.store.GetEmissionDay(r.Context(), day, currency)
	if err != nil {
		writeError(w, "no emissions recorded", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(row)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
