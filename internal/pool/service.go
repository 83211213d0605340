package pool

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
	"github.com/aibaverse/arena-engine/internal/emission"
	"github.com/aibaverse/arena-engine/internal/idempotency"
	"github.com/aibaverse/arena-engine/internal/metrics"
	"github.com/aibaverse/arena-engine/internal/model"
	"github.com/aibaverse/arena-engine/internal/store"
	"github.com/aibaverse/arena-engine/internal/ws"
)

// BetScope is the idempotency scope for stake placement requests.
const BetScope = "pool-bet"

// defaultFeeRate applies when pool creation does not specify one.
var defaultFeeRate = decimal.NewFromFloat(0.03)

// Service handles pool event operations. Stateless; the store arbitrates
// all cross-replica races, including the open → resolving transition.
type Service struct {
	store      store.Store
	ledger     *emission.Ledger
	guard      *idempotency.Guard
	limiter    *StakeLimiter
	hub        *ws.Hub // optional WebSocket hub for real-time broadcasts
	treasuryID string
	now        func() time.Time
}

// NewService creates a pool service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, ledger *emission.Ledger, guard *idempotency.Guard, limiter *StakeLimiter, hub *ws.Hub, treasuryID string) *Service {
	return &Service{
		store:      st,
		ledger:     ledger,
		guard:      guard,
		limiter:    limiter,
		hub:        hub,
		treasuryID: treasuryID,
		now:        time.Now,
	}
}

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for pool creation.
type CreatePoolRequest struct {
	SubjectA string          `json:"subject_a"`
	SubjectB string          `json:"subject_b"`
	Category string          `json:"category"`
	FeeRate  decimal.Decimal `json:"fee_rate"` // 0 → default 0.03
}

// BetRequest is the JSON body for POST /pools/{eventID}/bets.
type BetRequest struct {
	RequestToken string          `json:"request_token"`
	OwnerID      string          `json:"owner_id"`
	Side         string          `json:"side"` // "A" or "B"
	Amount       decimal.Decimal `json:"amount"`
}

// BetResponse is the JSON body returned from a placed bet. Replays of the
// same request token return these bytes verbatim.
type BetResponse struct {
	BetID        string          `json:"bet_id"`
	EventID      string          `json:"event_id"`
	OwnerID      string          `json:"owner_id"`
	Side         string          `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	TotalA       decimal.Decimal `json:"total_a"`
	TotalB       decimal.Decimal `json:"total_b"`
}

// ResolveRequest is the JSON body for POST /pools/{eventID}/resolve.
type ResolveRequest struct {
	Winner string `json:"winner"` // "A" or "B"
}

// ResolveResponse summarizes a completed resolution.
type ResolveResponse struct {
	EventID   string                     `json:"event_id"`
	Winner    string                     `json:"winner"`
	FeeAmount decimal.Decimal            `json:"fee_amount"`
	Payouts   map[string]decimal.Decimal `json:"payouts"` // owner → amount
}

// CancelResponse summarizes a cancelled pool and its refunds.
type CancelResponse struct {
	EventID string                     `json:"event_id"`
	Status  string                     `json:"status"`
	Refunds map[string]decimal.Decimal `json:"refunds"` // owner → amount
}

// --- HTTP Handlers ---

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.SubjectA == "" || req.SubjectB == "" {
		writeError(w, "subject_a and subject_b are required", http.StatusBadRequest)
		return
	}
	if req.SubjectA == req.SubjectB {
		writeError(w, "a pool needs two distinct subjects", http.StatusBadRequest)
		return
	}
	if _, err := category.Parse(req.Category); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	feeRate := req.FeeRate
	if feeRate.LessThanOrEqual(decimal.Zero) {
		feeRate = defaultFeeRate
	}
	if feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		writeError(w, "fee_rate must be below 1", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	for _, id := range []string{req.SubjectA, req.SubjectB} {
		if _, err := s.store.GetSubject(ctx, id); err != nil {
			writeError(w, "subject not found: "+id, http.StatusNotFound)
			return
		}
	}

	event := &model.PoolEvent{
		ID:        uuid.New().String(),
		SubjectA:  req.SubjectA,
		SubjectB:  req.SubjectB,
		Category:  req.Category,
		Status:    model.PoolOpen,
		TotalA:    decimal.Zero,
		TotalB:    decimal.Zero,
		FeeRate:   feeRate,
		FeeAmount: decimal.Zero,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreatePoolEvent(ctx, event); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("pool created",
		"id", event.ID,
		"subject_a", req.SubjectA,
		"subject_b", req.SubjectB,
		"category", req.Category,
		"fee_rate", feeRate.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(event)
}

// GetPool handles GET /api/v1/pools/{eventID}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := s.store.GetPoolEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, "pool event not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(event)
}

// PlaceBet handles POST /api/v1/pools/{eventID}/bets
// Debits the stake and adds it to one side, exactly once per request token.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RequestToken == "" {
		writeError(w, "request_token is required", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideA && req.Side != model.SideB {
		writeError(w, "side must be A or B", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	event, err := s.store.GetPoolEvent(ctx, eventID)
	if err != nil {
		writeError(w, "pool event not found", http.StatusNotFound)
		return
	}
	if event.Status != model.PoolOpen {
		writeError(w, "pool is not open for betting", http.StatusConflict)
		return
	}

	acq, err := s.guard.Acquire(ctx, BetScope, req.RequestToken, req.OwnerID)
	if err != nil {
		writeError(w, "failed to acquire request lock", http.StatusInternalServerError)
		return
	}
	switch acq.State {
	case idempotency.StateReplay:
		metrics.DuplicateRequests.WithLabelValues(BetScope).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Write(acq.StoredResponse)
		return
	case idempotency.StateInProgress:
		writeError(w, "request is already being processed, retry later", http.StatusConflict)
		return
	}

	data, err := s.placeBet(ctx, event, &req)
	if err != nil {
		if failErr := s.guard.Fail(ctx, BetScope, req.RequestToken, req.OwnerID, err); failErr != nil {
			slog.Error("failed to mark bet lock failed",
				"token", req.RequestToken, "err", failErr)
		}
		s.writeBetError(w, req.RequestToken, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// placeBet runs the stake pipeline for a freshly acquired request and
// returns the response bytes stored on the lock.
func (s *Service) placeBet(ctx context.Context, event *model.PoolEvent, req *BetRequest) ([]byte, error) {
	cat, err := category.Parse(event.Category)
	if err != nil {
		return nil, err
	}

	currentInEvent, err := s.ownerEventStake(ctx, event.ID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	openStakes, err := s.store.GetOwnerOpenStakes(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Check(cat, req.Amount, currentInEvent, openStakes); err != nil {
		return nil, err
	}

	// The bet row, the debit, and the side total commit in one store
	// transaction keyed by the request token: a failed attempt leaves no
	// partial placement, and a retried token places nothing twice.
	bet := &model.Bet{
		ID:           uuid.New().String(),
		EventID:      event.ID,
		OwnerID:      req.OwnerID,
		Side:         req.Side,
		Amount:       req.Amount,
		RequestToken: req.RequestToken,
		CreatedAt:    s.now().UTC(),
	}
	applied, err := s.store.StakeBet(ctx, bet)
	if err != nil {
		return nil, err
	}
	if applied {
		if err := s.ledger.RecordSpend(ctx, model.CurrencyAIBA, req.Amount); err != nil {
			// The stake committed; the audit total is best-effort.
			slog.Warn("record spend failed", "token", req.RequestToken, "err", err)
		}
	}

	updated, err := s.store.GetPoolEvent(ctx, event.ID)
	if err != nil {
		return nil, err
	}

	resp := BetResponse{
		BetID:   bet.ID,
		EventID: event.ID,
		OwnerID: req.OwnerID,
		Side:    req.Side,
		Amount:  req.Amount,
		TotalA:  updated.TotalA,
		TotalB:  updated.TotalB,
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Complete(ctx, BetScope, req.RequestToken, req.OwnerID, data); err != nil {
		return nil, err
	}

	slog.Info("bet placed",
		"event", event.ID,
		"owner", req.OwnerID,
		"side", req.Side,
		"amount", req.Amount.String(),
	)

	return data, nil
}

// ownerEventStake sums the owner's existing bets on one event, both sides.
func (s *Service) ownerEventStake(ctx context.Context, eventID, ownerID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, side := range []string{model.SideA, model.SideB} {
		bets, err := s.store.ListBetsBySide(ctx, eventID, side)
		if err != nil {
			return decimal.Zero, err
		}
		for _, b := range bets {
			if b.OwnerID == ownerID {
				total = total.Add(b.Amount)
			}
		}
	}
	return total, nil
}

func (s *Service) writeBetError(w http.ResponseWriter, token string, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, "insufficient funds", http.StatusConflict)
	case errors.Is(err, store.ErrPoolNotOpen):
		writeError(w, "pool is not open for betting", http.StatusConflict)
	case errors.Is(err, ErrPerEventLimitExceeded), errors.Is(err, ErrCorrelatedLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		corrID := uuid.New().String()
		slog.Error("bet placement failed",
			"token", token, "correlation_id", corrID, "err", err)
		writeError(w, "bet failed, correlation_id="+corrID, http.StatusInternalServerError)
	}
}

// Resolve handles POST /api/v1/pools/{eventID}/resolve
// Transitions the pool to resolving, pays winners proportionally, and
// finishes as resolved. Safe to call again after a mid-payout crash: the
// status transition is won once, and every credit is deduplicated.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Winner != model.SideA && req.Winner != model.SideB {
		writeError(w, "winner must be A or B", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	feeSourceID := "poolfee:" + eventID

	began, err := s.store.BeginPoolResolution(ctx, eventID, req.Winner, s.treasuryID, feeSourceID, s.now().UTC())
	if err != nil {
		writeError(w, "failed to begin resolution", http.StatusInternalServerError)
		return
	}

	// Read the post-transition row: totals are frozen once the status
	// leaves open, and the fee was computed from those same totals inside
	// the transition, so a stake that raced the resolution is still part
	// of the distributable pot.
	event, err := s.store.GetPoolEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "pool event not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load pool event", http.StatusInternalServerError)
		return
	}
	if !began {
		// Someone else already moved the pool out of open. Resuming a
		// stuck resolving pool with the same winner is allowed — that is
		// the crash-recovery path.
		if event.Status != model.PoolResolving || event.Winner != req.Winner {
			writeError(w, "pool is not open for resolution", http.StatusConflict)
			return
		}
	}
	fee := event.FeeAmount

	winners, err := s.store.ListBetsBySide(ctx, eventID, req.Winner)
	if err != nil {
		writeError(w, "failed to load winning bets", http.StatusInternalServerError)
		return
	}

	distributable := event.TotalA.Add(event.TotalB).Sub(fee)
	payouts, dust := Distribute(distributable, winners)

	// Pay each winner; credits are keyed per (event, bettor), so retries
	// after a partial failure skip what already landed.
	for owner, amount := range payouts {
		sourceID := "pool:" + eventID + ":" + owner
		if _, err := s.ledger.CreditNoCap(ctx, owner, model.CurrencyAIBA, amount, sourceID); err != nil {
			metrics.PayoutFailures.Inc()
			corrID := uuid.New().String()
			slog.Error("payout failed mid-distribution",
				"event", eventID, "owner", owner,
				"amount", amount.String(), "correlation_id", corrID, "err", err)
			writeError(w, "payout failed, correlation_id="+corrID, http.StatusInternalServerError)
			return
		}
	}
	if dust.GreaterThan(decimal.Zero) {
		if _, err := s.ledger.CreditNoCap(ctx, s.treasuryID, model.CurrencyAIBA, dust, "pooldust:"+eventID); err != nil {
			metrics.PayoutFailures.Inc()
			writeError(w, "dust sweep failed", http.StatusInternalServerError)
			return
		}
	}

	if err := s.store.FinishPoolResolution(ctx, eventID); err != nil {
		writeError(w, "failed to finish resolution", http.StatusInternalServerError)
		return
	}

	metrics.PoolResolutions.Inc()
	slog.Info("pool resolved",
		"event", eventID,
		"winner", req.Winner,
		"fee", fee.String(),
		"winners", len(payouts),
		"dust", dust.String(),
	)

	if s.hub != nil {
		s.hub.Broadcast(ws.Message{
			Type:    "pool_resolved",
			EventID: eventID,
			Winner:  req.Winner,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ResolveResponse{
		EventID:   eventID,
		Winner:    req.Winner,
		FeeAmount: fee,
		Payouts:   payouts,
	})
}

// Cancel handles POST /api/v1/pools/{eventID}/cancel
// Voids an open pool and returns every stake. Refund credits are keyed per
// bet, so calling cancel again after a partial failure only pays what has
// not landed yet.
func (s *Service) Cancel(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	ctx := r.Context()

	cancelled, err := s.store.CancelPoolEvent(ctx, eventID)
	if err != nil {
		writeError(w, "failed to cancel pool", http.StatusInternalServerError)
		return
	}

	event, err := s.store.GetPoolEvent(ctx, eventID)
	if err != nil {
		writeError(w, "pool event not found", http.StatusNotFound)
		return
	}
	if !cancelled && event.Status != model.PoolCancelled {
		writeError(w, "only an open pool can be cancelled", http.StatusConflict)
		return
	}

	refunds := make(map[string]decimal.Decimal)
	for _, side := range []string{model.SideA, model.SideB} {
		bets, err := s.store.ListBetsBySide(ctx, eventID, side)
		if err != nil {
			writeError(w, "failed to load bets", http.StatusInternalServerError)
			return
		}
		for _, b := range bets {
			sourceID := "poolrefund:" + eventID + ":" + b.ID
			if _, err := s.ledger.CreditNoCap(ctx, b.OwnerID, model.CurrencyAIBA, b.Amount, sourceID); err != nil {
				metrics.PayoutFailures.Inc()
				corrID := uuid.New().String()
				slog.Error("refund failed mid-cancellation",
					"event", eventID, "owner", b.OwnerID,
					"amount", b.Amount.String(), "correlation_id", corrID, "err", err)
				writeError(w, "refund failed, correlation_id="+corrID, http.StatusInternalServerError)
				return
			}
			refunds[b.OwnerID] = refunds[b.OwnerID].Add(b.Amount)
		}
	}

	slog.Info("pool cancelled",
		"event", eventID,
		"refunded_owners", len(refunds),
	)

	if s.hub != nil {
		s.hub.Broadcast(ws.Message{
			Type:    "pool_cancelled",
			EventID: eventID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CancelResponse{
		EventID: eventID,
		Status:  model.PoolCancelled,
		Refunds: refunds,
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
