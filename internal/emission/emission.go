// Package emission enforces daily currency issuance caps and moves
// internal balances.
//
// Cap exhaustion is a normal business outcome, not an error: callers treat
// a false EmitReward result as "reward forced to zero" and continue.
package emission

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/config"
	"github.com/aibaverse/arena-engine/internal/metrics"
	"github.com/aibaverse/arena-engine/internal/store"
)

// dayFormat buckets emission totals by UTC calendar day.
const dayFormat = "2006-01-02"

// Ledger fronts the store's emission and balance operations with policy
// caps. It holds no counters itself: every replica shares the same store
// rows, and the store's conditional updates arbitrate all races.
type Ledger struct {
	store  store.Store
	policy *config.PolicyProvider
	now    func() time.Time
}

// NewLedger creates an emission ledger.
func NewLedger(st store.Store, policy *config.PolicyProvider) *Ledger {
	return &Ledger{store: st, policy: policy, now: time.Now}
}

// WithClock overrides the clock, for tests crossing day boundaries.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// day returns the UTC bucket at the moment of the increment, not at
// request arrival, so delayed processing cannot leak across midnight.
func (l *Ledger) day() string {
	return l.now().UTC().Format(dayFormat)
}

// EmitReward issues amount of currency to ownerID against today's global
// and scope caps, deduplicated by sourceID. The cap increments and the
// balance credit commit in one store transaction, so a retried source
// neither burns cap headroom twice nor credits twice. Returns false when a
// cap would be breached; in that case nothing was incremented or credited.
func (l *Ledger) EmitReward(ctx context.Context, ownerID, currency string, amount decimal.Decimal, scope, sourceID string) (bool, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return true, nil
	}

	ok, err := l.store.EmitAndCredit(ctx, l.day(), currency, scope, amount,
		l.policy.GlobalCap(currency), l.policy.CategoryCap(currency, scope),
		ownerID, sourceID)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.EmissionRejections.WithLabelValues(currency).Inc()
		slog.Info("emission cap reached",
			"currency", currency,
			"scope", scope,
			"amount", amount.String(),
		)
	}
	return ok, nil
}

// CreditNoCap credits an owner outside the daily emission policy (pool
// payouts, internal transfers). Deduplicated by sourceID so retries cannot
// double-credit; returns whether the credit was applied.
func (l *Ledger) CreditNoCap(ctx context.Context, ownerID, currency string, amount decimal.Decimal, sourceID string) (bool, error) {
	return l.store.CreditBalance(ctx, ownerID, currency, amount, sourceID)
}

// Debit decreases an owner's balance, failing with
// store.ErrInsufficientFunds and no partial effect when it cannot cover
// the amount. The day's spend total is updated for audit.
func (l *Ledger) Debit(ctx context.Context, ownerID, currency string, amount decimal.Decimal) error {
	if err := l.store.DebitBalance(ctx, ownerID, currency, amount); err != nil {
		return err
	}
	if err := l.RecordSpend(ctx, currency, amount); err != nil {
		// The debit itself committed; the audit total is best-effort.
		slog.Warn("record spend failed", "currency", currency, "err", err)
	}
	return nil
}

// RecordSpend adds amount to today's spend audit total, for debits the
// store applied on its own (stake placement).
func (l *Ledger) RecordSpend(ctx context.Context, currency string, amount decimal.Decimal) error {
	return l.store.RecordSpend(ctx, l.day(), currency, amount)
}

// Burn permanently removes currency from an owner's balance.
func (l *Ledger) Burn(ctx context.Context, ownerID, currency string, amount decimal.Decimal) error {
	if err := l.store.DebitBalance(ctx, ownerID, currency, amount); err != nil {
		return err
	}
	if err := l.store.RecordBurn(ctx, l.day(), currency, amount); err != nil {
		slog.Warn("record burn failed", "currency", currency, "err", err)
	}
	return nil
}
