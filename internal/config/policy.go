package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/model"
)

// PolicyStore is the slice of the persistence layer the provider reads.
type PolicyStore interface {
	ListPolicies(ctx context.Context) ([]model.Policy, error)
}

// PolicyProvider serves emission caps and reward multipliers. Rows are
// loaded from the store and refreshed periodically, so an external admin
// surface can hot-reload policy without restarting the engine. Lookups
// fall back to configured defaults when no row matches.
type PolicyProvider struct {
	store              PolicyStore
	defaultGlobalCap   decimal.Decimal
	defaultCategoryCap decimal.Decimal

	mu       sync.RWMutex
	policies map[string]model.Policy // currency|scope
}

// NewPolicyProvider creates a provider with the given fallback caps.
func NewPolicyProvider(store PolicyStore, defaultGlobalCap, defaultCategoryCap decimal.Decimal) *PolicyProvider {
	return &PolicyProvider{
		store:              store,
		defaultGlobalCap:   defaultGlobalCap,
		defaultCategoryCap: defaultCategoryCap,
		policies:           make(map[string]model.Policy),
	}
}

// Refresh reloads all policy rows from the store.
func (p *PolicyProvider) Refresh(ctx context.Context) error {
	rows, err := p.store.ListPolicies(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]model.Policy, len(rows))
	for _, row := range rows {
		fresh[row.Currency+"|"+row.Scope] = row
	}

	p.mu.Lock()
	p.policies = fresh
	p.mu.Unlock()
	return nil
}

// Run refreshes on a fixed interval until the context is cancelled.
// A failed refresh keeps serving the last good snapshot.
func (p *PolicyProvider) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				slog.Warn("policy refresh failed", "err", err)
			}
		}
	}
}

func (p *PolicyProvider) lookup(currency, scope string) (model.Policy, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	row, ok := p.policies[currency+"|"+scope]
	return row, ok
}

// GlobalCap returns the daily global emission cap for a currency.
func (p *PolicyProvider) GlobalCap(currency string) decimal.Decimal {
	if row, ok := p.lookup(currency, model.PolicyScopeGlobal); ok {
		return row.DailyCap
	}
	return p.defaultGlobalCap
}

// CategoryCap returns the daily emission cap for one (currency, category).
func (p *PolicyProvider) CategoryCap(currency, category string) decimal.Decimal {
	if row, ok := p.lookup(currency, category); ok {
		return row.DailyCap
	}
	return p.defaultCategoryCap
}

// Multiplier returns the reward multiplier for one (currency, category);
// the category row wins over the global row. A zero multiplier means the
// currency is not rewarded for that category.
func (p *PolicyProvider) Multiplier(currency, category string) decimal.Decimal {
	if row, ok := p.lookup(currency, category); ok {
		return row.Multiplier
	}
	if row, ok := p.lookup(currency, model.PolicyScopeGlobal); ok {
		return row.Multiplier
	}
	return decimal.Zero
}

// Currencies returns every currency that has at least one policy row.
func (p *PolicyProvider) Currencies() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	var currencies []string
	for _, row := range p.policies {
		if !seen[row.Currency] {
			seen[row.Currency] = true
			currencies = append(currencies, row.Currency)
		}
	}
	return currencies
}
