// Package pool implements two-sided betting pools on subject pairs:
// stake placement with exposure limits, and transactional resolution with
// proportional payouts.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pool

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/category"
	"github.com/aibaverse/arena-engine/internal/model"
)

// payoutPrecision bounds payout fractions to the token's decimal places.
// The truncation remainder is swept to the treasury as dust.
const payoutPrecision = 9

var (
	// ErrPerEventLimitExceeded is returned when a bet would push the
	// owner's stake in a single event beyond the per-event maximum.
	ErrPerEventLimitExceeded = errors.New("pool: per-event stake limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a bet would push the
	// owner's aggregate open stake across events in the same game mode
	// beyond the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("pool: correlated stake limit exceeded")
)

// StakeLimiter enforces stake limits with correlation awareness.
//
// Pools in the same game mode resolve off the same battle engine and tend
// to move together (a tournament bracket settles many pools at once), so
// exposure is aggregated per mode rather than per event only.
type StakeLimiter struct {
	// MaxPerEvent is the maximum total stake one owner may place on a
	// single pool event, across both sides.
	MaxPerEvent decimal.Decimal

	// MaxCorrelated is the maximum aggregate open stake across all events
	// whose categories share a correlation group.
	MaxCorrelated decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given per-event and
// correlated stake limits.
func NewStakeLimiter(maxPerEvent, maxCorrelated decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerEvent:   maxPerEvent,
		MaxCorrelated: maxCorrelated,
	}
}

// Check validates whether a new stake respects both limits.
//
// Parameters:
//   - cat: the parsed category of the target event
//   - stake: the new stake amount
//   - currentInEvent: the owner's existing stake on the target event
//   - openStakes: category code → the owner's total stake across all
//     still-open events (the target event included)
func (l *StakeLimiter) Check(
	cat *category.Category,
	stake, currentInEvent decimal.Decimal,
	openStakes map[string]decimal.Decimal,
) error {
	if currentInEvent.Add(stake).GreaterThan(l.MaxPerEvent) {
		return ErrPerEventLimitExceeded
	}

	group := cat.CorrelationGroup()
	total := stake
	for code, amount := range openStakes {
		c, err := category.Parse(code)
		if err != nil {
			continue
		}
		if c.CorrelationGroup() == group {
			total = total.Add(amount)
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}

// Distribute splits the distributable amount among winning bets in
// proportion to stake, truncating each payout. Multiple bets by one owner
// are combined. Returns owner → payout and the truncation dust; when the
// winning side holds no stake, the full amount is returned as dust.
func Distribute(distributable decimal.Decimal, winners []model.Bet) (map[string]decimal.Decimal, decimal.Decimal) {
	payouts := make(map[string]decimal.Decimal)

	totalWinning := decimal.Zero
	stakes := make(map[string]decimal.Decimal)
	for _, b := range winners {
		totalWinning = totalWinning.Add(b.Amount)
		stakes[b.OwnerID] = stakes[b.OwnerID].Add(b.Amount)
	}
	if totalWinning.LessThanOrEqual(decimal.Zero) {
		return payouts, distributable
	}

	paid := decimal.Zero
	for owner, stake := range stakes {
		payout := distributable.Mul(stake).Div(totalWinning).Truncate(payoutPrecision)
		payouts[owner] = payout
		paid = paid.Add(payout)
	}

	return payouts, distributable.Sub(paid)
}
