// Package model defines the core domain types shared across the arena
// economy engine. All monetary values use shopspring/decimal — never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency codes handled by the engine.
const (
	CurrencyAIBA = "AIBA"
	CurrencyGEM  = "GEM"
)

// Subject is a snapshot of one battle actor. The snapshot is read once at
// the start of a settlement, before any write to the subject's cooldown or
// stamina, so the simulation never observes post-mutation state.
type Subject struct {
	ID            string    `json:"id" db:"id"`
	OwnerID       string    `json:"owner_id" db:"owner_id"`
	Level         int       `json:"level" db:"level"`
	Attack        int       `json:"attack" db:"attack"`
	Defense       int       `json:"defense" db:"defense"`
	Stamina       int       `json:"stamina" db:"stamina"`
	CooldownUntil time.Time `json:"cooldown_until" db:"cooldown_until"`
}

// Balance is one owner's internal holding of one currency.
type Balance struct {
	OwnerID  string          `json:"owner_id" db:"owner_id"`
	Currency string          `json:"currency" db:"currency"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
}

// Claim is a signed withdrawal authorization against the external vault.
// Built once per successful settlement that has a withdrawal address on
// file; never mutated. Payload and Signature are base64 transport encodings
// of the fixed-order binary payload and its detached Ed25519 signature.
type Claim struct {
	VaultAddress string `json:"vault_address"`
	TokenID      string `json:"token_id"`
	Recipient    string `json:"recipient"`
	Amount       uint64 `json:"amount"` // smallest unit
	Sequence     uint64 `json:"sequence"`
	Expiry       uint32 `json:"expiry"` // unix seconds
	Payload      string `json:"payload"`
	Signature    string `json:"signature"`
}

// SettlementRecord is the immutable outcome of one battle request, keyed by
// the client-supplied request token. Never mutated once created.
type SettlementRecord struct {
	RequestToken string                     `json:"request_token" db:"request_token"`
	OwnerID      string                     `json:"owner_id" db:"owner_id"`
	SubjectID    string                     `json:"subject_id" db:"subject_id"`
	Category     string                     `json:"category" db:"category"`
	SubCategory  string                     `json:"sub_category" db:"sub_category"`
	Seed         string                     `json:"seed" db:"seed"` // hex
	Score        int64                      `json:"score" db:"score"`
	Flags        []string                   `json:"flags" db:"flags"`
	Rewards      map[string]decimal.Decimal `json:"rewards" db:"rewards"` // currency → amount
	Claim        *Claim                     `json:"claim,omitempty" db:"claim"`
	CreatedAt    time.Time                  `json:"created_at" db:"created_at"`
}

// EmissionDay tracks currency issuance for one UTC calendar day. One row
// per (day, currency); the global counter and the per-category map are
// updated together through a single conditional increment. Rows are created
// lazily and never deleted (retained for audit).
type EmissionDay struct {
	Day             string                     `json:"day" db:"day"` // YYYY-MM-DD, UTC
	Currency        string                     `json:"currency" db:"currency"`
	GlobalEmitted   decimal.Decimal            `json:"global_emitted" db:"global_emitted"`
	CategoryEmitted map[string]decimal.Decimal `json:"category_emitted" db:"category_emitted"`
	Burned          decimal.Decimal            `json:"burned" db:"burned"`
	Spent           decimal.Decimal            `json:"spent" db:"spent"`
}

// Lock statuses for idempotency rows.
const (
	LockInProgress = "in_progress"
	LockCompleted  = "completed"
	LockFailed     = "failed"
)

// IdempotencyLock arbitrates concurrent retries of one logical request.
// Uniqueness over (scope, token, owner) decides the single winner; the
// stored response lets losers replay the winner's result verbatim.
type IdempotencyLock struct {
	Scope     string    `json:"scope" db:"scope"`
	Token     string    `json:"token" db:"token"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Status    string    `json:"status" db:"status"`
	Response  []byte    `json:"response,omitempty" db:"response"`
	LastError string    `json:"last_error,omitempty" db:"last_error"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Pool event statuses.
const (
	PoolOpen      = "open"
	PoolResolving = "resolving"
	PoolResolved  = "resolved"
	PoolCancelled = "cancelled"
)

// Pool bet sides.
const (
	SideA = "A"
	SideB = "B"
)

// PoolEvent is a two-sided betting pool on a pair of competing subjects.
// It transitions open → resolving → resolved exactly once; the resolving
// transition commits together with the treasury fee entry, computed from
// the row's totals at that moment. An open pool may instead be cancelled,
// which refunds every stake.
type PoolEvent struct {
	ID         string          `json:"id" db:"id"`
	SubjectA   string          `json:"subject_a" db:"subject_a"`
	SubjectB   string          `json:"subject_b" db:"subject_b"`
	Category   string          `json:"category" db:"category"`
	Status     string          `json:"status" db:"status"`
	TotalA     decimal.Decimal `json:"total_a" db:"total_a"`
	TotalB     decimal.Decimal `json:"total_b" db:"total_b"`
	FeeRate    decimal.Decimal `json:"fee_rate" db:"fee_rate"` // e.g. 0.03
	Winner     string          `json:"winner,omitempty" db:"winner"`
	FeeAmount  decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Bet is one bettor's stake on one side of a pool event.
type Bet struct {
	ID           string          `json:"id" db:"id"`
	EventID      string          `json:"event_id" db:"event_id"`
	OwnerID      string          `json:"owner_id" db:"owner_id"`
	Side         string          `json:"side" db:"side"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	RequestToken string          `json:"request_token" db:"request_token"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Policy scope value for the row holding a currency's global daily cap.
const PolicyScopeGlobal = "global"

// Policy configures the emission cap and reward multiplier for one currency
// and one scope (a category code, or "global"). Rows are read-only from the
// engine's perspective and hot-reloadable by an external admin surface.
type Policy struct {
	Currency   string          `json:"currency" db:"currency"`
	Scope      string          `json:"scope" db:"scope"`
	DailyCap   decimal.Decimal `json:"daily_cap" db:"daily_cap"`
	Multiplier decimal.Decimal `json:"multiplier" db:"multiplier"`
}

// Owner holds per-player account data the engine needs: the registered
// withdrawal address (empty until the player links a wallet).
type Owner struct {
	ID                string    `json:"id" db:"id"`
	WithdrawalAddress string    `json:"withdrawal_address,omitempty" db:"withdrawal_address"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
