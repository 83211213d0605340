// Package store defines the persistence interface for the arena economy
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// All cross-replica invariants — emission caps, balance debits, idempotency
// arbitration, pool resolution — are enforced here, not by in-process locks:
// the service runs as multiple stateless replicas against one database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned by DebitBalance when the balance
	// cannot cover the amount. The debit has no partial effect.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrInsufficientStamina is returned by SpendSubjectResources when the
	// subject's stamina cannot cover the cost.
	ErrInsufficientStamina = errors.New("store: insufficient stamina")

	// ErrPoolNotOpen is returned when a stake or resolution targets a pool
	// event that is no longer open.
	ErrPoolNotOpen = errors.New("store: pool event not open")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot reads.
type Store interface {
	// --- Subjects and owners ---

	// CreateSubject persists a new battle subject.
	CreateSubject(ctx context.Context, s *model.Subject) error

	// GetSubject retrieves a subject snapshot by ID.
	GetSubject(ctx context.Context, id string) (*model.Subject, error)

	// SpendSubjectResources decrements stamina and sets the cooldown in one
	// conditional update; fails with ErrInsufficientStamina otherwise.
	SpendSubjectResources(ctx context.Context, id string, staminaCost int, cooldownUntil time.Time) error

	// UpsertOwner creates or updates an owner row.
	UpsertOwner(ctx context.Context, o *model.Owner) error

	// GetOwner retrieves an owner by ID.
	GetOwner(ctx context.Context, id string) (*model.Owner, error)

	// --- Balances ---

	// GetBalances returns all currency balances for an owner.
	GetBalances(ctx context.Context, ownerID string) ([]model.Balance, error)

	// CreditBalance unconditionally credits an owner, deduplicated by
	// sourceID: retries with the same sourceID apply at most once. Returns
	// whether the credit was applied (false = duplicate).
	CreditBalance(ctx context.Context, ownerID, currency string, amount decimal.Decimal, sourceID string) (bool, error)

	// DebitBalance conditionally debits an owner; ErrInsufficientFunds if
	// the balance cannot cover the amount.
	DebitBalance(ctx context.Context, ownerID, currency string, amount decimal.Decimal) error

	// --- Emission ledger ---

	// EmitAndCredit issues amount of currency to ownerID against the day's
	// caps, deduplicated by sourceID. The global counter, the scope-keyed
	// category counter, and the balance credit move in one transaction: a
	// retried sourceID neither re-consumes cap headroom nor re-credits.
	// Returns false on cap breach (no partial effect); a duplicate source
	// reports true, since the prior attempt already emitted and credited.
	EmitAndCredit(ctx context.Context, day, currency, scope string, amount, globalCap, categoryCap decimal.Decimal, ownerID, sourceID string) (bool, error)

	// RecordSpend adds to the day's spend total (stake debits and the like).
	RecordSpend(ctx context.Context, day, currency string, amount decimal.Decimal) error

	// RecordBurn adds to the day's burn total.
	RecordBurn(ctx context.Context, day, currency string, amount decimal.Decimal) error

	// GetEmissionDay returns the audit row for one (day, currency).
	GetEmissionDay(ctx context.Context, day, currency string) (*model.EmissionDay, error)

	// --- Idempotency locks ---

	// InsertLock attempts the insert-wins-the-race acquisition. Returns
	// true if this caller inserted the row; false if it already existed.
	InsertLock(ctx context.Context, lock *model.IdempotencyLock) (bool, error)

	// GetLock reads an existing lock row.
	GetLock(ctx context.Context, scope, token, ownerID string) (*model.IdempotencyLock, error)

	// ResetFailedLock flips a failed lock back to in_progress so the action
	// can be retried. Returns false if the lock was not in failed state.
	ResetFailedLock(ctx context.Context, scope, token, ownerID string, expiresAt time.Time) (bool, error)

	// CompleteLock stores the response snapshot and extends the TTL.
	CompleteLock(ctx context.Context, scope, token, ownerID string, response []byte, expiresAt time.Time) error

	// FailLock records the failure cause and extends the TTL for a bounded
	// retry window.
	FailLock(ctx context.Context, scope, token, ownerID, cause string, expiresAt time.Time) error

	// DeleteExpiredLocks reaps locks whose TTL has passed.
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)

	// --- Settlements ---

	// InsertSettlement appends an immutable settlement record.
	InsertSettlement(ctx context.Context, r *model.SettlementRecord) error

	// GetSettlement retrieves a settlement by request token.
	GetSettlement(ctx context.Context, requestToken string) (*model.SettlementRecord, error)

	// --- Pool events ---

	// CreatePoolEvent persists a new betting pool.
	CreatePoolEvent(ctx context.Context, e *model.PoolEvent) error

	// GetPoolEvent retrieves a pool event by ID.
	GetPoolEvent(ctx context.Context, id string) (*model.PoolEvent, error)

	// StakeBet places one bet atomically: the bet row (unique per event and
	// request token) is the idempotency anchor, and the balance debit and
	// side-total increment commit with it or not at all. A replayed token
	// finds the existing row, writes its ID back into b, and changes
	// nothing else (applied = false).
	StakeBet(ctx context.Context, b *model.Bet) (bool, error)

	// ListBetsBySide returns all bets on one side of an event.
	ListBetsBySide(ctx context.Context, eventID, side string) ([]model.Bet, error)

	// GetOwnerOpenStakes returns the owner's total stake per category
	// across all still-open events.
	GetOwnerOpenStakes(ctx context.Context, ownerID string) (map[string]decimal.Decimal, error)

	// BeginPoolResolution transitions the event open → resolving and books
	// the treasury fee in one transaction. The fee is computed from the
	// row's own totals inside the transition, so stakes that land right up
	// to it are still counted. Returns false if the event was not open (a
	// concurrent resolver won).
	BeginPoolResolution(ctx context.Context, eventID, winner, treasuryID, feeSourceID string, resolvedAt time.Time) (bool, error)

	// FinishPoolResolution transitions resolving → resolved after all
	// payouts have been distributed.
	FinishPoolResolution(ctx context.Context, eventID string) error

	// CancelPoolEvent transitions the event open → cancelled. Returns
	// false if the event was not open.
	CancelPoolEvent(ctx context.Context, eventID string) (bool, error)

	// --- Policies ---

	// ListPolicies returns all emission/reward policy rows.
	ListPolicies(ctx context.Context) ([]model.Policy, error)

	// UpsertPolicy creates or replaces one policy row.
	UpsertPolicy(ctx context.Context, p *model.Policy) error
}
