package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps under one mutex. Used
// for testing and development. The mutex gives it the same atomicity
// guarantees per operation that PostgreSQL gives through conditional
// updates, so invariant tests exercise the real semantics.
type MemoryStore struct {
	mu            sync.Mutex
	subjects      map[string]*model.Subject
	owners        map[string]*model.Owner
	balances      map[string]decimal.Decimal // owner|currency
	creditSources map[string]bool
	emissionDays  map[string]*model.EmissionDay // day|currency
	locks         map[string]*model.IdempotencyLock
	settlements   map[string]*model.SettlementRecord
	pools         map[string]*model.PoolEvent
	bets          []model.Bet
	policies      map[string]model.Policy // currency|scope
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects:      make(map[string]*model.Subject),
		owners:        make(map[string]*model.Owner),
		balances:      make(map[string]decimal.Decimal),
		creditSources: make(map[string]bool),
		emissionDays:  make(map[string]*model.EmissionDay),
		locks:         make(map[string]*model.IdempotencyLock),
		settlements:   make(map[string]*model.SettlementRecord),
		pools:         make(map[string]*model.PoolEvent),
		policies:      make(map[string]model.Policy),
	}
}

func balanceKey(owner, currency string) string { return owner + "|" + currency }
func dayKey(day, currency string) string       { return day + "|" + currency }
func lockKey(scope, token, owner string) string {
	return scope + "|" + token + "|" + owner
}

// --- Subjects and owners ---

func (s *MemoryStore) CreateSubject(_ context.Context, sub *model.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subjects[sub.ID]; ok {
		return fmt.Errorf("subject %s already exists", sub.ID)
	}
	cp := *sub
	s.subjects[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSubject(_ context.Context, id string) (*model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subjects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) SpendSubjectResources(_ context.Context, id string, staminaCost int, cooldownUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subjects[id]
	if !ok {
		return ErrNotFound
	}
	if sub.Stamina < staminaCost {
		return ErrInsufficientStamina
	}
	sub.Stamina -= staminaCost
	sub.CooldownUntil = cooldownUntil
	return nil
}

func (s *MemoryStore) UpsertOwner(_ context.Context, o *model.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *o
	s.owners[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOwner(_ context.Context, id string) (*model.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// --- Balances ---

func (s *MemoryStore) GetBalances(_ context.Context, ownerID string) ([]model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var balances []model.Balance
	for key, amount := range s.balances {
		owner, currency, ok := splitKey(key)
		if !ok || owner != ownerID {
			continue
		}
		balances = append(balances, model.Balance{
			OwnerID:  owner,
			Currency: currency,
			Amount:   amount,
		})
	}
	return balances, nil
}

func splitKey(key string) (string, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

func (s *MemoryStore) CreditBalance(_ context.Context, ownerID, currency string, amount decimal.Decimal, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creditSources[sourceID] {
		return false, nil
	}
	s.creditSources[sourceID] = true
	key := balanceKey(ownerID, currency)
	s.balances[key] = s.balances[key].Add(amount)
	return true, nil
}

func (s *MemoryStore) DebitBalance(_ context.Context, ownerID, currency string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey(ownerID, currency)
	if s.balances[key].LessThan(amount) {
		return ErrInsufficientFunds
	}
	s.balances[key] = s.balances[key].Sub(amount)
	return nil
}

// --- Emission ledger ---

func (s *MemoryStore) emissionDay(day, currency string) *model.EmissionDay {
	key := dayKey(day, currency)
	e, ok := s.emissionDays[key]
	if !ok {
		e = &model.EmissionDay{
			Day:             day,
			Currency:        currency,
			CategoryEmitted: make(map[string]decimal.Decimal),
		}
		s.emissionDays[key] = e
	}
	return e
}

func (s *MemoryStore) EmitAndCredit(_ context.Context, day, currency, scope string, amount, globalCap, categoryCap decimal.Decimal, ownerID, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creditSources[sourceID] {
		// Prior attempt already emitted and credited this source.
		return true, nil
	}

	e := s.emissionDay(day, currency)
	newGlobal := e.GlobalEmitted.Add(amount)
	newCategory := e.CategoryEmitted[scope].Add(amount)
	if newGlobal.GreaterThan(globalCap) || newCategory.GreaterThan(categoryCap) {
		return false, nil
	}
	e.GlobalEmitted = newGlobal
	e.CategoryEmitted[scope] = newCategory

	s.creditSources[sourceID] = true
	key := balanceKey(ownerID, currency)
	s.balances[key] = s.balances[key].Add(amount)
	return true, nil
}

func (s *MemoryStore) RecordSpend(_ context.Context, day, currency string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.emissionDay(day, currency)
	e.Spent = e.Spent.Add(amount)
	return nil
}

func (s *MemoryStore) RecordBurn(_ context.Context, day, currency string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.emissionDay(day, currency)
	e.Burned = e.Burned.Add(amount)
	return nil
}

func (s *MemoryStore) GetEmissionDay(_ context.Context, day, currency string) (*model.EmissionDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.emissionDays[dayKey(day, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.CategoryEmitted = make(map[string]decimal.Decimal, len(e.CategoryEmitted))
	for k, v := range e.CategoryEmitted {
		cp.CategoryEmitted[k] = v
	}
	return &cp, nil
}

// --- Idempotency locks ---

func (s *MemoryStore) InsertLock(_ context.Context, lock *model.IdempotencyLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey(lock.Scope, lock.Token, lock.OwnerID)
	if _, ok := s.locks[key]; ok {
		return false, nil
	}
	cp := *lock
	s.locks[key] = &cp
	return true, nil
}

func (s *MemoryStore) GetLock(_ context.Context, scope, token, ownerID string) (*model.IdempotencyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockKey(scope, token, ownerID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ResetFailedLock(_ context.Context, scope, token, ownerID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockKey(scope, token, ownerID)]
	if !ok || l.Status != model.LockFailed {
		return false, nil
	}
	l.Status = model.LockInProgress
	l.LastError = ""
	l.ExpiresAt = expiresAt
	return true, nil
}

func (s *MemoryStore) CompleteLock(_ context.Context, scope, token, ownerID string, response []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockKey(scope, token, ownerID)]
	if !ok {
		return ErrNotFound
	}
	l.Status = model.LockCompleted
	l.Response = append([]byte(nil), response...)
	l.ExpiresAt = expiresAt
	return nil
}

func (s *MemoryStore) FailLock(_ context.Context, scope, token, ownerID, cause string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockKey(scope, token, ownerID)]
	if !ok {
		return ErrNotFound
	}
	l.Status = model.LockFailed
	l.LastError = cause
	l.ExpiresAt = expiresAt
	return nil
}

func (s *MemoryStore) DeleteExpiredLocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, l := range s.locks {
		if l.ExpiresAt.Before(now) {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}

// --- Settlements ---

func (s *MemoryStore) InsertSettlement(_ context.Context, r *model.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[r.RequestToken]; ok {
		return fmt.Errorf("settlement %s already exists", r.RequestToken)
	}
	cp := *r
	s.settlements[r.RequestToken] = &cp
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, requestToken string) (*model.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.settlements[requestToken]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// --- Pool events ---

func (s *MemoryStore) CreatePoolEvent(_ context.Context, e *model.PoolEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[e.ID]; ok {
		return fmt.Errorf("pool event %s already exists", e.ID)
	}
	cp := *e
	s.pools[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPoolEvent(_ context.Context, id string) (*model.PoolEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pools[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// StakeBet applies the bet row, the debit, and the side total under one
// mutex hold, mirroring the SQL transaction: all three or none.
func (s *MemoryStore) StakeBet(_ context.Context, b *model.Bet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.bets {
		if s.bets[i].EventID == b.EventID && s.bets[i].RequestToken == b.RequestToken {
			b.ID = s.bets[i].ID
			return false, nil
		}
	}

	e, ok := s.pools[b.EventID]
	if !ok || e.Status != model.PoolOpen {
		return false, ErrPoolNotOpen
	}
	key := balanceKey(b.OwnerID, model.CurrencyAIBA)
	if s.balances[key].LessThan(b.Amount) {
		return false, ErrInsufficientFunds
	}

	s.balances[key] = s.balances[key].Sub(b.Amount)
	if b.Side == model.SideA {
		e.TotalA = e.TotalA.Add(b.Amount)
	} else {
		e.TotalB = e.TotalB.Add(b.Amount)
	}
	s.bets = append(s.bets, *b)
	return true, nil
}

func (s *MemoryStore) ListBetsBySide(_ context.Context, eventID, side string) ([]model.Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.Bet
	for _, b := range s.bets {
		if b.EventID == eventID && b.Side == side {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetOwnerOpenStakes(_ context.Context, ownerID string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stakes := make(map[string]decimal.Decimal)
	for _, b := range s.bets {
		if b.OwnerID != ownerID {
			continue
		}
		e, ok := s.pools[b.EventID]
		if !ok || e.Status != model.PoolOpen {
			continue
		}
		stakes[e.Category] = stakes[e.Category].Add(b.Amount)
	}
	return stakes, nil
}

func (s *MemoryStore) BeginPoolResolution(_ context.Context, eventID, winner, treasuryID, feeSourceID string, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pools[eventID]
	if !ok || e.Status != model.PoolOpen {
		return false, nil
	}
	// Status transition and fee bookkeeping together, as in the SQL
	// transaction. The fee comes from the row's own totals, truncated to
	// the payout precision.
	fee := e.TotalA.Add(e.TotalB).Mul(e.FeeRate).Truncate(9)
	e.Status = model.PoolResolving
	e.Winner = winner
	e.FeeAmount = fee
	e.ResolvedAt = &resolvedAt

	if !s.creditSources[feeSourceID] {
		s.creditSources[feeSourceID] = true
		key := balanceKey(treasuryID, model.CurrencyAIBA)
		s.balances[key] = s.balances[key].Add(fee)
	}
	return true, nil
}

func (s *MemoryStore) FinishPoolResolution(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pools[eventID]
	if !ok || e.Status != model.PoolResolving {
		return ErrPoolNotOpen
	}
	e.Status = model.PoolResolved
	return nil
}

func (s *MemoryStore) CancelPoolEvent(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pools[eventID]
	if !ok || e.Status != model.PoolOpen {
		return false, nil
	}
	e.Status = model.PoolCancelled
	return true, nil
}

// --- Policies ---

func (s *MemoryStore) ListPolicies(_ context.Context) ([]model.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies := make([]model.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		policies = append(policies, p)
	}
	return policies, nil
}

func (s *MemoryStore) UpsertPolicy(_ context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[p.Currency+"|"+p.Scope] = *p
	return nil
}
