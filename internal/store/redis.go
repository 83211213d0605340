package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aibaverse/arena-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot reads: subject snapshots, pool events, and immutable
// settlement records. Writes go to the primary store and invalidate the
// cache. Emission counters, balances, and idempotency locks are never
// cached — those reads must always see the conditional-update truth.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through ---

func (s *CachedStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	data, err := s.rdb.Get(ctx, subjectKey(id)).Bytes()
	if err == nil {
		var sub model.Subject
		if json.Unmarshal(data, &sub) == nil {
			return &sub, nil
		}
	}

	sub, err := s.Store.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, subjectKey(id), sub)
	return sub, nil
}

func (s *CachedStore) GetPoolEvent(ctx context.Context, id string) (*model.PoolEvent, error) {
	data, err := s.rdb.Get(ctx, poolKey(id)).Bytes()
	if err == nil {
		var e model.PoolEvent
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.Store.GetPoolEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, poolKey(id), e)
	return e, nil
}

// GetSettlement caches aggressively: settlement records are immutable once
// created, so a cached copy can never go stale.
func (s *CachedStore) GetSettlement(ctx context.Context, requestToken string) (*model.SettlementRecord, error) {
	data, err := s.rdb.Get(ctx, settlementKey(requestToken)).Bytes()
	if err == nil {
		var r model.SettlementRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.Store.GetSettlement(ctx, requestToken)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, settlementKey(requestToken), r)
	return r, nil
}

// --- Write-through invalidation ---

func (s *CachedStore) SpendSubjectResources(ctx context.Context, id string, staminaCost int, cooldownUntil time.Time) error {
	if err := s.Store.SpendSubjectResources(ctx, id, staminaCost, cooldownUntil); err != nil {
		return err
	}
	s.rdb.Del(ctx, subjectKey(id))
	return nil
}

func (s *CachedStore) CreateSubject(ctx context.Context, sub *model.Subject) error {
	if err := s.Store.CreateSubject(ctx, sub); err != nil {
		return err
	}
	s.cacheJSON(ctx, subjectKey(sub.ID), sub)
	return nil
}

func (s *CachedStore) StakeBet(ctx context.Context, b *model.Bet) (bool, error) {
	applied, err := s.Store.StakeBet(ctx, b)
	if err != nil {
		return false, err
	}
	s.rdb.Del(ctx, poolKey(b.EventID))
	return applied, nil
}

func (s *CachedStore) BeginPoolResolution(ctx context.Context, eventID, winner, treasuryID, feeSourceID string, resolvedAt time.Time) (bool, error) {
	ok, err := s.Store.BeginPoolResolution(ctx, eventID, winner, treasuryID, feeSourceID, resolvedAt)
	if err == nil {
		s.rdb.Del(ctx, poolKey(eventID))
	}
	return ok, err
}

func (s *CachedStore) FinishPoolResolution(ctx context.Context, eventID string) error {
	if err := s.Store.FinishPoolResolution(ctx, eventID); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey(eventID))
	return nil
}

func (s *CachedStore) CancelPoolEvent(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.Store.CancelPoolEvent(ctx, eventID)
	if err == nil {
		s.rdb.Del(ctx, poolKey(eventID))
	}
	return ok, err
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func subjectKey(id string) string       { return fmt.Sprintf("subject:%s", id) }
func poolKey(id string) string          { return fmt.Sprintf("pool:%s", id) }
func settlementKey(tok string) string   { return fmt.Sprintf("settlement:%s", tok) }
