// Package idempotency guarantees at-most-once effect for retried client
// requests.
//
// The pattern is insert-wins-the-race: acquisition attempts an insert
// guarded by a uniqueness constraint over (scope, token, owner). Exactly
// one concurrent caller wins; everyone else reads the winner's row and
// acts on its status. No distributed lock service is involved.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aibaverse/arena-engine/internal/model"
	"github.com/aibaverse/arena-engine/internal/store"
)

// Acquisition states.
const (
	// StateFresh means this caller owns the lock and must run the action.
	StateFresh = "fresh"
	// StateReplay means the action already completed; StoredResponse holds
	// the original response verbatim.
	StateReplay = "replay"
	// StateInProgress means another caller is mid-action; back off.
	StateInProgress = "in_progress"
)

// Acquisition is the result of one Acquire call.
type Acquisition struct {
	State          string
	StoredResponse []byte
}

// Guard coordinates idempotency locks through the shared store.
type Guard struct {
	store         store.Store
	inProgressTTL time.Duration
	terminalTTL   time.Duration
	now           func() time.Time
}

// NewGuard creates a guard. inProgressTTL bounds how long a crashed
// execution blocks retries; terminalTTL bounds how long completed
// responses stay replayable.
func NewGuard(st store.Store, inProgressTTL, terminalTTL time.Duration) *Guard {
	return &Guard{
		store:         st,
		inProgressTTL: inProgressTTL,
		terminalTTL:   terminalTTL,
		now:           time.Now,
	}
}

// Acquire claims the (scope, token, owner) lock or reports how to proceed.
// A failed prior attempt is reset to in_progress and handed back as fresh,
// so the underlying action can be retried.
func (g *Guard) Acquire(ctx context.Context, scope, token, ownerID string) (Acquisition, error) {
	now := g.now()
	inserted, err := g.store.InsertLock(ctx, &model.IdempotencyLock{
		Scope:     scope,
		Token:     token,
		OwnerID:   ownerID,
		Status:    model.LockInProgress,
		ExpiresAt: now.Add(g.inProgressTTL),
		CreatedAt: now,
	})
	if err != nil {
		return Acquisition{}, fmt.Errorf("acquire lock: %w", err)
	}
	if inserted {
		return Acquisition{State: StateFresh}, nil
	}

	// Lost the insert race (or a retry of an older request): read the
	// winner's row.
	lock, err := g.store.GetLock(ctx, scope, token, ownerID)
	if err != nil {
		return Acquisition{}, fmt.Errorf("read lock: %w", err)
	}

	switch lock.Status {
	case model.LockCompleted:
		return Acquisition{State: StateReplay, StoredResponse: lock.Response}, nil
	case model.LockFailed:
		reset, err := g.store.ResetFailedLock(ctx, scope, token, ownerID, now.Add(g.inProgressTTL))
		if err != nil {
			return Acquisition{}, fmt.Errorf("reset lock: %w", err)
		}
		if reset {
			return Acquisition{State: StateFresh}, nil
		}
		// Another retry reset it first.
		return Acquisition{State: StateInProgress}, nil
	default:
		return Acquisition{State: StateInProgress}, nil
	}
}

// Complete stores the response snapshot and extends the TTL. The snapshot
// must be byte-identical to what the original caller received, so replays
// are indistinguishable from the first response.
func (g *Guard) Complete(ctx context.Context, scope, token, ownerID string, response []byte) error {
	return g.store.CompleteLock(ctx, scope, token, ownerID, response, g.now().Add(g.terminalTTL))
}

// Fail records the failure cause, keeping the lock for a bounded retry
// window before expiry-driven cleanup.
func (g *Guard) Fail(ctx context.Context, scope, token, ownerID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return g.store.FailLock(ctx, scope, token, ownerID, msg, g.now().Add(g.terminalTTL))
}

// RunReaper deletes expired locks on a fixed interval until the context is
// cancelled.
func (g *Guard) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.DeleteExpiredLocks(ctx, g.now())
			if err != nil {
				slog.Warn("lock reaper failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("reaped idempotency locks", "count", n)
			}
		}
	}
}
