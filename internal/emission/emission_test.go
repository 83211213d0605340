package emission_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/config"
	"github.com/aibaverse/arena-engine/internal/emission"
	"github.com/aibaverse/arena-engine/internal/model"
	"github.com/aibaverse/arena-engine/internal/store"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newLedger(t *testing.T, globalCap, categoryCap int64) (*emission.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	policy := config.NewPolicyProvider(ms, d(globalCap), d(categoryCap))
	return emission.NewLedger(ms, policy), ms
}

func balanceOf(t *testing.T, ms *store.MemoryStore, owner string) decimal.Decimal {
	t.Helper()
	balances, err := ms.GetBalances(context.Background(), owner)
	if err != nil {
		t.Fatalf("balances %s: %v", owner, err)
	}
	for _, b := range balances {
		if b.Currency == model.CurrencyAIBA {
			return b.Amount
		}
	}
	return decimal.Zero
}

func TestEmitReward_UnderCap(t *testing.T) {
	ledger, ms := newLedger(t, 1000, 1000)

	ok, err := ledger.EmitReward(context.Background(), "owner1", model.CurrencyAIBA, d(700), "arena-gold", "emit:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("emission under cap should succeed")
	}
	if got := balanceOf(t, ms, "owner1"); !got.Equal(d(700)) {
		t.Errorf("balance = %s, want the emitted 700", got)
	}
}

func TestEmitReward_CategoryCapBlocks(t *testing.T) {
	// Cap 1000 for arena-gold, two proposals of 700 → exactly one succeeds
	// and the totals stay at 700.
	ledger, ms := newLedger(t, 1000000, 1000)
	ctx := context.Background()

	ok1, _ := ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(700), "arena-gold", "emit:1")
	ok2, _ := ledger.EmitReward(ctx, "owner2", model.CurrencyAIBA, d(700), "arena-gold", "emit:2")

	if !ok1 {
		t.Error("first emission should succeed")
	}
	if ok2 {
		t.Error("second emission should be rejected by the category cap")
	}

	day := time.Now().UTC().Format("2006-01-02")
	e, err := ms.GetEmissionDay(ctx, day, model.CurrencyAIBA)
	if err != nil {
		t.Fatalf("get emission day: %v", err)
	}
	if !e.CategoryEmitted["arena-gold"].Equal(d(700)) {
		t.Errorf("category total = %s, want 700", e.CategoryEmitted["arena-gold"])
	}
	if !e.GlobalEmitted.Equal(d(700)) {
		t.Errorf("global total = %s, want 700", e.GlobalEmitted)
	}
	if got := balanceOf(t, ms, "owner2"); !got.IsZero() {
		t.Errorf("rejected emission must not credit, got %s", got)
	}
}

func TestEmitReward_GlobalCapBlocksAcrossCategories(t *testing.T) {
	ledger, ms := newLedger(t, 1000, 1000000)
	ctx := context.Background()

	ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(600), "arena-gold", "emit:1")
	ok, _ := ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(600), "raid-t1", "emit:2")
	if ok {
		t.Error("global cap should block the second emission")
	}

	// Neither counter moved on the rejected attempt.
	day := time.Now().UTC().Format("2006-01-02")
	e, _ := ms.GetEmissionDay(ctx, day, model.CurrencyAIBA)
	if !e.GlobalEmitted.Equal(d(600)) {
		t.Errorf("global total = %s, want 600", e.GlobalEmitted)
	}
	if _, ok := e.CategoryEmitted["raid-t1"]; ok && !e.CategoryEmitted["raid-t1"].IsZero() {
		t.Errorf("raid-t1 total should be zero, got %s", e.CategoryEmitted["raid-t1"])
	}
}

func TestEmitReward_DuplicateSourceDoesNotReconsumeCap(t *testing.T) {
	// A retried source reports success but must not burn cap headroom or
	// credit a second time.
	ledger, ms := newLedger(t, 1000, 1000)
	ctx := context.Background()

	ok1, _ := ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(700), "arena-gold", "emit:retry")
	ok2, _ := ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(700), "arena-gold", "emit:retry")
	if !ok1 || !ok2 {
		t.Fatalf("emit twice = %v/%v, want true/true", ok1, ok2)
	}

	day := time.Now().UTC().Format("2006-01-02")
	e, _ := ms.GetEmissionDay(ctx, day, model.CurrencyAIBA)
	if !e.GlobalEmitted.Equal(d(700)) {
		t.Errorf("global total = %s, want 700 counted once", e.GlobalEmitted)
	}
	if got := balanceOf(t, ms, "owner1"); !got.Equal(d(700)) {
		t.Errorf("balance = %s, want 700 credited once", got)
	}

	// The headroom the duplicate did not consume is still available.
	ok3, _ := ledger.EmitReward(ctx, "owner2", model.CurrencyAIBA, d(300), "arena-gold", "emit:other")
	if !ok3 {
		t.Error("remaining headroom should admit a 300 emission")
	}
}

func TestEmitReward_ConcurrentCapExactness(t *testing.T) {
	// Cap C=1000, N=50 concurrent emissions of a=100 → exactly 10 succeed.
	ledger, ms := newLedger(t, 1000, 1000)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	results := make(chan bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(100), "arena-gold", fmt.Sprintf("emit:%d", i))
			if err != nil {
				t.Errorf("emit reward: %v", err)
				return
			}
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	var succeeded int
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	if succeeded != 10 {
		t.Errorf("successes = %d, want 10", succeeded)
	}

	day := time.Now().UTC().Format("2006-01-02")
	e, _ := ms.GetEmissionDay(ctx, day, model.CurrencyAIBA)
	if !e.GlobalEmitted.Equal(d(1000)) {
		t.Errorf("final total = %s, want 1000", e.GlobalEmitted)
	}
	if got := balanceOf(t, ms, "owner1"); !got.Equal(d(1000)) {
		t.Errorf("balance = %s, want exactly the emitted 1000", got)
	}
}

func TestEmitReward_ZeroAmountAlwaysSucceeds(t *testing.T) {
	ledger, _ := newLedger(t, 0, 0)
	ok, err := ledger.EmitReward(context.Background(), "owner1", model.CurrencyAIBA, decimal.Zero, "arena-gold", "emit:zero")
	if err != nil || !ok {
		t.Errorf("zero emission should be a no-op success, got ok=%v err=%v", ok, err)
	}
}

func TestEmitReward_DayBucketAtIncrementTime(t *testing.T) {
	ms := store.NewMemoryStore()
	policy := config.NewPolicyProvider(ms, d(1000), d(1000))

	day1 := time.Date(2026, 8, 28, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 29, 0, 1, 0, 0, time.UTC)
	now := day1
	ledger := emission.NewLedger(ms, policy).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(900), "arena-gold", "emit:1")

	// Midnight passes between arrival and increment: the new day's cap is
	// fresh, so the same amount fits again.
	now = day2
	ok, _ := ledger.EmitReward(ctx, "owner1", model.CurrencyAIBA, d(900), "arena-gold", "emit:2")
	if !ok {
		t.Error("emission after midnight should count against the new day")
	}

	e1, _ := ms.GetEmissionDay(ctx, "2026-08-28", model.CurrencyAIBA)
	e2, _ := ms.GetEmissionDay(ctx, "2026-08-29", model.CurrencyAIBA)
	if !e1.GlobalEmitted.Equal(d(900)) || !e2.GlobalEmitted.Equal(d(900)) {
		t.Errorf("day totals = %s / %s, want 900 / 900", e1.GlobalEmitted, e2.GlobalEmitted)
	}
}

func TestCreditNoCap_Deduplicates(t *testing.T) {
	ledger, ms := newLedger(t, 1000, 1000)
	ctx := context.Background()

	applied1, _ := ledger.CreditNoCap(ctx, "owner1", model.CurrencyAIBA, d(50), "transfer:abc")
	applied2, _ := ledger.CreditNoCap(ctx, "owner1", model.CurrencyAIBA, d(50), "transfer:abc")

	if !applied1 {
		t.Error("first credit should apply")
	}
	if applied2 {
		t.Error("retried credit with the same source id should not apply")
	}

	balances, _ := ms.GetBalances(ctx, "owner1")
	if len(balances) != 1 || !balances[0].Amount.Equal(d(50)) {
		t.Errorf("balance should be exactly 50, got %+v", balances)
	}
}

func TestDebit_InsufficientFunds(t *testing.T) {
	ledger, _ := newLedger(t, 1000, 1000)
	ctx := context.Background()

	ledger.CreditNoCap(ctx, "owner1", model.CurrencyAIBA, d(30), "seed")

	err := ledger.Debit(ctx, "owner1", model.CurrencyAIBA, d(100))
	if err != store.ErrInsufficientFunds {
		t.Errorf("error = %v, want ErrInsufficientFunds", err)
	}
}

func TestDebit_RecordsSpend(t *testing.T) {
	ledger, ms := newLedger(t, 1000, 1000)
	ctx := context.Background()

	ledger.CreditNoCap(ctx, "owner1", model.CurrencyAIBA, d(100), "seed")
	if err := ledger.Debit(ctx, "owner1", model.CurrencyAIBA, d(40)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	e, _ := ms.GetEmissionDay(ctx, day, model.CurrencyAIBA)
	if !e.Spent.Equal(d(40)) {
		t.Errorf("spent = %s, want 40", e.Spent)
	}
}
