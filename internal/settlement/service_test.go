package settlement_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/claim"
	"github.com/aibaverse/arena-engine/internal/config"
	"github.com/aibaverse/arena-engine/internal/emission"
	"github.com/aibaverse/arena-engine/internal/idempotency"
	"github.com/aibaverse/arena-engine/internal/model"
	"github.com/aibaverse/arena-engine/internal/settlement"
	"github.com/aibaverse/arena-engine/internal/store"
	"github.com/aibaverse/arena-engine/internal/vault"
)

const signerSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

var (
	testVaultAddr = strings.Repeat("aa", 32)
	testTokenID   = strings.Repeat("bb", 32)
	walletAddr    = strings.Repeat("cc", 32)
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// fakeVault serves scripted sequence numbers for claim issuance tests.
type fakeVault struct {
	seq uint64
	err error
}

func (f *fakeVault) LastConfirmedSeq(_ context.Context, _ string) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.seq, nil
}

func (f *fakeVault) GetInventory(_ context.Context) (vault.Inventory, error) {
	return vault.Inventory{}, nil
}

type env struct {
	svc    *settlement.Service
	ms     *store.MemoryStore
	policy *config.PolicyProvider
	router chi.Router
}

// newTestEnv builds a service against the in-memory store. issuer may be
// nil (claims skipped) or wired to a fakeVault.
func newTestEnv(t *testing.T, issuer *claim.Issuer) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	return newTestEnvStore(t, ms, ms, issuer)
}

// newTestEnvStore wires the service against st, which may wrap ms to
// inject failures.
func newTestEnvStore(t *testing.T, st store.Store, ms *store.MemoryStore, issuer *claim.Issuer) *env {
	t.Helper()

	policy := config.NewPolicyProvider(ms, d(1_000_000), d(100_000))
	seedPolicy(t, ms, policy, model.CurrencyAIBA, model.PolicyScopeGlobal, d(1_000_000), d(1))

	ledger := emission.NewLedger(st, policy)
	guard := idempotency.NewGuard(st, 30*time.Second, 24*time.Hour)

	svc := settlement.NewService(st, ledger, guard, policy, issuer, nil,
		[]byte("test-secret"), 1, 5*time.Minute)

	r := chi.NewRouter()
	r.Post("/api/v1/battles", svc.SubmitBattle)
	r.Get("/api/v1/settlements/{requestToken}", svc.GetSettlement)
	r.Get("/api/v1/owners/{ownerID}/balances", svc.GetBalances)
	r.Put("/api/v1/owners/{ownerID}/withdrawal-address", svc.RegisterWithdrawalAddress)

	return &env{svc: svc, ms: ms, policy: policy, router: r}
}

func seedPolicy(t *testing.T, ms *store.MemoryStore, provider *config.PolicyProvider, currency, scope string, cap, mult decimal.Decimal) {
	t.Helper()
	err := ms.UpsertPolicy(context.Background(), &model.Policy{
		Currency:   currency,
		Scope:      scope,
		DailyCap:   cap,
		Multiplier: mult,
	})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	if err := provider.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh policies: %v", err)
	}
}

func seedSubject(t *testing.T, ms *store.MemoryStore, id, owner string, stamina int) *model.Subject {
	t.Helper()
	subject := &model.Subject{
		ID:      id,
		OwnerID: owner,
		Level:   3,
		Attack:  10,
		Defense: 5,
		Stamina: stamina,
	}
	if err := ms.CreateSubject(context.Background(), subject); err != nil {
		t.Fatalf("seed subject: %v", err)
	}
	return subject
}

func (e *env) submit(t *testing.T, req settlement.BattleRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/battles", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httpReq)
	return w
}

// --- Settlement pipeline tests ---

func TestSubmitBattle_Success(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 5)

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-1",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp settlement.BattleResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Score <= 0 {
		t.Errorf("score should be positive, got %d", resp.Score)
	}
	reward := resp.Rewards[model.CurrencyAIBA]
	if !reward.Equal(d(resp.Score)) {
		t.Errorf("reward = %s, want score × multiplier 1 = %d", reward, resp.Score)
	}

	// The credit landed on the owner's balance.
	balances, _ := e.ms.GetBalances(context.Background(), "owner1")
	if len(balances) != 1 || !balances[0].Amount.Equal(reward) {
		t.Errorf("balance = %v, want single %s entry", balances, reward)
	}

	// Stamina spent, cooldown armed.
	subject, _ := e.ms.GetSubject(context.Background(), "sub1")
	if subject.Stamina != 4 {
		t.Errorf("stamina = %d, want 4", subject.Stamina)
	}
	if !subject.CooldownUntil.After(time.Now()) {
		t.Error("cooldown should be set in the future")
	}
}

func TestSubmitBattle_ReplayIsByteIdentical(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 5)

	req := settlement.BattleRequest{
		RequestToken: "tok-replay",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	}

	w1 := e.submit(t, req)
	if w1.Code != http.StatusOK {
		t.Fatalf("first submit: expected 200, got %d: %s", w1.Code, w1.Body.String())
	}
	w2 := e.submit(t, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", w2.Code, w2.Body.String())
	}

	if !bytes.Equal(w1.Body.Bytes(), w2.Body.Bytes()) {
		t.Errorf("replay body differs from original:\n%s\n%s", w1.Body.String(), w2.Body.String())
	}

	// The pipeline ran once: stamina spent once, one credit.
	subject, _ := e.ms.GetSubject(context.Background(), "sub1")
	if subject.Stamina != 4 {
		t.Errorf("stamina = %d, want exactly one deduction (4)", subject.Stamina)
	}

	var resp settlement.BattleResponse
	json.Unmarshal(w1.Body.Bytes(), &resp)
	balances, _ := e.ms.GetBalances(context.Background(), "owner1")
	if len(balances) != 1 || !balances[0].Amount.Equal(resp.Rewards[model.CurrencyAIBA]) {
		t.Errorf("balance = %v, want exactly one credit of %s",
			balances, resp.Rewards[model.CurrencyAIBA])
	}
}

func TestSubmitBattle_CapForcesRewardToZero(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 5)

	// Replace the global AIBA policy with a cap too small for any score.
	seedPolicy(t, e.ms, e.policy, model.CurrencyAIBA, model.PolicyScopeGlobal, d(1), d(1))

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-capped",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 (cap breach is not an error), got %d: %s", w.Code, w.Body.String())
	}

	var resp settlement.BattleResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Rewards[model.CurrencyAIBA].IsZero() {
		t.Errorf("reward = %s, want zero under exhausted cap", resp.Rewards[model.CurrencyAIBA])
	}

	// Settlement still recorded.
	record, err := e.ms.GetSettlement(context.Background(), "tok-capped")
	if err != nil {
		t.Fatalf("settlement should be recorded despite zero reward: %v", err)
	}
	if record.Score != resp.Score {
		t.Errorf("recorded score = %d, want %d", record.Score, resp.Score)
	}

	// No balance credited.
	balances, _ := e.ms.GetBalances(context.Background(), "owner1")
	if len(balances) != 0 {
		t.Errorf("no credit expected, got %v", balances)
	}
}

func TestSubmitBattle_CooldownRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 5)
	e.ms.SpendSubjectResources(context.Background(), "sub1", 0, time.Now().Add(time.Minute))

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-cd",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for cooldown, got %d", w.Code)
	}
}

func TestSubmitBattle_InsufficientStamina(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 0)

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-tired",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient stamina, got %d", w.Code)
	}

	// Failed attempts must be retryable once the cause clears.
	seedSubject(t, e.ms, "sub2", "owner1", 5)

	w = e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-tired",
		SubjectID:    "sub2",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusOK {
		t.Errorf("retry after failure should succeed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitBattle_ValidationErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 5)

	tests := []struct {
		name string
		req  settlement.BattleRequest
		want int
	}{
		{"missing token", settlement.BattleRequest{SubjectID: "sub1", Category: "arena-gold"}, http.StatusBadRequest},
		{"missing subject", settlement.BattleRequest{RequestToken: "t", Category: "arena-gold"}, http.StatusBadRequest},
		{"bad category", settlement.BattleRequest{RequestToken: "t", SubjectID: "sub1", Category: "chess"}, http.StatusBadRequest},
		{"unknown mode", settlement.BattleRequest{RequestToken: "t", SubjectID: "sub1", Category: "golf-gold"}, http.StatusBadRequest},
		{"unknown subject", settlement.BattleRequest{RequestToken: "t", SubjectID: "ghost", Category: "arena-gold"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.submit(t, tt.req); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitBattle_ConcurrentInProgress(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 5)

	// Simulate a concurrent holder of the same lock.
	e.ms.InsertLock(context.Background(), &model.IdempotencyLock{
		Scope:     settlement.Scope,
		Token:     "tok-busy",
		OwnerID:   "owner1",
		Status:    model.LockInProgress,
		ExpiresAt: time.Now().Add(time.Minute),
		CreatedAt: time.Now(),
	})

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-busy",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 while in progress, got %d", w.Code)
	}
}

// --- Claim issuance paths ---

func newIssuer(t *testing.T, fv *fakeVault) *claim.Issuer {
	t.Helper()
	signer, err := claim.NewSigner(signerSeed)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	issuer, err := claim.NewIssuer(signer, fv, testVaultAddr, testTokenID, 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func registerWallet(t *testing.T, e *env, owner, addr string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"address": addr})
	req := httptest.NewRequest("PUT", "/api/v1/owners/"+owner+"/withdrawal-address", bytes.NewReader(body))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("register wallet: got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitBattle_ClaimIssued(t *testing.T) {
	e := newTestEnv(t, newIssuer(t, &fakeVault{seq: 7}))
	seedSubject(t, e.ms, "sub1", "owner1", 5)
	registerWallet(t, e, "owner1", walletAddr)

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-claim",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp settlement.BattleResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Claim == nil {
		t.Fatal("expected a signed claim")
	}
	if resp.Claim.Sequence != 8 {
		t.Errorf("claim sequence = %d, want last confirmed + 1 = 8", resp.Claim.Sequence)
	}
	if resp.Claim.Recipient != walletAddr {
		t.Errorf("claim recipient = %s, want registered wallet", resp.Claim.Recipient)
	}
	if resp.ClaimPending {
		t.Error("claim_pending should be false when a claim was issued")
	}
}

func TestSubmitBattle_NoWalletSkipsClaim(t *testing.T) {
	e := newTestEnv(t, newIssuer(t, &fakeVault{seq: 7}))
	seedSubject(t, e.ms, "sub1", "owner1", 5)

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-nowallet",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp settlement.BattleResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Claim != nil {
		t.Error("no claim expected without a withdrawal address")
	}
	if resp.Rewards[model.CurrencyAIBA].IsZero() {
		t.Error("reward should still be recorded without a wallet")
	}
}

func TestSubmitBattle_VaultDownDefersClaim(t *testing.T) {
	e := newTestEnv(t, newIssuer(t, &fakeVault{err: vault.ErrUnavailable}))
	seedSubject(t, e.ms, "sub1", "owner1", 5)
	registerWallet(t, e, "owner1", walletAddr)

	w := e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-vaultdown",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("vault outage must not fail settlement, got %d: %s", w.Code, w.Body.String())
	}

	var resp settlement.BattleResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Claim != nil {
		t.Error("no claim should be signed while the vault is unreachable")
	}
	if !resp.ClaimPending {
		t.Error("claim_pending should signal the deferred claim")
	}

	// The internal reward is recorded regardless.
	balances, _ := e.ms.GetBalances(context.Background(), "owner1")
	if len(balances) != 1 || balances[0].Amount.IsZero() {
		t.Errorf("reward should be credited despite vault outage, got %v", balances)
	}
}

// --- Read endpoints ---

func TestGetSettlement(t *testing.T) {
	e := newTestEnv(t, nil)
	seedSubject(t, e.ms, "sub1", "owner1", 5)

	e.submit(t, settlement.BattleRequest{
		RequestToken: "tok-read",
		SubjectID:    "sub1",
		Category:     "duel-silver",
	})

	req := httptest.NewRequest("GET", "/api/v1/settlements/tok-read", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var record model.SettlementRecord
	json.Unmarshal(w.Body.Bytes(), &record)
	if record.Category != "duel-silver" {
		t.Errorf("category = %s, want duel-silver", record.Category)
	}
	if record.Seed == "" {
		t.Error("seed should be recorded for audit")
	}

	req = httptest.NewRequest("GET", "/api/v1/settlements/ghost", nil)
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown token, got %d", w.Code)
	}
}

// flakyRecordStore fails the first settlement record write, forcing the
// caller to retry the whole pipeline with the same token.
type flakyRecordStore struct {
	store.Store
	failures int
}

func (s *flakyRecordStore) InsertSettlement(ctx context.Context, r *model.SettlementRecord) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("insert settlement: connection reset by peer")
	}
	return s.Store.InsertSettlement(ctx, r)
}

func TestSubmitBattle_RetryAfterFailureEmitsOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &flakyRecordStore{Store: ms, failures: 1}
	e := newTestEnvStore(t, fs, ms, nil)
	seedSubject(t, ms, "sub1", "owner1", 5)

	base := time.Now()
	e.svc.WithClock(func() time.Time { return base })

	req := settlement.BattleRequest{
		RequestToken: "tok-flaky",
		SubjectID:    "sub1",
		Category:     "arena-gold",
	}
	w := e.submit(t, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("first attempt: expected 500, got %d: %s", w.Code, w.Body.String())
	}

	// Past the cooldown armed by the failed attempt, the same token runs
	// the pipeline again.
	e.svc.WithClock(func() time.Time { return base.Add(10 * time.Minute) })
	w = e.submit(t, req)
	if w.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The failed attempt already moved the daily counter and the balance.
	// The retry must reuse that emission, not consume cap headroom a
	// second time: whatever was counted against the cap is exactly what
	// sits on the owner's balance, once.
	day := time.Now().UTC().Format("2006-01-02")
	ed, err := ms.GetEmissionDay(context.Background(), day, model.CurrencyAIBA)
	if err != nil {
		t.Fatalf("emission day: %v", err)
	}
	if ed.GlobalEmitted.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("global emitted = %s, want positive", ed.GlobalEmitted)
	}
	balances, _ := ms.GetBalances(context.Background(), "owner1")
	if len(balances) != 1 {
		t.Fatalf("balances = %v, want exactly one credit", balances)
	}
	if !ed.GlobalEmitted.Equal(balances[0].Amount) {
		t.Errorf("global emitted %s != credited %s: cap headroom and balance drifted apart",
			ed.GlobalEmitted, balances[0].Amount)
	}
}
