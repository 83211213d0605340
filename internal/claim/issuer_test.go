package claim_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/claim"
	"github.com/aibaverse/arena-engine/internal/vault"
)

// fakeVault serves scripted sequence numbers.
type fakeVault struct {
	seq  uint64
	err  error
	gets int
}

func (f *fakeVault) LastConfirmedSeq(_ context.Context, _ string) (uint64, error) {
	f.gets++
	if f.err != nil {
		return 0, f.err
	}
	return f.seq, nil
}

func (f *fakeVault) GetInventory(_ context.Context) (vault.Inventory, error) {
	return vault.Inventory{}, nil
}

var (
	vaultAddr = strings.Repeat("11", 32)
	tokenID   = strings.Repeat("22", 32)
	recipient = strings.Repeat("33", 32)
)

func newIssuer(t *testing.T, fv *fakeVault) *claim.Issuer {
	t.Helper()
	signer, err := claim.NewSigner(testSeed)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	issuer, err := claim.NewIssuer(signer, fv, vaultAddr, tokenID, 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   uint64
	}{
		{"1", 1_000_000_000},
		{"0.5", 500_000_000},
		{"700", 700_000_000_000},
		{"0.0000000001", 0}, // sub-unit dust truncates
	}
	for _, tt := range tests {
		amount, _ := decimal.NewFromString(tt.amount)
		if got := claim.Units(amount); got != tt.want {
			t.Errorf("Units(%s) = %d, want %d", tt.amount, got, tt.want)
		}
	}
}

func TestIssue_SequenceFromLiveRead(t *testing.T) {
	fv := &fakeVault{seq: 41}
	issuer := newIssuer(t, fv)

	c, err := issuer.Issue(context.Background(), recipient, decimal.NewFromInt(700))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if c.Sequence != 42 {
		t.Errorf("sequence = %d, want last confirmed + 1 = 42", c.Sequence)
	}
	if fv.gets != 1 {
		t.Errorf("vault reads = %d, want 1", fv.gets)
	}
	if c.Amount != 700_000_000_000 {
		t.Errorf("amount = %d, want 700e9 units", c.Amount)
	}
}

func TestIssue_SequenceAdvancesWithVaultState(t *testing.T) {
	fv := &fakeVault{seq: 5}
	issuer := newIssuer(t, fv)
	ctx := context.Background()

	c1, _ := issuer.Issue(ctx, recipient, decimal.NewFromInt(10))

	// The vault confirms the first claim; the next read reflects it.
	fv.seq = c1.Sequence
	c2, _ := issuer.Issue(ctx, recipient, decimal.NewFromInt(10))

	if c2.Sequence <= c1.Sequence {
		t.Errorf("sequences must be strictly increasing: %d then %d", c1.Sequence, c2.Sequence)
	}
}

func TestIssue_VaultFailurePropagates(t *testing.T) {
	fv := &fakeVault{err: vault.ErrUnavailable}
	issuer := newIssuer(t, fv)

	_, err := issuer.Issue(context.Background(), recipient, decimal.NewFromInt(10))
	if !errors.Is(err, vault.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable (fail closed)", err)
	}
}

func TestIssue_PayloadVerifies(t *testing.T) {
	fv := &fakeVault{seq: 0}
	signer, _ := claim.NewSigner(testSeed)
	issuer, err := claim.NewIssuer(signer, fv, vaultAddr, tokenID, 15*time.Minute)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	c, err := issuer.Issue(context.Background(), recipient, decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	payload, err := base64.StdEncoding.DecodeString(c.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !claim.Verify(signer.PublicKey(), payload, sig) {
		t.Error("issued claim should verify under the oracle public key")
	}
}

func TestNewIssuer_RejectsBadAddresses(t *testing.T) {
	signer, _ := claim.NewSigner(testSeed)
	if _, err := claim.NewIssuer(signer, &fakeVault{}, "nope", tokenID, time.Minute); err == nil {
		t.Error("bad vault address should be rejected")
	}
	if _, err := claim.NewIssuer(signer, &fakeVault{}, vaultAddr, "nope", time.Minute); err == nil {
		t.Error("bad token id should be rejected")
	}
}
