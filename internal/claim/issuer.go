package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aibaverse/arena-engine/internal/model"
	"github.com/aibaverse/arena-engine/internal/vault"
)

// TokenDecimals converts ledger amounts to the vault token's smallest
// unit: 1 token = 10^9 units.
const TokenDecimals = 9

var unitScale = decimal.New(1, TokenDecimals)

// Units converts a ledger amount to smallest units, truncating sub-unit
// dust.
func Units(amount decimal.Decimal) uint64 {
	return uint64(amount.Mul(unitScale).Truncate(0).IntPart())
}

// Issuer builds signed claims. The sequence number comes from a live vault
// read immediately before signing — never from local state, because an
// issued-but-unredeemed claim would otherwise make the next claim reuse or
// skip a number.
type Issuer struct {
	signer *Signer
	vault  vault.Client
	vaultA Address
	tokenA Address
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer for one vault and token.
func NewIssuer(signer *Signer, vc vault.Client, vaultAddr, tokenID string, ttl time.Duration) (*Issuer, error) {
	va, err := ParseAddress(vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("vault address: %w", err)
	}
	ta, err := ParseAddress(tokenID)
	if err != nil {
		return nil, fmt.Errorf("token id: %w", err)
	}
	return &Issuer{
		signer: signer,
		vault:  vc,
		vaultA: va,
		tokenA: ta,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Issue reads the recipient's confirmed sequence from the vault, builds the
// canonical payload for sequence+1, and signs it. Any vault failure
// propagates so the caller can fail closed.
func (i *Issuer) Issue(ctx context.Context, recipient string, amount decimal.Decimal) (*model.Claim, error) {
	ra, err := ParseAddress(recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}

	lastSeq, err := i.vault.LastConfirmedSeq(ctx, recipient)
	if err != nil {
		return nil, err
	}
	seq := lastSeq + 1

	units := Units(amount)
	expiry := uint32(i.now().Add(i.ttl).Unix())

	payload := BuildPayload(i.vaultA, i.tokenA, ra, units, seq, expiry)
	sig := i.signer.Sign(payload)

	return &model.Claim{
		VaultAddress: i.vaultA.String(),
		TokenID:      i.tokenA.String(),
		Recipient:    recipient,
		Amount:       units,
		Sequence:     seq,
		Expiry:       expiry,
		Payload:      Encode(payload),
		Signature:    Encode(sig),
	}, nil
}
