// Package vault reads state from the external custody contract's RPC
// surface: last-confirmed sequence numbers per recipient and token
// inventory.
//
// The vault is externally hosted, slow, and occasionally unavailable.
// Reads are best-effort with a hard timeout; callers must fail closed
// (skip issuing a claim) when a read does not succeed. Sequence numbers
// are never cached — a stale value would reuse or skip a number.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable wraps any transport or decode failure talking to the
// vault RPC.
var ErrUnavailable = errors.New("vault: unavailable")

// Inventory is the vault's redeemable holdings.
type Inventory struct {
	TokenBalance  decimal.Decimal `json:"token_balance"`
	NativeBalance decimal.Decimal `json:"native_balance"`
}

// Client reads vault state.
type Client interface {
	// LastConfirmedSeq returns the highest sequence number the vault has
	// confirmed for a recipient. Zero for a recipient with no history.
	LastConfirmedSeq(ctx context.Context, recipient string) (uint64, error)

	// GetInventory returns the vault's current token inventory.
	GetInventory(ctx context.Context) (Inventory, error)
}

// HTTPClient implements Client against the vault's JSON RPC endpoint.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client with a per-call timeout.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) LastConfirmedSeq(ctx context.Context, recipient string) (uint64, error) {
	var resp struct {
		Sequence uint64 `json:"sequence"`
	}
	if err := c.getJSON(ctx, "/v1/sequence/"+recipient, &resp); err != nil {
		return 0, err
	}
	return resp.Sequence, nil
}

func (c *HTTPClient) GetInventory(ctx context.Context) (Inventory, error) {
	var inv Inventory
	if err := c.getJSON(ctx, "/v1/inventory", &inv); err != nil {
		return Inventory{}, err
	}
	return inv, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}
