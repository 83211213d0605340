// Package claim builds and signs withdrawal authorizations redeemable
// against the external vault contract.
//
// The payload is a fixed-order, fixed-width binary encoding — no schema,
// no ambiguity — signed with Ed25519 over its SHA-256 digest. A verifier
// holding only the oracle public key can validate a claim without trusting
// the backend's runtime.
package claim

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressSize is the byte length of vault, token, and recipient identifiers.
const AddressSize = 32

// PayloadSize is the total canonical payload length:
// vault(32) + token(32) + recipient(32) + amount(8) + sequence(8) + expiry(4).
const PayloadSize = 3*AddressSize + 8 + 8 + 4

var (
	ErrBadAddress = errors.New("claim: address must be 32 hex-encoded bytes")
	ErrBadKey     = errors.New("claim: signing key must be a 32-byte ed25519 seed")
)

// Address is a 32-byte vault-side identifier (vault address, token id, or
// recipient address).
type Address [AddressSize]byte

// ParseAddress decodes a hex-encoded 32-byte address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != AddressSize {
		return a, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	copy(a[:], raw)
	return a, nil
}

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// BuildPayload canonically encodes the claim fields. Field order and widths
// are a compatibility contract with the vault contract's verifier:
//
//	[0:32]    vault address
//	[32:64]   token id
//	[64:96]   recipient address
//	[96:104]  amount, big-endian uint64, smallest unit
//	[104:112] sequence number, big-endian uint64
//	[112:116] expiry, big-endian uint32, unix seconds
func BuildPayload(vault, token, recipient Address, amount, sequence uint64, expiry uint32) []byte {
	p := make([]byte, PayloadSize)
	copy(p[0:32], vault[:])
	copy(p[32:64], token[:])
	copy(p[64:96], recipient[:])
	binary.BigEndian.PutUint64(p[96:104], amount)
	binary.BigEndian.PutUint64(p[104:112], sequence)
	binary.BigEndian.PutUint32(p[112:116], expiry)
	return p
}

// Signer signs claim payloads with the oracle's Ed25519 key.
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner derives a signer from a hex-encoded 32-byte Ed25519 seed.
// A missing or malformed seed is a configuration error: the caller must
// refuse to serve traffic.
func NewSigner(hexSeed string) (*Signer, error) {
	raw, err := hex.DecodeString(hexSeed)
	if err != nil || len(raw) != ed25519.SeedSize {
		return nil, ErrBadKey
	}
	return &Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
}

// Sign returns the detached signature over SHA-256(payload). Ed25519 is
// deterministic: the same payload always yields the same signature.
func (s *Signer) Sign(payload []byte) []byte {
	digest := sha256.Sum256(payload)
	return ed25519.Sign(s.key, digest[:])
}

// PublicKey returns the oracle verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Verify checks a detached signature against a payload and public key.
func Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	digest := sha256.Sum256(payload)
	return ed25519.Verify(pub, digest[:], sig)
}

// Encode returns the base64 transport encoding used in API responses.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
