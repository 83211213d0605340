// Package outcome derives request-bound battle seeds and computes battle
// scores from them.
//
// The seed is an HMAC-SHA256 over the request fields keyed with a
// server-held secret, so it is reproducible by the server but unforgeable
// by clients. All randomness is expanded from the seed with a counter-mode
// SHA-256 stream; this construction is a compatibility contract: any
// reimplementation must reproduce identical scores for identical inputs.
package outcome

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// SeedSize is the byte length of a derived seed.
const SeedSize = sha256.Size

// Seed is a request-bound simulation seed.
type Seed [SeedSize]byte

// Hex returns the seed as a lowercase hex string, for audit records.
func (s Seed) Hex() string {
	return hex.EncodeToString(s[:])
}

// DeriveSeed computes the seed for one battle request:
//
//	HMAC-SHA256(secret, len(f0)||f0 || len(f1)||f1 || ...)
//
// where each field is prefixed with its length as a big-endian uint32 so
// that no two distinct field tuples share an encoding.
func DeriveSeed(secret []byte, ownerID, subjectID, category, subCategory, requestToken string) Seed {
	mac := hmac.New(sha256.New, secret)
	for _, field := range []string{ownerID, subjectID, category, subCategory, requestToken} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		mac.Write(n[:])
		mac.Write([]byte(field))
	}
	var seed Seed
	copy(seed[:], mac.Sum(nil))
	return seed
}

// Stream expands a seed into an unbounded byte stream:
//
//	block_i = SHA-256(seed || uint32_be(i)),  i = 0, 1, 2, ...
//
// Bytes are consumed in block order. The construction must not change:
// persisted scores are only auditable while it holds.
type Stream struct {
	seed    Seed
	counter uint32
	buf     []byte
}

// NewStream creates a stream positioned at block 0.
func NewStream(seed Seed) *Stream {
	return &Stream{seed: seed}
}

func (s *Stream) next() {
	h := sha256.New()
	h.Write(s.seed[:])
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], s.counter)
	h.Write(c[:])
	s.buf = h.Sum(nil)
	s.counter++
}

// Uint64 returns the next 8 stream bytes as a big-endian uint64.
func (s *Stream) Uint64() uint64 {
	if len(s.buf) < 8 {
		s.next()
	}
	v := binary.BigEndian.Uint64(s.buf[:8])
	s.buf = s.buf[8:]
	return v
}

// Roll returns a value in [0, n). n must be positive. Uses plain modulo
// reduction; the bias for small n is negligible and, more importantly,
// the exact reduction rule is part of the compatibility contract.
func (s *Stream) Roll(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("outcome: Roll with non-positive n %d", n))
	}
	return int(s.Uint64() % uint64(n))
}

// Snapshot is the subject state the simulation runs against. It must be
// read before any write to the subject's cooldown or stamina.
type Snapshot struct {
	Level   int
	Attack  int
	Defense int
	Stamina int
}

// Outcome is the result of one simulated battle.
type Outcome struct {
	Score int64    `json:"score"`
	Flags []string `json:"flags,omitempty"`
}

// Mode weights in percent applied to the raw score. Unknown modes fall
// back to 100.
var modeWeights = map[string]int64{
	"arena":      100,
	"duel":       110,
	"raid":       125,
	"tournament": 150,
}

// Simulate computes a battle outcome. It is a pure function: identical
// (snapshot, seed, mode) always yield identical output. Integer arithmetic
// only, so results are bit-for-bit reproducible across platforms.
func Simulate(snap Snapshot, seed Seed, mode string) Outcome {
	stream := NewStream(seed)

	base := int64(snap.Level)*10 +
		int64(snap.Attack)*3 +
		int64(snap.Defense)*2 +
		int64(snap.Stamina)

	// Variance roll in [80, 180) percent of base.
	roll := stream.Roll(100)
	score := base * int64(80+roll) / 100

	var flags []string
	if roll >= 95 {
		score = score * 3 / 2
		flags = append(flags, "critical")
	}
	// Flawless roll: a second independent draw, 1-in-50.
	if stream.Roll(50) == 0 {
		flags = append(flags, "flawless")
	}

	weight, ok := modeWeights[mode]
	if !ok {
		weight = 100
	}
	score = score * weight / 100

	return Outcome{Score: score, Flags: flags}
}
