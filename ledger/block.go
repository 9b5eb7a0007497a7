// Package ledger implements the append-only, hash-chained,
// proof-of-work-sealed audit log of round outcomes.
//
// Blocks are immutable once appended; any later mutation is detectable
// by recomputing the hash linkage from the genesis block. Difficulty is
// a static configuration constant: throughput is bounded by the training
// round cadence, not by competing miners, so there is no adjustment
// algorithm. The nonce search is bounded by a configured budget and
// fails with ErrSealFailed rather than hang.
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"time"

	"github.com/securehealth/fedtrain/crypto"
)

// Hash is a 32-byte block digest rendered as hex in JSON.
type Hash [32]byte

// GenesisPrevHash is the fixed sentinel previous-hash of the genesis block.
var GenesisPrevHash = Hash{}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalJSON renders the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a hex string hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Block is one immutable record in the audit chain.
type Block struct {
	Index       uint64    `json:"index"`
	PrevHash    Hash      `json:"prev_hash"`
	PayloadHash Hash      `json:"payload_hash"`
	Payload     []byte    `json:"payload"`
	Nonce       uint64    `json:"nonce"`
	Hash        Hash      `json:"hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// blockDigest computes the sealed hash of a block's linkage fields. The
// payload participates via its digest so tampering with either the
// payload or the stored payload hash is detectable.
func blockDigest(index uint64, prev, payloadHash Hash, nonce uint64) Hash {
	var buf [8 + 32 + 32 + 8]byte
	binary.BigEndian.PutUint64(buf[0:], index)
	copy(buf[8:], prev[:])
	copy(buf[40:], payloadHash[:])
	binary.BigEndian.PutUint64(buf[72:], nonce)
	return Hash(crypto.Sum256(buf[:]))
}

// meetsDifficulty reports whether the hash has at least the target
// number of leading zero bits.
func meetsDifficulty(h Hash, difficulty uint) bool {
	var zeros uint
	for _, b := range h {
		if b == 0 {
			zeros += 8
			continue
		}
		zeros += uint(bits.LeadingZeros8(b))
		break
	}
	return zeros >= difficulty
}
