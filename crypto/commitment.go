package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/zeebo/blake3"
)

// CommitmentNonceSize is the length of the commitment blinding nonce.
const CommitmentNonceSize = 16

// Sum256 is the hashing primitive shared by commitments and the ledger.
func Sum256(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// NewCommitmentNonce returns a fresh random commitment nonce.
func NewCommitmentNonce() ([]byte, error) {
	nonce := make([]byte, CommitmentNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate commitment nonce: %w", err)
	}
	return nonce, nil
}

// Commit computes a one-way binding commitment to a parameter vector.
// The nonce prevents precomputation over low-entropy vectors; it travels
// with the update and is revealed at verification time.
func Commit(vec []float64, nonce []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte("fedtrain-commit-v1"))
	h.Write(nonce)
	h.Write(EncodeVector(vec))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyCommitment reports whether the vector matches the commitment in
// constant time.
func VerifyCommitment(vec []float64, nonce, commitment []byte) bool {
	expected := Commit(vec, nonce)
	return subtle.ConstantTimeCompare(expected[:], commitment) == 1
}

// HashVector returns the canonical digest of a vector, used as the
// aggregate commitment recorded on the ledger.
func HashVector(vec []float64) [32]byte {
	return Sum256(EncodeVector(vec))
}
