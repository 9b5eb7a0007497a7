package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// EncodeVector serializes a parameter vector as a length-prefixed
// sequence of big-endian float64 bit patterns. The encoding is canonical
// so commitments over it are reproducible.
func EncodeVector(vec []float64) []byte {
	out := make([]byte, 4+8*len(vec))
	binary.BigEndian.PutUint32(out, uint32(len(vec)))
	for i, x := range vec {
		binary.BigEndian.PutUint64(out[4+8*i:], math.Float64bits(x))
	}
	return out
}

// DecodeVector parses a vector produced by EncodeVector.
func DecodeVector(data []byte) ([]float64, error) {
	if len(data) < 4 {
		return nil, errors.New("vector encoding too short")
	}
	n := binary.BigEndian.Uint32(data)
	if uint64(len(data)) != 4+8*uint64(n) {
		return nil, fmt.Errorf("vector encoding length mismatch: header says %d elements, got %d bytes", n, len(data))
	}
	vec := make([]float64, n)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.BigEndian.Uint64(data[4+8*i:]))
	}
	return vec, nil
}
