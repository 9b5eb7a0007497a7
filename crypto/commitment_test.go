package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitmentVerifies(t *testing.T) {
	nonce, err := NewCommitmentNonce()
	require.NoError(t, err)

	vec := []float64{0.1, 0.2, 0.3}
	commitment := Commit(vec, nonce)

	assert.True(t, VerifyCommitment(vec, nonce, commitment[:]))
}

func TestCommitmentMismatchOnChangedVector(t *testing.T) {
	nonce, err := NewCommitmentNonce()
	require.NoError(t, err)

	vec := []float64{0.1, 0.2, 0.3}
	commitment := Commit(vec, nonce)

	changed := []float64{0.1, 0.2, 0.30000001}
	assert.False(t, VerifyCommitment(changed, nonce, commitment[:]))
}

func TestCommitmentMismatchOnWrongNonce(t *testing.T) {
	nonce1, err := NewCommitmentNonce()
	require.NoError(t, err)
	nonce2, err := NewCommitmentNonce()
	require.NoError(t, err)

	vec := []float64{1, 2}
	commitment := Commit(vec, nonce1)

	assert.False(t, VerifyCommitment(vec, nonce2, commitment[:]))
}

func TestCommitmentDeterministic(t *testing.T) {
	nonce, err := NewCommitmentNonce()
	require.NoError(t, err)

	vec := []float64{4, 5, 6}
	assert.Equal(t, Commit(vec, nonce), Commit(vec, nonce))
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	cases := [][]float64{
		nil,
		{},
		{0},
		{1.5, -2.5, 3.1415926535},
	}
	for _, vec := range cases {
		got, err := DecodeVector(EncodeVector(vec))
		require.NoError(t, err)
		assert.Len(t, got, len(vec))
		for i := range vec {
			assert.Equal(t, vec[i], got[i])
		}
	}
}

func TestDecodeVectorRejectsTruncatedData(t *testing.T) {
	data := EncodeVector([]float64{1, 2, 3})

	_, err := DecodeVector(data[:len(data)-1])
	assert.Error(t, err)

	_, err = DecodeVector(data[:2])
	assert.Error(t, err)
}
