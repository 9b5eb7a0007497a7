package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDifficulty  = 4
	testNonceBudget = 1 << 20
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New(NewMemoryStore(), testDifficulty, testNonceBudget)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNewCreatesGenesis(t *testing.T) {
	l := newTestLedger(t)

	blocks, err := l.Blocks()
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	genesis := blocks[0]
	assert.Equal(t, uint64(0), genesis.Index)
	assert.Equal(t, GenesisPrevHash, genesis.PrevHash)
	assert.JSONEq(t, `{"genesis":true}`, string(genesis.Payload))

	valid, firstInvalid := l.VerifyChain()
	assert.True(t, valid)
	assert.Equal(t, -1, firstInvalid)
}

func TestNewReusesExistingChain(t *testing.T) {
	store := NewMemoryStore()
	l1, err := New(store, testDifficulty, testNonceBudget)
	require.NoError(t, err)
	_, err = l1.Append(context.Background(), []byte(`{"round":1}`))
	require.NoError(t, err)

	// Reopening over the same store must not mint a second genesis.
	l2, err := New(store, testDifficulty, testNonceBudget)
	require.NoError(t, err)
	blocks, err := l2.Blocks()
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
}

func TestAppendLinksBlocks(t *testing.T) {
	l := newTestLedger(t)

	ref1, err := l.Append(context.Background(), []byte(`{"round":1}`))
	require.NoError(t, err)
	ref2, err := l.Append(context.Background(), []byte(`{"round":2}`))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ref1.Index)
	assert.Equal(t, uint64(2), ref2.Index)

	blocks, err := l.Blocks()
	require.NoError(t, err)
	assert.Equal(t, blocks[1].Hash, blocks[2].PrevHash)
	assert.Equal(t, ref2.Hash, blocks[2].Hash.String())

	valid, firstInvalid := l.VerifyChain()
	assert.True(t, valid)
	assert.Equal(t, -1, firstInvalid)
}

func TestVerifyChainDetectsPayloadTampering(t *testing.T) {
	for tamperIndex := 0; tamperIndex < 4; tamperIndex++ {
		t.Run(fmt.Sprintf("index_%d", tamperIndex), func(t *testing.T) {
			l := newTestLedger(t)
			for i := 1; i < 4; i++ {
				_, err := l.Append(context.Background(), []byte(fmt.Sprintf(`{"round":%d}`, i)))
				require.NoError(t, err)
			}

			blocks, err := l.Blocks()
			require.NoError(t, err)
			blocks[tamperIndex].Payload = []byte(`{"forged":true}`)

			valid, firstInvalid := l.VerifyChain()
			assert.False(t, valid)
			assert.Equal(t, tamperIndex, firstInvalid)
		})
	}
}

func TestVerifyChainDetectsLinkTampering(t *testing.T) {
	l := newTestLedger(t)
	for i := 1; i < 3; i++ {
		_, err := l.Append(context.Background(), []byte(fmt.Sprintf(`{"round":%d}`, i)))
		require.NoError(t, err)
	}

	blocks, err := l.Blocks()
	require.NoError(t, err)
	blocks[2].PrevHash[0] ^= 0xff

	valid, firstInvalid := l.VerifyChain()
	assert.False(t, valid)
	assert.Equal(t, 2, firstInvalid)
}

func TestVerifyChainDetectsNonceTampering(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append(context.Background(), []byte(`{"round":1}`))
	require.NoError(t, err)

	blocks, err := l.Blocks()
	require.NoError(t, err)
	blocks[1].Nonce++

	valid, firstInvalid := l.VerifyChain()
	assert.False(t, valid)
	assert.Equal(t, 1, firstInvalid)
}

func TestAppendSealFailure(t *testing.T) {
	store := NewMemoryStore()
	easy, err := New(store, testDifficulty, testNonceBudget)
	require.NoError(t, err)
	easy.Close()

	// Reopen over the sealed genesis with an unreachable target: the
	// bounded nonce search must give up instead of hanging.
	hard, err := New(store, 32, 64)
	require.NoError(t, err)

	_, err = hard.Append(context.Background(), []byte(`{"round":1}`))
	assert.ErrorIs(t, err, ErrSealFailed)
}

func TestAppendCancellation(t *testing.T) {
	store := NewMemoryStore()
	easy, err := New(store, testDifficulty, testNonceBudget)
	require.NoError(t, err)
	easy.Close()

	hard, err := New(store, 32, 1<<40)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = hard.Append(ctx, []byte(`{"round":1}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append(context.Background(), []byte(`{"round":1}`))
	require.NoError(t, err)

	s, err := l.Summarize()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Blocks)
	assert.True(t, s.ChainValid)
	assert.Equal(t, -1, s.FirstInvalid)
	assert.NotEmpty(t, s.TipHash)
}

func TestBlockJSONRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append(context.Background(), []byte(`{"round":1}`))
	require.NoError(t, err)

	blocks, err := l.Blocks()
	require.NoError(t, err)

	data, err := json.Marshal(blocks[1])
	require.NoError(t, err)

	var got Block
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, blocks[1].Hash, got.Hash)
	assert.Equal(t, blocks[1].PrevHash, got.PrevHash)
	assert.Equal(t, blocks[1].Payload, got.Payload)
}

func TestMeetsDifficulty(t *testing.T) {
	assert.True(t, meetsDifficulty(Hash{}, 32))
	assert.True(t, meetsDifficulty(Hash{0x0f}, 4))
	assert.False(t, meetsDifficulty(Hash{0x0f}, 5))
	assert.True(t, meetsDifficulty(Hash{0xff}, 0))
	assert.False(t, meetsDifficulty(Hash{0xff}, 1))
}
