package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRejectsOutOfOrderAppend(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Append(&Block{Index: 0}))
	assert.Error(t, store.Append(&Block{Index: 2}))
	assert.Error(t, store.Append(&Block{Index: 0}))
}

func TestMemoryStoreGetPastTip(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(0)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestPebbleStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewPebbleStore(dir)
	require.NoError(t, err)

	l, err := New(store, testDifficulty, testNonceBudget)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := l.Append(context.Background(), []byte(fmt.Sprintf(`{"round":%d}`, i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := NewPebbleStore(dir)
	require.NoError(t, err)

	l2, err := New(reopened, testDifficulty, testNonceBudget)
	require.NoError(t, err)
	defer l2.Close()

	n, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	valid, firstInvalid := l2.VerifyChain()
	assert.True(t, valid)
	assert.Equal(t, -1, firstInvalid)

	// The recovered tip continues the chain.
	ref, err := l2.Append(context.Background(), []byte(`{"round":4}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ref.Index)
}

func TestPebbleStoreRejectsOutOfOrderAppend(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(&Block{Index: 0}))
	assert.Error(t, store.Append(&Block{Index: 5}))
}

func TestPebbleStoreGetNotFound(t *testing.T) {
	store, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(9)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}
