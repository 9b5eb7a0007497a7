package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/securehealth/fedtrain/crypto"
	"github.com/securehealth/fedtrain/protocol"
)

// ErrSealFailed is returned when the proof-of-work nonce budget is
// exhausted before a hash below the difficulty target is found. The
// append may be retried; the caller closes the round instead of hanging.
var ErrSealFailed = errors.New("proof-of-work nonce budget exhausted")

// checkInterval is how many nonces are tried between context checks
// during the proof-of-work search.
const checkInterval = 4096

// Ledger is the append-only audit chain. Appends are serialized by the
// round state machine; the internal lock only protects against misuse.
type Ledger struct {
	mu          sync.Mutex
	store       BlockStore
	difficulty  uint
	nonceBudget uint64
}

// Summary is the audit-display view of the chain.
type Summary struct {
	Blocks       uint64 `json:"blocks"`
	ChainValid   bool   `json:"chain_valid"`
	FirstInvalid int    `json:"first_invalid"`
	TipHash      string `json:"tip_hash,omitempty"`
}

// New opens a ledger over the given store, creating the genesis block if
// the store is empty. An unreachable difficulty target surfaces here as
// a startup failure.
func New(store BlockStore, difficulty uint, nonceBudget uint64) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("block store is required")
	}
	if nonceBudget == 0 {
		return nil, errors.New("nonce budget must be positive")
	}

	l := &Ledger{
		store:       store,
		difficulty:  difficulty,
		nonceBudget: nonceBudget,
	}

	n, err := store.Len()
	if err != nil {
		return nil, fmt.Errorf("reading chain length: %w", err)
	}
	if n == 0 {
		if _, err := l.appendLocked(context.Background(), []byte(`{"genesis":true}`)); err != nil {
			return nil, fmt.Errorf("sealing genesis block: %w", err)
		}
	}
	return l, nil
}

// Append seals a payload into the next block. The nonce search is a
// cancellable bounded loop: it stops on context cancellation or when the
// budget is exhausted (ErrSealFailed).
func (l *Ledger) Append(ctx context.Context, payload []byte) (protocol.SealRef, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := l.appendLocked(ctx, payload)
	if err != nil {
		return protocol.SealRef{}, err
	}
	return protocol.SealRef{Index: b.Index, Hash: b.Hash.String()}, nil
}

func (l *Ledger) appendLocked(ctx context.Context, payload []byte) (*Block, error) {
	n, err := l.store.Len()
	if err != nil {
		return nil, err
	}

	prev := GenesisPrevHash
	if n > 0 {
		tip, err := l.store.Get(n - 1)
		if err != nil {
			return nil, err
		}
		prev = tip.Hash
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	b := &Block{
		Index:       n,
		PrevHash:    prev,
		PayloadHash: Hash(crypto.Sum256(payloadCopy)),
		Payload:     payloadCopy,
		Timestamp:   time.Now().UTC(),
	}

	nonce, hash, err := l.searchNonce(ctx, b.Index, b.PrevHash, b.PayloadHash)
	if err != nil {
		return nil, err
	}
	b.Nonce = nonce
	b.Hash = hash

	if err := l.store.Append(b); err != nil {
		return nil, fmt.Errorf("persisting block %d: %w", b.Index, err)
	}
	return b, nil
}

func (l *Ledger) searchNonce(ctx context.Context, index uint64, prev, payloadHash Hash) (uint64, Hash, error) {
	for nonce := uint64(0); nonce < l.nonceBudget; nonce++ {
		if nonce%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, Hash{}, err
			}
		}
		h := blockDigest(index, prev, payloadHash, nonce)
		if meetsDifficulty(h, l.difficulty) {
			return nonce, h, nil
		}
	}
	return 0, Hash{}, ErrSealFailed
}

// VerifyChain recomputes every block's hash linkage and payload hash
// from index 0. It returns true with firstInvalid -1 when the chain is
// intact, otherwise false and the first index at which the recorded
// state diverges from the recomputation. Any mismatch invalidates the
// chain from that index forward.
func (l *Ledger) VerifyChain() (bool, int) {
	blocks, err := l.store.All()
	if err != nil {
		return false, 0
	}

	prev := GenesisPrevHash
	for i, b := range blocks {
		if b.Index != uint64(i) {
			return false, i
		}
		if b.PrevHash != prev {
			return false, i
		}
		if Hash(crypto.Sum256(b.Payload)) != b.PayloadHash {
			return false, i
		}
		if blockDigest(b.Index, b.PrevHash, b.PayloadHash, b.Nonce) != b.Hash {
			return false, i
		}
		if !meetsDifficulty(b.Hash, l.difficulty) {
			return false, i
		}
		prev = b.Hash
	}
	return true, -1
}

// Blocks returns the ordered chain. Read-only and side-effect-free.
func (l *Ledger) Blocks() ([]*Block, error) {
	return l.store.All()
}

// Summarize returns the audit summary of the chain.
func (l *Ledger) Summarize() (*Summary, error) {
	n, err := l.store.Len()
	if err != nil {
		return nil, err
	}
	valid, firstInvalid := l.VerifyChain()
	s := &Summary{
		Blocks:       n,
		ChainValid:   valid,
		FirstInvalid: firstInvalid,
	}
	if n > 0 {
		tip, err := l.store.Get(n - 1)
		if err != nil {
			return nil, err
		}
		s.TipHash = tip.Hash.String()
	}
	return s, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
