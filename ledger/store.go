package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// BlockStore persists ledger blocks. The data-access contract is
// append-only: no update or delete operations exist.
type BlockStore interface {
	// Append stores a block at the next index. Appending out of order is
	// an error.
	Append(b *Block) error

	// Len returns the number of stored blocks.
	Len() (uint64, error)

	// Get returns the block at the given index.
	Get(index uint64) (*Block, error)

	// All returns every block in index order.
	All() ([]*Block, error)

	// Close releases store resources.
	Close() error
}

// ErrBlockNotFound is returned for indices past the chain tip.
var ErrBlockNotFound = errors.New("block not found")

// MemoryStore keeps the chain in process memory. Used by tests and by
// deployments that rebuild the chain on start.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []*Block
}

// NewMemoryStore creates an empty in-memory block store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Index != uint64(len(s.blocks)) {
		return fmt.Errorf("append at index %d, next is %d", b.Index, len(s.blocks))
	}
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *MemoryStore) Len() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks)), nil
}

func (s *MemoryStore) Get(index uint64) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.blocks)) {
		return nil, ErrBlockNotFound
	}
	return s.blocks[index], nil
}

func (s *MemoryStore) All() ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Block, len(s.blocks))
	copy(out, s.blocks)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// PebbleStore persists blocks in a Pebble key-value database. Blocks are
// keyed by big-endian index under a block prefix; a tip key tracks the
// chain length so Len does not require a scan.
type PebbleStore struct {
	mu sync.Mutex
	db *pebble.DB
}

var (
	blockKeyPrefix = []byte("b/")
	tipKey         = []byte("tip")
)

// NewPebbleStore opens (or creates) a Pebble-backed block store at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{
		Cache: pebble.NewCache(8 << 20),
	})
	if err != nil {
		return nil, fmt.Errorf("opening pebble store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func blockKey(index uint64) []byte {
	key := make([]byte, len(blockKeyPrefix)+8)
	copy(key, blockKeyPrefix)
	binary.BigEndian.PutUint64(key[len(blockKeyPrefix):], index)
	return key
}

func (s *PebbleStore) Append(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.lenLocked()
	if err != nil {
		return err
	}
	if b.Index != next {
		return fmt.Errorf("append at index %d, next is %d", b.Index, next)
	}

	value, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(blockKey(b.Index), value, nil); err != nil {
		return err
	}
	var tip [8]byte
	binary.BigEndian.PutUint64(tip[:], next+1)
	if err := batch.Set(tipKey, tip[:], nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) Len() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lenLocked()
}

func (s *PebbleStore) lenLocked() (uint64, error) {
	value, closer, err := s.db.Get(tipKey)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errors.New("corrupt tip record")
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *PebbleStore) Get(index uint64) (*Block, error) {
	value, closer, err := s.db.Get(blockKey(index))
	if err == pebble.ErrNotFound {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var b Block
	if err := json.Unmarshal(value, &b); err != nil {
		return nil, fmt.Errorf("decoding block %d: %w", index, err)
	}
	return &b, nil
}

func (s *PebbleStore) All() ([]*Block, error) {
	n, err := s.Len()
	if err != nil {
		return nil, err
	}
	out := make([]*Block, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := s.Get(i)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
