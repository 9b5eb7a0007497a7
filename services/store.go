package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/securehealth/fedtrain/protocol"
)

// ErrInstitutionNotFound is returned for unknown institution ids.
var ErrInstitutionNotFound = errors.New("institution not found")

// Store persists institutions and round summaries. Institutions are
// never deleted; the only permitted mutation is the administrative
// status change. Round summaries are append-only.
type Store interface {
	SaveInstitution(ctx context.Context, inst *protocol.Institution) error
	GetInstitution(ctx context.Context, id string) (*protocol.Institution, error)
	ListInstitutions(ctx context.Context) ([]*protocol.Institution, error)
	UpdateInstitutionStatus(ctx context.Context, id string, status protocol.InstitutionStatus) error

	SaveRoundSummary(ctx context.Context, summary *protocol.RoundSummary) error
	ListRoundSummaries(ctx context.Context) ([]*protocol.RoundSummary, error)

	Close() error
}

// MemoryStore is the in-memory Store used by tests and the demo.
type MemoryStore struct {
	mu           sync.RWMutex
	institutions map[string]*protocol.Institution
	rounds       []*protocol.RoundSummary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{institutions: make(map[string]*protocol.Institution)}
}

func (s *MemoryStore) SaveInstitution(ctx context.Context, inst *protocol.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.institutions[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstitution(ctx context.Context, id string) (*protocol.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.institutions[id]
	if !ok {
		return nil, ErrInstitutionNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstitutions(ctx context.Context) ([]*protocol.Institution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protocol.Institution, 0, len(s.institutions))
	for _, inst := range s.institutions {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateInstitutionStatus(ctx context.Context, id string, status protocol.InstitutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.institutions[id]
	if !ok {
		return ErrInstitutionNotFound
	}
	inst.Status = status
	return nil
}

func (s *MemoryStore) SaveRoundSummary(ctx context.Context, summary *protocol.RoundSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *summary
	s.rounds = append(s.rounds, &cp)
	return nil
}

func (s *MemoryStore) ListRoundSummaries(ctx context.Context) ([]*protocol.RoundSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*protocol.RoundSummary, len(s.rounds))
	copy(out, s.rounds)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
