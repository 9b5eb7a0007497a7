package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/securehealth/fedtrain/crypto"
	"github.com/securehealth/fedtrain/protocol"
)

// GenerateTestInstitution creates a verified institution with a fresh
// channel key. The key is returned separately for encrypting updates.
func GenerateTestInstitution(name string, weight float64) (*protocol.Institution, crypto.Key) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(fmt.Sprintf("generating test key: %v", err))
	}
	inst := &protocol.Institution{
		ID:            "inst-" + name,
		Name:          name,
		Status:        protocol.InstitutionVerified,
		DatasetWeight: weight,
		KeyMaterial:   key.String(),
		RegisteredAt:  time.Now().UTC(),
	}
	return inst, key
}

// GenerateTestInstitutions creates n verified institutions with equal
// dataset weights and returns them with their keys, index aligned.
func GenerateTestInstitutions(n int) ([]*protocol.Institution, []crypto.Key) {
	insts := make([]*protocol.Institution, n)
	keys := make([]crypto.Key, n)
	for i := range insts {
		insts[i], keys[i] = GenerateTestInstitution(fmt.Sprintf("hospital-%d", i), 1)
	}
	return insts, keys
}

// EncryptTestUpdate builds a complete encrypted update for a vector:
// ciphertext, commitment and commitment nonce.
func EncryptTestUpdate(key crypto.Key, institutionID string, roundID uint64, vec protocol.ParameterVector) *protocol.EncryptedUpdate {
	ciphertext, err := crypto.EncryptVector(key, vec)
	if err != nil {
		panic(fmt.Sprintf("encrypting test update: %v", err))
	}
	nonce, err := crypto.NewCommitmentNonce()
	if err != nil {
		panic(fmt.Sprintf("generating commitment nonce: %v", err))
	}
	commitment := crypto.Commit(vec, nonce)
	return &protocol.EncryptedUpdate{
		InstitutionID:   institutionID,
		RoundID:         roundID,
		Ciphertext:      ciphertext,
		Commitment:      commitment[:],
		CommitmentNonce: nonce,
		SubmittedAt:     time.Now(),
	}
}

// FastConfig returns a round configuration tuned for tests: noise
// disabled, trivial proof-of-work and a deadline long enough that tests
// control round closure explicitly.
func FastConfig() *protocol.Config {
	cfg := protocol.DefaultConfig()
	cfg.Epsilon = 0
	cfg.Difficulty = 4
	cfg.NonceBudget = 1 << 20
	cfg.RoundDeadline = time.Hour
	return cfg
}

// StaticInstitutionSource serves a fixed institution set to the
// orchestrator.
type StaticInstitutionSource struct {
	Institutions []*protocol.Institution
}

func (s *StaticInstitutionSource) VerifiedInstitutions(_ context.Context) ([]*protocol.Institution, error) {
	out := make([]*protocol.Institution, 0, len(s.Institutions))
	for _, inst := range s.Institutions {
		if inst.Status == protocol.InstitutionVerified {
			out = append(out, inst)
		}
	}
	return out, nil
}
