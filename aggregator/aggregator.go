// Package aggregator implements secure aggregation of encrypted
// parameter updates: commitment-checked weighted Federated Averaging
// with calibrated Laplace noise.
//
// The privacy contract of this package is that no individual decrypted
// update is ever logged, persisted, or returned. Plaintext vectors exist
// only inside the Aggregate call frame; the noised weighted mean is the
// only value derived from them that survives the call. This is a bounded
// secure-sum plus commitment scheme, deliberately not a general
// multi-party computation protocol.
package aggregator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/securehealth/fedtrain/crypto"
	"github.com/securehealth/fedtrain/protocol"
)

// mediumWeightFactor is applied to the aggregation weight of updates
// screened as medium severity: accepted, with reduced influence.
const mediumWeightFactor = 0.5

// Scorer screens one decrypted update against the current global model
// and the cohort of updates already accepted this round.
type Scorer interface {
	Verdict(update *protocol.EncryptedUpdate, candidate, global []float64, cohort [][]float64) *protocol.AnomalyVerdict
}

// KeySource resolves the channel key for an institution. Key material
// management is an external collaborator concern.
type KeySource interface {
	KeyFor(institutionID string) (crypto.Key, error)
}

// StaticKeySource is a fixed institution-to-key map, used by tests and
// the demo deployment.
type StaticKeySource struct {
	mu   sync.RWMutex
	keys map[string]crypto.Key
}

// NewStaticKeySource creates an empty static key source.
func NewStaticKeySource() *StaticKeySource {
	return &StaticKeySource{keys: make(map[string]crypto.Key)}
}

// Set registers the channel key for an institution.
func (s *StaticKeySource) Set(institutionID string, key crypto.Key) {
	s.mu.Lock()
	s.keys[institutionID] = key
	s.mu.Unlock()
}

// KeyFor returns the channel key for an institution.
func (s *StaticKeySource) KeyFor(institutionID string) (crypto.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[institutionID]
	if !ok {
		return crypto.Key{}, fmt.Errorf("no key material for institution %s", institutionID)
	}
	return key, nil
}

// SecureAggregator combines accepted updates into one noised global
// update. It implements protocol.Aggregator.
type SecureAggregator struct {
	scorer Scorer
	keys   KeySource

	// noiseScale is the Laplace scale sensitivity/epsilon; zero disables
	// noise (test configurations only).
	noiseScale float64

	// entropy defaults to crypto/rand. Tests may inject a deterministic
	// reader.
	entropy io.Reader
}

// New creates a secure aggregator. Missing key material or scorer is a
// configuration error raised before any round runs.
func New(cfg *protocol.Config, scorer Scorer, keys KeySource) (*SecureAggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if scorer == nil {
		return nil, errors.New("scorer is required")
	}
	if keys == nil {
		return nil, errors.New("key source is required")
	}

	var scale float64
	if cfg.Epsilon > 0 {
		scale = cfg.NoiseSensitivity / cfg.Epsilon
	}

	return &SecureAggregator{
		scorer:     scorer,
		keys:       keys,
		noiseScale: scale,
		entropy:    rand.Reader,
	}, nil
}

// WithEntropy overrides the noise entropy source. Only used in tests.
func (a *SecureAggregator) WithEntropy(r io.Reader) *SecureAggregator {
	a.entropy = r
	return a
}

// Aggregate decrypts, screens and combines the round's updates.
//
// Updates that fail decryption or whose plaintext hash does not match
// their commitment are dropped individually; one bad participant never
// aborts the round. Screening walks the updates in the caller-provided
// deterministic order, building the cohort of accepted plaintexts as it
// goes. After onScreened fires, accepted updates are folded into the
// weighted mean and Laplace noise is added to every coordinate.
func (a *SecureAggregator) Aggregate(ctx context.Context, roundID uint64, global protocol.ParameterVector,
	updates []*protocol.EncryptedUpdate, onScreened func([]*protocol.AnomalyVerdict)) (*protocol.AggregationResult, error) {

	res := &protocol.AggregationResult{
		Weights: make(map[string]float64),
	}

	// Plaintexts live only in this frame; accepted holds the cohort for
	// screening and the vectors for the weighted sum, and is unreachable
	// once Aggregate returns.
	type acceptedUpdate struct {
		institutionID string
		vector        []float64
		weight        float64
	}
	accepted := make([]acceptedUpdate, 0, len(updates))
	cohort := make([][]float64, 0, len(updates))

	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, err := a.keys.KeyFor(u.InstitutionID)
		if err != nil {
			res.Dropped = append(res.Dropped, protocol.DroppedUpdate{
				InstitutionID: u.InstitutionID, Reason: "no key material",
			})
			continue
		}

		vec, err := crypto.DecryptVector(key, u.Ciphertext)
		if err != nil {
			res.Dropped = append(res.Dropped, protocol.DroppedUpdate{
				InstitutionID: u.InstitutionID, Reason: "authentication failure",
			})
			continue
		}

		if !crypto.VerifyCommitment(vec, u.CommitmentNonce, u.Commitment) {
			res.Dropped = append(res.Dropped, protocol.DroppedUpdate{
				InstitutionID: u.InstitutionID, Reason: "commitment mismatch",
			})
			continue
		}

		verdict := a.scorer.Verdict(u, vec, global, cohort)
		res.Verdicts = append(res.Verdicts, verdict)
		if verdict.Decision == protocol.DecisionReject {
			continue
		}

		weight := u.DatasetWeight
		if verdict.Severity == protocol.SeverityMedium {
			weight *= mediumWeightFactor
		}

		accepted = append(accepted, acceptedUpdate{
			institutionID: u.InstitutionID,
			vector:        vec,
			weight:        weight,
		})
		cohort = append(cohort, vec)
	}

	if onScreened != nil {
		onScreened(res.Verdicts)
	}

	res.Accepted = len(accepted)
	res.Rejected = len(res.Dropped)
	for _, v := range res.Verdicts {
		if v.Decision == protocol.DecisionReject {
			res.Rejected++
		}
	}

	if len(accepted) == 0 {
		return res, nil
	}

	var totalWeight float64
	dim := 0
	for _, u := range accepted {
		totalWeight += u.weight
		if len(u.vector) > dim {
			dim = len(u.vector)
		}
	}
	if totalWeight <= 0 {
		return nil, errors.New("accepted updates carry no positive weight")
	}

	// Weighted elementwise sum with weights normalized to 1.
	model := make(protocol.ParameterVector, dim)
	for _, u := range accepted {
		w := u.weight / totalWeight
		res.Weights[u.institutionID] = w
		for i, x := range u.vector {
			model[i] += w * x
		}
	}

	if a.noiseScale > 0 {
		for i := range model {
			noise, err := a.laplace(a.noiseScale)
			if err != nil {
				return nil, fmt.Errorf("noise injection: %w", err)
			}
			model[i] += noise
		}
	}

	res.Model = model
	return res, nil
}

// laplace draws one sample from Laplace(0, scale) by inverse transform
// sampling over the configured entropy source.
func (a *SecureAggregator) laplace(scale float64) (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(a.entropy, buf[:]); err != nil {
		return 0, err
	}
	// Uniform in (0, 1), excluding the endpoints to keep the logarithm finite.
	u := (float64(binary.BigEndian.Uint64(buf[:])>>11) + 0.5) / (1 << 53)
	u -= 0.5
	if u < 0 {
		return scale * math.Log(1+2*u), nil
	}
	return -scale * math.Log(1-2*u), nil
}
