// Package anomaly screens decrypted parameter updates for outlier and
// poisoning behavior before they enter secure aggregation.
//
// Scoring is fully deterministic: given the same candidate, global model
// and cohort of prior accepted updates, the verdict is reproducible.
// This is required so ledger audits can be replayed.
package anomaly

import (
	"fmt"
	"math"

	"github.com/securehealth/fedtrain/protocol"
)

// minCohort is the number of prior accepted updates required before
// cohort deviation contributes to the score. Below it only the global
// deviation applies.
const minCohort = 2

// stdFloor guards the per-coordinate z-score against a degenerate cohort
// whose coordinates are identical.
const stdFloor = 1e-9

// Scorer computes anomaly scores and maps them to severity tiers.
type Scorer struct {
	t1, t2, t3 float64
}

// NewScorer builds a scorer from the configured severity thresholds.
func NewScorer(cfg *protocol.Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Scorer{t1: cfg.T1, t2: cfg.T2, t3: cfg.T3}, nil
}

// Score computes the deviation of a candidate update relative to the
// current global model and relative to the distribution of updates
// already accepted this round. The two components are combined by max:
// an update must look ordinary along every dimension to score low.
//
//   - global deviation: L2 distance to the global model, normalized by
//     the model's own norm plus one so early large-norm models do not
//     dominate.
//   - cohort deviation: mean per-coordinate |z| against the cohort,
//     zero when the cohort is smaller than minCohort.
func (s *Scorer) Score(candidate, global []float64, cohort [][]float64) float64 {
	g := s.globalDeviation(candidate, global)
	c := s.cohortDeviation(candidate, cohort)
	return math.Max(g, c)
}

// Verdict produces the audit-trail verdict for an update, applying the
// configured threshold tiers.
func (s *Scorer) Verdict(update *protocol.EncryptedUpdate, candidate, global []float64, cohort [][]float64) *protocol.AnomalyVerdict {
	score := s.Score(candidate, global, cohort)

	severity := protocol.SeverityNone
	decision := protocol.DecisionAccept
	switch {
	case score >= s.t3:
		severity = protocol.SeverityHigh
		decision = protocol.DecisionReject
	case score >= s.t2:
		severity = protocol.SeverityMedium
	case score >= s.t1:
		severity = protocol.SeverityLow
	}

	return &protocol.AnomalyVerdict{
		InstitutionID: update.InstitutionID,
		RoundID:       update.RoundID,
		Score:         score,
		Severity:      severity,
		Decision:      decision,
	}
}

func (s *Scorer) globalDeviation(candidate, global []float64) float64 {
	if len(global) == 0 {
		// No model yet; the cohort check carries the round.
		return 0
	}
	return protocol.ParameterVector(candidate).L2Distance(global) /
		(protocol.ParameterVector(global).L2Norm() + 1)
}

func (s *Scorer) cohortDeviation(candidate []float64, cohort [][]float64) float64 {
	if len(cohort) < minCohort || len(candidate) == 0 {
		return 0
	}

	var total float64
	for i := range candidate {
		mean, std := coordinateStats(cohort, i)
		total += math.Abs(candidate[i]-mean) / (std + stdFloor)
	}
	return total / float64(len(candidate))
}

// coordinateStats returns mean and population standard deviation of one
// coordinate across the cohort. Vectors shorter than the candidate
// contribute zero for missing coordinates.
func coordinateStats(cohort [][]float64, i int) (mean, std float64) {
	n := float64(len(cohort))
	for _, v := range cohort {
		if i < len(v) {
			mean += v[i]
		}
	}
	mean /= n

	var variance float64
	for _, v := range cohort {
		var x float64
		if i < len(v) {
			x = v[i]
		}
		d := x - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / n)
}
