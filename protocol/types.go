package protocol

import (
	"math"
	"time"
)

// InstitutionStatus tracks the lifecycle of a registered institution.
// Institutions are never deleted, only suspended.
type InstitutionStatus string

const (
	InstitutionPending   InstitutionStatus = "pending"
	InstitutionVerified  InstitutionStatus = "verified"
	InstitutionSuspended InstitutionStatus = "suspended"
)

// Valid returns true if the status is recognized.
func (s InstitutionStatus) Valid() bool {
	switch s {
	case InstitutionPending, InstitutionVerified, InstitutionSuspended:
		return true
	}
	return false
}

// Institution is a registered training participant. Status is mutated
// only by an administrative verification action.
type Institution struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Status        InstitutionStatus `json:"status"`
	DatasetWeight float64           `json:"dataset_weight"`
	// KeyMaterial is the hex-encoded key material for the institution's
	// encrypted channel. Key derivation and rotation are external
	// collaborator concerns; the core only consumes it.
	KeyMaterial  string    `json:"key_material"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ParameterVector is an ordered sequence of model weights or gradients.
// It is opaque to everything except the anomaly scorer and secure
// aggregator, which operate elementwise. Immutable once created.
type ParameterVector []float64

// Clone returns an independent copy of the vector. Cloning a nil vector
// returns nil.
func (v ParameterVector) Clone() ParameterVector {
	if v == nil {
		return nil
	}
	out := make(ParameterVector, len(v))
	copy(out, v)
	return out
}

// L2Norm returns the Euclidean norm of the vector.
func (v ParameterVector) L2Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// L2Distance returns the Euclidean distance to another vector. Missing
// coordinates on either side are treated as zero.
func (v ParameterVector) L2Distance(other ParameterVector) float64 {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	var sum float64
	for i := 0; i < n; i++ {
		var a, b float64
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		d := a - b
		sum += d * d
	}
	return math.Sqrt(sum)
}

// EncryptedUpdate is one institution's encrypted local update for a
// specific round. It is never mutated and is consumed exactly once by
// the round it targets.
type EncryptedUpdate struct {
	InstitutionID string `json:"institution_id"`
	RoundID       uint64 `json:"round_id"`
	// Ciphertext is the authenticated encryption of a ParameterVector.
	Ciphertext []byte `json:"ciphertext"`
	// Commitment is the binding hash of the plaintext vector and
	// CommitmentNonce, verified before the update enters aggregation.
	Commitment      []byte    `json:"commitment"`
	CommitmentNonce []byte    `json:"commitment_nonce"`
	DatasetWeight   float64   `json:"dataset_weight"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Severity tiers for anomaly verdicts.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return "unknown"
}

// Decision is the accept/reject outcome of anomaly screening.
type Decision int

const (
	DecisionAccept Decision = iota
	DecisionReject
)

func (d Decision) String() string {
	if d == DecisionReject {
		return "reject"
	}
	return "accept"
}

// AnomalyVerdict is produced once per update per round. It is retained
// in the round's audit trail but never persisted beyond it.
type AnomalyVerdict struct {
	InstitutionID string   `json:"institution_id"`
	RoundID       uint64   `json:"round_id"`
	Score         float64  `json:"score"`
	Severity      Severity `json:"severity"`
	Decision      Decision `json:"decision"`
}

// DroppedUpdate records an update excluded for an integrity failure
// (decryption or commitment mismatch). The reason never includes
// plaintext material.
type DroppedUpdate struct {
	InstitutionID string `json:"institution_id"`
	Reason        string `json:"reason"`
}

// AggregationResult is the outcome of one secure aggregation call.
// Model is the only value derived from plaintext updates that survives
// the call.
type AggregationResult struct {
	Model     ParameterVector
	Verdicts  []*AnomalyVerdict
	Dropped   []DroppedUpdate
	Accepted  int
	Rejected  int
	// Weights holds the normalized aggregation weight per accepted
	// institution. They sum to 1.
	Weights map[string]float64
}

// RoundOutcome is the ledger payload sealed for every closed round,
// including no-quorum and seal-failure rounds.
type RoundOutcome struct {
	RoundID             uint64 `json:"round_id"`
	AggregateCommitment string `json:"aggregate_commitment,omitempty"`
	Participants        int    `json:"participants"`
	Accepted            int    `json:"accepted"`
	Rejected            int    `json:"rejected"`
	NoQuorum            bool   `json:"no_quorum,omitempty"`
}

// RoundSummary is the read-only view of a round exposed to the
// presentation layer and the notification sink.
type RoundSummary struct {
	RoundID     uint64     `json:"round_id"`
	State       RoundState `json:"state"`
	OpenedAt    time.Time  `json:"opened_at"`
	Deadline    time.Time  `json:"deadline"`
	Admitted    int        `json:"admitted"`
	Received    int        `json:"received"`
	Accepted    int        `json:"accepted"`
	Rejected    int        `json:"rejected"`
	NoQuorum    bool       `json:"no_quorum"`
	SealFailed  bool       `json:"seal_failed"`
	// ModelRef is the hex commitment of the sealed global model, empty
	// when the round produced no aggregate.
	ModelRef string `json:"model_ref,omitempty"`
	// Convergence is the L2 norm of the difference between this round's
	// global model and the previous one. Read-only; never used to halt
	// training.
	Convergence float64 `json:"convergence"`
	BlockIndex  uint64  `json:"block_index"`
}
