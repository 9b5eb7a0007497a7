package protocol

import "context"

// Aggregator screens and securely combines a round's encrypted updates.
//
// Implementations decrypt each update, verify its commitment, score it,
// and fold accepted updates into a weighted mean with calibrated noise.
// Individual plaintext vectors must not escape the Aggregate call frame:
// no logging, persistence, or return of any single decrypted update.
//
// onScreened, when non-nil, is invoked exactly once with the full verdict
// list after screening completes and before aggregation begins, letting
// the caller advance its state machine between the two phases. Updates
// must be processed in deterministic order (submission timestamp, ties by
// institution id) so that the cohort seen by the scorer is reproducible
// for audit replay.
type Aggregator interface {
	Aggregate(ctx context.Context, roundID uint64, global ParameterVector,
		updates []*EncryptedUpdate, onScreened func([]*AnomalyVerdict)) (*AggregationResult, error)
}

// SealRef identifies a ledger block produced by a successful seal.
type SealRef struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

// Sealer appends a round outcome to the tamper-evident ledger. Append is
// single-writer by construction: the round state machine guarantees at
// most one seal per round. A bounded proof-of-work search may fail with
// the ledger's seal-failure error; the round then closes without an
// aggregate rather than blocking subsequent rounds.
type Sealer interface {
	Append(ctx context.Context, payload []byte) (SealRef, error)
}

// InstitutionSource supplies the verified institutions admitted to a new
// round. Backed by the institution registry.
type InstitutionSource interface {
	VerifiedInstitutions(ctx context.Context) ([]*Institution, error)
}

// Notifier receives round-closed notifications for the presentation and
// transport layer. Implementations must not block round progression.
type Notifier interface {
	RoundClosed(summary *RoundSummary)
}
