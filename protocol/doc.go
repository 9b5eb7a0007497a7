// Package protocol implements the core of a federated training-round
// coordinator for institutions that must never expose raw data to each
// other or to the coordinator.
//
// # Architecture
//
// Training proceeds in bounded rounds driven by a single coordinator:
//
//  1. Institutions register and are verified by an administrator. Only
//     verified institutions are admitted to rounds.
//
//  2. When a round opens, admitted institutions submit encrypted parameter
//     updates. Collection ends at the round deadline or when a configured
//     quorum of admitted institutions has submitted, whichever comes first.
//
//  3. Collected updates are screened for outlier and poisoning behavior,
//     then securely aggregated into a new global model. Individual
//     plaintext parameter vectors never leave the aggregator's call frame;
//     only the noised weighted mean survives the call.
//
//  4. The round outcome (aggregate commitment, participant and rejection
//     counts) is sealed into an append-only, hash-chained,
//     proof-of-work-protected ledger. Only after a successful seal does
//     the round close and the new global model become readable.
//
// # Round state machine
//
// Each round moves strictly forward through
//
//	Open -> Collecting -> Screening -> Aggregating -> Sealed -> Closed
//
// Concurrent submissions during Collecting are serialized against the
// transition out of Collecting: once screening has started no further
// update is accepted, and no update already admitted is lost. A round
// that never reaches quorum closes directly with no aggregate, and a
// no-quorum ledger entry is still appended for auditability.
//
// The Orchestrator composes the anomaly scorer, secure aggregator and
// ledger behind interfaces defined in this package; the concrete
// implementations live in the anomaly, aggregator and ledger packages.
package protocol
