// Package crypto provides the parameter-vector cryptography used by the
// federated training pipeline: authenticated symmetric encryption of
// parameter vectors, one-way binding commitments, and the hashing
// primitive shared with the ledger.
//
// Key management (derivation, storage, rotation) is an external
// collaborator concern; this package only consumes provided keys.
package crypto
