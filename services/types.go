package services

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/securehealth/fedtrain/ledger"
	"github.com/securehealth/fedtrain/protocol"
)

// RegistrationRequest is an institution registration submitted through
// the public endpoint. The institution starts in pending status until an
// administrator verifies it.
type RegistrationRequest struct {
	Name          string  `json:"name"`
	DatasetWeight float64 `json:"dataset_weight"`
	// KeyMaterial is the hex-encoded channel key material established out
	// of band.
	KeyMaterial string `json:"key_material"`
}

// RegistrationResponse confirms a registration.
type RegistrationResponse struct {
	InstitutionID string                     `json:"institution_id"`
	Status        protocol.InstitutionStatus `json:"status"`
}

// SubmitUpdateRequest carries one encrypted update over the wire.
// Binary fields are hex encoded.
type SubmitUpdateRequest struct {
	InstitutionID   string `json:"institution_id"`
	RoundID         uint64 `json:"round_id"`
	Ciphertext      string `json:"ciphertext"`
	Commitment      string `json:"commitment"`
	CommitmentNonce string `json:"commitment_nonce"`
}

// ToUpdate decodes the wire form into the domain update.
func (r *SubmitUpdateRequest) ToUpdate() (*protocol.EncryptedUpdate, error) {
	ciphertext, err := hex.DecodeString(r.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext hex: %w", err)
	}
	commitment, err := hex.DecodeString(r.Commitment)
	if err != nil {
		return nil, fmt.Errorf("invalid commitment hex: %w", err)
	}
	nonce, err := hex.DecodeString(r.CommitmentNonce)
	if err != nil {
		return nil, fmt.Errorf("invalid commitment nonce hex: %w", err)
	}
	return &protocol.EncryptedUpdate{
		InstitutionID:   r.InstitutionID,
		RoundID:         r.RoundID,
		Ciphertext:      ciphertext,
		Commitment:      commitment,
		CommitmentNonce: nonce,
		SubmittedAt:     time.Now(),
	}, nil
}

// SubmitUpdateResponse confirms a staged submission.
type SubmitUpdateResponse struct {
	Accepted bool   `json:"accepted"`
	RoundID  uint64 `json:"round_id"`
}

// ModelResponse returns the global model of a sealed round.
type ModelResponse struct {
	RoundID    uint64                   `json:"round_id"`
	Parameters protocol.ParameterVector `json:"parameters"`
}

// LedgerResponse is the audit view of the chain.
type LedgerResponse struct {
	Blocks     []*ledger.Block `json:"blocks"`
	ChainValid bool            `json:"chain_valid"`
	// FirstInvalid is -1 while the chain verifies.
	FirstInvalid int `json:"first_invalid"`
}

// ErrorResponse carries the error kind and the identifiers needed for an
// institution to resubmit in a later round.
type ErrorResponse struct {
	Error string `json:"error"`
}
