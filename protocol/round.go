package protocol

import (
	"fmt"
	"time"
)

// RoundState is one stage of the per-round state machine. Rounds only
// move forward; a closed round is never reopened.
type RoundState int

const (
	StateOpen RoundState = iota
	StateCollecting
	StateScreening
	StateAggregating
	StateSealed
	StateClosed
)

func (s RoundState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCollecting:
		return "collecting"
	case StateScreening:
		return "screening"
	case StateAggregating:
		return "aggregating"
	case StateSealed:
		return "sealed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler so states render as
// their names in JSON round summaries.
func (s RoundState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *RoundState) UnmarshalText(text []byte) error {
	for state := StateOpen; state <= StateClosed; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown round state %q", text)
}

// Round is one bounded training iteration. All mutation happens under
// the orchestrator's transition lock.
type Round struct {
	ID       uint64
	State    RoundState
	OpenedAt time.Time
	Deadline time.Time

	// Admitted maps admitted institution ids to their dataset weight at
	// admission time.
	Admitted map[string]float64

	// Updates holds received submissions keyed by institution id.
	Updates map[string]*EncryptedUpdate

	// Audit trail of the round, populated during screening/aggregation.
	Verdicts []*AnomalyVerdict
	Dropped  []DroppedUpdate

	// Aggregate is nil until the round seals successfully.
	Aggregate   ParameterVector
	ModelRef    string
	Convergence float64
	BlockIndex  uint64

	NoQuorum   bool
	SealFailed bool
}

// advance moves the round to a later state. Backward or repeated
// transitions are programming errors.
func (r *Round) advance(to RoundState) error {
	if to <= r.State {
		return fmt.Errorf("round %d cannot transition %s -> %s", r.ID, r.State, to)
	}
	r.State = to
	return nil
}

// quorumMet reports whether the received submissions satisfy the quorum
// fraction over admitted institutions.
func (r *Round) quorumMet(fraction float64) bool {
	if len(r.Admitted) == 0 {
		return false
	}
	need := int(fraction * float64(len(r.Admitted)))
	if float64(need) < fraction*float64(len(r.Admitted)) {
		need++
	}
	return len(r.Updates) >= need
}

// Summary returns the read-only view of the round.
func (r *Round) Summary() *RoundSummary {
	return &RoundSummary{
		RoundID:     r.ID,
		State:       r.State,
		OpenedAt:    r.OpenedAt,
		Deadline:    r.Deadline,
		Admitted:    len(r.Admitted),
		Received:    len(r.Updates),
		Accepted:    r.acceptedCount(),
		Rejected:    r.rejectedCount(),
		NoQuorum:    r.NoQuorum,
		SealFailed:  r.SealFailed,
		ModelRef:    r.ModelRef,
		Convergence: r.Convergence,
		BlockIndex:  r.BlockIndex,
	}
}

func (r *Round) acceptedCount() int {
	n := 0
	for _, v := range r.Verdicts {
		if v.Decision == DecisionAccept {
			n++
		}
	}
	return n
}

// rejectedCount covers both high-severity rejections and updates dropped
// for integrity failures.
func (r *Round) rejectedCount() int {
	n := len(r.Dropped)
	for _, v := range r.Verdicts {
		if v.Decision == DecisionReject {
			n++
		}
	}
	return n
}
