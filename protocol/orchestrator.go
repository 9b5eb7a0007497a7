package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/securehealth/fedtrain/crypto"
)

// Orchestrator drives the round state machine. It is the only component
// that transitions rounds; all transitions happen under its lock so that
// exactly one thread of control performs the move out of Collecting.
// Submissions during Collecting are serialized against that transition:
// an in-flight submission either completes before screening starts or is
// rejected with ErrRoundNotAccepting. No partial update is ever recorded.
type Orchestrator struct {
	cfg          *Config
	aggregator   Aggregator
	sealer       Sealer
	institutions InstitutionSource
	notifier     Notifier
	log          *slog.Logger

	mu      sync.Mutex
	current *Round
	rounds  map[uint64]*Round
	nextID  uint64
	global  ParameterVector
	history []*RoundSummary
	timer   *time.Timer
}

// NewOrchestrator validates the configuration and wires the round
// pipeline. Configuration errors here are fatal: the orchestrator will
// not accept any rounds.
func NewOrchestrator(cfg *Config, aggregator Aggregator, sealer Sealer,
	institutions InstitutionSource, notifier Notifier, log *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if aggregator == nil || sealer == nil || institutions == nil {
		return nil, fmt.Errorf("aggregator, sealer and institution source are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:          cfg,
		aggregator:   aggregator,
		sealer:       sealer,
		institutions: institutions,
		notifier:     notifier,
		log:          log,
		rounds:       make(map[uint64]*Round),
		nextID:       1,
	}, nil
}

// OpenRound creates the next round, admits all currently verified
// institutions, and starts the collection window. Round ids are strictly
// increasing and gapless. Fails with ErrRoundAlreadyOpen while a round
// is still in progress.
func (o *Orchestrator) OpenRound(ctx context.Context) (uint64, error) {
	insts, err := o.institutions.VerifiedInstitutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing verified institutions: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil {
		return 0, fmt.Errorf("round %d: %w", o.current.ID, ErrRoundAlreadyOpen)
	}

	admitted := make(map[string]float64, len(insts))
	for _, inst := range insts {
		admitted[inst.ID] = inst.DatasetWeight
	}

	now := time.Now()
	r := &Round{
		ID:       o.nextID,
		State:    StateOpen,
		OpenedAt: now,
		Deadline: now.Add(o.cfg.RoundDeadline),
		Admitted: admitted,
		Updates:  make(map[string]*EncryptedUpdate),
	}
	o.nextID++
	o.rounds[r.ID] = r
	o.current = r

	if err := r.advance(StateCollecting); err != nil {
		return 0, err
	}

	id := r.ID
	o.timer = time.AfterFunc(o.cfg.RoundDeadline, func() {
		o.closeRound(context.Background(), id)
	})

	o.log.Info("round opened", "round", r.ID, "admitted", len(admitted), "deadline", r.Deadline)
	return r.ID, nil
}

// SubmitUpdate stages an encrypted update for the open round. It accepts
// or rejects synchronously and never blocks on aggregation. Every
// rejection carries the error kind plus the institution and round
// identifiers so the institution can resubmit in a later round.
func (o *Orchestrator) SubmitUpdate(ctx context.Context, update *EncryptedUpdate) error {
	if update == nil || len(update.Ciphertext) == 0 || len(update.Commitment) == 0 {
		return fmt.Errorf("submission missing ciphertext or commitment")
	}

	o.mu.Lock()

	r := o.current
	if r == nil || r.State != StateCollecting || update.RoundID != r.ID {
		o.mu.Unlock()
		return fmt.Errorf("institution %s round %d: %w", update.InstitutionID, update.RoundID, ErrRoundNotAccepting)
	}

	weight, admitted := r.Admitted[update.InstitutionID]
	if !admitted {
		o.mu.Unlock()
		return fmt.Errorf("institution %s round %d: %w", update.InstitutionID, r.ID, ErrUnknownInstitution)
	}
	if _, dup := r.Updates[update.InstitutionID]; dup {
		o.mu.Unlock()
		return fmt.Errorf("institution %s round %d: %w", update.InstitutionID, r.ID, ErrDuplicateSubmission)
	}

	staged := *update
	if staged.SubmittedAt.IsZero() {
		staged.SubmittedAt = time.Now()
	}
	// The weight recorded at admission wins over whatever the submission claims.
	staged.DatasetWeight = weight
	r.Updates[staged.InstitutionID] = &staged

	quorum := r.quorumMet(o.cfg.QuorumFraction)
	id := r.ID
	o.mu.Unlock()

	if quorum {
		go o.closeRound(context.Background(), id)
	}
	return nil
}

// CloseRound closes the currently open round. Idempotent: closing an
// already-closed or absent round is a no-op. It is invoked by the
// deadline timer, by reaching quorum, or externally.
func (o *Orchestrator) CloseRound(ctx context.Context) error {
	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		return nil
	}
	id := o.current.ID
	o.mu.Unlock()
	return o.closeRound(ctx, id)
}

// closeRound performs the single transition out of Collecting for round
// id, then runs screening, aggregation and sealing outside the lock.
func (o *Orchestrator) closeRound(ctx context.Context, id uint64) error {
	o.mu.Lock()

	r := o.rounds[id]
	if r == nil || r.State != StateCollecting {
		// Another closer already took the round past Collecting.
		o.mu.Unlock()
		return nil
	}
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}

	if !r.quorumMet(o.cfg.QuorumFraction) {
		return o.closeWithoutQuorumLocked(ctx, r)
	}

	if err := r.advance(StateScreening); err != nil {
		o.mu.Unlock()
		return err
	}

	updates := make([]*EncryptedUpdate, 0, len(r.Updates))
	for _, u := range r.Updates {
		updates = append(updates, u)
	}
	// Deterministic evaluation order so the scorer's cohort is
	// reproducible for audit replay.
	sort.Slice(updates, func(i, j int) bool {
		if !updates[i].SubmittedAt.Equal(updates[j].SubmittedAt) {
			return updates[i].SubmittedAt.Before(updates[j].SubmittedAt)
		}
		return updates[i].InstitutionID < updates[j].InstitutionID
	})
	global := o.global.Clone()
	o.mu.Unlock()

	onScreened := func(verdicts []*AnomalyVerdict) {
		o.mu.Lock()
		r.Verdicts = verdicts
		if err := r.advance(StateAggregating); err != nil {
			o.log.Error("state transition failed", "round", r.ID, "err", err)
		}
		o.mu.Unlock()
	}

	res, err := o.aggregator.Aggregate(ctx, r.ID, global, updates, onScreened)
	if err != nil {
		o.log.Error("aggregation failed, closing round without aggregate", "round", r.ID, "err", err)
		o.finishRound(r, nil, SealRef{}, true)
		return nil
	}

	outcome := &RoundOutcome{
		RoundID:      r.ID,
		Participants: len(updates),
		Accepted:     res.Accepted,
		Rejected:     res.Rejected,
	}
	if res.Model != nil {
		digest := crypto.HashVector(res.Model)
		outcome.AggregateCommitment = hex.EncodeToString(digest[:])
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		o.finishRound(r, res, SealRef{}, true)
		return err
	}

	ref, err := o.sealer.Append(ctx, payload)
	if err != nil {
		// Exhaustion of the proof-of-work budget is retryable in a later
		// round; this one closes without an aggregate so the system keeps
		// making forward progress.
		o.log.Error("ledger seal failed", "round", r.ID, "err", err)
		o.finishRound(r, res, SealRef{}, true)
		return nil
	}

	o.finishRound(r, res, ref, false)
	return nil
}

// closeWithoutQuorumLocked closes a round that never reached quorum.
// Called with the lock held; releases it.
func (o *Orchestrator) closeWithoutQuorumLocked(ctx context.Context, r *Round) error {
	r.NoQuorum = true
	received := len(r.Updates)
	if err := r.advance(StateClosed); err != nil {
		o.mu.Unlock()
		return err
	}
	o.current = nil
	o.mu.Unlock()

	o.log.Info("round closed without quorum, training skipped", "round", r.ID, "received", received)

	// The no-quorum outcome is still appended for auditability.
	payload, err := json.Marshal(&RoundOutcome{
		RoundID:      r.ID,
		Participants: received,
		NoQuorum:     true,
	})
	if err != nil {
		return err
	}
	ref, err := o.sealer.Append(ctx, payload)

	o.mu.Lock()
	if err != nil {
		o.log.Error("no-quorum ledger entry failed", "round", r.ID, "err", err)
		r.SealFailed = true
	} else {
		r.BlockIndex = ref.Index
	}
	summary := r.Summary()
	o.history = append(o.history, summary)
	o.mu.Unlock()

	o.notify(summary)
	return nil
}

// finishRound records the aggregation outcome and walks the round to
// Closed. sealFailed marks rounds whose ledger append did not succeed.
func (o *Orchestrator) finishRound(r *Round, res *AggregationResult, ref SealRef, sealFailed bool) {
	o.mu.Lock()

	if res != nil {
		r.Verdicts = res.Verdicts
		r.Dropped = res.Dropped
	}

	if sealFailed {
		r.SealFailed = true
	} else {
		r.BlockIndex = ref.Index
		if res != nil && res.Model != nil {
			digest := crypto.HashVector(res.Model)
			r.ModelRef = hex.EncodeToString(digest[:])
			r.Aggregate = res.Model
			if o.global != nil {
				r.Convergence = res.Model.L2Distance(o.global)
			}
			o.global = res.Model.Clone()
		}
		if err := r.advance(StateSealed); err != nil {
			o.log.Error("state transition failed", "round", r.ID, "err", err)
		}
	}

	if r.State != StateClosed {
		if err := r.advance(StateClosed); err != nil {
			o.log.Error("state transition failed", "round", r.ID, "err", err)
		}
	}
	o.current = nil
	summary := r.Summary()
	o.history = append(o.history, summary)
	o.mu.Unlock()

	o.log.Info("round closed", "round", r.ID,
		"accepted", summary.Accepted, "rejected", summary.Rejected,
		"sealFailed", summary.SealFailed, "convergence", summary.Convergence)

	o.notify(summary)
}

func (o *Orchestrator) notify(summary *RoundSummary) {
	if o.notifier != nil {
		o.notifier.RoundClosed(summary)
	}
}

// GlobalModel returns the global model produced by a sealed round. Fails
// with ErrRoundNotSealed for rounds still in progress and for rounds
// that closed without an aggregate (no quorum or seal failure).
func (o *Orchestrator) GlobalModel(roundID uint64) (ParameterVector, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", roundID, ErrRoundNotFound)
	}
	if r.State < StateSealed || r.Aggregate == nil {
		return nil, fmt.Errorf("round %d: %w", roundID, ErrRoundNotSealed)
	}
	return r.Aggregate.Clone(), nil
}

// LatestModel returns the most recent global model, or nil before the
// first successful seal.
func (o *Orchestrator) LatestModel() ParameterVector {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.global.Clone()
}

// CurrentRound returns the summary of the open round, or nil when no
// round is open.
func (o *Orchestrator) CurrentRound() *RoundSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	return o.current.Summary()
}

// RoundSummaryByID returns the summary of any known round.
func (o *Orchestrator) RoundSummaryByID(roundID uint64) (*RoundSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", roundID, ErrRoundNotFound)
	}
	return r.Summary(), nil
}

// History returns summaries of all closed rounds in close order.
func (o *Orchestrator) History() []*RoundSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*RoundSummary, len(o.history))
	copy(out, o.history)
	return out
}

// Convergence returns the L2 distance between the two most recent global
// models. Read-only; halting on convergence is an external policy
// decision.
func (o *Orchestrator) Convergence() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].ModelRef != "" {
			return o.history[i].Convergence
		}
	}
	return 0
}
