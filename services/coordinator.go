package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/securehealth/fedtrain/ledger"
	"github.com/securehealth/fedtrain/metrics"
	"github.com/securehealth/fedtrain/protocol"
)

// Coordinator exposes the round lifecycle over HTTP and persists closed
// round summaries. It implements protocol.Notifier so the orchestrator
// can hand it every closed round regardless of how the round ended.
type Coordinator struct {
	orch   *protocol.Orchestrator
	ledger *ledger.Ledger
	store  Store
	next   protocol.Notifier
	log    *slog.Logger
}

var _ protocol.Notifier = (*Coordinator)(nil)

// NewCoordinator creates the coordinator service. next may be nil; when
// set, closed-round summaries are forwarded to it after persistence.
//
// The orchestrator is attached after construction because it takes the
// coordinator as its notifier.
func NewCoordinator(l *ledger.Ledger, store Store, next protocol.Notifier, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		ledger: l,
		store:  store,
		next:   next,
		log:    log.With("service", "coordinator"),
	}
}

// AttachOrchestrator completes wiring. Must be called before the
// coordinator serves requests.
func (c *Coordinator) AttachOrchestrator(orch *protocol.Orchestrator) {
	c.orch = orch
}

func (c *Coordinator) RegisterRoutes(r chi.Router) {
	r.Post("/rounds/open", c.handleOpenRound)
	r.Post("/rounds/close", c.handleCloseRound)
	r.Post("/updates", c.handleSubmitUpdate)
	r.Get("/rounds/current", c.handleCurrentRound)
	r.Get("/rounds/{id}", c.handleRoundByID)
	r.Get("/rounds", c.handleHistory)
	r.Get("/models/{round}", c.handleModel)
	r.Get("/models/latest", c.handleLatestModel)
	r.Get("/ledger", c.handleLedger)
	r.Get("/ledger/summary", c.handleLedgerSummary)
}

// RoundClosed persists the summary, updates metrics and forwards to the
// next notifier. Called from the orchestrator's close path, so it must
// not block.
func (c *Coordinator) RoundClosed(summary *protocol.RoundSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.SaveRoundSummary(ctx, summary); err != nil {
		c.log.Error("persisting round summary", "round", summary.RoundID, "err", err)
	}

	sealed := !summary.NoQuorum && !summary.SealFailed
	metrics.RecordRound(sealed, summary.NoQuorum, summary.SealFailed, summary.Accepted, summary.Rejected)
	if sealed {
		metrics.SetConvergence(summary.Convergence)
	}

	c.log.Info("round closed",
		"round", summary.RoundID,
		"accepted", summary.Accepted,
		"rejected", summary.Rejected,
		"no_quorum", summary.NoQuorum,
		"seal_failed", summary.SealFailed,
	)

	if c.next != nil {
		c.next.RoundClosed(summary)
	}
}

func (c *Coordinator) handleOpenRound(w http.ResponseWriter, req *http.Request) {
	roundID, err := c.orch.OpenRound(req.Context())
	if err != nil {
		c.writeError(w, err)
		return
	}
	c.log.Info("round opened", "round", roundID)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]uint64{"round_id": roundID})
}

func (c *Coordinator) handleCloseRound(w http.ResponseWriter, req *http.Request) {
	if err := c.orch.CloseRound(req.Context()); err != nil {
		c.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Coordinator) handleSubmitUpdate(w http.ResponseWriter, req *http.Request) {
	var submitReq SubmitUpdateRequest
	if err := json.NewDecoder(req.Body).Decode(&submitReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	update, err := submitReq.ToUpdate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := c.orch.SubmitUpdate(req.Context(), update); err != nil {
		c.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(&SubmitUpdateResponse{
		Accepted: true,
		RoundID:  update.RoundID,
	})
}

func (c *Coordinator) handleCurrentRound(w http.ResponseWriter, req *http.Request) {
	summary := c.orch.CurrentRound()
	if summary == nil {
		http.Error(w, "no round open", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(summary)
}

func (c *Coordinator) handleRoundByID(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid round id", http.StatusBadRequest)
		return
	}
	summary, err := c.orch.RoundSummaryByID(id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(summary)
}

func (c *Coordinator) handleHistory(w http.ResponseWriter, req *http.Request) {
	json.NewEncoder(w).Encode(c.orch.History())
}

func (c *Coordinator) handleModel(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(req, "round"), 10, 64)
	if err != nil {
		http.Error(w, "invalid round id", http.StatusBadRequest)
		return
	}
	model, err := c.orch.GlobalModel(id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(&ModelResponse{RoundID: id, Parameters: model})
}

func (c *Coordinator) handleLatestModel(w http.ResponseWriter, req *http.Request) {
	model := c.orch.LatestModel()
	if model == nil {
		http.Error(w, "no sealed round yet", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(&ModelResponse{Parameters: model})
}

func (c *Coordinator) handleLedger(w http.ResponseWriter, req *http.Request) {
	blocks, err := c.ledger.Blocks()
	if err != nil {
		c.log.Error("reading ledger", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	valid, firstInvalid := c.ledger.VerifyChain()
	json.NewEncoder(w).Encode(&LedgerResponse{
		Blocks:       blocks,
		ChainValid:   valid,
		FirstInvalid: firstInvalid,
	})
}

func (c *Coordinator) handleLedgerSummary(w http.ResponseWriter, req *http.Request) {
	summary, err := c.ledger.Summarize()
	if err != nil {
		c.log.Error("summarizing ledger", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(summary)
}

// writeError maps protocol errors onto HTTP status codes. Unrecognized
// errors are logged and reported as internal.
func (c *Coordinator) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrRoundAlreadyOpen):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrRoundNotAccepting):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrDuplicateSubmission):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrUnknownInstitution):
		status = http.StatusForbidden
	case errors.Is(err, protocol.ErrRoundNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrRoundNotSealed):
		status = http.StatusConflict
	default:
		c.log.Error("request failed", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&ErrorResponse{Error: err.Error()})
}
