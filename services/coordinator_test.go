package services

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securehealth/fedtrain/aggregator"
	"github.com/securehealth/fedtrain/anomaly"
	"github.com/securehealth/fedtrain/crypto"
	"github.com/securehealth/fedtrain/ledger"
	"github.com/securehealth/fedtrain/protocol"
	"github.com/securehealth/fedtrain/testutil"
)

type coordinatorFixture struct {
	router chi.Router
	store  Store
	chain  *ledger.Ledger
	insts  []*protocol.Institution
	keys   []crypto.Key
}

func setupCoordinator(t *testing.T, n int) *coordinatorFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testutil.FastConfig()
	cfg.QuorumFraction = 1.0

	store := NewMemoryStore()
	registry := NewRegistry(&RegistryConfig{AdminToken: "admin:secret", Log: log}, store)

	insts, keys := testutil.GenerateTestInstitutions(n)
	for _, inst := range insts {
		require.NoError(t, store.SaveInstitution(context.Background(), inst))
	}

	chain, err := ledger.New(ledger.NewMemoryStore(), cfg.Difficulty, cfg.NonceBudget)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	scorer, err := anomaly.NewScorer(cfg)
	require.NoError(t, err)
	agg, err := aggregator.New(cfg, scorer, registry)
	require.NoError(t, err)

	coordinator := NewCoordinator(chain, store, nil, log)
	orch, err := protocol.NewOrchestrator(cfg, agg, chain, registry, coordinator, log)
	require.NoError(t, err)
	coordinator.AttachOrchestrator(orch)

	router := chi.NewRouter()
	coordinator.RegisterRoutes(router)
	registry.RegisterRoutes(router)

	return &coordinatorFixture{router: router, store: store, chain: chain, insts: insts, keys: keys}
}

func (f *coordinatorFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *coordinatorFixture) submitUpdate(t *testing.T, i int, roundID uint64, vec protocol.ParameterVector) *httptest.ResponseRecorder {
	t.Helper()

	update := testutil.EncryptTestUpdate(f.keys[i], f.insts[i].ID, roundID, vec)
	return f.do(t, "POST", "/updates", &SubmitUpdateRequest{
		InstitutionID:   update.InstitutionID,
		RoundID:         roundID,
		Ciphertext:      hex.EncodeToString(update.Ciphertext),
		Commitment:      hex.EncodeToString(update.Commitment),
		CommitmentNonce: hex.EncodeToString(update.CommitmentNonce),
	})
}

func (f *coordinatorFixture) waitClosed(t *testing.T, roundID uint64) *protocol.RoundSummary {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w := f.do(t, "GET", fmt.Sprintf("/rounds/%d", roundID), nil)
		require.Equal(t, http.StatusOK, w.Code)
		var summary protocol.RoundSummary
		require.NoError(t, json.NewDecoder(w.Body).Decode(&summary))
		if summary.State == protocol.StateClosed {
			return &summary
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("round %d did not close", roundID)
	return nil
}

func TestCoordinatorEndToEnd(t *testing.T) {
	f := setupCoordinator(t, 3)

	w := f.do(t, "POST", "/rounds/open", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var opened map[string]uint64
	require.NoError(t, json.NewDecoder(w.Body).Decode(&opened))
	roundID := opened["round_id"]
	assert.Equal(t, uint64(1), roundID)

	w = f.do(t, "GET", "/rounds/current", nil)
	require.Equal(t, http.StatusOK, w.Code)

	for i := range f.insts {
		w := f.submitUpdate(t, i, roundID, protocol.ParameterVector{1, 1})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	f.waitClosed(t, roundID)

	w = f.do(t, "GET", "/models/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var model ModelResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&model))
	require.Len(t, model.Parameters, 2)
	assert.InDelta(t, 1.0, model.Parameters[0], 1e-12)

	w = f.do(t, "GET", "/ledger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var chain LedgerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&chain))
	assert.True(t, chain.ChainValid)
	assert.Equal(t, -1, chain.FirstInvalid)
	assert.Len(t, chain.Blocks, 2)

	w = f.do(t, "GET", "/ledger/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// The closed round was persisted for the training history.
	summaries, err := f.store.ListRoundSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, roundID, summaries[0].RoundID)
}

func TestCoordinatorErrorMapping(t *testing.T) {
	f := setupCoordinator(t, 2)

	// No round open yet.
	w := f.submitUpdate(t, 0, 1, protocol.ParameterVector{1})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "POST", "/rounds/open", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// Double open.
	w = f.do(t, "POST", "/rounds/open", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Unknown institution.
	update := testutil.EncryptTestUpdate(f.keys[0], "intruder", 1, protocol.ParameterVector{1})
	w = f.do(t, "POST", "/updates", &SubmitUpdateRequest{
		InstitutionID:   "intruder",
		RoundID:         1,
		Ciphertext:      hex.EncodeToString(update.Ciphertext),
		Commitment:      hex.EncodeToString(update.Commitment),
		CommitmentNonce: hex.EncodeToString(update.CommitmentNonce),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Duplicate submission.
	w = f.submitUpdate(t, 0, 1, protocol.ParameterVector{1})
	require.Equal(t, http.StatusAccepted, w.Code)
	w = f.submitUpdate(t, 0, 1, protocol.ParameterVector{2})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Model of a round still collecting.
	w = f.do(t, "GET", "/models/1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Unknown round.
	w = f.do(t, "GET", "/rounds/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, "GET", "/models/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed submissions.
	w = f.do(t, "POST", "/updates", &SubmitUpdateRequest{
		InstitutionID: f.insts[0].ID,
		RoundID:       1,
		Ciphertext:    "not hex",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCoordinatorNoQuorumRound(t *testing.T) {
	f := setupCoordinator(t, 4)

	w := f.do(t, "POST", "/rounds/open", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.submitUpdate(t, 0, 1, protocol.ParameterVector{1})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(t, "POST", "/rounds/close", nil)
	require.Equal(t, http.StatusOK, w.Code)

	summary := f.waitClosed(t, 1)
	assert.True(t, summary.NoQuorum)

	w = f.do(t, "GET", "/models/1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "GET", "/models/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
