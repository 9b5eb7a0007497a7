package aggregator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securehealth/fedtrain/anomaly"
	"github.com/securehealth/fedtrain/crypto"
	"github.com/securehealth/fedtrain/protocol"
)

func noiselessConfig() *protocol.Config {
	cfg := protocol.DefaultConfig()
	cfg.Epsilon = 0
	return cfg
}

func newTestAggregator(t *testing.T, cfg *protocol.Config, keys KeySource) *SecureAggregator {
	t.Helper()
	scorer, err := anomaly.NewScorer(cfg)
	require.NoError(t, err)
	agg, err := New(cfg, scorer, keys)
	require.NoError(t, err)
	return agg
}

func makeUpdate(t *testing.T, keys *StaticKeySource, institutionID string, weight float64, vec []float64) *protocol.EncryptedUpdate {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keys.Set(institutionID, key)

	ciphertext, err := crypto.EncryptVector(key, vec)
	require.NoError(t, err)
	nonce, err := crypto.NewCommitmentNonce()
	require.NoError(t, err)
	commitment := crypto.Commit(vec, nonce)

	return &protocol.EncryptedUpdate{
		InstitutionID:   institutionID,
		RoundID:         1,
		Ciphertext:      ciphertext,
		Commitment:      commitment[:],
		CommitmentNonce: nonce,
		DatasetWeight:   weight,
		SubmittedAt:     time.Now(),
	}
}

func TestAggregateWeightedMean(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	// Three institutions all training toward the same point; dataset
	// weights 10, 20 and 70 must produce exactly their weighted mean.
	updates := []*protocol.EncryptedUpdate{
		makeUpdate(t, keys, "a", 10, []float64{1, 1}),
		makeUpdate(t, keys, "b", 20, []float64{1, 1}),
		makeUpdate(t, keys, "c", 70, []float64{1, 1}),
	}

	res, err := agg.Aggregate(context.Background(), 1, nil, updates, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Accepted)
	assert.Zero(t, res.Rejected)
	require.Len(t, res.Model, 2)
	assert.InDelta(t, 1.0, res.Model[0], 1e-12)
	assert.InDelta(t, 1.0, res.Model[1], 1e-12)
}

func TestAggregateWeightsNormalized(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	updates := []*protocol.EncryptedUpdate{
		makeUpdate(t, keys, "a", 10, []float64{0, 0}),
		makeUpdate(t, keys, "b", 30, []float64{0, 0}),
	}

	res, err := agg.Aggregate(context.Background(), 1, nil, updates, nil)
	require.NoError(t, err)

	var total float64
	for _, w := range res.Weights {
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-12)
	assert.InDelta(t, 0.25, res.Weights["a"], 1e-12)
	assert.InDelta(t, 0.75, res.Weights["b"], 1e-12)
}

func TestAggregateDropsCommitmentMismatch(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	good := makeUpdate(t, keys, "honest", 1, []float64{1, 1})
	bad := makeUpdate(t, keys, "cheater", 1, []float64{1, 1})
	// The cheater committed to a different vector than it encrypted.
	other := crypto.Commit([]float64{9, 9}, bad.CommitmentNonce)
	bad.Commitment = other[:]

	res, err := agg.Aggregate(context.Background(), 1, nil, []*protocol.EncryptedUpdate{good, bad}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "cheater", res.Dropped[0].InstitutionID)
	assert.Equal(t, "commitment mismatch", res.Dropped[0].Reason)

	// The honest update alone determines the model.
	require.Len(t, res.Model, 2)
	assert.InDelta(t, 1.0, res.Model[0], 1e-12)
}

func TestAggregateDropsAuthenticationFailure(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	good := makeUpdate(t, keys, "honest", 1, []float64{2, 2})
	bad := makeUpdate(t, keys, "garbled", 1, []float64{2, 2})
	bad.Ciphertext[len(bad.Ciphertext)-1] ^= 0xff

	res, err := agg.Aggregate(context.Background(), 1, nil, []*protocol.EncryptedUpdate{good, bad}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Accepted)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "authentication failure", res.Dropped[0].Reason)
}

func TestAggregateDropsMissingKey(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	update := makeUpdate(t, keys, "known", 1, []float64{1})
	update.InstitutionID = "unknown"

	res, err := agg.Aggregate(context.Background(), 1, nil, []*protocol.EncryptedUpdate{update}, nil)
	require.NoError(t, err)

	assert.Zero(t, res.Accepted)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, "no key material", res.Dropped[0].Reason)
	assert.Nil(t, res.Model)
}

func TestAggregateRejectsPoisonedUpdate(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	// Honest cohort first, poisoned update last so the cohort baseline
	// exists when it is screened.
	updates := []*protocol.EncryptedUpdate{
		makeUpdate(t, keys, "h1", 1, []float64{1.0, 1.0}),
		makeUpdate(t, keys, "h2", 1, []float64{1.05, 0.95}),
		makeUpdate(t, keys, "h3", 1, []float64{0.95, 1.05}),
		makeUpdate(t, keys, "attacker", 1, []float64{1000, 1000}),
	}

	res, err := agg.Aggregate(context.Background(), 1, nil, updates, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Accepted)
	assert.Equal(t, 1, res.Rejected)

	var attacker *protocol.AnomalyVerdict
	for _, v := range res.Verdicts {
		if v.InstitutionID == "attacker" {
			attacker = v
		}
	}
	require.NotNil(t, attacker)
	assert.Equal(t, protocol.DecisionReject, attacker.Decision)
	assert.Equal(t, protocol.SeverityHigh, attacker.Severity)

	// The poisoned vector must not leak into the model.
	for _, x := range res.Model {
		assert.Less(t, math.Abs(x), 10.0)
	}
	assert.NotContains(t, res.Weights, "attacker")
}

func TestAggregateOnScreenedFiresOnce(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	updates := []*protocol.EncryptedUpdate{
		makeUpdate(t, keys, "a", 1, []float64{1}),
		makeUpdate(t, keys, "b", 1, []float64{1}),
	}

	calls := 0
	_, err := agg.Aggregate(context.Background(), 1, nil, updates, func(verdicts []*protocol.AnomalyVerdict) {
		calls++
		assert.Len(t, verdicts, 2)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAggregateEmptyRound(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	res, err := agg.Aggregate(context.Background(), 1, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Model)
	assert.Zero(t, res.Accepted)
}

func TestAggregateCancelled(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, noiselessConfig(), keys)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agg.Aggregate(ctx, 1, nil, []*protocol.EncryptedUpdate{
		makeUpdate(t, keys, "a", 1, []float64{1}),
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// zeroReader yields a fixed entropy stream so noise is reproducible.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x80
	}
	return len(p), nil
}

func TestAggregateNoiseApplied(t *testing.T) {
	cfg := protocol.DefaultConfig() // epsilon 1.0: noise enabled

	keys := NewStaticKeySource()
	agg := newTestAggregator(t, cfg, keys).WithEntropy(zeroReader{})

	updates := []*protocol.EncryptedUpdate{
		makeUpdate(t, keys, "a", 1, []float64{1, 1}),
	}

	res, err := agg.Aggregate(context.Background(), 1, nil, updates, nil)
	require.NoError(t, err)
	require.Len(t, res.Model, 2)

	// The fixed entropy stream perturbs every coordinate by the same
	// amount.
	assert.NotEqual(t, 1.0, res.Model[0])
	assert.Equal(t, res.Model[0], res.Model[1])
}

func TestLaplaceSymmetricAndFinite(t *testing.T) {
	keys := NewStaticKeySource()
	agg := newTestAggregator(t, protocol.DefaultConfig(), keys)

	for i := 0; i < 1000; i++ {
		x, err := agg.laplace(1.0)
		require.NoError(t, err)
		assert.False(t, math.IsInf(x, 0) || math.IsNaN(x))
	}
}
