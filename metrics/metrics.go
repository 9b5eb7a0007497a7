// Package metrics exposes coordinator metrics in Prometheus text format.
package metrics

import (
	"context"
	"math"
	"net/http"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
)

var (
	roundsSealed    = vm.NewCounter("fedtrain_rounds_sealed_total")
	roundsNoQuorum  = vm.NewCounter("fedtrain_rounds_no_quorum_total")
	roundsSealFail  = vm.NewCounter("fedtrain_rounds_seal_failed_total")
	updatesAccepted = vm.NewCounter("fedtrain_updates_accepted_total")
	updatesRejected = vm.NewCounter("fedtrain_updates_rejected_total")

	convergenceBits atomic.Uint64
)

func init() {
	vm.NewGauge("fedtrain_model_convergence", func() float64 {
		return math.Float64frombits(convergenceBits.Load())
	})
}

// RecordRound updates the round counters after a close.
func RecordRound(sealed, noQuorum, sealFailed bool, accepted, rejected int) {
	if sealed {
		roundsSealed.Inc()
	}
	if noQuorum {
		roundsNoQuorum.Inc()
	}
	if sealFailed {
		roundsSealFail.Inc()
	}
	updatesAccepted.Add(accepted)
	updatesRejected.Add(rejected)
}

// SetConvergence records the most recent convergence delta.
func SetConvergence(v float64) {
	convergenceBits.Store(math.Float64bits(v))
}

// MetricsServer serves the metrics endpoint on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server. An empty addr disables the server; the
// returned instance is still safe to use.
func New(name, addr string) (*MetricsServer, error) {
	if addr == "" {
		return &MetricsServer{}, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vm.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{Addr: addr, Handler: mux},
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
