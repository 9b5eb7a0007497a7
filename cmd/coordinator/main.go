// Command coordinator runs the federated training coordinator.
//
// The coordinator hosts the institution registry, the round
// orchestrator and the tamper-evident audit ledger behind a single HTTP
// server. Institutions register through the public endpoint, an
// administrator verifies them, and verified institutions submit
// encrypted model updates into rounds.
//
// # Usage
//
//	go run ./cmd/coordinator --config=coordinator.yaml
//	go run ./cmd/coordinator --addr=:8080 --admin-token=admin:secret
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/securehealth/fedtrain/aggregator"
	"github.com/securehealth/fedtrain/anomaly"
	"github.com/securehealth/fedtrain/api/httpserver"
	"github.com/securehealth/fedtrain/common"
	"github.com/securehealth/fedtrain/ledger"
	"github.com/securehealth/fedtrain/protocol"
	"github.com/securehealth/fedtrain/services"
)

type config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	EnablePprof bool   `yaml:"enable_pprof"`

	// AdminToken guards registry admin routes (user:pass). Empty leaves
	// them unprotected.
	AdminToken string `yaml:"admin_token"`

	// WebhookURL receives closed-round summaries. Empty disables it.
	WebhookURL string `yaml:"webhook_url"`

	// RoundInterval is the cadence of the automatic round loop. Zero
	// disables it; rounds are then opened through the API.
	RoundInterval time.Duration `yaml:"round_interval"`

	// LedgerPath is the Pebble directory for ledger persistence. Empty
	// keeps the chain in memory.
	LedgerPath string `yaml:"ledger_path"`

	// Postgres enables database persistence for institutions and round
	// summaries. Nil keeps everything in memory.
	Postgres *services.PostgresConfig `yaml:"postgres"`

	Protocol *protocol.Config `yaml:"protocol"`
}

func defaultFileConfig() *config {
	return &config{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Protocol:    protocol.DefaultConfig(),
	}
}

func loadConfig(path string) (*config, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Protocol == nil {
		cfg.Protocol = protocol.DefaultConfig()
	}
	return cfg, nil
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		addr        = flag.String("addr", "", "HTTP listen address (overrides config)")
		metricsAddr = flag.String("metrics-addr", "", "Metrics listen address (overrides config)")
		adminToken  = flag.String("admin-token", "", "Admin token for registry (user:pass)")
		ledgerPath  = flag.String("ledger-path", "", "Pebble directory for the audit ledger")
		pprof       = flag.Bool("pprof", false, "Enable pprof debugging API")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(
		"service", "fedtrain-coordinator",
		"version", common.Version,
	)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("loading configuration", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *adminToken != "" {
		cfg.AdminToken = *adminToken
	}
	if *ledgerPath != "" {
		cfg.LedgerPath = *ledgerPath
	}
	if *pprof {
		cfg.EnablePprof = true
	}

	if err := run(cfg, log); err != nil {
		log.Error("coordinator failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config, log *slog.Logger) error {
	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer store.Close()

	blockStore, err := newBlockStore(cfg)
	if err != nil {
		return fmt.Errorf("creating block store: %w", err)
	}

	chain, err := ledger.New(blockStore, cfg.Protocol.Difficulty, cfg.Protocol.NonceBudget)
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer chain.Close()

	registry := services.NewRegistry(&services.RegistryConfig{
		AdminToken: cfg.AdminToken,
		Log:        log,
	}, store)
	if cfg.AdminToken == "" {
		log.Warn("no admin token configured, admin routes are unprotected")
	}

	var next protocol.Notifier
	if cfg.WebhookURL != "" {
		next = services.NewWebhookNotifier(cfg.WebhookURL, log)
	}
	coordinator := services.NewCoordinator(chain, store, next, log)

	scorer, err := anomaly.NewScorer(cfg.Protocol)
	if err != nil {
		return fmt.Errorf("creating anomaly scorer: %w", err)
	}
	agg, err := aggregator.New(cfg.Protocol, scorer, registry)
	if err != nil {
		return fmt.Errorf("creating aggregator: %w", err)
	}

	orch, err := protocol.NewOrchestrator(cfg.Protocol, agg, chain, registry, coordinator, log)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}
	coordinator.AttachOrchestrator(orch)

	srv, err := httpserver.New(&httpserver.Config{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, coordinator, registry)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RoundInterval > 0 {
		go roundLoop(ctx, orch, cfg.RoundInterval, log)
	}

	srv.RunInBackground()
	<-ctx.Done()

	log.Info("shutting down")
	srv.Shutdown()
	return nil
}

// roundLoop opens a round at every tick unless one is still in
// progress. Round closure is driven by the deadline timer and quorum,
// not by this loop.
func roundLoop(ctx context.Context, orch *protocol.Orchestrator, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.OpenRound(ctx); err != nil {
				if errors.Is(err, protocol.ErrRoundAlreadyOpen) {
					continue
				}
				log.Error("opening round", "err", err)
			}
		}
	}
}

func newStore(cfg *config) (services.Store, error) {
	if cfg.Postgres != nil {
		return services.NewPostgresStore(cfg.Postgres)
	}
	return services.NewMemoryStore(), nil
}

func newBlockStore(cfg *config) (ledger.BlockStore, error) {
	if cfg.LedgerPath != "" {
		return ledger.NewPebbleStore(cfg.LedgerPath)
	}
	return ledger.NewMemoryStore(), nil
}
