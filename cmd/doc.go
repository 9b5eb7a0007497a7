// Package cmd provides the CLI commands of the federated training
// coordinator.
//
// # Commands
//
// coordinator: Runs the coordinator service: institution registry,
// round orchestrator, audit ledger and metrics behind one HTTP server.
//
//	go run ./cmd/coordinator --config=coordinator.yaml
//	go run ./cmd/coordinator --addr=:8080 --admin-token=admin:secret
//
// demo: Self-contained simulation of three hospitals running training
// rounds against an in-memory coordinator, including an optional
// poisoned submission to demonstrate anomaly screening.
//
//	go run ./cmd/demo --rounds=3 --poison
//
// # Configuration
//
// The coordinator supports a YAML configuration file via --config;
// command-line flags override config file values.
//
// Example configuration:
//
//	listen_addr: ":8080"
//	metrics_addr: ":9090"
//	admin_token: "admin:secret"
//	round_interval: 5m
//	ledger_path: "/var/lib/fedtrain/ledger"
//	webhook_url: "https://example.org/rounds"
//	postgres:
//	  host: "localhost"
//	  port: 5432
//	  user: "fedtrain"
//	  password: ""
//	  database: "fedtrain"
//	protocol:
//	  quorum_fraction: 0.5
//	  round_deadline: 2m
//	  anomaly_t1: 1.0
//	  anomaly_t2: 2.0
//	  anomaly_t3: 4.0
//	  privacy_epsilon: 1.0
//	  noise_sensitivity: 1.0
//	  pow_difficulty: 12
//	  pow_nonce_budget: 16777216
package cmd
