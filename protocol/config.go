package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Config provides the static configuration surface of the coordinator.
// It is loaded once at process start; Validate failures are fatal and
// prevent the orchestrator from accepting any rounds.
type Config struct {
	// QuorumFraction is the minimum fraction of admitted institutions
	// that must submit before collection may close early. In (0, 1].
	QuorumFraction float64 `yaml:"quorum_fraction" json:"quorum_fraction"`

	// RoundDeadline is the duration of the collection window.
	RoundDeadline time.Duration `yaml:"round_deadline" json:"round_deadline"`

	// T1, T2, T3 are the anomaly severity thresholds. Scores below T1 are
	// none/accept, [T1,T2) low/accept with logging, [T2,T3) medium/accept
	// with reduced weight, >= T3 high/reject. Must satisfy 0 < T1 < T2 < T3.
	T1 float64 `yaml:"anomaly_t1" json:"anomaly_t1"`
	T2 float64 `yaml:"anomaly_t2" json:"anomaly_t2"`
	T3 float64 `yaml:"anomaly_t3" json:"anomaly_t3"`

	// Epsilon is the differential privacy budget for aggregate noise.
	// Zero disables noise injection (test configurations only).
	Epsilon float64 `yaml:"privacy_epsilon" json:"privacy_epsilon"`

	// NoiseSensitivity scales the Laplace noise together with Epsilon.
	NoiseSensitivity float64 `yaml:"noise_sensitivity" json:"noise_sensitivity"`

	// Difficulty is the proof-of-work target in leading zero bits of the
	// block hash. Static; throughput is bounded by round cadence, not by
	// competing miners.
	Difficulty uint `yaml:"pow_difficulty" json:"pow_difficulty"`

	// NonceBudget bounds the proof-of-work nonce search. Exhaustion
	// closes the round as seal-failed instead of hanging.
	NonceBudget uint64 `yaml:"pow_nonce_budget" json:"pow_nonce_budget"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() *Config {
	return &Config{
		QuorumFraction:   0.5,
		RoundDeadline:    2 * time.Minute,
		T1:               1.0,
		T2:               2.0,
		T3:               4.0,
		Epsilon:          1.0,
		NoiseSensitivity: 1.0,
		Difficulty:       12,
		NonceBudget:      1 << 24,
	}
}

const maxDifficulty = 32

// Validate reports fatal configuration errors.
func (c *Config) Validate() error {
	if c.QuorumFraction <= 0 || c.QuorumFraction > 1 {
		return fmt.Errorf("quorum fraction %v outside (0, 1]", c.QuorumFraction)
	}
	if c.RoundDeadline <= 0 {
		return errors.New("round deadline must be positive")
	}
	if !(c.T1 > 0 && c.T1 < c.T2 && c.T2 < c.T3) {
		return fmt.Errorf("anomaly thresholds must satisfy 0 < t1 < t2 < t3, got %v %v %v", c.T1, c.T2, c.T3)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("privacy epsilon %v must not be negative", c.Epsilon)
	}
	if c.Epsilon > 0 && c.NoiseSensitivity <= 0 {
		return errors.New("noise sensitivity must be positive when epsilon is set")
	}
	if c.Difficulty > maxDifficulty {
		return fmt.Errorf("proof-of-work difficulty %d exceeds maximum %d", c.Difficulty, maxDifficulty)
	}
	if c.NonceBudget == 0 {
		return errors.New("proof-of-work nonce budget must be positive")
	}
	return nil
}
