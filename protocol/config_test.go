package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero quorum", func(c *Config) { c.QuorumFraction = 0 }},
		{"quorum above one", func(c *Config) { c.QuorumFraction = 1.5 }},
		{"zero deadline", func(c *Config) { c.RoundDeadline = 0 }},
		{"thresholds out of order", func(c *Config) { c.T2 = c.T3 + 1 }},
		{"zero t1", func(c *Config) { c.T1 = 0 }},
		{"negative epsilon", func(c *Config) { c.Epsilon = -1 }},
		{"zero sensitivity with noise", func(c *Config) { c.NoiseSensitivity = 0 }},
		{"difficulty too high", func(c *Config) { c.Difficulty = 33 }},
		{"zero nonce budget", func(c *Config) { c.NonceBudget = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigZeroEpsilonDisablesNoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	cfg.NoiseSensitivity = 0
	assert.NoError(t, cfg.Validate())
}

func TestConfigYAML(t *testing.T) {
	raw := `
quorum_fraction: 0.6
round_deadline: 90s
anomaly_t1: 0.5
anomaly_t2: 1.5
anomaly_t3: 3.0
privacy_epsilon: 2.0
noise_sensitivity: 1.0
pow_difficulty: 10
pow_nonce_budget: 65536
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.6, cfg.QuorumFraction)
	assert.Equal(t, "1m30s", cfg.RoundDeadline.String())
	assert.Equal(t, uint(10), cfg.Difficulty)
	assert.Equal(t, uint64(65536), cfg.NonceBudget)
}
