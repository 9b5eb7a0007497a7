// Command demo runs a self-contained federated training demonstration.
//
// It wires three simulated hospitals against an in-memory coordinator,
// runs a configurable number of training rounds and prints the global
// model trajectory plus the final ledger verification. One institution
// can be made to submit a poisoned update to show anomaly screening.
//
// # Usage
//
//	go run ./cmd/demo --rounds=3 --poison
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/securehealth/fedtrain/aggregator"
	"github.com/securehealth/fedtrain/anomaly"
	"github.com/securehealth/fedtrain/crypto"
	"github.com/securehealth/fedtrain/ledger"
	"github.com/securehealth/fedtrain/protocol"
)

type participant struct {
	inst *protocol.Institution
	key  crypto.Key
}

func main() {
	var (
		rounds    = flag.Int("rounds", 3, "Number of training rounds to run")
		dimension = flag.Int("dimension", 8, "Model parameter vector length")
		poison    = flag.Bool("poison", false, "Make one institution submit a poisoned update")
		epsilon   = flag.Float64("epsilon", 1.0, "Differential privacy budget (0 disables noise)")
	)
	flag.Parse()

	if err := run(*rounds, *dimension, *poison, *epsilon); err != nil {
		fmt.Printf("Demo error: %v\n", err)
		os.Exit(1)
	}
}

func run(rounds, dimension int, poison bool, epsilon float64) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := protocol.DefaultConfig()
	cfg.Epsilon = epsilon
	cfg.RoundDeadline = 10 * time.Second
	cfg.Difficulty = 8

	participants, err := makeParticipants([]struct {
		name   string
		weight float64
	}{
		{"general-hospital", 10},
		{"university-clinic", 20},
		{"regional-center", 70},
	})
	if err != nil {
		return err
	}

	keys := aggregator.NewStaticKeySource()
	source := &staticSource{}
	for _, p := range participants {
		keys.Set(p.inst.ID, p.key)
		source.insts = append(source.insts, p.inst)
	}

	chain, err := ledger.New(ledger.NewMemoryStore(), cfg.Difficulty, cfg.NonceBudget)
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}
	defer chain.Close()

	scorer, err := anomaly.NewScorer(cfg)
	if err != nil {
		return err
	}
	agg, err := aggregator.New(cfg, scorer, keys)
	if err != nil {
		return err
	}

	orch, err := protocol.NewOrchestrator(cfg, agg, chain, source, nil, log)
	if err != nil {
		return err
	}

	fmt.Printf("Federated training demo: %d institutions, %d rounds, dimension %d\n\n",
		len(participants), rounds, dimension)

	ctx := context.Background()
	for round := 1; round <= rounds; round++ {
		roundID, err := orch.OpenRound(ctx)
		if err != nil {
			return fmt.Errorf("opening round: %w", err)
		}

		global := orch.LatestModel()
		for i, p := range participants {
			local := simulateTraining(global, dimension, i)
			if poison && round == rounds && i == len(participants)-1 {
				for j := range local {
					local[j] = 1000
				}
				fmt.Printf("  %s submits a poisoned update\n", p.inst.Name)
			}
			update, err := encryptUpdate(p, roundID, local)
			if err != nil {
				return err
			}
			if err := orch.SubmitUpdate(ctx, update); err != nil {
				return fmt.Errorf("submitting for %s: %w", p.inst.Name, err)
			}
		}

		// Quorum closes the round in the background.
		summary := waitForClose(orch, roundID)
		fmt.Printf("Round %d: accepted=%d rejected=%d convergence=%.4f block=%d\n",
			roundID, summary.Accepted, summary.Rejected, summary.Convergence, summary.BlockIndex)
	}

	valid, firstInvalid := chain.VerifyChain()
	fmt.Printf("\nLedger verification: valid=%v", valid)
	if !valid {
		fmt.Printf(" first_invalid=%d", firstInvalid)
	}
	fmt.Println()

	if model := orch.LatestModel(); model != nil {
		fmt.Printf("Final global model (first 4 coords): %.4f\n", model[:min(4, len(model))])
	}
	return nil
}

func makeParticipants(specs []struct {
	name   string
	weight float64
}) ([]*participant, error) {
	out := make([]*participant, 0, len(specs))
	for i, s := range specs {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		out = append(out, &participant{
			inst: &protocol.Institution{
				ID:            fmt.Sprintf("inst-%d", i+1),
				Name:          s.name,
				Status:        protocol.InstitutionVerified,
				DatasetWeight: s.weight,
				KeyMaterial:   key.String(),
				RegisteredAt:  time.Now(),
			},
			key: key,
		})
	}
	return out, nil
}

// simulateTraining produces a local update drifting toward an
// institution-specific optimum, standing in for a real training step.
func simulateTraining(global protocol.ParameterVector, dimension, seed int) protocol.ParameterVector {
	local := make(protocol.ParameterVector, dimension)
	for j := range local {
		target := float64((seed+j)%5) * 0.1
		var base float64
		if global != nil {
			base = global[j]
		}
		local[j] = base + 0.5*(target-base)
	}
	return local
}

func encryptUpdate(p *participant, roundID uint64, vec protocol.ParameterVector) (*protocol.EncryptedUpdate, error) {
	ciphertext, err := crypto.EncryptVector(p.key, vec)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewCommitmentNonce()
	if err != nil {
		return nil, err
	}
	commitment := crypto.Commit(vec, nonce)
	return &protocol.EncryptedUpdate{
		InstitutionID:   p.inst.ID,
		RoundID:         roundID,
		Ciphertext:      ciphertext,
		Commitment:      commitment[:],
		CommitmentNonce: nonce,
	}, nil
}

func waitForClose(orch *protocol.Orchestrator, roundID uint64) *protocol.RoundSummary {
	for {
		summary, err := orch.RoundSummaryByID(roundID)
		if err == nil && summary.State == protocol.StateClosed {
			return summary
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type staticSource struct {
	insts []*protocol.Institution
}

func (s *staticSource) VerifiedInstitutions(context.Context) ([]*protocol.Institution, error) {
	return s.insts, nil
}
