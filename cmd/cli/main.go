// Command cli is the thin operational CLI for the consensus substrate:
// node start, propose, vote, status, rotate-keys. Every command loads
// configuration and constructs only the collaborators it needs, the
// same per-subcommand setup shape the teacher's own cobra commands use.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/config"
	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/transport"
	"github.com/ruvnet/swarmbft/internal/detector"
	"github.com/ruvnet/swarmbft/internal/events"
	"github.com/ruvnet/swarmbft/internal/facade"
	"github.com/ruvnet/swarmbft/internal/security"
	"github.com/ruvnet/swarmbft/internal/statemachine"
	"github.com/ruvnet/swarmbft/internal/voting"
)

var rootCmd = &cobra.Command{
	Use:   "swarmbft",
	Short: "Operational CLI for the Byzantine-fault-tolerant agent coordination substrate",
}

func parsePeers(raw []string) map[consensus.NodeID]string {
	out := make(map[consensus.NodeID]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[consensus.NodeID(parts[0])] = parts[1]
	}
	return out
}

// newSubstrate builds a Substrate talking to the cluster over RPC for
// one-shot CLI operations. It takes the node's consensus settings from the
// same config as cmd/node, but unlike cmd/node it wires no storage,
// metrics, perfopt, NATS or replication-factor settings.
func newSubstrate(logger *zap.Logger) (*facade.Substrate, []consensus.NodeID, error) {
	cfg := config.Load()
	peers := parsePeers(cfg.Node.Peers)

	nodeIDs := []consensus.NodeID{consensus.NodeID(cfg.Node.ID)}
	nodeStrs := []string{cfg.Node.ID}
	for id := range peers {
		nodeIDs = append(nodeIDs, id)
		nodeStrs = append(nodeStrs, string(id))
	}

	selfAddr, ok := peers[consensus.NodeID(cfg.Node.ID)]
	if !ok {
		selfAddr = "0.0.0.0:7000"
	}
	tr := transport.NewRPCTransport(consensus.NodeID(cfg.Node.ID), selfAddr, peers)

	sub, err := facade.New(facade.Config{
		Engine: facade.EngineBFT,
		ConsensusConfig: &consensus.Config{
			NodeID:              consensus.NodeID(cfg.Node.ID),
			Nodes:               nodeStrs,
			ConsensusTimeout:    cfg.Consensus.ConsensusTimeout,
			CheckpointInterval:  cfg.Consensus.CheckpointInterval,
			MaxConsecutiveTerms: cfg.Consensus.MaxConsecutiveTerms,
		},
		Transport:           tr,
		SecurityConfig:      security.DefaultConfig(),
		DetectorConfig:      detector.DefaultConfig(),
		EventsConfig:        events.DefaultConfig(),
		ConflictPolicy:      statemachine.ConflictPolicy(cfg.Consensus.ConflictResolution),
		MaxOperationHistory: cfg.Consensus.MaxOperationHistory,
	}, nodeIDs, logger)
	if err != nil {
		return nil, nil, err
	}
	return sub, nodeIDs, nil
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node lifecycle operations",
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node's consensus substrate and block until terminated",
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewDevelopment()
		defer logger.Sync()

		sub, _, err := newSubstrate(logger)
		if err != nil {
			logger.Fatal("failed to construct substrate", zap.Error(err))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sub.Start(ctx); err != nil {
			logger.Fatal("failed to start substrate", zap.Error(err))
		}
		defer sub.Stop()

		fmt.Println("node started; use `swarmbft propose`/`vote`/`status` from another shell, Ctrl-C to stop")
		<-ctx.Done()
	},
}

var proposeCmd = &cobra.Command{
	Use:   "propose [agent-id] [content]",
	Short: "Submit content through Byzantine consensus and wait for the outcome",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewDevelopment()
		defer logger.Sync()

		sub, _, err := newSubstrate(logger)
		if err != nil {
			logger.Fatal("failed to construct substrate", zap.Error(err))
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sub.Start(ctx); err != nil {
			logger.Fatal("failed to start substrate", zap.Error(err))
		}
		defer sub.Stop()

		outcome, err := sub.StartSecureByzantineConsensus(ctx, args[0], []byte(args[1]))
		if err != nil {
			logger.Fatal("proposal failed", zap.Error(err))
		}
		fmt.Printf("outcome: %s\n", outcome.String())
	},
}

var voteCmd = &cobra.Command{
	Use:   "vote [agent-id] [proposal-id] [approve|reject|abstain]",
	Short: "Cast a vote on a proposal already registered with the voting registry",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewDevelopment()
		defer logger.Sync()

		sub, _, err := newSubstrate(logger)
		if err != nil {
			logger.Fatal("failed to construct substrate", zap.Error(err))
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sub.Start(ctx); err != nil {
			logger.Fatal("failed to start substrate", zap.Error(err))
		}
		defer sub.Stop()

		decision := voting.Decision(args[2])
		if err := sub.CastSecureVote(args[0], args[1], decision, 1); err != nil {
			logger.Fatal("vote failed", zap.Error(err))
		}
		fmt.Printf("vote recorded: %s -> %s on %s\n", args[0], decision, args[1])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report this node's detector and quarantine state",
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewDevelopment()
		defer logger.Sync()

		sub, nodeIDs, err := newSubstrate(logger)
		if err != nil {
			logger.Fatal("failed to construct substrate", zap.Error(err))
		}

		fmt.Printf("cluster size: %d\n", len(nodeIDs))
		for _, id := range nodeIDs {
			quarantined := sub.Detector().IsMalicious(id)
			fmt.Printf("  %s: reputation=%.2f quarantined=%t\n", id, sub.Detector().Reputation(id), quarantined)
		}
	},
}

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys [agent-id]",
	Short: "Force an immediate session key rotation for an agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger, _ := zap.NewDevelopment()
		defer logger.Sync()

		sub, _, err := newSubstrate(logger)
		if err != nil {
			logger.Fatal("failed to construct substrate", zap.Error(err))
		}

		reg, err := sub.RegisterConsensusAgent(args[0], "worker", security.Certificates{})
		if err != nil {
			logger.Fatal("failed to rotate keys", zap.Error(err))
		}
		fmt.Printf("new session established for %s: %s (established %s)\n",
			args[0], reg.Session.SessionID, reg.Session.EstablishedAt)
	},
}

func init() {
	nodeCmd.AddCommand(nodeStartCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(voteCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rotateKeysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
