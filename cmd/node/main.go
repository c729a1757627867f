// Command node is the long-running substrate daemon: it wires
// config -> security -> consensus -> detector -> façade and blocks on
// SIGINT/SIGTERM, mirroring the teacher's worker entrypoint's
// load-config / construct-components / start-workers / wait-on-signal
// shape.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/config"
	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/transport"
	"github.com/ruvnet/swarmbft/internal/detector"
	"github.com/ruvnet/swarmbft/internal/events"
	"github.com/ruvnet/swarmbft/internal/facade"
	"github.com/ruvnet/swarmbft/internal/perfopt"
	"github.com/ruvnet/swarmbft/internal/security"
	"github.com/ruvnet/swarmbft/internal/statemachine"
	"github.com/ruvnet/swarmbft/internal/storage"
	"github.com/ruvnet/swarmbft/pkg/metrics"
)

// parsePeers turns "node-2=host:1002,node-3=host:1003" into a node -> address
// map, the shape the RPC transport needs to dial every peer.
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

func main() {
	cfg := config.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	peers := parsePeers(cfg.Node.Peers)
	nodeIDs := make([]consensus.NodeID, 0, len(peers)+1)
	nodeIDs = append(nodeIDs, consensus.NodeID(cfg.Node.ID))
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

	var store consensus.Storage
	if cfg.Redis.Addr != "" {
		rs, err := storage.New(cfg.Redis, cfg.Node.ID, logger.Named("storage"))
		if err != nil {
			logger.Warn("durable storage unavailable, continuing in-memory only", zap.Error(err))
		} else {
			store = rs
			defer rs.Close()
		}
	}

	sub, err := facade.New(facade.Config{
		Engine: facade.EngineBFT,
		ConsensusConfig: &consensus.Config{
			NodeID:              consensus.NodeID(cfg.Node.ID),
			Nodes:               nodeStrs,
			ConsensusTimeout:    cfg.Consensus.ConsensusTimeout,
			CheckpointInterval:  cfg.Consensus.CheckpointInterval,
			MaxConsecutiveTerms: cfg.Consensus.MaxConsecutiveTerms,
			ReplicationFactor:   cfg.Consensus.ReplicationFactor,
		},
		Transport:           tr,
		Storage:             store,
		SecurityConfig:      security.DefaultConfig(),
		DetectorConfig:      detector.DefaultConfig(),
		EventsConfig:        events.DefaultConfig(),
		PerfOptConfig: perfopt.Config{
			BatchSize:            cfg.PerfOpt.BatchSize,
			BatchTimeout:         cfg.PerfOpt.BatchTimeout,
			PipelineDepth:        cfg.PerfOpt.PipelineDepth,
			ParallelProcessing:   cfg.PerfOpt.ParallelProcessing,
			SpeculationThreshold: cfg.PerfOpt.SpeculationThreshold,
			CacheSize:            cfg.PerfOpt.CacheSize,
			AdjustmentFactor:     cfg.PerfOpt.AdjustmentFactor,
			LatencyTarget:        cfg.PerfOpt.TargetLatency,
			ThroughputTarget:     cfg.PerfOpt.TargetThroughput,
		},
		NATSURL:             cfg.NATS.URL,
		NATSSubject:         cfg.NATS.Subject,
		ConflictPolicy:      statemachine.ConflictPolicy(cfg.Consensus.ConflictResolution),
		MaxOperationHistory: cfg.Consensus.MaxOperationHistory,
		Metrics:             metrics.NewMetrics(),
	}, nodeIDs, logger.Named("substrate"))
	if err != nil {
		logger.Fatal("failed to construct substrate", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sub.Start(ctx); err != nil {
		logger.Fatal("failed to start substrate", zap.Error(err))
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("node health check",
					zap.String("node_id", cfg.Node.ID),
					zap.Time("timestamp", time.Now()),
				)
			}
		}
	}()

	logger.Info("substrate node started", zap.String("node_id", cfg.Node.ID), zap.Int("peers", len(peers)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down substrate node")

	if err := sub.Stop(); err != nil {
		logger.Error("error stopping substrate", zap.Error(err))
	}
	cancel()

	logger.Info("substrate node exited gracefully")
}
