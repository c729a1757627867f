package facade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/bft"
	"github.com/ruvnet/swarmbft/internal/consensus/transport"
	"github.com/ruvnet/swarmbft/internal/detector"
	"github.com/ruvnet/swarmbft/internal/events"
	"github.com/ruvnet/swarmbft/internal/security"
	"github.com/ruvnet/swarmbft/internal/statemachine"
	"github.com/ruvnet/swarmbft/internal/voting"
)

// peerStateMachine applies entries without any conflict logic, standing in
// for the three non-façade replicas a real cluster would also run.
type peerStateMachine struct{}

func (peerStateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) { return entry.Command, nil }
func (peerStateMachine) Snapshot() ([]byte, error)                      { return []byte("snapshot"), nil }
func (peerStateMachine) Restore([]byte) error                           { return nil }
func (peerStateMachine) GetState() interface{}                          { return nil }

// newTestSubstrate builds a 4-node cluster over a shared in-memory hub: node-1
// is the fully-wired façade under test, nodes 2-4 are bare PBFT replicas that
// exist only to supply the votes node-1 needs to reach Byzantine quorum,
// mirroring the multi-node cluster every bft package test already uses
// (MemoryTransport.Broadcast never delivers a node's own messages back to
// itself, so a single-node cluster can never commit anything).
func newTestSubstrate(t *testing.T) *Substrate {
	t.Helper()

	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4"}
	nodeStrs := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		nodeStrs[i] = string(id)
	}

	hub := transport.NewMemoryHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, id := range nodeIDs[1:] {
		peerCfg := &consensus.Config{
			NodeID:              id,
			Nodes:               nodeStrs,
			ConsensusTimeout:    2 * time.Second,
			CheckpointInterval:  100,
			MaxConsecutiveTerms: 3,
		}
		peer := bft.NewPBFT(peerCfg, hub.NewTransport(id), peerStateMachine{}, nil, zaptest.NewLogger(t))
		require.NoError(t, peer.Start(ctx))
		t.Cleanup(func() { peer.Stop() })
	}

	cfg := Config{
		Engine: EngineBFT,
		ConsensusConfig: &consensus.Config{
			NodeID:              "node-1",
			Nodes:               nodeStrs,
			ConsensusTimeout:    2 * time.Second,
			CheckpointInterval:  100,
			MaxConsecutiveTerms: 3,
		},
		Transport:           hub.NewTransport("node-1"),
		SecurityConfig:      security.DefaultConfig(),
		DetectorConfig:      detector.DefaultConfig(),
		EventsConfig:        events.DefaultConfig(),
		ConflictPolicy:      statemachine.LastWriterWins,
		MaxOperationHistory: 1000,
	}

	sub, err := New(cfg, nodeIDs, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { sub.Stop() })
	require.NoError(t, sub.Start(ctx))

	return sub
}

func registerVerifiedAgent(t *testing.T, sub *Substrate, agentID string) *AgentRegistration {
	t.Helper()
	reg, err := sub.RegisterConsensusAgent(agentID, "worker", security.Certificates{})
	require.NoError(t, err)
	reg.Identity.TrustLevel = security.Verified
	return reg
}

func TestRegisterConsensusAgent_EstablishesSessionAtBasicTrust(t *testing.T) {
	sub := newTestSubstrate(t)

	reg, err := sub.RegisterConsensusAgent("agent-1", "worker", security.Certificates{})
	require.NoError(t, err)

	assert.Equal(t, security.Basic, reg.Identity.TrustLevel)
	assert.NotEmpty(t, reg.Session.SessionID)
	assert.Contains(t, reg.Identity.Capabilities, "read")
}

func TestStartSecureByzantineConsensus_DeniesBasicTrust(t *testing.T) {
	sub := newTestSubstrate(t)
	_, err := sub.RegisterConsensusAgent("agent-1", "worker", security.Certificates{})
	require.NoError(t, err)

	_, err = sub.StartSecureByzantineConsensus(context.Background(), "agent-1", []byte("op"))
	require.Error(t, err, "basic trust does not grant the execute capability")
}

func TestStartSecureByzantineConsensus_CommitsForVerifiedAgent(t *testing.T) {
	sub := newTestSubstrate(t)
	registerVerifiedAgent(t, sub, "agent-1")

	outcome, err := sub.StartSecureByzantineConsensus(context.Background(), "agent-1", []byte("op"))
	require.NoError(t, err)
	assert.Equal(t, consensus.Committed, outcome)
}

func TestStartSecureByzantineConsensus_RejectsUnknownAgent(t *testing.T) {
	sub := newTestSubstrate(t)
	_, err := sub.StartSecureByzantineConsensus(context.Background(), "ghost", []byte("op"))
	require.Error(t, err)
}

func TestExecuteSecureStateOperation_AppliesCreateThroughConsensus(t *testing.T) {
	sub := newTestSubstrate(t)
	registerVerifiedAgent(t, sub, "agent-1")

	op := statemachine.Operation{ID: "op-1", Type: statemachine.OpCreate, Key: "k1", Value: []byte("v1")}
	result, err := sub.ExecuteSecureStateOperation(context.Background(), "agent-1", op)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), result)

	value, ok := sub.State().Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)
}

func TestCastSecureVote_RejectsQuarantinedVoter(t *testing.T) {
	sub := newTestSubstrate(t)
	reg, err := sub.RegisterConsensusAgent("agent-1", "worker", security.Certificates{})
	require.NoError(t, err)
	reg.Identity.TrustLevel = security.Verified

	require.NoError(t, sub.StartSecureVoting("agent-1", &voting.Proposal{
		ID:               "p1",
		Rule:             voting.SimpleMajority,
		MinParticipation: 0,
		PassingThreshold: 0.5,
	}))
	sub.Voting().RegisterVoter(&voting.Voter{ID: "agent-1", Weight: 1})

	for i := 0; i < 20; i++ {
		sub.Detector().ObserveMessage(consensus.NodeID("agent-1"), "double-voting", 0, uint64(i), "d", time.Now())
	}
	require.True(t, sub.Detector().IsMalicious("agent-1"))

	err = sub.CastSecureVote("agent-1", "p1", voting.Approve, 0)
	require.Error(t, err)
}

func TestCastSecureVote_RecordsApprovalAndFinalizes(t *testing.T) {
	sub := newTestSubstrate(t)
	reg, err := sub.RegisterConsensusAgent("agent-1", "worker", security.Certificates{})
	require.NoError(t, err)
	reg.Identity.TrustLevel = security.Verified

	require.NoError(t, sub.StartSecureVoting("agent-1", &voting.Proposal{
		ID:               "p1",
		Rule:             voting.SimpleMajority,
		MinParticipation: 0,
		PassingThreshold: 0.5,
	}))
	sub.Voting().RegisterVoter(&voting.Voter{ID: "agent-1", Weight: 1})

	require.NoError(t, sub.CastSecureVote("agent-1", "p1", voting.Approve, 0))

	result, err := sub.Voting().Finalize("p1")
	require.NoError(t, err)
	assert.Equal(t, voting.StatusPassed, result.Status)
}
