package bft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/transport"
)

// fakeStateMachine records applied entries without any conflict logic, for
// exercising the consensus engine in isolation.
type fakeStateMachine struct {
	applied []*consensus.LogEntry
}

func (f *fakeStateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) {
	f.applied = append(f.applied, entry)
	return entry.Command, nil
}
func (f *fakeStateMachine) Snapshot() ([]byte, error)   { return []byte("snapshot"), nil }
func (f *fakeStateMachine) Restore([]byte) error        { return nil }
func (f *fakeStateMachine) GetState() interface{}       { return f.applied }

func newTestCluster(t *testing.T, nodeIDs []consensus.NodeID) (map[consensus.NodeID]*PBFT, map[consensus.NodeID]*fakeStateMachine) {
	t.Helper()

	hub := transport.NewMemoryHub()
	engines := make(map[consensus.NodeID]*PBFT)
	sms := make(map[consensus.NodeID]*fakeStateMachine)

	nodeStrs := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		nodeStrs[i] = string(id)
	}

	for _, id := range nodeIDs {
		cfg := &consensus.Config{
			NodeID:              id,
			Nodes:               nodeStrs,
			ConsensusTimeout:    2 * time.Second,
			CheckpointInterval:  100,
			MaxConsecutiveTerms: 3,
		}
		sm := &fakeStateMachine{}
		sms[id] = sm
		logger := zaptest.NewLogger(t)
		tr := hub.NewTransport(id)
		engines[id] = NewPBFT(cfg, tr, sm, nil, logger)
	}
	return engines, sms
}

func TestPBFT_StartConsensus_CommitsWithQuorum(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4"}
	engines, sms := newTestCluster(t, nodeIDs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, e := range engines {
		require.NoError(t, e.Start(ctx))
	}
	defer func() {
		for _, e := range engines {
			e.Stop()
		}
	}()

	var primary *PBFT
	for _, e := range engines {
		if e.IsLeader() {
			primary = e
		}
	}
	require.NotNil(t, primary, "exactly one node should be primary of view 0")

	outcome, err := primary.StartConsensus(context.Background(), []byte("set x=1"))
	require.NoError(t, err)
	assert.Equal(t, consensus.Committed, outcome)

	assert.Eventually(t, func() bool {
		for _, sm := range sms {
			if len(sm.applied) != 1 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond, "all nodes should apply the committed entry")
}

func TestPBFT_StartConsensus_RejectsNonLeader(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4"}
	engines, _ := newTestCluster(t, nodeIDs)

	var backup *PBFT
	for _, e := range engines {
		if !e.IsLeader() {
			backup = e
		}
	}
	require.NotNil(t, backup)

	_, err := backup.StartConsensus(context.Background(), []byte("set x=1"))
	require.Error(t, err)
}

func TestPBFT_StartConsensus_RefusesWithoutQuorum(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4"}
	engines, _ := newTestCluster(t, nodeIDs)

	var primary *PBFT
	for _, e := range engines {
		if e.IsLeader() {
			primary = e
		}
	}
	require.NotNil(t, primary)

	maliciousMembership := allowAllMembership{nodes: nodeIDs}
	primary.membership = stubMembership{base: maliciousMembership, malicious: map[consensus.NodeID]bool{
		"node-2": true, "node-3": true,
	}}

	_, err := primary.StartConsensus(context.Background(), []byte("set x=1"))
	require.Error(t, err)
}

// stubMembership overrides which agents are marked malicious for a test.
type stubMembership struct {
	base      Membership
	malicious map[consensus.NodeID]bool
}

func (s stubMembership) ActiveAgents() []consensus.NodeID { return s.base.ActiveAgents() }
func (s stubMembership) IsMalicious(nodeID consensus.NodeID) bool {
	return s.malicious[nodeID]
}

func TestLeader_RoundRobinRotatesAcrossViews(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4"}
	engines, _ := newTestCluster(t, nodeIDs)
	p := engines["node-1"]

	seen := map[consensus.NodeID]bool{}
	for v := uint64(0); v < 4; v++ {
		seen[p.leader(v)] = true
	}
	assert.Len(t, seen, 4, "round-robin should cycle through every active node")
}

// TestPBFT_StartConsensus_CommitsWithExactlyFSilentNodes exercises the f
// boundary directly: n=7 gives f=2, and exactly two nodes never start (the
// silent/Byzantine stand-ins), leaving the 5 honest nodes required to reach
// both the 2f prepare threshold and the 2f+1 commit quorum.
func TestPBFT_StartConsensus_CommitsWithExactlyFSilentNodes(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4", "node-5", "node-6", "node-7"}
	engines, sms := newTestCluster(t, nodeIDs)

	silent := map[consensus.NodeID]bool{"node-6": true, "node-7": true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for id, e := range engines {
		if silent[id] {
			continue
		}
		require.NoError(t, e.Start(ctx))
	}
	defer func() {
		for id, e := range engines {
			if !silent[id] {
				e.Stop()
			}
		}
	}()

	primary := engines["node-1"]
	require.True(t, primary.IsLeader(), "node-1 sorts first and should be primary of view 0")

	outcome, err := primary.StartConsensus(context.Background(), []byte("set x=1"))
	require.NoError(t, err)
	assert.Equal(t, consensus.Committed, outcome)

	assert.Eventually(t, func() bool {
		for id, sm := range sms {
			if silent[id] {
				continue
			}
			if len(sm.applied) != 1 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond, "every honest node should apply the committed entry despite exactly f silent nodes")
}

func TestSelectLeaderByPolicy_HybridPenalizesConsecutiveTerms(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3", "node-4"}
	engines, _ := newTestCluster(t, nodeIDs)
	p := engines["node-1"]
	p.leaderPolicy = Hybrid
	p.config.MaxConsecutiveTerms = 2

	p.consecutiveTerms["node-1"] = 2
	p.SetCandidateMetrics("node-1", CandidateMetrics{Reputation: 0.9, Availability: 0.9, Performance: 0.9, Stake: 0.9})
	p.SetCandidateMetrics("node-2", CandidateMetrics{Reputation: 0.5, Availability: 0.5, Performance: 0.5, Stake: 0.5})

	sorted := p.sortedActive()
	leader := p.selectLeaderByPolicy(sorted, 1)
	assert.Equal(t, consensus.NodeID("node-2"), leader, "a candidate at its term cap should be penalized below a fresher lower-scoring one")
}
