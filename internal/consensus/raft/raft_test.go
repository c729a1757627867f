package raft

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

type fakeStateMachine struct {
	applied []*consensus.LogEntry
}

func (f *fakeStateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) {
	f.applied = append(f.applied, entry)
	return entry.Command, nil
}
func (f *fakeStateMachine) Snapshot() ([]byte, error) { return []byte("snapshot"), nil }
func (f *fakeStateMachine) Restore([]byte) error      { return nil }
func (f *fakeStateMachine) GetState() interface{}     { return f.applied }

func newTestRaftCluster(t *testing.T, nodeIDs []consensus.NodeID) map[consensus.NodeID]*Raft {
	t.Helper()

	hub := transport.NewMemoryHub()
	nodeStrs := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		nodeStrs[i] = string(id)
	}

	nodes := make(map[consensus.NodeID]*Raft)
	for _, id := range nodeIDs {
		cfg := &consensus.Config{
			NodeID:             id,
			Nodes:              nodeStrs,
			ElectionTimeoutMin: 20 * time.Millisecond,
			ElectionTimeoutMax: 40 * time.Millisecond,
			HeartbeatInterval:  10 * time.Millisecond,
		}
		tr := hub.NewTransport(id)
		nodes[id] = NewRaft(cfg, tr, &fakeStateMachine{}, nil, zaptest.NewLogger(t))
	}
	return nodes
}

func TestRaft_ElectsASingleLeader(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3"}
	nodes := newTestRaftCluster(t, nodeIDs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, n := range nodes {
		require.NoError(t, n.Start(ctx))
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	assert.Eventually(t, func() bool {
		leaders := 0
		for _, n := range nodes {
			if n.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	}, 2*time.Second, 10*time.Millisecond, "exactly one node should become leader")
}

func TestRaft_Propose_RejectsOnNonLeader(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3"}
	nodes := newTestRaftCluster(t, nodeIDs)

	err := nodes["node-1"].Propose(context.Background(), []byte("cmd"))
	require.Error(t, err)
}

func TestIsLogUpToDate_HigherTermWins(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3"}
	nodes := newTestRaftCluster(t, nodeIDs)
	r := nodes["node-1"]

	r.log = []*consensus.LogEntry{{Index: 1, Term: 2}}
	assert.True(t, r.isLogUpToDate(1, 3), "a candidate with a higher last term is more up-to-date")
	assert.False(t, r.isLogUpToDate(1, 1), "a candidate with a lower last term is less up-to-date")
}

func TestHasMajority_UsesRaftMajorityArithmetic(t *testing.T) {
	nodeIDs := []consensus.NodeID{"node-1", "node-2", "node-3"}
	nodes := newTestRaftCluster(t, nodeIDs)
	r := nodes["node-1"]

	r.votes = map[consensus.NodeID]bool{"node-1": true}
	assert.False(t, r.hasMajority())

	r.votes["node-2"] = true
	assert.True(t, r.hasMajority())
}
