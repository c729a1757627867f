package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

func newTestDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	return New(cfg, []consensus.NodeID{"node-1", "node-2"}, zaptest.NewLogger(t), nil)
}

func TestObserveMessage_ConflictingPrePreparesTriggersRule(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())
	base := time.Now()

	d.ObserveMessage("node-1", "pre-prepare", 1, 1, "digest-a", base)
	d.ObserveMessage("node-1", "pre-prepare", 1, 1, "digest-b", base.Add(time.Millisecond))

	events := d.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, ConflictingMessages, events[len(events)-1].Rule)
	assert.Less(t, d.Reputation("node-1"), 1.0)
}

func TestObserveMessage_CallerDetectedRuleRecordsImmediately(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())
	d.ObserveMessage("node-1", "view-change-abuse", 2, 0, "", time.Now())

	events := d.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ViewChangeAbuse, events[0].Rule)
	assert.Equal(t, 1.0, events[0].Confidence)
}

func TestObserveMessage_SpamFloodingTriggersPastLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessagesPerWindow = 5
	d := newTestDetector(t, cfg)
	base := time.Now()

	for i := 0; i < 7; i++ {
		d.ObserveMessage("node-1", "commit", 1, uint64(i), "d", base.Add(time.Duration(i)*time.Second))
	}

	events := d.Events()
	var found bool
	for _, e := range events {
		if e.Rule == SpamFlooding {
			found = true
		}
	}
	assert.True(t, found)
}

func TestObserveMessage_TimingManipulationTriggersOnTightGap(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())
	base := time.Now()

	d.ObserveMessage("node-1", "prepare", 1, 1, "d", base)
	d.ObserveMessage("node-1", "prepare", 1, 2, "d", base.Add(time.Millisecond))

	events := d.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, TimingManipulation, events[len(events)-1].Rule)
}

func TestObserveVote_DoubleVotingTriggersOnSecondVote(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())
	base := time.Now()

	d.ObserveVote("node-1", "proposal-1", "approve", 1, base)
	d.ObserveVote("node-1", "proposal-1", "reject", 1, base.Add(time.Second))

	events := d.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, DoubleVoting, events[len(events)-1].Rule)
}

func TestEvaluateCollusion_FlagsSharedVotePattern(t *testing.T) {
	d := New(DefaultConfig(), []consensus.NodeID{"n1", "n2", "n3", "n4", "n5", "n6"}, zaptest.NewLogger(t), nil)
	votes := map[consensus.NodeID]struct {
		Decision string
		Weight   float64
	}{
		"n1": {"approve", 1},
		"n2": {"approve", 1},
		"n3": {"approve", 1},
		"n4": {"approve", 1},
		"n5": {"approve", 1},
		"n6": {"reject", 1},
	}
	d.EvaluateCollusion("proposal-1", votes, time.Now())

	events := d.Events()
	var flagged int
	for _, e := range events {
		if e.Rule == Collusion {
			flagged++
		}
	}
	assert.Equal(t, 5, flagged, "the five identical approve:1.0 votes (>80% of all votes) should be flagged, not the lone reject")
}

func TestReputationPenalty_QuarantinesBelowThreshold(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())
	base := time.Now()

	for i := 0; i < 3; i++ {
		d.ObserveMessage("node-1", "pre-prepare", uint64(i), 1, "digest-a", base.Add(time.Duration(i)*time.Millisecond))
		d.ObserveMessage("node-1", "pre-prepare", uint64(i), 1, "digest-b", base.Add(time.Duration(i)*time.Millisecond+time.Millisecond))
	}

	assert.True(t, d.IsMalicious("node-1"))
	assert.NotContains(t, d.ActiveAgents(), consensus.NodeID("node-1"))
}

func TestRehabilitate_LiftsQuarantineOnceAboveThreshold(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())
	base := time.Now()
	d.ObserveMessage("node-1", "pre-prepare", 1, 1, "digest-a", base)
	d.ObserveMessage("node-1", "pre-prepare", 1, 1, "digest-b", base.Add(time.Millisecond))
	require.True(t, d.IsMalicious("node-1"))

	for i := 0; i < 5; i++ {
		d.Rehabilitate("node-1")
	}

	assert.False(t, d.IsMalicious("node-1"))
}

func TestTrustLevelFor_BucketsReputation(t *testing.T) {
	assert.Equal(t, TrustVerified, TrustLevelFor(0.95))
	assert.Equal(t, TrustHigh, TrustLevelFor(0.75))
	assert.Equal(t, TrustMedium, TrustLevelFor(0.55))
	assert.Equal(t, TrustLow, TrustLevelFor(0.35))
	assert.Equal(t, TrustUntrusted, TrustLevelFor(0.1))
}
