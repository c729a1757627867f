package voting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/swarmbft/internal/clock"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zaptest.NewLogger(t), nil)
}

func TestCastVote_SimpleMajority_PassesOnThreshold(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "v1", Weight: 1})
	r.RegisterVoter(&Voter{ID: "v2", Weight: 1})
	r.RegisterVoter(&Voter{ID: "v3", Weight: 1})

	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: SimpleMajority, MinParticipation: 0.5, PassingThreshold: 0.5}))
	require.NoError(t, r.CastVote("p1", "v1", Approve, 0))
	require.NoError(t, r.CastVote("p1", "v2", Approve, 0))
	require.NoError(t, r.CastVote("p1", "v3", Reject, 0))

	result, err := r.Finalize("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, result.Status)
	assert.InDelta(t, 1.0, result.ParticipationRate, 0.001)
}

func TestCastVote_Weighted_CountsVoterWeight(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "v1", Weight: 5})
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: Weighted}))

	require.NoError(t, r.CastVote("p1", "v1", Approve, 0))
	p, ok := r.Proposal("p1")
	require.True(t, ok)
	assert.Equal(t, 5.0, p.approveWt)
}

func TestCastVote_Quadratic_RejectsWhenOverBudget(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "v1", VoiceCredits: 9})
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: Quadratic}))

	err := r.CastVote("p1", "v1", Approve, 4) // cost 16 > 9 credits
	require.Error(t, err)

	require.NoError(t, r.CastVote("p1", "v1", Approve, 3)) // cost 9 == budget
}

func TestCastVote_StakeWeighted_RequiresStake(t *testing.T) {
	r := newTestRegistry(t)
	v := &Voter{ID: "v1", Stakes: map[string]float64{"p1": 10}}
	r.RegisterVoter(v)
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: StakeWeighted}))

	require.NoError(t, r.CastVote("p1", "v1", Approve, 0))
	p, _ := r.Proposal("p1")
	assert.Equal(t, 10.0, p.approveWt)
}

func TestDelegate_RejectsCycle(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "a", Weight: 1})
	r.RegisterVoter(&Voter{ID: "b", Weight: 1})
	r.RegisterVoter(&Voter{ID: "c", Weight: 1})

	require.NoError(t, r.Delegate("a", "b"))
	require.NoError(t, r.Delegate("b", "c"))

	err := r.Delegate("c", "a")
	require.Error(t, err, "delegating c->a would close a cycle through a->b->c")
}

func TestLiquidDemocracy_DirectVotePropagatesToDelegates(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "delegator", Weight: 3})
	r.RegisterVoter(&Voter{ID: "delegate", Weight: 1})
	require.NoError(t, r.Delegate("delegator", "delegate"))

	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: LiquidDemocracy}))
	require.NoError(t, r.CastVote("p1", "delegate", Approve, 0))

	p, _ := r.Proposal("p1")
	assert.Equal(t, 4.0, p.approveWt, "delegate's own weight plus the delegator's propagated weight")
}

func TestLiquidDemocracy_DelegatorCannotVoteDirectly(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "delegator", Weight: 1})
	r.RegisterVoter(&Voter{ID: "delegate", Weight: 1})
	require.NoError(t, r.Delegate("delegator", "delegate"))

	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: LiquidDemocracy}))
	err := r.CastVote("p1", "delegator", Approve, 0)
	require.Error(t, err)
}

func TestCastVote_RejectsDoubleVote(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "v1", Weight: 1})
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: SimpleMajority}))

	require.NoError(t, r.CastVote("p1", "v1", Approve, 0))
	err := r.CastVote("p1", "v1", Reject, 0)
	require.Error(t, err)
}

func TestCastVote_AcceptsJustBeforeDeadlineRejectsAtDeadline(t *testing.T) {
	r := newTestRegistry(t)
	fc := &fakeClock{now: time.Now()}
	r.clock = fc
	r.RegisterVoter(&Voter{ID: "v1", Weight: 1})
	r.RegisterVoter(&Voter{ID: "v2", Weight: 1})
	deadline := fc.now.Add(time.Second)
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: SimpleMajority, Deadline: deadline}))

	fc.now = deadline.Add(-time.Millisecond)
	require.NoError(t, r.CastVote("p1", "v1", Approve, 0))

	fc.now = deadline
	err := r.CastVote("p1", "v2", Approve, 0)
	require.Error(t, err)
}

func TestFinalize_FailsBelowMinParticipation(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "v1", Weight: 1})
	r.RegisterVoter(&Voter{ID: "v2", Weight: 1})
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: SimpleMajority, MinParticipation: 0.9, PassingThreshold: 0.5}))

	require.NoError(t, r.CastVote("p1", "v1", Approve, 0))
	result, err := r.Finalize("p1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, result.Status)
}

func TestDetectAnomalies_FlagsExtremeRatioAndDominance(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterVoter(&Voter{ID: "whale", Weight: 100})
	r.RegisterVoter(&Voter{ID: "minnow", Weight: 1})
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: Weighted}))

	require.NoError(t, r.CastVote("p1", "whale", Approve, 0))
	require.NoError(t, r.CastVote("p1", "minnow", Reject, 0))

	flags, err := r.DetectAnomalies("p1")
	require.NoError(t, err)

	var kinds []string
	for _, f := range flags {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, "extreme-ratio")
	assert.Contains(t, kinds, "single-voter-dominance")
}

func TestDetectAnomalies_FlagsCoordinatedVoting(t *testing.T) {
	r := newTestRegistry(t)
	fc := &fakeClock{now: time.Now()}
	r.clock = fc
	r.RegisterVoter(&Voter{ID: "v1", Weight: 1})
	r.RegisterVoter(&Voter{ID: "v2", Weight: 1})
	require.NoError(t, r.CreateProposal(&Proposal{ID: "p1", Rule: SimpleMajority}))

	require.NoError(t, r.CastVote("p1", "v1", Approve, 0))
	fc.now = fc.now.Add(100 * time.Millisecond)
	require.NoError(t, r.CastVote("p1", "v2", Approve, 0))

	flags, err := r.DetectAnomalies("p1")
	require.NoError(t, err)

	var found bool
	for _, f := range flags {
		if f.Kind == "coordinated-voting" {
			found = true
		}
	}
	assert.True(t, found)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                         { return f.now }
func (f *fakeClock) After(time.Duration) <-chan time.Time    { panic("not used by voting tests") }
func (f *fakeClock) NewTimer(time.Duration) clock.Timer      { panic("not used by voting tests") }
func (f *fakeClock) NewTicker(time.Duration) clock.Ticker    { panic("not used by voting tests") }
