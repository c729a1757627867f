package detector

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/clock"
	"github.com/ruvnet/swarmbft/internal/consensus"
)

// Config tunes the sliding window and rule thresholds.
type Config struct {
	Window               time.Duration
	MaxMessagesPerWindow int
	TimingGap            time.Duration // any two messages closer than this trigger timing-manipulation
	TimingVariance        float64       // inter-message interval variance (ms^2) threshold over >=5 messages
	ViewChangeLimit      int           // more than this many view-change messages per window triggers view-change-abuse
	CollusionShare       float64       // a single (decision,weight) pattern covering more than this share of votes triggers collusion
}

// DefaultConfig matches the thresholds named in the spec.
func DefaultConfig() Config {
	return Config{
		Window:               5 * time.Minute,
		MaxMessagesPerWindow: 100,
		TimingGap:            10 * time.Millisecond,
		TimingVariance:       100,
		ViewChangeLimit:      3,
		CollusionShare:       0.8,
	}
}

// Detector evaluates per-agent sliding windows of messages and votes
// against the built-in rule set, maintaining a reputation score and
// quarantine state for every agent it has observed.
type Detector struct {
	mu sync.Mutex

	logger *zap.Logger
	clock  clock.Clock
	cfg    Config

	messages    map[consensus.NodeID][]messageEvent
	votes       map[consensus.NodeID][]voteEvent
	reputation  map[consensus.NodeID]float64
	quarantined map[consensus.NodeID]bool
	events      []BehaviorEvent
	agents      []consensus.NodeID
}

// New constructs a detector seeded with a known agent roster, each starting
// at full reputation.
func New(cfg Config, agents []consensus.NodeID, logger *zap.Logger, clk clock.Clock) *Detector {
	if clk == nil {
		clk = clock.New()
	}
	d := &Detector{
		logger:      logger.Named("detector"),
		clock:       clk,
		cfg:         cfg,
		messages:    make(map[consensus.NodeID][]messageEvent),
		votes:       make(map[consensus.NodeID][]voteEvent),
		reputation:  make(map[consensus.NodeID]float64),
		quarantined: make(map[consensus.NodeID]bool),
		agents:      append([]consensus.NodeID(nil), agents...),
	}
	for _, a := range agents {
		d.reputation[a] = 1.0
	}
	return d
}

// ActiveAgents satisfies bft.Membership: every known agent not currently
// quarantined.
func (d *Detector) ActiveAgents() []consensus.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()

	active := make([]consensus.NodeID, 0, len(d.agents))
	for _, a := range d.agents {
		if !d.quarantined[a] {
			active = append(active, a)
		}
	}
	return active
}

// IsMalicious satisfies bft.Membership: true once an agent's reputation has
// dropped below the quarantine threshold.
func (d *Detector) IsMalicious(nodeID consensus.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quarantined[nodeID]
}

// Reputation returns an agent's current score, defaulting new agents to
// full trust.
func (d *Detector) Reputation(nodeID consensus.NodeID) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rep, ok := d.reputation[nodeID]; ok {
		return rep
	}
	return 1.0
}

// Rehabilitate explicitly raises a quarantined agent's reputation,
// lifting quarantine once it clears the threshold again.
func (d *Detector) Rehabilitate(nodeID consensus.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rep := d.reputation[nodeID] + RehabilitationBoost
	if rep > 1.0 {
		rep = 1.0
	}
	d.reputation[nodeID] = rep
	if rep >= QuarantineThreshold {
		delete(d.quarantined, nodeID)
	}
}

// ObserveMessage satisfies bft.ThreatSink. kind is either a raw protocol
// message kind (pre-prepare, prepare, commit, view-change, ...) evaluated
// through the sliding-window rules below, or the name of a rule the caller
// has already detected directly (e.g. PBFT's own digest-mismatch check),
// in which case it is recorded as an immediate trigger.
func (d *Detector) ObserveMessage(nodeID consensus.NodeID, kind string, view, seq uint64, digest string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ensureAgent(nodeID)
	d.pruneMessagesLocked(nodeID, at)

	if rule, ok := namedRuleKinds[kind]; ok {
		d.triggerLocked(nodeID, rule, 1.0, at, "caller-detected "+kind)
		return
	}

	d.messages[nodeID] = append(d.messages[nodeID], messageEvent{Kind: kind, View: view, Seq: seq, Digest: digest, At: at})
	d.evaluateMessageRulesLocked(nodeID, at)
}

// ObserveVote records a cast vote for double-voting and collusion
// detection. Callers (the voting registry, via the façade) report every
// cast vote here in addition to recording it in the registry itself.
func (d *Detector) ObserveVote(nodeID consensus.NodeID, proposalID, decision string, weight float64, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ensureAgent(nodeID)
	d.pruneVotesLocked(nodeID, at)

	for _, v := range d.votes[nodeID] {
		if v.ProposalID == proposalID {
			d.triggerLocked(nodeID, DoubleVoting, 1.0, at, "second vote on proposal "+proposalID)
			return
		}
	}

	d.votes[nodeID] = append(d.votes[nodeID], voteEvent{ProposalID: proposalID, Decision: decision, Weight: weight, At: at})
}

// EvaluateCollusion scans every voter who has voted on proposalID and
// flags any whose (decision,weight) pattern covers more than the
// configured share of all votes cast on it. Called by the façade once a
// proposal's votes are all in, since collusion is inherently a
// cross-agent pattern rather than a per-agent sliding-window check.
func (d *Detector) EvaluateCollusion(proposalID string, allVotes map[consensus.NodeID]struct {
	Decision string
	Weight   float64
}, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(allVotes) == 0 {
		return
	}

	patternOf := func(decision string, weight float64) string {
		return fmt.Sprintf("%s:%.6f", decision, weight)
	}

	counts := make(map[string]int)
	for _, v := range allVotes {
		counts[patternOf(v.Decision, v.Weight)]++
	}

	total := len(allVotes)
	for pattern, count := range counts {
		if float64(count)/float64(total) > d.cfg.CollusionShare {
			for nodeID, v := range allVotes {
				if patternOf(v.Decision, v.Weight) == pattern {
					d.triggerLocked(nodeID, Collusion, 1.0, at, "shared vote pattern on "+proposalID)
				}
			}
			return
		}
	}
}

// evaluateMessageRulesLocked runs the window-based rules. Caller holds d.mu.
func (d *Detector) evaluateMessageRulesLocked(nodeID consensus.NodeID, at time.Time) {
	window := d.messages[nodeID]

	if len(window) > d.cfg.MaxMessagesPerWindow {
		d.triggerLocked(nodeID, SpamFlooding, confidenceFromExcess(len(window), d.cfg.MaxMessagesPerWindow), at,
			"exceeded max messages per window")
	}

	if n := len(window); n >= 2 {
		for i := 1; i < n; i++ {
			gap := window[i].At.Sub(window[i-1].At)
			if gap >= 0 && gap < d.cfg.TimingGap {
				d.triggerLocked(nodeID, TimingManipulation, 1.0, at, "messages under timing gap threshold")
				break
			}
		}
	}
	if n := len(window); n >= 5 {
		if variance := intervalVarianceMillis(window); variance < d.cfg.TimingVariance {
			d.triggerLocked(nodeID, TimingManipulation, 1.0, at, "inter-message interval variance below threshold")
		}
	}

	viewChanges := 0
	missingLastCommitted := false
	for _, m := range window {
		if m.Kind == "view-change" {
			viewChanges++
			if m.Digest == "" {
				missingLastCommitted = true
			}
		}
	}
	if viewChanges > d.cfg.ViewChangeLimit || missingLastCommitted {
		d.triggerLocked(nodeID, ViewChangeAbuse, 1.0, at, "excessive or malformed view-change messages")
	}

	digestsBySeq := make(map[uint64]string)
	for _, m := range window {
		if m.Kind != "pre-prepare" {
			continue
		}
		if prior, ok := digestsBySeq[m.Seq]; ok && prior != m.Digest {
			d.triggerLocked(nodeID, ConflictingMessages, 1.0, at, "conflicting pre-prepare digests at same sequence")
		}
		digestsBySeq[m.Seq] = m.Digest
	}
}

func confidenceFromExcess(count, limit int) float64 {
	if limit <= 0 {
		return 1.0
	}
	ratio := float64(count) / float64(limit)
	if ratio > 2 {
		return 1.0
	}
	return ratio - 1.0
}

// intervalVarianceMillis computes the population variance, in
// milliseconds-squared, of consecutive inter-message intervals.
func intervalVarianceMillis(events []messageEvent) float64 {
	n := len(events)
	if n < 2 {
		return 0
	}
	intervals := make([]float64, 0, n-1)
	var sum float64
	for i := 1; i < n; i++ {
		ms := float64(events[i].At.Sub(events[i-1].At).Microseconds()) / 1000.0
		intervals = append(intervals, ms)
		sum += ms
	}
	mean := sum / float64(len(intervals))
	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(intervals))
}

// triggerLocked records a BehaviorEvent, applies its reputation penalty,
// and quarantines the agent if the penalty pushes it below threshold.
// Caller holds d.mu.
func (d *Detector) triggerLocked(nodeID consensus.NodeID, rule RuleKind, confidence float64, at time.Time, detail string) {
	base := basePenalties[rule]
	severity := severityMultipliers[rule]
	penalty := base * confidence * severity

	rep, ok := d.reputation[nodeID]
	if !ok {
		rep = 1.0
	}
	rep -= penalty
	if rep < 0 {
		rep = 0
	}
	d.reputation[nodeID] = rep

	if rep < QuarantineThreshold {
		d.quarantined[nodeID] = true
	}

	d.events = append(d.events, BehaviorEvent{
		NodeID:     nodeID,
		Rule:       rule,
		Severity:   severity,
		Confidence: confidence,
		Penalty:    penalty,
		At:         at,
		Detail:     detail,
	})

	d.logger.Warn("behaviour rule triggered",
		zap.String("node", string(nodeID)),
		zap.String("rule", string(rule)),
		zap.Float64("penalty", penalty),
		zap.Float64("reputation", rep),
		zap.String("detail", detail),
	)
}

// Events returns a copy of every behaviour event recorded so far.
func (d *Detector) Events() []BehaviorEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]BehaviorEvent, len(d.events))
	copy(out, d.events)
	return out
}

func (d *Detector) ensureAgent(nodeID consensus.NodeID) {
	if _, ok := d.reputation[nodeID]; ok {
		return
	}
	d.reputation[nodeID] = 1.0
	d.agents = append(d.agents, nodeID)
}

func (d *Detector) pruneMessagesLocked(nodeID consensus.NodeID, now time.Time) {
	cutoff := now.Add(-d.cfg.Window)
	events := d.messages[nodeID]
	kept := events[:0]
	for _, e := range events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.messages[nodeID] = kept
}

func (d *Detector) pruneVotesLocked(nodeID consensus.NodeID, now time.Time) {
	cutoff := now.Add(-d.cfg.Window)
	events := d.votes[nodeID]
	kept := events[:0]
	for _, e := range events {
		if e.At.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.votes[nodeID] = kept
}
