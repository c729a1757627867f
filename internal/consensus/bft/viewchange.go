package bft

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

// initiateViewChange acquires the lock and starts a view change; callers
// already holding p.mu must use initiateViewChangeLocked instead.
func (p *PBFT) initiateViewChange(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiateViewChangeLocked(reason)
}

// initiateViewChangeLocked broadcasts a ViewChangeMessage requesting a move
// to view+1, carrying proof of the last stable checkpoint and every
// proposal this node prepared but never saw committed.
func (p *PBFT) initiateViewChangeLocked(reason string) {
	newView := p.view + 1
	p.state = consensus.ViewChanging

	preparedSet := make(map[string]*PreparedProof, len(p.preparedButUncommitted))
	for digest, proof := range p.preparedButUncommitted {
		preparedSet[digest] = proof
	}

	checkpointProof := make(map[consensus.NodeID]*CheckpointMessage)
	if proofs, ok := p.checkpointLog[p.lastStableCheckpoint]; ok {
		for k, v := range proofs {
			checkpointProof[k] = v
		}
	}

	vc := &ViewChangeMessage{
		View:            newView,
		LastCheckpoint:  p.lastStableCheckpoint,
		CheckpointProof: checkpointProof,
		PreparedSet:     preparedSet,
		NodeID:          p.nodeID,
		Reason:          reason,
	}
	if p.verifier != nil {
		if sig, err := p.verifier.Sign(viewChangeSigningBytes(vc)); err == nil {
			vc.Signature = sig
		}
	}

	if p.viewChangeLog[newView] == nil {
		p.viewChangeLog[newView] = make(map[consensus.NodeID]*ViewChangeMessage)
	}
	p.viewChangeLog[newView][p.nodeID] = vc

	p.events.Emit("view-change-started", map[string]interface{}{
		"new_view": newView, "reason": reason, "node": string(p.nodeID),
	})

	data, _ := json.Marshal(vc)
	go p.transport.Broadcast(&consensus.ConsensusMessage{
		Type: consensus.ViewChangeMsg, Term: consensus.Term(newView), From: p.nodeID, Data: data, Timestamp: time.Now(),
	})
}

func (p *PBFT) handleViewChange(msg *consensus.ConsensusMessage) {
	var vc ViewChangeMessage
	if err := json.Unmarshal(msg.Data, &vc); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	known := false
	for _, a := range p.membership.ActiveAgents() {
		if a == msg.From {
			known = true
			break
		}
	}
	if !known || p.membership.IsMalicious(msg.From) {
		return
	}
	if p.verifier != nil && !p.verifier.Verify(vc.NodeID, viewChangeSigningBytes(&vc), vc.Signature) {
		p.threats.ObserveMessage(msg.From, "view-change-abuse", vc.View, 0, "", time.Now())
		return
	}
	if vc.View <= p.view {
		return
	}

	if p.viewChangeLog[vc.View] == nil {
		p.viewChangeLog[vc.View] = make(map[consensus.NodeID]*ViewChangeMessage)
	}
	p.viewChangeLog[vc.View][msg.From] = &vc

	n := len(p.membership.ActiveAgents())
	quorum := consensus.ByzantineQuorum(n)

	if len(p.viewChangeLog[vc.View]) < quorum {
		return
	}

	// Only the node that will be primary of the new view constructs and
	// broadcasts the new-view message.
	sorted := p.sortedActive()
	newPrimary := sorted[vc.View%uint64(len(sorted))]
	if p.leaderPolicy != RoundRobin && p.leaderPolicy != "" {
		newPrimary = p.selectLeaderByPolicy(sorted, vc.View)
	}
	if newPrimary != p.nodeID {
		return
	}
	if _, already := p.newViewLog[vc.View]; already {
		return
	}

	p.broadcastNewViewLocked(vc.View)
}

// broadcastNewViewLocked is called by the incoming primary once it has
// collected a Byzantine quorum of view-change messages for View. It
// reconstructs pre-prepares for every proposal prepared-but-not-committed
// in any collected view-change message, so no committed work is lost
// across the view boundary.
func (p *PBFT) broadcastNewViewLocked(view uint64) {
	collected := p.viewChangeLog[view]

	reconstructed := make(map[string]*PrePrepareMessage)
	for _, vc := range collected {
		for digest, proof := range vc.PreparedSet {
			if _, exists := reconstructed[digest]; !exists {
				reconstructed[digest] = &PrePrepareMessage{
					View:        view,
					SequenceNum: proof.PrePrepare.SequenceNum,
					Digest:      digest,
					Proposal:    proof.PrePrepare.Proposal,
					SenderID:    p.nodeID,
				}
			}
		}
	}

	prePrepares := make([]*PrePrepareMessage, 0, len(reconstructed))
	for _, pp := range reconstructed {
		if p.verifier != nil {
			if sig, err := p.verifier.Sign(prePrepareSigningBytes(pp)); err == nil {
				pp.Signature = sig
			}
		}
		prePrepares = append(prePrepares, pp)
		p.prePrepareLog[pp.Digest] = pp
		p.recordSeqDigest(view, pp.SequenceNum, pp.Digest)
	}
	sort.Slice(prePrepares, func(i, j int) bool { return prePrepares[i].SequenceNum < prePrepares[j].SequenceNum })

	nv := &NewViewMessage{
		View:        view,
		ViewChanges: collected,
		PrePrepares: prePrepares,
		NodeID:      p.nodeID,
	}
	if p.verifier != nil {
		if sig, err := p.verifier.Sign(newViewSigningBytes(nv)); err == nil {
			nv.Signature = sig
		}
	}
	p.newViewLog[view] = nv

	p.view = view
	p.state = consensus.Primary
	p.consecutiveTerms[p.nodeID]++

	p.events.Emit("leader-elected", map[string]interface{}{"view": view, "leader": string(p.nodeID)})
	p.events.Emit("view-changed", map[string]interface{}{"view": view})

	data, _ := json.Marshal(nv)
	go p.transport.Broadcast(&consensus.ConsensusMessage{
		Type: consensus.NewViewMsg, Term: consensus.Term(view), From: p.nodeID, Data: data, Timestamp: time.Now(),
	})
}

func (p *PBFT) handleNewView(msg *consensus.ConsensusMessage) {
	var nv NewViewMessage
	if err := json.Unmarshal(msg.Data, &nv); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if nv.View <= p.view {
		return
	}

	sorted := p.sortedActive()
	expectedPrimary := sorted[nv.View%uint64(len(sorted))]
	if p.leaderPolicy != RoundRobin && p.leaderPolicy != "" {
		expectedPrimary = p.selectLeaderByPolicy(sorted, nv.View)
	}
	if msg.From != expectedPrimary || nv.NodeID != expectedPrimary {
		return
	}
	if p.verifier != nil && !p.verifier.Verify(nv.NodeID, newViewSigningBytes(&nv), nv.Signature) {
		return
	}

	n := len(p.membership.ActiveAgents())
	quorum := consensus.ByzantineQuorum(n)
	if len(nv.ViewChanges) < quorum {
		return
	}

	p.view = nv.View
	if p.nodeID == expectedPrimary {
		p.state = consensus.Primary
	} else {
		p.state = consensus.Backup
	}
	p.consecutiveTerms[expectedPrimary]++

	for _, pp := range nv.PrePrepares {
		p.prePrepareLog[pp.Digest] = pp
		p.recordSeqDigest(nv.View, pp.SequenceNum, pp.Digest)

		prepare := &PrepareMessage{View: nv.View, SequenceNum: pp.SequenceNum, Digest: pp.Digest, NodeID: p.nodeID}
		if p.verifier != nil {
			if sig, err := p.verifier.Sign(prepareSigningBytes(prepare)); err == nil {
				prepare.Signature = sig
			}
		}
		p.broadcastPrepareLocked(prepare)
	}

	p.events.Emit("view-changed", map[string]interface{}{"view": nv.View, "leader": string(expectedPrimary)})
}

func (p *PBFT) sortedActive() []consensus.NodeID {
	active := p.membership.ActiveAgents()
	sorted := make([]consensus.NodeID, len(active))
	copy(sorted, active)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

// selectLeaderByPolicy implements the four non-round-robin leader-selection
// policies. Metrics are caller-supplied telemetry (SetCandidateMetrics);
// a candidate with no recorded metrics scores zero on every weighted term.
func (p *PBFT) selectLeaderByPolicy(sorted []consensus.NodeID, view uint64) consensus.NodeID {
	best := sorted[view%uint64(len(sorted))]
	bestScore := -1.0

	for _, candidate := range sorted {
		m := p.candidateMetrics[candidate]
		var score float64
		switch p.leaderPolicy {
		case Reputation:
			score = m.Reputation
		case StakeWeighted:
			score = m.Stake
		case Performance:
			score = m.Performance
		case Hybrid:
			score = 0.3*m.Reputation + 0.25*m.Availability + 0.25*m.Performance + 0.2*m.Stake
		default:
			continue
		}
		if p.config.MaxConsecutiveTerms > 0 && m.ConsecutiveTerms >= p.config.MaxConsecutiveTerms {
			score *= 0.5
		}
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	return best
}

// SetCandidateMetrics records the telemetry used by the reputation,
// stake-weighted, performance, and hybrid leader-selection policies.
func (p *PBFT) SetCandidateMetrics(nodeID consensus.NodeID, metrics CandidateMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	metrics.ConsecutiveTerms = p.consecutiveTerms[nodeID]
	p.candidateMetrics[nodeID] = metrics
}

func viewChangeSigningBytes(vc *ViewChangeMessage) []byte {
	data, _ := json.Marshal(struct {
		View           uint64
		LastCheckpoint uint64
		NodeID         consensus.NodeID
		Reason         string
	}{vc.View, vc.LastCheckpoint, vc.NodeID, vc.Reason})
	return data
}

func newViewSigningBytes(nv *NewViewMessage) []byte {
	data, _ := json.Marshal(struct {
		View   uint64
		NodeID consensus.NodeID
	}{nv.View, nv.NodeID})
	return data
}
