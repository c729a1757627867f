package raft

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

// RequestVoteRequest is the RequestVote RPC request body.
type RequestVoteRequest struct {
	Term         consensus.Term     `json:"term"`
	CandidateID  consensus.NodeID   `json:"candidate_id"`
	LastLogIndex consensus.LogIndex `json:"last_log_index"`
	LastLogTerm  consensus.Term     `json:"last_log_term"`
}

// RequestVoteResponse is the RequestVote RPC response body.
type RequestVoteResponse struct {
	Term        consensus.Term `json:"term"`
	VoteGranted bool           `json:"vote_granted"`
}

// handleRequestVote processes an incoming RequestVote RPC. Caller holds r.mu.
func (r *Raft) handleRequestVote(msg *consensus.ConsensusMessage) {
	var req RequestVoteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Debug("failed to unmarshal RequestVote", zap.Error(err))
		return
	}

	response := RequestVoteResponse{Term: r.currentTerm, VoteGranted: false}

	if req.Term < r.currentTerm {
		r.sendRequestVoteResponse(msg.From, response)
		return
	}

	if (r.votedFor == "" || r.votedFor == req.CandidateID) && r.isLogUpToDate(req.LastLogIndex, req.LastLogTerm) {
		r.votedFor = req.CandidateID
		r.lastContact = time.Now()
		response.VoteGranted = true
		r.resetElectionTimer()
		r.saveState()
	}

	r.sendRequestVoteResponse(msg.From, response)
}

// handleRequestVoteResponse processes a RequestVote RPC response. Caller
// holds r.mu.
func (r *Raft) handleRequestVoteResponse(msg *consensus.ConsensusMessage) {
	if r.state != consensus.Candidate {
		return
	}

	var resp RequestVoteResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		r.logger.Debug("failed to unmarshal RequestVoteResponse", zap.Error(err))
		return
	}

	if resp.Term > r.currentTerm {
		r.currentTerm = resp.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.saveState()
		return
	}

	if resp.VoteGranted {
		r.votes[msg.From] = true
	}

	if r.hasMajority() {
		r.becomeLeaderLocked()
	}
}

func (r *Raft) sendRequestVoteResponse(to consensus.NodeID, response RequestVoteResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		r.logger.Debug("failed to marshal RequestVoteResponse", zap.Error(err))
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.RequestVoteResponseMsg,
		Term:      r.currentTerm,
		From:      r.nodeID,
		To:        to,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(to, msg); err != nil {
		r.logger.Debug("failed to send RequestVoteResponse", zap.Error(err))
	}
}

// isLogUpToDate implements the Raft §5.4.1 up-to-date comparison: the log
// with the later last term wins; ties break on length.
func (r *Raft) isLogUpToDate(lastLogIndex consensus.LogIndex, lastLogTerm consensus.Term) bool {
	ourLastIndex := consensus.LogIndex(len(r.log))
	ourLastTerm := consensus.Term(0)

	if len(r.log) > 0 {
		ourLastTerm = r.log[len(r.log)-1].Term
	}

	if lastLogTerm != ourLastTerm {
		return lastLogTerm > ourLastTerm
	}
	return lastLogIndex >= ourLastIndex
}

// hasMajority reports whether this candidate holds a Raft majority of votes.
func (r *Raft) hasMajority() bool {
	votesNeeded := consensus.RaftMajority(len(r.config.Nodes))
	votesReceived := 0
	for _, granted := range r.votes {
		if granted {
			votesReceived++
		}
	}
	return votesReceived >= votesNeeded
}

// becomeLeaderLocked transitions this node to leader. Caller holds r.mu.
func (r *Raft) becomeLeaderLocked() {
	if r.state != consensus.Candidate {
		return
	}

	r.state = consensus.Leader
	r.leader = r.nodeID

	lastLogIndex := consensus.LogIndex(len(r.log))
	for _, addr := range r.config.Nodes {
		nodeID := consensus.NodeID(addr)
		if nodeID == r.nodeID {
			continue
		}
		r.nextIndex[nodeID] = lastLogIndex + 1
		r.matchIndex[nodeID] = 0
	}

	for nodeID := range r.nextIndex {
		go r.sendHeartbeat(nodeID)
	}
	r.startHeartbeatTimer()

	r.logger.Info("became leader", zap.String("node", string(r.nodeID)), zap.Uint64("term", uint64(r.currentTerm)))
}

// startHeartbeatTimer must be called with r.mu held.
func (r *Raft) startHeartbeatTimer() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
	}

	r.heartbeatTimer = r.clock.NewTimer(r.config.HeartbeatInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.heartbeatTimer.C():
				r.mu.RLock()
				isLeader := r.state == consensus.Leader
				r.mu.RUnlock()
				if !isLeader {
					return
				}
				r.sendHeartbeats()
				r.heartbeatTimer.Reset(r.config.HeartbeatInterval)
			}
		}
	}()
}

// sendHeartbeats broadcasts an empty AppendEntries to every follower.
func (r *Raft) sendHeartbeats() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state != consensus.Leader {
		return
	}

	for nodeID := range r.nextIndex {
		if nodeID == r.nodeID {
			continue
		}
		go r.sendHeartbeat(nodeID)
	}
}

func (r *Raft) sendHeartbeat(nodeID consensus.NodeID) {
	r.mu.RLock()
	nextIndex := r.nextIndex[nodeID]
	prevLogIndex := nextIndex - 1
	prevLogTerm := consensus.Term(0)

	if prevLogIndex > 0 && int(prevLogIndex) <= len(r.log) {
		prevLogTerm = r.log[prevLogIndex-1].Term
	}

	appendEntries := AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.nodeID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      []*consensus.LogEntry{},
		LeaderCommit: r.commitIndex,
	}
	term := r.currentTerm
	r.mu.RUnlock()

	data, err := json.Marshal(appendEntries)
	if err != nil {
		r.logger.Debug("failed to marshal heartbeat", zap.Error(err))
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.AppendEntriesMsg,
		Term:      term,
		From:      r.nodeID,
		To:        nodeID,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(nodeID, msg); err != nil {
		r.logger.Debug("failed to send heartbeat", zap.String("to", string(nodeID)), zap.Error(err))
	}
}
