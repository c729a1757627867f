package raft

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/consensus"
)

// AppendEntriesRequest is the AppendEntries RPC request body.
type AppendEntriesRequest struct {
	Term         consensus.Term        `json:"term"`
	LeaderID     consensus.NodeID      `json:"leader_id"`
	PrevLogIndex consensus.LogIndex    `json:"prev_log_index"`
	PrevLogTerm  consensus.Term        `json:"prev_log_term"`
	Entries      []*consensus.LogEntry `json:"entries"`
	LeaderCommit consensus.LogIndex    `json:"leader_commit"`
}

// AppendEntriesResponse is the AppendEntries RPC response body. XTerm/XIndex/
// XLen implement the fast-backtrack optimization from the Raft paper's
// extended appendix, avoiding one round trip per conflicting term.
type AppendEntriesResponse struct {
	Term    consensus.Term     `json:"term"`
	Success bool               `json:"success"`
	XTerm   consensus.Term     `json:"xterm,omitempty"`
	XIndex  consensus.LogIndex `json:"xindex,omitempty"`
	XLen    consensus.LogIndex `json:"xlen,omitempty"`
}

// handleAppendEntries processes an incoming AppendEntries RPC. Caller holds
// r.mu.
func (r *Raft) handleAppendEntries(msg *consensus.ConsensusMessage) {
	var req AppendEntriesRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Debug("failed to unmarshal AppendEntries", zap.Error(err))
		return
	}

	response := AppendEntriesResponse{Term: r.currentTerm, Success: false}

	if req.Term < r.currentTerm {
		r.sendAppendEntriesResponse(msg.From, response)
		return
	}

	r.lastContact = time.Now()
	r.resetElectionTimer()

	if req.Term > r.currentTerm || (req.Term == r.currentTerm && r.state == consensus.Candidate) {
		r.currentTerm = req.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.saveState()
	}

	r.leader = req.LeaderID

	if !r.logMatches(req.PrevLogIndex, req.PrevLogTerm) {
		response.XLen = consensus.LogIndex(len(r.log))
		if req.PrevLogIndex > 0 && int(req.PrevLogIndex) <= len(r.log) {
			conflictTerm := r.log[req.PrevLogIndex-1].Term
			response.XTerm = conflictTerm

			for i := int(req.PrevLogIndex) - 1; i >= 0; i-- {
				if r.log[i].Term != conflictTerm {
					response.XIndex = consensus.LogIndex(i + 2)
					break
				}
				if i == 0 {
					response.XIndex = 1
				}
			}
		}
		r.sendAppendEntriesResponse(msg.From, response)
		return
	}

	if len(req.Entries) > 0 {
		r.handleLogConflicts(req.PrevLogIndex, req.Entries)
	}
	r.appendNewEntries(req.PrevLogIndex, req.Entries)

	if req.LeaderCommit > r.commitIndex {
		lastNewIndex := req.PrevLogIndex + consensus.LogIndex(len(req.Entries))
		r.commitIndex = min(req.LeaderCommit, lastNewIndex)
	}

	response.Success = true
	r.sendAppendEntriesResponse(msg.From, response)
	r.saveState()
}

// handleAppendEntriesResponse processes an AppendEntries RPC response.
// Caller holds r.mu.
func (r *Raft) handleAppendEntriesResponse(msg *consensus.ConsensusMessage) {
	if r.state != consensus.Leader {
		return
	}

	var resp AppendEntriesResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		r.logger.Debug("failed to unmarshal AppendEntriesResponse", zap.Error(err))
		return
	}

	if resp.Term > r.currentTerm {
		r.currentTerm = resp.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.saveState()
		return
	}

	fromNode := msg.From

	if resp.Success {
		newMatchIndex := r.nextIndex[fromNode] - 1 + consensus.LogIndex(len(r.getEntriesFrom(r.nextIndex[fromNode])))
		r.matchIndex[fromNode] = newMatchIndex
		r.nextIndex[fromNode] = newMatchIndex + 1
		r.updateCommitIndex()
	} else {
		if resp.XTerm != 0 {
			lastIndexOfXTerm := r.findLastIndexOfTerm(resp.XTerm)
			if lastIndexOfXTerm != 0 {
				r.nextIndex[fromNode] = lastIndexOfXTerm + 1
			} else {
				r.nextIndex[fromNode] = resp.XIndex
			}
		} else {
			r.nextIndex[fromNode] = resp.XLen + 1
		}

		if r.nextIndex[fromNode] < 1 {
			r.nextIndex[fromNode] = 1
		}

		go r.sendAppendEntries(fromNode)
	}
}

func (r *Raft) sendAppendEntriesResponse(to consensus.NodeID, response AppendEntriesResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		r.logger.Debug("failed to marshal AppendEntriesResponse", zap.Error(err))
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.AppendEntriesResponseMsg,
		Term:      r.currentTerm,
		From:      r.nodeID,
		To:        to,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(to, msg); err != nil {
		r.logger.Debug("failed to send AppendEntriesResponse", zap.Error(err))
	}
}

// logMatches reports whether the log contains an entry at prevLogIndex with
// term prevLogTerm. prevLogIndex 0 always matches (replication from the
// start of the log).
func (r *Raft) logMatches(prevLogIndex consensus.LogIndex, prevLogTerm consensus.Term) bool {
	if prevLogIndex == 0 {
		return true
	}
	if int(prevLogIndex) > len(r.log) {
		return false
	}
	return r.log[prevLogIndex-1].Term == prevLogTerm
}

// handleLogConflicts truncates the log at the first entry whose term
// disagrees with the leader's entry at the same index.
func (r *Raft) handleLogConflicts(prevLogIndex consensus.LogIndex, entries []*consensus.LogEntry) {
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) <= len(r.log) {
			existingEntry := r.log[logIndex-1]
			if existingEntry.Term != entry.Term {
				r.log = r.log[:logIndex-1]
				break
			}
		}
	}
}

// appendNewEntries appends entries the log doesn't already contain.
func (r *Raft) appendNewEntries(prevLogIndex consensus.LogIndex, entries []*consensus.LogEntry) {
	for i, entry := range entries {
		logIndex := prevLogIndex + consensus.LogIndex(i+1)
		if int(logIndex) > len(r.log) {
			r.log = append(r.log, entry)
		}
	}
}

// updateCommitIndex advances commitIndex to the highest index replicated on
// a Raft majority of nodes, restricted to the leader's current term per the
// Raft paper's §5.4.2 safety argument.
func (r *Raft) updateCommitIndex() {
	if r.state != consensus.Leader {
		return
	}

	majority := consensus.RaftMajority(len(r.config.Nodes))

	for n := consensus.LogIndex(len(r.log)); n > r.commitIndex; n-- {
		if int(n) <= len(r.log) && r.log[n-1].Term == r.currentTerm {
			count := 1 // self
			for _, matchIndex := range r.matchIndex {
				if matchIndex >= n {
					count++
				}
			}
			if count >= majority {
				r.commitIndex = n
				break
			}
		}
	}
}

func (r *Raft) getEntriesFrom(startIndex consensus.LogIndex) []*consensus.LogEntry {
	if int(startIndex) > len(r.log) {
		return []*consensus.LogEntry{}
	}
	return r.log[startIndex-1:]
}

func (r *Raft) findLastIndexOfTerm(term consensus.Term) consensus.LogIndex {
	for i := len(r.log) - 1; i >= 0; i-- {
		if r.log[i].Term == term {
			return consensus.LogIndex(i + 1)
		}
	}
	return 0
}

func (r *Raft) marshalAppendEntries(prevLogIndex consensus.LogIndex, prevLogTerm consensus.Term, entries []*consensus.LogEntry, commitIndex consensus.LogIndex) []byte {
	req := AppendEntriesRequest{
		Term:         r.currentTerm,
		LeaderID:     r.nodeID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: commitIndex,
	}

	data, err := json.Marshal(req)
	if err != nil {
		r.logger.Debug("failed to marshal AppendEntries", zap.Error(err))
		return []byte(`{}`)
	}
	return data
}

// min returns the smaller of two LogIndex values.
func min(a, b consensus.LogIndex) consensus.LogIndex {
	if a < b {
		return a
	}
	return b
}
