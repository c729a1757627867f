// Package raft implements the Raft consensus algorithm: leader election via
// randomized timeouts and a RequestVote majority, and log replication via
// AppendEntries with the standard conflict-resolution fast-backtrack.
package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/clock"
	"github.com/ruvnet/swarmbft/internal/consensus"
)

// Raft implements consensus.Engine using the Raft algorithm.
type Raft struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config
	logger *zap.Logger
	clock  clock.Clock

	// Persistent state
	currentTerm consensus.Term
	votedFor    consensus.NodeID
	log         []*consensus.LogEntry

	// Volatile state
	commitIndex consensus.LogIndex
	lastApplied consensus.LogIndex

	// Leader state
	nextIndex  map[consensus.NodeID]consensus.LogIndex
	matchIndex map[consensus.NodeID]consensus.LogIndex

	state       consensus.ConsensusState
	leader      consensus.NodeID
	votes       map[consensus.NodeID]bool
	lastContact time.Time

	transport    consensus.Transport
	stateMachine consensus.StateMachine
	storage      consensus.Storage

	applyCh        chan *consensus.LogEntry
	stepDownCh     chan struct{}
	electionTimer  clock.Timer
	heartbeatTimer clock.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRaft creates a Raft instance for nodeID within the cluster described by
// config.
func NewRaft(config *consensus.Config, transport consensus.Transport, stateMachine consensus.StateMachine, storage consensus.Storage, logger *zap.Logger) *Raft {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Raft{
		nodeID:       config.NodeID,
		config:       config,
		logger:       logger,
		clock:        clock.New(),
		log:          make([]*consensus.LogEntry, 0),
		nextIndex:    make(map[consensus.NodeID]consensus.LogIndex),
		matchIndex:   make(map[consensus.NodeID]consensus.LogIndex),
		state:        consensus.Follower,
		votes:        make(map[consensus.NodeID]bool),
		transport:    transport,
		stateMachine: stateMachine,
		storage:      storage,
		applyCh:      make(chan *consensus.LogEntry, 100),
		stepDownCh:   make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}

	r.resetElectionTimer()
	return r
}

// Start begins the Raft protocol: loads persisted state, starts the
// transport, and launches the message/election/apply loops.
func (r *Raft) Start(ctx context.Context) error {
	if err := r.loadState(); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if err := r.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	r.wg.Add(3)
	go r.messageHandler()
	go r.electionHandler()
	go r.applyHandler()

	return nil
}

// Stop gracefully shuts down the Raft instance.
func (r *Raft) Stop() error {
	r.cancel()
	r.wg.Wait()

	if err := r.transport.Stop(); err != nil {
		return fmt.Errorf("failed to stop transport: %w", err)
	}

	return r.saveState()
}

// Propose appends a new entry to the leader's log and replicates it.
func (r *Raft) Propose(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != consensus.Leader {
		return fmt.Errorf("not leader")
	}

	entry := &consensus.LogEntry{
		Index:     consensus.LogIndex(len(r.log) + 1),
		Term:      r.currentTerm,
		Command:   data,
		Timestamp: time.Now(),
		Committed: false,
	}

	r.log = append(r.log, entry)
	r.saveState()
	r.replicateLog()

	return nil
}

func (r *Raft) GetState() consensus.ConsensusState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Raft) GetLeader() consensus.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader
}

func (r *Raft) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == consensus.Leader
}

func (r *Raft) GetTerm() consensus.Term {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTerm
}

func (r *Raft) AddNode(nodeID consensus.NodeID, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.config.Nodes = append(r.config.Nodes, string(nodeID))
	if r.state == consensus.Leader {
		r.nextIndex[nodeID] = consensus.LogIndex(len(r.log) + 1)
		r.matchIndex[nodeID] = 0
	}

	return nil
}

func (r *Raft) RemoveNode(nodeID consensus.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, n := range r.config.Nodes {
		if consensus.NodeID(n) == nodeID {
			r.config.Nodes = append(r.config.Nodes[:i], r.config.Nodes[i+1:]...)
			break
		}
	}
	delete(r.nextIndex, nodeID)
	delete(r.matchIndex, nodeID)
	delete(r.votes, nodeID)

	return nil
}

func (r *Raft) messageHandler() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.transport.Receive():
			r.handleMessage(msg)
		}
	}
}

func (r *Raft) handleMessage(msg *consensus.ConsensusMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Term > r.currentTerm {
		r.currentTerm = msg.Term
		r.votedFor = ""
		r.stepDownLocked()
		r.saveState()
	}

	switch msg.Type {
	case consensus.RequestVoteMsg:
		r.handleRequestVote(msg)
	case consensus.RequestVoteResponseMsg:
		r.handleRequestVoteResponse(msg)
	case consensus.AppendEntriesMsg:
		r.handleAppendEntries(msg)
	case consensus.AppendEntriesResponseMsg:
		r.handleAppendEntriesResponse(msg)
	case consensus.ReplicateBatchMsg:
		r.handleReplicateBatch(msg)
	}
}

// handleReplicateBatch applies every operation in a perfopt.Batcher-coalesced
// replication push to the local state machine outside of the AppendEntries
// log, mirroring bft.PBFT.handleReplicateBatch. This is the
// replicationFactor fast path; a failure here is logged per item and
// otherwise ignored.
func (r *Raft) handleReplicateBatch(msg *consensus.ConsensusMessage) {
	var items [][]byte
	if err := json.Unmarshal(msg.Data, &items); err != nil {
		r.logger.Debug("malformed replication batch", zap.String("from", string(msg.From)), zap.Error(err))
		return
	}
	for _, item := range items {
		entry := &consensus.LogEntry{Command: item}
		if _, err := r.stateMachine.Apply(entry); err != nil {
			r.logger.Debug("batched replicated operation did not apply", zap.String("from", string(msg.From)), zap.Error(err))
		}
	}
}

func (r *Raft) electionHandler() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.electionTimer.C():
			r.startElection()
		case <-r.stepDownCh:
			r.mu.Lock()
			if r.state == consensus.Leader {
				r.state = consensus.Follower
				r.leader = ""
				r.resetElectionTimer()
				if r.heartbeatTimer != nil {
					r.heartbeatTimer.Stop()
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *Raft) applyHandler() {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case entry := <-r.applyCh:
			if _, err := r.stateMachine.Apply(entry); err != nil {
				r.logger.Error("failed to apply entry", zap.Uint64("index", uint64(entry.Index)), zap.Error(err))
			}
			r.mu.Lock()
			r.lastApplied = entry.Index
			r.mu.Unlock()
		case <-ticker.C():
			r.mu.Lock()
			for r.lastApplied < r.commitIndex {
				r.lastApplied++
				if int(r.lastApplied) <= len(r.log) {
					entry := r.log[r.lastApplied-1]
					entry.Committed = true
					select {
					case r.applyCh <- entry:
					default:
					}
				}
			}
			r.mu.Unlock()
		}
	}
}

// startElection transitions to candidate and solicits votes from every peer.
func (r *Raft) startElection() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = consensus.Candidate
	r.currentTerm++
	r.votedFor = r.nodeID
	r.leader = ""
	r.votes = make(map[consensus.NodeID]bool)
	r.votes[r.nodeID] = true
	r.resetElectionTimer()
	r.saveState()

	lastLogIndex := consensus.LogIndex(len(r.log))
	lastLogTerm := consensus.Term(0)
	if len(r.log) > 0 {
		lastLogTerm = r.log[len(r.log)-1].Term
	}

	for _, nodeAddr := range r.config.Nodes {
		nodeID := consensus.NodeID(nodeAddr)
		if nodeID == r.nodeID {
			continue
		}
		go r.sendRequestVote(nodeID, lastLogIndex, lastLogTerm)
	}
}

func (r *Raft) sendRequestVote(nodeID consensus.NodeID, lastLogIndex consensus.LogIndex, lastLogTerm consensus.Term) {
	r.mu.RLock()
	term := r.currentTerm
	r.mu.RUnlock()

	data, err := json.Marshal(RequestVoteRequest{
		Term:         term,
		CandidateID:  r.nodeID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	})
	if err != nil {
		return
	}

	msg := &consensus.ConsensusMessage{
		Type:      consensus.RequestVoteMsg,
		Term:      term,
		From:      r.nodeID,
		To:        nodeID,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(nodeID, msg); err != nil {
		r.logger.Debug("failed to send RequestVote", zap.String("to", string(nodeID)), zap.Error(err))
	}
}

// resetElectionTimer must be called with r.mu held.
func (r *Raft) resetElectionTimer() {
	if r.electionTimer != nil {
		r.electionTimer.Stop()
	}

	span := r.config.ElectionTimeoutMax - r.config.ElectionTimeoutMin
	timeout := r.config.ElectionTimeoutMin
	if span > 0 {
		timeout += time.Duration(rand.Int63n(int64(span)))
	}
	r.electionTimer = r.clock.NewTimer(timeout)
}

func (r *Raft) replicateLog() {
	if r.state != consensus.Leader {
		return
	}

	for nodeID := range r.nextIndex {
		if nodeID == r.nodeID {
			continue
		}
		go r.sendAppendEntries(nodeID)
	}
}

func (r *Raft) sendAppendEntries(nodeID consensus.NodeID) {
	r.mu.RLock()
	nextIndex := r.nextIndex[nodeID]
	prevLogIndex := nextIndex - 1
	prevLogTerm := consensus.Term(0)

	if prevLogIndex > 0 && int(prevLogIndex) <= len(r.log) {
		prevLogTerm = r.log[prevLogIndex-1].Term
	}

	entries := []*consensus.LogEntry{}
	if int(nextIndex) <= len(r.log) {
		entries = r.log[nextIndex-1:]
	}

	data := r.marshalAppendEntries(prevLogIndex, prevLogTerm, entries, r.commitIndex)
	term := r.currentTerm
	r.mu.RUnlock()

	msg := &consensus.ConsensusMessage{
		Type:      consensus.AppendEntriesMsg,
		Term:      term,
		From:      r.nodeID,
		To:        nodeID,
		Data:      data,
		Timestamp: time.Now(),
	}

	if err := r.transport.Send(nodeID, msg); err != nil {
		r.logger.Debug("failed to send AppendEntries", zap.String("to", string(nodeID)), zap.Error(err))
	}
}

// stepDownLocked requires r.mu to already be held by the caller.
func (r *Raft) stepDownLocked() {
	if r.state == consensus.Leader {
		select {
		case r.stepDownCh <- struct{}{}:
		default:
		}
	}
	r.state = consensus.Follower
}

func (r *Raft) loadState() error {
	if r.storage == nil {
		return nil
	}
	var persisted struct {
		CurrentTerm consensus.Term   `json:"current_term"`
		VotedFor    consensus.NodeID `json:"voted_for"`
	}
	if err := r.storage.LoadState(&persisted); err != nil {
		return nil // nothing persisted yet is not an error
	}
	r.currentTerm = persisted.CurrentTerm
	r.votedFor = persisted.VotedFor

	if entries, err := r.storage.LoadLog(1, 0); err == nil {
		r.log = entries
	}
	return nil
}

func (r *Raft) saveState() error {
	if r.storage == nil {
		return nil
	}
	persisted := struct {
		CurrentTerm consensus.Term   `json:"current_term"`
		VotedFor    consensus.NodeID `json:"voted_for"`
	}{r.currentTerm, r.votedFor}
	if err := r.storage.SaveState(persisted); err != nil {
		return err
	}
	return r.storage.SaveLog(r.log)
}
