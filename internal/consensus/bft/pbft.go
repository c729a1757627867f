// Package bft implements Practical Byzantine Fault Tolerance: three-phase
// agreement on ordered proposals, tolerating up to f = floor((n-1)/3)
// Byzantine participants, plus the view-change protocol that replaces a
// suspected leader.
package bft

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/clock"
	"github.com/ruvnet/swarmbft/internal/consensus"
	cerrors "github.com/ruvnet/swarmbft/internal/errors"
)

// pendingResult tracks a caller waiting on StartConsensus for one digest.
type pendingResult struct {
	ch chan consensus.Outcome
}

// PBFT implements the consensus.Engine interface using the three-phase
// pre-prepare/prepare/commit protocol.
type PBFT struct {
	mu     sync.RWMutex
	nodeID consensus.NodeID
	config *consensus.Config
	logger *zap.Logger
	clock  clock.Clock

	view             uint64
	sequenceNum      uint64
	state            consensus.ConsensusState
	leaderPolicy     LeaderPolicy
	candidateMetrics map[consensus.NodeID]CandidateMetrics
	consecutiveTerms map[consensus.NodeID]int

	// Message logs, keyed by digest (pre-prepare/prepare/commit) or by
	// sequence number (checkpoint).
	prePrepareLog map[string]*PrePrepareMessage
	prepareLog    map[string]map[consensus.NodeID]*PrepareMessage
	commitLog     map[string]map[consensus.NodeID]*CommitMessage
	checkpointLog map[uint64]map[consensus.NodeID]*CheckpointMessage

	// digest at (view, seq), needed to detect a claimed leader sending two
	// different pre-prepares for the same slot.
	seqDigestAtView map[uint64]map[uint64]string

	lastStableCheckpoint uint64
	lowWaterMark         uint64
	highWaterMark        uint64

	pending  map[string]*pendingResult // digest -> waiter
	executed map[string]bool           // digest -> already applied to the state machine

	// View-change state.
	viewChangeLog          map[uint64]map[consensus.NodeID]*ViewChangeMessage
	newViewLog             map[uint64]*NewViewMessage
	preparedButUncommitted map[string]*PreparedProof

	transport    consensus.Transport
	stateMachine consensus.StateMachine
	storage      consensus.Storage
	verifier     Verifier
	membership   Membership
	events       EventSink
	threats      ThreatSink

	// pipelineSlots bounds how many StartConsensus rounds may have their
	// phases in flight concurrently. A nil channel means unbounded (the
	// pre-pipelining behaviour): StartConsensus already unlocks p.mu before
	// waiting on its own pendingResult channel, so unrelated sequence
	// numbers were always free to overlap; this only adds the configured
	// cap described by perfopt's pipelineDepth/parallelProcessing knobs.
	pipelineSlots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional collaborators injected at construction, per
// the integration façade's "inject interfaces at construction" pattern.
type Option func(*PBFT)

func WithVerifier(v Verifier) Option     { return func(p *PBFT) { p.verifier = v } }
func WithMembership(m Membership) Option { return func(p *PBFT) { p.membership = m } }
func WithEventSink(e EventSink) Option   { return func(p *PBFT) { p.events = e } }
func WithThreatSink(t ThreatSink) Option { return func(p *PBFT) { p.threats = t } }
func WithClock(c clock.Clock) Option     { return func(p *PBFT) { p.clock = c } }
func WithLeaderPolicy(lp LeaderPolicy) Option {
	return func(p *PBFT) { p.leaderPolicy = lp }
}

// WithPipelining bounds how many proposals this node may drive through
// StartConsensus concurrently. parallel=false serializes to a single
// in-flight proposal at a time (depth 1), matching parallelProcessing's
// spec meaning; parallel=true allows up to depth concurrently in flight,
// each proceeding through its own pre-prepare/prepare/commit phases
// independently of the others.
func WithPipelining(depth int, parallel bool) Option {
	return func(p *PBFT) {
		if !parallel {
			depth = 1
		}
		if depth < 1 {
			depth = 1
		}
		p.pipelineSlots = make(chan struct{}, depth)
	}
}

// NewPBFT creates a PBFT engine for nodeID within the cluster described by
// config.
func NewPBFT(config *consensus.Config, transport consensus.Transport, stateMachine consensus.StateMachine, storage consensus.Storage, logger *zap.Logger, opts ...Option) *PBFT {
	ctx, cancel := context.WithCancel(context.Background())

	nodes := make([]consensus.NodeID, 0, len(config.Nodes))
	for _, n := range config.Nodes {
		nodes = append(nodes, consensus.NodeID(n))
	}

	p := &PBFT{
		nodeID:                 config.NodeID,
		config:                 config,
		logger:                 logger,
		clock:                  clock.New(),
		state:                  consensus.Backup,
		leaderPolicy:           RoundRobin,
		candidateMetrics:       make(map[consensus.NodeID]CandidateMetrics),
		consecutiveTerms:       make(map[consensus.NodeID]int),
		prePrepareLog:          make(map[string]*PrePrepareMessage),
		prepareLog:             make(map[string]map[consensus.NodeID]*PrepareMessage),
		commitLog:              make(map[string]map[consensus.NodeID]*CommitMessage),
		checkpointLog:          make(map[uint64]map[consensus.NodeID]*CheckpointMessage),
		seqDigestAtView:        make(map[uint64]map[uint64]string),
		pending:                make(map[string]*pendingResult),
		executed:               make(map[string]bool),
		viewChangeLog:          make(map[uint64]map[consensus.NodeID]*ViewChangeMessage),
		newViewLog:             make(map[uint64]*NewViewMessage),
		preparedButUncommitted: make(map[string]*PreparedProof),
		transport:              transport,
		stateMachine:           stateMachine,
		storage:                storage,
		membership:             allowAllMembership{nodes: nodes},
		events:                 noopEventSink{},
		threats:                noopThreatSink{},
		ctx:                    ctx,
		cancel:                 cancel,
		highWaterMark:          10000,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.nodeID == p.leader(0) {
		p.state = consensus.Primary
	}

	return p
}

// Start begins message processing.
func (p *PBFT) Start(ctx context.Context) error {
	if err := p.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	p.wg.Add(1)
	go p.messageLoop()

	return nil
}

// Stop gracefully shuts down the engine.
func (p *PBFT) Stop() error {
	p.cancel()
	p.wg.Wait()
	return p.transport.Stop()
}

// leader returns the computed leader for view v. Under round-robin,
// leader(v) = activeAgents_sorted[v mod n]; other policies delegate to
// selectLeaderByPolicy (see viewchange.go).
func (p *PBFT) leader(view uint64) consensus.NodeID {
	active := p.membership.ActiveAgents()
	if len(active) == 0 {
		return ""
	}
	sorted := make([]consensus.NodeID, len(active))
	copy(sorted, active)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if p.leaderPolicy == RoundRobin || p.leaderPolicy == "" {
		return sorted[view%uint64(len(sorted))]
	}
	return p.selectLeaderByPolicy(sorted, view)
}

// StartConsensus submits a proposal and blocks until it commits, aborts, or
// ctx is cancelled. It is the primary consensus entry point: the caller
// must be the current primary, and at least a Byzantine quorum of
// non-malicious agents must be active.
func (p *PBFT) StartConsensus(ctx context.Context, content []byte) (consensus.Outcome, error) {
	if p.pipelineSlots != nil {
		select {
		case p.pipelineSlots <- struct{}{}:
			defer func() { <-p.pipelineSlots }()
		case <-ctx.Done():
			return consensus.Aborted, ctx.Err()
		}
	}

	p.mu.Lock()
	if p.state != consensus.Primary {
		p.mu.Unlock()
		return consensus.Aborted, cerrors.NotLeader(string(p.nodeID))
	}

	active := p.membership.ActiveAgents()
	nonMalicious := 0
	for _, a := range active {
		if !p.membership.IsMalicious(a) {
			nonMalicious++
		}
	}
	quorum := consensus.ByzantineQuorum(len(active))
	if nonMalicious < quorum {
		p.mu.Unlock()
		return consensus.Aborted, cerrors.NoQuorum(nonMalicious, quorum)
	}

	p.sequenceNum++
	seq := p.sequenceNum
	view := p.view

	proposal := &consensus.Proposal{
		ID:         fmt.Sprintf("%s-%d-%d", p.nodeID, view, seq),
		Content:    content,
		ProposerID: p.nodeID,
		Timestamp:  time.Now(),
	}
	proposal.ContentHash = digestProposal(proposal)

	pp := &PrePrepareMessage{
		View:        view,
		SequenceNum: seq,
		Digest:      proposal.ContentHash,
		Proposal:    proposal,
		SenderID:    p.nodeID,
	}
	if p.verifier != nil {
		sig, err := p.verifier.Sign(prePrepareSigningBytes(pp))
		if err != nil {
			p.mu.Unlock()
			return consensus.Aborted, cerrors.Fatal("failed to sign pre-prepare").WithCause(err)
		}
		pp.Signature = sig
	}

	p.prePrepareLog[pp.Digest] = pp
	p.recordSeqDigest(view, seq, pp.Digest)

	wait := &pendingResult{ch: make(chan consensus.Outcome, 1)}
	p.pending[pp.Digest] = wait
	p.mu.Unlock()

	p.broadcastPrePrepare(pp)

	timer := p.clock.NewTimer(p.config.ConsensusTimeout)
	defer timer.Stop()

	select {
	case outcome := <-wait.ch:
		return outcome, nil
	case <-timer.C():
		p.mu.Lock()
		delete(p.pending, pp.Digest)
		p.mu.Unlock()
		p.initiateViewChange("commit-timeout")
		return consensus.Aborted, cerrors.ConsensusTimeout(view, seq)
	case <-ctx.Done():
		return consensus.Aborted, ctx.Err()
	}
}

// Propose implements consensus.Engine for callers that don't need to block
// on the outcome; it drives StartConsensus in the background.
func (p *PBFT) Propose(ctx context.Context, data []byte) error {
	go func() {
		if _, err := p.StartConsensus(context.Background(), data); err != nil {
			p.logger.Warn("background proposal failed", zap.Error(err))
		}
	}()
	return nil
}

func (p *PBFT) GetState() consensus.ConsensusState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *PBFT) GetLeader() consensus.NodeID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leader(p.view)
}

func (p *PBFT) IsLeader() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == consensus.Primary
}

func (p *PBFT) GetTerm() consensus.Term {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return consensus.Term(p.view)
}

func (p *PBFT) AddNode(nodeID consensus.NodeID, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.Nodes = append(p.config.Nodes, string(nodeID))
	return nil
}

func (p *PBFT) RemoveNode(nodeID consensus.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, n := range p.config.Nodes {
		if consensus.NodeID(n) == nodeID {
			p.config.Nodes = append(p.config.Nodes[:i], p.config.Nodes[i+1:]...)
			break
		}
	}
	return nil
}

// messageLoop dispatches inbound transport messages.
func (p *PBFT) messageLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.transport.Receive():
			p.handleMessage(msg)
		}
	}
}

func (p *PBFT) handleMessage(msg *consensus.ConsensusMessage) {
	switch msg.Type {
	case consensus.PrePrepareMsg:
		p.handlePrePrepare(msg)
	case consensus.PrepareMsg:
		p.handlePrepare(msg)
	case consensus.CommitMsg:
		p.handleCommit(msg)
	case consensus.CheckpointMsg:
		p.handleCheckpoint(msg)
	case consensus.ViewChangeMsg:
		p.handleViewChange(msg)
	case consensus.NewViewMsg:
		p.handleNewView(msg)
	case consensus.ReplicateBatchMsg:
		p.handleReplicateBatch(msg)
	}
}

// handleReplicateBatch applies every operation in a perfopt.Batcher-coalesced
// replication push to the local state machine outside of consensus. This is
// the replicationFactor fast path: a sender coalesces its committed
// operations and pushes them to a bounded set of peers ordered by trust
// level, and a failure here (stale data, an operation that already arrived
// through the committed log) is logged per item and otherwise ignored, never
// surfaced back to the sender.
func (p *PBFT) handleReplicateBatch(msg *consensus.ConsensusMessage) {
	var items [][]byte
	if err := json.Unmarshal(msg.Data, &items); err != nil {
		p.logger.Debug("malformed replication batch", zap.String("from", string(msg.From)), zap.Error(err))
		return
	}
	for _, item := range items {
		entry := &consensus.LogEntry{Command: item}
		if _, err := p.stateMachine.Apply(entry); err != nil {
			p.logger.Debug("batched replicated operation did not apply", zap.String("from", string(msg.From)), zap.Error(err))
		}
	}
}

// validateMessage implements the common rejection rules shared by every
// phase handler: unknown sender, quarantined sender, stale view, or
// out-of-window sequence number.
func (p *PBFT) validateMessage(senderID consensus.NodeID, view uint64, seq uint64) error {
	known := false
	for _, a := range p.membership.ActiveAgents() {
		if a == senderID {
			known = true
			break
		}
	}
	if !known {
		return cerrors.UnknownSender(string(senderID))
	}
	if p.membership.IsMalicious(senderID) {
		return cerrors.New(cerrors.AuthError, "SENDER_QUARANTINED", "sender is quarantined")
	}
	if view < p.view {
		return cerrors.New(cerrors.ProtocolError, "STALE_VIEW", "message view is behind current view")
	}
	if seq != 0 && (seq < p.lowWaterMark || seq > p.lowWaterMark+p.highWaterMark) {
		return cerrors.New(cerrors.ProtocolError, "SEQ_OUT_OF_WINDOW", "sequence number outside the active window")
	}
	return nil
}

func (p *PBFT) handlePrePrepare(msg *consensus.ConsensusMessage) {
	var pp PrePrepareMessage
	if err := json.Unmarshal(msg.Data, &pp); err != nil {
		p.logger.Debug("malformed pre-prepare", zap.Error(err))
		return
	}

	p.mu.Lock()

	if err := p.validateMessage(msg.From, pp.View, pp.SequenceNum); err != nil {
		p.logger.Debug("rejecting pre-prepare", zap.Error(err))
		p.mu.Unlock()
		return
	}

	expectedLeader := p.leader(pp.View)
	if msg.From != expectedLeader || pp.SenderID != expectedLeader {
		p.logger.Debug("pre-prepare not from leader", zap.String("from", string(msg.From)), zap.String("leader", string(expectedLeader)))
		p.mu.Unlock()
		return
	}

	if p.verifier != nil && !p.verifier.Verify(pp.SenderID, prePrepareSigningBytes(&pp), pp.Signature) {
		p.logger.Warn("pre-prepare signature invalid", zap.String("sender", string(pp.SenderID)))
		p.mu.Unlock()
		return
	}

	expectedDigest := digestProposal(pp.Proposal)
	if pp.Digest != expectedDigest {
		p.logger.Warn("pre-prepare digest mismatch", zap.String("sender", string(pp.SenderID)))
		p.mu.Unlock()
		return
	}

	// Tie-break: the claimed leader sent two different digests for the same
	// (view, seq) slot.
	if existing, ok := p.seqDigestAtView[pp.View][pp.SequenceNum]; ok && existing != pp.Digest {
		p.threats.ObserveMessage(pp.SenderID, "conflicting-messages", pp.View, pp.SequenceNum, pp.Digest, time.Now())
		p.initiateViewChangeLocked("conflicting-pre-prepare")
		p.mu.Unlock()
		return
	}
	p.recordSeqDigest(pp.View, pp.SequenceNum, pp.Digest)

	p.prePrepareLog[pp.Digest] = &pp

	prepare := &PrepareMessage{
		View:        pp.View,
		SequenceNum: pp.SequenceNum,
		Digest:      pp.Digest,
		NodeID:      p.nodeID,
	}
	if p.verifier != nil {
		if sig, err := p.verifier.Sign(prepareSigningBytes(prepare)); err == nil {
			prepare.Signature = sig
		}
	}

	// Broadcast skips delivery back to the sender, so this backup must seed
	// its own prepare vote directly; otherwise a backup can never reach the
	// 2f threshold using only its peers' prepares when exactly f other
	// backups are silent (same self-delivery gap maybeSendCommitLocked closes for
	// commits, mirrored here for prepares).
	if p.prepareLog[prepare.Digest] == nil {
		p.prepareLog[prepare.Digest] = make(map[consensus.NodeID]*PrepareMessage)
	}
	p.prepareLog[prepare.Digest][p.nodeID] = prepare

	readyDigest, readySeq := p.maybeSendCommitLocked(prepare.Digest, prepare.View, prepare.SequenceNum)

	p.broadcastPrepareLocked(prepare)
	p.mu.Unlock()

	if readyDigest != "" {
		p.executeProposal(readyDigest, readySeq)
	}
}

func (p *PBFT) handlePrepare(msg *consensus.ConsensusMessage) {
	var prep PrepareMessage
	if err := json.Unmarshal(msg.Data, &prep); err != nil {
		return
	}

	p.mu.Lock()

	if err := p.validateMessage(msg.From, prep.View, prep.SequenceNum); err != nil {
		p.mu.Unlock()
		return
	}
	if p.verifier != nil && !p.verifier.Verify(prep.NodeID, prepareSigningBytes(&prep), prep.Signature) {
		p.mu.Unlock()
		return
	}

	if p.prepareLog[prep.Digest] == nil {
		p.prepareLog[prep.Digest] = make(map[consensus.NodeID]*PrepareMessage)
	}
	p.prepareLog[prep.Digest][msg.From] = &prep

	readyDigest, readySeq := p.maybeSendCommitLocked(prep.Digest, prep.View, prep.SequenceNum)
	p.mu.Unlock()

	if readyDigest != "" {
		p.executeProposal(readyDigest, readySeq)
	}
}

func (p *PBFT) markPrepared(pp *PrePrepareMessage) {
	proof := &PreparedProof{PrePrepare: pp, Prepares: make(map[consensus.NodeID]*PrepareMessage)}
	for k, v := range p.prepareLog[pp.Digest] {
		proof.Prepares[k] = v
	}
	p.preparedButUncommitted[pp.Digest] = proof
}

// maybeSendCommitLocked checks prepareLog[digest] against the 2f threshold
// and, the first time it is crossed, builds this node's own commit vote,
// seeds it into commitLog directly (broadcast never delivers back to the
// sender, mirroring raft/replication.go's "count := 1 // self" before
// tallying matchIndex), and broadcasts it. Must be called with p.mu held.
// Returns a non-empty digest when the self-seeded commit immediately
// reaches quorum, signalling the caller to execute after unlocking.
func (p *PBFT) maybeSendCommitLocked(digest string, view, seq uint64) (string, uint64) {
	n := len(p.membership.ActiveAgents())
	f := consensus.FaultTolerance(n)

	if len(p.prepareLog[digest]) < 2*f {
		return "", 0
	}
	pp, exists := p.prePrepareLog[digest]
	if !exists {
		return "", 0
	}
	if _, alreadyCommitted := p.commitLog[digest][p.nodeID]; alreadyCommitted {
		return "", 0
	}
	p.markPrepared(pp)

	commit := &CommitMessage{View: view, SequenceNum: seq, Digest: digest, NodeID: p.nodeID}
	if p.verifier != nil {
		if sig, err := p.verifier.Sign(commitSigningBytes(commit)); err == nil {
			commit.Signature = sig
		}
	}

	if p.commitLog[digest] == nil {
		p.commitLog[digest] = make(map[consensus.NodeID]*CommitMessage)
	}
	p.commitLog[digest][p.nodeID] = commit

	var readyDigest string
	var readySeq uint64
	quorum := consensus.ByzantineQuorum(n)
	if len(p.commitLog[digest]) >= quorum {
		delete(p.preparedButUncommitted, digest)
		readyDigest, readySeq = digest, seq
	}

	p.broadcastCommitLocked(commit)
	return readyDigest, readySeq
}

func (p *PBFT) handleCommit(msg *consensus.ConsensusMessage) {
	var commit CommitMessage
	if err := json.Unmarshal(msg.Data, &commit); err != nil {
		return
	}

	p.mu.Lock()

	if err := p.validateMessage(msg.From, commit.View, commit.SequenceNum); err != nil {
		p.mu.Unlock()
		return
	}
	if p.verifier != nil && !p.verifier.Verify(commit.NodeID, commitSigningBytes(&commit), commit.Signature) {
		p.mu.Unlock()
		return
	}

	if p.commitLog[commit.Digest] == nil {
		p.commitLog[commit.Digest] = make(map[consensus.NodeID]*CommitMessage)
	}
	p.commitLog[commit.Digest][msg.From] = &commit

	n := len(p.membership.ActiveAgents())
	quorum := consensus.ByzantineQuorum(n)

	if len(p.commitLog[commit.Digest]) >= quorum {
		delete(p.preparedButUncommitted, commit.Digest)
		p.mu.Unlock()
		p.executeProposal(commit.Digest, commit.SequenceNum)
		return
	}
	p.mu.Unlock()
}

func (p *PBFT) executeProposal(digest string, seq uint64) {
	p.mu.Lock()
	if p.executed[digest] {
		p.mu.Unlock()
		return
	}
	pp, exists := p.prePrepareLog[digest]
	if !exists {
		p.mu.Unlock()
		return
	}
	p.executed[digest] = true

	entry := &consensus.LogEntry{
		Index:     consensus.LogIndex(seq),
		Term:      consensus.Term(pp.View),
		Command:   pp.Proposal.Content,
		Timestamp: pp.Proposal.Timestamp,
		Committed: true,
	}

	waiter, hasWaiter := p.pending[digest]
	delete(p.pending, digest)

	shouldCheckpoint := p.config.CheckpointInterval > 0 && seq%uint64(p.config.CheckpointInterval) == 0
	p.mu.Unlock()

	if _, err := p.stateMachine.Apply(entry); err != nil {
		p.logger.Error("failed to apply committed entry", zap.Error(err))
	}

	if shouldCheckpoint {
		p.maybeCheckpoint(seq)
	}

	p.events.Emit("consensus-reached", map[string]interface{}{
		"digest": digest, "seq": seq, "node": string(p.nodeID),
	})

	if hasWaiter {
		select {
		case waiter.ch <- consensus.Committed:
		default:
		}
	}
}

func (p *PBFT) maybeCheckpoint(seq uint64) {
	state, err := p.stateMachine.Snapshot()
	if err != nil {
		p.logger.Warn("failed to snapshot for checkpoint", zap.Error(err))
		return
	}
	digest := sha256Hex(state)

	cp := &CheckpointMessage{SequenceNum: seq, Digest: digest, NodeID: p.nodeID}
	if p.verifier != nil {
		if sig, err := p.verifier.Sign(checkpointSigningBytes(cp)); err == nil {
			cp.Signature = sig
		}
	}

	p.mu.Lock()
	if p.checkpointLog[seq] == nil {
		p.checkpointLog[seq] = make(map[consensus.NodeID]*CheckpointMessage)
	}
	p.checkpointLog[seq][p.nodeID] = cp
	p.mu.Unlock()

	p.broadcastCheckpoint(cp)
}

func (p *PBFT) handleCheckpoint(msg *consensus.ConsensusMessage) {
	var cp CheckpointMessage
	if err := json.Unmarshal(msg.Data, &cp); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.verifier != nil && !p.verifier.Verify(cp.NodeID, checkpointSigningBytes(&cp), cp.Signature) {
		return
	}

	if p.checkpointLog[cp.SequenceNum] == nil {
		p.checkpointLog[cp.SequenceNum] = make(map[consensus.NodeID]*CheckpointMessage)
	}
	p.checkpointLog[cp.SequenceNum][msg.From] = &cp

	n := len(p.membership.ActiveAgents())
	quorum := consensus.ByzantineQuorum(n)
	matching := 0
	for _, c := range p.checkpointLog[cp.SequenceNum] {
		if c.Digest == cp.Digest {
			matching++
		}
	}
	if matching >= quorum && cp.SequenceNum > p.lastStableCheckpoint {
		p.stabilizeCheckpoint(cp.SequenceNum)
	}
}

// stabilizeCheckpoint prunes message logs below the new stable checkpoint,
// bounding the otherwise unbounded prePrepareLog/prepareLog/commitLog maps.
func (p *PBFT) stabilizeCheckpoint(seq uint64) {
	p.lastStableCheckpoint = seq
	p.lowWaterMark = seq

	for digest, pp := range p.prePrepareLog {
		if pp.SequenceNum < seq {
			delete(p.prePrepareLog, digest)
			delete(p.prepareLog, digest)
			delete(p.commitLog, digest)
			delete(p.executed, digest)
		}
	}
	for s := range p.checkpointLog {
		if s < seq {
			delete(p.checkpointLog, s)
		}
	}
	p.events.Emit("snapshot-created", map[string]interface{}{"seq": seq})
}

func (p *PBFT) recordSeqDigest(view, seq uint64, digest string) {
	if p.seqDigestAtView[view] == nil {
		p.seqDigestAtView[view] = make(map[uint64]string)
	}
	p.seqDigestAtView[view][seq] = digest
}

// Broadcasting helpers. Locked variants are called with p.mu already held
// and hand the actual transport I/O to a goroutine so the lock is never
// held across a network call.

func (p *PBFT) broadcastPrePrepare(pp *PrePrepareMessage) {
	data, _ := json.Marshal(pp)
	p.transport.Broadcast(&consensus.ConsensusMessage{
		Type: consensus.PrePrepareMsg, Term: consensus.Term(pp.View), From: p.nodeID, Data: data, Timestamp: time.Now(),
	})
}

func (p *PBFT) broadcastPrepareLocked(prep *PrepareMessage) {
	data, _ := json.Marshal(prep)
	go p.transport.Broadcast(&consensus.ConsensusMessage{
		Type: consensus.PrepareMsg, Term: consensus.Term(prep.View), From: p.nodeID, Data: data, Timestamp: time.Now(),
	})
}

func (p *PBFT) broadcastCommitLocked(commit *CommitMessage) {
	data, _ := json.Marshal(commit)
	go p.transport.Broadcast(&consensus.ConsensusMessage{
		Type: consensus.CommitMsg, Term: consensus.Term(commit.View), From: p.nodeID, Data: data, Timestamp: time.Now(),
	})
}

func (p *PBFT) broadcastCheckpoint(cp *CheckpointMessage) {
	data, _ := json.Marshal(cp)
	p.transport.Broadcast(&consensus.ConsensusMessage{
		Type: consensus.CheckpointMsg, From: p.nodeID, Data: data, Timestamp: time.Now(),
	})
}

// Digest and signing-byte helpers. Canonicalization uses a fixed field
// order so two honest nodes always compute the same digest for the same
// logical content.

func digestProposal(proposal *consensus.Proposal) string {
	data, _ := json.Marshal(struct {
		ID         string
		Content    []byte
		ProposerID consensus.NodeID
		Timestamp  time.Time
	}{proposal.ID, proposal.Content, proposal.ProposerID, proposal.Timestamp})
	return sha256Hex(data)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func prePrepareSigningBytes(pp *PrePrepareMessage) []byte {
	data, _ := json.Marshal(struct {
		View, SequenceNum uint64
		Digest            string
	}{pp.View, pp.SequenceNum, pp.Digest})
	return data
}

func prepareSigningBytes(p *PrepareMessage) []byte {
	data, _ := json.Marshal(struct {
		View, SequenceNum uint64
		Digest            string
		NodeID            consensus.NodeID
	}{p.View, p.SequenceNum, p.Digest, p.NodeID})
	return data
}

func commitSigningBytes(c *CommitMessage) []byte {
	data, _ := json.Marshal(struct {
		View, SequenceNum uint64
		Digest            string
		NodeID            consensus.NodeID
	}{c.View, c.SequenceNum, c.Digest, c.NodeID})
	return data
}

func checkpointSigningBytes(c *CheckpointMessage) []byte {
	data, _ := json.Marshal(struct {
		SequenceNum uint64
		Digest      string
		NodeID      consensus.NodeID
	}{c.SequenceNum, c.Digest, c.NodeID})
	return data
}
