package facade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/clock"
	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/bft"
	"github.com/ruvnet/swarmbft/internal/consensus/raft"
	"github.com/ruvnet/swarmbft/internal/detector"
	cerrors "github.com/ruvnet/swarmbft/internal/errors"
	"github.com/ruvnet/swarmbft/internal/events"
	"github.com/ruvnet/swarmbft/internal/perfopt"
	"github.com/ruvnet/swarmbft/internal/security"
	"github.com/ruvnet/swarmbft/internal/statemachine"
	"github.com/ruvnet/swarmbft/internal/voting"
	"github.com/ruvnet/swarmbft/pkg/metrics"
)

// Config assembles every collaborator a Substrate owns. Transport and
// Storage are supplied by the caller (in-memory for tests, RPC or
// WebSocket in production) since the substrate never defines its own
// wire layer.
type Config struct {
	Engine           Engine
	ConsensusConfig  *consensus.Config
	Transport        consensus.Transport
	Storage          consensus.Storage
	SecurityConfig   security.Config
	DetectorConfig   detector.Config
	EventsConfig     events.Config
	PerfOptConfig    perfopt.Config
	// NATSURL, if non-empty, makes the Substrate relay every well-known
	// audit event onto a NATS subject for external consumers. Left empty,
	// the event bus stays purely in-process.
	NATSURL     string
	NATSSubject string
	ConflictPolicy   statemachine.ConflictPolicy
	MaxOperationHistory int
	Clock            clock.Clock
	// Metrics is optional; when nil no Prometheus series are recorded.
	Metrics *metrics.Metrics
}

// Substrate wires the security manager, one consensus engine, the
// voting registry, the state machine, the detector, and the event bus
// together and exposes the integration operations named by the spec:
// registerConsensusAgent, startSecureByzantineConsensus,
// startSecureVoting, castSecureVote, executeSecureStateOperation.
type Substrate struct {
	logger *zap.Logger
	clock  clock.Clock

	security *security.Manager
	detector *detector.Detector
	bus      *events.Bus
	voting   *voting.Registry
	state    *statemachine.StateMachine
	engine   consensus.Engine
	metrics  *metrics.Metrics

	transport         consensus.Transport
	localNode         consensus.NodeID
	replicationFactor int

	cache      *perfopt.MessageCache
	speculator *perfopt.Speculator
	batcher    *perfopt.Batcher
	adaptive   *perfopt.AdaptiveController
	batchWG    sync.WaitGroup

	natsRelay *events.NATSRelay
}

// New constructs a Substrate. engineNodes lists every participant's
// NodeID for the detector's initial roster (agents registered later via
// RegisterConsensusAgent are added lazily on first observation).
func New(cfg Config, engineNodes []consensus.NodeID, logger *zap.Logger) (*Substrate, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	secMgr, err := security.New(cfg.SecurityConfig, logger.Named("security"))
	if err != nil {
		return nil, fmt.Errorf("facade: constructing security manager: %w", err)
	}

	det := detector.New(cfg.DetectorConfig, engineNodes, logger.Named("detector"), clk)
	bus := events.New(cfg.EventsConfig, logger.Named("events"), clk)
	vreg := voting.New(logger.Named("voting"), clk)

	maxHistory := cfg.MaxOperationHistory
	if maxHistory <= 0 {
		maxHistory = 10_000
	}
	sm := statemachine.New(cfg.ConflictPolicy, maxHistory, logger.Named("statemachine"))

	perfCfg := cfg.PerfOptConfig
	perfDefaults := perfopt.DefaultConfig()
	if perfCfg.CacheSize <= 0 {
		perfCfg.CacheSize = perfDefaults.CacheSize
	}
	if perfCfg.BatchSize <= 0 {
		perfCfg.BatchSize = perfDefaults.BatchSize
	}
	if perfCfg.BatchTimeout <= 0 {
		perfCfg.BatchTimeout = perfDefaults.BatchTimeout
	}
	cache, err := perfopt.NewMessageCache(perfCfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("facade: constructing message cache: %w", err)
	}
	speculator := perfopt.NewSpeculator(perfCfg, logger.Named("perfopt"))
	batcher := perfopt.NewBatcher(perfCfg, logger.Named("perfopt"), clk)
	adaptive := perfopt.NewAdaptiveController(perfCfg, logger.Named("perfopt"))
	batcher.UseAdaptive(adaptive)

	var natsRelay *events.NATSRelay
	if cfg.NATSURL != "" {
		subject := cfg.NATSSubject
		if subject == "" {
			subject = "swarmbft.events"
		}
		natsRelay, err = events.NewNATSRelay(cfg.NATSURL, subject, logger)
		if err != nil {
			return nil, fmt.Errorf("facade: constructing NATS relay: %w", err)
		}
		if err := natsRelay.Forward(bus,
			"consensus-reached", "view-change-started", "leader-elected", "view-changed", "snapshot-created",
			"agent_registered", "consensus-requested", "voting-started", "vote-cast", "state-operation-executed",
		); err != nil {
			return nil, fmt.Errorf("facade: wiring NATS relay: %w", err)
		}
	}

	var engine consensus.Engine
	switch cfg.Engine {
	case EngineRaft:
		engine = raft.NewRaft(cfg.ConsensusConfig, cfg.Transport, sm, cfg.Storage, logger.Named("raft"))
	default:
		engine = bft.NewPBFT(cfg.ConsensusConfig, cfg.Transport, sm, cfg.Storage, logger.Named("bft"),
			bft.WithVerifier(secMgr),
			bft.WithMembership(det),
			bft.WithEventSink(bus),
			bft.WithThreatSink(det),
			bft.WithClock(clk),
			bft.WithPipelining(perfCfg.PipelineDepth, perfCfg.ParallelProcessing),
		)
	}

	return &Substrate{
		logger:            logger,
		clock:             clk,
		security:          secMgr,
		detector:          det,
		bus:               bus,
		voting:            vreg,
		state:             sm,
		engine:            engine,
		metrics:           cfg.Metrics,
		transport:         cfg.Transport,
		localNode:         cfg.ConsensusConfig.NodeID,
		replicationFactor: cfg.ConsensusConfig.ReplicationFactor,
		cache:             cache,
		speculator:        speculator,
		batcher:           batcher,
		adaptive:          adaptive,
		natsRelay:         natsRelay,
	}, nil
}

// Start starts the underlying consensus engine's message loop and the
// replication batcher's flush consumer.
func (s *Substrate) Start(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.batchWG.Add(1)
	go s.drainReplicationBatches()
	return nil
}

// Stop halts the underlying consensus engine, the replication batcher, the
// NATS relay (if configured), and the event bus.
func (s *Substrate) Stop() error {
	defer s.bus.Close()
	if s.natsRelay != nil {
		defer s.natsRelay.Close()
	}
	s.batcher.Stop()
	s.batchWG.Wait()
	return s.engine.Stop()
}

// drainReplicationBatches forwards every flushed perfopt.Batch to the
// trust-ordered replicationFactor peer set as a single ReplicateBatchMsg,
// until the batcher is stopped and its output channel drains and closes.
func (s *Substrate) drainReplicationBatches() {
	defer s.batchWG.Done()
	for batch := range s.batcher.Batches() {
		s.sendReplicationBatch(batch)
	}
}

func (s *Substrate) sendReplicationBatch(batch perfopt.Batch) {
	if s.replicationFactor <= 0 || s.transport == nil || len(batch.Items) == 0 {
		return
	}
	data, err := json.Marshal(batch.Items)
	if err != nil {
		s.logger.Warn("failed to marshal replication batch", zap.Error(err))
		return
	}

	sent := 0
	for _, identity := range s.security.Identities() {
		if sent >= s.replicationFactor {
			break
		}
		target := consensus.NodeID(identity.AgentID)
		if target == s.localNode {
			continue
		}

		msg := &consensus.ConsensusMessage{
			Type:      consensus.ReplicateBatchMsg,
			From:      s.localNode,
			To:        target,
			Data:      data,
			Timestamp: s.clock.Now(),
		}
		if err := s.transport.Send(target, msg); err != nil {
			s.logger.Warn("replication batch push failed", zap.String("target", string(target)), zap.Error(err))
			continue
		}
		sent++
	}
}

// Events exposes the shared bus so callers can subscribe to audit
// events (agent_registered, consensus-reached, vote-cast, ...).
func (s *Substrate) Events() *events.Bus { return s.bus }

// registerConsensusAgent: identity lookup (register-if-absent) →
// establish a secure session at the agent's granted trust level →
// audit event emission.
func (s *Substrate) RegisterConsensusAgent(agentID, agentType string, certs security.Certificates) (*AgentRegistration, error) {
	var identity *security.AgentIdentity
	if existing, ok := s.security.Identity(agentID); ok {
		identity = &existing
	} else {
		registered, err := s.security.RegisterAgent(agentID, agentType, certs)
		if err != nil {
			return nil, err
		}
		identity = registered
	}

	peerKey, err := ephemeralExchangeKey()
	if err != nil {
		return nil, err
	}
	session, err := s.security.EstablishSession(agentID, peerKey, identity.Capabilities)
	if err != nil {
		return nil, err
	}

	s.bus.Emit("agent_registered", auditDetail{
		Operation: "registerConsensusAgent",
		AgentID:   agentID,
		At:        s.clock.Now(),
	}.toPayload(map[string]interface{}{
		"agent_type":  agentType,
		"trust_level": string(identity.TrustLevel),
		"session_id":  session.SessionID,
	}))

	return &AgentRegistration{Identity: identity, Session: session}, nil
}

// startSecureByzantineConsensus: identity lookup → capability
// authorisation ("execute") → detector observation of the client-facing
// request (distinct from the engine's own replica-to-replica traffic,
// which is already wired via WithThreatSink) → underlying consensus
// call → audit event emission.
func (s *Substrate) StartSecureByzantineConsensus(ctx context.Context, requesterID string, content []byte) (consensus.Outcome, error) {
	identity, ok := s.security.Identity(requesterID)
	if !ok {
		return consensus.Aborted, cerrors.UnknownSender(requesterID)
	}
	if !identity.TrustLevel.Permits("execute") {
		return consensus.Aborted, cerrors.CapabilityDenied(requesterID, "execute")
	}

	digest := contentDigest(content)
	s.detector.ObserveMessage(consensus.NodeID(requesterID), "client-request", 0, 0, digest, s.clock.Now())

	if cached, hit := s.cache.Lookup(digest); hit {
		outcome := consensus.Committed
		if len(cached) != 1 || cached[0] != byte(outcome) {
			outcome = consensus.Aborted
		}
		return outcome, nil
	}

	pbftEngine, ok := s.engine.(*bft.PBFT)
	if !ok {
		return consensus.Aborted, cerrors.Validation("startSecureByzantineConsensus requires a PBFT-backed substrate")
	}

	started := s.clock.Now()
	outcome, err := pbftEngine.StartConsensus(ctx, content)
	if err == nil {
		s.cache.Store(digest, []byte{byte(outcome)})
	}
	elapsed := s.clock.Now().Sub(started)
	if s.metrics != nil {
		if outcome == consensus.Committed {
			s.metrics.RecordCommit(elapsed)
		} else {
			s.metrics.RecordAbort(outcome.String(), elapsed)
		}
	}
	if elapsed > 0 {
		// Single-call inverse latency as an instantaneous throughput proxy;
		// the adaptive controller only needs a directional signal, not a
		// windowed rate.
		s.adaptive.Observe(elapsed.Nanoseconds(), float64(1)/elapsed.Seconds())
	}

	s.bus.Emit("consensus-requested", auditDetail{
		Operation: "startSecureByzantineConsensus",
		AgentID:   requesterID,
		At:        s.clock.Now(),
	}.toPayload(map[string]interface{}{
		"digest":  digest,
		"outcome": outcome.String(),
	}))

	return outcome, err
}

// startSecureVoting: identity lookup → capability authorisation
// ("execute") → voting registry proposal creation → audit event
// emission.
func (s *Substrate) StartSecureVoting(proposerID string, p *voting.Proposal) error {
	identity, ok := s.security.Identity(proposerID)
	if !ok {
		return cerrors.UnknownSender(proposerID)
	}
	if !identity.TrustLevel.Permits("execute") {
		return cerrors.CapabilityDenied(proposerID, "execute")
	}

	p.ProposerID = voting.VoterID(proposerID)
	if err := s.voting.CreateProposal(p); err != nil {
		return err
	}

	s.bus.Emit("voting-started", auditDetail{
		Operation: "startSecureVoting",
		AgentID:   proposerID,
		At:        s.clock.Now(),
	}.toPayload(map[string]interface{}{"proposal_id": p.ID, "rule": string(p.Rule)}))

	return nil
}

// castSecureVote: identity lookup → capability authorisation ("read",
// the minimum standing required to participate at all) → underlying
// vote cast → detector observation → audit event emission.
func (s *Substrate) CastSecureVote(voterID string, proposalID string, decision voting.Decision, strength int) error {
	identity, ok := s.security.Identity(voterID)
	if !ok {
		return cerrors.UnknownSender(voterID)
	}
	if !identity.TrustLevel.Permits("read") {
		return cerrors.CapabilityDenied(voterID, "read")
	}
	if s.detector.IsMalicious(consensus.NodeID(voterID)) {
		return cerrors.CapabilityDenied(voterID, "vote (quarantined)")
	}

	if err := s.voting.CastVote(proposalID, voting.VoterID(voterID), decision, strength); err != nil {
		return err
	}

	now := s.clock.Now()
	s.detector.ObserveVote(consensus.NodeID(voterID), proposalID, string(decision), float64(strength), now)

	if s.metrics != nil {
		s.metrics.SetAgentReputation(voterID, s.detector.Reputation(consensus.NodeID(voterID)))
	}

	s.bus.Emit("vote-cast", auditDetail{
		Operation: "castSecureVote",
		AgentID:   voterID,
		At:        now,
	}.toPayload(map[string]interface{}{"proposal_id": proposalID, "decision": string(decision)}))

	return nil
}

// executeSecureStateOperation: identity lookup → capability
// authorisation (the operation's kind maps to a required capability) →
// payload signing (the payload is signed but not encrypted, whatever the
// security manager's encryption policy) → detector observation →
// submission through the underlying consensus engine, whose committed
// entries the state machine applies → audit event emission.
func (s *Substrate) ExecuteSecureStateOperation(ctx context.Context, executorID string, op statemachine.Operation) ([]byte, error) {
	identity, ok := s.security.Identity(executorID)
	if !ok {
		return nil, cerrors.UnknownSender(executorID)
	}
	if !identity.TrustLevel.Permits(capabilityFor(op.Type)) {
		return nil, cerrors.CapabilityDenied(executorID, capabilityFor(op.Type))
	}

	op.ProposerID = consensus.NodeID(executorID)
	content, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("facade: marshaling state operation: %w", err)
	}

	signature, err := s.security.Sign(content)
	if err != nil {
		return nil, fmt.Errorf("facade: signing state operation: %w", err)
	}

	digest := contentDigest(content)
	now := s.clock.Now()
	s.detector.ObserveMessage(consensus.NodeID(executorID), "state-operation", 0, 0, digest, now)

	// Speculation: a dry-run preview of an OpExecute's result ahead of its
	// real commit, gated on the executor's reputation clearing the
	// configured confidence threshold. Never returned to the caller —
	// only used to warm the log/metrics path with a latency estimate —
	// since the state machine has no rollback for a wrongly-speculated
	// write, only a read-only preview is safe to run ahead of commit.
	if op.Type == statemachine.OpExecute {
		confidence := s.detector.Reputation(consensus.NodeID(executorID))
		if spec, ran, err := s.speculator.Execute(op.ID, confidence, func() ([]byte, error) {
			return s.state.PreviewExecute(op)
		}); ran && err == nil {
			s.logger.Debug("speculative execute preview computed",
				zap.String("op_id", op.ID), zap.Float64("confidence", confidence), zap.Int("preview_bytes", len(spec.Result)))
		}
	}

	switch engine := s.engine.(type) {
	case *bft.PBFT:
		outcome, err := engine.StartConsensus(ctx, content)
		if err != nil {
			s.speculator.Rollback(op.ID)
			return nil, err
		}
		if outcome != consensus.Committed {
			s.speculator.Rollback(op.ID)
			return nil, cerrors.Validation(fmt.Sprintf("state operation %s was aborted", op.ID))
		}
	default:
		// Raft's Propose is fire-and-forget; the caller observes the
		// applied value (if any) via State().Get once replication and
		// apply catch up, the same as any other Raft follower would.
		if err := s.engine.Propose(ctx, content); err != nil {
			s.speculator.Rollback(op.ID)
			return nil, err
		}
	}

	s.detector.ObserveMessage(consensus.NodeID(executorID), "state-operation", 0, 0, digest, now)

	// Get reflects whatever is in the store after commit for every op kind,
	// including OpExecute: storeExecuteResult writes the transform's output
	// under op.Key the same way applyWrite does for create/update. A delete
	// simply finds nothing there any more.
	result, _ := s.state.Get(op.Key)

	if op.Type == statemachine.OpExecute {
		if _, ran := s.speculator.Pending(op.ID); ran {
			s.speculator.Commit(op.ID)
		}
	}

	s.pushReplicas(content, digest)

	s.bus.Emit("state-operation-executed", auditDetail{
		Operation: "executeSecureStateOperation",
		AgentID:   executorID,
		At:        now,
	}.toPayload(map[string]interface{}{
		"operation_id": op.ID,
		"kind":         string(op.Type),
		"digest":       digest,
		"signature":    signature,
	}))

	return result, nil
}

// pushReplicas implements spec §4.4's replication facility: the committed
// operation is queued with the batcher for a coalesced push to up to
// replicationFactor peers ordered by trust level, outside of the consensus
// engine's own replication. Queuing never blocks the local apply; a push
// failure surfaces later, from drainReplicationBatches, and is only logged.
func (s *Substrate) pushReplicas(content []byte, digest string) {
	if s.replicationFactor <= 0 || s.transport == nil {
		return
	}
	s.batcher.Submit(consensus.Proposal{
		ID:          digest,
		Content:     content,
		ProposerID:  s.localNode,
		Timestamp:   s.clock.Now(),
		ContentHash: digest,
	})
}

// State exposes the underlying state machine for read-only queries
// (GetState, Snapshot) that do not need to flow through consensus.
func (s *Substrate) State() *statemachine.StateMachine { return s.state }

// Voting exposes the voting registry for finalisation and anomaly
// queries once all expected votes are in.
func (s *Substrate) Voting() *voting.Registry { return s.voting }

// Detector exposes the malicious-behaviour detector for reputation and
// quarantine queries.
func (s *Substrate) Detector() *detector.Detector { return s.detector }

func capabilityFor(kind statemachine.OpType) string {
	switch kind {
	case statemachine.OpCreate, statemachine.OpUpdate, statemachine.OpDelete:
		return "execute"
	default:
		return "query"
	}
}

func contentDigest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
