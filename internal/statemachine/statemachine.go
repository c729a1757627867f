package statemachine

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/crdt"
	cerrors "github.com/ruvnet/swarmbft/internal/errors"
)

// executeWhitelist enumerates the only functions OpExecute may invoke.
var executeWhitelist = map[string]bool{"increment": true, "append": true, "merge": true}

// executePayload is the JSON shape an OpExecute operation's Value carries:
// which whitelisted function to run and its arguments.
type executePayload struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

// StateMachine is a replicated key/value store implementing
// consensus.StateMachine. It is safe for concurrent use.
type StateMachine struct {
	mu     sync.RWMutex
	logger *zap.Logger

	policy ConflictPolicy
	store  map[string]*versionedEntry

	// trailingOps holds the operations applied since the last Restore (at
	// most maxHistory of them; Snapshot does not clear it). Nothing in this
	// package replays them; TrailingOps hands a copy to the caller.
	trailingOps    []Operation
	maxHistory     int
	lastAppliedIdx consensus.LogIndex

	// appliedIDs and pendingOps implement the dependency-eligibility rule: an
	// operation naming Dependencies is parked until every dependency's ID
	// appears in appliedIDs, then drained the next time any operation
	// applies successfully.
	appliedIDs map[string]bool
	pendingOps map[string]Operation

	// opCounter, proposers, and liveKeys are CRDT-backed introspection
	// state, updated alongside every successfully applied operation so
	// they stay convergent the same way the replicated store itself does:
	// a grow-only tally of operations applied per proposer, the grow-only
	// set of every proposer ever observed, and the observed-remove set of
	// keys currently live (added on create, removed on delete).
	opCounter *crdt.GCounter
	proposers *crdt.GSet
	liveKeys  *crdt.ORSet
}

// New creates a state machine using the given conflict-resolution policy.
func New(policy ConflictPolicy, maxHistory int, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		logger:     logger,
		policy:     policy,
		store:      make(map[string]*versionedEntry),
		maxHistory: maxHistory,
		appliedIDs: make(map[string]bool),
		pendingOps: make(map[string]Operation),
		opCounter:  crdt.NewGCounter(""),
		proposers:  crdt.NewGSet(""),
		liveKeys:   crdt.NewORSet(""),
	}
}

// Apply decodes entry.Command as an Operation and applies it, resolving any
// conflict against the key's current version per the configured policy.
func (sm *StateMachine) Apply(entry *consensus.LogEntry) ([]byte, error) {
	var op Operation
	if err := json.Unmarshal(entry.Command, &op); err != nil {
		return nil, cerrors.Validation("malformed operation").WithCause(err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// An operation whose ID has already been applied is a no-op, so a
	// replicated batch racing the committed log applies each op once.
	if op.ID != "" && sm.appliedIDs[op.ID] {
		return nil, nil
	}

	if !sm.eligibleLocked(op) {
		sm.pendingOps[op.ID] = op
		return nil, nil
	}

	result, err := sm.applyLocked(op)
	if err != nil {
		return nil, err
	}

	sm.recordAppliedLocked(op, entry.Index)
	sm.drainPendingLocked()

	return result, nil
}

// eligibleLocked reports whether every dependency of op has already been
// applied. Operations with no Dependencies are always eligible.
func (sm *StateMachine) eligibleLocked(op Operation) bool {
	for _, dep := range op.Dependencies {
		if !sm.appliedIDs[dep] {
			return false
		}
	}
	return true
}

// recordAppliedLocked marks op as applied and appends it to trailing history.
func (sm *StateMachine) recordAppliedLocked(op Operation, index consensus.LogIndex) {
	sm.appliedIDs[op.ID] = true
	sm.lastAppliedIdx = index
	sm.trailingOps = append(sm.trailingOps, op)
	if sm.maxHistory > 0 && len(sm.trailingOps) > sm.maxHistory {
		sm.trailingOps = sm.trailingOps[len(sm.trailingOps)-sm.maxHistory:]
	}

	sm.opCounter.Update(crdt.Operation{Type: crdt.IncrementOperation, NodeID: op.ProposerID, Value: float64(1)})
	if op.ProposerID != "" {
		sm.proposers.Update(crdt.Operation{Type: crdt.AddOperation, Value: string(op.ProposerID)})
	}
	switch op.Type {
	case OpCreate:
		sm.liveKeys.Update(crdt.Operation{Type: crdt.AddOperation, Value: op.Key, NodeID: op.ProposerID, Timestamp: op.Timestamp})
	case OpDelete:
		sm.liveKeys.Update(crdt.Operation{Type: crdt.RemoveOperation, Value: op.Key})
	}
}

// OperationsApplied returns the grow-only tally of every operation
// successfully applied across every proposer this node has observed.
func (sm *StateMachine) OperationsApplied() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.opCounter.State().(uint64)
}

// KnownProposers returns every proposer ID that has ever had an operation
// applied by this state machine.
func (sm *StateMachine) KnownProposers() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.proposers.State().([]string)
}

// LiveKeys returns every key currently live (created and not since
// deleted), independent of sm.store's own bookkeeping, as a cross-check
// that the observed-remove set and the store agree.
func (sm *StateMachine) LiveKeys() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.liveKeys.State().([]string)
}

// drainPendingLocked repeatedly scans pendingOps for operations whose
// dependencies have all resolved, applying them in a fixed-point loop since
// applying one parked operation can make another eligible.
func (sm *StateMachine) drainPendingLocked() {
	for {
		progressed := false
		for id, op := range sm.pendingOps {
			if !sm.eligibleLocked(op) {
				continue
			}
			delete(sm.pendingOps, id)
			progressed = true
			if _, err := sm.applyLocked(op); err != nil {
				sm.logger.Warn("parked operation failed once its dependencies resolved",
					zap.String("op_id", op.ID), zap.Error(err))
				continue
			}
			sm.recordAppliedLocked(op, sm.lastAppliedIdx)
		}
		if !progressed {
			return
		}
	}
}

func (sm *StateMachine) applyLocked(op Operation) ([]byte, error) {
	switch op.Type {
	case OpExecute:
		return sm.applyExecute(op)
	case OpDelete:
		existing, hasExisting := sm.store[op.Key]
		if !hasExisting || existing.Deleted {
			return nil, cerrors.NotFound(op.Key)
		}
		return sm.applyWrite(op, nil, true)
	case OpCreate:
		if existing, hasExisting := sm.store[op.Key]; hasExisting && !existing.Deleted {
			return nil, cerrors.AlreadyExists(op.Key)
		}
		return sm.applyWrite(op, op.Value, false)
	case OpUpdate:
		existing, hasExisting := sm.store[op.Key]
		if !hasExisting || existing.Deleted {
			return nil, cerrors.NotFound(op.Key)
		}
		value, err := mergeOrReplace(existing.Value, op.Value)
		if err != nil {
			return nil, err
		}
		return sm.applyWrite(op, value, false)
	default:
		return nil, cerrors.Validation(fmt.Sprintf("unknown operation type %q", op.Type))
	}
}

// mergeOrReplace implements update's "merges if value is a map, replaces
// otherwise" rule: a JSON-object incoming value is shallow-merged key by key
// into the existing JSON-object value; anything else replaces wholesale.
func mergeOrReplace(existingValue, incomingValue []byte) ([]byte, error) {
	var incomingMap map[string]json.RawMessage
	if err := json.Unmarshal(incomingValue, &incomingMap); err != nil {
		return incomingValue, nil
	}

	merged := make(map[string]json.RawMessage)
	if len(existingValue) > 0 {
		if err := json.Unmarshal(existingValue, &merged); err != nil {
			return incomingValue, nil
		}
	}
	for k, v := range incomingMap {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, cerrors.Fatal("failed to marshal merged update").WithCause(err)
	}
	return out, nil
}

// applyExecute dispatches an OpExecute operation to one of the whitelisted
// functions; anything outside {increment, append, merge} is rejected.
func (sm *StateMachine) applyExecute(op Operation) ([]byte, error) {
	var payload executePayload
	if err := json.Unmarshal(op.Value, &payload); err != nil {
		return nil, cerrors.Validation("malformed execute payload").WithCause(err)
	}
	if !executeWhitelist[payload.Function] {
		return nil, cerrors.Validation(fmt.Sprintf("execute function %q is not in the allowed whitelist", payload.Function))
	}

	switch payload.Function {
	case "increment":
		return sm.executeIncrement(op, payload.Args)
	case "append":
		return sm.executeAppend(op, payload.Args)
	default: // "merge"
		return sm.executeMerge(op, payload.Args)
	}
}

func (sm *StateMachine) executeIncrement(op Operation, args json.RawMessage) ([]byte, error) {
	value, err := sm.computeIncrement(op.Key, op.ProposerID, args)
	if err != nil {
		return nil, err
	}
	sm.storeExecuteResult(op, value)
	return value, nil
}

func (sm *StateMachine) executeAppend(op Operation, args json.RawMessage) ([]byte, error) {
	value, err := sm.computeAppend(op.Key, args)
	if err != nil {
		return nil, err
	}
	sm.storeExecuteResult(op, value)
	return value, nil
}

func (sm *StateMachine) executeMerge(op Operation, args json.RawMessage) ([]byte, error) {
	value, err := sm.computeMerge(op.Key, args)
	if err != nil {
		return nil, err
	}
	sm.storeExecuteResult(op, value)
	return value, nil
}

// computeIncrement/computeAppend/computeMerge are the pure transforms
// behind each whitelisted execute function, read-only against sm.store.
// Shared by the mutating executeXxx methods and by PreviewExecute, which
// perfopt.Speculator uses to compute a confidence-gated dry-run result
// without applying it.
// computeIncrement performs the add via a fresh crdt.PNCounter seeded from
// the key's current value rather than hand-rolled arithmetic: the current
// value and the requested delta are each folded in as a signed
// increment/decrement update, and the counter's State is the sum. This
// keeps the per-key numeric result identical to plain addition while
// exercising the same merge-safe accumulator the replicationFactor push
// would need if two nodes ever raced to increment the same key.
func (sm *StateMachine) computeIncrement(key string, proposerID consensus.NodeID, args json.RawMessage) ([]byte, error) {
	var params struct {
		By int64 `json:"by"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, cerrors.Validation("malformed increment args").WithCause(err)
		}
	}
	if params.By == 0 {
		params.By = 1
	}

	var current int64
	if entry, ok := sm.store[key]; ok && !entry.Deleted {
		if err := json.Unmarshal(entry.Value, &current); err != nil {
			return nil, cerrors.Validation(fmt.Sprintf("%q does not hold a numeric value", key)).WithCause(err)
		}
	}

	counter := crdt.NewPNCounter(string(proposerID))
	foldSigned(counter, proposerID, current)
	foldSigned(counter, proposerID, params.By)
	result := counter.State().(int64)

	value, err := json.Marshal(result)
	if err != nil {
		return nil, cerrors.Fatal("failed to marshal incremented value").WithCause(err)
	}
	return value, nil
}

// foldSigned applies n to counter as an increment (n >= 0) or a decrement
// (n < 0) update, since crdt.PNCounter's Update only accepts unsigned
// magnitudes per operation type.
func foldSigned(counter *crdt.PNCounter, nodeID consensus.NodeID, n int64) {
	if n >= 0 {
		counter.Update(crdt.Operation{Type: crdt.IncrementOperation, NodeID: nodeID, Value: float64(n)})
		return
	}
	counter.Update(crdt.Operation{Type: crdt.DecrementOperation, NodeID: nodeID, Value: float64(-n)})
}

func (sm *StateMachine) computeAppend(key string, args json.RawMessage) ([]byte, error) {
	var params struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, cerrors.Validation("malformed append args").WithCause(err)
	}

	var list []json.RawMessage
	if entry, ok := sm.store[key]; ok && !entry.Deleted {
		if err := json.Unmarshal(entry.Value, &list); err != nil {
			return nil, cerrors.Validation(fmt.Sprintf("%q does not hold a list value", key)).WithCause(err)
		}
	}
	list = append(list, params.Value)

	value, err := json.Marshal(list)
	if err != nil {
		return nil, cerrors.Fatal("failed to marshal appended list").WithCause(err)
	}
	return value, nil
}

func (sm *StateMachine) computeMerge(key string, args json.RawMessage) ([]byte, error) {
	var params struct {
		Value map[string]json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, cerrors.Validation("malformed merge args").WithCause(err)
	}

	merged := make(map[string]json.RawMessage)
	if entry, ok := sm.store[key]; ok && !entry.Deleted {
		if err := json.Unmarshal(entry.Value, &merged); err != nil {
			return nil, cerrors.Validation(fmt.Sprintf("%q does not hold a map value", key)).WithCause(err)
		}
	}
	for k, v := range params.Value {
		merged[k] = v
	}

	value, err := json.Marshal(merged)
	if err != nil {
		return nil, cerrors.Fatal("failed to marshal merged map").WithCause(err)
	}
	return value, nil
}

// PreviewExecute computes what an OpExecute operation would return without
// applying it, for speculative dry-run ahead of the operation's real
// commit through consensus. Safe to call concurrently with Apply.
func (sm *StateMachine) PreviewExecute(op Operation) ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var payload executePayload
	if err := json.Unmarshal(op.Value, &payload); err != nil {
		return nil, cerrors.Validation("malformed execute payload").WithCause(err)
	}
	if !executeWhitelist[payload.Function] {
		return nil, cerrors.Validation(fmt.Sprintf("execute function %q is not in the allowed whitelist", payload.Function))
	}

	switch payload.Function {
	case "increment":
		return sm.computeIncrement(op.Key, op.ProposerID, payload.Args)
	case "append":
		return sm.computeAppend(op.Key, payload.Args)
	default: // "merge"
		return sm.computeMerge(op.Key, payload.Args)
	}
}

func (sm *StateMachine) storeExecuteResult(op Operation, value []byte) {
	sm.store[op.Key] = &versionedEntry{
		Value:       value,
		ProposerID:  op.ProposerID,
		Timestamp:   op.Timestamp,
		VectorClock: op.VectorClock,
	}
}

func (sm *StateMachine) applyWrite(op Operation, value []byte, deleted bool) ([]byte, error) {
	existing, hasExisting := sm.store[op.Key]

	outcome := sm.classifyConflict(existing, hasExisting, op)

	switch outcome {
	case StaleWrite:
		return nil, cerrors.ConflictLost(op.Key)
	case ConcurrentWrite:
		if !sm.resolveConcurrent(existing, op) {
			return nil, cerrors.ConflictLost(op.Key)
		}
	}

	sm.store[op.Key] = &versionedEntry{
		Value:       value,
		ProposerID:  op.ProposerID,
		Timestamp:   op.Timestamp,
		VectorClock: op.VectorClock,
		Deleted:     deleted,
	}
	return value, nil
}

// classifyConflict implements the conflict-detection matrix: a write with
// no prior entry never conflicts; otherwise the incoming and stored vector
// clocks are compared for causal ordering.
func (sm *StateMachine) classifyConflict(existing *versionedEntry, hasExisting bool, op Operation) ConflictOutcome {
	if !hasExisting || existing.Deleted {
		return NoConflict
	}
	// Only the vector-clock policy tracks causality precisely enough to
	// tell a stale replay from a fresh concurrent write off clockEqual;
	// under the other policies an empty/unused vector clock would
	// otherwise look like a duplicate and reject every legitimate write.
	if sm.policy != VectorClockPolicy {
		return ConcurrentWrite
	}
	switch compareVectorClocks(op.VectorClock, existing.VectorClock) {
	case clockAfter:
		return CausalOverwrite
	case clockBefore, clockEqual:
		return StaleWrite
	default:
		return ConcurrentWrite
	}
}

// resolveConcurrent applies the configured policy to a detected concurrent
// write and reports whether the incoming operation should win.
func (sm *StateMachine) resolveConcurrent(existing *versionedEntry, op Operation) bool {
	switch sm.policy {
	case LastWriterWins:
		return op.Timestamp.After(existing.Timestamp)
	case VectorClockPolicy:
		// Neither clock dominates (we are here precisely because the
		// comparison was concurrent); break the tie deterministically by
		// proposer ID so every replica converges on the same winner.
		return op.ProposerID > existing.ProposerID
	case ConsensusBased:
		// The operation only reaches Apply after committing through PBFT
		// or Raft, so consensus has already arbitrated ordering: the
		// operation that reached quorum later in the committed log wins.
		return true
	default:
		return op.Timestamp.After(existing.Timestamp)
	}
}

// Snapshot serializes the full key/value store.
func (sm *StateMachine) Snapshot() ([]byte, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	data, err := json.Marshal(struct {
		Store          map[string]*versionedEntry `json:"store"`
		LastAppliedIdx consensus.LogIndex         `json:"last_applied_index"`
	}{sm.store, sm.lastAppliedIdx})
	if err != nil {
		return nil, cerrors.Fatal("failed to marshal snapshot").WithCause(err)
	}
	return data, nil
}

// Restore replaces the store with a snapshot and clears trailing-operation
// history, since the snapshot already reflects every operation up to its
// LastAppliedIdx.
func (sm *StateMachine) Restore(snapshot []byte) error {
	var decoded struct {
		Store          map[string]*versionedEntry `json:"store"`
		LastAppliedIdx consensus.LogIndex         `json:"last_applied_index"`
	}
	if err := json.Unmarshal(snapshot, &decoded); err != nil {
		return cerrors.Fatal("failed to unmarshal snapshot").WithCause(err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.store = decoded.Store
	if sm.store == nil {
		sm.store = make(map[string]*versionedEntry)
	}
	sm.lastAppliedIdx = decoded.LastAppliedIdx
	sm.trailingOps = nil
	return nil
}

// Get returns a single key's current value, for callers (such as the
// integration façade) that need the result of an operation they just
// submitted without walking the full state snapshot.
func (sm *StateMachine) Get(key string) ([]byte, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	entry, ok := sm.store[key]
	if !ok || entry.Deleted {
		return nil, false
	}
	return entry.Value, true
}

// GetState returns a point-in-time copy of every live (non-deleted) key.
func (sm *StateMachine) GetState() interface{} {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[string][]byte, len(sm.store))
	for k, v := range sm.store {
		if !v.Deleted {
			out[k] = v.Value
		}
	}
	return out
}

// TrailingOps returns a copy of the operations applied since the last
// Restore (at most maxHistory of them). The state machine never replays
// them itself.
func (sm *StateMachine) TrailingOps() []Operation {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]Operation, len(sm.trailingOps))
	copy(out, sm.trailingOps)
	return out
}

type clockOrder int

const (
	clockEqual clockOrder = iota
	clockBefore
	clockAfter
	clockConcurrent
)

// compareVectorClocks reports the causal relationship of a to b: a is
// clockBefore b if every component of a is <= the corresponding component
// of b and at least one is strictly less (and symmetrically for
// clockAfter); anything else is clockConcurrent.
func compareVectorClocks(a, b crdt.VectorClock) clockOrder {
	aLessSomewhere, aGreaterSomewhere := false, false

	keys := make(map[consensus.NodeID]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	for k := range keys {
		av, bv := a[k], b[k]
		if av < bv {
			aLessSomewhere = true
		} else if av > bv {
			aGreaterSomewhere = true
		}
	}

	switch {
	case !aLessSomewhere && !aGreaterSomewhere:
		return clockEqual
	case aLessSomewhere && !aGreaterSomewhere:
		return clockBefore
	case aGreaterSomewhere && !aLessSomewhere:
		return clockAfter
	default:
		return clockConcurrent
	}
}
