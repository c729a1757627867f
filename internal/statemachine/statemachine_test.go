package statemachine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ruvnet/swarmbft/internal/consensus"
	"github.com/ruvnet/swarmbft/internal/consensus/crdt"
)

func entryFor(t *testing.T, idx consensus.LogIndex, op Operation) *consensus.LogEntry {
	t.Helper()
	data, err := json.Marshal(op)
	require.NoError(t, err)
	return &consensus.LogEntry{Index: idx, Command: data}
}

func TestStateMachine_CreateThenRead(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	op := Operation{Type: OpCreate, Key: "x", Value: []byte("1"), ProposerID: "node-1", Timestamp: time.Now()}
	_, err := sm.Apply(entryFor(t, 1, op))
	require.NoError(t, err)

	state := sm.GetState().(map[string][]byte)
	assert.Equal(t, []byte("1"), state["x"])
}

func TestStateMachine_Delete_RemovesFromState(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpCreate, Key: "x", Value: []byte("1"), Timestamp: time.Now()}))
	require.NoError(t, err)
	_, err = sm.Apply(entryFor(t, 2, Operation{Type: OpDelete, Key: "x", Timestamp: time.Now().Add(time.Second)}))
	require.NoError(t, err)

	state := sm.GetState().(map[string][]byte)
	_, exists := state["x"]
	assert.False(t, exists)
}

func TestStateMachine_LastWriterWins_NewerTimestampWins(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	base := time.Now()
	clockA := crdt.VectorClock{"node-1": 1}
	clockB := crdt.VectorClock{"node-2": 1}

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpCreate, Key: "x", Value: []byte("a"), ProposerID: "node-1", Timestamp: base, VectorClock: clockA}))
	require.NoError(t, err)

	_, err = sm.Apply(entryFor(t, 2, Operation{Type: OpUpdate, Key: "x", Value: []byte("b"), ProposerID: "node-2", Timestamp: base.Add(time.Second), VectorClock: clockB}))
	require.NoError(t, err)

	state := sm.GetState().(map[string][]byte)
	assert.Equal(t, []byte("b"), state["x"], "the later timestamp should win a concurrent write under last-writer-wins")
}

func TestStateMachine_CausalOverwrite_AppliesWithoutConflict(t *testing.T) {
	sm := New(VectorClockPolicy, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpCreate, Key: "x", Value: []byte("a"), ProposerID: "node-1", VectorClock: crdt.VectorClock{"node-1": 1}}))
	require.NoError(t, err)

	_, err = sm.Apply(entryFor(t, 2, Operation{Type: OpUpdate, Key: "x", Value: []byte("b"), ProposerID: "node-1", VectorClock: crdt.VectorClock{"node-1": 2}}))
	require.NoError(t, err)

	state := sm.GetState().(map[string][]byte)
	assert.Equal(t, []byte("b"), state["x"])
}

func TestStateMachine_StaleWrite_IsRejected(t *testing.T) {
	sm := New(VectorClockPolicy, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpCreate, Key: "x", Value: []byte("a"), ProposerID: "node-1", VectorClock: crdt.VectorClock{"node-1": 2}}))
	require.NoError(t, err)

	_, err = sm.Apply(entryFor(t, 2, Operation{Type: OpUpdate, Key: "x", Value: []byte("stale"), ProposerID: "node-1", VectorClock: crdt.VectorClock{"node-1": 1}}))
	require.Error(t, err, "a dominated vector clock should be rejected as a stale replay")
}

func TestStateMachine_SnapshotRestore_RoundTrips(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))
	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpCreate, Key: "x", Value: []byte("1"), Timestamp: time.Now()}))
	require.NoError(t, err)

	snap, err := sm.Snapshot()
	require.NoError(t, err)

	restored := New(LastWriterWins, 1000, zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(snap))

	state := restored.GetState().(map[string][]byte)
	assert.Equal(t, []byte("1"), state["x"])
	assert.Empty(t, restored.TrailingOps())
}

func TestStateMachine_Create_FailsIfTargetExists(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpCreate, Key: "x", Value: []byte("1"), Timestamp: time.Now()}))
	require.NoError(t, err)

	_, err = sm.Apply(entryFor(t, 2, Operation{Type: OpCreate, Key: "x", Value: []byte("2"), Timestamp: time.Now()}))
	require.Error(t, err, "create on an existing key must fail instead of silently overwriting")
}

func TestStateMachine_Update_FailsIfTargetMissing(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpUpdate, Key: "missing", Value: []byte("1"), Timestamp: time.Now()}))
	require.Error(t, err, "update on a missing key must fail instead of silently creating")
}

func TestStateMachine_Delete_FailsIfTargetMissing(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpDelete, Key: "missing", Timestamp: time.Now()}))
	require.Error(t, err, "delete on a missing key must fail instead of silently succeeding")
}

func TestStateMachine_Update_MergesMapValues(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpCreate, Key: "x", Value: []byte(`{"a":1}`), Timestamp: time.Now()}))
	require.NoError(t, err)

	_, err = sm.Apply(entryFor(t, 2, Operation{Type: OpUpdate, Key: "x", Value: []byte(`{"b":2}`), Timestamp: time.Now().Add(time.Second)}))
	require.NoError(t, err)

	state := sm.GetState().(map[string][]byte)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(state["x"]))
}

func TestStateMachine_Execute_Increment(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	result, err := sm.Apply(entryFor(t, 1, Operation{Type: OpExecute, Key: "counter", Value: []byte(`{"function":"increment","args":{"by":5}}`)}))
	require.NoError(t, err)
	assert.Equal(t, "5", string(result))

	result, err = sm.Apply(entryFor(t, 2, Operation{Type: OpExecute, Key: "counter", Value: []byte(`{"function":"increment","args":{"by":3}}`)}))
	require.NoError(t, err)
	assert.Equal(t, "8", string(result))
}

func TestStateMachine_Execute_Append(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpExecute, Key: "list", Value: []byte(`{"function":"append","args":{"value":"a"}}`)}))
	require.NoError(t, err)
	result, err := sm.Apply(entryFor(t, 2, Operation{Type: OpExecute, Key: "list", Value: []byte(`{"function":"append","args":{"value":"b"}}`)}))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(result))
}

func TestStateMachine_Execute_Merge(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpExecute, Key: "obj", Value: []byte(`{"function":"merge","args":{"value":{"a":1}}}`)}))
	require.NoError(t, err)
	result, err := sm.Apply(entryFor(t, 2, Operation{Type: OpExecute, Key: "obj", Value: []byte(`{"function":"merge","args":{"value":{"b":2}}}`)}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(result))
}

func TestStateMachine_Execute_RejectsNonWhitelistedFunction(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))

	_, err := sm.Apply(entryFor(t, 1, Operation{Type: OpExecute, Key: "x", Value: []byte(`{"function":"delete-everything"}`)}))
	require.Error(t, err, "a function outside {increment, append, merge} must be rejected")
}

func TestStateMachine_DependentOperation_ParksUntilDependencyApplies(t *testing.T) {
	sm := New(LastWriterWins, 1000, zaptest.NewLogger(t))
	base := time.Now()

	// The dependent op arrives first and must be parked rather than applied.
	result, err := sm.Apply(entryFor(t, 1, Operation{ID: "op-2", Type: OpUpdate, Key: "x", Value: []byte("2"), Timestamp: base.Add(time.Second), Dependencies: []string{"op-1"}}))
	require.NoError(t, err)
	assert.Nil(t, result)
	_, exists := sm.Get("x")
	assert.False(t, exists, "a parked operation must not be applied before its dependency resolves")

	// Once the dependency applies, the parked operation should drain
	// automatically in the same Apply call.
	_, err = sm.Apply(entryFor(t, 2, Operation{ID: "op-1", Type: OpCreate, Key: "x", Value: []byte("1"), Timestamp: base}))
	require.NoError(t, err)

	value, exists := sm.Get("x")
	require.True(t, exists)
	assert.Equal(t, []byte("2"), value, "the parked update should have drained after its dependency applied")
}

func TestCompareVectorClocks(t *testing.T) {
	assert.Equal(t, clockEqual, compareVectorClocks(crdt.VectorClock{"a": 1}, crdt.VectorClock{"a": 1}))
	assert.Equal(t, clockBefore, compareVectorClocks(crdt.VectorClock{"a": 1}, crdt.VectorClock{"a": 2}))
	assert.Equal(t, clockAfter, compareVectorClocks(crdt.VectorClock{"a": 2}, crdt.VectorClock{"a": 1}))
	assert.Equal(t, clockConcurrent, compareVectorClocks(crdt.VectorClock{"a": 2}, crdt.VectorClock{"b": 1}))
}
