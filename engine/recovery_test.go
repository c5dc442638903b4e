package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
)

// linearWorkflow builds tasks 1..n with implicit sequential routing.
func linearWorkflow(t *testing.T, n int) *workflow.Workflow {
	t.Helper()
	tasks := make([]*workflow.Task, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, testTask(i, "step"))
	}
	wf, err := workflow.New("linear.wf", []byte("linear"), nil, tasks)
	require.NoError(t, err)
	return wf
}

func testTask(id int, command string) *workflow.Task {
	return &workflow.Task{
		ID:      id,
		Kind:    workflow.BlockSequential,
		Command: command,
		Retry:   workflow.RetryPolicy{MaxAttempts: 1},
		Routing: workflow.Routing{
			Next:      workflow.NoTask,
			OnSuccess: workflow.NoTask,
			OnFailure: workflow.NoTask,
		},
		ContinueAt: workflow.NoTask,
	}
}

func stateAfter(runID string, completed ...int) *workflow.ExecutionState {
	s := workflow.NewExecutionState(runID, nil)
	for i, id := range completed {
		s.Results.Record(&workflow.TaskResult{TaskID: id, Success: true, Attempts: 1})
		next := workflow.NoTask
		via := workflow.ViaTerminal
		if i+1 < len(completed) {
			next, via = completed[i+1], workflow.ViaImplicit
		}
		s.SetRouting(workflow.RoutingDecision{TaskID: id, NextID: next, Via: via})
	}
	return s
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewRecoveryManager(dir, nil)
	identity := IdentityKey("/jobs/rt.wf", nil)

	state := stateAfter("run-7", 1, 2)
	require.NoError(t, m.Save(identity, state.Snapshot(), "fp-abc"))
	require.True(t, m.Exists(identity))

	record := m.Load(identity)
	require.NotNil(t, record)
	assert.Equal(t, "run-7", record.RunID)
	assert.Equal(t, "fp-abc", record.Fingerprint)
	assert.Equal(t, []int{1, 2}, record.Path)
	assert.False(t, record.SavedAt.IsZero())

	m.Clear(identity)
	assert.False(t, m.Exists(identity))
	m.Clear(identity) // clearing twice is harmless
}

func TestLoad_CorruptRecordTreatedAsAbsent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := NewRecoveryManager(dir, nil)
	identity := IdentityKey("/jobs/corrupt.wf", nil)

	require.NoError(t, m.Save(identity, stateAfter("run-1", 1).Snapshot(), "fp"))
	path := filepath.Join(dir, "taskwright-"+identity[:16]+".recovery.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	assert.Nil(t, m.Load(identity))
	assert.False(t, m.Exists(identity))
}

func TestResumePoint_ReplaysPersistedDecision(t *testing.T) {
	t.Parallel()

	wf := linearWorkflow(t, 4)

	// Last completed task routed to 3; resume must pick 3 regardless of
	// any other candidate derivation.
	state := stateAfter("run-1", 1, 2)
	state.SetRouting(workflow.RoutingDecision{TaskID: 2, NextID: 3, Via: workflow.ViaOnSuccess})
	record := &RecoveryRecord{StateSnapshot: *state.Snapshot(), Fingerprint: wf.Fingerprint}

	at, err := ResumePoint(wf, record)
	require.NoError(t, err)
	assert.Equal(t, 3, at)
}

func TestResumePoint_EmptyPathStartsAtFirst(t *testing.T) {
	t.Parallel()

	wf := linearWorkflow(t, 2)
	record := &RecoveryRecord{StateSnapshot: *workflow.NewExecutionState("r", nil).Snapshot()}

	at, err := ResumePoint(wf, record)
	require.NoError(t, err)
	assert.Equal(t, wf.First(), at)
}

func TestResumePoint_TerminalDecisionMeansNothingLeft(t *testing.T) {
	t.Parallel()

	wf := linearWorkflow(t, 2)
	state := stateAfter("run-1", 1, 2) // task 2 recorded as terminal
	record := &RecoveryRecord{StateSnapshot: *state.Snapshot(), Fingerprint: wf.Fingerprint}

	at, err := ResumePoint(wf, record)
	require.NoError(t, err)
	assert.Equal(t, workflow.NoTask, at)
}

func TestResumePoint_MissingDecisionIsDependencyError(t *testing.T) {
	t.Parallel()

	wf := linearWorkflow(t, 2)
	state := workflow.NewExecutionState("run-1", nil)
	state.Results.Record(&workflow.TaskResult{TaskID: 1, Success: true})
	record := &RecoveryRecord{StateSnapshot: *state.Snapshot(), Fingerprint: wf.Fingerprint}

	_, err := ResumePoint(wf, record)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDependency))
}

func TestValidate_FingerprintMismatchRefusesResume(t *testing.T) {
	t.Parallel()

	wf := linearWorkflow(t, 2)
	record := &RecoveryRecord{
		StateSnapshot: *stateAfter("run-1", 1).Snapshot(),
		Fingerprint:   "different-fingerprint",
	}

	err := NewRecoveryManager(t.TempDir(), nil).Validate(record, wf)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRecoveryStale))
}

func TestValidate_UnsatisfiableDataRefRefusesResume(t *testing.T) {
	t.Parallel()

	// 1 -> 2 -> 3, where 3 consumes task 1's stdout.
	t1 := testTask(1, "produce")
	t2 := testTask(2, "middle")
	t3 := testTask(3, "consume @1_stdout@")
	wf, err := workflow.New("dep.wf", []byte("dep"), nil, []*workflow.Task{t1, t2, t3})
	require.NoError(t, err)

	// A record claiming 2 completed but carrying no result for 1: the
	// remaining path (3) references output that no longer exists anywhere.
	state := workflow.NewExecutionState("run-1", nil)
	state.Results.Record(&workflow.TaskResult{TaskID: 2, Success: true})
	state.SetRouting(workflow.RoutingDecision{TaskID: 2, NextID: 3, Via: workflow.ViaImplicit})
	record := &RecoveryRecord{StateSnapshot: *state.Snapshot(), Fingerprint: wf.Fingerprint}

	err = NewRecoveryManager(t.TempDir(), nil).Validate(record, wf)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDependency))

	// With task 1's result restored the same record validates.
	full := workflow.NewExecutionState("run-1", nil)
	full.Results.Record(&workflow.TaskResult{TaskID: 1, Success: true, Stdout: "x"})
	full.Results.Record(&workflow.TaskResult{TaskID: 2, Success: true})
	full.SetRouting(workflow.RoutingDecision{TaskID: 1, NextID: 2, Via: workflow.ViaImplicit})
	full.SetRouting(workflow.RoutingDecision{TaskID: 2, NextID: 3, Via: workflow.ViaImplicit})
	record = &RecoveryRecord{StateSnapshot: *full.Snapshot(), Fingerprint: wf.Fingerprint}
	assert.NoError(t, NewRecoveryManager(t.TempDir(), nil).Validate(record, wf))
}

func TestValidate_CleanRecordAcceptsResume(t *testing.T) {
	t.Parallel()

	wf := linearWorkflow(t, 3)
	state := stateAfter("run-1", 1)
	state.SetRouting(workflow.RoutingDecision{TaskID: 1, NextID: 2, Via: workflow.ViaImplicit})
	record := &RecoveryRecord{StateSnapshot: *state.Snapshot(), Fingerprint: wf.Fingerprint}

	assert.NoError(t, NewRecoveryManager(t.TempDir(), nil).Validate(record, wf))
}
