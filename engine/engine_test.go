package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
)

// ---------------------------------------------------------------------------
// End-to-end runs against real shell processes
// ---------------------------------------------------------------------------

func shTask(id int, script string) *workflow.Task {
	t := testTask(id, "sh")
	t.Arguments = fmt.Sprintf("-c %q", script)
	return t
}

func e2eWorkflow(t *testing.T, source string, tasks ...*workflow.Task) *workflow.Workflow {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2e.wf")
	wf, err := workflow.New(path, []byte(source), nil, tasks)
	require.NoError(t, err)
	return wf
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	stateDir := t.TempDir()
	eng := New(Options{
		MaxWorkers:     4,
		RetryPoll:      time.Millisecond,
		TerminateGrace: time.Second,
		InterruptGrace: 500 * time.Millisecond,
		StateDir:       stateDir,
		TempDir:        t.TempDir(),
	})
	return eng, stateDir
}

func TestEngine_SuccessfulRun(t *testing.T) {
	t.Parallel()

	eng, stateDir := newTestEngine(t)
	wf := e2eWorkflow(t, "v1",
		shTask(1, "echo hello"),
		shTask(2, "true"),
	)

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.True(t, report.Succeeded)
	assert.Equal(t, types.ExitSuccess, report.ExitCode)
	assert.Equal(t, 2, report.TasksRun)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Resumed)

	// Success leaves nothing behind: no recovery record, no lock.
	recovery := NewRecoveryManager(stateDir, nil)
	assert.False(t, recovery.Exists(IdentityKey(wf.Path, wf.Globals)))
	locks := NewLockManager(stateDir, nil)
	assert.NoError(t, locks.Acquire(IdentityKey(wf.Path, wf.Globals), "probe"))
	locks.Release()
}

func TestEngine_FailureSavesRecoveryRecord(t *testing.T) {
	t.Parallel()

	eng, stateDir := newTestEngine(t)
	flag := filepath.Join(t.TempDir(), "ready.flag")
	wf := e2eWorkflow(t, "v1",
		shTask(1, "echo setup"),
		shTask(2, "test -f "+flag),
		shTask(3, "echo done"),
	)

	report, err := eng.Run(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrExecution))
	assert.Equal(t, types.ExitTaskFailure, report.ExitCode)
	assert.False(t, report.Succeeded)
	assert.Equal(t, 2, report.TasksRun, "the failing task still records a result")

	recovery := NewRecoveryManager(stateDir, nil)
	record := recovery.Load(IdentityKey(wf.Path, wf.Globals))
	require.NotNil(t, record)
	assert.Equal(t, []int{1, 2}, record.Path)
}

func TestEngine_ResumeReattemptsFailedTask(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	flag := filepath.Join(t.TempDir(), "ready.flag")
	wf := e2eWorkflow(t, "v1",
		shTask(1, "echo setup"),
		shTask(2, "test -f "+flag),
		shTask(3, "echo done"),
	)

	_, err := eng.Run(context.Background(), wf)
	require.Error(t, err)

	// The operator fixes the environment and resumes.
	require.NoError(t, os.WriteFile(flag, []byte("ok"), 0o644))

	report, err := eng.Resume(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	assert.True(t, report.Resumed)
	assert.Equal(t, 2, report.TasksRun, "tasks 2 and 3 run, task 1 does not")

	// A finished resume clears the record; a second resume has nothing left.
	_, err = eng.Resume(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRecoveryStale))
}

func TestEngine_ResumeWithoutRecord(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	wf := e2eWorkflow(t, "v1", shTask(1, "true"))

	report, err := eng.Resume(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRecoveryStale))
	assert.Equal(t, types.ExitRecoveryStale, report.ExitCode)
}

func TestEngine_ResumeRefusesChangedTaskFile(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "drift.wf")
	tasks := []*workflow.Task{shTask(1, "true"), shTask(2, "false")}
	wf, err := workflow.New(path, []byte("v1"), nil, tasks)
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), wf)
	require.Error(t, err)

	// Same path, edited content: the fingerprint no longer matches.
	edited, err := workflow.New(path, []byte("v2"), nil, tasks)
	require.NoError(t, err)

	report, err := eng.Resume(context.Background(), edited)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRecoveryStale))
	assert.Equal(t, types.ExitRecoveryStale, report.ExitCode)
}

func TestEngine_LockConflict(t *testing.T) {
	t.Parallel()

	eng, stateDir := newTestEngine(t)
	wf := e2eWorkflow(t, "v1", shTask(1, "true"))

	// Another live instance (this process) already holds the identity.
	other := NewLockManager(stateDir, nil)
	require.NoError(t, other.Acquire(IdentityKey(wf.Path, wf.Globals), "other-run"))
	defer other.Release()

	report, err := eng.Run(context.Background(), wf)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrLockConflict))
	assert.Equal(t, types.ExitLockConflict, report.ExitCode)
}

func TestEngine_ResumeAlreadyCompleteRun(t *testing.T) {
	t.Parallel()

	eng, stateDir := newTestEngine(t)
	wf := e2eWorkflow(t, "v1", shTask(1, "true"), shTask(2, "true"))

	// A record whose last decision is terminal, as if the process died
	// between the final task and record cleanup.
	state := stateAfter("run-done", 1, 2)
	recovery := NewRecoveryManager(stateDir, nil)
	identity := IdentityKey(wf.Path, wf.Globals)
	require.NoError(t, recovery.Save(identity, state.Snapshot(), wf.Fingerprint))

	report, err := eng.Resume(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	assert.Zero(t, report.TasksRun)
	assert.False(t, recovery.Exists(identity), "completed record is cleared")
}

func TestEngine_FailureRoutingProducesSuccessfulRun(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	t1 := shTask(1, "false")
	t1.Routing.OnFailure = 3
	t3 := shTask(3, "echo recovered")
	t3.Routing.NextNever = true
	wf := e2eWorkflow(t, "v1", t1, shTask(2, "echo skipped"), t3)

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	assert.Equal(t, 2, report.TasksRun)
}

func TestEngine_SecondRunAfterSuccess(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	wf := e2eWorkflow(t, "v1", shTask(1, "true"))

	_, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	// Lock released and state cleared; the same engine can run again.
	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
}

func TestEngine_ResumeSweepsRestoredSpillFiles(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()
	eng := New(Options{
		MaxWorkers:     4,
		RetryPoll:      time.Millisecond,
		SpillThreshold: 8,
		TerminateGrace: time.Second,
		InterruptGrace: 500 * time.Millisecond,
		StateDir:       stateDir,
		TempDir:        t.TempDir(),
	})
	flag := filepath.Join(t.TempDir(), "ready.flag")
	wf := e2eWorkflow(t, "v1",
		shTask(1, "echo a-line-well-past-the-spill-threshold"),
		shTask(2, "test -f "+flag),
	)

	_, err := eng.Run(context.Background(), wf)
	require.Error(t, err)

	recovery := NewRecoveryManager(stateDir, nil)
	record := recovery.Load(IdentityKey(wf.Path, wf.Globals))
	require.NotNil(t, record)
	res := record.Results[1]
	require.NotNil(t, res)
	require.NotEmpty(t, res.StdoutFile, "long output moves to a spill file")
	_, statErr := os.Stat(res.StdoutFile)
	require.NoError(t, statErr, "spill files survive as long as the record does")

	// The resumed run adopts the restored spill files and sweeps them with
	// its own temporaries on clean completion.
	require.NoError(t, os.WriteFile(flag, []byte("ok"), 0o644))
	report, err := eng.Resume(context.Background(), wf)
	require.NoError(t, err)
	assert.True(t, report.Succeeded)
	_, statErr = os.Stat(res.StdoutFile)
	assert.True(t, os.IsNotExist(statErr), "restored spill file swept on completion")
}
