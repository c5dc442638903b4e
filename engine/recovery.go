package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
)

// RecoveryRecord is the persisted execution snapshot enabling resume after a
// failure or shutdown. It exists iff the last run did not reach a clean
// terminal state.
type RecoveryRecord struct {
	workflow.StateSnapshot
	Fingerprint string    `json:"workflow_fingerprint"`
	SavedAt     time.Time `json:"saved_at"`
}

// RecoveryManager persists and restores execution state. Records are written
// atomically (temporary file, then rename); a corrupt record is treated as
// absent and never blocks.
type RecoveryManager struct {
	dir    string
	logger *zap.Logger
}

// NewRecoveryManager creates a recovery manager writing under dir.
func NewRecoveryManager(dir string, logger *zap.Logger) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryManager{
		dir:    dir,
		logger: logger.With(zap.String("component", "recovery_manager")),
	}
}

func (m *RecoveryManager) recordPath(identity string) string {
	return filepath.Join(m.dir, "taskwright-"+shortKey(identity)+".recovery.json")
}

// Save captures the execution state snapshot with the workflow fingerprint.
func (m *RecoveryManager) Save(identity string, snap *workflow.StateSnapshot, fingerprint string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return types.NewError(types.ErrInternal, "create state directory").WithCause(err)
	}
	record := RecoveryRecord{
		StateSnapshot: *snap,
		Fingerprint:   fingerprint,
		SavedAt:       time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return types.NewError(types.ErrInternal, "encode recovery record").WithCause(err)
	}
	if err := writeAtomic(m.recordPath(identity), data); err != nil {
		return types.NewError(types.ErrInternal, "write recovery record").WithCause(err)
	}
	m.logger.Info("recovery record saved",
		zap.String("path", m.recordPath(identity)),
		zap.Int("completed_tasks", len(snap.Path)),
	)
	return nil
}

// Load returns the persisted record for an identity, or nil when no usable
// record exists. Corrupt records are logged and treated as absent.
func (m *RecoveryManager) Load(identity string) *RecoveryRecord {
	data, err := os.ReadFile(m.recordPath(identity))
	if err != nil {
		return nil
	}
	var record RecoveryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		m.logger.Warn("unparseable recovery record, treating as absent",
			zap.String("path", m.recordPath(identity)),
			zap.Error(err),
		)
		return nil
	}
	return &record
}

// Exists reports whether a readable record is present.
func (m *RecoveryManager) Exists(identity string) bool {
	return m.Load(identity) != nil
}

// Clear removes the record on clean completion.
func (m *RecoveryManager) Clear(identity string) {
	if err := os.Remove(m.recordPath(identity)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove recovery record", zap.Error(err))
	}
}

// Validate checks a record against the current workflow before any task
// runs: the content fingerprint must match, and every data reference of
// every remaining task must be satisfiable, either already present in the
// restored results or produced by a task the remaining execution will reach.
func (m *RecoveryManager) Validate(record *RecoveryRecord, wf *workflow.Workflow) error {
	if record.Fingerprint != wf.Fingerprint {
		return types.NewError(types.ErrRecoveryStale,
			"workflow definition changed since the recovery record was written")
	}

	resume, err := ResumePoint(wf, record)
	if err != nil {
		return err
	}
	if resume == workflow.NoTask {
		return nil
	}

	remaining := reachableFrom(wf, resume)
	for id := range remaining {
		t, _ := wf.Task(id)
		if _, done := record.Results[id]; done {
			continue
		}
		for _, ref := range t.DataRefs() {
			if _, ok := record.Results[ref]; ok {
				continue
			}
			if remaining[ref] {
				continue
			}
			return types.Errorf(types.ErrDependency,
				"task %d references task %d, which is neither restored nor reachable", id, ref).WithTask(id)
		}
	}
	return nil
}

// ResumePoint reconstructs where execution continues: the persisted routing
// decision of the last completed task is replayed verbatim, never re-derived
// from the task id alone. NoTask means the restored run has nothing left.
func ResumePoint(wf *workflow.Workflow, record *RecoveryRecord) (int, error) {
	if len(record.Path) == 0 {
		return wf.First(), nil
	}
	last := record.Path[len(record.Path)-1]
	decision, ok := record.Routing[last]
	if !ok {
		return workflow.NoTask, types.Errorf(types.ErrDependency,
			"no routing decision recorded for completed task %d", last)
	}
	if decision.NextID == workflow.NoTask {
		return workflow.NoTask, nil
	}
	if !wf.HasTask(decision.NextID) {
		return workflow.NoTask, types.Errorf(types.ErrDependency,
			"recorded route %d -> %d no longer exists", last, decision.NextID)
	}
	return decision.NextID, nil
}

// reachableFrom returns every task id reachable from start over static
// routing edges, including start itself.
func reachableFrom(wf *workflow.Workflow, start int) map[int]bool {
	seen := make(map[int]bool)
	stack := []int{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		// Implicit id+1 continuation counts as an edge when present.
		if t, ok := wf.Task(id); ok {
			if t.Routing.Next == workflow.NoTask && !t.Routing.NextNever &&
				t.Routing.OnSuccess == workflow.NoTask && wf.HasTask(id+1) {
				stack = append(stack, id+1)
			}
		}
		stack = append(stack, wf.Successors(id)...)
	}
	return seen
}
