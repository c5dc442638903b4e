package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// BlockKind is the closed set of task block kinds. The execution controller
// has exactly one interpreter case per kind.
type BlockKind int

const (
	BlockSequential BlockKind = iota
	BlockParallel
	BlockConditional
	BlockLoop
)

func (k BlockKind) String() string {
	switch k {
	case BlockSequential:
		return "sequential"
	case BlockParallel:
		return "parallel"
	case BlockConditional:
		return "conditional"
	case BlockLoop:
		return "loop"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// NoTask marks an unset routing target or a terminal transition.
const NoTask = -1

// RetryPolicy controls re-dispatch of a failed task.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// Delay is the wait before the second attempt. With Exponential set,
	// subsequent delays double.
	Delay       time.Duration
	Exponential bool
}

// QuorumKind selects the success-aggregation rule for a parallel block.
type QuorumKind int

const (
	QuorumAll QuorumKind = iota
	QuorumCount
	QuorumPercent
)

// QuorumPolicy aggregates member outcomes of a parallel block.
type QuorumPolicy struct {
	Kind    QuorumKind
	Count   int     // minimum successes for QuorumCount
	Percent float64 // minimum success percentage (0-100] for QuorumPercent
}

// Satisfied reports whether the policy holds for the given outcome counts.
func (q QuorumPolicy) Satisfied(succeeded, total int) bool {
	if total == 0 {
		return false
	}
	switch q.Kind {
	case QuorumCount:
		return succeeded >= q.Count
	case QuorumPercent:
		return float64(succeeded)/float64(total)*100 >= q.Percent
	default:
		return succeeded == total
	}
}

func (q QuorumPolicy) String() string {
	switch q.Kind {
	case QuorumCount:
		return fmt.Sprintf("count:%d", q.Count)
	case QuorumPercent:
		return fmt.Sprintf("percent:%g", q.Percent)
	default:
		return "all"
	}
}

// Routing holds a task's explicit routing targets. Unset targets are NoTask.
// NextNever terminates the workflow successfully at this task and is
// mutually exclusive with every other target.
type Routing struct {
	Next      int
	NextNever bool
	OnSuccess int
	OnFailure int
}

// Task is one unit of the workflow graph. Tasks are built once by the
// taskfile parser, validated, and never mutated afterwards; workers receive
// deep copies via Clone.
type Task struct {
	ID        int
	Kind      BlockKind
	Command   string // command template, may contain @...@ tokens
	Arguments string // argument template
	Target    string // "" or "local" for local dispatch, else a named remote executor
	Timeout   time.Duration
	Retry     RetryPolicy
	// Success overrides the default exit-code-0 predicate with a boolean
	// expression evaluated after token substitution.
	Success string
	Routing Routing

	// Coordinator fields.
	Members    []int        // parallel members or loop body, in program order
	Quorum     QuorumPolicy // parallel aggregation rule
	Condition  string       // conditional branch expression
	IfTrue     []int
	IfFalse    []int
	ContinueAt int // conditional continuation, NoTask if unset
	LoopMax    int
	LoopUntil  string // loop stop condition, evaluated after each iteration
}

// Clone returns an independent deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Members = append([]int(nil), t.Members...)
	c.IfTrue = append([]int(nil), t.IfTrue...)
	c.IfFalse = append([]int(nil), t.IfFalse...)
	return &c
}

// templates returns every template field that may carry data references.
func (t *Task) templates() []string {
	return []string{t.Command, t.Arguments, t.Target, t.Success, t.Condition, t.LoopUntil}
}

// Workflow is the immutable, validated in-memory task graph for one run.
type Workflow struct {
	Path        string
	Fingerprint string
	Globals     map[string]string

	tasks map[int]*Task
	order []int
}

// New builds and validates a workflow from parsed tasks. The fingerprint is
// the content hash of the original definition source.
func New(path string, source []byte, globals map[string]string, tasks []*Task) (*Workflow, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("workflow has no tasks")
	}
	if globals == nil {
		globals = make(map[string]string)
	}

	byID := make(map[int]*Task, len(tasks))
	order := make([]int, 0, len(tasks))
	for _, t := range tasks {
		if t.ID < 0 {
			return nil, fmt.Errorf("task id %d: ids must be non-negative", t.ID)
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %d", t.ID)
		}
		byID[t.ID] = t
		order = append(order, t.ID)
	}
	sort.Ints(order)

	w := &Workflow{
		Path:        path,
		Fingerprint: Fingerprint(source),
		Globals:     globals,
		tasks:       byID,
		order:       order,
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Fingerprint computes the content fingerprint of a workflow definition.
func Fingerprint(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Task returns the task with the given id.
func (w *Workflow) Task(id int) (*Task, bool) {
	t, ok := w.tasks[id]
	return t, ok
}

// TaskIDs returns all task ids in ascending order.
func (w *Workflow) TaskIDs() []int {
	return append([]int(nil), w.order...)
}

// First returns the id of the entry task (the lowest id).
func (w *Workflow) First() int {
	return w.order[0]
}

// Len returns the number of tasks.
func (w *Workflow) Len() int {
	return len(w.order)
}

// HasTask reports whether the given id exists.
func (w *Workflow) HasTask(id int) bool {
	_, ok := w.tasks[id]
	return ok
}

// BranchOf returns the conditional coordinator that lists id in one of its
// branches. A resumed run landing on a branch member re-enters the branch
// through its coordinator instead of executing the member top-level.
func (w *Workflow) BranchOf(id int) (*Task, bool) {
	for _, cid := range w.order {
		c := w.tasks[cid]
		if c.Kind != BlockConditional {
			continue
		}
		for _, lists := range [][]int{c.IfTrue, c.IfFalse} {
			for _, m := range lists {
				if m == id {
					return c, true
				}
			}
		}
	}
	return nil, false
}
