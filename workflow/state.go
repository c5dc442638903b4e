package workflow

import (
	"sync"
	"time"
)

// TaskResult is the immutable outcome of one task. Above the configured
// size threshold stdout/stderr are spilled to files owned by the temp-file
// registry; StdoutFile/StderrFile then carry the paths.
type TaskResult struct {
	TaskID     int           `json:"task_id"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	StdoutFile string        `json:"stdout_file,omitempty"`
	StderrFile string        `json:"stderr_file,omitempty"`
	Success    bool          `json:"success"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	Attempts   int           `json:"attempts"`
}

// Routing rule names recorded in routing decisions.
const (
	ViaNext      = "next"
	ViaNever     = "never"
	ViaOnSuccess = "on_success"
	ViaOnFailure = "on_failure"
	ViaImplicit  = "implicit"
	ViaTerminal  = "terminal"
	ViaContinue  = "continue_at"
	ViaSubpath   = "subpath"
	ViaHalt      = "halt"
)

// RoutingDecision records which downstream id a completed task selected and
// why. For coordinator tasks the decision is persisted with the execution
// state: a correct resume replays it verbatim instead of re-deriving the
// route from the last completed task id.
type RoutingDecision struct {
	TaskID int    `json:"task_id"`
	NextID int    `json:"next_id"` // NoTask when terminal
	Via    string `json:"via"`
	Branch string `json:"branch,omitempty"` // conditional: "true"/"false"
}

// ResultSet is the shared result store. Appending a result to the map and
// the execution path is the only cross-worker mutation during parallel
// blocks; both are serialized through the single mutex here.
type ResultSet struct {
	mu      sync.Mutex
	results map[int]*TaskResult
	path    []int
}

// NewResultSet creates an empty result set.
func NewResultSet() *ResultSet {
	return &ResultSet{results: make(map[int]*TaskResult)}
}

// Record stores a terminal result and appends the task to the execution path.
func (s *ResultSet) Record(res *TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.TaskID] = res
	s.path = append(s.path, res.TaskID)
}

// Get returns the recorded result for a task id.
func (s *ResultSet) Get(id int) (*TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[id]
	return res, ok
}

// Has reports whether a task has reached a terminal state.
func (s *ResultSet) Has(id int) bool {
	_, ok := s.Get(id)
	return ok
}

// Path returns a copy of the execution path in terminal-state order.
func (s *ResultSet) Path() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.path...)
}

// Len returns the number of recorded results.
func (s *ResultSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *ResultSet) snapshot() (map[int]*TaskResult, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make(map[int]*TaskResult, len(s.results))
	for id, res := range s.results {
		cp := *res
		results[id] = &cp
	}
	return results, append([]int(nil), s.path...)
}

// ExecutionState is the single owner of all mutable run state. It is passed
// through the controller; there are no process-wide singletons.
type ExecutionState struct {
	RunID   string
	Globals map[string]string // populated at workflow start, read-only after
	Results *ResultSet

	mu      sync.Mutex
	routing map[int]RoutingDecision
	loops   map[int]int
}

// NewExecutionState creates fresh state for a run.
func NewExecutionState(runID string, globals map[string]string) *ExecutionState {
	g := make(map[string]string, len(globals))
	for k, v := range globals {
		g[k] = v
	}
	return &ExecutionState{
		RunID:   runID,
		Globals: g,
		Results: NewResultSet(),
		routing: make(map[int]RoutingDecision),
		loops:   make(map[int]int),
	}
}

// SetRouting records a routing decision. For coordinators this happens
// atomically with the terminal transition, before any downstream task starts.
func (s *ExecutionState) SetRouting(d RoutingDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routing[d.TaskID] = d
}

// Routing returns the recorded decision for a task id.
func (s *ExecutionState) Routing(id int) (RoutingDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.routing[id]
	return d, ok
}

// SetLoop persists a loop counter after an iteration.
func (s *ExecutionState) SetLoop(id, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops[id] = count
}

// LoopCount returns the iteration counter for a loop coordinator.
func (s *ExecutionState) LoopCount(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[id]
}

// StateSnapshot is the serializable image of an ExecutionState, embedded in
// recovery records.
type StateSnapshot struct {
	RunID   string                  `json:"run_id"`
	Path    []int                   `json:"execution_path"`
	Results map[int]*TaskResult     `json:"task_results"`
	Globals map[string]string       `json:"global_variables"`
	Routing map[int]RoutingDecision `json:"routing_state"`
	Loops   map[int]int             `json:"loop_state"`
}

// Snapshot captures a deep copy of the current state.
func (s *ExecutionState) Snapshot() *StateSnapshot {
	results, path := s.Results.snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &StateSnapshot{
		RunID:   s.RunID,
		Path:    path,
		Results: results,
		Globals: make(map[string]string, len(s.Globals)),
		Routing: make(map[int]RoutingDecision, len(s.routing)),
		Loops:   make(map[int]int, len(s.loops)),
	}
	for k, v := range s.Globals {
		snap.Globals[k] = v
	}
	for k, v := range s.routing {
		snap.Routing[k] = v
	}
	for k, v := range s.loops {
		snap.Loops[k] = v
	}
	return snap
}

// RestoreState rebuilds execution state from a snapshot.
func RestoreState(snap *StateSnapshot) *ExecutionState {
	s := NewExecutionState(snap.RunID, snap.Globals)
	for _, id := range snap.Path {
		if res, ok := snap.Results[id]; ok {
			cp := *res
			s.Results.Record(&cp)
		}
	}
	for _, d := range snap.Routing {
		s.SetRouting(d)
	}
	for id, n := range snap.Loops {
		s.SetLoop(id, n)
	}
	return s
}
