package workflow

import (
	"fmt"
	"strconv"
)

// validate enforces the structural invariants of the graph. All violations
// are fatal before any task executes.
func (w *Workflow) validate() error {
	for _, id := range w.order {
		if err := w.validateTask(w.tasks[id]); err != nil {
			return err
		}
	}
	if err := w.detectCycles(); err != nil {
		return err
	}
	return w.checkDataReferences()
}

func (w *Workflow) validateTask(t *Task) error {
	r := t.Routing
	if r.NextNever && (r.Next != NoTask || r.OnSuccess != NoTask || r.OnFailure != NoTask) {
		return fmt.Errorf("task %d: next=never excludes all other routing", t.ID)
	}
	if r.Next != NoTask && (r.OnSuccess != NoTask || r.OnFailure != NoTask) {
		return fmt.Errorf("task %d: unconditional next excludes on_success/on_failure", t.ID)
	}
	for _, target := range []int{r.Next, r.OnSuccess, r.OnFailure, t.ContinueAt} {
		if target != NoTask && !w.HasTask(target) {
			return fmt.Errorf("task %d: routing target %d does not exist", t.ID, target)
		}
	}

	switch t.Kind {
	case BlockSequential:
		if t.Command == "" {
			return fmt.Errorf("task %d: command is required", t.ID)
		}
	case BlockParallel:
		if len(t.Members) == 0 {
			return fmt.Errorf("task %d: parallel block has no members", t.ID)
		}
		if t.Quorum.Kind == QuorumCount && (t.Quorum.Count < 1 || t.Quorum.Count > len(t.Members)) {
			return fmt.Errorf("task %d: quorum count %d out of range for %d members", t.ID, t.Quorum.Count, len(t.Members))
		}
		if t.Quorum.Kind == QuorumPercent && (t.Quorum.Percent <= 0 || t.Quorum.Percent > 100) {
			return fmt.Errorf("task %d: quorum percent %g out of range", t.ID, t.Quorum.Percent)
		}
	case BlockConditional:
		if t.Condition == "" {
			return fmt.Errorf("task %d: conditional block requires a condition", t.ID)
		}
		if len(t.IfTrue) == 0 && len(t.IfFalse) == 0 {
			return fmt.Errorf("task %d: conditional block has no branches", t.ID)
		}
	case BlockLoop:
		if len(t.Members) == 0 {
			return fmt.Errorf("task %d: loop block has no body", t.ID)
		}
		if t.LoopMax < 1 && t.LoopUntil == "" {
			return fmt.Errorf("task %d: loop requires loop_max or loop_until", t.ID)
		}
	}

	for _, lists := range [][]int{t.Members, t.IfTrue, t.IfFalse} {
		for _, id := range lists {
			if !w.HasTask(id) {
				return fmt.Errorf("task %d: references non-existent task %d", t.ID, id)
			}
			if id == t.ID {
				return fmt.Errorf("task %d: coordinator cannot contain itself", t.ID)
			}
		}
	}
	return nil
}

// edges returns the static routing successors of a task. Loop bodies re-run
// under an interpreter counter, not a graph back-edge, so members appear
// exactly once.
func (w *Workflow) edges(t *Task) []int {
	var out []int
	add := func(id int) {
		if id != NoTask {
			out = append(out, id)
		}
	}
	add(t.Routing.Next)
	add(t.Routing.OnSuccess)
	add(t.Routing.OnFailure)
	add(t.ContinueAt)
	out = append(out, t.Members...)
	out = append(out, t.IfTrue...)
	out = append(out, t.IfFalse...)
	return out
}

// Successors returns the static routing successors of a task id.
func (w *Workflow) Successors(id int) []int {
	t, ok := w.tasks[id]
	if !ok {
		return nil
	}
	return w.edges(t)
}

func (w *Workflow) detectCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, len(w.order))

	// Tasks contained in a coordinator (parallel/loop members, conditional
	// branches) take their successor from the coordinator at run time, so
	// only top-level tasks contribute succession edges here. The implicit
	// id+1 continuation is a real succession edge and participates too.
	contained := make(map[int]bool)
	for _, id := range w.order {
		t := w.tasks[id]
		for _, lists := range [][]int{t.Members, t.IfTrue, t.IfFalse} {
			for _, m := range lists {
				contained[m] = true
			}
		}
	}

	cycleEdges := func(t *Task) []int {
		out := append([]int(nil), t.Members...)
		out = append(out, t.IfTrue...)
		out = append(out, t.IfFalse...)
		if t.ContinueAt != NoTask {
			out = append(out, t.ContinueAt)
		}
		if contained[t.ID] {
			return out
		}
		r := t.Routing
		for _, target := range []int{r.Next, r.OnSuccess, r.OnFailure} {
			if target != NoTask {
				out = append(out, target)
			}
		}
		if !r.NextNever && r.Next == NoTask && r.OnSuccess == NoTask && w.HasTask(t.ID+1) {
			out = append(out, t.ID+1)
		}
		return out
	}

	var visit func(id int) error
	visit = func(id int) error {
		color[id] = gray
		for _, next := range cycleEdges(w.tasks[id]) {
			switch color[next] {
			case gray:
				return fmt.Errorf("routing cycle through tasks %d and %d", id, next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range w.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDataReferences enforces strictly-forward data dependencies: a task may
// only reference the result of a lower task id, and never a sibling of the
// same parallel block (siblings have no ordering guarantee).
func (w *Workflow) checkDataReferences() error {
	siblings := make(map[int]map[int]bool)
	for _, id := range w.order {
		t := w.tasks[id]
		if t.Kind != BlockParallel {
			continue
		}
		set := make(map[int]bool, len(t.Members))
		for _, m := range t.Members {
			set[m] = true
		}
		for _, m := range t.Members {
			siblings[m] = set
		}
	}

	for _, id := range w.order {
		t := w.tasks[id]

		// A loop's stop condition runs after each body pass, so it may
		// reference the loop's own members regardless of id order.
		body := make(map[int]bool, len(t.Members))
		if t.Kind == BlockLoop {
			for _, m := range t.Members {
				body[m] = true
			}
		}

		for _, tmpl := range t.templates() {
			inBody := t.Kind == BlockLoop && tmpl == t.LoopUntil && tmpl != ""
			for _, m := range tokenPattern.FindAllStringSubmatch(tmpl, -1) {
				if m[1] == "" {
					continue // global variable token
				}
				ref, err := strconv.Atoi(m[1])
				if err != nil {
					continue
				}
				if !w.HasTask(ref) {
					return fmt.Errorf("task %d: references result of non-existent task %d", t.ID, ref)
				}
				if inBody && body[ref] {
					continue
				}
				if ref >= t.ID {
					return fmt.Errorf("task %d: data reference to task %d must point at an earlier task", t.ID, ref)
				}
				if set, ok := siblings[t.ID]; ok && set[ref] {
					return fmt.Errorf("task %d: references parallel sibling %d", t.ID, ref)
				}
			}
		}
	}
	return nil
}
