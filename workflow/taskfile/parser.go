// Package taskfile parses the textual workflow definition format into the
// validated in-memory graph. A definition is a sequence of task records
// introduced by `task=<id>` lines followed by key=value fields, plus
// `var NAME=value` global variable definitions and `#` comments.
package taskfile

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/taskwright/taskwright/workflow"
)

// Load reads and parses a workflow definition file. External parameters
// override variables defined in the file; together they form the read-only
// global variable set for the run.
func Load(path string, params map[string]string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(abs, data, params)
}

// Parse parses definition bytes into a validated workflow.
func Parse(path string, data []byte, params map[string]string) (*workflow.Workflow, error) {
	globals := make(map[string]string)
	var tasks []*workflow.Task
	var cur *workflow.Task

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if name, value, ok := cutVarLine(line); ok {
			if cur != nil {
				return nil, fmt.Errorf("line %d: var definitions must precede task records", lineno)
			}
			globals[name] = value
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", lineno, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "task" {
			id, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid task id %q", lineno, value)
			}
			cur = newTask(id)
			tasks = append(tasks, cur)
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("line %d: field %q outside a task record", lineno, key)
		}
		if err := setField(cur, key, value); err != nil {
			return nil, fmt.Errorf("line %d: task %d: %w", lineno, cur.ID, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan workflow file: %w", err)
	}

	for k, v := range params {
		globals[k] = v
	}
	return workflow.New(path, data, globals, tasks)
}

func newTask(id int) *workflow.Task {
	return &workflow.Task{
		ID:   id,
		Kind: workflow.BlockSequential,
		Retry: workflow.RetryPolicy{
			MaxAttempts: 1,
		},
		Routing: workflow.Routing{
			Next:      workflow.NoTask,
			OnSuccess: workflow.NoTask,
			OnFailure: workflow.NoTask,
		},
		ContinueAt: workflow.NoTask,
	}
}

// cutVarLine matches `var NAME=value` global definitions.
func cutVarLine(line string) (string, string, bool) {
	rest, ok := strings.CutPrefix(line, "var ")
	if !ok {
		return "", "", false
	}
	name, value, found := strings.Cut(rest, "=")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.TrimSpace(value), true
}

func setField(t *workflow.Task, key, value string) error {
	switch key {
	case "type":
		switch value {
		case "sequential":
			t.Kind = workflow.BlockSequential
		case "parallel":
			t.Kind = workflow.BlockParallel
		case "conditional":
			t.Kind = workflow.BlockConditional
		case "loop":
			t.Kind = workflow.BlockLoop
		default:
			return fmt.Errorf("unknown block type %q", value)
		}
	case "command":
		t.Command = value
	case "arguments":
		t.Arguments = value
	case "target":
		t.Target = value
	case "timeout":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", value, err)
		}
		t.Timeout = d
	case "retries":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid retries %q", value)
		}
		t.Retry.MaxAttempts = n + 1
	case "retry_delay":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid retry_delay %q: %w", value, err)
		}
		t.Retry.Delay = d
	case "retry_exponential":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid retry_exponential %q", value)
		}
		t.Retry.Exponential = b
	case "success":
		t.Success = value
	case "next":
		if value == "never" {
			t.Routing.NextNever = true
			break
		}
		id, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid next %q", value)
		}
		t.Routing.Next = id
	case "on_success":
		id, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid on_success %q", value)
		}
		t.Routing.OnSuccess = id
	case "on_failure":
		id, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid on_failure %q", value)
		}
		t.Routing.OnFailure = id
	case "condition":
		t.Condition = value
	case "members":
		ids, err := parseIDList(value)
		if err != nil {
			return fmt.Errorf("invalid members %q: %w", value, err)
		}
		t.Members = ids
	case "quorum":
		q, err := parseQuorum(value)
		if err != nil {
			return err
		}
		t.Quorum = q
	case "if_true":
		ids, err := parseIDList(value)
		if err != nil {
			return fmt.Errorf("invalid if_true %q: %w", value, err)
		}
		t.IfTrue = ids
	case "if_false":
		ids, err := parseIDList(value)
		if err != nil {
			return fmt.Errorf("invalid if_false %q: %w", value, err)
		}
		t.IfFalse = ids
	case "continue_at":
		id, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid continue_at %q", value)
		}
		t.ContinueAt = id
	case "loop_max":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid loop_max %q", value)
		}
		t.LoopMax = n
	case "loop_until":
		t.LoopUntil = value
	default:
		return fmt.Errorf("unknown field %q", key)
	}
	return nil
}

// parseDuration accepts Go duration strings and bare integers (seconds).
func parseDuration(value string) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

func parseIDList(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseQuorum parses `all`, `count:<n>` or `percent:<p>`.
func parseQuorum(value string) (workflow.QuorumPolicy, error) {
	switch {
	case value == "all":
		return workflow.QuorumPolicy{Kind: workflow.QuorumAll}, nil
	case strings.HasPrefix(value, "count:"):
		n, err := strconv.Atoi(strings.TrimPrefix(value, "count:"))
		if err != nil {
			return workflow.QuorumPolicy{}, fmt.Errorf("invalid quorum %q", value)
		}
		return workflow.QuorumPolicy{Kind: workflow.QuorumCount, Count: n}, nil
	case strings.HasPrefix(value, "percent:"):
		p, err := strconv.ParseFloat(strings.TrimPrefix(value, "percent:"), 64)
		if err != nil {
			return workflow.QuorumPolicy{}, fmt.Errorf("invalid quorum %q", value)
		}
		return workflow.QuorumPolicy{Kind: workflow.QuorumPercent, Percent: p}, nil
	default:
		return workflow.QuorumPolicy{}, fmt.Errorf("invalid quorum %q", value)
	}
}
