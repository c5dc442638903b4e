package workflow

import (
	"os"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// tokenPattern matches @NAME@ global variable tokens and @<id>_<field>@
// cross-task result tokens.
var tokenPattern = regexp.MustCompile(
	`@(?:(\d+)_(stdout|stderr|exit|success|stdout_file|stderr_file)|([A-Za-z_][A-Za-z0-9_]*))@`,
)

// Resolver substitutes variable tokens in templates against the global
// variable set and completed task results.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.With(zap.String("component", "resolver"))}
}

// Resolve substitutes every token it can and reports whether the template
// was fully resolved. Callers decide whether partial resolution is fatal:
// commands and targets require full resolution before dispatch, diagnostic
// contexts tolerate leftovers.
func (r *Resolver) Resolve(template string, globals map[string]string, results *ResultSet) (string, bool) {
	resolved := true
	out := tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		m := tokenPattern.FindStringSubmatch(tok)
		if m[3] != "" {
			if v, ok := globals[m[3]]; ok {
				return v
			}
			resolved = false
			return tok
		}

		id, _ := strconv.Atoi(m[1])
		res, ok := results.Get(id)
		if !ok {
			resolved = false
			return tok
		}
		v, ok := resultField(res, m[2])
		if !ok {
			resolved = false
			return tok
		}
		return v
	})

	if !resolved {
		r.logger.Debug("template not fully resolved", zap.String("template", template))
	}
	return out, resolved
}

// resultField extracts one token field from a completed result. Spilled
// output is read back from its file for the inline variants; the _file
// variants yield the path itself.
func resultField(res *TaskResult, field string) (string, bool) {
	switch field {
	case "stdout":
		return readBack(res.Stdout, res.StdoutFile)
	case "stderr":
		return readBack(res.Stderr, res.StderrFile)
	case "stdout_file":
		if res.StdoutFile == "" {
			return "", false
		}
		return res.StdoutFile, true
	case "stderr_file":
		if res.StderrFile == "" {
			return "", false
		}
		return res.StderrFile, true
	case "exit":
		return strconv.Itoa(res.ExitCode), true
	case "success":
		return strconv.FormatBool(res.Success), true
	default:
		return "", false
	}
}

func readBack(inline, file string) (string, bool) {
	if file == "" {
		return inline, true
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// DataRefs returns the ids of tasks whose results this task's templates
// reference, deduplicated.
func (t *Task) DataRefs() []int {
	seen := make(map[int]bool)
	var refs []int
	for _, tmpl := range t.templates() {
		for _, m := range tokenPattern.FindAllStringSubmatch(tmpl, -1) {
			if m[1] == "" {
				continue
			}
			id, err := strconv.Atoi(m[1])
			if err != nil || seen[id] {
				continue
			}
			seen[id] = true
			refs = append(refs, id)
		}
	}
	return refs
}

// UnresolvedTokens returns the tokens left unsubstituted in a template,
// for error reporting.
func UnresolvedTokens(template string, globals map[string]string, results *ResultSet) []string {
	var missing []string
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		if m[3] != "" {
			if _, ok := globals[m[3]]; !ok {
				missing = append(missing, m[0])
			}
			continue
		}
		id, _ := strconv.Atoi(m[1])
		if res, ok := results.Get(id); !ok {
			missing = append(missing, m[0])
		} else if _, ok := resultField(res, m[2]); !ok {
			missing = append(missing, m[0])
		}
	}
	return missing
}
