package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Globals(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	globals := map[string]string{"HOST": "db1", "PORT": "5432"}

	out, ok := r.Resolve("psql -h @HOST@ -p @PORT@", globals, NewResultSet())
	assert.True(t, ok)
	assert.Equal(t, "psql -h db1 -p 5432", out)

	out, ok = r.Resolve("ping @MISSING@", globals, NewResultSet())
	assert.False(t, ok)
	assert.Equal(t, "ping @MISSING@", out, "unresolved tokens stay verbatim")
}

func TestResolver_TaskResultFields(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	results := NewResultSet()
	results.Record(&TaskResult{
		TaskID:   3,
		ExitCode: 2,
		Stdout:   "db1.internal",
		Stderr:   "warning",
		Success:  false,
	})

	tests := []struct {
		template string
		want     string
	}{
		{"@3_stdout@", "db1.internal"},
		{"@3_stderr@", "warning"},
		{"@3_exit@", "2"},
		{"@3_success@", "false"},
		{"ssh @3_stdout@ uptime", "ssh db1.internal uptime"},
	}
	for _, tt := range tests {
		out, ok := r.Resolve(tt.template, nil, results)
		assert.True(t, ok, tt.template)
		assert.Equal(t, tt.want, out)
	}

	// Results of tasks that never ran stay unresolved.
	_, ok := r.Resolve("@9_stdout@", nil, results)
	assert.False(t, ok)
}

func TestResolver_SpilledOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "spill.out")
	require.NoError(t, os.WriteFile(path, []byte("spilled contents"), 0o644))

	r := NewResolver(nil)
	results := NewResultSet()
	results.Record(&TaskResult{TaskID: 1, StdoutFile: path, Success: true})

	out, ok := r.Resolve("@1_stdout@", nil, results)
	assert.True(t, ok)
	assert.Equal(t, "spilled contents", out, "inline token reads spilled file back")

	out, ok = r.Resolve("@1_stdout_file@", nil, results)
	assert.True(t, ok)
	assert.Equal(t, path, out, "file token yields the path")

	// stderr was neither captured nor spilled.
	out, ok = r.Resolve("@1_stderr@", nil, results)
	assert.True(t, ok)
	assert.Empty(t, out)
	_, ok = r.Resolve("@1_stderr_file@", nil, results)
	assert.False(t, ok)
}

func TestUnresolvedTokens(t *testing.T) {
	t.Parallel()

	results := NewResultSet()
	results.Record(&TaskResult{TaskID: 1, Stdout: "ok", Success: true})

	missing := UnresolvedTokens("@A@ @1_stdout@ @2_exit@ @B@", map[string]string{"A": "x"}, results)
	assert.Equal(t, []string{"@2_exit@", "@B@"}, missing)
}

func TestDataRefs(t *testing.T) {
	t.Parallel()

	task := seqTask(5, "run @1_stdout@ @2_exit@")
	task.Arguments = "--from @1_stdout_file@"
	task.Success = "@3_success@ == true"

	assert.Equal(t, []int{1, 2, 3}, task.DataRefs())
	assert.Empty(t, seqTask(1, "echo @NAME@").DataRefs(), "globals are not data refs")
}

// Every defined global must substitute, and text outside tokens must pass
// through untouched.
func TestProperty_ResolverSubstitutesDefinedGlobals(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	r := NewResolver(nil)
	nameGen := gen.RegexMatch(`[A-Za-z_][A-Za-z0-9_]{0,8}`)
	valueGen := gen.RegexMatch(`[a-z0-9 .:/-]{0,16}`)

	properties.Property("defined global always substitutes", prop.ForAll(
		func(name, value, prefix, suffix string) bool {
			globals := map[string]string{name: value}
			template := prefix + "@" + name + "@" + suffix
			out, ok := r.Resolve(template, globals, NewResultSet())
			return ok && out == prefix+value+suffix
		},
		nameGen,
		valueGen,
		gen.RegexMatch(`[a-z ]{0,8}`),
		gen.RegexMatch(`[a-z ]{0,8}`),
	))

	properties.Property("template without tokens is identity", prop.ForAll(
		func(text string) bool {
			out, ok := r.Resolve(text, nil, NewResultSet())
			return ok && out == text
		},
		gen.RegexMatch(`[a-z0-9 .:/-]{0,32}`),
	))

	properties.TestingRun(t)
}

func TestResolver_ExitTokenInCondition(t *testing.T) {
	t.Parallel()

	r := NewResolver(nil)
	results := NewResultSet()
	results.Record(&TaskResult{TaskID: 2, ExitCode: 0, Success: true})

	expr, ok := r.Resolve("@2_exit@ == 0", nil, results)
	require.True(t, ok)
	got, err := EvalCondition(expr)
	require.NoError(t, err)
	assert.True(t, got)
}
