package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCondition_Comparisons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want bool
	}{
		{"0 == 0", true},
		{"1 == 0", false},
		{"1 != 0", true},
		{"2 > 1", true},
		{"2 >= 2", true},
		{"1 < 2", true},
		{"2 <= 1", false},
		// Numeric comparison wins when both sides parse as numbers,
		// quoted or not.
		{"10 > 9", true},
		{"'10' > '9'", true},
		// Lexicographic otherwise.
		{"'abc' < 'abd'", true},
		{"'ok' == 'ok'", true},
		{`"ok" == 'ok'`, true},
		{"-1 < 0", true},
		{"1.5 > 1.25", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			got, err := EvalCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, tt.expr)
		})
	}
}

func TestEvalCondition_BooleanOperators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"!false", true},
		{"true && false", false},
		{"true || false", true},
		{"1 == 1 && 2 == 2", true},
		{"1 == 2 || 2 == 2", true},
		{"!(1 == 2)", true},
		{"(1 == 1 || 1 == 2) && 3 > 2", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			got, err := EvalCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, tt.expr)
		})
	}
}

func TestEvalCondition_Errors(t *testing.T) {
	t.Parallel()

	empty, err := EvalCondition("   ")
	require.NoError(t, err)
	assert.False(t, empty, "empty condition evaluates to false")

	for _, expr := range []string{
		"1 ==",
		"== 1",
		"(1 == 1",
		"1 === 1",
		"hello",       // bare words other than true/false are not values
		"1 == 1 junk", // trailing input
		"'unterminated",
	} {
		expr := expr
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			_, err := EvalCondition(expr)
			assert.Error(t, err, "expected error for %q", expr)
		})
	}
}
