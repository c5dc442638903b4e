package types

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_FormattingAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := Errorf(ErrExecution, "task %d failed", 7).WithTask(7).WithCause(cause)

	assert.Equal(t, "[EXECUTION] task 7 failed: connection refused", err.Error())
	assert.Equal(t, 7, err.TaskID)
	assert.ErrorIs(t, err, cause)

	bare := NewError(ErrLockConflict, "held elsewhere")
	assert.Equal(t, "[LOCK_CONFLICT] held elsewhere", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestCodeOf_WalksWrappedChains(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrRecoveryStale, "fingerprint changed")
	wrapped := fmt.Errorf("resume refused: %w", inner)

	assert.Equal(t, ErrRecoveryStale, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrRecoveryStale))
	assert.False(t, IsCode(wrapped, ErrValidation))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestExitCodeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{NewError(ErrValidation, "x"), ExitValidation},
		{NewError(ErrDependency, "x"), ExitDependency},
		{NewError(ErrLockConflict, "x"), ExitLockConflict},
		{NewError(ErrRecoveryStale, "x"), ExitRecoveryStale},
		{NewError(ErrExecution, "x"), ExitTaskFailure},
		{NewError(ErrTimeout, "x"), ExitTaskFailure},
		{NewError(ErrInternal, "x"), ExitInternal},
		{errors.New("unclassified"), ExitTaskFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCodeFor(tt.err), "%v", tt.err)
	}
}

func TestExitFromSignal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 143, ExitFromSignal(syscall.SIGTERM))
	assert.Equal(t, 130, ExitFromSignal(syscall.SIGINT))
}
