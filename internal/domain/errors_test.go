package domain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("read chunk: %w", Transient("download", errors.New("connection reset")))

	assert.True(t, errors.Is(err, ErrTransientIO))
	assert.False(t, errors.Is(err, ErrPermanentIO))
	assert.Equal(t, KindTransientIO, KindOf(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsRetryable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", Transient("op", errors.New("x")), true},
		{"unclassified", errors.New("boom"), true},
		{"permanent", Permanent("op", errors.New("x")), false},
		{"missing file", fmt.Errorf("open: %w", os.ErrNotExist), false},
		{"corrupt", Corrupt("op", errors.New("x")), false},
		{"validation", Invalid("op", "bad %s", "ratio"), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestTaskStateTransitions(t *testing.T) {
	assert.True(t, TaskPending.CanTransition(TaskRunning))
	assert.True(t, TaskPending.CanTransition(TaskSucceeded))
	assert.True(t, TaskFailed.CanTransition(TaskRunning))
	assert.True(t, TaskFailed.CanTransition(TaskAborted))
	assert.False(t, TaskSucceeded.CanTransition(TaskRunning))
	assert.False(t, TaskPending.CanTransition(TaskFailed))
	assert.True(t, TaskAborted.Terminal())
}
