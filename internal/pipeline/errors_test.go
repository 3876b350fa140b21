package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	testCases := []struct {
		message string
		debug   string
		want    ErrorCategory
	}{
		{"Could not open device '/dev/video0' for reading", "", ErrCategoryDevice},
		{"Internal data stream error.", "streaming stopped, reason not-negotiated", ErrCategoryCodec},
		{"Could not connect to server", "rtspsrc: connection refused", ErrCategoryNetwork},
		{"Unauthorized", "401", ErrCategoryAuth},
		{"something odd", "", ErrCategoryUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.message, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.message, tc.debug))
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	syntaxErr := &SyntaxError{Definition: "x", Err: cause}
	assert.ErrorIs(t, syntaxErr, cause)
	assert.Contains(t, syntaxErr.Error(), "syntax error")

	execErr := &ExecutionError{Stage: "src", Message: "failed", Category: ErrCategoryDevice, Err: cause}
	assert.ErrorIs(t, execErr, cause)
	assert.Equal(t, "pipeline: execution error in src [device]: failed", execErr.Error())
}
