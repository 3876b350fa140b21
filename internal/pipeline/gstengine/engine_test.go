package gstengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-defect-station/internal/pipeline"
)

func newGstExecutor(t *testing.T) *pipeline.Executor {
	t.Helper()
	exec, err := pipeline.NewExecutor(pipeline.ExecutorConfig{}, New())
	if err != nil {
		t.Skipf("GStreamer not available: %v", err)
	}
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestEngine_CaptureOnly(t *testing.T) {
	exec := newGstExecutor(t)

	res, err := exec.Run(context.Background(),
		"videotestsrc num-buffers=1 ! video/x-raw,width=32,height=32 ! appsink name=capture_sink", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Frame)
	assert.Empty(t, res.Tags)
}

func TestEngine_SyntaxError(t *testing.T) {
	exec := newGstExecutor(t)

	_, err := exec.Run(context.Background(), "definitely_not_an_element ! fakesink", nil)

	var syntaxErr *pipeline.SyntaxError
	assert.ErrorAs(t, err, &syntaxErr)
}

func TestEngine_PushFrame(t *testing.T) {
	exec := newGstExecutor(t)

	frame := &pipeline.RawFrame{Width: 8, Height: 8, Data: make([]byte, 8*8*3)}
	res, err := exec.Run(context.Background(),
		`appsrc name=programmable_source caps="video/x-raw,format=RGB" ! videoconvert ! appsink name=capture_sink`, frame)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Frame)
}

func TestEngine_InitOutcomeIsStable(t *testing.T) {
	first := New().Init(pipeline.ExecutorConfig{})
	second := New().Init(pipeline.ExecutorConfig{DebugLevel: "5"})
	assert.Equal(t, first, second, "later Init calls report the first outcome")
}
