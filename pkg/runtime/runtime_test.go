package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlpoint/crawlpoint/pkg/types"
)

func TestClassifyStdout(t *testing.T) {
	tests := []struct {
		line     string
		expected types.LogLevel
	}{
		{"ERROR something broke", types.LogLevelError},
		{"WARN watch out", types.LogLevelWarn},
		{"DEBUG details", types.LogLevelDebug},
		{"plain output", types.LogLevelInfo},
		{"", types.LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, classifyStdout(tt.line), tt.line)
	}
}

func TestFakeRuntimeEmitsAndExits(t *testing.T) {
	f := NewFakeRuntime()
	f.ExitCode = 3
	f.Lines = []string{"starting", "done"}

	var got []string
	code, err := f.Execute(context.Background(), &Spec{RunID: "r1"}, func(level types.LogLevel, msg string) {
		got = append(got, msg)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, []string{"starting", "done"}, got)
	require.Len(t, f.Executed(), 1)
	assert.Equal(t, "r1", f.Executed()[0].RunID)
}

func TestFakeRuntimeCancellation(t *testing.T) {
	f := NewFakeRuntime()
	f.Delay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	code, err := f.Execute(ctx, &Spec{RunID: "r1"}, func(types.LogLevel, string) {})
	require.NoError(t, err)
	assert.Equal(t, SigtermExitCode, code)
}

func TestFakeRuntimeScriptedCancelExit(t *testing.T) {
	f := NewFakeRuntime()
	f.Delay = time.Minute
	f.CancelExitCode = 137

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, err := f.Execute(ctx, &Spec{RunID: "r1"}, func(types.LogLevel, string) {})
	require.NoError(t, err)
	assert.Equal(t, 137, code)
}
