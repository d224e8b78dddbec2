package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Len(t, id, IDLength)
		for _, r := range id {
			assert.Contains(t, idAlphabet, string(r))
		}
		assert.False(t, seen[id], "duplicate id generated")
		seen[id] = true
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusReady.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusSucceeded.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusTimedOut.Terminal())
	assert.True(t, RunStatusAborted.Terminal())
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from RunStatus
		to   RunStatus
		ok   bool
	}{
		{"dispatch", RunStatusReady, RunStatusRunning, true},
		{"success", RunStatusRunning, RunStatusSucceeded, true},
		{"failure", RunStatusRunning, RunStatusFailed, true},
		{"timeout", RunStatusRunning, RunStatusTimedOut, true},
		{"abort", RunStatusRunning, RunStatusAborted, true},
		{"resurrect succeeded", RunStatusSucceeded, RunStatusRunning, true},
		{"resurrect aborted", RunStatusAborted, RunStatusRunning, true},
		{"skip ready", RunStatusReady, RunStatusSucceeded, false},
		{"ready abort", RunStatusReady, RunStatusAborted, false},
		{"terminal to terminal", RunStatusFailed, RunStatusSucceeded, false},
		{"running to ready", RunStatusRunning, RunStatusReady, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidTransition(tt.from, tt.to))
		})
	}
}
