package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerEmitsStructuredEvents(t *testing.T) {
	capture := NewCapture(0)
	logger := NewLoggerWithWriter("dispatch", capture)

	logger.Info("Circuit opened", "circuit_key", "openai::gpt-4o::taskType=chat", "failure_count", 5)

	entries := capture.Find("Circuit opened")
	require.Len(t, entries, 1)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "dispatch", entries[0].Component)
	assert.Equal(t, "openai::gpt-4o::taskType=chat", entries[0].Fields["circuit_key"])
	assert.EqualValues(t, 5, entries[0].Fields["failure_count"])
}

func TestLoggerWithBindsFields(t *testing.T) {
	capture := NewCapture(0)
	logger := NewLoggerWithWriter("dispatch", capture).With("subsystem", "circuit")

	logger.Warn("Queue wait timed out")

	entries := capture.Find("Queue wait timed out")
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, "circuit", entries[0].Fields["subsystem"])
}

func TestCaptureRetainsMostRecent(t *testing.T) {
	capture := NewCapture(2)
	logger := NewLoggerWithWriter("test", capture)

	logger.Info("first")
	logger.Info("second")
	logger.Info("third")

	assert.False(t, capture.Contains("first"))
	assert.True(t, capture.Contains("second"))
	assert.True(t, capture.Contains("third"))

	capture.Reset()
	assert.Empty(t, capture.Entries())
}

func TestNopLoggerDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Error("ignored", "key", "value")
	})
}
