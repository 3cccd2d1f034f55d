package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/proto"
)

func TestWriteAndReadEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	first := &Event{
		Timestamp:    time.Now().UTC(),
		RequestID:    "req-1",
		Tenant:       "alice",
		Priority:     proto.PriorityP0,
		RateLimitKey: "openai::gpt-4o::chat",
		Outcome:      "dispatched",
		QueueWaitMs:  12,
	}
	require.NoError(t, w.Write(first))
	require.NoError(t, w.Write(&Event{
		RequestID: "req-2",
		Tenant:    "bob",
		Priority:  proto.PriorityP1,
		Outcome:   "queue_timeout",
		Detail:    "waited 120ms",
	}))

	path := w.CurrentLogFile()
	require.NotEmpty(t, path)

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, "dispatched", events[0].Outcome)
	assert.Equal(t, proto.PriorityP1, events[1].Priority)
	assert.Equal(t, "waited 120ms", events[1].Detail)
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(&Event{RequestID: "r", Outcome: "succeeded"}))
	require.NoError(t, w.Close())

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentLogFile())
}
