package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	et, err := ParseEventType("job:completed")
	require.NoError(t, err)
	assert.Equal(t, TypeJobCompleted, et)
	assert.Equal(t, CategoryJob, et.Category())
	assert.Equal(t, "completed", et.Action())

	_, err = ParseEventType("job")
	assert.Error(t, err)
	_, err = ParseEventType("gpu:melted")
	assert.Error(t, err)
	_, err = ParseEventType("node:")
	assert.Error(t, err)

	assert.Equal(t, TypeNodeOnline, NewEventType(CategoryNode, "online"))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"job:progress","timestamp":"2026-01-02T03:04:05Z","data":{"jobId":"j1","progress":42.5}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJobProgress, ev.Type)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ev.Time())

	var data JobEventData
	require.NoError(t, ev.Decode(&data))
	assert.Equal(t, "j1", data.JobID)
	assert.InDelta(t, 42.5, data.Progress, 0.001)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`{"timestamp":"x"}`))
	assert.Error(t, err)
}

func TestEventTimeMalformed(t *testing.T) {
	assert.True(t, Event{Timestamp: "yesterday"}.Time().IsZero())
}

func TestChannelGroupPath(t *testing.T) {
	p, err := GroupJobs.Path()
	require.NoError(t, err)
	assert.Equal(t, "/ws/jobs", p)

	_, err = ChannelGroup("billing").Path()
	assert.Error(t, err)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "job:abc", JobChannel("abc"))
	assert.Equal(t, "node:n1", NodeChannel("n1"))
	assert.Equal(t, "wallet:So1", WalletChannel("So1"))
	assert.Equal(t, "network:stats", NetworkStatsChannel)
}
