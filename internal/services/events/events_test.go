package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventCategory(t *testing.T) {
	assert.Equal(t, "bead", (&Event{Type: "bead.status_changed"}).Category())
	assert.Equal(t, "escalation", (&Event{Type: "escalation.raised"}).Category())
	assert.Equal(t, "presence", (&Event{Type: "presence.updated"}).Category())
	assert.Equal(t, "heartbeat", (&Event{Type: "heartbeat"}).Category())
}

func TestNewEvent(t *testing.T) {
	e := NewEvent("bead.status_changed", "ws-1")
	assert.Equal(t, "bead.status_changed", e.Type)
	assert.Equal(t, "ws-1", e.WorkspaceID)
	assert.NotEmpty(t, e.Timestamp)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "events:ws-1", ChannelName("ws-1"))
}

func TestEventSerializationOmitsEmpty(t *testing.T) {
	e := NewEvent("bead.status_changed", "ws-1")
	e.BeadID = "bd-1"
	e.OldStatus = "open"
	e.NewStatus = "closed"

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "bd-1", decoded["bead_id"])
	assert.NotContains(t, decoded, "message_id")
	assert.NotContains(t, decoded, "escalation_id")
	assert.NotContains(t, decoded, "paths")
}
