package outbox

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatNotificationStatusChange(t *testing.T) {
	old := "open"
	payload, err := json.Marshal(StatusChange{
		BeadID:    "bd-1",
		Repo:      "github.com/org/repo",
		Branch:    "main",
		Title:     "Fix the widget",
		OldStatus: &old,
		NewStatus: "in_progress",
		ChangedBy: "alice",
	})
	require.NoError(t, err)

	subject, body, err := formatNotification(&Entry{EventType: "status_change", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "Bead bd-1: open -> in_progress", subject)
	assert.Contains(t, body, "github.com/org/repo@main")
	assert.Contains(t, body, "Title: Fix the widget")
	assert.Contains(t, body, "Changed by: alice")
}

func TestFormatNotificationStatusChangeNoOldStatus(t *testing.T) {
	payload, err := json.Marshal(StatusChange{BeadID: "bd-1", NewStatus: "open"})
	require.NoError(t, err)

	subject, _, err := formatNotification(&Entry{EventType: "status_change", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "Bead bd-1: unknown -> open", subject)
}

func TestFormatNotificationStatusChangeBadPayload(t *testing.T) {
	_, _, err := formatNotification(&Entry{EventType: "status_change", Payload: []byte("not json")})
	assert.Error(t, err)
}

func TestFormatNotificationEscalation(t *testing.T) {
	payload := []byte(`{"escalation_id":"esc-1","subject":"Need a decision","body":"Which database?","raised_by":"bob"}`)
	subject, body, err := formatNotification(&Entry{EventType: "escalation", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "Escalation from bob: Need a decision", subject)
	assert.Contains(t, body, "Which database?")
	assert.Contains(t, body, "POST /v1/escalations/esc-1/respond")
}

func TestFormatNotificationEscalationEmptyBody(t *testing.T) {
	payload := []byte(`{"escalation_id":"esc-2","subject":"Ping","raised_by":"bob"}`)
	_, body, err := formatNotification(&Entry{EventType: "escalation", Payload: payload})
	require.NoError(t, err)
	assert.Contains(t, body, "Ping")
}

func TestFormatNotificationGeneric(t *testing.T) {
	payload := []byte(`{"anything":"goes"}`)
	subject, body, err := formatNotification(&Entry{EventType: "custom_event", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "Notification: custom_event", subject)
	assert.Equal(t, string(payload), body)
}
