package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/beadhub/beadhub/pkg/logger"
)

func TestIndexKeys(t *testing.T) {
	s := NewService(nil, nil, logger.New("presence-test", "test"), time.Minute)

	keys := s.indexKeys("p1", "github.com/org/repo", "main", "alice")
	assert.Equal(t, []string{
		"presence:project:p1",
		"presence:repo:p1:github.com/org/repo",
		"presence:branch:p1:github.com/org/repo:main",
		"presence:alias:p1:alice",
	}, keys)

	// No branch index without a repo.
	keys = s.indexKeys("p1", "", "main", "")
	assert.Equal(t, []string{"presence:project:p1"}, keys)

	keys = s.indexKeys("p1", "github.com/org/repo", "", "")
	assert.Equal(t, []string{
		"presence:project:p1",
		"presence:repo:p1:github.com/org/repo",
	}, keys)
}

func TestRecordFromFields(t *testing.T) {
	last := time.UnixMilli(1775044800000).UTC()
	rec := recordFromFields(map[string]string{
		"workspace_id": "ws-1",
		"project_id":   "p1",
		"repo":         "github.com/org/repo",
		"branch":       "main",
		"alias":        "alice",
		"role":         "agent",
		"human_name":   "Ada",
		"hostname":     "devbox",
		"last_seen":    "1775044800000",
	})
	assert.Equal(t, "ws-1", rec.WorkspaceID)
	assert.Equal(t, "alice", rec.Alias)
	assert.Equal(t, last, rec.LastSeen)

	// An unparsable timestamp leaves LastSeen zero instead of failing.
	rec = recordFromFields(map[string]string{"workspace_id": "ws-2", "last_seen": "garbage"})
	assert.True(t, rec.LastSeen.IsZero())
}
