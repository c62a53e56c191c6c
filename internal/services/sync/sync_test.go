package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadhub/beadhub/pkg/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(nil, nil, nil, nil, logger.New("sync-test", "test"))
}

func TestValidateIssues(t *testing.T) {
	s := newTestService(t)

	order, issues := s.ValidateIssues([]map[string]any{
		{"id": "bd-1", "status": "open"},
		{"status": "open"},
		{"id": "bad id!", "status": "open"},
		{"id": "bd-2", "status": "closed"},
		{"id": "bd-1", "status": "in_progress"},
	})

	assert.Equal(t, []string{"bd-1", "bd-2"}, order)
	require.Len(t, issues, 2)
	// A later record with the same id wins.
	assert.Equal(t, "in_progress", issues["bd-1"]["status"])
}

func TestParseBlockedByStrings(t *testing.T) {
	s := newTestService(t)

	refs := s.ParseBlockedBy([]any{"bd-1", "github.com/org/other:bd-2"}, "github.com/org/repo", "main")
	require.Len(t, refs, 2)
	assert.Equal(t, Ref{Repo: "github.com/org/repo", Branch: "main", BeadID: "bd-1"}, refs[0])
	assert.Equal(t, Ref{Repo: "github.com/org/other", Branch: "main", BeadID: "bd-2"}, refs[1])
}

func TestParseBlockedByStructured(t *testing.T) {
	s := newTestService(t)

	refs := s.ParseBlockedBy([]any{
		map[string]any{"bead_id": "bd-1"},
		map[string]any{"bead_id": "bd-2", "repo": "github.com/org/other", "branch": "dev"},
	}, "github.com/org/repo", "main")
	require.Len(t, refs, 2)
	assert.Equal(t, Ref{Repo: "github.com/org/repo", Branch: "main", BeadID: "bd-1"}, refs[0])
	assert.Equal(t, Ref{Repo: "github.com/org/other", Branch: "dev", BeadID: "bd-2"}, refs[1])
}

func TestParseBlockedByDropsInvalid(t *testing.T) {
	s := newTestService(t)

	refs := s.ParseBlockedBy([]any{
		"bad id!",
		":missing-repo",
		"github.com/org/repo:",
		map[string]any{"repo": "github.com/org/repo"},
		map[string]any{"bead_id": "bd-1", "branch": "bad branch"},
		42,
		"bd-ok",
	}, "github.com/org/repo", "main")
	require.Len(t, refs, 1)
	assert.Equal(t, "bd-ok", refs[0].BeadID)
}

func TestParseBlockedByNonList(t *testing.T) {
	s := newTestService(t)
	assert.Empty(t, s.ParseBlockedBy(nil, "r", "b"))
	assert.Empty(t, s.ParseBlockedBy("bd-1", "r", "b"))
	assert.Empty(t, s.ParseBlockedBy([]any{}, "r", "b"))
}

func TestParseRelationsDependencies(t *testing.T) {
	s := newTestService(t)

	issue := map[string]any{
		"id": "bd-child",
		"dependencies": []any{
			map[string]any{"depends_on_id": "bd-parent", "type": "parent-child"},
			map[string]any{"depends_on_id": "bd-blocker", "type": "blocks"},
			map[string]any{"depends_on_id": "bd-done", "type": "blocks"},
			map[string]any{"depends_on_id": "bd-second-parent", "type": "parent-child"},
		},
	}
	batch := map[string]map[string]any{
		"bd-done": {"id": "bd-done", "status": "closed"},
	}

	blockedBy, parent := s.parseRelations(issue, batch, "github.com/org/repo", "main")

	require.NotNil(t, parent)
	assert.Equal(t, "bd-parent", parent.BeadID)

	// A blocker closed by the same batch does not block, and only the
	// first parent-child edge counts.
	require.Len(t, blockedBy, 1)
	assert.Equal(t, "bd-blocker", blockedBy[0].BeadID)
}

func TestParseRelationsMergesBlockedBy(t *testing.T) {
	s := newTestService(t)

	issue := map[string]any{
		"id":         "bd-1",
		"blocked_by": []any{"bd-a"},
		"dependencies": []any{
			map[string]any{"depends_on_id": "bd-b", "type": "blocks"},
		},
	}
	blockedBy, parent := s.parseRelations(issue, nil, "github.com/org/repo", "main")
	assert.Nil(t, parent)
	require.Len(t, blockedBy, 2)
	assert.Equal(t, "bd-a", blockedBy[0].BeadID)
	assert.Equal(t, "bd-b", blockedBy[1].BeadID)
}

func TestStringField(t *testing.T) {
	m := map[string]any{"a": "x", "b": 1}
	assert.Equal(t, "x", stringField(m, "a"))
	assert.Equal(t, "", stringField(m, "b"))
	assert.Equal(t, "", stringField(m, "missing"))
}

func TestIntField(t *testing.T) {
	m := map[string]any{
		"number": json.Number("3"),
		"float":  float64(2),
		"int":    1,
		"string": "4",
	}
	require.NotNil(t, intField(m, "number"))
	assert.Equal(t, 3, *intField(m, "number"))
	assert.Equal(t, 2, *intField(m, "float"))
	assert.Equal(t, 1, *intField(m, "int"))
	assert.Nil(t, intField(m, "string"))
	assert.Nil(t, intField(m, "missing"))
}

func TestTimeField(t *testing.T) {
	m := map[string]any{
		"rfc3339": "2026-03-01T10:00:00Z",
		"nanos":   "2026-03-01T10:00:00.123456789Z",
		"naive":   "2026-03-01T10:00:00",
		"date":    "2026-03-01",
		"bad":     "yesterday",
	}
	for _, key := range []string{"rfc3339", "nanos", "naive", "date"} {
		ts := timeField(m, key)
		require.NotNil(t, ts, key)
		assert.Equal(t, 2026, ts.Year())
		assert.Equal(t, time.March, ts.Month())
	}
	assert.Nil(t, timeField(m, "bad"))
	assert.Nil(t, timeField(m, "missing"))
}
