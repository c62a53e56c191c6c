package project

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadhub/beadhub/internal/identity"
	"github.com/beadhub/beadhub/internal/schema"
	"github.com/beadhub/beadhub/internal/services/policy"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

// Live-database tests. They run only when BEADHUB_TEST_DATABASE_URL
// points at a disposable PostgreSQL instance and skip otherwise.

func newTestDB(t *testing.T) *database.PostgreSQL {
	t.Helper()
	url := os.Getenv("BEADHUB_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BEADHUB_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := database.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, schema.Apply(ctx, db.Pool()))
	return db
}

func newDBService(db *database.PostgreSQL) *Service {
	log := logger.New("project-test", "test")
	return NewService(db, identity.NewStore(db.Pool()), policy.NewService(db, log), log)
}

func testSlug() string {
	return "proj-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func TestBootstrapProvisionsEverything(t *testing.T) {
	db := newTestDB(t)
	svc := newDBService(db)
	ctx := context.Background()

	slug := testSlug()
	res, err := svc.Bootstrap(ctx, BootstrapParams{
		ProjectSlug: slug,
		RepoOrigin:  "git@github.com:acme/widget.git",
		Alias:       "alice",
		Role:        "agent",
	})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.True(t, res.WorkspaceCreated)
	assert.Equal(t, slug, res.ProjectSlug)
	assert.Equal(t, "github.com/acme/widget", res.CanonicalOrigin)
	assert.Equal(t, "alice", res.Alias)
	assert.NotEmpty(t, res.WorkspaceID)
	assert.NotEmpty(t, res.AgentID)
	assert.True(t, strings.HasPrefix(res.APIKey, identity.APIKeyPrefix))
	assert.Equal(t, 1, res.PolicyVersion)
	assert.NotEmpty(t, res.PolicyID)

	// The issued credential resolves back to the provisioned agent.
	store := identity.NewStore(db.Pool())
	ident, err := store.ResolveToken(ctx, res.APIKey)
	require.NoError(t, err)
	assert.Equal(t, res.AgentID, ident.AgentID)
	assert.Equal(t, "alice", ident.Alias)
}

func TestBootstrapReplayReusesAndReissues(t *testing.T) {
	db := newTestDB(t)
	svc := newDBService(db)
	ctx := context.Background()

	params := BootstrapParams{
		ProjectSlug: testSlug(),
		RepoOrigin:  "https://github.com/acme/gadget.git",
		Alias:       "bob",
	}

	first, err := svc.Bootstrap(ctx, params)
	require.NoError(t, err)

	second, err := svc.Bootstrap(ctx, params)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.False(t, second.WorkspaceCreated)
	assert.Equal(t, first.ProjectID, second.ProjectID)
	assert.Equal(t, first.WorkspaceID, second.WorkspaceID)
	assert.Equal(t, first.AgentID, second.AgentID)
	// A fresh key every time, so a lost credential is recoverable.
	assert.NotEmpty(t, second.APIKey)
	assert.NotEqual(t, first.APIKey, second.APIKey)
}

func TestBootstrapRollsBackOnFailure(t *testing.T) {
	db := newTestDB(t)
	svc := newDBService(db)
	ctx := context.Background()

	// The project is resolved before the repo origin is parsed, so a
	// bad origin fails mid-transaction. Nothing may survive.
	slug := testSlug()
	_, err := svc.Bootstrap(ctx, BootstrapParams{
		ProjectSlug: slug,
		RepoOrigin:  "not a url",
		Alias:       "alice",
	})
	require.Error(t, err)

	var n int
	err = db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM projects WHERE slug = $1
	`, slug).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}
