package sync

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadhub/beadhub/internal/identity"
	"github.com/beadhub/beadhub/internal/schema"
	"github.com/beadhub/beadhub/internal/services/events"
	"github.com/beadhub/beadhub/internal/services/outbox"
	"github.com/beadhub/beadhub/internal/services/policy"
	"github.com/beadhub/beadhub/internal/services/subscription"
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
	log := logger.New("sync-test", "test")
	// Event publication is best-effort; an unreachable broker only logs.
	bus := events.NewBus(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), log)
	policies := policy.NewService(db, log)
	store := identity.NewStore(db.Pool())
	ob := outbox.NewService(db, store, store, log, time.Minute)
	return NewService(db, policies, ob, bus, log)
}

func createProject(t *testing.T, db *database.PostgreSQL) string {
	t.Helper()
	var id string
	err := db.Pool().QueryRow(context.Background(), `
		INSERT INTO projects (slug) VALUES ($1) RETURNING id
	`, "test-"+uuid.NewString()).Scan(&id)
	require.NoError(t, err)
	return id
}

func createWorkspace(t *testing.T, db *database.PostgreSQL, projectID, alias string) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Pool().Exec(context.Background(), `
		INSERT INTO workspaces (workspace_id, project_id, alias) VALUES ($1, $2, $3)
	`, id, projectID, alias)
	require.NoError(t, err)
	return id
}

func outboxCount(t *testing.T, db *database.PostgreSQL, projectID string) int {
	t.Helper()
	var n int
	err := db.Pool().QueryRow(context.Background(), `
		SELECT COUNT(*) FROM notification_outbox WHERE project_id = $1
	`, projectID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestSyncRejectsClaimedBead(t *testing.T) {
	db := newTestDB(t)
	svc := newDBService(db)
	ctx := context.Background()

	projectID := createProject(t, db)
	wsA := createWorkspace(t, db, projectID, "alice")
	wsB := createWorkspace(t, db, projectID, "bob")
	watcher := createWorkspace(t, db, projectID, "carol")

	subs := subscription.NewService(db, logger.New("sync-test", "test"))
	_, err := subs.Create(ctx, projectID, watcher, "bh-1", nil, []string{"status_change"})
	require.NoError(t, err)

	optsA := Options{ProjectID: projectID, WorkspaceID: wsA, Alias: "alice", Mode: ModeFull}
	optsB := Options{ProjectID: projectID, WorkspaceID: wsB, Alias: "bob", Mode: ModeFull}

	// alice creates the bead and claims it.
	res, err := svc.Sync(ctx, optsA, []map[string]any{
		{"id": "bh-1", "title": "Fix parser", "status": "in_progress"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.IssuesAdded)
	require.Len(t, res.ClaimChanges, 1)
	assert.Equal(t, "claimed", res.ClaimChanges[0].Action)
	assert.Empty(t, res.ClaimRejections)
	// First sight of a bead is an import, not a transition.
	assert.Equal(t, 0, res.NotificationsEnqueued)

	// alice moves it to review: a real transition, the claim stays.
	res, err = svc.Sync(ctx, optsA, []map[string]any{
		{"id": "bh-1", "title": "Fix parser", "status": "review"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.StatusChanges, 1)
	assert.Equal(t, 1, res.NotificationsEnqueued)

	// bob reports in_progress on the held bead. The whole item is
	// rejected: no mirror write, no status change, no notification.
	res, err = svc.Sync(ctx, optsB, []map[string]any{
		{"id": "bh-1", "title": "Stolen", "status": "in_progress", "assignee": "bob"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.ClaimRejections, 1)
	assert.Equal(t, wsA, res.ClaimRejections[0].HolderWorkspaceID)
	assert.Equal(t, "alice", res.ClaimRejections[0].HolderAlias)
	assert.Zero(t, res.IssuesUpdated)
	assert.Zero(t, res.IssuesAdded)
	assert.Empty(t, res.StatusChanges)
	assert.Empty(t, res.ClaimChanges)
	assert.Equal(t, 0, res.NotificationsEnqueued)
	assert.Equal(t, 1, outboxCount(t, db, projectID))

	// The mirror kept alice's state.
	var (
		title, status string
		assignee      *string
	)
	err = db.Pool().QueryRow(ctx, `
		SELECT title, status, assignee FROM beads_issues
		WHERE project_id = $1 AND bead_id = 'bh-1'
	`, projectID).Scan(&title, &status, &assignee)
	require.NoError(t, err)
	assert.Equal(t, "Fix parser", title)
	assert.Equal(t, "review", status)
	assert.Nil(t, assignee)

	// Exactly one claim, alice's.
	var holder string
	err = db.Pool().QueryRow(ctx, `
		SELECT workspace_id FROM bead_claims
		WHERE project_id = $1 AND bead_id = 'bh-1'
	`, projectID).Scan(&holder)
	require.NoError(t, err)
	assert.Equal(t, wsA, holder)
}

func TestSyncIdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	svc := newDBService(db)
	ctx := context.Background()

	projectID := createProject(t, db)
	wsA := createWorkspace(t, db, projectID, "alice")
	opts := Options{ProjectID: projectID, WorkspaceID: wsA, Alias: "alice", Mode: ModeFull}

	payload := []map[string]any{
		{"id": "bh-2", "title": "Add caching", "status": "open", "updated_at": "2026-05-01T10:00:00Z"},
	}

	res, err := svc.Sync(ctx, opts, payload, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.IssuesAdded)

	// Replaying the identical payload changes nothing observable.
	res, err = svc.Sync(ctx, opts, payload, nil)
	require.NoError(t, err)
	assert.Zero(t, res.IssuesAdded)
	assert.Equal(t, 1, res.IssuesUpdated)
	assert.Empty(t, res.StatusChanges)
	assert.Empty(t, res.ClaimChanges)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 0, res.NotificationsEnqueued)
	assert.Equal(t, 0, outboxCount(t, db, projectID))

	// An older snapshot is reported as a conflict, not applied.
	res, err = svc.Sync(ctx, opts, []map[string]any{
		{"id": "bh-2", "title": "Older", "status": "closed", "updated_at": "2026-04-30T10:00:00Z"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"bh-2"}, res.Conflicts)

	var title string
	err = db.Pool().QueryRow(ctx, `
		SELECT title FROM beads_issues WHERE project_id = $1 AND bead_id = 'bh-2'
	`, projectID).Scan(&title)
	require.NoError(t, err)
	assert.Equal(t, "Add caching", title)
}

func TestSyncReleasesClaimOnClose(t *testing.T) {
	db := newTestDB(t)
	svc := newDBService(db)
	ctx := context.Background()

	projectID := createProject(t, db)
	wsA := createWorkspace(t, db, projectID, "alice")
	opts := Options{ProjectID: projectID, WorkspaceID: wsA, Alias: "alice", Mode: ModeFull}

	_, err := svc.Sync(ctx, opts, []map[string]any{
		{"id": "bh-3", "title": "Ship it", "status": "in_progress"},
	}, nil)
	require.NoError(t, err)

	res, err := svc.Sync(ctx, opts, []map[string]any{
		{"id": "bh-3", "title": "Ship it", "status": "closed"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, res.ClaimChanges, 1)
	assert.Equal(t, "released", res.ClaimChanges[0].Action)

	var n int
	err = db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM bead_claims WHERE project_id = $1 AND bead_id = 'bh-3'
	`, projectID).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncCoordinatedClaims(t *testing.T) {
	db := newTestDB(t)
	svc := newDBService(db)
	ctx := context.Background()

	projectID := createProject(t, db)
	wsA := createWorkspace(t, db, projectID, "alice")
	wsB := createWorkspace(t, db, projectID, "bob")

	bundle, err := policy.DefaultBundle()
	require.NoError(t, err)
	bundle.Settings.AllowCoordinatedClaims = true
	policies := policy.NewService(db, logger.New("sync-test", "test"))
	_, err = policies.CreateVersion(ctx, projectID, bundle, nil, nil)
	require.NoError(t, err)

	optsA := Options{ProjectID: projectID, WorkspaceID: wsA, Alias: "alice", Mode: ModeFull}
	optsB := Options{ProjectID: projectID, WorkspaceID: wsB, Alias: "bob", Mode: ModeFull}

	_, err = svc.Sync(ctx, optsA, []map[string]any{
		{"id": "bh-4", "title": "Pairing", "status": "in_progress"},
	}, nil)
	require.NoError(t, err)

	// Under a permissive policy the second claimant joins instead of
	// being rejected, and its claim is marked coordinated.
	res, err := svc.Sync(ctx, optsB, []map[string]any{
		{"id": "bh-4", "title": "Pairing", "status": "in_progress"},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.ClaimRejections)
	require.Len(t, res.ClaimChanges, 1)
	assert.Equal(t, "claimed", res.ClaimChanges[0].Action)

	var coordinated bool
	err = db.Pool().QueryRow(ctx, `
		SELECT coordinated FROM bead_claims
		WHERE project_id = $1 AND workspace_id = $2 AND bead_id = 'bh-4'
	`, projectID, wsB).Scan(&coordinated)
	require.NoError(t, err)
	assert.True(t, coordinated)
}
