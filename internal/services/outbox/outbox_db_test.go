package outbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadhub/beadhub/internal/identity"
	"github.com/beadhub/beadhub/internal/schema"
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

func createProject(t *testing.T, db *database.PostgreSQL) string {
	t.Helper()
	var id string
	err := db.Pool().QueryRow(context.Background(), `
		INSERT INTO projects (slug) VALUES ($1) RETURNING id
	`, "test-"+uuid.NewString()).Scan(&id)
	require.NoError(t, err)
	return id
}

func insertRow(t *testing.T, db *database.PostgreSQL, projectID, status string, attempts int, processingAt *time.Time) int64 {
	t.Helper()
	var id int64
	err := db.Pool().QueryRow(context.Background(), `
		INSERT INTO notification_outbox (project_id, event_type, payload, recipient_workspace_id, status, attempts, processing_at)
		VALUES ($1, 'status_change', '{}'::jsonb, $2, $3, $4, $5)
		RETURNING id
	`, projectID, uuid.NewString(), status, attempts, processingAt).Scan(&id)
	require.NoError(t, err)
	return id
}

func rowState(t *testing.T, db *database.PostgreSQL, id int64) (string, int) {
	t.Helper()
	var (
		status   string
		attempts int
	)
	err := db.Pool().QueryRow(context.Background(), `
		SELECT status, attempts FROM notification_outbox WHERE id = $1
	`, id).Scan(&status, &attempts)
	require.NoError(t, err)
	return status, attempts
}

func TestDrainReclaimsStaleProcessing(t *testing.T) {
	db := newTestDB(t)
	store := identity.NewStore(db.Pool())
	// Recipients are random workspace ids that do not exist, so
	// delivery completes the rows without sending mail.
	svc := NewService(db, store, store, logger.New("outbox-test", "test"), time.Minute)
	ctx := context.Background()
	projectID := createProject(t, db)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC()

	pending := insertRow(t, db, projectID, StatusPending, 0, nil)
	crashed := insertRow(t, db, projectID, StatusProcessing, 1, &stale)
	exhausted := insertRow(t, db, projectID, StatusProcessing, MaxAttempts, &stale)
	inFlight := insertRow(t, db, projectID, StatusProcessing, 1, &fresh)

	_, err := svc.DrainOnce(ctx)
	require.NoError(t, err)

	status, attempts := rowState(t, db, pending)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 1, attempts)

	// A crashed delivery is reclaimed once its claim goes stale.
	status, attempts = rowState(t, db, crashed)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 2, attempts)

	// The attempt ceiling applies to reclaims too: a delivery that
	// keeps dying mid-flight must not retry forever.
	status, attempts = rowState(t, db, exhausted)
	assert.Equal(t, StatusProcessing, status)
	assert.Equal(t, MaxAttempts, attempts)

	// A freshly claimed row belongs to its drainer, not to us.
	status, attempts = rowState(t, db, inFlight)
	assert.Equal(t, StatusProcessing, status)
	assert.Equal(t, 1, attempts)
}

func TestDrainStopsAtMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	store := identity.NewStore(db.Pool())
	svc := NewService(db, store, store, logger.New("outbox-test", "test"), time.Minute)
	ctx := context.Background()
	projectID := createProject(t, db)

	failed := insertRow(t, db, projectID, StatusFailed, MaxAttempts, nil)

	_, err := svc.DrainOnce(ctx)
	require.NoError(t, err)

	status, attempts := rowState(t, db, failed)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, MaxAttempts, attempts)
}
