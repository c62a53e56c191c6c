package policy

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

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

func TestCreateVersionConflictOnStaleBase(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, logger.New("policy-test", "test"))
	ctx := context.Background()
	projectID := createProject(t, db)

	bundle, err := DefaultBundle()
	require.NoError(t, err)

	v1, err := svc.CreateVersion(ctx, projectID, bundle, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := svc.CreateVersion(ctx, projectID, bundle, &v1.PolicyID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	// A write based on the superseded version must not land; the
	// conflict identifies what is current so the caller can re-read.
	_, err = svc.CreateVersion(ctx, projectID, bundle, &v1.PolicyID, nil)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, v2.PolicyID, conflict.CurrentPolicyID)
	assert.Equal(t, 2, conflict.CurrentVersion)

	// Retrying against the reported current version succeeds.
	v3, err := svc.CreateVersion(ctx, projectID, bundle, &conflict.CurrentPolicyID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)

	active, err := svc.GetActive(ctx, projectID, false)
	require.NoError(t, err)
	assert.Equal(t, v3.PolicyID, active.PolicyID)
}

func TestEnsureDefaultConcurrent(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, logger.New("policy-test", "test"))
	projectID := createProject(t, db)

	var (
		mu      sync.Mutex
		created int
	)
	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			tx, err := db.Pool().Begin(gctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(gctx)
			_, didCreate, err := svc.EnsureDefault(gctx, tx, projectID)
			if err != nil {
				return err
			}
			if err := tx.Commit(gctx); err != nil {
				return err
			}
			if didCreate {
				mu.Lock()
				created++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, created)

	var versions int
	err := db.Pool().QueryRow(context.Background(), `
		SELECT COUNT(*) FROM project_policies WHERE project_id = $1
	`, projectID).Scan(&versions)
	require.NoError(t, err)
	assert.Equal(t, 1, versions)
}

func TestEnsureDefaultUnknownProject(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, logger.New("policy-test", "test"))

	_, _, err := svc.EnsureDefault(context.Background(), db.Pool(), uuid.NewString())
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
