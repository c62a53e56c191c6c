// Package policy stores versioned, project-scoped policy bundles.
// Version numbers are allocated under a row lock on the project, and
// activation is guarded by compare-against-base optimistic concurrency
// so two operators editing policy concurrently cannot silently lose an
// update.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrPolicyNotFound  = errors.New("policy not found")
	ErrWrongProject    = errors.New("policy does not belong to this project")
)

// ConflictError reports a stale base_policy_id: the caller's last
// observed active version is no longer current. It carries the current
// state so the caller can re-read and retry without another query.
type ConflictError struct {
	CurrentPolicyID string
	CurrentVersion  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("policy conflict: active policy is now %s (version %d)", e.CurrentPolicyID, e.CurrentVersion)
}

// DB is the pgx query surface shared by *pgxpool.Pool and pgx.Tx, so
// policy operations can join a caller's transaction (bootstrap).
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Policy is one stored bundle version.
type Policy struct {
	PolicyID             string    `json:"policy_id"`
	ProjectID            string    `json:"project_id"`
	Version              int       `json:"version"`
	Bundle               Bundle    `json:"bundle"`
	CreatedByWorkspaceID *string   `json:"created_by_workspace_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	IsActive             bool      `json:"is_active"`
}

// Service handles policy storage and activation.
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new policy service.
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// CreateVersion stores a new bundle version and activates it.
//
// The project row is locked for the duration so version allocation is
// collision-free under concurrency. When basePolicyID is non-nil it
// must equal the currently active policy id; a mismatch returns
// *ConflictError instead of overwriting. A nil basePolicyID skips the
// check (compatibility path for clients that never read the policy).
func (s *Service) CreateVersion(ctx context.Context, projectID string, bundle Bundle, basePolicyID, createdByWorkspaceID *string) (*Policy, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	policy, err := createVersionTx(ctx, tx, projectID, bundle, basePolicyID, createdByWorkspaceID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit policy version: %w", err)
	}

	s.logger.Infof("Policy version %d activated for project %s", policy.Version, projectID)
	return policy, nil
}

func createVersionTx(ctx context.Context, db DB, projectID string, bundle Bundle, basePolicyID, createdByWorkspaceID *string) (*Policy, error) {
	var activePolicyID *string
	err := db.QueryRow(ctx, `
		SELECT active_policy_id FROM projects
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, projectID).Scan(&activePolicyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}

	if basePolicyID != nil {
		if activePolicyID == nil || *activePolicyID != *basePolicyID {
			conflict := &ConflictError{}
			if activePolicyID != nil {
				conflict.CurrentPolicyID = *activePolicyID
				err := db.QueryRow(ctx, `
					SELECT version FROM project_policies WHERE policy_id = $1
				`, *activePolicyID).Scan(&conflict.CurrentVersion)
				if err != nil {
					return nil, fmt.Errorf("failed to read active policy version: %w", err)
				}
			}
			return nil, conflict
		}
	}

	bundle = NormalizeBundle(bundle)
	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	policy := &Policy{
		ProjectID:            projectID,
		Bundle:               bundle,
		CreatedByWorkspaceID: createdByWorkspaceID,
		IsActive:             true,
	}
	err = db.QueryRow(ctx, `
		INSERT INTO project_policies (project_id, version, bundle_json, created_by_workspace_id)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2::jsonb, $3
		FROM project_policies WHERE project_id = $1
		RETURNING policy_id, version, created_at, updated_at
	`, projectID, bundleJSON, createdByWorkspaceID).Scan(&policy.PolicyID, &policy.Version, &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert policy version: %w", err)
	}

	if _, err := db.Exec(ctx, `
		UPDATE projects SET active_policy_id = $2 WHERE id = $1
	`, projectID, policy.PolicyID); err != nil {
		return nil, fmt.Errorf("failed to activate policy: %w", err)
	}

	return policy, nil
}

// EnsureDefault bootstraps the embedded default bundle as version 1
// when the project has no policy yet. It joins the caller's
// transaction and reports whether a policy was created.
func (s *Service) EnsureDefault(ctx context.Context, db DB, projectID string) (*Policy, bool, error) {
	// The existence check runs under the project row lock so two
	// concurrent bootstraps cannot both see zero and mint a version.
	var one int
	err := db.QueryRow(ctx, `
		SELECT 1 FROM projects WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, projectID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrProjectNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock project: %w", err)
	}

	var count int
	if err := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM project_policies WHERE project_id = $1
	`, projectID).Scan(&count); err != nil {
		return nil, false, fmt.Errorf("failed to count policies: %w", err)
	}
	if count > 0 {
		return nil, false, nil
	}

	bundle, err := DefaultBundle()
	if err != nil {
		return nil, false, fmt.Errorf("failed to load default bundle: %w", err)
	}

	policy, err := createVersionTx(ctx, db, projectID, bundle, nil, nil)
	if err != nil {
		return nil, false, err
	}
	return policy, true, nil
}

// GetActive returns the project's active policy. When none exists and
// bootstrapIfMissing is set, the default bundle is stored and
// activated first.
func (s *Service) GetActive(ctx context.Context, projectID string, bootstrapIfMissing bool) (*Policy, error) {
	policy, err := s.getActive(ctx, projectID)
	if err != nil && !errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}
	if policy != nil {
		return policy, nil
	}
	if !bootstrapIfMissing {
		return nil, nil
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created, _, err := s.EnsureDefault(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit default policy: %w", err)
	}
	if created != nil {
		return created, nil
	}
	// Another request bootstrapped concurrently; re-read.
	return s.getActive(ctx, projectID)
}

func (s *Service) getActive(ctx context.Context, projectID string) (*Policy, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT pp.policy_id, pp.project_id, pp.version, pp.bundle_json,
		       pp.created_by_workspace_id, pp.created_at, pp.updated_at
		FROM projects p
		JOIN project_policies pp ON pp.policy_id = p.active_policy_id
		WHERE p.id = $1 AND p.deleted_at IS NULL
	`, projectID)
	policy, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	policy.IsActive = true
	return policy, nil
}

// Get fetches one policy version by id, scoped to the project.
func (s *Service) Get(ctx context.Context, projectID, policyID string) (*Policy, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT pp.policy_id, pp.project_id, pp.version, pp.bundle_json,
		       pp.created_by_workspace_id, pp.created_at, pp.updated_at
		FROM project_policies pp
		WHERE pp.project_id = $1 AND pp.policy_id = $2
	`, projectID, policyID)
	policy, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}

	var activeID *string
	if err := s.db.Pool().QueryRow(ctx, `
		SELECT active_policy_id FROM projects WHERE id = $1
	`, projectID).Scan(&activeID); err == nil && activeID != nil {
		policy.IsActive = *activeID == policy.PolicyID
	}
	return policy, nil
}

// List returns all versions for a project, newest first, with the
// active one flagged.
func (s *Service) List(ctx context.Context, projectID string) ([]*Policy, error) {
	var activeID *string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT active_policy_id FROM projects WHERE id = $1 AND deleted_at IS NULL
	`, projectID).Scan(&activeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT pp.policy_id, pp.project_id, pp.version, pp.bundle_json,
		       pp.created_by_workspace_id, pp.created_at, pp.updated_at
		FROM project_policies pp
		WHERE pp.project_id = $1
		ORDER BY pp.version DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		if activeID != nil && *activeID == policy.PolicyID {
			policy.IsActive = true
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// Activate flips the active version to an existing policy. The policy
// must belong to the project.
func (s *Service) Activate(ctx context.Context, projectID, policyID string) error {
	var owner string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT project_id FROM project_policies WHERE policy_id = $1
	`, policyID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPolicyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	if owner != projectID {
		return ErrWrongProject
	}

	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE projects SET active_policy_id = $2 WHERE id = $1 AND deleted_at IS NULL
	`, projectID, policyID)
	if err != nil {
		return fmt.Errorf("failed to activate policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProjectNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		policy     Policy
		bundleJSON []byte
	)
	err := row.Scan(&policy.PolicyID, &policy.ProjectID, &policy.Version, &bundleJSON,
		&policy.CreatedByWorkspaceID, &policy.CreatedAt, &policy.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bundleJSON, &policy.Bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bundle for policy %s: %w", policy.PolicyID, err)
	}
	policy.Bundle = NormalizeBundle(policy.Bundle)
	return &policy, nil
}
