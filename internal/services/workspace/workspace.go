// Package workspace manages workspace registration and lifecycle.
// Workspaces are soft-deleted; a deleted workspace id keeps resolving
// so callers get a definitive gone answer instead of a not-found.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/beadhub/beadhub/internal/services/presence"
	"github.com/beadhub/beadhub/internal/validate"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

var (
	ErrNotFound   = errors.New("workspace not found")
	ErrDeleted    = errors.New("workspace has been deleted")
	ErrAliasTaken = errors.New("alias is already in use in this project")
)

// Workspace is one registered agent working copy.
type Workspace struct {
	WorkspaceID   string     `json:"workspace_id"`
	ProjectID     string     `json:"project_id"`
	RepoID        *string    `json:"repo_id,omitempty"`
	Alias         string     `json:"alias"`
	Role          string     `json:"role"`
	HumanName     *string    `json:"human_name,omitempty"`
	Hostname      *string    `json:"hostname,omitempty"`
	WorkspacePath *string    `json:"workspace_path,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// DeleteResult reports the cascade counts from a workspace delete.
type DeleteResult struct {
	WorkspaceID     string `json:"workspace_id"`
	ClaimsDeleted   int    `json:"claims_deleted"`
	PresenceCleared int    `json:"presence_cleared"`
}

// Service handles workspace operations.
type Service struct {
	db       *database.PostgreSQL
	presence *presence.Service
	logger   *logger.Logger
}

// NewService creates a new workspace service.
func NewService(db *database.PostgreSQL, presence *presence.Service, logger *logger.Logger) *Service {
	return &Service{db: db, presence: presence, logger: logger}
}

// DB is the pgx query surface shared by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RegisterParams describes a workspace to create or revive.
type RegisterParams struct {
	ProjectID     string
	RepoID        *string
	Alias         string
	Role          string
	HumanName     *string
	Hostname      *string
	WorkspacePath *string
}

// RegisterTx creates a workspace inside the caller's transaction. An
// existing live workspace with the same (repo, alias) is reused; the
// bool reports whether a new row was inserted.
func RegisterTx(ctx context.Context, db DB, params RegisterParams) (*Workspace, bool, error) {
	ws := &Workspace{
		ProjectID: params.ProjectID,
		RepoID:    params.RepoID,
		Alias:     params.Alias,
		Role:      params.Role,
		HumanName: params.HumanName,
		Hostname:  params.Hostname,
	}

	err := db.QueryRow(ctx, `
		SELECT workspace_id, role, created_at FROM workspaces
		WHERE project_id = $1 AND alias = $2 AND deleted_at IS NULL
		  AND (repo_id = $3 OR ($3::uuid IS NULL AND repo_id IS NULL))
	`, params.ProjectID, params.Alias, params.RepoID).Scan(&ws.WorkspaceID, &ws.Role, &ws.CreatedAt)
	if err == nil {
		return ws, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up workspace: %w", err)
	}

	ws.WorkspaceID = uuid.NewString()
	ws.Role = params.Role
	err = db.QueryRow(ctx, `
		INSERT INTO workspaces (workspace_id, project_id, repo_id, alias, role, human_name, hostname, workspace_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, ws.WorkspaceID, params.ProjectID, params.RepoID, params.Alias, params.Role,
		params.HumanName, params.Hostname, params.WorkspacePath).Scan(&ws.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrAliasTaken
		}
		return nil, false, fmt.Errorf("failed to create workspace: %w", err)
	}
	ws.WorkspacePath = params.WorkspacePath
	return ws, true, nil
}

// Get resolves a workspace id. Deleted workspaces return ErrDeleted so
// handlers can answer 410 rather than 404.
func (s *Service) Get(ctx context.Context, workspaceID string) (*Workspace, error) {
	return GetTx(ctx, s.db.Pool(), workspaceID)
}

// GetTx is Get joined to the caller's transaction.
func GetTx(ctx context.Context, db DB, workspaceID string) (*Workspace, error) {
	var ws Workspace
	err := db.QueryRow(ctx, `
		SELECT workspace_id, project_id, repo_id, alias, role, human_name, hostname,
		       workspace_path, created_at, deleted_at
		FROM workspaces WHERE workspace_id = $1
	`, workspaceID).Scan(&ws.WorkspaceID, &ws.ProjectID, &ws.RepoID, &ws.Alias, &ws.Role,
		&ws.HumanName, &ws.Hostname, &ws.WorkspacePath, &ws.CreatedAt, &ws.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}
	if ws.DeletedAt != nil {
		return &ws, ErrDeleted
	}
	return &ws, nil
}

// List returns a project's live workspaces.
func (s *Service) List(ctx context.Context, projectID string, limit, offset int) ([]*Workspace, int, error) {
	var total int
	err := s.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM workspaces WHERE project_id = $1 AND deleted_at IS NULL
	`, projectID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count workspaces: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT workspace_id, project_id, repo_id, alias, role, human_name, hostname,
		       workspace_path, created_at, deleted_at
		FROM workspaces
		WHERE project_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, workspace_id
		LIMIT $2 OFFSET $3
	`, projectID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.WorkspaceID, &ws.ProjectID, &ws.RepoID, &ws.Alias, &ws.Role,
			&ws.HumanName, &ws.Hostname, &ws.WorkspacePath, &ws.CreatedAt, &ws.DeletedAt); err != nil {
			return nil, 0, err
		}
		workspaces = append(workspaces, &ws)
	}
	return workspaces, total, rows.Err()
}

// SoftDelete marks a workspace deleted, removes its claims, and clears
// its presence.
func (s *Service) SoftDelete(ctx context.Context, workspaceID string) (*DeleteResult, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT deleted_at FROM workspaces WHERE workspace_id = $1 FOR UPDATE
	`, workspaceID).Scan(&deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace: %w", err)
	}
	if deletedAt != nil {
		return nil, ErrDeleted
	}

	result := &DeleteResult{WorkspaceID: workspaceID}
	tag, err := tx.Exec(ctx, `
		DELETE FROM bead_claims WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete claims: %w", err)
	}
	result.ClaimsDeleted = int(tag.RowsAffected())

	if _, err := tx.Exec(ctx, `
		UPDATE workspaces SET deleted_at = NOW() WHERE workspace_id = $1
	`, workspaceID); err != nil {
		return nil, fmt.Errorf("failed to soft-delete workspace: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit workspace delete: %w", err)
	}

	cleared, err := s.presence.Clear(ctx, []string{workspaceID})
	if err != nil {
		s.logger.Warnf("Failed to clear presence for workspace %s: %v", workspaceID, err)
	}
	result.PresenceCleared = cleared

	s.logger.Infof("Workspace soft-deleted: id=%s claims=%d", workspaceID, result.ClaimsDeleted)
	return result, nil
}

// SuggestAliasPrefix picks the first classic name whose prefix is not
// already in use by a live workspace in the project. "alice-agent"
// consumes "alice" for the whole project.
func (s *Service) SuggestAliasPrefix(ctx context.Context, projectID string) (string, error) {
	return SuggestAliasPrefixTx(ctx, s.db.Pool(), projectID)
}

// SuggestAliasPrefixTx is SuggestAliasPrefix joined to the caller's
// transaction.
func SuggestAliasPrefixTx(ctx context.Context, db DB, projectID string) (string, error) {
	rows, err := db.Query(ctx, `
		SELECT alias FROM workspaces WHERE project_id = $1 AND deleted_at IS NULL
	`, projectID)
	if err != nil {
		return "", fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	taken := map[string]bool{}
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return "", err
		}
		taken[aliasPrefix(alias)] = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	for _, name := range validate.ClassicNames {
		if !taken[name] {
			return name, nil
		}
	}
	// All classic names consumed; number them round by round.
	for round := 2; round < 100; round++ {
		for _, name := range validate.ClassicNames {
			candidate := fmt.Sprintf("%s-%02d", name, round)
			if !taken[candidate] {
				return candidate, nil
			}
		}
	}
	return "", errors.New("no alias prefix available")
}

// SuggestAlias builds a full alias like "alice-reviewer" from the
// suggested prefix and the normalized role.
func (s *Service) SuggestAlias(ctx context.Context, projectID, role string) (string, error) {
	prefix, err := s.SuggestAliasPrefix(ctx, projectID)
	if err != nil {
		return "", err
	}
	rolePrefix := validate.RoleAliasPrefix(role)
	if rolePrefix == "" {
		return prefix, nil
	}
	return prefix + "-" + rolePrefix, nil
}

// aliasPrefix strips the role suffix and round number from an alias
// to recover the classic-name portion ("alice-02-reviewer" -> "alice",
// with the round keyed separately as "alice-02").
func aliasPrefix(alias string) string {
	for i := 0; i < len(alias); i++ {
		if alias[i] == '-' {
			// Keep "name-NN" together when the next segment is a round
			// number.
			rest := alias[i+1:]
			if len(rest) >= 2 && isDigit(rest[0]) && isDigit(rest[1]) {
				end := i + 3
				if end > len(alias) {
					end = len(alias)
				}
				return alias[:end]
			}
			return alias[:i]
		}
	}
	return alias
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
