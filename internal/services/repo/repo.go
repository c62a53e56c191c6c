// Package repo registers git repositories within projects. Repos are
// keyed by canonical origin so SSH and HTTPS remotes for the same
// repository resolve to one row.
package repo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/beadhub/beadhub/internal/pagination"
	"github.com/beadhub/beadhub/internal/services/presence"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

var (
	ErrNotFound        = errors.New("repo not found")
	ErrProjectNotFound = errors.New("project not found")
)

// AmbiguousError reports a canonical origin registered in more than
// one project; the caller must pick a project explicitly.
type AmbiguousError struct {
	CanonicalOrigin string
	Candidates      []Candidate
}

func (e *AmbiguousError) Error() string {
	slugs := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		slugs[i] = c.ProjectSlug
	}
	return fmt.Sprintf("repo %s exists in multiple projects: %s", e.CanonicalOrigin, strings.Join(slugs, ", "))
}

// Candidate is one (repo, project) pair from an ambiguous lookup.
type Candidate struct {
	RepoID      string `json:"repo_id"`
	ProjectID   string `json:"project_id"`
	ProjectSlug string `json:"project_slug"`
}

// Repo is one registered repository.
type Repo struct {
	ID              string    `json:"id"`
	ProjectID       string    `json:"project_id"`
	ProjectSlug     string    `json:"project_slug,omitempty"`
	CanonicalOrigin string    `json:"canonical_origin"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
	WorkspaceCount  int       `json:"workspace_count"`
}

// DeleteResult reports the cascade counts from a repo soft-delete.
type DeleteResult struct {
	ID                string `json:"id"`
	WorkspacesDeleted int    `json:"workspaces_deleted"`
	ClaimsDeleted     int    `json:"claims_deleted"`
	PresenceCleared   int    `json:"presence_cleared"`
}

// sshOriginPattern matches scp-like remotes: git@host:path.
var sshOriginPattern = regexp.MustCompile(`^git@([^:]+):(.+)$`)

// CanonicalizeGitURL normalizes a git remote to host/path form.
// git@github.com:org/repo.git, https://github.com/org/repo.git, and
// ssh://git@github.com:22/org/repo all canonicalize to
// github.com/org/repo.
func CanonicalizeGitURL(originURL string) (string, error) {
	raw := strings.TrimSpace(originURL)
	if raw == "" {
		return "", errors.New("empty origin URL")
	}

	var host, path string
	if m := sshOriginPattern.FindStringSubmatch(raw); m != nil {
		host, path = m[1], m[2]
	} else {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return "", fmt.Errorf("invalid git URL: %s", originURL)
		}
		host = parsed.Hostname()
		if host == "" {
			return "", fmt.Errorf("invalid git URL: %s", originURL)
		}
		path = strings.TrimPrefix(parsed.Path, "/")
	}

	path = strings.TrimSuffix(path, ".git")
	path = strings.TrimRight(path, "/")
	if path == "" {
		return "", fmt.Errorf("invalid git URL (no path): %s", originURL)
	}
	return host + "/" + path, nil
}

// ExtractRepoName returns the last path component of a canonical
// origin.
func ExtractRepoName(canonicalOrigin string) string {
	if idx := strings.LastIndex(canonicalOrigin, "/"); idx >= 0 {
		return canonicalOrigin[idx+1:]
	}
	return canonicalOrigin
}

// Service handles repo registration and lookup.
type Service struct {
	db       *database.PostgreSQL
	presence *presence.Service
	logger   *logger.Logger
}

// NewService creates a new repo service.
func NewService(db *database.PostgreSQL, presence *presence.Service, logger *logger.Logger) *Service {
	return &Service{db: db, presence: presence, logger: logger}
}

// Lookup resolves an origin URL to its repo and project. A canonical
// origin registered in several projects returns *AmbiguousError so the
// client can ask the user to choose.
func (s *Service) Lookup(ctx context.Context, originURL string) (*Repo, error) {
	canonical, err := CanonicalizeGitURL(originURL)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT r.id, r.canonical_origin, r.name, r.created_at,
		       p.id, p.slug
		FROM repos r
		JOIN projects p ON p.id = r.project_id AND p.deleted_at IS NULL
		WHERE r.canonical_origin = $1 AND r.deleted_at IS NULL
		ORDER BY p.slug
	`, canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to look up repo: %w", err)
	}
	defer rows.Close()

	var matches []*Repo
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.CanonicalOrigin, &r.Name, &r.CreatedAt, &r.ProjectID, &r.ProjectSlug); err != nil {
			return nil, err
		}
		matches = append(matches, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		ambiguous := &AmbiguousError{CanonicalOrigin: canonical}
		for _, m := range matches {
			ambiguous.Candidates = append(ambiguous.Candidates, Candidate{
				RepoID:      m.ID,
				ProjectID:   m.ProjectID,
				ProjectSlug: m.ProjectSlug,
			})
		}
		return nil, ambiguous
	}
}

// Ensure gets or creates a repo within a project, returning whether a
// new row was inserted. Re-registering a soft-deleted repo revives it.
func (s *Service) Ensure(ctx context.Context, projectID, originURL string) (*Repo, bool, error) {
	repo, created, err := EnsureTx(ctx, s.db.Pool(), projectID, originURL)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Infof("Repo created: project=%s canonical=%s id=%s", projectID, repo.CanonicalOrigin, repo.ID)
	}
	return repo, created, nil
}

// DB is the pgx query surface shared by *pgxpool.Pool and pgx.Tx.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EnsureTx is Ensure joined to the caller's transaction (bootstrap).
// The xmax = 0 projection distinguishes a fresh insert from an upsert
// of an existing row.
func EnsureTx(ctx context.Context, db DB, projectID, originURL string) (*Repo, bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND deleted_at IS NULL)
	`, projectID).Scan(&exists)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return nil, false, ErrProjectNotFound
	}

	canonical, err := CanonicalizeGitURL(originURL)
	if err != nil {
		return nil, false, err
	}

	repo := &Repo{ProjectID: projectID}
	var created bool
	err = db.QueryRow(ctx, `
		INSERT INTO repos (project_id, origin_url, canonical_origin, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, canonical_origin)
		DO UPDATE SET origin_url = EXCLUDED.origin_url, deleted_at = NULL
		RETURNING id, canonical_origin, name, created_at, (xmax = 0)
	`, projectID, originURL, canonical, ExtractRepoName(canonical)).
		Scan(&repo.ID, &repo.CanonicalOrigin, &repo.Name, &repo.CreatedAt, &created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure repo: %w", err)
	}
	return repo, created, nil
}

// List returns active repos with workspace counts, ordered by
// (created_at, id) under keyset pagination.
func (s *Service) List(ctx context.Context, projectID string, limit int, cursor map[string]string) ([]*Repo, bool, *string, error) {
	query := `
		SELECT r.id, r.project_id, r.canonical_origin, r.name, r.created_at,
		       COUNT(w.workspace_id) FILTER (WHERE w.deleted_at IS NULL) AS workspace_count
		FROM repos r
		LEFT JOIN workspaces w ON w.repo_id = r.id
		WHERE r.deleted_at IS NULL`
	args := []any{}
	idx := 1

	if projectID != "" {
		query += fmt.Sprintf(" AND r.project_id = $%d", idx)
		args = append(args, projectID)
		idx++
	}
	if cursor != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, cursor["created_at"])
		if err != nil {
			return nil, false, nil, fmt.Errorf("invalid cursor: %w", err)
		}
		cursorID, err := uuid.Parse(cursor["id"])
		if err != nil {
			return nil, false, nil, fmt.Errorf("invalid cursor: %w", err)
		}
		query += fmt.Sprintf(" AND (r.created_at, r.id) > ($%d, $%d)", idx, idx+1)
		args = append(args, createdAt, cursorID)
		idx += 2
	}

	query += fmt.Sprintf(`
		GROUP BY r.id, r.project_id, r.canonical_origin, r.name, r.created_at
		ORDER BY r.created_at, r.id
		LIMIT $%d`, idx)
	args = append(args, limit+1)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var repos []*Repo
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.CanonicalOrigin, &r.Name, &r.CreatedAt, &r.WorkspaceCount); err != nil {
			return nil, false, nil, err
		}
		repos = append(repos, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, nil, err
	}

	hasMore := len(repos) > limit
	if hasMore {
		repos = repos[:limit]
	}
	var nextCursor *string
	if hasMore && len(repos) > 0 {
		last := repos[len(repos)-1]
		encoded := pagination.EncodeCursor(map[string]string{
			"created_at": last.CreatedAt.Format(time.RFC3339Nano),
			"id":         last.ID,
		})
		nextCursor = &encoded
	}
	return repos, hasMore, nextCursor, nil
}

// SoftDelete marks a repo deleted and cascades: workspaces in the repo
// are soft-deleted, their claims removed, and their presence cleared.
func (s *Service) SoftDelete(ctx context.Context, repoID string) (*DeleteResult, error) {
	var projectID string
	err := s.db.Pool().QueryRow(ctx, `
		SELECT project_id FROM repos WHERE id = $1 AND deleted_at IS NULL
	`, repoID).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repo: %w", err)
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT workspace_id FROM workspaces WHERE repo_id = $1 AND deleted_at IS NULL
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	var workspaceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		workspaceIDs = append(workspaceIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &DeleteResult{ID: repoID, WorkspacesDeleted: len(workspaceIDs)}
	if len(workspaceIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE workspaces SET deleted_at = NOW() WHERE repo_id = $1 AND deleted_at IS NULL
		`, repoID); err != nil {
			return nil, fmt.Errorf("failed to soft-delete workspaces: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			DELETE FROM bead_claims WHERE workspace_id = ANY($1)
		`, workspaceIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to delete claims: %w", err)
		}
		result.ClaimsDeleted = int(tag.RowsAffected())
	}

	if _, err := tx.Exec(ctx, `
		UPDATE repos SET deleted_at = NOW() WHERE id = $1
	`, repoID); err != nil {
		return nil, fmt.Errorf("failed to soft-delete repo: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit repo delete: %w", err)
	}

	// Presence lives in Redis outside the transaction; clearing after
	// commit means a crash leaves only TTL-bounded stale entries.
	cleared, err := s.presence.Clear(ctx, workspaceIDs)
	if err != nil {
		s.logger.Warnf("Failed to clear presence for deleted repo %s: %v", repoID, err)
	}
	result.PresenceCleared = cleared

	s.logger.Infof("Repo soft-deleted: id=%s workspaces=%d claims=%d presence=%d",
		repoID, result.WorkspacesDeleted, result.ClaimsDeleted, result.PresenceCleared)
	return result, nil
}
