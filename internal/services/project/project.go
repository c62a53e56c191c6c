// Package project manages project records and the atomic bootstrap
// flow behind POST /v1/init: one transaction provisions (or reuses)
// the project, repo, workspace, agent identity, API key, and default
// policy together, so a crash mid-init never leaves a half-registered
// workspace.
package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beadhub/beadhub/internal/identity"
	"github.com/beadhub/beadhub/internal/services/policy"
	"github.com/beadhub/beadhub/internal/services/repo"
	"github.com/beadhub/beadhub/internal/services/workspace"
	"github.com/beadhub/beadhub/internal/validate"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

var (
	ErrNotFound     = errors.New("project not found")
	ErrSlugRequired = errors.New("project_slug is required for an unregistered repo")
	ErrInvalidSlug  = errors.New("invalid project_slug")
)

// Project is one coordination tenant.
type Project struct {
	ID         string    `json:"id"`
	Slug       string    `json:"slug"`
	Name       *string   `json:"name,omitempty"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"created_at"`
}

// BootstrapParams is the /v1/init request after validation.
type BootstrapParams struct {
	ProjectSlug   string
	ProjectName   string
	RepoOrigin    string
	Alias         string
	HumanName     string
	Role          string
	Hostname      *string
	WorkspacePath *string
}

// BootstrapResult is everything a fresh client needs to start working.
type BootstrapResult struct {
	Status           string    `json:"status"`
	ProjectID        string    `json:"project_id"`
	ProjectSlug      string    `json:"project_slug"`
	RepoID           string    `json:"repo_id"`
	CanonicalOrigin  string    `json:"canonical_origin"`
	WorkspaceID      string    `json:"workspace_id"`
	Alias            string    `json:"alias"`
	AgentID          string    `json:"agent_id"`
	APIKey           string    `json:"api_key"`
	PolicyID         string    `json:"policy_id"`
	PolicyVersion    int       `json:"policy_version"`
	Created          bool      `json:"created"`
	WorkspaceCreated bool      `json:"workspace_created"`
	CreatedAt        time.Time `json:"created_at"`
}

// Service handles project records and bootstrap.
type Service struct {
	db       *database.PostgreSQL
	identity *identity.Store
	policies *policy.Service
	logger   *logger.Logger
}

// NewService creates a new project service.
func NewService(db *database.PostgreSQL, store *identity.Store, policies *policy.Service, logger *logger.Logger) *Service {
	return &Service{db: db, identity: store, policies: policies, logger: logger}
}

// Get returns a live project by id.
func (s *Service) Get(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, slug, name, visibility, created_at FROM projects
		WHERE id = $1 AND deleted_at IS NULL
	`, projectID).Scan(&p.ID, &p.Slug, &p.Name, &p.Visibility, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}
	return &p, nil
}

// GetBySlug returns a live global project by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*Project, error) {
	var p Project
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, slug, name, visibility, created_at FROM projects
		WHERE slug = $1 AND tenant_id IS NULL AND deleted_at IS NULL
	`, slug).Scan(&p.ID, &p.Slug, &p.Name, &p.Visibility, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}
	return &p, nil
}

// Bootstrap provisions everything a workspace needs in one
// transaction. Repeating the same call is idempotent: the existing
// project and workspace are reused and the flags report what was
// actually created. A fresh API key is issued on every call so a lost
// credential can be recovered by re-running init.
func (s *Service) Bootstrap(ctx context.Context, params BootstrapParams) (*BootstrapResult, error) {
	if params.ProjectSlug != "" && !validate.ProjectSlug(params.ProjectSlug) {
		return nil, ErrInvalidSlug
	}
	if params.Role == "" {
		params.Role = "agent"
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin bootstrap transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result := &BootstrapResult{Status: "ok"}

	// Resolve the project: explicit slug wins, otherwise the repo's
	// registration decides.
	if params.ProjectSlug != "" {
		err = tx.QueryRow(ctx, `
			SELECT id, slug FROM projects
			WHERE slug = $1 AND tenant_id IS NULL AND deleted_at IS NULL
		`, params.ProjectSlug).Scan(&result.ProjectID, &result.ProjectSlug)
		if errors.Is(err, pgx.ErrNoRows) {
			name := params.ProjectName
			if name == "" {
				name = params.ProjectSlug
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO projects (slug, name) VALUES ($1, $2)
				RETURNING id, slug
			`, params.ProjectSlug, name).Scan(&result.ProjectID, &result.ProjectSlug)
			if err != nil {
				return nil, fmt.Errorf("failed to create project: %w", err)
			}
			result.Created = true
		} else if err != nil {
			return nil, fmt.Errorf("failed to look up project: %w", err)
		}
	} else {
		canonical, err := repo.CanonicalizeGitURL(params.RepoOrigin)
		if err != nil {
			return nil, err
		}
		err = tx.QueryRow(ctx, `
			SELECT p.id, p.slug
			FROM repos r
			JOIN projects p ON p.id = r.project_id AND p.deleted_at IS NULL
			WHERE r.canonical_origin = $1 AND r.deleted_at IS NULL
			ORDER BY p.created_at
			LIMIT 1
		`, canonical).Scan(&result.ProjectID, &result.ProjectSlug)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlugRequired
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project from repo: %w", err)
		}
	}

	repoRow, _, err := repo.EnsureTx(ctx, tx, result.ProjectID, params.RepoOrigin)
	if err != nil {
		return nil, err
	}
	result.RepoID = repoRow.ID
	result.CanonicalOrigin = repoRow.CanonicalOrigin

	alias := params.Alias
	if alias == "" {
		prefix, err := workspace.SuggestAliasPrefixTx(ctx, tx, result.ProjectID)
		if err != nil {
			return nil, err
		}
		if rolePrefix := validate.RoleAliasPrefix(params.Role); rolePrefix != "" {
			alias = prefix + "-" + rolePrefix
		} else {
			alias = prefix
		}
	}

	repoID := repoRow.ID
	ws, wsCreated, err := workspace.RegisterTx(ctx, tx, workspace.RegisterParams{
		ProjectID:     result.ProjectID,
		RepoID:        &repoID,
		Alias:         alias,
		Role:          validate.NormalizeRole(params.Role),
		HumanName:     nullIfEmpty(params.HumanName),
		Hostname:      params.Hostname,
		WorkspacePath: params.WorkspacePath,
	})
	if err != nil {
		return nil, err
	}
	result.WorkspaceID = ws.WorkspaceID
	result.Alias = ws.Alias
	result.WorkspaceCreated = wsCreated
	result.CreatedAt = ws.CreatedAt

	// Reuse the agent identity behind this alias when it exists;
	// always mint a fresh API key.
	agentID, err := s.identity.AgentByAlias(ctx, tx, result.ProjectID, ws.Alias)
	if errors.Is(err, identity.ErrUnknownAgent) {
		agentID, err = s.identity.CreateAgent(ctx, tx, result.ProjectID, ws.Alias, params.HumanName, "agent")
	}
	if err != nil {
		return nil, err
	}
	result.AgentID = agentID

	result.APIKey, err = s.identity.IssueAPIKey(ctx, tx, result.ProjectID, agentID)
	if err != nil {
		return nil, err
	}

	if active, created, err := s.policies.EnsureDefault(ctx, tx, result.ProjectID); err != nil {
		return nil, err
	} else if created {
		result.PolicyID = active.PolicyID
		result.PolicyVersion = active.Version
	} else {
		err = tx.QueryRow(ctx, `
			SELECT pp.policy_id, pp.version
			FROM projects p
			JOIN project_policies pp ON pp.policy_id = p.active_policy_id
			WHERE p.id = $1
		`, result.ProjectID).Scan(&result.PolicyID, &result.PolicyVersion)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to read active policy: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit bootstrap: %w", err)
	}

	s.logger.Infof("Bootstrap: project=%s workspace=%s alias=%s created=%t workspace_created=%t",
		result.ProjectSlug, result.WorkspaceID, result.Alias, result.Created, result.WorkspaceCreated)
	return result, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
