// Package schema owns the database schema for both logical partitions
// sharing the beadhub database: the coordination tables (projects, repos,
// workspaces, beads, claims, policies, escalations, subscriptions,
// outbox) and the identity partition (aweb_* tables). The coordination
// engine never touches aweb_* tables directly; access goes through the
// identity store.
package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations holds all schema migrations in order. Applied migrations
// are tracked in schema_version; each migration runs in its own
// transaction.
var migrations = []string{
	// Migration 1: coordination core
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id UUID,
		slug TEXT NOT NULL,
		name TEXT,
		visibility TEXT NOT NULL DEFAULT 'private',
		active_policy_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS projects_slug_global_key
		ON projects (slug) WHERE tenant_id IS NULL AND deleted_at IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS projects_slug_tenant_key
		ON projects (tenant_id, slug) WHERE tenant_id IS NOT NULL AND deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS repos (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		origin_url TEXT NOT NULL,
		canonical_origin TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ,
		UNIQUE (project_id, canonical_origin)
	);

	CREATE INDEX IF NOT EXISTS repos_canonical_origin_idx ON repos (canonical_origin);

	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		repo_id UUID REFERENCES repos(id) ON DELETE SET NULL,
		alias TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'agent',
		human_name TEXT,
		hostname TEXT,
		workspace_path TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS workspaces_alias_key
		ON workspaces (project_id, alias) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS workspaces_repo_idx ON workspaces (repo_id);`,

	// Migration 2: beads mirror and claims
	`CREATE TABLE IF NOT EXISTS beads_issues (
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		bead_id TEXT NOT NULL,
		repo TEXT NOT NULL,
		branch TEXT NOT NULL,
		title TEXT,
		description TEXT,
		status TEXT,
		priority INTEGER,
		issue_type TEXT,
		assignee TEXT,
		created_by TEXT,
		labels JSONB,
		blocked_by JSONB NOT NULL DEFAULT '[]'::jsonb,
		parent_ref JSONB,
		created_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ,
		synced_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (project_id, repo, branch, bead_id)
	);

	CREATE INDEX IF NOT EXISTS beads_issues_status_idx ON beads_issues (project_id, status);

	CREATE TABLE IF NOT EXISTS bead_claims (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		workspace_id UUID NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
		bead_id TEXT NOT NULL,
		repo TEXT NOT NULL,
		branch TEXT NOT NULL,
		apex_bead_id TEXT,
		coordinated BOOLEAN NOT NULL DEFAULT FALSE,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (project_id, repo, branch, bead_id, workspace_id)
	);

	CREATE INDEX IF NOT EXISTS bead_claims_bead_idx ON bead_claims (project_id, repo, branch, bead_id);
	CREATE INDEX IF NOT EXISTS bead_claims_workspace_idx ON bead_claims (workspace_id);`,

	// Migration 3: versioned policies
	`CREATE TABLE IF NOT EXISTS project_policies (
		policy_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		version INTEGER NOT NULL,
		bundle_json JSONB NOT NULL,
		created_by_workspace_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (project_id, version)
	);

	ALTER TABLE projects
		ADD CONSTRAINT projects_active_policy_fk
		FOREIGN KEY (active_policy_id) REFERENCES project_policies(policy_id)
		ON DELETE SET NULL;`,

	// Migration 4: escalations and subscriptions
	`CREATE TABLE IF NOT EXISTS escalations (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		raised_by UUID NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
		subject TEXT NOT NULL,
		body TEXT,
		options JSONB NOT NULL DEFAULT '[]'::jsonb,
		status TEXT NOT NULL DEFAULT 'pending',
		response TEXT,
		responded_at TIMESTAMPTZ,
		deadline_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS escalations_project_status_idx ON escalations (project_id, status);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		workspace_id UUID NOT NULL REFERENCES workspaces(workspace_id) ON DELETE CASCADE,
		bead_id TEXT NOT NULL,
		repo TEXT,
		event_types TEXT[] NOT NULL DEFAULT '{status_change}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_unique_key
		ON subscriptions (project_id, workspace_id, bead_id, COALESCE(repo, ''));`,

	// Migration 5: notification outbox
	`CREATE TABLE IF NOT EXISTS notification_outbox (
		id BIGSERIAL PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		recipient_workspace_id UUID NOT NULL,
		recipient_alias TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		message_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS notification_outbox_pending_idx
		ON notification_outbox (created_at) WHERE status IN ('pending', 'failed');`,

	// Migration 6: identity partition (owned by the embedded identity
	// library; reached only through internal/identity)
	`CREATE TABLE IF NOT EXISTS aweb_agents (
		agent_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_id UUID NOT NULL,
		alias TEXT NOT NULL,
		human_name TEXT,
		agent_type TEXT NOT NULL DEFAULT 'agent',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS aweb_api_keys (
		key_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		agent_id UUID NOT NULL REFERENCES aweb_agents(agent_id) ON DELETE CASCADE,
		project_id UUID NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		key_prefix TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS aweb_messages (
		message_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		project_id UUID NOT NULL,
		from_agent_id UUID NOT NULL,
		from_alias TEXT,
		to_agent_id UUID NOT NULL,
		subject TEXT NOT NULL,
		body TEXT,
		priority TEXT NOT NULL DEFAULT 'normal',
		thread_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		acknowledged_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS aweb_messages_inbox_idx ON aweb_messages (to_agent_id, created_at);`,

	// Migration 7: track when outbox delivery was claimed, so stale
	// 'processing' reclaim keys on the claim time rather than row age
	`ALTER TABLE notification_outbox ADD COLUMN IF NOT EXISTS processing_at TIMESTAMPTZ;`,
}

// Apply runs all pending migrations against the given pool.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	err = pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(ctx, migrations[i]); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// Version returns the number of migrations this build expects.
func Version() int {
	return len(migrations)
}
