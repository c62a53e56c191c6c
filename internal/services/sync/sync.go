// Package sync ingests client-pushed bead snapshots. The server never
// runs git or reads working trees; clients push their local issue
// database and this package reconciles it into the shared mirror,
// detects status transitions, and maintains at-most-one-claim
// semantics for in_progress beads.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beadhub/beadhub/internal/services/events"
	"github.com/beadhub/beadhub/internal/services/outbox"
	"github.com/beadhub/beadhub/internal/services/policy"
	"github.com/beadhub/beadhub/internal/validate"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

var ErrInvalidMode = errors.New("sync_mode must be 'full' or 'incremental'")

// Ref addresses one bead, possibly in another repo or branch.
type Ref struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	BeadID string `json:"bead_id"`
}

// ClaimChange reports a claim acquired or released during a sync.
type ClaimChange struct {
	BeadID string `json:"bead_id"`
	Action string `json:"action"` // claimed | released
}

// ClaimRejection reports an in_progress report refused because another
// live workspace already holds the bead.
type ClaimRejection struct {
	BeadID            string `json:"bead_id"`
	HolderWorkspaceID string `json:"holder_workspace_id"`
	HolderAlias       string `json:"holder_alias"`
}

// Options scopes one sync call.
type Options struct {
	ProjectID   string
	WorkspaceID string
	Alias       string
	Repo        string
	Branch      string
	Mode        string
}

// Result summarizes what a sync changed.
type Result struct {
	IssuesSynced          int                    `json:"issues_synced"`
	IssuesAdded           int                    `json:"issues_added"`
	IssuesUpdated         int                    `json:"issues_updated"`
	IssuesDeleted         int                    `json:"issues_deleted"`
	SyncedAt              time.Time              `json:"synced_at"`
	Repo                  string                 `json:"repo"`
	Branch                string                 `json:"branch"`
	StatusChanges         []outbox.StatusChange  `json:"status_changes,omitempty"`
	Conflicts             []string               `json:"conflicts,omitempty"`
	ClaimChanges          []ClaimChange          `json:"claim_changes,omitempty"`
	ClaimRejections       []ClaimRejection       `json:"claim_rejections,omitempty"`
	NotificationsEnqueued int                    `json:"notifications_enqueued"`
}

// Service reconciles pushed snapshots into the bead mirror.
type Service struct {
	db       *database.PostgreSQL
	policies *policy.Service
	outbox   *outbox.Service
	bus      *events.Bus
	logger   *logger.Logger
}

// NewService creates a new sync service.
func NewService(db *database.PostgreSQL, policies *policy.Service, ob *outbox.Service, bus *events.Bus, logger *logger.Logger) *Service {
	return &Service{db: db, policies: policies, outbox: ob, bus: bus, logger: logger}
}

// ValidateIssues filters parsed JSONL records down to those with a
// well-formed bead id, preserving input order. Invalid records are
// skipped with a warning rather than failing the batch.
func (s *Service) ValidateIssues(records []map[string]any) ([]string, map[string]map[string]any) {
	order := make([]string, 0, len(records))
	issues := make(map[string]map[string]any, len(records))
	for idx, record := range records {
		id := stringField(record, "id")
		if id == "" {
			s.logger.Warnf("Skipping sync record without 'id' at index %d", idx)
			continue
		}
		if !validate.BeadID(id) {
			s.logger.Warnf("Skipping sync record with invalid bead id at index %d", idx)
			continue
		}
		if _, seen := issues[id]; !seen {
			order = append(order, id)
		}
		issues[id] = record
	}
	return order, issues
}

// Sync applies one pushed snapshot. Upserts, claim transitions,
// deletions, and outbox fan-out commit in a single transaction;
// replaying the same payload yields no further status changes and no
// new notifications.
func (s *Service) Sync(ctx context.Context, opts Options, records []map[string]any, deletedIDs []string) (*Result, error) {
	if opts.Mode != ModeFull && opts.Mode != ModeIncremental {
		return nil, ErrInvalidMode
	}
	if opts.Repo == "" {
		opts.Repo = validate.DefaultRepo
	}
	if opts.Branch == "" {
		opts.Branch = validate.DefaultBranch
	}

	order, issues := s.ValidateIssues(records)

	allowCoordinated := false
	if active, err := s.policies.GetActive(ctx, opts.ProjectID, true); err == nil && active != nil {
		allowCoordinated = active.Bundle.Settings.AllowCoordinatedClaims
	} else if err != nil {
		s.logger.Warnf("Failed to load policy for project %s, coordinated claims disabled: %v", opts.ProjectID, err)
	}

	now := time.Now().UTC()
	result := &Result{
		IssuesSynced: len(issues),
		SyncedAt:     now,
		Repo:         opts.Repo,
		Branch:       opts.Branch,
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, beadID := range order {
		if err := s.syncIssue(ctx, tx, opts, beadID, issues[beadID], issues, now, allowCoordinated, result); err != nil {
			return nil, err
		}
	}

	if len(deletedIDs) > 0 {
		deleted, err := s.deleteIssues(ctx, tx, opts, deletedIDs, result)
		if err != nil {
			return nil, err
		}
		result.IssuesDeleted = deleted
	}

	enqueued, err := s.outbox.RecordStatusChanges(ctx, tx, opts.ProjectID, result.StatusChanges)
	if err != nil {
		return nil, fmt.Errorf("failed to record status changes: %w", err)
	}
	result.NotificationsEnqueued = enqueued

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit sync: %w", err)
	}

	for _, change := range result.StatusChanges {
		event := events.NewEvent("bead.status_changed", opts.WorkspaceID)
		event.BeadID = change.BeadID
		event.Repo = change.Repo
		event.Branch = change.Branch
		if change.OldStatus != nil {
			event.OldStatus = *change.OldStatus
		}
		event.NewStatus = change.NewStatus
		s.bus.Publish(ctx, event)
	}

	s.logger.Debugf("Sync for workspace %s: %d synced, %d added, %d updated, %d deleted, %d conflicts",
		opts.WorkspaceID, result.IssuesSynced, result.IssuesAdded, result.IssuesUpdated,
		result.IssuesDeleted, len(result.Conflicts))
	return result, nil
}

func (s *Service) syncIssue(ctx context.Context, tx pgx.Tx, opts Options, beadID string, issue map[string]any, batch map[string]map[string]any, now time.Time, allowCoordinated bool, result *Result) error {
	status := stringField(issue, "status")
	title := stringField(issue, "title")

	var (
		existingStatus    *string
		existingUpdatedAt *time.Time
	)
	err := tx.QueryRow(ctx, `
		SELECT status, updated_at FROM beads_issues
		WHERE project_id = $1 AND repo = $2 AND branch = $3 AND bead_id = $4
		FOR UPDATE
	`, opts.ProjectID, opts.Repo, opts.Branch, beadID).Scan(&existingStatus, &existingUpdatedAt)
	exists := true
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("failed to lock bead %s: %w", beadID, err)
	}

	updatedAt := timeField(issue, "updated_at")
	// Stale push: a newer write already landed, skip and report.
	if exists && updatedAt != nil && existingUpdatedAt != nil && updatedAt.Before(*existingUpdatedAt) {
		result.Conflicts = append(result.Conflicts, beadID)
		return nil
	}

	// An in_progress report on a bead another live workspace holds is
	// rejected before anything is written: the mirror keeps the
	// holder's state and no status change reaches subscribers. Checked
	// under the same row lock as the upsert it guards.
	coordinated := false
	if status == "in_progress" {
		holderID, holderAlias, held, err := s.liveHolder(ctx, tx, opts, beadID)
		if err != nil {
			return err
		}
		if held && !allowCoordinated {
			result.ClaimRejections = append(result.ClaimRejections, ClaimRejection{
				BeadID:            beadID,
				HolderWorkspaceID: holderID,
				HolderAlias:       holderAlias,
			})
			return nil
		}
		coordinated = held
	}

	if exists {
		result.IssuesUpdated++
		old := ""
		if existingStatus != nil {
			old = *existingStatus
		}
		if status != "" && old != status {
			result.StatusChanges = append(result.StatusChanges, outbox.StatusChange{
				BeadID:    beadID,
				Repo:      opts.Repo,
				Branch:    opts.Branch,
				Title:     title,
				OldStatus: existingStatus,
				NewStatus: status,
				ChangedBy: opts.Alias,
			})
		}
	} else {
		result.IssuesAdded++
		// Brand-new bead: tracked as a change from nil so callers see
		// it, but the outbox skips nil old_status.
		if status != "" {
			result.StatusChanges = append(result.StatusChanges, outbox.StatusChange{
				BeadID:    beadID,
				Repo:      opts.Repo,
				Branch:    opts.Branch,
				Title:     title,
				NewStatus: status,
				ChangedBy: opts.Alias,
			})
		}
	}

	blockedBy, parentRef := s.parseRelations(issue, batch, opts.Repo, opts.Branch)
	blockedByJSON, err := json.Marshal(blockedBy)
	if err != nil {
		return fmt.Errorf("failed to encode blocked_by for %s: %w", beadID, err)
	}
	var parentJSON []byte
	if parentRef != nil {
		if parentJSON, err = json.Marshal(parentRef); err != nil {
			return fmt.Errorf("failed to encode parent ref for %s: %w", beadID, err)
		}
	}
	var labelsJSON []byte
	if labels, ok := issue["labels"]; ok && labels != nil {
		if labelsJSON, err = json.Marshal(labels); err != nil {
			return fmt.Errorf("failed to encode labels for %s: %w", beadID, err)
		}
	}

	createdBy := stringField(issue, "created_by")
	if len(createdBy) > 255 {
		createdBy = createdBy[:255]
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO beads_issues (
			project_id, bead_id, repo, branch, title, description, status,
			priority, issue_type, assignee, created_by, labels, blocked_by,
			parent_ref, created_at, updated_at, synced_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (project_id, repo, branch, bead_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			issue_type = EXCLUDED.issue_type,
			assignee = EXCLUDED.assignee,
			created_by = COALESCE(EXCLUDED.created_by, beads_issues.created_by),
			labels = EXCLUDED.labels,
			blocked_by = EXCLUDED.blocked_by,
			parent_ref = EXCLUDED.parent_ref,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			synced_at = EXCLUDED.synced_at
	`, opts.ProjectID, beadID, opts.Repo, opts.Branch,
		nullIfEmpty(title), nullIfEmpty(stringField(issue, "description")), nullIfEmpty(status),
		intField(issue, "priority"), nullIfEmpty(stringField(issue, "issue_type")),
		nullIfEmpty(stringField(issue, "assignee")), nullIfEmpty(createdBy),
		labelsJSON, blockedByJSON, parentJSON,
		timeField(issue, "created_at"), updatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert bead %s: %w", beadID, err)
	}

	return s.applyClaim(ctx, tx, opts, beadID, status, coordinated, result)
}

// liveHolder reports whether a different live workspace holds the
// bead, returning the holder's workspace id and alias when one does.
func (s *Service) liveHolder(ctx context.Context, tx pgx.Tx, opts Options, beadID string) (string, string, bool, error) {
	var holderID, holderAlias string
	err := tx.QueryRow(ctx, `
		SELECT c.workspace_id, w.alias
		FROM bead_claims c
		JOIN workspaces w ON w.workspace_id = c.workspace_id
		WHERE c.project_id = $1 AND c.repo = $2 AND c.branch = $3 AND c.bead_id = $4
		  AND c.workspace_id <> $5 AND w.deleted_at IS NULL
		LIMIT 1
	`, opts.ProjectID, opts.Repo, opts.Branch, beadID, opts.WorkspaceID).Scan(&holderID, &holderAlias)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to check claim for %s: %w", beadID, err)
	}
	return holderID, holderAlias, true, nil
}

// applyClaim records the caller's claim state after an applied upsert.
// The holder conflict was already decided by syncIssue; coordinated
// marks a claim taken alongside an existing holder under a permissive
// policy. Terminal statuses release the caller's claim.
func (s *Service) applyClaim(ctx context.Context, tx pgx.Tx, opts Options, beadID, status string, coordinated bool, result *Result) error {
	switch status {
	case "in_progress":
		tag, err := tx.Exec(ctx, `
			INSERT INTO bead_claims (project_id, workspace_id, bead_id, repo, branch, coordinated)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (project_id, repo, branch, bead_id, workspace_id) DO NOTHING
		`, opts.ProjectID, opts.WorkspaceID, beadID, opts.Repo, opts.Branch, coordinated)
		if err != nil {
			return fmt.Errorf("failed to claim bead %s: %w", beadID, err)
		}
		if tag.RowsAffected() > 0 {
			result.ClaimChanges = append(result.ClaimChanges, ClaimChange{BeadID: beadID, Action: "claimed"})
		}
	case "closed", "done":
		tag, err := tx.Exec(ctx, `
			DELETE FROM bead_claims
			WHERE project_id = $1 AND repo = $2 AND branch = $3 AND bead_id = $4 AND workspace_id = $5
		`, opts.ProjectID, opts.Repo, opts.Branch, beadID, opts.WorkspaceID)
		if err != nil {
			return fmt.Errorf("failed to release claim for %s: %w", beadID, err)
		}
		if tag.RowsAffected() > 0 {
			result.ClaimChanges = append(result.ClaimChanges, ClaimChange{BeadID: beadID, Action: "released"})
		}
	}
	return nil
}

func (s *Service) deleteIssues(ctx context.Context, tx pgx.Tx, opts Options, beadIDs []string, result *Result) (int, error) {
	valid := make([]string, 0, len(beadIDs))
	for _, id := range beadIDs {
		if validate.BeadID(id) {
			valid = append(valid, id)
		}
	}
	if skipped := len(beadIDs) - len(valid); skipped > 0 {
		s.logger.Warnf("Skipping %d invalid bead ids in delete request", skipped)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM bead_claims
		WHERE project_id = $1 AND repo = $2 AND branch = $3 AND bead_id = ANY($4)
	`, opts.ProjectID, opts.Repo, opts.Branch, valid); err != nil {
		return 0, fmt.Errorf("failed to clear claims for deleted beads: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM beads_issues
		WHERE project_id = $1 AND repo = $2 AND branch = $3 AND bead_id = ANY($4)
	`, opts.ProjectID, opts.Repo, opts.Branch, valid)
	if err != nil {
		return 0, fmt.Errorf("failed to delete beads: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// parseRelations extracts blocking refs and the parent ref from an
// issue record. blocked_by accepts structured dicts and plain strings;
// dependencies contributes 'blocks' edges (unless the target is
// already closed in this batch) and the first 'parent-child' edge.
func (s *Service) parseRelations(issue map[string]any, batch map[string]map[string]any, repo, branch string) ([]Ref, *Ref) {
	blockedBy := s.ParseBlockedBy(issue["blocked_by"], repo, branch)
	var parent *Ref

	deps, _ := issue["dependencies"].([]any)
	for _, raw := range deps {
		dep, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		dependsOn := stringField(dep, "depends_on_id")
		if dependsOn == "" {
			continue
		}
		ref := s.parseDependencyRef(dependsOn, repo, branch)
		if ref == nil {
			continue
		}

		switch stringField(dep, "type") {
		case "parent-child":
			if parent == nil {
				parent = ref
			}
		case "blocks":
			// A blocker that this same batch closes is not blocking.
			if target, ok := batch[dependsOn]; ok && stringField(target, "status") == "closed" {
				continue
			}
			blockedBy = append(blockedBy, *ref)
		}
	}
	return blockedBy, parent
}

// ParseBlockedBy normalizes a raw blocked_by value into refs. Invalid
// entries are dropped with a warning.
func (s *Service) ParseBlockedBy(raw any, defaultRepo, defaultBranch string) []Ref {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return []Ref{}
	}

	refs := make([]Ref, 0, len(items))
	for _, item := range items {
		var ref *Ref
		switch v := item.(type) {
		case map[string]any:
			ref = s.parseStructuredRef(v, defaultRepo, defaultBranch)
		case string:
			ref = s.parseDependencyRef(v, defaultRepo, defaultBranch)
		default:
			s.logger.Warnf("Unexpected type in blocked_by array: %T", item)
		}
		if ref != nil {
			refs = append(refs, *ref)
		}
	}
	return refs
}

// parseDependencyRef parses "bead-id" or "repo:bead-id" string refs.
// Cross-repo refs carry no branch, so the default branch applies.
func (s *Service) parseDependencyRef(dependsOn, defaultRepo, defaultBranch string) *Ref {
	dependsOn = strings.TrimSpace(dependsOn)
	if dependsOn == "" {
		return nil
	}

	if idx := strings.Index(dependsOn, ":"); idx >= 0 {
		refRepo := strings.TrimSpace(dependsOn[:idx])
		refBead := strings.TrimSpace(dependsOn[idx+1:])
		if refRepo == "" || !validate.BeadID(refBead) {
			s.logger.Warnf("Malformed cross-repo dependency ref: %q", dependsOn)
			return nil
		}
		if !validate.CanonicalOrigin(refRepo) {
			s.logger.Warnf("Invalid repo in cross-repo dependency ref: %q", refRepo)
			return nil
		}
		return &Ref{Repo: refRepo, Branch: defaultBranch, BeadID: refBead}
	}

	if !validate.BeadID(dependsOn) {
		s.logger.Warnf("Invalid bead id in dependency ref: %q", dependsOn)
		return nil
	}
	return &Ref{Repo: defaultRepo, Branch: defaultBranch, BeadID: dependsOn}
}

func (s *Service) parseStructuredRef(item map[string]any, defaultRepo, defaultBranch string) *Ref {
	beadID := stringField(item, "bead_id")
	if beadID == "" || !validate.BeadID(beadID) {
		s.logger.Warnf("Missing or invalid bead_id in structured blocked_by entry")
		return nil
	}
	repo := stringField(item, "repo")
	if repo != "" && !validate.CanonicalOrigin(repo) {
		s.logger.Warnf("Invalid repo in structured blocked_by: %q", repo)
		return nil
	}
	branch := stringField(item, "branch")
	if branch != "" && !validate.BranchName(branch) {
		s.logger.Warnf("Invalid branch in structured blocked_by: %q", branch)
		return nil
	}
	if repo == "" {
		repo = defaultRepo
	}
	if branch == "" {
		branch = defaultBranch
	}
	return &Ref{Repo: repo, Branch: branch, BeadID: beadID}
}

// Claim is one active hold on a bead.
type Claim struct {
	ID          string    `json:"id"`
	BeadID      string    `json:"bead_id"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch"`
	WorkspaceID string    `json:"workspace_id"`
	Alias       string    `json:"alias"`
	Coordinated bool      `json:"coordinated"`
	ClaimedAt   time.Time `json:"claimed_at"`
}

// Claims lists a project's active claims, optionally scoped to one
// workspace. Claims held by deleted workspaces are filtered out.
func (s *Service) Claims(ctx context.Context, projectID, workspaceID string) ([]Claim, error) {
	query := `
		SELECT c.id, c.bead_id, c.repo, c.branch, c.workspace_id, w.alias, c.coordinated, c.claimed_at
		FROM bead_claims c
		JOIN workspaces w ON w.workspace_id = c.workspace_id AND w.deleted_at IS NULL
		WHERE c.project_id = $1`
	args := []any{projectID}
	if workspaceID != "" {
		query += " AND c.workspace_id = $2"
		args = append(args, workspaceID)
	}
	query += " ORDER BY c.claimed_at, c.id"

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	claims := []Claim{}
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.BeadID, &c.Repo, &c.Branch, &c.WorkspaceID, &c.Alias, &c.Coordinated, &c.ClaimedAt); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// intField tolerates the numeric shapes json decoding can produce.
func intField(m map[string]any, key string) *int {
	switch v := m[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			i := int(n)
			return &i
		}
	case float64:
		i := int(v)
		return &i
	case int:
		return &v
	}
	return nil
}

func timeField(m map[string]any, key string) *time.Time {
	raw := stringField(m, key)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

