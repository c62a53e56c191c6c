// Package subscription lets workspaces watch beads for status changes.
// Subscriptions feed the notification outbox: every recorded status
// change fans out one outbox row per matching subscriber.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

var (
	ErrDuplicate         = errors.New("subscription already exists")
	ErrNotFound          = errors.New("subscription not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
)

// Subscription is one workspace watching one bead. A nil Repo watches
// the bead id across every repo in the project.
type Subscription struct {
	ID          string    `json:"subscription_id"`
	ProjectID   string    `json:"project_id"`
	WorkspaceID string    `json:"workspace_id"`
	BeadID      string    `json:"bead_id"`
	Repo        *string   `json:"repo,omitempty"`
	EventTypes  []string  `json:"event_types"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subscriber pairs a workspace with its alias for notification
// delivery.
type Subscriber struct {
	WorkspaceID string
	Alias       string
}

// Service handles bead subscription operations.
type Service struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewService creates a new subscription service.
func NewService(db *database.PostgreSQL, logger *logger.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Create registers a subscription. The (workspace, bead, repo) triple
// is unique; a repeat returns ErrDuplicate.
func (s *Service) Create(ctx context.Context, projectID, workspaceID, beadID string, repo *string, eventTypes []string) (*Subscription, error) {
	var exists bool
	err := s.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workspaces
			WHERE workspace_id = $1 AND project_id = $2 AND deleted_at IS NULL
		)
	`, workspaceID, projectID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check workspace: %w", err)
	}
	if !exists {
		return nil, ErrWorkspaceNotFound
	}

	if len(eventTypes) == 0 {
		eventTypes = []string{"status_change"}
	}

	sub := &Subscription{
		ProjectID:   projectID,
		WorkspaceID: workspaceID,
		BeadID:      beadID,
		Repo:        repo,
		EventTypes:  eventTypes,
	}
	err = s.db.Pool().QueryRow(ctx, `
		INSERT INTO subscriptions (project_id, workspace_id, bead_id, repo, event_types)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, projectID, workspaceID, beadID, repo, eventTypes).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Debugf("Workspace %s subscribed to bead %s", workspaceID, beadID)
	return sub, nil
}

// List returns a workspace's subscriptions, newest first.
func (s *Service) List(ctx context.Context, projectID, workspaceID string, limit, offset int) ([]*Subscription, int, error) {
	var total int
	err := s.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE project_id = $1 AND workspace_id = $2
	`, projectID, workspaceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, project_id, workspace_id, bead_id, repo, event_types, created_at
		FROM subscriptions
		WHERE project_id = $1 AND workspace_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, projectID, workspaceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.ProjectID, &sub.WorkspaceID, &sub.BeadID,
			&sub.Repo, &sub.EventTypes, &sub.CreatedAt); err != nil {
			return nil, 0, err
		}
		subs = append(subs, &sub)
	}
	return subs, total, rows.Err()
}

// Delete removes a subscription owned by the workspace.
func (s *Service) Delete(ctx context.Context, projectID, workspaceID, subscriptionID string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		DELETE FROM subscriptions
		WHERE id = $1 AND project_id = $2 AND workspace_id = $3
	`, subscriptionID, projectID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DB is the pgx query surface shared by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SubscribersForBead resolves the live subscribers for one bead.
// Repo-scoped subscriptions take precedence; workspaces without a repo
// scope match any repo. Deleted workspaces never receive
// notifications.
func SubscribersForBead(ctx context.Context, db DB, projectID, beadID, repo, eventType string) ([]Subscriber, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT w.workspace_id, w.alias
		FROM subscriptions s
		JOIN workspaces w ON w.workspace_id = s.workspace_id
		WHERE s.project_id = $1
		  AND s.bead_id = $2
		  AND (s.repo = $3 OR s.repo IS NULL)
		  AND $4 = ANY(s.event_types)
		  AND w.deleted_at IS NULL
	`, projectID, beadID, repo, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscribers: %w", err)
	}
	defer rows.Close()

	var subscribers []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.WorkspaceID, &sub.Alias); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, sub)
	}
	return subscribers, rows.Err()
}
