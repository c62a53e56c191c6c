// Package outbox implements durable at-least-once notification
// delivery. Status changes are written to notification_outbox in the
// same transaction that records the change itself, then a background
// drainer claims pending rows with FOR UPDATE SKIP LOCKED and delivers
// them as mail. A crash between claim and delivery leaves the row in
// 'processing' and a later pass retries it; duplicate delivery is
// accepted, silent loss is not.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/beadhub/beadhub/internal/identity"
	"github.com/beadhub/beadhub/internal/services/subscription"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"

	// MaxAttempts is the delivery ceiling; a row that fails this many
	// times stays 'failed' and is no longer retried.
	MaxAttempts = 3

	// maxErrorLen caps stored delivery errors.
	maxErrorLen = 500

	// drainBatchSize bounds one claim pass.
	drainBatchSize = 50

	// completedRetention is how long delivered rows are kept before
	// cleanup removes them.
	completedRetention = 7 * 24 * time.Hour

	// staleProcessingAfter is how long a claimed row may sit in
	// 'processing' (measured from processing_at) before the drainer
	// reclaims it as a crashed delivery. The attempts ceiling applies
	// to reclaims too, so a delivery that keeps crashing mid-flight
	// still stops at MaxAttempts.
	staleProcessingAfter = 5 * time.Minute
)

// StatusChange describes one bead status transition for fan-out.
type StatusChange struct {
	BeadID    string  `json:"bead_id"`
	Repo      string  `json:"repo"`
	Branch    string  `json:"branch"`
	Title     string  `json:"title,omitempty"`
	OldStatus *string `json:"old_status,omitempty"`
	NewStatus string  `json:"new_status"`
	ChangedBy string  `json:"changed_by,omitempty"`
}

// Entry is one outbox row.
type Entry struct {
	ID                   int64
	ProjectID            string
	EventType            string
	Payload              []byte
	RecipientWorkspaceID string
	RecipientAlias       *string
	Status               string
	Attempts             int
	LastError            *string
	MessageID            *string
	CreatedAt            time.Time
	ProcessedAt          *time.Time
}

// Stats summarizes outbox health for the dashboard.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// DB is the pgx query surface shared by *pgxpool.Pool and pgx.Tx, so
// enqueueing can join the transaction that records the change.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service enqueues, drains, and reports on the notification outbox.
type Service struct {
	db       *database.PostgreSQL
	store    *identity.Store
	mailer   identity.Mailer
	logger   *logger.Logger
	interval time.Duration
}

// NewService creates a new outbox service. interval is the drain
// cadence for Run.
func NewService(db *database.PostgreSQL, store *identity.Store, mailer identity.Mailer, logger *logger.Logger, interval time.Duration) *Service {
	return &Service{db: db, store: store, mailer: mailer, logger: logger, interval: interval}
}

// RecordStatusChanges fans a batch of status changes out to their
// subscribers, one outbox row per (change, subscriber). It runs inside
// the caller's transaction so the rows commit atomically with the sync
// that produced them. Changes with a nil OldStatus are first-sync
// imports, not transitions, and are skipped.
func (s *Service) RecordStatusChanges(ctx context.Context, db DB, projectID string, changes []StatusChange) (int, error) {
	enqueued := 0
	for _, change := range changes {
		if change.OldStatus == nil {
			continue
		}
		subscribers, err := subscription.SubscribersForBead(ctx, db, projectID, change.BeadID, change.Repo, "status_change")
		if err != nil {
			return enqueued, err
		}
		if len(subscribers) == 0 {
			continue
		}

		payload, err := json.Marshal(change)
		if err != nil {
			return enqueued, fmt.Errorf("failed to encode status change: %w", err)
		}
		for _, sub := range subscribers {
			if _, err := db.Exec(ctx, `
				INSERT INTO notification_outbox (project_id, event_type, payload, recipient_workspace_id, recipient_alias)
				VALUES ($1, 'status_change', $2, $3, $4)
			`, projectID, payload, sub.WorkspaceID, sub.Alias); err != nil {
				return enqueued, fmt.Errorf("failed to enqueue notification: %w", err)
			}
			enqueued++
		}
	}
	return enqueued, nil
}

// Enqueue writes one arbitrary notification row inside the caller's
// transaction. Used for escalation fan-out.
func (s *Service) Enqueue(ctx context.Context, db DB, projectID, eventType string, payload any, recipientWorkspaceID, recipientAlias string) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO notification_outbox (project_id, event_type, payload, recipient_workspace_id, recipient_alias)
		VALUES ($1, $2, $3, $4, $5)
	`, projectID, eventType, encoded, recipientWorkspaceID, recipientAlias)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Run drains the outbox on a fixed cadence until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infof("Outbox drainer started (interval %s)", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Outbox drainer stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.DrainOnce(ctx); err != nil {
				s.logger.Errorf("Outbox drain pass failed: %v", err)
			} else if n > 0 {
				s.logger.Debugf("Outbox drain delivered %d notifications", n)
			}
		}
	}
}

// DrainOnce claims one batch of deliverable rows and attempts
// delivery. It returns the number of rows delivered.
func (s *Service) DrainOnce(ctx context.Context) (int, error) {
	entries, err := s.claimBatch(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, entry := range entries {
		if err := s.deliver(ctx, entry); err != nil {
			s.markFailed(ctx, entry, err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// claimBatch selects deliverable rows under SKIP LOCKED and flips them
// to 'processing' before the claiming transaction commits, so
// concurrent drainers never double-claim.
func (s *Service) claimBatch(ctx context.Context) ([]*Entry, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, project_id, event_type, payload, recipient_workspace_id, recipient_alias, attempts
		FROM notification_outbox
		WHERE attempts < $1
		  AND (status IN ('pending', 'failed')
		   OR (status = 'processing' AND processing_at < NOW() - $2::interval))
		ORDER BY created_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, MaxAttempts, staleProcessingAfter.String(), drainBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select outbox batch: %w", err)
	}

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.EventType, &entry.Payload,
			&entry.RecipientWorkspaceID, &entry.RecipientAlias, &entry.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, &entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if _, err := tx.Exec(ctx, `
			UPDATE notification_outbox
			SET status = 'processing', attempts = attempts + 1, processing_at = NOW()
			WHERE id = $1
		`, entry.ID); err != nil {
			return nil, fmt.Errorf("failed to mark outbox row processing: %w", err)
		}
		entry.Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return entries, nil
}

func (s *Service) deliver(ctx context.Context, entry *Entry) error {
	// Recipients that were soft-deleted after subscribing get their
	// rows completed without delivery.
	var deletedAt *time.Time
	err := s.db.Pool().QueryRow(ctx, `
		SELECT deleted_at FROM workspaces WHERE workspace_id = $1
	`, entry.RecipientWorkspaceID).Scan(&deletedAt)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deletedAt != nil) {
		return s.markCompleted(ctx, entry, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to check recipient: %w", err)
	}

	alias := ""
	if entry.RecipientAlias != nil {
		alias = *entry.RecipientAlias
	}
	agentID, err := s.store.AgentByAlias(ctx, s.db.Pool(), entry.ProjectID, alias)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownAgent) {
			return s.markCompleted(ctx, entry, nil)
		}
		return err
	}

	subject, body, err := formatNotification(entry)
	if err != nil {
		return err
	}

	msg, err := s.mailer.Deliver(ctx, identity.DeliverRequest{
		ProjectID:   entry.ProjectID,
		FromAgentID: uuid.Nil.String(),
		FromAlias:   "beadhub",
		ToAgentID:   agentID,
		Subject:     subject,
		Body:        body,
		Priority:    "normal",
	})
	if err != nil {
		return err
	}
	return s.markCompleted(ctx, entry, &msg.MessageID)
}

func (s *Service) markCompleted(ctx context.Context, entry *Entry, messageID *string) error {
	_, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'completed', message_id = $2, processed_at = NOW(), last_error = NULL
		WHERE id = $1
	`, entry.ID, messageID)
	if err != nil {
		return fmt.Errorf("failed to complete outbox row: %w", err)
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, entry *Entry, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	if _, err := s.db.Pool().Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'failed', last_error = $2
		WHERE id = $1
	`, entry.ID, msg); err != nil {
		s.logger.Errorf("Failed to record outbox failure for row %d: %v", entry.ID, err)
	}
	s.logger.Warnf("Notification %d delivery failed (attempt %d/%d): %s", entry.ID, entry.Attempts, MaxAttempts, msg)
}

// Cleanup removes completed rows older than the retention window.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		DELETE FROM notification_outbox
		WHERE status = 'completed' AND processed_at < NOW() - $1::interval
	`, completedRetention.String())
	if err != nil {
		return 0, fmt.Errorf("failed to clean outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStats returns per-status row counts for one project.
func (s *Service) GetStats(ctx context.Context, projectID string) (*Stats, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT status, COUNT(*) FROM notification_outbox
		WHERE project_id = $1
		GROUP BY status
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return &stats, rows.Err()
}

// formatNotification renders the mail subject and body for one row.
func formatNotification(entry *Entry) (string, string, error) {
	switch entry.EventType {
	case "status_change":
		var change StatusChange
		if err := json.Unmarshal(entry.Payload, &change); err != nil {
			return "", "", fmt.Errorf("failed to decode status change payload: %w", err)
		}
		old := "unknown"
		if change.OldStatus != nil {
			old = *change.OldStatus
		}
		subject := fmt.Sprintf("Bead %s: %s -> %s", change.BeadID, old, change.NewStatus)
		body := fmt.Sprintf("Bead %s in %s@%s changed status from %s to %s.",
			change.BeadID, change.Repo, change.Branch, old, change.NewStatus)
		if change.Title != "" {
			body = fmt.Sprintf("%s\nTitle: %s", body, change.Title)
		}
		if change.ChangedBy != "" {
			body = fmt.Sprintf("%s\nChanged by: %s", body, change.ChangedBy)
		}
		return subject, body, nil
	case "escalation":
		var payload struct {
			EscalationID string `json:"escalation_id"`
			Subject      string `json:"subject"`
			Body         string `json:"body"`
			RaisedBy     string `json:"raised_by"`
		}
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return "", "", fmt.Errorf("failed to decode escalation payload: %w", err)
		}
		subject := fmt.Sprintf("Escalation from %s: %s", payload.RaisedBy, payload.Subject)
		body := payload.Body
		if body == "" {
			body = payload.Subject
		}
		body = fmt.Sprintf("%s\n\nRespond via POST /v1/escalations/%s/respond", body, payload.EscalationID)
		return subject, body, nil
	default:
		var generic map[string]any
		_ = json.Unmarshal(entry.Payload, &generic)
		return fmt.Sprintf("Notification: %s", entry.EventType), string(entry.Payload), nil
	}
}
