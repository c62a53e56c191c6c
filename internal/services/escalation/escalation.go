// Package escalation lets an agent raise a blocking question to the
// project's humans or coordinators. An escalation is answered at most
// once; unanswered ones expire after their deadline.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/beadhub/beadhub/internal/services/events"
	"github.com/beadhub/beadhub/internal/services/outbox"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/logger"
)

const (
	StatusPending   = "pending"
	StatusResponded = "responded"
	StatusExpired   = "expired"
)

var (
	ErrNotFound       = errors.New("escalation not found")
	ErrRaiserNotFound = errors.New("raising workspace not found")
	ErrTerminal       = errors.New("escalation is no longer pending")
)

// Escalation is one raised question.
type Escalation struct {
	ID          string     `json:"escalation_id"`
	ProjectID   string     `json:"project_id"`
	RaisedBy    string     `json:"raised_by"`
	RaiserAlias string     `json:"raiser_alias,omitempty"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body,omitempty"`
	Options     []string   `json:"options"`
	Status      string     `json:"status"`
	Response    *string    `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Service handles escalation lifecycle.
type Service struct {
	db     *database.PostgreSQL
	outbox *outbox.Service
	bus    *events.Bus
	logger *logger.Logger
	ttl    time.Duration
}

// NewService creates a new escalation service. ttl is the default
// deadline for escalations raised without one.
func NewService(db *database.PostgreSQL, ob *outbox.Service, bus *events.Bus, logger *logger.Logger, ttl time.Duration) *Service {
	return &Service{db: db, outbox: ob, bus: bus, logger: logger, ttl: ttl}
}

// Create raises an escalation and fans a notification out to every
// live coordinator workspace, in one transaction.
func (s *Service) Create(ctx context.Context, projectID, raisedBy, subject, body string, options []string, deadline *time.Time) (*Escalation, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var raiserAlias string
	err = tx.QueryRow(ctx, `
		SELECT alias FROM workspaces
		WHERE workspace_id = $1 AND project_id = $2 AND deleted_at IS NULL
	`, raisedBy, projectID).Scan(&raiserAlias)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRaiserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raiser: %w", err)
	}

	if options == nil {
		options = []string{}
	}
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	if deadline == nil {
		d := time.Now().Add(s.ttl)
		deadline = &d
	}

	esc := &Escalation{
		ProjectID:   projectID,
		RaisedBy:    raisedBy,
		RaiserAlias: raiserAlias,
		Subject:     subject,
		Body:        body,
		Options:     options,
		Status:      StatusPending,
		DeadlineAt:  deadline,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO escalations (project_id, raised_by, subject, body, options, deadline_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, projectID, raisedBy, subject, body, optionsJSON, deadline).Scan(&esc.ID, &esc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation: %w", err)
	}

	// Notify every live coordinator through the outbox.
	rows, err := tx.Query(ctx, `
		SELECT workspace_id, alias FROM workspaces
		WHERE project_id = $1 AND role = 'coordinator' AND deleted_at IS NULL
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list coordinators: %w", err)
	}
	type recipient struct{ id, alias string }
	var coordinators []recipient
	for rows.Next() {
		var r recipient
		if err := rows.Scan(&r.id, &r.alias); err != nil {
			rows.Close()
			return nil, err
		}
		coordinators = append(coordinators, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	payload := map[string]string{
		"escalation_id": esc.ID,
		"subject":       subject,
		"body":          body,
		"raised_by":     raiserAlias,
	}
	for _, c := range coordinators {
		if err := s.outbox.Enqueue(ctx, tx, projectID, "escalation", payload, c.id, c.alias); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit escalation: %w", err)
	}

	event := events.NewEvent("escalation.raised", raisedBy)
	event.EscalationID = esc.ID
	event.Subject = subject
	s.bus.Publish(ctx, event)

	s.logger.Infof("Escalation %s raised by %s (%d coordinators notified)", esc.ID, raiserAlias, len(coordinators))
	return esc, nil
}

// Respond answers a pending escalation. A second response, or a
// response after expiry, returns ErrTerminal.
func (s *Service) Respond(ctx context.Context, projectID, escalationID, response string) (*Escalation, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM escalations
		WHERE id = $1 AND project_id = $2
		FOR UPDATE
	`, escalationID, projectID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock escalation: %w", err)
	}
	if status != StatusPending {
		return nil, ErrTerminal
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escalations
		SET status = 'responded', response = $2, responded_at = NOW()
		WHERE id = $1
	`, escalationID, response); err != nil {
		return nil, fmt.Errorf("failed to respond to escalation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit response: %w", err)
	}

	esc, err := s.Get(ctx, projectID, escalationID)
	if err != nil {
		return nil, err
	}

	event := events.NewEvent("escalation.responded", esc.RaisedBy)
	event.EscalationID = esc.ID
	s.bus.Publish(ctx, event)
	return esc, nil
}

// Get fetches one escalation.
func (s *Service) Get(ctx context.Context, projectID, escalationID string) (*Escalation, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT e.id, e.project_id, e.raised_by, COALESCE(w.alias, ''), e.subject,
		       COALESCE(e.body, ''), e.options, e.status, e.response, e.responded_at,
		       e.deadline_at, e.created_at
		FROM escalations e
		LEFT JOIN workspaces w ON w.workspace_id = e.raised_by
		WHERE e.id = $1 AND e.project_id = $2
	`, escalationID, projectID)
	esc, err := scanEscalation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return esc, err
}

// List returns a project's escalations, optionally filtered by status,
// newest first.
func (s *Service) List(ctx context.Context, projectID, status string, limit, offset int) ([]*Escalation, error) {
	query := `
		SELECT e.id, e.project_id, e.raised_by, COALESCE(w.alias, ''), e.subject,
		       COALESCE(e.body, ''), e.options, e.status, e.response, e.responded_at,
		       e.deadline_at, e.created_at
		FROM escalations e
		LEFT JOIN workspaces w ON w.workspace_id = e.raised_by
		WHERE e.project_id = $1`
	args := []any{projectID}
	if status != "" {
		query += " AND e.status = $2"
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY e.created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, esc)
	}
	return escalations, rows.Err()
}

// ExpireOverdue flips pending escalations past their deadline to
// expired. Returns the number expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE escalations
		SET status = 'expired'
		WHERE status = 'pending' AND deadline_at IS NOT NULL AND deadline_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire escalations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Run expires overdue escalations on a fixed cadence until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Infof("Escalation expiry loop started (interval %s)", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Escalation expiry loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.ExpireOverdue(ctx); err != nil {
				s.logger.Errorf("Escalation expiry pass failed: %v", err)
			} else if n > 0 {
				s.logger.Infof("Expired %d overdue escalations", n)
			}
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*Escalation, error) {
	var (
		esc         Escalation
		optionsJSON []byte
	)
	err := row.Scan(&esc.ID, &esc.ProjectID, &esc.RaisedBy, &esc.RaiserAlias, &esc.Subject,
		&esc.Body, &optionsJSON, &esc.Status, &esc.Response, &esc.RespondedAt,
		&esc.DeadlineAt, &esc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(optionsJSON, &esc.Options); err != nil {
		return nil, fmt.Errorf("failed to decode options for escalation %s: %w", esc.ID, err)
	}
	return &esc, nil
}
