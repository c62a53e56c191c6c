// Package events publishes real-time coordination events to Redis
// pub/sub and streams them back out as server-sent events. Publication
// is fire-and-forget: the cache is the source of truth for current
// state, a missed event only delays a subscriber until its next poll.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beadhub/beadhub/pkg/logger"
)

// Event categories, derived from the first segment of an event type
// (e.g. "bead.status_changed" -> "bead").
const (
	CategoryReservation = "reservation"
	CategoryMessage     = "message"
	CategoryEscalation  = "escalation"
	CategoryBead        = "bead"
	CategoryPresence    = "presence"
)

// Event is one streamed coordination event. Known event types populate
// the typed fields; anything else travels in Payload untouched.
type Event struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	Timestamp   string `json:"timestamp"`
	ProjectSlug string `json:"project_slug,omitempty"`

	// bead.status_changed
	ProjectID string `json:"project_id,omitempty"`
	BeadID    string `json:"bead_id,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`

	// message.delivered / message.acknowledged
	MessageID     string `json:"message_id,omitempty"`
	FromWorkspace string `json:"from_workspace,omitempty"`
	FromAlias     string `json:"from_alias,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Priority      string `json:"priority,omitempty"`

	// escalation.created / escalation.responded
	EscalationID string `json:"escalation_id,omitempty"`
	Response     string `json:"response,omitempty"`

	// reservation.* and presence.updated
	Alias      string   `json:"alias,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`

	// Opaque fallback for unrecognized upstream payloads.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Category returns the event's category segment.
func (e *Event) Category() string {
	if idx := strings.Index(e.Type, "."); idx > 0 {
		return e.Type[:idx]
	}
	return e.Type
}

// NewEvent stamps a typed event for a workspace.
func NewEvent(eventType, workspaceID string) Event {
	return Event{
		Type:        eventType,
		WorkspaceID: workspaceID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ChannelName is the pub/sub channel carrying a workspace's events.
func ChannelName(workspaceID string) string {
	return "events:" + workspaceID
}

// Bus publishes and streams events.
type Bus struct {
	client *redis.Client
	logger *logger.Logger
}

// NewBus creates an event bus over the shared Redis client.
func NewBus(client *redis.Client, logger *logger.Logger) *Bus {
	return &Bus{client: client, logger: logger}
}

// Publish sends an event to the workspace's channel. Errors are logged,
// not returned: event delivery is best-effort by contract.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.WorkspaceID == "" {
		b.logger.Warnf("Skipping %s event: no workspace_id", event.Type)
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		b.logger.Warnf("Failed to encode %s event: %v", event.Type, err)
		return
	}
	if err := b.client.Publish(ctx, ChannelName(event.WorkspaceID), raw).Err(); err != nil {
		b.logger.Warnf("Failed to publish %s event: %v", event.Type, err)
	}
}

// StreamOptions configures an SSE stream.
type StreamOptions struct {
	// Categories filters events; empty means all.
	Categories map[string]bool
	// KeepaliveInterval is the gap between keepalive comments.
	KeepaliveInterval time.Duration
	// EmptyStreamLimit caps a stream with no channels to subscribe to.
	EmptyStreamLimit time.Duration
}

// Stream subscribes to the given workspaces' channels and invokes send
// for each SSE-formatted chunk until the context is cancelled or send
// fails. Keepalive comments are emitted between events.
func (b *Bus) Stream(ctx context.Context, workspaceIDs []string, opts StreamOptions, send func(chunk string) error) error {
	keepalive := opts.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}

	// New projects may not have workspaces yet: keep the connection
	// alive for a bounded window instead of subscribing to nothing.
	if len(workspaceIDs) == 0 {
		limit := opts.EmptyStreamLimit
		if limit <= 0 {
			limit = 5 * time.Minute
		}
		deadline := time.NewTimer(limit)
		defer deadline.Stop()
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-deadline.C:
				b.logger.Debug("Empty workspace stream reached max duration, closing")
				return nil
			case <-ticker.C:
				if err := send(": keepalive\n\n"); err != nil {
					return nil
				}
			}
		}
	}

	channels := make([]string, 0, len(workspaceIDs))
	for _, id := range workspaceIDs {
		channels = append(channels, ChannelName(id))
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event channels: %w", err)
	}

	msgs := pubsub.Channel()
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warnf("Invalid JSON in event: %s", msg.Payload)
				continue
			}
			if len(opts.Categories) > 0 && !opts.Categories[event.Category()] {
				continue
			}
			if err := send("data: " + msg.Payload + "\n\n"); err != nil {
				return nil
			}
			ticker.Reset(keepalive)
		case <-ticker.C:
			if err := send(": keepalive\n\n"); err != nil {
				return nil
			}
		}
	}
}
