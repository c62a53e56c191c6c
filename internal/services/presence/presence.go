// Package presence maintains the ephemeral "who is online" records in
// Redis. A workspace's primary hash expires on its TTL; secondary
// lookup indexes carry a slightly longer TTL and are filtered against
// the primary at read time, so a stale index entry can never surface a
// dead workspace. Nothing durable depends on this data: losing Redis
// resets presence to empty, which is a correct state.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beadhub/beadhub/internal/services/events"
	"github.com/beadhub/beadhub/pkg/logger"
)

// IndexTTLSlack is how much longer index entries live than the primary
// record they point at.
const IndexTTLSlack = 60 * time.Second

// Record is one workspace's liveness snapshot.
type Record struct {
	WorkspaceID string    `json:"workspace_id"`
	ProjectID   string    `json:"project_id"`
	Repo        string    `json:"repo,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Alias       string    `json:"alias"`
	Role        string    `json:"role,omitempty"`
	HumanName   string    `json:"human_name,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Filter narrows a Lookup. ProjectID is required; the narrowest
// non-empty dimension picks the index that is scanned.
type Filter struct {
	ProjectID string
	Repo      string
	Branch    string
	Alias     string
}

// Service reads and writes the presence cache.
type Service struct {
	client *redis.Client
	bus    *events.Bus
	logger *logger.Logger
	ttl    time.Duration
}

// NewService creates a presence service with the given record TTL.
func NewService(client *redis.Client, bus *events.Bus, logger *logger.Logger, ttl time.Duration) *Service {
	return &Service{client: client, bus: bus, logger: logger, ttl: ttl}
}

func primaryKey(workspaceID string) string {
	return "presence:ws:" + workspaceID
}

func projectKey(projectID string) string {
	return "presence:project:" + projectID
}

func repoKey(projectID, repo string) string {
	return fmt.Sprintf("presence:repo:%s:%s", projectID, repo)
}

func branchKey(projectID, repo, branch string) string {
	return fmt.Sprintf("presence:branch:%s:%s:%s", projectID, repo, branch)
}

func aliasKey(projectID, alias string) string {
	return fmt.Sprintf("presence:alias:%s:%s", projectID, alias)
}

// Heartbeat refreshes a workspace's presence record and all of its
// index entries in one pipeline, then publishes a presence event.
// Errors are returned but callers may treat them as non-fatal; presence
// is best-effort by contract.
func (s *Service) Heartbeat(ctx context.Context, rec Record) error {
	rec.LastSeen = time.Now().UTC()
	indexTTL := s.ttl + IndexTTLSlack

	pipe := s.client.Pipeline()
	key := primaryKey(rec.WorkspaceID)
	pipe.HSet(ctx, key, map[string]any{
		"workspace_id": rec.WorkspaceID,
		"project_id":   rec.ProjectID,
		"repo":         rec.Repo,
		"branch":       rec.Branch,
		"alias":        rec.Alias,
		"role":         rec.Role,
		"human_name":   rec.HumanName,
		"hostname":     rec.Hostname,
		"last_seen":    strconv.FormatInt(rec.LastSeen.UnixMilli(), 10),
	})
	pipe.Expire(ctx, key, s.ttl)

	indexKeys := s.indexKeys(rec.ProjectID, rec.Repo, rec.Branch, rec.Alias)
	for _, idx := range indexKeys {
		pipe.SAdd(ctx, idx, rec.WorkspaceID)
		pipe.Expire(ctx, idx, indexTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write presence for %s: %w", rec.WorkspaceID, err)
	}

	event := events.NewEvent("presence.updated", rec.WorkspaceID)
	event.ProjectID = rec.ProjectID
	event.Alias = rec.Alias
	event.Repo = rec.Repo
	event.Branch = rec.Branch
	s.bus.Publish(ctx, event)

	return nil
}

// Lookup returns live presence records matching the filter. Workspace
// ids found in an index whose primary hash has already expired are
// dropped.
func (s *Service) Lookup(ctx context.Context, filter Filter) ([]Record, error) {
	if filter.ProjectID == "" {
		return nil, fmt.Errorf("presence lookup requires a project id")
	}

	var indexKey string
	switch {
	case filter.Alias != "":
		indexKey = aliasKey(filter.ProjectID, filter.Alias)
	case filter.Branch != "":
		indexKey = branchKey(filter.ProjectID, filter.Repo, filter.Branch)
	case filter.Repo != "":
		indexKey = repoKey(filter.ProjectID, filter.Repo)
	default:
		indexKey = projectKey(filter.ProjectID)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence index %s: %w", indexKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records := make([]Record, 0, len(ids))
	var stale []string
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, primaryKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read presence record %s: %w", id, err)
		}
		if len(fields) == 0 {
			stale = append(stale, id)
			continue
		}
		records = append(records, recordFromFields(fields))
	}

	// Prune stale ids opportunistically so the index converges.
	if len(stale) > 0 {
		members := make([]any, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		s.client.SRem(ctx, indexKey, members...)
	}

	return records, nil
}

// Clear removes presence records and index memberships for the given
// workspaces (used by workspace and repo deletion). Returns how many
// primary records existed.
func (s *Service) Clear(ctx context.Context, workspaceIDs []string) (int, error) {
	if len(workspaceIDs) == 0 {
		return 0, nil
	}

	cleared := 0
	for _, id := range workspaceIDs {
		fields, err := s.client.HGetAll(ctx, primaryKey(id)).Result()
		if err != nil {
			return cleared, fmt.Errorf("failed to read presence record %s: %w", id, err)
		}

		pipe := s.client.Pipeline()
		pipe.Del(ctx, primaryKey(id))
		if len(fields) > 0 {
			cleared++
			for _, idx := range s.indexKeys(fields["project_id"], fields["repo"], fields["branch"], fields["alias"]) {
				pipe.SRem(ctx, idx, id)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return cleared, fmt.Errorf("failed to clear presence for %s: %w", id, err)
		}
	}
	return cleared, nil
}

func (s *Service) indexKeys(projectID, repo, branch, alias string) []string {
	keys := []string{projectKey(projectID)}
	if repo != "" {
		keys = append(keys, repoKey(projectID, repo))
		if branch != "" {
			keys = append(keys, branchKey(projectID, repo, branch))
		}
	}
	if alias != "" {
		keys = append(keys, aliasKey(projectID, alias))
	}
	return keys
}

func recordFromFields(fields map[string]string) Record {
	rec := Record{
		WorkspaceID: fields["workspace_id"],
		ProjectID:   fields["project_id"],
		Repo:        fields["repo"],
		Branch:      fields["branch"],
		Alias:       fields["alias"],
		Role:        fields["role"],
		HumanName:   fields["human_name"],
		Hostname:    fields["hostname"],
	}
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.UnixMilli(ms).UTC()
	}
	return rec
}
