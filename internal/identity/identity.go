// Package identity is the accessor boundary for the embedded identity
// and mail primitives sharing the beadhub database. The coordination
// engine provisions agents and credentials, resolves bearer tokens, and
// delivers mail exclusively through this package; it never queries the
// aweb_* tables directly.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// APIKeyPrefix marks every credential issued by this store.
const APIKeyPrefix = "aw_sk_"

var (
	ErrUnknownToken = errors.New("unknown or malformed token")
	ErrTokenRevoked = errors.New("token has been revoked")
	ErrTokenExpired = errors.New("token has expired")
	ErrUnknownAgent = errors.New("unknown agent")
)

// DB is the subset of pgx operations the store needs. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so provisioning can join a caller's transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Identity is the resolved principal behind a bearer token.
type Identity struct {
	ProjectID string
	AgentID   string
	Alias     string
	HumanName string
}

// Store reads and writes the identity partition.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an identity store over the shared pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateAgent provisions an agent row inside the caller's transaction.
func (s *Store) CreateAgent(ctx context.Context, db DB, projectID, alias, humanName, agentType string) (string, error) {
	var agentID string
	err := db.QueryRow(ctx, `
		INSERT INTO aweb_agents (project_id, alias, human_name, agent_type)
		VALUES ($1, $2, $3, $4)
		RETURNING agent_id
	`, projectID, alias, humanName, agentType).Scan(&agentID)
	if err != nil {
		return "", fmt.Errorf("failed to create agent: %w", err)
	}
	return agentID, nil
}

// IssueAPIKey mints a bearer credential for an agent inside the caller's
// transaction. The plaintext key is returned exactly once; only its
// SHA-256 hash is stored.
func (s *Store) IssueAPIKey(ctx context.Context, db DB, projectID, agentID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	key := APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	_, err := db.Exec(ctx, `
		INSERT INTO aweb_api_keys (agent_id, project_id, key_hash, key_prefix)
		VALUES ($1, $2, $3, $4)
	`, agentID, projectID, HashToken(key), key[:len(APIKeyPrefix)+6])
	if err != nil {
		return "", fmt.Errorf("failed to store api key: %w", err)
	}
	return key, nil
}

// ResolveToken maps a bearer token to its identity, rejecting revoked
// and expired credentials.
func (s *Store) ResolveToken(ctx context.Context, token string) (*Identity, error) {
	if !strings.HasPrefix(token, APIKeyPrefix) {
		return nil, ErrUnknownToken
	}

	var (
		ident     Identity
		revokedAt *time.Time
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT k.project_id, k.agent_id, a.alias, COALESCE(a.human_name, ''),
		       k.revoked_at, k.expires_at
		FROM aweb_api_keys k
		JOIN aweb_agents a ON a.agent_id = k.agent_id
		WHERE k.key_hash = $1
	`, HashToken(token)).Scan(&ident.ProjectID, &ident.AgentID, &ident.Alias, &ident.HumanName, &revokedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}

	if revokedAt != nil {
		return nil, ErrTokenRevoked
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		return nil, ErrTokenExpired
	}
	return &ident, nil
}

// AgentByAlias resolves a project-scoped alias to its newest agent id.
// It accepts a DB so provisioning flows can reuse agents inside their
// own transaction.
func (s *Store) AgentByAlias(ctx context.Context, db DB, projectID, alias string) (string, error) {
	var agentID string
	err := db.QueryRow(ctx, `
		SELECT agent_id FROM aweb_agents
		WHERE project_id = $1 AND alias = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID, alias).Scan(&agentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUnknownAgent
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve alias: %w", err)
	}
	return agentID, nil
}

// HashToken returns the hex SHA-256 digest under which a token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Message is a delivered mail record.
type Message struct {
	MessageID string
	CreatedAt time.Time
}

// DeliverRequest carries one mail delivery.
type DeliverRequest struct {
	ProjectID   string
	FromAgentID string
	FromAlias   string
	ToAgentID   string
	Subject     string
	Body        string
	Priority    string
	ThreadID    string
}

// Mailer delivers messages into agent inboxes. The outbox drain depends
// on this interface rather than the concrete store so delivery failures
// can be simulated in tests.
type Mailer interface {
	Deliver(ctx context.Context, req DeliverRequest) (*Message, error)
}

// Deliver inserts a mail message into the recipient's inbox.
func (s *Store) Deliver(ctx context.Context, req DeliverRequest) (*Message, error) {
	if req.Priority == "" {
		req.Priority = "normal"
	}
	var msg Message
	err := s.pool.QueryRow(ctx, `
		INSERT INTO aweb_messages (project_id, from_agent_id, from_alias, to_agent_id, subject, body, priority, thread_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING message_id, created_at
	`, req.ProjectID, req.FromAgentID, req.FromAlias, req.ToAgentID, req.Subject, req.Body, req.Priority, req.ThreadID).Scan(&msg.MessageID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to deliver message: %w", err)
	}
	return &msg, nil
}
