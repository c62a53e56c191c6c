package engine

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/beadhub/beadhub/internal/identity"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const principalContextKey contextKey = "principal"

// Proxy trust headers. These are honored only when a shared secret is
// configured and the signature verifies.
const (
	headerProxyAuth = "X-BH-Auth"
	headerProjectID = "X-Project-ID"
	headerUserID    = "X-User-ID"
	headerAPIKey    = "X-API-Key"
	headerActorID   = "X-Aweb-Actor-ID"
)

// Middleware contains the trust boundary for all /v1 routes.
type Middleware struct {
	engine *Engine
}

// NewMiddleware creates a new middleware instance
func NewMiddleware(engine *Engine) *Middleware {
	return &Middleware{engine: engine}
}

// AuthenticationMiddleware resolves the caller to a Principal. Proxy
// headers take precedence over a bearer token when both are present
// and a shared secret is configured; without a secret the server runs
// in direct mode and only bearer tokens are honored.
func (m *Middleware) AuthenticationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkipAuth(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		var (
			principal *Principal
			err       error
		)
		if r.Header.Get(headerProxyAuth) != "" && m.engine.settings.ProxySharedSecret != "" {
			principal, err = m.authenticateProxy(r)
		} else {
			principal, err = m.authenticateBearer(ctx, r)
		}
		if err != nil {
			m.writeErrorResponse(w, http.StatusUnauthorized, "Authentication failed", err.Error())
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), principalContextKey, principal))
		next.ServeHTTP(w, r)
	})
}

// authenticateBearer resolves a direct-mode Authorization header
// through the identity store.
func (m *Middleware) authenticateBearer(ctx context.Context, r *http.Request) (*Principal, error) {
	token := m.extractBearerToken(r)
	if token == "" {
		return nil, errors.New("authorization token is required")
	}

	ident, err := m.engine.identity.ResolveToken(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownToken) ||
			errors.Is(err, identity.ErrTokenRevoked) ||
			errors.Is(err, identity.ErrTokenExpired) {
			return nil, errors.New("invalid or expired token")
		}
		return nil, err
	}

	return &Principal{
		Kind:      PrincipalAPIKey,
		ProjectID: ident.ProjectID,
		AgentID:   ident.AgentID,
		Alias:     ident.Alias,
		HumanName: ident.HumanName,
	}, nil
}

// authenticateProxy verifies the signed header set an authenticating
// front proxy attaches. The signature is HMAC-SHA256 over
// method, path, project, and principal, newline-joined.
func (m *Middleware) authenticateProxy(r *http.Request) (*Principal, error) {
	secret := m.engine.settings.ProxySharedSecret
	if secret == "" {
		return nil, errors.New("proxy authentication is not configured")
	}

	projectID := r.Header.Get(headerProjectID)
	if projectID == "" {
		return nil, errors.New("X-Project-ID header is required")
	}

	kind := PrincipalPublic
	principalValue := "public"
	if userID := r.Header.Get(headerUserID); userID != "" {
		kind = PrincipalUser
		principalValue = userID
	} else if apiKey := r.Header.Get(headerAPIKey); apiKey != "" {
		kind = PrincipalAPIKey
		principalValue = apiKey
	}

	canonical := strings.Join([]string{r.Method, r.URL.Path, projectID, principalValue}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(r.Header.Get(headerProxyAuth))) {
		return nil, errors.New("invalid proxy signature")
	}

	principal := &Principal{
		Kind:      kind,
		ProjectID: projectID,
		ActorID:   r.Header.Get(headerActorID),
	}
	if kind == PrincipalUser {
		principal.Alias = principalValue
	}
	return principal, nil
}

// shouldSkipAuth lists the routes the trust boundary leaves open.
func (m *Middleware) shouldSkipAuth(r *http.Request) bool {
	switch r.URL.Path {
	case "/health", "/v1/init", "/v1/repos/lookup", "/v1/workspaces/suggest-name-prefix":
		return true
	}
	return r.Method == http.MethodOptions
}

func (m *Middleware) extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (m *Middleware) writeErrorResponse(w http.ResponseWriter, statusCode int, message, errorDetail string) {
	if statusCode >= 500 {
		m.engine.logger.Errorf("HTTP %d - %s: %s", statusCode, message, errorDetail)
	} else if statusCode >= 400 {
		m.engine.logger.Warnf("HTTP %d - %s: %s", statusCode, message, errorDetail)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorDetail,
		Message: message,
		Status:  StatusFailure,
	})
}

// principalFromContext returns the authenticated principal, or nil on
// unauthenticated routes.
func principalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(principalContextKey).(*Principal)
	return principal
}
