package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beadhub/beadhub/pkg/config"
	"github.com/beadhub/beadhub/pkg/logger"
)

func newTestEngine(secret string) *Engine {
	return &Engine{
		settings: &config.Settings{ProxySharedSecret: secret},
		logger:   logger.New("engine-test", "test"),
	}
}

func signProxy(secret, method, path, projectID, principal string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{method, path, projectID, principal}, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// capture wraps the middleware around a handler that records the
// resolved principal.
func capture(m *Middleware) (http.Handler, *[]*Principal) {
	var seen []*Principal
	h := m.AuthenticationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, principalFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestAuthMiddlewareSkipsOpenRoutes(t *testing.T) {
	m := NewMiddleware(newTestEngine(""))
	h, seen := capture(m)

	for _, path := range []string{"/health", "/v1/init", "/v1/repos/lookup", "/v1/workspaces/suggest-name-prefix"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	// Open routes reach the handler without a principal.
	for _, p := range *seen {
		assert.Nil(t, p)
	}
}

func TestAuthMiddlewareSkipsOptions(t *testing.T) {
	m := NewMiddleware(newTestEngine(""))
	h, _ := capture(m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/workspaces", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareMissingToken(t *testing.T) {
	m := NewMiddleware(newTestEngine(""))
	h, _ := capture(m)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/workspaces", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusFailure, resp.Status)
	assert.Contains(t, resp.Error, "token is required")
}

func TestAuthMiddlewareProxyUser(t *testing.T) {
	m := NewMiddleware(newTestEngine("shared-secret"))
	h, seen := capture(m)

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces", nil)
	req.Header.Set(headerProjectID, "p1")
	req.Header.Set(headerUserID, "alice")
	req.Header.Set(headerActorID, "ws-1")
	req.Header.Set(headerProxyAuth, signProxy("shared-secret", http.MethodGet, "/v1/workspaces", "p1", "alice"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, *seen, 1)
	p := (*seen)[0]
	require.NotNil(t, p)
	assert.Equal(t, PrincipalUser, p.Kind)
	assert.Equal(t, "p1", p.ProjectID)
	assert.Equal(t, "alice", p.Alias)
	assert.Equal(t, "ws-1", p.ActorID)
	assert.False(t, p.Redacted())
}

func TestAuthMiddlewareProxyPublic(t *testing.T) {
	m := NewMiddleware(newTestEngine("shared-secret"))
	h, seen := capture(m)

	req := httptest.NewRequest(http.MethodGet, "/v1/presence", nil)
	req.Header.Set(headerProjectID, "p1")
	req.Header.Set(headerProxyAuth, signProxy("shared-secret", http.MethodGet, "/v1/presence", "p1", "public"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, *seen, 1)
	p := (*seen)[0]
	assert.Equal(t, PrincipalPublic, p.Kind)
	assert.True(t, p.Redacted())
}

func TestAuthMiddlewareProxyBadSignature(t *testing.T) {
	m := NewMiddleware(newTestEngine("shared-secret"))
	h, _ := capture(m)

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces", nil)
	req.Header.Set(headerProjectID, "p1")
	req.Header.Set(headerUserID, "alice")
	req.Header.Set(headerProxyAuth, signProxy("wrong-secret", http.MethodGet, "/v1/workspaces", "p1", "alice"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareProxySignatureBindsPath(t *testing.T) {
	m := NewMiddleware(newTestEngine("shared-secret"))
	h, _ := capture(m)

	// Signature for one path must not authenticate another.
	req := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
	req.Header.Set(headerProjectID, "p1")
	req.Header.Set(headerUserID, "alice")
	req.Header.Set(headerProxyAuth, signProxy("shared-secret", http.MethodGet, "/v1/workspaces", "p1", "alice"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareNoSecretFallsBackToBearer(t *testing.T) {
	// Without a shared secret the server runs in direct mode: proxy
	// headers are ignored and the bearer path decides, rather than the
	// request being rejected for carrying X-BH-Auth.
	m := NewMiddleware(newTestEngine(""))
	h, _ := capture(m)

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces", nil)
	req.Header.Set(headerProjectID, "p1")
	req.Header.Set(headerProxyAuth, signProxy("anything", http.MethodGet, "/v1/workspaces", "p1", "public"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "token is required")
	assert.NotContains(t, resp.Error, "proxy")
}

func TestAuthMiddlewareProxyMissingProject(t *testing.T) {
	m := NewMiddleware(newTestEngine("shared-secret"))
	h, _ := capture(m)

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces", nil)
	req.Header.Set(headerProxyAuth, "deadbeef")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExtractBearerToken(t *testing.T) {
	m := NewMiddleware(newTestEngine(""))

	req := httptest.NewRequest(http.MethodGet, "/v1/workspaces", nil)
	assert.Equal(t, "", m.extractBearerToken(req))

	req.Header.Set("Authorization", "Bearer aw_sk_abc123")
	assert.Equal(t, "aw_sk_abc123", m.extractBearerToken(req))

	req.Header.Set("Authorization", "bearer aw_sk_abc123")
	assert.Equal(t, "aw_sk_abc123", m.extractBearerToken(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "", m.extractBearerToken(req))

	req.Header.Set("Authorization", "aw_sk_abc123")
	assert.Equal(t, "", m.extractBearerToken(req))
}
