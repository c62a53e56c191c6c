package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/beadhub/beadhub/internal/services/workspace"
	"github.com/beadhub/beadhub/pkg/health"
)

// Server owns the router and the per-resource handlers.
type Server struct {
	engine              *Engine
	router              *mux.Router
	initHandler         *InitHandlers
	syncHandler         *SyncHandlers
	policyHandler       *PolicyHandlers
	repoHandler         *RepoHandlers
	workspaceHandler    *WorkspaceHandlers
	escalationHandler   *EscalationHandlers
	subscriptionHandler *SubscriptionHandlers
	statusHandler       *StatusHandlers
	middleware          *Middleware
}

// NewServer wires routes and middleware over the engine.
func NewServer(engine *Engine) *Server {
	s := &Server{
		engine:              engine,
		router:              mux.NewRouter(),
		initHandler:         NewInitHandlers(engine),
		syncHandler:         NewSyncHandlers(engine),
		policyHandler:       NewPolicyHandlers(engine),
		repoHandler:         NewRepoHandlers(engine),
		workspaceHandler:    NewWorkspaceHandlers(engine),
		escalationHandler:   NewEscalationHandlers(engine),
		subscriptionHandler: NewSubscriptionHandlers(engine),
		statusHandler:       NewStatusHandlers(engine),
		middleware:          NewMiddleware(engine),
	}
	s.setupRoutes()
	s.setupMiddleware()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	// CORS middleware
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-BH-Auth, X-Project-ID, X-User-ID, X-API-Key, X-Aweb-Actor-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Request logging middleware
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.engine.logger.Debugf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		})
	})

	s.router.Use(s.middleware.AuthenticationMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Bootstrap (unauthenticated, rate limited)
	v1.HandleFunc("/init", s.initHandler.Init).Methods(http.MethodPost)

	// Sync and claims
	bdh := v1.PathPrefix("/bdh").Subrouter()
	bdh.HandleFunc("/sync", s.syncHandler.Sync).Methods(http.MethodPost)
	bdh.HandleFunc("/command", s.syncHandler.Command).Methods(http.MethodPost)
	v1.HandleFunc("/claims", s.syncHandler.ListClaims).Methods(http.MethodGet)

	// Policies
	policies := v1.PathPrefix("/policies").Subrouter()
	policies.HandleFunc("", s.policyHandler.CreatePolicy).Methods(http.MethodPost)
	policies.HandleFunc("", s.policyHandler.ListPolicies).Methods(http.MethodGet)
	policies.HandleFunc("/active", s.policyHandler.GetActivePolicy).Methods(http.MethodGet)
	policies.HandleFunc("/{policy_id}", s.policyHandler.GetPolicy).Methods(http.MethodGet)
	policies.HandleFunc("/{policy_id}/activate", s.policyHandler.ActivatePolicy).Methods(http.MethodPost)

	// Repos
	repos := v1.PathPrefix("/repos").Subrouter()
	repos.HandleFunc("/lookup", s.repoHandler.LookupRepo).Methods(http.MethodPost)
	repos.HandleFunc("/ensure", s.repoHandler.EnsureRepo).Methods(http.MethodPost)
	repos.HandleFunc("", s.repoHandler.ListRepos).Methods(http.MethodGet)
	repos.HandleFunc("/{repo_id}", s.repoHandler.DeleteRepo).Methods(http.MethodDelete)

	// Workspaces
	workspaces := v1.PathPrefix("/workspaces").Subrouter()
	workspaces.HandleFunc("/suggest-name-prefix", s.workspaceHandler.SuggestNamePrefix).Methods(http.MethodPost)
	workspaces.HandleFunc("/register", s.workspaceHandler.RegisterWorkspace).Methods(http.MethodPost)
	workspaces.HandleFunc("", s.workspaceHandler.ListWorkspaces).Methods(http.MethodGet)
	workspaces.HandleFunc("/{workspace_id}", s.workspaceHandler.ShowWorkspace).Methods(http.MethodGet)
	workspaces.HandleFunc("/{workspace_id}", s.workspaceHandler.DeleteWorkspace).Methods(http.MethodDelete)

	// Escalations
	escalations := v1.PathPrefix("/escalations").Subrouter()
	escalations.HandleFunc("", s.escalationHandler.CreateEscalation).Methods(http.MethodPost)
	escalations.HandleFunc("", s.escalationHandler.ListEscalations).Methods(http.MethodGet)
	escalations.HandleFunc("/{escalation_id}", s.escalationHandler.ShowEscalation).Methods(http.MethodGet)
	escalations.HandleFunc("/{escalation_id}/respond", s.escalationHandler.RespondEscalation).Methods(http.MethodPost)

	// Subscriptions
	subscriptions := v1.PathPrefix("/subscriptions").Subrouter()
	subscriptions.HandleFunc("", s.subscriptionHandler.CreateSubscription).Methods(http.MethodPost)
	subscriptions.HandleFunc("", s.subscriptionHandler.ListSubscriptions).Methods(http.MethodGet)
	subscriptions.HandleFunc("/{subscription_id}", s.subscriptionHandler.DeleteSubscription).Methods(http.MethodDelete)

	// Presence and status
	v1.HandleFunc("/presence/heartbeat", s.statusHandler.Heartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/presence", s.statusHandler.ListPresence).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.statusHandler.GetStatus).Methods(http.MethodGet)
	v1.HandleFunc("/status/stream", s.statusHandler.StreamStatus).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/stats", s.statusHandler.OutboxStats).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.engine.RunHealthChecks(r.Context())
	overall := s.engine.health.GetOverallStatus()

	code := http.StatusOK
	if overall == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, map[string]any{
		"status":  overall,
		"metrics": s.engine.GetMetrics(),
	})
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeErrorResponse is the shared error shape for all handlers.
func (e *Engine) writeErrorResponse(w http.ResponseWriter, statusCode int, message, errorDetail string) {
	if statusCode >= 500 {
		e.logger.Errorf("HTTP %d - %s: %s", statusCode, message, errorDetail)
	} else if statusCode >= 400 {
		e.logger.Warnf("HTTP %d - %s: %s", statusCode, message, errorDetail)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorDetail,
		Message: message,
		Status:  StatusFailure,
	})
}

// bindActor enforces actor binding before any mutation: the workspace
// named in the request must exist, be live, belong to the caller's
// project, and be the caller's own workspace. Returns the workspace or
// an HTTP status describing the refusal.
func (e *Engine) bindActor(r *http.Request, principal *Principal, workspaceID string) (*workspace.Workspace, int, error) {
	if principal == nil {
		return nil, http.StatusUnauthorized, errors.New("authentication required")
	}
	if principal.Redacted() {
		return nil, http.StatusForbidden, errors.New("public principals are read-only")
	}
	if workspaceID == "" {
		return nil, http.StatusUnprocessableEntity, errors.New("workspace_id is required")
	}

	ws, err := workspace.GetTx(r.Context(), e.db.Pool(), workspaceID)
	if errors.Is(err, workspace.ErrNotFound) {
		return nil, http.StatusNotFound, errors.New("workspace not found")
	}
	if errors.Is(err, workspace.ErrDeleted) {
		return nil, http.StatusGone, errors.New("workspace has been deleted")
	}
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}

	if principal.ProjectID != "" && ws.ProjectID != principal.ProjectID {
		return nil, http.StatusForbidden, errors.New("workspace belongs to a different project")
	}
	if principal.ActorID != "" && principal.ActorID != ws.WorkspaceID {
		return nil, http.StatusForbidden, errors.New("workspace_id does not match the authenticated actor")
	}
	if principal.ActorID == "" && principal.Kind == PrincipalAPIKey && principal.Alias != "" && ws.Alias != principal.Alias {
		return nil, http.StatusForbidden, errors.New("workspace_id does not match the authenticated actor")
	}
	return ws, 0, nil
}
