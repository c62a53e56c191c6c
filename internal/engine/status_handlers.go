package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/beadhub/beadhub/internal/services/escalation"
	"github.com/beadhub/beadhub/internal/services/events"
	"github.com/beadhub/beadhub/internal/services/presence"
	"github.com/beadhub/beadhub/internal/services/sync"
)

// StatusHandlers contains the presence and status endpoint handlers
type StatusHandlers struct {
	engine *Engine
}

// NewStatusHandlers creates a new instance of StatusHandlers
func NewStatusHandlers(engine *Engine) *StatusHandlers {
	return &StatusHandlers{engine: engine}
}

// HeartbeatRequest is the POST /v1/presence/heartbeat request body.
type HeartbeatRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	Hostname    string `json:"hostname"`
}

// Heartbeat handles POST /v1/presence/heartbeat
func (sh *StatusHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	ws, status, err := sh.engine.bindActor(r, principal, req.WorkspaceID)
	if err != nil {
		sh.engine.writeErrorResponse(w, status, "Actor binding failed", err.Error())
		return
	}

	rec := presence.Record{
		WorkspaceID: ws.WorkspaceID,
		ProjectID:   ws.ProjectID,
		Repo:        req.Repo,
		Branch:      req.Branch,
		Alias:       ws.Alias,
		Role:        ws.Role,
		Hostname:    req.Hostname,
	}
	if ws.HumanName != nil {
		rec.HumanName = *ws.HumanName
	}
	if rec.Hostname == "" && ws.Hostname != nil {
		rec.Hostname = *ws.Hostname
	}

	if err := sh.engine.presence.Heartbeat(r.Context(), rec); err != nil {
		sh.engine.writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to record heartbeat", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"last_seen": time.Now().UTC(),
	})
}

// ListPresence handles GET /v1/presence
func (sh *StatusHandlers) ListPresence(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		sh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	filter := presence.Filter{
		ProjectID: principal.ProjectID,
		Repo:      r.URL.Query().Get("repo"),
		Branch:    r.URL.Query().Get("branch"),
		Alias:     r.URL.Query().Get("alias"),
	}
	records, err := sh.engine.presence.Lookup(r.Context(), filter)
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to read presence", err.Error())
		return
	}
	if records == nil {
		records = []presence.Record{}
	}
	if principal.Redacted() {
		for i := range records {
			records[i].HumanName = ""
			records[i].Hostname = ""
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"agents": records,
		"count":  len(records),
	})
}

// GetStatus handles GET /v1/status. The snapshot combines the presence
// cache with durable claim and escalation state so a dashboard needs a
// single call.
func (sh *StatusHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		sh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	records, err := sh.engine.presence.Lookup(r.Context(), presence.Filter{ProjectID: principal.ProjectID})
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to read presence", err.Error())
		return
	}
	if records == nil {
		records = []presence.Record{}
	}
	if principal.Redacted() {
		for i := range records {
			records[i].HumanName = ""
			records[i].Hostname = ""
		}
	}

	claims, err := sh.engine.syncer.Claims(r.Context(), principal.ProjectID, "")
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list claims", err.Error())
		return
	}
	if claims == nil {
		claims = []sync.Claim{}
	}

	pending, err := sh.engine.escalations.List(r.Context(), principal.ProjectID, escalation.StatusPending, 200, 0)
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to count escalations", err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"agents":              records,
		"claims":              claims,
		"pending_escalations": len(pending),
	})
}

// StreamStatus handles GET /v1/status/stream as server-sent events. The
// stream carries every live workspace channel in the caller's project,
// optionally narrowed by a comma-separated categories query parameter.
func (sh *StatusHandlers) StreamStatus(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		sh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Streaming not supported", "")
		return
	}

	var categories map[string]bool
	if raw := r.URL.Query().Get("categories"); raw != "" {
		categories = make(map[string]bool)
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				categories[c] = true
			}
		}
	}

	workspaces, _, err := sh.engine.workspaces.List(r.Context(), principal.ProjectID, 500, 0)
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list workspaces", err.Error())
		return
	}
	workspaceIDs := make([]string, 0, len(workspaces))
	for _, ws := range workspaces {
		workspaceIDs = append(workspaceIDs, ws.WorkspaceID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = sh.engine.bus.Stream(r.Context(), workspaceIDs, events.StreamOptions{Categories: categories}, func(chunk string) error {
		if _, err := fmt.Fprint(w, chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		sh.engine.logger.Warnf("Event stream ended with error: %v", err)
	}
}

// OutboxStats handles GET /v1/notifications/stats
func (sh *StatusHandlers) OutboxStats(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		sh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	stats, err := sh.engine.outbox.GetStats(r.Context(), principal.ProjectID)
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read notification stats", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, stats)
}
