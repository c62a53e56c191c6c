package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/beadhub/beadhub/internal/services/escalation"
)

// EscalationHandlers contains the escalation endpoint handlers
type EscalationHandlers struct {
	engine *Engine
}

// NewEscalationHandlers creates a new instance of EscalationHandlers
func NewEscalationHandlers(engine *Engine) *EscalationHandlers {
	return &EscalationHandlers{engine: engine}
}

// CreateEscalationRequest is the POST /v1/escalations request body.
type CreateEscalationRequest struct {
	WorkspaceID string     `json:"workspace_id"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Options     []string   `json:"options"`
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"`
}

// CreateEscalation handles POST /v1/escalations
func (eh *EscalationHandlers) CreateEscalation(w http.ResponseWriter, r *http.Request) {
	eh.engine.TrackOperation()
	defer eh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())

	var req CreateEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		eh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		eh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "subject is required")
		return
	}

	ws, status, err := eh.engine.bindActor(r, principal, req.WorkspaceID)
	if err != nil {
		eh.engine.writeErrorResponse(w, status, "Actor binding failed", err.Error())
		return
	}

	esc, err := eh.engine.escalations.Create(r.Context(), principal.ProjectID, ws.WorkspaceID, req.Subject, req.Body, req.Options, req.DeadlineAt)
	if err != nil {
		if errors.Is(err, escalation.ErrRaiserNotFound) {
			eh.engine.writeErrorResponse(w, http.StatusNotFound, "Raising workspace not found", err.Error())
			return
		}
		eh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create escalation", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusCreated, esc)
}

// ListEscalations handles GET /v1/escalations
func (eh *EscalationHandlers) ListEscalations(w http.ResponseWriter, r *http.Request) {
	eh.engine.TrackOperation()
	defer eh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		eh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", escalation.StatusPending, escalation.StatusResponded, escalation.StatusExpired:
	default:
		eh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid status filter", status)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	escalations, err := eh.engine.escalations.List(r.Context(), principal.ProjectID, status, limit, offset)
	if err != nil {
		eh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list escalations", err.Error())
		return
	}
	if escalations == nil {
		escalations = []*escalation.Escalation{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"escalations": escalations})
}

// ShowEscalation handles GET /v1/escalations/{escalation_id}
func (eh *EscalationHandlers) ShowEscalation(w http.ResponseWriter, r *http.Request) {
	eh.engine.TrackOperation()
	defer eh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		eh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	esc, err := eh.engine.escalations.Get(r.Context(), principal.ProjectID, mux.Vars(r)["escalation_id"])
	if err != nil {
		if errors.Is(err, escalation.ErrNotFound) {
			eh.engine.writeErrorResponse(w, http.StatusNotFound, "Escalation not found", err.Error())
			return
		}
		eh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load escalation", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, esc)
}

// RespondEscalationRequest is the POST
// /v1/escalations/{escalation_id}/respond request body.
type RespondEscalationRequest struct {
	Response string `json:"response"`
}

// RespondEscalation handles POST /v1/escalations/{escalation_id}/respond.
// Only the first response wins; an already-responded or expired
// escalation returns a conflict.
func (eh *EscalationHandlers) RespondEscalation(w http.ResponseWriter, r *http.Request) {
	eh.engine.TrackOperation()
	defer eh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		eh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}
	if principal.Redacted() {
		eh.engine.writeErrorResponse(w, http.StatusForbidden, "Public principals are read-only", "")
		return
	}

	var req RespondEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		eh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		eh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "response is required")
		return
	}

	esc, err := eh.engine.escalations.Respond(r.Context(), principal.ProjectID, mux.Vars(r)["escalation_id"], req.Response)
	if err != nil {
		switch {
		case errors.Is(err, escalation.ErrNotFound):
			eh.engine.writeErrorResponse(w, http.StatusNotFound, "Escalation not found", err.Error())
		case errors.Is(err, escalation.ErrTerminal):
			eh.engine.writeErrorResponse(w, http.StatusConflict, "Escalation is no longer pending", err.Error())
		default:
			eh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to respond to escalation", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, esc)
}
