package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/beadhub/beadhub/internal/services/subscription"
	"github.com/beadhub/beadhub/internal/validate"
)

// SubscriptionHandlers contains the subscription endpoint handlers
type SubscriptionHandlers struct {
	engine *Engine
}

// NewSubscriptionHandlers creates a new instance of SubscriptionHandlers
func NewSubscriptionHandlers(engine *Engine) *SubscriptionHandlers {
	return &SubscriptionHandlers{engine: engine}
}

// CreateSubscriptionRequest is the POST /v1/subscriptions request body.
type CreateSubscriptionRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	BeadID      string   `json:"bead_id"`
	Repo        *string  `json:"repo,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// CreateSubscription handles POST /v1/subscriptions
func (sh *SubscriptionHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if !validate.BeadID(req.BeadID) {
		sh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "invalid bead_id")
		return
	}

	ws, status, err := sh.engine.bindActor(r, principal, req.WorkspaceID)
	if err != nil {
		sh.engine.writeErrorResponse(w, status, "Actor binding failed", err.Error())
		return
	}

	sub, err := sh.engine.subscriptions.Create(r.Context(), principal.ProjectID, ws.WorkspaceID, req.BeadID, req.Repo, req.EventTypes)
	if err != nil {
		switch {
		case errors.Is(err, subscription.ErrDuplicate):
			sh.engine.writeErrorResponse(w, http.StatusConflict, "Subscription already exists", err.Error())
		case errors.Is(err, subscription.ErrWorkspaceNotFound):
			sh.engine.writeErrorResponse(w, http.StatusNotFound, "Workspace not found", err.Error())
		default:
			sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create subscription", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /v1/subscriptions
func (sh *SubscriptionHandlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		sh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		sh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "workspace_id query parameter is required")
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

	subs, total, err := sh.engine.subscriptions.List(r.Context(), principal.ProjectID, workspaceID, limit, offset)
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list subscriptions", err.Error())
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"subscriptions": subs,
		"total":         total,
	})
}

// DeleteSubscription handles DELETE /v1/subscriptions/{subscription_id}
func (sh *SubscriptionHandlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())

	workspaceID := r.URL.Query().Get("workspace_id")
	ws, status, err := sh.engine.bindActor(r, principal, workspaceID)
	if err != nil {
		sh.engine.writeErrorResponse(w, status, "Actor binding failed", err.Error())
		return
	}

	err = sh.engine.subscriptions.Delete(r.Context(), principal.ProjectID, ws.WorkspaceID, mux.Vars(r)["subscription_id"])
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			sh.engine.writeErrorResponse(w, http.StatusNotFound, "Subscription not found", err.Error())
			return
		}
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete subscription", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "deleted"})
}
