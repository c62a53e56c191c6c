package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/beadhub/beadhub/internal/services/policy"
)

// PolicyHandlers contains the policy store endpoint handlers
type PolicyHandlers struct {
	engine *Engine
}

// NewPolicyHandlers creates a new instance of PolicyHandlers
func NewPolicyHandlers(engine *Engine) *PolicyHandlers {
	return &PolicyHandlers{engine: engine}
}

// CreatePolicyRequest is the POST /v1/policies request body.
type CreatePolicyRequest struct {
	Bundle       policy.Bundle `json:"bundle"`
	BasePolicyID *string       `json:"base_policy_id,omitempty"`
	WorkspaceID  *string       `json:"workspace_id,omitempty"`
}

// CreatePolicy handles POST /v1/policies
func (ph *PolicyHandlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		ph.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}
	if principal.Redacted() {
		ph.engine.writeErrorResponse(w, http.StatusForbidden, "Public principals are read-only", "")
		return
	}

	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ph.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	var createdBy *string
	if req.WorkspaceID != nil {
		ws, code, err := ph.engine.bindActor(r, principal, *req.WorkspaceID)
		if err != nil {
			ph.engine.writeErrorResponse(w, code, "Actor binding failed", err.Error())
			return
		}
		createdBy = &ws.WorkspaceID
	}

	result, err := ph.engine.policies.CreateVersion(r.Context(), principal.ProjectID, req.Bundle, req.BasePolicyID, createdBy)
	if err != nil {
		var conflict *policy.ConflictError
		switch {
		case errors.As(err, &conflict):
			writeJSONResponse(w, http.StatusConflict, map[string]any{
				"message":           conflict.Error(),
				"current_policy_id": conflict.CurrentPolicyID,
				"current_version":   conflict.CurrentVersion,
			})
		case errors.Is(err, policy.ErrProjectNotFound):
			ph.engine.writeErrorResponse(w, http.StatusNotFound, "Project not found", err.Error())
		default:
			ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to create policy", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// ListPolicies handles GET /v1/policies
func (ph *PolicyHandlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		ph.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	policies, err := ph.engine.policies.List(r.Context(), principal.ProjectID)
	if err != nil {
		if errors.Is(err, policy.ErrProjectNotFound) {
			ph.engine.writeErrorResponse(w, http.StatusNotFound, "Project not found", err.Error())
			return
		}
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list policies", err.Error())
		return
	}
	if policies == nil {
		policies = []*policy.Policy{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"policies": policies})
}

// GetActivePolicy handles GET /v1/policies/active
func (ph *PolicyHandlers) GetActivePolicy(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		ph.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	bootstrap := r.URL.Query().Get("bootstrap_if_missing") != "false"
	result, err := ph.engine.policies.GetActive(r.Context(), principal.ProjectID, bootstrap)
	if err != nil {
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load active policy", err.Error())
		return
	}
	if result == nil {
		ph.engine.writeErrorResponse(w, http.StatusNotFound, "No active policy", "")
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// GetPolicy handles GET /v1/policies/{policy_id}
func (ph *PolicyHandlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		ph.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	result, err := ph.engine.policies.Get(r.Context(), principal.ProjectID, mux.Vars(r)["policy_id"])
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			ph.engine.writeErrorResponse(w, http.StatusNotFound, "Policy not found", err.Error())
			return
		}
		ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load policy", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// ActivatePolicy handles POST /v1/policies/{policy_id}/activate
func (ph *PolicyHandlers) ActivatePolicy(w http.ResponseWriter, r *http.Request) {
	ph.engine.TrackOperation()
	defer ph.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		ph.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}
	if principal.Redacted() {
		ph.engine.writeErrorResponse(w, http.StatusForbidden, "Public principals are read-only", "")
		return
	}

	policyID := mux.Vars(r)["policy_id"]
	if err := ph.engine.policies.Activate(r.Context(), principal.ProjectID, policyID); err != nil {
		switch {
		case errors.Is(err, policy.ErrPolicyNotFound):
			ph.engine.writeErrorResponse(w, http.StatusNotFound, "Policy not found", err.Error())
		case errors.Is(err, policy.ErrWrongProject):
			ph.engine.writeErrorResponse(w, http.StatusForbidden, "Policy belongs to a different project", err.Error())
		case errors.Is(err, policy.ErrProjectNotFound):
			ph.engine.writeErrorResponse(w, http.StatusNotFound, "Project not found", err.Error())
		default:
			ph.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to activate policy", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"status": StatusOK, "policy_id": policyID})
}
