package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/beadhub/beadhub/internal/services/repo"
	"github.com/beadhub/beadhub/internal/services/workspace"
	"github.com/beadhub/beadhub/internal/validate"
)

// WorkspaceHandlers contains the workspace endpoint handlers
type WorkspaceHandlers struct {
	engine *Engine
}

// NewWorkspaceHandlers creates a new instance of WorkspaceHandlers
func NewWorkspaceHandlers(engine *Engine) *WorkspaceHandlers {
	return &WorkspaceHandlers{engine: engine}
}

// SuggestNamePrefixRequest is the POST /v1/workspaces/suggest-name-prefix
// request body.
type SuggestNamePrefixRequest struct {
	OriginURL string `json:"origin_url"`
}

// SuggestNamePrefix handles POST /v1/workspaces/suggest-name-prefix.
// Authenticated callers get a suggestion scoped to their own project;
// anonymous callers fall back to the repo's owning project.
func (wh *WorkspaceHandlers) SuggestNamePrefix(w http.ResponseWriter, r *http.Request) {
	wh.engine.TrackOperation()
	defer wh.engine.UntrackOperation()

	var req SuggestNamePrefixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		wh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	canonical, err := canonicalOrigin(req.OriginURL)
	if err != nil {
		wh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid origin_url", err.Error())
		return
	}

	var (
		projectID   string
		projectSlug string
		repoID      string
	)
	principal := principalFromContext(r.Context())
	if principal != nil && principal.ProjectID != "" {
		p, err := wh.engine.projects.Get(r.Context(), principal.ProjectID)
		if err != nil {
			wh.engine.writeErrorResponse(w, http.StatusNotFound, "Project not found", err.Error())
			return
		}
		projectID, projectSlug = p.ID, p.Slug
	} else {
		match, err := wh.engine.repos.Lookup(r.Context(), req.OriginURL)
		var ambiguous *repo.AmbiguousError
		switch {
		case err == nil:
			projectID, projectSlug = match.ProjectID, match.ProjectSlug
			repoID = match.ID
		case errors.As(err, &ambiguous):
			// Candidates are ordered by slug, so the pick is stable.
			c := ambiguous.Candidates[0]
			projectID, projectSlug = c.ProjectID, c.ProjectSlug
			repoID = c.RepoID
		case errors.Is(err, repo.ErrNotFound):
			wh.engine.writeErrorResponse(w, http.StatusNotFound, "Repo not found", err.Error())
			return
		default:
			wh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid origin_url", err.Error())
			return
		}
	}

	prefix, err := wh.engine.workspaces.SuggestAliasPrefix(r.Context(), projectID)
	if err != nil {
		wh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to suggest name prefix", err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"project_id":       projectID,
		"project_slug":     projectSlug,
		"repo_id":          repoID,
		"canonical_origin": canonical,
		"name_prefix":      prefix,
	})
}

// RegisterWorkspaceRequest is the POST /v1/workspaces/register request
// body.
type RegisterWorkspaceRequest struct {
	RepoID        *string `json:"repo_id,omitempty"`
	Alias         string  `json:"alias"`
	Role          string  `json:"role"`
	HumanName     string  `json:"human_name"`
	Hostname      string  `json:"hostname"`
	WorkspacePath string  `json:"workspace_path"`
}

// RegisterWorkspace handles POST /v1/workspaces/register
func (wh *WorkspaceHandlers) RegisterWorkspace(w http.ResponseWriter, r *http.Request) {
	wh.engine.TrackOperation()
	defer wh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		wh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}
	if principal.Redacted() {
		wh.engine.writeErrorResponse(w, http.StatusForbidden, "Public principals are read-only", "")
		return
	}

	var req RegisterWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		wh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if !validate.Alias(req.Alias) {
		wh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "invalid alias")
		return
	}
	if req.Role != "" && !validate.Role(req.Role) {
		wh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", validate.RoleErrorMessage)
		return
	}
	if req.HumanName != "" && !validate.HumanName(req.HumanName) {
		wh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "invalid human_name")
		return
	}
	if req.Hostname != "" && !validate.Hostname(req.Hostname) {
		wh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "invalid hostname")
		return
	}
	if req.WorkspacePath != "" && !validate.WorkspacePath(req.WorkspacePath) {
		wh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "invalid workspace_path")
		return
	}

	role := validate.NormalizeRole(req.Role)
	if role == "" {
		role = "agent"
	}

	params := workspace.RegisterParams{
		ProjectID: principal.ProjectID,
		RepoID:    req.RepoID,
		Alias:     req.Alias,
		Role:      role,
	}
	if req.HumanName != "" {
		params.HumanName = &req.HumanName
	}
	if req.Hostname != "" {
		params.Hostname = &req.Hostname
	}
	if req.WorkspacePath != "" {
		params.WorkspacePath = &req.WorkspacePath
	}

	ws, created, err := workspace.RegisterTx(r.Context(), wh.engine.db.Pool(), params)
	if err != nil {
		if errors.Is(err, workspace.ErrAliasTaken) {
			wh.engine.writeErrorResponse(w, http.StatusConflict, "Alias already in use", err.Error())
			return
		}
		wh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to register workspace", err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"workspace":         ws,
		"workspace_created": created,
	})
}

// ListWorkspaces handles GET /v1/workspaces
func (wh *WorkspaceHandlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	wh.engine.TrackOperation()
	defer wh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		wh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
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

	workspaces, total, err := wh.engine.workspaces.List(r.Context(), principal.ProjectID, limit, offset)
	if err != nil {
		wh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list workspaces", err.Error())
		return
	}
	if workspaces == nil {
		workspaces = []*workspace.Workspace{}
	}
	if principal.Redacted() {
		for _, ws := range workspaces {
			ws.HumanName = nil
			ws.Hostname = nil
			ws.WorkspacePath = nil
		}
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"workspaces": workspaces,
		"total":      total,
	})
}

// ShowWorkspace handles GET /v1/workspaces/{workspace_id}
func (wh *WorkspaceHandlers) ShowWorkspace(w http.ResponseWriter, r *http.Request) {
	wh.engine.TrackOperation()
	defer wh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		wh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	ws, err := wh.engine.workspaces.Get(r.Context(), mux.Vars(r)["workspace_id"])
	if errors.Is(err, workspace.ErrNotFound) {
		wh.engine.writeErrorResponse(w, http.StatusNotFound, "Workspace not found", err.Error())
		return
	}
	if errors.Is(err, workspace.ErrDeleted) {
		wh.engine.writeErrorResponse(w, http.StatusGone, "Workspace has been deleted", err.Error())
		return
	}
	if err != nil {
		wh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load workspace", err.Error())
		return
	}
	if ws.ProjectID != principal.ProjectID {
		wh.engine.writeErrorResponse(w, http.StatusForbidden, "Workspace belongs to a different project", "")
		return
	}
	if principal.Redacted() {
		ws.HumanName = nil
		ws.Hostname = nil
		ws.WorkspacePath = nil
	}
	writeJSONResponse(w, http.StatusOK, ws)
}

// DeleteWorkspace handles DELETE /v1/workspaces/{workspace_id}
func (wh *WorkspaceHandlers) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	wh.engine.TrackOperation()
	defer wh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.Redacted() {
		wh.engine.writeErrorResponse(w, http.StatusForbidden, "Deletion requires an authenticated principal", "")
		return
	}

	result, err := wh.engine.workspaces.SoftDelete(r.Context(), mux.Vars(r)["workspace_id"])
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrNotFound):
			wh.engine.writeErrorResponse(w, http.StatusNotFound, "Workspace not found", err.Error())
		case errors.Is(err, workspace.ErrDeleted):
			wh.engine.writeErrorResponse(w, http.StatusGone, "Workspace has been deleted", err.Error())
		default:
			wh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete workspace", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}
