package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/beadhub/beadhub/internal/ratelimit"
	"github.com/beadhub/beadhub/internal/services/project"
	"github.com/beadhub/beadhub/internal/validate"
)

// InitHandlers contains the bootstrap endpoint handlers
type InitHandlers struct {
	engine *Engine
}

// NewInitHandlers creates a new instance of InitHandlers
func NewInitHandlers(engine *Engine) *InitHandlers {
	return &InitHandlers{engine: engine}
}

// InitRequest is the POST /v1/init request body.
type InitRequest struct {
	ProjectSlug   string `json:"project_slug"`
	ProjectName   string `json:"project_name"`
	RepoOrigin    string `json:"repo_origin"`
	Alias         string `json:"alias"`
	HumanName     string `json:"human_name"`
	Role          string `json:"role"`
	Hostname      string `json:"hostname"`
	WorkspacePath string `json:"workspace_path"`
}

// Init handles POST /v1/init
func (ih *InitHandlers) Init(w http.ResponseWriter, r *http.Request) {
	ih.engine.TrackOperation()
	defer ih.engine.UntrackOperation()

	// Fixed-window rate limit per client IP; Redis down fails closed.
	ok, retryAfter, err := ih.engine.initLimiter.Allow(r.Context(), ratelimit.ClientIP(r))
	if err != nil {
		ih.engine.writeErrorResponse(w, http.StatusServiceUnavailable, "Rate limiter unavailable", err.Error())
		return
	}
	if !ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
		ih.engine.writeErrorResponse(w, http.StatusTooManyRequests, "Too many init requests", "retry later")
		return
	}

	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ih.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if msg := validateInitRequest(&req); msg != "" {
		ih.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", msg)
		return
	}

	params := project.BootstrapParams{
		ProjectSlug: req.ProjectSlug,
		ProjectName: req.ProjectName,
		RepoOrigin:  req.RepoOrigin,
		Alias:       req.Alias,
		HumanName:   req.HumanName,
		Role:        req.Role,
	}
	if req.Hostname != "" {
		params.Hostname = &req.Hostname
	}
	if req.WorkspacePath != "" {
		params.WorkspacePath = &req.WorkspacePath
	}

	result, err := ih.engine.projects.Bootstrap(r.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, project.ErrSlugRequired):
			ih.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "project_not_found", "project_slug is required for an unregistered repo")
		case errors.Is(err, project.ErrInvalidSlug):
			ih.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Validation failed", "invalid project_slug")
		default:
			ih.engine.writeErrorResponse(w, http.StatusInternalServerError, "Bootstrap failed", err.Error())
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, result)
}

// validateInitRequest applies the field patterns before any write.
func validateInitRequest(req *InitRequest) string {
	if req.RepoOrigin == "" {
		return "repo_origin is required"
	}
	if req.ProjectSlug != "" && !validate.ProjectSlug(req.ProjectSlug) {
		return "invalid project_slug"
	}
	if req.Alias != "" && !validate.Alias(req.Alias) {
		return "invalid alias"
	}
	if req.HumanName != "" && !validate.HumanName(req.HumanName) {
		return "invalid human_name"
	}
	if req.Role != "" && !validate.Role(req.Role) {
		return validate.RoleErrorMessage
	}
	if req.Hostname != "" && !validate.Hostname(req.Hostname) {
		return "invalid hostname"
	}
	if req.WorkspacePath != "" && !validate.WorkspacePath(req.WorkspacePath) {
		return "invalid workspace_path"
	}
	return ""
}
