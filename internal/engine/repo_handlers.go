package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/beadhub/beadhub/internal/pagination"
	"github.com/beadhub/beadhub/internal/services/repo"
	"github.com/beadhub/beadhub/internal/validate"
)

// RepoHandlers contains the repo registration endpoint handlers
type RepoHandlers struct {
	engine *Engine
}

// NewRepoHandlers creates a new instance of RepoHandlers
func NewRepoHandlers(engine *Engine) *RepoHandlers {
	return &RepoHandlers{engine: engine}
}

// canonicalOrigin accepts either an already-canonical origin or any
// git remote form and returns the canonical host/path.
func canonicalOrigin(originURL string) (string, error) {
	if validate.CanonicalOrigin(originURL) {
		return originURL, nil
	}
	return repo.CanonicalizeGitURL(originURL)
}

// RepoLookupRequest is the POST /v1/repos/lookup request body.
type RepoLookupRequest struct {
	OriginURL string `json:"origin_url"`
}

// LookupRepo handles POST /v1/repos/lookup
func (rh *RepoHandlers) LookupRepo(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	var req RepoLookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	result, err := rh.engine.repos.Lookup(r.Context(), req.OriginURL)
	if err != nil {
		var ambiguous *repo.AmbiguousError
		switch {
		case errors.Is(err, repo.ErrNotFound):
			rh.engine.writeErrorResponse(w, http.StatusNotFound, "Repo not found", err.Error())
		case errors.As(err, &ambiguous):
			writeJSONResponse(w, http.StatusConflict, map[string]any{
				"message":          ambiguous.Error(),
				"canonical_origin": ambiguous.CanonicalOrigin,
				"candidates":       ambiguous.Candidates,
			})
		default:
			rh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid origin_url", err.Error())
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"repo_id":          result.ID,
		"project_id":       result.ProjectID,
		"project_slug":     result.ProjectSlug,
		"canonical_origin": result.CanonicalOrigin,
		"name":             result.Name,
	})
}

// RepoEnsureRequest is the POST /v1/repos/ensure request body.
type RepoEnsureRequest struct {
	ProjectID string `json:"project_id"`
	OriginURL string `json:"origin_url"`
}

// EnsureRepo handles POST /v1/repos/ensure
func (rh *RepoHandlers) EnsureRepo(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal != nil && principal.Redacted() {
		rh.engine.writeErrorResponse(w, http.StatusForbidden, "Public principals are read-only", "")
		return
	}

	var req RepoEnsureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if principal != nil && principal.ProjectID != "" && req.ProjectID != principal.ProjectID {
		rh.engine.writeErrorResponse(w, http.StatusForbidden, "project_id does not match the authenticated project", "")
		return
	}

	result, created, err := rh.engine.repos.Ensure(r.Context(), req.ProjectID, req.OriginURL)
	if err != nil {
		if errors.Is(err, repo.ErrProjectNotFound) {
			rh.engine.writeErrorResponse(w, http.StatusNotFound, "Project not found", err.Error())
			return
		}
		rh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid origin_url", err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"repo_id":          result.ID,
		"canonical_origin": result.CanonicalOrigin,
		"name":             result.Name,
		"created":          created,
	})
}

// ListRepos handles GET /v1/repos
func (rh *RepoHandlers) ListRepos(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	projectID := r.URL.Query().Get("project_id")
	if principal != nil && principal.ProjectID != "" {
		projectID = principal.ProjectID
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			rh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid limit", err.Error())
			return
		}
		limit = parsed
	}
	validatedLimit, cursor, err := pagination.ValidateParams(limit, r.URL.Query().Get("cursor"))
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid pagination parameters", err.Error())
		return
	}

	repos, hasMore, nextCursor, err := rh.engine.repos.List(r.Context(), projectID, validatedLimit, cursor)
	if err != nil {
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list repos", err.Error())
		return
	}
	if repos == nil {
		repos = []*repo.Repo{}
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"repos":       repos,
		"has_more":    hasMore,
		"next_cursor": nextCursor,
	})
}

// DeleteRepo handles DELETE /v1/repos/{repo_id}
func (rh *RepoHandlers) DeleteRepo(w http.ResponseWriter, r *http.Request) {
	rh.engine.TrackOperation()
	defer rh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.Redacted() {
		rh.engine.writeErrorResponse(w, http.StatusForbidden, "Deletion requires an authenticated principal", "")
		return
	}

	repoID := mux.Vars(r)["repo_id"]
	result, err := rh.engine.repos.SoftDelete(r.Context(), repoID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			rh.engine.writeErrorResponse(w, http.StatusNotFound, "Repo not found", err.Error())
			return
		}
		rh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete repo", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}
