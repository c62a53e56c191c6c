package engine

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/beadhub/beadhub/internal/jsonl"
	"github.com/beadhub/beadhub/internal/services/presence"
	beadsync "github.com/beadhub/beadhub/internal/services/sync"
	"github.com/beadhub/beadhub/internal/validate"
)

// SyncHandlers contains the bead sync and claim endpoint handlers
type SyncHandlers struct {
	engine *Engine
}

// NewSyncHandlers creates a new instance of SyncHandlers
func NewSyncHandlers(engine *Engine) *SyncHandlers {
	return &SyncHandlers{engine: engine}
}

// SyncRequest is the POST /v1/bdh/sync request body. Issue payloads
// arrive as JSONL, one object per line, in the client's native export
// format.
type SyncRequest struct {
	WorkspaceID   string   `json:"workspace_id"`
	RepoOrigin    string   `json:"repo_origin"`
	Branch        string   `json:"branch"`
	Alias         string   `json:"alias"`
	HumanName     string   `json:"human_name"`
	Role          string   `json:"role"`
	SyncMode      string   `json:"sync_mode"`
	IssuesJSONL   string   `json:"issues_jsonl"`
	ChangedIssues string   `json:"changed_issues"`
	DeletedIDs    []string `json:"deleted_ids"`
	CommandLine   string   `json:"command_line"`
}

// Sync handles POST /v1/bdh/sync
func (sh *SyncHandlers) Sync(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	ws, code, err := sh.engine.bindActor(r, principal, req.WorkspaceID)
	if err != nil {
		sh.engine.writeErrorResponse(w, code, "Actor binding failed", err.Error())
		return
	}

	payload := req.IssuesJSONL
	if req.SyncMode == beadsync.ModeIncremental {
		payload = req.ChangedIssues
	}
	records, err := jsonl.Parse(payload)
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid issue payload", err.Error())
		return
	}

	repoOrigin := validate.DefaultRepo
	if req.RepoOrigin != "" {
		canonical, err := canonicalOrigin(req.RepoOrigin)
		if err != nil {
			sh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid repo_origin", err.Error())
			return
		}
		repoOrigin = canonical
	}
	branch := req.Branch
	if branch != "" && !validate.BranchName(branch) {
		sh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid branch", "branch name does not match expected format")
		return
	}

	result, err := sh.engine.syncer.Sync(r.Context(), beadsync.Options{
		ProjectID:   ws.ProjectID,
		WorkspaceID: ws.WorkspaceID,
		Alias:       ws.Alias,
		Repo:        repoOrigin,
		Branch:      branch,
		Mode:        req.SyncMode,
	}, records, req.DeletedIDs)
	if err != nil {
		if errors.Is(err, beadsync.ErrInvalidMode) {
			sh.engine.writeErrorResponse(w, http.StatusUnprocessableEntity, "Invalid sync_mode", err.Error())
			return
		}
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Sync failed", err.Error())
		return
	}

	sh.heartbeat(r, ws.ProjectID, req, repoOrigin, branch)
	writeJSONResponse(w, http.StatusOK, result)
}

// CommandRequest is the POST /v1/bdh/command request body: a
// lightweight pre-command check-in that refreshes presence and returns
// the caller's coordination context.
type CommandRequest struct {
	WorkspaceID string `json:"workspace_id"`
	RepoOrigin  string `json:"repo_origin"`
	Branch      string `json:"branch"`
	Alias       string `json:"alias"`
	HumanName   string `json:"human_name"`
	Role        string `json:"role"`
	CommandLine string `json:"command_line"`
}

// Command handles POST /v1/bdh/command
func (sh *SyncHandlers) Command(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sh.engine.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	ws, code, err := sh.engine.bindActor(r, principal, req.WorkspaceID)
	if err != nil {
		sh.engine.writeErrorResponse(w, code, "Actor binding failed", err.Error())
		return
	}

	repoOrigin := ""
	if req.RepoOrigin != "" {
		repoOrigin, _ = canonicalOrigin(req.RepoOrigin)
	}
	sh.heartbeat(r, ws.ProjectID, SyncRequest{
		WorkspaceID: req.WorkspaceID,
		Alias:       req.Alias,
		HumanName:   req.HumanName,
		Role:        req.Role,
	}, repoOrigin, req.Branch)

	claims, err := sh.engine.syncer.Claims(r.Context(), ws.ProjectID, ws.WorkspaceID)
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load claims", err.Error())
		return
	}
	inProgress := make([]string, 0, len(claims))
	for _, c := range claims {
		inProgress = append(inProgress, c.BeadID)
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"approved": true,
		"context": map[string]any{
			"workspace_id":      ws.WorkspaceID,
			"alias":             ws.Alias,
			"beads_in_progress": inProgress,
		},
	})
}

// ListClaims handles GET /v1/claims
func (sh *SyncHandlers) ListClaims(w http.ResponseWriter, r *http.Request) {
	sh.engine.TrackOperation()
	defer sh.engine.UntrackOperation()

	principal := principalFromContext(r.Context())
	if principal == nil || principal.ProjectID == "" {
		sh.engine.writeErrorResponse(w, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	claims, err := sh.engine.syncer.Claims(r.Context(), principal.ProjectID, r.URL.Query().Get("workspace_id"))
	if err != nil {
		sh.engine.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list claims", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"claims": claims})
}

// heartbeat refreshes the caller's presence as a side effect of sync
// and command calls. Failures are logged, never fatal.
func (sh *SyncHandlers) heartbeat(r *http.Request, projectID string, req SyncRequest, repo, branch string) {
	rec := presence.Record{
		WorkspaceID: req.WorkspaceID,
		ProjectID:   projectID,
		Repo:        repo,
		Branch:      branch,
		Alias:       req.Alias,
		Role:        req.Role,
		HumanName:   req.HumanName,
	}
	if err := sh.engine.presence.Heartbeat(r.Context(), rec); err != nil {
		sh.engine.logger.Warnf("Presence heartbeat failed for workspace %s: %v", req.WorkspaceID, err)
	}
}
