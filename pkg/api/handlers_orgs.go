package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bc9123/telemetry-project/pkg/auth"
	"github.com/bc9123/telemetry-project/pkg/respond"
	"github.com/bc9123/telemetry-project/pkg/store"
)

// decodeJSON parses the request body into v; writes the 400 itself on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respond.WriteBadRequest(w, "Invalid JSON body")
		return false
	}
	return true
}

type createOrgIn struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var in createOrgIn
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Name == "" {
		respond.WriteBadRequest(w, "name is required")
		return
	}

	org, err := s.store.CreateOrg(r.Context(), in.Name)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			respond.WriteBadRequest(w, "Org name already exists")
			return
		}
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, org)
}

type createProjectIn struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(r, "org_id")
	if !ok {
		respond.WriteNotFound(w, "Org not found")
		return
	}
	var in createProjectIn
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Name == "" {
		respond.WriteBadRequest(w, "name is required")
		return
	}

	if _, err := s.store.GetOrg(r.Context(), orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Org not found")
			return
		}
		respond.WriteInternal(w, err)
		return
	}

	project, err := s.store.CreateProject(r.Context(), orgID, in.Name)
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, project)
}

type apiKeyOut struct {
	APIKey    string `json:"api_key"`
	Prefix    string `json:"prefix"`
	ProjectID int64  `json:"project_id"`
}

// handleCreateAPIKey mints a key for a project. The full key is returned
// exactly once; only its hash survives.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(r, "project_id")
	if !ok {
		respond.WriteNotFound(w, "Project not found")
		return
	}
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respond.WriteNotFound(w, "Project not found")
			return
		}
		respond.WriteInternal(w, err)
		return
	}

	raw, prefix, hashedSecret, err := auth.GenerateKey()
	if err != nil {
		respond.WriteInternal(w, err)
		return
	}
	if _, err := s.store.CreateAPIKey(r.Context(), projectID, prefix, hashedSecret); err != nil {
		respond.WriteInternal(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, apiKeyOut{APIKey: raw, Prefix: prefix, ProjectID: projectID})
}
