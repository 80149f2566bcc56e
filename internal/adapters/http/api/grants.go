package api

import (
	"net/http"
)

type grantRequest struct {
	Permissions map[string]bool `json:"permissions"`
}

// GrantsHandler handles permission administration.
type GrantsHandler struct {
	deps Dependencies
}

// NewGrantsHandler creates a new grants handler.
func NewGrantsHandler(deps Dependencies) *GrantsHandler {
	return &GrantsHandler{deps: deps}
}

// HandleSetGlobal handles PUT /admin/grants/global/{adminId}.
func (h *GrantsHandler) HandleSetGlobal(w http.ResponseWriter, r *http.Request) {
	const op = "api.set_global_grant"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	var req grantRequest
	if err := decode(op, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.SetGlobalGrant(r.Context(), a, r.PathValue("adminId"), req.Permissions); err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetCompetition handles PUT /admin/grants/competitions/{cid}/{adminId}.
func (h *GrantsHandler) HandleSetCompetition(w http.ResponseWriter, r *http.Request) {
	const op = "api.set_competition_grant"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	var req grantRequest
	if err := decode(op, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.SetCompetitionGrant(r.Context(), a, r.PathValue("adminId"), r.PathValue("cid"), req.Permissions); err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetPermissions handles GET /admin/permissions/{adminId}?competitionId=.
func (h *GrantsHandler) HandleGetPermissions(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_permissions"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	perms, err := h.deps.Permissions(r.Context(), a, r.PathValue("adminId"), r.URL.Query().Get("competitionId"))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, perms)
}
