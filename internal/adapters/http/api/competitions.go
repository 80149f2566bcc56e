package api

import (
	"context"
	"net/http"
	"time"

	"github.com/okian/verdict/internal/domain/model"
)

// CompetitionHandler handles phase changes and category edits.
type CompetitionHandler struct {
	deps Dependencies
}

// NewCompetitionHandler creates a new competition handler.
func NewCompetitionHandler(deps Dependencies) *CompetitionHandler {
	return &CompetitionHandler{deps: deps}
}

// HandleGet handles GET /competitions/{cid}.
func (h *CompetitionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_competition"
	c, err := h.deps.Competition(r.Context(), r.PathValue("cid"))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type phaseFunc func(ctx context.Context, actor model.Actor, competitionID string) (bool, error)

func (h *CompetitionHandler) phase(op string, fn phaseFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := actor(r, h.deps)
		if err != nil {
			writeError(w, err)
			return
		}
		changed, err := fn(r.Context(), a, r.PathValue("cid"))
		if err != nil {
			writeError(w, Wrap(op, err))
			return
		}
		writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
	}
}

// HandleOpenVoting handles POST /competitions/{cid}/voting/open.
func (h *CompetitionHandler) HandleOpenVoting(w http.ResponseWriter, r *http.Request) {
	h.phase("api.open_voting", h.deps.OpenVoting)(w, r)
}

// HandleCloseVoting handles POST /competitions/{cid}/voting/close.
func (h *CompetitionHandler) HandleCloseVoting(w http.ResponseWriter, r *http.Request) {
	h.phase("api.close_voting", h.deps.CloseVoting)(w, r)
}

// HandlePublishResults handles POST /competitions/{cid}/results/publish.
func (h *CompetitionHandler) HandlePublishResults(w http.ResponseWriter, r *http.Request) {
	h.phase("api.publish_results", h.deps.PublishResults)(w, r)
}

type windowRequest struct {
	OpensAt  *time.Time `json:"opensAt,omitempty"`
	ClosesAt *time.Time `json:"closesAt,omitempty"`
}

// HandleSetWindow handles PUT /competitions/{cid}/voting/window.
func (h *CompetitionHandler) HandleSetWindow(w http.ResponseWriter, r *http.Request) {
	const op = "api.set_voting_window"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	var req windowRequest
	if err := decode(op, r, &req); err != nil {
		writeError(w, err)
		return
	}
	changed, err := h.deps.SetVotingWindow(r.Context(), a, r.PathValue("cid"), req.OpensAt, req.ClosesAt)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

type parentRequest struct {
	ParentID string `json:"parentId"`
}

// HandleSetCategoryParent handles PUT /competitions/{cid}/categories/{catId}/parent.
// An empty parentId makes the category a root.
func (h *CompetitionHandler) HandleSetCategoryParent(w http.ResponseWriter, r *http.Request) {
	const op = "api.set_category_parent"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	var req parentRequest
	if err := decode(op, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.deps.SetCategoryParent(r.Context(), a, r.PathValue("cid"), r.PathValue("catId"), req.ParentID); err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
