package api

import (
	"net/http"

	"github.com/okian/verdict/internal/domain/ledger"
)

type scoreRequest struct {
	ParticipantID string   `json:"participantId"`
	CriterionID   string   `json:"criterionId"`
	Value         *float64 `json:"value,omitempty"`
	Label         string   `json:"qualitativeLabel,omitempty"`
}

// ScoresHandler handles score submissions.
type ScoresHandler struct {
	deps Dependencies
}

// NewScoresHandler creates a new scores handler.
func NewScoresHandler(deps Dependencies) *ScoresHandler {
	return &ScoresHandler{deps: deps}
}

// HandleSubmit handles POST /competitions/{cid}/scores.
func (h *ScoresHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_score"
	v, err := voter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req scoreRequest
	if err := decode(op, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.deps.SubmitScore(r.Context(), ledger.Submission{
		CompetitionID: r.PathValue("cid"),
		ParticipantID: req.ParticipantID,
		CriterionID:   req.CriterionID,
		Voter:         v,
		Value:         req.Value,
		Label:         req.Label,
	})
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
