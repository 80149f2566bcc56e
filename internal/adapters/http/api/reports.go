package api

import (
	"net/http"

	"github.com/okian/verdict/internal/domain/model"
)

type queryRequest struct {
	ReportID string            `json:"reportId,omitempty"`
	RubricID string            `json:"rubricId,omitempty"`
	Filters  model.Filters     `json:"filters"`
	Sort     *model.SortOption `json:"sort,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

// ReportsHandler handles report queries and definitions.
type ReportsHandler struct {
	deps Dependencies
}

// NewReportsHandler creates a new reports handler.
func NewReportsHandler(deps Dependencies) *ReportsHandler {
	return &ReportsHandler{deps: deps}
}

// HandleQuery handles POST /competitions/{cid}/reports/query.
func (h *ReportsHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	const op = "api.query_report"
	var req queryRequest
	if err := decode(op, r, &req); err != nil {
		writeError(w, err)
		return
	}
	inline := model.ReportDefinition{
		RubricID: req.RubricID,
		Filters:  req.Filters,
		Limit:    req.Limit,
		Sort:     model.SortOption{Field: "weightedTotal", Direction: model.Desc},
	}
	if req.Sort != nil {
		inline.Sort = *req.Sort
	}
	entries, err := h.deps.QueryReport(r.Context(), r.PathValue("cid"), req.ReportID, inline)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleGet handles GET /competitions/{cid}/reports/{rid}.
func (h *ReportsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_report"
	entries, err := h.deps.CompileSaved(r.Context(), r.PathValue("cid"), r.PathValue("rid"))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type compileAllResponse struct {
	Reports map[string][]model.RankedEntry `json:"reports"`
	Error   string                         `json:"error,omitempty"`
}

// HandleCompileAll handles GET /competitions/{cid}/reports. Reports that
// fail to compile are left out and named in the error field.
func (h *ReportsHandler) HandleCompileAll(w http.ResponseWriter, r *http.Request) {
	const op = "api.compile_reports"
	out, err := h.deps.CompileCompetition(r.Context(), r.PathValue("cid"))
	if err != nil && out == nil {
		writeError(w, Wrap(op, err))
		return
	}
	resp := compileAllResponse{Reports: out}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCreate handles POST /competitions/{cid}/reports.
func (h *ReportsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_report"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	var def model.ReportDefinition
	if err := decode(op, r, &def); err != nil {
		writeError(w, err)
		return
	}
	def.CompetitionID = r.PathValue("cid")
	saved, err := h.deps.CreateReport(r.Context(), a, def)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}
