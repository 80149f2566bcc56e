package api

import (
	"net/http"

	"github.com/okian/verdict/internal/domain/automation"
)

// AutomationHandler handles rules and the external event webhook.
type AutomationHandler struct {
	deps Dependencies
}

// NewAutomationHandler creates a new automation handler.
func NewAutomationHandler(deps Dependencies) *AutomationHandler {
	return &AutomationHandler{deps: deps}
}

// HandleCreateRule handles POST /competitions/{cid}/rules.
func (h *AutomationHandler) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_rule"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	var spec automation.RuleSpec
	if err := decode(op, r, &spec); err != nil {
		writeError(w, err)
		return
	}
	spec.CompetitionID = r.PathValue("cid")
	rule, err := h.deps.CreateRule(r.Context(), a, spec)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// HandleListRules handles GET /competitions/{cid}/rules.
func (h *AutomationHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_rules"
	rules, err := h.deps.Rules(r.Context(), r.PathValue("cid"))
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleSetEnabled handles PUT /competitions/{cid}/rules/{ruleId}/enabled.
func (h *AutomationHandler) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	const op = "api.set_rule_enabled"
	a, err := actor(r, h.deps)
	if err != nil {
		writeError(w, err)
		return
	}
	var req enabledRequest
	if err := decode(op, r, &req); err != nil {
		writeError(w, err)
		return
	}
	rule, err := h.deps.SetRuleEnabled(r.Context(), a, r.PathValue("cid"), r.PathValue("ruleId"), req.Enabled)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// HandleAudit handles GET /competitions/{cid}/automation/audit.
func (h *AutomationHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	records := h.deps.AutomationAudit(r.PathValue("cid"))
	if records == nil {
		records = []automation.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// HandleEvent handles POST /automation/events. Repeated event ids are
// acknowledged without being processed again.
func (h *AutomationHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.automation_event"
	var ev automation.Event
	if err := decode(op, r, &ev); err != nil {
		writeError(w, err)
		return
	}
	accepted, err := h.deps.IngestEvent(r.Context(), ev)
	if err != nil {
		writeError(w, Wrap(op, err))
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}
