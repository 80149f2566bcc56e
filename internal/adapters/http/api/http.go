// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okian/verdict/internal/adapters/broadcast"
	service "github.com/okian/verdict/internal/app"
	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/ledger"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	ResolveActor(ctx context.Context, adminID string) (model.Actor, error)

	SubmitScore(ctx context.Context, sub ledger.Submission) (ledger.Result, error)

	QueryReport(ctx context.Context, competitionID, reportID string, inline model.ReportDefinition) ([]model.RankedEntry, error)
	CompileSaved(ctx context.Context, competitionID, reportID string) ([]model.RankedEntry, error)
	CompileCompetition(ctx context.Context, competitionID string) (map[string][]model.RankedEntry, error)
	CreateReport(ctx context.Context, actor model.Actor, def model.ReportDefinition) (model.ReportDefinition, error)
	Subscribe(ctx context.Context, competitionID, reportID string) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)

	CreateRule(ctx context.Context, actor model.Actor, spec automation.RuleSpec) (automation.Rule, error)
	SetRuleEnabled(ctx context.Context, actor model.Actor, competitionID, ruleID string, enabled bool) (automation.Rule, error)
	Rules(ctx context.Context, competitionID string) ([]service.RuleStatus, error)
	AutomationAudit(competitionID string) []automation.AuditRecord
	IngestEvent(ctx context.Context, ev automation.Event) (bool, error)

	SetGlobalGrant(ctx context.Context, actor model.Actor, adminID string, perms map[string]bool) error
	SetCompetitionGrant(ctx context.Context, actor model.Actor, adminID, competitionID string, perms map[string]bool) error
	Permissions(ctx context.Context, actor model.Actor, adminID, competitionID string) (map[string]bool, error)

	Competition(ctx context.Context, competitionID string) (model.Competition, error)
	OpenVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error)
	CloseVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error)
	PublishResults(ctx context.Context, actor model.Actor, competitionID string) (bool, error)
	SetVotingWindow(ctx context.Context, actor model.Actor, competitionID string, opensAt, closesAt *time.Time) (bool, error)
	SetCategoryParent(ctx context.Context, actor model.Actor, competitionID, categoryID, parentID string) error
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	scoresHandler      *ScoresHandler
	reportsHandler     *ReportsHandler
	streamHandler      *StreamHandler
	automationHandler  *AutomationHandler
	competitionHandler *CompetitionHandler
	grantsHandler      *GrantsHandler
	logger             logger.Logger
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	o := options{
		heartbeat: defaultHeartbeat,
		logger:    logger.Get().Named("http"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		healthHandler:      NewHealthHandler(),
		statsHandler:       NewStatsHandler(statsProvider),
		scoresHandler:      NewScoresHandler(deps),
		reportsHandler:     NewReportsHandler(deps),
		streamHandler:      NewStreamHandler(deps, o.heartbeat, o.logger),
		automationHandler:  NewAutomationHandler(deps),
		competitionHandler: NewCompetitionHandler(deps),
		grantsHandler:      NewGrantsHandler(deps),
		logger:             o.logger,
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	handle := func(pattern, endpoint string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, MetricsMiddleware(LoggingMiddleware(h, s.logger), endpoint))
	}

	handle("GET /healthz", "healthz", s.healthHandler.HandleHealth)
	handle("GET /stats", "stats", s.statsHandler.HandleStats)

	handle("GET /competitions/{cid}", "competition", s.competitionHandler.HandleGet)
	handle("POST /competitions/{cid}/voting/open", "voting_open", s.competitionHandler.HandleOpenVoting)
	handle("POST /competitions/{cid}/voting/close", "voting_close", s.competitionHandler.HandleCloseVoting)
	handle("PUT /competitions/{cid}/voting/window", "voting_window", s.competitionHandler.HandleSetWindow)
	handle("POST /competitions/{cid}/results/publish", "results_publish", s.competitionHandler.HandlePublishResults)
	handle("PUT /competitions/{cid}/categories/{catId}/parent", "category_parent", s.competitionHandler.HandleSetCategoryParent)

	handle("POST /competitions/{cid}/scores", "scores", s.scoresHandler.HandleSubmit)

	handle("POST /competitions/{cid}/reports/query", "reports_query", s.reportsHandler.HandleQuery)
	handle("GET /competitions/{cid}/reports", "reports_all", s.reportsHandler.HandleCompileAll)
	handle("POST /competitions/{cid}/reports", "reports_create", s.reportsHandler.HandleCreate)
	handle("GET /competitions/{cid}/reports/{rid}", "report", s.reportsHandler.HandleGet)
	handle("GET /competitions/{cid}/reports/{rid}/stream", "report_stream", s.streamHandler.HandleStream)

	handle("GET /competitions/{cid}/rules", "rules_list", s.automationHandler.HandleListRules)
	handle("POST /competitions/{cid}/rules", "rules_create", s.automationHandler.HandleCreateRule)
	handle("PUT /competitions/{cid}/rules/{ruleId}/enabled", "rules_enable", s.automationHandler.HandleSetEnabled)
	handle("GET /competitions/{cid}/automation/audit", "automation_audit", s.automationHandler.HandleAudit)
	handle("POST /automation/events", "automation_events", s.automationHandler.HandleEvent)

	handle("PUT /admin/grants/global/{adminId}", "grants_global", s.grantsHandler.HandleSetGlobal)
	handle("PUT /admin/grants/competitions/{cid}/{adminId}", "grants_competition", s.grantsHandler.HandleSetCompetition)
	handle("GET /admin/permissions/{adminId}", "permissions", s.grantsHandler.HandleGetPermissions)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type changedResponse struct {
	Changed bool `json:"changed"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the error taxonomy.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(op string, r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return NewKind(op, fmt.Errorf("%w: empty body", ErrBadRequest))
		}
		return WrapKind(op, ErrBadRequest, err)
	}
	return nil
}
