package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/verdict/internal/adapters/broadcast"
	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/ledger"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/internal/domain/permission"
	"github.com/okian/verdict/internal/domain/report"
	"github.com/okian/verdict/pkg/logger"
)

// ResolveActor loads the role of adminID. Unknown admins act without a role
// and only hold what their grants give them.
func (s *Service) ResolveActor(ctx context.Context, adminID string) (model.Actor, error) {
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return model.Actor{}, fmt.Errorf("admin identity required: %w", model.ErrDenied)
	}
	admin, err := s.store.GetAdmin(ctx, adminID)
	switch {
	case err == nil:
		return model.Actor{ID: adminID, Role: admin.Role}, nil
	case errors.Is(err, model.ErrNotFound):
		return model.Actor{ID: adminID}, nil
	default:
		return model.Actor{}, fmt.Errorf("load admin: %w", err)
	}
}

// SubmitScore records a voter's score.
func (s *Service) SubmitScore(ctx context.Context, sub ledger.Submission) (ledger.Result, error) {
	return s.ledger.Submit(ctx, sub)
}

// QueryReport compiles a saved report when reportID is set, otherwise the
// inline definition.
func (s *Service) QueryReport(ctx context.Context, competitionID, reportID string, inline model.ReportDefinition) ([]model.RankedEntry, error) {
	if reportID != "" {
		return s.CompileSaved(ctx, competitionID, reportID)
	}
	inline.CompetitionID = competitionID
	if inline.Limit == 0 || inline.Limit > s.cfg.MaxReportLimit {
		inline.Limit = s.cfg.MaxReportLimit
	}
	return s.reports.Compile(ctx, inline)
}

// CompileSaved compiles a saved report of competitionID.
func (s *Service) CompileSaved(ctx context.Context, competitionID, reportID string) ([]model.RankedEntry, error) {
	def, err := s.savedReport(ctx, competitionID, reportID)
	if err != nil {
		return nil, err
	}
	return s.reports.Compile(ctx, def)
}

// CompileCompetition compiles every saved report of a competition. Reports
// that fail are left out and reported in the joined error.
func (s *Service) CompileCompetition(ctx context.Context, competitionID string) (map[string][]model.RankedEntry, error) {
	defs, err := s.store.ListReports(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	return s.reports.CompileAll(ctx, defs)
}

func (s *Service) savedReport(ctx context.Context, competitionID, reportID string) (model.ReportDefinition, error) {
	def, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return model.ReportDefinition{}, err
	}
	if def.CompetitionID != competitionID {
		return model.ReportDefinition{}, fmt.Errorf("report %s in %s: %w", reportID, competitionID, model.ErrNotFound)
	}
	return def, nil
}

// PublishReport compiles a saved report and broadcasts the snapshot.
func (s *Service) PublishReport(ctx context.Context, competitionID, reportID string) error {
	entries, err := s.CompileSaved(ctx, competitionID, reportID)
	if err != nil {
		return err
	}
	return s.hub.Publish(ctx, competitionID, reportID, entries)
}

// CreateReport saves a report definition. The caller needs canManageReports.
func (s *Service) CreateReport(ctx context.Context, actor model.Actor, def model.ReportDefinition) (model.ReportDefinition, error) {
	if err := s.perms.Require(ctx, actor, def.CompetitionID, permission.ManageReports); err != nil {
		return model.ReportDefinition{}, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := report.Validate(def); err != nil {
		return model.ReportDefinition{}, err
	}
	// compiling once rejects foreign rubrics and unknown sort fields at write time
	if _, err := s.reports.Compile(ctx, def); err != nil {
		return model.ReportDefinition{}, err
	}
	if err := s.store.SaveReport(ctx, def); err != nil {
		return model.ReportDefinition{}, fmt.Errorf("save report: %w", err)
	}
	s.hub.Forget(def.CompetitionID, def.ID)
	s.logger.Info(ctx, "report saved",
		logger.String("report", def.ID),
		logger.String("competition", def.CompetitionID),
		logger.String("by", actor.ID))
	return def, nil
}

// CreateRule validates and saves an automation rule. The caller needs
// canManageAutomation.
func (s *Service) CreateRule(ctx context.Context, actor model.Actor, spec automation.RuleSpec) (automation.Rule, error) {
	if err := s.perms.Require(ctx, actor, spec.CompetitionID, permission.ManageAutomation); err != nil {
		return automation.Rule{}, err
	}
	rule, err := spec.Build(actor.ID, s.clock())
	if err != nil {
		return automation.Rule{}, err
	}
	if err := s.store.SaveRule(ctx, rule); err != nil {
		return automation.Rule{}, fmt.Errorf("save rule: %w", err)
	}
	s.logger.Info(ctx, "rule saved",
		logger.String("rule", rule.ID),
		logger.String("trigger", string(rule.Trigger.Type)),
		logger.String("action", string(rule.Action.Type)),
		logger.String("by", actor.ID))
	return rule, nil
}

// SetRuleEnabled toggles a rule. The caller needs canManageAutomation.
func (s *Service) SetRuleEnabled(ctx context.Context, actor model.Actor, competitionID, ruleID string, enabled bool) (automation.Rule, error) {
	if err := s.perms.Require(ctx, actor, competitionID, permission.ManageAutomation); err != nil {
		return automation.Rule{}, err
	}
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return automation.Rule{}, err
	}
	if rule.CompetitionID != competitionID {
		return automation.Rule{}, fmt.Errorf("rule %s in %s: %w", ruleID, competitionID, model.ErrNotFound)
	}
	if rule.Enabled == enabled {
		return rule, nil
	}
	rule.Enabled = enabled
	if err := s.store.SaveRule(ctx, rule); err != nil {
		return automation.Rule{}, fmt.Errorf("save rule: %w", err)
	}
	return rule, nil
}

// RuleStatus is a rule with its runtime state.
type RuleStatus struct {
	Rule  automation.Rule      `json:"rule"`
	State automation.RuleState `json:"state"`
}

// Rules lists a competition's rules with their runtime state.
func (s *Service) Rules(ctx context.Context, competitionID string) ([]RuleStatus, error) {
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RuleStatus, 0, len(rules))
	for _, r := range rules {
		if r.CompetitionID == competitionID {
			out = append(out, RuleStatus{Rule: r, State: s.automation.State(r.ID)})
		}
	}
	return out, nil
}

// AutomationAudit returns recent rule outcomes of a competition.
func (s *Service) AutomationAudit(competitionID string) []automation.AuditRecord {
	return s.automation.Audit(competitionID)
}

// IngestEvent accepts an external automation event. It returns false for a
// duplicate event id.
func (s *Service) IngestEvent(ctx context.Context, ev automation.Event) (bool, error) {
	return s.ingress.Accept(ctx, ev)
}

// SetGlobalGrant replaces an admin's global grant.
func (s *Service) SetGlobalGrant(ctx context.Context, actor model.Actor, adminID string, perms map[string]bool) error {
	return s.perms.SetGlobalGrant(ctx, actor, adminID, perms)
}

// SetCompetitionGrant replaces an admin's grant in one competition.
func (s *Service) SetCompetitionGrant(ctx context.Context, actor model.Actor, adminID, competitionID string, perms map[string]bool) error {
	return s.perms.SetCompetitionGrant(ctx, actor, adminID, competitionID, perms)
}

// Permissions returns the resolved permission set of adminID in competitionID.
// Admins may read their own set; reading another admin's needs
// canManagePermissions in that competition.
func (s *Service) Permissions(ctx context.Context, actor model.Actor, adminID, competitionID string) (map[string]bool, error) {
	if actor.ID != adminID {
		if err := s.perms.Require(ctx, actor, competitionID, permission.ManagePermissions); err != nil {
			return nil, err
		}
	}
	snap, err := s.perms.Snapshot(ctx, adminID, competitionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, name := range permission.All() {
		out[name] = permission.Authorize(snap, competitionID, name)
	}
	return out, nil
}

// Phase changes.

// Competition returns a competition.
func (s *Service) Competition(ctx context.Context, competitionID string) (model.Competition, error) {
	return s.competitions.Get(ctx, competitionID)
}

// OpenVoting opens voting. It reports whether anything changed.
func (s *Service) OpenVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error) {
	return s.competitions.OpenVoting(ctx, actor, competitionID)
}

// CloseVoting closes voting. It reports whether anything changed.
func (s *Service) CloseVoting(ctx context.Context, actor model.Actor, competitionID string) (bool, error) {
	return s.competitions.CloseVoting(ctx, actor, competitionID)
}

// PublishResults publishes results and pushes every saved report.
func (s *Service) PublishResults(ctx context.Context, actor model.Actor, competitionID string) (bool, error) {
	changed, err := s.competitions.PublishResults(ctx, actor, competitionID)
	if err != nil || !changed {
		return changed, err
	}
	compiled, err := s.CompileCompetition(ctx, competitionID)
	if err != nil {
		s.logger.Warn(ctx, "some reports failed to compile on publish", logger.Error(err))
	}
	for reportID, entries := range compiled {
		if err := s.hub.Publish(ctx, competitionID, reportID, entries); err != nil {
			return true, err
		}
	}
	return true, nil
}

// SetVotingWindow replaces the voting window.
func (s *Service) SetVotingWindow(ctx context.Context, actor model.Actor, competitionID string, opensAt, closesAt *time.Time) (bool, error) {
	return s.competitions.SetVotingWindow(ctx, actor, competitionID, opensAt, closesAt)
}

// SetCategoryParent re-parents a category. The caller needs canManageCategories.
func (s *Service) SetCategoryParent(ctx context.Context, actor model.Actor, competitionID, categoryID, parentID string) error {
	if err := s.categories.SetParent(ctx, actor, competitionID, categoryID, parentID); err != nil {
		return err
	}
	s.hub.Prune(competitionID)
	return nil
}

// Subscribe opens a live stream of a saved report.
func (s *Service) Subscribe(ctx context.Context, competitionID, reportID string) (*broadcast.Subscription, error) {
	if _, err := s.savedReport(ctx, competitionID, reportID); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, competitionID, reportID)
}

// Unsubscribe closes a live stream.
func (s *Service) Unsubscribe(sub *broadcast.Subscription) {
	s.hub.Unsubscribe(sub)
}
