package automation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/internal/domain/permission"
)

// TriggerType selects what makes a rule fire.
type TriggerType string

const (
	TriggerSchedule       TriggerType = "SCHEDULE"
	TriggerInterval       TriggerType = "INTERVAL"
	TriggerCron           TriggerType = "CRON"
	TriggerScoreThreshold TriggerType = "SCORE_THRESHOLD"
	TriggerExternalEvent  TriggerType = "EXTERNAL_EVENT"
)

// ActionType selects what a rule does when it fires.
type ActionType string

const (
	ActionOpenVoting      ActionType = "OPEN_VOTING"
	ActionCloseVoting     ActionType = "CLOSE_VOTING"
	ActionPublishResults  ActionType = "PUBLISH_RESULTS"
	ActionSetVotingWindow ActionType = "SET_VOTING_WINDOW"
	ActionPublishReport   ActionType = "PUBLISH_REPORT"
	ActionGrantPermission ActionType = "GRANT_PERMISSION"
)

// Duration is a time.Duration that reads and writes strings such as "15m".
type Duration time.Duration

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON reads a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText reads a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ScheduleTrigger fires once when the clock reaches At.
type ScheduleTrigger struct {
	At time.Time `json:"at" validate:"required"`
}

// IntervalTrigger fires every Every since the last firing.
type IntervalTrigger struct {
	Every Duration `json:"every" validate:"gt=0"`
}

// CronTrigger fires at every time matched by a standard five-field cron
// Expression, evaluated in UTC.
type CronTrigger struct {
	Expression string `json:"expression" validate:"required"`
}

// Next returns the first matching time after t.
func (c CronTrigger) Next(t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(c.Expression)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.UTC()), nil
}

// ThresholdTrigger fires when a participant's weighted total crosses Threshold.
// An empty ParticipantID watches every participant.
type ThresholdTrigger struct {
	RubricID      string  `json:"rubricId" validate:"required"`
	Threshold     float64 `json:"threshold"`
	ParticipantID string  `json:"participantId,omitempty"`
}

// ExternalEventTrigger fires on ingress events of EventType whose payload
// contains every Match entry.
type ExternalEventTrigger struct {
	EventType string            `json:"eventType" validate:"required"`
	Match     map[string]string `json:"match,omitempty"`
}

// Trigger is a tagged variant: exactly the config matching Type is set.
type Trigger struct {
	Type      TriggerType           `json:"type" validate:"required,oneof=SCHEDULE INTERVAL CRON SCORE_THRESHOLD EXTERNAL_EVENT"`
	Schedule  *ScheduleTrigger      `json:"schedule,omitempty"`
	Interval  *IntervalTrigger      `json:"interval,omitempty"`
	Cron      *CronTrigger          `json:"cron,omitempty"`
	Threshold *ThresholdTrigger     `json:"threshold,omitempty"`
	External  *ExternalEventTrigger `json:"external,omitempty"`
}

// VotingWindowAction replaces a competition's voting window.
type VotingWindowAction struct {
	OpensAt  *time.Time `json:"opensAt,omitempty"`
	ClosesAt *time.Time `json:"closesAt,omitempty"`
}

// PublishReportAction compiles and broadcasts a saved report.
type PublishReportAction struct {
	ReportID string `json:"reportId" validate:"required"`
}

// GrantPermissionAction sets one scoped permission for an admin.
type GrantPermissionAction struct {
	AdminID    string `json:"adminId" validate:"required"`
	Permission string `json:"permission" validate:"required"`
	Value      bool   `json:"value"`
}

// Action is a tagged variant: only the config matching Type may be set.
type Action struct {
	Type   ActionType             `json:"type" validate:"required,oneof=OPEN_VOTING CLOSE_VOTING PUBLISH_RESULTS SET_VOTING_WINDOW PUBLISH_REPORT GRANT_PERMISSION"`
	Window *VotingWindowAction    `json:"window,omitempty"`
	Report *PublishReportAction   `json:"report,omitempty"`
	Grant  *GrantPermissionAction `json:"grant,omitempty"`
}

// Rule is a stored automation rule. Runtime state lives in the Engine.
type Rule struct {
	ID            string    `json:"id" validate:"required"`
	CompetitionID string    `json:"competitionId" validate:"required"`
	Name          string    `json:"name"`
	Trigger       Trigger   `json:"trigger"`
	Action        Action    `json:"action"`
	Enabled       bool      `json:"enabled"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
}

var validate = validator.New()

// Validate checks field constraints and that each variant carries exactly the
// config its type requires.
func (r Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %s: %w: %w", r.ID, model.ErrInvalidConfig, err)
	}
	t := r.Trigger
	set := map[TriggerType]bool{
		TriggerSchedule:       t.Schedule != nil,
		TriggerInterval:       t.Interval != nil,
		TriggerCron:           t.Cron != nil,
		TriggerScoreThreshold: t.Threshold != nil,
		TriggerExternalEvent:  t.External != nil,
	}
	for typ, present := range set {
		if present != (typ == t.Type) {
			return fmt.Errorf("rule %s: trigger %s config mismatch: %w", r.ID, t.Type, model.ErrInvalidConfig)
		}
	}

	a := r.Action
	want := map[ActionType]bool{
		ActionSetVotingWindow: a.Window != nil,
		ActionPublishReport:   a.Report != nil,
		ActionGrantPermission: a.Grant != nil,
	}
	for typ, present := range want {
		if present != (typ == a.Type) {
			return fmt.Errorf("rule %s: action %s config mismatch: %w", r.ID, a.Type, model.ErrInvalidConfig)
		}
	}
	if t.Schedule != nil && t.Schedule.At.IsZero() {
		return fmt.Errorf("rule %s: schedule needs a time: %w", r.ID, model.ErrInvalidConfig)
	}
	if c := t.Cron; c != nil {
		if _, err := c.Next(r.CreatedAt); err != nil {
			return fmt.Errorf("rule %s: cron %q: %w: %w", r.ID, c.Expression, model.ErrInvalidConfig, err)
		}
	}
	if g := a.Grant; g != nil && !permission.Known(g.Permission) {
		return fmt.Errorf("rule %s: permission %q: %w", r.ID, g.Permission, model.ErrInvalidConfig)
	}
	if w := a.Window; w != nil && w.OpensAt != nil && w.ClosesAt != nil && !w.ClosesAt.After(*w.OpensAt) {
		return fmt.Errorf("rule %s: window closes before it opens: %w", r.ID, model.ErrInvalidConfig)
	}
	return nil
}

// RuleSpec is the loosely typed form rules arrive in over HTTP and in rule files.
type RuleSpec struct {
	ID            string         `json:"id,omitempty" toml:"id"`
	CompetitionID string         `json:"competitionId" toml:"competition_id"`
	Name          string         `json:"name" toml:"name"`
	TriggerType   string         `json:"triggerType" toml:"trigger_type"`
	TriggerConfig map[string]any `json:"triggerConfig,omitempty" toml:"trigger_config"`
	ActionType    string         `json:"actionType" toml:"action_type"`
	ActionConfig  map[string]any `json:"actionConfig,omitempty" toml:"action_config"`
	Enabled       *bool          `json:"enabled,omitempty" toml:"enabled"`
}

// Build decodes the spec into a validated Rule. Rules are enabled unless the
// spec says otherwise.
func (s RuleSpec) Build(createdBy string, now time.Time) (Rule, error) {
	r := Rule{
		ID:            s.ID,
		CompetitionID: s.CompetitionID,
		Name:          s.Name,
		Enabled:       s.Enabled == nil || *s.Enabled,
		CreatedBy:     createdBy,
		CreatedAt:     now.UTC(),
		Trigger:       Trigger{Type: TriggerType(strings.ToUpper(s.TriggerType))},
		Action:        Action{Type: ActionType(strings.ToUpper(s.ActionType))},
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	var err error
	switch r.Trigger.Type {
	case TriggerSchedule:
		r.Trigger.Schedule = &ScheduleTrigger{}
		err = decodeConfig(s.TriggerConfig, r.Trigger.Schedule)
	case TriggerInterval:
		r.Trigger.Interval = &IntervalTrigger{}
		err = decodeConfig(s.TriggerConfig, r.Trigger.Interval)
	case TriggerCron:
		r.Trigger.Cron = &CronTrigger{}
		err = decodeConfig(s.TriggerConfig, r.Trigger.Cron)
	case TriggerScoreThreshold:
		r.Trigger.Threshold = &ThresholdTrigger{}
		err = decodeConfig(s.TriggerConfig, r.Trigger.Threshold)
	case TriggerExternalEvent:
		r.Trigger.External = &ExternalEventTrigger{}
		err = decodeConfig(s.TriggerConfig, r.Trigger.External)
	}
	if err != nil {
		return Rule{}, fmt.Errorf("trigger config: %w: %w", model.ErrInvalidConfig, err)
	}

	switch r.Action.Type {
	case ActionSetVotingWindow:
		r.Action.Window = &VotingWindowAction{}
		err = decodeConfig(s.ActionConfig, r.Action.Window)
	case ActionPublishReport:
		r.Action.Report = &PublishReportAction{}
		err = decodeConfig(s.ActionConfig, r.Action.Report)
	case ActionGrantPermission:
		r.Action.Grant = &GrantPermissionAction{}
		err = decodeConfig(s.ActionConfig, r.Action.Grant)
	}
	if err != nil {
		return Rule{}, fmt.Errorf("action config: %w: %w", model.ErrInvalidConfig, err)
	}

	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// decodeConfig maps a loose config onto a typed variant through JSON so both
// HTTP bodies and TOML tables decode with the same field names.
func decodeConfig(cfg map[string]any, into any) error {
	if len(cfg) == 0 {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
