// Package model contains the competition domain types passed between layers.
package model

import (
	"time"
)

// VoterType distinguishes judge-backed voters from public ones.
type VoterType string

const (
	VoterJudge  VoterType = "JUDGE"
	VoterPublic VoterType = "PUBLIC"
)

// Valid reports whether t is a known voter type.
func (t VoterType) Valid() bool { return t == VoterJudge || t == VoterPublic }

// Phase is the lifecycle phase of a competition.
type Phase string

const (
	PhaseDraft     Phase = "DRAFT"
	PhaseOpen      Phase = "OPEN"
	PhaseClosed    Phase = "CLOSED"
	PhasePublished Phase = "PUBLISHED"
)

// Role is an administrator's platform-wide role.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
)

// Direction orders a report.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// FactKey is the identity of a score fact: one per participant, criterion and voter.
type FactKey struct {
	ParticipantID string
	CriterionID   string
	VoterID       string
}

// ScoreFact is one voter's score for one participant on one criterion.
type ScoreFact struct {
	ID            string    `json:"id"`
	CompetitionID string    `json:"competitionId"`
	ParticipantID string    `json:"participantId"`
	CriterionID   string    `json:"criterionId"`
	VoterID       string    `json:"voterId"`
	VoterType     VoterType `json:"voterType"`
	JudgeID       string    `json:"judgeId,omitempty"`
	Value         float64   `json:"value"`
	Label         string    `json:"qualitativeLabel,omitempty"`
	SubmittedAt   time.Time `json:"submittedAt"`
	Retired       bool      `json:"retired,omitempty"`
}

// Key returns the fact's upsert identity.
func (f ScoreFact) Key() FactKey {
	return FactKey{ParticipantID: f.ParticipantID, CriterionID: f.CriterionID, VoterID: f.VoterID}
}

// LabelValue maps a qualitative label to its numeric score.
type LabelValue struct {
	Label string  `json:"label" toml:"label"`
	Value float64 `json:"value" toml:"value"`
}

// Criterion is one weighted, bounded dimension of a rubric.
type Criterion struct {
	ID       string       `json:"id"`
	RubricID string       `json:"rubricId"`
	Name     string       `json:"name"`
	MaxScore float64      `json:"maxScore"`
	Weight   float64      `json:"weight"`
	Labels   []LabelValue `json:"labels,omitempty"`
}

// ResolveLabel returns the numeric value mapped to label.
func (c Criterion) ResolveLabel(label string) (float64, bool) {
	for _, lv := range c.Labels {
		if lv.Label == label {
			return lv.Value, true
		}
	}
	return 0, false
}

// Rubric is the ordered set of criteria a competition is scored on.
type Rubric struct {
	ID            string      `json:"id"`
	CompetitionID string      `json:"competitionId"`
	Name          string      `json:"name"`
	Criteria      []Criterion `json:"criteria"`
}

// Criterion looks up a criterion by id.
func (r Rubric) Criterion(id string) (Criterion, bool) {
	for _, c := range r.Criteria {
		if c.ID == id {
			return c, true
		}
	}
	return Criterion{}, false
}

// Participant is a scored entrant. Seq records creation order.
type Participant struct {
	ID            string             `json:"id"`
	CompetitionID string             `json:"competitionId"`
	DisplayName   string             `json:"displayName"`
	Seq           int64              `json:"seq"`
	CreatedAt     time.Time          `json:"createdAt"`
	Attributes    map[string]float64 `json:"attributes,omitempty"`
}

// Category is a node in a competition's category tree.
type Category struct {
	ID            string `json:"id"`
	CompetitionID string `json:"competitionId"`
	Name          string `json:"name"`
	ParentID      string `json:"parentId,omitempty"`
}

// ParticipantCategory links a participant to a category.
type ParticipantCategory struct {
	ParticipantID string `json:"participantId" db:"participant_id"`
	CategoryID    string `json:"categoryId" db:"category_id"`
}

// JudgeAssignment links a judge to a competition.
type JudgeAssignment struct {
	JudgeID       string `json:"judgeId" db:"judge_id"`
	CompetitionID string `json:"competitionId" db:"competition_id"`
}

// Voter is whoever submits a score. JudgeID is set for judge-backed voters.
type Voter struct {
	ID      string    `json:"id"`
	Type    VoterType `json:"type"`
	JudgeID string    `json:"judgeId,omitempty"`
}

// Admin is an administrator and their platform role.
type Admin struct {
	ID   string `json:"id" db:"id"`
	Role Role   `json:"role" db:"role"`
}

// Actor is the identity a guarded mutation runs as.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is the internal identity automation acts under.
var SystemActor = Actor{ID: "system:automation", Role: RoleSuperAdmin}

// GlobalGrant holds an admin's explicit platform-wide permission values.
type GlobalGrant struct {
	AdminID     string          `json:"adminId"`
	Permissions map[string]bool `json:"permissions"`
}

// CompetitionGrant holds an admin's explicit permission values scoped to one competition.
type CompetitionGrant struct {
	AdminID       string          `json:"adminId"`
	CompetitionID string          `json:"competitionId"`
	Permissions   map[string]bool `json:"permissions"`
}

// Filters narrows the candidate set of a report.
type Filters struct {
	CategoryIDs []string    `json:"categoryIds,omitempty"`
	VoterTypes  []VoterType `json:"voterTypes,omitempty" validate:"dive,oneof=JUDGE PUBLIC"`
	JudgeIDs    []string    `json:"judgeIds,omitempty"`
	// ScopeAggregates restricts aggregates to facts that pass the voter and judge filters.
	ScopeAggregates bool `json:"scopeAggregates,omitempty"`
}

// HasFactFilter reports whether voter type or judge filters are set.
func (f Filters) HasFactFilter() bool {
	return len(f.VoterTypes) > 0 || len(f.JudgeIDs) > 0
}

// Admits reports whether a fact passes the voter type and judge filters.
func (f Filters) Admits(fact ScoreFact) bool {
	if len(f.VoterTypes) > 0 && !contains(f.VoterTypes, fact.VoterType) {
		return false
	}
	if len(f.JudgeIDs) > 0 && (fact.JudgeID == "" || !contains(f.JudgeIDs, fact.JudgeID)) {
		return false
	}
	return true
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// SortOption names the field a report is ordered by.
type SortOption struct {
	Field     string    `json:"field" validate:"required"`
	Direction Direction `json:"direction" validate:"required,oneof=ASC DESC"`
}

// ReportDefinition is a saved filter, sort and limit over one rubric.
type ReportDefinition struct {
	ID            string     `json:"id"`
	CompetitionID string     `json:"competitionId" validate:"required"`
	Name          string     `json:"name"`
	RubricID      string     `json:"rubricId" validate:"required"`
	Filters       Filters    `json:"filters"`
	Sort          SortOption `json:"sort"`
	Limit         int        `json:"limit" validate:"gte=0"`
}

// RankedEntry is one row of a compiled report.
type RankedEntry struct {
	Rank          int                `json:"rank"`
	ParticipantID string             `json:"participantId"`
	DisplayName   string             `json:"displayName"`
	PerCriterion  map[string]float64 `json:"perCriterion"`
	WeightedTotal float64            `json:"weightedTotal"`
	FactCount     int                `json:"factCount"`
	SortValue     any                `json:"sortValue,omitempty"`
}

// Competition carries the phase and optional voting window.
type Competition struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Phase          Phase      `json:"phase"`
	VotingOpensAt  *time.Time `json:"votingOpensAt,omitempty"`
	VotingClosesAt *time.Time `json:"votingClosesAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// VotingOpen reports whether scores may be submitted at now.
// The window is half-open: [VotingOpensAt, VotingClosesAt).
func (c Competition) VotingOpen(now time.Time) bool {
	if c.Phase != PhaseOpen {
		return false
	}
	if c.VotingOpensAt != nil && now.Before(*c.VotingOpensAt) {
		return false
	}
	if c.VotingClosesAt != nil && !now.Before(*c.VotingClosesAt) {
		return false
	}
	return true
}

// Invalidation announces that a participant's aggregate for a rubric is stale.
type Invalidation struct {
	CompetitionID string
	ParticipantID string
	RubricID      string
	At            time.Time
}

// Key identifies the aggregate the invalidation refers to.
func (i Invalidation) Key() string {
	return i.ParticipantID + "|" + i.RubricID
}
