// Package repository defines the persistence interface of the scoring core and
// its in-memory implementation.
package repository

import (
	"context"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/model"
)

// FactStore holds score facts. UpsertFact is atomic per
// (participant, criterion, voter) and reports whether it replaced a fact.
type FactStore interface {
	UpsertFact(ctx context.Context, f model.ScoreFact) (model.ScoreFact, bool, error)
	ParticipantFacts(ctx context.Context, participantID string) ([]model.ScoreFact, error)
	CompetitionFacts(ctx context.Context, competitionID string) ([]model.ScoreFact, error)
	CountFacts(ctx context.Context) (int, error)
}

// CompetitionStore holds competitions.
type CompetitionStore interface {
	GetCompetition(ctx context.Context, id string) (model.Competition, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	SaveCompetition(ctx context.Context, c model.Competition) error
}

// GrantStore holds admins and their permission grants. Missing grants read
// as empty; unknown admins return model.ErrNotFound.
type GrantStore interface {
	GetAdmin(ctx context.Context, adminID string) (model.Admin, error)
	SaveAdmin(ctx context.Context, a model.Admin) error
	GlobalGrant(ctx context.Context, adminID string) (model.GlobalGrant, error)
	CompetitionGrant(ctx context.Context, adminID, competitionID string) (model.CompetitionGrant, error)
	SaveGlobalGrant(ctx context.Context, g model.GlobalGrant) error
	SaveCompetitionGrant(ctx context.Context, g model.CompetitionGrant) error
}

// CatalogStore holds the structure facts are validated against.
type CatalogStore interface {
	GetParticipant(ctx context.Context, id string) (model.Participant, error)
	ListParticipants(ctx context.Context, competitionID string) ([]model.Participant, error)
	// SaveParticipant assigns Seq on first save and keeps it afterwards.
	SaveParticipant(ctx context.Context, p model.Participant) (model.Participant, error)

	GetRubric(ctx context.Context, id string) (model.Rubric, error)
	ListRubrics(ctx context.Context, competitionID string) ([]model.Rubric, error)
	GetCriterion(ctx context.Context, id string) (model.Criterion, error)
	SaveRubric(ctx context.Context, r model.Rubric) error

	ListCategories(ctx context.Context, competitionID string) ([]model.Category, error)
	SaveCategory(ctx context.Context, c model.Category) error
	ListParticipantCategories(ctx context.Context, competitionID string) ([]model.ParticipantCategory, error)
	AddParticipantCategory(ctx context.Context, link model.ParticipantCategory) error

	JudgeAssigned(ctx context.Context, competitionID, judgeID string) (bool, error)
	AssignJudge(ctx context.Context, a model.JudgeAssignment) error
}

// ReportStore holds saved report definitions.
type ReportStore interface {
	GetReport(ctx context.Context, id string) (model.ReportDefinition, error)
	ListReports(ctx context.Context, competitionID string) ([]model.ReportDefinition, error)
	SaveReport(ctx context.Context, def model.ReportDefinition) error
}

// RuleStore holds automation rules.
type RuleStore interface {
	GetRule(ctx context.Context, id string) (automation.Rule, error)
	ListRules(ctx context.Context) ([]automation.Rule, error)
	SaveRule(ctx context.Context, r automation.Rule) error
}

// Store is everything the service persists.
type Store interface {
	FactStore
	CompetitionStore
	GrantStore
	CatalogStore
	ReportStore
	RuleStore
	Close() error
}
