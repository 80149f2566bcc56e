// Package report compiles report definitions into ranked participant lists.
//
// Compilation runs in a fixed order: candidates are filtered by category
// subtree and by qualifying facts, each candidate's sort value is resolved
// from a stored attribute or an aggregate, candidates are stably sorted with
// ties broken by creation order, and the list is truncated to the limit.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/okian/verdict/internal/domain/category"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/internal/domain/scoring"
	"github.com/okian/verdict/pkg/logger"
	"github.com/okian/verdict/pkg/metrics"
)

const (
	tracerName         = "github.com/okian/verdict/internal/domain/report"
	defaultConcurrency = 8
)

// Sort fields computed from aggregates. Any other name that is not a
// stored field must be a participant attribute key.
const (
	FieldWeightedTotal   = "weightedTotal"
	FieldFactCount       = "factCount"
	FieldDisplayName     = "displayName"
	FieldCreatedAt       = "createdAt"
	criterionFieldPrefix = "criterion:"
)

var validate = validator.New()

// Validate checks a definition's shape.
func Validate(def model.ReportDefinition) error {
	if err := validate.Struct(def); err != nil {
		return fmt.Errorf("report definition: %w: %w", model.ErrInvalidConfig, err)
	}
	return nil
}

// Catalog is the read side a compilation needs.
type Catalog interface {
	GetRubric(ctx context.Context, id string) (model.Rubric, error)
	ListParticipants(ctx context.Context, competitionID string) ([]model.Participant, error)
	ListParticipantCategories(ctx context.Context, competitionID string) ([]model.ParticipantCategory, error)
	ListCategories(ctx context.Context, competitionID string) ([]model.Category, error)
	CompetitionFacts(ctx context.Context, competitionID string) ([]model.ScoreFact, error)
}

// Aggregator provides per-participant aggregates.
type Aggregator interface {
	Aggregate(ctx context.Context, participantID, rubricID string) (scoring.Aggregate, error)
	AggregateFiltered(ctx context.Context, participantID, rubricID string, admit func(model.ScoreFact) bool) (scoring.Aggregate, error)
}

// Compiler turns definitions into ranked entries.
type Compiler struct {
	catalog     Catalog
	agg         Aggregator
	concurrency int
	logger      logger.Logger
	tracer      trace.Tracer
}

// NewCompiler creates a compiler.
func NewCompiler(catalog Catalog, agg Aggregator, opts ...Option) *Compiler {
	c := &Compiler{
		catalog:     catalog,
		agg:         agg,
		concurrency: defaultConcurrency,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("report")
	}
	return c
}

type sortKey struct {
	num     float64
	str     string
	text    bool
	present bool
}

type row struct {
	participant model.Participant
	entry       model.RankedEntry
	key         sortKey
}

// Compile evaluates def. An empty result is not an error.
func (c *Compiler) Compile(ctx context.Context, def model.ReportDefinition) (entries []model.RankedEntry, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "report.Compile", trace.WithAttributes(
		attribute.String("competition.id", def.CompetitionID),
		attribute.String("report.id", def.ID),
		attribute.String("sort.field", def.Sort.Field),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compile failed")
		}
		span.End()
		metrics.RecordReportCompile(float64(time.Since(start).Microseconds())/1000.0, err != nil)
	}()

	if err := Validate(def); err != nil {
		return nil, err
	}
	rubric, err := c.catalog.GetRubric(ctx, def.RubricID)
	if err != nil {
		return nil, fmt.Errorf("rubric %s: %w", def.RubricID, err)
	}
	if rubric.CompetitionID != def.CompetitionID {
		return nil, fmt.Errorf("rubric %s in %s: %w", def.RubricID, def.CompetitionID, model.ErrNotFound)
	}
	participants, err := c.catalog.ListParticipants(ctx, def.CompetitionID)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	if err := checkSortField(def.Sort.Field, rubric, participants); err != nil {
		return nil, err
	}

	candidates, err := c.candidates(ctx, def, rubric, participants)
	if err != nil {
		return nil, err
	}
	rows, err := c.resolve(ctx, def, rubric, candidates)
	if err != nil {
		return nil, err
	}

	desc := def.Sort.Direction == model.Desc
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j], desc) })

	if def.Limit > 0 && len(rows) > def.Limit {
		rows = rows[:def.Limit]
	}
	entries = make([]model.RankedEntry, len(rows))
	for i, r := range rows {
		r.entry.Rank = i + 1
		entries[i] = r.entry
	}
	return entries, nil
}

// CompileAll compiles several definitions concurrently. A failing definition
// does not prevent the others from compiling.
func (c *Compiler) CompileAll(ctx context.Context, defs []model.ReportDefinition) (map[string][]model.RankedEntry, error) {
	var (
		mu   sync.Mutex
		out  = make(map[string][]model.RankedEntry, len(defs))
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(c.concurrency)
	for _, def := range defs {
		g.Go(func() error {
			entries, err := c.Compile(ctx, def)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn(ctx, "report compile failed", logger.String("report", def.ID), logger.Error(err))
				errs = append(errs, fmt.Errorf("report %s: %w", def.ID, err))
				return nil
			}
			out[def.ID] = entries
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

func checkSortField(field string, rubric model.Rubric, participants []model.Participant) error {
	switch field {
	case FieldWeightedTotal, FieldFactCount, FieldDisplayName, FieldCreatedAt:
		return nil
	}
	if id, ok := strings.CutPrefix(field, criterionFieldPrefix); ok {
		if _, found := rubric.Criterion(id); found {
			return nil
		}
		return fmt.Errorf("%q: %w", field, model.ErrUnknownSortField)
	}
	for _, p := range participants {
		if _, ok := p.Attributes[field]; ok {
			return nil
		}
	}
	return fmt.Errorf("%q: %w", field, model.ErrUnknownSortField)
}

func (c *Compiler) candidates(ctx context.Context, def model.ReportDefinition, rubric model.Rubric, participants []model.Participant) ([]model.Participant, error) {
	keep := func(model.Participant) bool { return true }

	if len(def.Filters.CategoryIDs) > 0 {
		cats, err := c.catalog.ListCategories(ctx, def.CompetitionID)
		if err != nil {
			return nil, fmt.Errorf("categories: %w", err)
		}
		links, err := c.catalog.ListParticipantCategories(ctx, def.CompetitionID)
		if err != nil {
			return nil, fmt.Errorf("participant categories: %w", err)
		}
		tree := category.NewTree(cats)
		member := make(map[string][]string, len(links))
		for _, l := range links {
			member[l.ParticipantID] = append(member[l.ParticipantID], l.CategoryID)
		}
		closures := make([]map[string]struct{}, len(def.Filters.CategoryIDs))
		for i, id := range def.Filters.CategoryIDs {
			closures[i] = tree.Closure(id)
		}
		prev := keep
		keep = func(p model.Participant) bool {
			return prev(p) && inEvery(member[p.ID], closures)
		}
	}

	// Only participants with at least one admitted fact on the rubric rank.
	// Empty voter and judge filters admit every fact.
	facts, err := c.catalog.CompetitionFacts(ctx, def.CompetitionID)
	if err != nil {
		return nil, fmt.Errorf("facts: %w", err)
	}
	qualified := make(map[string]struct{})
	for _, f := range facts {
		if f.Retired || !def.Filters.Admits(f) {
			continue
		}
		if _, ok := rubric.Criterion(f.CriterionID); ok {
			qualified[f.ParticipantID] = struct{}{}
		}
	}
	prev := keep
	keep = func(p model.Participant) bool {
		_, ok := qualified[p.ID]
		return ok && prev(p)
	}

	out := make([]model.Participant, 0, len(participants))
	for _, p := range participants {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return byCreation(out[i], out[j]) })
	return out, nil
}

func inEvery(cats []string, closures []map[string]struct{}) bool {
	for _, closure := range closures {
		found := false
		for _, id := range cats {
			if _, ok := closure[id]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Compiler) resolve(ctx context.Context, def model.ReportDefinition, rubric model.Rubric, candidates []model.Participant) ([]row, error) {
	rows := make([]row, len(candidates))
	scoped := def.Filters.ScopeAggregates && def.Filters.HasFactFilter()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, p := range candidates {
		g.Go(func() error {
			var (
				agg scoring.Aggregate
				err error
			)
			if scoped {
				agg, err = c.agg.AggregateFiltered(gctx, p.ID, rubric.ID, def.Filters.Admits)
			} else {
				agg, err = c.agg.Aggregate(gctx, p.ID, rubric.ID)
			}
			if err != nil {
				return fmt.Errorf("aggregate %s: %w", p.ID, err)
			}
			key := sortKeyFor(def.Sort.Field, p, agg)
			rows[i] = row{
				participant: p,
				key:         key,
				entry: model.RankedEntry{
					ParticipantID: p.ID,
					DisplayName:   p.DisplayName,
					PerCriterion:  agg.PerCriterion,
					WeightedTotal: agg.WeightedTotal,
					FactCount:     agg.FactCount,
					SortValue:     sortValue(def.Sort.Field, p, key),
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func sortKeyFor(field string, p model.Participant, agg scoring.Aggregate) sortKey {
	switch field {
	case FieldWeightedTotal:
		return sortKey{num: agg.WeightedTotal, present: true}
	case FieldFactCount:
		return sortKey{num: float64(agg.FactCount), present: true}
	case FieldDisplayName:
		return sortKey{str: p.DisplayName, text: true, present: true}
	case FieldCreatedAt:
		return sortKey{num: float64(p.CreatedAt.UnixNano()), present: true}
	}
	if id, ok := strings.CutPrefix(field, criterionFieldPrefix); ok {
		v, scored := agg.PerCriterion[id]
		return sortKey{num: v, present: scored}
	}
	v, ok := p.Attributes[field]
	return sortKey{num: v, present: ok}
}

func sortValue(field string, p model.Participant, k sortKey) any {
	switch {
	case !k.present:
		return nil
	case field == FieldCreatedAt:
		return p.CreatedAt
	case k.text:
		return k.str
	default:
		return k.num
	}
}

// less orders present values by direction, missing values last, and ties by creation.
func less(a, b row, desc bool) bool {
	if a.key.present != b.key.present {
		return a.key.present
	}
	if a.key.present {
		if c := compareKeys(a.key, b.key); c != 0 {
			if desc {
				return c > 0
			}
			return c < 0
		}
	}
	return byCreation(a.participant, b.participant)
}

func compareKeys(a, b sortKey) int {
	if a.text {
		return strings.Compare(a.str, b.str)
	}
	switch {
	case a.num < b.num:
		return -1
	case a.num > b.num:
		return 1
	default:
		return 0
	}
}

func byCreation(a, b model.Participant) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}
