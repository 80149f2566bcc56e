package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/metrics"
)

const (
	defaultShardCount            = 16
	defaultMetricsUpdateInterval = 10 * time.Second
)

// factShard holds the facts of the participants hashed to it.
type factShard struct {
	mu            sync.RWMutex
	facts         map[model.FactKey]model.ScoreFact
	byParticipant map[string][]model.FactKey
}

// MemoryStore is an in-memory Store. Facts are sharded by participant so
// submissions for different participants do not contend; the catalog sits
// behind one RWMutex.
type MemoryStore struct {
	shards     []*factShard
	shardCount int

	mu           sync.RWMutex
	competitions map[string]model.Competition
	participants map[string]model.Participant
	seq          int64
	rubrics      map[string]model.Rubric
	criteria     map[string]string // criterion id -> rubric id
	categories   map[string]model.Category
	links        map[model.ParticipantCategory]struct{}
	judges       map[model.JudgeAssignment]struct{}
	admins       map[string]model.Admin
	global       map[string]model.GlobalGrant
	scoped       map[[2]string]model.CompetitionGrant
	reports      map[string]model.ReportDefinition
	rules        map[string]automation.Rule

	metricsUpdateInterval time.Duration
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
}

// NewMemoryStore creates a store and starts its metrics updater, which runs
// until ctx ends or Close is called.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		shardCount:            defaultShardCount,
		competitions:          make(map[string]model.Competition),
		participants:          make(map[string]model.Participant),
		rubrics:               make(map[string]model.Rubric),
		criteria:              make(map[string]string),
		categories:            make(map[string]model.Category),
		links:                 make(map[model.ParticipantCategory]struct{}),
		judges:                make(map[model.JudgeAssignment]struct{}),
		admins:                make(map[string]model.Admin),
		global:                make(map[string]model.GlobalGrant),
		scoped:                make(map[[2]string]model.CompetitionGrant),
		reports:               make(map[string]model.ReportDefinition),
		rules:                 make(map[string]automation.Rule),
		metricsUpdateInterval: defaultMetricsUpdateInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.shards = make([]*factShard, s.shardCount)
	for i := range s.shards {
		s.shards[i] = &factShard{
			facts:         make(map[model.FactKey]model.ScoreFact),
			byParticipant: make(map[string][]model.FactKey),
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runMetricsUpdater(ctx)
	return s
}

// Close stops the metrics updater.
func (s *MemoryStore) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *MemoryStore) runMetricsUpdater(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.metricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateMetrics(ctx)
		}
	}
}

func (s *MemoryStore) updateMetrics(ctx context.Context) {
	n, _ := s.CountFacts(ctx)
	metrics.UpdateStoreRecords("facts", n)
	s.mu.RLock()
	metrics.UpdateStoreRecords("participants", len(s.participants))
	metrics.UpdateStoreRecords("rules", len(s.rules))
	s.mu.RUnlock()
}

func (s *MemoryStore) shard(participantID string) *factShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000.0)
}

// UpsertFact replaces the fact for f's triple, keeping the original id.
func (s *MemoryStore) UpsertFact(_ context.Context, f model.ScoreFact) (model.ScoreFact, bool, error) {
	defer observe("upsert_fact", time.Now())
	if f.ID == "" || f.ParticipantID == "" || f.CriterionID == "" || f.VoterID == "" {
		return model.ScoreFact{}, false, ErrMissingID
	}
	sh := s.shard(f.ParticipantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	key := f.Key()
	prev, ok := sh.facts[key]
	if ok {
		f.ID = prev.ID
	} else {
		sh.byParticipant[f.ParticipantID] = append(sh.byParticipant[f.ParticipantID], key)
	}
	sh.facts[key] = f
	return f, ok, nil
}

// ParticipantFacts returns a participant's facts ordered by criterion then voter.
func (s *MemoryStore) ParticipantFacts(_ context.Context, participantID string) ([]model.ScoreFact, error) {
	defer observe("participant_facts", time.Now())
	sh := s.shard(participantID)
	sh.mu.RLock()
	keys := sh.byParticipant[participantID]
	out := make([]model.ScoreFact, 0, len(keys))
	for _, k := range keys {
		out = append(out, sh.facts[k])
	}
	sh.mu.RUnlock()
	sortFacts(out)
	return out, nil
}

// CompetitionFacts returns every fact of a competition.
func (s *MemoryStore) CompetitionFacts(_ context.Context, competitionID string) ([]model.ScoreFact, error) {
	defer observe("competition_facts", time.Now())
	var out []model.ScoreFact
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, f := range sh.facts {
			if f.CompetitionID == competitionID {
				out = append(out, f)
			}
		}
		sh.mu.RUnlock()
	}
	sortFacts(out)
	return out, nil
}

// CountFacts returns the number of stored facts.
func (s *MemoryStore) CountFacts(context.Context) (int, error) {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.facts)
		sh.mu.RUnlock()
	}
	return n, nil
}

func sortFacts(facts []model.ScoreFact) {
	sort.Slice(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		if a.CriterionID != b.CriterionID {
			return a.CriterionID < b.CriterionID
		}
		return a.VoterID < b.VoterID
	})
}

// GetCompetition returns a competition.
func (s *MemoryStore) GetCompetition(_ context.Context, id string) (model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.competitions[id]
	if !ok {
		return model.Competition{}, fmt.Errorf("competition %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

// ListCompetitions returns every competition ordered by id.
func (s *MemoryStore) ListCompetitions(context.Context) ([]model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.competitions))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveCompetition inserts or replaces a competition.
func (s *MemoryStore) SaveCompetition(_ context.Context, c model.Competition) error {
	if c.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	s.competitions[c.ID] = c
	s.mu.Unlock()
	return nil
}

// GetAdmin returns an admin.
func (s *MemoryStore) GetAdmin(_ context.Context, adminID string) (model.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[adminID]
	if !ok {
		return model.Admin{}, fmt.Errorf("admin %s: %w", adminID, model.ErrNotFound)
	}
	return a, nil
}

// SaveAdmin inserts or replaces an admin.
func (s *MemoryStore) SaveAdmin(_ context.Context, a model.Admin) error {
	if a.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	s.admins[a.ID] = a
	s.mu.Unlock()
	return nil
}

// GlobalGrant returns an admin's global grant, empty when none is stored.
func (s *MemoryStore) GlobalGrant(_ context.Context, adminID string) (model.GlobalGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.global[adminID]
	return model.GlobalGrant{AdminID: adminID, Permissions: maps.Clone(g.Permissions)}, nil
}

// CompetitionGrant returns an admin's grant for one competition, empty when none is stored.
func (s *MemoryStore) CompetitionGrant(_ context.Context, adminID, competitionID string) (model.CompetitionGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.scoped[[2]string{adminID, competitionID}]
	return model.CompetitionGrant{AdminID: adminID, CompetitionID: competitionID, Permissions: maps.Clone(g.Permissions)}, nil
}

// SaveGlobalGrant replaces an admin's global grant.
func (s *MemoryStore) SaveGlobalGrant(_ context.Context, g model.GlobalGrant) error {
	if g.AdminID == "" {
		return ErrMissingID
	}
	g.Permissions = maps.Clone(g.Permissions)
	s.mu.Lock()
	s.global[g.AdminID] = g
	s.mu.Unlock()
	return nil
}

// SaveCompetitionGrant replaces an admin's grant for one competition.
func (s *MemoryStore) SaveCompetitionGrant(_ context.Context, g model.CompetitionGrant) error {
	if g.AdminID == "" || g.CompetitionID == "" {
		return ErrMissingID
	}
	g.Permissions = maps.Clone(g.Permissions)
	s.mu.Lock()
	s.scoped[[2]string{g.AdminID, g.CompetitionID}] = g
	s.mu.Unlock()
	return nil
}

// GetParticipant returns a participant.
func (s *MemoryStore) GetParticipant(_ context.Context, id string) (model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return model.Participant{}, fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	p.Attributes = maps.Clone(p.Attributes)
	return p, nil
}

// ListParticipants returns a competition's participants in creation order.
func (s *MemoryStore) ListParticipants(_ context.Context, competitionID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Participant
	for _, p := range s.participants {
		if p.CompetitionID == competitionID {
			p.Attributes = maps.Clone(p.Attributes)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SaveParticipant inserts or replaces a participant.
func (s *MemoryStore) SaveParticipant(_ context.Context, p model.Participant) (model.Participant, error) {
	if p.ID == "" || p.CompetitionID == "" {
		return model.Participant{}, ErrMissingID
	}
	p.Attributes = maps.Clone(p.Attributes)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.participants[p.ID]; ok {
		p.Seq = prev.Seq
		p.CreatedAt = prev.CreatedAt
	} else {
		s.seq++
		p.Seq = s.seq
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
	}
	s.participants[p.ID] = p
	return p, nil
}

// GetRubric returns a rubric with its criteria.
func (s *MemoryStore) GetRubric(_ context.Context, id string) (model.Rubric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rubrics[id]
	if !ok {
		return model.Rubric{}, fmt.Errorf("rubric %s: %w", id, model.ErrNotFound)
	}
	return cloneRubric(r), nil
}

// ListRubrics returns a competition's rubrics ordered by id.
func (s *MemoryStore) ListRubrics(_ context.Context, competitionID string) ([]model.Rubric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Rubric
	for _, r := range s.rubrics {
		if r.CompetitionID == competitionID {
			out = append(out, cloneRubric(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCriterion returns a criterion by id.
func (s *MemoryStore) GetCriterion(_ context.Context, id string) (model.Criterion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rid, ok := s.criteria[id]; ok {
		if c, ok := s.rubrics[rid].Criterion(id); ok {
			c.Labels = slices.Clone(c.Labels)
			return c, nil
		}
	}
	return model.Criterion{}, fmt.Errorf("criterion %s: %w", id, model.ErrNotFound)
}

// SaveRubric inserts or replaces a rubric and its criteria.
func (s *MemoryStore) SaveRubric(_ context.Context, r model.Rubric) error {
	if r.ID == "" || r.CompetitionID == "" {
		return ErrMissingID
	}
	r = cloneRubric(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range r.Criteria {
		if r.Criteria[i].ID == "" {
			return ErrMissingID
		}
		if owner, ok := s.criteria[r.Criteria[i].ID]; ok && owner != r.ID {
			return fmt.Errorf("criterion %s belongs to rubric %s: %w", r.Criteria[i].ID, owner, model.ErrConflict)
		}
		r.Criteria[i].RubricID = r.ID
	}
	if prev, ok := s.rubrics[r.ID]; ok {
		for _, c := range prev.Criteria {
			delete(s.criteria, c.ID)
		}
	}
	for _, c := range r.Criteria {
		s.criteria[c.ID] = r.ID
	}
	s.rubrics[r.ID] = r
	return nil
}

func cloneRubric(r model.Rubric) model.Rubric {
	r.Criteria = slices.Clone(r.Criteria)
	for i := range r.Criteria {
		r.Criteria[i].Labels = slices.Clone(r.Criteria[i].Labels)
	}
	return r
}

// ListCategories returns a competition's categories ordered by id.
func (s *MemoryStore) ListCategories(_ context.Context, competitionID string) ([]model.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Category
	for _, c := range s.categories {
		if c.CompetitionID == competitionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveCategory inserts or replaces a category.
func (s *MemoryStore) SaveCategory(_ context.Context, c model.Category) error {
	if c.ID == "" || c.CompetitionID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	s.categories[c.ID] = c
	s.mu.Unlock()
	return nil
}

// ListParticipantCategories returns the category links of a competition's participants.
func (s *MemoryStore) ListParticipantCategories(_ context.Context, competitionID string) ([]model.ParticipantCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ParticipantCategory
	for link := range s.links {
		if s.participants[link.ParticipantID].CompetitionID == competitionID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantID != out[j].ParticipantID {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].CategoryID < out[j].CategoryID
	})
	return out, nil
}

// AddParticipantCategory links a participant to a category.
func (s *MemoryStore) AddParticipantCategory(_ context.Context, link model.ParticipantCategory) error {
	if link.ParticipantID == "" || link.CategoryID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	s.links[link] = struct{}{}
	s.mu.Unlock()
	return nil
}

// JudgeAssigned reports whether a judge may score a competition.
func (s *MemoryStore) JudgeAssigned(_ context.Context, competitionID, judgeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.judges[model.JudgeAssignment{JudgeID: judgeID, CompetitionID: competitionID}]
	return ok, nil
}

// AssignJudge records a judge assignment.
func (s *MemoryStore) AssignJudge(_ context.Context, a model.JudgeAssignment) error {
	if a.JudgeID == "" || a.CompetitionID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	s.judges[a] = struct{}{}
	s.mu.Unlock()
	return nil
}

// GetReport returns a saved report definition.
func (s *MemoryStore) GetReport(_ context.Context, id string) (model.ReportDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.reports[id]
	if !ok {
		return model.ReportDefinition{}, fmt.Errorf("report %s: %w", id, model.ErrNotFound)
	}
	return def, nil
}

// ListReports returns a competition's report definitions ordered by id.
func (s *MemoryStore) ListReports(_ context.Context, competitionID string) ([]model.ReportDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ReportDefinition
	for _, def := range s.reports {
		if def.CompetitionID == competitionID {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveReport inserts or replaces a report definition.
func (s *MemoryStore) SaveReport(_ context.Context, def model.ReportDefinition) error {
	if def.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	s.reports[def.ID] = def
	s.mu.Unlock()
	return nil
}

// GetRule returns a rule.
func (s *MemoryStore) GetRule(_ context.Context, id string) (automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return automation.Rule{}, fmt.Errorf("rule %s: %w", id, model.ErrNotFound)
	}
	return r, nil
}

// ListRules returns every rule in creation order.
func (s *MemoryStore) ListRules(context.Context) ([]automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.rules))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveRule inserts or replaces a rule.
func (s *MemoryStore) SaveRule(_ context.Context, r automation.Rule) error {
	if r.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	s.rules[r.ID] = r
	s.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
