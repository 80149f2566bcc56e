package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/category"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/logger"
)

// Catalog is the TOML document a deployment is seeded from. Authoring
// competitions, rubrics and participants happens upstream; the service only
// needs them to exist.
type Catalog struct {
	Admins       []seedAdmin       `toml:"admins"`
	Competitions []seedCompetition `toml:"competitions"`
	Rubrics      []seedRubric      `toml:"rubrics"`
	Participants []seedParticipant `toml:"participants"`
	Categories   []seedCategory    `toml:"categories"`
	Memberships  []seedMembership  `toml:"memberships"`
	Judges       []seedJudge       `toml:"judges"`
}

type seedAdmin struct {
	ID   string `toml:"id"`
	Role string `toml:"role"`
}

type seedCompetition struct {
	ID             string     `toml:"id"`
	Name           string     `toml:"name"`
	Phase          string     `toml:"phase"`
	VotingOpensAt  *time.Time `toml:"voting_opens_at"`
	VotingClosesAt *time.Time `toml:"voting_closes_at"`
}

type seedCriterion struct {
	ID       string             `toml:"id"`
	Name     string             `toml:"name"`
	MaxScore float64            `toml:"max_score"`
	Weight   float64            `toml:"weight"`
	Labels   []model.LabelValue `toml:"labels"`
}

type seedRubric struct {
	ID            string          `toml:"id"`
	CompetitionID string          `toml:"competition_id"`
	Name          string          `toml:"name"`
	Criteria      []seedCriterion `toml:"criteria"`
}

type seedParticipant struct {
	ID            string             `toml:"id"`
	CompetitionID string             `toml:"competition_id"`
	DisplayName   string             `toml:"display_name"`
	Attributes    map[string]float64 `toml:"attributes"`
}

type seedCategory struct {
	ID            string `toml:"id"`
	CompetitionID string `toml:"competition_id"`
	Name          string `toml:"name"`
	ParentID      string `toml:"parent_id"`
}

type seedMembership struct {
	ParticipantID string `toml:"participant_id"`
	CategoryID    string `toml:"category_id"`
}

type seedJudge struct {
	JudgeID       string `toml:"judge_id"`
	CompetitionID string `toml:"competition_id"`
}

// ParseCatalog decodes a catalog document.
func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := toml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("catalog: %w: %w", model.ErrInvalidConfig, err)
	}
	return c, nil
}

// seed applies the bootstrap admin, the catalog file and the rules file.
func (s *Service) seed(ctx context.Context) error {
	if id := s.cfg.BootstrapAdmin; id != "" {
		if err := s.store.SaveAdmin(ctx, model.Admin{ID: id, Role: model.RoleSuperAdmin}); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	if path := s.cfg.CatalogFile; path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read catalog %s: %w", path, err)
		}
		c, err := ParseCatalog(raw)
		if err != nil {
			return err
		}
		if err := s.applyCatalog(ctx, c); err != nil {
			return err
		}
		s.logger.Info(ctx, "catalog seeded",
			logger.String("path", path),
			logger.Int("competitions", len(c.Competitions)),
			logger.Int("participants", len(c.Participants)))
	}
	if path := s.cfg.RulesFile; path != "" {
		rules, err := automation.LoadRulesFile(path, s.clock())
		if err != nil {
			return err
		}
		for _, r := range rules {
			if err := s.store.SaveRule(ctx, r); err != nil {
				return fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
		}
		s.logger.Info(ctx, "rules seeded", logger.String("path", path), logger.Int("rules", len(rules)))
	}
	return nil
}

func (s *Service) applyCatalog(ctx context.Context, c Catalog) error {
	for _, a := range c.Admins {
		role := model.Role(a.Role)
		if role != model.RoleSuperAdmin && role != model.RoleAdmin {
			return fmt.Errorf("admin %s role %q: %w", a.ID, a.Role, model.ErrInvalidConfig)
		}
		if err := s.store.SaveAdmin(ctx, model.Admin{ID: a.ID, Role: role}); err != nil {
			return fmt.Errorf("seed admin %s: %w", a.ID, err)
		}
	}
	for _, sc := range c.Competitions {
		phase := model.Phase(sc.Phase)
		if phase == "" {
			phase = model.PhaseDraft
		}
		comp := model.Competition{
			ID: sc.ID, Name: sc.Name, Phase: phase,
			VotingOpensAt: sc.VotingOpensAt, VotingClosesAt: sc.VotingClosesAt,
			UpdatedAt: s.clock().UTC(),
		}
		if err := s.store.SaveCompetition(ctx, comp); err != nil {
			return fmt.Errorf("seed competition %s: %w", sc.ID, err)
		}
	}
	for _, sr := range c.Rubrics {
		r := model.Rubric{ID: sr.ID, CompetitionID: sr.CompetitionID, Name: sr.Name}
		for _, sc := range sr.Criteria {
			if sc.MaxScore <= 0 || sc.Weight < 0 {
				return fmt.Errorf("criterion %s: %w", sc.ID, model.ErrInvalidConfig)
			}
			r.Criteria = append(r.Criteria, model.Criterion{
				ID: sc.ID, RubricID: sr.ID, Name: sc.Name,
				MaxScore: sc.MaxScore, Weight: sc.Weight, Labels: sc.Labels,
			})
		}
		if err := s.store.SaveRubric(ctx, r); err != nil {
			return fmt.Errorf("seed rubric %s: %w", sr.ID, err)
		}
	}
	for _, sp := range c.Participants {
		p := model.Participant{ID: sp.ID, CompetitionID: sp.CompetitionID, DisplayName: sp.DisplayName, Attributes: sp.Attributes}
		if _, err := s.store.SaveParticipant(ctx, p); err != nil {
			return fmt.Errorf("seed participant %s: %w", sp.ID, err)
		}
	}
	if err := s.seedCategories(ctx, c.Categories); err != nil {
		return err
	}
	for _, m := range c.Memberships {
		link := model.ParticipantCategory{ParticipantID: m.ParticipantID, CategoryID: m.CategoryID}
		if err := s.store.AddParticipantCategory(ctx, link); err != nil {
			return fmt.Errorf("seed membership %s/%s: %w", m.ParticipantID, m.CategoryID, err)
		}
	}
	for _, j := range c.Judges {
		if err := s.store.AssignJudge(ctx, model.JudgeAssignment{JudgeID: j.JudgeID, CompetitionID: j.CompetitionID}); err != nil {
			return fmt.Errorf("seed judge %s: %w", j.JudgeID, err)
		}
	}
	return nil
}

// seedCategories saves categories in document order, rejecting any that
// would close a cycle in the tree built so far.
func (s *Service) seedCategories(ctx context.Context, seeds []seedCategory) error {
	var errs []error
	byCompetition := make(map[string][]model.Category)
	for _, sc := range seeds {
		cat := model.Category{ID: sc.ID, CompetitionID: sc.CompetitionID, Name: sc.Name, ParentID: sc.ParentID}
		existing := byCompetition[sc.CompetitionID]
		if cat.ParentID != "" && category.NewTree(existing).WouldCycle(cat.ID, cat.ParentID) {
			errs = append(errs, fmt.Errorf("category %s under %s: %w", cat.ID, cat.ParentID, model.ErrCycle))
			continue
		}
		if err := s.store.SaveCategory(ctx, cat); err != nil {
			return fmt.Errorf("seed category %s: %w", cat.ID, err)
		}
		byCompetition[sc.CompetitionID] = append(existing, cat)
	}
	return errors.Join(errs...)
}
