package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/okian/verdict/internal/adapters/repository"
	"github.com/okian/verdict/internal/domain/model"
)

type participantRow struct {
	ID            string `db:"id"`
	CompetitionID string `db:"competition_id"`
	DisplayName   string `db:"display_name"`
	Seq           int64  `db:"seq"`
	CreatedAt     int64  `db:"created_at"`
	Attributes    string `db:"attributes"`
}

func (r participantRow) participant() (model.Participant, error) {
	p := model.Participant{
		ID:            r.ID,
		CompetitionID: r.CompetitionID,
		DisplayName:   r.DisplayName,
		Seq:           r.Seq,
		CreatedAt:     fromMicros(r.CreatedAt),
	}
	return p, decode(r.Attributes, &p.Attributes)
}

const participantColumns = `id, competition_id, display_name, seq, created_at, attributes`

// GetParticipant returns a participant.
func (s *Store) GetParticipant(ctx context.Context, id string) (model.Participant, error) {
	defer observe("get_participant", time.Now())
	var row participantRow
	err := s.DB.GetContext(ctx, &row, s.q(`SELECT `+participantColumns+` FROM participants WHERE id = ?`), id)
	if err != nil {
		return model.Participant{}, notFound(err, "participant", id)
	}
	return row.participant()
}

// ListParticipants returns a competition's participants in creation order.
func (s *Store) ListParticipants(ctx context.Context, competitionID string) ([]model.Participant, error) {
	defer observe("list_participants", time.Now())
	var rows []participantRow
	err := s.DB.SelectContext(ctx, &rows, s.q(`SELECT `+participantColumns+` FROM participants
		WHERE competition_id = ? ORDER BY seq, id`), competitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	out := make([]model.Participant, 0, len(rows))
	for _, r := range rows {
		p, err := r.participant()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SaveParticipant inserts or replaces a participant, keeping its sequence and
// creation time once assigned.
func (s *Store) SaveParticipant(ctx context.Context, p model.Participant) (model.Participant, error) {
	defer observe("save_participant", time.Now())
	if p.ID == "" || p.CompetitionID == "" {
		return model.Participant{}, repository.ErrMissingID
	}
	attrs, err := encode(p.Attributes)
	if err != nil {
		return model.Participant{}, err
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return model.Participant{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev participantRow
	err = tx.GetContext(ctx, &prev, s.q(`SELECT `+participantColumns+` FROM participants WHERE id = ?`), p.ID)
	switch {
	case err == nil:
		p.Seq = prev.Seq
		p.CreatedAt = fromMicros(prev.CreatedAt)
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.GetContext(ctx, &p.Seq, `SELECT COALESCE(MAX(seq), 0) + 1 FROM participants`); err != nil {
			return model.Participant{}, fmt.Errorf("failed to assign sequence: %w", err)
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
	default:
		return model.Participant{}, fmt.Errorf("failed to load participant: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			competition_id = excluded.competition_id,
			display_name = excluded.display_name,
			attributes = excluded.attributes`),
		p.ID, p.CompetitionID, p.DisplayName, p.Seq, micros(p.CreatedAt), attrs)
	if err != nil {
		return model.Participant{}, fmt.Errorf("failed to save participant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Participant{}, fmt.Errorf("failed to commit participant: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

type rubricRow struct {
	ID            string `db:"id"`
	CompetitionID string `db:"competition_id"`
	Name          string `db:"name"`
}

type criterionRow struct {
	ID       string  `db:"id"`
	RubricID string  `db:"rubric_id"`
	Name     string  `db:"name"`
	MaxScore float64 `db:"max_score"`
	Weight   float64 `db:"weight"`
	Labels   string  `db:"labels"`
	Position int     `db:"position"`
}

func (r criterionRow) criterion() (model.Criterion, error) {
	c := model.Criterion{ID: r.ID, RubricID: r.RubricID, Name: r.Name, MaxScore: r.MaxScore, Weight: r.Weight}
	return c, decode(r.Labels, &c.Labels)
}

const criterionColumns = `id, rubric_id, name, max_score, weight, labels, position`

func (s *Store) criteriaOf(ctx context.Context, rubricID string) ([]model.Criterion, error) {
	var rows []criterionRow
	err := s.DB.SelectContext(ctx, &rows, s.q(`SELECT `+criterionColumns+` FROM criteria
		WHERE rubric_id = ? ORDER BY position`), rubricID)
	if err != nil {
		return nil, fmt.Errorf("failed to list criteria: %w", err)
	}
	out := make([]model.Criterion, 0, len(rows))
	for _, r := range rows {
		c, err := r.criterion()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetRubric returns a rubric with its criteria in order.
func (s *Store) GetRubric(ctx context.Context, id string) (model.Rubric, error) {
	defer observe("get_rubric", time.Now())
	var row rubricRow
	if err := s.DB.GetContext(ctx, &row, s.q(`SELECT id, competition_id, name FROM rubrics WHERE id = ?`), id); err != nil {
		return model.Rubric{}, notFound(err, "rubric", id)
	}
	criteria, err := s.criteriaOf(ctx, id)
	if err != nil {
		return model.Rubric{}, err
	}
	return model.Rubric{ID: row.ID, CompetitionID: row.CompetitionID, Name: row.Name, Criteria: criteria}, nil
}

// ListRubrics returns a competition's rubrics ordered by id.
func (s *Store) ListRubrics(ctx context.Context, competitionID string) ([]model.Rubric, error) {
	var rows []rubricRow
	err := s.DB.SelectContext(ctx, &rows, s.q(`SELECT id, competition_id, name FROM rubrics
		WHERE competition_id = ? ORDER BY id`), competitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rubrics: %w", err)
	}
	out := make([]model.Rubric, 0, len(rows))
	for _, row := range rows {
		criteria, err := s.criteriaOf(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Rubric{ID: row.ID, CompetitionID: row.CompetitionID, Name: row.Name, Criteria: criteria})
	}
	return out, nil
}

// GetCriterion returns a criterion by id.
func (s *Store) GetCriterion(ctx context.Context, id string) (model.Criterion, error) {
	defer observe("get_criterion", time.Now())
	var row criterionRow
	if err := s.DB.GetContext(ctx, &row, s.q(`SELECT `+criterionColumns+` FROM criteria WHERE id = ?`), id); err != nil {
		return model.Criterion{}, notFound(err, "criterion", id)
	}
	return row.criterion()
}

// SaveRubric inserts or replaces a rubric and all of its criteria.
func (s *Store) SaveRubric(ctx context.Context, r model.Rubric) error {
	defer observe("save_rubric", time.Now())
	if r.ID == "" || r.CompetitionID == "" {
		return repository.ErrMissingID
	}
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range r.Criteria {
		if c.ID == "" {
			return repository.ErrMissingID
		}
		var owner string
		err := tx.GetContext(ctx, &owner, s.q(`SELECT rubric_id FROM criteria WHERE id = ?`), c.ID)
		if err == nil && owner != r.ID {
			return fmt.Errorf("criterion %s belongs to rubric %s: %w", c.ID, owner, model.ErrConflict)
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check criterion: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO rubrics (id, competition_id, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET competition_id = excluded.competition_id, name = excluded.name`),
		r.ID, r.CompetitionID, r.Name); err != nil {
		return fmt.Errorf("failed to save rubric: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM criteria WHERE rubric_id = ?`), r.ID); err != nil {
		return fmt.Errorf("failed to clear criteria: %w", err)
	}
	for i, c := range r.Criteria {
		labels, err := encode(c.Labels)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO criteria (`+criterionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			c.ID, r.ID, c.Name, c.MaxScore, c.Weight, labels, i); err != nil {
			return fmt.Errorf("failed to save criterion %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rubric: %w", err)
	}
	return nil
}

type categoryRow struct {
	ID            string `db:"id"`
	CompetitionID string `db:"competition_id"`
	Name          string `db:"name"`
	ParentID      string `db:"parent_id"`
}

// ListCategories returns a competition's categories ordered by id.
func (s *Store) ListCategories(ctx context.Context, competitionID string) ([]model.Category, error) {
	var rows []categoryRow
	err := s.DB.SelectContext(ctx, &rows, s.q(`SELECT id, competition_id, name, parent_id FROM categories
		WHERE competition_id = ? ORDER BY id`), competitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	out := make([]model.Category, len(rows))
	for i, r := range rows {
		out[i] = model.Category{ID: r.ID, CompetitionID: r.CompetitionID, Name: r.Name, ParentID: r.ParentID}
	}
	return out, nil
}

// SaveCategory inserts or replaces a category.
func (s *Store) SaveCategory(ctx context.Context, c model.Category) error {
	if c.ID == "" || c.CompetitionID == "" {
		return repository.ErrMissingID
	}
	_, err := s.DB.ExecContext(ctx, s.q(`INSERT INTO categories (id, competition_id, name, parent_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET competition_id = excluded.competition_id, name = excluded.name, parent_id = excluded.parent_id`),
		c.ID, c.CompetitionID, c.Name, c.ParentID)
	if err != nil {
		return fmt.Errorf("failed to save category: %w", err)
	}
	return nil
}

// ListParticipantCategories returns the category links of a competition's participants.
func (s *Store) ListParticipantCategories(ctx context.Context, competitionID string) ([]model.ParticipantCategory, error) {
	var out []model.ParticipantCategory
	err := s.DB.SelectContext(ctx, &out, s.q(`
		SELECT pc.participant_id, pc.category_id
		FROM participant_categories pc
		JOIN participants p ON p.id = pc.participant_id
		WHERE p.competition_id = ?
		ORDER BY pc.participant_id, pc.category_id`), competitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participant categories: %w", err)
	}
	return out, nil
}

// AddParticipantCategory links a participant to a category.
func (s *Store) AddParticipantCategory(ctx context.Context, link model.ParticipantCategory) error {
	if link.ParticipantID == "" || link.CategoryID == "" {
		return repository.ErrMissingID
	}
	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO participant_categories (participant_id, category_id)
		VALUES (:participant_id, :category_id) ON CONFLICT DO NOTHING`, link)
	if err != nil {
		return fmt.Errorf("failed to link participant category: %w", err)
	}
	return nil
}

// JudgeAssigned reports whether a judge may score a competition.
func (s *Store) JudgeAssigned(ctx context.Context, competitionID, judgeID string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM judge_assignments
		WHERE judge_id = ? AND competition_id = ?`), judgeID, competitionID)
	if err != nil {
		return false, fmt.Errorf("failed to check judge assignment: %w", err)
	}
	return n > 0, nil
}

// AssignJudge records a judge assignment.
func (s *Store) AssignJudge(ctx context.Context, a model.JudgeAssignment) error {
	if a.JudgeID == "" || a.CompetitionID == "" {
		return repository.ErrMissingID
	}
	_, err := s.DB.NamedExecContext(ctx, `INSERT INTO judge_assignments (judge_id, competition_id)
		VALUES (:judge_id, :competition_id) ON CONFLICT DO NOTHING`, a)
	if err != nil {
		return fmt.Errorf("failed to assign judge: %w", err)
	}
	return nil
}
