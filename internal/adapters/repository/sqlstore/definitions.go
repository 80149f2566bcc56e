package sqlstore

import (
	"context"
	"fmt"

	"github.com/okian/verdict/internal/adapters/repository"
	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/model"
)

// GetReport returns a saved report definition.
func (s *Store) GetReport(ctx context.Context, id string) (model.ReportDefinition, error) {
	var raw string
	if err := s.DB.GetContext(ctx, &raw, s.q(`SELECT definition FROM reports WHERE id = ?`), id); err != nil {
		return model.ReportDefinition{}, notFound(err, "report", id)
	}
	var def model.ReportDefinition
	return def, decode(raw, &def)
}

// ListReports returns a competition's report definitions ordered by id.
func (s *Store) ListReports(ctx context.Context, competitionID string) ([]model.ReportDefinition, error) {
	var raws []string
	err := s.DB.SelectContext(ctx, &raws, s.q(`SELECT definition FROM reports WHERE competition_id = ? ORDER BY id`), competitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	out := make([]model.ReportDefinition, len(raws))
	for i, raw := range raws {
		if err := decode(raw, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveReport inserts or replaces a report definition.
func (s *Store) SaveReport(ctx context.Context, def model.ReportDefinition) error {
	if def.ID == "" {
		return repository.ErrMissingID
	}
	raw, err := encode(def)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, s.q(`INSERT INTO reports (id, competition_id, definition) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET competition_id = excluded.competition_id, definition = excluded.definition`),
		def.ID, def.CompetitionID, raw)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// GetRule returns a rule.
func (s *Store) GetRule(ctx context.Context, id string) (automation.Rule, error) {
	var raw string
	if err := s.DB.GetContext(ctx, &raw, s.q(`SELECT definition FROM rules WHERE id = ?`), id); err != nil {
		return automation.Rule{}, notFound(err, "rule", id)
	}
	var r automation.Rule
	return r, decode(raw, &r)
}

// ListRules returns every rule in creation order.
func (s *Store) ListRules(ctx context.Context) ([]automation.Rule, error) {
	var raws []string
	if err := s.DB.SelectContext(ctx, &raws, `SELECT definition FROM rules ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]automation.Rule, len(raws))
	for i, raw := range raws {
		if err := decode(raw, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveRule inserts or replaces a rule.
func (s *Store) SaveRule(ctx context.Context, r automation.Rule) error {
	if r.ID == "" {
		return repository.ErrMissingID
	}
	raw, err := encode(r)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, s.q(`INSERT INTO rules (id, competition_id, created_at, definition) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET competition_id = excluded.competition_id, definition = excluded.definition`),
		r.ID, r.CompetitionID, micros(r.CreatedAt), raw)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}
