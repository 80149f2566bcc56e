// Package sqlstore is a repository.Store backed by PostgreSQL or SQLite via sqlx.
//
// Queries are written with ? placeholders; the Converter rewrites them for the
// driver in use.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/okian/verdict/internal/adapters/repository"
	"github.com/okian/verdict/internal/domain/automation"
	"github.com/okian/verdict/internal/domain/model"
	"github.com/okian/verdict/pkg/metrics"
)

// Store implements repository.Store on a SQL database.
type Store struct {
	DB        *sqlx.DB
	Converter func(string) string
}

var _ repository.Store = (*Store)(nil)

// Open connects to driver ("postgres" or "sqlite3") and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite3", "sqlite":
		return NewSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("sql driver %q: %w", driver, model.ErrInvalidConfig)
	}
}

// NewPostgres connects to PostgreSQL.
func NewPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &Store{DB: db, Converter: dollarPlaceholders}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite opens a SQLite database. ":memory:" gives a private database.
func NewSQLite(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	// one connection keeps in-memory databases shared and serializes writers
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, Converter: func(q string) string { return q }}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

func (s *Store) q(query string) string { return s.Converter(query) }

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000.0)
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %s: %w", what, id, err)
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(b), nil
}

func decode(raw string, into any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("decode column: %w", err)
	}
	return nil
}

type factRow struct {
	ID            string  `db:"id"`
	CompetitionID string  `db:"competition_id"`
	ParticipantID string  `db:"participant_id"`
	CriterionID   string  `db:"criterion_id"`
	VoterID       string  `db:"voter_id"`
	VoterType     string  `db:"voter_type"`
	JudgeID       string  `db:"judge_id"`
	Value         float64 `db:"value"`
	Label         string  `db:"label"`
	SubmittedAt   int64   `db:"submitted_at"`
	Retired       bool    `db:"retired"`
}

func (r factRow) fact() model.ScoreFact {
	return model.ScoreFact{
		ID:            r.ID,
		CompetitionID: r.CompetitionID,
		ParticipantID: r.ParticipantID,
		CriterionID:   r.CriterionID,
		VoterID:       r.VoterID,
		VoterType:     model.VoterType(r.VoterType),
		JudgeID:       r.JudgeID,
		Value:         r.Value,
		Label:         r.Label,
		SubmittedAt:   fromMicros(r.SubmittedAt),
		Retired:       r.Retired,
	}
}

const factColumns = `id, competition_id, participant_id, criterion_id, voter_id, voter_type, judge_id, value, label, submitted_at, retired`

// UpsertFact inserts f or replaces the fact for its triple, keeping the stored id.
func (s *Store) UpsertFact(ctx context.Context, f model.ScoreFact) (model.ScoreFact, bool, error) {
	defer observe("upsert_fact", time.Now())
	if f.ID == "" || f.ParticipantID == "" || f.CriterionID == "" || f.VoterID == "" {
		return model.ScoreFact{}, false, repository.ErrMissingID
	}
	query := s.q(`
		INSERT INTO score_facts (` + factColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
		ON CONFLICT (participant_id, criterion_id, voter_id) DO UPDATE SET
			voter_type = excluded.voter_type,
			judge_id = excluded.judge_id,
			value = excluded.value,
			label = excluded.label,
			submitted_at = excluded.submitted_at,
			retired = FALSE
		RETURNING id`)
	var id string
	err := s.DB.QueryRowxContext(ctx, query,
		f.ID, f.CompetitionID, f.ParticipantID, f.CriterionID, f.VoterID,
		string(f.VoterType), f.JudgeID, f.Value, f.Label, micros(f.SubmittedAt),
	).Scan(&id)
	if err != nil {
		return model.ScoreFact{}, false, fmt.Errorf("failed to upsert fact: %w", err)
	}
	updated := id != f.ID
	f.ID = id
	f.Retired = false
	return f, updated, nil
}

func (s *Store) selectFacts(ctx context.Context, where string, arg any) ([]model.ScoreFact, error) {
	var rows []factRow
	query := s.q(`SELECT ` + factColumns + ` FROM score_facts WHERE ` + where + ` = ?
		ORDER BY participant_id, criterion_id, voter_id`)
	if err := s.DB.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	out := make([]model.ScoreFact, len(rows))
	for i, r := range rows {
		out[i] = r.fact()
	}
	return out, nil
}

// ParticipantFacts returns a participant's facts.
func (s *Store) ParticipantFacts(ctx context.Context, participantID string) ([]model.ScoreFact, error) {
	defer observe("participant_facts", time.Now())
	return s.selectFacts(ctx, "participant_id", participantID)
}

// CompetitionFacts returns every fact of a competition.
func (s *Store) CompetitionFacts(ctx context.Context, competitionID string) ([]model.ScoreFact, error) {
	defer observe("competition_facts", time.Now())
	return s.selectFacts(ctx, "competition_id", competitionID)
}

// CountFacts returns the number of stored facts.
func (s *Store) CountFacts(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM score_facts`); err != nil {
		return 0, fmt.Errorf("failed to count facts: %w", err)
	}
	return n, nil
}

type competitionRow struct {
	ID        string        `db:"id"`
	Name      string        `db:"name"`
	Phase     string        `db:"phase"`
	OpensAt   sql.NullInt64 `db:"voting_opens_at"`
	ClosesAt  sql.NullInt64 `db:"voting_closes_at"`
	UpdatedAt int64         `db:"updated_at"`
}

func (r competitionRow) competition() model.Competition {
	return model.Competition{
		ID:             r.ID,
		Name:           r.Name,
		Phase:          model.Phase(r.Phase),
		VotingOpensAt:  fromNullMicros(r.OpensAt),
		VotingClosesAt: fromNullMicros(r.ClosesAt),
		UpdatedAt:      fromMicros(r.UpdatedAt),
	}
}

const competitionColumns = `id, name, phase, voting_opens_at, voting_closes_at, updated_at`

// GetCompetition returns a competition.
func (s *Store) GetCompetition(ctx context.Context, id string) (model.Competition, error) {
	defer observe("get_competition", time.Now())
	var row competitionRow
	err := s.DB.GetContext(ctx, &row, s.q(`SELECT `+competitionColumns+` FROM competitions WHERE id = ?`), id)
	if err != nil {
		return model.Competition{}, notFound(err, "competition", id)
	}
	return row.competition(), nil
}

// ListCompetitions returns every competition ordered by id.
func (s *Store) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	var rows []competitionRow
	if err := s.DB.SelectContext(ctx, &rows, `SELECT `+competitionColumns+` FROM competitions ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list competitions: %w", err)
	}
	out := make([]model.Competition, len(rows))
	for i, r := range rows {
		out[i] = r.competition()
	}
	return out, nil
}

// SaveCompetition inserts or replaces a competition.
func (s *Store) SaveCompetition(ctx context.Context, c model.Competition) error {
	defer observe("save_competition", time.Now())
	if c.ID == "" {
		return repository.ErrMissingID
	}
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO competitions (`+competitionColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phase = excluded.phase,
			voting_opens_at = excluded.voting_opens_at,
			voting_closes_at = excluded.voting_closes_at,
			updated_at = excluded.updated_at`),
		c.ID, c.Name, string(c.Phase), nullMicros(c.VotingOpensAt), nullMicros(c.VotingClosesAt), micros(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save competition: %w", err)
	}
	return nil
}

// GetAdmin returns an admin.
func (s *Store) GetAdmin(ctx context.Context, adminID string) (model.Admin, error) {
	var a model.Admin
	if err := s.DB.GetContext(ctx, &a, s.q(`SELECT id, role FROM admins WHERE id = ?`), adminID); err != nil {
		return model.Admin{}, notFound(err, "admin", adminID)
	}
	return a, nil
}

// SaveAdmin inserts or replaces an admin.
func (s *Store) SaveAdmin(ctx context.Context, a model.Admin) error {
	if a.ID == "" {
		return repository.ErrMissingID
	}
	_, err := s.DB.ExecContext(ctx, s.q(`INSERT INTO admins (id, role) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET role = excluded.role`), a.ID, string(a.Role))
	if err != nil {
		return fmt.Errorf("failed to save admin: %w", err)
	}
	return nil
}

// GlobalGrant returns an admin's global grant, empty when none is stored.
func (s *Store) GlobalGrant(ctx context.Context, adminID string) (model.GlobalGrant, error) {
	g := model.GlobalGrant{AdminID: adminID}
	var raw string
	err := s.DB.GetContext(ctx, &raw, s.q(`SELECT permissions FROM global_grants WHERE admin_id = ?`), adminID)
	if errors.Is(err, sql.ErrNoRows) {
		return g, nil
	}
	if err != nil {
		return g, fmt.Errorf("failed to get global grant: %w", err)
	}
	return g, decode(raw, &g.Permissions)
}

// CompetitionGrant returns an admin's grant for one competition, empty when none is stored.
func (s *Store) CompetitionGrant(ctx context.Context, adminID, competitionID string) (model.CompetitionGrant, error) {
	g := model.CompetitionGrant{AdminID: adminID, CompetitionID: competitionID}
	var raw string
	err := s.DB.GetContext(ctx, &raw, s.q(`SELECT permissions FROM competition_grants
		WHERE admin_id = ? AND competition_id = ?`), adminID, competitionID)
	if errors.Is(err, sql.ErrNoRows) {
		return g, nil
	}
	if err != nil {
		return g, fmt.Errorf("failed to get competition grant: %w", err)
	}
	return g, decode(raw, &g.Permissions)
}

// SaveGlobalGrant replaces an admin's global grant.
func (s *Store) SaveGlobalGrant(ctx context.Context, g model.GlobalGrant) error {
	if g.AdminID == "" {
		return repository.ErrMissingID
	}
	raw, err := encode(g.Permissions)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, s.q(`INSERT INTO global_grants (admin_id, permissions) VALUES (?, ?)
		ON CONFLICT (admin_id) DO UPDATE SET permissions = excluded.permissions`), g.AdminID, raw)
	if err != nil {
		return fmt.Errorf("failed to save global grant: %w", err)
	}
	return nil
}

// SaveCompetitionGrant replaces an admin's grant for one competition.
func (s *Store) SaveCompetitionGrant(ctx context.Context, g model.CompetitionGrant) error {
	if g.AdminID == "" || g.CompetitionID == "" {
		return repository.ErrMissingID
	}
	raw, err := encode(g.Permissions)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, s.q(`INSERT INTO competition_grants (admin_id, competition_id, permissions) VALUES (?, ?, ?)
		ON CONFLICT (admin_id, competition_id) DO UPDATE SET permissions = excluded.permissions`),
		g.AdminID, g.CompetitionID, raw)
	if err != nil {
		return fmt.Errorf("failed to save competition grant: %w", err)
	}
	return nil
}
