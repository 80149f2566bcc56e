package sqlstore

// schema is valid for both PostgreSQL and SQLite. Timestamps are unix
// microseconds; maps and nested definitions are JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS competitions (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		phase            TEXT NOT NULL,
		voting_opens_at  BIGINT,
		voting_closes_at BIGINT,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		id             TEXT PRIMARY KEY,
		competition_id TEXT NOT NULL,
		display_name   TEXT NOT NULL DEFAULT '',
		seq            BIGINT NOT NULL,
		created_at     BIGINT NOT NULL,
		attributes     TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS participants_competition ON participants (competition_id, seq)`,
	`CREATE TABLE IF NOT EXISTS rubrics (
		id             TEXT PRIMARY KEY,
		competition_id TEXT NOT NULL,
		name           TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS criteria (
		id        TEXT PRIMARY KEY,
		rubric_id TEXT NOT NULL,
		name      TEXT NOT NULL DEFAULT '',
		max_score DOUBLE PRECISION NOT NULL,
		weight    DOUBLE PRECISION NOT NULL,
		labels    TEXT NOT NULL DEFAULT '[]',
		position  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS score_facts (
		id             TEXT PRIMARY KEY,
		competition_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		criterion_id   TEXT NOT NULL,
		voter_id       TEXT NOT NULL,
		voter_type     TEXT NOT NULL,
		judge_id       TEXT NOT NULL DEFAULT '',
		value          DOUBLE PRECISION NOT NULL,
		label          TEXT NOT NULL DEFAULT '',
		submitted_at   BIGINT NOT NULL,
		retired        BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (participant_id, criterion_id, voter_id)
	)`,
	`CREATE INDEX IF NOT EXISTS score_facts_competition ON score_facts (competition_id)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id             TEXT PRIMARY KEY,
		competition_id TEXT NOT NULL,
		name           TEXT NOT NULL DEFAULT '',
		parent_id      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS participant_categories (
		participant_id TEXT NOT NULL,
		category_id    TEXT NOT NULL,
		PRIMARY KEY (participant_id, category_id)
	)`,
	`CREATE TABLE IF NOT EXISTS judge_assignments (
		judge_id       TEXT NOT NULL,
		competition_id TEXT NOT NULL,
		PRIMARY KEY (judge_id, competition_id)
	)`,
	`CREATE TABLE IF NOT EXISTS admins (
		id   TEXT PRIMARY KEY,
		role TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS global_grants (
		admin_id    TEXT PRIMARY KEY,
		permissions TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS competition_grants (
		admin_id       TEXT NOT NULL,
		competition_id TEXT NOT NULL,
		permissions    TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (admin_id, competition_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		id             TEXT PRIMARY KEY,
		competition_id TEXT NOT NULL,
		definition     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id             TEXT PRIMARY KEY,
		competition_id TEXT NOT NULL,
		created_at     BIGINT NOT NULL,
		definition     TEXT NOT NULL
	)`,
}
