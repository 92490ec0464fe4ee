package database

import (
	"database/sql"
	"fmt"
)

// Schema is the append-only turn log. The composite primary key
// (principal_id, sort_key) is the uniqueness invariant the whole system
// leans on: sort_key is lexicographically chronological within a principal.
// expires_at drives retention; readers must always filter on it because
// physical deletion is eventual, not immediate.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
	principal_id TEXT NOT NULL,
	sort_key     TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	message      TEXT NOT NULL,
	sender       TEXT NOT NULL CHECK (sender IN ('human', 'assistant')),
	session_id   TEXT NOT NULL DEFAULT '',
	class_id     TEXT NOT NULL DEFAULT '',
	student_ids  TEXT NOT NULL DEFAULT '[]',
	expires_at   INTEGER NOT NULL,
	PRIMARY KEY (principal_id, sort_key)
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(principal_id, session_id, sort_key);
CREATE INDEX IF NOT EXISTS idx_turns_expiry  ON turns(expires_at);
`

// SchemaValidator verifies the turn log schema after startup migration.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate verifies that the turns table and its indexes exist.
func (v *SchemaValidator) Validate() error {
	if err := v.objectExists("table", "turns"); err != nil {
		return err
	}
	for _, index := range []string{"idx_turns_session", "idx_turns_expiry"} {
		if err := v.objectExists("index", index); err != nil {
			return err
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) error {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check %s %s: %w", kind, name, err)
	}
	if count == 0 {
		return fmt.Errorf("required %s %s does not exist", kind, name)
	}
	return nil
}
