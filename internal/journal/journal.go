// Package journal persists every processed command to SQLite.
//
// The journal is append-only. At startup its most recent records seed the
// in-memory history ring.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on commands.created_at
const currentSchemaVersion = 1

// Record is one journaled command. Phase and Code are empty for commands
// that succeeded.
type Record struct {
	ID         string
	Timestamp  time.Time
	Collection string
	Text       string

	// IR is the operation request as JSON, empty when generation failed.
	IR      string
	Phase   string
	Code    string
	Summary string

	// Result is the result or failure as JSON.
	Result string
}

// Journal is a SQLite-backed command log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path, applying pragmas and
// migrations. Use ":memory:" for a throwaway journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite has one writer; a single connection also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_commands_created_at ON commands(created_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Append writes r. A record whose ID is already journaled is ignored.
func (j *Journal) Append(ctx context.Context, r Record) error {
	if r.ID == "" {
		return fmt.Errorf("append command: empty id")
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO commands
		(id, created_at, collection, text, ir, phase, code, summary, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.ID,
		r.Timestamp.UnixMilli(),
		r.Collection,
		r.Text,
		r.IR,
		r.Phase,
		r.Code,
		r.Summary,
		r.Result,
	)
	if err != nil {
		return fmt.Errorf("append command: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Record, error) {
	return j.recent(ctx, n, "")
}

// RecentSucceeded returns up to n records of commands that executed
// successfully, newest first.
func (j *Journal) RecentSucceeded(ctx context.Context, n int) ([]Record, error) {
	return j.recent(ctx, n, "WHERE phase = ''")
}

func (j *Journal) recent(ctx context.Context, n int, where string) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, created_at, collection, text, ir, phase, code, summary, result
		FROM commands
		`+where+`
		ORDER BY seq DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent commands: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ms int64
		)
		if err := rows.Scan(&r.ID, &ms, &r.Collection, &r.Text, &r.IR, &r.Phase, &r.Code, &r.Summary, &r.Result); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		r.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return out, nil
}

// Count returns the number of journaled commands.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM commands").Scan(&n); err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return n, nil
}
