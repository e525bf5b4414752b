package registry

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/helix/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial prompts table with wave and category indexes
// 2 - Added prompts.context_file
const currentSchemaVersion = 2

// ErrNotFound is returned by GetByID for an unknown unit id.
var ErrNotFound = errors.New("unit not found")

const insertColumns = `prompt_id, title, wave, category, model, tools, temperature,
	token_budget, timeout_sec, max_retries, concurrency_class, expected_outputs,
	prompt, context_file, notes`

// selectColumns tolerates NULLs left by older writers.
const selectColumns = `prompt_id, title, wave, category, COALESCE(model, ''), COALESCE(tools, ''),
	COALESCE(temperature, 0.7), COALESCE(token_budget, 0), COALESCE(timeout_sec, 0),
	COALESCE(max_retries, 3), COALESCE(concurrency_class, 'medium'), expected_outputs,
	COALESCE(prompt, ''), COALESCE(context_file, ''), COALESCE(notes, '')`

// SQLite is a registry backed by a single SQLite table.
type SQLite struct {
	path string
	db   *sql.DB
}

// OpenSQLite creates or opens the registry database at path and brings its
// schema up to date.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{path: path, db: db}, nil
}

func (s *SQLite) Source() string { return s.path }

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Validate() (bool, []string) { return validate(s) }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied schema version.
func (s *SQLite) SchemaVersion() (int, error) {
	return schemaVersion(s.db)
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return version, nil
}

// runMigrations applies each pending migration and records it in
// schema_version.
func runMigrations(db *sql.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	migrations := []func(*sql.DB) error{
		nil, // v1 is schema.sql itself
		migrateToV2,
	}
	for v := version + 1; v <= currentSchemaVersion; v++ {
		if m := migrations[v-1]; m != nil {
			if err := m(db); err != nil {
				return err
			}
		}
		if _, err := db.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("record schema version %d: %w", v, err)
		}
	}
	return nil
}

// migrateToV2 adds the context_file column to databases created before it
// existed.
func migrateToV2(db *sql.DB) error {
	has, err := hasColumn(db, "prompts", "context_file")
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec("ALTER TABLE prompts ADD COLUMN context_file TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(r rowScanner) (model.UnitPolicy, error) {
	var (
		u     model.UnitPolicy
		wave  string
		class string
	)
	err := r.Scan(&u.ID, &u.Title, &wave, &u.Category, &u.Model, &u.Tools, &u.Temperature,
		&u.TokenBudget, &u.TimeoutSec, &u.MaxRetries, &class, &u.ExpectedOutputs,
		&u.Prompt, &u.ContextFile, &u.Notes)
	if err != nil {
		return model.UnitPolicy{}, err
	}
	u.Wave = model.Wave(wave)
	u.ConcurrencyClass = model.ConcurrencyClass(class)
	return u, nil
}

// queryUnits runs a SELECT over prompts and checks each row against the
// row schema. Rows are numbered from 1 in result order.
func (s *SQLite) queryUnits(where string, args ...any) ([]model.UnitPolicy, error) {
	q := "SELECT " + selectColumns + " FROM prompts " + where + " ORDER BY rowid"
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	var units []model.UnitPolicy
	row := 0
	for rows.Next() {
		row++
		u, err := scanUnit(rows)
		if err != nil {
			return nil, &ParseError{Source: s.path, Row: row, Message: err.Error()}
		}
		u = u.WithDefaults()
		if err := CheckUnit(s.path, row, u); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return units, nil
}

// Load returns every unit in insertion order.
func (s *SQLite) Load() ([]model.UnitPolicy, error) {
	return s.queryUnits("")
}

// GetByID returns the unit with id, or ErrNotFound.
func (s *SQLite) GetByID(id string) (model.UnitPolicy, error) {
	units, err := s.queryUnits("WHERE prompt_id = ?", id)
	if err != nil {
		return model.UnitPolicy{}, err
	}
	if len(units) == 0 {
		return model.UnitPolicy{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return units[0], nil
}

// GetByWave returns the units of wave in insertion order.
func (s *SQLite) GetByWave(wave model.Wave) ([]model.UnitPolicy, error) {
	return s.queryUnits("WHERE wave = ?", string(wave))
}

// Count returns the number of stored units.
func (s *SQLite) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM prompts").Scan(&n); err != nil {
		return 0, fmt.Errorf("count prompts: %w", err)
	}
	return n, nil
}

// Save replaces the table contents with units in one transaction.
func (s *SQLite) Save(units []model.UnitPolicy) error {
	if dups := DuplicateIDs(units); len(dups) > 0 {
		return fmt.Errorf("save registry: %w: %s", ErrDuplicateIDs, strings.Join(dups, ", "))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save registry: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM prompts"); err != nil {
		return fmt.Errorf("save registry: clear: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO prompts (` + insertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save registry: prepare: %w", err)
	}
	defer stmt.Close()

	for _, u := range units {
		_, err := stmt.Exec(u.ID, u.Title, string(u.Wave), u.Category, u.Model, u.Tools, u.Temperature,
			u.TokenBudget, u.TimeoutSec, u.MaxRetries, string(u.ConcurrencyClass), u.ExpectedOutputs,
			u.Prompt, u.ContextFile, u.Notes)
		if err != nil {
			return fmt.Errorf("save registry: insert %s: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save registry: commit: %w", err)
	}
	return nil
}
