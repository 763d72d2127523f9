// Package store provides SQLite persistence for happyfeed.
//
// One Store owns every table: items with their read/hidden/analyzed lifecycle,
// the category and tag associations, the blocklist policy, and the taxonomy.
//
// # Thread Safety
//
// Store is safe for concurrent use. The pool is limited to one connection, so
// statements and transactions are serialized by database/sql. Code holding a
// transaction must never touch s.db until it commits.
//
// # Transactions
//
// Every multi-statement write (SaveItems, Reconcile, ClearModeration,
// ReplaceClassification, ReplaceTags) runs in a single transaction. Readers
// never observe a partially applied write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abelbrown/happyfeed/internal/logging"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

var (
	// ErrNotFound is returned when an item id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned for empty or malformed arguments.
	ErrInvalid = errors.New("invalid argument")

	// ErrPersistence marks a failed transactional write. The transaction has
	// been rolled back when this is returned.
	ErrPersistence = errors.New("persistence failure")
)

// Store handles SQLite persistence. NOT an interface - concrete type.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist and applies column migrations.
// Uses WAL mode for file-based databases.
func Open(dbPath string) (*Store, error) {
	inMemory := dbPath == ":memory:"

	connStr := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if inMemory {
		// A private in-memory database lives exactly as long as its single connection.
		connStr = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path, or ":memory:".
func (s *Store) Path() string {
	return s.path
}

// Checkpoint folds the WAL back into the main database file so the file can
// be copied on its own.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.path == ":memory:" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Schema is the full table layout. Columns added after the first release
// are also listed in columnMigrations so older databases are upgraded in place.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	score INTEGER NOT NULL DEFAULT 0,
	comment_count INTEGER NOT NULL DEFAULT 0,
	source_group TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	is_text_only INTEGER NOT NULL DEFAULT 0,
	body_text TEXT,
	media_type TEXT,
	media_data TEXT,
	permalink TEXT NOT NULL DEFAULT '',
	fetched_at INTEGER NOT NULL,
	hidden INTEGER NOT NULL DEFAULT 0,
	ai_explanation TEXT,
	analyzed_at INTEGER,
	read_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_items_created ON items(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_items_score ON items(score DESC);
CREATE INDEX IF NOT EXISTS idx_items_source_group ON items(source_group);

CREATE TABLE IF NOT EXISTS blocked_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocked_keywords (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	keyword TEXT NOT NULL UNIQUE COLLATE NOCASE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE
);

CREATE TABLE IF NOT EXISTS tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE COLLATE NOCASE
);

CREATE TABLE IF NOT EXISTS item_categories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	category_id INTEGER NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	UNIQUE(item_id, category_id)
);

CREATE TABLE IF NOT EXISTS item_tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	UNIQUE(item_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_item_categories_item ON item_categories(item_id);
CREATE INDEX IF NOT EXISTS idx_item_tags_item ON item_tags(item_id);
`

// columnMigrations lists columns that older databases may lack.
var columnMigrations = []struct {
	table, column, ddl string
}{
	{"items", "source", "ALTER TABLE items ADD COLUMN source TEXT NOT NULL DEFAULT ''"},
	{"items", "hidden", "ALTER TABLE items ADD COLUMN hidden INTEGER NOT NULL DEFAULT 0"},
	{"items", "ai_explanation", "ALTER TABLE items ADD COLUMN ai_explanation TEXT"},
	{"items", "analyzed_at", "ALTER TABLE items ADD COLUMN analyzed_at INTEGER"},
	{"items", "read_at", "ALTER TABLE items ADD COLUMN read_at INTEGER"},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	for _, m := range columnMigrations {
		if s.columnExists(m.table, m.column) {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("failed to add %s.%s column: %w", m.table, m.column, err)
		}
		logging.Info("Migrated column", "table", m.table, "column", m.column)
	}

	// Indexes over migrated columns can only be created once the columns exist.
	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_items_queue ON items(analyzed_at, hidden, read_at);
		CREATE INDEX IF NOT EXISTS idx_items_read ON items(read_at);
		CREATE INDEX IF NOT EXISTS idx_items_hidden ON items(hidden);
	`); err != nil {
		return fmt.Errorf("create lifecycle indexes: %w", err)
	}
	return nil
}

// isValidIdentifier checks if a string is a safe SQL identifier (alphanumeric and underscore only).
func isValidIdentifier(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// columnExists checks if a column exists in a table using pragma_table_info.
func (s *Store) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		logging.Error("Invalid identifier in columnExists", "table", table, "column", column)
		return false
	}
	// Table name can't be parameterized, but column name can be
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?", table)
	var count int
	if err := s.db.QueryRow(query, column).Scan(&count); err != nil {
		logging.Error("columnExists check failed", "table", table, "column", column, "error", err)
		return false
	}
	return count > 0
}

// inTx runs fn inside a transaction. Any error rolls the transaction back
// and is reported as ErrPersistence.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr(op, fmt.Errorf("begin transaction: %w", err))
	}
	// Rollback is safe to call even after commit - it's a no-op
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return persistErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr(op, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func persistErr(op string, err error) error {
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// boolToInt converts a bool to an int for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
