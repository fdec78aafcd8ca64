package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens the database at path and applies the schema. ":memory:"
// gives a private in-memory database.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// One connection keeps writes serialized and an in-memory database shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db: db,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queued_writes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL,
			id TEXT NOT NULL,
			method TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			headers TEXT,
			body BLOB,
			alert_id TEXT,
			enqueued_at INTEGER NOT NULL,
			UNIQUE (scope, id)
		);

		CREATE TABLE IF NOT EXISTS alert_snapshots (
			scope TEXT NOT NULL,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, id)
		);

		CREATE INDEX IF NOT EXISTS idx_queued_writes_scope_seq ON queued_writes(scope, seq);
		CREATE INDEX IF NOT EXISTS idx_alert_snapshots_created_at ON alert_snapshots(scope, created_at);
	`

	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
