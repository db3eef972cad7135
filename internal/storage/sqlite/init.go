package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the downloads table
// if it doesn't exist.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// Outcome hooks write from many workers at once; SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY,
		batch_id TEXT NOT NULL,
		repository TEXT NOT NULL,
		url TEXT,
		mirror TEXT,
		file_path TEXT NOT NULL,
		status TEXT NOT NULL,
		skipped INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		kind TEXT,
		error TEXT,
		downloaded_at TEXT NOT NULL,
		instance_id TEXT
	)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("create downloads table: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_downloads_batch ON downloads (batch_id)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("create batch index: %w", err)
	}

	return db, nil
}
