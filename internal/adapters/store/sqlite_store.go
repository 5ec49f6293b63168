package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS training_examples (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		message_id TEXT NOT NULL,
		label INTEGER NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		vector BLOB,
		schema_version INTEGER NOT NULL DEFAULT 0,
		added_at TEXT NOT NULL,
		superseded_by TEXT NOT NULL DEFAULT '',
		overrides TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_training_message ON training_examples(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_training_source ON training_examples(source, seq)`,
	`CREATE TABLE IF NOT EXISTS classification_results (
		message_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		is_spam BOOLEAN NOT NULL,
		score REAL NOT NULL,
		confidence REAL NOT NULL,
		categories TEXT NOT NULL,
		category_scores TEXT NOT NULL,
		model_version INTEGER NOT NULL,
		schema_version INTEGER NOT NULL,
		malformed BOOLEAN NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		classified_at TEXT NOT NULL,
		PRIMARY KEY (message_id, model_version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_results_account ON classification_results(account_id)`,
	`CREATE TABLE IF NOT EXISTS model_metrics (
		version INTEGER PRIMARY KEY,
		trained_at TEXT NOT NULL,
		training_size INTEGER NOT NULL,
		holdout_size INTEGER NOT NULL,
		precision_score REAL NOT NULL,
		recall_score REAL NOT NULL,
		f1_score REAL NOT NULL,
		accuracy_score REAL NOT NULL,
		recorded_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS account_state (
		account_id TEXT PRIMARY KEY,
		markers TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		backoff_until TEXT NOT NULL,
		degraded BOOLEAN NOT NULL,
		auth_failed BOOLEAN NOT NULL,
		last_error TEXT NOT NULL,
		last_success_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_snapshots (
		version INTEGER PRIMARY KEY,
		id TEXT NOT NULL,
		trained_at TEXT NOT NULL,
		active BOOLEAN NOT NULL,
		payload BLOB NOT NULL
	)`,
}

// NewSQLiteStore opens or creates a SQLite database at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between our own goroutines
	db.SetMaxOpenConns(1)

	store, err := newSQLStore(db, "sqlite", sqliteSchema, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Opened SQLite store", zap.String("path", dbPath))
	return store, nil
}
