package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS training_examples (
		seq BIGINT AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(64) NOT NULL UNIQUE,
		message_id VARCHAR(255) NOT NULL,
		label TINYINT NOT NULL,
		category VARCHAR(64) NOT NULL DEFAULT '',
		source VARCHAR(16) NOT NULL,
		sender VARCHAR(512) NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		body MEDIUMTEXT NOT NULL,
		vector MEDIUMBLOB,
		schema_version INT NOT NULL DEFAULT 0,
		added_at VARCHAR(40) NOT NULL,
		superseded_by VARCHAR(64) NOT NULL DEFAULT '',
		overrides VARCHAR(64) NOT NULL DEFAULT '',
		INDEX idx_training_message (message_id),
		INDEX idx_training_source (source, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS classification_results (
		message_id VARCHAR(255) NOT NULL,
		account_id VARCHAR(128) NOT NULL,
		sender VARCHAR(512) NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		is_spam BOOLEAN NOT NULL,
		score DOUBLE NOT NULL,
		confidence DOUBLE NOT NULL,
		categories TEXT NOT NULL,
		category_scores TEXT NOT NULL,
		model_version BIGINT NOT NULL,
		schema_version INT NOT NULL,
		malformed BOOLEAN NOT NULL,
		explanation TEXT NOT NULL,
		classified_at VARCHAR(40) NOT NULL,
		PRIMARY KEY (message_id, model_version),
		INDEX idx_results_account (account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS model_metrics (
		version BIGINT PRIMARY KEY,
		trained_at VARCHAR(40) NOT NULL,
		training_size INT NOT NULL,
		holdout_size INT NOT NULL,
		precision_score DOUBLE NOT NULL,
		recall_score DOUBLE NOT NULL,
		f1_score DOUBLE NOT NULL,
		accuracy_score DOUBLE NOT NULL,
		recorded_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS account_state (
		account_id VARCHAR(128) PRIMARY KEY,
		markers TEXT NOT NULL,
		consecutive_failures INT NOT NULL,
		backoff_until VARCHAR(40) NOT NULL,
		degraded BOOLEAN NOT NULL,
		auth_failed BOOLEAN NOT NULL,
		last_error TEXT NOT NULL,
		last_success_at VARCHAR(40) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_snapshots (
		version BIGINT PRIMARY KEY,
		id VARCHAR(64) NOT NULL,
		trained_at VARCHAR(40) NOT NULL,
		active BOOLEAN NOT NULL,
		payload LONGBLOB NOT NULL
	)`,
}

// NewMySQLStore connects to MySQL and creates the schema if needed
func NewMySQLStore(dsn string, logger *zap.Logger) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := newSQLStore(db, "mysql", mysqlSchema, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Connected to MySQL store", zap.String("database", cfg.DBName))
	return store, nil
}
