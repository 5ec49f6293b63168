package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// pageSize bounds the rows held in memory while iterating the training log
const pageSize = 500

// SQLStore implements every store port on database/sql. The SQLite and MySQL
// backends differ only in their schema.
type SQLStore struct {
	db     *sql.DB
	name   string
	logger *zap.Logger
	now    func() time.Time

	// serializes supersede linking across concurrent Add calls
	addMu sync.Mutex
}

func newSQLStore(db *sql.DB, name string, schema []string, logger *zap.Logger) (*SQLStore, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create %s schema: %w", name, err)
		}
	}
	return &SQLStore{db: db, name: name, logger: logger, now: time.Now}, nil
}

// Add implements core.TrainingStore
func (s *SQLStore) Add(ctx context.Context, example *core.TrainingExample) (*core.TrainingExample, error) {
	s.addMu.Lock()
	defer s.addMu.Unlock()

	e := cloneExample(example)
	if e.AddedAt.IsZero() {
		e.AddedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prior []*core.TrainingExample
	if e.MessageID != "" {
		prior, err = queryExamples(ctx, tx, exampleColumns+`
			FROM training_examples WHERE message_id = ? ORDER BY seq`, e.MessageID)
		if err != nil {
			return nil, err
		}
	}
	superseded := core.LinkSupersede(e, prior)

	vector, schema, err := encodeVector(e.Vector)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO training_examples
			(id, message_id, label, category, source, sender, subject, body,
			 vector, schema_version, added_at, superseded_by, overrides)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.MessageID, int(e.Label), e.Category, string(e.Source), e.Sender, e.Subject, e.Body,
		vector, schema, formatTime(e.AddedAt), e.SupersededBy, e.Overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to insert training example: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read example sequence: %w", err)
	}

	if superseded != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE training_examples SET superseded_by = ? WHERE id = ?
		`, superseded.SupersededBy, superseded.ID); err != nil {
			return nil, fmt.Errorf("failed to link superseded example: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit training example: %w", err)
	}
	return e, nil
}

// Since implements core.TrainingStore. Rows are read a page at a time and no
// cursor is held while the caller runs.
func (s *SQLStore) Since(ctx context.Context, seq int64) iter.Seq2[*core.TrainingExample, error] {
	return func(yield func(*core.TrainingExample, error) bool) {
		cursor := seq
		for {
			page, err := queryExamples(ctx, s.db, exampleColumns+`
				FROM training_examples WHERE seq > ? ORDER BY seq LIMIT ?`, cursor, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				cursor = e.Seq
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// CountSince implements core.TrainingStore
func (s *SQLStore) CountSince(ctx context.Context, seq int64, source core.Source) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM training_examples WHERE seq > ? AND source = ?
	`, seq, string(source)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count training examples: %w", err)
	}
	return count, nil
}

// ByMessageID implements core.TrainingStore
func (s *SQLStore) ByMessageID(ctx context.Context, messageID string) ([]*core.TrainingExample, error) {
	return queryExamples(ctx, s.db, exampleColumns+`
		FROM training_examples WHERE message_id = ? ORDER BY seq`, messageID)
}

const exampleColumns = `
	SELECT seq, id, message_id, label, category, source, sender, subject, body,
	       vector, schema_version, added_at, superseded_by, overrides`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryExamples(ctx context.Context, q querier, query string, args ...any) ([]*core.TrainingExample, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query training examples: %w", err)
	}
	defer rows.Close()

	var out []*core.TrainingExample
	for rows.Next() {
		var (
			e       core.TrainingExample
			label   int
			source  string
			vector  []byte
			schema  int
			addedAt string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.MessageID, &label, &e.Category, &source,
			&e.Sender, &e.Subject, &e.Body, &vector, &schema, &addedAt,
			&e.SupersededBy, &e.Overrides); err != nil {
			return nil, fmt.Errorf("failed to scan training example: %w", err)
		}
		e.Label = core.Label(label)
		e.Source = core.Source(source)
		e.AddedAt = parseTime(addedAt)
		if e.Vector, err = decodeVector(vector, schema); err != nil {
			return nil, fmt.Errorf("example %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type vectorEnvelope struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

func encodeVector(v *core.FeatureVector) ([]byte, int, error) {
	if v == nil {
		return nil, 0, nil
	}
	data, err := json.Marshal(vectorEnvelope{Names: v.Names, Values: v.Values})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode feature vector: %w", err)
	}
	return data, v.Schema, nil
}

func decodeVector(data []byte, schema int) (*core.FeatureVector, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env vectorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode feature vector: %w", err)
	}
	return &core.FeatureVector{Schema: schema, Names: env.Names, Values: env.Values}, nil
}

// Record implements core.ResultSink. Rows are keyed by message id and model
// version: reprocessing under the same version replaces the row, a new version
// adds one next to the earlier verdicts.
func (s *SQLStore) Record(ctx context.Context, result *core.ClassificationResult) error {
	categories, err := json.Marshal(result.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	scores, err := json.Marshal(result.CategoryScores)
	if err != nil {
		return fmt.Errorf("failed to encode category scores: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		REPLACE INTO classification_results
			(message_id, account_id, sender, subject, is_spam, score, confidence,
			 categories, category_scores, model_version, schema_version, malformed,
			 explanation, classified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, result.MessageID, result.AccountID, result.Sender, result.Subject, result.IsSpam,
		result.Score, result.Confidence, string(categories), string(scores), result.ModelVersion,
		result.SchemaVersion, result.Malformed, result.Explanation, formatTime(result.ClassifiedAt))
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

const resultColumns = `message_id, account_id, sender, subject, is_spam, score, confidence,
	categories, category_scores, model_version, schema_version, malformed,
	explanation, classified_at`

// Result returns the result of the newest model version for a message
func (s *SQLStore) Result(ctx context.Context, messageID string) (*core.ClassificationResult, error) {
	results, err := s.queryResults(ctx, `
		SELECT `+resultColumns+`
		FROM classification_results WHERE message_id = ?
		ORDER BY model_version DESC LIMIT 1
	`, messageID)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, core.ErrNotFound
	}
	return results[0], nil
}

// Results returns every recorded verdict for a message, oldest model version first
func (s *SQLStore) Results(ctx context.Context, messageID string) ([]*core.ClassificationResult, error) {
	return s.queryResults(ctx, `
		SELECT `+resultColumns+`
		FROM classification_results WHERE message_id = ?
		ORDER BY model_version
	`, messageID)
}

func (s *SQLStore) queryResults(ctx context.Context, query string, args ...any) ([]*core.ClassificationResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []*core.ClassificationResult
	for rows.Next() {
		var (
			r                  core.ClassificationResult
			categories, scores string
			classifiedAt       string
		)
		if err := rows.Scan(&r.MessageID, &r.AccountID, &r.Sender, &r.Subject, &r.IsSpam,
			&r.Score, &r.Confidence, &categories, &scores, &r.ModelVersion, &r.SchemaVersion,
			&r.Malformed, &r.Explanation, &classifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(categories), &r.Categories); err != nil {
			return nil, fmt.Errorf("failed to decode categories: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &r.CategoryScores); err != nil {
			return nil, fmt.Errorf("failed to decode category scores: %w", err)
		}
		r.ClassifiedAt = parseTime(classifiedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RecordMetrics implements core.ResultSink
func (s *SQLStore) RecordMetrics(ctx context.Context, m core.ModelMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		REPLACE INTO model_metrics
			(version, trained_at, training_size, holdout_size,
			 precision_score, recall_score, f1_score, accuracy_score, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Version, formatTime(m.TrainedAt), m.TrainingSize, m.HoldoutSize,
		m.Precision, m.Recall, m.F1, m.Accuracy, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to record model metrics: %w", err)
	}
	return nil
}

// Stats implements core.ResultSink. Each message counts once, judged by its
// newest model version.
func (s *SQLStore) Stats(ctx context.Context, accountID string) (core.AccountStats, error) {
	stats := core.AccountStats{AccountID: accountID}
	var spam, malformed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN r.is_spam THEN 1 ELSE 0 END),
		       SUM(CASE WHEN r.malformed THEN 1 ELSE 0 END)
		FROM classification_results r
		JOIN (
			SELECT message_id, MAX(model_version) AS model_version
			FROM classification_results WHERE account_id = ?
			GROUP BY message_id
		) latest ON latest.message_id = r.message_id AND latest.model_version = r.model_version
	`, accountID).Scan(&stats.Processed, &spam, &malformed)
	if err != nil {
		return stats, fmt.Errorf("failed to query account stats: %w", err)
	}
	stats.Spam = int(spam.Int64)
	stats.Malformed = int(malformed.Int64)
	return stats, nil
}

// LoadState implements core.AccountStateStore
func (s *SQLStore) LoadState(ctx context.Context, accountID string) (*core.AccountState, error) {
	state := core.NewAccountState(accountID)
	var markers, backoffUntil, lastSuccessAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT markers, consecutive_failures, backoff_until, degraded, auth_failed,
		       last_error, last_success_at
		FROM account_state WHERE account_id = ?
	`, accountID).Scan(&markers, &state.ConsecutiveFailures, &backoffUntil,
		&state.Degraded, &state.AuthFailed, &state.LastError, &lastSuccessAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account state: %w", err)
	}
	if err := json.Unmarshal([]byte(markers), &state.Markers); err != nil {
		return nil, fmt.Errorf("failed to decode mailbox markers: %w", err)
	}
	if state.Markers == nil {
		state.Markers = make(map[string]core.MailboxMarker)
	}
	state.BackoffUntil = parseTime(backoffUntil)
	state.LastSuccessAt = parseTime(lastSuccessAt)
	return state, nil
}

// SaveState implements core.AccountStateStore
func (s *SQLStore) SaveState(ctx context.Context, state *core.AccountState) error {
	markers, err := json.Marshal(state.Markers)
	if err != nil {
		return fmt.Errorf("failed to encode mailbox markers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		REPLACE INTO account_state
			(account_id, markers, consecutive_failures, backoff_until, degraded,
			 auth_failed, last_error, last_success_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, state.AccountID, string(markers), state.ConsecutiveFailures, formatTime(state.BackoffUntil),
		state.Degraded, state.AuthFailed, state.LastError, formatTime(state.LastSuccessAt))
	if err != nil {
		return fmt.Errorf("failed to save account state: %w", err)
	}
	return nil
}

// SaveSnapshot implements core.SnapshotStore. Snapshots are never deleted.
func (s *SQLStore) SaveSnapshot(ctx context.Context, record core.SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_snapshots (version, id, trained_at, active, payload)
		VALUES (?, ?, ?, ?, ?)
	`, record.Version, record.ID, formatTime(record.TrainedAt), false, record.Payload)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// ActivateSnapshot implements core.SnapshotStore
func (s *SQLStore) ActivateSnapshot(ctx context.Context, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM model_snapshots WHERE version = ?`, version).Scan(&count); err != nil {
		return fmt.Errorf("failed to look up snapshot: %w", err)
	}
	if count == 0 {
		return core.NewError(core.ErrNotFound, "activate snapshot", fmt.Errorf("version %d", version))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE model_snapshots SET active = ? WHERE version = ?`, true, version); err != nil {
		return fmt.Errorf("failed to activate snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE model_snapshots SET active = ? WHERE version <> ?`, false, version); err != nil {
		return fmt.Errorf("failed to deactivate snapshots: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshots implements core.SnapshotStore
func (s *SQLStore) LoadSnapshots(ctx context.Context) ([]core.SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, id, trained_at, active, payload FROM model_snapshots ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []core.SnapshotRecord
	for rows.Next() {
		var rec core.SnapshotRecord
		var trainedAt string
		if err := rows.Scan(&rec.Version, &rec.ID, &trainedAt, &rec.Active, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		rec.TrainedAt = parseTime(trainedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.String("backend", s.name), zap.Error(err))
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
