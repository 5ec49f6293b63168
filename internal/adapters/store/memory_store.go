// Package store implements the persistence collaborators: training examples,
// classification results, poller checkpoints and model snapshots.
package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory implementation of every store port
type MemoryStore struct {
	mu        sync.RWMutex
	examples  []*core.TrainingExample
	byID      map[string]*core.TrainingExample
	results   map[string][]*core.ClassificationResult
	metrics   []core.ModelMetrics
	states    map[string]*core.AccountState
	snapshots map[int64]core.SnapshotRecord
	seq       int64
	logger    *zap.Logger
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*core.TrainingExample),
		results:   make(map[string][]*core.ClassificationResult),
		states:    make(map[string]*core.AccountState),
		snapshots: make(map[int64]core.SnapshotRecord),
		logger:    logger,
		now:       time.Now,
	}
}

// Add implements core.TrainingStore
func (s *MemoryStore) Add(ctx context.Context, example *core.TrainingExample) (*core.TrainingExample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := cloneExample(example)
	if e.AddedAt.IsZero() {
		e.AddedAt = s.now()
	}

	var prior []*core.TrainingExample
	if e.MessageID != "" {
		for _, existing := range s.examples {
			if existing.MessageID == e.MessageID {
				prior = append(prior, existing)
			}
		}
	}
	core.LinkSupersede(e, prior)

	s.seq++
	e.Seq = s.seq
	s.examples = append(s.examples, e)
	s.byID[e.ID] = e

	return cloneExample(e), nil
}

// Since implements core.TrainingStore. Each iteration takes the lock per
// example, so writers are never blocked for the whole walk.
func (s *MemoryStore) Since(ctx context.Context, seq int64) iter.Seq2[*core.TrainingExample, error] {
	return func(yield func(*core.TrainingExample, error) bool) {
		cursor := seq
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			s.mu.RLock()
			i := sort.Search(len(s.examples), func(i int) bool {
				return s.examples[i].Seq > cursor
			})
			var next *core.TrainingExample
			if i < len(s.examples) {
				next = cloneExample(s.examples[i])
			}
			s.mu.RUnlock()

			if next == nil {
				return
			}
			cursor = next.Seq
			if !yield(next, nil) {
				return
			}
		}
	}
}

// CountSince implements core.TrainingStore
func (s *MemoryStore) CountSince(ctx context.Context, seq int64, source core.Source) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.examples {
		if e.Seq > seq && e.Source == source {
			count++
		}
	}
	return count, nil
}

// ByMessageID implements core.TrainingStore
func (s *MemoryStore) ByMessageID(ctx context.Context, messageID string) ([]*core.TrainingExample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.TrainingExample
	for _, e := range s.examples {
		if e.MessageID == messageID {
			out = append(out, cloneExample(e))
		}
	}
	return out, nil
}

// Record implements core.ResultSink. A repeated (message id, model version)
// replaces the earlier result; a new version is kept beside the older ones.
func (s *MemoryStore) Record(ctx context.Context, result *core.ClassificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := cloneResult(result)
	history := s.results[r.MessageID]
	i := sort.Search(len(history), func(i int) bool {
		return history[i].ModelVersion >= r.ModelVersion
	})
	if i < len(history) && history[i].ModelVersion == r.ModelVersion {
		history[i] = r
		return nil
	}
	history = append(history, nil)
	copy(history[i+1:], history[i:])
	history[i] = r
	s.results[r.MessageID] = history
	return nil
}

// Result returns the result of the newest model version for a message
func (s *MemoryStore) Result(ctx context.Context, messageID string) (*core.ClassificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.results[messageID]
	if len(history) == 0 {
		return nil, core.ErrNotFound
	}
	return cloneResult(history[len(history)-1]), nil
}

// Results returns every recorded verdict for a message, oldest model version first
func (s *MemoryStore) Results(ctx context.Context, messageID string) ([]*core.ClassificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.results[messageID]
	out := make([]*core.ClassificationResult, 0, len(history))
	for _, r := range history {
		out = append(out, cloneResult(r))
	}
	return out, nil
}

func cloneResult(result *core.ClassificationResult) *core.ClassificationResult {
	r := *result
	r.Categories = append([]core.Category(nil), result.Categories...)
	r.CategoryScores = make(map[string]float64, len(result.CategoryScores))
	for k, v := range result.CategoryScores {
		r.CategoryScores[k] = v
	}
	return &r
}

// RecordMetrics implements core.ResultSink
func (s *MemoryStore) RecordMetrics(ctx context.Context, metrics core.ModelMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metrics)
	return nil
}

// Metrics returns every recorded metrics entry in order
func (s *MemoryStore) Metrics() []core.ModelMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.ModelMetrics(nil), s.metrics...)
}

// Stats implements core.ResultSink. Each message counts once, judged by its
// newest model version.
func (s *MemoryStore) Stats(ctx context.Context, accountID string) (core.AccountStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := core.AccountStats{AccountID: accountID}
	for _, history := range s.results {
		r := history[len(history)-1]
		if r.AccountID != accountID {
			continue
		}
		stats.Processed++
		if r.IsSpam {
			stats.Spam++
		}
		if r.Malformed {
			stats.Malformed++
		}
	}
	return stats, nil
}

// LoadState implements core.AccountStateStore. Unknown accounts get a fresh state.
func (s *MemoryStore) LoadState(ctx context.Context, accountID string) (*core.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, ok := s.states[accountID]; ok {
		return state.Clone(), nil
	}
	return core.NewAccountState(accountID), nil
}

// SaveState implements core.AccountStateStore
func (s *MemoryStore) SaveState(ctx context.Context, state *core.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.AccountID] = state.Clone()
	return nil
}

// SaveSnapshot implements core.SnapshotStore
func (s *MemoryStore) SaveSnapshot(ctx context.Context, record core.SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Active = false
	record.Payload = append([]byte(nil), record.Payload...)
	s.snapshots[record.Version] = record
	return nil
}

// ActivateSnapshot implements core.SnapshotStore
func (s *MemoryStore) ActivateSnapshot(ctx context.Context, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[version]; !ok {
		return core.ErrNotFound
	}
	for v, rec := range s.snapshots {
		rec.Active = v == version
		s.snapshots[v] = rec
	}
	return nil
}

// LoadSnapshots implements core.SnapshotStore, ordered by version
func (s *MemoryStore) LoadSnapshots(ctx context.Context) ([]core.SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.SnapshotRecord, 0, len(s.snapshots))
	for _, rec := range s.snapshots {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

func cloneExample(e *core.TrainingExample) *core.TrainingExample {
	c := *e
	if e.Vector != nil {
		v := *e.Vector
		v.Values = append([]float64(nil), e.Vector.Values...)
		c.Vector = &v
	}
	return &c
}
