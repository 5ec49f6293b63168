package ensemble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// Registry owns every trained snapshot and the pointer to the active one.
// Readers load the active snapshot without locking; a swap is a single pointer store.
type Registry struct {
	mu        sync.Mutex
	snapshots map[int64]*Snapshot
	active    atomic.Pointer[Snapshot]
	store     core.SnapshotStore
	logger    *zap.Logger
}

// NewRegistry creates a registry. store may be nil for an in-memory registry.
func NewRegistry(store core.SnapshotStore, logger *zap.Logger) *Registry {
	return &Registry{
		snapshots: make(map[int64]*Snapshot),
		store:     store,
		logger:    logger,
	}
}

// Active returns the active snapshot or nil
func (r *Registry) Active() *Snapshot {
	return r.active.Load()
}

// ActiveModel implements core.ModelProvider
func (r *Registry) ActiveModel() (core.Classifier, error) {
	s := r.active.Load()
	if s == nil {
		return nil, core.ErrNoActiveModel
	}
	return s, nil
}

// Publish persists the snapshot and makes it active. In-flight classifications
// keep the snapshot they already loaded.
func (r *Registry) Publish(ctx context.Context, s *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.snapshots[s.Version()]; exists {
		return fmt.Errorf("snapshot version %d already registered", s.Version())
	}

	if r.store != nil {
		record, err := s.Record()
		if err != nil {
			return err
		}
		if err := r.store.SaveSnapshot(ctx, record); err != nil {
			return fmt.Errorf("failed to save snapshot %d: %w", s.Version(), err)
		}
		if err := r.store.ActivateSnapshot(ctx, s.Version()); err != nil {
			return fmt.Errorf("failed to activate snapshot %d: %w", s.Version(), err)
		}
	}

	r.snapshots[s.Version()] = s
	previous := r.active.Swap(s)

	fields := []zap.Field{
		zap.Int64("version", s.Version()),
		zap.String("id", s.ID()),
		zap.Int("training_size", s.TrainingSize()),
		zap.Float64("precision", s.Metrics().Precision),
		zap.Float64("recall", s.Metrics().Recall),
	}
	if previous != nil {
		fields = append(fields, zap.Int64("previous_version", previous.Version()))
	}
	r.logger.Info("Model snapshot activated", fields...)
	return nil
}

// Rollback re-activates a previously published snapshot
func (r *Registry) Rollback(ctx context.Context, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.snapshots[version]
	if !ok {
		return core.NewError(core.ErrNotFound, "rollback", fmt.Errorf("snapshot version %d", version))
	}
	if r.store != nil {
		if err := r.store.ActivateSnapshot(ctx, version); err != nil {
			return fmt.Errorf("failed to activate snapshot %d: %w", version, err)
		}
	}
	r.active.Store(s)

	r.logger.Warn("Model snapshot rolled back", zap.Int64("version", version))
	return nil
}

// Get returns a registered snapshot by version
func (r *Registry) Get(version int64) (*Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snapshots[version]
	return s, ok
}

// Versions lists registered versions in ascending order
func (r *Registry) Versions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := make([]int64, 0, len(r.snapshots))
	for v := range r.snapshots {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// NextVersion returns the version to assign to the next trained snapshot
func (r *Registry) NextVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest int64
	for v := range r.snapshots {
		if v > latest {
			latest = v
		}
	}
	return latest + 1
}

// Restore loads persisted snapshots and re-activates the one marked active.
// Snapshots that fail to decode are logged and skipped.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.LoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var active *Snapshot
	for _, rec := range records {
		s, err := Decode(rec.Payload)
		if err != nil {
			r.logger.Error("Failed to decode snapshot",
				zap.Int64("version", rec.Version),
				zap.Error(err))
			continue
		}
		r.snapshots[s.Version()] = s
		if rec.Active {
			active = s
		}
	}
	if active != nil {
		r.active.Store(active)
		r.logger.Info("Model snapshot restored",
			zap.Int64("version", active.Version()),
			zap.Int("snapshots", len(r.snapshots)))
	}
	return nil
}
