package store

import (
	"context"

	"github.com/mikey/guardmail/internal/core"
)

// Store bundles every persistence port behind one backend
type Store interface {
	core.TrainingStore
	core.ResultSink
	core.AccountStateStore
	core.SnapshotStore

	// Result returns the verdict of the newest model version for a message
	Result(ctx context.Context, messageID string) (*core.ClassificationResult, error)

	// Results returns every verdict recorded for a message, oldest model version first
	Results(ctx context.Context, messageID string) ([]*core.ClassificationResult, error)

	// Close releases the backend
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
