package core

import (
	"context"
	"iter"
	"time"
)

// FeatureExtractor turns a message into a feature vector
type FeatureExtractor interface {
	// Extract is pure and deterministic for a given schema version
	Extract(msg *Message) FeatureVector

	// SchemaVersion returns the version of the vectors produced by Extract
	SchemaVersion() int
}

// Classifier is an immutable trained model
type Classifier interface {
	Predict(v FeatureVector) (Prediction, error)
	Version() int64
	SchemaVersion() int
}

// ModelProvider exposes the currently active model
type ModelProvider interface {
	// ActiveModel returns ErrNoActiveModel when nothing has been published yet
	ActiveModel() (Classifier, error)
}

// CategoryAssigner assigns threat categories to spam messages
type CategoryAssigner interface {
	Assign(msg *Message, v FeatureVector, isSpam bool) ([]Category, map[string]float64)
}

// ResultSink persists classification results and model metrics
type ResultSink interface {
	// Record stores a result keyed by message id; repeated ids overwrite
	Record(ctx context.Context, result *ClassificationResult) error

	// RecordMetrics stores the metrics of a newly activated snapshot
	RecordMetrics(ctx context.Context, metrics ModelMetrics) error

	// Stats returns the idempotent counters for an account
	Stats(ctx context.Context, accountID string) (AccountStats, error)
}

// TrainingStore is the append-only log of training examples
type TrainingStore interface {
	// Add appends an example and links supersede relations; it never rejects duplicates
	Add(ctx context.Context, example *TrainingExample) (*TrainingExample, error)

	// Since yields examples with Seq greater than seq in insertion order.
	// Ranging over the returned sequence again restarts from the beginning.
	Since(ctx context.Context, seq int64) iter.Seq2[*TrainingExample, error]

	// CountSince counts examples from the given source with Seq greater than seq
	CountSince(ctx context.Context, seq int64, source Source) (int, error)

	// ByMessageID returns all examples for a message, oldest first
	ByMessageID(ctx context.Context, messageID string) ([]*TrainingExample, error)
}

// AccountStateStore checkpoints poller state
type AccountStateStore interface {
	LoadState(ctx context.Context, accountID string) (*AccountState, error)
	SaveState(ctx context.Context, state *AccountState) error
}

// SnapshotStore keeps every trained snapshot for rollback and audit
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, record SnapshotRecord) error
	ActivateSnapshot(ctx context.Context, version int64) error
	LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error)
}

// MailDialer opens sessions against a mail server
type MailDialer interface {
	Dial(ctx context.Context, account AccountConfig) (MailSession, error)
}

// MailSession is the retrieval capability used by the poller
type MailSession interface {
	// Select opens a mailbox and reports its UIDVALIDITY
	Select(ctx context.Context, mailbox string) (MailboxStatus, error)

	// ListSince returns UIDs greater than lastUID in ascending order, at most limit
	ListSince(ctx context.Context, lastUID uint32, limit int) ([]uint32, error)

	// Fetch returns the raw RFC 822 bytes of a message
	Fetch(ctx context.Context, uid uint32) ([]byte, time.Time, error)

	Close() error
}

// MessageParser converts raw bytes into a message
type MessageParser interface {
	Parse(raw []byte) (*Message, error)
}

// StatusReporter is the operator-facing collaborator for account health
type StatusReporter interface {
	ReportAccountStatus(ctx context.Context, status AccountStatus)
}
