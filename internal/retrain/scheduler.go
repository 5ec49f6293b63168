// Package retrain rebuilds the ensemble from the training store and publishes it
// when it does not regress against the active snapshot.
package retrain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ensemble"
	"github.com/mikey/guardmail/internal/training"
	"go.uber.org/zap"
)

// ErrInProgress is returned when a retrain is requested while another runs
var ErrInProgress = errors.New("retrain already in progress")

// State is the scheduler state
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateTraining
	StateValidating
	StateSwapping
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateTraining:
		return "training"
	case StateValidating:
		return "validating"
	case StateSwapping:
		return "swapping"
	default:
		return "idle"
	}
}

// Config controls when and how retraining runs
type Config struct {
	Interval          time.Duration
	CheckInterval     time.Duration
	FeedbackThreshold int
	MinExamples       int
	HoldoutFraction   float64
	Seed              int64
	MaxRegression     float64
}

// Collector selects the training set
type Collector interface {
	Collect(ctx context.Context) (*training.Selection, error)
}

// Fitter builds a candidate snapshot
type Fitter interface {
	Fit(req ensemble.FitRequest) (*ensemble.Snapshot, error)
}

// Outcome describes a finished retrain
type Outcome struct {
	Version   int64
	Swapped   bool
	Reason    string
	Candidate core.ModelMetrics
	Active    core.ModelMetrics
}

// Scheduler runs the Idle → Collecting → Training → Validating → Swapping cycle.
// At most one retrain is in flight; inference keeps using the active snapshot
// throughout.
type Scheduler struct {
	cfg       Config
	collector Collector
	fitter    Fitter
	registry  *ensemble.Registry
	training  core.TrainingStore
	sink      core.ResultSink
	logger    *zap.Logger
	now       func() time.Time

	state   atomic.Int32
	running atomic.Bool
	wake    chan struct{}

	mu           sync.Mutex
	lastAttempt  time.Time
	attemptedSeq int64
	lastOutcome  *Outcome
}

// NewScheduler creates a new scheduler
func NewScheduler(
	cfg Config,
	collector Collector,
	fitter Fitter,
	registry *ensemble.Registry,
	trainingStore core.TrainingStore,
	sink core.ResultSink,
	logger *zap.Logger,
) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	return &Scheduler{
		cfg:       cfg,
		collector: collector,
		fitter:    fitter,
		registry:  registry,
		training:  trainingStore,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// State returns the current state
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// LastOutcome returns the result of the most recent completed retrain, if any
func (s *Scheduler) LastOutcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

// Trigger requests a retrain. It reports false when the request was coalesced
// into a retrain that is running or already pending.
func (s *Scheduler) Trigger() bool {
	if s.running.Load() {
		s.logger.Debug("Retrain request coalesced", zap.String("state", s.State().String()))
		return false
	}
	select {
	case s.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run checks the time and volume triggers until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.logger.Info("Retrain scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("feedback_threshold", s.cfg.FeedbackThreshold))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retrain scheduler stopped")
			return nil
		case <-s.wake:
			s.runLogged(ctx, "requested")
		case <-ticker.C:
			due, reason, err := s.Due(ctx)
			if err != nil {
				s.logger.Error("Failed to check retrain triggers", zap.Error(err))
				continue
			}
			if due {
				s.runLogged(ctx, reason)
			}
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context, reason string) {
	s.logger.Info("Retrain started", zap.String("trigger", reason))
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrInProgress) {
		s.logger.Error("Retrain failed", zap.Error(err))
	}
}

// Bootstrap trains the first snapshot when nothing is active. seed, when
// non-nil, fills the training store before the first collection.
func (s *Scheduler) Bootstrap(ctx context.Context, seed func(context.Context) error) error {
	if s.registry.Active() != nil {
		return nil
	}
	if seed != nil {
		if err := seed(ctx); err != nil {
			return fmt.Errorf("failed to seed training store: %w", err)
		}
	}
	outcome, err := s.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !outcome.Swapped {
		return fmt.Errorf("bootstrap did not produce a model: %s", outcome.Reason)
	}
	return nil
}

// Due reports whether the time or the feedback volume trigger has fired
func (s *Scheduler) Due(ctx context.Context) (bool, string, error) {
	active := s.registry.Active()
	if active == nil {
		return true, "no active model", nil
	}

	s.mu.Lock()
	since := active.TrainedAt()
	if s.lastAttempt.After(since) {
		since = s.lastAttempt
	}
	seq := active.TrainedThroughSeq()
	if s.attemptedSeq > seq {
		seq = s.attemptedSeq
	}
	s.mu.Unlock()

	if s.cfg.Interval > 0 && s.now().Sub(since) >= s.cfg.Interval {
		return true, "interval", nil
	}
	if s.cfg.FeedbackThreshold > 0 {
		n, err := s.training.CountSince(ctx, seq, core.SourceFeedback)
		if err != nil {
			return false, "", err
		}
		if n >= s.cfg.FeedbackThreshold {
			return true, "feedback volume", nil
		}
	}
	return false, "", nil
}

// RunOnce performs one full retrain. A candidate that regresses is discarded
// without an error; ErrInProgress is returned when another retrain is running.
func (s *Scheduler) RunOnce(ctx context.Context) (*Outcome, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer func() {
		s.state.Store(int32(StateIdle))
		s.running.Store(false)
	}()

	outcome, err := s.retrain(ctx)
	if outcome != nil {
		s.mu.Lock()
		s.lastOutcome = outcome
		s.mu.Unlock()
	}
	return outcome, err
}

func (s *Scheduler) retrain(ctx context.Context) (*Outcome, error) {
	started := s.now()

	s.state.Store(int32(StateCollecting))
	sel, err := s.collector.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect training set: %w", err)
	}

	s.mu.Lock()
	s.lastAttempt = started
	s.attemptedSeq = sel.ThroughSeq
	s.mu.Unlock()

	if len(sel.Samples) < s.cfg.MinExamples || !bothLabels(sel.Samples) {
		s.logger.Info("Not enough training examples",
			zap.Int("examples", len(sel.Samples)),
			zap.Int("min_examples", s.cfg.MinExamples))
		return &Outcome{Reason: "not enough examples"}, nil
	}

	s.state.Store(int32(StateTraining))
	train, holdout := ensemble.Split(sel.Samples, s.cfg.HoldoutFraction, s.cfg.Seed)
	candidate, err := s.fitter.Fit(ensemble.FitRequest{
		Samples:           train,
		Version:           s.registry.NextVersion(),
		Schema:            train[0].Vector.Schema,
		TrainedThroughSeq: sel.ThroughSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fit candidate: %w", err)
	}

	s.state.Store(int32(StateValidating))
	candidateMetrics, err := ensemble.Evaluate(candidate, holdout)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate candidate: %w", err)
	}
	candidateMetrics.TrainingSize = len(train)
	outcome := &Outcome{Version: candidate.Version(), Candidate: candidateMetrics}

	if active := s.registry.Active(); active != nil && active.SchemaVersion() == candidate.SchemaVersion() {
		activeMetrics, err := baseline(active, holdout)
		if err != nil {
			return nil, err
		}
		outcome.Active = activeMetrics

		if regressed(candidateMetrics, activeMetrics, s.cfg.MaxRegression) {
			outcome.Reason = "validation regression"
			s.logger.Warn("Candidate snapshot discarded",
				zap.Int64("candidate_version", candidate.Version()),
				zap.Int64("active_version", active.Version()),
				zap.Float64("candidate_precision", candidateMetrics.Precision),
				zap.Float64("active_precision", activeMetrics.Precision),
				zap.Float64("candidate_recall", candidateMetrics.Recall),
				zap.Float64("active_recall", activeMetrics.Recall),
				zap.Error(core.ErrValidationRegression))
			return outcome, nil
		}
	}

	s.state.Store(int32(StateSwapping))
	candidate = candidate.WithMetrics(candidateMetrics)
	if err := s.registry.Publish(ctx, candidate); err != nil {
		return nil, fmt.Errorf("failed to publish snapshot: %w", err)
	}
	outcome.Swapped = true

	if err := s.sink.RecordMetrics(ctx, candidate.Metrics()); err != nil {
		s.logger.Error("Failed to record model metrics",
			zap.Int64("version", candidate.Version()),
			zap.Error(err))
	}

	s.logger.Info("Retrain completed",
		zap.Int64("version", candidate.Version()),
		zap.Int("training_size", len(train)),
		zap.Int("holdout_size", len(holdout)),
		zap.Int("superseded", sel.Superseded),
		zap.Int("schema_skipped", sel.SchemaSkipped),
		zap.Float64("f1", candidateMetrics.F1),
		zap.Duration("duration", s.now().Sub(started)))
	return outcome, nil
}

// baseline returns the metrics the candidate must not fall below: the holdout
// metrics recorded when the active snapshot was validated. A snapshot published
// without validation is scored on the new holdout, which overlaps its training data.
func baseline(active *ensemble.Snapshot, holdout []ensemble.Sample) (core.ModelMetrics, error) {
	if recorded := active.Metrics(); recorded.HoldoutSize > 0 {
		return recorded, nil
	}
	m, err := ensemble.Evaluate(active, holdout)
	if err != nil {
		return core.ModelMetrics{}, fmt.Errorf("failed to evaluate active snapshot: %w", err)
	}
	return m, nil
}

func regressed(candidate, active core.ModelMetrics, maxRegression float64) bool {
	return candidate.Precision < active.Precision-maxRegression ||
		candidate.Recall < active.Recall-maxRegression
}

func bothLabels(samples []ensemble.Sample) bool {
	var spam, ham bool
	for _, s := range samples {
		if s.Label == core.LabelSpam {
			spam = true
		} else {
			ham = true
		}
		if spam && ham {
			return true
		}
	}
	return false
}
