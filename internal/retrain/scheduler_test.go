package retrain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mikey/guardmail/internal/adapters/store"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ensemble"
	"github.com/mikey/guardmail/internal/training"
	"go.uber.org/zap"
)

// oracle predicts spam exactly when the first feature is set
type oracle struct{}

func (oracle) Kind() string { return "oracle" }

func (oracle) Predict(v core.FeatureVector) (core.Label, float64) {
	if v.Values[0] > 0.5 {
		return core.LabelSpam, 0.99
	}
	return core.LabelHam, 0.01
}

// constant always returns the same score
type constant float64

func (constant) Kind() string { return "constant" }

func (c constant) Predict(core.FeatureVector) (core.Label, float64) {
	if c >= 0.5 {
		return core.LabelSpam, float64(c)
	}
	return core.LabelHam, float64(c)
}

func samples(n int) []ensemble.Sample {
	out := make([]ensemble.Sample, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out,
			ensemble.Sample{Vector: core.FeatureVector{Schema: 1, Names: []string{"x"}, Values: []float64{1}}, Label: core.LabelSpam},
			ensemble.Sample{Vector: core.FeatureVector{Schema: 1, Names: []string{"x"}, Values: []float64{0}}, Label: core.LabelHam},
		)
	}
	return out
}

type staticCollector struct {
	sel *training.Selection
}

func (c staticCollector) Collect(context.Context) (*training.Selection, error) {
	return c.sel, nil
}

// memberFitter returns a snapshot built from a fixed member
type memberFitter struct {
	member  ensemble.Member
	started chan struct{}
	release chan struct{}
}

func (f *memberFitter) Fit(req ensemble.FitRequest) (*ensemble.Snapshot, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return ensemble.NewSnapshot(ensemble.SnapshotParams{
		ID:                "candidate",
		Version:           req.Version,
		TrainedAt:         time.Now(),
		Schema:            req.Schema,
		TrainingSize:      len(req.Samples),
		TrainedThroughSeq: req.TrainedThroughSeq,
		Members:           []ensemble.Member{f.member},
		Threshold:         0.5,
	})
}

func publish(t *testing.T, registry *ensemble.Registry, m ensemble.Member) *ensemble.Snapshot {
	t.Helper()
	s, err := ensemble.NewSnapshot(ensemble.SnapshotParams{
		ID:        "active",
		Version:   registry.NextVersion(),
		TrainedAt: time.Now(),
		Schema:    1,
		Members:   []ensemble.Member{m},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.Publish(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s
}

func testConfig() Config {
	return Config{
		Interval:          24 * time.Hour,
		FeedbackThreshold: 3,
		MinExamples:       10,
		HoldoutFraction:   0.25,
		Seed:              42,
		MaxRegression:     0.02,
	}
}

func TestRegressionGuardKeepsActiveSnapshot(t *testing.T) {
	logger := zap.NewNop()
	registry := ensemble.NewRegistry(nil, logger)
	active := publish(t, registry, oracle{})
	sink := store.NewMemoryStore(logger)

	s := NewScheduler(testConfig(),
		staticCollector{&training.Selection{Samples: samples(20), ThroughSeq: 40}},
		&memberFitter{member: constant(0.9)},
		registry, sink, sink, logger)

	outcome, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outcome.Swapped {
		t.Fatal("regressed candidate was swapped in")
	}
	if outcome.Candidate.Precision >= outcome.Active.Precision {
		t.Errorf("candidate precision %.2f not below active %.2f",
			outcome.Candidate.Precision, outcome.Active.Precision)
	}
	if registry.Active() != active {
		t.Error("active snapshot reference changed")
	}
	if len(sink.Metrics()) != 0 {
		t.Error("metrics recorded for a discarded candidate")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestGateUsesRecordedActiveMetrics(t *testing.T) {
	logger := zap.NewNop()
	registry := ensemble.NewRegistry(nil, logger)

	// perfect on any holdout drawn from its own training data, but validated lower
	s, err := ensemble.NewSnapshot(ensemble.SnapshotParams{
		ID:        "active",
		Version:   registry.NextVersion(),
		TrainedAt: time.Now(),
		Schema:    1,
		Members:   []ensemble.Member{oracle{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	recorded := core.ModelMetrics{Version: s.Version(), HoldoutSize: 10, Precision: 0.5, Recall: 0.9}
	if err := registry.Publish(context.Background(), s.WithMetrics(recorded)); err != nil {
		t.Fatal(err)
	}
	sink := store.NewMemoryStore(logger)

	sched := NewScheduler(testConfig(),
		staticCollector{&training.Selection{Samples: samples(20), ThroughSeq: 40}},
		&memberFitter{member: constant(0.9)},
		registry, sink, sink, logger)

	outcome, err := sched.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outcome.Active != recorded {
		t.Errorf("baseline = %+v, want the recorded metrics %+v", outcome.Active, recorded)
	}
	// precision 0.5 and recall 1 hold against the recorded 0.5/0.9
	if !outcome.Swapped {
		t.Errorf("candidate discarded: %s", outcome.Reason)
	}
}

func TestImprovedCandidateIsSwapped(t *testing.T) {
	logger := zap.NewNop()
	registry := ensemble.NewRegistry(nil, logger)
	previous := publish(t, registry, constant(0.1))
	sink := store.NewMemoryStore(logger)

	s := NewScheduler(testConfig(),
		staticCollector{&training.Selection{Samples: samples(20), ThroughSeq: 40}},
		&memberFitter{member: oracle{}},
		registry, sink, sink, logger)

	outcome, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !outcome.Swapped {
		t.Fatalf("candidate not swapped: %s", outcome.Reason)
	}

	active := registry.Active()
	if active == previous || active.Version() != previous.Version()+1 {
		t.Fatalf("active version = %d", active.Version())
	}
	if active.TrainedThroughSeq() != 40 {
		t.Errorf("trained through seq = %d, want 40", active.TrainedThroughSeq())
	}
	if _, ok := registry.Get(previous.Version()); !ok {
		t.Error("previous snapshot no longer retrievable")
	}

	metrics := sink.Metrics()
	if len(metrics) != 1 || metrics[0].Version != active.Version() || metrics[0].Precision != 1 {
		t.Errorf("recorded metrics = %+v", metrics)
	}

	if err := registry.Rollback(context.Background(), previous.Version()); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if registry.Active() != previous {
		t.Error("rollback did not restore the previous snapshot")
	}
}

func TestRetrainRequestsAreCoalesced(t *testing.T) {
	logger := zap.NewNop()
	registry := ensemble.NewRegistry(nil, logger)
	sink := store.NewMemoryStore(logger)
	fitter := &memberFitter{
		member:  oracle{},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	s := NewScheduler(testConfig(),
		staticCollector{&training.Selection{Samples: samples(20)}},
		fitter, registry, sink, sink, logger)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-fitter.started

	if s.State() != StateTraining {
		t.Errorf("state = %v, want training", s.State())
	}
	if s.Trigger() {
		t.Error("trigger during training was not coalesced")
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Errorf("concurrent RunOnce error = %v, want ErrInProgress", err)
	}
	if registry.Active() != nil {
		t.Error("snapshot published before validation finished")
	}

	close(fitter.release)
	if err := <-done; err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if registry.Active() == nil || registry.Active().Version() != 1 {
		t.Fatal("exactly one retrain should have published version 1")
	}
	if !s.Trigger() {
		t.Error("trigger after completion should be accepted")
	}
}

func TestNotEnoughExamples(t *testing.T) {
	logger := zap.NewNop()
	registry := ensemble.NewRegistry(nil, logger)
	sink := store.NewMemoryStore(logger)

	s := NewScheduler(testConfig(),
		staticCollector{&training.Selection{Samples: samples(2)}},
		&memberFitter{member: oracle{}}, registry, sink, sink, logger)

	outcome, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if outcome.Swapped || registry.Active() != nil {
		t.Error("published a model from too few examples")
	}
}

func TestDueTriggers(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	registry := ensemble.NewRegistry(nil, logger)
	sink := store.NewMemoryStore(logger)

	s := NewScheduler(testConfig(), staticCollector{}, &memberFitter{}, registry, sink, sink, logger)

	if due, reason, _ := s.Due(ctx); !due || reason != "no active model" {
		t.Errorf("Due without a model = %v %q", due, reason)
	}

	active := publish(t, registry, oracle{})
	s.now = func() time.Time { return active.TrainedAt().Add(time.Hour) }
	if due, _, _ := s.Due(ctx); due {
		t.Error("due one hour after training")
	}

	for i := 0; i < 3; i++ {
		if _, err := sink.Add(ctx, &core.TrainingExample{
			ID: string(rune('a' + i)), MessageID: string(rune('m' + i)),
			Label: core.LabelSpam, Source: core.SourceFeedback,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if due, reason, _ := s.Due(ctx); !due || reason != "feedback volume" {
		t.Errorf("Due after feedback = %v %q", due, reason)
	}

	s.now = func() time.Time { return active.TrainedAt().Add(25 * time.Hour) }
	if due, reason, _ := s.Due(ctx); !due || reason != "interval" {
		t.Errorf("Due after interval = %v %q", due, reason)
	}
}
