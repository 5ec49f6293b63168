package retrain

import (
	"context"
	"testing"

	"github.com/mikey/guardmail/internal/adapters/store"
	"github.com/mikey/guardmail/internal/category"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/domains"
	"github.com/mikey/guardmail/internal/ensemble"
	"github.com/mikey/guardmail/internal/features"
	"github.com/mikey/guardmail/internal/training"
	"github.com/mikey/guardmail/internal/utils"
	"go.uber.org/zap"
)

type pipeline struct {
	store     *store.MemoryStore
	registry  *ensemble.Registry
	scheduler *Scheduler
	service   *core.ClassificationService
	collector *training.Collector
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	text := utils.NewTextProcessor(logger)
	extractor := features.NewExtractor(text,
		domains.NewMatcher("suspicious", []string{"phishing.com", "scam.com"}, logger),
		domains.NewMatcher("shorteners", []string{"bit.ly", "tinyurl.com", "goo.gl"}, logger),
		0)
	rules, err := category.DefaultRules()
	if err != nil {
		t.Fatal(err)
	}

	st := store.NewMemoryStore(logger)
	registry := ensemble.NewRegistry(st, logger)
	collector := training.NewCollector(st, extractor, 0, logger)
	cfg := testConfig()
	cfg.FeedbackThreshold = 50
	cfg.MinExamples = 40
	cfg.HoldoutFraction = 0.2

	s := NewScheduler(cfg, collector, ensemble.NewTrainer(ensemble.DefaultConfig(), logger), registry, st, st, logger)
	if err := s.Bootstrap(ctx, func(ctx context.Context) error {
		_, err := training.Seed(ctx, st, extractor, logger)
		return err
	}); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	service := core.NewClassificationService(extractor, registry,
		category.NewAssigner(rules, text, logger), st, st, logger, 0.95)

	return &pipeline{store: st, registry: registry, scheduler: s, service: service, collector: collector}
}

func TestScamMessageScenario(t *testing.T) {
	p := newPipeline(t)
	msg := &core.Message{
		ID:      "acct:INBOX:1",
		Subject: "URGENT!!! You won $1,000,000",
		Body:    "URGENT!!! You won $1,000,000, click http://bit.ly/x now",
	}

	result, err := p.service.Classify(context.Background(), msg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !result.IsSpam {
		t.Fatalf("scam classified as ham (score %.3f)", result.Score)
	}
	if result.Confidence <= 0.8 {
		t.Errorf("confidence = %.3f, want > 0.8", result.Confidence)
	}
	found := false
	for _, c := range result.Categories {
		found = found || c.Name == "Scam"
	}
	if !found {
		t.Errorf("categories = %v, want Scam", result.CategoryNames())
	}
	if result.ModelVersion != p.registry.Active().Version() {
		t.Errorf("result model version %d, active %d", result.ModelVersion, p.registry.Active().Version())
	}
}

func TestMeetingMessageScenario(t *testing.T) {
	p := newPipeline(t)
	msg := &core.Message{
		ID:      "acct:INBOX:2",
		Subject: "Meeting moved",
		Body:    "Meeting moved to 3pm tomorrow, see you then",
	}

	result, err := p.service.Classify(context.Background(), msg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if result.IsSpam {
		t.Fatalf("meeting note classified as spam (score %.3f)", result.Score)
	}
	if result.Confidence < 0.6 {
		t.Errorf("ham confidence = %.3f, want strong certainty", result.Confidence)
	}
	if len(result.Categories) != 0 {
		t.Errorf("ham got categories %v", result.CategoryNames())
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	msg := &core.Message{
		ID:        "acct:INBOX:3",
		AccountID: "acct",
		Subject:   "FREE gift card!!!",
		Body:      "Claim your FREE $500 gift card now at http://bit.ly/gift!!!",
	}

	first, err := p.service.Process(ctx, msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	second, err := p.service.Process(ctx, msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if first.IsSpam != second.IsSpam || first.Score != second.Score {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	if len(first.Categories) != len(second.Categories) {
		t.Errorf("category sets differ: %v vs %v", first.CategoryNames(), second.CategoryNames())
	}

	stats, err := p.store.Stats(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processed != 1 {
		t.Errorf("processed = %d after reprocessing, want 1", stats.Processed)
	}
}

func TestFeedbackCorrectionsDriveRetraining(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	msg := &core.Message{
		ID:      "acct:INBOX:4",
		Subject: "Quarterly numbers",
		Body:    "Here are the quarterly numbers for the team review on Monday.",
	}

	if _, err := p.service.SubmitFeedback(ctx, msg.ID, core.LabelSpam, "", msg); err != nil {
		t.Fatalf("first feedback: %v", err)
	}
	second, err := p.service.SubmitFeedback(ctx, msg.ID, core.LabelHam, "", nil)
	if err != nil {
		t.Fatalf("second feedback: %v", err)
	}

	examples, err := p.store.ByMessageID(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(examples) != 2 {
		t.Fatalf("got %d examples, want both corrections", len(examples))
	}
	if examples[0].SupersededBy != second.ID || second.Overrides != examples[0].ID {
		t.Errorf("override relation missing: %+v / %+v", examples[0], second)
	}
	if second.Vector == nil {
		t.Error("later correction did not inherit the message features")
	}

	sel, err := p.collector.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Superseded != 1 {
		t.Errorf("superseded = %d, want 1", sel.Superseded)
	}
	var labels []core.Label
	for _, s := range sel.Samples {
		if s.Vector.Values[0] == second.Vector.Values[0] && equalVectors(s.Vector, *second.Vector) {
			labels = append(labels, s.Label)
		}
	}
	if len(labels) != 1 || labels[0] != core.LabelHam {
		t.Errorf("training labels for the message = %v, want [ham]", labels)
	}
}

func equalVectors(a, b core.FeatureVector) bool {
	if len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}
	return true
}
