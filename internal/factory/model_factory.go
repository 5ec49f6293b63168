package factory

import (
	"fmt"

	"github.com/mikey/guardmail/internal/category"
	"github.com/mikey/guardmail/internal/config"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ensemble"
	"github.com/mikey/guardmail/internal/retrain"
	"github.com/mikey/guardmail/internal/training"
	"github.com/mikey/guardmail/internal/utils"
	"go.uber.org/zap"
)

// ModelFactory creates the learning components: trainer, registry, scheduler and category assigner
type ModelFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewModelFactory creates a new ModelFactory
func NewModelFactory(cfg *config.Config, logger *zap.Logger) *ModelFactory {
	return &ModelFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTrainer creates an ensemble trainer from the ensemble configuration
func (f *ModelFactory) CreateTrainer() *ensemble.Trainer {
	ec := f.cfg.GetEnsemble()
	tc := ensemble.DefaultConfig()
	tc.Threshold = ec.Threshold
	tc.MaxSpread = ec.MaxSpread
	tc.Seed = ec.Seed
	tc.Weights = ec.Weights
	if ec.Trees > 0 {
		tc.Trees = ec.Trees
	}
	if ec.TreeDepth > 0 {
		tc.TreeDepth = ec.TreeDepth
	}
	if ec.SVMEpochs > 0 {
		tc.SVMEpochs = ec.SVMEpochs
	}
	if ec.SVMLambda > 0 {
		tc.SVMLambda = ec.SVMLambda
	}
	return ensemble.NewTrainer(tc, f.logger.Named("trainer"))
}

// CreateRegistry creates the snapshot registry backed by the given store
func (f *ModelFactory) CreateRegistry(snapshots core.SnapshotStore) *ensemble.Registry {
	return ensemble.NewRegistry(snapshots, f.logger.Named("registry"))
}

// CreateCollector creates the training example collector
func (f *ModelFactory) CreateCollector(examples core.TrainingStore, extractor core.FeatureExtractor) *training.Collector {
	return training.NewCollector(examples, extractor, f.cfg.GetTraining().Window, f.logger.Named("collector"))
}

// CreateScheduler creates the retrain scheduler
func (f *ModelFactory) CreateScheduler(
	collector *training.Collector,
	trainer *ensemble.Trainer,
	registry *ensemble.Registry,
	examples core.TrainingStore,
	sink core.ResultSink,
) (*retrain.Scheduler, error) {
	rc, err := f.cfg.GetRetrain()
	if err != nil {
		return nil, err
	}
	return retrain.NewScheduler(retrain.Config{
		Interval:          rc.Interval,
		CheckInterval:     rc.CheckInterval,
		FeedbackThreshold: rc.FeedbackThreshold,
		MinExamples:       rc.MinExamples,
		HoldoutFraction:   rc.HoldoutFraction,
		Seed:              f.cfg.GetEnsemble().Seed,
		MaxRegression:     rc.MaxRegression,
	}, collector, trainer, registry, examples, sink, f.logger.Named("retrain")), nil
}

// CreateAssigner creates the category assigner from the embedded rule table or
// the configured override
func (f *ModelFactory) CreateAssigner(text *utils.TextProcessor) (*category.Assigner, error) {
	path := f.cfg.GetRules().Path

	var (
		rules *category.RuleSet
		err   error
	)
	if path != "" {
		rules, err = category.LoadRules(path)
	} else {
		rules, err = category.DefaultRules()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load category rules: %w", err)
	}

	f.logger.Info("Loaded category rules",
		zap.String("path", path),
		zap.Int("version", rules.Version()),
		zap.Int("categories", len(rules.Categories())))
	return category.NewAssigner(rules, text, f.logger.Named("category")), nil
}
