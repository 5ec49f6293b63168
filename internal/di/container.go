package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/guardmail/internal/adapters/store"
	"github.com/mikey/guardmail/internal/category"
	"github.com/mikey/guardmail/internal/config"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ensemble"
	"github.com/mikey/guardmail/internal/factory"
	"github.com/mikey/guardmail/internal/features"
	"github.com/mikey/guardmail/internal/logging"
	"github.com/mikey/guardmail/internal/mailparse"
	"github.com/mikey/guardmail/internal/poller"
	"github.com/mikey/guardmail/internal/ports"
	"github.com/mikey/guardmail/internal/retrain"
	"github.com/mikey/guardmail/internal/training"
	"github.com/mikey/guardmail/internal/utils"
)

// BuildContainer creates and configures a dependency injection container for the daemon
func BuildContainer(configFile string) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideClassification(container); err != nil {
		return nil, err
	}

	// Register accounts
	if err := container.Provide(func(cfg *config.Config) ([]core.AccountConfig, error) {
		return cfg.GetAccounts()
	}); err != nil {
		return nil, err
	}

	// Register account pollers
	if err := container.Provide(factory.NewPollerFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		f *factory.PollerFactory,
		parser core.MessageParser,
		service *core.ClassificationService,
		st store.Store,
	) (*poller.Manager, error) {
		return f.CreateManager(parser, service, st)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideClassification registers everything between a parsed message and a
// recorded result, shared by the daemon and the CLI
func provideClassification(container *dig.Container) error {
	providers := []interface{}{
		// Register factories
		factory.NewStoreFactory,
		factory.NewFeatureFactory,
		factory.NewModelFactory,
		factory.NewFilterFactory,

		// Register persistence
		func(f *factory.StoreFactory) (store.Store, error) {
			return f.CreateStore()
		},

		// Register text processing and feature extraction
		func(f *factory.FeatureFactory) *utils.TextProcessor {
			return f.CreateTextProcessor()
		},
		func(f *factory.FeatureFactory, text *utils.TextProcessor) *features.Extractor {
			return f.CreateExtractor(text)
		},
		func(e *features.Extractor) core.FeatureExtractor {
			return e
		},
		func(f *factory.FeatureFactory) *mailparse.Parser {
			return f.CreateParser()
		},
		func(p *mailparse.Parser) core.MessageParser {
			return p
		},

		// Register learning components
		func(f *factory.ModelFactory) *ensemble.Trainer {
			return f.CreateTrainer()
		},
		func(f *factory.ModelFactory, st store.Store) *ensemble.Registry {
			return f.CreateRegistry(st)
		},
		func(f *factory.ModelFactory, st store.Store, extractor core.FeatureExtractor) *training.Collector {
			return f.CreateCollector(st, extractor)
		},
		func(
			f *factory.ModelFactory,
			collector *training.Collector,
			trainer *ensemble.Trainer,
			registry *ensemble.Registry,
			st store.Store,
		) (*retrain.Scheduler, error) {
			return f.CreateScheduler(collector, trainer, registry, st, st)
		},
		func(f *factory.ModelFactory, text *utils.TextProcessor) (*category.Assigner, error) {
			return f.CreateAssigner(text)
		},

		// Register classification service
		func(
			cfg *config.Config,
			logger *zap.Logger,
			extractor core.FeatureExtractor,
			registry *ensemble.Registry,
			assigner *category.Assigner,
			st store.Store,
		) *core.ClassificationService {
			return core.NewClassificationService(
				extractor,
				registry,
				assigner,
				st,
				st,
				logger.Named("classifier"),
				cfg.GetTraining().AutoLearnConfidence,
			)
		},

		// Register email filter
		func(f *factory.FilterFactory) (ports.EmailFilter, error) {
			return f.CreateEmailFilter()
		},
	}

	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return err
		}
	}
	return nil
}
