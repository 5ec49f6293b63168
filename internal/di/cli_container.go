package di

import (
	"flag"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/guardmail/internal/config"
	"github.com/mikey/guardmail/internal/logging"
)

// CLIFlags contains all command line flags for the CLI application
type CLIFlags struct {
	// Classification flags
	Threshold float64
	MaxSpread float64

	// Storage flags
	Database string

	// Feedback flags
	Feedback  string
	MessageID string
	Category  string
	Retrain   bool

	// Input flags
	InputFile  string
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line flags and returns a CLIFlags struct
func ParseFlags() *CLIFlags {
	flags := &CLIFlags{}

	// Classification flags
	flag.Float64Var(&flags.Threshold, "threshold", 0.5, "Decision threshold for the ensemble")
	flag.Float64Var(&flags.MaxSpread, "max-spread", 0.4, "Member disagreement above which confidence is damped")

	// Storage flags
	flag.StringVar(&flags.Database, "db", "", "SQLite database with training data and models (in-memory seed model if not specified)")

	// Feedback flags
	flag.StringVar(&flags.Feedback, "feedback", "", "Record a correction for the message instead of classifying (spam, ham)")
	flag.StringVar(&flags.MessageID, "message-id", "", "Message id the feedback applies to")
	flag.StringVar(&flags.Category, "category", "", "Optional category name for spam feedback")
	flag.BoolVar(&flags.Retrain, "retrain", false, "Retrain immediately after recording feedback")

	// Input flags
	flag.StringVar(&flags.InputFile, "file", "", "Input email file (use stdin if not specified)")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	flag.StringVar(&flags.ConfigFile, "config", "", "Path to config file (overrides command line flags)")

	flag.Parse()
	return flags
}

// BuildCLIContainer creates and configures a dependency injection container for the CLI application
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		if flags.ConfigFile != "" {
			cfg, err := config.Load(flags.ConfigFile)
			if err != nil {
				return nil, err
			}
			cfg.GetViper().Set("server.filter_type", "cli")
			cfg.GetViper().Set("cli.verbose", flags.Verbose)
			logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
			return cfg, cfg.Validate()
		}

		// Create config from command line flags
		return createConfigFromFlags(flags), nil
	}); err != nil {
		return nil, err
	}

	if err := provideClassification(container); err != nil {
		return nil, err
	}

	return container, nil
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags(flags *CLIFlags) *config.Config {
	v := config.NewEmptyViper()

	// Set some cli specific settings
	v.Set("server.filter_type", "cli")
	v.Set("cli.verbose", flags.Verbose)

	if flags.Database != "" {
		v.Set("store.type", "sqlite")
		v.Set("store.sqlite_path", flags.Database)
	} else {
		v.Set("store.type", "memory")
	}

	v.Set("ensemble.threshold", flags.Threshold)
	v.Set("ensemble.max_spread", flags.MaxSpread)

	return config.NewFromViper(v)
}
