package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/guardmail/internal/adapters/store"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/di"
	"github.com/mikey/guardmail/internal/ensemble"
	"github.com/mikey/guardmail/internal/ports"
	"github.com/mikey/guardmail/internal/retrain"
	"github.com/mikey/guardmail/internal/training"
)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

type deps struct {
	dig.In

	Flags     *di.CLIFlags
	Logger    *zap.Logger
	Store     store.Store
	Extractor core.FeatureExtractor
	Parser    core.MessageParser
	Registry  *ensemble.Registry
	Scheduler *retrain.Scheduler
	Service   *core.ClassificationService
	Filter    ports.EmailFilter
}

func run(d deps) error {
	defer d.Logger.Sync()
	defer d.Store.Close()
	ctx := context.Background()

	if err := d.Registry.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore model snapshots: %w", err)
	}
	if err := d.Scheduler.Bootstrap(ctx, func(ctx context.Context) error {
		_, err := training.Seed(ctx, d.Store, d.Extractor, d.Logger)
		return err
	}); err != nil {
		return fmt.Errorf("failed to bootstrap model: %w", err)
	}

	raw, err := readInput(d.Flags.InputFile, d.Logger)
	if err != nil {
		return err
	}

	if d.Flags.Feedback != "" {
		return feedback(ctx, d, raw)
	}

	_, err = d.Filter.ProcessEmail(ctx, raw)
	return err
}

// feedback records a user correction for a message and optionally retrains
func feedback(ctx context.Context, d deps, raw []byte) error {
	var label core.Label
	switch strings.ToLower(d.Flags.Feedback) {
	case "spam":
		label = core.LabelSpam
	case "ham":
		label = core.LabelHam
	default:
		return fmt.Errorf("feedback must be spam or ham, got %q", d.Flags.Feedback)
	}
	if d.Flags.MessageID == "" {
		return fmt.Errorf("-message-id is required with -feedback")
	}

	var msg *core.Message
	if len(raw) > 0 {
		parsed, err := d.Parser.Parse(raw)
		if err != nil {
			return err
		}
		parsed.ID = d.Flags.MessageID
		msg = parsed
	}

	example, err := d.Service.SubmitFeedback(ctx, d.Flags.MessageID, label, d.Flags.Category, msg)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	fmt.Printf("Recorded %s feedback for %s (example %s", label, d.Flags.MessageID, example.ID)
	if example.Overrides != "" {
		fmt.Printf(", overrides %s", example.Overrides)
	}
	fmt.Printf(")\n")

	if !d.Flags.Retrain {
		return nil
	}
	outcome, err := d.Scheduler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("retrain failed: %w", err)
	}
	if outcome.Swapped {
		fmt.Printf("Retrained: version %d is now active (precision %.3f, recall %.3f)\n",
			outcome.Version, outcome.Candidate.Precision, outcome.Candidate.Recall)
	} else {
		fmt.Printf("Retrain kept the active model: %s\n", outcome.Reason)
	}
	return nil
}

// readInput reads the message from a file or stdin. An interactive terminal on
// stdin yields no message.
func readInput(path string, logger *zap.Logger) ([]byte, error) {
	if path != "" {
		logger.Info("Reading email from file", zap.String("file", path))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		return data, nil
	}

	if info, err := os.Stdin.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		return nil, nil
	}
	logger.Info("Reading email from stdin")
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return data, nil
}
