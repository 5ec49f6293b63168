package filter

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ports"
	"go.uber.org/zap"
)

// CliFilter implements a command-line interface for spam detection
type CliFilter struct {
	service ports.Classifier
	parser  core.MessageParser
	logger  *zap.Logger
	verbose bool
	out     io.Writer
}

// NewCliFilter creates a new CLI filter
func NewCliFilter(service ports.Classifier, parser core.MessageParser, logger *zap.Logger, verbose bool) (*CliFilter, error) {
	return &CliFilter{
		service: service,
		parser:  parser,
		logger:  logger,
		verbose: verbose,
		out:     os.Stdout,
	}, nil
}

// ProcessEmail classifies a raw message and displays the results
func (f *CliFilter) ProcessEmail(ctx context.Context, raw []byte) (*core.ClassificationResult, error) {
	msg, err := f.parser.Parse(raw)
	if err != nil {
		f.logger.Error("Failed to parse email", zap.Error(err))
		return nil, err
	}
	f.logger.Debug("Processing email", zap.String("sender", msg.Sender))

	fmt.Fprintf(f.out, "\n=== Email Summary ===\n")
	fmt.Fprintf(f.out, "From: %s\n", msg.Sender)
	fmt.Fprintf(f.out, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(f.out, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(f.out, "Body length: %d bytes\n", len(msg.Body))

	if f.verbose {
		preview := msg.Body
		if len(preview) > 500 {
			preview = preview[:500] + "..."
		}
		fmt.Fprintf(f.out, "\nBody preview:\n%s\n", preview)
	}

	startTime := time.Now()
	result, err := f.service.Classify(ctx, msg)
	if err != nil {
		f.logger.Error("Failed to classify email", zap.Error(err))
		fmt.Fprintf(f.out, "Error: %v\n", err)
		return nil, err
	}
	duration := time.Since(startTime)

	fmt.Fprintf(f.out, "\n=== Results ===\n")
	fmt.Fprintf(f.out, "Is spam: %t\n", result.IsSpam)
	fmt.Fprintf(f.out, "Spam score: %.4f\n", result.Score)
	fmt.Fprintf(f.out, "Confidence: %.4f\n", result.Confidence)
	if names := result.CategoryNames(); len(names) > 0 {
		fmt.Fprintf(f.out, "Categories: %s\n", strings.Join(names, ", "))
	}
	if f.verbose {
		for name, score := range result.CategoryScores {
			fmt.Fprintf(f.out, "  %s: %.2f\n", name, score)
		}
	}
	fmt.Fprintf(f.out, "Model version: %d\n", result.ModelVersion)
	fmt.Fprintf(f.out, "Processing time: %v\n", duration)

	return result, nil
}

// Start is a no-op for the CLI filter
func (f *CliFilter) Start() error {
	return nil
}

// Stop is a no-op for the CLI filter
func (f *CliFilter) Stop() error {
	return nil
}
