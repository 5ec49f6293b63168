// Package training selects labeled examples for retraining and ships the seed corpus.
package training

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedCorpus []byte

type seedFile struct {
	Examples []seedExample `yaml:"examples"`
}

type seedExample struct {
	Label    string `yaml:"label"`
	Category string `yaml:"category"`
	Sender   string `yaml:"sender"`
	Subject  string `yaml:"subject"`
	Body     string `yaml:"body"`
}

// SeedExamples decodes the embedded corpus. Ids are stable so that a corpus
// can be recognized across restarts.
func SeedExamples() ([]*core.TrainingExample, error) {
	var file seedFile
	if err := yaml.Unmarshal(seedCorpus, &file); err != nil {
		return nil, fmt.Errorf("failed to decode seed corpus: %w", err)
	}

	examples := make([]*core.TrainingExample, 0, len(file.Examples))
	for i, s := range file.Examples {
		label, err := core.ParseLabel(s.Label)
		if err != nil {
			return nil, fmt.Errorf("seed example %d: %w", i, err)
		}
		examples = append(examples, &core.TrainingExample{
			ID:        fmt.Sprintf("seed-%03d", i),
			MessageID: fmt.Sprintf("seed:%03d", i),
			Label:     label,
			Category:  s.Category,
			Source:    core.SourceSeed,
			Sender:    s.Sender,
			Subject:   s.Subject,
			Body:      s.Body,
		})
	}
	return examples, nil
}

// Seed appends the seed corpus to the store unless seed examples are already present.
// It returns the number of examples added.
func Seed(ctx context.Context, store core.TrainingStore, extractor core.FeatureExtractor, logger *zap.Logger) (int, error) {
	existing, err := store.CountSince(ctx, 0, core.SourceSeed)
	if err != nil {
		return 0, fmt.Errorf("failed to count seed examples: %w", err)
	}
	if existing > 0 {
		return 0, nil
	}

	examples, err := SeedExamples()
	if err != nil {
		return 0, err
	}
	for _, e := range examples {
		vec := extractor.Extract(e.Message())
		e.Vector = &vec
		if _, err := store.Add(ctx, e); err != nil {
			return 0, fmt.Errorf("failed to add seed example %s: %w", e.ID, err)
		}
	}

	logger.Info("Seed corpus loaded", zap.Int("examples", len(examples)))
	return len(examples), nil
}
