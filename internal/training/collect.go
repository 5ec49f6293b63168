package training

import (
	"context"
	"fmt"

	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ensemble"
	"go.uber.org/zap"
)

// Selection is the training set chosen for one retrain
type Selection struct {
	Samples []ensemble.Sample

	// ThroughSeq is the highest store sequence seen, eligible or not
	ThroughSeq int64

	Superseded    int
	Reextracted   int
	SchemaSkipped int
}

// Collector reads the training store and builds fit-ready samples
type Collector struct {
	store     core.TrainingStore
	extractor core.FeatureExtractor
	window    int
	logger    *zap.Logger
}

// NewCollector creates a collector. window bounds the selection to the most
// recent eligible examples; zero means the whole store.
func NewCollector(store core.TrainingStore, extractor core.FeatureExtractor, window int, logger *zap.Logger) *Collector {
	return &Collector{
		store:     store,
		extractor: extractor,
		window:    window,
		logger:    logger,
	}
}

// Collect walks the store in insertion order. Superseded examples are dropped so
// that a correction replaces the label it overrides. Examples from another feature
// schema are re-extracted from their text when possible and excluded otherwise.
func (c *Collector) Collect(ctx context.Context) (*Selection, error) {
	schema := c.extractor.SchemaVersion()
	sel := &Selection{}

	for example, err := range c.store.Since(ctx, 0) {
		if err != nil {
			return nil, fmt.Errorf("failed to read training store: %w", err)
		}
		if example.Seq > sel.ThroughSeq {
			sel.ThroughSeq = example.Seq
		}
		if example.SupersededBy != "" {
			sel.Superseded++
			continue
		}

		vec, ok := c.vector(example, schema)
		if !ok {
			sel.SchemaSkipped++
			c.logger.Debug("Excluded example without usable features",
				zap.String("id", example.ID),
				zap.Error(core.ErrSchemaMismatch))
			continue
		}
		if example.Vector == nil || example.Vector.Schema != schema {
			sel.Reextracted++
		}

		sel.Samples = append(sel.Samples, ensemble.Sample{Vector: vec, Label: example.Label})
		if c.window > 0 && len(sel.Samples) > 2*c.window {
			sel.Samples = append(sel.Samples[:0:0], sel.Samples[len(sel.Samples)-c.window:]...)
		}
	}

	if c.window > 0 && len(sel.Samples) > c.window {
		sel.Samples = sel.Samples[len(sel.Samples)-c.window:]
	}

	if sel.SchemaSkipped > 0 {
		c.logger.Warn("Training examples excluded by schema version",
			zap.Int("skipped", sel.SchemaSkipped),
			zap.Int("schema", schema))
	}
	return sel, nil
}

func (c *Collector) vector(example *core.TrainingExample, schema int) (core.FeatureVector, bool) {
	if example.Vector != nil && example.Vector.Schema == schema {
		return *example.Vector, true
	}
	if example.HasContent() {
		return c.extractor.Extract(example.Message()), true
	}
	return core.FeatureVector{}, false
}
