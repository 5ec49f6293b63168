package factory

import (
	"github.com/mikey/guardmail/internal/config"
	"github.com/mikey/guardmail/internal/domains"
	"github.com/mikey/guardmail/internal/features"
	"github.com/mikey/guardmail/internal/mailparse"
	"github.com/mikey/guardmail/internal/utils"
	"go.uber.org/zap"
)

// FeatureFactory creates the text processing and feature extraction components
type FeatureFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewFeatureFactory creates a new FeatureFactory
func NewFeatureFactory(cfg *config.Config, logger *zap.Logger) *FeatureFactory {
	return &FeatureFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *FeatureFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateExtractor creates the feature extractor for the current schema
func (f *FeatureFactory) CreateExtractor(text *utils.TextProcessor) *features.Extractor {
	fc := f.cfg.GetFeatures()
	suspicious := domains.NewMatcher("suspicious", fc.SuspiciousDomains, f.logger)
	shorteners := domains.NewMatcher("shorteners", fc.ShortenerDomains, f.logger)
	return features.NewExtractor(text, suspicious, shorteners, fc.MaxBodySize)
}

// CreateParser creates the raw message parser
func (f *FeatureFactory) CreateParser() *mailparse.Parser {
	return mailparse.NewParser(f.logger.Named("parser"), int64(f.cfg.GetFeatures().MaxBodySize))
}
