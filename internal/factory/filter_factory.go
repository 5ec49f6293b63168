package factory

import (
	"fmt"

	"github.com/mikey/guardmail/internal/adapters/filter"
	"github.com/mikey/guardmail/internal/config"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/ports"
	"go.uber.org/zap"
)

// FilterFactory creates email filters based on configuration
type FilterFactory struct {
	cfg     *config.Config
	logger  *zap.Logger
	service ports.Classifier
	parser  core.MessageParser
}

// NewFilterFactory creates a new filter factory
func NewFilterFactory(cfg *config.Config, logger *zap.Logger, service *core.ClassificationService, parser core.MessageParser) *FilterFactory {
	return &FilterFactory{
		cfg:     cfg,
		logger:  logger,
		service: service,
		parser:  parser,
	}
}

// CreateEmailFilter creates an email filter based on the configuration
func (f *FilterFactory) CreateEmailFilter() (ports.EmailFilter, error) {
	fc := f.cfg.GetFilter()

	switch fc.Type {
	case "postfix":
		return filter.NewPostfixFilter(f.service, f.parser, f.logger.Named("filter"), filter.PostfixConfig{
			ListenAddr:       fc.ListenAddress,
			BlockSpam:        fc.BlockSpam,
			SpamHeader:       fc.SpamHeader,
			ScoreHeader:      fc.ScoreHeader,
			ConfidenceHeader: fc.ConfidenceHeader,
			CategoryHeader:   fc.CategoryHeader,
			ReinjectHost:     fc.PostfixAddress,
			ReinjectPort:     fc.PostfixPort,
			ReinjectEnabled:  fc.PostfixEnabled,
			SubjectPrefix:    fc.SubjectPrefix,
			ModifySubject:    fc.ModifySubject,
			Timeout:          fc.Timeout,
		}), nil
	case "cli":
		return filter.NewCliFilter(f.service, f.parser, f.logger, f.cfg.GetBool("cli.verbose"))
	default:
		return nil, fmt.Errorf("unsupported filter type: %s", fc.Type)
	}
}
