package factory

import (
	"github.com/mikey/guardmail/internal/adapters/imapsource"
	"github.com/mikey/guardmail/internal/config"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/poller"
	"go.uber.org/zap"
)

// PollerFactory creates the account pollers
type PollerFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewPollerFactory creates a new PollerFactory
func NewPollerFactory(cfg *config.Config, logger *zap.Logger) *PollerFactory {
	return &PollerFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateManager creates the account manager with one IMAP poller per account
func (f *PollerFactory) CreateManager(
	parser core.MessageParser,
	processor poller.Processor,
	states core.AccountStateStore,
) (*poller.Manager, error) {
	pc, err := f.cfg.GetPoller()
	if err != nil {
		return nil, err
	}

	logger := f.logger.Named("poller")
	dialer := imapsource.NewDialer(pc.DialTimeout, pc.InsecureSkipVerify, pc.AllowPlaintext, logger.Named("imap"))
	reporter := poller.NewLogReporter(logger)
	policy := poller.Config{
		BackoffBase:         pc.BackoffBase,
		BackoffMax:          pc.BackoffMax,
		MaxFailures:         pc.MaxFailures,
		DegradedMultiplier:  pc.DegradedMultiplier,
		DegradedMaxInterval: pc.DegradedMaxInterval,
		DefaultInterval:     pc.DefaultInterval,
		MaxMessages:         pc.MaxMessages,
	}

	return poller.NewManager(func(account core.AccountConfig) *poller.Poller {
		return poller.New(account, policy, poller.Deps{
			Dialer:    dialer,
			Parser:    parser,
			Processor: processor,
			States:    states,
			Reporter:  reporter,
		}, logger)
	}, logger), nil
}
