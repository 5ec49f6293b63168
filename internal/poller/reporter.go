package poller

import (
	"context"

	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// LogReporter surfaces account health changes through the log
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// ReportAccountStatus implements core.StatusReporter
func (r *LogReporter) ReportAccountStatus(_ context.Context, status core.AccountStatus) {
	fields := []zap.Field{
		zap.String("account", status.AccountID),
		zap.String("address", status.Address),
		zap.String("state", status.State),
		zap.Int("consecutive_failures", status.ConsecutiveFailures),
		zap.Time("next_poll_at", status.NextPollAt),
	}
	if status.LastError != "" {
		fields = append(fields, zap.String("last_error", status.LastError))
	}

	switch {
	case status.AuthFailed:
		r.logger.Error("Account needs new credentials", fields...)
	case status.Degraded:
		r.logger.Warn("Account is degraded", fields...)
	default:
		r.logger.Info("Account is healthy", fields...)
	}
}
