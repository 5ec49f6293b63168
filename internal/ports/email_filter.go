package ports

import (
	"context"

	"github.com/mikey/guardmail/internal/core"
)

// EmailFilter classifies raw messages handed to it by a mail transport
type EmailFilter interface {
	// ProcessEmail classifies a raw RFC 822 message
	ProcessEmail(ctx context.Context, raw []byte) (*core.ClassificationResult, error)

	// Start starts the email filter service
	Start() error

	// Stop stops the email filter service
	Stop() error
}

// Classifier is the part of the classification service a filter needs
type Classifier interface {
	Classify(ctx context.Context, msg *core.Message) (*core.ClassificationResult, error)
}
