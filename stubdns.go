// Package stubdns implements an asynchronous DNS stub resolver and a
// lightweight authoritative responder over UDP.
package stubdns

import (
	"context"

	"go.uber.org/zap"
)

// Version is the current version of stubdns-go.
const Version = "1.0.0"

// Service is the common service abstraction in this module.
type Service interface {
	// ZapField returns a [zap.Field] that identifies the service.
	ZapField() zap.Field

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop() error
}
