// Package mail abstracts out-of-band delivery of one-time codes. Actual
// transport lives outside this service; deployments plug their own sender in.
package mail

import (
	"context"

	"go.uber.org/zap"
)

type Mailer interface {
	// SendCode delivers a one-time code to the address. Purpose tells the
	// template apart (password reset, email verification, step-up login).
	SendCode(ctx context.Context, email, purpose, code string) error
}

// LogMailer logs instead of sending. Stand-in for local development and
// environments where the real sender is not wired up. The code itself is not
// logged.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendCode(ctx context.Context, email, purpose, code string) error {
	m.logger.Info("code_delivery_skipped",
		zap.String("email", email),
		zap.String("purpose", purpose),
	)
	return nil
}
