// Package notify delivers payer-facing messages: due-soon reminders and
// delinquency notices.
package notify

import (
	"context"

	"github.com/tatamipay/billing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the configured sender.
var Module = fx.Provide(NewSender)

// Message is one outbound notification.
type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers messages to payers.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NewSender returns the SMTP sender when mail is configured, otherwise a
// logger-backed sender so development environments still see what would
// have been sent.
func NewSender(cfg config.Config, log *zap.Logger) Sender {
	if cfg.SMTP.Host == "" {
		return NewLogSender(log)
	}
	return NewSMTP(cfg.SMTP)
}
