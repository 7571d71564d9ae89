package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log.Named("notify.log")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.log.Info("notification",
		zap.String("to", strings.Join(msg.To, ", ")),
		zap.String("subject", msg.Subject),
	)
	return nil
}
