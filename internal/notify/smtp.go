package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/tatamipay/billing/internal/config"
)

type SMTPSender struct {
	cfg config.SMTPConfig
}

func NewSMTP(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (p *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	raw := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n%s\r\n%s",
		strings.Join(msg.To, ", "), msg.Subject, mime, msg.Body))

	return smtp.SendMail(addr, auth, p.cfg.From, msg.To, raw)
}
