// Package notification delivers completion mail for catalog work.
package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

// Message is one outbound mail.
type Message struct {
	From    string
	To      []string
	CC      []string
	Subject string
	Body    string
}

// Sender delivers messages. Delivery is best-effort everywhere it is
// used; callers log failures and move on.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers through a relay that accepts unauthenticated
// submissions from this host.
type SMTPSender struct {
	addr string
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender builds a sender for host:port.
func NewSMTPSender(host string, port int) *SMTPSender {
	return &SMTPSender{addr: fmt.Sprintf("%s:%d", host, port)}
}

// Send delivers one message.
func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	recipients := append(append([]string{}, msg.To...), msg.CC...)
	if len(recipients) == 0 {
		return fmt.Errorf("message has no recipients")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(msg.CC, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	if err := smtp.SendMail(s.addr, nil, msg.From, recipients, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail via %s: %w", s.addr, err)
	}
	logger.Debug("mail sent",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}

// ReadyMessage composes the "desktop is ready" mail for a catalog.
func ReadyMessage(from, catalogName, storefrontURL string, to, cc []string) Message {
	return Message{
		From:    from,
		To:      to,
		CC:      cc,
		Subject: "Your " + catalogName + " desktop is ready!",
		Body: "Your " + catalogName + " desktop is available for use.\n" +
			"Click on the link below to access your desktop.\n" +
			storefrontURL + "\n",
	}
}
