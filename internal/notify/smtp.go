// ABOUTME: SMTP delivery provider for local development. Dial-per-send, no persistent connection.
// ABOUTME: All SMTP failures classify as retryable; there is no provider response to interpret.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"

	gomail "github.com/wneessen/go-mail"
)

// SMTPSender delivers messages over plain SMTP, typically to a local
// capture server. The apiKey argument is ignored.
type SMTPSender struct {
	Host string
	Port int
}

// NewSMTPSender creates an SMTPSender for host:port.
func NewSMTPSender(host string, port int) *SMTPSender {
	return &SMTPSender{Host: host, Port: port}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message, _ string) Result {
	m := gomail.NewMsg()
	if err := m.FromFormat(msg.FromName, msg.From); err != nil {
		return Result{Outcome: OutcomeTerminal, ErrorDetail: "set from: " + err.Error()}
	}
	if err := m.To(msg.To...); err != nil {
		return Result{Outcome: OutcomeTerminal, ErrorDetail: "set to: " + err.Error()}
	}
	if len(msg.CC) > 0 {
		if err := m.Cc(msg.CC...); err != nil {
			return Result{Outcome: OutcomeTerminal, ErrorDetail: "set cc: " + err.Error()}
		}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.TextBody)
	m.AddAlternativeString(gomail.TypeTextHTML, msg.HTMLBody)

	for _, att := range msg.Attachments {
		if att.ContentBase64 == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(att.ContentBase64)
		if err != nil {
			return Result{Outcome: OutcomeTerminal, ErrorDetail: "decode attachment: " + err.Error()}
		}
		if err := m.AttachReader(att.Filename, bytes.NewReader(raw)); err != nil {
			return Result{Outcome: OutcomeTerminal, ErrorDetail: "attach: " + err.Error()}
		}
	}

	c, err := gomail.NewClient(s.Host,
		gomail.WithPort(s.Port),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
	)
	if err != nil {
		return Result{Outcome: OutcomeRetryable, ErrorDetail: "smtp client: " + err.Error()}
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return Result{Outcome: OutcomeRetryable, ErrorDetail: "smtp send: " + err.Error()}
	}
	return Result{Outcome: OutcomeSent}
}
