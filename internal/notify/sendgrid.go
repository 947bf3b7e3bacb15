// ABOUTME: SendGrid delivery provider: submits the v3 mail/send request and classifies the response.
// ABOUTME: A circuit breaker sits around the API call; an open breaker reads as a retryable failure.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sony/gobreaker"
)

// errProviderUnhealthy marks throttling and server errors so the breaker
// counts them as failures without losing the response.
var errProviderUnhealthy = errors.New("provider unhealthy")

// SendGridSender delivers messages through SendGrid's transactional API.
type SendGridSender struct {
	host    string // empty selects the production API host
	breaker *gobreaker.CircuitBreaker
}

// NewSendGridSender creates a SendGridSender. host overrides the API base URL
// and is empty in production.
func NewSendGridSender(host string) *SendGridSender {
	return &SendGridSender{
		host: host,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "sendgrid",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Send submits msg and interprets the provider response. Auth rejections
// (401/403) surface as retryable with the status code set so the dispatcher
// can invalidate the credential cache and retry exactly once.
func (s *SendGridSender) Send(ctx context.Context, msg Message, apiKey string) Result {
	body := mail.GetRequestBody(toSGMail(msg))

	v, err := s.breaker.Execute(func() (interface{}, error) {
		req := sendgrid.GetRequest(apiKey, "/v3/mail/send", s.host)
		req.Method = http.MethodPost
		req.Body = body
		resp, err := sendgrid.MakeRequestWithContext(ctx, req)
		if err != nil {
			return nil, err
		}
		// Throttling and server errors count against the breaker.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return resp, errProviderUnhealthy
		}
		return resp, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{Outcome: OutcomeRetryable, ErrorDetail: "circuit breaker: " + err.Error()}
	}

	resp, _ := v.(*rest.Response)
	if resp == nil {
		// Transport-level failure: timeout, connection refused, DNS.
		return Result{Outcome: OutcomeRetryable, ErrorDetail: err.Error()}
	}
	return classify(resp)
}

// classify maps a provider HTTP response to a delivery result.
func classify(resp *rest.Response) Result {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{
			Outcome:           OutcomeSent,
			StatusCode:        resp.StatusCode,
			ProviderMessageID: messageID(resp),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{
			Outcome:     OutcomeRetryable,
			StatusCode:  resp.StatusCode,
			ErrorDetail: fmt.Sprintf("credential rejected (%d): %s", resp.StatusCode, resp.Body),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{
			Outcome:     OutcomeRetryable,
			StatusCode:  resp.StatusCode,
			ErrorDetail: fmt.Sprintf("provider status %d: %s", resp.StatusCode, resp.Body),
		}
	default:
		// Remaining 4xx: the message itself is malformed; retrying cannot help.
		return Result{
			Outcome:     OutcomeTerminal,
			StatusCode:  resp.StatusCode,
			ErrorDetail: fmt.Sprintf("provider rejected message (%d): %s", resp.StatusCode, resp.Body),
		}
	}
}

func messageID(resp *rest.Response) string {
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// toSGMail converts the provider-neutral message to SendGrid's v3 shape.
// Tags become categories; metadata becomes personalization custom args.
func toSGMail(msg Message) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(msg.FromName, msg.From))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	for _, to := range msg.To {
		p.AddTos(mail.NewEmail("", to))
	}
	for _, cc := range msg.CC {
		p.AddCCs(mail.NewEmail("", cc))
	}
	for k, v := range msg.Metadata {
		p.SetCustomArg(k, v)
	}
	m.AddPersonalizations(p)

	m.AddContent(
		mail.NewContent("text/plain", msg.TextBody),
		mail.NewContent("text/html", msg.HTMLBody),
	)
	m.AddCategories(msg.Tags...)

	for _, att := range msg.Attachments {
		if att.ContentBase64 == "" {
			continue // reference links live in the body, not as attachments
		}
		a := mail.NewAttachment()
		a.SetFilename(att.Filename)
		a.SetType(att.MIMEType)
		a.SetContent(att.ContentBase64)
		a.SetDisposition("attachment")
		m.AddAttachment(a)
	}
	return m
}
