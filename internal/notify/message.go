// ABOUTME: Email message model and delivery result types shared by all send providers.
// ABOUTME: Messages are built once per artifact and passed by value; never mutated after construction.
package notify

import "context"

// Attachment is one email attachment. Exactly one of ContentBase64 or
// ExternalLink is set: small reports embed bytes, large reports link out.
type Attachment struct {
	Filename      string
	MIMEType      string
	ContentBase64 string
	ExternalLink  string
}

// Message is a fully-built report email.
type Message struct {
	From        string
	FromName    string
	To          []string
	CC          []string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Tags        []string
	Metadata    map[string]string
}

// Outcome classifies one delivery attempt.
type Outcome string

const (
	// OutcomeSent means the provider accepted the message. Delivery past
	// acceptance is fire-and-forget; bounce handling is out of scope.
	OutcomeSent Outcome = "SENT"
	// OutcomeRetryable covers throttling, provider 5xx, transport errors, and
	// auth rejections (which get exactly one retry after cache invalidation).
	OutcomeRetryable Outcome = "RETRYABLE_FAILURE"
	// OutcomeTerminal means retrying the same message cannot succeed.
	OutcomeTerminal Outcome = "TERMINAL_FAILURE"
)

// Result is the interpreted provider response for one send attempt.
type Result struct {
	Outcome           Outcome
	ProviderMessageID string
	StatusCode        int
	ErrorDetail       string
}

// AuthFailure reports whether the provider rejected the credential. The
// dispatcher invalidates the config cache and retries such failures once.
func (r Result) AuthFailure() bool {
	return r.StatusCode == 401 || r.StatusCode == 403
}

// Sender submits a message to a transactional email provider and classifies
// the response. Implementations never retry internally; retry policy belongs
// to the dispatcher.
type Sender interface {
	Send(ctx context.Context, msg Message, apiKey string) Result
}
