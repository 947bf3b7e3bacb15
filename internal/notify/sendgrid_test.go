// ABOUTME: Tests for SendGrid response classification using an httptest provider stub.
// ABOUTME: Each test builds a fresh sender so circuit breaker state never leaks across cases.
package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		From:     "reports@example.com",
		FromName: "DevSecOps Team",
		To:       []string{"sec-eng@example.com"},
		CC:       []string{"audit@example.com"},
		Subject:  "Inspector Report - 2024-06-15",
		TextBody: "body",
		HTMLBody: "<p>body</p>",
		Tags:     []string{"inspector-report", "security"},
		Metadata: map[string]string{"report_date": "2024-06-15"},
		Attachments: []Attachment{
			{Filename: "inspector-report-2024-06.csv", MIMEType: "text/csv", ContentBase64: "YSxi"},
		},
	}
}

func stubProvider(t *testing.T, status int, headers map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSend_AcceptedWithMessageID(t *testing.T) {
	srv, calls := stubProvider(t, http.StatusAccepted, map[string]string{"X-Message-Id": "msg-42"})
	s := NewSendGridSender(srv.URL)

	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, "msg-42", res.ProviderMessageID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_ThrottledIsRetryable(t *testing.T) {
	srv, _ := stubProvider(t, http.StatusTooManyRequests, nil)
	s := NewSendGridSender(srv.URL)

	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeRetryable, res.Outcome)
	assert.False(t, res.AuthFailure())
}

func TestSend_ServerErrorIsRetryable(t *testing.T) {
	srv, _ := stubProvider(t, http.StatusServiceUnavailable, nil)
	s := NewSendGridSender(srv.URL)

	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeRetryable, res.Outcome)
}

func TestSend_AuthRejectionIsRetryableAuthFailure(t *testing.T) {
	srv, _ := stubProvider(t, http.StatusUnauthorized, nil)
	s := NewSendGridSender(srv.URL)

	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeRetryable, res.Outcome)
	assert.True(t, res.AuthFailure())
}

func TestSend_BadRequestIsTerminal(t *testing.T) {
	srv, _ := stubProvider(t, http.StatusBadRequest, nil)
	s := NewSendGridSender(srv.URL)

	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeTerminal, res.Outcome)
}

func TestSend_TransportErrorIsRetryable(t *testing.T) {
	srv, _ := stubProvider(t, http.StatusAccepted, nil)
	srv.Close() // connection refused
	s := NewSendGridSender(srv.URL)

	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeRetryable, res.Outcome)
	assert.NotEmpty(t, res.ErrorDetail)
}

func TestSend_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv, calls := stubProvider(t, http.StatusInternalServerError, nil)
	s := NewSendGridSender(srv.URL)

	for i := 0; i < 5; i++ {
		res := s.Send(context.Background(), testMessage(), "SG.test-key")
		require.Equal(t, OutcomeRetryable, res.Outcome, "attempt %d", i+1)
	}
	// Breaker is now open: the provider must not be called again.
	before := calls.Load()
	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeRetryable, res.Outcome)
	assert.Contains(t, res.ErrorDetail, "circuit breaker")
	assert.Equal(t, before, calls.Load())
}

func TestToSGMail_RequestShape(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	s := NewSendGridSender(srv.URL)
	res := s.Send(context.Background(), testMessage(), "SG.test-key")
	require.Equal(t, OutcomeSent, res.Outcome)

	var body struct {
		Personalizations []struct {
			To []struct {
				Email string `json:"email"`
			} `json:"to"`
			CC []struct {
				Email string `json:"email"`
			} `json:"cc"`
			CustomArgs map[string]string `json:"custom_args"`
		} `json:"personalizations"`
		Subject     string   `json:"subject"`
		Categories  []string `json:"categories"`
		Attachments []struct {
			Filename string `json:"filename"`
			Type     string `json:"type"`
			Content  string `json:"content"`
		} `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(captured, &body))
	require.Len(t, body.Personalizations, 1)
	assert.Equal(t, "sec-eng@example.com", body.Personalizations[0].To[0].Email)
	assert.Equal(t, "audit@example.com", body.Personalizations[0].CC[0].Email)
	assert.Equal(t, "2024-06-15", body.Personalizations[0].CustomArgs["report_date"])
	assert.Equal(t, "Inspector Report - 2024-06-15", body.Subject)
	assert.Equal(t, []string{"inspector-report", "security"}, body.Categories)
	require.Len(t, body.Attachments, 1)
	assert.Equal(t, "inspector-report-2024-06.csv", body.Attachments[0].Filename)
	assert.Equal(t, "text/csv", body.Attachments[0].Type)
}
