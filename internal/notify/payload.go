// ABOUTME: Builder converts a validated artifact plus delivery config into a report email.
// ABOUTME: Small reports ride inline as base64; large reports become a presigned reference link.
package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/artifact"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/secrets"
)

// LinkSigner produces time-limited download links for large reports.
// Implemented by objectstore.S3.
type LinkSigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Builder is a pure transformation from (artifact, config) to a Message:
// identical inputs yield an identical message, so retries can rebuild safely.
type Builder struct {
	signer  LinkSigner
	linkTTL time.Duration
}

// NewBuilder creates a Builder. signer is only consulted for Large artifacts.
func NewBuilder(signer LinkSigner, linkTTL time.Duration) *Builder {
	return &Builder{signer: signer, linkTTL: linkTTL}
}

// Build renders the report email for art. The attachment filename and subject
// are derived deterministically from the artifact's event time, never from
// the wall clock.
func (b *Builder) Build(ctx context.Context, art *artifact.Validated, cfg *secrets.DeliveryConfig) (*Message, error) {
	date := art.Ref.EventTime.UTC().Format("2006-01-02")
	period := art.Ref.EventTime.UTC().Format("2006-01")

	data := ReportTemplateData{
		Date:     date,
		Period:   period,
		RowCount: art.RowCount,
		Key:      art.Ref.Key,
	}

	var attachments []Attachment
	switch art.SizeClass {
	case artifact.Small:
		data.Inline = true
		data.AttachmentName = fmt.Sprintf("inspector-report-%s.csv", period)
		attachments = []Attachment{{
			Filename:      data.AttachmentName,
			MIMEType:      "text/csv",
			ContentBase64: base64.StdEncoding.EncodeToString(art.Data),
		}}
	case artifact.Large:
		// The provider's payload ceiling is a hard external constraint, not a
		// retryable condition: never embed the raw bytes.
		link, err := b.signer.PresignGet(ctx, art.Ref.Bucket, art.Ref.Key, b.linkTTL)
		if err != nil {
			return nil, fmt.Errorf("build report link: %w", err)
		}
		data.DownloadURL = link
		data.LinkExpiry = b.linkTTL.String()
		data.SizeMB = fmt.Sprintf("%.1f", float64(art.Ref.SizeBytes)/(1<<20))
	default:
		return nil, fmt.Errorf("build report email: unknown size class %q", art.SizeClass)
	}

	subject, htmlBody, textBody, err := RenderReport(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		From:        cfg.FromEmail,
		FromName:    cfg.FromName,
		To:          cfg.ToEmails,
		CC:          cfg.CCEmails,
		Subject:     subject,
		TextBody:    textBody,
		HTMLBody:    htmlBody,
		Attachments: attachments,
		Tags:        []string{"inspector-report", "security"},
		Metadata: map[string]string{
			"report_date": date,
			"s3_key":      art.Ref.Key,
		},
	}, nil
}
