// ABOUTME: Artifact types and error taxonomy for exported findings reports.
// ABOUTME: Ref identifies the arrived object; Validated adds row count, size class, content hash.
package artifact

import (
	"fmt"
	"time"
)

// SizeClass determines the delivery strategy for a report.
type SizeClass string

const (
	// Small artifacts are embedded as a single base64 attachment.
	Small SizeClass = "SMALL"
	// Large artifacts are delivered as a time-limited reference link.
	Large SizeClass = "LARGE"
)

// Ref identifies the object that triggered notification. Immutable once
// constructed from the arrival event.
type Ref struct {
	Bucket    string
	Key       string
	SizeBytes int64
	EventTime time.Time
}

// Validated is a Ref that passed tabular validation.
//
// Data holds the raw object bytes for Small artifacts only; Large artifacts
// are never buffered in full — the payload builder references them by link.
type Validated struct {
	Ref         Ref
	RowCount    int
	SizeClass   SizeClass
	ContentHash string
	Data        []byte
}

// NotFoundError means the object is no longer retrievable, e.g. a race with
// lifecycle deletion. Not retryable.
type NotFoundError struct {
	Bucket string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact s3://%s/%s not found", e.Bucket, e.Key)
}

// MalformedError means the object cannot be parsed as the expected tabular
// format. Not retryable — the artifact itself is the problem.
type MalformedError struct {
	Key    string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("artifact %s malformed: %s", e.Key, e.Reason)
}
