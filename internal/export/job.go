// ABOUTME: Export job model and error taxonomy for the Inspector findings export.
// ABOUTME: A Job is owned by the Orchestrator and terminal once COMPLETED/FAILED/CANCELLED.
package export

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an export job.
type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one asynchronous findings-report export. Created by
// [Orchestrator.Request]; mutated only by status polling in
// [Orchestrator.AwaitCompletion]; never shared across goroutines.
type Job struct {
	ID                string
	ReportID          string
	DestinationBucket string
	DestinationPrefix string
	EncryptionKeyARN  string
	Status            Status
	RequestedAt       time.Time
	CompletedAt       time.Time
	FailureReason     string
}

// RequestError means the scan engine rejected the export request, e.g. no
// findings enabled or an invalid encryption key reference. Not retryable
// within the same invocation.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return "export request rejected: " + e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// TimeoutError means the job did not reach a terminal status within the
// configured max wait. The job is left in its last observed status for the
// next scheduled trigger to reconcile.
type TimeoutError struct {
	LastStatus Status
	Waited     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("export not complete after %s, last status %s", e.Waited, e.LastStatus)
}

// JobFailedError means the engine reported the job FAILED or CANCELLED.
type JobFailedError struct {
	Status Status
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("export job %s: %s", e.Status, e.Reason)
}
