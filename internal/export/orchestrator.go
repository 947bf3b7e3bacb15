// ABOUTME: Orchestrator requests an Inspector findings export and polls it to completion.
// ABOUTME: Bounded poll loop with injected clock/sleep; transient status errors retried with backoff.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/inspector2"
	"github.com/aws/aws-sdk-go-v2/service/inspector2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
)

// statusCheckRetries bounds retries of a single failed status call. The
// overall MaxWait deadline is a hard ceiling and is not extended by retries.
const statusCheckRetries = 3

// ReportAPI is the subset of the Inspector API the Orchestrator needs.
// Implemented by *inspector2.Client.
type ReportAPI interface {
	CreateFindingsReport(ctx context.Context, in *inspector2.CreateFindingsReportInput, opts ...func(*inspector2.Options)) (*inspector2.CreateFindingsReportOutput, error)
	GetFindingsReportStatus(ctx context.Context, in *inspector2.GetFindingsReportStatusInput, opts ...func(*inspector2.Options)) (*inspector2.GetFindingsReportStatusOutput, error)
}

// Options holds Orchestrator tuning parameters (sourced from config.Config).
type Options struct {
	Bucket             string
	Prefix             string
	KMSKeyARN          string
	PollInterval       time.Duration
	MaxWait            time.Duration
	BackoffBaseSeconds int
}

// Orchestrator drives one export: request, then poll until terminal.
type Orchestrator struct {
	api   ReportAPI
	opts  Options
	log   *slog.Logger
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates an Orchestrator. The wall clock and sleeper are real; tests
// replace them via WithClock.
func New(api ReportAPI, opts Options) *Orchestrator {
	if opts.BackoffBaseSeconds == 0 {
		opts.BackoffBaseSeconds = 2
	}
	return &Orchestrator{
		api:   api,
		opts:  opts,
		log:   slog.Default(),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// WithClock replaces the clock and sleeper. Used in tests.
func (o *Orchestrator) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Orchestrator {
	o.now = now
	o.sleep = sleep
	return o
}

// Request asks Inspector to export all ACTIVE findings as CSV to the
// configured encrypted S3 destination. The key prefix is extended with the
// report period (YYYY-MM) so consecutive monthly exports never collide.
func (o *Orchestrator) Request(ctx context.Context) (*Job, error) {
	requestedAt := o.now()
	prefix := fmt.Sprintf("%s/%s", o.opts.Prefix, requestedAt.Format("2006-01"))

	out, err := o.api.CreateFindingsReport(ctx, &inspector2.CreateFindingsReportInput{
		ReportFormat: types.ReportFormatCsv,
		S3Destination: &types.Destination{
			BucketName: aws.String(o.opts.Bucket),
			KeyPrefix:  aws.String(prefix),
			KmsKeyArn:  aws.String(o.opts.KMSKeyARN),
		},
		FilterCriteria: &types.FilterCriteria{
			FindingStatus: []types.StringFilter{
				{Comparison: types.StringComparisonEquals, Value: aws.String("ACTIVE")},
			},
		},
	})
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	job := &Job{
		ID:                uuid.New().String(),
		ReportID:          aws.ToString(out.ReportId),
		DestinationBucket: o.opts.Bucket,
		DestinationPrefix: prefix,
		EncryptionKeyARN:  o.opts.KMSKeyARN,
		Status:            StatusRequested,
		RequestedAt:       requestedAt,
	}
	o.log.Info("export requested",
		"job_id", job.ID,
		"report_id", job.ReportID,
		"bucket", job.DestinationBucket,
		"prefix", job.DestinationPrefix,
	)
	return job, nil
}

// AwaitCompletion polls the report status at PollInterval until the job is
// terminal or MaxWait elapses. On timeout the job is returned in its last
// observed status alongside a *TimeoutError; on FAILED/CANCELLED a
// *JobFailedError carries the engine-provided reason. Arrival of the exported
// object is not re-verified here — the storage event confirms it downstream.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, job *Job) (*Job, error) {
	start := o.now()
	deadline := start.Add(o.opts.MaxWait)

	for {
		status, reason, err := o.checkStatus(ctx, job)
		if err != nil {
			return job, fmt.Errorf("export status check: %w", err)
		}
		job.Status = status

		switch {
		case status == StatusCompleted:
			job.CompletedAt = o.now()
			o.log.Info("export completed", "job_id", job.ID, "report_id", job.ReportID)
			return job, nil
		case status.Terminal():
			job.CompletedAt = o.now()
			job.FailureReason = reason
			return job, &JobFailedError{Status: status, Reason: reason}
		}

		// Give up when the next poll would land at or past the deadline.
		if !o.now().Add(o.opts.PollInterval).Before(deadline) {
			o.log.Warn("export wait exhausted",
				"job_id", job.ID,
				"last_status", string(job.Status),
				"waited", o.now().Sub(start).String(),
			)
			return job, &TimeoutError{LastStatus: job.Status, Waited: o.now().Sub(start)}
		}
		if err := o.sleep(ctx, o.opts.PollInterval); err != nil {
			// Host terminated mid-poll: exit cleanly, leaving the job in its
			// last known status for the next trigger to reconcile.
			return job, fmt.Errorf("export wait interrupted: %w", err)
		}
	}
}

// checkStatus fetches the report status, retrying transient API errors with
// jittered exponential backoff up to statusCheckRetries.
func (o *Orchestrator) checkStatus(ctx context.Context, job *Job) (Status, string, error) {
	var lastErr error
	for attempt := 1; attempt <= statusCheckRetries; attempt++ {
		out, err := o.api.GetFindingsReportStatus(ctx, &inspector2.GetFindingsReportStatusInput{
			ReportId: aws.String(job.ReportID),
		})
		if err == nil {
			reason := aws.ToString(out.ErrorMessage)
			return mapStatus(out.Status), reason, nil
		}
		lastErr = err
		if attempt == statusCheckRetries {
			break
		}
		o.log.Warn("status check failed, retrying", "job_id", job.ID, "attempt", attempt, "error", err)
		if err := o.sleep(ctx, backoff(o.opts.BackoffBaseSeconds, attempt)); err != nil {
			return job.Status, "", err
		}
	}
	return job.Status, "", lastErr
}

// mapStatus converts Inspector's external report status to the job status.
func mapStatus(s types.ExternalReportStatus) Status {
	switch s {
	case types.ExternalReportStatusSucceeded:
		return StatusCompleted
	case types.ExternalReportStatusFailed:
		return StatusFailed
	case types.ExternalReportStatusCancelled:
		return StatusCancelled
	default:
		return StatusInProgress
	}
}

// CallerIdentityAPI is the subset of STS used to derive the default KMS key
// ARN. Implemented by *sts.Client.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// DefaultKMSKeyARN builds the conventional export-key alias ARN for the
// calling account. Inspector requires a KMS key ARN on every export request.
func DefaultKMSKeyARN(ctx context.Context, api CallerIdentityAPI, region string) (string, error) {
	out, err := api.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolve caller identity: %w", err)
	}
	return fmt.Sprintf("arn:aws:kms:%s:%s:alias/inspector-export-key", region, aws.ToString(out.Account)), nil
}

// backoff returns base * 2^(attempt-1) seconds with 0.5–1.5x jitter.
func backoff(baseSeconds, attempt int) time.Duration {
	delay := float64(baseSeconds) * math.Pow(2, float64(attempt-1))
	jitter := 0.5 + rand.Float64() //nolint:gosec // G404: jitter for backoff is not a security-sensitive operation
	return time.Duration(delay * jitter * float64(time.Second))
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
