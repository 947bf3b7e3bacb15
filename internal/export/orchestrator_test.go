// ABOUTME: Tests for the export orchestrator: request, bounded polling, timeout, failure mapping.
// ABOUTME: Uses a scripted fake ReportAPI and a fake clock advanced by the injected sleeper.
package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/inspector2"
	"github.com/aws/aws-sdk-go-v2/service/inspector2/types"
)

// fakeReportAPI scripts CreateFindingsReport and a sequence of status responses.
type fakeReportAPI struct {
	createErr   error
	reportID    string
	createInput *inspector2.CreateFindingsReportInput

	statuses    []types.ExternalReportStatus
	statusErrs  []error
	statusCalls int
	errMessage  string
}

func (f *fakeReportAPI) CreateFindingsReport(_ context.Context, in *inspector2.CreateFindingsReportInput, _ ...func(*inspector2.Options)) (*inspector2.CreateFindingsReportOutput, error) {
	f.createInput = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &inspector2.CreateFindingsReportOutput{ReportId: aws.String(f.reportID)}, nil
}

func (f *fakeReportAPI) GetFindingsReportStatus(_ context.Context, _ *inspector2.GetFindingsReportStatusInput, _ ...func(*inspector2.Options)) (*inspector2.GetFindingsReportStatusOutput, error) {
	i := f.statusCalls
	f.statusCalls++
	if i < len(f.statusErrs) && f.statusErrs[i] != nil {
		return nil, f.statusErrs[i]
	}
	status := f.statuses[len(f.statuses)-1]
	if i < len(f.statuses) {
		status = f.statuses[i]
	}
	out := &inspector2.GetFindingsReportStatusOutput{Status: status}
	if f.errMessage != "" {
		out.ErrorMessage = aws.String(f.errMessage)
	}
	return out, nil
}

// fakeClock advances on every sleep so AwaitCompletion's deadline math runs
// without real waiting.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestOrchestrator(api ReportAPI, clock *fakeClock) *Orchestrator {
	return New(api, Options{
		Bucket:       "inspector-exports-bucket",
		Prefix:       "inspector-reports",
		KMSKeyARN:    "arn:aws:kms:us-east-1:123456789012:alias/inspector-export-key",
		PollInterval: 60 * time.Second,
		MaxWait:      300 * time.Second,
	}).WithClock(clock.Now, clock.Sleep)
}

func TestRequest_SetsDestinationAndPeriodPrefix(t *testing.T) {
	api := &fakeReportAPI{reportID: "report-1"}
	clock := &fakeClock{now: time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)}
	o := newTestOrchestrator(api, clock)

	job, err := o.Request(context.Background())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if job.ReportID != "report-1" {
		t.Errorf("ReportID = %q, want report-1", job.ReportID)
	}
	if job.Status != StatusRequested {
		t.Errorf("Status = %s, want REQUESTED", job.Status)
	}
	if job.DestinationPrefix != "inspector-reports/2024-06" {
		t.Errorf("DestinationPrefix = %q, want inspector-reports/2024-06", job.DestinationPrefix)
	}
	if got := aws.ToString(api.createInput.S3Destination.KeyPrefix); got != "inspector-reports/2024-06" {
		t.Errorf("request key prefix = %q, want inspector-reports/2024-06", got)
	}
	if api.createInput.ReportFormat != types.ReportFormatCsv {
		t.Errorf("report format = %s, want CSV", api.createInput.ReportFormat)
	}
}

func TestRequest_RejectedWrapsRequestError(t *testing.T) {
	api := &fakeReportAPI{createErr: errors.New("no findings enabled")}
	o := newTestOrchestrator(api, &fakeClock{now: time.Now()})

	_, err := o.Request(context.Background())
	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *RequestError", err)
	}
}

func TestAwaitCompletion_ThreePolls(t *testing.T) {
	api := &fakeReportAPI{
		reportID: "report-1",
		statuses: []types.ExternalReportStatus{
			types.ExternalReportStatusInProgress,
			types.ExternalReportStatusInProgress,
			types.ExternalReportStatusSucceeded,
		},
	}
	clock := &fakeClock{now: time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)}
	o := newTestOrchestrator(api, clock)

	job := &Job{ID: "job-1", ReportID: "report-1", Status: StatusRequested}
	job, err := o.AwaitCompletion(context.Background(), job)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", job.Status)
	}
	// Completed on the third status call, not before and not after.
	if api.statusCalls != 3 {
		t.Errorf("status calls = %d, want 3", api.statusCalls)
	}
	if len(clock.sleeps) != 2 {
		t.Errorf("sleeps = %d, want 2 (between the 3 polls)", len(clock.sleeps))
	}
	if job.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
}

func TestAwaitCompletion_TimeoutLeavesLastStatus(t *testing.T) {
	api := &fakeReportAPI{
		reportID: "report-1",
		statuses: []types.ExternalReportStatus{types.ExternalReportStatusInProgress},
	}
	clock := &fakeClock{now: time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)}
	o := newTestOrchestrator(api, clock)

	job := &Job{ID: "job-1", ReportID: "report-1", Status: StatusRequested}
	job, err := o.AwaitCompletion(context.Background(), job)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if job.Status != StatusInProgress {
		t.Errorf("job left in status %s, want IN_PROGRESS", job.Status)
	}
	if te.LastStatus != StatusInProgress {
		t.Errorf("TimeoutError.LastStatus = %s, want IN_PROGRESS", te.LastStatus)
	}
	// maxWait=300s, pollInterval=60s: at most 5 polls before giving up.
	if api.statusCalls > 5 {
		t.Errorf("status calls = %d, want <= 5", api.statusCalls)
	}
}

func TestAwaitCompletion_FailedCarriesReason(t *testing.T) {
	api := &fakeReportAPI{
		reportID:   "report-1",
		statuses:   []types.ExternalReportStatus{types.ExternalReportStatusFailed},
		errMessage: "kms key access denied",
	}
	clock := &fakeClock{now: time.Now()}
	o := newTestOrchestrator(api, clock)

	job := &Job{ID: "job-1", ReportID: "report-1", Status: StatusRequested}
	job, err := o.AwaitCompletion(context.Background(), job)

	var jfe *JobFailedError
	if !errors.As(err, &jfe) {
		t.Fatalf("error = %v, want *JobFailedError", err)
	}
	if jfe.Reason != "kms key access denied" {
		t.Errorf("Reason = %q, want engine message", jfe.Reason)
	}
	if job.Status != StatusFailed {
		t.Errorf("Status = %s, want FAILED", job.Status)
	}
}

func TestAwaitCompletion_TransientStatusErrorRetried(t *testing.T) {
	api := &fakeReportAPI{
		reportID:   "report-1",
		statusErrs: []error{errors.New("throttled"), nil},
		statuses: []types.ExternalReportStatus{
			types.ExternalReportStatusSucceeded,
			types.ExternalReportStatusSucceeded,
		},
	}
	clock := &fakeClock{now: time.Now()}
	o := newTestOrchestrator(api, clock)

	job := &Job{ID: "job-1", ReportID: "report-1", Status: StatusRequested}
	job, err := o.AwaitCompletion(context.Background(), job)
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED after transient retry", job.Status)
	}
	if api.statusCalls != 2 {
		t.Errorf("status calls = %d, want 2 (one failure, one success)", api.statusCalls)
	}
}
