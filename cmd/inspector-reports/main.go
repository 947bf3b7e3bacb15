// Command inspector-reports produces and distributes the recurring Amazon
// Inspector findings report.
//
// Subcommands:
//
//	export  — request a findings export and poll it to completion
//	notify  — process one storage arrival event and send the report email
//	serve   — export scheduler + arrival watcher + ops HTTP server
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/inspector2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/artifact"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/config"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/export"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/idempotency"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/metrics"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/notify"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/objectstore"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/secrets"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/watch"
)

func main() {
	root := &cobra.Command{
		Use:   "inspector-reports",
		Short: "Inspector findings export and report delivery",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		exportCmd(),
		notifyCmd(),
		serveCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── export ────────────────────────────────────────────────────────────────────

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Request a findings export and poll it to completion",
		RunE:  runExport,
	}
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}

	orch, err := newOrchestrator(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	return runOneExport(ctx, orch)
}

// runOneExport drives a single export and records its terminal status.
func runOneExport(ctx context.Context, orch *export.Orchestrator) error {
	job, err := orch.Request(ctx)
	if err != nil {
		metrics.ExportJobs.WithLabelValues("request_rejected").Inc()
		return fmt.Errorf("export: %w", err)
	}

	job, err = orch.AwaitCompletion(ctx, job)
	switch {
	case err == nil:
		metrics.ExportJobs.WithLabelValues("completed").Inc()
		return nil
	case isTimeout(err):
		// Reported, not retried here; the next scheduled trigger creates a
		// new job.
		metrics.ExportJobs.WithLabelValues("timeout").Inc()
		slog.Error("export timed out", "job_id", job.ID, "last_status", string(job.Status))
		return err
	default:
		metrics.ExportJobs.WithLabelValues("failed").Inc()
		return fmt.Errorf("export: %w", err)
	}
}

func isTimeout(err error) bool {
	var te *export.TimeoutError
	return errors.As(err, &te)
}

// ── notify ────────────────────────────────────────────────────────────────────

func notifyCmd() *cobra.Command {
	var eventPath string
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Process one storage arrival event and send the report email",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNotify(cmd, eventPath)
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "-", "arrival event JSON file, or - for stdin")
	return cmd
}

func runNotify(cmd *cobra.Command, eventPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	raw, err := readEvent(eventPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}

	dispatcher := newDispatcher(cfg, awsCfg)
	rec := dispatcher.HandleEvent(ctx, raw)
	if rec.Stage == notify.StageExhausted {
		return fmt.Errorf("dispatch exhausted at %s: %s", rec.FailedAt, rec.Cause)
	}
	return nil
}

func readEvent(path string) ([]byte, error) {
	if path == "-" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read event from stdin: %w", err)
		}
		return raw, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event file: %w", err)
	}
	return raw, nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the export scheduler, arrival watcher, and ops HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}

	orch, err := newOrchestrator(ctx, cfg, awsCfg)
	if err != nil {
		return err
	}
	dispatcher := newDispatcher(cfg, awsCfg)

	// Export scheduler: one export per interval. Failures are logged and the
	// ticker keeps going; the next tick creates a fresh job.
	go func() {
		ticker := time.NewTicker(cfg.ExportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := runOneExport(ctx, orch); err != nil {
					slog.Error("scheduled export failed", "error", err)
				}
			}
		}
	}()

	// Arrival watcher feeds the dispatcher.
	watcher := watch.New(
		s3.NewFromConfig(awsCfg),
		cfg.ReportBucket,
		cfg.ReportPrefix,
		cfg.WatchInterval,
		func(ctx context.Context, ref artifact.Ref) {
			dispatcher.Dispatch(ctx, ref)
		},
	)
	go watcher.Start(ctx)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ops server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newOrchestrator builds the export orchestrator, deriving the default KMS
// key alias ARN from the caller identity when none is configured.
func newOrchestrator(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (*export.Orchestrator, error) {
	kmsKeyARN := cfg.KMSKeyARN
	if kmsKeyARN == "" {
		arn, err := export.DefaultKMSKeyARN(ctx, sts.NewFromConfig(awsCfg), awsCfg.Region)
		if err != nil {
			return nil, fmt.Errorf("default kms key: %w", err)
		}
		kmsKeyARN = arn
	}

	return export.New(inspector2.NewFromConfig(awsCfg), export.Options{
		Bucket:             cfg.ReportBucket,
		Prefix:             cfg.ReportPrefix,
		KMSKeyARN:          kmsKeyARN,
		PollInterval:       cfg.PollInterval,
		MaxWait:            cfg.MaxWait,
		BackoffBaseSeconds: cfg.BackoffBaseSeconds,
	}), nil
}

// newDispatcher assembles the notification pipeline.
func newDispatcher(cfg *config.Config, awsCfg aws.Config) *notify.Dispatcher {
	s3Client := s3.NewFromConfig(awsCfg)
	store := objectstore.New(s3Client, s3.NewPresignClient(s3Client))

	validator := artifact.NewValidator(store, cfg.AttachmentCeilingBytes)
	builder := notify.NewBuilder(store, cfg.LinkTTL)
	resolver := secrets.NewResolver(ssm.NewFromConfig(awsCfg), cfg.ParameterPrefix, cfg.ConfigCacheTTL)

	var sender notify.Sender
	if cfg.SendProvider == "smtp" {
		sender = notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort)
	} else {
		sender = notify.NewSendGridSender("")
	}

	var markers idempotency.Store = idempotency.NewMemory()
	if cfg.MarkerTable != "" {
		markers = idempotency.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.MarkerTable)
	}

	return notify.NewDispatcher(validator, builder, sender, resolver, markers, notify.DispatcherConfig{
		MaxAttempts:        cfg.MaxDeliveryAttempts,
		BackoffBaseSeconds: cfg.BackoffBaseSeconds,
	})
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
