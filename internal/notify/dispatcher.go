// ABOUTME: Dispatcher runs the per-arrival state machine: validate, build, deliver under retry policy.
// ABOUTME: Duplicate content hashes short-circuit via the idempotency store; every run emits an outcome record.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/artifact"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/idempotency"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/metrics"
	"github.com/hassan-alachek/aws-inspector-monthly-reports/internal/secrets"
)

// Stage is a state of the per-event dispatch machine.
type Stage string

const (
	StageReceived          Stage = "RECEIVED"
	StageValidated         Stage = "VALIDATED"
	StageBuilt             Stage = "BUILT"
	StageDeliveryAttempted Stage = "DELIVERY_ATTEMPTED"
	StageDelivered         Stage = "DELIVERED"
	StageExhausted         Stage = "EXHAUSTED"
)

// Record is the structured outcome of one dispatch, emitted for every
// terminal state. It is the system's user-visible failure surface.
type Record struct {
	ID                string
	Bucket            string
	Key               string
	ContentHash       string
	Stage             Stage // DELIVERED or EXHAUSTED
	FailedAt          Stage // stage where failure occurred, when EXHAUSTED
	Attempts          int
	ProviderMessageID string
	Duplicate         bool
	Cause             string
}

// ConfigSource resolves and invalidates delivery configuration. Implemented
// by secrets.Resolver.
type ConfigSource interface {
	Resolve(ctx context.Context) (*secrets.DeliveryConfig, error)
	Invalidate()
}

// Validator validates an arrived artifact. Implemented by artifact.Validator.
type Validator interface {
	Validate(ctx context.Context, ref artifact.Ref) (*artifact.Validated, error)
}

// DispatcherConfig holds retry tuning (sourced from config.Config).
type DispatcherConfig struct {
	MaxAttempts        int
	BackoffBaseSeconds int
}

// Dispatcher orchestrates validator, builder, and sender for one arrival
// event at a time. Invocations are independent; cross-invocation coordination
// happens only through the idempotency store.
type Dispatcher struct {
	validator Validator
	builder   *Builder
	sender    Sender
	resolver  ConfigSource
	markers   idempotency.Store
	cfg       DispatcherConfig
	log       *slog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(v Validator, b *Builder, s Sender, r ConfigSource, m idempotency.Store, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBaseSeconds == 0 {
		cfg.BackoffBaseSeconds = 2
	}
	return &Dispatcher{
		validator: v,
		builder:   b,
		sender:    s,
		resolver:  r,
		markers:   m,
		cfg:       cfg,
		log:       slog.Default(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// WithClock replaces the clock and sleeper. Used in tests.
func (d *Dispatcher) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Dispatcher {
	d.now = now
	d.sleep = sleep
	return d
}

// HandleEvent decodes a raw arrival event and dispatches it.
func (d *Dispatcher) HandleEvent(ctx context.Context, raw []byte) *Record {
	ref, err := DecodeArrival(raw)
	if err != nil {
		rec := &Record{ID: uuid.New().String(), Stage: StageExhausted, FailedAt: StageReceived, Cause: err.Error()}
		d.emit(rec)
		return rec
	}
	return d.Dispatch(ctx, ref)
}

// Dispatch runs RECEIVED → VALIDATED → BUILT → DELIVERY_ATTEMPTED →
// {DELIVERED | EXHAUSTED} for one artifact. Steps execute sequentially:
// each report is single-artifact, single-message.
func (d *Dispatcher) Dispatch(ctx context.Context, ref artifact.Ref) *Record {
	rec := &Record{
		ID:     uuid.New().String(),
		Bucket: ref.Bucket,
		Key:    ref.Key,
	}

	art, err := d.validator.Validate(ctx, ref)
	if err != nil {
		// The artifact itself is the problem; no retry can fix it.
		return d.exhaust(rec, StageReceived, err)
	}
	rec.ContentHash = art.ContentHash

	// At-least-once event sources redeliver; a hash already delivered must
	// not produce a second recipient-visible email. Lookup errors fail open:
	// a duplicate report beats a silently missing one.
	delivered, err := d.markers.Delivered(ctx, art.ContentHash)
	if err != nil {
		d.log.Warn("idempotency lookup failed, proceeding",
			"key", ref.Key, "content_hash", art.ContentHash, "error", err)
	}
	if delivered {
		rec.Stage = StageDelivered
		rec.Duplicate = true
		d.emit(rec)
		return rec
	}

	cfg, err := d.resolver.Resolve(ctx)
	if err != nil {
		return d.exhaust(rec, StageValidated, err)
	}

	msg, err := d.builder.Build(ctx, art, cfg)
	if err != nil {
		return d.exhaust(rec, StageValidated, err)
	}

	return d.deliver(ctx, rec, art, msg, cfg)
}

// deliver runs the bounded retry loop around the sender. Auth failures force
// a config-cache invalidation and get exactly one extra chance; all other
// retryable failures back off exponentially with jitter.
func (d *Dispatcher) deliver(ctx context.Context, rec *Record, art *artifact.Validated, msg *Message, cfg *secrets.DeliveryConfig) *Record {
	authRetried := false

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		rec.Attempts = attempt
		res := d.sender.Send(ctx, *msg, cfg.APIKey)
		metrics.DeliveryAttempts.WithLabelValues(string(res.Outcome)).Inc()

		switch res.Outcome {
		case OutcomeSent:
			rec.Stage = StageDelivered
			rec.ProviderMessageID = res.ProviderMessageID
			if err := d.markers.MarkDelivered(ctx, idempotency.Marker{
				ContentHash:       art.ContentHash,
				Key:               art.Ref.Key,
				ProviderMessageID: res.ProviderMessageID,
				DeliveredAt:       d.now().UTC(),
			}); err != nil {
				d.log.Error("mark delivered failed", "key", art.Ref.Key, "error", err)
			}
			d.emit(rec)
			return rec

		case OutcomeTerminal:
			return d.exhaust(rec, StageDeliveryAttempted, errors.New(res.ErrorDetail))

		case OutcomeRetryable:
			if res.AuthFailure() {
				if authRetried {
					return d.exhaust(rec, StageDeliveryAttempted, errors.New(res.ErrorDetail))
				}
				authRetried = true
				d.resolver.Invalidate()
				fresh, err := d.resolver.Resolve(ctx)
				if err != nil {
					return d.exhaust(rec, StageDeliveryAttempted, err)
				}
				cfg = fresh
				// Recipients may have changed with the credential; rebuild.
				rebuilt, err := d.builder.Build(ctx, art, cfg)
				if err != nil {
					return d.exhaust(rec, StageDeliveryAttempted, err)
				}
				msg = rebuilt
				continue
			}
			if attempt == d.cfg.MaxAttempts {
				return d.exhaust(rec, StageDeliveryAttempted, errors.New(res.ErrorDetail))
			}
			wait := backoff(d.cfg.BackoffBaseSeconds, attempt)
			d.log.Warn("delivery failed, backing off",
				"key", art.Ref.Key,
				"attempt", attempt,
				"wait", wait.String(),
				"detail", res.ErrorDetail,
			)
			if err := d.sleep(ctx, wait); err != nil {
				// Host terminated mid-retry: the next at-least-once redelivery
				// resumes from RECEIVED; validation is cheap and idempotent.
				return d.exhaust(rec, StageDeliveryAttempted, err)
			}
		}
	}
	return d.exhaust(rec, StageDeliveryAttempted, errors.New("retry attempts exhausted"))
}

func (d *Dispatcher) exhaust(rec *Record, at Stage, cause error) *Record {
	rec.Stage = StageExhausted
	rec.FailedAt = at
	rec.Cause = cause.Error()
	d.emit(rec)
	return rec
}

// emit publishes the structured outcome record: one log line and one counter
// increment per terminal dispatch, regardless of which terminal state.
func (d *Dispatcher) emit(rec *Record) {
	state := "delivered"
	switch {
	case rec.Duplicate:
		state = "duplicate"
	case rec.Stage == StageExhausted:
		state = "exhausted"
	}
	metrics.DispatchOutcomes.WithLabelValues(state).Inc()

	if rec.Stage == StageDelivered {
		d.log.Info("report dispatch delivered",
			"record_id", rec.ID,
			"bucket", rec.Bucket,
			"key", rec.Key,
			"content_hash", rec.ContentHash,
			"attempts", rec.Attempts,
			"provider_message_id", rec.ProviderMessageID,
			"duplicate", rec.Duplicate,
		)
		return
	}
	d.log.Error("report dispatch exhausted",
		"record_id", rec.ID,
		"bucket", rec.Bucket,
		"key", rec.Key,
		"content_hash", rec.ContentHash,
		"failed_at", string(rec.FailedAt),
		"attempts", rec.Attempts,
		"cause", rec.Cause,
	)
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
