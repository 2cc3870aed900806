// Package dispatcher runs the fixed pool of synthesis workers. Workers claim
// jobs from the registry, call the provider outside any lock, publish the
// audio to the cache and report the outcome back to the registry.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/loqalabs/loqa-voice/internal/jobs"
	"github.com/loqalabs/loqa-voice/internal/observe"
	"github.com/loqalabs/loqa-voice/internal/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loqalabs/loqa-voice/internal/dispatcher"

type Config struct {
	Concurrency    int
	AttemptTimeout time.Duration
	Params         fingerprint.Params
}

// Recorder receives audit events. eventstore.Store satisfies it.
type Recorder interface {
	Record(eventstore.Event)
}

type Dispatcher struct {
	cfg     Config
	reg     *jobs.Registry
	synth   provider.Synthesizer
	store   *cache.Store
	metrics *observe.Metrics
	events  Recorder
	runID   string
	tracer  trace.Tracer
	log     *slog.Logger

	inFlight atomic.Int64
}

type Option func(*Dispatcher)

func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRecorder sends lifecycle events for every attempt to r, tagged with runID.
func WithRecorder(r Recorder, runID string) Option {
	return func(d *Dispatcher) {
		d.events = r
		d.runID = runID
	}
}

func New(cfg Config, reg *jobs.Registry, synth provider.Synthesizer, store *cache.Store, log *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = time.Minute
	}
	d := &Dispatcher{
		cfg:    cfg,
		reg:    reg,
		synth:  synth,
		store:  store,
		tracer: otel.Tracer(tracerName),
		log:    log.With(slog.String("component", "dispatcher")),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics, _ = observe.NewMetrics(noop.NewMeterProvider())
	}
	return d
}

// InFlight is the number of provider calls currently running.
func (d *Dispatcher) InFlight() int { return int(d.inFlight.Load()) }

// Concurrency is the size of the worker pool.
func (d *Dispatcher) Concurrency() int { return d.cfg.Concurrency }

// Run starts the workers and blocks until ctx is done and every worker has
// finished its current attempt.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", slog.Int("workers", d.cfg.Concurrency))
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	d.log.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	log := d.log.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		if job, ok := d.reg.ClaimNext(d.cfg.Concurrency - d.InFlight()); ok {
			d.process(ctx, log, job)
			continue
		}

		var timer *time.Timer
		var wake <-chan time.Time
		if wait, ok := d.reg.NextWake(); ok {
			timer = time.NewTimer(wait)
			wake = timer.C
		}
		select {
		case <-ctx.Done():
		case <-d.reg.Ready():
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, log *slog.Logger, job jobs.Job) {
	attemptID := uuid.NewString()
	ctx, span := d.tracer.Start(ctx, "synthesis.attempt", trace.WithAttributes(
		attribute.String("voice.key", job.Key.String()),
		attribute.String("voice.priority", job.Priority.String()),
		attribute.Int("voice.attempt", job.Attempt),
	))
	defer span.End()

	log = log.With(
		slog.String("key", job.Key.Short()),
		slog.String("priority", job.Priority.String()),
		slog.Int("attempt", job.Attempt),
		slog.String("attempt_id", attemptID))
	d.record(eventstore.Event{JobKey: job.Key.String(), AttemptID: attemptID, Type: eventstore.TypeClaimed, Priority: job.Priority.String(), Attempt: job.Attempt})

	// A previous process may already have produced this artifact.
	if d.store.Has(job.Key) {
		d.metrics.RecordCacheHit(ctx, "dispatcher")
		d.finish(ctx, log, span, job, attemptID, jobs.Outcome{}, 0)
		return
	}

	d.inFlight.Add(1)
	d.metrics.InFlight.Add(ctx, 1)
	started := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	data, err := d.synth.Synthesize(attemptCtx, job.Text, d.cfg.Params)
	cancel()
	elapsed := time.Since(started)
	d.inFlight.Add(-1)
	d.metrics.InFlight.Add(ctx, -1)

	var out jobs.Outcome
	if err != nil {
		out = jobs.Outcome{Err: err, Kind: providerKind(err)}
	} else if entry, err := d.store.Put(job.Key, data); err != nil {
		out = jobs.Outcome{Err: err, Kind: storageKind(err)}
	} else {
		d.metrics.ArtifactBytes.Add(ctx, entry.Size)
	}
	d.finish(ctx, log, span, job, attemptID, out, elapsed)
}

func (d *Dispatcher) finish(ctx context.Context, log *slog.Logger, span trace.Span, job jobs.Job, attemptID string, out jobs.Outcome, elapsed time.Duration) {
	updated, err := d.reg.Complete(job.Key, out)
	if err != nil {
		log.Error("failed to complete job", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, err.Error())
		return
	}

	evt := eventstore.Event{
		JobKey:    job.Key.String(),
		AttemptID: attemptID,
		Priority:  job.Priority.String(),
		Attempt:   job.Attempt,
	}
	outcome := "completed"
	switch updated.State {
	case jobs.Completed:
		evt.Type = eventstore.TypeCompleted
		log.Info("synthesis completed", slog.Duration("elapsed", elapsed))
	case jobs.Queued:
		outcome = out.Kind.String()
		evt.Type = eventstore.TypeRetryScheduled
		evt.ErrorKind = out.Kind.String()
		evt.Detail = out.Err.Error()
		span.RecordError(out.Err)
		log.Warn("synthesis attempt failed, retry scheduled",
			slog.String("error", out.Err.Error()),
			slog.String("kind", out.Kind.String()),
			slog.Time("not_before", updated.NotBefore))
	case jobs.Failed:
		outcome = updated.LastKind.String()
		evt.Type = eventstore.TypeFailed
		evt.ErrorKind = updated.LastKind.String()
		evt.Detail = updated.LastError
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, updated.LastKind.String())
		log.Error("synthesis failed",
			slog.String("error", updated.LastError),
			slog.String("kind", updated.LastKind.String()))
	}
	if elapsed > 0 {
		d.metrics.RecordAttempt(ctx, job.Priority.String(), outcome, elapsed.Seconds())
	}
	d.record(evt)
}

func (d *Dispatcher) record(evt eventstore.Event) {
	if d.events == nil {
		return
	}
	evt.RunID = d.runID
	d.events.Record(evt)
}

func providerKind(err error) jobs.ErrKind {
	switch provider.KindOf(err) {
	case provider.KindTimeout:
		return jobs.KindProviderTimeout
	case provider.KindRejected:
		return jobs.KindProviderRejected
	case provider.KindBadResponse:
		return jobs.KindProviderBadResponse
	default:
		// Unclassified transport failures, including cancellation at
		// shutdown, are treated as transient.
		return jobs.KindProviderUnreachable
	}
}

func storageKind(err error) jobs.ErrKind {
	if errors.Is(err, cache.ErrStorageRead) {
		return jobs.KindStorageRead
	}
	return jobs.KindStorageWrite
}
