// Package listener turns client signals into registry submissions. It
// answers every request immediately; nothing here waits for synthesis.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/loqalabs/loqa-voice/internal/jobs"
	"github.com/loqalabs/loqa-voice/internal/observe"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric/noop"
)

var errEmptyText = errors.New("text must not be empty")

// Observer receives position hints for the prefetch walker.
type Observer interface {
	Observe(text string)
}

// Recorder receives audit events. eventstore.Store satisfies it.
type Recorder interface {
	Record(eventstore.Event)
}

type Listener struct {
	reg     *jobs.Registry
	store   *cache.Store
	params  fingerprint.Params
	digest  string
	walker  Observer
	metrics *observe.Metrics
	events  Recorder
	runID   string
	log     *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

type Option func(*Listener)

func WithObserver(o Observer) Option {
	return func(l *Listener) { l.walker = o }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

func WithRecorder(r Recorder, runID string) Option {
	return func(l *Listener) {
		l.events = r
		l.runID = runID
	}
}

// New builds a listener that fingerprints requests with params, the
// server's own synthesis parameters.
func New(reg *jobs.Registry, store *cache.Store, params fingerprint.Params, log *slog.Logger, opts ...Option) *Listener {
	l := &Listener{
		reg:    reg,
		store:  store,
		params: params,
		digest: params.Digest(),
		log:    log.With(slog.String("component", "listener")),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics, _ = observe.NewMetrics(noop.NewMeterProvider())
	}
	return l
}

// Generate handles a cache miss reported by a client. It submits an
// on-demand job unless the artifact already exists.
func (l *Listener) Generate(ctx context.Context, req protocol.VoiceRequest, source string) protocol.Ack {
	ack := protocol.Ack{ID: uuid.NewString()}
	text := fingerprint.Normalize(req.Text)
	if text == "" {
		ack.Status = protocol.StatusRejected
		ack.Error = errEmptyText.Error()
		return ack
	}
	key := l.resolveKey(req, text)
	ack.Key = key.String()
	ack.Accepted = true

	if l.walker != nil {
		l.walker.Observe(text)
	}
	if l.store.Has(key) {
		l.metrics.RecordCacheHit(ctx, source)
		ack.Status = protocol.StatusCached
		return ack
	}

	res := l.reg.Submit(key, text, jobs.OnDemand, source)
	l.metrics.RecordSubmission(ctx, source, jobs.OnDemand.String(), res.IsNew)
	if res.IsNew {
		l.record(eventstore.Event{JobKey: key.String(), Type: eventstore.TypeSubmitted, Priority: jobs.OnDemand.String()})
		l.log.Info("voice requested", slog.String("key", key.Short()), slog.String("source", source))
	}
	ack.Status = status(res.Job.State)
	return ack
}

// Hit records that a client served text from its cache.
func (l *Listener) Hit(ctx context.Context, req protocol.VoiceRequest, source string) {
	text := fingerprint.Normalize(req.Text)
	if text == "" {
		return
	}
	key := l.resolveKey(req, text)
	l.metrics.RecordCacheHit(ctx, source)
	l.record(eventstore.Event{JobKey: key.String(), Type: eventstore.TypeCacheHit, Detail: source})
	if l.walker != nil {
		l.walker.Observe(text)
	}
}

// resolveKey fingerprints text with the server's parameters. Clients
// configured differently are still served, but the drift is logged because
// their cache lookups will keep missing.
func (l *Listener) resolveKey(req protocol.VoiceRequest, text string) fingerprint.Key {
	key := fingerprint.Compute(text, l.params)
	if req.ParamsDigest != "" && req.ParamsDigest != l.digest {
		l.log.Warn("client parameters differ from server",
			slog.String("client_digest", req.ParamsDigest),
			slog.String("server_digest", l.digest))
	} else if req.Key != "" && req.Key != key.String() {
		l.log.Warn("client key differs from server key",
			slog.String("client_key", req.Key),
			slog.String("server_key", key.String()))
	}
	return key
}

// Subscribe attaches the NATS handlers.
func (l *Listener) Subscribe(conn *nats.Conn) error {
	gen, err := conn.Subscribe(protocol.SubjectVoiceGenerate, l.handleGenerate)
	if err != nil {
		return err
	}
	hit, err := conn.Subscribe(protocol.SubjectVoiceHit, l.handleHit)
	if err != nil {
		_ = gen.Unsubscribe()
		return err
	}
	l.mu.Lock()
	l.subs = append(l.subs, gen, hit)
	l.mu.Unlock()
	l.log.Info("listening", slog.String("generate", protocol.SubjectVoiceGenerate), slog.String("hit", protocol.SubjectVoiceHit))
	return nil
}

func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		_ = sub.Drain()
	}
	l.subs = nil
}

func (l *Listener) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		if !sub.IsValid() {
			return false
		}
	}
	return len(l.subs) > 0
}

func (l *Listener) handleGenerate(msg *nats.Msg) {
	var req protocol.VoiceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		l.log.Warn("failed to decode voice request", slog.String("error", err.Error()))
		l.respond(msg, protocol.Ack{ID: uuid.NewString(), Status: protocol.StatusRejected, Error: err.Error()})
		return
	}
	l.respond(msg, l.Generate(context.Background(), req, "nats"))
}

func (l *Listener) handleHit(msg *nats.Msg) {
	var req protocol.VoiceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		l.log.Warn("failed to decode hit notification", slog.String("error", err.Error()))
		return
	}
	l.Hit(context.Background(), req, "nats")
	l.respond(msg, protocol.Ack{ID: uuid.NewString(), Status: protocol.StatusCached, Accepted: true})
}

func (l *Listener) respond(msg *nats.Msg, ack protocol.Ack) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		l.log.Warn("failed to marshal ack", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		l.log.Warn("failed to send ack", slog.String("error", err.Error()))
	}
}

func (l *Listener) record(evt eventstore.Event) {
	if l.events == nil {
		return
	}
	evt.RunID = l.runID
	l.events.Record(evt)
}

func status(s jobs.State) string {
	switch s {
	case jobs.InFlight:
		return protocol.StatusInFlight
	case jobs.Completed:
		return protocol.StatusCompleted
	case jobs.Failed:
		return protocol.StatusFailed
	default:
		return protocol.StatusQueued
	}
}
