package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/cache"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/dispatcher"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/loqalabs/loqa-voice/internal/jobs"
	"github.com/loqalabs/loqa-voice/internal/listener"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/observe"
	"github.com/loqalabs/loqa-voice/internal/prefetch"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/provider"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	runID  string

	bus      *bus.Client
	listener *listener.Listener
	presence *presence.Presence
	events   *eventstore.Store
	registry *jobs.Registry
	started  chan string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		runID:   uuid.NewString(),
		started: make(chan string, 1),
	}
}

// Started yields the HTTP listen address once the server is accepting
// requests. It yields an empty string when HTTP is disabled.
func (r *Runtime) Started() <-chan string { return r.started }

// Registry exposes the job registry for inspection.
func (r *Runtime) Registry() *jobs.Registry { return r.registry }

// Start brings every component up and blocks until ctx is cancelled or one
// of them fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		defer srv.Shutdown()
		busCfg.Servers = []string{srv.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	defer r.bus.Close()

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer events.Close()
	if err := events.Ensure(); err != nil {
		return err
	}
	r.events = events
	if err := events.AppendRun(ctx, r.runID, r.cfg.RuntimeName); err != nil {
		r.logger.Warn("failed to record run", slog.String("error", err.Error()))
	}

	params := r.cfg.Provider.Params
	store, err := cache.Open(r.cfg.Cache.Dir, params.MediaType, r.logger)
	if err != nil {
		return err
	}
	synth, err := provider.New(r.cfg.Provider, r.logger)
	if err != nil {
		return err
	}

	dc := r.cfg.Dispatcher
	r.registry = jobs.NewRegistry(jobs.Options{
		Retry: jobs.RetryPolicy{
			MaxAttempts: dc.MaxAttempts,
			Base:        time.Duration(dc.RetryBaseMS) * time.Millisecond,
			Max:         time.Duration(dc.RetryMaxMS) * time.Millisecond,
		},
		Retention:         time.Duration(dc.RetentionMS) * time.Millisecond,
		FailureRetention:  time.Duration(dc.FailureRetentionMS) * time.Millisecond,
		RetentionCapacity: dc.RetentionCapacity,
		MaxInFlight:       dc.Concurrency,
	}, r.logger)

	disp := dispatcher.New(dispatcher.Config{
		Concurrency:    dc.Concurrency,
		AttemptTimeout: time.Duration(r.cfg.Provider.TimeoutMS) * time.Millisecond,
		Params:         params,
	}, r.registry, synth, store, r.logger,
		dispatcher.WithMetrics(metrics),
		dispatcher.WithRecorder(events, r.runID))

	listenerOpts := []listener.Option{
		listener.WithMetrics(metrics),
		listener.WithRecorder(events, r.runID),
	}
	var walker *prefetch.Walker
	if pc := r.cfg.Prefetch; pc.Enabled && pc.TextListPath != "" {
		lines, err := prefetch.LoadTextList(pc.TextListPath)
		if err != nil {
			return err
		}
		walker = prefetch.New(prefetch.Config{
			Count:         pc.Count,
			RatePerSecond: pc.RatePerSecond,
			QueueMultiple: pc.QueueMultiple,
			IdleInterval:  time.Duration(pc.IdleIntervalMS) * time.Millisecond,
			Concurrency:   dc.Concurrency,
		}, lines, r.registry, store, params, r.logger, prefetch.WithMetrics(metrics))
		listenerOpts = append(listenerOpts, listener.WithObserver(walker))
		r.logger.Info("prefetch enabled", slog.String("text_list", pc.TextListPath), slog.Int("lines", len(lines)))
	}

	r.listener = listener.New(r.registry, store, params, r.logger, listenerOpts...)
	if err := r.listener.Subscribe(r.bus.Conn()); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer r.listener.Close()

	r.presence, err = presence.New(r.cfg.Presence, protocol.ServerInfo{
		ServerID:     r.runID,
		Name:         r.cfg.RuntimeName,
		ParamsDigest: params.Digest(),
		MediaType:    params.MediaType,
		CacheDir:     store.Dir(),
		Provider:     r.cfg.Provider.Mode,
		Concurrency:  dc.Concurrency,
	}, r.bus.Conn(), r.registry.Stats, r.logger)
	if err != nil {
		return err
	}
	defer r.presence.Close()

	var servers []*boundServer
	if r.cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", r.handleHealth)
		mux.HandleFunc("/readyz", r.handleReady)
		if metricsHandler != nil {
			mux.Handle("/metrics", metricsHandler)
		}
		mux.HandleFunc("GET /v1/servers", r.handleServers)
		mux.HandleFunc("GET /v1/jobs/{key}/events", r.handleJobEvents)
		r.listener.Routes(mux)
		srv, err := r.bind(fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port), mux)
		if err != nil {
			return err
		}
		servers = append(servers, srv)
	}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		srv, err := r.bind(bind, mux)
		if err != nil {
			r.logger.Warn("metrics server disabled", slog.String("error", err.Error()))
		} else {
			servers = append(servers, srv)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return r.presence.Run(gctx) })
	if walker != nil {
		g.Go(func() error { return walker.Run(gctx) })
	}
	for _, srv := range servers {
		g.Go(func() error { return r.serve(srv) })
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	if r.cfg.HTTP.Enabled {
		r.started <- servers[0].Addr
	} else {
		r.started <- ""
	}
	r.logger.Info("runtime started",
		slog.String("run_id", r.runID),
		slog.String("provider", r.cfg.Provider.Mode),
		slog.Int("concurrency", dc.Concurrency),
		slog.String("cache_dir", store.Dir()))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

type boundServer struct {
	*http.Server
	ln net.Listener
}

// bind opens the socket up front so port errors surface before any
// component starts.
func (r *Runtime) bind(addr string, handler http.Handler) (*boundServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &boundServer{Server: srv, ln: ln}, nil
}

func (r *Runtime) serve(srv *boundServer) error {
	r.logger.Info("http listening", slog.String("addr", srv.Addr))
	if err := srv.Serve(srv.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.listener.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type serverStatus struct {
	protocol.ServerInfo
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

func (r *Runtime) handleServers(w http.ResponseWriter, _ *http.Request) {
	peers := r.presence.Peers(nil)
	out := make([]serverStatus, 0, len(peers))
	for _, p := range peers {
		out = append(out, serverStatus{ServerInfo: p.Info, LastSeen: p.LastSeen, Healthy: p.Healthy})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (r *Runtime) handleJobEvents(w http.ResponseWriter, req *http.Request) {
	key := fingerprint.Key(req.PathValue("key"))
	if !key.Valid() {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	events, err := r.events.ListJobEvents(req.Context(), key.String(), 100)
	if err != nil {
		r.logger.Error("failed to list job events", slog.String("error", err.Error()))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}
