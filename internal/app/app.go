// Package app wires the DAWN daemon's subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the HTTP listener and blocks until the context is
// cancelled, and Shutdown tears everything down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/malcolmhoward/dawn/internal/config"
	"github.com/malcolmhoward/dawn/internal/dispatch"
	"github.com/malcolmhoward/dawn/internal/health"
	"github.com/malcolmhoward/dawn/internal/observe"
	"github.com/malcolmhoward/dawn/internal/protocol"
	"github.com/malcolmhoward/dawn/internal/resilience"
	"github.com/malcolmhoward/dawn/internal/respqueue"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/worker"
	"github.com/malcolmhoward/dawn/pkg/memory/postgres"
)

// App owns every subsystem's lifetime and exposes the daemon's HTTP surface
// (the satellite/WebUI WebSocket endpoint plus health checks).
type App struct {
	cfg       *config.Config
	providers *Providers

	registry   *session.Registry
	queue      *respqueue.Queue
	pool       *worker.Pool
	dispatcher *dispatch.Dispatcher
	metrics    *observe.Metrics
	server     *http.Server

	memStore *postgres.Store

	historyStoreOverride session.HistoryStore

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New, used in tests to inject collaborators
// that would otherwise be built from cfg.
type Option func(*App)

// WithHistoryStore overrides the session.HistoryStore New would otherwise
// build from cfg.Memory.PostgresDSN.
func WithHistoryStore(store session.HistoryStore) Option {
	return func(a *App) { a.historyStoreOverride = store }
}

// New wires every daemon subsystem together: the session registry, response
// queue, worker pool (driven by the provider pipeline), dispatcher, metrics,
// and HTTP server. It does not start the listener; call Run for that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	logger := slog.Default()

	metrics, err := a.initMetrics()
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	historyStore := a.historyStoreOverride
	if historyStore == nil && cfg.Memory.PostgresDSN != "" {
		dims := cfg.Memory.EmbeddingDimensions
		if dims == 0 {
			dims = 1536
		}
		store, err := postgres.NewStore(ctx, cfg.Memory.PostgresDSN, dims)
		if err != nil {
			return nil, fmt.Errorf("app: connect memory store: %w", err)
		}
		a.memStore = store
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		historyStore = newPostgresHistoryStore(store, providers.Embeddings, logger)
	}

	regOpts := []session.Option{
		session.WithTimeout(time.Duration(cfg.Session.TimeoutSeconds) * time.Second),
		session.WithTokenTableSize(cfg.Session.TokenTableSize),
		session.WithLogger(logger),
	}
	if historyStore != nil {
		regOpts = append(regOpts, session.WithHistoryStore(historyStore))
	}
	a.registry = session.NewRegistry(regOpts...)

	a.queue = respqueue.New(
		respqueue.WithCapacity(cfg.Queue.Capacity),
		respqueue.WithLogger(logger),
	)

	sink := &sinkRef{}
	deps := pipelineDeps{
		llm:       providers.LLM,
		asrProv:   providers.ASR,
		ttsProv:   providers.TTS,
		queue:     a.queue,
		sink:      sink,
		corrector: newCorrectionPipeline(providers.LLM),
		metrics:   metrics,
		logger:    logger,
	}
	pipeline := buildPipeline(deps, time.Duration(cfg.Worker.LLMTimeoutSeconds)*time.Second)
	pipeline.OnResult = a.onPipelineResult
	if cfg.Providers.LLM.Name != "" {
		pipeline.Breaker = newLLMBreaker(cfg.Providers.LLM.Name)
	}

	a.pool = worker.New(cfg.Worker.PoolSize, pipeline, a.registry.Release, logger)

	a.dispatcher = dispatch.New(a.registry, a.queue,
		dispatch.WithLogger(logger),
		dispatch.WithWorkSubmitter(a.pool),
		dispatch.WithMetrics(metrics),
	)
	sink.Set(a.dispatcher)

	mux := http.NewServeMux()
	mux.Handle("/ws", a.dispatcher.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "daemon", Check: func(context.Context) error { return nil }},
	).Register(mux)

	handler := http.Handler(mux)
	if metrics != nil {
		handler = observe.Middleware(metrics)(handler)
	}

	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
	}

	return a, nil
}

// initMetrics sets up the Prometheus exporter and OTel metric provider that
// back observe.Metrics; metrics are considered best-effort and a failure here
// is surfaced, not fatal to daemon startup, by the caller choosing to ignore
// a nil *observe.Metrics if desired. Currently New treats it as fatal because
// an exporter failure at startup usually indicates a misconfigured process.
func (a *App) initMetrics() (*observe.Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	a.closers = append(a.closers, func(ctx context.Context) error {
		return provider.Shutdown(ctx)
	})
	return observe.NewMetrics(provider)
}

// onPipelineResult is Pipeline.OnResult: it translates a finished (or failed)
// work item into respqueue entries the dispatcher streams to the client.
func (a *App) onPipelineResult(item worker.Item, text string, err error) {
	sess := item.Session
	if err == nil {
		return
	}

	code, recoverable := classifyPipelineError(err)
	a.queue.Enqueue(respqueue.Entry{
		Kind:             respqueue.KindError,
		SessionID:        sess.ID,
		ErrorCode:        code,
		ErrorMessage:     err.Error(),
		ErrorRecoverable: recoverable,
	})
}

func classifyPipelineError(err error) (code string, recoverable bool) {
	switch {
	case errors.Is(err, errASRFailed):
		return protocol.ErrASRFailed, true
	case errors.Is(err, errNoLLMConfigured):
		return protocol.ErrLLMError, false
	case errors.Is(err, errLLMFailed):
		return protocol.ErrLLMError, true
	case errors.Is(err, resilience.ErrCircuitOpen):
		return protocol.ErrLLMError, true
	case errors.Is(err, worker.ErrLLMTimeout):
		return protocol.ErrLLMTimeout, true
	default:
		return "INTERNAL_ERROR", true
	}
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// server stops for another reason.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: listening", "addr", a.server.Addr)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown tears down every subsystem in reverse-init order, respecting
// ctx's deadline: remaining closers are skipped if it expires first.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down")

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("app: http server shutdown error", "error", err)
			}
		}
		if a.dispatcher != nil {
			a.dispatcher.Close()
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			closer := a.closers[i]
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("app: closer error", "index", i, "error", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
