package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
	"github.com/loqalabs/loqa-translate/internal/eventstore"
	"github.com/loqalabs/loqa-translate/internal/gateway"
	"github.com/loqalabs/loqa-translate/internal/llm"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	handler       http.Handler
	httpServer    *http.Server
	telemetryStop func(context.Context) error
	store         *eventstore.Store
	gateway       *gateway.Gateway
	voice         *voiceStack
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start serves until ctx is cancelled, then shuts every component down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		cancel()
		return errors.Join(err, r.shutdown(context.Background()))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return errors.Join(fmt.Errorf("listen on %s: %w", addr, err), r.shutdown(context.Background()))
	}
	r.httpServer = &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()), slog.Bool("voice", r.voice != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	var errs []error
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	errs = append(errs, r.shutdown(shutdownCtx))
	return errors.Join(errs...)
}

// setup builds every component and the HTTP handler without listening.
func (r *Runtime) setup(ctx context.Context) error {
	telemetryStop, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetryStop = telemetryStop

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if r.cfg.EventStore.RetentionMode != "ephemeral" {
		r.wg.Add(1)
		go r.runPrune(ctx)
	}

	gen, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm backend: %w", err)
	}
	if r.cfg.LLM.Mode == "openai" && r.cfg.LLM.APIKey == "" {
		r.logger.Warn("OPENAI_API_KEY is not set; every translation will fail")
	}
	r.gateway = gateway.New(gen, llm.OptionsFromConfig(r.cfg.LLM), store, r.logger)

	var audit gateway.AuditReader
	if r.cfg.EventStore.RetentionMode != "ephemeral" {
		audit = store
	}
	mux := http.NewServeMux()
	gateway.NewHandler(r.gateway, audit, r.cfg.HTTP.MaxBodyBytes, r.logger).Register(mux)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle(r.cfg.Telemetry.MetricsPath, metricsHandler)
	r.handler = loggingMiddleware(mux, r.logger.With(slog.String("component", "http")))

	if r.cfg.NeedsBus() {
		stack, err := startVoiceStack(ctx, r.cfg, r.gateway, r.logger)
		if err != nil {
			return fmt.Errorf("start voice stack: %w", err)
		}
		r.voice = stack
	}
	return nil
}

// shutdown releases what setup built. Background loops must already have
// seen their context cancelled.
func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	if r.voice != nil {
		r.voice.Close()
	}
	r.wg.Wait()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.telemetryStop != nil {
		if err := r.telemetryStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) runPrune(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.voice == nil || r.voice.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
