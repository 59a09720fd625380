package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romatekai/romatek-voice/internal/audit"
	"github.com/romatekai/romatek-voice/internal/blog"
	"github.com/romatekai/romatek-voice/internal/bus"
	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/romatekai/romatek-voice/internal/contact"
	"github.com/romatekai/romatek-voice/internal/credential"
	"github.com/romatekai/romatek-voice/internal/eventstore"
	"github.com/romatekai/romatek-voice/internal/httpapi"
	"github.com/romatekai/romatek-voice/internal/llm"
	"github.com/romatekai/romatek-voice/internal/natsserver"
	"github.com/romatekai/romatek-voice/internal/presence"
	"github.com/romatekai/romatek-voice/internal/ratelimit"
)

// Runtime is the romatekd process: credential minting, the site API and the
// audit recorder behind one HTTP server.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	traceOut   io.Writer
	httpServer *http.Server
	telemetry  *Telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	recorder *audit.Recorder
	presence *presence.Registry
	blog     *blog.Store
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// WithTraceOutput sets where spans are written when no OTLP endpoint is set.
func (r *Runtime) WithTraceOutput(w io.Writer) *Runtime {
	r.traceOut = w
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetry, err := SetupTelemetry(r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = telemetry
	defer r.shutdown()

	handler, err := r.build(ctx)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	var metricsServer *http.Server
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr && r.telemetry.MetricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", r.telemetry.MetricsHandler)
		metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	r.wg.Wait()
	return nil
}

// build starts the backing services and returns the root HTTP handler.
func (r *Runtime) build(ctx context.Context) (http.Handler, error) {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return nil, err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.recorder = audit.NewRecorder(ctx, r.bus, r.events, r.logger)
	if err := r.recorder.Start(); err != nil {
		return nil, err
	}

	r.presence, err = presence.NewRegistry(ctx, r.cfg.Presence, r.bus, r.logger)
	if err != nil {
		return nil, err
	}

	r.blog, err = blog.Open(ctx, r.cfg.Blog.Path, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open blog store: %w", err)
	}

	mailer, err := contact.NewMailer(r.cfg.Contact, r.logger)
	if err != nil {
		return nil, err
	}
	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return nil, err
	}
	minter, err := credential.NewMinter(r.cfg.Realtime)
	if err != nil {
		return nil, err
	}

	llmTimeout := time.Duration(r.cfg.LLM.TimeoutMS) * time.Millisecond
	api := httpapi.New(httpapi.Deps{
		Blog:       r.blog,
		Contact:    contact.NewService(r.cfg.Contact, mailer, r.logger),
		Supervisor: llm.NewSupervisor(r.cfg.LLM, generator, r.logger),
		Responses:  llm.NewResponsesClient(r.cfg.LLM.Endpoint, r.cfg.LLM.APIKey, llmTimeout),
		Budget:     llm.NewBudget(r.cfg.LLM.DailyTokenLimit, llm.DefaultBudgetWindow, nil),
		Events:     r.events,
		Presence:   r.presence,
		Logger:     r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("GET /session", credential.NewHandler(minter, r.logger))
	if r.telemetry.MetricsHandler != nil {
		mux.Handle("/metrics", r.telemetry.MetricsHandler)
	}
	api.Register(mux)

	limiter := ratelimit.NewMiddleware(r.cfg.RateLimit, r.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		limiter.Run(ctx)
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	return limiter.Wrap(mux), nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases everything build acquired, in reverse order.
func (r *Runtime) shutdown() {
	if r.blog != nil {
		_ = r.blog.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.events != nil {
		_ = r.events.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// Healthy reports whether the bus and audit recorder are usable.
func (r *Runtime) Healthy() bool {
	if r.cfg.Bus.Embedded && !r.nats.Running() {
		return false
	}
	return r.ready.Load() && r.bus.Healthy() && r.recorder != nil && r.recorder.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
