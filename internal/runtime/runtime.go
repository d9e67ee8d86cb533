package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-avatar/internal/backends"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/chat"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/configagg"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/httpapi"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/playback"
	"github.com/loqalabs/loqa-avatar/internal/rag"
	"github.com/loqalabs/loqa-avatar/internal/router"
	"github.com/loqalabs/loqa-avatar/internal/skins"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/telemetry"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	metrics   *telemetry.Metrics
	playback  *playback.Service
	processor *pipeline.Processor
	chat      *chat.Service
	router    *router.Service
	recorder  *stt.Service
	backends  *backends.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves HTTP until ctx is cancelled and
// then shuts down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.metrics, err = telemetry.New(otel.GetMeterProvider())
	if err != nil {
		r.logger.Warn("failed to create pipeline instruments", slogError(err))
	}

	handler, err := r.build(ctx, metricsHandler)
	if err != nil {
		cancel()
		r.wg.Wait()
		r.shutdown()
		_ = r.tracerClose(context.Background())
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
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("pipeline_mode", r.cfg.Pipeline.Mode),
		slog.String("pipeline_backend", r.cfg.Pipeline.Backend))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.shutdown()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}

	return nil
}

func (r *Runtime) build(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats: %w", err)
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.wg.Add(1)
	go r.runPrune(ctx)

	clients, err := newServiceClients(r.cfg.Services, r.logger)
	if err != nil {
		return nil, err
	}

	r.playback = playback.NewService(ctx, r.cfg.Playback, r.logger)
	r.playback.Queue.OnChange(func(depth int) { r.metrics.QueueDepth(ctx, depth) })
	r.playback.Hub.OnDrop(func() { r.metrics.DroppedFrame(ctx) })
	if err := r.playback.Start(); err != nil {
		return nil, fmt.Errorf("start playback: %w", err)
	}

	predictor := r.playback.Predictor()
	r.processor, err = pipeline.NewProcessor(ctx, pipeline.Options{
		Config:    r.cfg.Pipeline,
		Synth:     newSynth(r.cfg.Pipeline, clients.tts),
		Lipsync:   newLipsync(r.cfg.Pipeline, r.cfg.Playback, clients.lipsync),
		Clips:     r.playback.Queue,
		Audio:     r.playback.Audio,
		Predictor: &predictor,
		Position:  r.playback.Renderer.Position,
		Bus:       r.bus,
		Metrics:   r.metrics,
		Logger:    r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	if err := r.processor.Start(); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	configs := configagg.New(clients.stt, clients.llm, clients.tts, clients.lipsync, r.logger)
	r.chat = chat.NewService(ctx, chat.Options{
		LLMConfig:   r.cfg.LLM,
		TurnsConfig: r.cfg.Turns,
		Generator:   newGenerator(r.cfg.LLM, clients.llm),
		Processor:   r.processor,
		Playback:    r.playback,
		Store:       r.store,
		Configs:     configs,
		Bus:         r.bus,
		Metrics:     r.metrics,
		Logger:      r.logger,
	})

	r.router, err = router.NewService(ctx, r.cfg.Router, r.bus, r.chat, r.logger)
	if err != nil {
		return nil, err
	}
	if err := r.router.Start(); err != nil {
		return nil, fmt.Errorf("start router: %w", err)
	}

	transcriber := newTranscriber(r.cfg.Pipeline, clients.stt)
	r.recorder = stt.NewService(ctx, r.cfg.Recorder, r.bus, transcriber, r.logger)
	if err := r.recorder.Start(); err != nil {
		return nil, fmt.Errorf("start recorder: %w", err)
	}

	var backendView httpapi.BackendView
	if r.cfg.Backends.Enabled {
		r.backends, err = backends.NewRegistry(ctx, r.cfg.Backends, clients.probers(), r.bus, r.metrics, r.logger)
		if err != nil {
			return nil, fmt.Errorf("create backend registry: %w", err)
		}
		r.backends.Start()
		backendView = r.backends
	}

	return httpapi.New(httpapi.Options{
		Chat:        r.chat,
		Configs:     configs,
		Skins:       skins.New(r.cfg.Skins.Directory),
		RAG:         rag.New(clients.llm, r.logger),
		Transcriber: transcriber,
		Results:     r.store,
		Timeline:    r.store,
		Player:      r.playback,
		Backends:    backendView,
		Metrics:     metricsHandler,
		Telemetry:   r.metrics,
		Checkers:    r.checkers(),
		Logger:      r.logger,
	}), nil
}

func (r *Runtime) checkers() []httpapi.Checker {
	check := func(name string, ok func(ctx context.Context) bool) httpapi.Checker {
		return httpapi.Checker{Name: name, Check: func(ctx context.Context) error {
			if !ok(ctx) {
				return fmt.Errorf("%s unavailable", name)
			}
			return nil
		}}
	}
	return []httpapi.Checker{
		check("runtime", func(context.Context) bool { return r.ready.Load() }),
		check("bus", func(context.Context) bool { return r.bus.Healthy() }),
		check("store", r.store.Healthy),
		check("pipeline", func(context.Context) bool { return r.processor.Healthy() }),
		check("playback", func(context.Context) bool { return r.playback.Healthy() }),
		check("router", func(context.Context) bool { return r.router.Healthy() }),
		check("recorder", func(context.Context) bool { return r.recorder.Healthy() }),
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("event store prune failed", slogError(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// shutdown closes whatever build managed to start, consumers first.
func (r *Runtime) shutdown() {
	if r.backends != nil {
		r.backends.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.chat != nil {
		r.chat.Close()
	}
	if r.processor != nil {
		r.processor.Close()
	}
	if r.playback != nil {
		r.playback.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
