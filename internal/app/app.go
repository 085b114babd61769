// Package app wires the listenpipe subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the control loop, the HTTP server and the config
// watcher, and Shutdown tears everything down in order.
//
// For testing, inject engines via [WithProviders]. When no providers are
// injected, New builds them from the config through a [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/listenpipe/internal/config"
	"github.com/MrWong99/listenpipe/internal/health"
	"github.com/MrWong99/listenpipe/internal/listen"
	"github.com/MrWong99/listenpipe/internal/observe"
	"github.com/MrWong99/listenpipe/internal/server"
	"github.com/MrWong99/listenpipe/internal/store/postgres"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	providers  *Providers
	registry   *config.Registry
	metrics    *observe.Metrics
	log        *slog.Logger
	level      *slog.LevelVar
	configPath string
	listener   net.Listener
	observers  []listen.Observer
	scrape     http.Handler

	bus     *listen.Bus
	ctrl    *listen.Controller
	store   *postgres.Store
	health  *health.Handler
	server  *server.Server
	watcher *config.Watcher

	// running is true while the control loop is consuming chunks.
	running atomic.Bool

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects the engines instead of building them from config.
func WithProviders(p *Providers) Option {
	return func(a *App) { a.providers = p }
}

// WithRegistry sets the registry used to build providers from config.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics, normally
// [observe.Telemetry.Handler]. Default: the global Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar hands the app the level variable behind the logger, so a
// config reload can change verbosity.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload by watching the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves HTTP on l instead of listening on the configured
// address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithObserver adds a pipeline event observer next to the event bus and the
// question log.
func WithObserver(o listen.Observer) Option {
	return func(a *App) { a.observers = append(a.observers, o) }
}

// New creates an App by wiring all subsystems together. It builds the
// engines (unless injected), opens the question log when a DSN is set,
// constructs the pipeline controller and the HTTP server, and starts the
// config watcher when a path was given.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	if err := a.initProviders(ctx); err != nil {
		return nil, err
	}
	a.health = health.New(
		health.Checker{Name: "pipeline", Check: a.checkRunning},
		health.Available("stt", a.providers.STTAvailable, false),
		health.Available("llm", a.providers.LLMAvailable, true),
	)

	if err := a.initStore(ctx); err != nil {
		a.closeAll(ctx)
		return nil, err
	}

	a.bus = listen.NewBus()
	a.ctrl = listen.New(a.providers.STT, a.providers.LLM, a.controllerOptions()...)
	a.server = server.New(a.ctrl, a.bus, a.serverOptions()...)

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.reload, config.WithWatcherLogger(a.log))
		if err != nil {
			a.closeAll(ctx)
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

func (a *App) initProviders(ctx context.Context) error {
	if a.providers == nil {
		if a.registry == nil {
			return errors.New("app: no providers injected and no registry configured")
		}
		p, err := BuildProviders(ctx, a.cfg.Providers, a.registry, a.metrics, a.log)
		if err != nil {
			return err
		}
		a.providers = p
	}
	if a.providers.STT == nil || a.providers.LLM == nil {
		return errors.New("app: both an stt and an llm provider are required")
	}
	always := func() bool { return true }
	if a.providers.STTAvailable == nil {
		a.providers.STTAvailable = always
	}
	if a.providers.LLMAvailable == nil {
		a.providers.LLMAvailable = always
	}
	return nil
}

// initStore opens the PostgreSQL question log when a DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		return nil
	}
	s, err := postgres.Open(ctx, dsn,
		postgres.WithQueueSize(a.cfg.Store.QueueSize),
		postgres.WithLogger(a.log),
	)
	if err != nil {
		return fmt.Errorf("app: open question log: %w", err)
	}
	a.store = s
	a.health.Add(health.Checker{Name: "postgres", Check: s.Ping, Optional: true})
	a.closers = append(a.closers, s.Close)
	return nil
}

func (a *App) controllerOptions() []listen.Option {
	p := a.cfg.Pipeline

	refiner := []listen.RefinerOption{
		listen.WithBatchInterval(p.Refiner.Interval),
		listen.WithRefineTimeout(p.Refiner.Timeout),
		listen.WithStructuredOutput(p.Refiner.StructuredOutput()),
	}
	if p.Refiner.Temperature != nil {
		refiner = append(refiner, listen.WithRefineTemperature(*p.Refiner.Temperature))
	}

	opts := []listen.Option{
		listen.WithQueueSize(p.QueueSize),
		listen.WithContinueOnError(p.Transcription.ContinueOnError),
		listen.WithMetrics(a.metrics),
		listen.WithLogger(a.log),
		listen.WithObserver(a.bus),
		listen.WithAccumulatorOptions(
			listen.WithMinUnitDuration(p.Accumulator.MinDuration),
			listen.WithMaxInterval(p.Accumulator.MaxInterval),
			listen.WithMaxWords(p.Accumulator.MaxWords),
			listen.WithWordsPerSecond(p.Accumulator.WordsPerSecond),
		),
		listen.WithGatewayOptions(
			listen.WithLanguage(p.Transcription.Language),
			listen.WithTempDir(p.Transcription.TempDir),
			listen.WithTranscriptionTimeout(p.Transcription.Timeout),
			listen.WithEngineName(engineLabel(a.cfg.Providers.STT.Name, "stt")),
		),
		listen.WithDetectorOptions(
			listen.WithPrimaryLanguage(p.Detector.PrimaryLanguage),
			listen.WithSecondaryLanguages(p.Detector.SecondaryLanguages...),
			listen.WithNoisePhrases(p.Detector.NoisePhrases),
			listen.WithSimilarityThreshold(p.Detector.SimilarityThreshold),
		),
		listen.WithRefinerOptions(refiner...),
	}
	if a.store != nil {
		opts = append(opts, listen.WithObserver(a.store))
	}
	for _, o := range a.observers {
		opts = append(opts, listen.WithObserver(o))
	}
	return opts
}

func (a *App) serverOptions() []server.Option {
	seg := a.cfg.Pipeline.Segmenter
	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(a.health),
		server.WithLogger(a.log),
		server.WithSegmenterOptions(
			listen.WithSilenceThreshold(float32(seg.SilenceThreshold)),
			listen.WithSilenceTimeout(seg.SilenceTimeout),
			listen.WithMaxChunk(seg.MaxChunk),
			listen.WithMinChunk(seg.MinChunk),
			listen.WithSegmenterSampleRate(seg.SampleRate),
		),
	}
	if a.store != nil {
		opts = append(opts, server.WithQuestionLog(a.store))
	}
	if tls := a.cfg.Server.TLS; tls != nil {
		opts = append(opts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}
	if a.scrape != nil {
		opts = append(opts, server.WithMetricsHandler(a.scrape))
	}
	return opts
}

func engineLabel(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// Controller returns the pipeline controller.
func (a *App) Controller() *listen.Controller { return a.ctrl }

// Bus returns the event bus feeding /ws/events.
func (a *App) Bus() *listen.Bus { return a.bus }

// Handler returns the HTTP route tree.
func (a *App) Handler() http.Handler { return a.server.Handler() }

func (a *App) checkRunning(context.Context) error {
	if !a.running.Load() {
		return errors.New("control loop not running")
	}
	return nil
}

// Run starts the control loop, the HTTP server and, when enabled, the config
// watcher. It blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.running.Store(true)
		defer a.running.Store(false)
		return a.ctrl.Run(ctx)
	})
	g.Go(func() error {
		if a.listener != nil {
			return a.server.Serve(ctx, a.listener)
		}
		return a.server.ListenAndServe(ctx, a.cfg.Server.ListenAddr)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	a.log.Info("app running", "addr", a.cfg.Server.ListenAddr, "question_log", a.store != nil, "hot_reload", a.watcher != nil)
	return g.Wait()
}

// Reload asks the config watcher to re-read its file immediately. It
// reports false when hot reload is disabled.
func (a *App) Reload() bool {
	if a.watcher == nil {
		return false
	}
	a.watcher.Reload()
	return true
}

// reload applies the hot-reloadable part of a config change. Everything else
// is logged and waits for a restart.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.NoisePhrasesChanged {
		a.ctrl.Detector().SetNoisePhrases(d.NewNoisePhrases)
		a.log.Info("noise phrases reloaded", "count", len(d.NewNoisePhrases))
	}
	if d.RefinerIntervalChanged {
		a.ctrl.Refiner().SetInterval(d.NewRefinerInterval)
		a.log.Info("refiner interval changed", "interval", d.NewRefinerInterval)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// Shutdown ends the active session (running its final batch), waits for
// in-flight transcriptions and then closes subsystems in reverse-init order.
// If ctx expires first, the remaining steps are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.ctrl.Stop(ctx)
		drained := make(chan struct{})
		go func() {
			a.ctrl.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded waiting for transcriptions")
			shutdownErr = ctx.Err()
			return
		}

		shutdownErr = a.closeAll(ctx)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			return err
		}
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
