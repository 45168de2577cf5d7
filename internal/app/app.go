// Package app wires the cadenza subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the asset sources, the
// audio backend and the engine from the config, Run drives the engine clock
// and serves the operator endpoints, and Shutdown tears everything down in
// reverse order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithSource, etc.). When an option is not provided, New creates real
// implementations through the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/health"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resilience"
	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/engine"
)

// shutdownGrace bounds how long the HTTP server may take to drain.
const shutdownGrace = 5 * time.Second

// namedSource is an asset source with the name it is reported under.
type namedSource struct {
	name string
	src  sound.Source
}

// updater is implemented by backends that apply mixer state once per frame.
type updater interface {
	Update(now time.Time)
}

// App owns all subsystem lifetimes of the audio service.
type App struct {
	reg        *config.Registry
	configPath string
	level      *slog.LevelVar
	clock      sound.Clock
	metrics    *observe.Metrics

	mu  sync.Mutex
	cfg *config.Config

	// Subsystems: initialised in New, torn down in Shutdown.
	sources []namedSource
	source  sound.Source
	backend sound.Backend
	engine  *engine.Engine

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an audio backend instead of creating one from config.
func WithBackend(b sound.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithSource adds an asset source under name. Injected sources replace the
// configured ones; several are tried in the order they were added.
func WithSource(name string, src sound.Source) Option {
	return func(a *App) { a.sources = append(a.sources, namedSource{name: name, src: src}) }
}

// WithClock sets the clock driving the engine and its tick loop.
func WithClock(c sound.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch reloads the config from path whenever the file changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// source and backend factories for whatever was not injected; it may be nil
// when both are.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = sound.SystemClock
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Asset sources ────────────────────────────────────────────────
	if err := a.initSources(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sources: %w", err)
	}

	// ── 2. Backend ──────────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 3. Engine ───────────────────────────────────────────────────────
	eng, err := engine.New(a.backend, a.source, cfg.EngineSettings(),
		engine.WithClock(a.clock),
		engine.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}
	a.engine = eng
	a.closers = append(a.closers, eng.Close)

	// ── 4. Config watcher ───────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(_, next *config.Config) {
			a.Reload(next)
		})
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// initSources builds the configured sources and combines several behind a
// [resilience.SourceFallback].
func (a *App) initSources(ctx context.Context) error {
	if len(a.sources) == 0 {
		if a.reg == nil && len(a.cfg.Sources) > 0 {
			return errors.New("no registry to build sources from")
		}
		for _, sc := range a.cfg.Sources {
			src, err := a.reg.CreateSource(ctx, sc)
			if err != nil {
				return fmt.Errorf("source %q: %w", sc.Name, err)
			}
			if c, ok := src.(io.Closer); ok {
				a.closers = append(a.closers, c.Close)
			}
			a.sources = append(a.sources, namedSource{name: sc.Name, src: src})
			slog.Info("asset source ready", "name", sc.Name, "type", sc.Type)
		}
	}

	switch len(a.sources) {
	case 0:
		return errors.New("no asset sources configured")
	case 1:
		a.source = a.sources[0].src
	default:
		fb := resilience.NewSourceFallback(a.sources[0].src, a.sources[0].name, resilience.FallbackConfig{})
		for _, ns := range a.sources[1:] {
			fb.AddFallback(ns.name, ns.src)
		}
		a.source = fb
	}
	return nil
}

// initBackend creates the backend named in the config if none was injected.
func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}
	if a.reg == nil {
		return errors.New("no registry to build the backend from")
	}
	bc := a.cfg.Backend
	if bc.Name == "" {
		bc.Name = config.DefaultBackend
	}
	b, err := a.reg.CreateBackend(bc)
	if err != nil {
		return err
	}
	if c, ok := b.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.backend = b
	slog.Info("audio backend ready", "name", bc.Name)
	return nil
}

// Engine returns the audio engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next and returns what changed.
// Changes to sections that need a restart are logged and otherwise ignored.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	d := config.Diff(a.cfg, next)
	a.cfg = next
	a.mu.Unlock()

	if d.Empty() {
		return d
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EngineChanged {
		a.engine.Reconfigure(next.EngineSettings())
		slog.Info("engine settings reloaded")
	}
	for _, vc := range d.VolumeChanges {
		if err := a.engine.SetVolume(vc.Param, vc.Volume); err != nil {
			slog.Warn("volume reload failed", "param", vc.Param, "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run ticks the engine at the configured rate and serves the operator
// endpoints, blocking until ctx is cancelled or the HTTP server fails. When
// ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tickLoop(gctx, cfg.Backend.TickInterval()) })
	if cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serve(gctx, cfg.Server.ListenAddr) })
	}

	slog.Info("app running",
		"sources", len(a.sources),
		"tick_interval", cfg.Backend.TickInterval(),
		"listen_addr", cfg.Server.ListenAddr,
	)
	return g.Wait()
}

func (a *App) tickLoop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	up, _ := a.backend.(updater)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			now := a.clock.Now()
			a.engine.Tick(now)
			if up != nil {
				up.Update(now)
			}
		}
	}
}

// Handler returns the operator HTTP handler: /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	checkers := []health.Checker{health.Engine(a.engine)}
	for _, ns := range a.sources {
		checkers = append(checkers, health.Source(ns.name, ns.src))
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
	}()

	slog.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: http server: %w", err)
	}
	<-stopped
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New built so far after a failed init.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
