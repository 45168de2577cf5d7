// Command cadenza runs the cadenza audio engine as a standalone service.
//
// Positional arguments name music tracks; two or more are played as a
// playlist. The engine keeps running until interrupted, serving metrics and
// health endpoints when server.listen_addr is set.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/sound"
	ebitenbackend "github.com/MrWong99/cadenza/pkg/sound/backend/ebiten"
	"github.com/MrWong99/cadenza/pkg/sound/engine"
	"github.com/MrWong99/cadenza/pkg/sound/source/filesystem"
	"github.com/MrWong99/cadenza/pkg/sound/source/postgres"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	orderName := flag.String("order", "", "playlist order for the given tracks: default, random or shuffle")
	intro := flag.Bool("intro", false, "play the first track once as an intro before the playlist")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: cadenza [flags] [track ...]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}

	order := engine.DefaultConfig().PlaylistOrder
	if *orderName != "" {
		order, err = sound.ParseOrder(*orderName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
			return 2
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("cadenza starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Component registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	opts := []app.Option{app.WithLevelVar(level)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if tracks := flag.Args(); len(tracks) > 0 {
		startMusic(ctx, application.Engine(), order, *intro, tracks)
	}

	slog.Info("engine ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// startMusic starts tracks as looping music or as a playlist and logs the
// outcome once the first track has loaded.
func startMusic(ctx context.Context, e *engine.Engine, order sound.Order, intro bool, tracks []string) {
	p := e.PlayPlaylistOrder(sound.NewOwner("cli"), order, intro, tracks...)
	go func() {
		clip, err := p.Wait(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("music did not start", "tracks", tracks, "err", err)
			}
			return
		}
		slog.Info("music started", "clip", clip.Name(), "tracks", len(tracks), "order", order.String())
	}()
}

// ── Component wiring ──────────────────────────────────────────────────────────

// registerBuiltins wires all built-in source and backend factories into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterSource(config.SourceFilesystem, func(_ context.Context, sc config.SourceConfig) (sound.Source, error) {
		return filesystem.NewDir(sc.Root)
	})

	reg.RegisterSource(config.SourcePostgres, func(ctx context.Context, sc config.SourceConfig) (sound.Source, error) {
		pool, err := postgres.Open(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		src := postgres.New(pool, nil)
		if sc.Migrate {
			if err := src.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &pgSource{Source: src, pool: pool}, nil
	})

	reg.RegisterBackend("ebiten", func(bc config.BackendConfig) (sound.Backend, error) {
		rate := bc.SampleRate
		if rate == 0 {
			rate = ebitenbackend.DefaultSampleRate
		}
		return ebitenbackend.New(rate)
	})

	slog.Debug("registered components", "backends", reg.Backends())
}

// pgSource is a postgres asset source that owns its connection pool.
type pgSource struct {
	*postgres.Source
	pool *pgxpool.Pool
}

// Close closes the connection pool.
func (s *pgSource) Close() error {
	s.pool.Close()
	return nil
}
