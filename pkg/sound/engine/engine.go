// Package engine is the public face of the audio runtime.
//
// An [Engine] composes the loader, the rate limiter, the sound-effect
// registry, the playlist controller and the music crossfader behind one API:
// play and stop music, playlists, sound effects and voice lines, control
// volumes, and advance playlists from a periodic [Engine.Tick].
//
// Engines are plain values: the application constructs one with [New], drives
// Tick from its frame loop and calls [Engine.Close] on shutdown. Loads by path
// are asynchronous and report through a [Pending] future. Load failures never
// panic; a failed music load leaves the previous track playing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/cadenza/internal/crossfade"
	"github.com/MrWong99/cadenza/internal/loader"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/playlist"
	"github.com/MrWong99/cadenza/internal/ratelimit"
	"github.com/MrWong99/cadenza/internal/sfxregistry"
	"github.com/MrWong99/cadenza/pkg/sound"
)

// ErrRateLimited is reported by sound effects dropped by the rate limiter.
var ErrRateLimited = errors.New("engine: sound effect rate limited")

// Config holds the tunable engine settings.
type Config struct {
	// TransitionTime is the crossfade duration between music tracks.
	TransitionTime time.Duration

	// LowpassTime is the blend duration of the music low-pass filter.
	LowpassTime time.Duration

	// PlaylistOrder is the order used when a playlist call names none.
	PlaylistOrder sound.Order

	// MaxSameSounds caps concurrent instances of one sound effect.
	MaxSameSounds int

	// MaxActiveSfx caps the total number of tracked sound effects.
	MaxActiveSfx int

	// CleanupThreshold is the idle time after which a rate-limiter window is
	// dropped by the sweep.
	CleanupThreshold time.Duration

	// SweepInterval is how often Tick runs the maintenance sweep.
	SweepInterval time.Duration

	// LoadTimeout bounds the wait for the music load gate.
	LoadTimeout time.Duration

	// RetryDelay is the wait between retries of transient failures. A
	// failed playlist track change is not retried for the same duration.
	RetryDelay time.Duration

	// MaxRetries bounds retries per load. Zero retries until canceled.
	MaxRetries int

	// ContinueOnPause keeps audio running while the game is paused.
	ContinueOnPause bool

	// MasterVolume, MusicVolume and SfxVolume are the initial user volumes
	// in [0, 1].
	MasterVolume float64
	MusicVolume  float64
	SfxVolume    float64
}

// DefaultConfig returns the settings used for zero fields of a [Config].
func DefaultConfig() Config {
	return Config{
		TransitionTime:   crossfade.DefaultTransition,
		LowpassTime:      crossfade.DefaultLowpassTransition,
		PlaylistOrder:    sound.OrderDefault,
		MaxSameSounds:    ratelimit.DefaultMaxSame,
		MaxActiveSfx:     sfxregistry.DefaultMaxActive,
		CleanupThreshold: ratelimit.DefaultCleanupThreshold,
		SweepInterval:    5 * time.Second,
		LoadTimeout:      10 * time.Second,
		RetryDelay:       loader.DefaultRetryDelay,
		MasterVolume:     1,
		MusicVolume:      0.8,
		SfxVolume:        0.8,
	}
}

// withDefaults fills zero durations and limits from [DefaultConfig]. Volumes
// are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TransitionTime < 0 {
		c.TransitionTime = 0
	}
	if c.LowpassTime <= 0 {
		c.LowpassTime = d.LowpassTime
	}
	if c.MaxSameSounds <= 0 {
		c.MaxSameSounds = d.MaxSameSounds
	}
	if c.MaxActiveSfx <= 0 {
		c.MaxActiveSfx = d.MaxActiveSfx
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = d.CleanupThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	return c
}

// Mode flags. PlayingMusic and PlaylistActive together mean that a
// playlist is running and its next track must start once the current one
// ends.
const (
	PlayingMusic uint32 = 1 << iota
	PlaylistActive
)

// Option configures an [Engine].
type Option func(*options)

type options struct {
	clock   sound.Clock
	metrics *observe.Metrics
	rng     *rand.Rand
}

// WithClock sets the clock driving timers and the sweep. Default:
// [sound.SystemClock].
func WithClock(c sound.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRand sets the random source for playlist ordering.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

// Engine is safe for concurrent use.
type Engine struct {
	backend sound.Backend
	clock   sound.Clock
	metrics *observe.Metrics

	loader     *loader.Loader
	limiter    *ratelimit.Limiter
	registry   *sfxregistry.Registry
	crossfader *crossfade.Crossfader
	playlist   *playlist.Controller

	sfx       sound.Channel
	duckMusic sound.Channel
	duckAll   sound.Channel

	rootCtx    context.Context
	rootCancel context.CancelFunc

	// mode holds the PlayingMusic and PlaylistActive flags.
	mode atomic.Uint32
	// fired is set once the track change for the current idle period has
	// been triggered and cleared when a track starts.
	fired atomic.Bool
	// retryAt suppresses track changes until this unix-nano time.
	retryAt atomic.Int64
	// musicLoads counts music loads in flight, prefetches included.
	musicLoads atomic.Int32
	gate       *semaphore.Weighted

	musicMu     sync.Mutex
	musicCtx    context.Context
	musicCancel context.CancelFunc
	musicSeq    uint64

	sfxMu     sync.Mutex
	sfxCtx    context.Context
	sfxCancel context.CancelFunc
	voice     *sound.Clip

	settingsMu    sync.Mutex
	order         sound.Order
	loadTimeout   time.Duration
	retryDelay    time.Duration
	sweepInterval time.Duration
	lastSweep     time.Time
	pauseAudio    bool

	volMu   sync.Mutex
	volumes map[sound.Param]*volume

	closed atomic.Bool
	tasks  sync.WaitGroup
}

// New creates an engine over backend reading assets from src. It fails when
// the backend lacks a music or the sfx channel. The duck channels are
// optional; effects fall back to the plain sfx channel without them.
func New(backend sound.Backend, src sound.Source, cfg Config, opts ...Option) (*Engine, error) {
	o := options{clock: sound.SystemClock}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	cfg = cfg.withDefaults()

	sfx := backend.Channel(sound.SfxChannel)
	if sfx == nil {
		return nil, fmt.Errorf("engine: %s: %w", sound.SfxChannel, sound.ErrMissingChannel)
	}
	cf, err := crossfade.New(backend,
		crossfade.WithTransition(cfg.TransitionTime),
		crossfade.WithLowpassTransition(cfg.LowpassTime),
		crossfade.WithClock(o.clock),
		crossfade.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		backend: backend,
		clock:   o.clock,
		metrics: o.metrics,
		loader: loader.New(src,
			loader.WithRetryDelay(cfg.RetryDelay),
			loader.WithMaxRetries(cfg.MaxRetries),
			loader.WithClock(o.clock),
			loader.WithMetrics(o.metrics),
		),
		limiter:       ratelimit.New(cfg.MaxSameSounds, ratelimit.WithCleanupThreshold(cfg.CleanupThreshold)),
		registry:      sfxregistry.New(cfg.MaxActiveSfx, sfxregistry.WithClock(o.clock), sfxregistry.WithMetrics(o.metrics)),
		crossfader:    cf,
		sfx:           sfx,
		duckMusic:     backend.Channel(sound.DuckMusicChannel),
		duckAll:       backend.Channel(sound.DuckAllChannel),
		gate:          semaphore.NewWeighted(1),
		order:         cfg.PlaylistOrder,
		loadTimeout:   cfg.LoadTimeout,
		retryDelay:    cfg.RetryDelay,
		sweepInterval: cfg.SweepInterval,
		lastSweep:     o.clock.Now(),
		pauseAudio:    !cfg.ContinueOnPause,
		volumes:       make(map[sound.Param]*volume, 3),
	}
	plOpts := []playlist.Option{playlist.WithMetrics(o.metrics)}
	if o.rng != nil {
		plOpts = append(plOpts, playlist.WithRand(o.rng))
	}
	e.playlist = playlist.New(trackPlayer{e}, plOpts...)

	e.rootCtx, e.rootCancel = context.WithCancel(context.Background())
	e.musicCtx, e.musicCancel = context.WithCancel(e.rootCtx)
	e.sfxCtx, e.sfxCancel = context.WithCancel(e.rootCtx)

	for p, v := range map[sound.Param]float64{
		sound.ParamMaster: cfg.MasterVolume,
		sound.ParamMusic:  cfg.MusicVolume,
		sound.ParamSfx:    cfg.SfxVolume,
	} {
		if err := e.SetVolume(p, v); err != nil {
			slog.Warn("initial volume not applied", "param", string(p), "err", err)
		}
	}

	slog.Info("audio engine ready",
		"transition", cfg.TransitionTime,
		"order", cfg.PlaylistOrder.String(),
		"max_same_sounds", cfg.MaxSameSounds,
		"max_active_sfx", cfg.MaxActiveSfx,
		"duck_channels", e.duckMusic != nil && e.duckAll != nil,
	)
	return e, nil
}

// Reconfigure applies the runtime-adjustable settings of cfg. Volumes are
// not touched; use [Engine.SetVolume].
func (e *Engine) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	e.crossfader.SetTransition(cfg.TransitionTime)
	e.crossfader.SetLowpassTransition(cfg.LowpassTime)
	e.limiter.SetMaxSame(cfg.MaxSameSounds)
	e.registry.SetMaxActive(cfg.MaxActiveSfx)
	e.loader.SetRetryDelay(cfg.RetryDelay)

	e.settingsMu.Lock()
	e.order = cfg.PlaylistOrder
	e.loadTimeout = cfg.LoadTimeout
	e.retryDelay = cfg.RetryDelay
	e.sweepInterval = cfg.SweepInterval
	e.pauseAudio = !cfg.ContinueOnPause
	e.settingsMu.Unlock()
}

// SetSource replaces the asset source for loads started from now on.
func (e *Engine) SetSource(src sound.Source) {
	e.loader.SetSource(src)
}

// Source returns the current asset source.
func (e *Engine) Source() sound.Source {
	return e.loader.Source()
}

// SetTransitionTime changes the music crossfade duration.
func (e *Engine) SetTransitionTime(d time.Duration) {
	e.crossfader.SetTransition(d)
}

// TransitionTime returns the music crossfade duration.
func (e *Engine) TransitionTime() time.Duration {
	return e.crossfader.Transition()
}

// SetPlaylistOrder changes the order used by [Engine.PlayPlaylist].
func (e *Engine) SetPlaylistOrder(o sound.Order) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	e.order = o
}

// PlaylistOrder returns the order used by [Engine.PlayPlaylist].
func (e *Engine) PlaylistOrder() sound.Order {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	return e.order
}

// SetLowpass engages or releases the music low-pass filter.
func (e *Engine) SetLowpass(enable bool) error {
	return e.crossfader.SetLowpass(enable)
}

// Lowpass reports whether the music low-pass filter is engaged.
func (e *Engine) Lowpass() bool {
	return e.crossfader.Lowpass()
}

// SetPauseOnGamePause controls whether [Engine.OnGamePause] pauses the
// backend. It is the inverse of Config.ContinueOnPause.
func (e *Engine) SetPauseOnGamePause(pause bool) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()
	e.pauseAudio = pause
}

// OnGamePause forwards a game pause or resume to the backend unless audio is
// configured to continue while paused.
func (e *Engine) OnGamePause(paused bool) {
	e.settingsMu.Lock()
	pause := e.pauseAudio
	e.settingsMu.Unlock()
	if pause {
		e.backend.SetPaused(paused)
	}
}

// Mode returns the current mode flags.
func (e *Engine) Mode() uint32 {
	return e.mode.Load()
}

// Ready reports whether the engine can serve requests: it is open and the
// asset source, when it can tell, is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	if e.closed.Load() {
		return sound.ErrClosed
	}
	if p, ok := e.loader.Source().(sound.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops all playback, cancels pending loads and releases every clip
// the engine holds. It waits for background work to unwind. Later calls do
// nothing.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.musicMu.Lock()
	e.playlist.Stop()
	e.musicCancel()
	e.musicMu.Unlock()

	e.sfxMu.Lock()
	e.sfxCancel()
	voice := e.voice
	e.voice = nil
	e.sfxMu.Unlock()
	voice.Release()

	e.rootCancel()
	e.loader.Close()
	e.tasks.Wait()
	e.playlist.Wait()

	e.crossfader.Stop()
	for _, ch := range []sound.Channel{e.sfx, e.duckMusic, e.duckAll} {
		if ch != nil {
			ch.Stop()
		}
	}
	e.registry.Close()
	e.limiter.Reset()
	e.mode.Store(0)

	slog.Info("audio engine closed")
	return nil
}

// goAsync runs fn on a tracked goroutine so that Close can wait for it.
func (e *Engine) goAsync(fn func()) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		fn()
	}()
}

// logLoadError logs a failed load at the severity its cause deserves.
func logLoadError(ctx context.Context, msg, path string, err error) {
	log := observe.Logger(ctx)
	switch {
	case errors.Is(err, sound.ErrLoadCanceled):
		log.Debug(msg+": canceled", "path", path)
	case errors.Is(err, sound.ErrEmptyPath):
		log.Debug(msg+": empty path")
	default:
		log.Warn(msg, "path", path, "err", err)
	}
}
