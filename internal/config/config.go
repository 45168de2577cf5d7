// Package config provides the configuration schema, loader, component
// registry and file watcher for the cadenza audio service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/engine"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SourceType selects the asset source implementation.
type SourceType string

const (
	// SourceFilesystem reads assets from a directory tree.
	SourceFilesystem SourceType = "filesystem"

	// SourcePostgres reads assets from a PostgreSQL table.
	SourcePostgres SourceType = "postgres"
)

// IsValid reports whether t is a recognised source type.
func (t SourceType) IsValid() bool {
	return t == SourceFilesystem || t == SourcePostgres
}

// Seconds is a duration written as a (possibly fractional) number of seconds.
type Seconds float64

// Duration converts s to a [time.Duration].
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Engine  EngineConfig   `yaml:"engine"`
	Backend BackendConfig  `yaml:"backend"`
	Sources []SourceConfig `yaml:"sources"`
}

// ServerConfig holds the metrics/health listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (e.g., ":9464").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EngineConfig mirrors [engine.Config]. Omitted fields keep the engine
// defaults; pointer fields distinguish an explicit zero from an omission.
type EngineConfig struct {
	TransitionTime      *Seconds `yaml:"transition_time"`
	LowpassTime         Seconds  `yaml:"lowpass_time"`
	PlaylistOrder       string   `yaml:"playlist_order"`
	MaxSameSounds       int      `yaml:"max_same_sounds"`
	MaxActiveSfx        int      `yaml:"max_active_sfx"`
	SfxCleanupThreshold Seconds  `yaml:"sfx_cleanup_threshold"`
	SweepInterval       Seconds  `yaml:"sweep_interval"`
	LoadTimeout         Seconds  `yaml:"load_timeout"`
	RetryDelay          Seconds  `yaml:"retry_delay"`

	// MaxRetries bounds retries of transient load failures. Zero retries
	// until the load is canceled.
	MaxRetries      int  `yaml:"max_retries"`
	ContinueOnPause bool `yaml:"continue_on_pause"`

	MasterVolume *float64 `yaml:"master_volume"`
	MusicVolume  *float64 `yaml:"music_volume"`
	SfxVolume    *float64 `yaml:"sfx_volume"`
}

// DefaultBackend is the backend used when backend.name is empty.
const DefaultBackend = "ebiten"

// BackendConfig selects and tunes the audio backend.
type BackendConfig struct {
	// Name selects the registered backend. Default: [DefaultBackend].
	Name string `yaml:"name"`

	// SampleRate is the output sample rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// TickRate is how many times per second the engine is ticked.
	TickRate int `yaml:"tick_rate"`
}

// TickInterval returns the period between engine ticks. The default rate is
// 60 per second.
func (b BackendConfig) TickInterval() time.Duration {
	rate := b.TickRate
	if rate <= 0 {
		rate = 60
	}
	return time.Second / time.Duration(rate)
}

// SourceConfig describes one asset source. Sources are tried in the order
// they are listed.
type SourceConfig struct {
	// Name identifies the source in logs and health checks.
	Name string `yaml:"name"`

	// Type selects the implementation.
	Type SourceType `yaml:"type"`

	// Root is the asset directory of a filesystem source.
	Root string `yaml:"root"`

	// DSN is the connection string of a postgres source.
	DSN string `yaml:"dsn"`

	// Migrate creates the asset table of a postgres source on startup.
	Migrate bool `yaml:"migrate"`
}

// EngineSettings converts the engine section to an [engine.Config], filling
// omitted values from [engine.DefaultConfig]. The config must be valid.
func (c *Config) EngineSettings() engine.Config {
	e := c.Engine
	out := engine.DefaultConfig()
	if e.TransitionTime != nil {
		out.TransitionTime = e.TransitionTime.Duration()
	}
	setDuration(&out.LowpassTime, e.LowpassTime)
	setDuration(&out.CleanupThreshold, e.SfxCleanupThreshold)
	setDuration(&out.SweepInterval, e.SweepInterval)
	setDuration(&out.LoadTimeout, e.LoadTimeout)
	setDuration(&out.RetryDelay, e.RetryDelay)
	if order, err := sound.ParseOrder(e.PlaylistOrder); err == nil {
		out.PlaylistOrder = order
	}
	if e.MaxSameSounds > 0 {
		out.MaxSameSounds = e.MaxSameSounds
	}
	if e.MaxActiveSfx > 0 {
		out.MaxActiveSfx = e.MaxActiveSfx
	}
	out.MaxRetries = e.MaxRetries
	out.ContinueOnPause = e.ContinueOnPause
	setVolume(&out.MasterVolume, e.MasterVolume)
	setVolume(&out.MusicVolume, e.MusicVolume)
	setVolume(&out.SfxVolume, e.SfxVolume)
	return out
}

func setDuration(dst *time.Duration, s Seconds) {
	if s > 0 {
		*dst = s.Duration()
	}
}

func setVolume(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
