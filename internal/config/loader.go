package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Engine
	e := cfg.Engine
	if _, err := sound.ParseOrder(e.PlaylistOrder); err != nil {
		errs = append(errs, fmt.Errorf("engine.playlist_order %q is invalid; valid values: default, random, shuffle", e.PlaylistOrder))
	}
	for _, f := range []struct {
		name string
		v    Seconds
	}{
		{"lowpass_time", e.LowpassTime},
		{"sfx_cleanup_threshold", e.SfxCleanupThreshold},
		{"sweep_interval", e.SweepInterval},
		{"load_timeout", e.LoadTimeout},
		{"retry_delay", e.RetryDelay},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("engine.%s must not be negative, got %v", f.name, float64(f.v)))
		}
	}
	if e.TransitionTime != nil && *e.TransitionTime < 0 {
		errs = append(errs, fmt.Errorf("engine.transition_time must not be negative, got %v", float64(*e.TransitionTime)))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"max_same_sounds", e.MaxSameSounds},
		{"max_active_sfx", e.MaxActiveSfx},
		{"max_retries", e.MaxRetries},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("engine.%s must not be negative, got %d", f.name, f.v))
		}
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"master_volume", e.MasterVolume},
		{"music_volume", e.MusicVolume},
		{"sfx_volume", e.SfxVolume},
	} {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			errs = append(errs, fmt.Errorf("engine.%s %.2f is out of range [0, 1]", f.name, *f.v))
		}
	}

	// Backend
	if cfg.Backend.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("backend.sample_rate must not be negative, got %d", cfg.Backend.SampleRate))
	}
	if cfg.Backend.TickRate < 0 || cfg.Backend.TickRate > 1000 {
		errs = append(errs, fmt.Errorf("backend.tick_rate %d is out of range [0, 1000]", cfg.Backend.TickRate))
	}

	// Sources
	namesSeen := make(map[string]int, len(cfg.Sources))
	for i, src := range cfg.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[src.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of sources[%d]", prefix, src.Name, prev))
			}
			namesSeen[src.Name] = i
		}
		if !src.Type.IsValid() {
			errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: filesystem, postgres", prefix, src.Type))
		}
		if src.Type == SourceFilesystem && src.Root == "" {
			errs = append(errs, fmt.Errorf("%s.root is required when type is filesystem", prefix))
		}
		if src.Type == SourcePostgres && src.DSN == "" {
			errs = append(errs, fmt.Errorf("%s.dsn is required when type is postgres", prefix))
		}
	}

	return errors.Join(errs...)
}
