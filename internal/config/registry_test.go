package config_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/mock"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var gotRoot string
	r.RegisterSource(config.SourceFilesystem, func(_ context.Context, cfg config.SourceConfig) (sound.Source, error) {
		gotRoot = cfg.Root
		return &mock.Source{}, nil
	})
	r.RegisterBackend("mock", func(config.BackendConfig) (sound.Backend, error) {
		return mock.NewBackend(), nil
	})

	if _, err := r.CreateSource(context.Background(), config.SourceConfig{Type: config.SourceFilesystem, Root: "/snd"}); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if gotRoot != "/snd" {
		t.Errorf("factory saw root %q", gotRoot)
	}
	if _, err := r.CreateBackend(config.BackendConfig{Name: "mock"}); err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}

	if _, err := r.CreateSource(context.Background(), config.SourceConfig{Type: config.SourcePostgres}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("unregistered source: err = %v", err)
	}
	if _, err := r.CreateBackend(config.BackendConfig{Name: "alsa"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("unregistered backend: err = %v", err)
	}
	if got := r.Backends(); !slices.Equal(got, []string{"mock"}) {
		t.Errorf("Backends = %v", got)
	}
}
