package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/mock"
)

func TestPlaySfx_RateLimited(t *testing.T) {
	t.Parallel()
	backend := mock.NewBackend()
	cfg := DefaultConfig()
	cfg.MaxSameSounds = 2
	e, clock := newTestEngine(t, backend, tracks(), cfg)
	hit := sound.NewClip("hit", nil, 0, 0, sound.WithLength(time.Second))

	for i := range 2 {
		if err := e.PlaySfx(hit, sound.DuckNone); err != nil {
			t.Fatalf("play %d: %v", i, err)
		}
	}
	if err := e.PlaySfx(hit, sound.DuckNone); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third play: err = %v, want ErrRateLimited", err)
	}
	if e.ActiveSfx() != 2 {
		t.Errorf("ActiveSfx = %d, want 2", e.ActiveSfx())
	}

	clock.Advance(time.Second)
	if e.ActiveSfx() != 0 {
		t.Errorf("ActiveSfx = %d after clip length, want 0", e.ActiveSfx())
	}
	if err := e.PlaySfx(hit, sound.DuckNone); err != nil {
		t.Fatalf("play after window: %v", err)
	}
	if n := backend.Chan(sound.SfxChannel).OneShotCount(); n != 3 {
		t.Errorf("one-shots = %d, want 3", n)
	}
	if hit.Refs() != 2 {
		t.Errorf("refs = %d, want caller plus registry", hit.Refs())
	}
}

func TestPlaySfx_DuckRouting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ids     []sound.ChannelID
		duck    sound.DuckType
		channel sound.ChannelID
	}{
		{name: "plain", duck: sound.DuckNone, channel: sound.SfxChannel},
		{name: "duck music", duck: sound.DuckMusic, channel: sound.DuckMusicChannel},
		{name: "duck all", duck: sound.DuckAll, channel: sound.DuckAllChannel},
		{
			name:    "fallback without duck channels",
			ids:     []sound.ChannelID{sound.MusicA, sound.MusicB, sound.SfxChannel},
			duck:    sound.DuckAll,
			channel: sound.SfxChannel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backend := mock.NewBackend(tt.ids...)
			e, _ := newTestEngine(t, backend, tracks(), DefaultConfig())
			if err := e.PlaySfx(sound.NewClip("bell", nil, 0, 0), tt.duck); err != nil {
				t.Fatal(err)
			}
			if n := backend.Chan(tt.channel).OneShotCount(); n != 1 {
				t.Errorf("%s one-shots = %d, want 1", tt.channel, n)
			}
		})
	}
}

func TestPlaySfx_BackendError(t *testing.T) {
	t.Parallel()
	backend := mock.NewBackend()
	backend.Chan(sound.SfxChannel).PlayError = errors.New("voice limit")
	e, _ := newTestEngine(t, backend, tracks(), DefaultConfig())
	if err := e.PlaySfx(sound.NewClip("x", nil, 0, 0), sound.DuckNone); !errors.Is(err, sound.ErrBackendPlayback) {
		t.Fatalf("err = %v, want ErrBackendPlayback", err)
	}
	if e.ActiveSfx() != 0 {
		t.Error("failed effect tracked")
	}
}

func TestPlaySfx_BackendErrorKeepsRateLimitSlot(t *testing.T) {
	t.Parallel()
	backend := mock.NewBackend()
	sfx := backend.Chan(sound.SfxChannel)
	cfg := DefaultConfig()
	cfg.MaxSameSounds = 1
	e, _ := newTestEngine(t, backend, tracks(), cfg)
	hit := sound.NewClip("hit", nil, 0, 0, sound.WithLength(time.Minute))

	sfx.PlayError = errors.New("voice limit")
	if err := e.PlaySfx(hit, sound.DuckNone); !errors.Is(err, sound.ErrBackendPlayback) {
		t.Fatalf("err = %v, want ErrBackendPlayback", err)
	}
	sfx.PlayError = nil
	if err := e.PlaySfx(hit, sound.DuckNone); err != nil {
		t.Fatalf("play after failed start: %v", err)
	}
	if err := e.PlaySfx(hit, sound.DuckNone); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second successful play: err = %v, want ErrRateLimited", err)
	}
}

func TestPlaySfxPath(t *testing.T) {
	t.Parallel()
	backend := mock.NewBackend()
	src := tracks("step")
	e, _ := newTestEngine(t, backend, src, DefaultConfig())

	clip, err := await(t, e.PlaySfxPath("step", sound.DuckMusic))
	if err != nil {
		t.Fatal(err)
	}
	if clip.Name() != "step" {
		t.Errorf("clip = %q", clip.Name())
	}
	if n := backend.Chan(sound.DuckMusicChannel).OneShotCount(); n != 1 {
		t.Errorf("one-shots = %d, want 1", n)
	}
	// Only the registry holds the clip now.
	if clip.Refs() != 1 || e.ActiveSfx() != 1 {
		t.Errorf("refs=%d active=%d", clip.Refs(), e.ActiveSfx())
	}

	if _, err := await(t, e.PlaySfxPath("missing", sound.DuckNone)); !errors.Is(err, sound.ErrNotFound) {
		t.Errorf("missing asset: err = %v, want ErrNotFound", err)
	}
}

func TestStopSfx_CancelsPendingLoads(t *testing.T) {
	t.Parallel()
	backend := mock.NewBackend()
	src := tracks("boom")
	src.Gate = make(chan struct{})
	src.Started = make(chan string, 8)
	e, _ := newTestEngine(t, backend, src, DefaultConfig())

	p := e.PlaySfxPath("boom", sound.DuckAll)
	waitStarted(t, src.Started, "boom")
	e.StopSfx()

	if _, err := await(t, p); !errors.Is(err, sound.ErrLoadCanceled) {
		t.Fatalf("err = %v, want ErrLoadCanceled", err)
	}
	for _, id := range []sound.ChannelID{sound.SfxChannel, sound.DuckMusicChannel, sound.DuckAllChannel} {
		if backend.Chan(id).StopCount() == 0 {
			t.Errorf("%s not stopped", id)
		}
	}
}

func TestPlayVoice(t *testing.T) {
	t.Parallel()
	backend := mock.NewBackend()
	e, _ := newTestEngine(t, backend, tracks(), DefaultConfig())
	ch := backend.Chan(sound.DuckMusicChannel)
	line := sound.NewClip("greeting", nil, 0, 0, sound.WithLength(3*time.Second))

	if err := e.PlayVoice(line, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if ch.Clip() != line || !ch.IsPlaying() {
		t.Fatal("voice not playing on the music-ducking channel")
	}
	if len(ch.Delays) != 1 || ch.Delays[0] != 2*time.Second {
		t.Errorf("delays = %v, want [2s]", ch.Delays)
	}
	if line.Refs() != 2 {
		t.Errorf("refs = %d while playing, want 2", line.Refs())
	}

	e.StopVoice()
	if ch.IsPlaying() || ch.Clip() != nil {
		t.Error("voice channel still busy after StopVoice")
	}
	if line.Refs() != 1 {
		t.Errorf("refs = %d after StopVoice, want 1", line.Refs())
	}
}

func TestTick_SweepsStaleState(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Second
	cfg.CleanupThreshold = time.Second
	e, clock := newTestEngine(t, mock.NewBackend(), tracks(), cfg)

	_ = e.PlaySfx(sound.NewClip("a", nil, 0, 0, sound.WithLength(100*time.Millisecond)), sound.DuckNone)
	if e.limiter.Len() != 1 {
		t.Fatalf("limiter windows = %d, want 1", e.limiter.Len())
	}
	e.Tick(clock.Now().Add(5 * time.Second))
	if e.limiter.Len() != 0 {
		t.Errorf("stale window survived the sweep")
	}
	if e.ActiveSfx() != 0 {
		t.Errorf("stale registry entry survived the sweep")
	}
}
