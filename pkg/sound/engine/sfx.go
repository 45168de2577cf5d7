package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// PlaySfx plays clip once on the channel selected by duck. Ducking channels
// the backend lacks fall back to the plain sfx channel. The clip is held
// until it has played out.
//
// Effects over the per-clip limit are dropped with [ErrRateLimited]. An effect
// the backend fails to start does not count against the limit.
func (e *Engine) PlaySfx(clip *sound.Clip, duck sound.DuckType) error {
	if clip == nil {
		return nil
	}
	if e.closed.Load() {
		return sound.ErrClosed
	}
	ctx := context.Background()
	now := e.clock.Now()
	if !e.limiter.Admit(clip.Name(), clip.Length(), now) {
		e.metrics.RecordSfx(ctx, clip.Name(), false)
		slog.Debug("sfx rate limited", "clip", clip.Name())
		return fmt.Errorf("engine: %s: %w", clip.Name(), ErrRateLimited)
	}
	e.metrics.RecordSfx(ctx, clip.Name(), true)

	if err := e.sfxChannel(duck).PlayOneShot(clip); err != nil {
		// The effect never sounded, so it must not count against the limit.
		e.limiter.Revoke(clip.Name(), now)
		e.metrics.RecordBackendError(ctx, "sfx")
		slog.Error("sfx playback failed", "clip", clip.Name(), "duck", duck.String(), "err", err)
		return fmt.Errorf("engine: sfx %s: %w: %w", clip.Name(), sound.ErrBackendPlayback, err)
	}
	e.registry.Track(clip)
	return nil
}

// PlaySfxPath loads path and plays it as [Engine.PlaySfx] does. Concurrent
// requests for the same path share one load.
func (e *Engine) PlaySfxPath(path string, duck sound.DuckType) *Pending {
	return e.loadSfx(path, "sfx", func(clip *sound.Clip) error {
		return e.PlaySfx(clip, duck)
	})
}

// PlayVoice plays clip on the music-ducking channel after delay. A voice
// line replaces the previous one.
func (e *Engine) PlayVoice(clip *sound.Clip, delay time.Duration) error {
	if clip == nil {
		return nil
	}
	if e.closed.Load() {
		return sound.ErrClosed
	}
	ch := e.voiceChannel()

	e.sfxMu.Lock()
	defer e.sfxMu.Unlock()
	prev := ch.Clip()
	ch.SetClip(clip)
	var err error
	if delay > 0 {
		err = ch.PlayDelayed(delay)
	} else {
		err = ch.Play()
	}
	if err != nil {
		ch.SetClip(prev)
		e.metrics.RecordBackendError(context.Background(), "voice")
		slog.Error("voice playback failed", "clip", clip.Name(), "err", err)
		return fmt.Errorf("engine: voice %s: %w: %w", clip.Name(), sound.ErrBackendPlayback, err)
	}
	old := e.voice
	e.voice = clip.Retain()
	old.Release()
	return nil
}

// PlayVoicePath loads path and plays it as [Engine.PlayVoice] does.
func (e *Engine) PlayVoicePath(path string, delay time.Duration) *Pending {
	return e.loadSfx(path, "voice", func(clip *sound.Clip) error {
		return e.PlayVoice(clip, delay)
	})
}

// StopVoice stops the current voice line.
func (e *Engine) StopVoice() {
	ch := e.voiceChannel()
	e.sfxMu.Lock()
	ch.Stop()
	ch.SetClip(nil)
	voice := e.voice
	e.voice = nil
	e.sfxMu.Unlock()
	voice.Release()
}

// StopSfx stops every effect and voice line and cancels pending effect
// loads.
func (e *Engine) StopSfx() {
	if e.closed.Load() {
		return
	}
	e.sfxMu.Lock()
	e.sfxCancel()
	e.sfxCtx, e.sfxCancel = context.WithCancel(e.rootCtx)
	voice := e.voice
	e.voice = nil
	e.sfxMu.Unlock()

	for _, ch := range []sound.Channel{e.sfx, e.duckMusic, e.duckAll} {
		if ch != nil {
			ch.Stop()
		}
	}
	e.registry.Clear()
	voice.Release()
	slog.Debug("sfx stopped")
}

// ActiveSfx returns the number of effects currently held.
func (e *Engine) ActiveSfx() int {
	return e.registry.Len()
}

func (e *Engine) sfxChannel(duck sound.DuckType) sound.Channel {
	switch duck {
	case sound.DuckMusic:
		if e.duckMusic != nil {
			return e.duckMusic
		}
	case sound.DuckAll:
		if e.duckAll != nil {
			return e.duckAll
		}
	}
	return e.sfx
}

func (e *Engine) voiceChannel() sound.Channel {
	if e.duckMusic != nil {
		return e.duckMusic
	}
	return e.sfx
}

// loadSfx fetches path under the sfx scope and hands the clip to play.
func (e *Engine) loadSfx(path, kind string, play func(*sound.Clip) error) *Pending {
	if e.closed.Load() {
		return failed(sound.ErrClosed)
	}
	if path == "" {
		return failed(sound.ErrEmptyPath)
	}
	e.sfxMu.Lock()
	scope := e.sfxCtx
	e.sfxMu.Unlock()

	ctx, cancel := context.WithCancel(scope)
	p := newPending(cancel)
	e.goAsync(func() {
		defer cancel()
		clip, err := e.loader.Fetch(ctx, nil, path, sound.PurposeSfx)
		if err != nil {
			logLoadError(ctx, kind+" load failed", path, err)
			p.resolve(nil, err)
			return
		}
		if ctx.Err() != nil {
			clip.Release()
			p.resolve(nil, fmt.Errorf("engine: %s: %w", path, sound.ErrLoadCanceled))
			return
		}
		err = play(clip)
		clip.Release()
		if err != nil {
			p.resolve(nil, err)
			return
		}
		p.resolve(clip, nil)
	})
	return p
}
