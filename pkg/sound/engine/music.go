package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/playlist"
	"github.com/MrWong99/cadenza/pkg/sound"
)

// PlayMusic crossfades to clip and loops it. A running playlist is stopped
// and pending music loads are canceled.
func (e *Engine) PlayMusic(clip *sound.Clip) error {
	if clip == nil {
		return nil
	}
	if e.closed.Load() {
		return sound.ErrClosed
	}
	e.musicMu.Lock()
	defer e.musicMu.Unlock()
	e.beginMusicLocked(false)
	return e.playLocked(clip, true)
}

// PlayMusicPath loads path on behalf of owner and crossfades to it once
// loaded, looping. It supersedes every earlier music request: their loads
// are canceled and only this one reaches a channel.
func (e *Engine) PlayMusicPath(owner *sound.Owner, path string) *Pending {
	if e.closed.Load() {
		return failed(sound.ErrClosed)
	}
	if path == "" {
		slog.Debug("music request with empty path ignored")
		return failed(sound.ErrEmptyPath)
	}

	e.musicMu.Lock()
	scope, seq := e.beginMusicLocked(false)
	e.musicLoads.Add(1)
	e.musicMu.Unlock()

	ctx, cancel := context.WithCancel(scope)
	p := newPending(cancel)
	e.goAsync(func() {
		defer e.musicLoads.Add(-1)
		defer cancel()
		clip, err := e.loadMusic(ctx, owner, path)
		if err != nil {
			logLoadError(ctx, "music load failed", path, err)
			p.resolve(nil, err)
			return
		}
		err = e.applyMusic(ctx, seq, clip, true)
		clip.Release()
		if err != nil {
			logLoadError(ctx, "music not started", path, err)
			p.resolve(nil, err)
			return
		}
		p.resolve(clip, nil)
	})
	return p
}

// PlayPlaylist starts a playlist over paths in the engine's default order.
// With firstIsIntro set paths[0] plays once as an intro and the playlist runs
// over the remaining paths, as [Engine.PlayPlaylistFirst] does. A single path
// plays as looping music.
func (e *Engine) PlayPlaylist(owner *sound.Owner, firstIsIntro bool, paths ...string) *Pending {
	return e.PlayPlaylistOrder(owner, e.PlaylistOrder(), firstIsIntro, paths...)
}

// PlayPlaylistOrder is [Engine.PlayPlaylist] with an explicit order, which
// also becomes the engine's default order.
func (e *Engine) PlayPlaylistOrder(owner *sound.Owner, order sound.Order, firstIsIntro bool, paths ...string) *Pending {
	if e.closed.Load() {
		return failed(sound.ErrClosed)
	}
	e.SetPlaylistOrder(order)
	switch len(paths) {
	case 0:
		return failed(playlist.ErrEmpty)
	case 1:
		return e.PlayMusicPath(owner, paths[0])
	}
	if firstIsIntro {
		return e.PlayPlaylistFirst(owner, paths[0], paths[1:]...)
	}

	e.musicMu.Lock()
	scope, seq := e.beginMusicLocked(true)
	e.musicLoads.Add(1)
	e.musicMu.Unlock()

	// The playlist keeps prefetching under ctx after the future resolves;
	// the next music request cancels it together with the scope.
	ctx, cancel := context.WithCancel(scope)
	p := newPending(cancel)
	e.goAsync(func() {
		defer e.musicLoads.Add(-1)
		if err := e.playlist.Start(ctx, owner, paths, order, false); err != nil {
			logLoadError(ctx, "playlist start failed", paths[0], err)
			e.abandonPlaylist(seq)
			p.resolve(nil, err)
			return
		}
		p.resolve(e.crossfader.Current(), nil)
	})
	return p
}

// PlayPlaylistFirst plays first once as an intro and then continues with a
// playlist over rest in the default order.
func (e *Engine) PlayPlaylistFirst(owner *sound.Owner, first string, rest ...string) *Pending {
	if e.closed.Load() {
		return failed(sound.ErrClosed)
	}
	if len(rest) == 0 {
		return e.PlayMusicPath(owner, first)
	}
	if first == "" {
		return e.PlayPlaylist(owner, false, rest...)
	}
	order := e.PlaylistOrder()

	e.musicMu.Lock()
	scope, seq := e.beginMusicLocked(true)
	e.musicLoads.Add(1)
	e.musicMu.Unlock()

	ctx, cancel := context.WithCancel(scope)
	p := newPending(cancel)
	e.goAsync(func() {
		defer e.musicLoads.Add(-1)
		// Start first so the tick cannot see the intro end before the
		// playlist exists.
		if err := e.playlist.Start(ctx, owner, rest, order, true); err != nil {
			e.abandonPlaylist(seq)
			p.resolve(nil, err)
			return
		}
		clip, err := e.loadMusic(ctx, owner, first)
		if err != nil {
			logLoadError(ctx, "intro load failed", first, err)
			e.abandonPlaylist(seq)
			p.resolve(nil, err)
			return
		}
		err = e.applyMusic(ctx, seq, clip, false)
		clip.Release()
		if err != nil {
			logLoadError(ctx, "intro not started", first, err)
			e.abandonPlaylist(seq)
			p.resolve(nil, err)
			return
		}
		p.resolve(clip, nil)
	})
	return p
}

// StopMusic stops music and the playlist and cancels pending music loads.
func (e *Engine) StopMusic() {
	if e.closed.Load() {
		return
	}
	e.musicMu.Lock()
	defer e.musicMu.Unlock()
	e.beginMusicLocked(false)
	e.crossfader.Stop()
	e.mode.And(^PlayingMusic)
	slog.Debug("music stopped")
}

// IsMusicPlaying reports whether any music channel is audible.
func (e *Engine) IsMusicPlaying() bool {
	return e.crossfader.IsPlaying()
}

// CurrentMusic returns the clip on the primary music channel, or nil.
func (e *Engine) CurrentMusic() *sound.Clip {
	return e.crossfader.Current()
}

// beginMusicLocked stops the running playlist and replaces the music scope,
// which cancels every music load started before. With playlist set the new
// request is a playlist. Must be called with e.musicMu held.
func (e *Engine) beginMusicLocked(playlist bool) (context.Context, uint64) {
	e.playlist.Stop()
	e.mode.And(^PlaylistActive)
	e.fired.Store(false)
	e.retryAt.Store(0)
	ctx, seq := e.renewScopeLocked()
	if playlist {
		e.mode.Or(PlaylistActive)
	}
	return ctx, seq
}

// renewScopeLocked must be called with e.musicMu held.
func (e *Engine) renewScopeLocked() (context.Context, uint64) {
	e.musicCancel()
	e.musicSeq++
	e.musicCtx, e.musicCancel = context.WithCancel(e.rootCtx)
	return e.musicCtx, e.musicSeq
}

// abandonPlaylist stops the playlist started by request seq unless a newer
// music request has taken over since.
func (e *Engine) abandonPlaylist(seq uint64) {
	e.musicMu.Lock()
	defer e.musicMu.Unlock()
	if seq != e.musicSeq {
		return
	}
	e.playlist.Stop()
	e.mode.And(^PlaylistActive)
}

// loadMusic acquires the music gate within the load timeout and fetches
// path.
func (e *Engine) loadMusic(ctx context.Context, owner *sound.Owner, path string) (*sound.Clip, error) {
	e.settingsMu.Lock()
	timeout := e.loadTimeout
	e.settingsMu.Unlock()

	gctx, cancel := context.WithTimeout(ctx, timeout)
	err := e.gate.Acquire(gctx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("engine: %s: %w", path, sound.ErrLoadCanceled)
		}
		return nil, fmt.Errorf("engine: %s: waited %s: %w", path, timeout, sound.ErrGateTimeout)
	}
	defer e.gate.Release(1)
	return e.loader.Fetch(ctx, owner, path, sound.PurposeMusic)
}

// applyMusic plays clip if request seq is still the latest music request.
func (e *Engine) applyMusic(ctx context.Context, seq uint64, clip *sound.Clip, loop bool) error {
	e.musicMu.Lock()
	defer e.musicMu.Unlock()
	if seq != e.musicSeq || ctx.Err() != nil {
		return fmt.Errorf("engine: %s superseded: %w", clip.Name(), sound.ErrLoadCanceled)
	}
	return e.playLocked(clip, loop)
}

// playLocked must be called with e.musicMu held. A non-looping clip is an
// intro ahead of a playlist, so looping is cleared on both channels: the
// clip may already be playing from an earlier looping request.
func (e *Engine) playLocked(clip *sound.Clip, loop bool) error {
	if err := e.crossfader.Play(clip, loop); err != nil {
		return err
	}
	if !loop {
		e.crossfader.SetLoop(false)
	}
	if !e.Muted(sound.ParamMusic) {
		e.mode.Or(PlayingMusic)
	}
	return nil
}

// trackPlayer adapts the engine to [playlist.Player].
type trackPlayer struct{ e *Engine }

func (t trackPlayer) LoadTrack(ctx context.Context, owner *sound.Owner, path string) (*sound.Clip, error) {
	t.e.musicLoads.Add(1)
	defer t.e.musicLoads.Add(-1)
	return t.e.loadMusic(ctx, owner, path)
}

func (t trackPlayer) PlayTrack(clip *sound.Clip) error {
	e := t.e
	if err := e.crossfader.Play(clip, false); err != nil {
		return err
	}
	e.fired.Store(false)
	e.retryAt.Store(0)
	if !e.Muted(sound.ParamMusic) {
		e.mode.Or(PlayingMusic)
	}
	slog.Info("playlist track started", "clip", clip.Name())
	return nil
}

// advancePlaylist runs one track change. A failed change skips the track and
// holds off the next attempt for one retry delay.
func (e *Engine) advancePlaylist(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "engine.track_change")
	defer span.End()

	err := e.playlist.OnTrackChange(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Superseded by a newer music request, which owns the state now.
		observe.Logger(ctx).Debug("playlist track change canceled")
		return
	}
	span.RecordError(err)

	e.settingsMu.Lock()
	delay := e.retryDelay
	e.settingsMu.Unlock()
	observe.Logger(ctx).Warn("playlist track change failed, skipping track", "err", err, "retry_in", delay)
	e.playlist.Skip()
	e.retryAt.Store(e.clock.Now().Add(delay).UnixNano())
	e.fired.Store(false)
}
