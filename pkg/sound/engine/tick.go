package engine

import (
	"log/slog"
	"time"
)

// Tick advances time-driven engine work and must be called regularly, for
// example once per frame. It never blocks on loads.
//
// When a playlist is active and its track has ended, Tick starts the next
// track exactly once per ended track. Every sweep interval it also reclaims
// stale rate-limiter windows and sound-effect entries.
func (e *Engine) Tick(now time.Time) {
	if e.closed.Load() {
		return
	}
	e.sweep(now)
	e.checkTrackEnd(now)
}

func (e *Engine) sweep(now time.Time) {
	e.settingsMu.Lock()
	due := now.Sub(e.lastSweep) >= e.sweepInterval
	if due {
		e.lastSweep = now
	}
	e.settingsMu.Unlock()
	if !due {
		return
	}

	windows := e.limiter.Sweep(now)
	entries := e.registry.Sweep(now)
	if windows+entries > 0 {
		slog.Debug("audio sweep", "windows", windows, "sfx_entries", entries)
	}
}

func (e *Engine) checkTrackEnd(now time.Time) {
	const want = PlayingMusic | PlaylistActive
	if e.mode.Load()&want != want || e.musicLoads.Load() > 0 {
		return
	}
	if now.UnixNano() < e.retryAt.Load() {
		return
	}
	if e.crossfader.PrimaryPlaying() {
		return
	}
	if !e.fired.CompareAndSwap(false, true) {
		return
	}

	e.musicMu.Lock()
	// A music request may have started since the checks above.
	if e.mode.Load()&want != want || e.musicLoads.Load() > 0 {
		e.musicMu.Unlock()
		e.fired.Store(false)
		return
	}
	ctx, _ := e.renewScopeLocked()
	e.musicLoads.Add(1)
	e.musicMu.Unlock()

	e.goAsync(func() {
		defer e.musicLoads.Add(-1)
		e.advancePlaylist(ctx)
	})
}
