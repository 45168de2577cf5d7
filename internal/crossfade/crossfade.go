// Package crossfade drives the two alternating music channels.
//
// A new track always starts on the channel that is not primary, the backend
// blends over to it, and the previous primary is stopped once the transition
// time has elapsed. Requesting the clip that already plays on the primary
// channel only flips which channel counts as primary.
package crossfade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/sound"
)

const (
	// DefaultTransition is the default crossfade duration.
	DefaultTransition = 1500 * time.Millisecond

	// DefaultLowpassTransition is the default low-pass blend duration.
	DefaultLowpassTransition = 400 * time.Millisecond
)

// State is the observable state of a [Crossfader].
type State int

const (
	Idle State = iota
	PlayingOnA
	PlayingOnB
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PlayingOnA:
		return "playing_a"
	case PlayingOnB:
		return "playing_b"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var musicIDs = [2]sound.ChannelID{sound.MusicA, sound.MusicB}

// Crossfader is safe for concurrent use.
type Crossfader struct {
	backend  sound.Backend
	channels [2]sound.Channel
	clock    sound.Clock
	metrics  *observe.Metrics

	mu          sync.Mutex
	transition  time.Duration
	lowpassTime time.Duration
	activeIsA   bool
	lowpass     bool
	held        [2]*sound.Clip
	pendingStop sound.Timer
	stopGen     uint64
}

// Option configures a [Crossfader].
type Option func(*Crossfader)

// WithTransition sets the crossfade duration.
func WithTransition(d time.Duration) Option {
	return func(c *Crossfader) { c.transition = max(d, 0) }
}

// WithLowpassTransition sets the low-pass blend duration.
func WithLowpassTransition(d time.Duration) Option {
	return func(c *Crossfader) { c.lowpassTime = max(d, 0) }
}

// WithClock sets the clock that schedules the delayed stop.
func WithClock(clock sound.Clock) Option {
	return func(c *Crossfader) { c.clock = clock }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Crossfader) { c.metrics = m }
}

// New creates a crossfader over the backend's two music channels. It fails
// with [sound.ErrMissingChannel] when either is absent.
func New(backend sound.Backend, opts ...Option) (*Crossfader, error) {
	c := &Crossfader{
		backend:     backend,
		clock:       sound.SystemClock,
		transition:  DefaultTransition,
		lowpassTime: DefaultLowpassTransition,
	}
	for i, id := range musicIDs {
		ch := backend.Channel(id)
		if ch == nil {
			return nil, fmt.Errorf("crossfade: %s: %w", id, sound.ErrMissingChannel)
		}
		c.channels[i] = ch
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// primary returns the index of the primary channel. Must be called with c.mu
// held.
func (c *Crossfader) primary() int {
	if c.activeIsA {
		return 0
	}
	return 1
}

// Play starts clip on the non-primary channel and crossfades to it. loop
// controls whether the clip repeats. Backend failures leave the state
// unchanged and are returned wrapped in [sound.ErrBackendPlayback].
func (c *Crossfader) Play(clip *sound.Clip, loop bool) error {
	if clip == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.primary()
	if cur := c.channels[from]; cur.Clip() == clip && cur.IsPlaying() {
		c.activeIsA = !c.activeIsA
		return nil
	}

	to := 1 - from
	target := c.channels[to]
	prev := target.Clip()
	target.SetClip(clip)
	target.SetLoop(loop)
	if err := target.Play(); err != nil {
		target.SetClip(prev)
		return c.backendError("play", clip, err)
	}
	if err := c.backend.TransitionTo(sound.MusicSnapshot(musicIDs[to], c.lowpass), c.transition); err != nil {
		target.Stop()
		target.SetClip(prev)
		return c.backendError("transition", clip, err)
	}

	c.activeIsA = to == 0
	c.hold(to, clip.Retain())
	c.scheduleStop(from)
	c.metrics.MusicTransitions.Add(context.Background(), 1)
	slog.Debug("music crossfade", "clip", clip.Name(), "channel", musicIDs[to].String(), "loop", loop)
	return nil
}

// scheduleStop stops channel idx after the transition time, replacing any
// earlier scheduled stop. Must be called with c.mu held.
func (c *Crossfader) scheduleStop(idx int) {
	c.cancelStop()
	if c.transition <= 0 {
		c.stopChannel(idx)
		return
	}
	gen := c.stopGen
	c.pendingStop = c.clock.AfterFunc(c.transition, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stopGen != gen {
			return
		}
		c.pendingStop = nil
		c.stopChannel(idx)
	})
}

// cancelStop must be called with c.mu held.
func (c *Crossfader) cancelStop() {
	c.stopGen++
	if c.pendingStop != nil {
		c.pendingStop.Stop()
		c.pendingStop = nil
	}
}

// stopChannel must be called with c.mu held.
func (c *Crossfader) stopChannel(idx int) {
	c.channels[idx].Stop()
	c.hold(idx, nil)
}

// hold swaps the clip reference kept for channel idx. Must be called with c.mu
// held.
func (c *Crossfader) hold(idx int, clip *sound.Clip) {
	prev := c.held[idx]
	c.held[idx] = clip
	prev.Release()
}

func (c *Crossfader) backendError(op string, clip *sound.Clip, err error) error {
	c.metrics.RecordBackendError(context.Background(), op)
	slog.Error("music playback failed", "op", op, "clip", clip.Name(), "err", err)
	return fmt.Errorf("crossfade: %s %s: %w: %w", op, clip.Name(), sound.ErrBackendPlayback, err)
}

// Stop halts both channels, cancels a pending delayed stop and drops the held
// clips.
func (c *Crossfader) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelStop()
	for i, ch := range c.channels {
		ch.Stop()
		ch.SetClip(nil)
		c.hold(i, nil)
	}
}

// SetLoop changes looping on both channels.
func (c *Crossfader) SetLoop(loop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		ch.SetLoop(loop)
	}
}

// SetLowpass engages or releases the low-pass filter on the primary channel.
// Repeating the current setting does nothing.
func (c *Crossfader) SetLowpass(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lowpass == enable {
		return nil
	}
	snap := sound.MusicSnapshot(musicIDs[c.primary()], enable)
	if err := c.backend.TransitionTo(snap, c.lowpassTime); err != nil {
		c.metrics.RecordBackendError(context.Background(), "lowpass")
		return fmt.Errorf("crossfade: lowpass %s: %w: %w", snap, sound.ErrBackendPlayback, err)
	}
	c.lowpass = enable
	return nil
}

// Lowpass reports whether the low-pass filter is engaged.
func (c *Crossfader) Lowpass() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowpass
}

// SetTransition changes the crossfade duration for later transitions.
func (c *Crossfader) SetTransition(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition = max(d, 0)
}

// Transition returns the crossfade duration.
func (c *Crossfader) Transition() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition
}

// SetLowpassTransition changes the low-pass blend duration.
func (c *Crossfader) SetLowpassTransition(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lowpassTime = max(d, 0)
}

// IsPlaying reports whether either music channel is audible.
func (c *Crossfader) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[0].IsPlaying() || c.channels[1].IsPlaying()
}

// PrimaryPlaying reports whether the primary channel is audible. It turns
// false once a non-looping track has finished.
func (c *Crossfader) PrimaryPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[c.primary()].IsPlaying()
}

// Current returns the clip on the primary channel, or nil.
func (c *Crossfader) Current() *sound.Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[c.primary()].Clip()
}

// State reports which channel is primary while music plays.
func (c *Crossfader) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.channels[0].IsPlaying() && !c.channels[1].IsPlaying() {
		return Idle
	}
	if c.activeIsA {
		return PlayingOnA
	}
	return PlayingOnB
}
