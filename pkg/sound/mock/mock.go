// Package mock provides in-memory implementations of [sound.Backend],
// [sound.Channel], [sound.Source] and [sound.Clock] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control results.
//
// Typical usage:
//
//	backend := mock.NewBackend()
//	src := &mock.Source{Lengths: map[string]time.Duration{"music/theme": time.Minute}}
//	clock := mock.NewClock(time.Unix(0, 0))
//	// ... drive the code under test, then:
//	clock.Advance(2 * time.Second)
//	if backend.Chan(sound.MusicA).PlayCount() != 1 { ... }
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// ─── Channel ──────────────────────────────────────────────────────────────────

// Channel is a mock implementation of [sound.Channel].
type Channel struct {
	mu sync.Mutex

	clip    *sound.Clip
	loop    bool
	playing bool

	// PlayError is returned by Play, PlayDelayed and PlayOneShot.
	PlayError error

	// PlayedClips records the assigned clip at every successful Play or
	// PlayDelayed call.
	PlayedClips []*sound.Clip

	// OneShots records every clip passed to PlayOneShot.
	OneShots []*sound.Clip

	// Delays records the delay of every PlayDelayed call.
	Delays []time.Duration

	// CallCountPlay counts Play and PlayDelayed calls, including failures.
	CallCountPlay int

	// CallCountStop counts Stop calls.
	CallCountStop int
}

var _ sound.Channel = (*Channel)(nil)

// SetClip implements [sound.Channel].
func (c *Channel) SetClip(clip *sound.Clip) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clip = clip
}

// Clip implements [sound.Channel].
func (c *Channel) Clip() *sound.Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clip
}

// SetLoop implements [sound.Channel].
func (c *Channel) SetLoop(loop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop = loop
}

// Looping reports the last value passed to SetLoop.
func (c *Channel) Looping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

// Play implements [sound.Channel]. Marks the channel as playing unless
// PlayError is set.
func (c *Channel) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountPlay++
	if c.PlayError != nil {
		return c.PlayError
	}
	c.playing = true
	c.PlayedClips = append(c.PlayedClips, c.clip)
	return nil
}

// PlayDelayed implements [sound.Channel]. The delay is recorded and the
// channel is marked as playing immediately.
func (c *Channel) PlayDelayed(d time.Duration) error {
	c.mu.Lock()
	c.Delays = append(c.Delays, d)
	c.mu.Unlock()
	return c.Play()
}

// PlayOneShot implements [sound.Channel].
func (c *Channel) PlayOneShot(clip *sound.Clip) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PlayError != nil {
		return c.PlayError
	}
	c.OneShots = append(c.OneShots, clip)
	return nil
}

// Stop implements [sound.Channel].
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.playing = false
}

// IsPlaying implements [sound.Channel].
func (c *Channel) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Finish simulates the assigned clip reaching its end.
func (c *Channel) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = false
}

// PlayCount returns the number of successful Play/PlayDelayed calls.
func (c *Channel) PlayCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.PlayedClips)
}

// StopCount returns CallCountStop.
func (c *Channel) StopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountStop
}

// OneShotCount returns the number of recorded one-shots.
func (c *Channel) OneShotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.OneShots)
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// TransitionCall records a single [Backend.TransitionTo] invocation.
type TransitionCall struct {
	Snapshot sound.Snapshot
	Over     time.Duration
}

// Backend is a mock implementation of [sound.Backend].
type Backend struct {
	mu sync.Mutex

	channels map[sound.ChannelID]*Channel
	params   map[sound.Param]float64
	paused   bool

	// TransitionError is returned by TransitionTo.
	TransitionError error

	// ParamError is returned by SetParam and Param.
	ParamError error

	// Transitions records every TransitionTo call.
	Transitions []TransitionCall

	// CallCountSetPaused counts SetPaused calls.
	CallCountSetPaused int
}

var _ sound.Backend = (*Backend)(nil)

// NewBackend returns a backend providing the given channels, or all five
// channels when none are listed.
func NewBackend(ids ...sound.ChannelID) *Backend {
	if len(ids) == 0 {
		ids = []sound.ChannelID{
			sound.MusicA, sound.MusicB, sound.SfxChannel,
			sound.DuckMusicChannel, sound.DuckAllChannel,
		}
	}
	b := &Backend{
		channels: make(map[sound.ChannelID]*Channel, len(ids)),
		params:   make(map[sound.Param]float64),
	}
	for _, id := range ids {
		b.channels[id] = &Channel{}
	}
	return b
}

// Channel implements [sound.Backend].
func (b *Backend) Channel(id sound.ChannelID) sound.Channel {
	ch := b.Chan(id)
	if ch == nil {
		return nil
	}
	return ch
}

// Chan returns the concrete mock channel for id, or nil.
func (b *Backend) Chan(id sound.ChannelID) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[id]
}

// TransitionTo implements [sound.Backend].
func (b *Backend) TransitionTo(s sound.Snapshot, over time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Transitions = append(b.Transitions, TransitionCall{Snapshot: s, Over: over})
	return b.TransitionError
}

// LastTransition returns the most recent transition and whether one exists.
func (b *Backend) LastTransition() (TransitionCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Transitions) == 0 {
		return TransitionCall{}, false
	}
	return b.Transitions[len(b.Transitions)-1], true
}

// SetParam implements [sound.Backend].
func (b *Backend) SetParam(p sound.Param, db float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ParamError != nil {
		return b.ParamError
	}
	b.params[p] = db
	return nil
}

// Param implements [sound.Backend]. Unset parameters read as 0 dB.
func (b *Backend) Param(p sound.Param) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ParamError != nil {
		return 0, b.ParamError
	}
	return b.params[p], nil
}

// SetPaused implements [sound.Backend].
func (b *Backend) SetPaused(paused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountSetPaused++
	b.paused = paused
}

// Paused reports the last value passed to SetPaused.
func (b *Backend) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [sound.Source]. Every successful Fetch
// creates a new clip.
type Source struct {
	mu sync.Mutex

	// Lengths maps known paths to the length of the clip created for them.
	// Unknown paths fail with [sound.ErrNotFound].
	Lengths map[string]time.Duration

	// Errors maps paths to the error their fetch returns.
	Errors map[string]error

	// FailTimes makes the next n fetches of a path fail with
	// [sound.ErrLoadTransient].
	FailTimes map[string]int

	// Retry is returned by ShouldRetry.
	Retry bool

	// Gate, when non-nil, blocks every fetch until a value is received or
	// the channel is closed. Canceled fetches return ctx.Err().
	Gate <-chan struct{}

	// Started receives the path of every fetch when non-nil. Sends never
	// block.
	Started chan string

	// FetchCalls records the path of every Fetch call.
	FetchCalls []string

	// Created records every clip handed out.
	Created []*sound.Clip

	// ReleasedPaths records the name of every clip whose last reference was
	// released.
	ReleasedPaths []string
}

var _ sound.Source = (*Source)(nil)

// Fetch implements [sound.Source].
func (s *Source) Fetch(ctx context.Context, path string) (*sound.Clip, error) {
	s.mu.Lock()
	s.FetchCalls = append(s.FetchCalls, path)
	gate, started := s.Gate, s.Started
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- path:
		default:
		}
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.FailTimes[path]; n > 0 {
		s.FailTimes[path] = n - 1
		return nil, sound.ErrLoadTransient
	}
	if err, ok := s.Errors[path]; ok {
		return nil, err
	}
	length, ok := s.Lengths[path]
	if !ok {
		return nil, sound.ErrNotFound
	}
	clip := sound.NewClip(path, nil, 0, 0,
		sound.WithLength(length),
		sound.WithRelease(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.ReleasedPaths = append(s.ReleasedPaths, path)
		}),
	)
	s.Created = append(s.Created, clip)
	return clip, nil
}

// ShouldRetry implements [sound.Source].
func (s *Source) ShouldRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Retry
}

// FetchCount returns how many times path was fetched.
func (s *Source) FetchCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.FetchCalls {
		if p == path {
			n++
		}
	}
	return n
}

// ReleaseCount returns how many clips have been fully released.
func (s *Source) ReleaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ReleasedPaths)
}

// CreatedCount returns how many clips have been handed out.
func (s *Source) CreatedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Created)
}

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is a manual [sound.Clock]. Time only moves when [Clock.Advance] is
// called; due timers fire synchronously inside Advance in deadline order.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

var _ sound.Clock = (*Clock)(nil)

// NewClock returns a clock reading start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

type timer struct {
	clock *Clock
	at    time.Time
	f     func()
	done  bool
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Now implements [sound.Clock].
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [sound.Clock].
func (c *Clock) AfterFunc(d time.Duration, f func()) sound.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and runs every timer that became due,
// including timers scheduled by the callbacks themselves.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*timer
		live := c.timers[:0]
		for _, t := range c.timers {
			switch {
			case t.done:
			case !t.at.After(c.now):
				t.done = true
				due = append(due, t)
			default:
				live = append(live, t)
			}
		}
		c.timers = live
		c.mu.Unlock()

		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		for _, t := range due {
			t.f()
		}
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}
