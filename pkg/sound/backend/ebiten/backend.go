// Package ebiten implements [sound.Backend] on ebiten's audio package.
//
// Every playback is an ebiten player over 16-bit stereo PCM. Channel gains
// follow the mixer state: snapshot transitions ramp the two music channels
// and the low-pass blend, audible ducking channels attenuate the channels
// below them, and the volume parameters scale everything. Gains are pushed
// to the players by [Backend.Update], which should run once per frame.
package ebiten

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/ebiten/v2/audio"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// DefaultSampleRate is used when New is given a non-positive rate.
const DefaultSampleRate = 44100

// DefaultDuckLevel is the gain applied to ducked channels.
const DefaultDuckLevel = 0.35

const playerBufferSize = 50 * time.Millisecond

var (
	// ErrUnknownParam is returned for mixer parameters the backend does not
	// provide.
	ErrUnknownParam = errors.New("ebiten: unknown mixer parameter")

	// ErrUnknownSnapshot is returned for snapshots outside the defined set.
	ErrUnknownSnapshot = errors.New("ebiten: unknown snapshot")

	errNoClip = errors.New("ebiten: no clip assigned")
)

// player is the subset of *audio.Player the backend drives.
type player interface {
	Play()
	Pause()
	IsPlaying() bool
	SetVolume(volume float64)
	Close() error
}

type playerFactory func(src io.Reader) (player, error)

// Backend is safe for concurrent use.
type Backend struct {
	newPlayer playerFactory
	rate      int
	clock     sound.Clock
	duckLevel float64

	paused atomic.Bool
	closed atomic.Bool

	mu  sync.Mutex
	mix mixer

	channels map[sound.ChannelID]*channel
}

var _ sound.Backend = (*Backend)(nil)

// Option configures a [Backend].
type Option func(*Backend)

// WithClock sets the clock used for ramps and delayed playback.
func WithClock(c sound.Clock) Option {
	return func(b *Backend) { b.clock = c }
}

// WithDuckLevel sets the gain of ducked channels, clamped to [0, 1].
func WithDuckLevel(level float64) Option {
	return func(b *Backend) { b.duckLevel = max(min(level, 1), 0) }
}

// New creates a backend on the process-wide ebiten audio context, creating
// the context at sampleRate if none exists yet.
func New(sampleRate int, opts ...Option) (*Backend, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	ctx := audio.CurrentContext()
	if ctx == nil {
		ctx = audio.NewContext(sampleRate)
	} else if ctx.SampleRate() != sampleRate {
		return nil, fmt.Errorf("ebiten: audio context already runs at %d Hz, want %d", ctx.SampleRate(), sampleRate)
	}
	factory := func(src io.Reader) (player, error) {
		p, err := ctx.NewPlayer(src)
		if err != nil {
			return nil, err
		}
		p.SetBufferSize(playerBufferSize)
		return p, nil
	}
	return newBackend(sampleRate, factory, opts...), nil
}

func newBackend(rate int, factory playerFactory, opts ...Option) *Backend {
	b := &Backend{
		newPlayer: factory,
		rate:      rate,
		clock:     sound.SystemClock,
		duckLevel: DefaultDuckLevel,
		mix:       newMixer(),
		channels:  make(map[sound.ChannelID]*channel),
	}
	for _, o := range opts {
		o(b)
	}
	for _, id := range []sound.ChannelID{
		sound.MusicA, sound.MusicB, sound.SfxChannel, sound.DuckMusicChannel, sound.DuckAllChannel,
	} {
		b.channels[id] = &channel{b: b, id: id, music: id == sound.MusicA || id == sound.MusicB}
	}
	b.Update(b.clock.Now())
	return b
}

// SampleRate returns the output sample rate.
func (b *Backend) SampleRate() int { return b.rate }

// Channel implements [sound.Backend].
func (b *Backend) Channel(id sound.ChannelID) sound.Channel {
	if c, ok := b.channels[id]; ok {
		return c
	}
	return nil
}

// TransitionTo implements [sound.Backend].
func (b *Backend) TransitionTo(s sound.Snapshot, over time.Duration) error {
	if s < sound.SnapshotMusicA || s > sound.SnapshotMusicBLowpass {
		return fmt.Errorf("%w: %d", ErrUnknownSnapshot, int(s))
	}
	now := b.clock.Now()
	b.mu.Lock()
	b.mix.transition(s, now, over)
	b.mu.Unlock()
	b.Update(now)
	return nil
}

// SetParam implements [sound.Backend].
func (b *Backend) SetParam(p sound.Param, db float64) error {
	if math.IsNaN(db) {
		return fmt.Errorf("ebiten: %s: value is NaN", p)
	}
	b.mu.Lock()
	if _, ok := b.mix.params[p]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParam, p)
	}
	b.mix.params[p] = db
	b.mu.Unlock()
	b.Update(b.clock.Now())
	return nil
}

// Param implements [sound.Backend].
func (b *Backend) Param(p sound.Param) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, ok := b.mix.params[p]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParam, p)
	}
	return db, nil
}

// SetPaused implements [sound.Backend]. Paused players keep counting as
// playing so the engine does not mistake a pause for a finished track.
func (b *Backend) SetPaused(paused bool) {
	if b.paused.Swap(paused) == paused {
		return
	}
	for _, c := range b.channels {
		c.setPaused(paused)
	}
	slog.Debug("audio output paused", "paused", paused)
}

// Update recomputes channel gains at now, advances snapshot ramps and
// disposes finished one-shots.
func (b *Backend) Update(now time.Time) {
	if b.closed.Load() {
		return
	}
	duckMusic := b.channels[sound.DuckMusicChannel].IsPlaying()
	duckAll := b.channels[sound.DuckAllChannel].IsPlaying()

	b.mu.Lock()
	w := b.mix.at(now)
	gains := make(map[sound.ChannelID]float64, len(b.channels))
	for id := range b.channels {
		gains[id] = b.mix.gain(id, w, duckMusic, duckAll, b.duckLevel)
	}
	b.mu.Unlock()

	for id, c := range b.channels {
		c.update(gains[id], w.lowpass)
	}
}

// Close stops every channel. The ebiten audio context stays alive; it is
// process-wide.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, c := range b.channels {
		c.Stop()
	}
	return nil
}

// channel is one backend voice: an assigned clip played by its main player
// plus any number of layered one-shot players.
type channel struct {
	b     *Backend
	id    sound.ChannelID
	music bool

	lowpass atomic.Uint64 // math.Float64bits of the low-pass blend

	mu    sync.Mutex
	clip  *sound.Clip
	loop  bool
	gain  float64
	main  player
	shots []player
	held  []player // paused by SetPaused
	delay sound.Timer
	gen   uint64
}

var _ sound.Channel = (*channel)(nil)

func (c *channel) SetClip(clip *sound.Clip) {
	c.mu.Lock()
	c.clip = clip
	c.mu.Unlock()
}

func (c *channel) Clip() *sound.Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clip
}

func (c *channel) SetLoop(loop bool) {
	c.mu.Lock()
	c.loop = loop
	c.mu.Unlock()
}

func (c *channel) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelDelayLocked()
	return c.startLocked()
}

func (c *channel) PlayDelayed(d time.Duration) error {
	if d <= 0 {
		return c.Play()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clip == nil {
		return fmt.Errorf("%w on %s", errNoClip, c.id)
	}
	c.cancelDelayLocked()
	c.closeMainLocked()
	gen := c.gen
	c.delay = c.b.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.delay = nil
		if err := c.startLocked(); err != nil {
			slog.Error("delayed playback failed", "channel", c.id.String(), "err", err)
		}
	})
	return nil
}

func (c *channel) PlayOneShot(clip *sound.Clip) error {
	if clip == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.newPlayerLocked(clip, false)
	if err != nil {
		return err
	}
	c.shots = append(c.shots, p)
	return nil
}

func (c *channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelDelayLocked()
	c.closeMainLocked()
	for _, p := range c.shots {
		_ = p.Close()
	}
	c.shots = nil
	c.held = nil
}

func (c *channel) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delay != nil || len(c.held) > 0 {
		return true
	}
	if c.main != nil && c.main.IsPlaying() {
		return true
	}
	for _, p := range c.shots {
		if p.IsPlaying() {
			return true
		}
	}
	return false
}

// startLocked replaces the main player with a new one over the assigned
// clip.
func (c *channel) startLocked() error {
	if c.clip == nil {
		return fmt.Errorf("%w on %s", errNoClip, c.id)
	}
	c.closeMainLocked()
	p, err := c.newPlayerLocked(c.clip, c.loop)
	if err != nil {
		return err
	}
	c.main = p
	return nil
}

func (c *channel) newPlayerLocked(clip *sound.Clip, loop bool) (player, error) {
	p, err := c.b.newPlayer(c.stream(clip, loop))
	if err != nil {
		return nil, fmt.Errorf("ebiten: %s: new player for %s: %w", c.id, clip.Name(), err)
	}
	p.SetVolume(c.gain)
	if c.b.paused.Load() {
		c.held = append(c.held, p)
	} else {
		p.Play()
	}
	return p, nil
}

// stream builds the PCM reader for clip at the backend's sample rate.
func (c *channel) stream(clip *sound.Clip, loop bool) io.Reader {
	pcm := encodePCM(clip)
	size := int64(len(pcm))
	var src io.ReadSeeker = bytes.NewReader(pcm)
	if from := clip.SampleRate(); from > 0 && from != c.b.rate && size > 0 {
		src = audio.Resample(src, size, from, c.b.rate)
		size = resampledSize(size, from, c.b.rate)
	}
	if loop && size > 0 {
		src = audio.NewInfiniteLoop(src, size)
	}
	if c.music {
		return newLowpassReader(src, &c.lowpass, c.b.rate)
	}
	return src
}

func (c *channel) closeMainLocked() {
	if c.main == nil {
		return
	}
	c.unholdLocked(c.main)
	_ = c.main.Close()
	c.main = nil
}

func (c *channel) cancelDelayLocked() {
	c.gen++
	if c.delay != nil {
		c.delay.Stop()
		c.delay = nil
	}
}

func (c *channel) unholdLocked(p player) {
	for i, h := range c.held {
		if h == p {
			c.held = append(c.held[:i], c.held[i+1:]...)
			return
		}
	}
}

func (c *channel) setPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !paused {
		for _, p := range c.held {
			p.Play()
		}
		c.held = nil
		return
	}
	for _, p := range append([]player{c.main}, c.shots...) {
		if p != nil && p.IsPlaying() {
			p.Pause()
			c.held = append(c.held, p)
		}
	}
}

// update applies gain and the low-pass blend and drops finished one-shots.
func (c *channel) update(gain, lowpass float64) {
	c.lowpass.Store(math.Float64bits(lowpass))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain = gain
	if c.main != nil {
		c.main.SetVolume(gain)
	}
	live := c.shots[:0]
	for _, p := range c.shots {
		if p.IsPlaying() || c.isHeldLocked(p) {
			p.SetVolume(gain)
			live = append(live, p)
			continue
		}
		_ = p.Close()
	}
	clear(c.shots[len(live):])
	c.shots = live
}

func (c *channel) isHeldLocked(p player) bool {
	for _, h := range c.held {
		if h == p {
			return true
		}
	}
	return false
}
