// Package sound defines the data model and collaborator interfaces of the
// cadenza audio engine.
//
// The engine itself lives in [github.com/MrWong99/cadenza/pkg/sound/engine].
// This package only holds what the engine and its collaborators share: the
// reference-counted [Clip], the requester-scoped [Owner], the [Backend] and
// [Channel] abstraction over the audio device, the [Source] abstraction over
// asset storage, the [Clock] used for timers, and the error taxonomy.
//
// Concrete backends and sources live in sub-packages (backend/ebiten,
// source/filesystem, source/postgres). Mocks for tests live in sub-package mock.
package sound

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clip is a decoded audio buffer.
//
// A Clip is reference counted. It is created holding a single reference that
// belongs to whoever created it (usually an asset [Source]). Every holder that
// wants to keep the clip alive past the current call must [Clip.Retain] it and
// later [Clip.Release] it. When the last reference is released the optional
// release hook runs once and the sample data is dropped.
//
// Identity is pointer identity: two loads of the same path may produce two
// distinct clips. The clip name is the rate-limiter key.
type Clip struct {
	name       string
	sampleRate int
	channels   int
	length     time.Duration

	mu      sync.RWMutex
	samples []float32

	refs      atomic.Int64
	onRelease func()
	once      sync.Once
}

// ClipOption configures a [Clip] created by [NewClip].
type ClipOption func(*Clip)

// WithLength overrides the duration computed from the sample data. Useful for
// streamed clips whose samples are not held in memory.
func WithLength(d time.Duration) ClipOption {
	return func(c *Clip) { c.length = d }
}

// WithRelease registers fn to run once when the last reference is released.
func WithRelease(fn func()) ClipOption {
	return func(c *Clip) { c.onRelease = fn }
}

// NewClip creates a clip over interleaved float32 samples in [-1, 1]. The
// returned clip holds one reference owned by the caller.
func NewClip(name string, samples []float32, sampleRate, channels int, opts ...ClipOption) *Clip {
	c := &Clip{
		name:       name,
		samples:    samples,
		sampleRate: sampleRate,
		channels:   channels,
	}
	if sampleRate > 0 && channels > 0 {
		frames := len(samples) / channels
		c.length = time.Duration(frames) * time.Second / time.Duration(sampleRate)
	}
	for _, o := range opts {
		o(c)
	}
	c.refs.Store(1)
	return c
}

// Name returns the clip name.
func (c *Clip) Name() string { return c.name }

// Length returns the playback duration of the clip.
func (c *Clip) Length() time.Duration { return c.length }

// SampleRate returns the sample rate in Hz.
func (c *Clip) SampleRate() int { return c.sampleRate }

// Channels returns the number of interleaved channels.
func (c *Clip) Channels() int { return c.channels }

// Samples returns the interleaved sample data, or nil once the clip has been
// released. Callers must not modify the returned slice.
func (c *Clip) Samples() []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.samples
}

// Retain adds a reference and returns c for chaining. Retaining a clip whose
// last reference was already released is a programming error and panics.
func (c *Clip) Retain() *Clip {
	if c.refs.Add(1) <= 1 {
		panic("sound: retain of released clip " + c.name)
	}
	return c
}

// TryRetain adds a reference unless the last one was already released. It
// reports whether it did.
func (c *Clip) TryRetain() bool {
	if c == nil {
		return false
	}
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. The release hook runs when the count reaches
// zero. Extra releases are ignored.
func (c *Clip) Release() {
	if c == nil {
		return
	}
	if c.refs.Add(-1) != 0 {
		return
	}
	c.once.Do(func() {
		c.mu.Lock()
		c.samples = nil
		c.mu.Unlock()
		if c.onRelease != nil {
			c.onRelease()
		}
	})
}

// Refs reports the current reference count.
func (c *Clip) Refs() int64 { return c.refs.Load() }

// Released reports whether the last reference has been dropped.
func (c *Clip) Released() bool { return c.refs.Load() <= 0 }
