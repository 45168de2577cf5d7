// Package sfxregistry keeps sound-effect clips alive while they play.
//
// Every admitted effect is tracked with a reference on its clip and released
// automatically once the clip length has elapsed. The registry is bounded: when
// more effects are tracked than allowed, the oldest entries are released
// first. [Registry.Sweep] reclaims entries whose auto-release timer was lost.
package sfxregistry

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/sound"
)

// DefaultMaxActive is the default cap on tracked effects.
const DefaultMaxActive = 64

// minHold keeps clips with unknown length alive for at least one frame.
const minHold = 50 * time.Millisecond

// Registry is safe for concurrent use.
type Registry struct {
	clock   sound.Clock
	metrics *observe.Metrics

	mu        sync.Mutex
	maxActive int
	order     *list.List // of *entry, oldest first
	closed    bool
}

type entry struct {
	clip    *sound.Clip
	expires time.Time
	timer   sound.Timer
	elem    *list.Element
}

// Option configures a [Registry].
type Option func(*Registry)

// WithClock sets the clock used for auto-release timers.
func WithClock(c sound.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a registry holding at most maxActive effects. Values below 1
// select [DefaultMaxActive].
func New(maxActive int, opts ...Option) *Registry {
	if maxActive < 1 {
		maxActive = DefaultMaxActive
	}
	r := &Registry{
		clock:     sound.SystemClock,
		maxActive: maxActive,
		order:     list.New(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Track retains clip and releases it after its length. When the registry is
// full the oldest tracked effects are released to make room.
func (r *Registry) Track(clip *sound.Clip) {
	if clip == nil {
		return
	}
	hold := clip.Length()
	if hold < minHold {
		hold = minHold
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	e := &entry{clip: clip.Retain(), expires: r.clock.Now().Add(hold)}
	e.elem = r.order.PushBack(e)
	e.timer = r.clock.AfterFunc(hold, func() { r.expire(e) })

	var evicted []*entry
	for r.order.Len() > r.maxActive {
		evicted = append(evicted, r.remove(r.order.Front().Value.(*entry)))
	}
	r.mu.Unlock()

	r.metrics.ActiveSfx.Add(context.Background(), int64(1-len(evicted)))
	release(evicted)
}

// expire is the auto-release callback of e.
func (r *Registry) expire(e *entry) {
	r.mu.Lock()
	if e.elem == nil {
		r.mu.Unlock()
		return
	}
	r.remove(e)
	r.mu.Unlock()

	r.metrics.ActiveSfx.Add(context.Background(), -1)
	e.clip.Release()
}

// remove unlinks e and stops its timer. Must be called with r.mu held.
func (r *Registry) remove(e *entry) *entry {
	r.order.Remove(e.elem)
	e.elem = nil
	e.timer.Stop()
	return e
}

// Sweep releases entries whose expiry lies in the past. It returns how many
// were reclaimed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var stale []*entry
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !e.expires.After(now) {
			stale = append(stale, r.remove(e))
		}
		el = next
	}
	r.mu.Unlock()

	if len(stale) > 0 {
		r.metrics.ActiveSfx.Add(context.Background(), -int64(len(stale)))
	}
	release(stale)
	return len(stale)
}

// SetMaxActive changes the cap. Shrinking releases the oldest entries.
func (r *Registry) SetMaxActive(n int) {
	if n < 1 {
		n = DefaultMaxActive
	}
	r.mu.Lock()
	r.maxActive = n
	var evicted []*entry
	for r.order.Len() > r.maxActive {
		evicted = append(evicted, r.remove(r.order.Front().Value.(*entry)))
	}
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.metrics.ActiveSfx.Add(context.Background(), -int64(len(evicted)))
	}
	release(evicted)
}

// Len returns the number of tracked effects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// Clear releases every tracked effect.
func (r *Registry) Clear() {
	r.mu.Lock()
	all := make([]*entry, 0, r.order.Len())
	for r.order.Len() > 0 {
		all = append(all, r.remove(r.order.Front().Value.(*entry)))
	}
	r.mu.Unlock()

	if len(all) > 0 {
		r.metrics.ActiveSfx.Add(context.Background(), -int64(len(all)))
	}
	release(all)
}

// Close releases every tracked effect and ignores later calls to Track.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Clear()
}

func release(entries []*entry) {
	for _, e := range entries {
		e.clip.Release()
	}
}
