// Package ratelimit caps how many instances of the same sound effect may
// start within a sliding time window.
//
// Every clip name owns a FIFO of recent start timestamps holding at most
// maxSame entries. A start is admitted while the FIFO has room; once full it
// is admitted only when the oldest start lies at least one clip length in the
// past, in which case the oldest entry is rotated out. Within any window
// (t-D, t] at most maxSame starts are therefore admitted for a clip of
// length D.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultMaxSame is the default per-clip cap.
const DefaultMaxSame = 3

// DefaultCleanupThreshold is how long an idle window is kept before
// [Limiter.Sweep] drops it.
const DefaultCleanupThreshold = 30 * time.Second

// Limiter is a per-clip sliding-window limiter. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	maxSame int
	cleanup time.Duration
	windows map[string]*window
}

type window struct {
	starts []time.Time // oldest first
	length time.Duration
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithCleanupThreshold sets the idle time after which a window whose clip
// has finished is dropped by [Limiter.Sweep].
func WithCleanupThreshold(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.cleanup = d
		}
	}
}

// New creates a limiter admitting at most maxSame overlapping starts per clip.
// Values below 1 select [DefaultMaxSame].
func New(maxSame int, opts ...Option) *Limiter {
	if maxSame < 1 {
		maxSame = DefaultMaxSame
	}
	l := &Limiter{
		maxSame: maxSame,
		cleanup: DefaultCleanupThreshold,
		windows: make(map[string]*window),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Admit reports whether a new instance of the clip named name with the given
// length may start at now, and records the start if so. A non-positive
// length counts as already expired.
func (l *Limiter) Admit(name string, length time.Duration, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[name]
	if !ok {
		w = &window{starts: make([]time.Time, 0, l.maxSame)}
		l.windows[name] = w
	}
	w.length = length

	if len(w.starts) < l.maxSame {
		w.starts = append(w.starts, now)
		return true
	}
	if !expired(w.starts[0], length, now) {
		return false
	}
	copy(w.starts, w.starts[1:])
	w.starts[len(w.starts)-1] = now
	return true
}

// Revoke takes back the start [Limiter.Admit] recorded for name at the given
// time, for example because playback failed. An entry rotated out by that admission was
// already expired and is not restored.
func (l *Limiter) Revoke(name string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[name]
	if !ok {
		return
	}
	for i := len(w.starts) - 1; i >= 0; i-- {
		if w.starts[i].Equal(at) {
			w.starts = append(w.starts[:i], w.starts[i+1:]...)
			return
		}
	}
}

// Sweep drops windows whose newest start is older than both the clip length
// and the cleanup threshold. It returns the number of windows dropped.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for name, w := range l.windows {
		if len(w.starts) == 0 {
			delete(l.windows, name)
			dropped++
			continue
		}
		newest := w.starts[len(w.starts)-1]
		if expired(newest, w.length, now) && now.Sub(newest) >= l.cleanup {
			delete(l.windows, name)
			dropped++
		}
	}
	return dropped
}

// SetMaxSame changes the per-clip cap. Existing windows keep their newest
// entries when the cap shrinks.
func (l *Limiter) SetMaxSame(n int) {
	if n < 1 {
		n = DefaultMaxSame
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxSame = n
	for _, w := range l.windows {
		if len(w.starts) > n {
			w.starts = append(w.starts[:0], w.starts[len(w.starts)-n:]...)
		}
	}
}

// Len returns the number of tracked clip names.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Reset forgets every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.windows)
}

func expired(start time.Time, length time.Duration, now time.Time) bool {
	if length <= 0 {
		return true
	}
	return now.Sub(start) >= length
}
