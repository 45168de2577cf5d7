// Package loader resolves asset paths to clips.
//
// A [Loader] wraps a [sound.Source] and adds what every caller needs:
//
//   - single-flight: concurrent loads of the same path share one fetch; every
//     caller receives its own clip reference.
//   - retry: failures of a retryable source are retried after a fixed delay,
//     except "not found".
//   - cancellation: a caller whose context ends returns immediately with
//     [sound.ErrLoadCanceled]. The shared fetch keeps running for the other
//     callers and is canceled once nobody waits for it; a clip that arrives
//     after everyone left is released.
//   - reuse: a path whose last loaded clip is still held somewhere returns
//     that clip again instead of fetching a second copy, so repeated requests
//     see the same clip identity.
//   - ownership: music clips are bound to the requesting [sound.Owner].
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/sound"
)

// DefaultRetryDelay is the wait between attempts against a retryable source.
const DefaultRetryDelay = 5 * time.Second

// Loader is safe for concurrent use.
type Loader struct {
	clock      sound.Clock
	retryDelay time.Duration
	maxRetries int
	metrics    *observe.Metrics

	mu      sync.Mutex
	source  sound.Source
	group   singleflight.Group
	flights map[string]*flight
	// resident maps a path to the clip its last fetch produced. Entries hold
	// no reference; a clip that has been released is skipped and pruned.
	resident map[string]*sound.Clip
	// srcGen counts source replacements so that a fetch from a replaced
	// source does not become resident.
	srcGen uint64
	closed bool
}

// flight is one shared fetch. waiters counts every caller that joined and is
// owed a clip reference; live counts callers still waiting.
type flight struct {
	fn      func() (any, error)
	cancel  context.CancelFunc
	waiters int
	live    int
	done    bool
}

// Option configures a [Loader].
type Option func(*Loader)

// WithRetryDelay sets the delay between retries. Non-positive values are
// ignored.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// WithMaxRetries bounds the number of retries per fetch. Zero means retry
// until canceled.
func WithMaxRetries(n int) Option {
	return func(l *Loader) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// WithClock sets the clock used for retry delays.
func WithClock(c sound.Clock) Option {
	return func(l *Loader) { l.clock = c }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// New creates a loader reading from src.
func New(src sound.Source, opts ...Option) *Loader {
	l := &Loader{
		clock:      sound.SystemClock,
		retryDelay: DefaultRetryDelay,
		source:     src,
		flights:    make(map[string]*flight),
		resident:   make(map[string]*sound.Clip),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// SetSource replaces the asset source for fetches started from now on.
func (l *Loader) SetSource(src sound.Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.source = src
	l.srcGen++
	clear(l.resident)
}

// Source returns the current asset source.
func (l *Loader) Source() sound.Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.source
}

// SetRetryDelay changes the retry delay for fetches started from now on.
func (l *Loader) SetRetryDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryDelay = d
}

// Fetch loads path and returns a clip holding one reference owned by the
// caller. For [sound.PurposeMusic] with a non-nil owner the clip is also
// bound to owner.
//
// An empty path fails with [sound.ErrEmptyPath] without touching the source.
// Cancellation fails with [sound.ErrLoadCanceled].
func (l *Loader) Fetch(ctx context.Context, owner *sound.Owner, path string, purpose sound.Purpose) (*sound.Clip, error) {
	if path == "" {
		return nil, sound.ErrEmptyPath
	}
	if ctx.Err() != nil {
		return nil, canceled(path)
	}

	if clip := l.reuse(path); clip != nil {
		observe.Logger(ctx).Debug("clip still loaded, reusing", "path", path, "purpose", purpose.String())
		l.bind(owner, clip, purpose)
		return clip, nil
	}

	f, ch, err := l.join(ctx, path, purpose)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		l.leave(path, f, false)
		if res.Err != nil {
			return nil, res.Err
		}
		clip := res.Val.(*sound.Clip)
		l.bind(owner, clip, purpose)
		return clip, nil
	case <-ctx.Done():
		l.leave(path, f, true)
		go releaseLate(ch)
		observe.Logger(ctx).Debug("load canceled", "path", path, "purpose", purpose.String())
		return nil, canceled(path)
	}
}

func (l *Loader) bind(owner *sound.Owner, clip *sound.Clip, purpose sound.Purpose) {
	if purpose == sound.PurposeMusic && owner != nil {
		owner.Bind(clip)
	}
}

// reuse returns a new reference to the resident clip for path, or nil when
// there is none or it has been released.
func (l *Loader) reuse(path string) *sound.Clip {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	clip, ok := l.resident[path]
	if !ok {
		return nil
	}
	if !clip.TryRetain() {
		delete(l.resident, path)
		return nil
	}
	return clip
}

// remember records clip as resident for path and prunes released entries.
// Must be called with l.mu held.
func (l *Loader) remember(path string, clip *sound.Clip) {
	for p, c := range l.resident {
		if c.Released() {
			delete(l.resident, p)
		}
	}
	l.resident[path] = clip
}

// join attaches the caller to the flight for path, starting one if needed.
func (l *Loader) join(ctx context.Context, path string, purpose sound.Purpose) (*flight, <-chan singleflight.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, sound.ErrClosed
	}

	f, ok := l.flights[path]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{cancel: cancel}
		src, gen, delay, maxRetries := l.source, l.srcGen, l.retryDelay, l.maxRetries
		f.fn = func() (any, error) {
			return l.run(fctx, f, src, gen, path, purpose, delay, maxRetries)
		}
		l.flights[path] = f
	}
	f.waiters++
	f.live++
	return f, l.group.DoChan(path, f.fn), nil
}

// leave detaches a caller. When the last caller abandons a running flight the
// flight is canceled and forgotten so that later callers start fresh.
func (l *Loader) leave(path string, f *flight, abandoned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f.live--
	if !abandoned || f.live > 0 || f.done {
		return
	}
	f.cancel()
	l.forget(path, f)
}

// forget must be called with l.mu held.
func (l *Loader) forget(path string, f *flight) {
	if l.flights[path] == f {
		delete(l.flights, path)
		l.group.Forget(path)
	}
}

// run executes one shared fetch and hands one clip reference to every waiter.
func (l *Loader) run(ctx context.Context, f *flight, src sound.Source, gen uint64, path string, purpose sound.Purpose, delay time.Duration, maxRetries int) (any, error) {
	defer f.cancel()

	ctx, span := observe.StartLoadSpan(ctx, purpose.String(), path)
	defer span.End()

	start := time.Now()
	clip, err := l.fetch(ctx, src, path, delay, maxRetries)

	l.mu.Lock()
	f.done = true
	l.forget(path, f)
	waiters := f.waiters
	if err == nil && !l.closed && gen == l.srcGen {
		l.remember(path, clip)
	}
	l.mu.Unlock()

	status := "ok"
	switch {
	case errors.Is(err, sound.ErrLoadCanceled):
		status = "canceled"
	case errors.Is(err, sound.ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "failed"
		span.RecordError(err)
		observe.Logger(ctx).Warn("load failed", "path", path, "purpose", purpose.String(), "err", err)
	}
	l.metrics.RecordLoad(ctx, purpose.String(), status, time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	for range waiters - 1 {
		clip.Retain()
	}
	return clip, nil
}

// fetch calls the source, retrying retryable failures after delay.
func (l *Loader) fetch(ctx context.Context, src sound.Source, path string, delay time.Duration, maxRetries int) (*sound.Clip, error) {
	if src == nil {
		return nil, fmt.Errorf("loader: %s: no asset source: %w", path, sound.ErrLoadFailed)
	}
	for attempt := 0; ; attempt++ {
		clip, err := src.Fetch(ctx, path)
		if err == nil && clip == nil {
			err = errors.New("source returned no clip")
		}
		if ctx.Err() != nil {
			clip.Release()
			return nil, canceled(path)
		}
		if err == nil {
			return clip, nil
		}

		if !retryable(src, err) || (maxRetries > 0 && attempt >= maxRetries) {
			if errors.Is(err, sound.ErrNotFound) || errors.Is(err, sound.ErrLoadFailed) {
				return nil, fmt.Errorf("loader: %s: %w", path, err)
			}
			return nil, fmt.Errorf("loader: %s: %w: %w", path, sound.ErrLoadFailed, err)
		}

		l.metrics.LoadRetries.Add(ctx, 1)
		observe.Logger(ctx).Warn("load failed, retrying",
			"path", path, "attempt", attempt+1, "delay", delay, "err", err)
		if !l.sleep(ctx, delay) {
			return nil, canceled(path)
		}
	}
}

// sleep waits for d on the loader clock. It returns false when ctx ends first.
func (l *Loader) sleep(ctx context.Context, d time.Duration) bool {
	elapsed := make(chan struct{})
	t := l.clock.AfterFunc(d, func() { close(elapsed) })
	select {
	case <-elapsed:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// InFlight returns the number of fetches currently running.
func (l *Loader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flights)
}

// Close cancels every running fetch. Later calls to Fetch fail with
// [sound.ErrClosed].
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	clear(l.resident)
	for path, f := range l.flights {
		f.cancel()
		l.forget(path, f)
	}
}

// retryable reports whether err is worth another attempt. Errors already
// classified as [sound.ErrLoadFailed] are permanent even when the source
// retries in general.
func retryable(src sound.Source, err error) bool {
	return src.ShouldRetry() && !errors.Is(err, sound.ErrNotFound) && !errors.Is(err, sound.ErrLoadFailed)
}

func canceled(path string) error {
	return fmt.Errorf("loader: %s: %w", path, sound.ErrLoadCanceled)
}

// releaseLate drops the reference owed to a caller that stopped waiting.
func releaseLate(ch <-chan singleflight.Result) {
	res := <-ch
	if clip, ok := res.Val.(*sound.Clip); ok {
		clip.Release()
	}
}
