// Package playlist sequences music tracks.
//
// A [Controller] owns the track list, the ordering policy and the pointer to
// the next track. After every track start it advances the pointer and
// prefetches the following clip in the background, so that a track change
// usually plays an already loaded clip.
package playlist

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/sound"
)

// ErrEmpty is returned by [Controller.Start] for an empty track list.
var ErrEmpty = errors.New("playlist: no tracks")

// Player loads and starts playlist tracks. The engine implements it.
type Player interface {
	// LoadTrack loads path as music on behalf of owner and returns a clip
	// reference owned by the caller.
	LoadTrack(ctx context.Context, owner *sound.Owner, path string) (*sound.Clip, error)

	// PlayTrack makes clip the current music track. The player retains clip
	// if it needs it past the call. It is called with the controller locked
	// and must not call back into the controller.
	PlayTrack(clip *sound.Clip) error
}

// Controller is safe for concurrent use.
type Controller struct {
	player  Player
	metrics *observe.Metrics

	mu      sync.Mutex
	rng     *rand.Rand
	tracks  []string
	perm    []int
	order   sound.Order
	pointer int
	owner   *sound.Owner
	next    *sound.Clip
	active  bool
	gen     uint64

	prefetches sync.WaitGroup
}

// Option configures a [Controller].
type Option func(*Controller)

// WithRand sets the random source used by Random and Shuffle ordering.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rng = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a controller driving player.
func New(player Player, opts ...Option) *Controller {
	c := &Controller{player: player}
	for _, o := range opts {
		o(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start replaces the current playlist with a copy of paths.
//
// With introPlayed unset the track at the initial pointer starts right away.
// With introPlayed set an intro track is assumed to be playing already: the
// first queued track is only prefetched and starts on the next
// [Controller.OnTrackChange].
func (c *Controller) Start(ctx context.Context, owner *sound.Owner, paths []string, order sound.Order, introPlayed bool) error {
	if len(paths) == 0 {
		return ErrEmpty
	}

	c.mu.Lock()
	stale := c.next
	c.next = nil
	c.gen++
	gen := c.gen
	c.tracks = append([]string(nil), paths...)
	c.perm = make([]int, len(paths))
	for i := range c.perm {
		c.perm[i] = i
	}
	c.order = order
	c.owner = owner
	c.active = true
	switch order {
	case sound.OrderShuffle:
		c.shuffle()
		c.pointer = 0
	case sound.OrderRandom:
		c.pointer = c.rng.IntN(len(paths))
	default:
		c.pointer = 0
	}
	path := c.current()
	c.mu.Unlock()
	stale.Release()

	slog.Info("playlist started", "tracks", len(paths), "order", order.String(), "intro", introPlayed)
	if introPlayed {
		c.prefetch(ctx, gen, owner, path)
		return nil
	}
	return c.OnTrackChange(ctx)
}

// OnTrackChange starts the next track: the prefetched clip when one is
// ready, otherwise the track under the pointer is loaded first. Afterwards the
// pointer advances and the following track is prefetched. It does nothing
// while no playlist is active.
func (c *Controller) OnTrackChange(ctx context.Context) error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	gen, owner, path := c.gen, c.owner, c.current()
	clip := c.next
	c.next = nil
	c.mu.Unlock()

	if clip == nil {
		var err error
		clip, err = c.player.LoadTrack(ctx, owner, path)
		if err != nil {
			return err
		}
	}
	c.mu.Lock()
	if !c.active || c.gen != gen {
		c.mu.Unlock()
		clip.Release()
		return nil
	}
	err := c.player.PlayTrack(clip)
	clip.Release()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.advance()
	next := c.current()
	c.mu.Unlock()

	c.metrics.PlaylistAdvances.Add(ctx, 1)
	c.prefetch(ctx, gen, owner, next)
	return nil
}

// Skip moves the pointer past the current track without playing it and drops
// any prefetched clip. Used after a track failed to load.
func (c *Controller) Skip() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.advance()
	stale := c.next
	c.next = nil
	c.mu.Unlock()
	stale.Release()
}

// prefetch loads path in the background and caches it as the next track if
// the playlist is still the one identified by gen.
func (c *Controller) prefetch(ctx context.Context, gen uint64, owner *sound.Owner, path string) {
	c.prefetches.Add(1)
	go func() {
		defer c.prefetches.Done()
		clip, err := c.player.LoadTrack(ctx, owner, path)
		if err != nil {
			if errors.Is(err, sound.ErrLoadCanceled) {
				slog.Debug("playlist prefetch canceled", "path", path)
			} else {
				slog.Warn("playlist prefetch failed", "path", path, "err", err)
			}
			return
		}
		c.mu.Lock()
		if c.gen != gen || !c.active {
			c.mu.Unlock()
			clip.Release()
			return
		}
		stale := c.next
		c.next = clip
		c.mu.Unlock()
		stale.Release()
	}()
}

// Wait blocks until background prefetches have finished.
func (c *Controller) Wait() { c.prefetches.Wait() }

// Stop clears the playlist, its owner and the prefetched clip. Later track
// changes do nothing until the next [Controller.Start].
func (c *Controller) Stop() {
	c.mu.Lock()
	c.active = false
	c.gen++
	c.tracks = nil
	c.perm = nil
	c.owner = nil
	stale := c.next
	c.next = nil
	c.mu.Unlock()
	stale.Release()
}

// advance moves the pointer according to the ordering policy. Must be called
// with c.mu held.
func (c *Controller) advance() {
	n := len(c.tracks)
	if n == 0 {
		return
	}
	switch c.order {
	case sound.OrderRandom:
		if n > 1 {
			p := c.rng.IntN(n - 1)
			if p >= c.pointer {
				p++
			}
			c.pointer = p
		}
	case sound.OrderShuffle:
		c.pointer++
		if c.pointer < n {
			return
		}
		last := c.perm[n-1]
		c.pointer = 0
		c.shuffle()
		for n > 1 && c.perm[0] == last {
			c.shuffle()
		}
	default:
		c.pointer = (c.pointer + 1) % n
	}
}

// shuffle must be called with c.mu held.
func (c *Controller) shuffle() {
	c.rng.Shuffle(len(c.perm), func(i, j int) {
		c.perm[i], c.perm[j] = c.perm[j], c.perm[i]
	})
}

// current returns the path under the pointer. Must be called with c.mu held.
func (c *Controller) current() string {
	return c.tracks[c.perm[c.pointer]]
}

// Active reports whether a playlist is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Pointer returns the index into the original track list of the track that
// plays next.
func (c *Controller) Pointer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.perm) == 0 {
		return 0
	}
	return c.perm[c.pointer]
}

// Next returns the path that plays on the next track change, or "".
func (c *Controller) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ""
	}
	return c.current()
}

// Prefetched reports whether the next track is already loaded.
func (c *Controller) Prefetched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next != nil
}

// Order returns the ordering policy of the running playlist.
func (c *Controller) Order() sound.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order
}
