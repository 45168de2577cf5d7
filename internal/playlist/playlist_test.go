package playlist

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// fakePlayer loads a fresh clip per call and keeps the current track retained
// the way the crossfader does.
type fakePlayer struct {
	mu      sync.Mutex
	gate    chan struct{}
	errs    map[string]error
	played  []string
	current *sound.Clip
	created map[string][]*sound.Clip
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{errs: map[string]error{}, created: map[string][]*sound.Clip{}}
}

func (p *fakePlayer) LoadTrack(ctx context.Context, _ *sound.Owner, path string) (*sound.Clip, error) {
	p.mu.Lock()
	gate := p.gate
	err := p.errs[path]
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, sound.ErrLoadCanceled
		}
	}
	if err != nil {
		return nil, err
	}
	c := sound.NewClip(path, nil, 0, 0, sound.WithLength(time.Minute))
	p.mu.Lock()
	p.created[path] = append(p.created[path], c)
	p.mu.Unlock()
	return c, nil
}

func (p *fakePlayer) PlayTrack(c *sound.Clip) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.current
	p.current = c.Retain()
	prev.Release()
	p.played = append(p.played, c.Name())
	return nil
}

func (p *fakePlayer) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

func seeded() Option {
	return WithRand(rand.New(rand.NewPCG(7, 11)))
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDefaultOrder_PlaysAndWraps(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	c := New(p, seeded())
	ctx := context.Background()

	if err := c.Start(ctx, nil, []string{"t0", "t1", "t2"}, sound.OrderDefault, false); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if !c.Prefetched() || c.Next() != "t1" {
		t.Fatalf("after start: prefetched=%v next=%q", c.Prefetched(), c.Next())
	}

	for range 2 {
		if err := c.OnTrackChange(ctx); err != nil {
			t.Fatal(err)
		}
		c.Wait()
	}
	if got, want := p.Played(), []string{"t0", "t1", "t2"}; !equal(got, want) {
		t.Errorf("played = %v, want %v", got, want)
	}
	if c.Pointer() != 0 {
		t.Errorf("Pointer = %d, want 0 after wrap", c.Pointer())
	}
	// Only the playing clip and the prefetched t0 hold references.
	for path, clips := range p.created {
		for i, clip := range clips {
			live := (path == "t2" && clip == p.current) || (path == "t0" && i == len(clips)-1)
			if live == clip.Released() {
				t.Errorf("%s[%d]: released=%v", path, i, clip.Released())
			}
		}
	}
}

func TestStart_IntroPlayedOnlyPrefetches(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	c := New(p)
	ctx := context.Background()

	if err := c.Start(ctx, nil, []string{"a", "b"}, sound.OrderDefault, true); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if len(p.Played()) != 0 {
		t.Fatalf("played %v while intro still running", p.Played())
	}
	if !c.Prefetched() || c.Next() != "a" {
		t.Fatalf("first track not prefetched: next=%q", c.Next())
	}
	if err := c.OnTrackChange(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Played(); !equal(got, []string{"a"}) {
		t.Errorf("played = %v, want [a]", got)
	}
	if n := len(p.created["a"]); n != 1 {
		t.Errorf("a loaded %d times, want 1", n)
	}
}

func TestRandomOrder_NeverRepeats(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	c := New(p, seeded())
	ctx := context.Background()

	if err := c.Start(ctx, nil, []string{"a", "b", "c"}, sound.OrderRandom, false); err != nil {
		t.Fatal(err)
	}
	for range 200 {
		c.Wait()
		if err := c.OnTrackChange(ctx); err != nil {
			t.Fatal(err)
		}
	}
	played := p.Played()
	seen := map[string]bool{}
	for i, name := range played {
		seen[name] = true
		if i > 0 && played[i-1] == name {
			t.Fatalf("track %q repeated at %d", name, i)
		}
	}
	if len(seen) != 3 {
		t.Errorf("only %d distinct tracks played", len(seen))
	}
}

func TestShuffleOrder_CyclesArePermutations(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	c := New(p, seeded())
	ctx := context.Background()
	tracks := []string{"a", "b", "c", "d"}
	n := len(tracks)

	if err := c.Start(ctx, nil, tracks, sound.OrderShuffle, false); err != nil {
		t.Fatal(err)
	}
	for range 5*n - 1 {
		c.Wait()
		if err := c.OnTrackChange(ctx); err != nil {
			t.Fatal(err)
		}
	}
	played := p.Played()
	for cycle := range 5 {
		window := played[cycle*n : (cycle+1)*n]
		seen := map[string]bool{}
		for _, name := range window {
			seen[name] = true
		}
		if len(seen) != n {
			t.Errorf("cycle %d = %v is not a permutation", cycle, window)
		}
		if cycle > 0 && window[0] == played[cycle*n-1] {
			t.Errorf("cycle %d starts with the track that ended the previous one (%q)", cycle, window[0])
		}
	}
}

func TestSingleTrack_Repeats(t *testing.T) {
	t.Parallel()
	for _, order := range []sound.Order{sound.OrderDefault, sound.OrderRandom, sound.OrderShuffle} {
		p := newFakePlayer()
		c := New(p, seeded())
		ctx := context.Background()
		if err := c.Start(ctx, nil, []string{"only"}, order, false); err != nil {
			t.Fatal(err)
		}
		c.Wait()
		if err := c.OnTrackChange(ctx); err != nil {
			t.Fatal(err)
		}
		if got := p.Played(); !equal(got, []string{"only", "only"}) {
			t.Errorf("%v: played = %v", order, got)
		}
		c.Wait()
	}
}

func TestStart_CopiesPaths(t *testing.T) {
	t.Parallel()
	c := New(newFakePlayer())
	paths := []string{"a", "b"}
	if err := c.Start(context.Background(), nil, paths, sound.OrderDefault, false); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	paths[1] = "mutated"
	if c.Next() != "b" {
		t.Errorf("Next = %q, caller mutation leaked into the playlist", c.Next())
	}
}

func TestStart_Empty(t *testing.T) {
	t.Parallel()
	c := New(newFakePlayer())
	if err := c.Start(context.Background(), nil, nil, sound.OrderDefault, false); !errors.Is(err, ErrEmpty) {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
	if c.Active() {
		t.Error("active after empty start")
	}
}

func TestStop_ReleasesPrefetchAndSilencesTrackChange(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	c := New(p)
	ctx := context.Background()
	_ = c.Start(ctx, nil, []string{"a", "b"}, sound.OrderDefault, false)
	c.Wait()

	c.Stop()
	if b := p.created["b"]; len(b) != 1 || !b[0].Released() {
		t.Error("prefetched clip not released on Stop")
	}
	if err := c.OnTrackChange(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Played(); !equal(got, []string{"a"}) {
		t.Errorf("played = %v after Stop", got)
	}
	if c.Active() || c.Next() != "" {
		t.Error("playlist still active after Stop")
	}
}

func TestLoadFailure_SkipMovesOn(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	p.errs["b"] = sound.ErrNotFound
	c := New(p)
	ctx := context.Background()

	_ = c.Start(ctx, nil, []string{"a", "b", "c"}, sound.OrderDefault, false)
	c.Wait()
	if c.Prefetched() {
		t.Fatal("failed prefetch cached a clip")
	}
	if err := c.OnTrackChange(ctx); !errors.Is(err, sound.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	c.Skip()
	if c.Next() != "c" {
		t.Fatalf("Next = %q after Skip, want c", c.Next())
	}
	if err := c.OnTrackChange(ctx); err != nil {
		t.Fatal(err)
	}
	if got := p.Played(); !equal(got, []string{"a", "c"}) {
		t.Errorf("played = %v, want [a c]", got)
	}
	c.Wait()
}

func TestRestart_DiscardsStalePrefetch(t *testing.T) {
	t.Parallel()
	p := newFakePlayer()
	p.gate = make(chan struct{})
	c := New(p)
	ctx := context.Background()

	_ = c.Start(ctx, nil, []string{"old"}, sound.OrderDefault, true)
	_ = c.Start(ctx, nil, []string{"new"}, sound.OrderDefault, true)
	close(p.gate)
	c.Wait()

	if c.Next() != "new" || !c.Prefetched() {
		t.Fatalf("next=%q prefetched=%v", c.Next(), c.Prefetched())
	}
	for _, clip := range p.created["old"] {
		if !clip.Released() {
			t.Error("prefetch of the replaced playlist kept its clip")
		}
	}
}
