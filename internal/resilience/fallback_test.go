package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
	"github.com/MrWong99/cadenza/pkg/sound/mock"
)

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	var called string
	if err := fg.Execute(func(v string) error { called = v; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", got)
	}
}

func TestFallbackGroup_AllFailWrapsLastError(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("a", "a", FallbackConfig{})
	fg.AddFallback("b", "b")

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want wrapped errTest", err)
	}
}

func TestFallbackGroup_AbortStopsWalk(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		Abort: func(err error) bool { return errors.Is(err, context.Canceled) },
	})
	fg.AddFallback("b", "b")

	var calls []string
	err := fg.Execute(func(v string) error {
		calls = append(calls, v)
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want only the primary", calls)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	_ = fg.Execute(func(v string) error { called = append(called, v); return nil })
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want [secondary]", called)
	}
}

func TestSourceFallback_FetchesFromFirstSourceWithAsset(t *testing.T) {
	t.Parallel()
	local := &mock.Source{Lengths: map[string]time.Duration{"sfx/a": time.Second}}
	remote := &mock.Source{
		Lengths: map[string]time.Duration{"sfx/b": time.Second},
		Retry:   true,
	}
	f := NewSourceFallback(local, "local", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	f.AddFallback("remote", remote)

	ctx := context.Background()
	clip, err := f.Fetch(ctx, "sfx/b")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if clip.Name() != "sfx/b" {
		t.Errorf("clip = %q", clip.Name())
	}
	clip.Release()

	// A missing asset must not open the local breaker.
	if f.States()["local"] != StateClosed {
		t.Errorf("local breaker = %v, want closed", f.States()["local"])
	}
	if _, err := f.Fetch(ctx, "sfx/missing"); !errors.Is(err, sound.ErrNotFound) {
		t.Errorf("missing asset err = %v, want ErrNotFound", err)
	}
	if !f.ShouldRetry() {
		t.Error("ShouldRetry = false, want true when any source retries")
	}
	if err := f.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestSourceFallback_CanceledFetch(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	src := &mock.Source{Gate: gate, Lengths: map[string]time.Duration{"x": time.Second}}
	f := NewSourceFallback(src, "gated", FallbackConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if f.States()["gated"] != StateClosed {
		t.Error("cancellation tripped the breaker")
	}
}

func TestSourceFallback_DecisiveError(t *testing.T) {
	t.Parallel()
	corrupt := errors.New("corrupt header")
	tests := []struct {
		name      string
		primary   *mock.Source
		secondary *mock.Source
		want      error
		permanent bool
	}{
		{
			name:      "permanent failure behind a retrying miss",
			primary:   &mock.Source{Retry: true},
			secondary: &mock.Source{Errors: map[string]error{"p": corrupt}},
			want:      corrupt,
			permanent: true,
		},
		{
			name:      "transient failure is not hidden by a later miss",
			primary:   &mock.Source{Retry: true, FailTimes: map[string]int{"p": 1}},
			secondary: &mock.Source{},
			want:      sound.ErrLoadTransient,
		},
		{
			name:      "transient failure wins over a permanent one",
			primary:   &mock.Source{Errors: map[string]error{"p": corrupt}},
			secondary: &mock.Source{Retry: true, FailTimes: map[string]int{"p": 1}},
			want:      sound.ErrLoadTransient,
		},
		{
			name:      "missing everywhere",
			primary:   &mock.Source{Retry: true},
			secondary: &mock.Source{},
			want:      sound.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewSourceFallback(tt.primary, "db", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 5, ResetTimeout: time.Hour},
			})
			f.AddFallback("fs", tt.secondary)

			_, err := f.Fetch(context.Background(), "p")
			if !errors.Is(err, ErrAllFailed) || !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if got := errors.Is(err, sound.ErrLoadFailed); got != tt.permanent {
				t.Errorf("permanent = %v, want %v (err %v)", got, tt.permanent, err)
			}
		})
	}
}
