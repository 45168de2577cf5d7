package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// SourceFallback implements [sound.Source] over several sources, each behind
// its own circuit breaker. A fetch goes to the first source that has the
// asset; missing assets and cancellation never trip a breaker.
type SourceFallback struct {
	group *FallbackGroup[sound.Source]
}

var (
	_ sound.Source = (*SourceFallback)(nil)
	_ sound.Pinger = (*SourceFallback)(nil)
)

// NewSourceFallback creates a [SourceFallback] with primary as the preferred
// source. cfg.CircuitBreaker.IsFailure and cfg.Abort are filled in when
// left nil.
func NewSourceFallback(primary sound.Source, primaryName string, cfg FallbackConfig) *SourceFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = isSourceFailure
	}
	if cfg.Abort == nil {
		cfg.Abort = isCanceled
	}
	return &SourceFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another source tried after the previous ones.
func (f *SourceFallback) AddFallback(name string, src sound.Source) {
	f.group.AddFallback(name, src)
}

// Fetch implements [sound.Source].
//
// Failures of a source that does not retry are wrapped in
// [sound.ErrLoadFailed] so callers do not retry them. When every source fails
// the returned error reports the failure most worth retrying: a retryable one
// before a permanent one before "not found".
func (f *SourceFallback) Fetch(ctx context.Context, path string) (*sound.Clip, error) {
	var errs []error
	clip, err := ExecuteWithResult(f.group, func(s sound.Source) (*sound.Clip, error) {
		clip, err := s.Fetch(ctx, path)
		if err != nil {
			err = classify(s, err)
			errs = append(errs, err)
		}
		return clip, err
	})
	if err == nil {
		return clip, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if decisive := mostRetryable(errs); decisive != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllFailed, decisive)
	}
	return nil, err
}

// ShouldRetry implements [sound.Source]. It reports true when any source is
// retryable; failures of the others are already marked permanent by
// [SourceFallback.Fetch].
func (f *SourceFallback) ShouldRetry() bool {
	retry := false
	f.group.Each(func(_ string, s sound.Source, _ State) {
		retry = retry || s.ShouldRetry()
	})
	return retry
}

// classify marks failures of a non-retrying source as permanent.
func classify(s sound.Source, err error) error {
	if s.ShouldRetry() || errors.Is(err, sound.ErrNotFound) || errors.Is(err, sound.ErrLoadFailed) || isCanceled(err) {
		return err
	}
	return fmt.Errorf("%w: %w", sound.ErrLoadFailed, err)
}

// mostRetryable picks the first retryable error, else the first permanent
// one, else the first one.
func mostRetryable(errs []error) error {
	var permanent error
	for _, err := range errs {
		switch {
		case errors.Is(err, sound.ErrNotFound):
		case errors.Is(err, sound.ErrLoadFailed):
			if permanent == nil {
				permanent = err
			}
		default:
			return err
		}
	}
	if permanent != nil {
		return permanent
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Ping implements [sound.Pinger]. It succeeds when at least one source is
// reachable; sources that do not implement [sound.Pinger] count as
// reachable.
func (f *SourceFallback) Ping(ctx context.Context) error {
	var errs []error
	ok := false
	f.group.Each(func(name string, s sound.Source, state State) {
		if state == StateOpen {
			errs = append(errs, errors.New(name+": circuit open"))
			return
		}
		p, isPinger := s.(sound.Pinger)
		if !isPinger {
			ok = true
			return
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
			return
		}
		ok = true
	})
	if ok {
		return nil
	}
	return errors.Join(errs...)
}

// States returns the breaker state per source name.
func (f *SourceFallback) States() map[string]State {
	out := make(map[string]State, f.group.Len())
	f.group.Each(func(name string, _ sound.Source, state State) {
		out[name] = state
	})
	return out
}

func isSourceFailure(err error) bool {
	return err != nil && !errors.Is(err, sound.ErrNotFound) && !isCanceled(err)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
