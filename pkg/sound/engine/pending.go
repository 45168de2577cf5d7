package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// ErrPending is returned by [Pending.Result] before the request completes.
var ErrPending = errors.New("engine: request still pending")

// Pending is the outcome of an asynchronous play request. It completes
// exactly once, either with the clip that started playing or with an error.
//
// The clip reference belongs to the engine; call [sound.Clip.Retain] to keep
// it past its playback.
type Pending struct {
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	clip *sound.Clip
	err  error
}

func newPending(cancel context.CancelFunc) *Pending {
	if cancel == nil {
		cancel = func() {}
	}
	return &Pending{done: make(chan struct{}), cancel: cancel}
}

// failed returns a completed future carrying err.
func failed(err error) *Pending {
	p := newPending(nil)
	p.resolve(nil, err)
	return p
}

func (p *Pending) resolve(clip *sound.Clip, err error) {
	p.once.Do(func() {
		p.clip, p.err = clip, err
		close(p.done)
	})
}

// Done is closed once the request has completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Cancel aborts the request if it has not completed yet. The future then
// completes with [sound.ErrLoadCanceled].
func (p *Pending) Cancel() { p.cancel() }

// Wait blocks until the request completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*sound.Clip, error) {
	select {
	case <-p.done:
		return p.clip, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a completed request, or [ErrPending] while
// it is still running.
func (p *Pending) Result() (*sound.Clip, error) {
	select {
	case <-p.done:
		return p.clip, p.err
	default:
		return nil, ErrPending
	}
}
