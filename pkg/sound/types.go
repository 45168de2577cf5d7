package sound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy shared by the engine and its collaborators. Wrap these with
// fmt.Errorf and %w; test with [errors.Is].
var (
	// ErrLoadFailed is a permanent load failure.
	ErrLoadFailed = errors.New("sound: load failed")

	// ErrLoadTransient is a retryable load failure.
	ErrLoadTransient = errors.New("sound: transient load failure")

	// ErrLoadCanceled means the load was canceled. It is not a fault.
	ErrLoadCanceled = errors.New("sound: load canceled")

	// ErrGateTimeout means the music load gate could not be acquired in time.
	ErrGateTimeout = errors.New("sound: music load gate timeout")

	// ErrBackendPlayback wraps errors raised by the audio backend.
	ErrBackendPlayback = errors.New("sound: backend playback error")

	// ErrEmptyPath is returned for loads of an empty path.
	ErrEmptyPath = errors.New("sound: empty path")

	// ErrNotFound is returned by sources when no asset exists at a path.
	// It is never retried.
	ErrNotFound = errors.New("sound: asset not found")

	// ErrMissingChannel means the backend lacks a required channel.
	ErrMissingChannel = errors.New("sound: backend channel missing")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("sound: closed")
)

// Source fetches and decodes assets by path.
//
// Implementations must honour ctx cancellation and release anything they
// acquired before returning on cancellation.
type Source interface {
	// Fetch returns a clip holding one reference owned by the caller.
	Fetch(ctx context.Context, path string) (*Clip, error)

	// ShouldRetry reports whether failures from this source are transient
	// and worth retrying after a delay.
	ShouldRetry() bool
}

// Pinger is implemented by sources that can report their readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DuckType selects how a sound effect interacts with other audio.
type DuckType int

const (
	// DuckNone plays on the plain effects channel.
	DuckNone DuckType = iota
	// DuckMusic attenuates background music while playing.
	DuckMusic
	// DuckAll attenuates music and other effects while playing.
	DuckAll
)

// String implements [fmt.Stringer].
func (d DuckType) String() string {
	switch d {
	case DuckNone:
		return "none"
	case DuckMusic:
		return "music"
	case DuckAll:
		return "all"
	default:
		return fmt.Sprintf("duck(%d)", int(d))
	}
}

// Order is a playlist ordering policy.
type Order int

const (
	// OrderDefault plays tracks in list order and wraps around.
	OrderDefault Order = iota
	// OrderRandom picks a uniformly random track that differs from the
	// previous one.
	OrderRandom
	// OrderShuffle plays a shuffled permutation and reshuffles on wrap.
	OrderShuffle
)

// String implements [fmt.Stringer].
func (o Order) String() string {
	switch o {
	case OrderDefault:
		return "default"
	case OrderRandom:
		return "random"
	case OrderShuffle:
		return "shuffle"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// ParseOrder parses "default", "random" or "shuffle". The empty string maps
// to [OrderDefault].
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return OrderDefault, nil
	case "random":
		return OrderRandom, nil
	case "shuffle":
		return OrderShuffle, nil
	default:
		return OrderDefault, fmt.Errorf("sound: unknown playlist order %q", s)
	}
}

// Purpose distinguishes music loads from effect loads.
type Purpose int

const (
	PurposeSfx Purpose = iota
	PurposeMusic
)

// String implements [fmt.Stringer].
func (p Purpose) String() string {
	if p == PurposeMusic {
		return "music"
	}
	return "sfx"
}

// Clock abstracts time for the timer-driven parts of the engine.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending [Clock.AfterFunc] call.
type Timer interface {
	// Stop prevents the call from firing. It reports whether the call was
	// stopped before it fired.
	Stop() bool
}

// SystemClock is the wall-clock [Clock].
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Volume ↔ decibel mapping used for mixer parameters.
const (
	minDB     = -80.0
	dbPerUnit = 100.0
)

// LinearToDB maps a user volume in [0, 1] to decibels using value*100 - 80.
// Values outside [0, 1] are clamped.
func LinearToDB(v float64) float64 {
	return clamp01(v)*dbPerUnit + minDB
}

// DBToLinear is the inverse of [LinearToDB], clamped to [0, 1].
func DBToLinear(db float64) float64 {
	return clamp01((db - minDB) / dbPerUnit)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
