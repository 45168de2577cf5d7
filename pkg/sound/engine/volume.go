package engine

import (
	"context"
	"fmt"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// volume is the user-facing state of one mixer parameter. The backend value
// is the user volume, or silence while muted.
type volume struct {
	user  float64
	muted bool
}

// SetVolume sets the user volume of p in [0, 1]. Out-of-range values are
// clamped. While p is muted only the cached value changes.
func (e *Engine) SetVolume(p sound.Param, v float64) error {
	v = min(max(v, 0), 1)
	e.volMu.Lock()
	defer e.volMu.Unlock()
	st := e.volumeLocked(p)
	st.user = v
	if st.muted {
		return nil
	}
	return e.applyVolume(p, v)
}

// Volume returns the user volume of p, which survives muting.
func (e *Engine) Volume(p sound.Param) float64 {
	e.volMu.Lock()
	defer e.volMu.Unlock()
	return e.volumeLocked(p).user
}

// SetMuted mutes or unmutes p. Muting music also stops playlist advancement
// until music is unmuted.
func (e *Engine) SetMuted(p sound.Param, muted bool) error {
	e.volMu.Lock()
	st := e.volumeLocked(p)
	st.muted = muted
	target := st.user
	if muted {
		target = 0
	}
	err := e.applyVolume(p, target)
	e.volMu.Unlock()

	if p == sound.ParamMusic {
		if muted {
			e.mode.And(^PlayingMusic)
		} else if e.crossfader.Current() != nil {
			e.mode.Or(PlayingMusic)
		}
	}
	return err
}

// Muted reports whether p is muted.
func (e *Engine) Muted(p sound.Param) bool {
	e.volMu.Lock()
	defer e.volMu.Unlock()
	return e.volumeLocked(p).muted
}

// AppliedVolume reads the value of p from the backend, mapped back to
// [0, 1].
func (e *Engine) AppliedVolume(p sound.Param) (float64, error) {
	db, err := e.backend.Param(p)
	if err != nil {
		return 0, fmt.Errorf("engine: read %s: %w: %w", p, sound.ErrBackendPlayback, err)
	}
	return sound.DBToLinear(db), nil
}

// volumeLocked must be called with e.volMu held.
func (e *Engine) volumeLocked(p sound.Param) *volume {
	st, ok := e.volumes[p]
	if !ok {
		st = &volume{user: 1}
		e.volumes[p] = st
	}
	return st
}

func (e *Engine) applyVolume(p sound.Param, v float64) error {
	if err := e.backend.SetParam(p, sound.LinearToDB(v)); err != nil {
		e.metrics.RecordBackendError(context.Background(), "volume")
		return fmt.Errorf("engine: set %s: %w: %w", p, sound.ErrBackendPlayback, err)
	}
	return nil
}
