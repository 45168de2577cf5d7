package ebiten

import (
	"time"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// weights is the music routing of a snapshot: the gain of each music channel
// and how much of the low-pass signal is mixed in.
type weights struct {
	a, b, lowpass float64
}

func snapshotWeights(s sound.Snapshot) weights {
	ch, lp := s.Channel()
	var w weights
	if ch == sound.MusicA {
		w.a = 1
	} else {
		w.b = 1
	}
	if lp {
		w.lowpass = 1
	}
	return w
}

func lerp(from, to, t float64) float64 { return from + (to-from)*t }

// mixer holds the parameter and snapshot state of the backend. It is not safe
// for concurrent use.
type mixer struct {
	params map[sound.Param]float64

	from, to weights
	start    time.Time
	over     time.Duration
}

func newMixer() mixer {
	full := sound.LinearToDB(1)
	w := snapshotWeights(sound.SnapshotMusicA)
	return mixer{
		params: map[sound.Param]float64{
			sound.ParamMaster: full,
			sound.ParamMusic:  full,
			sound.ParamSfx:    full,
		},
		from: w,
		to:   w,
	}
}

// transition starts a ramp from the weights at now towards s.
func (m *mixer) transition(s sound.Snapshot, now time.Time, over time.Duration) {
	m.from = m.at(now)
	m.to = snapshotWeights(s)
	m.start = now
	m.over = over
}

// at returns the routing weights at now.
func (m *mixer) at(now time.Time) weights {
	if m.over <= 0 || !now.Before(m.start.Add(m.over)) {
		return m.to
	}
	t := float64(now.Sub(m.start)) / float64(m.over)
	if t < 0 {
		t = 0
	}
	return weights{
		a:       lerp(m.from.a, m.to.a, t),
		b:       lerp(m.from.b, m.to.b, t),
		lowpass: lerp(m.from.lowpass, m.to.lowpass, t),
	}
}

// gain returns the player volume of channel id. Audible ducking channels
// attenuate music, and the duck-all channel also attenuates other effects.
func (m *mixer) gain(id sound.ChannelID, w weights, duckMusic, duckAll bool, duckLevel float64) float64 {
	master := sound.DBToLinear(m.params[sound.ParamMaster])
	sfx := sound.DBToLinear(m.params[sound.ParamSfx])
	switch id {
	case sound.MusicA, sound.MusicB:
		route := w.a
		if id == sound.MusicB {
			route = w.b
		}
		g := master * sound.DBToLinear(m.params[sound.ParamMusic]) * route
		if duckMusic || duckAll {
			g *= duckLevel
		}
		return g
	case sound.SfxChannel, sound.DuckMusicChannel:
		if duckAll {
			return master * sfx * duckLevel
		}
		return master * sfx
	case sound.DuckAllChannel:
		return master * sfx
	default:
		return 0
	}
}
