package sound

import (
	"fmt"
	"time"
)

// ChannelID names one of the backend channels the engine drives.
type ChannelID int

const (
	// MusicA and MusicB are the two alternating music channels.
	MusicA ChannelID = iota
	MusicB
	// SfxChannel plays plain sound effects.
	SfxChannel
	// DuckMusicChannel plays one-shots that attenuate background music.
	// Voice lines are played here as well.
	DuckMusicChannel
	// DuckAllChannel plays one-shots that attenuate music and other effects.
	DuckAllChannel
)

// String implements [fmt.Stringer].
func (id ChannelID) String() string {
	switch id {
	case MusicA:
		return "music_a"
	case MusicB:
		return "music_b"
	case SfxChannel:
		return "sfx"
	case DuckMusicChannel:
		return "duck_music"
	case DuckAllChannel:
		return "duck_all"
	default:
		return fmt.Sprintf("channel(%d)", int(id))
	}
}

// Snapshot is a named mixer state the backend can transition into.
type Snapshot int

const (
	// SnapshotMusicA routes music through channel A.
	SnapshotMusicA Snapshot = iota
	// SnapshotMusicB routes music through channel B.
	SnapshotMusicB
	// SnapshotMusicALowpass routes music through channel A with the
	// low-pass filter engaged.
	SnapshotMusicALowpass
	// SnapshotMusicBLowpass routes music through channel B with the
	// low-pass filter engaged.
	SnapshotMusicBLowpass
)

// MusicSnapshot returns the snapshot that makes ch the audible music channel.
func MusicSnapshot(ch ChannelID, lowpass bool) Snapshot {
	switch {
	case ch == MusicA && lowpass:
		return SnapshotMusicALowpass
	case ch == MusicA:
		return SnapshotMusicA
	case lowpass:
		return SnapshotMusicBLowpass
	default:
		return SnapshotMusicB
	}
}

// String implements [fmt.Stringer].
func (s Snapshot) String() string {
	switch s {
	case SnapshotMusicA:
		return "Music1"
	case SnapshotMusicB:
		return "Music2"
	case SnapshotMusicALowpass:
		return "Music1Lowpass"
	case SnapshotMusicBLowpass:
		return "Music2Lowpass"
	default:
		return fmt.Sprintf("snapshot(%d)", int(s))
	}
}

// Channel returns the music channel the snapshot makes audible and whether the
// low-pass filter is engaged.
func (s Snapshot) Channel() (ChannelID, bool) {
	switch s {
	case SnapshotMusicB:
		return MusicB, false
	case SnapshotMusicALowpass:
		return MusicA, true
	case SnapshotMusicBLowpass:
		return MusicB, true
	default:
		return MusicA, false
	}
}

// Param is a named mixer parameter, expressed in decibels.
type Param string

const (
	ParamMaster Param = "MasterVolume"
	ParamMusic  Param = "BgmVolume"
	ParamSfx    Param = "SfxVolume"
)

// Channel is a single playback voice of the backend.
//
// Implementations must be safe for concurrent use.
type Channel interface {
	// SetClip assigns the clip played by Play and PlayDelayed.
	SetClip(c *Clip)

	// Clip returns the assigned clip or nil.
	Clip() *Clip

	// SetLoop toggles looping of the assigned clip.
	SetLoop(loop bool)

	// Play starts the assigned clip from the beginning.
	Play() error

	// PlayDelayed starts the assigned clip after d.
	PlayDelayed(d time.Duration) error

	// PlayOneShot plays c once, layered over whatever the channel is
	// already playing. The assigned clip is not changed.
	PlayOneShot(c *Clip) error

	// Stop halts all playback on the channel.
	Stop()

	// IsPlaying reports whether anything is audible on the channel.
	IsPlaying() bool
}

// Backend is the audio device abstraction: a fixed set of channels, snapshot
// transitions and named parameters.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Channel returns the channel for id, or nil when the backend does not
	// provide it.
	Channel(id ChannelID) Channel

	// TransitionTo blends the mixer into snapshot s over the given duration.
	TransitionTo(s Snapshot, over time.Duration) error

	// SetParam sets the named parameter in dB.
	SetParam(p Param, db float64) error

	// Param returns the named parameter in dB.
	Param(p Param) (float64, error)

	// SetPaused pauses or resumes all output.
	SetPaused(paused bool)
}
