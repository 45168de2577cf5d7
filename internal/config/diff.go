package config

import (
	"slices"

	"github.com/MrWong99/cadenza/pkg/sound"
)

// ConfigDiff describes what changed between two configs.
// Engine settings and the log level can be hot-reloaded; everything listed
// in RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineChanged is set when any setting applied by
	// [engine.Engine.Reconfigure] differs.
	EngineChanged bool

	// VolumeChanges lists the user volumes that differ, with their new
	// values.
	VolumeChanges []VolumeChange

	// RestartRequired names the changed sections that cannot be reloaded.
	RestartRequired []string
}

// VolumeChange is a changed user volume.
type VolumeChange struct {
	Param  sound.Param
	Volume float64
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EngineChanged && len(d.VolumeChanges) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oe, ne := old.EngineSettings(), new.EngineSettings()
	for _, v := range []struct {
		param    sound.Param
		old, new float64
	}{
		{sound.ParamMaster, oe.MasterVolume, ne.MasterVolume},
		{sound.ParamMusic, oe.MusicVolume, ne.MusicVolume},
		{sound.ParamSfx, oe.SfxVolume, ne.SfxVolume},
	} {
		if v.old != v.new {
			d.VolumeChanges = append(d.VolumeChanges, VolumeChange{Param: v.param, Volume: v.new})
		}
	}

	// Volumes are reported separately.
	oe.MasterVolume, oe.MusicVolume, oe.SfxVolume = 0, 0, 0
	ne.MasterVolume, ne.MusicVolume, ne.SfxVolume = 0, 0, 0
	d.EngineChanged = oe != ne

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if !slices.Equal(old.Sources, new.Sources) {
		d.RestartRequired = append(d.RestartRequired, "sources")
	}

	return d
}
