package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported individually; everything else only
// sets RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AudioChanged is set when effect_enabled, effect_intensity or
	// cue_enabled changed.
	AudioChanged bool

	CommandersChanged bool
	BacklogChanged    bool

	// RestartRequired lists the sections whose changes only take effect after
	// a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AudioChanged || d.CommandersChanged || d.BacklogChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Audio, new.Audio
	if oa.EffectEnabled != na.EffectEnabled || oa.Intensity() != na.Intensity() || oa.CueEnabled != na.CueEnabled {
		d.AudioChanged = true
	}
	if oa.WriterBacklog != na.WriterBacklog {
		d.BacklogChanged = true
	}

	oc, nc := old.Commanders, new.Commanders
	if !slices.Equal(oc.Users, nc.Users) || !slices.Equal(oc.Roles, nc.Roles) || oc.AllowEveryone != nc.AllowEveryone {
		d.CommandersChanged = true
	}

	// Sections that need a restart.
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.MDNS != new.Server.MDNS {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !slices.Equal(old.Destinations, new.Destinations) {
		d.RestartRequired = append(d.RestartRequired, "destinations")
	}
	ow, nw := old.Whisper, new.Whisper
	if ow.RelayChannelID != nw.RelayChannelID || ow.WebhookURL != nw.WebhookURL || !slices.Equal(ow.Chiefs, nw.Chiefs) {
		d.RestartRequired = append(d.RestartRequired, "whisper")
	}
	if old.Briefing != new.Briefing {
		d.RestartRequired = append(d.RestartRequired, "briefing")
	}
	if oa.CuePath != na.CuePath || oa.EffectBackend != na.EffectBackend || oa.FFmpegPath != na.FFmpegPath || oa.SilenceTimeout != na.SilenceTimeout {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}
