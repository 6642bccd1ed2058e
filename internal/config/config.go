// Package config provides the configuration schema, loader and hot-reload
// watcher for the voxrelay voice relay.
package config

import "time"

// LogLevel controls log verbosity for the voxrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultSourceName      = "HQ"
	DefaultConnectTimeout  = 30 * time.Second
	DefaultSilenceTimeout  = 500 * time.Millisecond
	DefaultEffectIntensity = 50
	DefaultWriterBacklog   = 50
	DefaultEffectBackend   = "native"
)

// Config is the root configuration structure for voxrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Discord      DiscordConfig       `yaml:"discord"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Commanders   CommandersConfig    `yaml:"commanders"`
	Whisper      WhisperConfig       `yaml:"whisper"`
	Briefing     BriefingConfig      `yaml:"briefing"`
	Audio        AudioConfig         `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	// "-" disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MDNS advertises the control API on the local network.
	MDNS bool `yaml:"mdns"`
}

// DiscordConfig configures the emitter bot in the headquarters channel.
type DiscordConfig struct {
	GuildID string `yaml:"guild_id"`

	// Token is the emitter bot token. It may reference the environment as
	// ${VAR}.
	Token string `yaml:"token"`

	// SourceChannelID is the headquarters voice channel.
	SourceChannelID string `yaml:"source_channel_id"`

	// SourceName is how headquarters is shown to operators.
	SourceName string `yaml:"source_name"`

	// OperatorRoleID gates the slash commands and dashboard buttons. Empty
	// allows every guild member.
	OperatorRoleID string `yaml:"operator_role_id"`

	// DashboardChannelID receives the routing overview embed. Empty disables
	// the dashboard.
	DashboardChannelID string `yaml:"dashboard_channel_id"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DestinationConfig describes one receiver bot and its voice channel.
type DestinationConfig struct {
	// Name is the routing identifier (e.g., "channel2").
	Name string `yaml:"name"`

	// DisplayName is shown to operators and accepted as a routing alias.
	DisplayName string `yaml:"display_name"`

	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// CommandersConfig lists who may speak on the relay.
type CommandersConfig struct {
	Users []CommanderUser `yaml:"users"`

	// Roles are ordered from highest to lowest rank. Holders of the first role
	// are privileged.
	Roles []CommanderRole `yaml:"roles"`

	// AllowEveryone must be set explicitly to run without any user or role
	// rule.
	AllowEveryone bool `yaml:"allow_everyone"`
}

// CommanderUser authorizes one member by ID.
type CommanderUser struct {
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
}

// CommanderRole authorizes every member holding a role.
type CommanderRole struct {
	RoleID string `yaml:"role_id"`
	Name   string `yaml:"name"`
}

// WhisperConfig enables chiefs in destinations to talk back to headquarters.
type WhisperConfig struct {
	// RelayChannelID is the text channel carrying WHISPER commands.
	RelayChannelID string `yaml:"relay_channel_id"`

	// WebhookURL is used by the whisper CLI command to post commands.
	WebhookURL string `yaml:"webhook_url"`

	Chiefs []ChiefConfig `yaml:"chiefs"`
}

// ChiefConfig names a member allowed to whisper from a destination.
type ChiefConfig struct {
	UserID      string `yaml:"user_id"`
	Name        string `yaml:"name"`
	Destination string `yaml:"destination"`
}

// BriefingConfig configures the regrouping channel.
type BriefingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ChannelID string `yaml:"channel_id"`
}

// AudioConfig holds audio processing settings.
type AudioConfig struct {
	EffectEnabled bool `yaml:"effect_enabled"`

	// EffectIntensity ranges from 0 (subtle) to 100 (strong). Unset selects
	// [DefaultEffectIntensity].
	EffectIntensity *int `yaml:"effect_intensity"`

	CueEnabled bool `yaml:"cue_enabled"`

	// CuePath is a WAV file played ahead of each broadcast.
	CuePath string `yaml:"cue_path"`

	// EffectBackend is "native" or "ffmpeg".
	EffectBackend string `yaml:"effect_backend"`

	// FFmpegPath overrides the ffmpeg executable for the ffmpeg backend.
	FFmpegPath string `yaml:"ffmpeg_path"`

	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// WriterBacklog is the number of chunks a destination writer may queue
	// before it is dropped. Utterances led by the cue get room for the cue on
	// top.
	WriterBacklog int `yaml:"writer_backlog"`
}

// Intensity returns the configured effect intensity or the default.
func (a AudioConfig) Intensity() int {
	if a.EffectIntensity == nil {
		return DefaultEffectIntensity
	}
	return *a.EffectIntensity
}
