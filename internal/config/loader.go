package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxrelay/internal/effect"
	"github.com/MrWong99/voxrelay/internal/routing"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset optional fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Discord.SourceName == "" {
		cfg.Discord.SourceName = DefaultSourceName
	}
	if cfg.Discord.ConnectTimeout <= 0 {
		cfg.Discord.ConnectTimeout = DefaultConnectTimeout
	}
	for i := range cfg.Destinations {
		if cfg.Destinations[i].DisplayName == "" {
			cfg.Destinations[i].DisplayName = cfg.Destinations[i].Name
		}
	}
	if cfg.Audio.EffectBackend == "" {
		cfg.Audio.EffectBackend = DefaultEffectBackend
	}
	if cfg.Audio.SilenceTimeout <= 0 {
		cfg.Audio.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Audio.WriterBacklog <= 0 {
		cfg.Audio.WriterBacklog = DefaultWriterBacklog
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Discord.SourceChannelID == "" {
		errs = append(errs, errors.New("discord.source_channel_id is required"))
	}

	// Destinations
	if len(cfg.Destinations) == 0 {
		errs = append(errs, errors.New("destinations: at least one destination is required"))
	}
	names := make(map[string]int, len(cfg.Destinations))
	channels := make(map[string]string, len(cfg.Destinations)+1)
	channels[cfg.Discord.SourceChannelID] = "discord.source_channel_id"
	tokens := map[string]string{cfg.Discord.Token: "discord.token"}
	for i, d := range cfg.Destinations {
		prefix := fmt.Sprintf("destinations[%d]", i)
		key := routing.Fold(d.Name)
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		case routing.Reserved(d.Name):
			errs = append(errs, fmt.Errorf("%s.name %q is reserved", prefix, d.Name))
		default:
			if prev, ok := names[key]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of destinations[%d]", prefix, d.Name, prev))
			}
			names[key] = i
		}
		if d.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else if prev, ok := tokens[d.Token]; ok {
			errs = append(errs, fmt.Errorf("%s.token is already used by %s; every voice channel needs its own bot", prefix, prev))
		} else {
			tokens[d.Token] = prefix + ".token"
		}
		if d.ChannelID == "" {
			errs = append(errs, fmt.Errorf("%s.channel_id is required", prefix))
		} else if prev, ok := channels[d.ChannelID]; ok {
			errs = append(errs, fmt.Errorf("%s.channel_id is already used by %s", prefix, prev))
		} else {
			channels[d.ChannelID] = prefix + ".channel_id"
		}
	}

	// Commanders
	c := cfg.Commanders
	for i, u := range c.Users {
		if u.UserID == "" {
			errs = append(errs, fmt.Errorf("commanders.users[%d].user_id is required", i))
		}
	}
	for i, r := range c.Roles {
		if r.RoleID == "" {
			errs = append(errs, fmt.Errorf("commanders.roles[%d].role_id is required", i))
		}
	}
	if len(c.Users) == 0 && len(c.Roles) == 0 && !c.AllowEveryone {
		errs = append(errs, errors.New("commanders: no user or role configured; set commanders.allow_everyone to relay everyone"))
	}
	if c.AllowEveryone && (len(c.Users) > 0 || len(c.Roles) > 0) {
		slog.Warn("commanders.allow_everyone is ignored because user or role rules are configured")
	}

	// Whisper
	for i, ch := range cfg.Whisper.Chiefs {
		prefix := fmt.Sprintf("whisper.chiefs[%d]", i)
		if ch.UserID == "" {
			errs = append(errs, fmt.Errorf("%s.user_id is required", prefix))
		}
		if _, ok := names[routing.Fold(ch.Destination)]; !ok {
			errs = append(errs, fmt.Errorf("%s.destination %q is not a configured destination", prefix, ch.Destination))
		}
	}
	if cfg.Whisper.RelayChannelID != "" && len(cfg.Whisper.Chiefs) == 0 {
		slog.Warn("whisper.relay_channel_id is set but no chief is configured; whisper commands will be rejected")
	}

	// Briefing
	if cfg.Briefing.Enabled && cfg.Briefing.ChannelID == "" {
		errs = append(errs, errors.New("briefing.channel_id is required when briefing is enabled"))
	}

	// Audio
	if i := cfg.Audio.Intensity(); i < 0 || i > 100 {
		errs = append(errs, fmt.Errorf("audio.effect_intensity %d is out of range [0, 100]", i))
	}
	if b := effect.Backend(cfg.Audio.EffectBackend); b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("audio.effect_backend %q is invalid; valid values: native, ffmpeg", cfg.Audio.EffectBackend))
	}
	if cfg.Audio.CueEnabled && cfg.Audio.CuePath == "" {
		slog.Warn("audio.cue_enabled is set but audio.cue_path is empty; no cue will play")
	}

	return errors.Join(errs...)
}
