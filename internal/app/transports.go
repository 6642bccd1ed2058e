package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/pkg/audio"
	discordaudio "github.com/MrWong99/voxrelay/pkg/audio/discord"
)

// Transports are the voice and text links the relay runs on: the emitter in
// the headquarters channel and one receiver per destination.
type Transports struct {
	Source    audio.Endpoint
	Directory audio.Directory

	// Commands carries whisper commands. Nil disables the text channel.
	Commands audio.CommandBus

	// Destinations are keyed by the configured destination name.
	Destinations map[string]audio.Endpoint

	Decoders audio.DecoderFactory

	// Session is the emitter's gateway session. The slash commands and the
	// dashboard ride on it; nil disables both.
	Session *discordgo.Session

	closers []func() error
}

// Close closes every gateway session, the emitter last.
func (t *Transports) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// OpenTransports opens one bot session per configured token. Voice channels
// are joined later by the relay. On failure every session opened so far is
// closed again.
func OpenTransports(cfg *config.Config, logger *slog.Logger) (*Transports, error) {
	t := &Transports{
		Destinations: make(map[string]audio.Endpoint, len(cfg.Destinations)),
		Decoders:     discordaudio.NewDecoder,
	}

	emitter, err := openPlatform(cfg.Discord.Token, cfg.Discord.GuildID, logger.With("bot", cfg.Discord.SourceName))
	if err != nil {
		return nil, fmt.Errorf("app: emitter: %w", err)
	}
	t.closers = append(t.closers, emitter.Close)
	t.Session = emitter.Session()
	t.Directory = emitter.Directory()
	if cfg.Whisper.RelayChannelID != "" {
		t.Commands = emitter.Commands()
	}
	t.Source = emitter.Endpoint(cfg.Discord.SourceChannelID, discordaudio.WithSpeechEnd(cfg.Audio.SilenceTimeout))

	for _, d := range cfg.Destinations {
		p, err := openPlatform(d.Token, cfg.Discord.GuildID, logger.With("bot", d.Name))
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("app: destination %q: %w", d.Name, err)
		}
		t.closers = append(t.closers, p.Close)
		t.Destinations[d.Name] = p.Endpoint(d.ChannelID)
	}

	logger.Info("discord sessions open", "destinations", len(t.Destinations))
	return t, nil
}

func openPlatform(token, guildID string, logger *slog.Logger) (*discordaudio.Platform, error) {
	session, err := discordaudio.OpenSession(token)
	if err != nil {
		return nil, err
	}
	return discordaudio.New(session, guildID, logger), nil
}
