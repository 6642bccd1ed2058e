// Package discord implements the [audio] transport contracts on top of
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with the relay's stream model.
//
// Every relay bot owns one *discordgo.Session. A Discord bot can only hold one
// voice connection per guild, so each voice channel the relay joins needs its
// own session and token. [Platform] ties a session to a guild and hands out
// the [Endpoint], [Directory] and [CommandBus] built on it.
package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Intents requested by every relay session.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

// OpenSession creates a bot session for token and opens the gateway.
func OpenSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = Intents
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return session, nil
}

// Platform binds one bot session to one guild.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	logger  *slog.Logger
}

// New creates a new Discord Platform for the given session and guild. A nil
// logger selects [slog.Default].
func New(session *discordgo.Session, guildID string, logger *slog.Logger) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{
		session: session,
		guildID: guildID,
		logger:  logger,
	}
}

// GuildID returns the guild the platform serves.
func (p *Platform) GuildID() string { return p.guildID }

// Session returns the underlying discordgo session.
func (p *Platform) Session() *discordgo.Session { return p.session }

// SelfID returns the user ID of the bot once the gateway is ready.
func (p *Platform) SelfID() string {
	if p.session.State == nil || p.session.State.User == nil {
		return ""
	}
	return p.session.State.User.ID
}

// Endpoint returns a not yet joined endpoint for channelID.
func (p *Platform) Endpoint(channelID string, opts ...EndpointOption) *Endpoint {
	opts = append([]EndpointOption{WithLogger(p.logger)}, opts...)
	return NewEndpoint(p.session, p.guildID, channelID, opts...)
}

// Directory returns the member directory of the guild.
func (p *Platform) Directory() *Directory {
	return &Directory{session: p.session, guildID: p.guildID}
}

// Commands returns a command bus over the guild's text channels.
func (p *Platform) Commands() *CommandBus {
	return &CommandBus{session: p.session}
}

// Close closes the gateway connection.
func (p *Platform) Close() error {
	if err := p.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}
