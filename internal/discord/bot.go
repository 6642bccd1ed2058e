// Package discord provides the operator layer of the relay on Discord. It
// routes slash command and button interactions to registered handlers,
// checks the operator role and renders the routing dashboard.
//
// The bot rides on the emitter's gateway session; it never opens one of its
// own.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Config holds Discord bot configuration.
type Config struct {
	// GuildID is the guild commands are registered in.
	GuildID string `yaml:"guild_id"`

	// OperatorRoleID is the Discord role allowed to change routing. Empty
	// allows every guild member.
	OperatorRoleID string `yaml:"operator_role_id"`
}

// commandAPI is the part of a Discord session that manages application
// commands. *discordgo.Session satisfies it.
type commandAPI interface {
	ApplicationCommandBulkOverwrite(appID string, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error
}

// ErrNoApplication is returned by [Bot.Run] when the session has not
// identified yet, so the application ID is unknown.
var ErrNoApplication = errors.New("discord: application id unknown; is the session open?")

// Bot routes interactions arriving on a gateway session to registered
// command handlers and keeps the slash commands registered while it runs.
type Bot struct {
	mu        sync.Mutex
	api       commandAPI
	appID     func() string
	router    *CommandRouter
	perms     *PermissionChecker
	guildID   string
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot on an open session and registers the interaction
// handler. Commands are registered with Discord by [Bot.Run].
func New(session *discordgo.Session, cfg Config) *Bot {
	b := newBot(session, cfg, func() string {
		if session.State == nil || session.State.User == nil {
			return ""
		}
		return session.State.User.ID
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	return b
}

func newBot(api commandAPI, cfg Config, appID func() string) *Bot {
	return &Bot{
		api:     api,
		appID:   appID,
		router:  NewCommandRouter(),
		perms:   NewPermissionChecker(cfg.OperatorRoleID),
		guildID: cfg.GuildID,
	}
}

// GuildID returns the target guild ID.
func (b *Bot) GuildID() string {
	return b.guildID
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	appID := b.appID()
	if appID == "" {
		return ErrNoApplication
	}

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.api.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters the commands registered by Run. The session itself
// belongs to the caller.
func (b *Bot) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		appID := b.appID()
		for _, cmd := range b.commands {
			if err := b.api.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
				slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				errs = append(errs, fmt.Errorf("discord: delete command %q: %w", cmd.Name, err))
			}
		}
		b.commands = nil
		slog.Info("discord bot closed")
	})
	return errors.Join(errs...)
}
