// Package commands implements the relay's Discord slash commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/routing"
)

// commandTimeout bounds the relay calls a command makes. Briefing moves
// every member and gets longer.
const (
	commandTimeout  = 10 * time.Second
	briefingTimeout = 30 * time.Second
)

// Relay is the part of the orchestrator the commands drive. *relay.Relay
// satisfies it.
type Relay interface {
	SetTarget(ctx context.Context, input string) (routing.Target, error)
	SetWhisper(userID string, on bool) error
	StartBriefing(ctx context.Context) (relay.BriefingResult, error)
	EndBriefing(ctx context.Context) (relay.BriefingResult, error)
	Status() relay.Status
	DestinationNames() []routing.Name
}

// RegisterAll wires every relay command into the bot's router. stats may be
// nil.
func RegisterAll(bot *discord.Bot, r Relay, stats *discord.PipelineStats) {
	router := bot.Router()
	perms := bot.Permissions()
	NewRadioCommands(r, perms).Register(router)
	NewWhisperCommands(r, perms).Register(router)
	NewBriefingCommands(r, perms).Register(router)
	NewStatusCommands(r, stats).Register(router)
}

// describe turns a relay error into a message for the operator.
func describe(err error) string {
	var unknown *routing.UnknownTargetError
	switch {
	case errors.As(err, &unknown):
		if unknown.Suggestion != "" {
			return fmt.Sprintf("Unknown target `%s`. Did you mean `%s`?", unknown.Input, unknown.Suggestion)
		}
		return fmt.Sprintf("Unknown target `%s`.", unknown.Input)
	case errors.Is(err, relay.ErrNotRunning):
		return "The relay is not running."
	case errors.Is(err, relay.ErrBriefingActive):
		return "A briefing is in progress. End it with `/briefing end` first."
	case errors.Is(err, relay.ErrBriefingInactive):
		return "No briefing is in progress."
	case errors.Is(err, relay.ErrBriefingNotConfigured):
		return "Briefing is not configured."
	case errors.Is(err, relay.ErrWhisperNotConfigured):
		return "Whisper is not configured."
	case errors.Is(err, relay.ErrUnknownChief):
		return "That member is not a configured whisper chief."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// subcommandOptions returns the options of the invoked subcommand, or the
// top-level options when there is none.
func subcommandOptions(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandInteractionDataOption {
	opts := i.ApplicationCommandData().Options
	if len(opts) == 1 && opts[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return opts[0].Options
	}
	return opts
}

// option returns the named option or nil.
func option(opts []*discordgo.ApplicationCommandInteractionDataOption, name string) *discordgo.ApplicationCommandInteractionDataOption {
	for _, o := range opts {
		if o.Name == name {
			return o
		}
	}
	return nil
}
