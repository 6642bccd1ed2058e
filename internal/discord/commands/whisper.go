package commands

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/discord"
)

// WhisperCommands holds the dependencies for /whisper.
type WhisperCommands struct {
	relay Relay
	perms *discord.PermissionChecker
}

// NewWhisperCommands creates a WhisperCommands.
func NewWhisperCommands(r Relay, perms *discord.PermissionChecker) *WhisperCommands {
	return &WhisperCommands{relay: r, perms: perms}
}

// Register registers /whisper with the router.
func (wc *WhisperCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("whisper", wc.Definition(), wc.handleWhisper)
}

// Definition returns the /whisper ApplicationCommand for Discord registration.
func (wc *WhisperCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "whisper",
		Description: "Let a chief talk back to headquarters",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "user",
				Description: "The whisper chief",
				Type:        discordgo.ApplicationCommandOptionUser,
				Required:    true,
			},
			{
				Name:        "state",
				Description: "Open or close the whisper channel",
				Type:        discordgo.ApplicationCommandOptionString,
				Required:    true,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "on", Value: "on"},
					{Name: "off", Value: "off"},
				},
			},
		},
	}
}

func (wc *WhisperCommands) handleWhisper(s discord.Responder, i *discordgo.InteractionCreate) {
	if !wc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to control whisper.")
		return
	}

	opts := subcommandOptions(i)
	userOpt, stateOpt := option(opts, "user"), option(opts, "state")
	if userOpt == nil || stateOpt == nil {
		discord.RespondEphemeral(s, i, "Please name a chief and a state.")
		return
	}
	userID := userOpt.UserValue(nil).ID
	on := stateOpt.StringValue() == "on"

	if err := wc.relay.SetWhisper(userID, on); err != nil {
		discord.RespondEphemeral(s, i, describe(err))
		return
	}

	state := "closed"
	if on {
		state = "open"
	}
	slog.Info("discord: whisper changed", "chief", userID, "on", on, "user", interactionUserID(i))
	discord.RespondEphemeral(s, i, fmt.Sprintf("Whisper for <@%s> is now %s.", userID, state))
}
