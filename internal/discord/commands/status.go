package commands

import (
	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/discord"
)

// StatusCommands holds the dependencies for /relay.
type StatusCommands struct {
	relay Relay
	stats *discord.PipelineStats
}

// NewStatusCommands creates a StatusCommands. stats may be nil.
func NewStatusCommands(r Relay, stats *discord.PipelineStats) *StatusCommands {
	return &StatusCommands{relay: r, stats: stats}
}

// Register registers /relay with the router.
func (sc *StatusCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("relay", sc.Definition(), func(s discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/relay status`.")
	})
	router.RegisterHandler("relay/status", sc.handleStatus)
}

// Definition returns the ApplicationCommand definition for Discord.
func (sc *StatusCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "relay",
		Description: "Inspect the radio relay",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the current routing",
			},
		},
	}
}

// handleStatus is open to every member; it changes nothing.
func (sc *StatusCommands) handleStatus(s discord.Responder, i *discordgo.InteractionCreate) {
	var snap discord.Snapshot
	if sc.stats != nil {
		snap = sc.stats.Snapshot()
	}
	discord.RespondEmbed(s, i, discord.StatusEmbed(sc.relay.Status(), snap))
}
