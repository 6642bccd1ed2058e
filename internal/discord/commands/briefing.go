package commands

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/relay"
)

// BriefingCommands holds the dependencies for /briefing.
type BriefingCommands struct {
	relay Relay
	perms *discord.PermissionChecker
}

// NewBriefingCommands creates a BriefingCommands.
func NewBriefingCommands(r Relay, perms *discord.PermissionChecker) *BriefingCommands {
	return &BriefingCommands{relay: r, perms: perms}
}

// Register registers the /briefing command group with the router.
func (bc *BriefingCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("briefing", bc.Definition(), func(s discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/briefing start` or `/briefing end`.")
	})
	router.RegisterHandler("briefing/start", bc.handleStart)
	router.RegisterHandler("briefing/end", bc.handleEnd)
}

// Definition returns the ApplicationCommand definition for Discord.
func (bc *BriefingCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "briefing",
		Description: "Gather every destination into the briefing channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Move everyone into the briefing channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "end",
				Description: "Send everyone back to their channel",
			},
		},
	}
}

func (bc *BriefingCommands) handleStart(s discord.Responder, i *discordgo.InteractionCreate) {
	bc.run(s, i, "started", bc.relay.StartBriefing)
}

func (bc *BriefingCommands) handleEnd(s discord.Responder, i *discordgo.InteractionCreate) {
	bc.run(s, i, "ended", bc.relay.EndBriefing)
}

func (bc *BriefingCommands) run(s discord.Responder, i *discordgo.InteractionCreate, verb string, op func(context.Context) (relay.BriefingResult, error)) {
	if !bc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to run a briefing.")
		return
	}

	// Moving members may take a moment.
	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), briefingTimeout)
	defer cancel()

	res, err := op(ctx)
	if err != nil {
		discord.FollowUp(s, i, describe(err))
		return
	}
	discord.FollowUp(s, i, formatBriefing(verb, res))
}

func formatBriefing(verb string, res relay.BriefingResult) string {
	msg := fmt.Sprintf("Briefing %s. Moved %d members.", verb, res.Moved)
	if res.Skipped > 0 {
		msg += fmt.Sprintf(" %d had left voice.", res.Skipped)
	}
	if res.Failed > 0 {
		msg += fmt.Sprintf(" %d could not be moved.", res.Failed)
	}
	return msg
}
