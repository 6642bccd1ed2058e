package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/routing"
)

// maxChoices is Discord's limit on autocomplete suggestions.
const maxChoices = 25

// RadioCommands holds the dependencies for /radio and the dashboard's
// routing buttons.
type RadioCommands struct {
	relay Relay
	perms *discord.PermissionChecker
}

// NewRadioCommands creates a RadioCommands.
func NewRadioCommands(r Relay, perms *discord.PermissionChecker) *RadioCommands {
	return &RadioCommands{relay: r, perms: perms}
}

// Register registers /radio, its autocomplete and the dashboard buttons.
func (rc *RadioCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("radio", rc.Definition(), rc.handleRadio)
	router.RegisterAutocomplete("radio", rc.handleAutocomplete)
	router.RegisterComponentPrefix(discord.TargetButtonPrefix, rc.handleButton)
}

// Definition returns the /radio ApplicationCommand for Discord registration.
func (rc *RadioCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "radio",
		Description: "Choose where headquarters is heard",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:         "target",
				Description:  "A destination name, channelN, all or mute",
				Type:         discordgo.ApplicationCommandOptionString,
				Required:     true,
				Autocomplete: true,
			},
		},
	}
}

func (rc *RadioCommands) handleRadio(s discord.Responder, i *discordgo.InteractionCreate) {
	opt := option(subcommandOptions(i), "target")
	if opt == nil {
		discord.RespondEphemeral(s, i, "Please name a target.")
		return
	}
	rc.route(s, i, opt.StringValue())
}

func (rc *RadioCommands) handleButton(s discord.Responder, i *discordgo.InteractionCreate) {
	target := strings.TrimPrefix(i.MessageComponentData().CustomID, discord.TargetButtonPrefix)
	rc.route(s, i, target)
}

func (rc *RadioCommands) route(s discord.Responder, i *discordgo.InteractionCreate, input string) {
	if !rc.perms.IsOperator(i) {
		discord.RespondEphemeral(s, i, "You need the operator role to change routing.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	target, err := rc.relay.SetTarget(ctx, input)
	if err != nil {
		discord.RespondEphemeral(s, i, describe(err))
		return
	}
	slog.Info("discord: routing changed", "target", target.String(), "user", interactionUserID(i))
	discord.RespondEphemeral(s, i, fmt.Sprintf("Headquarters now transmits to **%s**.", rc.label(target)))
}

// label names target for humans, preferring the destination's display name.
func (rc *RadioCommands) label(target routing.Target) string {
	if target.Kind != routing.KindNamed {
		return target.String()
	}
	for _, n := range rc.relay.DestinationNames() {
		if n.Name == target.Destination && n.DisplayName != "" {
			return n.DisplayName
		}
	}
	return target.Destination
}

func (rc *RadioCommands) handleAutocomplete(s discord.Responder, i *discordgo.InteractionCreate) {
	var typed string
	for _, o := range subcommandOptions(i) {
		if o.Focused {
			typed, _ = o.Value.(string)
		}
	}
	discord.RespondChoices(s, i, targetChoices(typed, rc.relay.DestinationNames()))
}

// targetChoices lists the keywords and destinations whose name or display
// name contains typed, ignoring case and accents.
func targetChoices(typed string, names []routing.Name) []*discordgo.ApplicationCommandOptionChoice {
	needle := routing.Fold(typed)
	matches := func(s string) bool { return strings.Contains(routing.Fold(s), needle) }

	var choices []*discordgo.ApplicationCommandOptionChoice
	add := func(label, value string) {
		if len(choices) < maxChoices {
			choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: label, Value: value})
		}
	}
	for _, kw := range []string{routing.KindAll.String(), routing.KindMute.String()} {
		if matches(kw) {
			add(kw, kw)
		}
	}
	for n, dst := range names {
		label := dst.Name
		if dst.DisplayName != "" && dst.DisplayName != dst.Name {
			label = fmt.Sprintf("%s (%s)", dst.DisplayName, dst.Name)
		}
		if matches(dst.Name) || matches(dst.DisplayName) || matches(fmt.Sprintf("channel%d", n+1)) {
			add(label, dst.Name)
		}
	}
	return choices
}
