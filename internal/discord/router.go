package discord

import (
	"cmp"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one slash command, autocomplete or button interaction.
type HandlerFunc func(s Responder, i *discordgo.InteractionCreate)

// AutocompleteFunc handles autocomplete interactions.
type AutocompleteFunc = HandlerFunc

type routeKind uint8

const (
	routeCommand routeKind = iota
	routeAutocomplete
	routeComponent
)

func (k routeKind) String() string {
	switch k {
	case routeCommand:
		return "command"
	case routeAutocomplete:
		return "autocomplete"
	default:
		return "component"
	}
}

type route struct {
	kind routeKind
	key  string // "command", "command/subcommand" or a component custom ID
}

type prefixRoute struct {
	prefix  string
	handler HandlerFunc
}

// CommandRouter dispatches Discord interactions to registered handlers.
// Command keys are "command" or "command/subcommand". Components match by
// exact custom ID first, then by the longest registered prefix.
type CommandRouter struct {
	mu          sync.RWMutex
	routes      map[route]HandlerFunc
	definitions map[string]*discordgo.ApplicationCommand // top-level name → definition
	prefixes    []prefixRoute                            // longest first
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		routes:      make(map[route]HandlerFunc),
		definitions: make(map[string]*discordgo.ApplicationCommand),
	}
}

// RegisterCommand registers handler under key and cmd as the definition
// published to Discord. Several keys may share one definition.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route{routeCommand, key}] = handler
	if cmd != nil {
		r.definitions[cmd.Name] = cmd
	}
}

// RegisterHandler registers handler under key without a definition, for
// subcommands of an already registered command.
func (r *CommandRouter) RegisterHandler(key string, handler HandlerFunc) {
	r.RegisterCommand(key, nil, handler)
}

// RegisterAutocomplete registers an autocomplete handler under key.
func (r *CommandRouter) RegisterAutocomplete(key string, handler AutocompleteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route{routeAutocomplete, key}] = handler
}

// RegisterComponent registers a button handler for an exact custom ID.
func (r *CommandRouter) RegisterComponent(customID string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route{routeComponent, customID}] = handler
}

// RegisterComponentPrefix registers a button handler for every custom ID
// starting with prefix, e.g. [TargetButtonPrefix].
func (r *CommandRouter) RegisterComponentPrefix(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = slices.DeleteFunc(r.prefixes, func(p prefixRoute) bool { return p.prefix == prefix })
	r.prefixes = append(r.prefixes, prefixRoute{prefix: prefix, handler: handler})
	slices.SortStableFunc(r.prefixes, func(a, b prefixRoute) int {
		return cmp.Compare(len(b.prefix), len(a.prefix))
	})
}

// ApplicationCommands returns the definitions to publish, sorted by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.definitions))
	for _, c := range r.definitions {
		cmds = append(cmds, c)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return cmds
}

// Handle dispatches i. Unknown commands and components get an ephemeral
// reply; unknown autocompletes get no choices. A panicking handler is
// logged and answered with an ephemeral error.
func (r *CommandRouter) Handle(s Responder, i *discordgo.InteractionCreate) {
	var (
		rt      route
		handler HandlerFunc
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		rt = route{routeCommand, commandKey(i.ApplicationCommandData())}
	case discordgo.InteractionApplicationCommandAutocomplete:
		rt = route{routeAutocomplete, commandKey(i.ApplicationCommandData())}
	case discordgo.InteractionMessageComponent:
		rt = route{routeComponent, i.MessageComponentData().CustomID}
	default:
		slog.Warn("discord: unhandled interaction type", "type", i.Type)
		return
	}

	r.mu.RLock()
	handler = r.routes[rt]
	if handler == nil && rt.kind == routeComponent {
		for _, p := range r.prefixes {
			if strings.HasPrefix(rt.key, p.prefix) {
				handler = p.handler
				break
			}
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		r.unknown(s, i, rt)
		return
	}

	defer func() {
		if v := recover(); v != nil {
			slog.Error("discord: interaction handler panicked",
				"kind", rt.kind, "key", rt.key, "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			if rt.kind != routeAutocomplete {
				RespondEphemeral(s, i, "Internal error; the relay is still running.")
			}
		}
	}()
	handler(s, i)
}

func (r *CommandRouter) unknown(s Responder, i *discordgo.InteractionCreate, rt route) {
	switch rt.kind {
	case routeAutocomplete:
		slog.Debug("discord: no autocomplete handler", "key", rt.key)
		RespondChoices(s, i, nil)
	case routeComponent:
		slog.Warn("discord: unknown component", "custom_id", rt.key)
		RespondEphemeral(s, i, "Unknown component.")
	default:
		slog.Warn("discord: unknown command", "key", rt.key)
		RespondEphemeral(s, i, "Unknown command.")
	}
}

// commandKey builds the route key of a command interaction.
func commandKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + "/" + data.Options[0].Name
	}
	return data.Name
}
