package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/routing"
)

// TargetButtonPrefix prefixes the custom ID of the dashboard's routing
// buttons. The suffix is the target as an operator would type it.
const TargetButtonPrefix = "relay_target:"

const (
	embedColorGreen  = 0x2ECC71 // audio flowing
	embedColorOrange = 0xE67E22 // muted, briefing or whisper
	embedColorRed    = 0xE74C3C // relay stopped
)

const (
	// defaultInterval is the default dashboard update interval.
	defaultInterval = 10 * time.Second

	// minRefresh spaces event-driven edits to stay inside Discord's
	// per-channel rate limit.
	minRefresh = 2 * time.Second

	// maxButtonRows bounds the destination buttons; Discord allows five
	// action rows and the first holds the keywords.
	maxButtonRows = 4
)

// MessageSender is the part of a Discord session the dashboard writes with.
// *discordgo.Session satisfies it.
type MessageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Dashboard renders and keeps up to date a Discord embed showing the
// current routing overlay: target, whisper sessions, briefing, destination
// readiness and transmission statistics. The message is created on the
// first update and edited in place afterwards. Routing changes refresh it
// early; otherwise it is refreshed every interval.
//
// Thread-safe for concurrent use.
type Dashboard struct {
	mu        sync.Mutex
	session   MessageSender
	channelID string
	messageID string // embed message; created on first update
	interval  time.Duration
	getStatus func() relay.Status
	bus       *event.Bus
	stats     *PipelineStats
	breaker   *resilience.Breaker
	done      chan struct{}
	stopOnce  sync.Once
	started   bool
	stopped   chan struct{}
}

// DashboardConfig holds dependencies for creating a Dashboard.
type DashboardConfig struct {
	Session   MessageSender
	ChannelID string
	Interval  time.Duration // Default: 10 seconds
	GetStatus func() relay.Status

	// Bus is optional. When set, the dashboard feeds Stats from it and
	// refreshes on routing changes.
	Bus   *event.Bus
	Stats *PipelineStats

	// Breaker guards the Discord REST calls. A default one is created when
	// nil.
	Breaker *resilience.Breaker
}

// NewDashboard creates a Dashboard.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewPipelineStats(0)
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.New(resilience.Config{Name: "dashboard", Cooldown: time.Minute})
	}
	return &Dashboard{
		session:   cfg.Session,
		channelID: cfg.ChannelID,
		interval:  interval,
		getStatus: cfg.GetStatus,
		bus:       cfg.Bus,
		stats:     stats,
		breaker:   breaker,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Stats returns the statistics collector for this dashboard.
func (d *Dashboard) Stats() *PipelineStats {
	return d.stats
}

// Start begins the update loop in a background goroutine.
func (d *Dashboard) Start(ctx context.Context) {
	var events <-chan event.Event
	unsubscribe := func() {}
	if d.bus != nil {
		events, unsubscribe = d.bus.Subscribe(0)
	}
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	go func() {
		defer close(d.stopped)
		defer unsubscribe()
		d.loop(ctx, events)
	}()
}

// Stop halts the update loop and edits the embed into its final "relay
// stopped" form.
func (d *Dashboard) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		close(d.done)
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			select {
			case <-d.stopped:
			case <-ctx.Done():
			}
		}
		d.postFinalEmbed()
	})
}

func (d *Dashboard) loop(ctx context.Context, events <-chan event.Event) {
	d.update()
	last := time.Now()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	var refresh <-chan time.Time
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.update()
			last = time.Now()
		case <-refresh:
			refresh = nil
			d.update()
			last = time.Now()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.stats.Observe(ev)
			if refresh == nil && changesOverlay(ev.Kind) {
				refresh = time.After(max(0, minRefresh-time.Since(last)))
			}
		}
	}
}

// changesOverlay reports whether events of kind alter what the embed shows
// beyond the counters.
func changesOverlay(kind event.Kind) bool {
	switch kind {
	case event.KindTargetChanged, event.KindWhisperChanged, event.KindBriefingStarted,
		event.KindBriefingEnded, event.KindConnection, event.KindSettingsChanged:
		return true
	}
	return false
}

// update builds the embed from the current status and creates or edits the
// message.
func (d *Dashboard) update() {
	st := d.getStatus()
	embed := buildEmbed(st, d.stats.Snapshot(), time.Now())
	components := targetButtons(st)

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.breaker.Execute(func() error {
		if d.messageID == "" {
			msg, err := d.session.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
				Embeds:     []*discordgo.MessageEmbed{embed},
				Components: components,
			})
			if err != nil {
				return fmt.Errorf("create embed message: %w", err)
			}
			d.messageID = msg.ID
			slog.Debug("dashboard: created embed message", "message_id", msg.ID, "channel", d.channelID)
			return nil
		}

		edit := discordgo.NewMessageEdit(d.channelID, d.messageID).SetEmbed(embed)
		edit.Components = &components
		if _, err := d.session.ChannelMessageEditComplex(edit); err != nil {
			if unknownMessage(err) {
				// Deleted by someone; recreate it on the next update.
				d.messageID = ""
			}
			return fmt.Errorf("edit embed message: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, resilience.ErrOpen):
		slog.Debug("dashboard: update skipped while Discord is failing", "channel", d.channelID)
	case err != nil:
		slog.Warn("dashboard: update failed", "channel", d.channelID, "err", err)
	}
}

// unknownMessage reports whether err is Discord's "Unknown Message" error.
func unknownMessage(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Message != nil && rest.Message.Code == discordgo.ErrCodeUnknownMessage
}

// postFinalEmbed replaces the live embed with a "relay stopped" one and
// removes the buttons.
func (d *Dashboard) postFinalEmbed() {
	embed := buildStoppedEmbed(d.getStatus(), d.stats.Snapshot(), time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		return
	}
	edit := discordgo.NewMessageEdit(d.channelID, d.messageID).SetEmbed(embed)
	edit.Components = &[]discordgo.MessageComponent{}
	if _, err := d.session.ChannelMessageEditComplex(edit); err != nil {
		slog.Warn("dashboard: failed to post final embed", "message_id", d.messageID, "err", err)
	}
}

// StatusEmbed renders st the way the dashboard shows it.
func StatusEmbed(st relay.Status, snap Snapshot) *discordgo.MessageEmbed {
	return buildEmbed(st, snap, time.Now())
}

// buildEmbed creates the live dashboard embed.
func buildEmbed(st relay.Status, snap Snapshot, now time.Time) *discordgo.MessageEmbed {
	color := embedColorOrange
	switch st.TargetKind {
	case routing.KindAll.String(), routing.KindNamed.String():
		color = embedColorGreen
	}
	if !st.Running {
		color = embedColorRed
	}

	uptime := "-"
	if !st.StartedAt.IsZero() {
		uptime = formatDuration(now.Sub(st.StartedAt))
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Target", Value: fmt.Sprintf("**%s**", st.Target), Inline: true},
		{Name: "Uptime", Value: uptime, Inline: true},
		{Name: "Effect", Value: formatSettings(st), Inline: true},
		{Name: "Destinations", Value: formatDestinations(st), Inline: false},
	}
	if len(st.Whispers) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Whisper", Value: formatWhispers(st.Whispers), Inline: false,
		})
	}
	if b := st.Briefing; b != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Briefing",
			Value: fmt.Sprintf("<#%s> for %s, %d participants",
				b.ChannelID, formatDuration(now.Sub(b.StartedAt)), b.Participants),
			Inline: false,
		})
	}
	if len(st.Speaking) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "On air", Value: formatSpeaking(st.Speaking), Inline: false,
		})
	}
	fields = append(fields,
		&discordgo.MessageEmbedField{Name: "Transmissions", Value: fmt.Sprintf("%d", st.Stats.Utterances), Inline: true},
		&discordgo.MessageEmbedField{Name: "Whispers", Value: fmt.Sprintf("%d", st.Stats.WhisperUtterances), Inline: true},
		&discordgo.MessageEmbedField{Name: "Denied", Value: fmt.Sprintf("%d", st.Stats.Denied), Inline: true},
	)
	if lengths := formatLatencyField(snap); lengths != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Transmission Length", Value: lengths, Inline: false,
		})
	}
	if snap.LastProblem != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   fmt.Sprintf("Problems (%d warnings, %d errors)", snap.Warnings, snap.Errors),
			Value:  snap.LastProblem,
			Inline: false,
		})
	}

	embed := &discordgo.MessageEmbed{
		Title:     "Radio Relay",
		Color:     color,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: "Live routing"},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if st.OpenGate {
		embed.Description = "Open mode: every member of the source channel is relayed."
	}
	return embed
}

// buildStoppedEmbed creates the final embed shown after the relay stopped.
func buildStoppedEmbed(st relay.Status, snap Snapshot, now time.Time) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Transmissions", Value: fmt.Sprintf("%d", st.Stats.Utterances), Inline: true},
		{Name: "Whispers", Value: fmt.Sprintf("%d", st.Stats.WhisperUtterances), Inline: true},
		{Name: "Denied", Value: fmt.Sprintf("%d", st.Stats.Denied), Inline: true},
	}
	if lengths := formatLatencyField(snap); lengths != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Transmission Length", Value: lengths, Inline: false,
		})
	}
	return &discordgo.MessageEmbed{
		Title:       "Radio Relay",
		Description: "Relay stopped.",
		Color:       embedColorRed,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Relay stopped"},
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}

// targetButtons renders one button per keyword and destination. The button
// of the current target is disabled.
func targetButtons(st relay.Status) []discordgo.MessageComponent {
	button := func(label, target string, style discordgo.ButtonStyle) discordgo.Button {
		return discordgo.Button{
			Label:    label,
			Style:    style,
			CustomID: TargetButtonPrefix + target,
			Disabled: !st.Running || st.Target == target,
		}
	}

	rows := []discordgo.MessageComponent{discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		button("All", routing.KindAll.String(), discordgo.SuccessButton),
		button("Mute", routing.KindMute.String(), discordgo.DangerButton),
	}}}
	for chunk := range slices.Chunk(st.Destinations, 5) {
		if len(rows) > maxButtonRows {
			break
		}
		var row []discordgo.MessageComponent
		for _, dst := range chunk {
			row = append(row, button(dst.DisplayName, dst.Name, discordgo.PrimaryButton))
		}
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}
	return rows
}

func formatSettings(st relay.Status) string {
	if !st.Settings.Enabled {
		return "off"
	}
	s := fmt.Sprintf("%d%%", st.Settings.Intensity)
	if st.Settings.CueEnabled {
		s += " + cue"
	}
	return s
}

func formatDestinations(st relay.Status) string {
	if len(st.Destinations) == 0 {
		return "none"
	}
	var b strings.Builder
	for _, dst := range st.Destinations {
		state := "ready"
		if !dst.Ready {
			state = "**down**"
		}
		fmt.Fprintf(&b, "<#%s> `%s`: %s\n", dst.ChannelID, dst.Name, state)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func formatWhispers(whispers map[string]string) string {
	users := slices.Sorted(maps.Keys(whispers))
	lines := make([]string, len(users))
	for i, u := range users {
		lines[i] = fmt.Sprintf("<@%s> from `%s`", u, whispers[u])
	}
	return strings.Join(lines, "\n")
}

func formatSpeaking(speakers []relay.SpeakerStatus) string {
	lines := make([]string, len(speakers))
	for i, sp := range speakers {
		line := fmt.Sprintf("<@%s>", sp.UserID)
		if sp.RoleName != "" {
			line += " (" + sp.RoleName + ")"
		}
		if !sp.Relaying {
			line += " held"
		}
		lines[i] = line
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}

// formatLatencyField builds a compact string showing transmission lengths.
// Returns empty string if no samples are available.
func formatLatencyField(snap Snapshot) string {
	if snap.Transmission.P50 == 0 && snap.Transmission.P95 == 0 {
		return ""
	}
	return fmt.Sprintf("```\np50=%s p95=%s\n```", formatMs(snap.Transmission.P50), formatMs(snap.Transmission.P95))
}

// formatMs formats a duration as milliseconds with one decimal place.
func formatMs(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	return fmt.Sprintf("%.1fms", ms)
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
