package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

var _ audio.Directory = (*Directory)(nil)

// ErrUnknownGuild is returned when the guild is not in the session state yet.
var ErrUnknownGuild = errors.New("discord: guild not in state")

// Directory implements [audio.Directory] from the session state cache, falling
// back to the REST API for members that are not cached.
type Directory struct {
	session *discordgo.Session
	guildID string
}

// Member implements [audio.Directory].
func (d *Directory) Member(ctx context.Context, userID string) (audio.Member, error) {
	m, err := d.session.State.Member(d.guildID, userID)
	if err != nil || m == nil {
		m, err = d.session.GuildMember(d.guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return audio.Member{}, fmt.Errorf("discord: fetch member %q: %w", userID, err)
		}
		// Cache for the next utterance; a nil state only loses the cache.
		if m.GuildID == "" {
			m.GuildID = d.guildID
		}
		_ = d.session.State.MemberAdd(m)
	}
	return toMember(m), nil
}

func toMember(m *discordgo.Member) audio.Member {
	out := audio.Member{
		DisplayName: m.Nick,
		Roles:       append([]string(nil), m.Roles...),
	}
	if m.User != nil {
		out.ID = m.User.ID
		out.DisplayName = m.DisplayName()
		out.Bot = m.User.Bot
	}
	return out
}

// VoiceStates implements [audio.Directory].
func (d *Directory) VoiceStates(_ context.Context) ([]audio.VoiceState, error) {
	g, err := d.session.State.Guild(d.guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownGuild, d.guildID, err)
	}

	d.session.State.RLock()
	states := make([]discordgo.VoiceState, 0, len(g.VoiceStates))
	for _, vs := range g.VoiceStates {
		if vs != nil && vs.ChannelID != "" {
			states = append(states, *vs)
		}
	}
	d.session.State.RUnlock()

	out := make([]audio.VoiceState, 0, len(states))
	for _, vs := range states {
		out = append(out, audio.VoiceState{
			UserID:    vs.UserID,
			ChannelID: vs.ChannelID,
			Bot:       d.isBot(&vs),
		})
	}
	return out, nil
}

func (d *Directory) isBot(vs *discordgo.VoiceState) bool {
	if vs.Member != nil && vs.Member.User != nil {
		return vs.Member.User.Bot
	}
	m, err := d.session.State.Member(d.guildID, vs.UserID)
	if err != nil || m.User == nil {
		return false
	}
	return m.User.Bot
}

// MoveMember implements [audio.Directory].
func (d *Directory) MoveMember(ctx context.Context, userID, channelID string) error {
	if err := d.session.GuildMemberMove(d.guildID, userID, &channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: move member %q to %q: %w", userID, channelID, err)
	}
	return nil
}
