package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

var _ audio.CommandBus = (*CommandBus)(nil)

// CommandBus implements [audio.CommandBus] over guild text channels.
type CommandBus struct {
	session *discordgo.Session
}

// SelfID implements [audio.CommandBus].
func (b *CommandBus) SelfID() string {
	if b.session.State == nil || b.session.State.User == nil {
		return ""
	}
	return b.session.State.User.ID
}

// OnMessage implements [audio.CommandBus].
func (b *CommandBus) OnMessage(channelID string, fn func(audio.Message)) (remove func()) {
	return b.session.AddHandler(func(_ *discordgo.Session, mc *discordgo.MessageCreate) {
		if msg, ok := toMessage(mc, channelID); ok {
			fn(msg)
		}
	})
}

func toMessage(mc *discordgo.MessageCreate, channelID string) (audio.Message, bool) {
	if mc == nil || mc.Message == nil || mc.ChannelID != channelID {
		return audio.Message{}, false
	}
	msg := audio.Message{
		ID:        mc.ID,
		ChannelID: mc.ChannelID,
		Content:   mc.Content,
	}
	switch {
	case mc.Author != nil:
		msg.AuthorID = mc.Author.ID
	case mc.WebhookID != "":
		msg.AuthorID = mc.WebhookID
	}
	return msg, true
}

// DeleteMessage implements [audio.CommandBus].
func (b *CommandBus) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := b.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: delete message %q: %w", messageID, err)
	}
	return nil
}
