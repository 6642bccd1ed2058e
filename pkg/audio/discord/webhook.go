package discord

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// ErrInvalidWebhookURL is returned by [ParseWebhookURL].
var ErrInvalidWebhookURL = errors.New("discord: invalid webhook URL")

// Webhook posts messages through a channel webhook. It needs no bot token,
// which lets operators outside the relay host send whisper commands.
type Webhook struct {
	ID    string
	Token string

	session *discordgo.Session
}

// ParseWebhookURL parses https://discord.com/api/webhooks/{id}/{token}.
func ParseWebhookURL(raw string) (*Webhook, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWebhookURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidWebhookURL, u.Scheme)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	// Accept versioned paths such as /api/v10/webhooks/{id}/{token}.
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] != "webhooks" {
			continue
		}
		id, token := parts[i+1], parts[i+2]
		if id == "" || token == "" || i+3 != len(parts) {
			break
		}
		return &Webhook{ID: id, Token: token}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidWebhookURL, u.Path)
}

// Send posts content as a plain webhook message.
func (w *Webhook) Send(ctx context.Context, content string) error {
	if w.session == nil {
		s, err := discordgo.New("")
		if err != nil {
			return fmt.Errorf("discord: create webhook session: %w", err)
		}
		w.session = s
	}
	params := &discordgo.WebhookParams{Content: content}
	if _, err := w.session.WebhookExecute(w.ID, w.Token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: execute webhook: %w", err)
	}
	return nil
}
