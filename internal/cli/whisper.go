package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voxrelay/internal/relay"
	discordaudio "github.com/MrWong99/voxrelay/pkg/audio/discord"
)

// webhookTimeout bounds the webhook request.
const webhookTimeout = 10 * time.Second

// sender posts one text message. *discordaudio.Webhook satisfies it.
type sender interface {
	Send(ctx context.Context, content string) error
}

func newWhisperCmd(opts *rootOptions) *cobra.Command {
	var userID, webhookURL string

	cmd := &cobra.Command{
		Use:   "whisper on|off",
		Short: "Open or close a chief's whisper channel remotely",
		Long: "Post a whisper command to the relay's command channel through a Discord\n" +
			"webhook. The webhook URL comes from --webhook or whisper.webhook_url in\n" +
			"the configuration file. No bot token is needed.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			url := webhookURL
			if url == "" {
				cfg, err := loadConfig(opts.configPath)
				if err != nil {
					return fmt.Errorf("no --webhook given and %w", err)
				}
				url = cfg.Whisper.WebhookURL
			}
			if url == "" {
				return errors.New("no webhook URL: pass --webhook or set whisper.webhook_url")
			}
			hook, err := discordaudio.ParseWebhookURL(url)
			if err != nil {
				return err
			}

			on := strings.EqualFold(args[0], "on")
			if err := sendWhisper(cmd.Context(), hook, userID, on); err != nil {
				return err
			}
			state := "closed"
			if on {
				state = "opened"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Whisper for %s %s.\n", userID, state)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "Discord user ID of the chief")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "Discord webhook URL of the command channel")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func sendWhisper(ctx context.Context, s sender, userID string, on bool) error {
	if strings.TrimSpace(userID) == "" || strings.ContainsAny(userID, ": \t") {
		return fmt.Errorf("invalid user ID %q", userID)
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	if err := s.Send(ctx, relay.FormatWhisperCommand(userID, on)); err != nil {
		return fmt.Errorf("send whisper command: %w", err)
	}
	return nil
}
