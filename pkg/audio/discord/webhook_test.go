package discord

import (
	"errors"
	"testing"
)

func TestParseWebhookURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw       string
		id, token string
		wantErr   bool
	}{
		{raw: "https://discord.com/api/webhooks/123/abc-DEF", id: "123", token: "abc-DEF"},
		{raw: "  https://discord.com/api/v10/webhooks/9/tok/ \n", id: "9", token: "tok"},
		{raw: "https://discord.com/api/webhooks/123", wantErr: true},
		{raw: "https://discord.com/api/webhooks/123/abc/extra", wantErr: true},
		{raw: "ftp://discord.com/api/webhooks/1/2", wantErr: true},
		{raw: "not a url", wantErr: true},
	}
	for _, tt := range tests {
		w, err := ParseWebhookURL(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidWebhookURL) {
				t.Errorf("ParseWebhookURL(%q) err = %v, want ErrInvalidWebhookURL", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseWebhookURL(%q): %v", tt.raw, err)
			continue
		}
		if w.ID != tt.id || w.Token != tt.token {
			t.Errorf("ParseWebhookURL(%q) = %s/%s, want %s/%s", tt.raw, w.ID, w.Token, tt.id, tt.token)
		}
	}
}
