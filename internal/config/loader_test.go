package config_test

import (
	"strings"
	"testing"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "empty document",
			doc:  "",
			want: []string{"discord.guild_id is required", "discord.token is required", "at least one destination", "allow_everyone"},
		},
		{
			name: "duplicate destination names ignore case and accents",
			doc:  strings.Replace(minimalYAML, "channel_id: v1\n", "channel_id: v1\n  - name: Älpha\n    token: t2\n    channel_id: v2\n", 1),
			want: []string{"duplicate"},
		},
		{
			name: "reserved destination name",
			doc:  strings.Replace(minimalYAML, "name: alpha", "name: channel3", 1),
			want: []string{`"channel3" is reserved`},
		},
		{
			name: "shared bot token",
			doc:  strings.Replace(minimalYAML, "token: t1", "token: t0", 1),
			want: []string{"already used by discord.token"},
		},
		{
			name: "destination in the source channel",
			doc:  strings.Replace(minimalYAML, "channel_id: v1", "channel_id: hq", 1),
			want: []string{"already used by discord.source_channel_id"},
		},
		{
			name: "chief in unknown destination",
			doc: minimalYAML + `
whisper:
  chiefs:
    - user_id: "9"
      destination: zulu
`,
			want: []string{`destination "zulu" is not a configured destination`},
		},
		{
			name: "briefing without channel",
			doc:  minimalYAML + "briefing:\n  enabled: true\n",
			want: []string{"briefing.channel_id is required"},
		},
		{
			name: "intensity out of range",
			doc:  minimalYAML + "audio:\n  effect_intensity: 150\n",
			want: []string{"out of range [0, 100]"},
		},
		{
			name: "unknown backend",
			doc:  minimalYAML + "audio:\n  effect_backend: sox\n",
			want: []string{`effect_backend "sox" is invalid`},
		},
		{
			name: "invalid log level",
			doc:  minimalYAML + "server:\n  log_level: bananas\n",
			want: []string{`log_level "bananas" is invalid`},
		},
		{
			name: "empty role id",
			doc:  strings.Replace(minimalYAML, "allow_everyone: true", "roles:\n    - name: Staff", 1),
			want: []string{"commanders.roles[0].role_id is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, tt.doc)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_ChiefDestinationIgnoresCase(t *testing.T) {
	t.Parallel()
	doc := minimalYAML + `
whisper:
  chiefs:
    - user_id: "9"
      destination: ALPHA
`
	if _, err := load(t, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
