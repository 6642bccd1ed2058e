package discord

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ─── compile-time interface assertions ───────────────────────────────────────

var (
	_ audio.Endpoint   = (*Endpoint)(nil)
	_ audio.Directory  = (*Directory)(nil)
	_ audio.CommandBus = (*CommandBus)(nil)
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// newStateSession returns a session whose state cache holds one guild with
// the given members and voice states.
func newStateSession(t *testing.T, members []*discordgo.Member, voice []*discordgo.VoiceState) *discordgo.Session {
	t.Helper()
	state := discordgo.NewState()
	state.User = &discordgo.User{ID: "bot-self"}
	if err := state.GuildAdd(&discordgo.Guild{ID: "guild-1", VoiceStates: voice}); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
	for _, m := range members {
		m.GuildID = "guild-1"
		if err := state.MemberAdd(m); err != nil {
			t.Fatalf("MemberAdd: %v", err)
		}
	}
	return &discordgo.Session{State: state}
}

// ─── Platform tests ──────────────────────────────────────────────────────────

func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := newStateSession(t, nil, nil)
	p := New(s, "guild-1", nil)
	if p.Session() != s {
		t.Error("session not stored correctly")
	}
	if p.GuildID() != "guild-1" {
		t.Errorf("GuildID = %q, want guild-1", p.GuildID())
	}
	if p.SelfID() != "bot-self" {
		t.Errorf("SelfID = %q, want bot-self", p.SelfID())
	}
	if got := p.Commands().SelfID(); got != "bot-self" {
		t.Errorf("Commands().SelfID = %q, want bot-self", got)
	}

	e := p.Endpoint("voice-1")
	if e.ChannelID() != "voice-1" || e.guildID != "guild-1" {
		t.Errorf("endpoint = %s/%s", e.guildID, e.ChannelID())
	}
	if e.Ready() {
		t.Error("unjoined endpoint reports Ready")
	}
}

func TestPlatform_SelfIDWithoutState(t *testing.T) {
	t.Parallel()

	p := New(&discordgo.Session{}, "g", nil)
	if got := p.SelfID(); got != "" {
		t.Errorf("SelfID = %q, want empty", got)
	}
}

// ─── Directory tests ─────────────────────────────────────────────────────────

func TestDirectory_MemberFromState(t *testing.T) {
	t.Parallel()

	s := newStateSession(t, []*discordgo.Member{
		{User: &discordgo.User{ID: "u1", Username: "jdoe", GlobalName: "Jane"}, Nick: "Colonel", Roles: []string{"r1", "r2"}},
		{User: &discordgo.User{ID: "u2", Username: "plain"}},
		{User: &discordgo.User{ID: "b1", Username: "relay", Bot: true}},
	}, nil)
	d := New(s, "guild-1", nil).Directory()

	tests := []struct {
		id    string
		name  string
		roles []string
		bot   bool
	}{
		{"u1", "Colonel", []string{"r1", "r2"}, false},
		{"u2", "plain", nil, false},
		{"b1", "relay", nil, true},
	}
	for _, tt := range tests {
		m, err := d.Member(context.Background(), tt.id)
		if err != nil {
			t.Fatalf("Member(%s): %v", tt.id, err)
		}
		if m.ID != tt.id || m.DisplayName != tt.name || m.Bot != tt.bot || !slices.Equal(m.Roles, tt.roles) {
			t.Errorf("Member(%s) = %+v", tt.id, m)
		}
	}
}

func TestDirectory_VoiceStates(t *testing.T) {
	t.Parallel()

	s := newStateSession(t,
		[]*discordgo.Member{{User: &discordgo.User{ID: "b1", Bot: true}}},
		[]*discordgo.VoiceState{
			{UserID: "u1", ChannelID: "alpha"},
			{UserID: "b1", ChannelID: "alpha"},
			{UserID: "u2", ChannelID: "bravo", Member: &discordgo.Member{User: &discordgo.User{ID: "u2"}}},
			{UserID: "gone", ChannelID: ""},
		})
	d := New(s, "guild-1", nil).Directory()

	got, err := d.VoiceStates(context.Background())
	if err != nil {
		t.Fatalf("VoiceStates: %v", err)
	}
	want := []audio.VoiceState{
		{UserID: "u1", ChannelID: "alpha"},
		{UserID: "b1", ChannelID: "alpha", Bot: true},
		{UserID: "u2", ChannelID: "bravo"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("VoiceStates = %+v, want %+v", got, want)
	}
}

func TestDirectory_VoiceStatesUnknownGuild(t *testing.T) {
	t.Parallel()

	s := newStateSession(t, nil, nil)
	d := New(s, "other", nil).Directory()
	if _, err := d.VoiceStates(context.Background()); !errors.Is(err, ErrUnknownGuild) {
		t.Errorf("VoiceStates = %v, want ErrUnknownGuild", err)
	}
}

// ─── CommandBus tests ────────────────────────────────────────────────────────

func TestToMessage(t *testing.T) {
	t.Parallel()

	msg := func(channel string, author *discordgo.User, webhook string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{Message: &discordgo.Message{
			ID: "m1", ChannelID: channel, Content: "WHISPER:1:ON", Author: author, WebhookID: webhook,
		}}
	}
	tests := []struct {
		name   string
		in     *discordgo.MessageCreate
		ok     bool
		author string
	}{
		{"user", msg("cmd", &discordgo.User{ID: "u1"}, ""), true, "u1"},
		{"webhook", msg("cmd", nil, "hook-1"), true, "hook-1"},
		{"other channel", msg("chat", &discordgo.User{ID: "u1"}, ""), false, ""},
		{"nil", nil, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := toMessage(tt.in, "cmd")
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (got.AuthorID != tt.author || got.ID != "m1" || got.Content != "WHISPER:1:ON") {
				t.Errorf("message = %+v", got)
			}
		})
	}
}

func TestCommandBus_OnMessageRemove(t *testing.T) {
	t.Parallel()

	b := New(&discordgo.Session{}, "g", nil).Commands()
	remove := b.OnMessage("cmd", func(audio.Message) {})
	if remove == nil {
		t.Fatal("OnMessage returned nil remove func")
	}
	remove()
}
