package relay_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/registry"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

func TestParseWhisperCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		user   string
		on, ok bool
	}{
		{"WHISPER:123:ON", "123", true, true},
		{"whisper:123:off", "123", false, true},
		{"  Whisper:42:On \n", "42", true, true},
		{"WHISPER:123", "", false, false},
		{"WHISPER::ON", "", false, false},
		{"WHISPER:1:2:ON", "", false, false},
		{"hello", "", false, false},
	}
	for _, tt := range tests {
		user, on, ok := relay.ParseWhisperCommand(tt.in)
		if user != tt.user || on != tt.on || ok != tt.ok {
			t.Errorf("ParseWhisperCommand(%q) = %q, %v, %v; want %q, %v, %v", tt.in, user, on, ok, tt.user, tt.on, tt.ok)
		}
	}

	for _, on := range []bool{true, false} {
		user, got, ok := relay.ParseWhisperCommand(relay.FormatWhisperCommand("777", on))
		if !ok || user != "777" || got != on {
			t.Errorf("round trip of %v = %q, %v, %v", on, user, got, ok)
		}
	}
}

func withChiefs(c *relay.Config) {
	c.Chiefs = []relay.Chief{{UserID: "chief-a", Name: "Alpha Lead", Destination: "alpha"}}
}

func withCommandChannel(c *relay.Config) {
	withChiefs(c)
	c.WhisperChannelID = "cmd"
}

func TestWhisper_ViaCommandChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withCommandChannel)
	h.start(t)

	if !h.cmd.Post(audio.Message{ID: "m1", ChannelID: "cmd", AuthorID: "hook", Content: "whisper:chief-a:on"}) {
		t.Fatal("no command handler registered")
	}
	if got := h.relay.Status().Whispers["chief-a"]; got != "alpha" {
		t.Fatalf("whisper assignment = %q, want alpha", got)
	}
	if dels := h.cmd.Deletes(); len(dels) != 1 || dels[0].MessageID != "m1" {
		t.Errorf("deletes = %+v, want m1", dels)
	}
	ev := waitEvent(t, h.events, event.KindWhisperChanged)
	if wc := ev.Data.(event.WhisperChanged); !wc.Enabled || wc.Destination != "alpha" {
		t.Errorf("whisper-changed = %+v", wc)
	}

	alpha := h.dests["alpha"]
	alpha.EmitSpeech(audio.SpeechEvent{Type: audio.SpeechStart, UserID: "chief-a"})

	if len(alpha.SubscribeSilences) != 1 || alpha.SubscribeSilences[0] != relay.DefaultWhisperSilence {
		t.Fatalf("whisper subscriptions = %v", alpha.SubscribeSilences)
	}
	stream := alpha.Stream("chief-a")
	stream.Send([]byte{1, 2, 3})
	stream.Send([]byte{4, 5})
	eventually(t, "headquarters playback", func() bool {
		p := h.src.Playback(0)
		return p != nil && p.Opus && len(p.Bytes()) == 5
	})
	waitEvent(t, h.events, event.KindWhisperSpeaking)

	h.cmd.Post(audio.Message{ID: "m2", ChannelID: "cmd", AuthorID: "hook", Content: "WHISPER:chief-a:OFF"})
	if _, ok := h.relay.Status().Whispers["chief-a"]; ok {
		t.Error("whisper still enabled after OFF")
	}
	if n := h.relay.ActivePipelines(registry.ClassWhisper); n != 0 {
		t.Errorf("whisper handles = %d, want 0", n)
	}
	if !stream.Ended() {
		t.Error("whisper stream still open after OFF")
	}
}

func TestWhisper_IgnoresOwnMessagesAndNoise(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withCommandChannel)
	h.start(t)

	h.cmd.Post(audio.Message{ID: "m1", ChannelID: "cmd", AuthorID: "bot-cmd", Content: "WHISPER:chief-a:ON"})
	h.cmd.Post(audio.Message{ID: "m2", ChannelID: "cmd", AuthorID: "someone", Content: "good morning"})

	if len(h.relay.Status().Whispers) != 0 {
		t.Error("whisper enabled by an ignored message")
	}
	if dels := h.cmd.Deletes(); len(dels) != 0 {
		t.Errorf("deleted %+v", dels)
	}
}

func TestWhisper_OnlyFromAssignedDestination(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withChiefs)
	h.start(t)
	if err := h.relay.EnableWhisper("chief-a"); err != nil {
		t.Fatalf("EnableWhisper: %v", err)
	}

	h.dests["bravo"].EmitSpeech(audio.SpeechEvent{Type: audio.SpeechStart, UserID: "chief-a"})
	h.dests["alpha"].EmitSpeech(audio.SpeechEvent{Type: audio.SpeechStart, UserID: "private"})

	if n := len(h.dests["bravo"].SubscribeCalls) + len(h.dests["alpha"].SubscribeCalls); n != 0 {
		t.Errorf("subscriptions = %d, want 0", n)
	}
}

func TestWhisper_Errors(t *testing.T) {
	t.Parallel()

	plain := newHarness(t, nil)
	plain.start(t)
	if err := plain.relay.EnableWhisper("chief-a"); !errors.Is(err, relay.ErrWhisperNotConfigured) {
		t.Errorf("EnableWhisper without chiefs = %v, want ErrWhisperNotConfigured", err)
	}

	h := newHarness(t, withChiefs)
	if err := h.relay.EnableWhisper("chief-a"); !errors.Is(err, relay.ErrNotRunning) {
		t.Errorf("EnableWhisper while stopped = %v, want ErrNotRunning", err)
	}
	h.start(t)
	if err := h.relay.EnableWhisper("stranger"); !errors.Is(err, relay.ErrUnknownChief) {
		t.Errorf("EnableWhisper(stranger) = %v, want ErrUnknownChief", err)
	}
	if err := h.relay.DisableWhisper("chief-a"); err != nil {
		t.Errorf("DisableWhisper of an idle chief = %v, want nil", err)
	}
}
