package discord

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// newFakeVC returns a voice connection with buffered Opus channels and no
// websocket behind it.
func newFakeVC(userID string) *discordgo.VoiceConnection {
	return &discordgo.VoiceConnection{
		UserID:   userID,
		Ready:    true,
		OpusSend: make(chan []byte, 64),
		OpusRecv: make(chan *discordgo.Packet, 64),
	}
}

func setReady(vc *discordgo.VoiceConnection, ready bool) {
	vc.Lock()
	vc.Ready = ready
	vc.Unlock()
}

// newTestEndpoint creates a connected Endpoint suitable for unit testing
// without a real Discord voice connection.
func newTestEndpoint(t *testing.T, opts ...EndpointOption) (*Endpoint, *discordgo.VoiceConnection) {
	t.Helper()
	vc := newFakeVC("bot-1")
	opts = append([]EndpointOption{withCheckInterval(time.Hour)}, opts...)
	e := NewEndpoint(&discordgo.Session{}, "guild-test", "chan-1", opts...)
	e.join = func(context.Context) (*discordgo.VoiceConnection, error) { return vc, nil }
	e.leave = func(*discordgo.VoiceConnection) error { return nil }
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = e.Disconnect() })
	return e, vc
}

func collectSpeech(e *Endpoint) <-chan audio.SpeechEvent {
	ch := make(chan audio.SpeechEvent, 16)
	e.OnSpeech(func(ev audio.SpeechEvent) { ch <- ev })
	return ch
}

func nextSpeech(t *testing.T, ch <-chan audio.SpeechEvent) audio.SpeechEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for speech event")
		return audio.SpeechEvent{}
	}
}

func noSpeech(t *testing.T, ch <-chan audio.SpeechEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected speech event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func speak(e *Endpoint, vc *discordgo.VoiceConnection, user string, ssrc int) {
	e.handleSpeakingUpdate(vc, &discordgo.VoiceSpeakingUpdate{UserID: user, SSRC: ssrc, Speaking: true})
}

// ─── Endpoint tests ───────────────────────────────────────────────────────────

func TestEndpoint_ConnectRecordsSelf(t *testing.T) {
	t.Parallel()

	e, _ := newTestEndpoint(t)
	if got := e.SelfID(); got != "bot-1" {
		t.Errorf("SelfID = %q, want bot-1", got)
	}
	if got := e.ChannelID(); got != "chan-1" {
		t.Errorf("ChannelID = %q, want chan-1", got)
	}
	if !e.Ready() {
		t.Error("Ready = false after Connect")
	}
}

func TestEndpoint_ConnectError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	e := NewEndpoint(&discordgo.Session{}, "g", "c")
	e.join = func(context.Context) (*discordgo.VoiceConnection, error) { return nil, boom }
	if err := e.Connect(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Connect = %v, want boom", err)
	}
	if e.Ready() {
		t.Error("Ready = true after failed Connect")
	}
	if _, err := e.Subscribe("u", time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe = %v, want ErrNotConnected", err)
	}
}

func TestEndpoint_SpeechStartAndEnd(t *testing.T) {
	t.Parallel()

	e, vc := newTestEndpoint(t, WithSpeechEnd(30*time.Millisecond))
	events := collectSpeech(e)
	speak(e, vc, "alice", 100)

	vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: []byte{1, 2, 3}}
	vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: []byte{4, 5, 6}}

	if ev := nextSpeech(t, events); ev.Type != audio.SpeechStart || ev.UserID != "alice" {
		t.Fatalf("first event = %+v, want start of alice", ev)
	}
	if ev := nextSpeech(t, events); ev.Type != audio.SpeechEnd || ev.UserID != "alice" {
		t.Fatalf("second event = %+v, want end of alice", ev)
	}
}

func TestEndpoint_IgnoresSilenceAndUnknownSSRC(t *testing.T) {
	t.Parallel()

	e, vc := newTestEndpoint(t)
	events := collectSpeech(e)
	speak(e, vc, "alice", 100)

	vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: SilenceFrame}
	vc.OpusRecv <- &discordgo.Packet{SSRC: 999, Opus: []byte{1}}
	vc.OpusRecv <- nil
	noSpeech(t, events)
}

func TestEndpoint_SubscribeDeliversAndEndsOnSilence(t *testing.T) {
	t.Parallel()

	e, vc := newTestEndpoint(t)
	speak(e, vc, "alice", 100)

	s, err := e.Subscribe("alice", 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: []byte{7}}

	var got [][]byte
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case p, ok := <-s.Frames():
			if !ok {
				done = true
				continue
			}
			got = append(got, p)
		case <-timeout:
			t.Fatal("stream did not end after silence")
		}
	}
	if len(got) != 1 || got[0][0] != 7 {
		t.Errorf("frames = %v, want [[7]]", got)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err = %v, want nil", err)
	}
}

func TestEndpoint_SubscribeReplacesPrevious(t *testing.T) {
	t.Parallel()

	e, _ := newTestEndpoint(t)
	first, err := e.Subscribe("alice", time.Minute)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := e.Subscribe("alice", time.Minute)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, ok := <-first.Frames(); ok {
		t.Error("first stream still open")
	}

	e.mu.Lock()
	current := e.streams["alice"]
	e.mu.Unlock()
	if current != second {
		t.Error("second stream is not the registered one")
	}
	_ = second.Close()
	e.mu.Lock()
	n := len(e.streams)
	e.mu.Unlock()
	if n != 0 {
		t.Errorf("streams after Close = %d, want 0", n)
	}
}

func TestEndpoint_LeaveEndsSpeech(t *testing.T) {
	t.Parallel()

	e, vc := newTestEndpoint(t)
	events := collectSpeech(e)
	speak(e, vc, "alice", 100)
	s, _ := e.Subscribe("alice", time.Minute)

	vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: []byte{1}}
	nextSpeech(t, events)

	e.handleVoiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{GuildID: "guild-test", UserID: "alice", ChannelID: ""},
		BeforeUpdate: &discordgo.VoiceState{GuildID: "guild-test", UserID: "alice", ChannelID: "chan-1"},
	})

	if ev := nextSpeech(t, events); ev.Type != audio.SpeechEnd {
		t.Errorf("event = %+v, want SpeechEnd", ev)
	}
	select {
	case _, ok := <-s.Frames():
		for ok {
			_, ok = <-s.Frames()
		}
	case <-time.After(time.Second):
		t.Fatal("stream not ended when member left")
	}
}

func TestEndpoint_PlayOpusAppendsSilence(t *testing.T) {
	t.Parallel()

	e, vc := newTestEndpoint(t)
	in := make(chan []byte, 2)
	in <- []byte{1}
	in <- []byte{2}
	close(in)

	if err := e.PlayOpus(context.Background(), in); err != nil {
		t.Fatalf("PlayOpus: %v", err)
	}
	want := 2 + trailingSilence
	if got := len(vc.OpusSend); got != want {
		t.Fatalf("sent %d packets, want %d", got, want)
	}
	if p := <-vc.OpusSend; p[0] != 1 {
		t.Errorf("first packet = %v", p)
	}
	<-vc.OpusSend
	for range trailingSilence {
		if p := <-vc.OpusSend; !isSilence(p) {
			t.Errorf("trailing packet = %v, want silence", p)
		}
	}
}

func TestEndpoint_PlayPCMReframes(t *testing.T) {
	t.Parallel()

	e, vc := newTestEndpoint(t)
	in := make(chan []byte, 2)
	in <- make([]byte, audio.FrameBytes+audio.FrameBytes/2)
	in <- make([]byte, audio.FrameBytes/4)
	close(in)

	if err := e.PlayPCM(context.Background(), in); err != nil {
		t.Fatalf("PlayPCM: %v", err)
	}
	// One full frame, one padded remainder, then the trailing silence.
	want := 2 + trailingSilence
	if got := len(vc.OpusSend); got != want {
		t.Fatalf("sent %d packets, want %d", got, want)
	}
	for range 2 {
		if p := <-vc.OpusSend; len(p) == 0 {
			t.Error("empty encoded packet")
		}
	}
}

func TestEndpoint_PlaybackLatestWins(t *testing.T) {
	t.Parallel()

	e, _ := newTestEndpoint(t)
	first := make(chan []byte)
	firstErr := make(chan error, 1)
	go func() { firstErr <- e.PlayOpus(context.Background(), first) }()

	// Wait until the first playback is registered.
	deadline := time.Now().Add(2 * time.Second)
	for {
		e.playMu.Lock()
		active := e.playCancel != nil
		e.playMu.Unlock()
		if active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first playback never started")
		}
		time.Sleep(time.Millisecond)
	}

	second := make(chan []byte)
	close(second)
	if err := e.PlayOpus(context.Background(), second); err != nil {
		t.Fatalf("second PlayOpus: %v", err)
	}
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("first playback = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first playback not superseded")
	}
}

func TestEndpoint_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	e, _ := newTestEndpoint(t)
	states := make(chan bool, 4)
	e.OnStateChange(func(ready bool) { states <- ready })

	s, _ := e.Subscribe("alice", time.Minute)
	for i := range 3 {
		if err := e.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: %v", i, err)
		}
	}
	if _, ok := <-s.Frames(); ok {
		t.Error("stream open after Disconnect")
	}
	if e.Ready() {
		t.Error("Ready = true after Disconnect")
	}
	select {
	case ready := <-states:
		if ready {
			t.Error("state change = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("no state change on Disconnect")
	}
}

func TestEndpoint_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	e, _ := newTestEndpoint(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = e.Disconnect()
		})
	}
	wg.Wait()
}

func TestEndpoint_RejoinsAfterLostLink(t *testing.T) {
	t.Parallel()

	first := newFakeVC("bot-1")
	second := newFakeVC("bot-1")
	var joins atomic.Int32
	e := NewEndpoint(&discordgo.Session{}, "g", "c",
		withCheckInterval(5*time.Millisecond),
		WithBackoff(Backoff{MaxRetries: 2, Initial: time.Millisecond, Max: time.Millisecond}),
	)
	e.join = func(context.Context) (*discordgo.VoiceConnection, error) {
		if joins.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	var left atomic.Int32
	e.leave = func(*discordgo.VoiceConnection) error {
		left.Add(1)
		return nil
	}
	states := make(chan bool, 8)
	e.OnStateChange(func(ready bool) { states <- ready })

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer e.Disconnect()

	setReady(first, false)
	for _, want := range []bool{false, true} {
		select {
		case got := <-states:
			if got != want {
				t.Fatalf("state change = %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
	if n := joins.Load(); n != 2 {
		t.Errorf("joins = %d, want 2", n)
	}
	if n := left.Load(); n != 1 {
		t.Errorf("old connection left %d times, want 1", n)
	}
	e.mu.Lock()
	current := e.vc
	e.mu.Unlock()
	if current != second {
		t.Error("endpoint did not switch to the new connection")
	}
}
