package relay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/routing"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

func withBriefing(c *relay.Config) { c.BriefingChannelID = "brief" }

// seatTroops places one member in each destination plus a bot, a relay bot
// and a member in headquarters who must not be briefed.
func seatTroops(h *harness) {
	h.dir.Members["bot-x"] = audio.Member{ID: "bot-x", Bot: true}
	h.dir.SetVoice("a1", "alpha")
	h.dir.SetVoice("b1", "bravo")
	h.dir.SetVoice("c1", "charlie")
	h.dir.SetVoice("bot-x", "alpha")
	h.dir.SetVoice("bot-bravo", "bravo")
	h.dir.SetVoice("u1", "hq")
}

func TestBriefing_RoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withBriefing)
	seatTroops(h)
	h.start(t)
	h.target(t, "all")
	ctx := context.Background()

	res, err := h.relay.StartBriefing(ctx)
	if err != nil {
		t.Fatalf("StartBriefing: %v", err)
	}
	if res.Moved != 3 || res.Failed != 0 {
		t.Errorf("start result = %+v, want 3 moved", res)
	}
	for _, id := range []string{"a1", "b1", "c1"} {
		if ch, _ := h.dir.ChannelOf(id); ch != "brief" {
			t.Errorf("%s in %q, want brief", id, ch)
		}
	}
	for id, want := range map[string]string{"bot-x": "alpha", "bot-bravo": "bravo", "u1": "hq"} {
		if ch, _ := h.dir.ChannelOf(id); ch != want {
			t.Errorf("%s moved to %q", id, ch)
		}
	}
	if h.relay.Target() != routing.Briefing || !h.relay.BriefingActive() {
		t.Errorf("target = %v during briefing", h.relay.Target())
	}
	if st := h.relay.Status(); st.Briefing == nil || st.Briefing.Participants != 3 {
		t.Errorf("briefing status = %+v", st.Briefing)
	}
	ev := waitEvent(t, h.events, event.KindBriefingStarted)
	if b := ev.Data.(event.Briefing); b.Moved != 3 || b.ChannelID != "brief" {
		t.Errorf("briefing-started = %+v", b)
	}

	if _, err := h.relay.SetTarget(ctx, "bravo"); !errors.Is(err, relay.ErrBriefingActive) {
		t.Errorf("SetTarget during briefing = %v, want ErrBriefingActive", err)
	}
	if _, err := h.relay.StartBriefing(ctx); !errors.Is(err, relay.ErrBriefingActive) {
		t.Errorf("second StartBriefing = %v, want ErrBriefingActive", err)
	}

	// b1 leaves voice during the briefing.
	h.dir.SetVoice("b1", "")

	res, err = h.relay.EndBriefing(ctx)
	if err != nil {
		t.Fatalf("EndBriefing: %v", err)
	}
	if res.Moved != 2 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("end result = %+v, want 2 moved 1 skipped", res)
	}
	for id, want := range map[string]string{"a1": "alpha", "c1": "charlie"} {
		if ch, _ := h.dir.ChannelOf(id); ch != want {
			t.Errorf("%s in %q, want %q", id, ch, want)
		}
	}
	if _, ok := h.dir.ChannelOf("b1"); ok {
		t.Error("b1 pulled back into voice")
	}
	if h.relay.Target() != routing.All {
		t.Errorf("target after briefing = %v, want all", h.relay.Target())
	}
	ev = waitEvent(t, h.events, event.KindBriefingEnded)
	if b := ev.Data.(event.Briefing); b.Moved != 2 || b.Skipped != 1 || b.Failed != 0 {
		t.Errorf("briefing-ended = %+v", b)
	}

	if _, err := h.relay.EndBriefing(ctx); !errors.Is(err, relay.ErrBriefingInactive) {
		t.Errorf("second EndBriefing = %v, want ErrBriefingInactive", err)
	}
}

func TestBriefing_StopsAndRestoresBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withBriefing)
	seatTroops(h)
	h.start(t)
	h.target(t, "alpha")
	h.speak("u1")
	ctx := context.Background()

	if _, err := h.relay.StartBriefing(ctx); err != nil {
		t.Fatalf("StartBriefing: %v", err)
	}
	if n := h.relay.Status().ActiveHandles; n != 0 {
		t.Errorf("active handles during briefing = %d, want 0", n)
	}
	if _, err := h.relay.EndBriefing(ctx); err != nil {
		t.Fatalf("EndBriefing: %v", err)
	}

	// The commander is still talking and is routed to alpha again.
	if n := len(h.src.SubscribeCalls); n != 2 {
		t.Errorf("source subscriptions = %d, want 2", n)
	}
	if n := h.relay.Status().ActiveHandles; n == 0 {
		t.Error("broadcast not restored after briefing")
	}
}

func TestBriefing_FailedMovesAreForgotten(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withBriefing)
	seatTroops(h)
	h.dir.MoveError = errors.New("missing move permission")
	h.start(t)
	ctx := context.Background()

	res, err := h.relay.StartBriefing(ctx)
	if err != nil {
		t.Fatalf("StartBriefing: %v", err)
	}
	if res.Moved != 0 || res.Failed != 3 {
		t.Errorf("start result = %+v, want 3 failed", res)
	}
	waitEvent(t, h.events, event.KindWarning)
	ev := waitEvent(t, h.events, event.KindBriefingStarted)
	if b := ev.Data.(event.Briefing); b.Failed != 3 || b.Skipped != 0 {
		t.Errorf("briefing-started = %+v, want 3 failed and none skipped", b)
	}

	h.dir.MoveError = nil
	res, err = h.relay.EndBriefing(ctx)
	if err != nil {
		t.Fatalf("EndBriefing: %v", err)
	}
	if res.Moved != 0 {
		t.Errorf("end moved %d members that never left", res.Moved)
	}
}

func TestBriefing_RequiresChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)
	if _, err := h.relay.StartBriefing(context.Background()); !errors.Is(err, relay.ErrBriefingNotConfigured) {
		t.Errorf("StartBriefing = %v, want ErrBriefingNotConfigured", err)
	}
	if _, err := h.relay.EndBriefing(context.Background()); !errors.Is(err, relay.ErrBriefingNotConfigured) {
		t.Errorf("EndBriefing = %v, want ErrBriefingNotConfigured", err)
	}
}
