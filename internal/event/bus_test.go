package event_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/MrWong99/voxrelay/internal/event"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	var bus event.Bus

	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(event.KindTargetChanged, event.TargetChanged{Previous: "mute", Current: "all"})

	for name, ch := range map[string]<-chan event.Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Kind != event.KindTargetChanged {
				t.Errorf("%s: kind = %s, want %s", name, ev.Kind, event.KindTargetChanged)
			}
			if ev.Time.IsZero() {
				t.Errorf("%s: event has no timestamp", name)
			}
		default:
			t.Errorf("%s: no event delivered", name)
		}
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	t.Parallel()
	var bus event.Bus

	slow, cancelSlow := bus.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := bus.Subscribe(10)
	defer cancelFast()

	for range 5 {
		bus.Warn("test", "ping")
	}

	if got := len(slow); got != 1 {
		t.Errorf("slow subscriber holds %d events, want 1", got)
	}
	if got := len(fast); got != 5 {
		t.Errorf("fast subscriber holds %d events, want 5", got)
	}
	if got := bus.Dropped(); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	var bus event.Bus

	ch, cancel := bus.Subscribe(0)
	if bus.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", bus.Subscribers())
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", bus.Subscribers())
	}
	bus.Publish(event.KindSpeaking, nil)
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	var bus event.Bus

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := bus.Subscribe(2)
			for range 50 {
				bus.Publish(event.KindSpeaking, event.Speaking{UserID: "u"})
			}
			cancel()
			for range ch {
			}
		}()
	}
	wg.Wait()
}

func TestEvent_JSON(t *testing.T) {
	t.Parallel()
	ev := event.Event{
		Kind: event.KindWhisperChanged,
		Data: event.WhisperChanged{UserID: "42", Destination: "alpha", Enabled: true},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Kind string `json:"kind"`
		Data struct {
			UserID  string `json:"user_id"`
			Enabled bool   `json:"enabled"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Kind != "whisper-changed" || decoded.Data.UserID != "42" || !decoded.Data.Enabled {
		t.Errorf("decoded = %+v", decoded)
	}
}
