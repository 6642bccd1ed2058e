// Package event carries the relay's structured notifications to interested
// consumers: the HTTP event stream, the Discord dashboard, the CLI log.
//
// Publishing never blocks. Each subscriber has its own buffered channel and
// events that do not fit are dropped for that subscriber only.
package event

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event.
type Kind string

const (
	KindConnection      Kind = "connection"
	KindSpeaking        Kind = "speaking"
	KindSpeakingEnded   Kind = "speaking-ended"
	KindWhisperSpeaking Kind = "whisper-speaking"
	KindTargetChanged   Kind = "target-changed"
	KindWhisperChanged  Kind = "whisper-changed"
	KindBriefingStarted Kind = "briefing-started"
	KindBriefingEnded   Kind = "briefing-ended"
	KindSettingsChanged Kind = "settings-changed"
	KindWarning         Kind = "warning"
	KindError           Kind = "error"
)

// Event is one notification. Data holds a kind-specific payload that encodes
// cleanly to JSON.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Connection is the payload of [KindConnection].
type Connection struct {
	Endpoint string `json:"endpoint"`
	Ready    bool   `json:"ready"`
	Error    string `json:"error,omitempty"`
}

// Speaking is the payload of the speaking kinds.
type Speaking struct {
	UserID       string   `json:"user_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	RoleName     string   `json:"role_name,omitempty"`
	Target       string   `json:"target,omitempty"`
	Destinations []string `json:"destinations,omitempty"`
}

// TargetChanged is the payload of [KindTargetChanged].
type TargetChanged struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// WhisperChanged is the payload of [KindWhisperChanged].
type WhisperChanged struct {
	UserID      string `json:"user_id"`
	Destination string `json:"destination,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Briefing is the payload of the briefing kinds.
type Briefing struct {
	ChannelID string `json:"channel_id"`
	Moved     int    `json:"moved"`
	Skipped   int    `json:"skipped,omitempty"` // left voice before the move
	Failed    int    `json:"failed,omitempty"`  // rejected by Discord
}

// Problem is the payload of [KindWarning] and [KindError].
type Problem struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus fans events out to subscribers. The zero value is ready to use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

// Subscribe returns a channel receiving every event published from now on and
// a function that unsubscribes and closes the channel. buffer <= 0 selects
// [DefaultBuffer].
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers an event of kind to every subscriber without blocking.
func (b *Bus) Publish(kind Kind, data any) {
	ev := Event{Kind: kind, Time: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Warn publishes a [KindWarning] event.
func (b *Bus) Warn(source, message string) {
	b.Publish(KindWarning, Problem{Source: source, Message: message})
}

// Error publishes a [KindError] event.
func (b *Bus) Error(source, message string) {
	b.Publish(KindError, Problem{Source: source, Message: message})
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
