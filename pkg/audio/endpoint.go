// Package audio defines the transport contracts the relay core consumes.
//
// The primary abstractions are:
//
//   - [Endpoint]: one voice channel joined by one bot. It delivers per-speaker
//     inbound Opus streams and speech start/end notifications, and plays either
//     compressed or raw audio into its channel.
//   - [Directory]: guild membership lookup, voice state snapshot, and member moves.
//   - [CommandBus]: a text message channel used for out-of-band commands.
//
// Implementations live in platform-specific adapter packages (audio/discord).
// Nothing here imports the Discord SDK.
package audio

import (
	"context"
	"time"
)

// Canonical raw audio format exchanged between pipeline stages: 48 kHz,
// interleaved stereo, signed 16-bit little-endian, 20 ms frames.
const (
	SampleRate    = 48000
	Channels      = 2
	FrameDuration = 20 * time.Millisecond
	FrameSamples  = SampleRate * int(FrameDuration/time.Millisecond) / 1000
	FrameBytes    = FrameSamples * Channels * 2
)

// SpeechEventType classifies speech notifications emitted by an [Endpoint].
type SpeechEventType int

const (
	// SpeechStart is emitted when a member starts producing audio after silence.
	SpeechStart SpeechEventType = iota

	// SpeechEnd is emitted when a member has been silent for the endpoint's
	// speech end threshold.
	SpeechEnd
)

// String returns the human-readable name of the event type.
func (e SpeechEventType) String() string {
	switch e {
	case SpeechStart:
		return "START"
	case SpeechEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// SpeechEvent describes a speech state change of one member on an endpoint.
type SpeechEvent struct {
	Type   SpeechEventType
	UserID string
}

// InboundStream is the compressed audio of one member, from the moment of
// subscription until the member falls silent, the stream fails, or it is closed.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type InboundStream interface {
	// UserID returns the member whose audio this stream carries.
	UserID() string

	// Frames returns the channel of Opus packets. It is closed when the stream
	// ends for any reason.
	Frames() <-chan []byte

	// Err returns the error that ended the stream, or nil after a natural end
	// or an explicit Close. Only meaningful after Frames has been closed.
	Err() error

	// Close stops delivery and closes the Frames channel.
	Close() error
}

// Sink plays audio into a voice channel. Only the most recent playback is
// audible: starting a new one stops the previous. Both methods block until
// frames is closed, ctx is done, or the playback is superseded.
type Sink interface {
	// PlayOpus sends already compressed Opus packets as they are.
	PlayOpus(ctx context.Context, frames <-chan []byte) error

	// PlayPCM encodes raw audio in the canonical format and sends it.
	// Chunks need not be frame aligned.
	PlayPCM(ctx context.Context, pcm <-chan []byte) error
}

// Endpoint is one joined voice channel.
//
// Implementations must be safe for concurrent use.
type Endpoint interface {
	Sink

	// ChannelID returns the voice channel the endpoint joins.
	ChannelID() string

	// SelfID returns the user ID of the bot behind this endpoint. It is only
	// valid after a successful Connect.
	SelfID() string

	// Connect joins the voice channel. ctx bounds the attempt; once joined the
	// endpoint stays connected until Disconnect.
	Connect(ctx context.Context) error

	// Disconnect leaves the voice channel. Safe to call more than once.
	Disconnect() error

	// Ready reports whether the voice link is currently usable.
	Ready() bool

	// Subscribe opens an inbound stream for userID. The stream ends after
	// silenceAfter without packets.
	Subscribe(userID string, silenceAfter time.Duration) (InboundStream, error)

	// OnSpeech registers the callback for speech events. Only one callback is
	// kept; a later call replaces it. Callbacks run on their own goroutine.
	OnSpeech(cb func(SpeechEvent))

	// OnStateChange registers the callback for readiness changes. Only one
	// callback is kept. Callbacks run on their own goroutine.
	OnStateChange(cb func(ready bool))
}

// Member is a snapshot of a guild member.
type Member struct {
	ID          string
	DisplayName string
	Roles       []string
	Bot         bool
}

// VoiceState places a member in a voice channel.
type VoiceState struct {
	UserID    string
	ChannelID string
	Bot       bool
}

// Directory answers membership questions about the guild.
type Directory interface {
	// Member returns the current snapshot of a guild member.
	Member(ctx context.Context, userID string) (Member, error)

	// VoiceStates returns every member currently connected to a voice channel
	// of the guild.
	VoiceStates(ctx context.Context) ([]VoiceState, error)

	// MoveMember moves a connected member to another voice channel.
	MoveMember(ctx context.Context, userID, channelID string) error
}

// Message is a text message received on a [CommandBus].
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Content   string
}

// CommandBus is a text channel carrying short operator commands.
type CommandBus interface {
	// SelfID returns the user ID that authors messages sent by this process.
	SelfID() string

	// OnMessage registers fn for messages posted in channelID and returns a
	// function that removes the registration.
	OnMessage(channelID string, fn func(Message)) (remove func())

	// DeleteMessage removes a processed message.
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Decoder turns one Opus packet into canonical raw audio.
// A Decoder keeps codec state and must not be shared between streams.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// DecoderFactory creates a fresh [Decoder].
type DecoderFactory func() (Decoder, error)
