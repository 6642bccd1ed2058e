// Package mock provides in-memory implementations of the [audio.Endpoint],
// [audio.InboundStream], [audio.Directory], [audio.CommandBus] and
// [audio.Decoder] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := mock.NewEndpoint("hq")
//	dst := mock.NewEndpoint("alpha")
//	stream := mock.NewStream("user-1")
//	src.Streams["user-1"] = stream
//	src.EmitSpeech(audio.SpeechEvent{Type: audio.SpeechStart, UserID: "user-1"})
//	stream.Send([]byte{0xF8, 0xFF, 0xFE})
package mock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// ─── InboundStream ────────────────────────────────────────────────────────────

// Stream is a controllable [audio.InboundStream]. Tests push packets with
// [Stream.Send] and end the stream with [Stream.End] or [Stream.Fail].
type Stream struct {
	user   string
	frames chan []byte

	mu         sync.Mutex
	err        error
	ended      bool
	CloseCalls int
}

// NewStream returns an open stream for userID with a generous buffer.
func NewStream(userID string) *Stream {
	return &Stream{user: userID, frames: make(chan []byte, 256)}
}

// UserID implements [audio.InboundStream].
func (s *Stream) UserID() string { return s.user }

// Frames implements [audio.InboundStream].
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Err implements [audio.InboundStream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.InboundStream]. Counts every call; only the first
// closes the channel.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	s.endLocked(nil)
	return nil
}

// Send delivers one packet. Packets sent after the stream ended are dropped
// and Send reports false.
func (s *Stream) Send(packet []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.frames <- packet
	return true
}

// End finishes the stream naturally.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(nil)
}

// Fail finishes the stream with err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

// Ended reports whether the stream has finished.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Closes returns how many times Close was called.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}

func (s *Stream) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.frames)
}

// ─── Endpoint ─────────────────────────────────────────────────────────────────

// Playback records one PlayOpus or PlayPCM invocation.
type Playback struct {
	Opus bool

	mu     sync.Mutex
	chunks [][]byte
	done   bool
}

// Bytes returns every byte received so far, concatenated in order.
func (p *Playback) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return out
}

// Chunks returns a copy of the received chunks.
func (p *Playback) Chunks() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.chunks)
}

// Done reports whether the playback returned.
func (p *Playback) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Endpoint is a mock implementation of [audio.Endpoint].
// Set the exported fields before use; inspect the Call* fields after.
type Endpoint struct {
	mu sync.Mutex

	// Channel is returned by ChannelID.
	Channel string

	// Self is returned by SelfID.
	Self string

	// ConnectError is returned by Connect. When nil the endpoint becomes ready.
	ConnectError error

	// ConnectBlock makes Connect wait for ctx to be done.
	ConnectBlock bool

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// Streams maps user IDs to the stream returned by Subscribe. A missing
	// entry makes Subscribe create and store a fresh stream.
	Streams map[string]*Stream

	// SubscribeError is returned by Subscribe when set.
	SubscribeError error

	// Stall makes playbacks block without reading until their context is done.
	Stall bool

	// Pace makes playbacks wait this long after each chunk, like a voice
	// connection sending one frame every 20 ms.
	Pace time.Duration

	// StopAfter, when positive, makes playbacks return PlayError after that
	// many chunks without reading further.
	StopAfter int
	PlayError error

	// Log, when set, receives "connect:<channel>" and "disconnect:<channel>"
	// entries so tests can assert ordering across endpoints.
	Log *CallLog

	CallCountConnect    int
	CallCountDisconnect int
	SubscribeCalls      []string
	SubscribeSilences   []time.Duration
	Playbacks           []*Playback

	ready    bool
	speechCB func(audio.SpeechEvent)
	stateCB  func(bool)
}

// NewEndpoint returns an endpoint for channel whose bot ID is "bot-"+channel.
func NewEndpoint(channel string) *Endpoint {
	return &Endpoint{
		Channel: channel,
		Self:    "bot-" + channel,
		Streams: make(map[string]*Stream),
	}
}

// ChannelID implements [audio.Endpoint].
func (e *Endpoint) ChannelID() string { return e.Channel }

// SelfID implements [audio.Endpoint].
func (e *Endpoint) SelfID() string { return e.Self }

// Connect implements [audio.Endpoint].
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	e.CallCountConnect++
	block := e.ConnectBlock
	err := e.ConnectError
	e.Log.add("connect:" + e.Channel)
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	return nil
}

// Disconnect implements [audio.Endpoint].
func (e *Endpoint) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountDisconnect++
	e.ready = false
	e.Log.add("disconnect:" + e.Channel)
	return e.DisconnectError
}

// Ready implements [audio.Endpoint].
func (e *Endpoint) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Subscribe implements [audio.Endpoint].
func (e *Endpoint) Subscribe(userID string, silenceAfter time.Duration) (audio.InboundStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SubscribeCalls = append(e.SubscribeCalls, userID)
	e.SubscribeSilences = append(e.SubscribeSilences, silenceAfter)
	if e.SubscribeError != nil {
		return nil, e.SubscribeError
	}
	s, ok := e.Streams[userID]
	if !ok || s.Ended() {
		s = NewStream(userID)
		e.Streams[userID] = s
	}
	return s, nil
}

// Stream returns the stream currently stored for userID.
func (e *Endpoint) Stream(userID string) *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Streams[userID]
}

// OnSpeech implements [audio.Endpoint].
func (e *Endpoint) OnSpeech(cb func(audio.SpeechEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speechCB = cb
}

// OnStateChange implements [audio.Endpoint].
func (e *Endpoint) OnStateChange(cb func(bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateCB = cb
}

// EmitSpeech invokes the registered speech callback synchronously.
func (e *Endpoint) EmitSpeech(ev audio.SpeechEvent) {
	e.mu.Lock()
	cb := e.speechCB
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// SetReady changes readiness and invokes the state callback synchronously.
func (e *Endpoint) SetReady(ready bool) {
	e.mu.Lock()
	e.ready = ready
	cb := e.stateCB
	e.mu.Unlock()
	if cb != nil {
		cb(ready)
	}
}

// PlayOpus implements [audio.Sink].
func (e *Endpoint) PlayOpus(ctx context.Context, frames <-chan []byte) error {
	return e.play(ctx, frames, true)
}

// PlayPCM implements [audio.Sink].
func (e *Endpoint) PlayPCM(ctx context.Context, pcm <-chan []byte) error {
	return e.play(ctx, pcm, false)
}

// PlaybackCount returns how many playbacks were started.
func (e *Endpoint) PlaybackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Playbacks)
}

// Playback returns the i-th playback, or nil.
func (e *Endpoint) Playback(i int) *Playback {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.Playbacks) {
		return nil
	}
	return e.Playbacks[i]
}

// SetStall toggles the stall behaviour for future playbacks.
func (e *Endpoint) SetStall(stall bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Stall = stall
}

func (e *Endpoint) play(ctx context.Context, frames <-chan []byte, opus bool) error {
	p := &Playback{Opus: opus}
	e.mu.Lock()
	e.Playbacks = append(e.Playbacks, p)
	stall, pace := e.Stall, e.Pace
	stopAfter, playErr := e.StopAfter, e.PlayError
	e.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
	}()

	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			p.mu.Lock()
			p.chunks = append(p.chunks, slices.Clone(f))
			n := len(p.chunks)
			p.mu.Unlock()
			if stopAfter > 0 && n >= stopAfter {
				return playErr
			}
			if pace > 0 {
				select {
				case <-time.After(pace):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// ─── CallLog ──────────────────────────────────────────────────────────────────

// CallLog is a shared, ordered record of calls across several mocks.
type CallLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *CallLog) add(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

// Entries returns a copy of the recorded entries.
func (l *CallLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// ─── Directory ────────────────────────────────────────────────────────────────

// MoveCall records one MoveMember invocation.
type MoveCall struct {
	UserID    string
	ChannelID string
}

// Directory is a mock implementation of [audio.Directory] backed by maps.
// MoveMember updates the voice state map so that a later VoiceStates call
// reflects the move.
type Directory struct {
	mu sync.Mutex

	// Members is the member table used by Member.
	Members map[string]audio.Member

	// Voice maps user IDs to their current voice channel.
	Voice map[string]string

	// MemberError, VoiceError and MoveError force failures when set.
	MemberError error
	VoiceError  error
	MoveError   error

	MemberCalls []string
	MoveCalls   []MoveCall
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{Members: make(map[string]audio.Member), Voice: make(map[string]string)}
}

// Member implements [audio.Directory].
func (d *Directory) Member(_ context.Context, userID string) (audio.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.MemberCalls = append(d.MemberCalls, userID)
	if d.MemberError != nil {
		return audio.Member{}, d.MemberError
	}
	m, ok := d.Members[userID]
	if !ok {
		return audio.Member{}, fmt.Errorf("mock: unknown member %q", userID)
	}
	return m, nil
}

// VoiceStates implements [audio.Directory].
func (d *Directory) VoiceStates(_ context.Context) ([]audio.VoiceState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.VoiceError != nil {
		return nil, d.VoiceError
	}
	states := make([]audio.VoiceState, 0, len(d.Voice))
	for user, ch := range d.Voice {
		states = append(states, audio.VoiceState{UserID: user, ChannelID: ch, Bot: d.Members[user].Bot})
	}
	return states, nil
}

// MoveMember implements [audio.Directory].
func (d *Directory) MoveMember(_ context.Context, userID, channelID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.MoveCalls = append(d.MoveCalls, MoveCall{UserID: userID, ChannelID: channelID})
	if d.MoveError != nil {
		return d.MoveError
	}
	if _, ok := d.Voice[userID]; !ok {
		return errors.New("mock: member not in voice")
	}
	d.Voice[userID] = channelID
	return nil
}

// SetVoice places userID in channelID, or removes them when channelID is empty.
func (d *Directory) SetVoice(userID, channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if channelID == "" {
		delete(d.Voice, userID)
		return
	}
	d.Voice[userID] = channelID
}

// ChannelOf returns the voice channel of userID.
func (d *Directory) ChannelOf(userID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.Voice[userID]
	return ch, ok
}

// MemberCallCount returns how many times Member was called.
func (d *Directory) MemberCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.MemberCalls)
}

// ─── CommandBus ───────────────────────────────────────────────────────────────

// DeleteCall records one DeleteMessage invocation.
type DeleteCall struct {
	ChannelID string
	MessageID string
}

// CommandBus is a mock implementation of [audio.CommandBus].
type CommandBus struct {
	mu sync.Mutex

	// Self is returned by SelfID.
	Self string

	// DeleteError is returned by DeleteMessage.
	DeleteError error

	DeleteCalls []DeleteCall

	handlers map[string]func(audio.Message)
}

// SelfID implements [audio.CommandBus].
func (b *CommandBus) SelfID() string { return b.Self }

// OnMessage implements [audio.CommandBus].
func (b *CommandBus) OnMessage(channelID string, fn func(audio.Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]func(audio.Message))
	}
	b.handlers[channelID] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, channelID)
	}
}

// DeleteMessage implements [audio.CommandBus].
func (b *CommandBus) DeleteMessage(_ context.Context, channelID, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DeleteCalls = append(b.DeleteCalls, DeleteCall{ChannelID: channelID, MessageID: messageID})
	return b.DeleteError
}

// Post delivers msg synchronously to the handler registered for its channel.
// It reports whether a handler was registered.
func (b *CommandBus) Post(msg audio.Message) bool {
	b.mu.Lock()
	fn := b.handlers[msg.ChannelID]
	b.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}

// Deletes returns a copy of the recorded deletions.
func (b *CommandBus) Deletes() []DeleteCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.DeleteCalls)
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is an [audio.Decoder] that returns each packet unchanged, or
// DecodeError when set. Identity decoding keeps byte-level assertions simple.
type Decoder struct {
	mu          sync.Mutex
	DecodeError error
	Calls       int
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.DecodeError != nil {
		return nil, d.DecodeError
	}
	return slices.Clone(packet), nil
}

// DecoderFactory hands out [Decoder] values and counts them.
type DecoderFactory struct {
	mu       sync.Mutex
	Err      error
	Created  []*Decoder
	template Decoder
}

// FailDecodeWith makes every decoder created afterwards fail with err.
func (f *DecoderFactory) FailDecodeWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.template.DecodeError = err
}

// New is an [audio.DecoderFactory].
func (f *DecoderFactory) New() (audio.Decoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	d := &Decoder{DecodeError: f.template.DecodeError}
	f.Created = append(f.Created, d)
	return d, nil
}

// Count returns how many decoders were created.
func (f *DecoderFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}
