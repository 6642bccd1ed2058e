package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Endpoint = (*Endpoint)(nil)

const (
	// DefaultSpeechEnd is the silence after which a speaker is reported as
	// having stopped.
	DefaultSpeechEnd = 500 * time.Millisecond

	// defaultCheckInterval is how often readiness is polled.
	defaultCheckInterval = 2 * time.Second

	// downChecks is the number of consecutive failed readiness checks before
	// the endpoint rejoins on its own. discordgo retries the voice websocket
	// itself first.
	downChecks = 3

	// rejoinTimeout bounds a single rejoin attempt.
	rejoinTimeout = 30 * time.Second

	// eventBuffer is the capacity of the speech event queue.
	eventBuffer = 256
)

// ErrNotConnected is returned by operations that need a joined channel.
var ErrNotConnected = errors.New("discord: voice channel not joined")

// EndpointOption configures an [Endpoint].
type EndpointOption func(*Endpoint)

// WithSpeechEnd sets the silence after which SpeechEnd is emitted.
func WithSpeechEnd(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		if d > 0 {
			e.speechEnd = d
		}
	}
}

// WithBackoff configures automatic rejoins after the voice link is lost.
func WithBackoff(b Backoff) EndpointOption {
	return func(e *Endpoint) { e.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// withCheckInterval overrides the readiness poll interval. Used by tests.
func withCheckInterval(d time.Duration) EndpointOption {
	return func(e *Endpoint) { e.checkEvery = d }
}

// Endpoint joins one voice channel with one bot session and adapts it to
// [audio.Endpoint]. It maps SSRCs to members through speaking updates,
// detects speech by packet activity, hands out per-member inbound streams
// and plays audio with latest-wins semantics.
//
// Endpoint is safe for concurrent use.
type Endpoint struct {
	session    *discordgo.Session
	guildID    string
	channelID  string
	logger     *slog.Logger
	speechEnd  time.Duration
	backoff    Backoff
	checkEvery time.Duration

	// join and leave talk to Discord; tests replace them.
	join  func(ctx context.Context) (*discordgo.VoiceConnection, error)
	leave func(vc *discordgo.VoiceConnection) error

	events     chan audio.SpeechEvent
	eventsOnce sync.Once

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	hooked    map[*discordgo.VoiceConnection]bool
	selfID    string
	connected bool
	lastReady bool
	stop      chan struct{} // closed on Disconnect
	loopStop  chan struct{} // closed when the receive loop must switch connections
	removeVSU func()
	ssrcUser  map[uint32]string
	active    map[string]*activity
	streams   map[string]*inboundStream
	speechCB  func(audio.SpeechEvent)
	stateCB   func(bool)

	playMu     sync.Mutex
	playSeq    uint64
	playCancel context.CancelFunc
}

// activity tracks one member's speech by packet arrival.
type activity struct {
	timer *time.Timer
}

// NewEndpoint returns an endpoint for channelID in guildID. Nothing is joined
// until [Endpoint.Connect].
func NewEndpoint(session *discordgo.Session, guildID, channelID string, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		session:    session,
		guildID:    guildID,
		channelID:  channelID,
		logger:     slog.Default(),
		speechEnd:  DefaultSpeechEnd,
		checkEvery: defaultCheckInterval,
		events:     make(chan audio.SpeechEvent, eventBuffer),
		hooked:     make(map[*discordgo.VoiceConnection]bool),
		ssrcUser:   make(map[uint32]string),
		active:     make(map[string]*activity),
		streams:    make(map[string]*inboundStream),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("channel_id", channelID)
	e.join = e.joinVoice
	e.leave = func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() }
	return e
}

// ChannelID implements [audio.Endpoint].
func (e *Endpoint) ChannelID() string { return e.channelID }

// SelfID implements [audio.Endpoint].
func (e *Endpoint) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// Connect joins the voice channel. The supplied ctx governs the join only;
// once joined the endpoint stays until [Endpoint.Disconnect] and rejoins by
// itself after a lost link.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if connected {
		return nil
	}

	vc, err := e.join(ctx)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", e.channelID, err)
	}

	e.eventsOnce.Do(func() { go e.dispatch() })

	e.mu.Lock()
	e.connected = true
	e.lastReady = true
	e.stop = make(chan struct{})
	e.removeVSU = e.session.AddHandler(e.handleVoiceStateUpdate)
	e.attachLocked(vc)
	stop := e.stop
	e.mu.Unlock()

	go e.monitor(stop)
	e.logger.Info("voice channel joined")
	return nil
}

// joinVoice calls ChannelVoiceJoin, which cannot be cancelled, and abandons
// it when ctx ends first. A join that completes late is torn down.
func (e *Endpoint) joinVoice(ctx context.Context) (*discordgo.VoiceConnection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		// mute=false (we send audio), deaf=false (we receive audio).
		vc, err := e.session.ChannelVoiceJoin(e.guildID, e.channelID, false, false)
		ch <- result{vc, err}
	}()
	select {
	case r := <-ch:
		return r.vc, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// attachLocked switches the endpoint to vc and (re)starts the receive loop.
func (e *Endpoint) attachLocked(vc *discordgo.VoiceConnection) {
	if e.loopStop != nil {
		close(e.loopStop)
	}
	e.vc = vc
	e.loopStop = make(chan struct{})

	vc.RLock()
	e.selfID = vc.UserID
	vc.RUnlock()
	if e.selfID == "" && e.session.State != nil && e.session.State.User != nil {
		e.selfID = e.session.State.User.ID
	}
	if !e.hooked[vc] {
		e.hooked[vc] = true
		vc.AddHandler(e.handleSpeakingUpdate)
	}
	go e.recvLoop(vc, e.stop, e.loopStop)
}

// Disconnect leaves the voice channel, ends every inbound stream and stops the
// current playback. Safe to call more than once.
func (e *Endpoint) Disconnect() error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil
	}
	e.connected = false
	close(e.stop)
	vc := e.vc
	e.vc = nil
	if e.removeVSU != nil {
		e.removeVSU()
		e.removeVSU = nil
	}
	streams := make([]*inboundStream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	for user, a := range e.active {
		a.timer.Stop()
		delete(e.active, user)
	}
	wasReady := e.lastReady
	e.lastReady = false
	e.mu.Unlock()

	e.stopPlayback()
	for _, s := range streams {
		s.end(nil)
	}

	var err error
	if vc != nil {
		err = e.leave(vc)
	}
	if wasReady {
		e.emitState(false)
	}
	e.logger.Info("voice channel left")
	return err
}

// Ready implements [audio.Endpoint].
func (e *Endpoint) Ready() bool {
	e.mu.Lock()
	vc := e.vc
	e.mu.Unlock()
	if vc == nil {
		return false
	}
	vc.RLock()
	defer vc.RUnlock()
	return vc.Ready
}

// Subscribe implements [audio.Endpoint]. A second subscription for the same
// member ends the first.
func (e *Endpoint) Subscribe(userID string, silenceAfter time.Duration) (audio.InboundStream, error) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return nil, ErrNotConnected
	}
	old := e.streams[userID]
	s := newInboundStream(userID, silenceAfter, e.forget)
	e.streams[userID] = s
	e.mu.Unlock()

	if old != nil {
		old.end(nil)
	}
	return s, nil
}

func (e *Endpoint) forget(s *inboundStream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streams[s.user] == s {
		delete(e.streams, s.user)
	}
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

// ─── receive ──────────────────────────────────────────────────────────────────

// recvLoop reads Opus packets from the voice connection and routes them by
// SSRC to speech detection and subscribed streams.
func (e *Endpoint) recvLoop(vc *discordgo.VoiceConnection, stop, loopStop <-chan struct{}) {
	vc.RLock()
	recv := vc.OpusRecv
	vc.RUnlock()
	for {
		select {
		case <-stop:
			return
		case <-loopStop:
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			e.handlePacket(pkt)
		}
	}
}

func (e *Endpoint) handlePacket(pkt *discordgo.Packet) {
	if len(pkt.Opus) == 0 || isSilence(pkt.Opus) {
		return
	}

	e.mu.Lock()
	user, ok := e.ssrcUser[pkt.SSRC]
	if !ok || !e.connected {
		e.mu.Unlock()
		return
	}
	started := e.touchLocked(user)
	s := e.streams[user]
	e.mu.Unlock()

	if started {
		e.emitSpeech(audio.SpeechEvent{Type: audio.SpeechStart, UserID: user})
	}
	if s != nil {
		s.push(pkt.Opus)
	}
}

// touchLocked records activity of user and reports whether it starts a new
// stretch of speech.
func (e *Endpoint) touchLocked(user string) bool {
	if a, ok := e.active[user]; ok {
		a.timer.Reset(e.speechEnd)
		return false
	}
	a := &activity{}
	a.timer = time.AfterFunc(e.speechEnd, func() { e.speechStopped(user, a) })
	e.active[user] = a
	return true
}

func (e *Endpoint) speechStopped(user string, a *activity) {
	e.mu.Lock()
	if e.active[user] != a {
		e.mu.Unlock()
		return
	}
	delete(e.active, user)
	e.mu.Unlock()
	e.emitSpeech(audio.SpeechEvent{Type: audio.SpeechEnd, UserID: user})
}

// handleSpeakingUpdate learns which member sends on which SSRC.
func (e *Endpoint) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ssrcUser[uint32(vs.SSRC)] = vs.UserID
}

// handleVoiceStateUpdate ends the speech of members leaving the channel.
func (e *Endpoint) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != e.guildID {
		return
	}
	left := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == e.channelID && vsu.ChannelID != e.channelID
	if !left {
		return
	}

	e.mu.Lock()
	a, speaking := e.active[vsu.UserID]
	if speaking {
		a.timer.Stop()
		delete(e.active, vsu.UserID)
	}
	s := e.streams[vsu.UserID]
	e.mu.Unlock()

	if s != nil {
		s.end(nil)
	}
	if speaking {
		e.emitSpeech(audio.SpeechEvent{Type: audio.SpeechEnd, UserID: vsu.UserID})
	}
}

// emitSpeech queues ev for the dispatcher so that callbacks see events in
// order without blocking the receive loop.
func (e *Endpoint) emitSpeech(ev audio.SpeechEvent) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("speech event dropped", "type", ev.Type, "user_id", ev.UserID)
	}
}

func (e *Endpoint) dispatch() {
	for ev := range e.events {
		e.mu.Lock()
		cb := e.speechCB
		e.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
	}
}

// ─── readiness ────────────────────────────────────────────────────────────────

// monitor polls readiness, reports changes and rejoins when discordgo has
// not restored the link by itself.
func (e *Endpoint) monitor(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	t := time.NewTicker(e.checkEvery)
	defer t.Stop()
	down := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		ready := e.Ready()
		e.reportReady(ready)
		if ready {
			down = 0
			continue
		}
		if down++; down < downChecks {
			continue
		}
		down = 0
		if err := e.backoff.retry(ctx, e.logger, e.channelID, e.rejoin); err != nil && ctx.Err() == nil {
			e.logger.Error("voice link lost", "err", err)
		}
	}
}

func (e *Endpoint) rejoin(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, rejoinTimeout)
	defer cancel()
	vc, err := e.join(cctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		_ = e.leave(vc)
		return ErrNotConnected
	}
	if vc != e.vc {
		old := e.vc
		e.attachLocked(vc)
		e.mu.Unlock()
		if old != nil {
			_ = e.leave(old)
		}
	} else {
		e.mu.Unlock()
	}
	e.reportReady(e.Ready())
	return nil
}

func (e *Endpoint) reportReady(ready bool) {
	e.mu.Lock()
	changed := e.connected && e.lastReady != ready
	if changed {
		e.lastReady = ready
	}
	e.mu.Unlock()
	if changed {
		e.emitState(ready)
	}
}

func (e *Endpoint) emitState(ready bool) {
	e.mu.Lock()
	cb := e.stateCB
	e.mu.Unlock()
	if cb != nil {
		go cb(ready)
	}
}

// ─── playback ─────────────────────────────────────────────────────────────────

// PlayOpus implements [audio.Sink].
func (e *Endpoint) PlayOpus(ctx context.Context, frames <-chan []byte) error {
	return e.play(ctx, frames, nil)
}

// PlayPCM implements [audio.Sink]. Raw audio is re-framed to 20 ms and
// encoded with a fresh encoder per playback.
func (e *Endpoint) PlayPCM(ctx context.Context, pcm <-chan []byte) error {
	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}
	return e.play(ctx, pcm, enc)
}

func (e *Endpoint) play(ctx context.Context, in <-chan []byte, enc *opusEncoder) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	seq := e.claimPlayback(cancel)
	defer e.releasePlayback(seq)

	e.mu.Lock()
	vc := e.vc
	e.mu.Unlock()
	if vc == nil {
		return ErrNotConnected
	}
	vc.RLock()
	out := vc.OpusSend
	vc.RUnlock()

	e.setSpeaking(vc, true)

	send := func(packet []byte) error {
		select {
		case out <- packet:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var framer *audio.Framer
	if enc != nil {
		framer = audio.NewFramer(audio.FrameBytes)
	}
	encodeAndSend := func(frame []byte) error {
		packet, err := enc.encode(frame)
		if err != nil {
			e.logger.Warn("opus encode error", "err", err)
			return nil
		}
		return send(packet)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-in:
			if !ok {
				if framer != nil {
					if last := framer.Flush(); last != nil {
						if err := encodeAndSend(last); err != nil {
							return err
						}
					}
				}
				for range trailingSilence {
					if err := send(SilenceFrame); err != nil {
						return err
					}
				}
				return nil
			}
			if framer == nil {
				if err := send(chunk); err != nil {
					return err
				}
				continue
			}
			for _, frame := range framer.Push(chunk) {
				if err := encodeAndSend(frame); err != nil {
					return err
				}
			}
		}
	}
}

// claimPlayback makes the caller the current playback and stops the previous
// one.
func (e *Endpoint) claimPlayback(cancel context.CancelFunc) uint64 {
	e.playMu.Lock()
	defer e.playMu.Unlock()
	if e.playCancel != nil {
		e.playCancel()
	}
	e.playSeq++
	e.playCancel = cancel
	return e.playSeq
}

func (e *Endpoint) releasePlayback(seq uint64) {
	e.playMu.Lock()
	current := e.playSeq == seq
	if current {
		e.playCancel = nil
	}
	e.playMu.Unlock()

	if current {
		e.mu.Lock()
		vc := e.vc
		e.mu.Unlock()
		if vc != nil {
			e.setSpeaking(vc, false)
		}
	}
}

func (e *Endpoint) stopPlayback() {
	e.playMu.Lock()
	defer e.playMu.Unlock()
	if e.playCancel != nil {
		e.playCancel()
		e.playCancel = nil
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (e *Endpoint) setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if err := vc.Speaking(b); err != nil {
		e.logger.Debug("speaking notification error", "speaking", b, "err", err)
	}
}
