// Package pipeline runs the per-utterance audio path from one inbound stream
// to one or more destinations.
//
// A [Builder] picks one of three shapes for each utterance:
//
//   - passthrough: one destination and no effect. Opus packets are forwarded
//     untouched.
//   - processed: one destination with the effect. Packets are decoded, run
//     through the effect stage and played as raw audio.
//   - fanout: several destinations. Packets are decoded once, processed once
//     when the effect is required, and duplicated to an independent writer per
//     destination.
//
// Every resource a pipeline owns is tracked in the stream registry under the
// utterance's scope, so a routing change can kill it from the outside. The
// pipeline tears itself down exactly once, whichever of natural end, error or
// kill comes first, and never surfaces errors to its caller: failures go to
// the [Observer].
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxrelay/internal/effect"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/registry"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

const (
	// DefaultBacklog is the number of queued chunks a writer may hold before it
	// is dropped. 50 chunks are one second of audio. A stage that leads with
	// extra audio, like the cue, raises the bound by its length.
	DefaultBacklog = 50

	// DefaultDrainTimeout bounds how long writers may take to play out their
	// queue after a natural end.
	DefaultDrainTimeout = 5 * time.Second

	// decodeBuffer is the channel capacity between decoder and effect stage.
	decodeBuffer = 32
)

var (
	// ErrWritersLost is reported when every writer of a pipeline was dropped.
	ErrWritersLost = errors.New("pipeline: all destination writers dropped")

	// ErrBacklogExceeded is reported for a writer whose destination fell too
	// far behind.
	ErrBacklogExceeded = errors.New("pipeline: writer backlog exceeded")

	// ErrPlaybackStopped is reported for a writer whose destination stopped
	// playing before the utterance ended, e.g. because another utterance took
	// the destination over.
	ErrPlaybackStopped = errors.New("pipeline: destination playback stopped")
)

// Destination is a playback target of a pipeline.
type Destination interface {
	audio.Sink

	// Name identifies the destination in logs and reports.
	Name() string

	// Ready reports whether the destination can play right now.
	Ready() bool
}

// Utterance is one continuous stretch of speech by one speaker.
type Utterance struct {
	// ID is unique per utterance. [NewUtterance] fills it with a UUID.
	ID        string
	Speaker   string
	Stream    audio.InboundStream
	StartedAt time.Time

	// Scope is the registry scope the pipeline's handles are tracked under.
	Scope registry.Scope
}

// NewUtterance returns an utterance with a fresh ID starting now.
func NewUtterance(speaker string, stream audio.InboundStream, scope func(id string) registry.Scope) Utterance {
	id := uuid.NewString()
	return Utterance{
		ID:        id,
		Speaker:   speaker,
		Stream:    stream,
		StartedAt: time.Now(),
		Scope:     scope(id),
	}
}

// Mode is the shape of a pipeline.
type Mode string

const (
	ModePassthrough Mode = "passthrough"
	ModeProcessed   Mode = "processed"
	ModeFanout      Mode = "fanout"
)

// Reason is why a pipeline ended.
type Reason int

const (
	ReasonEnded Reason = iota
	ReasonCancelled
	ReasonDecodeError
	ReasonInboundError
	ReasonEffectError
	ReasonWritersLost
)

// String returns the human-readable reason.
func (r Reason) String() string {
	switch r {
	case ReasonEnded:
		return "ended"
	case ReasonCancelled:
		return "cancelled"
	case ReasonDecodeError:
		return "decode error"
	case ReasonInboundError:
		return "inbound error"
	case ReasonEffectError:
		return "effect error"
	case ReasonWritersLost:
		return "writers lost"
	default:
		return "unknown"
	}
}

// Stage names used in reports.
const (
	StageDecode  = "decode"
	StageInbound = "inbound"
	StageEffect  = "effect"
	StageWriter  = "writer"
)

// Report describes a pipeline failure or, when Final is set, the end of a
// pipeline. Stage and Err are empty for a clean end.
type Report struct {
	UtteranceID string
	Speaker     string
	Mode        Mode
	Final       bool
	Reason      Reason
	Stage       string
	Destination string
	Err         error
	Duration    time.Duration
}

// Observer receives pipeline reports. It is called from pipeline goroutines
// and must not block.
type Observer func(Report)

// EffectFactory creates effect stages. [*effect.Factory] implements it.
type EffectFactory interface {
	Required(s effect.Settings) bool
	New(s effect.Settings) (effect.Stage, error)
}

// Builder instantiates pipelines. It is safe for concurrent use.
type Builder struct {
	reg          *registry.Registry
	decoders     audio.DecoderFactory
	effects      EffectFactory
	observer     Observer
	metrics      *observe.Metrics
	backlog      atomic.Int32
	drainTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a [Builder].
type Option func(*Builder)

// WithObserver sets the report observer.
func WithObserver(o Observer) Option {
	return func(b *Builder) { b.observer = o }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Builder) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithBacklog sets the per-writer backlog bound in chunks.
func WithBacklog(n int) Option {
	return func(b *Builder) {
		b.SetBacklog(n)
	}
}

// WithDrainTimeout bounds the drain after a natural end.
func WithDrainTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.drainTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder returns a builder tracking handles in reg. effects may be nil, in
// which case audio is never processed.
func NewBuilder(reg *registry.Registry, decoders audio.DecoderFactory, effects EffectFactory, opts ...Option) *Builder {
	b := &Builder{
		reg:          reg,
		decoders:     decoders,
		effects:      effects,
		drainTimeout: DefaultDrainTimeout,
		logger:       slog.Default(),
	}
	b.backlog.Store(DefaultBacklog)
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// SetBacklog changes the writer backlog for pipelines built afterwards.
func (b *Builder) SetBacklog(n int) {
	if n > 0 {
		b.backlog.Store(int32(n))
	}
}

// Pipeline is one running utterance path.
type Pipeline struct {
	b       *Builder
	utt     Utterance
	mode    Mode
	writers []*writer

	ctx          context.Context
	cancel       context.CancelFunc
	span         trace.Span
	logger       *slog.Logger
	drainTimeout time.Duration

	handles []*registry.Handle

	finishOnce sync.Once
	reason     Reason
	stage      string
	err        error

	mu   sync.Mutex
	live int

	done chan struct{}
}

// Build starts a pipeline for utt towards the ready members of dests, using
// the audio settings in force now. It returns nil when no destination is ready,
// in which case nothing is registered and the stream is left untouched.
func (b *Builder) Build(utt Utterance, dests []Destination, settings effect.Settings) *Pipeline {
	ready := make([]Destination, 0, len(dests))
	for _, d := range dests {
		if d != nil && d.Ready() {
			ready = append(ready, d)
		}
	}
	if len(ready) == 0 || utt.Stream == nil {
		return nil
	}

	needEffect := b.effects != nil && b.effects.Required(settings)
	mode := ModeFanout
	if len(ready) == 1 {
		mode = ModePassthrough
		if needEffect {
			mode = ModeProcessed
		}
	}

	p := &Pipeline{b: b, utt: utt, mode: mode, done: make(chan struct{})}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	var spanCtx context.Context
	spanCtx, p.span = observe.StartUtteranceSpan(context.Background(), utt.ID, utt.Speaker, string(mode), len(ready))
	p.logger = observe.Logger(spanCtx, b.logger).With("utterance", utt.ID, "speaker", utt.Speaker)

	p.track("inbound", utt.Stream.Close)
	p.track("pipeline", func() error { p.cancel(); return nil })

	var (
		dec   audio.Decoder
		stage effect.Stage
	)
	if mode != ModePassthrough {
		var err error
		dec, err = b.decoders()
		if err != nil {
			// Without a decoder the packets can still be relayed as they are.
			p.warn(StageDecode, "", err)
			mode = ModePassthrough
			p.mode = mode
		}
	}
	if mode != ModePassthrough && needEffect {
		st, err := b.effects.New(settings)
		if err != nil {
			p.warn(StageEffect, "", err)
		} else {
			stage = st
			p.track("effect", st.Close)
		}
	}

	opus := mode == ModePassthrough
	backlog := int(b.backlog.Load())
	p.drainTimeout = b.drainTimeout
	if lead := effect.LeadFrames(stage); lead > 0 {
		backlog += lead
		p.drainTimeout += time.Duration(lead) * audio.FrameDuration
	}
	for _, d := range ready {
		w := newWriter(d, opus, backlog, p.dropWriter)
		p.writers = append(p.writers, w)
		p.track("writer:"+d.Name(), func() error { w.abort(); return nil })
	}
	p.live = len(p.writers)

	b.metrics.PipelineStarted(p.ctx, string(mode), string(utt.Scope.Class), len(p.writers))
	p.logger.Debug("pipeline started",
		"mode", mode,
		"writers", len(p.writers),
		"effect", stage != nil,
	)

	for _, w := range p.writers {
		w.start()
	}
	go p.supervise()

	if mode == ModePassthrough {
		go p.forward()
		return p
	}

	pcm := make(chan []byte, decodeBuffer)
	go p.decode(dec, pcm)
	var out <-chan []byte = pcm
	if stage != nil {
		out = stage.Run(p.ctx, pcm)
	}
	go p.distribute(out, stage)
	return p
}

// ID returns the utterance ID.
func (p *Pipeline) ID() string { return p.utt.ID }

// Speaker returns the speaker the pipeline relays.
func (p *Pipeline) Speaker() string { return p.utt.Speaker }

// Scope returns the registry scope of the pipeline.
func (p *Pipeline) Scope() registry.Scope { return p.utt.Scope }

// Mode returns the pipeline shape.
func (p *Pipeline) Mode() Mode { return p.mode }

// Writers returns the number of destination writers the pipeline started with.
func (p *Pipeline) Writers() int { return len(p.writers) }

// Done is closed once the pipeline has torn down and released its handles.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Reason waits for the pipeline to end and reports why.
func (p *Pipeline) Reason() Reason {
	<-p.done
	return p.reason
}

// Cancel stops the pipeline immediately. Safe to call more than once and
// from any goroutine.
func (p *Pipeline) Cancel() {
	p.finish(ReasonCancelled, "", nil)
}

// track registers a handle whose close first marks the pipeline cancelled, so
// a kill through the registry is reported as a cancel and not as an end.
func (p *Pipeline) track(name string, closeFn func() error) {
	h := registry.NewHandle(p.utt.ID+"/"+name, func() error {
		p.finish(ReasonCancelled, "", nil)
		return closeFn()
	})
	p.handles = append(p.handles, h)
	p.b.reg.Track(p.utt.Scope, h)
}

// finish records the first end reason and stops the pipeline's own
// goroutines. Teardown happens in supervise.
func (p *Pipeline) finish(reason Reason, stage string, err error) {
	p.finishOnce.Do(func() {
		p.reason = reason
		p.stage = stage
		p.err = err
		p.cancel()
	})
}

// forward relays Opus packets to the single writer unchanged.
func (p *Pipeline) forward() {
	frames := p.utt.Stream.Frames()
	for {
		select {
		case <-p.ctx.Done():
			return
		case pkt, ok := <-frames:
			if !ok {
				p.inboundEnded()
				return
			}
			p.send(pkt)
		}
	}
}

// decode turns packets into raw audio for the effect stage. pcm is always
// closed on return; failures are recorded before that.
func (p *Pipeline) decode(dec audio.Decoder, pcm chan<- []byte) {
	defer close(pcm)
	frames := p.utt.Stream.Frames()
	for {
		select {
		case <-p.ctx.Done():
			return
		case pkt, ok := <-frames:
			if !ok {
				if err := p.utt.Stream.Err(); err != nil {
					p.finish(ReasonInboundError, StageInbound, err)
				}
				return
			}
			raw, err := dec.Decode(pkt)
			if err != nil {
				p.finish(ReasonDecodeError, StageDecode, err)
				return
			}
			select {
			case pcm <- raw:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// distribute copies processed audio to every writer and ends the pipeline
// when the stage output closes.
func (p *Pipeline) distribute(out <-chan []byte, stage effect.Stage) {
	for chunk := range out {
		if p.ctx.Err() != nil {
			break
		}
		p.send(chunk)
	}
	if p.ctx.Err() != nil {
		return
	}
	if stage != nil {
		if err := stage.Err(); err != nil {
			p.finish(ReasonEffectError, StageEffect, err)
			return
		}
	}
	p.finish(ReasonEnded, "", nil)
}

func (p *Pipeline) inboundEnded() {
	if err := p.utt.Stream.Err(); err != nil {
		p.finish(ReasonInboundError, StageInbound, err)
		return
	}
	p.finish(ReasonEnded, "", nil)
}

// send hands chunk to every writer. Writers after the first get a copy so no
// two destinations share a buffer.
func (p *Pipeline) send(chunk []byte) {
	for i, w := range p.writers {
		c := chunk
		if i > 0 {
			c = slices.Clone(chunk)
		}
		w.push(c)
	}
}

// dropWriter handles a writer that stopped early, either because it exceeded
// its backlog or because its playback ended.
func (p *Pipeline) dropWriter(w *writer, cause error) {
	if errors.Is(cause, ErrBacklogExceeded) {
		p.b.metrics.RecordDroppedWriter(context.Background())
	}
	p.warn(StageWriter, w.dest.Name(), cause)

	p.mu.Lock()
	p.live--
	lost := p.live == 0
	p.mu.Unlock()
	if lost {
		p.finish(ReasonWritersLost, StageWriter, ErrWritersLost)
	}
}

// supervise waits for the end signal and tears the pipeline down once.
func (p *Pipeline) supervise() {
	<-p.ctx.Done()
	p.finish(ReasonCancelled, "", nil)

	if p.reason == ReasonEnded {
		p.drain()
	} else {
		for _, w := range p.writers {
			w.abort()
		}
	}
	for _, w := range p.writers {
		<-w.done
		if err := w.Err(); err != nil && !w.wasDropped() {
			p.warn(StageWriter, w.dest.Name(), err)
		}
	}

	var errs []error
	for _, h := range p.handles {
		if err := p.b.reg.Release(p.utt.Scope, h); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.Debug("pipeline release errors", "err", err)
	}

	duration := time.Since(p.utt.StartedAt)
	if p.utt.StartedAt.IsZero() {
		duration = 0
	}
	if p.err != nil {
		p.b.metrics.RecordPipelineError(context.Background(), p.stage)
		p.span.RecordError(p.err)
		p.span.SetStatus(codes.Error, p.reason.String())
	}
	p.b.metrics.PipelineEnded(context.Background(), string(p.mode), len(p.writers), duration)
	p.span.SetAttributes(attribute.String("voxrelay.end_reason", p.reason.String()))
	p.span.End()

	p.logger.Debug("pipeline ended",
		"reason", p.reason,
		"duration", duration,
	)
	p.report(Report{
		Final:    true,
		Reason:   p.reason,
		Stage:    p.stage,
		Err:      p.err,
		Duration: duration,
	})
	close(p.done)
}

// drain lets writers play out their queues, aborting any that exceed the
// drain timeout.
func (p *Pipeline) drain() {
	for _, w := range p.writers {
		w.finish()
	}
	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	for _, w := range p.writers {
		select {
		case <-w.done:
		case <-timer.C:
			for _, w := range p.writers {
				w.abort()
			}
			return
		}
	}
}

func (p *Pipeline) warn(stage, dest string, err error) {
	p.logger.Warn("pipeline stage failed",
		"stage", stage,
		"destination", dest,
		"err", err,
	)
	p.report(Report{Stage: stage, Destination: dest, Err: err})
}

func (p *Pipeline) report(r Report) {
	if p.b.observer == nil {
		return
	}
	r.UtteranceID = p.utt.ID
	r.Speaker = p.utt.Speaker
	r.Mode = p.mode
	p.b.observer(r)
}
