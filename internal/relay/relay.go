// Package relay coordinates the voice relay: it owns the routing table, the
// stream registry and the pipeline builder, turns speech notifications from
// the headquarters channel into pipelines towards the destinations, and
// exposes the operator command surface.
//
// All routing decisions are serialised by one mutex. Member lookups and
// Discord calls happen outside of it; state is re-checked after every such
// call before acting on it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/auth"
	"github.com/MrWong99/voxrelay/internal/effect"
	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/pipeline"
	"github.com/MrWong99/voxrelay/internal/registry"
	"github.com/MrWong99/voxrelay/internal/routing"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

const (
	// DefaultSilenceTimeout ends a commander utterance after this much silence.
	DefaultSilenceTimeout = 500 * time.Millisecond

	// DefaultWhisperSilence ends a whisper utterance after this much silence.
	DefaultWhisperSilence = 100 * time.Millisecond

	// DefaultConnectTimeout bounds each voice connection attempt.
	DefaultConnectTimeout = 30 * time.Second

	// lookupTimeout bounds member lookups triggered by speech events.
	lookupTimeout = 5 * time.Second

	// moveConcurrency limits parallel member moves during briefings.
	moveConcurrency = 5
)

// Sentinel errors returned by the command surface. Commands that fail with
// one of these leave the relay state untouched.
var (
	ErrNotRunning            = errors.New("relay: not running")
	ErrAlreadyRunning        = errors.New("relay: already running")
	ErrUnknownTarget         = routing.ErrUnknownTarget
	ErrWhisperNotConfigured  = errors.New("relay: whisper not configured")
	ErrUnknownChief          = errors.New("relay: unknown whisper chief")
	ErrBriefingNotConfigured = errors.New("relay: briefing not configured")
	ErrBriefingActive        = routing.ErrBriefingActive
	ErrBriefingInactive      = routing.ErrBriefingInactive
	ErrInvalidConfig         = errors.New("relay: invalid configuration")
)

// Destination configures one receiver.
type Destination struct {
	Name        string
	DisplayName string
	Endpoint    audio.Endpoint
}

// Chief is a privileged member of a destination who may whisper to
// headquarters.
type Chief struct {
	UserID      string
	Name        string
	Destination string
}

// Config holds everything a [Relay] needs. Source, Directory and Decoders are
// required; at least one destination must be configured.
type Config struct {
	// Source is the emitter endpoint in the headquarters channel.
	Source     audio.Endpoint
	SourceName string

	Destinations []Destination
	Directory    audio.Directory
	Decoders     audio.DecoderFactory

	// Effects is optional; without it audio is never processed.
	Effects pipeline.EffectFactory

	Rules    auth.Rules
	Settings effect.Settings

	// Whisper. Chiefs enable the feature; WhisperBus and WhisperChannelID
	// enable the text command channel.
	Chiefs           []Chief
	WhisperBus       audio.CommandBus
	WhisperChannelID string

	// BriefingChannelID enables briefings.
	BriefingChannelID string

	SilenceTimeout time.Duration
	WhisperSilence time.Duration
	ConnectTimeout time.Duration
	WriterBacklog  int
}

// Option configures a [Relay].
type Option func(*Relay)

// WithBus sets the event bus. The default is a private bus.
func WithBus(b *event.Bus) Option {
	return func(r *Relay) {
		if b != nil {
			r.bus = b
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithAuthorizer replaces [auth.Authorize].
func WithAuthorizer(fn auth.Func) Option {
	return func(r *Relay) {
		if fn != nil {
			r.authorize = fn
		}
	}
}

// WithDrainTimeout bounds how long finished utterances may take to play out.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *Relay) { r.drainTimeout = d }
}

// speakerState is the per-speaker state machine of the headquarters channel.
type speakerState int

const (
	stateIdle speakerState = iota
	stateSpeaking
)

type speaker struct {
	state    speakerState
	gen      uint64
	since    time.Time
	identity auth.SpeakerIdentity
	pipe     *pipeline.Pipeline
}

// Stats are cumulative counters since the relay was created.
type Stats struct {
	Utterances        uint64 `json:"utterances"`
	WhisperUtterances uint64 `json:"whisper_utterances"`
	Denied            uint64 `json:"denied"`
	PipelineWarnings  uint64 `json:"pipeline_warnings"`
}

type counters struct {
	utterances atomic.Uint64
	whispers   atomic.Uint64
	denied     atomic.Uint64
	warnings   atomic.Uint64
}

// Relay is the orchestrator. All exported methods are safe for concurrent use.
type Relay struct {
	cfg          Config
	logger       *slog.Logger
	bus          *event.Bus
	metrics      *observe.Metrics
	authorize    auth.Func
	drainTimeout time.Duration

	reg     *registry.Registry
	table   *routing.Table
	builder *pipeline.Builder

	dests  []*destination
	byName map[string]*destination
	hq     *destination
	chiefs map[string]Chief
	ownIDs map[string]bool

	stats counters

	mu            sync.Mutex
	running       bool
	starting      bool
	epoch         uint64
	rules         auth.Rules
	settings      effect.Settings
	speakers      map[string]*speaker
	whisperPipes  map[string]*pipeline.Pipeline
	removeCommand func()
	startedAt     time.Time
}

// New validates cfg and returns a stopped relay.
func New(cfg Config, opts ...Option) (*Relay, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:          cfg,
		logger:       slog.Default(),
		authorize:    auth.Authorize,
		reg:          registry.New(),
		byName:       make(map[string]*destination, len(cfg.Destinations)),
		chiefs:       make(map[string]Chief, len(cfg.Chiefs)),
		ownIDs:       make(map[string]bool),
		rules:        cfg.Rules,
		settings:     clampSettings(cfg.Settings),
		speakers:     make(map[string]*speaker),
		whisperPipes: make(map[string]*pipeline.Pipeline),
	}
	for _, o := range opts {
		o(r)
	}
	if r.bus == nil {
		r.bus = &event.Bus{}
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.logger = r.logger.With("component", "relay")

	r.hq = &destination{name: cfg.SourceName, display: cfg.SourceName, ep: cfg.Source}
	for _, d := range cfg.Destinations {
		nd := &destination{name: d.Name, display: d.DisplayName, ep: d.Endpoint}
		r.dests = append(r.dests, nd)
		r.byName[d.Name] = nd
	}
	for _, c := range cfg.Chiefs {
		r.chiefs[c.UserID] = c
	}

	r.table = routing.NewTable(r.reg)
	r.table.OnChange(r.onTableChange)

	r.builder = pipeline.NewBuilder(r.reg, cfg.Decoders, cfg.Effects,
		pipeline.WithObserver(r.onReport),
		pipeline.WithMetrics(r.metrics),
		pipeline.WithBacklog(cfg.WriterBacklog),
		pipeline.WithDrainTimeout(r.drainTimeout),
		pipeline.WithLogger(r.logger),
	)
	return r, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("source endpoint is required"))
	}
	if cfg.Directory == nil {
		errs = append(errs, errors.New("member directory is required"))
	}
	if cfg.Decoders == nil {
		errs = append(errs, errors.New("decoder factory is required"))
	}
	if len(cfg.Destinations) == 0 {
		errs = append(errs, errors.New("at least one destination is required"))
	}
	seen := make(map[string]bool, len(cfg.Destinations))
	for i, d := range cfg.Destinations {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("destinations[%d]: name is required", i))
		case seen[d.Name]:
			errs = append(errs, fmt.Errorf("destinations[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
		if d.Endpoint == nil {
			errs = append(errs, fmt.Errorf("destinations[%d]: endpoint is required", i))
		}
	}
	for i, c := range cfg.Chiefs {
		if c.UserID == "" {
			errs = append(errs, fmt.Errorf("chiefs[%d]: user id is required", i))
		}
		if !seen[c.Destination] {
			errs = append(errs, fmt.Errorf("chiefs[%d]: unknown destination %q", i, c.Destination))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	if cfg.SourceName == "" {
		cfg.SourceName = "HQ"
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.WhisperSilence <= 0 {
		cfg.WhisperSilence = DefaultWhisperSilence
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	for i := range cfg.Destinations {
		if cfg.Destinations[i].DisplayName == "" {
			cfg.Destinations[i].DisplayName = cfg.Destinations[i].Name
		}
	}
	return nil
}

// Bus returns the event bus the relay publishes to.
func (r *Relay) Bus() *event.Bus { return r.bus }

// Start connects the source endpoint, then every destination. A source
// failure is returned and leaves the relay stopped; a destination failure
// only marks that destination not ready. The relay lock is not held while
// connecting, so status queries answer during a slow start.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running || r.starting {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.starting = true
	r.mu.Unlock()

	if err := r.connect(ctx, r.hq); err != nil {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
		return fmt.Errorf("relay: connect source: %w", err)
	}
	var g errgroup.Group
	for _, d := range r.dests {
		g.Go(func() error {
			if err := r.connect(ctx, d); err != nil {
				r.logger.Warn("destination unavailable", "destination", d.name, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starting = false

	// Bot IDs are only known after connecting and must be in place before the
	// first speech callback.
	for _, d := range append([]*destination{r.hq}, r.dests...) {
		if id := d.ep.SelfID(); id != "" {
			r.ownIDs[id] = true
		}
	}
	r.cfg.Source.OnSpeech(r.onSourceSpeech)
	r.cfg.Source.OnStateChange(r.onStateChange(r.hq))
	for _, d := range r.dests {
		d.ep.OnSpeech(r.onWhisperSpeech(d))
		d.ep.OnStateChange(r.onStateChange(d))
	}

	if r.cfg.WhisperBus != nil && r.cfg.WhisperChannelID != "" {
		r.removeCommand = r.cfg.WhisperBus.OnMessage(r.cfg.WhisperChannelID, r.onCommand)
	}

	if r.rules.Open() {
		r.logger.Warn("no commander rules configured: every member is authorized")
		r.bus.Warn("auth", "no commander rules configured: every non-bot member in the source channel is authorized")
	}

	r.running = true
	r.startedAt = time.Now()
	r.logger.Info("relay started",
		"source", r.cfg.Source.ChannelID(),
		"destinations", len(r.dests),
		"ready", r.readyCountLocked(),
	)
	return nil
}

// connect joins d's channel within the configured timeout and reports the
// outcome.
func (r *Relay) connect(ctx context.Context, d *destination) error {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	err := d.ep.Connect(cctx)
	status := "ok"
	ev := event.Connection{Endpoint: d.name, Ready: err == nil}
	if err != nil {
		status = "error"
		ev.Error = err.Error()
	} else {
		r.metrics.RecordReadiness(ctx, true)
	}
	r.metrics.RecordConnect(ctx, d.name, status, time.Since(start))
	r.bus.Publish(event.KindConnection, ev)
	return err
}

// Stop kills every stream and disconnects the endpoints in reverse order of
// connection. A running briefing is abandoned without moving anyone back.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrNotRunning
	}
	r.running = false
	r.epoch++

	if r.removeCommand != nil {
		r.removeCommand()
		r.removeCommand = nil
	}

	if n, err := r.reg.KillAll(); err != nil {
		r.logger.Warn("stream teardown errors", "killed", n, "err", err)
	}
	if b, ok := r.table.Briefing(); ok {
		r.logger.Warn("stopping during a briefing; participants stay where they are", "participants", len(b.Origins))
		_, _, _ = r.table.EndBriefing()
	}
	if r.table.Current() != routing.Mute {
		_, _ = r.table.Set(routing.Mute)
	}
	clear(r.speakers)
	clear(r.whisperPipes)

	var errs []error
	for i := len(r.dests) - 1; i >= 0; i-- {
		d := r.dests[i]
		d.ep.OnSpeech(nil)
		d.ep.OnStateChange(nil)
		if err := d.ep.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %q: %w", d.name, err))
		}
	}
	r.cfg.Source.OnSpeech(nil)
	r.cfg.Source.OnStateChange(nil)
	if err := r.cfg.Source.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect source: %w", err))
	}

	for _, d := range append([]*destination{r.hq}, r.dests...) {
		r.bus.Publish(event.KindConnection, event.Connection{Endpoint: d.name, Ready: false})
	}
	r.logger.Info("relay stopped", "uptime", time.Since(r.startedAt).Round(time.Second))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("relay: stop: %w", err)
	}
	return nil
}

// Running reports whether the relay is started.
func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// UpdateAudioSettings replaces the audio settings. Utterances already in
// flight keep the settings they started with.
func (r *Relay) UpdateAudioSettings(s effect.Settings) effect.Settings {
	s = clampSettings(s)
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()

	r.logger.Info("audio settings updated", "effect", s.Enabled, "intensity", s.Intensity, "cue", s.CueEnabled)
	r.bus.Publish(event.KindSettingsChanged, s)
	return s
}

// AudioSettings returns the settings new utterances will use.
func (r *Relay) AudioSettings() effect.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// SetRules replaces the commander rules. They apply from the next gate check.
func (r *Relay) SetRules(rules auth.Rules) {
	r.mu.Lock()
	r.rules = rules
	running := r.running
	r.mu.Unlock()

	r.logger.Info("commander rules updated", "users", len(rules.Users), "roles", len(rules.Roles))
	if running && rules.Open() {
		r.bus.Warn("auth", "no commander rules configured: every non-bot member in the source channel is authorized")
	}
}

// SetWriterBacklog changes the writer backlog for new utterances.
func (r *Relay) SetWriterBacklog(n int) {
	r.builder.SetBacklog(n)
}

func clampSettings(s effect.Settings) effect.Settings {
	s.Intensity = max(0, min(100, s.Intensity))
	return s
}

// ─── status ───────────────────────────────────────────────────────────────────

// EndpointStatus describes one joined channel.
type EndpointStatus struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	ChannelID   string `json:"channel_id"`
	Ready       bool   `json:"ready"`
}

// SpeakerStatus describes a member currently speaking in the source channel.
type SpeakerStatus struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	RoleName    string    `json:"role_name,omitempty"`
	Since       time.Time `json:"since"`
	Relaying    bool      `json:"relaying"`
}

// BriefingStatus describes a running briefing.
type BriefingStatus struct {
	ChannelID    string    `json:"channel_id"`
	StartedAt    time.Time `json:"started_at"`
	Participants int       `json:"participants"`
}

// Status is a snapshot of the relay.
type Status struct {
	Running       bool              `json:"running"`
	StartedAt     time.Time         `json:"started_at,omitzero"`
	Target        string            `json:"target"`
	TargetKind    string            `json:"target_kind"`
	Whispers      map[string]string `json:"whispers"`
	Briefing      *BriefingStatus   `json:"briefing,omitempty"`
	Source        EndpointStatus    `json:"source"`
	Destinations  []EndpointStatus  `json:"destinations"`
	Speaking      []SpeakerStatus   `json:"speaking"`
	Settings      effect.Settings   `json:"settings"`
	OpenGate      bool              `json:"open_gate"`
	ActiveHandles int               `json:"active_handles"`
	Stats         Stats             `json:"stats"`
}

// Status returns a snapshot of the relay.
func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.table.Current()
	st := Status{
		Running:       r.running,
		Target:        target.String(),
		TargetKind:    target.Kind.String(),
		Whispers:      r.table.Whispers(),
		Source:        r.hq.status(),
		Settings:      r.settings,
		OpenGate:      r.rules.Open(),
		ActiveHandles: r.reg.Len(),
		Stats: Stats{
			Utterances:        r.stats.utterances.Load(),
			WhisperUtterances: r.stats.whispers.Load(),
			Denied:            r.stats.denied.Load(),
			PipelineWarnings:  r.stats.warnings.Load(),
		},
	}
	if r.running {
		st.StartedAt = r.startedAt
	}
	if b, ok := r.table.Briefing(); ok {
		st.Briefing = &BriefingStatus{
			ChannelID:    r.cfg.BriefingChannelID,
			StartedAt:    b.StartedAt,
			Participants: len(b.Origins),
		}
	}
	for _, d := range r.dests {
		st.Destinations = append(st.Destinations, d.status())
	}
	for id, sp := range r.speakers {
		if sp.state != stateSpeaking {
			continue
		}
		st.Speaking = append(st.Speaking, SpeakerStatus{
			UserID:      id,
			DisplayName: sp.identity.DisplayName,
			RoleName:    sp.identity.RoleName,
			Since:       sp.since,
			Relaying:    sp.pipe != nil,
		})
	}
	return st
}

// DestinationNames returns the configured destinations for target parsing
// and autocompletion.
func (r *Relay) DestinationNames() []routing.Name {
	names := make([]routing.Name, len(r.dests))
	for i, d := range r.dests {
		names[i] = routing.Name{Name: d.name, DisplayName: d.display}
	}
	return names
}

// Chiefs returns the configured whisper chiefs.
func (r *Relay) Chiefs() []Chief {
	return append([]Chief(nil), r.cfg.Chiefs...)
}

func (r *Relay) readyCountLocked() int {
	n := 0
	for _, d := range r.dests {
		if d.Ready() {
			n++
		}
	}
	return n
}

// ─── destination ──────────────────────────────────────────────────────────────

// destination adapts an endpoint to [pipeline.Destination].
type destination struct {
	name    string
	display string
	ep      audio.Endpoint
}

func (d *destination) Name() string { return d.name }
func (d *destination) Ready() bool  { return d.ep.Ready() }

func (d *destination) PlayOpus(ctx context.Context, frames <-chan []byte) error {
	return d.ep.PlayOpus(ctx, frames)
}

func (d *destination) PlayPCM(ctx context.Context, pcm <-chan []byte) error {
	return d.ep.PlayPCM(ctx, pcm)
}

func (d *destination) status() EndpointStatus {
	return EndpointStatus{
		Name:        d.name,
		DisplayName: d.display,
		ChannelID:   d.ep.ChannelID(),
		Ready:       d.ep.Ready(),
	}
}

// ─── observers ────────────────────────────────────────────────────────────────

func (r *Relay) onStateChange(d *destination) func(bool) {
	return func(ready bool) {
		r.metrics.RecordReadiness(context.Background(), ready)
		r.bus.Publish(event.KindConnection, event.Connection{Endpoint: d.name, Ready: ready})
		if ready {
			r.logger.Info("voice link ready", "endpoint", d.name)
		} else {
			r.logger.Warn("voice link lost", "endpoint", d.name)
		}
	}
}

func (r *Relay) onTableChange(c routing.Change) {
	class := string(registry.ClassBroadcast)
	if c.Kind == routing.ChangeWhisper {
		class = string(registry.ClassWhisper)
	}
	r.metrics.RecordRoutingChange(context.Background(), string(c.Kind), class, c.Killed)

	switch c.Kind {
	case routing.ChangeTarget:
		r.bus.Publish(event.KindTargetChanged, event.TargetChanged{
			Previous: c.Previous.String(),
			Current:  c.Current.String(),
		})
	case routing.ChangeWhisper:
		r.bus.Publish(event.KindWhisperChanged, event.WhisperChanged{
			UserID:      c.Speaker,
			Destination: c.Destination,
			Enabled:     c.Enabled,
		})
	}
}

func (r *Relay) onReport(rep pipeline.Report) {
	if rep.Err == nil {
		return
	}
	r.stats.warnings.Add(1)
	source := "pipeline/" + rep.Stage
	msg := fmt.Sprintf("utterance %s of %s: %v", rep.UtteranceID, rep.Speaker, rep.Err)
	if rep.Destination != "" {
		msg = fmt.Sprintf("utterance %s of %s to %s: %v", rep.UtteranceID, rep.Speaker, rep.Destination, rep.Err)
	}
	r.bus.Warn(source, msg)
}
