// Package app wires the voxrelay subsystems into a running relay.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config without touching the network, Run joins the voice channels and
// serves until its context is cancelled, and Shutdown tears everything down
// in order.
//
// For testing, pass [Transports] built from in-memory endpoints; nothing in
// New or Run needs a live Discord session.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/auth"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/control"
	"github.com/MrWong99/voxrelay/internal/discord"
	"github.com/MrWong99/voxrelay/internal/discord/commands"
	"github.com/MrWong99/voxrelay/internal/effect"
	"github.com/MrWong99/voxrelay/internal/event"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/relay"
	"github.com/MrWong99/voxrelay/internal/routing"
)

// ListenDisabled as server.listen_addr disables the control API.
const ListenDisabled = "-"

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	transports *Transports
	logger     *slog.Logger
	level      *slog.LevelVar
	metrics    *observe.Metrics
	configPath string
	version    string

	bus       *event.Bus
	relay     *relay.Relay
	stats     *discord.PipelineStats
	bot       *discord.Bot
	dashboard *discord.Dashboard
	control   *control.Server
	health    *health.Handler
	watcher   *config.Watcher

	mu sync.Mutex
	// closers run in reverse order during Shutdown, after the relay stopped.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithVersion sets the version announced over mDNS.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together on t. cfg must have
// passed [config.Validate].
func New(cfg *config.Config, t *Transports, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		transports: t,
		bus:        &event.Bus{},
		stats:      discord.NewPipelineStats(0),
		version:    "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Effects ───────────────────────────────────────────────────────
	effects, err := a.buildEffects()
	if err != nil {
		return nil, fmt.Errorf("app: init effects: %w", err)
	}

	// ── 2. Relay ─────────────────────────────────────────────────────────
	if err := a.initRelay(effects); err != nil {
		return nil, fmt.Errorf("app: init relay: %w", err)
	}

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.NewDynamic(a.checkers)

	// ── 4. Discord operator layer ────────────────────────────────────────
	if t.Session != nil {
		a.bot = discord.New(t.Session, discord.Config{
			GuildID:        cfg.Discord.GuildID,
			OperatorRoleID: cfg.Discord.OperatorRoleID,
		})
		commands.RegisterAll(a.bot, a.relay, a.stats)

		if cfg.Discord.DashboardChannelID != "" {
			a.dashboard = discord.NewDashboard(discord.DashboardConfig{
				Session:   t.Session,
				ChannelID: cfg.Discord.DashboardChannelID,
				GetStatus: a.relay.Status,
				Bus:       a.bus,
				Stats:     a.stats,
			})
		}
	}

	// ── 5. Control API ───────────────────────────────────────────────────
	if cfg.Server.ListenAddr != ListenDisabled {
		a.control = control.New(a.relay,
			control.WithLogger(a.logger.With("component", "control")),
			control.WithMetrics(a.metrics),
			control.WithHealth(a.health),
		)
	}

	return a, nil
}

// buildEffects creates the effect factory, loading the cue sound if one is
// configured.
func (a *App) buildEffects() (*effect.Factory, error) {
	ac := a.cfg.Audio
	opts := []effect.Option{
		effect.WithBackend(effect.Backend(ac.EffectBackend)),
		effect.WithFFmpegPath(ac.FFmpegPath),
		effect.WithLogger(a.logger.With("component", "effect")),
	}
	if ac.CuePath != "" {
		cue, err := effect.LoadCue(ac.CuePath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, effect.WithCue(cue))
		a.logger.Info("cue sound loaded", "path", ac.CuePath, "bytes", len(cue))
	}
	return effect.NewFactory(opts...), nil
}

func (a *App) initRelay(effects *effect.Factory) error {
	cfg, t := a.cfg, a.transports

	dests := make([]relay.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		ep, ok := t.Destinations[d.Name]
		if !ok {
			return fmt.Errorf("no endpoint for destination %q", d.Name)
		}
		dests = append(dests, relay.Destination{Name: d.Name, DisplayName: d.DisplayName, Endpoint: ep})
	}

	rcfg := relay.Config{
		Source:           t.Source,
		SourceName:       cfg.Discord.SourceName,
		Destinations:     dests,
		Directory:        t.Directory,
		Decoders:         t.Decoders,
		Effects:          effects,
		Rules:            rulesFrom(cfg.Commanders),
		Settings:         settingsFrom(cfg.Audio),
		Chiefs:           chiefsFrom(cfg),
		WhisperChannelID: cfg.Whisper.RelayChannelID,
		SilenceTimeout:   cfg.Audio.SilenceTimeout,
		ConnectTimeout:   cfg.Discord.ConnectTimeout,
		WriterBacklog:    cfg.Audio.WriterBacklog,
	}
	if t.Commands != nil && cfg.Whisper.RelayChannelID != "" {
		rcfg.WhisperBus = t.Commands
	}
	if cfg.Briefing.Enabled {
		rcfg.BriefingChannelID = cfg.Briefing.ChannelID
	}

	r, err := relay.New(rcfg,
		relay.WithBus(a.bus),
		relay.WithLogger(a.logger),
		relay.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.relay = r

	if rcfg.Rules.Open() {
		a.logger.Warn("open mode: every member of the source channel is relayed")
	}
	return nil
}

// checkers lists the readiness checks: the relay and its source are
// required, each destination is optional.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		{Name: "relay", Check: func(context.Context) error {
			if !a.relay.Running() {
				return relay.ErrNotRunning
			}
			return nil
		}},
		{Name: "source", Check: func(context.Context) error {
			if !a.transports.Source.Ready() {
				return errors.New("voice link down")
			}
			return nil
		}},
	}
	for _, d := range a.cfg.Destinations {
		ep := a.transports.Destinations[d.Name]
		cs = append(cs, health.Checker{Name: "destination:" + d.Name, Optional: true, Check: func(context.Context) error {
			if !ep.Ready() {
				return errors.New("voice link down")
			}
			return nil
		}})
	}
	return cs
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Relay returns the orchestrator.
func (a *App) Relay() *relay.Relay { return a.relay }

// Bus returns the event bus every subsystem publishes to.
func (a *App) Bus() *event.Bus { return a.bus }

// Control returns the control API, or nil when it is disabled.
func (a *App) Control() *control.Server { return a.control }

// Health returns the readiness handler.
func (a *App) Health() *health.Handler { return a.health }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the relay and every front end and blocks until ctx is
// cancelled or a front end fails. A cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	if err := a.relay.Start(ctx); err != nil {
		return fmt.Errorf("app: start relay: %w", err)
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig,
			config.WithWatcherLogger(a.logger.With("component", "config")))
		if err != nil {
			a.logger.Warn("config hot reload disabled", "err", err)
		} else {
			a.mu.Lock()
			a.watcher = w
			a.mu.Unlock()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logEvents(gctx)
		return nil
	})

	if a.bot != nil {
		g.Go(func() error {
			if err := a.bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: discord bot: %w", err)
			}
			return nil
		})
	}
	if a.dashboard != nil {
		a.dashboard.Start(gctx)
	}

	if a.control != nil {
		addr := a.cfg.Server.ListenAddr
		g.Go(func() error { return a.control.ListenAndServe(gctx, addr) })
		if a.cfg.Server.MDNS {
			a.advertise(addr)
		}
	}

	a.logger.Info("relay running",
		"source", a.cfg.Discord.SourceName,
		"destinations", len(a.cfg.Destinations),
		"control", a.cfg.Server.ListenAddr,
	)
	return g.Wait()
}

func (a *App) advertise(addr string) {
	port, err := control.PortOf(addr)
	if err != nil {
		a.logger.Warn("mDNS disabled", "err", err)
		return
	}
	withdraw, err := control.Advertise("", port, []string{"version=" + a.version, "path=/status"})
	if err != nil {
		a.logger.Warn("mDNS disabled", "err", err)
		return
	}
	a.addCloser(func() error { withdraw(); return nil })
}

func (a *App) addCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// logEvents writes connection, routing and problem events to the log.
// Speech events stay at debug level.
func (a *App) logEvents(ctx context.Context) {
	events, unsubscribe := a.bus.Subscribe(0)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if a.dashboard == nil {
				// The dashboard feeds the stats itself.
				a.stats.Observe(ev)
			}
			level := slog.LevelInfo
			switch ev.Kind {
			case event.KindSpeaking, event.KindSpeakingEnded, event.KindWhisperSpeaking:
				level = slog.LevelDebug
			case event.KindWarning:
				level = slog.LevelWarn
			case event.KindError:
				level = slog.LevelError
			}
			a.logger.Log(ctx, level, "relay event", "kind", string(ev.Kind), "data", ev.Data)
		}
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig applies the hot-reloadable part of a changed config file.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(Level(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AudioChanged {
		applied := a.relay.UpdateAudioSettings(settingsFrom(new.Audio))
		a.logger.Info("audio settings reloaded", "effect_enabled", applied.Enabled, "effect_intensity", applied.Intensity, "cue_enabled", applied.CueEnabled)
	}
	if d.CommandersChanged {
		rules := rulesFrom(new.Commanders)
		a.relay.SetRules(rules)
		a.logger.Info("commander rules reloaded", "users", len(rules.Users), "roles", len(rules.Roles))
	}
	if d.BacklogChanged {
		a.relay.SetWriterBacklog(new.Audio.WriterBacklog)
		a.logger.Info("writer backlog changed", "backlog", new.Audio.WriterBacklog)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the config watcher, the dashboard
// (whose final edit still needs the gateway), the slash commands, the relay,
// the mDNS announcement and finally the gateway sessions. It respects the
// context deadline: once ctx expires the remaining steps are skipped, except
// closing the sessions.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down")

		a.mu.Lock()
		watcher := a.watcher
		a.mu.Unlock()
		if watcher != nil {
			watcher.Stop()
		}
		if a.dashboard != nil {
			a.dashboard.Stop(ctx)
		}
		if a.bot != nil && ctx.Err() == nil {
			if err := a.bot.Close(); err != nil {
				errs = append(errs, fmt.Errorf("app: close discord bot: %w", err))
			}
		}
		if ctx.Err() == nil {
			if err := a.relay.Stop(); err != nil && !errors.Is(err, relay.ErrNotRunning) {
				errs = append(errs, fmt.Errorf("app: stop relay: %w", err))
			}
		}

		a.mu.Lock()
		closers := a.closers
		a.closers = nil
		a.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		if err := a.transports.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close transports: %w", err))
		}
		if ctx.Err() != nil {
			a.logger.Warn("shutdown deadline exceeded")
			errs = append(errs, ctx.Err())
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Level converts a config log level to a slog level. Unknown values map to
// info.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func rulesFrom(c config.CommandersConfig) auth.Rules {
	var r auth.Rules
	for _, u := range c.Users {
		r.Users = append(r.Users, auth.UserRule{UserID: u.UserID, Name: u.Name})
	}
	for _, role := range c.Roles {
		r.Roles = append(r.Roles, auth.RoleRule{RoleID: role.RoleID, Name: role.Name})
	}
	return r
}

func settingsFrom(ac config.AudioConfig) effect.Settings {
	return effect.Settings{
		Enabled:    ac.EffectEnabled,
		Intensity:  ac.Intensity(),
		CueEnabled: ac.CueEnabled,
	}
}

// chiefsFrom resolves each chief's destination to the configured name. The
// config matches destinations ignoring case and accents.
func chiefsFrom(cfg *config.Config) []relay.Chief {
	byKey := make(map[string]string, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		byKey[routing.Fold(d.Name)] = d.Name
	}
	chiefs := make([]relay.Chief, 0, len(cfg.Whisper.Chiefs))
	for _, c := range cfg.Whisper.Chiefs {
		dest, ok := byKey[routing.Fold(c.Destination)]
		if !ok {
			dest = c.Destination
		}
		chiefs = append(chiefs, relay.Chief{UserID: c.UserID, Name: c.Name, Destination: dest})
	}
	return chiefs
}
