package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/version"
)

// shutdownTimeout bounds the ordered shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long:  "Join the configured voice channels and relay until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.configPath, cmd.OutOrStdout())
		},
	}
}

func runServe(parent context.Context, configPath string, out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.Level(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voxrelay starting",
		"version", version.Version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxrelay",
		ServiceVersion: version.Version,
		InstanceID:     uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(out, cfg)

	// ── Discord sessions ──────────────────────────────────────────────────────
	transports, err := app.OpenTransports(cfg, logger)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, transports,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithConfigPath(configPath),
		app.WithVersion(version.Version),
	)
	if err != nil {
		_ = transports.Close()
		return fmt.Errorf("initialise relay: %w", err)
	}

	slog.Info("relay ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// loadConfig loads and validates the config file with a friendlier message
// for a missing file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; pass --config or create %s", path, DefaultConfigPath)
	}
	return cfg, err
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        voxrelay — startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Source", cfg.Discord.SourceName)
	printRow(w, "Destinations", fmt.Sprint(len(cfg.Destinations)))
	for _, d := range cfg.Destinations {
		printRow(w, "  "+d.Name, d.DisplayName)
	}
	switch c := cfg.Commanders; {
	case len(c.Users) > 0 || len(c.Roles) > 0:
		printRow(w, "Commanders", fmt.Sprintf("%d users, %d roles", len(c.Users), len(c.Roles)))
	default:
		printRow(w, "Commanders", "OPEN (everyone)")
	}
	printRow(w, "Whisper chiefs", fmt.Sprint(len(cfg.Whisper.Chiefs)))
	printRow(w, "Briefing", enabled(cfg.Briefing.Enabled))
	printRow(w, "Effect", fmt.Sprintf("%s %d%%", enabled(cfg.Audio.EffectEnabled), cfg.Audio.Intensity()))
	printRow(w, "Dashboard", enabled(cfg.Discord.DashboardChannelID != ""))
	if cfg.Server.ListenAddr == app.ListenDisabled {
		printRow(w, "Control API", "(disabled)")
	} else {
		printRow(w, "Control API", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	if r := []rune(label); len(r) > 14 {
		label = string(r[:14])
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
