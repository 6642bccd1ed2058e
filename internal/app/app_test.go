package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/routing"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/audio/mock"
)

// testConfig returns a validated config with two destinations and the
// control API disabled.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: app.ListenDisabled, LogLevel: config.LogInfo},
		Discord: config.DiscordConfig{
			GuildID:         "guild-1",
			Token:           "emitter-token",
			SourceChannelID: "hq",
		},
		Destinations: []config.DestinationConfig{
			{Name: "alpha", DisplayName: "Alpha Squad", Token: "alpha-token", ChannelID: "alpha"},
			{Name: "bravo", Token: "bravo-token", ChannelID: "bravo"},
		},
		Commanders: config.CommandersConfig{
			Users: []config.CommanderUser{{UserID: "commander", Name: "Cmdr"}},
		},
		Whisper: config.WhisperConfig{
			Chiefs: []config.ChiefConfig{{UserID: "chief", Name: "Chief", Destination: "ALPHA"}},
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

type testTransports struct {
	*app.Transports
	source *mock.Endpoint
	dests  map[string]*mock.Endpoint
}

func newTransports() testTransports {
	tt := testTransports{
		source: mock.NewEndpoint("hq"),
		dests: map[string]*mock.Endpoint{
			"alpha": mock.NewEndpoint("alpha"),
			"bravo": mock.NewEndpoint("bravo"),
		},
	}
	decoders := &mock.DecoderFactory{}
	tt.Transports = &app.Transports{
		Source:       tt.source,
		Directory:    mock.NewDirectory(),
		Destinations: make(map[string]audio.Endpoint),
		Decoders:     decoders.New,
	}
	for name, ep := range tt.dests {
		tt.Destinations[name] = ep
	}
	return tt
}

func testOptions(t *testing.T) []app.Option {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return []app.Option{
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		app.WithMetrics(m),
	}
}

func TestNew_WiresRelay(t *testing.T) {
	t.Parallel()

	a, err := app.New(testConfig(t), newTransports().Transports, testOptions(t)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	names := a.Relay().DestinationNames()
	if len(names) != 2 || names[0].Name != "alpha" || names[0].DisplayName != "Alpha Squad" || names[1].DisplayName != "bravo" {
		t.Errorf("DestinationNames() = %+v", names)
	}

	chiefs := a.Relay().Chiefs()
	if len(chiefs) != 1 || chiefs[0].Destination != "alpha" {
		t.Errorf("Chiefs() = %+v, want the chief resolved to alpha", chiefs)
	}

	if a.Control() != nil {
		t.Error("Control() should be nil when the listen address is disabled")
	}
	if a.Relay().Running() {
		t.Error("relay must not run before Run")
	}
}

func TestNew_MissingDestinationEndpoint(t *testing.T) {
	t.Parallel()

	tr := newTransports()
	delete(tr.Destinations, "bravo")

	if _, err := app.New(testConfig(t), tr.Transports, testOptions(t)...); err == nil {
		t.Fatal("New() should fail when a destination has no endpoint")
	}
}

func TestNew_MissingCueFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Audio.CuePath = t.TempDir() + "/missing.wav"

	if _, err := app.New(cfg, newTransports().Transports, testOptions(t)...); err == nil {
		t.Fatal("New() should fail when the cue file is missing")
	}
}

func TestApp_ControlAPI(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a, err := app.New(cfg, newTransports().Transports, testOptions(t)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.Control() == nil {
		t.Fatal("Control() = nil, want a server")
	}

	srv := httptest.NewServer(a.Control().Handler())
	defer srv.Close()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable},
		{http.MethodPost, "/radio/all", http.StatusServiceUnavailable},
		{http.MethodGet, "/status", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, srv.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	tr := newTransports()
	a, err := app.New(testConfig(t), tr.Transports, testOptions(t)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !a.Relay().Running() {
		if time.Now().After(deadline) {
			t.Fatal("relay did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := a.Relay().SetTarget(context.Background(), "Alpha Squad"); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	if got := a.Relay().Target(); got != routing.Named("alpha") {
		t.Errorf("Target() = %v, want alpha", got)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() = %v, want nil after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if a.Relay().Running() {
		t.Error("relay still running after Shutdown")
	}
	if tr.source.Ready() {
		t.Error("source still connected after Shutdown")
	}

	// Idempotent.
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunFailsWhenSourceCannotConnect(t *testing.T) {
	t.Parallel()

	tr := newTransports()
	tr.source.ConnectError = errors.New("voice unavailable")
	a, err := app.New(testConfig(t), tr.Transports, testOptions(t)...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the source cannot connect")
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.Level(tt.in); got != tt.want {
			t.Errorf("Level(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
