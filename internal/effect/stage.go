package effect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Stage is one running instance of the effect for one stream.
type Stage interface {
	// Run starts processing in and returns the processed stream. The output is
	// closed when in is closed and drained, when ctx is done, or when
	// processing fails. Run must be called at most once.
	Run(ctx context.Context, in <-chan []byte) <-chan []byte

	// Err reports the failure that closed the output early, if any.
	Err() error

	// Close releases the stage. Safe to call more than once.
	Close() error
}

// Backend selects the effect implementation.
type Backend string

const (
	// BackendNative runs the filters in process.
	BackendNative Backend = "native"

	// BackendFFmpeg pipes the audio through an ffmpeg filter graph.
	BackendFFmpeg Backend = "ffmpeg"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	return b == BackendNative || b == BackendFFmpeg
}

// ErrBackendUnavailable is returned when the configured backend cannot run.
var ErrBackendUnavailable = errors.New("effect: backend unavailable")

// Factory builds a [Stage] for each new utterance.
// It is safe for concurrent use.
type Factory struct {
	backend    Backend
	ffmpegPath string
	cue        []byte
	logger     *slog.Logger
	lookPath   func(string) (string, error)
}

// Option configures a [Factory].
type Option func(*Factory)

// WithBackend selects the backend. The default is [BackendNative].
func WithBackend(b Backend) Option {
	return func(f *Factory) {
		if b != "" {
			f.backend = b
		}
	}
}

// WithFFmpegPath overrides the ffmpeg executable. The default is "ffmpeg"
// resolved through PATH.
func WithFFmpegPath(path string) Option {
	return func(f *Factory) {
		if path != "" {
			f.ffmpegPath = path
		}
	}
}

// WithCue sets the cue sound, in canonical format.
func WithCue(pcm []byte) Option {
	return func(f *Factory) {
		f.cue = pcm
	}
}

// WithLogger sets the logger used for backend diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFactory returns a factory configured by opts.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		backend:    BackendNative,
		ffmpegPath: "ffmpeg",
		logger:     slog.Default(),
		lookPath:   exec.LookPath,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// HasCue reports whether a cue sound is loaded.
func (f *Factory) HasCue() bool { return len(f.cue) > 0 }

// Required reports whether s needs raw audio processing at all.
func (f *Factory) Required(s Settings) bool {
	return s.Enabled || (s.CueEnabled && f.HasCue())
}

// CheckFFmpeg verifies that the ffmpeg executable can be found.
func (f *Factory) CheckFFmpeg() error {
	if _, err := f.lookPath(f.ffmpegPath); err != nil {
		return fmt.Errorf("%w: ffmpeg not found at %q: %v", ErrBackendUnavailable, f.ffmpegPath, err)
	}
	return nil
}

// New returns a stage for s. It fails only when the configured backend cannot
// run; callers then pass the audio through unprocessed.
func (f *Factory) New(s Settings) (Stage, error) {
	var st Stage = passthrough{}
	if s.Enabled {
		p := ParamsFor(s.Intensity)
		switch f.backend {
		case BackendFFmpeg:
			if err := f.CheckFFmpeg(); err != nil {
				return nil, err
			}
			st = newFFmpegStage(f.ffmpegPath, p, f.logger)
		default:
			st = &nativeStage{chain: NewChain(p)}
		}
	}
	if s.CueEnabled && f.HasCue() {
		st = &cueStage{cue: f.cue, inner: st}
	}
	return st, nil
}

// ─── passthrough ──────────────────────────────────────────────────────────────

type passthrough struct{}

func (passthrough) Run(_ context.Context, in <-chan []byte) <-chan []byte { return in }
func (passthrough) Err() error                                            { return nil }
func (passthrough) Close() error                                          { return nil }

// ─── native ───────────────────────────────────────────────────────────────────

type nativeStage struct {
	chain *Chain
}

func (s *nativeStage) Run(ctx context.Context, in <-chan []byte) <-chan []byte {
	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case pcm, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- s.chain.Process(pcm):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *nativeStage) Err() error   { return nil }
func (s *nativeStage) Close() error { return nil }

// ─── cue ──────────────────────────────────────────────────────────────────────

// cueStage emits the cue, then the output of inner. The cue and the live
// audio are concatenated, never mixed.
type cueStage struct {
	cue   []byte
	inner Stage
}

func (s *cueStage) Run(ctx context.Context, in <-chan []byte) <-chan []byte {
	live := s.inner.Run(ctx, in)
	out := make(chan []byte, cap(in))
	go func() {
		defer close(out)
		send := func(b []byte) bool {
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for off := 0; off < len(s.cue); off += audio.FrameBytes {
			end := min(off+audio.FrameBytes, len(s.cue))
			if !send(s.cue[off:end]) {
				return
			}
		}
		for pcm := range live {
			if !send(pcm) {
				return
			}
		}
	}()
	return out
}

func (s *cueStage) Err() error   { return s.inner.Err() }
func (s *cueStage) Close() error { return s.inner.Close() }

func (s *cueStage) LeadFrames() int {
	return (len(s.cue) + audio.FrameBytes - 1) / audio.FrameBytes
}

// LeadFrames reports how many chunks st emits ahead of the live audio. Live
// chunks queue behind them at the destination, so writers must have room for
// that many extra chunks.
func LeadFrames(st Stage) int {
	if l, ok := st.(interface{ LeadFrames() int }); ok {
		return l.LeadFrames()
	}
	return 0
}

// errBox holds the first error reported by a stage goroutine.
type errBox struct {
	mu  sync.Mutex
	err error
}

func (b *errBox) set(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *errBox) get() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
