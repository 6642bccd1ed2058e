package effect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// FilterGraph renders p as an ffmpeg audio filter graph.
func FilterGraph(p Params) string {
	return fmt.Sprintf(
		"highpass=f=%.0f,lowpass=f=%.0f,acompressor=threshold=%.0fdB:ratio=%.2f:attack=%d:release=%d,volume=%.2f",
		p.HighPassHz, p.LowPassHz, p.ThresholdDB, p.Ratio,
		p.Attack.Milliseconds(), p.Release.Milliseconds(), p.Gain,
	)
}

// ffmpegArgs returns the arguments streaming canonical PCM from stdin through
// filter to stdout.
func ffmpegArgs(filter string) []string {
	rate := strconv.Itoa(audio.SampleRate)
	channels := strconv.Itoa(audio.Channels)
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer",
		"-f", "s16le", "-ar", rate, "-ac", channels, "-i", "pipe:0",
		"-af", filter,
		"-flush_packets", "1",
		"-f", "s16le", "-ar", rate, "-ac", channels, "pipe:1",
	}
}

// ffmpegStage runs one ffmpeg process per stream.
type ffmpegStage struct {
	path   string
	filter string
	logger *slog.Logger

	errs      errBox
	mu        sync.Mutex
	cmd       *exec.Cmd
	closeOnce sync.Once
}

func newFFmpegStage(path string, p Params, logger *slog.Logger) *ffmpegStage {
	return &ffmpegStage{path: path, filter: FilterGraph(p), logger: logger}
}

func (s *ffmpegStage) Run(ctx context.Context, in <-chan []byte) <-chan []byte {
	out := make(chan []byte, cap(in))

	cmd := exec.CommandContext(ctx, s.path, ffmpegArgs(s.filter)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.fail(out, fmt.Errorf("effect: ffmpeg stdin: %w", err))
		return out
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.fail(out, fmt.Errorf("effect: ffmpeg stdout: %w", err))
		return out
	}
	if err := cmd.Start(); err != nil {
		s.fail(out, fmt.Errorf("effect: start ffmpeg: %w", err))
		return out
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case pcm, ok := <-in:
				if !ok {
					return
				}
				if _, err := stdin.Write(pcm); err != nil {
					s.errs.set(fmt.Errorf("effect: write to ffmpeg: %w", err))
					return
				}
			}
		}
	}()

	go func() {
		defer close(out)
		for {
			buf := make([]byte, audio.FrameBytes)
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
				}
			}
			if err != nil {
				break
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			s.errs.set(fmt.Errorf("effect: ffmpeg exited: %w: %s", err, bytes.TrimSpace(stderr.Bytes())))
		}
	}()
	return out
}

func (s *ffmpegStage) fail(out chan []byte, err error) {
	s.errs.set(err)
	close(out)
}

func (s *ffmpegStage) Err() error { return s.errs.get() }

func (s *ffmpegStage) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return
		}
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("ffmpeg kill failed", "err", err)
		}
	})
	return nil
}
