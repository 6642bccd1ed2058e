package effect_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxrelay/internal/effect"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

func TestParamsFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		intensity int
		want      effect.Params
	}{
		{0, effect.Params{HighPassHz: 100, LowPassHz: 5000, Ratio: 2, Gain: 1.0}},
		{50, effect.Params{HighPassHz: 300, LowPassHz: 3750, Ratio: 5, Gain: 1.25}},
		{100, effect.Params{HighPassHz: 500, LowPassHz: 2500, Ratio: 8, Gain: 1.5}},
		{-20, effect.Params{HighPassHz: 100, LowPassHz: 5000, Ratio: 2, Gain: 1.0}},
		{250, effect.Params{HighPassHz: 500, LowPassHz: 2500, Ratio: 8, Gain: 1.5}},
	}
	for _, tt := range tests {
		got := effect.ParamsFor(tt.intensity)
		if !near(got.HighPassHz, tt.want.HighPassHz) || !near(got.LowPassHz, tt.want.LowPassHz) ||
			!near(got.Ratio, tt.want.Ratio) || !near(got.Gain, tt.want.Gain) {
			t.Errorf("ParamsFor(%d) = %+v, want %+v", tt.intensity, got, tt.want)
		}
		if got.ThresholdDB != -20 || got.Attack != 5*time.Millisecond || got.Release != 50*time.Millisecond {
			t.Errorf("ParamsFor(%d) fixed compressor settings wrong: %+v", tt.intensity, got)
		}
	}
}

func TestParamsFor_EndpointsDiffer(t *testing.T) {
	t.Parallel()
	lo, hi := effect.ParamsFor(0), effect.ParamsFor(100)
	if lo.HighPassHz == hi.HighPassHz || lo.LowPassHz == hi.LowPassHz || lo.Gain == hi.Gain {
		t.Fatalf("intensity 0 and 100 must differ: %+v vs %+v", lo, hi)
	}
}

func TestFilterGraph(t *testing.T) {
	t.Parallel()
	got := effect.FilterGraph(effect.ParamsFor(100))
	for _, want := range []string{"highpass=f=500", "lowpass=f=2500", "ratio=8.00", "threshold=-20dB", "attack=5", "release=50", "volume=1.50"} {
		if !strings.Contains(got, want) {
			t.Errorf("FilterGraph() = %q, missing %q", got, want)
		}
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// sine returns n stereo frames of a sine wave as canonical PCM.
func sine(freq, amplitude float64, frames int) []byte {
	samples := make([]int16, frames*2)
	for i := range frames {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate))
		samples[2*i] = v
		samples[2*i+1] = v
	}
	return audio.Int16sToBytes(samples)
}

// rms computes the RMS of the second half of pcm, skipping filter settling.
func rms(pcm []byte) float64 {
	s := audio.BytesToInt16s(pcm)
	s = s[len(s)/2:]
	var sum float64
	for _, v := range s {
		f := float64(v) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(s)))
}

func TestChain_BandLimits(t *testing.T) {
	t.Parallel()
	p := effect.ParamsFor(100)

	tests := []struct {
		name    string
		freq    float64
		maxGain float64
	}{
		{"below high-pass", 40, 0.1},
		{"above low-pass", 16000, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := sine(tt.freq, 0.05, audio.SampleRate/2)
			out := effect.NewChain(p).Process(in)
			if ratio := rms(out) / rms(in); ratio > tt.maxGain {
				t.Errorf("%v Hz passed with ratio %.3f, want <= %.3f", tt.freq, ratio, tt.maxGain)
			}
		})
	}
}

func TestChain_GainBelowThreshold(t *testing.T) {
	t.Parallel()
	in := sine(1000, 0.02, audio.SampleRate/2)

	quiet := effect.NewChain(effect.ParamsFor(0)).Process(in)
	loud := effect.NewChain(effect.ParamsFor(100)).Process(in)

	r0 := rms(quiet) / rms(in)
	r100 := rms(loud) / rms(in)
	if r0 < 0.9 || r0 > 1.1 {
		t.Errorf("intensity 0 gain ratio = %.3f, want ~1.0", r0)
	}
	if r100 < 1.3 || r100 > 1.6 {
		t.Errorf("intensity 100 gain ratio = %.3f, want ~1.5", r100)
	}
}

func TestChain_CompressesLoudSignal(t *testing.T) {
	t.Parallel()
	in := sine(1000, 0.9, audio.SampleRate/2)
	out := effect.NewChain(effect.ParamsFor(100)).Process(in)
	if ratio := rms(out) / rms(in); ratio > 0.5 {
		t.Errorf("loud signal ratio = %.3f, expected strong gain reduction", ratio)
	}
}

func TestChain_Deterministic(t *testing.T) {
	t.Parallel()
	in := sine(700, 0.6, 4800)
	a := effect.NewChain(effect.ParamsFor(42)).Process(in)
	b := effect.NewChain(effect.ParamsFor(42)).Process(in)
	if !bytes.Equal(a, b) {
		t.Fatal("identical chains produced different output")
	}
	if len(a) != len(in) {
		t.Fatalf("output length %d, want %d", len(a), len(in))
	}
}

func TestChain_OddLengthTail(t *testing.T) {
	t.Parallel()
	in := append(sine(440, 0.1, 10), 0xAB)
	out := effect.NewChain(effect.ParamsFor(0)).Process(in)
	if len(out) != len(in) || out[len(out)-1] != 0xAB {
		t.Fatal("partial trailing frame must be copied through")
	}
}

func runStage(t *testing.T, st effect.Stage, chunks ...[]byte) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in := make(chan []byte, len(chunks))
	for _, c := range chunks {
		in <- c
	}
	close(in)
	var got []byte
	for b := range st.Run(ctx, in) {
		got = append(got, b...)
	}
	if ctx.Err() != nil {
		t.Fatal("stage did not finish in time")
	}
	return got
}

func TestFactory_Passthrough(t *testing.T) {
	t.Parallel()
	f := effect.NewFactory()
	s := effect.Settings{}
	if f.Required(s) {
		t.Error("disabled settings should not require processing")
	}
	st, err := f.New(s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in := []byte{1, 2, 3, 4}
	if got := runStage(t, st, in); !bytes.Equal(got, in) {
		t.Errorf("passthrough changed audio: %v", got)
	}
}

func TestFactory_CuePrecedesLiveAudio(t *testing.T) {
	t.Parallel()
	cue := bytes.Repeat([]byte{9}, audio.FrameBytes+8)
	f := effect.NewFactory(effect.WithCue(cue))

	s := effect.Settings{CueEnabled: true}
	if !f.Required(s) {
		t.Fatal("cue alone should require processing")
	}
	st, err := f.New(s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := effect.LeadFrames(st); got != 2 {
		t.Errorf("LeadFrames = %d, want 2 for a cue just over one frame", got)
	}
	live := []byte{1, 2, 3, 4}
	got := runStage(t, st, live)
	want := append(append([]byte{}, cue...), live...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want cue (%d) followed by live audio", len(got), len(cue))
	}

	plain, _ := f.New(effect.Settings{})
	if got := effect.LeadFrames(plain); got != 0 {
		t.Errorf("LeadFrames without a cue = %d, want 0", got)
	}
}

func TestFactory_CueIgnoredWhenNotLoaded(t *testing.T) {
	t.Parallel()
	f := effect.NewFactory()
	if f.Required(effect.Settings{CueEnabled: true}) {
		t.Error("cue without a loaded sound must not require processing")
	}
}

func TestFactory_NativeEffect(t *testing.T) {
	t.Parallel()
	f := effect.NewFactory()
	st, err := f.New(effect.Settings{Enabled: true, Intensity: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer st.Close()
	in := sine(16000, 0.3, 4800)
	got := runStage(t, st, in)
	if len(got) != len(in) {
		t.Fatalf("native stage output %d bytes, want %d", len(got), len(in))
	}
	if bytes.Equal(got, in) {
		t.Error("native stage did not alter the audio")
	}
	if st.Err() != nil {
		t.Errorf("Err = %v", st.Err())
	}
}

func TestFactory_MissingFFmpeg(t *testing.T) {
	t.Parallel()
	f := effect.NewFactory(
		effect.WithBackend(effect.BackendFFmpeg),
		effect.WithFFmpegPath(filepath.Join(t.TempDir(), "no-such-ffmpeg")),
	)
	_, err := f.New(effect.Settings{Enabled: true, Intensity: 50})
	if !errors.Is(err, effect.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	// Without the effect the backend is not needed.
	if _, err := f.New(effect.Settings{}); err != nil {
		t.Fatalf("disabled effect must not need ffmpeg: %v", err)
	}
}

func TestBackend_IsValid(t *testing.T) {
	t.Parallel()
	for _, b := range []effect.Backend{effect.BackendNative, effect.BackendFFmpeg} {
		if !b.IsValid() {
			t.Errorf("%q should be valid", b)
		}
	}
	if effect.Backend("sox").IsValid() {
		t.Error("unknown backend reported valid")
	}
}

func writeWAV(t *testing.T, rate, channels int, data []int) string {
	t.Helper()
	return writeWAVDepth(t, rate, 16, channels, data)
}

func writeWAVDepth(t *testing.T, rate, depth, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cue.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, depth, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		Data:           data,
		SourceBitDepth: depth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func TestLoadCue_StereoAtCanonicalRate(t *testing.T) {
	t.Parallel()
	path := writeWAV(t, audio.SampleRate, 2, []int{100, -100, 200, -200})
	pcm, err := effect.LoadCue(path)
	if err != nil {
		t.Fatalf("LoadCue: %v", err)
	}
	got := audio.BytesToInt16s(pcm)
	want := []int16{100, -100, 200, -200}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if d := int(got[i]) - int(want[i]); d < -1 || d > 1 {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLoadCue_EightBitIsCentred(t *testing.T) {
	t.Parallel()
	// Unsigned 8-bit: 128 is silence, 192 and 64 are half scale.
	path := writeWAVDepth(t, audio.SampleRate, 8, 2, []int{128, 128, 192, 64})
	pcm, err := effect.LoadCue(path)
	if err != nil {
		t.Fatalf("LoadCue: %v", err)
	}
	got := audio.BytesToInt16s(pcm)
	want := []int16{0, 0, 16383, -16383}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if d := int(got[i]) - int(want[i]); d < -2 || d > 2 {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLoadCue_MonoResampled(t *testing.T) {
	t.Parallel()
	frames := 24000 // half a second at 48 kHz after resampling
	data := make([]int, frames)
	for i := range data {
		data[i] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/24000))
	}
	path := writeWAV(t, 24000, 1, data)

	pcm, err := effect.LoadCue(path)
	if err != nil {
		t.Fatalf("LoadCue: %v", err)
	}
	if len(pcm)%4 != 0 {
		t.Fatalf("output is not whole stereo frames: %d bytes", len(pcm))
	}
	outFrames := len(pcm) / 4
	if outFrames < 2*frames*9/10 || outFrames > 2*frames+64 {
		t.Errorf("resampled to %d frames, want about %d", outFrames, 2*frames)
	}
	s := audio.BytesToInt16s(pcm)
	for i := 0; i+1 < len(s); i += 2 {
		if s[i] != s[i+1] {
			t.Fatalf("mono cue not duplicated to both channels at frame %d", i/2)
		}
	}
}

func TestLoadCue_Invalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := effect.LoadCue(path); err == nil {
		t.Fatal("expected error for invalid wav")
	}
	if _, err := effect.LoadCue(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
