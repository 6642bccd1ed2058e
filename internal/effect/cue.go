package effect

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
	"github.com/oov/audio/resampler"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// resampleQuality is the oov resampler quality (0–10).
const resampleQuality = 10

// LoadCue reads a WAV file and converts it to the canonical format.
func LoadCue(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("effect: open cue %q: %w", path, err)
	}
	defer f.Close()

	pcm, err := DecodeCue(f)
	if err != nil {
		return nil, fmt.Errorf("effect: cue %q: %w", path, err)
	}
	return pcm, nil
}

// DecodeCue decodes WAV data and converts it to the canonical format. Only
// the first two channels are kept.
func DecodeCue(r io.ReadSeeker) ([]byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file: %v", dec.Err())
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode pcm: %w", err)
	}

	channels := int(dec.NumChans)
	rate := int(dec.SampleRate)
	depth := int(dec.BitDepth)
	if channels < 1 || rate <= 0 || depth < 8 || depth > 32 {
		return nil, fmt.Errorf("unsupported format: %d channels, %d Hz, %d bit", channels, rate, depth)
	}
	keep := min(channels, audio.Channels)

	// De-interleave into normalised float planes. 8-bit samples are unsigned.
	scale := float32(int64(1) << (depth - 1))
	var offset float32
	if depth == 8 {
		offset = 128
	}
	frames := len(buf.Data) / channels
	planes := make([][]float32, keep)
	for c := range keep {
		planes[c] = make([]float32, frames)
		for i := range frames {
			planes[c][i] = (float32(buf.Data[i*channels+c]) - offset) / scale
		}
	}

	if rate != audio.SampleRate {
		r := resampler.New(keep, rate, audio.SampleRate, resampleQuality)
		outLen := frames*audio.SampleRate/rate + 64
		for c := range keep {
			out := make([]float32, outLen)
			_, written := r.ProcessFloat32(c, planes[c], out)
			planes[c] = out[:written]
		}
	}

	n := len(planes[0])
	for _, p := range planes[1:] {
		n = min(n, len(p))
	}
	samples := make([]int16, n*keep)
	for i := range n {
		for c := range keep {
			samples[i*keep+c] = audio.ClampInt16(int32(planes[c][i] * 32767))
		}
	}
	pcm := audio.Int16sToBytes(samples)
	if keep == 1 {
		pcm = audio.MonoToStereo(pcm)
	}
	return pcm, nil
}
