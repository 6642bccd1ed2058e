package effect

import (
	"math"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// biquad is a second order IIR section in direct form I with one state per
// channel. Coefficients follow the RBJ audio EQ cookbook.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     [audio.Channels]float64
}

func newBiquad(highPass bool, cutoff, rate float64) *biquad {
	w0 := 2 * math.Pi * cutoff / rate
	cos := math.Cos(w0)
	alpha := math.Sin(w0) / math.Sqrt2 // Q = 1/sqrt(2)
	a0 := 1 + alpha

	var b0, b1, b2 float64
	if highPass {
		b0 = (1 + cos) / 2
		b1 = -(1 + cos)
		b2 = (1 + cos) / 2
	} else {
		b0 = (1 - cos) / 2
		b1 = 1 - cos
		b2 = (1 - cos) / 2
	}
	return &biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

func (f *biquad) process(ch int, x float64) float64 {
	y := f.b0*x + f.b1*f.x1[ch] + f.b2*f.x2[ch] - f.a1*f.y1[ch] - f.a2*f.y2[ch]
	f.x2[ch], f.x1[ch] = f.x1[ch], x
	f.y2[ch], f.y1[ch] = f.y1[ch], y
	return y
}

// compressor is a stereo-linked feed-forward compressor with a peak envelope
// follower.
type compressor struct {
	thresholdDB float64
	ratio       float64
	attackCoef  float64
	releaseCoef float64
	env         float64
}

func newCompressor(p Params, rate float64) *compressor {
	coef := func(seconds float64) float64 {
		if seconds <= 0 {
			return 0
		}
		return math.Exp(-1 / (seconds * rate))
	}
	return &compressor{
		thresholdDB: p.ThresholdDB,
		ratio:       p.Ratio,
		attackCoef:  coef(p.Attack.Seconds()),
		releaseCoef: coef(p.Release.Seconds()),
	}
}

// gain returns the linear gain for the next frame given its peak level.
func (c *compressor) gain(peak float64) float64 {
	if peak > c.env {
		c.env = c.attackCoef*c.env + (1-c.attackCoef)*peak
	} else {
		c.env = c.releaseCoef*c.env + (1-c.releaseCoef)*peak
	}
	if c.env <= 1e-9 {
		return 1
	}
	levelDB := 20 * math.Log10(c.env)
	if levelDB <= c.thresholdDB {
		return 1
	}
	outDB := c.thresholdDB + (levelDB-c.thresholdDB)/c.ratio
	return math.Pow(10, (outDB-levelDB)/20)
}

// Chain is the native effect: high-pass, low-pass, compressor, gain, in that
// order. A Chain holds filter state and belongs to a single stream.
type Chain struct {
	params Params
	hp, lp *biquad
	comp   *compressor
}

// NewChain builds a chain for p at the canonical sample rate.
func NewChain(p Params) *Chain {
	rate := float64(audio.SampleRate)
	return &Chain{
		params: p,
		hp:     newBiquad(true, p.HighPassHz, rate),
		lp:     newBiquad(false, p.LowPassHz, rate),
		comp:   newCompressor(p, rate),
	}
}

// Params returns the parameters the chain was built with.
func (c *Chain) Params() Params { return c.params }

// Process filters one chunk of interleaved stereo s16le audio and returns a
// new slice of the same length. A trailing partial sample frame is copied
// through unchanged.
func (c *Chain) Process(pcm []byte) []byte {
	out := make([]byte, len(pcm))
	copy(out, pcm)
	const frameSize = audio.Channels * 2
	samples := audio.BytesToInt16s(pcm[:len(pcm)-len(pcm)%frameSize])

	var frame [audio.Channels]float64
	for i := 0; i+audio.Channels <= len(samples); i += audio.Channels {
		peak := 0.0
		for ch := range audio.Channels {
			x := float64(samples[i+ch]) / 32768
			x = c.hp.process(ch, x)
			x = c.lp.process(ch, x)
			frame[ch] = x
			peak = max(peak, math.Abs(x))
		}
		g := c.comp.gain(peak) * c.params.Gain
		for ch := range audio.Channels {
			samples[i+ch] = audio.ClampInt16(int32(math.Round(frame[ch] * g * 32768)))
		}
	}
	copy(out, audio.Int16sToBytes(samples))
	return out
}
