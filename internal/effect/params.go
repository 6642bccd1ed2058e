// Package effect implements the radio effect applied to relayed audio: a
// high-pass and low-pass band limit, a compressor and a make-up gain, plus an
// optional short cue sound played ahead of the live audio.
//
// All stages consume and produce raw audio in the canonical format of
// [audio.Canonical].
package effect

import "time"

// Settings are the process-wide audio settings. They are read when an
// utterance starts; running utterances keep the settings they started with.
type Settings struct {
	Enabled    bool `json:"effect_enabled" yaml:"effect_enabled"`
	Intensity  int  `json:"effect_intensity" yaml:"effect_intensity"`
	CueEnabled bool `json:"cue_enabled" yaml:"cue_enabled"`
}

// Fixed compressor timing and threshold.
const (
	CompressorAttack    = 5 * time.Millisecond
	CompressorRelease   = 50 * time.Millisecond
	CompressorThreshold = -20.0 // dBFS
)

// Params are the filter parameters derived from an intensity.
type Params struct {
	HighPassHz  float64
	LowPassHz   float64
	Ratio       float64
	Gain        float64
	ThresholdDB float64
	Attack      time.Duration
	Release     time.Duration
}

// ParamsFor maps intensity (0 subtle, 100 strong) to filter parameters by
// linear interpolation. Out of range intensities are clamped.
func ParamsFor(intensity int) Params {
	x := float64(min(max(intensity, 0), 100)) / 100
	return Params{
		HighPassHz:  lerp(100, 500, x),
		LowPassHz:   lerp(5000, 2500, x),
		Ratio:       lerp(2, 8, x),
		Gain:        lerp(1.0, 1.5, x),
		ThresholdDB: CompressorThreshold,
		Attack:      CompressorAttack,
		Release:     CompressorRelease,
	}
}

func lerp(a, b, x float64) float64 {
	return a + (b-a)*x
}
