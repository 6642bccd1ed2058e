package discord

import (
	"bytes"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate = audio.SampleRate
	opusChannels   = audio.Channels

	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = audio.FrameSamples // 960

	// maxOpusPacket bounds the size of one encoded packet.
	maxOpusPacket = 4000
)

// SilenceFrame is the Opus packet Discord clients send around speech and
// expect after the last audio packet of a transmission.
var SilenceFrame = []byte{0xF8, 0xFF, 0xFE}

// trailingSilence is the number of silence frames sent after a playback.
const trailingSilence = 5

func isSilence(packet []byte) bool {
	return bytes.Equal(packet, SilenceFrame)
}

// opusDecoder wraps a gopus Opus decoder for a single participant stream.
// Each stream gets its own decoder to maintain decoder state correctly
// across consecutive frames.
type opusDecoder struct {
	dec *gopus.Decoder
}

// NewDecoder creates an Opus decoder producing canonical raw audio. It
// satisfies [audio.DecoderFactory].
func NewDecoder() (audio.Decoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// Decode decodes an Opus packet into interleaved little-endian int16 PCM.
func (d *opusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// opusEncoder wraps a gopus Opus encoder for one playback.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes exactly one frame of canonical raw audio.
func (e *opusEncoder) encode(frame []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToInt16s(frame), opusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
