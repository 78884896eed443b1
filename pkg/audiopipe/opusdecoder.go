package audiopipe

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus stream parameters for the satellite music pipeline: 48kHz stereo,
// 20ms frames.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	opusFrameSize   = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// OpusDecoder adapts a gopus decoder to the [Decoder] interface. Each Pipe
// needs its own instance: decoder state carries across consecutive frames
// of the same stream, and Reset recovers it after a decode error.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates an Opus decoder for one music-stream Pipe.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audiopipe: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into interleaved int16 PCM samples.
func (d *OpusDecoder) Decode(frame []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(frame, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audiopipe: opus decode: %w", err)
	}
	return pcm, nil
}

// Reset drops the decoder and builds a fresh one, discarding any
// corrupted inter-frame state.
func (d *OpusDecoder) Reset() {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return
	}
	d.dec = dec
}
