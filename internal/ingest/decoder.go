package ingest

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Browser capture is 48 kHz stereo Opus.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusMaxFrameSize is the largest Opus frame (120 ms) in samples per
	// channel, used as the decode buffer capacity.
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// Decoder turns one container packet into a PCM frame.
type Decoder interface {
	Decode(packet []byte) (audio.Frame, error)
}

// OpusDecoder decodes Opus packets extracted from the container stream.
// A single decoder instance maintains state across consecutive packets of
// one session and must not be shared between sessions.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// Compile-time interface check.
var _ Decoder = (*OpusDecoder)(nil)

// NewOpusDecoder creates a decoder for browser-capture Opus audio.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("ingest: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: opusSampleRate, channels: opusChannels}, nil
}

// Decode decodes one Opus packet into interleaved 16-bit PCM.
func (d *OpusDecoder) Decode(packet []byte) (audio.Frame, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("ingest: opus decode: %w", err)
	}
	return audio.Frame{
		Data:       audio.Int16sToBytes(pcm),
		SampleRate: d.sampleRate,
		Channels:   d.channels,
		Layout:     audio.Interleaved,
	}, nil
}
