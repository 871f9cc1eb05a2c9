package discord

import (
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus at 20 ms frames.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	opusFrameSize  = 960 // samples per channel per 20 ms frame
	// opusFrameBytes is the PCM input size for one frame:
	// 960 samples × 2 channels × 2 bytes.
	opusFrameBytes = opusFrameSize * opusChannels * 2

	// synthSampleRate is the mono PCM rate the synthesizer produces for
	// voice-channel sessions.
	synthSampleRate = 24000
)

var errSenderStopped = errors.New("discord: voice sender stopped")

// opusSender serializes synthesized PCM from all participant sessions into
// the channel's single outbound Opus stream. Input is 24 kHz mono little
// endian PCM; it is upsampled to the voice format, chunked into exact frames
// and encoded.
type opusSender struct {
	mu       sync.Mutex
	encode   func(pcm []int16) ([]byte, error)
	send     chan<- []byte
	speaking func(bool) error
	buf      []byte
	talking  bool

	done <-chan struct{}
}

func newOpusSender(done <-chan struct{}) *opusSender {
	return &opusSender{done: done}
}

// attach wires the sender to a live voice connection.
func (o *opusSender) attach(send chan<- []byte, speaking func(bool) error) {
	o.mu.Lock()
	o.send = send
	o.speaking = speaking
	o.mu.Unlock()
}

func (o *opusSender) write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.done:
		return errSenderStopped
	default:
	}
	if o.send == nil {
		return errSenderStopped
	}

	if o.encode == nil {
		enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
		if err != nil {
			return fmt.Errorf("discord: create opus encoder: %w", err)
		}
		o.encode = func(frame []int16) ([]byte, error) {
			return enc.Encode(frame, opusFrameSize, opusFrameBytes)
		}
	}
	if !o.talking {
		o.setSpeaking(true)
		o.talking = true
	}

	o.buf = append(o.buf, audio.MonoToStereo(audio.ResampleMono16(pcm, synthSampleRate, opusSampleRate))...)
	for len(o.buf) >= opusFrameBytes {
		frame, err := o.encode(audio.BytesToInt16s(o.buf[:opusFrameBytes]))
		o.buf = o.buf[opusFrameBytes:]
		if err != nil {
			// One bad frame does not kill the stream.
			continue
		}
		select {
		case o.send <- frame:
		case <-o.done:
			return errSenderStopped
		}
	}
	return nil
}

func (o *opusSender) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.talking {
		o.setSpeaking(false)
		o.talking = false
	}
	o.buf = nil
}

func (o *opusSender) setSpeaking(b bool) {
	if o.speaking == nil {
		return
	}
	_ = o.speaking(b)
}
