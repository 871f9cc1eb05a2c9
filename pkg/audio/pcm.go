// Package audio provides PCM manipulation helpers shared by the VoxBridge
// ingestion and synthesis paths: planar→interleaved transposition, int16
// byte conversion, linear resampling, and channel up/down-mixing.
//
// All PCM in this package is little-endian signed 16-bit.
package audio

import "fmt"

// Layout describes how the channels of a decoded frame are arranged in memory.
type Layout int

const (
	// Interleaved means samples alternate per channel: L R L R …
	Interleaved Layout = iota

	// Planar means each channel occupies its own contiguous plane:
	// L L L … R R R …
	Planar
)

// String returns the human-readable name of the layout.
func (l Layout) String() string {
	switch l {
	case Interleaved:
		return "interleaved"
	case Planar:
		return "planar"
	default:
		return "unknown"
	}
}

// Frame is one decoded block of PCM samples together with its format.
type Frame struct {
	// Data holds the raw sample bytes. For Planar layout the planes are
	// concatenated in channel order.
	Data []byte

	// SampleRate in Hz (48000 for browser capture, 24000 for TTS output).
	SampleRate int

	// Channels is the channel count (1 or 2 in practice).
	Channels int

	// Layout describes the channel arrangement of Data.
	Layout Layout
}

// Interleave returns the frame's samples in interleaved order. Frames that
// are already interleaved (or mono, where the distinction is vacuous) are
// returned unchanged with zero allocation.
func (f Frame) Interleave() []byte {
	if f.Layout == Interleaved || f.Channels <= 1 {
		return f.Data
	}
	return TransposePlanar16(f.Data, f.Channels)
}

// TransposePlanar16 converts planar int16 PCM (channel planes concatenated)
// into interleaved order. The input length must be a multiple of
// 2*channels; trailing odd bytes are dropped.
func TransposePlanar16(planar []byte, channels int) []byte {
	if channels <= 1 {
		return planar
	}
	bytesPerSample := 2
	frameBytes := bytesPerSample * channels
	samplesPerPlane := len(planar) / frameBytes
	planeBytes := samplesPerPlane * bytesPerSample

	out := make([]byte, samplesPerPlane*frameBytes)
	for ch := 0; ch < channels; ch++ {
		plane := planar[ch*planeBytes : (ch+1)*planeBytes]
		for i := 0; i < samplesPerPlane; i++ {
			j := i*frameBytes + ch*bytesPerSample
			out[j] = plane[i*2]
			out[j+1] = plane[i*2+1]
		}
	}
	return out
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to the
// int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM from srcRate to
// dstRate using linear interpolation per channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lI := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rI := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lI)
		out[i*4+1] = byte(lI >> 8)
		out[i*4+2] = byte(rI)
		out[i*4+3] = byte(rI >> 8)
	}
	return out
}

// FormatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func FormatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
