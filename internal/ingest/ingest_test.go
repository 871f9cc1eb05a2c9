package ingest

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/pkg/audio"
)

// identityDecoder returns the packet bytes unchanged as an interleaved
// 48 kHz stereo frame, so PCM assertions can work on known payloads.
type identityDecoder struct {
	layout audio.Layout
}

func (d *identityDecoder) Decode(packet []byte) (audio.Frame, error) {
	return audio.Frame{
		Data:       packet,
		SampleRate: 48000,
		Channels:   2,
		Layout:     d.layout,
	}, nil
}

// buildPage assembles a raw Ogg page carrying the given packets.
func buildPage(headerType byte, packets ...[]byte) []byte {
	var segTable, body []byte
	for _, pkt := range packets {
		remaining := len(pkt)
		for {
			if remaining >= 255 {
				segTable = append(segTable, 255)
				remaining -= 255
				continue
			}
			segTable = append(segTable, byte(remaining))
			break
		}
		body = append(body, pkt...)
	}

	page := append([]byte("OggS"), 0, headerType)
	page = binary.LittleEndian.AppendUint64(page, 0)  // granule
	page = binary.LittleEndian.AppendUint32(page, 11) // serial
	page = binary.LittleEndian.AppendUint32(page, 0)  // sequence
	page = binary.LittleEndian.AppendUint32(page, 0)  // crc (unchecked)
	page = append(page, byte(len(segTable)))
	page = append(page, segTable...)
	return append(page, body...)
}

func opusHead() []byte {
	pkt := make([]byte, 19)
	copy(pkt, "OpusHead")
	pkt[8] = 1
	pkt[9] = 2
	binary.LittleEndian.PutUint32(pkt[12:16], 48000)
	return pkt
}

func opusTags() []byte {
	return append([]byte("OpusTags"), 0, 0, 0, 0)
}

// recorder collects callback invocations behind a mutex.
type recorder struct {
	mu     sync.Mutex
	pcm    []byte
	starts int
	ends   []string
	endMS  []int64
	endc   chan string
}

func newRecorder() *recorder {
	return &recorder{endc: make(chan string, 4)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPCM: func(pcm []byte) {
			r.mu.Lock()
			r.pcm = append(r.pcm, pcm...)
			r.mu.Unlock()
		},
		OnUtteranceStart: func() {
			r.mu.Lock()
			r.starts++
			r.mu.Unlock()
		},
		OnUtteranceEnd: func(reason string, ms int64) {
			r.mu.Lock()
			r.ends = append(r.ends, reason)
			r.endMS = append(r.endMS, ms)
			r.mu.Unlock()
			r.endc <- reason
		},
	}
}

func (r *recorder) snapshot() (pcm []byte, starts int, ends []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.pcm...), r.starts, append([]string(nil), r.ends...)
}

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{
		SilenceThresholdMS: 50,
		MaxUtteranceMS:     10_000,
		BufferMaxBytes:     512 * 1024,
		MonitorIntervalMS:  5,
	}
}

func waitEnd(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case reason := <-r.endc:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("utterance end never fired")
		return ""
	}
}

func TestPushEmitsPCMAndSkipsHeaders(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{}, rec.callbacks(),
		WithMinParseBytes(1))
	defer ing.Close()

	ing.Push(buildPage(0x02, opusHead())) // BOS
	ing.Push(buildPage(0, opusTags()))
	ing.Push(buildPage(0, []byte("frame-a"), []byte("frame-b")))

	pcm, starts, _ := rec.snapshot()
	if want := []byte("frame-aframe-b"); !bytes.Equal(pcm, want) {
		t.Errorf("pcm = %q, want %q", pcm, want)
	}
	if starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
}

func TestPushBuffersBelowMinParse(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{}, rec.callbacks())
	defer ing.Close()

	// A single small page stays below the default 1 KB parse threshold.
	page := buildPage(0x02, opusHead())
	ing.Push(page)
	if pcm, _, _ := rec.snapshot(); len(pcm) != 0 {
		t.Fatalf("unexpected pcm before threshold: %d bytes", len(pcm))
	}

	// Pad past the threshold with real audio pages.
	payload := bytes.Repeat([]byte{0xAB}, 600)
	ing.Push(buildPage(0, payload))
	ing.Push(buildPage(0, payload))

	pcm, _, _ := rec.snapshot()
	if len(pcm) != 1200 {
		t.Errorf("pcm length = %d, want 1200", len(pcm))
	}
}

func TestPlanarFramesAreInterleaved(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{layout: audio.Planar}, rec.callbacks(),
		WithMinParseBytes(1))
	defer ing.Close()

	// Two samples per channel: planes L=[1 2] R=[3 4] (int16 LE).
	planar := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	ing.Push(buildPage(0, planar))

	pcm, _, _ := rec.snapshot()
	want := []byte{1, 0, 3, 0, 2, 0, 4, 0}
	if !bytes.Equal(pcm, want) {
		t.Errorf("pcm = %v, want %v", pcm, want)
	}
}

func TestCorruptBufferIsDroppedAndIngestionContinues(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{}, rec.callbacks(),
		WithMinParseBytes(1))
	defer ing.Close()

	ing.Push([]byte("definitely not a container"))
	ing.Push(buildPage(0, []byte("recovered")))

	pcm, _, _ := rec.snapshot()
	if !bytes.Equal(pcm, []byte("recovered")) {
		t.Errorf("pcm = %q, want %q", pcm, "recovered")
	}
}

func TestSilenceEndsUtteranceOnce(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{}, rec.callbacks(),
		WithMinParseBytes(1))
	defer ing.Close()

	ing.Push(buildPage(0, []byte("speech")))

	reason := waitEnd(t, rec)
	if reason != ReasonSilence {
		t.Fatalf("reason = %q, want %q", reason, ReasonSilence)
	}

	// Give the monitor a chance to misfire a second time.
	time.Sleep(50 * time.Millisecond)
	_, _, ends := rec.snapshot()
	if len(ends) != 1 {
		t.Errorf("ends = %v, want exactly one", ends)
	}

	rec.mu.Lock()
	ms := rec.endMS[0]
	rec.mu.Unlock()
	if ms < 50 {
		t.Errorf("silence_ms = %d, want >= threshold", ms)
	}
}

func TestMaxUtteranceCaps(t *testing.T) {
	t.Parallel()

	cfg := testAudioConfig()
	cfg.SilenceThresholdMS = 40
	cfg.MaxUtteranceMS = 120
	rec := newRecorder()
	ing := NewIngestor(cfg, &identityDecoder{}, rec.callbacks(), WithMinParseBytes(1))
	defer ing.Close()

	// Keep pushing so silence never triggers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-rec.endc:
				rec.endc <- ReasonMaxUtterance // hand back for the assertion
				return
			case <-ticker.C:
				ing.Push(buildPage(0, []byte("x")))
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("max-utterance end never fired")
	}
	_, _, ends := rec.snapshot()
	if len(ends) != 1 || ends[0] != ReasonMaxUtterance {
		t.Errorf("ends = %v, want [max_utterance]", ends)
	}
}

func TestBufferingPushesKeepSilenceTimerAlive(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{}, rec.callbacks())
	defer ing.Close()

	// Pushes that never cross the parse threshold still count as audio
	// activity, so silence must not fire while they keep arriving.
	for i := 0; i < 20; i++ {
		ing.Push([]byte{0x01, 0x02})
		time.Sleep(10 * time.Millisecond)
	}
	if _, _, ends := rec.snapshot(); len(ends) != 0 {
		t.Fatalf("silence fired during buffering pushes: %v", ends)
	}

	if reason := waitEnd(t, rec); reason != ReasonSilence {
		t.Errorf("reason = %q, want silence after pushes stop", reason)
	}
}

func TestNewUtteranceAfterEnd(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{}, rec.callbacks(),
		WithMinParseBytes(1))
	defer ing.Close()

	ing.Push(buildPage(0, []byte("one")))
	waitEnd(t, rec)

	ing.Push(buildPage(0, []byte("two")))
	waitEnd(t, rec)

	_, starts, ends := rec.snapshot()
	if starts != 2 || len(ends) != 2 {
		t.Errorf("starts = %d, ends = %v, want 2 each", starts, ends)
	}
}

func TestCloseIgnoresFurtherPushes(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), &identityDecoder{}, rec.callbacks(),
		WithMinParseBytes(1))
	ing.Close()
	ing.Close()

	ing.Push(buildPage(0, []byte("late")))
	pcm, starts, _ := rec.snapshot()
	if len(pcm) != 0 || starts != 0 {
		t.Errorf("push after close produced output: pcm=%d starts=%d", len(pcm), starts)
	}
	if ing.Active() {
		t.Error("Active() = true after close")
	}
}

func TestPassthroughForwardsBytes(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	ing := NewIngestor(testAudioConfig(), nil, rec.callbacks(), WithPassthrough())
	defer ing.Close()

	ing.Push([]byte{0xDE, 0xAD})
	ing.Push([]byte{0xBE, 0xEF})

	pcm, _, _ := rec.snapshot()
	if !bytes.Equal(pcm, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("pcm = %v", pcm)
	}
}
