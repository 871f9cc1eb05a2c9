package ogg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// buildPage assembles a raw Ogg page for tests. Each element of packets is
// laced as its own packet; payloads of 255 bytes or longer are split into
// multiple lacing values automatically.
func buildPage(headerType byte, serial uint32, granule int64, packets ...[]byte) []byte {
	var segTable []byte
	var body []byte
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

	page := make([]byte, 0, pageHeaderLen+len(segTable)+len(body))
	page = append(page, []byte(capturePattern)...)
	page = append(page, 0, headerType)
	page = binary.LittleEndian.AppendUint64(page, uint64(granule))
	page = binary.LittleEndian.AppendUint32(page, serial)
	page = binary.LittleEndian.AppendUint32(page, 0) // page sequence
	page = binary.LittleEndian.AppendUint32(page, 0) // crc (unchecked)
	page = append(page, byte(len(segTable)))
	page = append(page, segTable...)
	page = append(page, body...)
	return page
}

func opusHeadPacket(channels int, sampleRate uint32) []byte {
	pkt := make([]byte, 19)
	copy(pkt, "OpusHead")
	pkt[8] = 1 // version
	pkt[9] = byte(channels)
	binary.LittleEndian.PutUint32(pkt[12:16], sampleRate)
	return pkt
}

func TestConsumeSinglePage(t *testing.T) {
	t.Parallel()

	page := buildPage(flagBOS, 7, 0, []byte("alpha"), []byte("beta"))
	p := NewParser()
	packets, consumed, err := p.Consume(page)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(page) {
		t.Fatalf("consumed %d, want %d", consumed, len(page))
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if string(packets[0].Data) != "alpha" || string(packets[1].Data) != "beta" {
		t.Fatalf("packet payloads wrong: %q %q", packets[0].Data, packets[1].Data)
	}
	if !packets[0].BOS {
		t.Fatal("first page packets should carry BOS")
	}
	if packets[0].Serial != 7 {
		t.Fatalf("serial: got %d, want 7", packets[0].Serial)
	}
}

func TestConsumeShortData(t *testing.T) {
	t.Parallel()

	page := buildPage(0, 1, 0, []byte("payload"))

	p := NewParser()
	for cut := 1; cut < len(page); cut++ {
		packets, consumed, err := p.Consume(page[:cut])
		if !errors.Is(err, ErrShortData) {
			t.Fatalf("cut %d: err = %v, want ErrShortData", cut, err)
		}
		if consumed != 0 || len(packets) != 0 {
			t.Fatalf("cut %d: partial page must consume nothing", cut)
		}
	}

	packets, consumed, err := p.Consume(page)
	if err != nil || consumed != len(page) || len(packets) != 1 {
		t.Fatalf("full page: packets=%d consumed=%d err=%v", len(packets), consumed, err)
	}
}

func TestConsumeConcatenatedSegments(t *testing.T) {
	t.Parallel()

	// Two complete container segments back to back, as produced by a
	// browser recorder emitting a fresh container per timeslice.
	seg1 := append(
		buildPage(flagBOS, 1, 0, opusHeadPacket(2, 48000)),
		buildPage(flagEOS, 1, 960, []byte("frame-a"))...,
	)
	seg2 := append(
		buildPage(flagBOS, 2, 0, opusHeadPacket(2, 48000)),
		buildPage(flagEOS, 2, 960, []byte("frame-b"))...,
	)
	stream := append(seg1, seg2...)

	p := NewParser()
	packets, consumed, err := p.Consume(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consumed != len(stream) {
		t.Fatalf("consumed %d, want %d", consumed, len(stream))
	}

	var audio []string
	for _, pkt := range packets {
		if pkt.IsOpusHead() || pkt.IsOpusTags() {
			continue
		}
		audio = append(audio, string(pkt.Data))
	}
	want := []string{"frame-a", "frame-b"}
	if len(audio) != len(want) {
		t.Fatalf("audio packets: got %v, want %v", audio, want)
	}
	for i := range want {
		if audio[i] != want[i] {
			t.Fatalf("packet %d: got %q, want %q", i, audio[i], want[i])
		}
	}
}

func TestConsumeResyncAfterGarbage(t *testing.T) {
	t.Parallel()

	page := buildPage(0, 3, 0, []byte("ok"))
	stream := append([]byte("\x00\x01garbage"), page...)

	p := NewParser()
	packets, consumed, err := p.Consume(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 1 || string(packets[0].Data) != "ok" {
		t.Fatalf("expected single 'ok' packet, got %v", packets)
	}
	if consumed != len(stream) {
		t.Fatalf("consumed %d, want %d", consumed, len(stream))
	}
}

func TestConsumeCorrupt(t *testing.T) {
	t.Parallel()

	p := NewParser()
	_, _, err := p.Consume(bytes.Repeat([]byte{0xAB}, 64))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestConsumePacketSpanningPages(t *testing.T) {
	t.Parallel()

	big := bytes.Repeat([]byte{0x42}, 300)

	// First page carries the first 255 bytes (lacing 255 = continued);
	// the second page carries the remaining 45 with the continued flag.
	page1 := make([]byte, 0)
	page1 = append(page1, []byte(capturePattern)...)
	page1 = append(page1, 0, 0)
	page1 = binary.LittleEndian.AppendUint64(page1, 0)
	page1 = binary.LittleEndian.AppendUint32(page1, 9)
	page1 = binary.LittleEndian.AppendUint32(page1, 0)
	page1 = binary.LittleEndian.AppendUint32(page1, 0)
	page1 = append(page1, 1, 255)
	page1 = append(page1, big[:255]...)

	page2 := buildPage(flagContinued, 9, 960, big[255:])

	p := NewParser()
	packets, _, err := p.Consume(append(page1, page2...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !bytes.Equal(packets[0].Data, big) {
		t.Fatalf("spanning packet reassembled incorrectly: %d bytes", len(packets[0].Data))
	}
}

func TestParseOpusHead(t *testing.T) {
	t.Parallel()

	head, err := ParseOpusHead(opusHeadPacket(2, 48000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head.Channels != 2 || head.SampleRate != 48000 {
		t.Fatalf("got %+v", head)
	}

	if _, err := ParseOpusHead([]byte("nonsense")); err == nil {
		t.Fatal("expected error for invalid header")
	}
}
