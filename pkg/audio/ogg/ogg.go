// Package ogg implements a minimal pure-Go parser for the Ogg container
// format, sufficient for extracting Opus packets from a live byte stream.
//
// The parser operates as a sync layer over an append-only buffer: callers
// hand it whatever bytes have arrived so far and receive every complete
// packet that can be extracted, plus the number of bytes consumed. A page
// that is still arriving yields [ErrShortData] so the caller can retain the
// buffer and retry once more bytes are available.
//
// Browser capture sources restart the container per timeslice, so a single
// stream may contain many concatenated segments each starting with its own
// BOS page. The parser accepts these transparently; packet extraction state
// is reset whenever a BOS page is seen.
package ogg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// capturePattern is the four-byte magic at the start of every Ogg page.
const capturePattern = "OggS"

// pageHeaderLen is the fixed portion of an Ogg page header, before the
// segment table.
const pageHeaderLen = 27

// Header-type flag bits.
const (
	flagContinued = 0x01
	flagBOS       = 0x02
	flagEOS       = 0x04
)

// ErrShortData reports that the buffer ends in the middle of a page. The
// caller should keep the unconsumed bytes and retry after appending more.
var ErrShortData = errors.New("ogg: incomplete page")

// ErrCorrupt reports a malformed page that cannot be resynchronised within
// the current buffer. The caller should discard the buffer.
var ErrCorrupt = errors.New("ogg: corrupt stream")

// Packet is one codec packet extracted from the container.
type Packet struct {
	// Data is the packet payload (for Opus streams, one Opus frame or an
	// OpusHead/OpusTags header packet).
	Data []byte

	// Serial identifies the logical bitstream the packet belongs to.
	Serial uint32

	// GranulePos is the granule position of the page the packet ended on.
	GranulePos int64

	// BOS marks packets from a beginning-of-stream page.
	BOS bool
}

// IsOpusHead reports whether the packet is an Opus identification header.
func (p Packet) IsOpusHead() bool {
	return len(p.Data) >= 8 && string(p.Data[:8]) == "OpusHead"
}

// IsOpusTags reports whether the packet is an Opus comment header.
func (p Packet) IsOpusTags() bool {
	return len(p.Data) >= 8 && string(p.Data[:8]) == "OpusTags"
}

// OpusHead holds the fields of an Opus identification header that matter to
// the decoder.
type OpusHead struct {
	Channels   int
	SampleRate int
	// Mapping family 0 means mono/stereo with trivial channel mapping.
	MappingFamily int
}

// ParseOpusHead decodes an OpusHead packet. Returns an error if the packet
// is not a valid identification header.
func ParseOpusHead(data []byte) (OpusHead, error) {
	if len(data) < 19 || string(data[:8]) != "OpusHead" {
		return OpusHead{}, fmt.Errorf("ogg: not an OpusHead packet")
	}
	return OpusHead{
		Channels:      int(data[9]),
		SampleRate:    int(binary.LittleEndian.Uint32(data[12:16])),
		MappingFamily: int(data[18]),
	}, nil
}

// Parser extracts packets from a sequence of Ogg pages. It carries the
// partial-packet continuation state between calls, so a single Parser must
// be used per stream. Not safe for concurrent use.
type Parser struct {
	// partial accumulates a packet that spans page boundaries.
	partial []byte
}

// NewParser returns a Parser ready to consume the start of a stream.
func NewParser() *Parser {
	return &Parser{}
}

// Reset drops any partial-packet state, e.g. after the caller discarded a
// corrupt buffer.
func (p *Parser) Reset() {
	p.partial = nil
}

// Consume parses as many complete pages as buf contains, starting at offset
// zero. It returns the extracted packets and the number of bytes consumed.
// The caller should drop buf[:consumed] and retain the rest.
//
// When buf ends mid-page, Consume returns the packets extracted so far
// together with [ErrShortData]. When the buffer does not start with a valid
// page and no capture pattern can be found, it returns [ErrCorrupt]; if a
// capture pattern is found later in the buffer, the garbage before it is
// consumed silently and parsing resumes there.
func (p *Parser) Consume(buf []byte) (packets []Packet, consumed int, err error) {
	for {
		rest := buf[consumed:]
		if len(rest) == 0 {
			return packets, consumed, nil
		}

		// Resynchronise on the capture pattern if needed.
		if len(rest) >= 4 && string(rest[:4]) != capturePattern {
			idx := indexCapture(rest)
			if idx < 0 {
				return packets, consumed, ErrCorrupt
			}
			consumed += idx
			rest = buf[consumed:]
		}

		if len(rest) < pageHeaderLen {
			return packets, consumed, ErrShortData
		}
		if string(rest[:4]) != capturePattern {
			// Fewer than 4 bytes matched above; wait for more.
			return packets, consumed, ErrShortData
		}
		if rest[4] != 0 {
			return packets, consumed, fmt.Errorf("%w: version %d", ErrCorrupt, rest[4])
		}

		headerType := rest[5]
		granule := int64(binary.LittleEndian.Uint64(rest[6:14]))
		serial := binary.LittleEndian.Uint32(rest[14:18])
		nsegs := int(rest[26])

		if len(rest) < pageHeaderLen+nsegs {
			return packets, consumed, ErrShortData
		}
		segTable := rest[pageHeaderLen : pageHeaderLen+nsegs]

		bodyLen := 0
		for _, l := range segTable {
			bodyLen += int(l)
		}
		pageLen := pageHeaderLen + nsegs + bodyLen
		if len(rest) < pageLen {
			return packets, consumed, ErrShortData
		}
		body := rest[pageHeaderLen+nsegs : pageLen]

		bos := headerType&flagBOS != 0
		if bos {
			// A fresh segment: any dangling continuation belongs to a
			// stream the capture source abandoned.
			p.partial = nil
		}
		if headerType&flagContinued == 0 {
			p.partial = nil
		}

		// Walk the lacing values, assembling packets. A lacing value of
		// 255 means the packet continues into the next value (or page).
		offset := 0
		for _, l := range segTable {
			p.partial = append(p.partial, body[offset:offset+int(l)]...)
			offset += int(l)
			if l < 255 {
				data := make([]byte, len(p.partial))
				copy(data, p.partial)
				packets = append(packets, Packet{
					Data:       data,
					Serial:     serial,
					GranulePos: granule,
					BOS:        bos,
				})
				p.partial = nil
			}
		}

		consumed += pageLen
	}
}

// indexCapture returns the index of the first capture pattern in buf after
// position zero, or -1 if none exists.
func indexCapture(buf []byte) int {
	for i := 1; i+4 <= len(buf); i++ {
		if string(buf[i:i+4]) == capturePattern {
			return i
		}
	}
	return -1
}
