// Package oggdemux extracts bare Opus packets from an Ogg container stream.
//
// The transcoder's opus formats arrive as Ogg pages; the jitter buffer and
// the local player consume 20 ms Opus packets. The demuxer strips the
// container, dropping the OpusHead and OpusTags header packets that start
// every stream.
package oggdemux

import (
	"bytes"
	"fmt"
	"io"

	"github.com/jonas747/ogg"
)

var (
	opusHead = []byte("OpusHead")
	opusTags = []byte("OpusTags")
)

// Demuxer reads Opus packets out of an Ogg stream.
type Demuxer struct {
	dec *ogg.PacketDecoder
}

// New creates a Demuxer reading pages from r.
func New(r io.Reader) *Demuxer {
	return &Demuxer{dec: ogg.NewPacketDecoder(ogg.NewDecoder(r))}
}

// Next returns the next audio packet. Header packets are skipped. It returns
// io.EOF when the stream ends cleanly.
func (d *Demuxer) Next() ([]byte, error) {
	for {
		packet, _, err := d.dec.Decode()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("oggdemux: decode packet: %w", err)
		}
		if bytes.HasPrefix(packet, opusHead) || bytes.HasPrefix(packet, opusTags) {
			continue
		}
		return packet, nil
	}
}
