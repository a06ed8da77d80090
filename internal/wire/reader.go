package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// Handler receives decoded records from a [Reader]. Callbacks are invoked
// from the reader's goroutine, one at a time, in socket order.
type Handler interface {
	// HandleAudio receives the payload of one audio record. The slice is
	// only valid for the duration of the call.
	HandleAudio(sessionID string, payload []byte)

	// HandleEvent receives one decoded event.
	HandleEvent(ev Event)
}

// Reader decodes the interleaved audio/event stream produced by a [Writer].
//
// The reader alternates between expecting a record header and an audio body.
// At a record boundary the first byte discriminates: '{' starts a JSON event
// (brace-matched, may span several reads), '\n' is a separator to skip, and
// anything else is the start of a 4-byte length prefix. Malformed lengths
// and unparseable events are dropped with a single log line per burst, and
// the reader resyncs by scanning forward.
type Reader struct {
	r       io.Reader
	h       Handler
	buf     []byte
	dropped int // consecutive bytes discarded while resyncing
}

// NewReader creates a Reader that decodes from r and dispatches to h.
func NewReader(r io.Reader, h Handler) *Reader {
	return &Reader{r: r, h: h}
}

// Run decodes records until r is exhausted or fails. It returns nil on a
// clean EOF and the read error otherwise.
func (d *Reader) Run() error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			d.drain()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// drain dispatches every complete record currently buffered.
func (d *Reader) drain() {
	for len(d.buf) > 0 {
		switch d.buf[0] {
		case '\n':
			d.buf = d.buf[1:]
		case '{':
			end, complete := jsonObjectEnd(d.buf)
			if !complete {
				return // need more data
			}
			d.dispatchEvent(d.buf[:end])
			d.buf = d.buf[end:]
		default:
			if !d.drainAudio() {
				return
			}
		}
	}
}

// drainAudio attempts to decode one audio record from the buffer head.
// It returns false when more data is needed.
func (d *Reader) drainAudio() bool {
	if len(d.buf) < headerLen {
		return false
	}
	n := int(binary.BigEndian.Uint32(d.buf[:headerLen]))
	if n < SessionIDLen || n > MaxRecord {
		// Framing error: log the first bad byte of a burst, then scan
		// forward one byte at a time until the stream realigns.
		if d.dropped == 0 {
			slog.Warn("wire: bad audio record length, resyncing", "length", n)
		}
		d.dropped++
		d.buf = d.buf[1:]
		return true
	}
	if len(d.buf) < headerLen+n {
		return false
	}

	if d.dropped > 0 {
		slog.Info("wire: resynced after framing error", "discarded_bytes", d.dropped)
		d.dropped = 0
	}

	body := d.buf[headerLen : headerLen+n]
	sessionID := strings.TrimRight(string(body[:SessionIDLen]), " ")
	d.h.HandleAudio(sessionID, body[SessionIDLen:])
	d.buf = d.buf[headerLen+n:]
	return true
}

// dispatchEvent parses and delivers one JSON event. Unparseable events are
// dropped with a log line; the surrounding stream stays in sync because the
// object was already brace-matched.
func (d *Reader) dispatchEvent(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		slog.Warn("wire: dropping unparseable event", "err", err, "len", len(raw))
		return
	}
	d.h.HandleEvent(ev)
}

// jsonObjectEnd returns the index one past the closing brace of the JSON
// object starting at buf[0], brace-matching with awareness of strings and
// escapes. complete is false when the object is still truncated.
func jsonObjectEnd(buf []byte) (end int, complete bool) {
	depth := 0
	inString := false
	escaped := false
	for i, b := range buf {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
