// Package wire implements the framed streaming-socket protocol between the
// melodine engine and the orchestrator.
//
// The engine writes two interleaved kinds of payload on one unix-domain
// socket:
//
//   - Audio records: a 4-byte big-endian length N, then N bytes whose first
//     24 bytes are the ASCII engine session id (space-padded), with the
//     audio payload in the remainder.
//   - Event records: newline-delimited JSON objects ({type, session_id, ...}).
//
// For a given session, events and frames are totally ordered on the socket;
// across sessions no ordering is guaranteed. The orchestrator never writes
// on this socket — control flows over the HTTP control plane instead.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const (
	// SessionIDLen is the fixed width of the session id prefix inside an
	// audio record. Shorter ids are right-padded with spaces.
	SessionIDLen = 24

	// headerLen is the size of the big-endian length prefix.
	headerLen = 4

	// MaxRecord bounds a single audio record body. Anything larger is a
	// framing error.
	MaxRecord = 1 << 20
)

// Event types carried on the socket.
const (
	EventReady    = "ready"
	EventFinished = "finished"
	EventError    = "error"
)

// Event is a lifecycle notification for one engine session.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
}

// Writer serialises audio records and events onto the streaming socket.
// A mutex spans each full record write so records from concurrent sessions
// never interleave mid-frame.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w. The Writer is safe for concurrent use.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteAudio writes one audio record for sessionID. The header, padded id
// and payload are coalesced into a single Write so the record cannot be torn
// by a concurrent writer and small-chunk latency stays low.
func (w *Writer) WriteAudio(sessionID string, payload []byte) error {
	if len(sessionID) > SessionIDLen {
		sessionID = sessionID[:SessionIDLen]
	}

	n := SessionIDLen + len(payload)
	if n > MaxRecord {
		return fmt.Errorf("wire: record of %d bytes exceeds max %d", n, MaxRecord)
	}

	record := make([]byte, headerLen+n)
	binary.BigEndian.PutUint32(record[:headerLen], uint32(n))
	copy(record[headerLen:], sessionID)
	for i := headerLen + len(sessionID); i < headerLen+SessionIDLen; i++ {
		record[i] = ' '
	}
	copy(record[headerLen+SessionIDLen:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(record); err != nil {
		return fmt.Errorf("wire: write audio record: %w", err)
	}
	return nil
}

// WriteEvent writes one newline-terminated JSON event.
func (w *Writer) WriteEvent(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("wire: marshal event: %w", err)
	}
	body = append(body, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(body); err != nil {
		return fmt.Errorf("wire: write event: %w", err)
	}
	return nil
}
