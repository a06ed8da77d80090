// Package queue implements the per-consumer track queue. The queue is a
// plain data structure; all synchronization lives with its owner.
package queue

import (
	"errors"
	"strings"
	"time"
)

// SearchPrefix marks a track URL whose resolution is deferred until just
// before playback: "search:<query>".
const SearchPrefix = "search:"

// ErrRemovePlaying is returned when removing the currently playing index.
var ErrRemovePlaying = errors.New("queue: cannot remove the playing track")

// ErrIndexOutOfRange is returned for indices outside [0, Len).
var ErrIndexOutOfRange = errors.New("queue: index out of range")

// Track is one queued media item.
type Track struct {
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	DurationSeconds float64   `json:"duration_seconds"`
	Thumbnail       string    `json:"thumbnail,omitempty"`
	RequestedBy     string    `json:"requested_by,omitempty"`
	AddedAt         time.Time `json:"added_at"`
}

// NeedsResolution reports whether the track's URL is a deferred search
// token.
func (t Track) NeedsResolution() bool {
	return strings.HasPrefix(t.URL, SearchPrefix)
}

// SearchQuery returns the query of a deferred track, or "" for concrete
// URLs.
func (t Track) SearchQuery() string {
	if !t.NeedsResolution() {
		return ""
	}
	return strings.TrimPrefix(t.URL, SearchPrefix)
}

// Queue is an ordered track list with a play cursor. currentIndex is -1 when
// nothing has been selected and otherwise always within [0, Len).
type Queue struct {
	tracks       []Track
	currentIndex int
}

// New creates an empty queue with the cursor parked at -1.
func New() *Queue {
	return &Queue{currentIndex: -1}
}

// Restore rebuilds a queue from persisted state, clamping the cursor into
// range.
func Restore(tracks []Track, currentIndex int) *Queue {
	q := &Queue{tracks: tracks, currentIndex: currentIndex}
	if q.currentIndex >= len(q.tracks) {
		q.currentIndex = len(q.tracks) - 1
	}
	if q.currentIndex < -1 {
		q.currentIndex = -1
	}
	return q
}

// Len returns the number of queued tracks.
func (q *Queue) Len() int { return len(q.tracks) }

// CurrentIndex returns the play cursor, -1 when nothing is selected.
func (q *Queue) CurrentIndex() int { return q.currentIndex }

// Current returns the track under the cursor.
func (q *Queue) Current() (Track, bool) {
	if q.currentIndex < 0 || q.currentIndex >= len(q.tracks) {
		return Track{}, false
	}
	return q.tracks[q.currentIndex], true
}

// Tracks returns a copy of the queued tracks.
func (q *Queue) Tracks() []Track {
	out := make([]Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}

// Append adds a track at the tail and returns its index.
func (q *Queue) Append(t Track) int {
	q.tracks = append(q.tracks, t)
	return len(q.tracks) - 1
}

// Select moves the cursor to i.
func (q *Queue) Select(i int) error {
	if i < 0 || i >= len(q.tracks) {
		return ErrIndexOutOfRange
	}
	q.currentIndex = i
	return nil
}

// Advance moves the cursor one track forward. It returns the new current
// track, or false when the queue end was reached (the cursor then stays on
// the last track).
func (q *Queue) Advance() (Track, bool) {
	if q.currentIndex+1 >= len(q.tracks) {
		return Track{}, false
	}
	q.currentIndex++
	return q.tracks[q.currentIndex], true
}

// Previous moves the cursor one track back, clamped at the first track.
func (q *Queue) Previous() (Track, bool) {
	if len(q.tracks) == 0 {
		return Track{}, false
	}
	if q.currentIndex > 0 {
		q.currentIndex--
	} else {
		q.currentIndex = 0
	}
	return q.tracks[q.currentIndex], true
}

// Remove deletes the track at i. Removing the playing track is rejected when
// playing is true; removing a track before the cursor shifts the cursor down
// so it keeps pointing at the same track.
func (q *Queue) Remove(i int, playing bool) error {
	if i < 0 || i >= len(q.tracks) {
		return ErrIndexOutOfRange
	}
	if playing && i == q.currentIndex {
		return ErrRemovePlaying
	}
	q.tracks = append(q.tracks[:i], q.tracks[i+1:]...)
	if i < q.currentIndex {
		q.currentIndex--
	} else if q.currentIndex >= len(q.tracks) {
		q.currentIndex = len(q.tracks) - 1
	}
	return nil
}

// UpdateTrack patches the track at i, used after deferred resolution to
// store the concrete URL so the lookup never repeats.
func (q *Queue) UpdateTrack(i int, t Track) error {
	if i < 0 || i >= len(q.tracks) {
		return ErrIndexOutOfRange
	}
	q.tracks[i] = t
	return nil
}

// ResetCursor parks the cursor at -1, leaving the tracks intact. Used when
// playback stops at the queue end so the cursor never points at a track
// that is not playing.
func (q *Queue) ResetCursor() {
	q.currentIndex = -1
}

// Clear empties the queue and parks the cursor.
func (q *Queue) Clear() {
	q.tracks = nil
	q.currentIndex = -1
}
