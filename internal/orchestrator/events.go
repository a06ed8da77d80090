package orchestrator

import "github.com/MrWong99/melodine/internal/queue"

// Event types emitted to consumer-facing channels (the websocket gateway and
// logs). nowPlaying and session announce a requested playback, ready confirms
// the engine is streaming it.
const (
	EventNowPlaying    = "nowPlaying"
	EventSession       = "session"
	EventReady         = "ready"
	EventPaused        = "paused"
	EventResumed       = "resumed"
	EventFinished      = "finished"
	EventStopped       = "stopped"
	EventQueueFinished = "queueFinished"
	EventQueueUpdated  = "queueUpdated"
	EventError         = "error"
	EventSessionReset  = "sessionReset"
)

// Event is one consumer-visible state change.
type Event struct {
	Type         string        `json:"type"`
	ConsumerID   string        `json:"consumer_id"`
	SessionID    string        `json:"session_id,omitempty"`
	Track        *queue.Track  `json:"track,omitempty"`
	Queue        []queue.Track `json:"queue,omitempty"`
	CurrentIndex int           `json:"current_index"`
	Bytes        int64         `json:"bytes,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Snapshot is the full observable state of one consumer session.
type Snapshot struct {
	ConsumerID   string        `json:"consumer_id"`
	Queue        []queue.Track `json:"queue"`
	CurrentIndex int           `json:"current_index"`
	Playing      bool          `json:"playing"`
	Paused       bool          `json:"paused"`
	PositionSec  float64       `json:"position_sec"`
}
