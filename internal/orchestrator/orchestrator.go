// Package orchestrator owns consumer sessions and their queues. It turns
// consumer intents into engine commands, debouncing rapid transitions,
// resolving deferred search tracks just in time, and routing engine events
// and audio frames to the right consumer adapter.
package orchestrator

import (
	"context"
	"sync"

	"log/slog"

	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/store"
	"github.com/MrWong99/melodine/internal/transcode"
	"github.com/MrWong99/melodine/internal/wire"
)

// engineClient is the control-plane surface the orchestrator drives. The
// HTTP client in internal/control implements it.
type engineClient interface {
	Play(ctx context.Context, sessionID, url string, format transcode.Format, startAtSec, durationHint float64) error
	Stop(ctx context.Context, sessionID string) error
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	Metadata(ctx context.Context, url string) (*extract.Metadata, error)
	Playlist(ctx context.Context, url string) ([]extract.Metadata, error)
	Search(ctx context.Context, query string, limit int) ([]extract.Metadata, error)
}

// persister is the slice of the session store the orchestrator uses.
type persister interface {
	Save(ctx context.Context, rec store.Record) error
	Delete(ctx context.Context, consumerID string) error
	LoadAll(ctx context.Context) ([]store.Record, error)
}

// Adapter consumes demuxed audio for one consumer. Attach hands it a fresh
// sink at the start of each playback; Idle reports whether its buffer has
// drained, which gates auto-advance.
type Adapter interface {
	Attach(sink *wire.Sink)
	Idle() bool
	Close() error
}

// AdapterFactory builds the adapter for a consumer session.
type AdapterFactory func(consumerID string) (Adapter, error)

// Manager owns all consumer sessions. It implements [wire.Handler] so a
// wire.Reader can feed it the engine's socket directly.
type Manager struct {
	ctx        context.Context
	engine     engineClient
	store      persister
	sinks      *wire.Sinks
	format     transcode.Format
	newAdapter AdapterFactory
	emit       func(Event)

	mu       sync.Mutex
	sessions map[string]*ConsumerSession
}

// Option configures a [Manager].
type Option func(*Manager)

// WithEventSink sets the callback receiving consumer-visible events. Called
// from session goroutines; implementations must not block.
func WithEventSink(fn func(Event)) Option {
	return func(m *Manager) { m.emit = fn }
}

// NewManager creates a Manager. format is the audio format requested from
// the engine for every playback, dictated by the configured adapter mode.
func NewManager(ctx context.Context, eng engineClient, st persister, format transcode.Format, factory AdapterFactory, opts ...Option) *Manager {
	m := &Manager{
		ctx:        ctx,
		engine:     eng,
		store:      st,
		sinks:      wire.NewSinks(),
		format:     format,
		newAdapter: factory,
		emit:       func(Event) {},
		sessions:   make(map[string]*ConsumerSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the consumer's session, creating it on first use.
func (m *Manager) Session(consumerID string) (*ConsumerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[consumerID]; ok {
		return s, nil
	}
	s, err := newSession(m, consumerID, nil, -1)
	if err != nil {
		return nil, err
	}
	m.sessions[consumerID] = s
	return s, nil
}

// Restore rebuilds sessions from the persisted store. Queues come back
// intact but nothing starts playing until the consumer asks.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, ok := m.sessions[rec.ConsumerID]; ok {
			continue
		}
		s, err := newSession(m, rec.ConsumerID, rec.Tracks, rec.CurrentIndex)
		if err != nil {
			slog.Warn("session restore failed", "consumer_id", rec.ConsumerID, "err", err)
			continue
		}
		s.restorePlayback(rec.IsPaused, rec.PlaybackOffsetSec)
		s.SetIdentity(rec.Username, rec.Avatar)
		m.sessions[rec.ConsumerID] = s
	}
	slog.Info("sessions restored", "count", len(recs))
	return nil
}

// HandleAudio implements wire.Handler: frames are offered to the sink for
// their engine session.
func (m *Manager) HandleAudio(sessionID string, payload []byte) {
	m.sinks.Offer(sessionID, payload)
}

// HandleEvent implements wire.Handler: lifecycle events are routed to the
// session whose consumer id matches the engine session id.
func (m *Manager) HandleEvent(ev wire.Event) {
	m.mu.Lock()
	s, ok := m.sessions[ev.SessionID]
	m.mu.Unlock()
	if !ok {
		slog.Debug("event for unknown consumer dropped",
			"type", ev.Type, "session_id", ev.SessionID)
		return
	}
	switch ev.Type {
	case wire.EventReady:
		s.post(s.onReady)
	case wire.EventFinished:
		s.post(func() { s.onFinished(ev.Bytes) })
	case wire.EventError:
		s.post(func() { s.onEngineError(ev.Message) })
	}
}

// Search runs a catalog search on behalf of a consumer, without touching
// any queue.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]extract.Metadata, error) {
	return m.engine.Search(ctx, query, limit)
}

// Shutdown stops every session goroutine and flushes pending persistence.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*ConsumerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
