// Package engine owns playback sessions: it supervises the extract and
// transcode subprocesses for each session and emits framed audio plus
// lifecycle events onto the streaming socket.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/observe"
	"github.com/MrWong99/melodine/internal/transcode"
	"github.com/MrWong99/melodine/internal/wire"
)

// ErrSessionNotFound is returned by operations on unknown session ids.
var ErrSessionNotFound = errors.New("engine: session not found")

// Premature-end retry tuning. Some CDNs cut long streams mid-track; as long
// as enough audio played and the expected end is not near, the engine
// re-extracts and seeks to where it left off.
const (
	maxRetries        = 3
	minPlayedForRetry = 5 * time.Second
	prematureEndGap   = 10.0 // seconds short of the expected end
	retryDelay        = time.Second
)

// resolver is the extractor surface the engine needs.
type resolver interface {
	StreamURL(ctx context.Context, url string) (string, error)
	Probe(ctx context.Context, url string) (*extract.Metadata, error)
}

// pipeline is one transcoder subprocess.
type pipeline interface {
	Start(ctx context.Context, streamURL string, format transcode.Format, startAtSec float64) error
	Output() <-chan []byte
	ExitErr() error
	Stop()
}

// emitter carries audio records and events to the consumer side.
type emitter interface {
	WriteAudio(sessionID string, payload []byte) error
	WriteEvent(ev wire.Event) error
}

// Manager owns the session map and enforces at most one active pipeline per
// session id.
type Manager struct {
	resolver    resolver
	newPipeline func(sessionID string) pipeline
	emit        emitter
	baseCtx     context.Context

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a [Manager].
type Option func(*Manager)

// WithPipelineFactory overrides how transcoder pipelines are created.
func WithPipelineFactory(f func(sessionID string) pipeline) Option {
	return func(m *Manager) { m.newPipeline = f }
}

// NewManager creates a Manager. ctx bounds the lifetime of every session it
// starts; emit receives all audio and events.
func NewManager(ctx context.Context, res resolver, cfg transcode.Config, emit emitter, opts ...Option) *Manager {
	m := &Manager{
		resolver: res,
		newPipeline: func(sessionID string) pipeline {
			return transcode.New(cfg, sessionID)
		},
		emit:     emit,
		baseCtx:  ctx,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Play starts playback of url for sessionID, stopping any prior pipeline for
// the same id first. durationHint, when positive, skips the metadata probe.
// The call returns once the session is registered; extraction and streaming
// run asynchronously and report through events.
func (m *Manager) Play(sessionID, url string, format transcode.Format, startAtSec, durationHint float64) error {
	if !format.IsValid() {
		return fmt.Errorf("engine: unknown format %q", format)
	}

	m.mu.Lock()
	prior, replaced := m.sessions[sessionID]
	if replaced {
		slog.Info("stopping prior session for new play", "session_id", sessionID)
		prior.stop()
	}
	s := &Session{
		id:           sessionID,
		url:          url,
		format:       format,
		durationHint: durationHint,
		gate:         newGate(),
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if !replaced {
		observe.DefaultMetrics().ActiveEngineSessions.Add(m.baseCtx, 1)
	}
	go m.run(s, startAtSec)
	return nil
}

// Stop tears down the session's subprocesses. Stopping an unknown session is
// not an error.
func (m *Manager) Stop(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if ok {
		s.stop()
		observe.DefaultMetrics().ActiveEngineSessions.Add(m.baseCtx, -1)
	}
}

// Pause closes the session's gate. The transcoder keeps running until pipe
// backpressure suspends it; nothing is torn down.
func (m *Manager) Pause(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.gate.close()
	slog.Info("session paused", "session_id", sessionID)
	return nil
}

// Resume reopens the gate. No re-extraction happens and no new ready event
// is emitted.
func (m *Manager) Resume(sessionID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}
	s.gate.open()
	slog.Info("session resumed", "session_id", sessionID)
	return nil
}

// Status returns a snapshot of the session.
func (m *Manager) Status(sessionID string) (Status, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return Status{}, err
	}
	return s.snapshot(), nil
}

// ActiveSessions returns the number of registered sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	observe.DefaultMetrics().ActiveEngineSessions.Add(m.baseCtx, -int64(len(sessions)))
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// run drives one session from extraction to a terminal event, retrying
// premature stream endings from the last played position.
func (m *Manager) run(s *Session, seekPos float64) {
	for {
		next, retry := m.runAttempt(s, seekPos)
		if !retry {
			return
		}
		s.mu.Lock()
		s.retries++
		attempt := s.retries
		s.mu.Unlock()
		observe.DefaultMetrics().StreamRetries.Add(m.baseCtx, 1)
		slog.Warn("premature stream end, retrying",
			"session_id", s.id, "attempt", attempt, "seek_sec", next)
		time.Sleep(retryDelay)
		seekPos = next
	}
}

// runAttempt executes one extract+transcode+stream cycle. When the stream
// ends prematurely it returns the position to retry from.
func (m *Manager) runAttempt(s *Session, seekPos float64) (nextSeek float64, retry bool) {
	attemptStart := time.Now()
	ctx, cancel := context.WithCancel(m.baseCtx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	isRetry := s.retries > 0
	s.mu.Unlock()

	s.setState(StateExtracting)

	// One metadata probe on the first attempt, skipped entirely when the
	// caller supplied a duration hint.
	if !isRetry && s.durationHint == 0 {
		if meta, err := m.resolver.Probe(ctx, s.url); err == nil && meta.DurationSeconds > 0 {
			s.mu.Lock()
			s.durationHint = meta.DurationSeconds
			s.mu.Unlock()
		}
	}

	extractStart := time.Now()
	streamURL, err := m.resolver.StreamURL(ctx, s.url)
	if err != nil {
		if ctx.Err() != nil || s.isStopped() {
			return 0, false
		}
		m.fail(s, "extract", fmt.Sprintf("extraction failed: %v", err))
		return 0, false
	}
	observe.DefaultMetrics().ExtractDuration.Record(ctx, time.Since(extractStart).Seconds())
	if ctx.Err() != nil || s.isStopped() {
		return 0, false
	}

	pl := m.newPipeline(s.id)
	s.mu.Lock()
	s.pipeline = pl
	s.bytesSent = 0
	s.mu.Unlock()

	s.setState(StateTranscoding)
	if err := pl.Start(ctx, streamURL, s.format, seekPos); err != nil {
		m.fail(s, "transcode", fmt.Sprintf("transcoder failed: %v", err))
		return 0, false
	}

	streamStart := time.Now()
	first := true
	for chunk := range pl.Output() {
		if err := s.gate.wait(ctx); err != nil {
			return 0, false
		}
		if first {
			first = false
			s.setState(StateStreaming)
			if !isRetry {
				observe.DefaultMetrics().PlaybackStartDuration.Record(ctx, time.Since(attemptStart).Seconds())
				m.sendEvent(wire.Event{Type: wire.EventReady, SessionID: s.id})
			}
		}
		if err := m.emit.WriteAudio(s.id, chunk); err != nil {
			slog.Error("audio write failed, stopping session",
				"session_id", s.id, "err", err)
			m.Stop(s.id)
			observe.DefaultMetrics().RecordEngineError(m.baseCtx, "transport")
			m.sendEvent(wire.Event{Type: wire.EventError, SessionID: s.id,
				Message: "audio transport failed"})
			return 0, false
		}
		s.mu.Lock()
		s.bytesSent += int64(len(chunk))
		s.mu.Unlock()
	}

	if ctx.Err() != nil || s.isStopped() {
		return 0, false
	}
	if err := pl.ExitErr(); err != nil {
		m.fail(s, "transcode", fmt.Sprintf("transcoder exited: %v", err))
		return 0, false
	}

	played := time.Since(streamStart)
	s.mu.Lock()
	expected := s.durationHint
	retries := s.retries
	bytes := s.bytesSent
	s.mu.Unlock()

	if shouldRetry(retries, played, seekPos, expected) {
		return seekPos + played.Seconds(), true
	}

	s.setState(StateIdle)
	observe.DefaultMetrics().RecordBytesStreamed(m.baseCtx, string(s.format), bytes)
	m.sendEvent(wire.Event{Type: wire.EventFinished, SessionID: s.id, Bytes: bytes})
	slog.Info("session finished", "session_id", s.id, "bytes", bytes)
	return 0, false
}

// shouldRetry decides whether a clean transcoder EOF was actually a
// premature ending worth another attempt. Unknown durations never retry.
func shouldRetry(retries int, played time.Duration, seekPos, expected float64) bool {
	return retries < maxRetries &&
		played >= minPlayedForRetry &&
		expected > 0 &&
		seekPos+played.Seconds() < expected-prematureEndGap
}

func (m *Manager) fail(s *Session, stage, msg string) {
	s.setState(StateError)
	observe.DefaultMetrics().RecordEngineError(m.baseCtx, stage)
	m.sendEvent(wire.Event{Type: wire.EventError, SessionID: s.id, Message: msg})
	slog.Warn("session failed", "session_id", s.id, "message", msg)
}

func (m *Manager) sendEvent(ev wire.Event) {
	if err := m.emit.WriteEvent(ev); err != nil {
		slog.Warn("event write failed", "type", ev.Type, "session_id", ev.SessionID, "err", err)
	}
}
