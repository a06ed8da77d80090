package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/MrWong99/melodine/internal/observe"
	"github.com/MrWong99/melodine/internal/queue"
	"github.com/MrWong99/melodine/internal/resolver"
	"github.com/MrWong99/melodine/internal/store"
)

const (
	// transitionDebounce coalesces rapid skip/previous presses into one
	// engine stop/play pair.
	transitionDebounce = 150 * time.Millisecond

	// persistThrottle bounds how often queue mutations hit the store.
	persistThrottle = time.Second

	// idleWaitTimeout caps how long auto-advance waits for the adapter to
	// drain before starting the next track anyway.
	idleWaitTimeout  = 500 * time.Millisecond
	idlePollInterval = 20 * time.Millisecond

	searchLimit  = 5
	sinkCapacity = 64
)

var errSessionClosed = errors.New("orchestrator: session closed")

// ConsumerSession is one consumer's playback state. Every mutation runs on the
// session goroutine via the command channel, so no field needs a lock.
type ConsumerSession struct {
	m          *Manager
	consumerID string
	adapter    Adapter

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the run goroutine.
	q         *queue.Queue
	username  string
	avatar    string
	playing   bool
	paused    bool
	offsetSec float64
	startMono time.Time // zero while paused or stopped

	playRequestSeq         uint64
	activePlayRequestSeq   uint64
	pendingSeq             uint64
	suppressAutoAdvanceFor map[string]struct{}
	advanceOnError         bool

	persistPending bool
}

func newSession(m *Manager, consumerID string, tracks []queue.Track, currentIndex int) (*ConsumerSession, error) {
	adapter, err := m.newAdapter(consumerID)
	if err != nil {
		return nil, err
	}
	s := &ConsumerSession{
		m:                      m,
		consumerID:             consumerID,
		adapter:                adapter,
		cmds:                   make(chan func(), 64),
		done:                   make(chan struct{}),
		q:                      queue.Restore(tracks, currentIndex),
		suppressAutoAdvanceFor: make(map[string]struct{}),
	}
	go s.run()
	return s, nil
}

func (s *ConsumerSession) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// post queues fn on the session goroutine without waiting for it.
func (s *ConsumerSession) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// call runs fn on the session goroutine and waits for completion.
func (s *ConsumerSession) call(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return errSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return errSessionClosed
	}
}

func (s *ConsumerSession) close() {
	s.closeOnce.Do(func() {
		_ = s.call(func() {
			if s.persistPending {
				s.persistNow()
			}
		})
		close(s.done)
		if err := s.adapter.Close(); err != nil {
			slog.Warn("adapter close failed", "consumer_id", s.consumerID, "err", err)
		}
	})
}

// restorePlayback reapplies persisted pause state and position. The session
// does not start playing; the consumer resumes explicitly.
func (s *ConsumerSession) restorePlayback(paused bool, offsetSec float64) {
	s.post(func() {
		s.paused = paused
		s.offsetSec = offsetSec
	})
}

// SetIdentity records the display name and avatar of the consumer owning
// this session. Persisted alongside the queue; empty values keep what is
// already set.
func (s *ConsumerSession) SetIdentity(username, avatar string) {
	if username == "" && avatar == "" {
		return
	}
	s.post(func() {
		if username != "" {
			s.username = username
		}
		if avatar != "" {
			s.avatar = avatar
		}
		s.schedulePersist()
	})
}

// --- public operations -------------------------------------------------

// Play appends a track for urlOrQuery and starts playback when idle. Plain
// text becomes a deferred search token resolved just before playback.
func (s *ConsumerSession) Play(urlOrQuery string) (Snapshot, error) {
	return s.addAndMaybeStart(urlOrQuery)
}

// AddToQueue appends without disturbing active playback, starting only when
// idle.
func (s *ConsumerSession) AddToQueue(urlOrQuery string) (Snapshot, error) {
	return s.addAndMaybeStart(urlOrQuery)
}

func (s *ConsumerSession) addAndMaybeStart(urlOrQuery string) (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		track := s.buildTrack(urlOrQuery)
		i := s.q.Append(track)
		if !s.playing {
			_ = s.q.Select(i)
			s.requestTransition(0)
		}
		s.emitQueueUpdated()
		s.schedulePersist()
		snap = s.snapshot()
	})
	return snap, err
}

// AddPlaylist expands a playlist URL and appends every entry. Playback
// starts at the first appended entry when idle.
func (s *ConsumerSession) AddPlaylist(url string) (Snapshot, error) {
	entries, err := s.m.engine.Playlist(s.m.ctx, url)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	callErr := s.call(func() {
		first := -1
		for _, e := range entries {
			t := queue.Track{
				URL:             e.WebpageURL,
				Title:           e.Title,
				DurationSeconds: e.DurationSeconds,
				Thumbnail:       e.Thumbnail,
				AddedAt:         time.Now(),
			}
			if t.URL == "" {
				t.URL = e.ID
			}
			i := s.q.Append(t)
			if first < 0 {
				first = i
			}
		}
		if !s.playing && first >= 0 {
			_ = s.q.Select(first)
			s.requestTransition(0)
		}
		s.emitQueueUpdated()
		s.schedulePersist()
		snap = s.snapshot()
	})
	return snap, callErr
}

// PlayFromQueue jumps the cursor to index i and transitions.
func (s *ConsumerSession) PlayFromQueue(i int) (Snapshot, error) {
	var snap Snapshot
	var opErr error
	err := s.call(func() {
		if opErr = s.q.Select(i); opErr != nil {
			return
		}
		s.requestTransition(0)
		s.schedulePersist()
		snap = s.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// Skip moves one track forward. At the queue tail it is a no-op.
func (s *ConsumerSession) Skip() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		if _, ok := s.q.Advance(); ok {
			s.requestTransition(0)
			s.schedulePersist()
		}
		snap = s.snapshot()
	})
	return snap, err
}

// Previous moves one track back, clamped at the first track.
func (s *ConsumerSession) Previous() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		if _, ok := s.q.Previous(); ok {
			s.requestTransition(0)
			s.schedulePersist()
		}
		snap = s.snapshot()
	})
	return snap, err
}

// Seek restarts the current track at the given offset.
func (s *ConsumerSession) Seek(seconds float64) (Snapshot, error) {
	var snap Snapshot
	var opErr error
	err := s.call(func() {
		if _, ok := s.q.Current(); !ok {
			opErr = errors.New("orchestrator: nothing to seek")
			return
		}
		if seconds < 0 {
			seconds = 0
		}
		s.requestTransition(seconds)
		snap = s.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// Pause pauses the engine and folds elapsed time into the stored offset.
func (s *ConsumerSession) Pause() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		if s.playing && !s.paused {
			if err := s.m.engine.Pause(s.m.ctx, s.consumerID); err != nil {
				slog.Warn("engine pause failed", "consumer_id", s.consumerID, "err", err)
			}
			if !s.startMono.IsZero() {
				s.offsetSec += time.Since(s.startMono).Seconds()
				s.startMono = time.Time{}
			}
			s.paused = true
			s.emitEvent(EventPaused, nil)
			s.schedulePersist()
		}
		snap = s.snapshot()
	})
	return snap, err
}

// Resume resumes a paused playback, restoring the monotonic anchor.
func (s *ConsumerSession) Resume() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		if s.playing && s.paused {
			if err := s.m.engine.Resume(s.m.ctx, s.consumerID); err != nil {
				slog.Warn("engine resume failed", "consumer_id", s.consumerID, "err", err)
			}
			s.paused = false
			s.startMono = time.Now()
			s.emitEvent(EventResumed, nil)
			s.schedulePersist()
		}
		snap = s.snapshot()
	})
	return snap, err
}

// RemoveFromQueue removes index i; removing the playing track is rejected.
func (s *ConsumerSession) RemoveFromQueue(i int) (Snapshot, error) {
	var snap Snapshot
	var opErr error
	err := s.call(func() {
		if opErr = s.q.Remove(i, s.playing); opErr != nil {
			return
		}
		s.emitQueueUpdated()
		s.schedulePersist()
		snap = s.snapshot()
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, opErr
}

// ClearQueue stops playback and empties the queue.
func (s *ConsumerSession) ClearQueue() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() {
		s.stopPlayback()
		s.q.Clear()
		s.offsetSec = 0
		s.emitEvent(EventStopped, nil)
		s.emitQueueUpdated()
		s.schedulePersist()
		snap = s.snapshot()
	})
	return snap, err
}

// ResetSession clears the queue and deletes the persisted record.
func (s *ConsumerSession) ResetSession() error {
	return s.call(func() {
		s.stopPlayback()
		s.q.Clear()
		s.offsetSec = 0
		s.persistPending = false
		if err := s.m.store.Delete(s.m.ctx, s.consumerID); err != nil {
			slog.Warn("persisted session delete failed", "consumer_id", s.consumerID, "err", err)
		}
		s.emitEvent(EventSessionReset, nil)
		s.emitQueueUpdated()
	})
}

// Snapshot returns the observable session state.
func (s *ConsumerSession) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.call(func() { snap = s.snapshot() })
	return snap, err
}

// --- transition serializer ---------------------------------------------

// requestTransition schedules a debounced playback transition for the
// current cursor position. A newer request supersedes a pending one.
func (s *ConsumerSession) requestTransition(startAtSec float64) {
	s.playRequestSeq++
	seq := s.playRequestSeq
	s.activePlayRequestSeq = seq
	s.pendingSeq = seq

	time.AfterFunc(transitionDebounce, func() {
		s.post(func() { s.executeTransition(seq, startAtSec) })
	})
}

// executeTransition fires only when seq is still both the active and the
// pending sequence; anything newer has already superseded it.
func (s *ConsumerSession) executeTransition(seq uint64, startAtSec float64) {
	if seq != s.activePlayRequestSeq || seq != s.pendingSeq {
		slog.Debug("transition superseded",
			"consumer_id", s.consumerID, "seq", seq, "active", s.activePlayRequestSeq)
		observe.DefaultMetrics().TransitionsCoalesced.Add(s.m.ctx, 1)
		return
	}
	s.pendingSeq = 0

	track, ok := s.q.Current()
	if !ok {
		return
	}
	s.advanceOnError = false
	s.playTrack(track, startAtSec)
}

// playTrack resolves deferred tracks, then swaps the engine over to the new
// URL: suppress the old session's finished event, stop, reset local state,
// play.
func (s *ConsumerSession) playTrack(track queue.Track, startAtSec float64) {
	source := "url"
	if track.NeedsResolution() {
		source = "search"
		resolved, err := s.resolveTrack(track)
		if err != nil {
			slog.Warn("track resolution failed, skipping",
				"consumer_id", s.consumerID, "query", track.SearchQuery(), "err", err)
			s.emitEvent(EventError, nil, "resolution failed: "+err.Error())
			s.autoSkip()
			return
		}
		track = resolved
		_ = s.q.UpdateTrack(s.q.CurrentIndex(), track)
		s.emitQueueUpdated()
	}

	s.suppressAutoAdvanceFor[s.consumerID] = struct{}{}
	if err := s.m.engine.Stop(s.m.ctx, s.consumerID); err != nil {
		slog.Warn("engine stop failed", "consumer_id", s.consumerID, "err", err)
	}

	s.setPlaying(true)
	s.paused = false
	s.offsetSec = startAtSec
	s.startMono = time.Time{}

	err := s.m.engine.Play(s.m.ctx, s.consumerID, track.URL, s.m.format, startAtSec, track.DurationSeconds)
	if err != nil {
		slog.Warn("engine play failed", "consumer_id", s.consumerID, "err", err)
		s.emitEvent(EventError, nil, "play failed: "+err.Error())
		s.autoSkip()
		return
	}
	s.emitEvent(EventNowPlaying, &track)
	s.m.emit(Event{
		Type:         EventSession,
		ConsumerID:   s.consumerID,
		SessionID:    s.consumerID,
		CurrentIndex: s.q.CurrentIndex(),
	})
	observe.DefaultMetrics().RecordTrackPlayed(s.m.ctx, source)
	s.schedulePersist()
}

// resolveTrack turns a search token into a concrete track via the engine's
// search endpoint and the candidate scorer.
func (s *ConsumerSession) resolveTrack(track queue.Track) (queue.Track, error) {
	started := time.Now()
	candidates, err := s.m.engine.Search(s.m.ctx, track.SearchQuery(), searchLimit)
	if err != nil {
		return queue.Track{}, err
	}
	observe.DefaultMetrics().ResolveDuration.Record(s.m.ctx, time.Since(started).Seconds())
	best, err := resolver.Pick(track.SearchQuery(), track.DurationSeconds, candidates)
	if err != nil {
		return queue.Track{}, err
	}
	track.URL = best.WebpageURL
	if track.URL == "" {
		track.URL = best.ID
	}
	track.Title = best.Title
	track.DurationSeconds = best.DurationSeconds
	track.Thumbnail = best.Thumbnail
	return track, nil
}

// autoSkip advances past a failed track, stopping cleanly at the queue end.
func (s *ConsumerSession) autoSkip() {
	next, ok := s.q.Advance()
	if !ok {
		s.stopPlayback()
		s.q.ResetCursor()
		s.emitEvent(EventQueueFinished, nil)
		s.schedulePersist()
		return
	}
	s.advanceOnError = true
	s.playTrack(next, 0)
}

// stopPlayback tears down the active engine session and sink.
func (s *ConsumerSession) stopPlayback() {
	if s.playing {
		s.suppressAutoAdvanceFor[s.consumerID] = struct{}{}
		if err := s.m.engine.Stop(s.m.ctx, s.consumerID); err != nil {
			slog.Warn("engine stop failed", "consumer_id", s.consumerID, "err", err)
		}
	}
	s.m.sinks.Unregister(s.consumerID)
	s.setPlaying(false)
	s.paused = false
	s.startMono = time.Time{}
}

// setPlaying flips the playing flag, keeping the active-consumer gauge in
// step with its transitions.
func (s *ConsumerSession) setPlaying(v bool) {
	if s.playing == v {
		return
	}
	s.playing = v
	delta := int64(1)
	if !v {
		delta = -1
	}
	observe.DefaultMetrics().ActiveConsumers.Add(s.m.ctx, delta)
}

// --- engine event handlers ----------------------------------------------

// onReady wires a fresh sink into the adapter and starts the playback
// clock. Arriving ready also clears any leftover suppression: the stream it
// was guarding is gone.
func (s *ConsumerSession) onReady() {
	sink := s.m.sinks.Register(s.consumerID, sinkCapacity)
	s.adapter.Attach(sink)
	delete(s.suppressAutoAdvanceFor, s.consumerID)
	s.advanceOnError = false
	s.setPlaying(true)
	if !s.paused {
		s.startMono = time.Now()
	}
	s.m.emit(Event{
		Type:         EventReady,
		ConsumerID:   s.consumerID,
		SessionID:    s.consumerID,
		CurrentIndex: s.q.CurrentIndex(),
	})
}

// onFinished advances the queue unless a deliberate transition suppressed
// this event or is still pending in the debounce window. Before starting the
// next track it gives the adapter a bounded window to drain so track tails
// are not chopped.
func (s *ConsumerSession) onFinished(bytes int64) {
	if _, ok := s.suppressAutoAdvanceFor[s.consumerID]; ok {
		delete(s.suppressAutoAdvanceFor, s.consumerID)
		slog.Debug("stale finished suppressed", "consumer_id", s.consumerID)
		return
	}

	// A pending debounced transition means the consumer already chose the
	// next track; the cursor has moved and the transition will issue its own
	// stop/play pair. The natural finished of the outgoing track is dropped,
	// never advanced on.
	if s.pendingSeq != 0 {
		slog.Debug("finished raced a pending transition, dropped",
			"consumer_id", s.consumerID, "pending_seq", s.pendingSeq)
		return
	}

	if track, ok := s.q.Current(); ok {
		s.m.emit(Event{
			Type:         EventFinished,
			ConsumerID:   s.consumerID,
			Track:        &track,
			CurrentIndex: s.q.CurrentIndex(),
			Bytes:        bytes,
		})
	}
	s.waitAdapterIdle()

	// Move the sequence forward so any debounce callback still in flight
	// from an already-executed request finds itself superseded.
	s.playRequestSeq++
	s.activePlayRequestSeq = s.playRequestSeq
	s.pendingSeq = 0

	next, ok := s.q.Advance()
	if !ok {
		s.stopPlayback()
		s.q.ResetCursor()
		s.offsetSec = 0
		s.emitEvent(EventQueueFinished, nil)
		s.schedulePersist()
		return
	}
	s.advanceOnError = true
	s.offsetSec = 0
	s.playTrack(next, 0)
	s.schedulePersist()
}

func (s *ConsumerSession) onEngineError(msg string) {
	if _, ok := s.suppressAutoAdvanceFor[s.consumerID]; ok {
		delete(s.suppressAutoAdvanceFor, s.consumerID)
	}
	s.emitEvent(EventError, nil, msg)
	if s.advanceOnError {
		s.autoSkip()
		return
	}
	s.m.sinks.Unregister(s.consumerID)
	s.setPlaying(false)
	s.paused = false
	s.startMono = time.Time{}
}

func (s *ConsumerSession) waitAdapterIdle() {
	deadline := time.Now().Add(idleWaitTimeout)
	for time.Now().Before(deadline) {
		if s.adapter.Idle() {
			return
		}
		time.Sleep(idlePollInterval)
	}
}

// --- helpers ------------------------------------------------------------

// buildTrack makes a track from a URL (probing metadata best-effort) or a
// plain query (deferred search token).
func (s *ConsumerSession) buildTrack(urlOrQuery string) queue.Track {
	if !strings.Contains(urlOrQuery, "://") {
		return queue.Track{
			URL:     queue.SearchPrefix + urlOrQuery,
			Title:   urlOrQuery,
			AddedAt: time.Now(),
		}
	}
	track := queue.Track{URL: urlOrQuery, Title: urlOrQuery, AddedAt: time.Now()}
	ctx, cancel := context.WithTimeout(s.m.ctx, 10*time.Second)
	defer cancel()
	if meta, err := s.m.engine.Metadata(ctx, urlOrQuery); err == nil {
		track.Title = meta.Title
		track.DurationSeconds = meta.DurationSeconds
		track.Thumbnail = meta.Thumbnail
	}
	return track
}

// positionSec derives playback time: stored offset plus, while running, the
// time since the monotonic anchor.
func (s *ConsumerSession) positionSec() float64 {
	if s.startMono.IsZero() {
		return s.offsetSec
	}
	return s.offsetSec + time.Since(s.startMono).Seconds()
}

func (s *ConsumerSession) snapshot() Snapshot {
	return Snapshot{
		ConsumerID:   s.consumerID,
		Queue:        s.q.Tracks(),
		CurrentIndex: s.q.CurrentIndex(),
		Playing:      s.playing,
		Paused:       s.paused,
		PositionSec:  s.positionSec(),
	}
}

func (s *ConsumerSession) emitQueueUpdated() {
	s.m.emit(Event{
		Type:         EventQueueUpdated,
		ConsumerID:   s.consumerID,
		Queue:        s.q.Tracks(),
		CurrentIndex: s.q.CurrentIndex(),
	})
}

func (s *ConsumerSession) emitEvent(typ string, track *queue.Track, msg ...string) {
	ev := Event{
		Type:         typ,
		ConsumerID:   s.consumerID,
		Track:        track,
		CurrentIndex: s.q.CurrentIndex(),
	}
	if len(msg) > 0 {
		ev.Message = msg[0]
	}
	s.m.emit(ev)
}

// schedulePersist coalesces store writes behind a short throttle.
func (s *ConsumerSession) schedulePersist() {
	if s.persistPending {
		return
	}
	s.persistPending = true
	time.AfterFunc(persistThrottle, func() {
		s.post(s.persistNow)
	})
}

func (s *ConsumerSession) persistNow() {
	if !s.persistPending {
		return
	}
	s.persistPending = false
	rec := store.Record{
		ConsumerID:        s.consumerID,
		Username:          s.username,
		Avatar:            s.avatar,
		Tracks:            s.q.Tracks(),
		CurrentIndex:      s.q.CurrentIndex(),
		IsPaused:          s.paused,
		PlaybackOffsetSec: s.positionSec(),
	}
	if err := s.m.store.Save(s.m.ctx, rec); err != nil {
		slog.Warn("session persist failed", "consumer_id", s.consumerID, "err", err)
	}
}
