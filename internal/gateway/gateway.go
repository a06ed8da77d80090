// Package gateway exposes the orchestrator to interactive clients over a
// websocket: JSON actions in, JSON events out, and, for browser audio,
// binary container frames on the same connection.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/melodine/internal/observe"
	"github.com/MrWong99/melodine/internal/orchestrator"
)

// progressInterval throttles progress pushes to 4 Hz.
const progressInterval = 250 * time.Millisecond

// Action is one client request.
type Action struct {
	Action  string  `json:"action"`
	URL     string  `json:"url,omitempty"`
	Query   string  `json:"query,omitempty"`
	Index   int     `json:"index,omitempty"`
	Seconds float64 `json:"seconds,omitempty"`
}

// outMsg pairs a websocket frame type with its payload so one writer
// goroutine can serialize JSON events and binary audio.
type outMsg struct {
	typ  websocket.MessageType
	data []byte
}

// client is one websocket connection bound to a consumer session. id is a
// per-connection identifier used in logs; one consumer may hold several.
type client struct {
	id         string
	consumerID string
	conn       *websocket.Conn
	out        chan outMsg
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *client) send(typ websocket.MessageType, data []byte) {
	select {
	case c.out <- outMsg{typ, data}:
	case <-c.done:
	default:
		// A client that cannot keep up loses messages, not the server.
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server accepts websocket clients and routes their actions to the
// orchestrator. It also fans orchestrator events back out to every
// connection of the affected consumer.
type Server struct {
	orch      *orchestrator.Manager
	allowed   map[string]struct{} // empty means allow all
	pauseGone bool                // pause playback when the last client disconnects

	mu    sync.Mutex
	conns map[string]map[*client]struct{}
}

// Option configures a [Server].
type Option func(*Server)

// WithAllowedIDs restricts connections to the listed consumer ids.
func WithAllowedIDs(ids []string) Option {
	return func(s *Server) {
		if len(ids) == 0 {
			return
		}
		s.allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			s.allowed[id] = struct{}{}
		}
	}
}

// WithPauseOnDisconnect pauses a consumer's playback when its last client
// disconnects, used in browser-audio mode where a closed tab should not
// keep streaming.
func WithPauseOnDisconnect() Option {
	return func(s *Server) { s.pauseGone = true }
}

// NewServer creates a gateway server in front of orch. Wire its Broadcast
// method into the orchestrator via orchestrator.WithEventSink.
func NewServer(orch *orchestrator.Manager, opts ...Option) *Server {
	s := &Server{
		orch:  orch,
		conns: make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broadcast delivers an orchestrator event to every connection of the
// event's consumer. Safe to call from any goroutine; it never blocks.
func (s *Server) Broadcast(ev orchestrator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("gateway: marshal event failed", "type", ev.Type, "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns[ev.ConsumerID] {
		c.send(websocket.MessageText, data)
	}
}

// BroadcastAudio delivers a binary audio frame to every connection of the
// consumer. Used by the browser-audio adapter.
func (s *Server) BroadcastAudio(consumerID string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns[consumerID] {
		c.send(websocket.MessageBinary, frame)
	}
}

// HasClients reports whether any connection exists for the consumer.
func (s *Server) HasClients(consumerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[consumerID]) > 0
}

// ServeHTTP upgrades the connection. The consumer id comes from the
// consumer_id query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	consumerID := r.URL.Query().Get("consumer_id")
	if consumerID == "" {
		http.Error(w, "consumer_id is required", http.StatusBadRequest)
		return
	}
	if s.allowed != nil {
		if _, ok := s.allowed[consumerID]; !ok {
			slog.Warn("gateway: rejected consumer", "consumer_id", consumerID)
			http.Error(w, "consumer not allowed", http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-host UI; no cross-origin credentials involved
	})
	if err != nil {
		slog.Warn("gateway: accept failed", "err", err)
		return
	}

	c := &client{
		id:         uuid.NewString(),
		consumerID: consumerID,
		conn:       conn,
		out:        make(chan outMsg, 256),
		done:       make(chan struct{}),
	}
	s.register(c)
	defer s.unregister(c)

	sess, err := s.orch.Session(consumerID)
	if err != nil {
		slog.Error("gateway: session create failed", "consumer_id", consumerID, "err", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	if u := r.URL.Query().Get("username"); u != "" {
		sess.SetIdentity(u, r.URL.Query().Get("avatar"))
	}

	// Initial full state so the client can render without a round trip.
	if snap, err := sess.Snapshot(); err == nil {
		s.sendState(c, snap)
	}

	ctx := r.Context()
	go c.writeLoop(ctx)
	go s.progressLoop(c, sess)
	s.readLoop(ctx, c, sess)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[c.consumerID]
	if !ok {
		set = make(map[*client]struct{})
		s.conns[c.consumerID] = set
	}
	set[c] = struct{}{}
	observe.DefaultMetrics().ConnectedClients.Add(context.Background(), 1)
	slog.Info("gateway: client connected",
		"client_id", c.id, "consumer_id", c.consumerID, "clients", len(set))
}

func (s *Server) unregister(c *client) {
	c.close()

	s.mu.Lock()
	set := s.conns[c.consumerID]
	delete(set, c)
	last := len(set) == 0
	if last {
		delete(s.conns, c.consumerID)
	}
	s.mu.Unlock()

	observe.DefaultMetrics().ConnectedClients.Add(context.Background(), -1)
	slog.Info("gateway: client disconnected",
		"client_id", c.id, "consumer_id", c.consumerID, "last", last)
	if last && s.pauseGone {
		if sess, err := s.orch.Session(c.consumerID); err == nil {
			if _, err := sess.Pause(); err != nil {
				slog.Warn("gateway: pause on disconnect failed",
					"consumer_id", c.consumerID, "err", err)
			}
		}
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-c.out:
			if err := c.conn.Write(ctx, msg.typ, msg.data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// progressLoop pushes the derived playback position at 4 Hz while the
// session is playing.
func (s *Server) progressLoop(c *client, sess *orchestrator.ConsumerSession) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, err := sess.Snapshot()
			if err != nil {
				return
			}
			if !snap.Playing || snap.Paused {
				continue
			}
			data, _ := json.Marshal(map[string]any{
				"type":          "progress",
				"playback_secs": snap.PositionSec,
			})
			c.send(websocket.MessageText, data)
		case <-c.done:
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *client, sess *orchestrator.ConsumerSession) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.close()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var act Action
		if err := json.Unmarshal(data, &act); err != nil {
			s.sendError(c, "invalid action: "+err.Error())
			continue
		}
		s.dispatch(ctx, c, sess, act)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, sess *orchestrator.ConsumerSession, act Action) {
	var (
		snap orchestrator.Snapshot
		err  error
	)
	switch act.Action {
	case "play":
		snap, err = sess.Play(firstNonEmpty(act.URL, act.Query))
	case "addToQueue":
		snap, err = sess.AddToQueue(firstNonEmpty(act.URL, act.Query))
	case "addPlaylist":
		snap, err = sess.AddPlaylist(act.URL)
	case "playFromQueue":
		snap, err = sess.PlayFromQueue(act.Index)
	case "skip":
		snap, err = sess.Skip()
	case "previous":
		snap, err = sess.Previous()
	case "seek", "resumeFrom":
		snap, err = sess.Seek(act.Seconds)
	case "pause":
		snap, err = sess.Pause()
	case "resume":
		snap, err = sess.Resume()
	case "removeFromQueue":
		snap, err = sess.RemoveFromQueue(act.Index)
	case "clearQueue":
		snap, err = sess.ClearQueue()
	case "resetSession":
		if err = sess.ResetSession(); err == nil {
			snap, err = sess.Snapshot()
		}
	case "status":
		snap, err = sess.Snapshot()
	case "search":
		s.handleSearch(ctx, c, act.Query)
		return
	default:
		s.sendError(c, "unknown action "+act.Action)
		return
	}

	if err != nil {
		s.sendError(c, err.Error())
		return
	}
	s.sendState(c, snap)
}

func (s *Server) handleSearch(ctx context.Context, c *client, query string) {
	if query == "" {
		s.sendError(c, "query is required")
		return
	}
	results, err := s.orch.Search(ctx, query, 5)
	if err != nil {
		s.sendError(c, err.Error())
		return
	}
	data, _ := json.Marshal(map[string]any{
		"type":    "searchResults",
		"results": results,
	})
	c.send(websocket.MessageText, data)
}

func (s *Server) sendState(c *client, snap orchestrator.Snapshot) {
	data, err := json.Marshal(map[string]any{
		"type":  "state",
		"state": snap,
	})
	if err != nil {
		return
	}
	c.send(websocket.MessageText, data)
}

func (s *Server) sendError(c *client, msg string) {
	data, _ := json.Marshal(map[string]any{
		"type":    "error",
		"message": msg,
	})
	c.send(websocket.MessageText, data)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
