package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/orchestrator"
	"github.com/MrWong99/melodine/internal/store"
	"github.com/MrWong99/melodine/internal/transcode"
	"github.com/MrWong99/melodine/internal/wire"
)

type fakeEngine struct{}

func (f *fakeEngine) Play(context.Context, string, string, transcode.Format, float64, float64) error {
	return nil
}
func (f *fakeEngine) Stop(context.Context, string) error   { return nil }
func (f *fakeEngine) Pause(context.Context, string) error  { return nil }
func (f *fakeEngine) Resume(context.Context, string) error { return nil }
func (f *fakeEngine) Metadata(context.Context, string) (*extract.Metadata, error) {
	return &extract.Metadata{Title: "probed"}, nil
}
func (f *fakeEngine) Playlist(context.Context, string) ([]extract.Metadata, error) {
	return nil, nil
}
func (f *fakeEngine) Search(_ context.Context, query string, _ int) ([]extract.Metadata, error) {
	return []extract.Metadata{
		{Title: query + " result one", WebpageURL: "https://example.com/1"},
		{Title: query + " result two", WebpageURL: "https://example.com/2"},
	}, nil
}

type memStore struct{}

func (m *memStore) Save(context.Context, store.Record) error     { return nil }
func (m *memStore) Delete(context.Context, string) error         { return nil }
func (m *memStore) LoadAll(context.Context) ([]store.Record, error) { return nil, nil }

type nopAdapter struct{}

func (nopAdapter) Attach(*wire.Sink) {}
func (nopAdapter) Idle() bool        { return true }
func (nopAdapter) Close() error      { return nil }

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	orch := orchestrator.NewManager(context.Background(), &fakeEngine{}, &memStore{},
		transcode.FormatWebOpus,
		func(string) (orchestrator.Adapter, error) { return nopAdapter{}, nil })
	t.Cleanup(orch.Shutdown)

	s := NewServer(orch, opts...)
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, consumerID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?consumer_id=" + consumerID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readText reads text frames until one whose "type" matches want, skipping
// progress noise, and decodes it into a generic map.
func readText(t *testing.T, conn *websocket.Conn, want string) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
		var got string
		json.Unmarshal(msg["type"], &got)
		if got == want {
			return msg
		}
	}
}

func sendAction(t *testing.T, conn *websocket.Conn, act Action) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(act)
	if err != nil {
		t.Fatalf("marshal action: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write action: %v", err)
	}
}

func TestConnectSendsInitialState(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	conn := dial(t, srv, "alice")

	msg := readText(t, conn, "state")
	var snap orchestrator.Snapshot
	if err := json.Unmarshal(msg["state"], &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.ConsumerID != "alice" {
		t.Errorf("consumer id = %q, want alice", snap.ConsumerID)
	}
	if snap.Playing {
		t.Error("fresh session should not be playing")
	}
}

func TestMissingConsumerIDRejected(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestAllowedIDsEnforced(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t, WithAllowedIDs([]string{"alice"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?consumer_id=mallory"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "unexpected")
		t.Fatal("expected handshake failure for disallowed consumer")
	}

	conn2 := dial(t, srv, "alice")
	readText(t, conn2, "state")
}

func TestStatusAction(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	conn := dial(t, srv, "bob")
	readText(t, conn, "state")

	sendAction(t, conn, Action{Action: "status"})
	msg := readText(t, conn, "state")
	var snap orchestrator.Snapshot
	if err := json.Unmarshal(msg["state"], &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.ConsumerID != "bob" {
		t.Errorf("consumer id = %q, want bob", snap.ConsumerID)
	}
}

func TestUnknownActionReturnsError(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	conn := dial(t, srv, "carol")
	readText(t, conn, "state")

	sendAction(t, conn, Action{Action: "explode"})
	msg := readText(t, conn, "error")
	var errMsg string
	json.Unmarshal(msg["message"], &errMsg)
	if !strings.Contains(errMsg, "explode") {
		t.Errorf("error message %q should name the action", errMsg)
	}
}

func TestSearchAction(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	conn := dial(t, srv, "dave")
	readText(t, conn, "state")

	sendAction(t, conn, Action{Action: "search", Query: "never gonna"})
	msg := readText(t, conn, "searchResults")
	var results []extract.Metadata
	if err := json.Unmarshal(msg["results"], &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !strings.HasPrefix(results[0].Title, "never gonna") {
		t.Errorf("first result title = %q", results[0].Title)
	}
}

func TestBroadcastReachesConsumerClients(t *testing.T) {
	t.Parallel()
	s, srv := newTestServer(t)
	conn := dial(t, srv, "erin")
	readText(t, conn, "state")

	other := dial(t, srv, "frank")
	readText(t, other, "state")

	s.Broadcast(orchestrator.Event{Type: orchestrator.EventPaused, ConsumerID: "erin"})
	msg := readText(t, conn, orchestrator.EventPaused)
	var cid string
	json.Unmarshal(msg["consumer_id"], &cid)
	if cid != "erin" {
		t.Errorf("consumer_id = %q, want erin", cid)
	}

	// The other consumer's client must not see erin's event; a follow-up
	// broadcast for frank should be its next non-position message.
	s.Broadcast(orchestrator.Event{Type: orchestrator.EventResumed, ConsumerID: "frank"})
	got := readText(t, other, orchestrator.EventResumed)
	json.Unmarshal(got["consumer_id"], &cid)
	if cid != "frank" {
		t.Errorf("consumer_id = %q, want frank", cid)
	}
}

func TestWebAdapterPumpsBinaryFrames(t *testing.T) {
	t.Parallel()
	s, srv := newTestServer(t)
	conn := dial(t, srv, "grace")
	readText(t, conn, "state")

	sinks := wire.NewSinks()
	sink := sinks.Register("grace", 4)
	adapter := NewWebAdapter(s, "grace")
	adapter.Attach(sink)

	go sinks.Offer("grace", []byte{0x4f, 0x67, 0x67, 0x53})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if string(data) != "OggS" {
			t.Errorf("frame = %q, want OggS", data)
		}
		break
	}

	deadline := time.Now().Add(2 * time.Second)
	for !adapter.Idle() {
		if time.Now().After(deadline) {
			t.Fatal("adapter never drained")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sinks.Unregister("grace")
	if err := adapter.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !adapter.Idle() {
		t.Error("closed adapter should report idle")
	}
}
