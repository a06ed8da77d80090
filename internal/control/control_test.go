package control_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/melodine/internal/control"
	"github.com/MrWong99/melodine/internal/engine"
	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/transcode"
)

// fakeEngine records control-plane calls.
type fakeEngine struct {
	mu       sync.Mutex
	plays    []string
	stops    []string
	pauseErr error
	status   engine.Status
}

func (f *fakeEngine) Play(sessionID, url string, format transcode.Format, startAtSec, durationHint float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays = append(f.plays, sessionID+" "+url+" "+string(format))
	return nil
}

func (f *fakeEngine) Stop(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID)
}

func (f *fakeEngine) Pause(sessionID string) error  { return f.pauseErr }
func (f *fakeEngine) Resume(sessionID string) error { return f.pauseErr }
func (f *fakeEngine) Status(sessionID string) (engine.Status, error) {
	if f.status.ID == "" {
		return engine.Status{}, engine.ErrSessionNotFound
	}
	return f.status, nil
}
func (f *fakeEngine) ActiveSessions() int { return len(f.plays) - len(f.stops) }

type fakeCatalog struct {
	meta    *extract.Metadata
	entries []extract.Metadata
	err     error
}

func (f *fakeCatalog) Probe(ctx context.Context, url string) (*extract.Metadata, error) {
	return f.meta, f.err
}

func (f *fakeCatalog) Playlist(ctx context.Context, url string) ([]extract.Metadata, error) {
	return f.entries, f.err
}

func (f *fakeCatalog) Search(ctx context.Context, query string, limit int) ([]extract.Metadata, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], f.err
	}
	return f.entries, f.err
}

func newTestPair(t *testing.T, eng *fakeEngine, cat *fakeCatalog) *control.Client {
	t.Helper()
	srv := httptest.NewServer(control.NewServer(eng, cat, nil))
	t.Cleanup(srv.Close)
	return control.NewClient(srv.URL)
}

func TestPlayRoundTrip(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	client := newTestPair(t, eng, &fakeCatalog{})

	err := client.Play(context.Background(), "guild-1", "http://watch", transcode.FormatOpus, 30, 240)
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.plays) != 1 || eng.plays[0] != "guild-1 http://watch opus" {
		t.Errorf("plays = %v", eng.plays)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{status: engine.Status{ID: "guild-1", State: "streaming", BytesSent: 4096}}
	client := newTestPair(t, eng, &fakeCatalog{})

	st, err := client.Status(context.Background(), "guild-1")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.State != "streaming" || st.BytesSent != 4096 {
		t.Errorf("status = %+v", st)
	}
}

func TestDomainErrorIsHTTP200(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{pauseErr: engine.ErrSessionNotFound}
	client := newTestPair(t, eng, &fakeCatalog{})

	err := client.Pause(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected domain error, got nil")
	}
	var de *control.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *DomainError", err)
	}
}

func TestStatusUnknownSessionIsDomainError(t *testing.T) {
	t.Parallel()

	client := newTestPair(t, &fakeEngine{}, &fakeCatalog{})

	_, err := client.Status(context.Background(), "missing")
	var de *control.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DomainError", err)
	}
}

func TestMetadataAndSearch(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{
		meta: &extract.Metadata{Title: "A Song", DurationSeconds: 245},
		entries: []extract.Metadata{
			{Title: "One"}, {Title: "Two"}, {Title: "Three"},
		},
	}
	client := newTestPair(t, &fakeEngine{}, cat)

	meta, err := client.Metadata(context.Background(), "http://watch")
	if err != nil {
		t.Fatalf("Metadata() error: %v", err)
	}
	if meta.Title != "A Song" {
		t.Errorf("meta = %+v", meta)
	}

	results, err := client.Search(context.Background(), "a song", 2)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want limit-capped 2", len(results))
	}

	entries, err := client.Playlist(context.Background(), "http://playlist")
	if err != nil {
		t.Fatalf("Playlist() error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("playlist entries = %d, want 3", len(entries))
	}
}

func TestCatalogFailureIsDomainError(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{err: errors.New("video unavailable")}
	client := newTestPair(t, &fakeEngine{}, cat)

	_, err := client.Metadata(context.Background(), "http://watch")
	var de *control.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DomainError", err)
	}
	if de.Message != "video unavailable" {
		t.Errorf("message = %q", de.Message)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	client := newTestPair(t, &fakeEngine{}, &fakeCatalog{})
	if err := client.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy() error: %v", err)
	}
}
