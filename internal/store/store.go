// Package store persists consumer session state (queue, cursor, playback
// position) in a local SQLite database under the data directory, so a
// restart restores every consumer's queue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/melodine/internal/queue"
)

// ErrNotFound is returned when no record exists for a consumer.
var ErrNotFound = errors.New("store: record not found")

// Record is the persisted state of one consumer session.
type Record struct {
	ConsumerID        string
	Username          string
	Avatar            string
	Tracks            []queue.Track
	CurrentIndex      int
	IsPaused          bool
	PlaybackOffsetSec float64
	UpdatedAt         time.Time
}

// Store is a SQLite-backed session store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS consumer_sessions (
	consumer_id         TEXT PRIMARY KEY,
	username            TEXT NOT NULL DEFAULT '',
	avatar              TEXT NOT NULL DEFAULT '',
	queue_json          TEXT NOT NULL,
	current_index       INTEGER NOT NULL,
	is_paused           INTEGER NOT NULL,
	playback_offset_sec REAL NOT NULL,
	updated_at          TEXT NOT NULL
);`

// Open creates or opens the session database inside dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		filepath.Join(dataDir, "sessions.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts a consumer's record.
func (s *Store) Save(ctx context.Context, rec Record) error {
	tracks, err := json.Marshal(rec.Tracks)
	if err != nil {
		return fmt.Errorf("store: marshal queue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consumer_sessions (consumer_id, username, avatar, queue_json, current_index, is_paused, playback_offset_sec, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(consumer_id) DO UPDATE SET
			username = excluded.username,
			avatar = excluded.avatar,
			queue_json = excluded.queue_json,
			current_index = excluded.current_index,
			is_paused = excluded.is_paused,
			playback_offset_sec = excluded.playback_offset_sec,
			updated_at = excluded.updated_at`,
		rec.ConsumerID, rec.Username, rec.Avatar, string(tracks), rec.CurrentIndex,
		boolToInt(rec.IsPaused), rec.PlaybackOffsetSec, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: save %q: %w", rec.ConsumerID, err)
	}
	return nil
}

// Load fetches one consumer's record.
func (s *Store) Load(ctx context.Context, consumerID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT consumer_id, username, avatar, queue_json, current_index, is_paused, playback_offset_sec, updated_at
		FROM consumer_sessions WHERE consumer_id = ?`, consumerID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: load %q: %w", consumerID, err)
	}
	return rec, nil
}

// LoadAll returns every persisted record, used to restore queues at startup.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT consumer_id, username, avatar, queue_json, current_index, is_paused, playback_offset_sec, updated_at
		FROM consumer_sessions`)
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: load all: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	return recs, nil
}

// Delete removes a consumer's record. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, consumerID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM consumer_sessions WHERE consumer_id = ?`, consumerID); err != nil {
		return fmt.Errorf("store: delete %q: %w", consumerID, err)
	}
	return nil
}

// Ping checks database availability, used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		tracks    string
		paused    int
		updatedAt string
	)
	if err := row.Scan(&rec.ConsumerID, &rec.Username, &rec.Avatar, &tracks,
		&rec.CurrentIndex, &paused, &rec.PlaybackOffsetSec, &updatedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(tracks), &rec.Tracks); err != nil {
		return Record{}, fmt.Errorf("decode queue: %w", err)
	}
	rec.IsPaused = paused != 0
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
