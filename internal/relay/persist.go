package relay

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/nightjar-net/nightjar/pkg/meshnet"
)

// maxReplayUpdates caps the per-room log. Beyond this a late joiner is
// better served by a live state-vector exchange than by replay.
const maxReplayUpdates = 4096

// Store is the host-mode persistence sink: an append-only log of sync
// payloads per room, replayed to late joiners. Payloads are opaque and
// zstd-compressed at rest; the store never interprets CRDT contents.
type Store struct {
	db      *sql.DB
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	metrics *meshnet.Metrics
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS sync_updates (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id    TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_updates_room ON sync_updates(room_id, id);
`

// OpenStore opens (or creates) the update log at path.
func OpenStore(path string, metrics *meshnet.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open update store: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids
	// SQLITE_BUSY churn under fan-in.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}

	return &Store{db: db, enc: enc, dec: dec, metrics: metrics}, nil
}

// AppendUpdate logs one sync payload for a room.
func (s *Store) AppendUpdate(roomID string, payload []byte) error {
	compressed := s.enc.EncodeAll(payload, nil)
	_, err := s.db.Exec(
		`INSERT INTO sync_updates (room_id, payload, created_at) VALUES (?, ?, ?)`,
		roomID, compressed, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append update for room %q: %w", roomID, err)
	}
	if s.metrics != nil {
		s.metrics.PersistOpsTotal.WithLabelValues("append").Inc()
	}
	return nil
}

// ReplayUpdates streams a room's stored payloads, oldest first. The
// callback returning an error stops the replay.
func (s *Store) ReplayUpdates(roomID string, fn func(payload []byte) error) error {
	rows, err := s.db.Query(
		`SELECT payload FROM sync_updates WHERE room_id = ? ORDER BY id`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("replay room %q: %w", roomID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var compressed []byte
		if err := rows.Scan(&compressed); err != nil {
			return err
		}
		payload, err := s.dec.DecodeAll(compressed, nil)
		if err != nil {
			return fmt.Errorf("decompress stored update: %w", err)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.PersistOpsTotal.WithLabelValues("replay").Inc()
	}
	return rows.Err()
}

// DeleteRoom drops a room's entire log. Runs when the registry deletes
// the room itself, so a recreated room never inherits stale history.
func (s *Store) DeleteRoom(roomID string) error {
	_, err := s.db.Exec(`DELETE FROM sync_updates WHERE room_id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("delete log for room %q: %w", roomID, err)
	}
	if s.metrics != nil {
		s.metrics.PersistOpsTotal.WithLabelValues("delete").Inc()
	}
	return nil
}

// TrimRoom keeps only the newest keep entries for a room. Runs after
// every append so the log stays bounded.
func (s *Store) TrimRoom(roomID string, keep int) error {
	_, err := s.db.Exec(
		`DELETE FROM sync_updates WHERE room_id = ? AND id NOT IN (
			SELECT id FROM sync_updates WHERE room_id = ? ORDER BY id DESC LIMIT ?
		)`,
		roomID, roomID, keep,
	)
	if err != nil {
		return fmt.Errorf("trim room %q: %w", roomID, err)
	}
	if s.metrics != nil {
		s.metrics.PersistOpsTotal.WithLabelValues("trim").Inc()
	}
	return nil
}

// Close releases the database and codecs.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
