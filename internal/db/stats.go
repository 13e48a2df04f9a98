package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courier-project/courier/internal/network"
	"github.com/courier-project/courier/internal/protocol"
)

// StatsStore records traffic snapshots taken from network.Stats.
type StatsStore struct {
	db *Database
}

// SnapshotRecord is a stored snapshot header.
type SnapshotRecord struct {
	ID               int64     `json:"id"`
	TakenAt          time.Time `json:"taken_at"`
	PacketsSent      uint64    `json:"packets_sent"`
	BytesSent        uint64    `json:"bytes_sent"`
	PacketsDiscarded uint64    `json:"packets_discarded"`
}

// MessageRecord is one message row of a stored snapshot.
type MessageRecord struct {
	SnapshotID int64              `json:"snapshot_id"`
	TakenAt    time.Time          `json:"taken_at"`
	ID         protocol.MessageID `json:"id"`
	Name       string             `json:"name"`
	SendCount  uint64             `json:"send_count"`
	SendBytes  uint64             `json:"send_bytes"`
	RecvCount  uint64             `json:"recv_count"`
	RecvBytes  uint64             `json:"recv_bytes"`
}

// DiscardRecord describes packets a send abandoned.
type DiscardRecord struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Packets   int       `json:"packets"`
	Discarded int       `json:"discarded"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStatsStore opens the database at dbPath and migrates its schema.
func NewStatsStore(dbPath string) (*StatsStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &StatsStore{db: database}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate stats database: %w", err)
	}
	return s, nil
}

func (s *StatsStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at INTEGER NOT NULL,
			packets_sent INTEGER NOT NULL,
			bytes_sent INTEGER NOT NULL,
			packets_discarded INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshot_messages (
			snapshot_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			send_count INTEGER NOT NULL,
			send_bytes INTEGER NOT NULL,
			recv_count INTEGER NOT NULL,
			recv_bytes INTEGER NOT NULL,
			PRIMARY KEY (snapshot_id, message_id),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS discards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			packets INTEGER NOT NULL,
			discarded INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at);
		CREATE INDEX IF NOT EXISTS idx_snapshot_messages_id ON snapshot_messages(message_id);
		CREATE INDEX IF NOT EXISTS idx_discards_created_at ON discards(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("database schema migrated")
	return nil
}

// Close closes the underlying database.
func (s *StatsStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot stores a snapshot and its per-message rows, returning the
// snapshot id.
func (s *StatsStore) SaveSnapshot(snap network.StatsSnapshot) (int64, error) {
	var id int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO snapshots (taken_at, packets_sent, bytes_sent, packets_discarded)
			 VALUES (?, ?, ?, ?)`,
			snap.TakenAt.UnixNano(), snap.PacketsSent, snap.BytesSent, snap.PacketsDiscarded)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}

		for _, m := range snap.Messages {
			_, err := tx.Exec(
				`INSERT INTO snapshot_messages
				 (snapshot_id, message_id, name, send_count, send_bytes, recv_count, recv_bytes)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, int64(m.ID), m.Name, m.SendCount, m.SendBytes, m.RecvCount, m.RecvBytes)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save stats snapshot: %w", err)
	}

	log.Debug().Int64("snapshot_id", id).Int("messages", len(snap.Messages)).Msg("stats snapshot saved")
	return id, nil
}

// LatestSnapshots returns up to limit snapshots, newest first.
func (s *StatsStore) LatestSnapshots(limit int) ([]SnapshotRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, taken_at, packets_sent, bytes_sent, packets_discarded
		 FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var takenAt int64
		if err := rows.Scan(&r.ID, &takenAt, &r.PacketsSent, &r.BytesSent, &r.PacketsDiscarded); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		r.TakenAt = time.Unix(0, takenAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SnapshotMessages returns the message rows of one snapshot ordered by id.
func (s *StatsStore) SnapshotMessages(snapshotID int64) ([]MessageRecord, error) {
	return s.queryMessages(
		`SELECT m.snapshot_id, s.taken_at, m.message_id, m.name,
		        m.send_count, m.send_bytes, m.recv_count, m.recv_bytes
		 FROM snapshot_messages m JOIN snapshots s ON s.id = m.snapshot_id
		 WHERE m.snapshot_id = ? ORDER BY m.message_id`, snapshotID)
}

// MessageHistory returns up to limit rows for one message id, newest first.
func (s *StatsStore) MessageHistory(id protocol.MessageID, limit int) ([]MessageRecord, error) {
	return s.queryMessages(
		`SELECT m.snapshot_id, s.taken_at, m.message_id, m.name,
		        m.send_count, m.send_bytes, m.recv_count, m.recv_bytes
		 FROM snapshot_messages m JOIN snapshots s ON s.id = m.snapshot_id
		 WHERE m.message_id = ? ORDER BY s.taken_at DESC, s.id DESC LIMIT ?`, int64(id), limit)
}

func (s *StatsStore) queryMessages(query string, args ...interface{}) ([]MessageRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query message stats: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var r MessageRecord
		var takenAt, id int64
		if err := rows.Scan(&r.SnapshotID, &takenAt, &id, &r.Name,
			&r.SendCount, &r.SendBytes, &r.RecvCount, &r.RecvBytes); err != nil {
			return nil, fmt.Errorf("failed to scan message stats: %w", err)
		}
		r.TakenAt = time.Unix(0, takenAt)
		r.ID = protocol.MessageID(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordDiscard stores a send that abandoned packets.
func (s *StatsStore) RecordDiscard(channel string, packets, discarded int) error {
	_, err := s.db.Exec(
		`INSERT INTO discards (channel, packets, discarded, created_at) VALUES (?, ?, ?, ?)`,
		channel, packets, discarded, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record discard: %w", err)
	}
	return nil
}

// RecentDiscards returns up to limit discard records, newest first.
func (s *StatsStore) RecentDiscards(limit int) ([]DiscardRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, channel, packets, discarded, created_at
		 FROM discards ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query discards: %w", err)
	}
	defer rows.Close()

	var out []DiscardRecord
	for rows.Next() {
		var r DiscardRecord
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Channel, &r.Packets, &r.Discarded, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan discard: %w", err)
		}
		r.CreatedAt = time.Unix(0, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes snapshots and discards older than before and returns the
// number of snapshots removed.
func (s *StatsStore) Prune(before time.Time) (int64, error) {
	var removed int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		cutoff := before.UnixNano()
		res, err := tx.Exec(`DELETE FROM snapshots WHERE taken_at < ?`, cutoff)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		_, err = tx.Exec(`DELETE FROM discards WHERE created_at < ?`, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune stats: %w", err)
	}
	if removed > 0 {
		log.Info().Int64("snapshots", removed).Time("before", before).Msg("pruned stats history")
	}
	return removed, nil
}
