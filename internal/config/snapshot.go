package config

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SnapshotTrigger records why a snapshot was taken.
type SnapshotTrigger string

const (
	SnapshotStartup SnapshotTrigger = "startup"
	SnapshotReload  SnapshotTrigger = "reload"
)

// Snapshot is one recorded config document.
type Snapshot struct {
	ID         int64
	CreatedAt  time.Time
	Trigger    SnapshotTrigger
	ConfigHash string
	ConfigYAML string
	SourcePath string
}

// SnapshotStore keeps the last few loaded configs in a single sqlite file so
// an operator can see what config a recent run actually used.
type SnapshotStore struct {
	db   *sql.DB
	keep int
}

// OpenSnapshotStore opens (creating if needed) the store at path. keep <= 0
// means the default of 3 retained snapshots.
func OpenSnapshotStore(path string, keep int) (*SnapshotStore, error) {
	if keep <= 0 {
		keep = 3
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: open %s: %w", path, err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS config_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		config_yaml TEXT NOT NULL,
		source_path TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot store: init %s: %w", path, err)
	}
	return &SnapshotStore{db: db, keep: keep}, nil
}

func (s *SnapshotStore) Close() error { return s.db.Close() }

// Record stores a snapshot unless the latest one already has the same hash,
// then prunes to the retention limit.
func (s *SnapshotStore) Record(trigger SnapshotTrigger, sourcePath string, configYAML []byte) error {
	hash := Hash(configYAML)
	var lastHash string
	err := s.db.QueryRow(
		`SELECT config_hash FROM config_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("snapshot store: %w", err)
	}
	if lastHash == hash {
		return nil
	}
	_, err = s.db.Exec(
		`INSERT INTO config_snapshots (created_at, trigger_kind, config_hash, config_yaml, source_path)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), string(trigger), hash, string(configYAML), sourcePath,
	)
	if err != nil {
		return fmt.Errorf("snapshot store: insert: %w", err)
	}
	_, err = s.db.Exec(
		`DELETE FROM config_snapshots WHERE id NOT IN (
			SELECT id FROM config_snapshots ORDER BY id DESC LIMIT ?
		)`, s.keep)
	if err != nil {
		return fmt.Errorf("snapshot store: prune: %w", err)
	}
	return nil
}

// List returns snapshots newest first.
func (s *SnapshotStore) List() ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, trigger_kind, config_hash, config_yaml, source_path
		 FROM config_snapshots ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: list: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var created string
		if err := rows.Scan(&snap.ID, &created, &snap.Trigger, &snap.ConfigHash,
			&snap.ConfigYAML, &snap.SourcePath); err != nil {
			return nil, fmt.Errorf("snapshot store: scan: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			snap.CreatedAt = t
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
