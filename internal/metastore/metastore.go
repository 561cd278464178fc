// Package metastore persists the small amount of state a node must recover
// synchronously before it can safely rejoin a consensus group: its current
// term, vote, commit index, and the last configuration it knew about. It is
// read once at startup and rewritten every time the driving layer is told
// to persist metadata.
//
// Persistence uses a plain atomic file rewrite (write to a temp file, fsync,
// rename over the target) rather than a database: this blob is tiny,
// written on the node's own disk, and needed before any database connection
// has necessarily been established during startup.
package metastore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cordata/raftd/internal/raft"
)

// Record is the full contents of the metadata blob.
type Record struct {
	ServerId raft.ServerId               `json:"server_id"`
	GroupId  string                      `json:"group_id"`
	Metadata raft.Metadata               `json:"metadata"`
	Config   map[raft.ServerId]raft.Role `json:"config"`
}

// Store reads and atomically rewrites a Record at a fixed path.
type Store struct {
	path string

	mu     sync.Mutex
	record Record
}

// Open loads the record at path, or returns a zero-value Record seeded with
// serverID/groupID if the file does not exist yet (first boot).
func Open(path string, serverID raft.ServerId, groupID string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read metadata file %s: %w", path, err)
		}
		s.record = Record{ServerId: serverID, GroupId: groupID, Config: map[raft.ServerId]raft.Role{}}
		return s, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse metadata file %s: %w", path, err)
	}
	if rec.Config == nil {
		rec.Config = map[raft.ServerId]raft.Role{}
	}
	s.record = rec
	return s, nil
}

// Record returns the currently loaded record.
func (s *Store) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Persist atomically rewrites the metadata blob with metadata and config.
// It must return only after the new file is durable: the driving layer
// blocks effects like granting a vote on this call returning.
func (s *Store) Persist(metadata raft.Metadata, config map[raft.ServerId]raft.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record.Metadata = metadata
	s.record.Config = config

	data, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".metastore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename temp metadata file into place: %w", err)
	}
	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		dirHandle.Close()
	}
	return nil
}
