package statemachine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/pkg/database"
	"github.com/cordata/raftd/pkg/logger"
)

// storedSnapshot is what gets persisted to Redis for a single group's
// latest snapshot. There is exactly one key per group: a new Put
// overwrites the previous snapshot, since InstallSnapshot only ever needs
// the most recent one.
type storedSnapshot struct {
	Index     raft.LogIndex `json:"index"`
	Term      raft.Term     `json:"term"`
	Data      []byte        `json:"data"`
	CreatedAt time.Time     `json:"created_at"`
}

// RedisSnapshotStore persists state machine snapshots to Redis, keyed by
// consensus group. KV writes a backup copy of every snapshot it produces or
// installs through Put; Get reads the latest copy back. Snapshot transfer
// to followers reads from the state machine, not from this store.
type RedisSnapshotStore struct {
	client  *redis.Client
	logger  *logger.Logger
	groupID string
}

// NewRedisSnapshotStore creates a snapshot store for groupID.
func NewRedisSnapshotStore(redisDB *database.Redis, log *logger.Logger, groupID string) (*RedisSnapshotStore, error) {
	if redisDB == nil {
		return nil, fmt.Errorf("redis connection is required")
	}
	client := redisDB.Client()
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if groupID == "" {
		return nil, fmt.Errorf("group ID is required")
	}
	return &RedisSnapshotStore{client: client, logger: log, groupID: groupID}, nil
}

func (s *RedisSnapshotStore) key() string {
	return fmt.Sprintf("raftd:snapshot:%s", s.groupID)
}

// Put stores a snapshot, replacing whatever was previously stored for this
// group.
func (s *RedisSnapshotStore) Put(ctx context.Context, position raft.LogPosition, data io.Reader) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read snapshot data: %w", err)
	}

	snap := storedSnapshot{
		Index:     position.Index,
		Term:      position.Term,
		Data:      buf,
		CreatedAt: time.Now(),
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, s.key(), encoded, 0).Err(); err != nil {
		return fmt.Errorf("store snapshot in redis: %w", err)
	}
	if s.logger != nil {
		s.logger.Infof("stored snapshot for group %s at index %d term %d (%d bytes)", s.groupID, snap.Index, snap.Term, len(buf))
	}
	return nil
}

// Get returns the most recently stored snapshot, or ok=false if none has
// been stored yet.
func (s *RedisSnapshotStore) Get(ctx context.Context) (data io.Reader, position raft.LogPosition, ok bool, err error) {
	raw, getErr := s.client.Get(ctx, s.key()).Result()
	if getErr == redis.Nil {
		return nil, raft.LogPosition{}, false, nil
	}
	if getErr != nil {
		return nil, raft.LogPosition{}, false, fmt.Errorf("fetch snapshot from redis: %w", getErr)
	}

	var snap storedSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, raft.LogPosition{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return bytes.NewReader(snap.Data), raft.LogPosition{Term: snap.Term, Index: snap.Index}, true, nil
}
