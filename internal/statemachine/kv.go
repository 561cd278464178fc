// Package statemachine provides StateMachine implementations for
// internal/raftserver.
package statemachine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/pkg/logger"
)

// snapshotBackup is satisfied by RedisSnapshotStore; declared here instead
// of imported directly so KV doesn't need a Redis dependency to compile
// when no backup is configured.
type snapshotBackup interface {
	Put(ctx context.Context, position raft.LogPosition, data io.Reader) error
}

// CommandKind distinguishes the operations the KV state machine accepts.
type CommandKind string

const (
	CommandPut    CommandKind = "put"
	CommandDelete CommandKind = "delete"
)

// Command is the command_bytes payload of a command log entry applied to
// the KV state machine.
type Command struct {
	Kind  CommandKind `json:"kind"`
	Key   string      `json:"key"`
	Value []byte      `json:"value,omitempty"`
}

// snapshotState is what gets serialized by Snapshot and read back by
// Restore.
type snapshotState struct {
	LastApplied raft.LogPosition  `json:"last_applied"`
	Values      map[string][]byte `json:"values"`
}

// KV is a map-backed key/value state machine.
type KV struct {
	logger *logger.Logger
	backup snapshotBackup

	mu          sync.RWMutex
	values      map[string][]byte
	lastApplied raft.LogPosition
}

func NewKV(log *logger.Logger) *KV {
	return &KV{
		logger: log,
		values: make(map[string][]byte),
	}
}

// SetSnapshotBackup wires an external durable store that receives a copy of
// every snapshot this node produces or installs. It is best-effort: a
// backup write failure is logged, never returned to the caller, since the
// log/local state machine remain the source of truth either way.
func (k *KV) SetSnapshotBackup(backup snapshotBackup) {
	k.backup = backup
}

func (k *KV) backupAsync(position raft.LogPosition, data []byte) {
	if k.backup == nil {
		return
	}
	go func() {
		if err := k.backup.Put(context.Background(), position, bytes.NewReader(data)); err != nil && k.logger != nil {
			k.logger.Warnf("snapshot backup failed for index %d: %v", position.Index, err)
		}
	}()
}

// Apply applies one command entry. For both Put and Delete the returned
// value is the key's previous value, or nil if the key was absent.
func (k *KV) Apply(index raft.LogIndex, data []byte) (any, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command at index %d: %w", index, err)
	}

	k.mu.Lock()
	var prev []byte
	switch cmd.Kind {
	case CommandPut:
		prev = k.values[cmd.Key]
		k.values[cmd.Key] = cmd.Value
	case CommandDelete:
		prev = k.values[cmd.Key]
		delete(k.values, cmd.Key)
	default:
		k.mu.Unlock()
		return nil, fmt.Errorf("unknown command kind %q at index %d", cmd.Kind, index)
	}
	k.lastApplied.Index = index
	k.mu.Unlock()

	return prev, nil
}

// Get reads a key directly, bypassing the log, so the read is not
// linearizable.
func (k *KV) Get(key string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[key]
	return v, ok
}

func (k *KV) Snapshot() (io.Reader, raft.LogPosition, int64, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	state := snapshotState{LastApplied: k.lastApplied, Values: make(map[string][]byte, len(k.values))}
	for key, v := range k.values {
		state.Values[key] = v
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return nil, raft.LogPosition{}, 0, false
	}
	k.backupAsync(k.lastApplied, buf)
	return bytes.NewReader(buf), k.lastApplied, int64(len(buf)), true
}

func (k *KV) Restore(data io.Reader, lastApplied raft.LogPosition) (bool, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	var state snapshotState
	if err := json.Unmarshal(buf, &state); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}

	k.mu.Lock()
	k.values = state.Values
	if k.values == nil {
		k.values = make(map[string][]byte)
	}
	k.lastApplied = lastApplied
	k.mu.Unlock()

	// This node just received a snapshot via InstallSnapshot; back it up so
	// a later restart or neighboring process can recover it without asking
	// the leader to retransfer.
	k.backupAsync(lastApplied, buf)

	if k.logger != nil {
		k.logger.Infof("restored state machine from snapshot at index %d", lastApplied.Index)
	}
	return true, nil
}

func (k *KV) LastFlushed() raft.LogIndex {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastApplied.Index
}

// WaitForFlush returns immediately: Apply is synchronous and in-memory, so
// there is nothing to wait on beyond what has already been applied.
func (k *KV) WaitForFlush(ctx context.Context) {}
