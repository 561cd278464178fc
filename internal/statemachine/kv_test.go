package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordata/raftd/internal/raft"
)

func mustEncode(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return data
}

func TestKVApplyPutAndGet(t *testing.T) {
	kv := NewKV(nil)

	_, err := kv.Apply(1, mustEncode(t, Command{Kind: CommandPut, Key: "a", Value: []byte("1")}))
	require.NoError(t, err)

	v, ok := kv.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, raft.LogIndex(1), kv.LastFlushed())
}

func TestKVApplyPutReturnsPreviousValue(t *testing.T) {
	kv := NewKV(nil)

	_, err := kv.Apply(1, mustEncode(t, Command{Kind: CommandPut, Key: "a", Value: []byte("1")}))
	require.NoError(t, err)

	prev, err := kv.Apply(2, mustEncode(t, Command{Kind: CommandPut, Key: "a", Value: []byte("2")}))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), prev)

	v, _ := kv.Get("a")
	assert.Equal(t, []byte("2"), v)
}

func TestKVApplyDelete(t *testing.T) {
	kv := NewKV(nil)
	_, err := kv.Apply(1, mustEncode(t, Command{Kind: CommandPut, Key: "a", Value: []byte("1")}))
	require.NoError(t, err)

	_, err = kv.Apply(2, mustEncode(t, Command{Kind: CommandDelete, Key: "a"}))
	require.NoError(t, err)

	_, ok := kv.Get("a")
	assert.False(t, ok)
}

func TestKVApplyUnknownCommandKind(t *testing.T) {
	kv := NewKV(nil)
	_, err := kv.Apply(1, mustEncode(t, Command{Kind: "bogus", Key: "a"}))
	assert.Error(t, err)
}

func TestKVApplyInvalidPayload(t *testing.T) {
	kv := NewKV(nil)
	_, err := kv.Apply(1, []byte("not json"))
	assert.Error(t, err)
}

func TestKVSnapshotAndRestoreRoundTrip(t *testing.T) {
	kv := NewKV(nil)
	_, err := kv.Apply(1, mustEncode(t, Command{Kind: CommandPut, Key: "a", Value: []byte("1")}))
	require.NoError(t, err)
	_, err = kv.Apply(2, mustEncode(t, Command{Kind: CommandPut, Key: "b", Value: []byte("2")}))
	require.NoError(t, err)

	data, pos, size, ok := kv.Snapshot()
	require.True(t, ok)
	assert.Greater(t, size, int64(0))
	assert.Equal(t, raft.LogIndex(2), pos.Index)

	restored := NewKV(nil)
	ok, err = restored.Restore(data, pos)
	require.NoError(t, err)
	assert.True(t, ok)

	v, found := restored.Get("a")
	require.True(t, found)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, raft.LogIndex(2), restored.LastFlushed())
}
