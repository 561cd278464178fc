package statemachine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/pkg/database"
	"github.com/cordata/raftd/pkg/logger"
)

func setupTestRedis(t *testing.T) *database.Redis {
	t.Helper()
	ctx := context.Background()
	db, err := database.NewRedis(ctx, database.DefaultRedisConfig())
	if err != nil {
		t.Skipf("skipping test - could not connect to redis: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestRedisSnapshotStoreGetBeforePutReturnsNotFound(t *testing.T) {
	db := setupTestRedis(t)
	log := logger.New("raftd-test", "test")

	store, err := NewRedisSnapshotStore(db, log, "group-empty")
	require.NoError(t, err)

	_, _, ok, err := store.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSnapshotStorePutThenGetRoundTrips(t *testing.T) {
	db := setupTestRedis(t)
	log := logger.New("raftd-test", "test")

	store, err := NewRedisSnapshotStore(db, log, "group-roundtrip")
	require.NoError(t, err)

	position := raft.LogPosition{Term: 3, Index: 10}
	payload := []byte(`{"values":{"a":"MQ=="}}`)

	require.NoError(t, store.Put(context.Background(), position, bytes.NewReader(payload)))

	data, gotPosition, ok, err := store.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, position, gotPosition)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(data)
	require.NoError(t, err)
	assert.Equal(t, payload, buf.Bytes())
}
