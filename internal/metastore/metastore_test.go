package metastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordata/raftd/internal/raft"
)

func TestOpenMissingFileSeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	s, err := Open(path, raft.ServerId(1), "group-a")
	require.NoError(t, err)

	rec := s.Record()
	assert.Equal(t, raft.ServerId(1), rec.ServerId)
	assert.Equal(t, "group-a", rec.GroupId)
	assert.Equal(t, raft.Metadata{}, rec.Metadata)
	assert.Empty(t, rec.Config)
}

func TestPersistThenReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	s, err := Open(path, raft.ServerId(1), "group-a")
	require.NoError(t, err)

	meta := raft.Metadata{CurrentTerm: 7, VotedFor: raft.ServerId(2), CommitIndex: 42}
	cfg := map[raft.ServerId]raft.Role{1: raft.RoleMember, 2: raft.RoleMember, 3: raft.RoleMember}
	require.NoError(t, s.Persist(meta, cfg))

	reopened, err := Open(path, raft.ServerId(1), "group-a")
	require.NoError(t, err)

	rec := reopened.Record()
	assert.Equal(t, meta, rec.Metadata)
	assert.Equal(t, cfg, rec.Config)
}

func TestPersistOverwritesPreviousRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	s, err := Open(path, raft.ServerId(1), "group-a")
	require.NoError(t, err)

	require.NoError(t, s.Persist(raft.Metadata{CurrentTerm: 1}, nil))
	require.NoError(t, s.Persist(raft.Metadata{CurrentTerm: 2, VotedFor: raft.ServerId(5)}, nil))

	reopened, err := Open(path, raft.ServerId(1), "group-a")
	require.NoError(t, err)
	assert.Equal(t, raft.Term(2), reopened.Record().Metadata.CurrentTerm)
	assert.Equal(t, raft.ServerId(5), reopened.Record().Metadata.VotedFor)
}
