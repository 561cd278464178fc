package raftserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cordata/raftd/internal/logstore"
	"github.com/cordata/raftd/internal/metastore"
	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/internal/statemachine"
)

func mustEncodeCommand(t *testing.T, kind statemachine.CommandKind, key string, value []byte) []byte {
	t.Helper()
	buf, err := json.Marshal(statemachine.Command{Kind: kind, Key: key, Value: value})
	require.NoError(t, err)
	return buf
}

// noopTransport answers every RPC with an error, since a single-node
// cluster never actually sends any.
type noopTransport struct{}

func (noopTransport) RequestVote(context.Context, raft.ServerId, raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	return raft.RequestVoteResponse{}, errUnreachable
}
func (noopTransport) PreVote(context.Context, raft.ServerId, raft.PreVoteRequest) (raft.PreVoteResponse, error) {
	return raft.PreVoteResponse{}, errUnreachable
}
func (noopTransport) AppendEntries(context.Context, raft.ServerId, raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{}, errUnreachable
}
func (noopTransport) Heartbeat(context.Context, raft.ServerId, raft.HeartbeatRequest) (raft.HeartbeatResponse, error) {
	return raft.HeartbeatResponse{}, errUnreachable
}
func (noopTransport) InstallSnapshot(context.Context, raft.ServerId, raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	return raft.InstallSnapshotResponse{}, errUnreachable
}
func (noopTransport) TimeoutNow(context.Context, raft.ServerId, raft.TimeoutNowRequest) error {
	return errUnreachable
}

type unreachableErr struct{}

func (unreachableErr) Error() string { return "unreachable" }

var errUnreachable = unreachableErr{}

func newSingleNodeServer(t *testing.T) (*Server, *statemachine.KV) {
	t.Helper()

	self := raft.ServerId(1)
	config := map[raft.ServerId]raft.Role{self: raft.RoleMember}

	metaPath := t.TempDir() + "/meta.json"
	meta, err := metastore.Open(metaPath, self, "test-group")
	require.NoError(t, err)

	log := logstore.NewMemory()
	kv := statemachine.NewKV(nil)

	module := raft.New(raft.Options{
		Self:     self,
		Metadata: meta.Record().Metadata,
		LogPrev:  log.Prev(),
		Config:   config,
	})

	srv, err := NewServer(Config{
		GroupId:   "test-group",
		Self:      self,
		Log:       log,
		State:     kv,
		Meta:      meta,
		Transport: noopTransport{},
	}, module)
	require.NoError(t, err)

	return srv, kv
}

// A single-member cluster has an immediate, uncontested quorum: the very
// first cycle should make it the leader without any RPC ever being sent.
func TestSingleNodeBecomesLeader(t *testing.T) {
	srv, _ := newSingleNodeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Start(ctx)
	defer srv.Stop()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.module.IsLeader()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProposeAppliesToStateMachine(t *testing.T) {
	srv, kv := newSingleNodeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Start(ctx)
	defer srv.Stop()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.module.IsLeader()
	}, 2*time.Second, 5*time.Millisecond)

	cmd := mustEncodeCommand(t, statemachine.CommandPut, "greeting", []byte("hello"))

	proposeCtx, proposeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer proposeCancel()
	value, outcome, err := srv.Propose(proposeCtx, cmd)
	require.NoError(t, err)
	require.NotZero(t, outcome.Position.Index)
	require.Nil(t, value)

	got, ok := kv.Get("greeting")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got)
}

func TestReadResolvesOnSingleNodeLease(t *testing.T) {
	srv, _ := newSingleNodeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Start(ctx)
	defer srv.Stop()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.module.IsLeader()
	}, 2*time.Second, 5*time.Millisecond)

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	value, err := srv.Read(readCtx, func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", value)
}

func TestProposeRejectedWhenNotLeader(t *testing.T) {
	srv, _ := newSingleNodeServer(t)
	// Never Start()ed: the module stays a follower forever, so Propose
	// must fail fast rather than hang.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, outcome, err := srv.Propose(ctx, []byte("x"))
	require.ErrorIs(t, err, ErrNotLeader)
	require.Zero(t, outcome.Position)
}
