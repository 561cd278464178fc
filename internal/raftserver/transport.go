package raftserver

import (
	"context"

	"github.com/cordata/raftd/internal/raft"
)

// Transport sends RPCs to peers and blocks until a response or error is
// available. Server calls every method from its own goroutine per target so
// a slow or dead peer never blocks the rest of the cluster; the result is
// fed back into the ConsensusModule under Server's lock once it arrives.
//
// internal/transport/ws provides the websocket-backed implementation used in
// production; tests use an in-memory fake.
type Transport interface {
	RequestVote(ctx context.Context, target raft.ServerId, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error)
	PreVote(ctx context.Context, target raft.ServerId, req raft.PreVoteRequest) (raft.PreVoteResponse, error)
	AppendEntries(ctx context.Context, target raft.ServerId, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
	Heartbeat(ctx context.Context, target raft.ServerId, req raft.HeartbeatRequest) (raft.HeartbeatResponse, error)
	InstallSnapshot(ctx context.Context, target raft.ServerId, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error)
	TimeoutNow(ctx context.Context, target raft.ServerId, req raft.TimeoutNowRequest) error
}
