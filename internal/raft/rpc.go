package raft

// This file defines the RPC request/response shapes exchanged between
// cluster members. Wire encoding of these structs is the transport layer's
// concern (internal/transport); the module only ever sees Go values.

type RequestVoteRequest struct {
	Term         Term
	CandidateId  ServerId
	LastLogIndex LogIndex
	LastLogTerm  Term
}

type RequestVoteResponse struct {
	Term        Term
	VoteGranted bool
}

// PreVoteRequest/Response share RequestVote's shape; pre-voting runs the
// same up-to-date predicate without mutating state.
type PreVoteRequest = RequestVoteRequest
type PreVoteResponse = RequestVoteResponse

type AppendEntriesRequest struct {
	Term         Term
	LeaderId     ServerId
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []Entry
	LeaderCommit LogIndex
}

type AppendEntriesResponse struct {
	Term         Term
	Success      bool
	LastLogIndex LogIndex
}

// HeartbeatRequest/Response are the empty-entries AppendEntries variant
// with its own 500ms timeout.
type HeartbeatRequest = AppendEntriesRequest
type HeartbeatResponse = AppendEntriesResponse

type InstallSnapshotRequest struct {
	Term       Term
	LeaderId   ServerId
	LastIndex  LogIndex
	LastTerm   Term
	LastConfig map[ServerId]Role
	Data       []byte
}

type InstallSnapshotResponse struct {
	Term Term
}

type TimeoutNowRequest struct {
	Term Term
}

// FlushConstraint wraps a response value that must not be released to the
// network until the log has durably flushed through Sequence, and the
// entry at Position still holds. ServerShared is the only
// consumer of this type; the module never blocks on it itself.
type FlushConstraint[T any] struct {
	Value    T
	Sequence LogSequence
	Position LogPosition
}

// MustPersistMetadata marks a response that must not be sent until Metadata
// has been durably persisted.
type MustPersistMetadata[T any] struct {
	Value T
}
