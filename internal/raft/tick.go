package raft

import "time"

// OutboundRequestVote batches a RequestVote send to one or more targets
// under the same RequestId. PreVote shares the shape.
type OutboundRequestVote struct {
	RequestId RequestId
	Targets   []ServerId
	Request   RequestVoteRequest
}

type OutboundPreVote struct {
	Targets []ServerId
	Request PreVoteRequest
}

// OutboundAppendEntries describes one dispatch: the module does not carry
// entry payloads itself (it only tracks offsets), so ServerShared is
// responsible for reading [PrevLogIndex+1, LastIndex] out of the Log before
// sending.
type OutboundAppendEntries struct {
	RequestId    RequestId
	Targets      []ServerId
	Term         Term
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	LastIndex    LogIndex
	LastSequence LogSequence
	LeaderCommit LogIndex
}

type OutboundHeartbeat struct {
	RequestId RequestId
	Targets   []ServerId
	Request   HeartbeatRequest
}

type OutboundInstallSnapshot struct {
	RequestId RequestId
	Target    ServerId
}

type OutboundTimeoutNow struct {
	Target  ServerId
	Request TimeoutNowRequest
}

// Effects accumulates everything the caller must do as a result of one
// module call. Dispatch order is fixed: append new entries to the log,
// then persist metadata if dirty, then update commit index, then send
// messages.
type Effects struct {
	NewEntries []Entry

	PersistMetadata bool
	// PersistCritical means the metadata change includes a non-zero
	// VotedFor. raftserver's dispatch persists every metadata change
	// synchronously and does not read this flag.
	PersistCritical bool

	CommitIndexChanged bool

	RequestVotes     []OutboundRequestVote
	PreVotes         []OutboundPreVote
	AppendEntries    []OutboundAppendEntries
	Heartbeats       []OutboundHeartbeat
	InstallSnapshots []OutboundInstallSnapshot
	TimeoutNows      []OutboundTimeoutNow

	// NextTick is the duration after which the caller should invoke Cycle
	// again absent any other wakeup.
	NextTick time.Duration

	// PendingSnapshotInstall is set by InstallSnapshot for the Applier
	// task to pick up.
	PendingSnapshotInstall *PendingSnapshot
}

// Tick is the pure output buffer threaded through every ConsensusModule
// call.
type Tick struct {
	Time    time.Time
	Effects *Effects
}

func NewTick(t time.Time) Tick {
	return Tick{Time: t, Effects: &Effects{}}
}
