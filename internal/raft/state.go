package raft

import "time"

// roleKind tags which of the transient role states below is active.
type roleKind uint8

const (
	roleFollower roleKind = iota
	roleCandidate
	roleLeader
)

type followerState struct {
	lastHeartbeat   time.Time
	electionTimeout time.Duration
	lastLeaderId    ServerId // 0 if unknown
}

type candidateState struct {
	electionStart   time.Time
	electionTimeout time.Duration
	voteRequestId   RequestId
	votesReceived   map[ServerId]bool
	someRejected    bool

	// selfVoteConfirmed is set once PersistedMetadata confirms that this
	// candidacy's term/votedFor=self write is durable; only then does the
	// self-vote count toward majority (see maybeBecomeLeader).
	selfVoteConfirmed bool
}

type leaderState struct {
	followers  map[ServerId]*followerProgress
	leaseStart time.Time
	readIndex  LogIndex
}

// followerMode tracks the leader's per-follower replication strategy.
type followerMode uint8

const (
	modeLive followerMode = iota
	modePessimistic
	modeCatchingUp
	modeInstallingSnapshot
)

type pendingRequest struct {
	startTime     time.Time
	prevLogIndex  LogIndex
	lastIndexSent LogIndex
}

type followerProgress struct {
	nextIndex  LogIndex
	matchIndex LogIndex
	lastSent   time.Time
	mode       followerMode
	pending    map[RequestId]pendingRequest
	leaseStart time.Time

	// snapshotInFlight tracks the RequestId of an outbound InstallSnapshot
	// while mode == modeInstallingSnapshot, so a late/stale callback can be
	// dropped.
	snapshotInFlight RequestId
}

func newFollowerProgress(nextIndex LogIndex) *followerProgress {
	return &followerProgress{
		nextIndex: nextIndex,
		mode:      modeLive,
		pending:   make(map[RequestId]pendingRequest),
	}
}
