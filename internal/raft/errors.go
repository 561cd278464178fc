package raft

import "time"

// Protocol rejections are not errors — they are part of the algorithm and
// are always returned as plain values, never as `error`.

// NotLeader is returned whenever an operation requires leadership the
// caller does not (or no longer) holds.
type NotLeader struct {
	Term       Term
	LeaderHint ServerId // 0 if unknown
}

// ProposeOutcome discriminates propose_entry's result.
type ProposeOutcome uint8

const (
	ProposeAccepted ProposeOutcome = iota
	ProposeNotLeader
	ProposeRetryAfter
	ProposeRejectedConfigChange
)

// ProposeResult is propose_entry's return value: Proposal | NotLeader |
// RetryAfter(pos) | RejectedConfigChange.
type ProposeResult struct {
	Outcome    ProposeOutcome
	Position   LogPosition // set when Outcome == ProposeAccepted
	NotLeader  NotLeader   // set when Outcome == ProposeNotLeader
	RetryAfter LogPosition // set when Outcome == ProposeRetryAfter
}

// ReadIndexOutcome discriminates resolve_read_index's result.
type ReadIndexOutcome uint8

const (
	ReadIndexResolved ReadIndexOutcome = iota
	ReadIndexNotLeader
	ReadIndexRetryAfter
	ReadIndexWaitForLease
)

type ReadIndexResult struct {
	Outcome    ReadIndexOutcome
	Index      LogIndex    // set when Outcome == ReadIndexResolved
	NotLeader  NotLeader   // set when Outcome == ReadIndexNotLeader
	RetryAfter LogPosition // set when Outcome == ReadIndexRetryAfter
	Deadline   time.Time   // set when Outcome == ReadIndexWaitForLease
}

// ReadIndex is the value returned by read_index.
type ReadIndex struct {
	Term  Term
	Time  time.Time
	Index LogIndex
}
