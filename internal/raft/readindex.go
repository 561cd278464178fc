package raft

import "time"

// ReadIndexOp returns the current read index for a linearizable read. Only
// valid on the leader.
func (m *ConsensusModule) ReadIndexOp(at time.Time) (ReadIndex, NotLeader, bool) {
	if m.role != roleLeader {
		return ReadIndex{}, NotLeader{Term: m.currentTerm, LeaderHint: m.LeaderHint()}, false
	}
	t := at
	if len(m.leader.followers) == 0 {
		// Single-node cluster: resolves immediately off lease_start.
		t = m.leader.leaseStart
	}
	return ReadIndex{Term: m.currentTerm, Time: t, Index: m.leader.readIndex}, NotLeader{}, true
}

// ResolveReadIndex reports whether a previously obtained ReadIndex is now
// safe to serve: the commit index must have caught up to it and the leader
// must still hold an unexpired lease as of its timestamp.
func (m *ConsensusModule) ResolveReadIndex(ri ReadIndex, optimistic bool) ReadIndexResult {
	if m.role != roleLeader || m.currentTerm != ri.Term {
		return ReadIndexResult{Outcome: ReadIndexNotLeader, NotLeader: NotLeader{Term: m.currentTerm, LeaderHint: m.LeaderHint()}}
	}
	if m.commitIndex < ri.Index {
		pos, _ := m.log.at(ri.Index)
		return ReadIndexResult{Outcome: ReadIndexRetryAfter, RetryAfter: pos.Position}
	}

	minTime := ri.Time
	if optimistic {
		drift := time.Duration(float64(electionTimeoutMin) / clockDriftBound)
		minTime = ri.Time.Add(-drift)
	}
	if m.leader.leaseStart.Before(minTime) {
		return ReadIndexResult{Outcome: ReadIndexWaitForLease, Deadline: minTime}
	}
	return ReadIndexResult{Outcome: ReadIndexResolved, Index: ri.Index}
}
