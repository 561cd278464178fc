package raft

import (
	"fmt"
)

// FatalError is returned by AppendEntries when the leader's request would
// violate a Raft safety invariant (truncation at or below commitIndex). A
// request whose PrevLogIndex lies before the log's discard point is not
// fatal; it is rejected like any other failed consistency check.
// raftserver's HandleAppendEntries stops the server when it receives a
// FatalError.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

func fatalf(format string, args ...any) *FatalError {
	return &FatalError{msg: fmt.Sprintf(format, args...)}
}

// AppendEntries handles an incoming AppendEntries (or Heartbeat, which is
// the same request with Entries == nil).
func (m *ConsensusModule) AppendEntries(req AppendEntriesRequest, tick Tick) (FlushConstraint[AppendEntriesResponse], *FatalError) {
	if req.Term < m.currentTerm {
		return m.rejectAppend(), nil
	}
	if req.Term > m.currentTerm {
		m.updateTerm(req.Term)
	} else if m.role == roleCandidate {
		m.becomeFollowerLocked()
	}

	m.follower.lastLeaderId = req.LeaderId
	m.follower.lastHeartbeat = tick.Time
	m.follower.electionTimeout = m.randomElectionTimeout()

	if req.PrevLogIndex < m.log.prev.Position.Index {
		return m.rejectAppend(), nil
	}

	if prevTerm, ok := m.log.termAt(req.PrevLogIndex); !ok {
		return m.rejectAppendWith(m.log.lastIndex()), nil
	} else if prevTerm != req.PrevLogTerm {
		return m.rejectAppendWith(m.commitIndex), nil
	}

	// Highest sequence handed out so far; the entries appended after a
	// truncation must not reuse the sequences of the entries it dropped.
	highestSeq := m.log.last().Sequence
	firstNew := 0
	truncated := false
	for i, entry := range req.Entries {
		localIndex := req.PrevLogIndex + 1 + LogIndex(i)
		if localTerm, ok := m.log.termAt(localIndex); ok && localTerm == entry.Term {
			firstNew++
			continue
		}
		// Either a genuine divergence (we hold a different entry at
		// localIndex) or simply the first entry past our current end of
		// log — only the former is a truncation.
		if localIndex <= m.log.lastIndex() {
			if localIndex <= m.commitIndex {
				return FlushConstraint[AppendEntriesResponse]{}, fatalf(
					"refusing to truncate committed entry at index %d (commitIndex=%d)", localIndex, m.commitIndex)
			}
			m.config.revertPendingAtOrAfter(localIndex)
			m.log.truncateFrom(localIndex)
			truncated = true
		}
		break
	}

	var lastNewSequence LogSequence
	lastNewPosition := m.log.last().Position
	for i := firstNew; i < len(req.Entries); i++ {
		entry := req.Entries[i]
		seq := m.nextLogSequence()
		if seq <= highestSeq {
			seq = highestSeq + 1
		}
		off := m.log.append(entry.Term, seq)
		stored := entry
		stored.Index = off.Position.Index
		tick.Effects.NewEntries = append(tick.Effects.NewEntries, stored)
		if stored.Kind == EntryConfig {
			m.config.apply(stored.Index, stored.Config)
		}
		if truncated && i == firstNew {
			s := seq
			m.pendingConflict = &s
		}
		lastNewSequence = seq
		lastNewPosition = off.Position
	}
	if lastNewSequence == 0 {
		lastNewSequence = m.log.last().Sequence
	}

	lastNewIndex := req.PrevLogIndex + LogIndex(len(req.Entries))
	if newCommit := min(req.LeaderCommit, lastNewIndex); newCommit > m.commitIndex {
		m.updateCommitted(newCommit, tick)
	}

	resp := AppendEntriesResponse{Term: m.currentTerm, Success: true, LastLogIndex: m.log.lastIndex()}
	return FlushConstraint[AppendEntriesResponse]{Value: resp, Sequence: lastNewSequence, Position: lastNewPosition}, nil
}

func (m *ConsensusModule) rejectAppend() FlushConstraint[AppendEntriesResponse] {
	return FlushConstraint[AppendEntriesResponse]{
		Value: AppendEntriesResponse{Term: m.currentTerm, Success: false, LastLogIndex: m.log.lastIndex()},
	}
}

func (m *ConsensusModule) rejectAppendWith(lastLogIndex LogIndex) FlushConstraint[AppendEntriesResponse] {
	return FlushConstraint[AppendEntriesResponse]{
		Value: AppendEntriesResponse{Term: m.currentTerm, Success: false, LastLogIndex: lastLogIndex},
	}
}

// min is kept local rather than relying on the builtin (Go 1.21+ has a
// builtin min, but we spell it out for LogIndex's named type clarity).
func min(a, b LogIndex) LogIndex {
	if a < b {
		return a
	}
	return b
}
