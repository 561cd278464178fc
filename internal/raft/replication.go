package raft

import (
	"sort"
	"time"
)

// cycleLeader drives replication and the commit/lease rules on every
// leader tick.
func (m *ConsensusModule) cycleLeader(tick Tick) {
	groups := make(map[LogIndex]*OutboundAppendEntries)

	for id, fp := range m.leader.followers {
		if fp.mode == modeInstallingSnapshot {
			continue
		}
		if fp.mode != modeLive && len(fp.pending) > 0 {
			continue
		}
		fullyCaughtUp := fp.nextIndex-1 >= m.log.lastIndex()
		if fullyCaughtUp && !fp.lastSent.IsZero() && tick.Time.Sub(fp.lastSent) < heartbeatTimeout {
			continue
		}

		prevLogIndex := fp.nextIndex - 1
		if prevLogIndex < m.log.prev.Position.Index {
			m.startSnapshotTransfer(id, fp, tick)
			continue
		}
		prevLogTerm, ok := m.log.termAt(prevLogIndex)
		if !ok {
			m.startSnapshotTransfer(id, fp, tick)
			continue
		}

		group, exists := groups[prevLogIndex]
		if !exists {
			group = &OutboundAppendEntries{
				RequestId:    m.nextRequestID(),
				Term:         m.currentTerm,
				PrevLogIndex: prevLogIndex,
				PrevLogTerm:  prevLogTerm,
				LastIndex:    m.log.lastIndex(),
				LastSequence: m.log.last().Sequence,
				LeaderCommit: m.commitIndex,
			}
			groups[prevLogIndex] = group
		}
		group.Targets = append(group.Targets, id)

		fp.pending[group.RequestId] = pendingRequest{
			startTime:     tick.Time,
			prevLogIndex:  prevLogIndex,
			lastIndexSent: group.LastIndex,
		}
		fp.nextIndex = m.log.lastIndex() + 1
		fp.lastSent = tick.Time
	}

	for _, g := range groups {
		tick.Effects.AppendEntries = append(tick.Effects.AppendEntries, *g)
	}

	m.recomputeCommit(tick)
	m.recomputeLease(tick)

	tick.Effects.NextTick = heartbeatTimeout
}

func (m *ConsensusModule) startSnapshotTransfer(id ServerId, fp *followerProgress, tick Tick) {
	fp.mode = modeInstallingSnapshot
	reqID := m.nextRequestID()
	fp.snapshotInFlight = reqID
	tick.Effects.InstallSnapshots = append(tick.Effects.InstallSnapshots, OutboundInstallSnapshot{
		RequestId: reqID,
		Target:    id,
	})
}

// AppendEntriesCallback delivers a response to a previously dispatched
// AppendEntries (or Heartbeat) request.
func (m *ConsensusModule) AppendEntriesCallback(from ServerId, requestId RequestId, resp AppendEntriesResponse, tick Tick) {
	if resp.Term > m.currentTerm {
		m.updateTerm(resp.Term)
		m.flushMetadataEffect(tick)
		return
	}
	if m.role != roleLeader {
		return
	}
	fp, ok := m.leader.followers[from]
	if !ok {
		return
	}
	pending, ok := fp.pending[requestId]
	if !ok {
		return // stale response, request_id no longer tracked
	}
	delete(fp.pending, requestId)

	if resp.Success {
		if pending.lastIndexSent > fp.matchIndex {
			fp.matchIndex = pending.lastIndexSent
		}
		if pending.startTime.After(fp.leaseStart) {
			fp.leaseStart = pending.startTime
		}
		fp.mode = modeLive

		if resp.LastLogIndex > m.log.lastIndex() && m.log.lastTerm() != m.currentTerm {
			m.appendEntryLocal(EntryNoop, nil, ConfigChange{}, tick)
		}
	} else if resp.LastLogIndex > 0 {
		fp.nextIndex = resp.LastLogIndex + 1
		fp.mode = modeCatchingUp
	} else if fp.nextIndex > 1 {
		fp.nextIndex--
	}

	m.recomputeCommit(tick)
	m.recomputeLease(tick)
}

// HeartbeatCallback behaves identically to AppendEntriesCallback — a
// heartbeat is the empty-entries AppendEntries variant.
func (m *ConsensusModule) HeartbeatCallback(from ServerId, requestId RequestId, resp HeartbeatResponse, tick Tick) {
	m.AppendEntriesCallback(from, requestId, resp, tick)
}

// AppendEntriesNoResponse is delivered when an outbound AppendEntries (or
// InstallSnapshot) times out or the connection fails — the follower is
// marked Pessimistic so the
// next cycles keep at most one request in flight to it.
func (m *ConsensusModule) AppendEntriesNoResponse(from ServerId, requestId RequestId) {
	if m.role != roleLeader {
		return
	}
	fp, ok := m.leader.followers[from]
	if !ok {
		return
	}
	delete(fp.pending, requestId)
	fp.mode = modePessimistic
}

// recomputeCommit implements 's commit rule.
func (m *ConsensusModule) recomputeCommit(tick Tick) {
	if m.role != roleLeader {
		return
	}
	matches := make([]LogIndex, 0, len(m.leader.followers)+1)
	matches = append(matches, m.selfFlushedIndex)
	for _, fp := range m.leader.followers {
		matches = append(matches, fp.matchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	majorityIdx := m.quorumSize() - 1
	if majorityIdx >= len(matches) {
		return
	}
	candidate := matches[majorityIdx]
	if candidate <= m.commitIndex {
		return
	}
	term, ok := m.log.termAt(candidate)
	if !ok || term != m.currentTerm {
		return
	}
	m.updateCommitted(candidate, tick)
}

// recomputeLease implements 's lease rule: the leader is
// confirmed by a quorum as of the (majority-1)th highest per-follower
// lease_start, counting itself with the current instant.
func (m *ConsensusModule) recomputeLease(tick Tick) {
	if m.role != roleLeader {
		return
	}
	starts := make([]time.Time, 0, len(m.leader.followers)+1)
	starts = append(starts, tick.Time)
	for _, fp := range m.leader.followers {
		starts = append(starts, fp.leaseStart)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].After(starts[j]) })

	idx := m.quorumSize() - 1
	if idx >= len(starts) {
		return
	}
	newLease := starts[idx]
	if newLease.After(m.leader.leaseStart) {
		m.leader.leaseStart = newLease
	}
}
