package raft

// PendingSnapshot is staged by InstallSnapshot for the outer Applier task
// to pick up. The module cannot do the restore/discard itself — it only
// records the request.
type PendingSnapshot struct {
	Data        []byte
	LastApplied LogPosition
	LastConfig  map[ServerId]Role
}

// InstallSnapshot handles an incoming snapshot transfer. The response is
// withheld until the outer layer durably applies the snapshot
// and calls InstallSnapshotApplied; accept reports whether the request was
// staged (false means it was a stale/rejected term and the caller should
// reply immediately with the returned response).
func (m *ConsensusModule) InstallSnapshot(req InstallSnapshotRequest, tick Tick) (accept bool, immediate InstallSnapshotResponse) {
	if req.Term < m.currentTerm {
		return false, InstallSnapshotResponse{Term: m.currentTerm}
	}
	if req.Term > m.currentTerm {
		m.updateTerm(req.Term)
	}
	m.follower.lastLeaderId = req.LeaderId
	m.follower.lastHeartbeat = tick.Time
	m.follower.electionTimeout = m.randomElectionTimeout()

	tick.Effects.PendingSnapshotInstall = &PendingSnapshot{
		Data:        req.Data,
		LastApplied: LogPosition{Term: req.LastTerm, Index: req.LastIndex},
		LastConfig:  req.LastConfig,
	}
	return true, InstallSnapshotResponse{}
}

// InstallSnapshotApplied is called once the Applier task has durably
// restored the staged snapshot into the state machine and discarded the
// log through LastApplied. It finalizes the in-memory log index and
// configuration, then produces the response the caller should finally
// send — a server only replies once the snapshot has been durably applied.
func (m *ConsensusModule) InstallSnapshotApplied(snap PendingSnapshot, tick Tick) InstallSnapshotResponse {
	m.log.discardThrough(snap.LastApplied)
	if snap.LastConfig != nil {
		m.config = newConfiguration(snap.LastConfig)
	}
	if snap.LastApplied.Index > m.commitIndex {
		m.commitIndex = snap.LastApplied.Index
		m.meta.mark(false)
		tick.Effects.CommitIndexChanged = true
	}
	return InstallSnapshotResponse{Term: m.currentTerm}
}

// InstallSnapshotCallback delivers the response to an outbound
// InstallSnapshot once the follower has applied it. The leader tracks
// outbound snapshot sends per follower and transitions the follower back
// to Live on success.
func (m *ConsensusModule) InstallSnapshotCallback(from ServerId, requestId RequestId, resp InstallSnapshotResponse, snapshotLastApplied LogIndex, tick Tick) {
	if resp.Term > m.currentTerm {
		m.updateTerm(resp.Term)
		m.flushMetadataEffect(tick)
		return
	}
	if m.role != roleLeader {
		return
	}
	fp, ok := m.leader.followers[from]
	if !ok || fp.mode != modeInstallingSnapshot || fp.snapshotInFlight != requestId {
		return
	}
	fp.mode = modeLive
	fp.matchIndex = snapshotLastApplied
	fp.nextIndex = snapshotLastApplied + 1
	m.recomputeCommit(tick)
}
