package raft

// appendEntryLocal appends one entry at (currentTerm, lastIndex+1) to the
// in-memory log index and into the tick's NewEntries, and applies it to the
// configuration state machine immediately if it is a Config entry — before
// it commits, not after.
func (m *ConsensusModule) appendEntryLocal(kind EntryKind, data []byte, change ConfigChange, tick Tick) LogPosition {
	sequence := m.nextLogSequence()
	off := m.log.append(m.currentTerm, sequence)
	entry := Entry{
		Term:   off.Position.Term,
		Index:  off.Position.Index,
		Kind:   kind,
		Data:   data,
		Config: change,
	}
	tick.Effects.NewEntries = append(tick.Effects.NewEntries, entry)
	if kind == EntryConfig {
		m.config.apply(entry.Index, change)
	}
	return off.Position
}

// nextLogSequence hands out the next LogSequence: one past the last
// in-memory entry's sequence. Sequences must be strictly increasing across
// the module's lifetime, including across truncations; AppendEntries, the
// only caller that truncates, raises the first sequence it assigns after a
// truncation above the sequences of the entries it dropped.
func (m *ConsensusModule) nextLogSequence() LogSequence {
	return m.log.last().Sequence + 1
}

// ProposeEntry appends a new command entry on behalf of the caller. Only
// valid on the leader.
func (m *ConsensusModule) ProposeEntry(data []byte, readIndexTerm *Term, tick Tick) ProposeResult {
	if m.role != roleLeader {
		return ProposeResult{Outcome: ProposeNotLeader, NotLeader: NotLeader{Term: m.currentTerm, LeaderHint: m.LeaderHint()}}
	}
	if readIndexTerm != nil && *readIndexTerm != m.currentTerm {
		return ProposeResult{Outcome: ProposeNotLeader, NotLeader: NotLeader{Term: m.currentTerm, LeaderHint: m.self}}
	}

	pos := m.appendEntryLocal(EntryCommand, data, ConfigChange{}, tick)
	m.cycleLeader(tick)
	return ProposeResult{Outcome: ProposeAccepted, Position: pos}
}

// ProposeConfigChange is propose_entry specialized to a Config entry: at
// most one uncommitted config change may exist at a time.
func (m *ConsensusModule) ProposeConfigChange(change ConfigChange, tick Tick) ProposeResult {
	if m.role != roleLeader {
		return ProposeResult{Outcome: ProposeNotLeader, NotLeader: NotLeader{Term: m.currentTerm, LeaderHint: m.LeaderHint()}}
	}
	if m.config.hasUncommittedChange() {
		pendingIndex := m.config.pendingIndex()
		pos, _ := m.log.at(pendingIndex)
		return ProposeResult{Outcome: ProposeRetryAfter, RetryAfter: pos.Position}
	}

	pos := m.appendEntryLocal(EntryConfig, nil, change, tick)

	if change.Kind == ConfigAddMember || change.Kind == ConfigAddLearner {
		if _, exists := m.leader.followers[change.ServerId]; !exists && change.ServerId != m.self {
			m.leader.followers[change.ServerId] = newFollowerProgress(m.log.lastIndex() + 1)
		}
	}
	if change.Kind == ConfigRemoveServer {
		delete(m.leader.followers, change.ServerId)
	}

	m.cycleLeader(tick)
	return ProposeResult{Outcome: ProposeAccepted, Position: pos}
}
