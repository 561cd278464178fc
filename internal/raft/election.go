package raft

import "time"

func (m *ConsensusModule) cycleFollower(tick Tick) {
	elapsed := tick.Time.Sub(m.follower.lastHeartbeat)
	if elapsed < m.follower.electionTimeout {
		tick.Effects.NextTick = m.follower.electionTimeout - elapsed
		return
	}

	// Election-safety precondition: a server that has not
	// replicated everything it knows to be committed cannot win by
	// log-completeness, so it should not bother starting an election.
	if m.log.lastIndex() < m.commitIndex {
		tick.Effects.NextTick = idleNextTick
		return
	}

	m.startElection(tick)
}

func (m *ConsensusModule) cycleCandidate(tick Tick) {
	// "unless it is already a candidate with no rejecting response yet" —
	// a candidate that has heard at least one rejection (implying a higher
	// term may exist, or simply that it's time to retry) restarts the
	// election on timeout; otherwise it keeps waiting.
	elapsed := tick.Time.Sub(m.candidate.electionStart)
	if elapsed < m.candidate.electionTimeout {
		tick.Effects.NextTick = m.candidate.electionTimeout - elapsed
		return
	}
	if !m.candidate.someRejected {
		tick.Effects.NextTick = m.candidate.electionTimeout
		return
	}
	m.startElection(tick)
}

// startElection runs the election-timeout branch: bump term, vote for
// self, become Candidate, broadcast RequestVote. A single-node cluster
// needs no RPCs: it wins as soon as PersistedMetadata confirms its self
// vote.
func (m *ConsensusModule) startElection(tick Tick) {
	m.currentTerm++
	m.votedFor = m.self
	m.meta.mark(true)

	timeout := m.randomElectionTimeout()
	m.role = roleCandidate
	m.candidate = candidateState{
		electionStart:   tick.Time,
		electionTimeout: timeout,
		voteRequestId:   m.nextRequestID(),
		votesReceived:   map[ServerId]bool{},
	}

	last := m.lastLogPosition()
	req := RequestVoteRequest{
		Term:         m.currentTerm,
		CandidateId:  m.self,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
	}

	targets := make([]ServerId, 0, len(m.config.members))
	for id := range m.config.members {
		if id != m.self {
			targets = append(targets, id)
		}
	}
	if len(targets) > 0 {
		tick.Effects.RequestVotes = append(tick.Effects.RequestVotes, OutboundRequestVote{
			RequestId: m.candidate.voteRequestId,
			Targets:   targets,
			Request:   req,
		})
	}

	m.maybeBecomeLeader(tick)
	tick.Effects.NextTick = timeout
}

// votePredicate is shared by RequestVote and PreVote: PreVote runs the same
// eligibility check without mutating term or vote state.
func (m *ConsensusModule) votePredicate(req RequestVoteRequest, effectiveVotedFor ServerId) bool {
	if req.Term < m.currentTerm {
		return false
	}
	candidateLog := LogPosition{Term: req.LastLogTerm, Index: req.LastLogIndex}
	if !candidateLog.IsAtLeastAsUpToDateAs(m.lastLogPosition()) {
		return false
	}
	if effectiveVotedFor != 0 && effectiveVotedFor != req.CandidateId {
		return false
	}
	return true
}

// RequestVote handles an incoming vote request.
func (m *ConsensusModule) RequestVote(req RequestVoteRequest, tick Tick) MustPersistMetadata[RequestVoteResponse] {
	if req.Term > m.currentTerm {
		m.updateTerm(req.Term)
	}

	granted := m.votePredicate(req, m.votedFor)
	if granted {
		m.votedFor = req.CandidateId
		m.meta.mark(true)
	}
	m.flushMetadataEffect(tick)
	return MustPersistMetadata[RequestVoteResponse]{
		Value: RequestVoteResponse{Term: m.currentTerm, VoteGranted: granted},
	}
}

// PreVote runs the same check without mutating state.
func (m *ConsensusModule) PreVote(req PreVoteRequest) PreVoteResponse {
	term := m.currentTerm
	if req.Term > term {
		term = req.Term
	}
	granted := req.Term >= m.currentTerm &&
		LogPosition{Term: req.LastLogTerm, Index: req.LastLogIndex}.IsAtLeastAsUpToDateAs(m.lastLogPosition()) &&
		(m.votedFor == 0 || m.votedFor == req.CandidateId || req.Term > m.currentTerm)
	return PreVoteResponse{Term: term, VoteGranted: granted}
}

// RequestVoteCallback delivers a RequestVote response. Stale responses
// (wrong term, or we're no longer that candidacy) are silently dropped.
func (m *ConsensusModule) RequestVoteCallback(from ServerId, requestId RequestId, resp RequestVoteResponse, tick Tick) {
	if resp.Term > m.currentTerm {
		m.updateTerm(resp.Term)
		m.flushMetadataEffect(tick)
		return
	}
	if m.role != roleCandidate || requestId != m.candidate.voteRequestId {
		return
	}
	if resp.VoteGranted {
		m.candidate.votesReceived[from] = true
	} else {
		m.candidate.someRejected = true
	}
	m.maybeBecomeLeader(tick)
}

// maybeBecomeLeader checks the win condition: votes received plus (if self
// voted, metadata persisted, and self is a member) 1 >= majority. The self
// vote only counts once candidateState.selfVoteConfirmed has been set by
// PersistedMetadata for this candidacy's term — until then a candidate can
// only win off peer votes, never off an un-persisted self-vote, since a
// crash before that write lands must not leave two servers believing they
// each won the same term.
func (m *ConsensusModule) maybeBecomeLeader(tick Tick) {
	if m.role != roleCandidate {
		return
	}
	votes := len(m.candidate.votesReceived)
	if m.candidate.selfVoteConfirmed {
		votes++
	}
	if votes >= m.quorumSize() {
		m.becomeLeader(tick)
	}
}

func (m *ConsensusModule) becomeLeader(tick Tick) {
	m.role = roleLeader
	followers := make(map[ServerId]*followerProgress)
	for _, id := range m.config.voters() {
		if id == m.self {
			continue
		}
		followers[id] = newFollowerProgress(m.log.lastIndex() + 1)
	}
	readIndex := m.commitIndex
	if m.log.lastIndex() != m.commitIndex {
		readIndex = m.log.lastIndex() + 1
	}
	m.leader = leaderState{
		followers:  followers,
		leaseStart: tick.Time,
		readIndex:  readIndex,
	}

	// "immediately proposes a no-op entry so its term contains a
	// committable entry".
	m.appendEntryLocal(EntryNoop, nil, ConfigChange{}, tick)
	m.cycleLeader(tick)
}

// updateTerm implements the term-bump-then-revert-to-follower behavior
// shared by every handler that observes a higher term, whether in an
// incoming request or a response callback.
func (m *ConsensusModule) updateTerm(term Term) {
	m.currentTerm = term
	m.votedFor = 0
	m.meta.mark(false)
	m.becomeFollowerLocked()
}

func (m *ConsensusModule) becomeFollowerLocked() {
	m.role = roleFollower
	m.follower = followerState{
		lastHeartbeat:   time.Time{},
		electionTimeout: m.randomElectionTimeout(),
		lastLeaderId:    m.follower.lastLeaderId,
	}
}

// TimeoutNow forces an immediate election, used for leadership transfer
//.
func (m *ConsensusModule) TimeoutNow(tick Tick) {
	if m.role == roleLeader {
		return
	}
	m.follower.lastHeartbeat = time.Time{}
	m.follower.electionTimeout = 0
	m.startElection(tick)
}
