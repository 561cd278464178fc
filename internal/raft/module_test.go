package raft

import (
	"math/rand"
	"testing"
	"time"
)

// Plain table-driven / direct-assertion tests over the pure ConsensusModule,
// in the style of an algorithmic unit test suite: no assertion library, a
// handful of package-level fixtures, helper constructors per scenario.

var (
	testId1 ServerId = 1
	testId2 ServerId = 2
	testId3 ServerId = 3
)

// fixedRand makes election timeouts deterministic across a test run without
// removing the randomized-timeout code path itself.
func fixedRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func newTestModule(self ServerId, config map[ServerId]Role, meta Metadata, logPrev LogOffset) *ConsensusModule {
	return New(Options{
		Self:     self,
		Metadata: meta,
		LogPrev:  logPrev,
		Config:   config,
		Rand:     fixedRand(1),
	})
}

// --- scenario: single-member bootstrap election ---
//
// A lone member with one already-committed config entry, on its first
// Cycle, must become a candidate, then only become leader once its own
// vote is confirmed durable, and only advance past the noop entry's commit
// once that entry itself has flushed.
func TestSingleMemberBootstrapElection(t *testing.T) {
	m := newTestModule(testId1,
		map[ServerId]Role{testId1: RoleMember},
		Metadata{CurrentTerm: 1, CommitIndex: 1},
		LogOffset{Position: LogPosition{Term: 1, Index: 1}, Sequence: 1},
	)

	t0 := time.Unix(1700000000, 0)
	tick1 := NewTick(t0.Add(time.Millisecond))
	m.Cycle(tick1)

	if m.CurrentTerm() != 2 {
		t.Fatalf("CurrentTerm = %d, want 2", m.CurrentTerm())
	}
	if m.VotedFor() != testId1 {
		t.Fatalf("VotedFor = %d, want %d", m.VotedFor(), testId1)
	}
	if m.Role() != "candidate" {
		t.Fatalf("Role = %q, want candidate (self vote not yet persisted)", m.Role())
	}
	if !tick1.Effects.PersistMetadata {
		t.Fatal("expected PersistMetadata effect after starting an election")
	}

	// Confirm the self-vote/term write durably landed.
	tick2 := NewTick(t0.Add(2 * time.Millisecond))
	m.PersistedMetadata(Metadata{CurrentTerm: 2, VotedFor: testId1, CommitIndex: 1}, tick2)

	if m.Role() != "leader" {
		t.Fatalf("Role = %q, want leader once self vote is persisted", m.Role())
	}
	if m.CommitIndex() != 1 {
		t.Fatalf("CommitIndex = %d, want 1 (noop entry not yet flushed)", m.CommitIndex())
	}

	// The noop entry the new leader appended is index 2, sequence 2.
	tick3 := NewTick(t0.Add(3 * time.Millisecond))
	m.LogFlushed(2, tick3)

	if m.CommitIndex() != 2 {
		t.Fatalf("CommitIndex = %d, want 2 after the leader's noop entry flushes", m.CommitIndex())
	}
}

// --- scenario: two-member election requires the self vote to be persisted ---
//
// This is the direct regression guard for the self-vote/PersistedMetadata
// gating: in a two-member cluster, a granted peer vote alone must not tip
// the candidate into leadership before its own vote write is confirmed
// durable, since counting it unconditionally would let the candidate
// declare itself leader a tick before that write could possibly have
// landed on disk.
func TestTwoMemberElectionRequiresPersistedSelfVote(t *testing.T) {
	config := map[ServerId]Role{testId1: RoleMember, testId2: RoleMember}
	server1 := newTestModule(testId1, config, Metadata{}, LogOffset{})
	server2 := newTestModule(testId2, config, Metadata{}, LogOffset{})

	t0 := time.Unix(1700000000, 0)
	tick1 := NewTick(t0.Add(time.Millisecond))
	server1.Cycle(tick1)

	if server1.Role() != "candidate" {
		t.Fatalf("server1 Role = %q, want candidate", server1.Role())
	}
	if len(tick1.Effects.RequestVotes) != 1 {
		t.Fatalf("got %d RequestVote batches, want 1", len(tick1.Effects.RequestVotes))
	}
	rv := tick1.Effects.RequestVotes[0]
	if len(rv.Targets) != 1 || rv.Targets[0] != testId2 {
		t.Fatalf("RequestVote targets = %v, want [%d]", rv.Targets, testId2)
	}

	voteTick := NewTick(t0.Add(2 * time.Millisecond))
	voteResp := server2.RequestVote(rv.Request, voteTick)
	if !voteResp.Value.VoteGranted {
		t.Fatal("server2 should grant the vote (first request seen this term)")
	}

	cbTick := NewTick(t0.Add(3 * time.Millisecond))
	server1.RequestVoteCallback(testId2, rv.RequestId, voteResp.Value, cbTick)

	if server1.Role() != "candidate" {
		t.Fatalf("server1 Role = %q after a single peer vote, want still candidate "+
			"(its own vote has not yet been confirmed persisted)", server1.Role())
	}

	persistTick := NewTick(t0.Add(4 * time.Millisecond))
	server1.PersistedMetadata(Metadata{CurrentTerm: server1.CurrentTerm(), VotedFor: testId1}, persistTick)

	if server1.Role() != "leader" {
		t.Fatalf("server1 Role = %q, want leader once both the peer vote and the self "+
			"vote are accounted for", server1.Role())
	}
	if len(persistTick.Effects.AppendEntries) != 1 {
		t.Fatalf("expected the new leader to immediately dispatch its noop entry, got %d AppendEntries batches",
			len(persistTick.Effects.AppendEntries))
	}
}

// TestVotePredicateTableDriven exercises RequestVote's granting rule across
// the cases that matter for election safety: stale term, already voted
// this term for someone else, already voted this term for the same
// candidate, and a candidate whose log is behind.
func TestVotePredicateTableDriven(t *testing.T) {
	cases := []struct {
		name        string
		currentTerm Term
		votedFor    ServerId
		lastLog     LogPosition
		req         RequestVoteRequest
		wantGranted bool
	}{
		{
			name:        "stale term rejected",
			currentTerm: 5,
			req:         RequestVoteRequest{Term: 4, CandidateId: testId2, LastLogIndex: 0, LastLogTerm: 0},
			wantGranted: false,
		},
		{
			name:        "fresh vote granted",
			currentTerm: 1,
			req:         RequestVoteRequest{Term: 1, CandidateId: testId2, LastLogIndex: 0, LastLogTerm: 0},
			wantGranted: true,
		},
		{
			name:        "already voted for a different candidate this term",
			currentTerm: 1,
			votedFor:    testId3,
			req:         RequestVoteRequest{Term: 1, CandidateId: testId2, LastLogIndex: 0, LastLogTerm: 0},
			wantGranted: false,
		},
		{
			name:        "re-granting the same candidate is idempotent",
			currentTerm: 1,
			votedFor:    testId2,
			req:         RequestVoteRequest{Term: 1, CandidateId: testId2, LastLogIndex: 0, LastLogTerm: 0},
			wantGranted: true,
		},
		{
			name:        "candidate log behind ours is rejected",
			currentTerm: 1,
			lastLog:     LogPosition{Term: 1, Index: 5},
			req:         RequestVoteRequest{Term: 2, CandidateId: testId2, LastLogIndex: 3, LastLogTerm: 1},
			wantGranted: false,
		},
		{
			name:        "candidate log strictly ahead in term wins despite shorter index",
			currentTerm: 1,
			lastLog:     LogPosition{Term: 1, Index: 5},
			req:         RequestVoteRequest{Term: 2, CandidateId: testId2, LastLogIndex: 1, LastLogTerm: 2},
			wantGranted: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestModule(testId1, map[ServerId]Role{testId1: RoleMember, testId2: RoleMember}, Metadata{}, LogOffset{})
			m.currentTerm = tc.currentTerm
			m.votedFor = tc.votedFor
			for i := LogIndex(1); i <= tc.lastLog.Index; i++ {
				m.log.append(tc.lastLog.Term, LogSequence(i))
			}

			tick := NewTick(time.Unix(1700000000, 0))
			resp := m.RequestVote(tc.req, tick)
			if resp.Value.VoteGranted != tc.wantGranted {
				t.Fatalf("VoteGranted = %v, want %v", resp.Value.VoteGranted, tc.wantGranted)
			}
		})
	}
}

// --- scenario: log truncation on a divergent follower ---
//
// A follower whose own uncommitted tail conflicts with the new leader's
// entries must truncate and accept the leader's version, and must defer
// any commit-index advance past the truncation point until that point has
// itself been durably flushed.
func TestLogTruncationOnDivergentFollower(t *testing.T) {
	m := newTestModule(testId2,
		map[ServerId]Role{testId1: RoleMember, testId2: RoleMember},
		Metadata{CurrentTerm: 2, CommitIndex: 2},
		LogOffset{},
	)
	m.log.append(1, 1) // index 1, term 1
	m.log.append(1, 2) // index 2, term 1
	m.log.append(2, 3) // index 3, term 2 (uncommitted, about to diverge)

	req := AppendEntriesRequest{
		Term:         3,
		LeaderId:     testId1,
		PrevLogIndex: 2,
		PrevLogTerm:  1,
		LeaderCommit: 2,
		Entries: []Entry{
			{Term: 3, Index: 3, Kind: EntryCommand, Data: []byte("a")},
			{Term: 3, Index: 4, Kind: EntryCommand, Data: []byte("b")},
		},
	}

	tick := NewTick(time.Unix(1700000000, 0))
	resp, fatal := m.AppendEntries(req, tick)
	if fatal != nil {
		t.Fatalf("unexpected fatal error: %v", fatal)
	}
	if !resp.Value.Success {
		t.Fatal("expected the append to succeed after truncating the divergent tail")
	}
	if resp.Value.LastLogIndex != 4 {
		t.Fatalf("LastLogIndex = %d, want 4", resp.Value.LastLogIndex)
	}
	if m.CurrentTerm() != 3 {
		t.Fatalf("CurrentTerm = %d, want 3 (leader's term observed)", m.CurrentTerm())
	}
	if m.pendingConflict == nil {
		t.Fatal("expected pendingConflict to be set for the truncation's first new entry")
	}
	conflictSeq := *m.pendingConflict
	if len(tick.Effects.NewEntries) != 2 {
		t.Fatalf("got %d new entries recorded, want 2", len(tick.Effects.NewEntries))
	}

	// A later leader_commit bump past the truncation point must be
	// deferred until the flush catches up.
	deferTick := NewTick(time.Unix(1700000001, 0))
	m.updateCommitted(4, deferTick)
	if m.CommitIndex() != 2 {
		t.Fatalf("CommitIndex = %d, want still 2 while the truncation is unflushed", m.CommitIndex())
	}

	flushTick := NewTick(time.Unix(1700000002, 0))
	m.LogFlushed(conflictSeq, flushTick)
	if m.CommitIndex() != 4 {
		t.Fatalf("CommitIndex = %d, want 4 once the truncation's entries flush and release the deferred commit", m.CommitIndex())
	}
}

// --- scenario: linearizable read under an active lease ---
func TestReadIndexUnderLease(t *testing.T) {
	m := newTestModule(testId1,
		map[ServerId]Role{testId1: RoleMember, testId2: RoleMember},
		Metadata{},
		LogOffset{},
	)
	m.role = roleLeader
	m.currentTerm = 5
	m.commitIndex = 100
	m.log = newLogMetadata(LogOffset{Position: LogPosition{Term: 5, Index: 100}, Sequence: 100})

	t0 := time.Unix(1700000000, 0)
	m.leader = leaderState{
		followers: map[ServerId]*followerProgress{testId2: newFollowerProgress(101)},
		leaseStart: t0,
		readIndex:  100,
	}

	t1 := t0.Add(time.Second)
	ri, _, ok := m.ReadIndexOp(t1)
	if !ok {
		t.Fatal("ReadIndexOp failed on the leader")
	}
	if ri.Index != 100 || ri.Term != 5 {
		t.Fatalf("ReadIndex = %+v, want Index 100 Term 5", ri)
	}

	result := m.ResolveReadIndex(ri, false)
	if result.Outcome != ReadIndexWaitForLease {
		t.Fatalf("Outcome = %v, want ReadIndexWaitForLease (lease predates the read)", result.Outcome)
	}

	// Simulate a quorum of heartbeat acknowledgements advancing the lease
	// past the read's timestamp.
	m.leader.leaseStart = t1.Add(time.Millisecond)
	result2 := m.ResolveReadIndex(ri, false)
	if result2.Outcome != ReadIndexResolved {
		t.Fatalf("Outcome = %v, want ReadIndexResolved once the lease covers the read", result2.Outcome)
	}
	if result2.Index != 100 {
		t.Fatalf("Index = %d, want 100", result2.Index)
	}
}

// --- scenario: a config change is rejected while one is already pending ---
func TestConfigChangeRejectedWhilePending(t *testing.T) {
	m := newTestModule(testId1,
		map[ServerId]Role{testId1: RoleMember, testId2: RoleMember},
		Metadata{},
		LogOffset{},
	)
	m.role = roleLeader
	m.currentTerm = 3
	m.leader = leaderState{followers: map[ServerId]*followerProgress{testId2: newFollowerProgress(1)}}
	for i := 0; i < 9; i++ {
		m.log.append(3, LogSequence(i+1))
	}
	m.config.apply(10, ConfigChange{Kind: ConfigAddLearner, ServerId: testId3})
	m.log.append(3, 10) // the pending change's own carrying entry, index 10

	tick := NewTick(time.Unix(1700000000, 0))
	result := m.ProposeConfigChange(ConfigChange{Kind: ConfigAddLearner, ServerId: 7}, tick)
	if result.Outcome != ProposeRetryAfter {
		t.Fatalf("Outcome = %v, want ProposeRetryAfter while a config change is pending", result.Outcome)
	}
	if result.RetryAfter != (LogPosition{Term: 3, Index: 10}) {
		t.Fatalf("RetryAfter = %+v, want (term=3,index=10)", result.RetryAfter)
	}

	commitTick := NewTick(time.Unix(1700000001, 0))
	m.updateCommitted(10, commitTick)

	tick2 := NewTick(time.Unix(1700000002, 0))
	result2 := m.ProposeConfigChange(ConfigChange{Kind: ConfigAddLearner, ServerId: 7}, tick2)
	if result2.Outcome != ProposeAccepted {
		t.Fatalf("Outcome = %v, want ProposeAccepted once the prior change committed", result2.Outcome)
	}
}

// --- scenario: quorum failure during replication, then recovery ---
func TestQuorumFailureDuringReplication(t *testing.T) {
	m := newTestModule(testId1,
		map[ServerId]Role{testId1: RoleMember, testId2: RoleMember, testId3: RoleMember},
		Metadata{},
		LogOffset{},
	)
	m.role = roleLeader
	m.currentTerm = 2
	m.commitIndex = 4
	m.selfFlushedIndex = 4
	for i := 0; i < 4; i++ {
		m.log.append(2, LogSequence(i+1))
	}
	m.leader = leaderState{
		followers: map[ServerId]*followerProgress{
			testId2: newFollowerProgress(5),
			testId3: newFollowerProgress(5),
		},
	}

	proposeTick := NewTick(time.Unix(1700000000, 0))
	result := m.ProposeEntry([]byte("set x=1"), nil, proposeTick)
	if result.Outcome != ProposeAccepted {
		t.Fatalf("Outcome = %v, want ProposeAccepted", result.Outcome)
	}
	if len(proposeTick.Effects.AppendEntries) == 0 {
		t.Fatal("expected the propose to dispatch AppendEntries to both followers")
	}
	reqID := proposeTick.Effects.AppendEntries[0].RequestId

	if m.CommitIndex() != 4 {
		t.Fatalf("CommitIndex = %d, want still 4 before any peer acknowledges the new entry", m.CommitIndex())
	}

	flushTick := NewTick(time.Unix(1700000001, 0))
	m.LogFlushed(5, flushTick)
	if m.CommitIndex() != 4 {
		t.Fatalf("CommitIndex = %d, want still 4 after only the leader's own flush (no quorum yet)", m.CommitIndex())
	}

	// The network partition heals and server2 acknowledges.
	ackTick := NewTick(time.Unix(1700000002, 0))
	m.AppendEntriesCallback(testId2, reqID, AppendEntriesResponse{Term: 2, Success: true, LastLogIndex: 5}, ackTick)

	if !ackTick.Effects.CommitIndexChanged {
		t.Fatal("expected CommitIndexChanged once a majority (leader + server2) has the new entry")
	}
	if m.CommitIndex() != 5 {
		t.Fatalf("CommitIndex = %d, want 5 once a quorum holds the entry", m.CommitIndex())
	}
}
