package raft

import (
	"math/rand"
	"time"
)

// Election and replication timing tunables.
const (
	electionTimeoutMin = 400 * time.Millisecond
	electionTimeoutMax = 800 * time.Millisecond
	heartbeatTimeout   = 150 * time.Millisecond
	clockDriftBound    = 2.0
	idleNextTick       = time.Second
)

// Options configures a ConsensusModule at construction time.
type Options struct {
	Self ServerId
	// Initial persisted metadata, as recovered from internal/metastore.
	Metadata Metadata
	// Initial in-memory log index, as recovered from the external Log's
	// prev()/entries() on startup.
	LogPrev LogOffset
	// Initial configuration: the membership recovered from the persisted
	// metadata, or the bootstrap membership on first boot.
	Config map[ServerId]Role
	// Rand is injectable for deterministic tests; defaults to a
	// time-seeded source.
	Rand *rand.Rand
}

// ConsensusModule is the pure Raft state machine. Every exported method is
// synchronous and non-blocking; all side effects are recorded into the
// Tick passed in.
type ConsensusModule struct {
	self ServerId

	currentTerm Term
	votedFor    ServerId
	commitIndex LogIndex

	log    *logMetadata
	config *configuration

	role      roleKind
	follower  followerState
	candidate candidateState
	leader    leaderState

	meta dirtyMetadata

	// pendingConflict is set when a local truncation forced by
	// AppendEntries means commit-index advancement must wait for that
	// truncation's first new entry to be durably flushed (
	// "Pending-conflict tracking", §4.1.2, §4.1.3).
	pendingConflict    *LogSequence
	pendingCommitIndex LogIndex

	nextRequestId RequestId

	// selfFlushedIndex is the highest log index this server has itself
	// durably flushed, used by the leader commit rule (
	// "using the leader's own flushed index for itself").
	selfFlushedIndex LogIndex

	rand *rand.Rand
}

// New constructs a ConsensusModule from recovered persisted state. It
// performs no I/O.
func New(opts Options) *ConsensusModule {
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m := &ConsensusModule{
		self:        opts.Self,
		currentTerm: opts.Metadata.CurrentTerm,
		votedFor:    opts.Metadata.VotedFor,
		commitIndex: opts.Metadata.CommitIndex,
		log:         newLogMetadata(opts.LogPrev),
		config:      newConfiguration(opts.Config),
		role:        roleFollower,
		rand:        r,
	}
	m.follower = followerState{
		lastHeartbeat:   time.Time{},
		electionTimeout: m.randomElectionTimeout(),
	}
	return m
}

func (m *ConsensusModule) randomElectionTimeout() time.Duration {
	span := electionTimeoutMax - electionTimeoutMin
	return electionTimeoutMin + time.Duration(m.rand.Int63n(int64(span)))
}

func (m *ConsensusModule) nextRequestID() RequestId {
	m.nextRequestId++
	return m.nextRequestId
}

func (m *ConsensusModule) lastLogPosition() LogPosition {
	return m.log.last().Position
}

func (m *ConsensusModule) quorumSize() int {
	return len(m.config.voters())/2 + 1
}

// Cycle advances timers and drives elections/replication. It is idempotent
// and safe to call more often than NextTick requests.
func (m *ConsensusModule) Cycle(tick Tick) {
	switch m.role {
	case roleFollower:
		m.cycleFollower(tick)
	case roleCandidate:
		m.cycleCandidate(tick)
	case roleLeader:
		m.cycleLeader(tick)
	}
	m.flushMetadataEffect(tick)
}

// flushMetadataEffect copies the dirty-metadata marker into this tick's
// Effects and clears it. Called at the end of every public entry point that
// might have mutated currentTerm/votedFor/commitIndex.
func (m *ConsensusModule) flushMetadataEffect(tick Tick) {
	if !m.meta.dirty {
		return
	}
	critical := m.meta.clear()
	tick.Effects.PersistMetadata = true
	if critical {
		tick.Effects.PersistCritical = true
	}
}

// updateCommitted applies the commit-rule gate from advancing
// commitIndex is blocked while pendingConflict is set and the log hasn't
// flushed past it yet.
func (m *ConsensusModule) updateCommitted(candidate LogIndex, tick Tick) {
	if candidate <= m.commitIndex {
		return
	}
	if m.pendingConflict != nil {
		if candidate > m.pendingCommitIndex {
			m.pendingCommitIndex = candidate
		}
		return
	}
	m.commitIndex = candidate
	m.config.finalizeIfCommitted(candidate)
	m.meta.mark(false)
	tick.Effects.CommitIndexChanged = true
	if m.role == roleLeader {
		m.leader.readIndex = m.commitIndex
	}
}

// LogFlushed is feedback from the outer layer: sequence is now durable.
// Clears pendingConflict once it has been passed and releases any buffered
// commit advance.
func (m *ConsensusModule) LogFlushed(sequence LogSequence, tick Tick) {
	if idx := m.log.indexForFlushedSequence(sequence); idx > m.selfFlushedIndex {
		m.selfFlushedIndex = idx
	}
	if m.pendingConflict != nil && sequence >= *m.pendingConflict {
		m.pendingConflict = nil
		if m.pendingCommitIndex > m.commitIndex {
			m.updateCommitted(m.pendingCommitIndex, tick)
		}
		m.pendingCommitIndex = 0
	}
	if m.role == roleLeader {
		m.recomputeCommit(tick)
	}
	m.flushMetadataEffect(tick)
}

// LogDiscarded is feedback that the external Log discarded everything at or
// before offset — used to keep logMetadata.prev in sync after a
// snapshot-driven compaction.
func (m *ConsensusModule) LogDiscarded(offset LogOffset) {
	m.log.discardThrough(offset.Position)
}

// PersistedMetadata is feedback that Metadata has been durably written; it
// must be delivered in the same order the writes were issued.
// Callers holding a MustPersistMetadata[T] response may release it once the
// metadata generation it was produced under has been confirmed persisted.
func (m *ConsensusModule) PersistedMetadata(meta Metadata, tick Tick) {
	// Winning an election depends on self-vote + persisted metadata: only
	// once this persist confirms term==currentTerm and votedFor==self (for
	// the term we are still a candidate in) does the self-vote count toward
	// majority. Re-check the win condition now that it might.
	if m.role == roleCandidate &&
		meta.CurrentTerm == m.currentTerm &&
		meta.VotedFor == m.self &&
		m.config.isMember(m.self) {
		m.candidate.selfVoteConfirmed = true
	}
	if m.role == roleCandidate {
		m.maybeBecomeLeader(tick)
	}
}

// CurrentTerm, CommitIndex, Role and LeaderHint are read-only observers
// used by the admin surface and by tests; they take no lock because the
// module is always called while ServerShared holds its single mutex.
func (m *ConsensusModule) CurrentTerm() Term       { return m.currentTerm }
func (m *ConsensusModule) CommitIndex() LogIndex   { return m.commitIndex }
func (m *ConsensusModule) IsLeader() bool          { return m.role == roleLeader }
func (m *ConsensusModule) LastLogIndex() LogIndex  { return m.log.lastIndex() }

// Role returns the current role as a human-readable string, for status
// reporting only; nothing in the module itself branches on the string form.
func (m *ConsensusModule) Role() string {
	switch m.role {
	case roleLeader:
		return "leader"
	case roleCandidate:
		return "candidate"
	default:
		return "follower"
	}
}

// Config returns a snapshot of the current membership, for the driving
// layer to persist alongside Metadata and to populate outbound
// InstallSnapshot requests with LastConfig.
func (m *ConsensusModule) Config() map[ServerId]Role { return m.config.clone() }

// VotedFor returns the candidate this server voted for in currentTerm, or
// zero if none. Exposed so the driving layer can build the Metadata blob
// it persists.
func (m *ConsensusModule) VotedFor() ServerId { return m.votedFor }

func (m *ConsensusModule) LeaderHint() ServerId {
	switch m.role {
	case roleLeader:
		return m.self
	case roleFollower:
		return m.follower.lastLeaderId
	default:
		return 0
	}
}
