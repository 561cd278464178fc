package raftserver

import (
	"context"
	"io"

	"github.com/cordata/raftd/internal/raft"
)

// Log is the durable log the ConsensusModule's in-memory index shadows.
// ServerShared is the only caller; the module itself never touches it.
type Log interface {
	// Prev returns the offset immediately before the first stored entry.
	Prev() raft.LogOffset
	LastIndex() raft.LogIndex
	// Term returns the term stored at index, or false if unknown.
	Term(index raft.LogIndex) (raft.Term, bool)
	// Entry returns the entry at index and the sequence it was appended
	// under, or false if it is not present.
	Entry(index raft.LogIndex) (raft.Entry, raft.LogSequence, bool)
	// Entries returns the inclusive range [a,b] and the sequence of the
	// last entry in it, or false if any index in the range is missing.
	Entries(a, b raft.LogIndex) ([]raft.Entry, raft.LogSequence, bool)
	// Append stores entry under sequence, which must be greater than every
	// previously assigned sequence.
	Append(entry raft.Entry, sequence raft.LogSequence) error
	// WaitForFlush blocks until at least one append since the last call
	// has become durable, or ctx is cancelled.
	WaitForFlush(ctx context.Context) error
	LastFlushed() raft.LogSequence
	// Discard drops every entry at or before position.
	Discard(position raft.LogPosition) error
}

// StateMachine is the application state machine driven by the Applier task.
type StateMachine interface {
	Apply(index raft.LogIndex, command []byte) (any, error)
	// Snapshot returns a readable stream of the current state, the
	// position it was taken at, and an approximate byte size, or ok=false
	// if no snapshot can be produced right now.
	Snapshot() (data io.Reader, lastApplied raft.LogPosition, approximateSize int64, ok bool)
	// Restore replaces the state machine's contents from data. false means
	// the restore was refused (e.g. a stale position).
	Restore(data io.Reader, lastApplied raft.LogPosition) (bool, error)
	LastFlushed() raft.LogIndex
	WaitForFlush(ctx context.Context)
}
