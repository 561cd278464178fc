package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cordata/raftd/internal/raft"
)

func appendEntry(t *testing.T, m *Memory, index raft.LogIndex, term raft.Term, sequence raft.LogSequence) {
	t.Helper()
	require.NoError(t, m.Append(raft.Entry{Term: term, Index: index, Kind: raft.EntryCommand}, sequence))
}

func TestMemoryAppendAndEntry(t *testing.T) {
	m := NewMemory()
	appendEntry(t, m, 1, 1, 1)
	appendEntry(t, m, 2, 1, 2)

	entry, seq, ok := m.Entry(2)
	require.True(t, ok)
	require.Equal(t, raft.LogSequence(2), seq)
	require.Equal(t, raft.LogIndex(2), entry.Index)

	require.Equal(t, raft.LogIndex(2), m.LastIndex())
	require.Equal(t, raft.LogSequence(2), m.LastFlushed())
}

func TestMemoryEntriesRange(t *testing.T) {
	m := NewMemory()
	appendEntry(t, m, 1, 1, 1)
	appendEntry(t, m, 2, 1, 2)
	appendEntry(t, m, 3, 1, 3)

	entries, seq, ok := m.Entries(1, 3)
	require.True(t, ok)
	require.Equal(t, raft.LogSequence(3), seq)
	require.Len(t, entries, 3)

	_, _, ok = m.Entries(1, 5)
	require.False(t, ok)
}

func TestMemoryAppendTruncatesConflictingSuffix(t *testing.T) {
	m := NewMemory()
	appendEntry(t, m, 1, 1, 1)
	appendEntry(t, m, 2, 1, 2)
	appendEntry(t, m, 3, 1, 3)

	// A leader from a later term overwrites index 2 onward.
	appendEntry(t, m, 2, 2, 4)

	require.Equal(t, raft.LogIndex(2), m.LastIndex())
	entry, _, ok := m.Entry(2)
	require.True(t, ok)
	require.Equal(t, raft.Term(2), entry.Term)

	_, _, ok = m.Entry(3)
	require.False(t, ok)
}

func TestMemoryDiscardAdvancesPrev(t *testing.T) {
	m := NewMemory()
	appendEntry(t, m, 1, 1, 1)
	appendEntry(t, m, 2, 1, 2)
	appendEntry(t, m, 3, 1, 3)

	require.NoError(t, m.Discard(raft.LogPosition{Term: 1, Index: 2}))

	prev := m.Prev()
	require.Equal(t, raft.LogIndex(2), prev.Position.Index)

	_, _, ok := m.Entry(2)
	require.False(t, ok)
	_, _, ok = m.Entry(3)
	require.True(t, ok)
}

func TestMemoryWaitForFlushUnblocksOnAppend(t *testing.T) {
	m := NewMemory()
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- m.WaitForFlush(ctx)
	}()

	appendEntry(t, m, 1, 1, 1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForFlush did not unblock after Append")
	}
}

func TestMemoryTermForPrevAndUnknown(t *testing.T) {
	m := NewMemory()
	appendEntry(t, m, 1, 1, 1)

	term, ok := m.Term(0)
	require.True(t, ok)
	require.Equal(t, raft.Term(0), term)

	_, ok = m.Term(5)
	require.False(t, ok)
}
