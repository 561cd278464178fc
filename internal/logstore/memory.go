package logstore

import (
	"context"
	"sync"

	"github.com/cordata/raftd/internal/raft"
)

type memEntry struct {
	entry    raft.Entry
	sequence raft.LogSequence
}

// Memory is an in-memory Log used by tests and by single-node development
// runs that don't want a Postgres dependency.
type Memory struct {
	mu      sync.RWMutex
	prev    raft.LogOffset
	entries []memEntry
	flushCh chan struct{}
}

func NewMemory() *Memory {
	return &Memory{flushCh: make(chan struct{})}
}

func (m *Memory) Prev() raft.LogOffset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prev
}

func (m *Memory) LastIndex() raft.LogIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return m.prev.Position.Index
	}
	return m.entries[len(m.entries)-1].entry.Index
}

func (m *Memory) find(index raft.LogIndex) (int, bool) {
	if len(m.entries) == 0 {
		return 0, false
	}
	first := m.entries[0].entry.Index
	if index < first || index > m.entries[len(m.entries)-1].entry.Index {
		return 0, false
	}
	return int(index - first), true
}

func (m *Memory) Term(index raft.LogIndex) (raft.Term, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index == m.prev.Position.Index {
		return m.prev.Position.Term, true
	}
	if i, ok := m.find(index); ok {
		return m.entries[i].entry.Term, true
	}
	return 0, false
}

func (m *Memory) Entry(index raft.LogIndex) (raft.Entry, raft.LogSequence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.find(index); ok {
		return m.entries[i].entry, m.entries[i].sequence, true
	}
	return raft.Entry{}, 0, false
}

func (m *Memory) Entries(a, b raft.LogIndex) ([]raft.Entry, raft.LogSequence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ia, ok := m.find(a)
	if !ok {
		return nil, 0, false
	}
	ib, ok := m.find(b)
	if !ok {
		return nil, 0, false
	}
	out := make([]raft.Entry, 0, ib-ia+1)
	for i := ia; i <= ib; i++ {
		out = append(out, m.entries[i].entry)
	}
	return out, m.entries[ib].sequence, true
}

func (m *Memory) Append(entry raft.Entry, sequence raft.LogSequence) error {
	m.mu.Lock()
	if entry.Index <= m.LastIndexLocked() {
		m.truncateFromLocked(entry.Index)
	}
	m.entries = append(m.entries, memEntry{entry: entry, sequence: sequence})
	ch := m.flushCh
	m.flushCh = make(chan struct{})
	m.mu.Unlock()
	close(ch)
	return nil
}

func (m *Memory) LastIndexLocked() raft.LogIndex {
	if len(m.entries) == 0 {
		return m.prev.Position.Index
	}
	return m.entries[len(m.entries)-1].entry.Index
}

func (m *Memory) truncateFromLocked(index raft.LogIndex) {
	if i, ok := m.find(index); ok {
		m.entries = m.entries[:i]
	}
}

func (m *Memory) WaitForFlush(ctx context.Context) error {
	m.mu.RLock()
	ch := m.flushCh
	m.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) LastFlushed() raft.LogSequence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return m.prev.Sequence
	}
	return m.entries[len(m.entries)-1].sequence
}

func (m *Memory) Discard(position raft.LogPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.find(position.Index); ok {
		seq := m.entries[i].sequence
		m.entries = append([]memEntry(nil), m.entries[i+1:]...)
		m.prev = raft.LogOffset{Position: position, Sequence: seq}
	} else {
		m.entries = nil
		m.prev = raft.LogOffset{Position: position, Sequence: m.prev.Sequence}
	}
	return nil
}
