package raft

// logMetadata is the in-memory index over log entries the module still
// remembers the (term, sequence) of — it does not hold entry bytes, only
// enough to answer consistency-check and commit-rule questions without
// touching the external Log. See "LogMetadata".
//
// Invariants maintained by every mutator in this file:
//   - entries[].Position.Index is contiguous from prev.Position.Index+1 to
//     the last entry's index.
//   - Position.Term is non-decreasing across entries in index order.
//   - Sequence is strictly increasing across entries in index order, and
//     strictly greater than prev.Sequence.
type logMetadata struct {
	prev    LogOffset
	entries []LogOffset // ordered by index, entries[i].Position.Index == prev.Position.Index+1+i
}

func newLogMetadata(prev LogOffset) *logMetadata {
	return &logMetadata{prev: prev}
}

// last returns the offset of the last entry, or prev if the log is empty.
func (m *logMetadata) last() LogOffset {
	if len(m.entries) == 0 {
		return m.prev
	}
	return m.entries[len(m.entries)-1]
}

func (m *logMetadata) lastIndex() LogIndex {
	return m.last().Position.Index
}

func (m *logMetadata) lastTerm() Term {
	return m.last().Position.Term
}

// at returns the offset at index, and whether it is known in memory.
func (m *logMetadata) at(index LogIndex) (LogOffset, bool) {
	if index == m.prev.Position.Index {
		return m.prev, true
	}
	if index < m.prev.Position.Index || index > m.lastIndex() {
		return LogOffset{}, false
	}
	return m.entries[index-m.prev.Position.Index-1], true
}

// indexForFlushedSequence returns the greatest index whose assigned
// sequence is <= seq — i.e. the highest index known durable once the log
// reports it has flushed through seq.
func (m *logMetadata) indexForFlushedSequence(seq LogSequence) LogIndex {
	if m.prev.Sequence <= seq {
		result := m.prev.Position.Index
		for _, off := range m.entries {
			if off.Sequence <= seq {
				result = off.Position.Index
			} else {
				break
			}
		}
		return result
	}
	return 0
}

func (m *logMetadata) termAt(index LogIndex) (Term, bool) {
	off, ok := m.at(index)
	if !ok {
		return 0, false
	}
	return off.Position.Term, true
}

// append records a freshly assigned offset for the entry immediately
// following the current last entry. The caller (the module) is responsible
// for having already validated contiguity and term monotonicity.
func (m *logMetadata) append(term Term, sequence LogSequence) LogOffset {
	off := LogOffset{
		Position: LogPosition{Term: term, Index: m.lastIndex() + 1},
		Sequence: sequence,
	}
	m.entries = append(m.entries, off)
	return off
}

// truncateFrom drops every in-memory entry at or after index, used when a
// leader's AppendEntries forces a local divergence to be discarded.
func (m *logMetadata) truncateFrom(index LogIndex) {
	if index <= m.prev.Position.Index {
		m.entries = nil
		return
	}
	if index > m.lastIndex() {
		return
	}
	keep := index - m.prev.Position.Index - 1
	m.entries = m.entries[:keep]
}

// discardThrough drops every in-memory entry up to and including position,
// advancing prev. Used after a snapshot install or normal log compaction.
func (m *logMetadata) discardThrough(position LogPosition) {
	if position.Index <= m.prev.Position.Index {
		return
	}
	if position.Index > m.lastIndex() {
		m.prev = LogOffset{Position: position, Sequence: m.last().Sequence}
		m.entries = nil
		return
	}
	keepFrom := position.Index - m.prev.Position.Index
	m.prev = m.entries[keepFrom-1]
	m.entries = append([]LogOffset(nil), m.entries[keepFrom:]...)
}
