package raft

// Metadata is the small set of fields the outer layer must persist
// durably before certain effects (granting a vote, advancing the commit
// index past a truncation) become externally observable. The concrete
// persistence mechanism lives in internal/metastore.
type Metadata struct {
	CurrentTerm Term
	VotedFor    ServerId
	CommitIndex LogIndex
}

// dirtyMetadata tracks whether Metadata has changed since it was last
// handed to the caller for persistence, and whether the change was the
// safety-critical kind (a non-zero VotedFor) that must be flushed
// immediately rather than batched.
type dirtyMetadata struct {
	dirty    bool
	critical bool
}

func (d *dirtyMetadata) mark(critical bool) {
	d.dirty = true
	if critical {
		d.critical = true
	}
}

func (d *dirtyMetadata) clear() (wasCritical bool) {
	wasCritical = d.critical
	d.dirty = false
	d.critical = false
	return
}
