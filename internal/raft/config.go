package raft

// configuration is the cluster membership state machine. It applies Config
// log entries as they are appended (not when committed), tracking at most
// one pending change so it can be reverted if the entry that carried it is
// later truncated, or finalized once that entry commits.
type configuration struct {
	members map[ServerId]Role

	hasPending bool
	pending    pendingChange
}

type pendingChange struct {
	lastChange LogIndex
	change     ConfigChange
	// snapshot of the member map immediately before the change was
	// applied, so a truncation can restore it exactly.
	before map[ServerId]Role
}

func newConfiguration(initial map[ServerId]Role) *configuration {
	m := make(map[ServerId]Role, len(initial))
	for id, r := range initial {
		m[id] = r
	}
	return &configuration{members: m}
}

func (c *configuration) clone() map[ServerId]Role {
	m := make(map[ServerId]Role, len(c.members))
	for id, r := range c.members {
		m[id] = r
	}
	return m
}

func (c *configuration) role(id ServerId) (Role, bool) {
	r, ok := c.members[id]
	return r, ok
}

func (c *configuration) isMember(id ServerId) bool {
	r, ok := c.members[id]
	return ok && r == RoleMember
}

// voters returns every member (not learner) id, including self if present.
func (c *configuration) voters() []ServerId {
	ids := make([]ServerId, 0, len(c.members))
	for id, r := range c.members {
		if r == RoleMember {
			ids = append(ids, id)
		}
	}
	return ids
}

// hasUncommittedChange reports whether propose_entry must reject a new
// Config proposal with RetryAfter.
func (c *configuration) hasUncommittedChange() bool {
	return c.hasPending
}

func (c *configuration) pendingIndex() LogIndex {
	return c.pending.lastChange
}

// apply applies a Config entry at the moment it is appended to the log
// (leader proposing it, or a follower receiving it in AppendEntries). At
// most one change may be pending; the caller (propose_entry / the
// AppendEntries handler) is responsible for enforcing that invariant before
// calling apply for leader-originated proposals. A follower applying
// leader-sent entries trusts the leader enforced it.
func (c *configuration) apply(index LogIndex, change ConfigChange) {
	before := c.clone()
	switch change.Kind {
	case ConfigAddMember:
		c.members[change.ServerId] = RoleMember
	case ConfigAddLearner:
		c.members[change.ServerId] = RoleLearner
	case ConfigRemoveServer:
		delete(c.members, change.ServerId)
	}
	c.hasPending = true
	c.pending = pendingChange{lastChange: index, change: change, before: before}
}

// revertPendingAtOrAfter reverts the pending change if it lives at or after
// the given index — called when AppendEntries forces a truncation that
// discards the entry carrying it.
func (c *configuration) revertPendingAtOrAfter(index LogIndex) {
	if !c.hasPending || c.pending.lastChange < index {
		return
	}
	c.members = c.pending.before
	c.hasPending = false
	c.pending = pendingChange{}
}

// finalizeIfCommitted clears the pending marker once commitIndex has passed
// the entry that carried it.
func (c *configuration) finalizeIfCommitted(commitIndex LogIndex) {
	if c.hasPending && c.pending.lastChange <= commitIndex {
		c.hasPending = false
		c.pending = pendingChange{}
	}
}
