package raftserver

import (
	"context"
	"errors"
	"time"

	"github.com/cordata/raftd/internal/raft"
)

// ErrNotLeader is returned by Propose and Read when this server does not
// currently believe itself to be the leader.
var ErrNotLeader = errors.New("raftserver: not leader")

// ErrShuttingDown is returned when Stop has already been called.
var ErrShuttingDown = errors.New("raftserver: shutting down")

// ProposeOutcome pairs a client-facing error with the leader hint a caller
// should redirect to, if any.
type ProposeOutcome struct {
	Position   raft.LogPosition
	LeaderHint raft.ServerId
	Term       raft.Term
}

// Status is a point-in-time snapshot of consensus state, for the admin
// surface's Status RPC.
type Status struct {
	Term        raft.Term
	Role        string
	LeaderHint  raft.ServerId
	CommitIndex raft.LogIndex
	LastIndex   raft.LogIndex
	Config      map[raft.ServerId]raft.Role
}

// Status reports the current term, role, leader hint, commit index, last
// log index and membership.
func (s *Server) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Term:        s.module.CurrentTerm(),
		Role:        s.module.Role(),
		LeaderHint:  s.module.LeaderHint(),
		CommitIndex: s.module.CommitIndex(),
		LastIndex:   s.module.LastLogIndex(),
		Config:      s.module.Config(),
	}, nil
}

// Propose appends data as a new command entry and blocks until it has been
// applied to the state machine, or ctx is cancelled, or it is overtaken by
// a later term before committing. On success, value is whatever the state
// machine's Apply returned.
func (s *Server) Propose(ctx context.Context, data []byte) (value any, outcome ProposeOutcome, err error) {
	s.mu.Lock()
	tick := raft.NewTick(time.Now())
	result := s.module.ProposeEntry(data, nil, tick)

	switch result.Outcome {
	case raft.ProposeNotLeader:
		s.dispatch(tick.Effects)
		s.mu.Unlock()
		return nil, ProposeOutcome{LeaderHint: result.NotLeader.LeaderHint, Term: result.NotLeader.Term}, ErrNotLeader
	case raft.ProposeRetryAfter:
		// A config change is already pending; command proposals are not
		// subject to this, so this outcome cannot occur here, but guard
		// against it anyway rather than silently accepting garbage.
		s.dispatch(tick.Effects)
		s.mu.Unlock()
		return nil, ProposeOutcome{}, errors.New("raftserver: propose rejected")
	}

	pending := &pendingProposal{
		position: result.Position,
		result:   make(chan proposalResult, 1),
	}
	s.pendingProposals[result.Position.Index] = pending
	s.dispatch(tick.Effects)
	s.mu.Unlock()

	s.wakeCycler()

	select {
	case r := <-pending.result:
		return r.value, ProposeOutcome{Position: result.Position}, r.err
	case <-s.closed:
		return nil, ProposeOutcome{}, ErrShuttingDown
	case <-ctx.Done():
		return nil, ProposeOutcome{}, ctx.Err()
	}
}

// ProposeConfigChange submits a membership change and blocks until it
// commits, the same way Propose does for command entries.
func (s *Server) ProposeConfigChange(ctx context.Context, change raft.ConfigChange) (outcome ProposeOutcome, err error) {
	s.mu.Lock()
	tick := raft.NewTick(time.Now())
	result := s.module.ProposeConfigChange(change, tick)

	switch result.Outcome {
	case raft.ProposeNotLeader:
		s.dispatch(tick.Effects)
		s.mu.Unlock()
		return ProposeOutcome{LeaderHint: result.NotLeader.LeaderHint, Term: result.NotLeader.Term}, ErrNotLeader
	case raft.ProposeRetryAfter:
		s.dispatch(tick.Effects)
		s.mu.Unlock()
		return ProposeOutcome{Position: result.RetryAfter}, errors.New("raftserver: a config change is already pending")
	}

	pending := &pendingProposal{
		position: result.Position,
		result:   make(chan proposalResult, 1),
	}
	s.pendingProposals[result.Position.Index] = pending
	s.dispatch(tick.Effects)
	s.mu.Unlock()

	s.wakeCycler()

	select {
	case r := <-pending.result:
		return ProposeOutcome{Position: result.Position}, r.err
	case <-s.closed:
		return ProposeOutcome{}, ErrShuttingDown
	case <-ctx.Done():
		return ProposeOutcome{}, ctx.Err()
	}
}

// Read performs a linearizable read: it obtains a read index, waits for the
// lease to cover it (or for the commit index to catch up to it on a
// multi-node cluster), then invokes fetch. fetch is called without the
// server's lock held, after resolution, so it may itself take the state
// machine's own lock to read a consistent value.
func (s *Server) Read(ctx context.Context, fetch func() (any, error)) (any, error) {
	for {
		s.mu.Lock()
		ri, _, ok := s.module.ReadIndexOp(time.Now())
		s.mu.Unlock()
		if !ok {
			return nil, ErrNotLeader
		}

		for {
			s.mu.Lock()
			result := s.module.ResolveReadIndex(ri, false)
			s.mu.Unlock()

			switch result.Outcome {
			case raft.ReadIndexResolved:
				return fetch()
			case raft.ReadIndexNotLeader:
				return nil, ErrNotLeader
			case raft.ReadIndexRetryAfter:
				if err := s.waitForCommit(ctx, result.RetryAfter.Index); err != nil {
					return nil, err
				}
				continue
			case raft.ReadIndexWaitForLease:
				if err := sleepUntil(ctx, result.Deadline); err != nil {
					return nil, err
				}
				continue
			}
		}
	}
}

// waitForCommit blocks until the module's commit index reaches at least
// index, polling it every 10ms.
func (s *Server) waitForCommit(ctx context.Context, index raft.LogIndex) error {
	for {
		s.mu.Lock()
		reached := s.module.CommitIndex() >= index
		s.mu.Unlock()
		if reached {
			return nil
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-s.closed:
			return ErrShuttingDown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
