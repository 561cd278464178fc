package raftserver

import (
	"context"
	"time"

	"github.com/cordata/raftd/internal/raft"
)

// dispatchOutbound spawns one errgroup-tracked task per outbound RPC
// recorded in e, so Stop's cancellation and drain reach every in-flight
// send. Must be called with s.mu held; the spawned tasks acquire it again
// themselves once a response arrives.
func (s *Server) dispatchOutbound(e *raft.Effects) {
	for _, rv := range e.RequestVotes {
		for _, target := range rv.Targets {
			target := target
			s.spawn(func() { s.sendRequestVote(target, rv.RequestId, rv.Request) })
		}
	}
	for _, pv := range e.PreVotes {
		for _, target := range pv.Targets {
			target := target
			s.spawn(func() { s.sendPreVote(target, pv.Request) })
		}
	}
	for _, ae := range e.AppendEntries {
		ae := ae
		s.spawn(func() { s.sendAppendEntries(ae) })
	}
	for _, hb := range e.Heartbeats {
		for _, target := range hb.Targets {
			target := target
			s.spawn(func() { s.sendHeartbeat(target, hb.RequestId, hb.Request) })
		}
	}
	for _, is := range e.InstallSnapshots {
		is := is
		s.spawn(func() { s.sendInstallSnapshot(is) })
	}
	for _, tn := range e.TimeoutNows {
		tn := tn
		s.spawn(func() { s.sendTimeoutNow(tn.Target, tn.Request) })
	}
}

// outboundContext derives a per-call timeout from the server's task
// lifecycle context so Stop's cancellation reaches in-flight RPCs, falling
// back to Background if called before Start (see spawn).
func (s *Server) outboundContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	parent := s.taskCtx
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, timeout)
}

func (s *Server) sendRequestVote(target raft.ServerId, requestID raft.RequestId, req raft.RequestVoteRequest) {
	ctx, cancel := s.outboundContext(electionRPCTimeout)
	defer cancel()

	resp, err := s.transport.RequestVote(ctx, target, req)
	if err != nil {
		// A vote request that never gets a reply is simply a vote not
		// received; the candidate retries on its own election timeout.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tick := raft.NewTick(time.Now())
	s.module.RequestVoteCallback(target, requestID, resp, tick)
	s.dispatch(tick.Effects)
}

func (s *Server) sendPreVote(target raft.ServerId, req raft.PreVoteRequest) {
	ctx, cancel := s.outboundContext(electionRPCTimeout)
	defer cancel()
	// PreVote is a non-mutating check; there is no callback into the
	// module for its result; a future pre-vote gate in the driving layer
	// would consult this response before allowing cycleFollower to start a
	// real election.
	_, _ = s.transport.PreVote(ctx, target, req)
}

func (s *Server) sendAppendEntries(ae raft.OutboundAppendEntries) {
	s.mu.Lock()
	var entries []raft.Entry
	var lastSequence raft.LogSequence
	var ok bool
	if ae.PrevLogIndex+1 > ae.LastIndex {
		// No new entries to send (this target is fully caught up, so the
		// dispatch is heartbeat-equivalent): there is no [a,b] range to look
		// up, so confirm the log still agrees with the recorded
		// PrevLogIndex/LastSequence directly instead.
		if ae.PrevLogIndex == 0 {
			ok = true
			lastSequence = ae.LastSequence
		} else {
			_, lastSequence, ok = s.log.Entry(ae.PrevLogIndex)
		}
	} else {
		entries, lastSequence, ok = s.log.Entries(ae.PrevLogIndex+1, ae.LastIndex)
	}
	s.mu.Unlock()
	if !ok || lastSequence != ae.LastSequence {
		// The log was truncated since this send was recorded; abandon it.
		return
	}

	req := raft.AppendEntriesRequest{
		Term:         ae.Term,
		LeaderId:     s.self,
		PrevLogIndex: ae.PrevLogIndex,
		PrevLogTerm:  ae.PrevLogTerm,
		Entries:      entries,
		LeaderCommit: ae.LeaderCommit,
	}

	for _, target := range ae.Targets {
		target := target
		s.spawn(func() {
			ctx, cancel := s.outboundContext(electionRPCTimeout)
			defer cancel()
			resp, err := s.transport.AppendEntries(ctx, target, req)

			s.mu.Lock()
			defer s.mu.Unlock()
			tick := raft.NewTick(time.Now())
			if err != nil {
				s.module.AppendEntriesNoResponse(target, ae.RequestId)
			} else {
				s.module.AppendEntriesCallback(target, ae.RequestId, resp, tick)
			}
			s.dispatch(tick.Effects)
		})
	}
}

func (s *Server) sendHeartbeat(target raft.ServerId, requestID raft.RequestId, req raft.HeartbeatRequest) {
	ctx, cancel := s.outboundContext(heartbeatRPCTimeout)
	defer cancel()
	resp, err := s.transport.Heartbeat(ctx, target, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	tick := raft.NewTick(time.Now())
	if err != nil {
		s.module.AppendEntriesNoResponse(target, requestID)
	} else {
		s.module.HeartbeatCallback(target, requestID, resp, tick)
	}
	s.dispatch(tick.Effects)
}

func (s *Server) sendInstallSnapshot(is raft.OutboundInstallSnapshot) {
	s.mu.Lock()
	data, lastApplied, _, ok := s.state.Snapshot()
	config := s.module.Config()
	s.mu.Unlock()
	if !ok {
		return
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := data.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}

	req := raft.InstallSnapshotRequest{
		Term:       0, // set below under lock, once we know the current term
		LeaderId:   s.self,
		LastIndex:  lastApplied.Index,
		LastTerm:   lastApplied.Term,
		LastConfig: config,
		Data:       buf,
	}
	s.mu.Lock()
	req.Term = s.module.CurrentTerm()
	s.mu.Unlock()

	ctx, cancel := s.outboundContext(snapshotClientTimeout)
	defer cancel()
	resp, err := s.transport.InstallSnapshot(ctx, is.Target, req)
	if err != nil {
		// Marking the follower Pessimistic takes it out of
		// modeInstallingSnapshot, so a later cycleLeader pass that still
		// finds it behind the discard point starts a fresh transfer.
		s.mu.Lock()
		s.module.AppendEntriesNoResponse(is.Target, is.RequestId)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tick := raft.NewTick(time.Now())
	s.module.InstallSnapshotCallback(is.Target, is.RequestId, resp, lastApplied.Index, tick)
	s.dispatch(tick.Effects)
}

func (s *Server) sendTimeoutNow(target raft.ServerId, req raft.TimeoutNowRequest) {
	ctx, cancel := s.outboundContext(electionRPCTimeout)
	defer cancel()
	_ = s.transport.TimeoutNow(ctx, target, req)
}
