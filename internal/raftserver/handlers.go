package raftserver

import (
	"context"
	"time"

	"github.com/cordata/raftd/internal/raft"
)

// HandleRequestVote answers an incoming RequestVote RPC. dispatch persists
// any dirty metadata synchronously before returning, so by the time this
// unlocks, a granted vote is already durable.
func (s *Server) HandleRequestVote(ctx context.Context, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	s.mu.Lock()
	tick := raft.NewTick(time.Now())
	wrapped := s.module.RequestVote(req, tick)
	s.dispatch(tick.Effects)
	s.mu.Unlock()

	s.wakeCycler()
	return wrapped.Value, nil
}

// HandlePreVote answers an incoming PreVote RPC. It never mutates state and
// never blocks.
func (s *Server) HandlePreVote(req raft.PreVoteRequest) raft.PreVoteResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module.PreVote(req)
}

// HandleAppendEntries answers an incoming AppendEntries (or Heartbeat)
// RPC. The response is withheld until every entry it describes has been
// durably flushed to the log. A FatalError from the module stops the server
// (see Stop) and is returned instead of a response.
func (s *Server) HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	s.mu.Lock()
	tick := raft.NewTick(time.Now())
	wrapped, fatal := s.module.AppendEntries(req, tick)
	s.dispatch(tick.Effects)
	s.mu.Unlock()

	if fatal != nil {
		if s.logger != nil {
			s.logger.Errorf("fatal append entries error, halting: %v", fatal)
		}
		s.Stop()
		return raft.AppendEntriesResponse{}, fatal
	}

	if wrapped.Sequence > 0 {
		if err := s.waitForFlush(ctx, wrapped.Sequence); err != nil {
			return raft.AppendEntriesResponse{}, err
		}
	}
	s.wakeCycler()
	return wrapped.Value, nil
}

// HandleInstallSnapshot answers an incoming InstallSnapshot RPC, blocking
// until the Applier task has durably restored the transferred snapshot.
func (s *Server) HandleInstallSnapshot(ctx context.Context, req raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotServerTimeout)
	defer cancel()

	s.mu.Lock()
	tick := raft.NewTick(time.Now())
	accept, immediate := s.module.InstallSnapshot(req, tick)
	if !accept {
		s.dispatch(tick.Effects)
		s.mu.Unlock()
		return immediate, nil
	}

	done := make(chan raft.InstallSnapshotResponse, 1)
	s.pendingSnapshotDone = done
	s.dispatch(tick.Effects)
	s.mu.Unlock()

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return raft.InstallSnapshotResponse{}, ctx.Err()
	}
}

// HandleTimeoutNow answers an incoming TimeoutNow RPC, forcing an immediate
// election.
func (s *Server) HandleTimeoutNow(req raft.TimeoutNowRequest) {
	s.mu.Lock()
	tick := raft.NewTick(time.Now())
	s.module.TimeoutNow(tick)
	s.dispatch(tick.Effects)
	s.mu.Unlock()
	s.wakeCycler()
}

// waitForFlush blocks until the log reports it has durably flushed at
// least through sequence.
func (s *Server) waitForFlush(ctx context.Context, sequence raft.LogSequence) error {
	for {
		if s.log.LastFlushed() >= sequence {
			return nil
		}
		if err := s.log.WaitForFlush(ctx); err != nil {
			return err
		}
	}
}
