// Package raftserver is the driving layer around the pure
// internal/raft.ConsensusModule: it owns the module's single lock, runs the
// background tasks that turn the module's recorded effects into actual I/O
// (log appends, metadata persistence, RPC dispatch, state-machine
// application), and exposes the client-facing Propose and linearizable-read
// operations.
package raftserver

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cordata/raftd/internal/metastore"
	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/pkg/logger"
)

// RPC timeouts. AppendEntries/RequestVote/PreVote share one timeout;
// Heartbeat gets a tighter one since it is sent far more often and a slow
// reply is not worth waiting on; snapshot transfer gets a much longer one
// since it carries the entire state machine.
const (
	electionRPCTimeout    = 2000 * time.Millisecond
	heartbeatRPCTimeout   = 500 * time.Millisecond
	snapshotClientTimeout = 40 * time.Second
	snapshotServerTimeout = 30 * time.Second
)

// Config configures a Server at construction time.
type Config struct {
	GroupId  string
	Self     raft.ServerId
	Log      Log
	State    StateMachine
	Meta     *metastore.Store
	Transport Transport
	Logger   *logger.Logger
}

// Server owns a ConsensusModule and drives it: it is the only thing in this
// process that calls into internal/raft.
type Server struct {
	groupID   string
	self      raft.ServerId
	log       Log
	state     StateMachine
	meta      *metastore.Store
	transport Transport
	logger    *logger.Logger

	mu     sync.Mutex
	module *raft.ConsensusModule

	// nextSequence mirrors the module's own internal log-sequence counter:
	// both start from the same recovered prev.Sequence and increment once
	// per entry appended, in the same order, so they never diverge as long
	// as every entry in Effects.NewEntries is appended to log before the
	// next tick runs.
	nextSequence raft.LogSequence

	// pendingProposals holds client Propose calls waiting for their entry
	// to be applied, keyed by the log index they were accepted at.
	pendingProposals map[raft.LogIndex]*pendingProposal

	// pendingSnapshot is set by dispatch when the module stages an
	// incoming InstallSnapshot for the Applier task to pick up.
	pendingSnapshot *raft.PendingSnapshot
	// pendingSnapshotDone is where the Applier delivers the final
	// InstallSnapshotResponse once the staged snapshot above has been
	// durably applied, for the inbound RPC handler blocked on it.
	pendingSnapshotDone chan raft.InstallSnapshotResponse

	stateChanged chan struct{}
	applierWake  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	// tasks bounds the cycler/matcher/applier trio plus every outbound RPC
	// goroutine dispatch spawns: Stop cancels taskCancel and waits on
	// tasks.Wait, which gives bulk cancellation of in-flight sends on
	// shutdown for free instead of hand-rolled WaitGroup bookkeeping.
	tasks      *errgroup.Group
	taskCtx    context.Context
	taskCancel context.CancelFunc
}

type pendingProposal struct {
	position raft.LogPosition
	result   chan proposalResult
}

type proposalResult struct {
	value any
	err   error
}

// NewServer constructs a Server around an already-recovered ConsensusModule.
// Callers build Options (self, recovered Metadata, LogPrev, Config) from
// Log/metastore state before calling raft.New, then pass the result here.
func NewServer(cfg Config, module *raft.ConsensusModule) (*Server, error) {
	if cfg.Log == nil || cfg.State == nil || cfg.Meta == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("log, state machine, metadata store and transport are all required")
	}
	s := &Server{
		groupID:          cfg.GroupId,
		self:             cfg.Self,
		log:              cfg.Log,
		state:            cfg.State,
		meta:             cfg.Meta,
		transport:        cfg.Transport,
		logger:           cfg.Logger,
		module:           module,
		nextSequence:     cfg.Log.LastFlushed(),
		pendingProposals: make(map[raft.LogIndex]*pendingProposal),
		stateChanged:     make(chan struct{}, 1),
		applierWake:      make(chan struct{}, 1),
		closed:           make(chan struct{}),
	}
	return s, nil
}

// Start launches the background tasks (Cycler, Matcher, Applier) described
// alongside ConsensusModule, bound together by an errgroup.Group so Stop can
// cancel and drain all of them — including every in-flight outbound RPC
// goroutine dispatchOutbound spawns — with one call. Metadata persistence
// does not get a task of its own: see dispatch's PersistMetadata handling.
// Start returns immediately; Stop waits for everything to exit.
func (s *Server) Start(ctx context.Context) {
	taskCtx, cancel := context.WithCancel(ctx)
	g, taskCtx := errgroup.WithContext(taskCtx)
	s.tasks = g
	s.taskCtx = taskCtx
	s.taskCancel = cancel

	g.Go(func() error { s.runCycler(taskCtx); return nil })
	g.Go(func() error { s.runMatcher(taskCtx); return nil })
	g.Go(func() error { s.runApplier(taskCtx); return nil })

	// Run one cycle immediately so a freshly started node doesn't wait out
	// a full election timeout before its first tick.
	s.wakeCycler()
}

// Stop cancels the background tasks and every in-flight outbound RPC, then
// waits for all of them to exit. In-flight log flushes and state-machine
// applies are allowed to finish first.
func (s *Server) Stop() {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.taskCancel != nil {
		s.taskCancel()
	}
	if s.tasks != nil {
		_ = s.tasks.Wait()
	}
}

// spawn runs fn as one of the errgroup-tracked tasks so Stop waits for it,
// falling back to a detached goroutine if called before Start (not expected
// in practice, but cheaper than a nil-pointer panic).
func (s *Server) spawn(fn func()) {
	if s.tasks == nil {
		go fn()
		return
	}
	s.tasks.Go(func() error { fn(); return nil })
}

func (s *Server) wakeCycler() {
	select {
	case s.stateChanged <- struct{}{}:
	default:
	}
}

func (s *Server) wakeApplier() {
	select {
	case s.applierWake <- struct{}{}:
	default:
	}
}

// runCycler waits on state_changed with a timeout equal to the module's
// requested next_tick, calling Cycle on each wake.
func (s *Server) runCycler(ctx context.Context) {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case <-s.stateChanged:
		case <-timer.C:
		}

		s.mu.Lock()
		tick := raft.NewTick(time.Now())
		s.module.Cycle(tick)
		next := tick.Effects.NextTick
		s.dispatch(tick.Effects)
		s.mu.Unlock()

		if next <= 0 {
			next = time.Second
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// runMatcher blocks on the log's flush notification and reports the new
// flushed sequence to the module on each wake.
func (s *Server) runMatcher(ctx context.Context) {
	for {
		waitCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.log.WaitForFlush(waitCtx)
		}()

		select {
		case <-s.closed:
			cancel()
			<-done
			return
		case <-ctx.Done():
			cancel()
			<-done
			return
		case <-done:
			cancel()
		}

		s.mu.Lock()
		tick := raft.NewTick(time.Now())
		s.module.LogFlushed(s.log.LastFlushed(), tick)
		s.dispatch(tick.Effects)
		s.mu.Unlock()

		s.wakeApplier()
		s.wakeCycler()
	}
}

// dispatch applies one tick's effects in the fixed order: append new
// entries, persist/notify metadata, signal commit-index advancement, then
// send RPCs. Must be called with s.mu held.
//
// Metadata is persisted synchronously, inline, rather than batched by a
// separate background task: MustPersistMetadata[T] response values must not
// be released until the write that produced them is durable, and the
// module exposes no way to observe "is a given metadata generation still
// dirty" from outside dispatch. Persisting here means that guarantee holds
// the moment dispatch returns, with no wait/notify handshake needed.
func (s *Server) dispatch(e *raft.Effects) {
	for _, entry := range e.NewEntries {
		s.nextSequence++
		if err := s.log.Append(entry, s.nextSequence); err != nil {
			if s.logger != nil {
				s.logger.Errorf("append entry at index %d failed: %v", entry.Index, err)
			}
		}
	}

	if e.PersistMetadata {
		s.persistMetadata()
	}

	if e.CommitIndexChanged {
		s.wakeApplier()
	}

	if e.PendingSnapshotInstall != nil {
		s.pendingSnapshot = e.PendingSnapshotInstall
		s.wakeApplier()
	}

	s.dispatchOutbound(e)

	if e.NewEntries != nil || e.CommitIndexChanged {
		s.wakeCycler()
	}
}

// persistMetadata writes {metadata, config} to durable storage and feeds
// the confirmation straight back into the module. Called from within
// dispatch, so s.mu is already held by the same goroutine; the recursive
// dispatch call below is safe for that reason.
func (s *Server) persistMetadata() {
	meta := raft.Metadata{
		CurrentTerm: s.module.CurrentTerm(),
		VotedFor:    s.module.VotedFor(),
		CommitIndex: s.module.CommitIndex(),
	}
	config := s.module.Config()

	if err := s.meta.Persist(meta, config); err != nil {
		if s.logger != nil {
			s.logger.Errorf("persist metadata failed: %v", err)
		}
		return
	}

	tick := raft.NewTick(time.Now())
	s.module.PersistedMetadata(meta, tick)
	s.dispatch(tick.Effects)
}

// runApplier waits on commit-index changes or a staged snapshot install,
// then (a) restores any pending snapshot, (b) applies newly committed
// entries to the state machine and resolves matching proposal callbacks,
// and (c) discards the log up to what is now safely superseded.
func (s *Server) runApplier(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case <-s.applierWake:
		}

		s.runApplierPass(ctx)
	}
}

func (s *Server) runApplierPass(ctx context.Context) {
	s.mu.Lock()
	pending := s.pendingSnapshot
	s.pendingSnapshot = nil
	s.mu.Unlock()

	if pending != nil {
		s.applySnapshot(ctx, pending)
	}

	s.mu.Lock()
	commitIndex := s.module.CommitIndex()
	lastApplied := s.state.LastFlushed()
	s.mu.Unlock()

	for idx := lastApplied + 1; idx <= commitIndex; idx++ {
		entry, _, ok := s.log.Entry(idx)
		if !ok {
			if s.logger != nil {
				s.logger.Errorf("applier: missing committed entry at index %d", idx)
			}
			break
		}
		s.applyEntry(entry)
	}

	s.mu.Lock()
	discardPoint := min(s.state.LastFlushed(), s.module.CommitIndex())
	s.mu.Unlock()
	if discardPoint > 0 {
		if term, ok := s.log.Term(discardPoint); ok {
			_ = s.log.Discard(raft.LogPosition{Term: term, Index: discardPoint})
		}
	}
}

func (s *Server) applyEntry(entry raft.Entry) {
	var result any
	var err error
	if entry.Kind == raft.EntryCommand {
		result, err = s.state.Apply(entry.Index, entry.Data)
	}

	s.mu.Lock()
	p, ok := s.pendingProposals[entry.Index]
	if ok {
		delete(s.pendingProposals, entry.Index)
	}
	s.mu.Unlock()

	if !ok || p.result == nil {
		return
	}
	if p.position.Term != entry.Term {
		// The position this proposal was accepted at was overtaken by a
		// later term; whatever committed at this index is not ours.
		p.result <- proposalResult{err: fmt.Errorf("entry at index %d was overtaken by term %d", entry.Index, entry.Term)}
		return
	}
	p.result <- proposalResult{value: result, err: err}
}

func (s *Server) applySnapshot(ctx context.Context, pending *raft.PendingSnapshot) {
	ok, err := s.state.Restore(bytes.NewReader(pending.Data), pending.LastApplied)
	if err != nil || !ok {
		if s.logger != nil {
			s.logger.Errorf("restore snapshot at index %d failed: %v", pending.LastApplied.Index, err)
		}
		return
	}
	if err := s.log.Discard(pending.LastApplied); err != nil {
		if s.logger != nil {
			s.logger.Errorf("discard log through index %d failed: %v", pending.LastApplied.Index, err)
		}
	}

	s.mu.Lock()
	tick := raft.NewTick(time.Now())
	resp := s.module.InstallSnapshotApplied(*pending, tick)
	s.dispatch(tick.Effects)
	done := s.pendingSnapshotDone
	s.pendingSnapshotDone = nil
	s.mu.Unlock()

	if done != nil {
		done <- resp
	}
}

func min(a, b raft.LogIndex) raft.LogIndex {
	if a < b {
		return a
	}
	return b
}
