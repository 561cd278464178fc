// Package node wires internal/raft, internal/raftserver,
// internal/logstore, internal/statemachine, internal/metastore and
// internal/transport/ws together into one pkg/service.Service for
// cmd/raftnode to run.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"google.golang.org/grpc"

	"github.com/cordata/raftd/internal/adminrpc"
	"github.com/cordata/raftd/internal/logstore"
	"github.com/cordata/raftd/internal/metastore"
	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/internal/raftserver"
	"github.com/cordata/raftd/internal/statemachine"
	"github.com/cordata/raftd/internal/transport/ws"
	"github.com/cordata/raftd/pkg/config"
	rhealth "github.com/cordata/raftd/pkg/health"
	"github.com/cordata/raftd/pkg/logger"
)

// Options configures a Service at construction time; everything here comes
// from command-line flags in cmd/raftnode.
type Options struct {
	Self      raft.ServerId
	GroupId   string
	DataDir   string
	RaftAddr  string                    // address internal/transport/ws listens on
	Peers     map[raft.ServerId]string  // every other member's ws address
	Bootstrap map[raft.ServerId]raft.Role // initial membership, used only on first boot

	// When Postgres is set, log entries persist to Postgres instead of
	// in-memory; when Redis is set, state machine snapshots are backed up
	// to Redis.
	Postgres *PostgresOptions
	Redis    *RedisOptions
}

type PostgresOptions struct {
	Host, User, Password, Database, SSLMode string
	Port                                    int
}

type RedisOptions struct {
	Host, Password string
	Port           int
}

// Service implements pkg/service.Service, pkg/service.GRPCServerAware and
// pkg/service.LoggerAware, and adminrpc.AdminServer.
type Service struct {
	opts Options

	logger *logger.Logger

	meta      *metastore.Store
	log       raftserver.Log
	state     *statemachine.KV
	transport *ws.Manager
	server    *raftserver.Server

	closers []func()
}

// NewService creates an unstarted Service; Initialize does the actual
// recovery and construction work once the shared logger is available.
func NewService(opts Options) *Service {
	return &Service{opts: opts}
}

func (s *Service) SetLogger(l *logger.Logger) { s.logger = l }

func (s *Service) SetGRPCServer(server *grpc.Server) {
	adminrpc.RegisterAdminServer(server, s)
}

// Initialize recovers persisted state and constructs every component; it
// does not yet start the background tasks or accept connections.
func (s *Service) Initialize(ctx context.Context, cfg *config.Config) error {
	metaPath := filepath.Join(s.opts.DataDir, "meta.json")
	meta, err := metastore.Open(metaPath, s.opts.Self, s.opts.GroupId)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	s.meta = meta

	record := meta.Record()
	initialConfig := record.Config
	if len(initialConfig) == 0 {
		initialConfig = s.opts.Bootstrap
	}

	var log raftserver.Log
	if s.opts.Postgres != nil {
		pg, err := openPostgres(ctx, s.opts.Postgres)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		pgLog, err := logstore.NewPostgres(ctx, pg, s.logger, s.opts.GroupId)
		if err != nil {
			return fmt.Errorf("open postgres log store: %w", err)
		}
		log = pgLog
	} else {
		log = logstore.NewMemory()
	}
	s.log = log

	kv := statemachine.NewKV(s.logger)
	if s.opts.Redis != nil {
		redisDB, err := openRedis(ctx, s.opts.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, redisDB.Close)
		snapStore, err := statemachine.NewRedisSnapshotStore(redisDB, s.logger, s.opts.GroupId)
		if err != nil {
			return fmt.Errorf("open redis snapshot store: %w", err)
		}
		kv.SetSnapshotBackup(snapStore)
	}
	s.state = kv

	module := raft.New(raft.Options{
		Self:     s.opts.Self,
		Metadata: record.Metadata,
		LogPrev:  log.Prev(),
		Config:   initialConfig,
	})

	transportCfg := ws.DefaultConfig()
	transportCfg.ListenAddr = s.opts.RaftAddr
	s.transport = ws.NewManager(s.opts.Self, s.opts.Peers, transportCfg, s.logger)

	server, err := raftserver.NewServer(raftserver.Config{
		GroupId:   s.opts.GroupId,
		Self:      s.opts.Self,
		Log:       log,
		State:     kv,
		Meta:      meta,
		Transport: s.transport,
		Logger:    s.logger,
	}, module)
	if err != nil {
		return fmt.Errorf("construct raft server: %w", err)
	}
	s.server = server
	s.transport.BindServer(server)

	return nil
}

// Start begins accepting peer connections and launches the background
// tasks that drive the consensus module.
func (s *Service) Start(ctx context.Context) error {
	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("start raft transport: %w", err)
	}
	s.server.Start(ctx)
	return nil
}

func (s *Service) Stop(ctx context.Context, gracePeriod time.Duration) error {
	stopped := make(chan struct{})
	go func() {
		s.server.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(gracePeriod):
	}
	s.transport.Stop()
	for _, closeFn := range s.closers {
		closeFn()
	}
	return nil
}

func (s *Service) CollectMetrics() map[string]int64 {
	status, err := s.server.Status(context.Background())
	if err != nil {
		return map[string]int64{}
	}
	leading := int64(0)
	if status.Role == "leader" {
		leading = 1
	}
	return map[string]int64{
		"raft_current_term": int64(status.Term),
		"raft_commit_index": int64(status.CommitIndex),
		"raft_last_index":   int64(status.LastIndex),
		"raft_is_leader":    leading,
	}
}

func (s *Service) HealthChecks() map[string]rhealth.CheckFunc {
	return map[string]rhealth.CheckFunc{
		"raft_reachable": func() error {
			if s.server == nil {
				return fmt.Errorf("server not initialized")
			}
			return nil
		},
	}
}

// Propose implements adminrpc.AdminServer.
func (s *Service) Propose(ctx context.Context, req *adminrpc.ProposeRequest) (*adminrpc.ProposeResponse, error) {
	_, outcome, err := s.server.Propose(ctx, req.Data)
	if err != nil {
		if errors.Is(err, raftserver.ErrNotLeader) {
			return &adminrpc.ProposeResponse{
				NotLeader:  true,
				LeaderHint: uint64(outcome.LeaderHint),
				Term:       uint64(outcome.Term),
			}, nil
		}
		return &adminrpc.ProposeResponse{Error: err.Error()}, nil
	}
	return &adminrpc.ProposeResponse{
		Accepted: true,
		Index:    uint64(outcome.Position.Index),
		Term:     uint64(outcome.Position.Term),
	}, nil
}

// Status implements adminrpc.AdminServer.
func (s *Service) Status(ctx context.Context, req *adminrpc.StatusRequest) (*adminrpc.StatusResponse, error) {
	resp, err := s.server.Status(ctx)
	if err != nil {
		return nil, err
	}
	cfgMap := make(map[uint64]string, len(resp.Config))
	for id, role := range resp.Config {
		name := "member"
		if role == raft.RoleLearner {
			name = "learner"
		}
		cfgMap[uint64(id)] = name
	}
	return &adminrpc.StatusResponse{
		ServerId:    uint64(s.opts.Self),
		Term:        uint64(resp.Term),
		Role:        resp.Role,
		LeaderHint:  uint64(resp.LeaderHint),
		CommitIndex: uint64(resp.CommitIndex),
		LastIndex:   uint64(resp.LastIndex),
		Config:      cfgMap,
	}, nil
}
