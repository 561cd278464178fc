package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	rhealth "github.com/cordata/raftd/pkg/health"
	"github.com/cordata/raftd/pkg/config"
	"github.com/cordata/raftd/pkg/logger"
)

// Service is implemented by the node runtime hosted inside a BaseService.
type Service interface {
	Initialize(ctx context.Context, config *config.Config) error
	Start(ctx context.Context) error
	Stop(ctx context.Context, gracePeriod time.Duration) error
	CollectMetrics() map[string]int64
	HealthChecks() map[string]rhealth.CheckFunc
}

// GRPCServerAware lets a Service register its own RPC surface once the
// shared server exists but before it starts serving.
type GRPCServerAware interface {
	SetGRPCServer(server *grpc.Server)
}

// LoggerAware lets a Service obtain the shared logger.
type LoggerAware interface {
	SetLogger(logger *logger.Logger)
}

// BaseService bootstraps the gRPC server, health/reflection services,
// config and logger shared by every node, and drives a Service through
// its lifecycle.
type BaseService struct {
	Name       string
	Version    string
	InstanceID string

	Port int

	Logger        *logger.Logger
	Config        *config.Config
	HealthChecker *rhealth.Checker

	grpcServer  *grpc.Server
	healthSrv   *health.Server
	listener    net.Listener

	mu        sync.RWMutex
	stopCh    chan struct{}
	stoppedCh chan struct{}

	impl Service
}

// NewBaseService creates a new base service instance.
func NewBaseService(name, version string, port int, impl Service) *BaseService {
	return &BaseService{
		Name:          name,
		Version:       version,
		InstanceID:    uuid.New().String(),
		Port:          port,
		Logger:        logger.New(name, version),
		Config:        config.New(),
		HealthChecker: rhealth.NewChecker(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		impl:          impl,
	}
}

// Run starts the service and manages its lifecycle until a shutdown
// signal or context cancellation.
func (s *BaseService) Run(ctx context.Context) error {
	if err := s.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	if gRPCAware, ok := s.impl.(GRPCServerAware); ok {
		gRPCAware.SetGRPCServer(s.grpcServer)
	}
	if loggerAware, ok := s.impl.(LoggerAware); ok {
		loggerAware.SetLogger(s.Logger)
	}

	if err := s.impl.Initialize(ctx, s.Config); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	s.Logger.Infof("service implementation initialized")

	s.StartServing()

	go s.healthCheckLoop(ctx)

	if err := s.impl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	s.Logger.Info("service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		s.Logger.Info("received shutdown signal")
	case <-s.stopCh:
		s.Logger.Info("received stop command")
	case <-ctx.Done():
		s.Logger.Info("context cancelled")
	}

	return s.shutdown(ctx)
}

// Stop requests shutdown from within the process.
func (s *BaseService) Stop() {
	close(s.stopCh)
}

func (s *BaseService) startGRPCServer() error {
	maxRetries := 3
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
		if err != nil {
			if attempt < maxRetries {
				s.Logger.Warnf("failed to bind to port %d (attempt %d/%d): %v, retrying", s.Port, attempt, maxRetries, err)
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
			return fmt.Errorf("failed to listen on port %d after %d attempts: %w", s.Port, maxRetries, err)
		}

		opts := []grpc.ServerOption{
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle: 15 * time.Second,
				MaxConnectionAge:  time.Hour,
				Time:              5 * time.Second,
				Timeout:           1 * time.Second,
			}),
		}
		s.grpcServer = grpc.NewServer(opts...)

		s.healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
		reflection.Register(s.grpcServer)

		s.Logger.Infof("gRPC server created on port %d", s.Port)
		s.listener = lis
		return nil
	}

	return fmt.Errorf("failed to start gRPC server after %d attempts", maxRetries)
}

// StartServing begins serving gRPC requests after all services are
// registered by the implementation.
func (s *BaseService) StartServing() {
	if s.grpcServer == nil || s.listener == nil {
		return
	}
	s.Logger.Infof("starting gRPC server on port %d", s.Port)
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil {
			s.Logger.Errorf("gRPC serve error: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)
}

func (s *BaseService) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	checks := s.impl.HealthChecks()

	update := func() {
		for name, checkFunc := range checks {
			s.HealthChecker.RunCheck(name, checkFunc)
		}
		status := s.HealthChecker.GetOverallStatus()
		if s.healthSrv != nil {
			s.healthSrv.SetServingStatus(s.Name, status)
		}
	}
	update()

	for {
		select {
		case <-ticker.C:
			update()
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *BaseService) collectMetrics() map[string]int64 {
	metrics := s.impl.CollectMetrics()
	if metrics == nil {
		metrics = make(map[string]int64)
	}
	metrics["memory_usage_bytes"] = getMemoryUsage()
	metrics["cpu_usage_percent"] = int64(getCPUUsage())
	metrics["goroutines"] = int64(runtime.NumGoroutine())
	return metrics
}

func (s *BaseService) shutdown(ctx context.Context) error {
	s.Logger.Info("starting graceful shutdown")

	gracePeriod := 30 * time.Second
	if err := s.impl.Stop(ctx, gracePeriod); err != nil {
		s.Logger.Errorf("service implementation shutdown error: %v", err)
	}

	if s.healthSrv != nil {
		s.healthSrv.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stoppedCh:
	default:
		close(s.stoppedCh)
	}
	s.Logger.Info("service stopped")
	return nil
}
