package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"shardex/config"
	"shardex/pkg/cluster"
	"shardex/pkg/core"
	"shardex/pkg/overseer"
	"shardex/pkg/rpc"
	"shardex/pkg/state"
	"shardex/pkg/update"
	"shardex/storage"
)

// Server represents one shardex node: the coordination service, the
// overseer when this node leads, the hosted cores and the gRPC services.
type Server struct {
	config  *config.Config
	logger  *zap.Logger
	storage storage.Storage
	grpc    *grpc.Server
	health  *health.Server

	raft    *cluster.Manager
	coord   *cluster.Coordinator
	pool    *rpc.Pool
	reader  *state.Reader
	members *cluster.Membership
	cores   *core.Container
	admin   *http.Server

	overseer atomic.Pointer[overseer.Overseer]
	bg       sync.WaitGroup

	ready chan struct{}
	addr  string
}

// NewServer creates a new server instance. It opens the storage and, with
// clustering enabled, starts the local raft node.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	var (
		store storage.Storage
		err   error
	)
	if cfg.Storage.InMemory {
		store, err = storage.NewInMemoryStorage()
	} else {
		store, err = storage.NewBadgerStorage(cfg.Storage.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		storage: store,
		ready:   make(chan struct{}),
	}

	if cfg.Cluster.Enabled {
		m, err := cluster.Start(ctx, store, cluster.RaftConfig{
			NodeID:       cfg.Cluster.NodeID,
			BindAddr:     cfg.Cluster.BindAddr,
			DataDir:      cfg.Cluster.DataDir,
			Bootstrap:    cfg.Cluster.Bootstrap,
			ApplyTimeout: cfg.Cluster.ApplyTimeout,
			LogLevel:     cfg.Logging.Level,
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("raft start: %w", err)
		}
		s.raft = m
		s.coord = cluster.NewReplicated(store, m, cfg.Cluster.NodeID, logger)
	} else {
		s.coord = cluster.NewStandalone(store, cfg.Cluster.NodeID, logger)
	}

	s.pool = rpc.NewPool(rpc.PoolConfig{DialTimeout: cfg.Server.DialTimeout}, logger)
	s.coord.SetForwarder(s.pool)
	s.reader = state.NewReader(s.coord, logger)

	// Configure gRPC server options
	s.grpc = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  5 * time.Second,
			Timeout:               1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(cfg.Server.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.Server.MaxMessageSize),
		rpc.ServerOption(),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	return s, nil
}

// Addr returns the address the gRPC listener is bound to, once Start has
// opened it.
func (s *Server) Addr() string {
	<-s.ready
	return s.addr
}

// Ready is closed when the node serves requests and its configured cores
// are created.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Coordinator returns the node's coordination service.
func (s *Server) Coordinator() *cluster.Coordinator { return s.coord }

// Cores returns the node's core container. It is nil before Start.
func (s *Server) Cores() *core.Container { return s.cores }

// OverseerStatus reports the overseer of this node.
func (s *Server) OverseerStatus() overseer.Status {
	if o := s.overseer.Load(); o != nil {
		return o.Status()
	}
	return overseer.Status{LastPublishedVersion: -1}
}

// Start starts the server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.addr = listener.Addr().String()
	baseURL := s.config.Server.AdvertiseAddr
	if baseURL == "" || s.config.Server.Port == 0 {
		baseURL = s.addr
	}
	nodeName := s.coord.NodeID()

	s.members = cluster.NewMembership(s.coord, nodeName, baseURL, s.config.Cluster.LiveNodeTTL, s.logger)
	s.cores = core.NewContainer(s.coord, s.reader, s.storage, s.pool, s.pool, core.Config{
		NodeName:         nodeName,
		BaseURL:          baseURL,
		RegisterTimeout:  s.config.Update.RegisterTimeout,
		ElectionInterval: s.config.Update.ElectionInterval,
		Update: update.Config{
			Buckets:         s.config.Update.Buckets,
			ForwardTimeout:  s.config.Update.ForwardTimeout,
			SubShardTimeout: s.config.Update.SubShardTimeout,
			LeaderTimeout:   s.config.Update.LeaderTimeout,
			RecoveryTimeout: s.config.Update.RecoveryTimeout,
		},
	}, s.logger)

	rpc.RegisterUpdateServer(s.grpc, NewUpdateService(s.cores, s.logger))
	rpc.RegisterClusterServer(s.grpc, NewClusterService(s.coord, s.reader, s.cores, s.OverseerStatus, s.logger))

	s.logger.Info("starting shardex node", zap.String("addr", s.addr), zap.String("base_url", baseURL), zap.String("node", nodeName))

	// Start gRPC server in a goroutine
	go func() {
		if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	if err := s.joinCluster(ctx); err != nil {
		return s.fail(err)
	}
	if err := s.register(ctx); err != nil {
		return s.fail(err)
	}

	s.goRun(func() { s.members.Run(ctx) })
	s.goRun(func() { s.reader.Run(ctx, s.config.Update.StateRefresh) })
	s.goRun(func() { s.runOverseer(ctx) })

	for _, d := range s.config.Cores {
		c, err := s.cores.Create(ctx, d)
		if err != nil {
			s.logger.Error("core not created", zap.String("core", d.Name), zap.Error(err))
			continue
		}
		s.logger.Info("core ready", zap.String("core", c.CoreName()), zap.String("shard", c.ShardID()), zap.Bool("leader", c.IsLeader()))
	}
	s.goRun(func() { s.cores.Run(ctx) })

	if s.config.Metrics.Enabled {
		s.admin = newAdminServer(fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Metrics.Port), s, s.logger)
		s.goRun(func() {
			if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("admin server error", zap.Error(err))
			}
		})
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	close(s.ready)

	// Wait for context cancellation
	<-ctx.Done()

	return s.Stop()
}

func (s *Server) goRun(f func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		f()
	}()
}

func (s *Server) fail(err error) error {
	if stopErr := s.Stop(); stopErr != nil {
		s.logger.Warn("stop after failed start", zap.Error(stopErr))
	}
	return err
}

// joinCluster asks the configured peers to add this node to raft until one
// of them, the leader, accepts.
func (s *Server) joinCluster(ctx context.Context) error {
	cc := s.config.Cluster
	if !cc.Enabled || cc.Bootstrap || len(cc.JoinAddresses) == 0 {
		return nil
	}
	backoff := 200 * time.Millisecond
	for {
		for _, addr := range cc.JoinAddresses {
			err := s.pool.Join(ctx, addr, cc.NodeID, cc.BindAddr)
			if err == nil {
				s.logger.Info("joined cluster", zap.String("via", addr))
				return nil
			}
			s.logger.Debug("join attempt failed", zap.String("addr", addr), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("join cluster: %w", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// register writes the live node entry, retrying while raft has no leader.
func (s *Server) register(ctx context.Context) error {
	for {
		err := s.members.Register(ctx)
		if err == nil {
			return nil
		}
		s.logger.Debug("live node registration pending", zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("register live node: %w", err)
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// runOverseer runs the overseer whenever this node holds raft leadership.
// The overseer uses a leader-only session, so it stops as soon as the
// leadership is gone.
func (s *Server) runOverseer(ctx context.Context) {
	var changed <-chan struct{}
	if s.raft != nil {
		changed = s.raft.LeadershipChanged()
	}
	for {
		if s.coord.IsLeader() {
			o := overseer.New(s.coord.LeaderSession(), overseer.Config{StateUpdateDelay: s.config.Overseer.StateUpdateDelay}, s.logger)
			s.overseer.Store(o)
			err := o.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			var re *overseer.ReplayError
			if errors.As(err, &re) {
				// retried on the next leadership check; the queue is kept as is
				s.logger.Error("overseer replay aborted", zap.Int("message", re.Index), zap.String("operation", re.Operation), zap.Error(err))
			} else {
				s.logger.Warn("overseer stopped", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-time.After(time.Second):
		}
	}
}

// Stop stops the server gracefully
func (s *Server) Stop() error {
	s.logger.Info("stopping shardex node")
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if s.cores != nil {
		if err := s.cores.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.members != nil {
		if err := s.members.Deregister(ctx); err != nil {
			s.logger.Warn("deregister live node", zap.Error(err))
		}
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}

	// Graceful stop with timeout
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	grace := s.config.Server.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		s.logger.Info("gRPC server stopped gracefully")
	case <-time.After(grace):
		s.logger.Warn("force stopping gRPC server")
		s.grpc.Stop()
	}

	s.bg.Wait()
	s.pool.Close()
	s.raft.Close()
	if err := s.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
