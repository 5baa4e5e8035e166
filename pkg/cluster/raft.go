package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"shardex/pkg/logging"
	"shardex/pkg/metrics"
	"shardex/storage"
)

// RaftConfig defines how to start the local raft node.
type RaftConfig struct {
	NodeID       string
	BindAddr     string
	DataDir      string
	Bootstrap    bool
	ApplyTimeout time.Duration
	LogLevel     string
}

// Manager owns the local raft node. Commands applied through it reach the
// storage of every member via the FSM.
type Manager struct {
	raft    *hraft.Raft
	store   *raftboltdb.BoltStore
	trans   *hraft.NetworkTransport
	fsm     *fsm
	logger  *zap.Logger
	timeout time.Duration

	notify  chan bool
	changed chan struct{}
}

// Start starts a raft node with a storage-backed FSM. The node bootstraps a
// single-member configuration only when asked to and when it has no state.
func Start(ctx context.Context, st storage.Storage, cfg RaftConfig, logger *zap.Logger) (*Manager, error) {
	if cfg.NodeID == "" || cfg.BindAddr == "" || cfg.DataDir == "" {
		return nil, errors.New("raft: node id, bind address and data dir are required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir raft dir: %w", err)
	}
	hlog := logging.HCLog(logger, cfg.LogLevel)

	// Log and stable store share one bolt file.
	store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("bolt store: %w", err)
	}
	snap, err := hraft.NewFileSnapshotStoreWithLogger(filepath.Join(cfg.DataDir, "snapshots"), 2, hlog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var advertise net.Addr = addr
	if addr.Port == 0 {
		// let the listener pick the port and advertise what it got
		advertise = nil
	}
	trans, err := hraft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, hlog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("tcp transport: %w", err)
	}

	m := &Manager{
		store:   store,
		trans:   trans,
		fsm:     newFSM(st, logger.Named("fsm")),
		logger:  logger.Named("raft"),
		timeout: cfg.ApplyTimeout,
		notify:  make(chan bool, 8),
		changed: make(chan struct{}, 1),
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Second
	}

	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.NodeID)
	rcfg.Logger = hlog
	rcfg.NotifyCh = m.notify
	rcfg.HeartbeatTimeout = 200 * time.Millisecond
	rcfg.ElectionTimeout = 200 * time.Millisecond
	rcfg.LeaderLeaseTimeout = 200 * time.Millisecond
	rcfg.CommitTimeout = 50 * time.Millisecond

	ra, err := hraft.NewRaft(rcfg, m.fsm, store, store, snap, trans)
	if err != nil {
		_ = trans.Close()
		_ = store.Close()
		return nil, fmt.Errorf("new raft: %w", err)
	}
	m.raft = ra
	go m.watchLeadership()

	if cfg.Bootstrap {
		hasState, err := hraft.HasExistingState(store, store, snap)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("check state: %w", err)
		}
		if !hasState {
			conf := hraft.Configuration{Servers: []hraft.Server{{
				ID:      rcfg.LocalID,
				Address: trans.LocalAddr(),
			}}}
			if err := ra.BootstrapCluster(conf).Error(); err != nil {
				m.Close()
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
			m.logger.Info("bootstrapped single-node cluster", zap.String("id", cfg.NodeID), zap.String("addr", cfg.BindAddr))
		}
	}
	return m, nil
}

func (m *Manager) watchLeadership() {
	for leader := range m.notify {
		if leader {
			metrics.RaftLeadershipChanges.Inc()
		}
		m.logger.Info("raft leadership changed", zap.Bool("leader", leader))
		select {
		case m.changed <- struct{}{}:
		default:
		}
	}
}

// LeadershipChanged signals after every leadership transition of this node.
// Signals coalesce; receivers should consult IsLeader.
func (m *Manager) LeadershipChanged() <-chan struct{} { return m.changed }

// Apply replicates cmd and waits until it is applied locally.
func (m *Manager) Apply(ctx context.Context, cmd Command) (Result, error) {
	data, err := cmd.Marshal()
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	fut := m.raft.Apply(data, m.timeout)

	done := make(chan struct{})
	go func() {
		_ = fut.Error()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-done:
	}
	metrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))

	if err := fut.Error(); err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) || errors.Is(err, hraft.ErrRaftShutdown) {
			return Result{}, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return Result{}, err
	}
	resp, ok := fut.Response().(applyResponse)
	if !ok {
		return Result{}, fmt.Errorf("raft: unexpected apply response %T", fut.Response())
	}
	return resp.result, resp.err
}

// LeaderID returns the current leader ID if known.
func (m *Manager) LeaderID() string {
	if m == nil || m.raft == nil {
		return ""
	}
	_, id := m.raft.LeaderWithID()
	return string(id)
}

// IsLeader reports whether this node is the current leader.
func (m *Manager) IsLeader() bool {
	if m == nil || m.raft == nil {
		return false
	}
	return m.raft.State() == hraft.Leader
}

// Stats exposes raft's own counters.
func (m *Manager) Stats() map[string]string {
	if m == nil || m.raft == nil {
		return map[string]string{}
	}
	return m.raft.Stats()
}

// Close shuts down raft and closes stores.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Warn("raft shutdown", zap.Error(err))
		}
		close(m.notify)
	}
	if m.trans != nil {
		_ = m.trans.Close()
	}
	if m.store != nil {
		_ = m.store.Close()
	}
}
