package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	hraft "github.com/hashicorp/raft"
	"go.uber.org/zap"

	"shardex/pkg/state"
	"shardex/storage"
)

// Role indicates a raft member's role.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Member is one server of the raft configuration.
type Member struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
	Role    Role   `json:"role" yaml:"role"`
}

const membershipTimeout = 10 * time.Second

// Join adds a server to the Raft configuration as a voting member. Joining
// with an id already present at the same address is a no-op.
func (m *Manager) Join(ctx context.Context, id, address string) error {
	if m == nil || m.raft == nil {
		return nil
	}
	if !m.IsLeader() {
		return ErrNotLeader
	}
	cfgFuture := m.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, s := range cfgFuture.Configuration().Servers {
		if s.ID == hraft.ServerID(id) {
			if s.Address == hraft.ServerAddress(address) {
				return nil
			}
			if err := m.raft.RemoveServer(s.ID, 0, membershipTimeout).Error(); err != nil {
				return fmt.Errorf("remove %s before re-adding: %w", id, err)
			}
		}
	}
	m.logger.Info("adding voter", zap.String("id", id), zap.String("addr", address))
	return m.raft.AddVoter(hraft.ServerID(id), hraft.ServerAddress(address), 0, membershipTimeout).Error()
}

// Leave removes a server from the Raft configuration.
func (m *Manager) Leave(ctx context.Context, id string) error {
	if m == nil || m.raft == nil {
		return nil
	}
	if !m.IsLeader() {
		return ErrNotLeader
	}
	return m.raft.RemoveServer(hraft.ServerID(id), 0, membershipTimeout).Error()
}

// Members returns the current servers known to Raft.
func (m *Manager) Members() []Member {
	if m == nil || m.raft == nil {
		return nil
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil
	}
	leader := m.LeaderID()
	servers := future.Configuration().Servers
	members := make([]Member, 0, len(servers))
	for _, s := range servers {
		mem := Member{ID: string(s.ID), Address: string(s.Address), Role: RoleFollower}
		if string(s.ID) == leader {
			mem.Role = RoleLeader
		}
		members = append(members, mem)
	}
	return members
}

// Membership keeps this node's entry under /live_nodes fresh. The leader
// also sweeps entries that have not been refreshed within the TTL.
type Membership struct {
	coord   *Coordinator
	name    string
	baseURL string
	ttl     time.Duration
	logger  *zap.Logger
}

// NewMembership registers node name with the RPC address baseURL.
func NewMembership(coord *Coordinator, name, baseURL string, ttl time.Duration, logger *zap.Logger) *Membership {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Membership{coord: coord, name: name, baseURL: baseURL, ttl: ttl, logger: logger.Named("membership")}
}

func (m *Membership) path(name string) string { return state.LiveNodesPath + "/" + name }

// Register writes the live node entry.
func (m *Membership) Register(ctx context.Context) error {
	if _, err := m.coord.Set(ctx, m.path(m.name), []byte(m.baseURL), storage.AnyVersion); err != nil {
		return fmt.Errorf("register live node %s: %w", m.name, err)
	}
	return nil
}

// Deregister removes the live node entry.
func (m *Membership) Deregister(ctx context.Context) error {
	err := m.coord.Delete(ctx, m.path(m.name), storage.AnyVersion)
	if errors.Is(err, storage.ErrNoNode) {
		return nil
	}
	return err
}

// Run refreshes the entry every third of the TTL until ctx is done.
func (m *Membership) Run(ctx context.Context) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Register(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("live node refresh failed", zap.Error(err))
			}
			if m.coord.IsLeader() {
				m.sweep(ctx, time.Now())
			}
		}
	}
}

// sweep deletes live node entries older than the TTL. The delete is
// conditional on the version read, so a concurrent refresh wins.
func (m *Membership) sweep(ctx context.Context, now time.Time) {
	names, err := m.coord.Children(ctx, state.LiveNodesPath)
	if err != nil {
		m.logger.Warn("list live nodes", zap.Error(err))
		return
	}
	for _, name := range names {
		if name == m.name {
			continue
		}
		n, err := m.coord.Get(ctx, m.path(name))
		if err != nil {
			continue
		}
		if now.Sub(n.Mtime) <= m.ttl {
			continue
		}
		if err := m.coord.Delete(ctx, n.Path, n.Version); err != nil {
			m.logger.Debug("expire live node", zap.String("node", name), zap.Error(err))
			continue
		}
		m.logger.Info("expired live node", zap.String("node", name), zap.Duration("age", now.Sub(n.Mtime)))
	}
}
