package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNoLeader is returned when a slice has no leader within the wait time.
var ErrNoLeader = errors.New("no leader")

// Source is the read side of the coordination service.
type Source interface {
	// GetData returns the data and version of a node; found is false when
	// the node does not exist.
	GetData(ctx context.Context, path string) (data []byte, version int64, found bool, err error)
	Children(ctx context.Context, path string) ([]string, error)
}

// Reader holds the most recently published ClusterState. Readers get a
// complete snapshot or the previous one, never a partial one.
type Reader struct {
	src    Source
	logger *zap.Logger

	current atomic.Pointer[ClusterState]
	// updateMu serializes refreshes so an older read never replaces a newer one.
	updateMu sync.Mutex
}

// NewReader returns a reader starting from an empty state.
func NewReader(src Source, logger *zap.Logger) *Reader {
	r := &Reader{src: src, logger: logger.Named("state")}
	r.current.Store(Empty())
	return r
}

// ClusterState returns the current snapshot.
func (r *Reader) ClusterState() *ClusterState { return r.current.Load() }

// Set installs a snapshot directly.
func (r *Reader) Set(cs *ClusterState) { r.current.Store(cs) }

// Update reads the published state and the live node set and installs them.
func (r *Reader) Update(ctx context.Context) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	data, version, found, err := r.src.GetData(ctx, ClusterStatePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", ClusterStatePath, err)
	}
	if !found {
		version = -1
	}
	live, err := r.src.Children(ctx, LiveNodesPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", LiveNodesPath, err)
	}

	cur := r.current.Load()
	if found && version == cur.Version() {
		r.current.Store(cur.WithLiveNodes(live))
		return nil
	}
	if found && version < cur.Version() {
		r.logger.Debug("ignoring older cluster state", zap.Int64("read", version), zap.Int64("current", cur.Version()))
		r.current.Store(cur.WithLiveNodes(live))
		return nil
	}

	cs, err := Load(data, version, live)
	if err != nil {
		return err
	}
	r.current.Store(cs)
	r.logger.Debug("cluster state updated", zap.Int64("version", version), zap.Int("collections", len(cs.collections)))
	return nil
}

// Run refreshes the state every interval until ctx is done.
func (r *Reader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Update(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("cluster state refresh failed", zap.Error(err))
			}
		}
	}
}

// LeaderRetry returns the leader of a slice, refreshing the state until one
// is published or timeout passes.
func (r *Reader) LeaderRetry(ctx context.Context, collection, slice string, timeout time.Duration) (*Replica, error) {
	deadline := time.Now().Add(timeout)
	for {
		if leader := r.ClusterState().Leader(collection, slice); leader != nil {
			return leader, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w for %s/%s after %s", ErrNoLeader, collection, slice, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		if err := r.Update(ctx); err != nil {
			r.logger.Debug("refresh while waiting for leader", zap.Error(err))
		}
	}
}
