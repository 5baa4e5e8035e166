package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"shardex/pkg/overseer"
	"shardex/pkg/state"
	"shardex/storage"
)

// Coordination is the part of the coordination service the container uses.
type Coordination interface {
	overseer.Store
	Create(ctx context.Context, path string, data []byte) (storage.Node, error)
}

// LeaderPath is the election entry of a shard.
func LeaderPath(collection, shard string) string {
	return state.CollectionsPath + "/" + collection + "/leaders/" + shard
}

type leaderEntry struct {
	CoreNodeName string `json:"core_node_name"`
	NodeName     string `json:"node_name"`
	BaseURL      string `json:"base_url"`
	Core         string `json:"core"`
}

// election is a core's candidacy for its shard. The first core to create
// the entry wins. An entry left by a node that is no longer live, or by this
// same core before a restart, is taken over with a versioned write.
type election struct {
	coord  Coordination
	live   func(node string) bool
	path   string
	me     leaderEntry
	logger *zap.Logger
}

func newElection(coord Coordination, live func(string) bool, c *Core) *election {
	return &election{
		coord: coord,
		live:  live,
		path:  LeaderPath(c.collection, c.shard),
		me: leaderEntry{
			CoreNodeName: c.coreNodeName,
			NodeName:     c.nodeName,
			BaseURL:      c.baseURL,
			Core:         c.name,
		},
		logger: c.logger,
	}
}

func (e *election) owner(ctx context.Context) (leaderEntry, int64, bool, error) {
	data, version, found, err := e.coord.GetData(ctx, e.path)
	if err != nil || !found {
		return leaderEntry{}, 0, false, err
	}
	var owner leaderEntry
	if err := json.Unmarshal(data, &owner); err != nil {
		// unreadable entries belong to nobody
		return leaderEntry{}, version, true, nil
	}
	return owner, version, true, nil
}

// tryAcquire reports whether this core holds the entry after the attempt.
func (e *election) tryAcquire(ctx context.Context) (bool, error) {
	data, err := json.Marshal(e.me)
	if err != nil {
		return false, err
	}
	_, err = e.coord.Create(ctx, e.path, data)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, storage.ErrNodeExists) {
		return false, fmt.Errorf("create %s: %w", e.path, err)
	}

	owner, version, found, err := e.owner(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		// vanished between create and read; try again next round
		return false, nil
	}
	if owner == e.me {
		return true, nil
	}
	if owner.CoreNodeName != e.me.CoreNodeName && owner.NodeName != "" && e.live(owner.NodeName) {
		return false, nil
	}
	if _, err := e.coord.Set(ctx, e.path, data, version); err != nil {
		if errors.Is(err, storage.ErrBadVersion) || errors.Is(err, storage.ErrNoNode) {
			return false, nil
		}
		return false, fmt.Errorf("take over %s: %w", e.path, err)
	}
	e.logger.Info("took over shard leadership", zap.String("previous", owner.CoreNodeName), zap.String("previous_node", owner.NodeName))
	return true, nil
}

// holds reports whether the entry still names this core.
func (e *election) holds(ctx context.Context) (bool, error) {
	owner, _, found, err := e.owner(ctx)
	if err != nil {
		return false, err
	}
	return found && owner == e.me, nil
}

// resign deletes the entry if this core holds it.
func (e *election) resign(ctx context.Context) error {
	owner, version, found, err := e.owner(ctx)
	if err != nil || !found || owner != e.me {
		return err
	}
	err = e.coord.Delete(ctx, e.path, version)
	if errors.Is(err, storage.ErrNoNode) || errors.Is(err, storage.ErrBadVersion) {
		return nil
	}
	return err
}
