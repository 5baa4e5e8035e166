// Package core hosts the cores of a node: it registers them with the
// overseer, runs the per-shard leader election and owns each core's update
// processor.
package core

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"shardex/pkg/overseer"
	"shardex/pkg/state"
	"shardex/pkg/update"
)

// Descriptor names a core to create. Shard and NumShards are optional: an
// empty shard lets the overseer assign one, and NumShards creates the
// collection when it does not exist yet.
type Descriptor struct {
	Collection string `mapstructure:"collection" yaml:"collection"`
	Shard      string `mapstructure:"shard" yaml:"shard"`
	Name       string `mapstructure:"name" yaml:"name"`
	NumShards  int    `mapstructure:"num_shards" yaml:"num_shards"`
}

// Core is one replica hosted by this node.
type Core struct {
	collection   string
	shard        string
	name         string
	coreNodeName string
	nodeName     string
	baseURL      string

	leader   atomic.Bool
	store    overseer.Store
	proc     *update.Processor
	election *election
	logger   *zap.Logger
}

var (
	_ update.Descriptor = (*Core)(nil)
	_ update.Publisher  = (*Core)(nil)
)

func (c *Core) Collection() string   { return c.collection }
func (c *Core) ShardID() string      { return c.shard }
func (c *Core) CoreName() string     { return c.name }
func (c *Core) CoreNodeName() string { return c.coreNodeName }
func (c *Core) BaseURL() string      { return c.baseURL }
func (c *Core) IsLeader() bool       { return c.leader.Load() }

// Processor returns the core's update processor.
func (c *Core) Processor() *update.Processor { return c.proc }

// PublishState asks the overseer to record this replica's state.
func (c *Core) PublishState(ctx context.Context, replicaState string) error {
	return overseer.Submit(ctx, c.store, c.stateMessage(replicaState))
}

func (c *Core) stateMessage(replicaState string) overseer.Message {
	return overseer.NewMessage(overseer.OpState,
		overseer.KeyCollection, c.collection,
		overseer.KeyShard, c.shard,
		overseer.KeyCoreNodeName, c.coreNodeName,
		state.PropBaseURL, c.baseURL,
		state.PropCore, c.name,
		state.PropNodeName, c.nodeName,
		state.PropState, replicaState,
	)
}

func (c *Core) leaderMessage() overseer.Message {
	return overseer.NewMessage(overseer.OpLeader,
		overseer.KeyCollection, c.collection,
		overseer.KeyShard, c.shard,
		state.PropBaseURL, c.baseURL,
		state.PropCore, c.name,
	)
}
