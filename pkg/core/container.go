package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"shardex/pkg/distrib"
	"shardex/pkg/overseer"
	"shardex/pkg/state"
	"shardex/pkg/update"
	"shardex/storage"
)

var (
	// ErrCoreExists is returned when a core name is already hosted here.
	ErrCoreExists = errors.New("core already exists")
	// ErrNoCore is returned for a core this node does not host.
	ErrNoCore = errors.New("no such core")
)

// Config tunes a container.
type Config struct {
	NodeName string
	BaseURL  string
	// RegisterTimeout bounds the wait for the overseer to publish a new core.
	RegisterTimeout time.Duration
	// ElectionInterval is the period of the leadership check.
	ElectionInterval time.Duration
	Update           update.Config
}

func (c *Config) defaults() {
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 30 * time.Second
	}
	if c.ElectionInterval <= 0 {
		c.ElectionInterval = time.Second
	}
	if c.Update.RecoveryTimeout <= 0 {
		c.Update.RecoveryTimeout = 60 * time.Second
	}
}

// Container owns the cores of this node.
type Container struct {
	coord     Coordination
	reader    *state.Reader
	st        storage.Storage
	transport distrib.Transport
	fetcher   update.IndexFetcher
	cfg       Config
	logger    *zap.Logger

	mu    sync.RWMutex
	cores map[string]*Core

	recoveries singleflight.Group
	bg         sync.WaitGroup
}

// NewContainer returns an empty container. Documents and update-log buffers
// of its cores live in st.
func NewContainer(coord Coordination, reader *state.Reader, st storage.Storage, transport distrib.Transport, fetcher update.IndexFetcher, cfg Config, logger *zap.Logger) *Container {
	cfg.defaults()
	return &Container{
		coord:     coord,
		reader:    reader,
		st:        st,
		transport: transport,
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    logger.Named("cores"),
		cores:     make(map[string]*Core),
	}
}

// Create registers a core with the overseer, waits for it to be published
// and runs its first election. A core that does not win starts recovering
// from its shard leader in the background.
func (c *Container) Create(ctx context.Context, d Descriptor) (*Core, error) {
	if d.Collection == "" || d.Name == "" {
		return nil, fmt.Errorf("%w: a core needs a collection and a name", update.ErrBadRequest)
	}
	if _, ok := c.Core(d.Name); ok {
		return nil, fmt.Errorf("%w: %s", ErrCoreExists, d.Name)
	}

	msg := overseer.NewMessage(overseer.OpState,
		overseer.KeyCollection, d.Collection,
		state.PropBaseURL, c.cfg.BaseURL,
		state.PropCore, d.Name,
		state.PropNodeName, c.cfg.NodeName,
		state.PropState, state.ReplicaDown,
	)
	if d.Shard != "" {
		msg[overseer.KeyShard] = d.Shard
	}
	if d.NumShards > 0 {
		msg[overseer.KeyNumShards] = strconv.Itoa(d.NumShards)
	}
	if err := overseer.Submit(ctx, c.coord, msg); err != nil {
		return nil, fmt.Errorf("register core %s: %w", d.Name, err)
	}
	shard, coreNodeName, err := c.awaitRegistration(ctx, d.Collection, d.Name)
	if err != nil {
		return nil, err
	}

	core := &Core{
		collection:   d.Collection,
		shard:        shard,
		name:         d.Name,
		coreNodeName: coreNodeName,
		nodeName:     c.cfg.NodeName,
		baseURL:      c.cfg.BaseURL,
		store:        c.coord,
		logger:       c.logger.With(zap.String("core", d.Name), zap.String("shard", shard)),
	}
	index := update.NewBadgerIndex(c.st, d.Name)
	ulog := update.NewUpdateLog(c.st, d.Name, core.logger)
	core.proc = update.NewProcessor(core, c.reader, index, ulog, c.transport, c.cfg.Update, c.logger)
	core.election = newElection(c.coord, c.isLive, core)

	c.mu.Lock()
	if _, ok := c.cores[d.Name]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCoreExists, d.Name)
	}
	c.cores[d.Name] = core
	c.mu.Unlock()

	core.logger.Info("core registered", zap.String("collection", d.Collection), zap.String("core_node_name", coreNodeName))
	won, err := c.elect(ctx, core)
	if err != nil {
		core.logger.Warn("first election failed", zap.Error(err))
	}
	if !won {
		c.startRecovery(core)
	}
	return core, nil
}

func (c *Container) isLive(node string) bool { return c.reader.ClusterState().IsLive(node) }

// awaitRegistration polls the published state until the overseer has
// recorded the core, and returns the shard and core node name it got.
func (c *Container) awaitRegistration(ctx context.Context, collection, core string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RegisterTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := c.reader.Update(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug("refresh while registering", zap.Error(err))
		}
		if coll, ok := c.reader.ClusterState().Collection(collection); ok {
			for _, s := range coll.Slices() {
				for _, r := range s.Replicas() {
					if r.BaseURL() == c.cfg.BaseURL && r.CoreName() == core {
						return s.Name(), r.Name(), nil
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", "", fmt.Errorf("%w: core %s was not published: %v", update.ErrServiceUnavailable, core, ctx.Err())
		case <-ticker.C:
		}
	}
}

// elect runs one election round for core and reports whether it leads.
func (c *Container) elect(ctx context.Context, core *Core) (bool, error) {
	won, err := core.election.tryAcquire(ctx)
	if err != nil || !won {
		return false, err
	}
	if ulog := core.proc.UpdateLog(); ulog.State() != update.StateActive {
		if n, err := core.proc.ApplyBuffered(ctx); err != nil {
			core.logger.Warn("replaying buffer before leading", zap.Int("replayed", n), zap.Error(err))
		}
	}
	core.leader.Store(true)
	if err := overseer.Submit(ctx, c.coord, core.leaderMessage()); err != nil {
		return true, fmt.Errorf("publish leader: %w", err)
	}
	if err := core.PublishState(ctx, state.ReplicaActive); err != nil {
		return true, fmt.Errorf("publish %s: %w", state.ReplicaActive, err)
	}
	core.logger.Info("became shard leader")
	return true, nil
}

// Run checks leadership of every core each interval until ctx is done. A
// core whose shard has no live leader runs for it; a leader that lost its
// election entry steps down and recovers.
func (c *Container) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ElectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkLeadership(ctx)
		}
	}
}

func (c *Container) checkLeadership(ctx context.Context) {
	cs := c.reader.ClusterState()
	for _, core := range c.Cores() {
		if core.IsLeader() {
			holds, err := core.election.holds(ctx)
			if err != nil {
				core.logger.Debug("leadership check", zap.Error(err))
				continue
			}
			if !holds {
				core.logger.Warn("lost shard leadership")
				core.leader.Store(false)
				c.startRecovery(core)
			}
			continue
		}
		leader := cs.Leader(core.collection, core.shard)
		if leader != nil && leader.Name() != core.coreNodeName &&
			leader.State() == state.ReplicaActive && cs.IsLive(leader.NodeName()) {
			continue
		}
		if _, err := c.elect(ctx, core); err != nil && ctx.Err() == nil {
			core.logger.Warn("election failed", zap.Error(err))
		}
	}
}

// Core returns a hosted core by name.
func (c *Container) Core(name string) (*Core, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	core, ok := c.cores[name]
	return core, ok
}

// Cores returns the hosted cores sorted by name.
func (c *Container) Cores() []*Core {
	c.mu.RLock()
	out := make([]*Core, 0, len(c.cores))
	for _, core := range c.cores {
		out = append(out, core)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ForCollection picks a local core of collection to take a client request,
// preferring a shard leader.
func (c *Container) ForCollection(collection string) (*Core, bool) {
	var pick *Core
	for _, core := range c.Cores() {
		if core.collection != collection {
			continue
		}
		if core.IsLeader() {
			return core, true
		}
		if pick == nil {
			pick = core
		}
	}
	return pick, pick != nil
}

// Recover runs recovery of a core now. Concurrent calls for the same core
// share one run.
func (c *Container) Recover(ctx context.Context, name string) error {
	core, ok := c.Core(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCore, name)
	}
	_, err, shared := c.recoveries.Do(name, func() (any, error) {
		return nil, core.proc.Recover(ctx, core, c.fetcher)
	})
	if shared {
		core.logger.Debug("joined a running recovery")
	}
	return err
}

// RequestRecovery starts recovery of a core in the background.
func (c *Container) RequestRecovery(name string) error {
	core, ok := c.Core(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCore, name)
	}
	c.startRecovery(core)
	return nil
}

func (c *Container) startRecovery(core *Core) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Update.RecoveryTimeout)
		defer cancel()
		if err := c.Recover(ctx, core.name); err != nil {
			core.logger.Error("recovery failed", zap.Error(err))
		}
	}()
}

// Unload stops hosting a core and removes it from the cluster state. Its
// documents stay in storage.
func (c *Container) Unload(ctx context.Context, name string) error {
	c.mu.Lock()
	core, ok := c.cores[name]
	delete(c.cores, name)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCore, name)
	}
	core.leader.Store(false)
	if err := core.election.resign(ctx); err != nil {
		core.logger.Warn("resign", zap.Error(err))
	}
	return overseer.Submit(ctx, c.coord, overseer.NewMessage(overseer.OpDeleteCore,
		overseer.KeyCollection, core.collection,
		overseer.KeyCoreNodeName, core.coreNodeName,
	))
}

// Close resigns every leadership held here, publishes the cores down and
// waits for background recoveries. The container hosts nothing afterwards.
func (c *Container) Close(ctx context.Context) error {
	cores := c.Cores()
	c.mu.Lock()
	c.cores = make(map[string]*Core)
	c.mu.Unlock()

	var errs []error
	for _, core := range cores {
		if core.leader.Swap(false) {
			if err := core.election.resign(ctx); err != nil {
				errs = append(errs, fmt.Errorf("resign %s: %w", core.name, err))
			}
		}
		if err := core.PublishState(ctx, state.ReplicaDown); err != nil {
			errs = append(errs, fmt.Errorf("publish %s down: %w", core.name, err))
		}
	}
	c.bg.Wait()
	return errors.Join(errs...)
}
