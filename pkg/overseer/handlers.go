package overseer

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"shardex/pkg/state"
)

// ErrUnknownOperation is returned for a message whose operation has no
// handler.
var ErrUnknownOperation = errors.New("unknown overseer operation")

// Outcome is the result of applying one message. RemovedCollections lists
// collections whose /collections/<name> node must be deleted once the state
// is published.
type Outcome struct {
	State              *state.ClusterState
	RemovedCollections []string
}

// handlers are pure functions of (state, message). They never touch the
// coordination service, so applying a message twice, as overlapping leaders
// may, cannot corrupt anything beyond what the message itself describes.
type handlers struct {
	logger *zap.Logger
}

// Apply dispatches msg to its handler.
func (h handlers) Apply(cs *state.ClusterState, msg Message) (Outcome, error) {
	var (
		next *state.ClusterState
		err  error
	)
	switch msg.Operation() {
	case OpState:
		next, err = h.updateState(cs, msg)
	case OpCreateCollection:
		next, err = h.createCollection(cs, msg)
	case OpCreateShard:
		next, err = h.createShard(cs, msg)
	case OpUpdateShardState:
		next, err = h.updateShardState(cs, msg)
	case OpLeader:
		next, err = h.setShardLeader(cs, msg)
	case OpDeleteCore, OpRemoveCore:
		return h.removeCore(cs, msg)
	case OpDeleteShard, OpRemoveShard:
		next, err = h.removeShard(cs, msg)
	case OpRemoveCollection:
		return h.removeCollection(cs, msg)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownOperation, msg.Operation())
	}
	return Outcome{State: next}, err
}

func requireKeys(msg Message, keys ...string) error {
	for _, k := range keys {
		if msg[k] == "" {
			return fmt.Errorf("%s: missing %q", msg.Operation(), k)
		}
	}
	return nil
}

// updateState registers or updates a replica.
func (h handlers) updateState(cs *state.ClusterState, msg Message) (*state.ClusterState, error) {
	if err := requireKeys(msg, KeyCollection); err != nil {
		return nil, err
	}
	name := msg.Collection()

	coll, exists := cs.Collection(name)
	if !exists && (msg.NumShards() > 0 || len(msg.ShardNames()) > 0) {
		var err error
		if coll, err = newCollection(name, msg[KeyRouterName], shardList(msg), nil); err != nil {
			return nil, err
		}
		exists = true
	}

	coreNodeName := msg[KeyCoreNodeName]
	sliceName := msg.Shard()
	if exists && coreNodeName == "" {
		if s, r := findReplica(coll, msg[state.PropBaseURL], msg[state.PropCore]); r != nil {
			coreNodeName = r.Name()
			if sliceName == "" {
				sliceName = s.Name()
			}
		}
	}
	if exists && coreNodeName != "" && sliceName == "" {
		if s, _, ok := coll.ReplicaByCoreNodeName(coreNodeName); ok {
			sliceName = s.Name()
		}
	}
	if sliceName == "" {
		if !exists {
			return nil, fmt.Errorf("collection %s does not exist and the message names no shard", name)
		}
		sliceName = assignSlice(coll)
		if sliceName == "" {
			return nil, fmt.Errorf("collection %s has no active shard to assign", name)
		}
		h.logger.Debug("assigned shard", zap.String("collection", name), zap.String("shard", sliceName))
	}
	if !exists {
		// a core naming its own shard creates a collection routed by shard name
		coll = state.NewDocCollection(name, nil, state.ImplicitRouter{}, nil)
	}
	if coreNodeName == "" {
		coreNodeName = nextCoreNodeName(coll)
	}

	slice, ok := coll.Slice(sliceName)
	if !ok {
		props := state.Props{}
		if r := msg[KeyShardRange]; r != "" {
			props[state.PropRange] = r
		}
		if s := msg[KeyShardState]; s != "" {
			props[state.PropState] = s
		}
		if p := msg[KeyShardParent]; p != "" {
			props[state.PropParent] = p
		}
		slice = state.NewSlice(sliceName, nil, props)
	}

	changes := state.Props{}
	for k, v := range msg {
		if !routingKeys[k] {
			changes[k] = v
		}
	}
	replica, ok := slice.Replica(coreNodeName)
	if ok {
		replica = replica.WithProps(changes)
	} else {
		replica = state.NewReplica(coreNodeName, nil).WithProps(changes)
	}

	replicas := slice.ReplicaMap()
	replicas[coreNodeName] = replica
	if replica.IsLeader() {
		// one leader per slice
		for name, r := range replicas {
			if name != coreNodeName && r.IsLeader() {
				replicas[name] = r.WithProps(state.Props{state.PropLeader: ""})
			}
		}
	}
	coll = coll.WithSlice(slice.WithReplicas(replicas))
	return cs.WithCollection(coll), nil
}

func shardList(msg Message) []string {
	if names := msg.ShardNames(); len(names) > 0 {
		return names
	}
	names := make([]string, msg.NumShards())
	for i := range names {
		names[i] = "shard" + strconv.Itoa(i+1)
	}
	return names
}

func newCollection(name, routerName string, shards []string, props state.Props) (*state.DocCollection, error) {
	router, err := state.NewRouter(routerName)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("collection %s: no shards", name)
	}
	ranges := router.PartitionRange(len(shards), state.FullRange)
	slices := make(map[string]*state.Slice, len(shards))
	for i, s := range shards {
		sp := state.Props{state.PropState: state.SliceActive}
		if ranges != nil {
			sp[state.PropRange] = ranges[i].String()
		}
		slices[s] = state.NewSlice(s, nil, sp)
	}
	return state.NewDocCollection(name, slices, router, props), nil
}

func findReplica(coll *state.DocCollection, baseURL, core string) (*state.Slice, *state.Replica) {
	if baseURL == "" || core == "" {
		return nil, nil
	}
	for _, s := range coll.Slices() {
		for _, r := range s.Replicas() {
			if r.BaseURL() == baseURL && r.CoreName() == core {
				return s, r
			}
		}
	}
	return nil, nil
}

// assignSlice picks the active slice with the fewest replicas.
func assignSlice(coll *state.DocCollection) string {
	slices := coll.ActiveSlices()
	if len(slices) == 0 {
		return ""
	}
	sort.SliceStable(slices, func(i, j int) bool {
		return slices[i].NumReplicas() < slices[j].NumReplicas()
	})
	return slices[0].Name()
}

func nextCoreNodeName(coll *state.DocCollection) string {
	highest := 0
	for _, s := range coll.Slices() {
		for _, r := range s.Replicas() {
			if n, err := strconv.Atoi(strings.TrimPrefix(r.Name(), "core_node")); err == nil && n > highest {
				highest = n
			}
		}
	}
	return "core_node" + strconv.Itoa(highest+1)
}

func (h handlers) createCollection(cs *state.ClusterState, msg Message) (*state.ClusterState, error) {
	if err := requireKeys(msg, KeyCollection); err != nil {
		return nil, err
	}
	name := msg.Collection()
	if _, ok := cs.Collection(name); ok {
		h.logger.Warn("collection already exists, ignoring create", zap.String("collection", name))
		return cs, nil
	}
	props := state.Props{}
	for k, v := range msg {
		if !routingKeys[k] {
			props[k] = v
		}
	}
	coll, err := newCollection(name, msg[KeyRouterName], shardList(msg), props)
	if err != nil {
		return nil, err
	}
	h.logger.Info("created collection", zap.String("collection", name), zap.Int("shards", len(coll.Slices())), zap.String("router", coll.Router().Name()))
	return cs.WithCollection(coll), nil
}

func (h handlers) createShard(cs *state.ClusterState, msg Message) (*state.ClusterState, error) {
	if err := requireKeys(msg, KeyCollection, KeyShard); err != nil {
		return nil, err
	}
	coll, ok := cs.Collection(msg.Collection())
	if !ok {
		return nil, fmt.Errorf("createshard: collection %s does not exist", msg.Collection())
	}
	if _, ok := coll.Slice(msg.Shard()); ok {
		h.logger.Info("shard already exists, ignoring create", zap.String("collection", coll.Name()), zap.String("shard", msg.Shard()))
		return cs, nil
	}
	props := state.Props{}
	if r := msg[KeyShardRange]; r != "" {
		if _, err := state.ParseRange(r); err != nil {
			return nil, err
		}
		props[state.PropRange] = r
	}
	if s := msg[KeyShardState]; s != "" {
		props[state.PropState] = s
	}
	if p := msg[KeyShardParent]; p != "" {
		props[state.PropParent] = p
	}
	return cs.WithCollection(coll.WithSlice(state.NewSlice(msg.Shard(), nil, props))), nil
}

// updateShardState treats every key other than operation and collection as
// a shard name whose state becomes the value.
func (h handlers) updateShardState(cs *state.ClusterState, msg Message) (*state.ClusterState, error) {
	if err := requireKeys(msg, KeyCollection); err != nil {
		return nil, err
	}
	coll, ok := cs.Collection(msg.Collection())
	if !ok {
		return nil, fmt.Errorf("updateshardstate: collection %s does not exist", msg.Collection())
	}
	keys := make([]string, 0, len(msg))
	for k := range msg {
		if k != KeyOperation && k != KeyCollection {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, shard := range keys {
		s, ok := coll.Slice(shard)
		if !ok {
			return nil, fmt.Errorf("updateshardstate: shard %s/%s does not exist", coll.Name(), shard)
		}
		h.logger.Info("updating shard state", zap.String("collection", coll.Name()), zap.String("shard", shard), zap.String("state", msg[shard]))
		coll = coll.WithSlice(s.WithProp(state.PropState, msg[shard]))
	}
	return cs.WithCollection(coll), nil
}

// setShardLeader moves the leader flag to the replica whose core URL
// matches the message. No match leaves the slice without a leader.
func (h handlers) setShardLeader(cs *state.ClusterState, msg Message) (*state.ClusterState, error) {
	if err := requireKeys(msg, KeyCollection, KeyShard); err != nil {
		return nil, err
	}
	slice, ok := cs.Slice(msg.Collection(), msg.Shard())
	if !ok {
		return nil, fmt.Errorf("leader: shard %s/%s does not exist", msg.Collection(), msg.Shard())
	}
	var leaderURL string
	if base, core := msg[state.PropBaseURL], msg[state.PropCore]; base != "" && core != "" {
		leaderURL = state.CoreURL(base, core)
	}

	replicas := slice.ReplicaMap()
	found := false
	for name, r := range replicas {
		switch {
		case leaderURL != "" && r.CoreURL() == leaderURL:
			replicas[name] = r.WithProps(state.Props{state.PropLeader: "true"})
			found = true
		case r.IsLeader():
			replicas[name] = r.WithProps(state.Props{state.PropLeader: ""})
		}
	}
	if !found {
		h.logger.Warn("no replica matches the new leader", zap.String("collection", msg.Collection()), zap.String("shard", msg.Shard()), zap.String("url", leaderURL))
	}
	coll, _ := cs.Collection(msg.Collection())
	return cs.WithCollection(coll.WithSlice(slice.WithReplicas(replicas))), nil
}

func (h handlers) removeCore(cs *state.ClusterState, msg Message) (Outcome, error) {
	if err := requireKeys(msg, KeyCollection); err != nil {
		return Outcome{}, err
	}
	name := msg.Collection()
	coll, ok := cs.Collection(name)
	if !ok {
		// clean up a leftover metadata node
		return Outcome{State: cs, RemovedCollections: []string{name}}, nil
	}

	coreNodeName := msg[KeyCoreNodeName]
	if coreNodeName == "" {
		if _, r := findReplica(coll, msg[state.PropBaseURL], msg[state.PropCore]); r != nil {
			coreNodeName = r.Name()
		}
	}
	slice, _, ok := coll.ReplicaByCoreNodeName(coreNodeName)
	if coreNodeName == "" || !ok {
		h.logger.Info("core to remove is not registered", zap.String("collection", name), zap.String("core_node_name", coreNodeName))
		return Outcome{State: cs}, nil
	}

	slices := coll.SliceMap()
	rest := slice.WithoutReplica(coreNodeName)
	if rest.NumReplicas() > 0 {
		slices[rest.Name()] = rest
	} else {
		// the last replica went away: drop its slice and any other
		// slice that never got a replica
		for n, s := range slices {
			if s.NumReplicas() == 0 || n == rest.Name() {
				delete(slices, n)
			}
		}
	}

	if len(slices) == 0 {
		h.logger.Info("removed last core of collection", zap.String("collection", name))
		return Outcome{State: cs.WithoutCollection(name), RemovedCollections: []string{name}}, nil
	}
	return Outcome{State: cs.WithCollection(coll.WithSlices(slices))}, nil
}

func (h handlers) removeShard(cs *state.ClusterState, msg Message) (*state.ClusterState, error) {
	if err := requireKeys(msg, KeyCollection, KeyShard); err != nil {
		return nil, err
	}
	coll, ok := cs.Collection(msg.Collection())
	if !ok {
		h.logger.Info("collection of shard to remove does not exist", zap.String("collection", msg.Collection()))
		return cs, nil
	}
	if _, ok := coll.Slice(msg.Shard()); !ok {
		h.logger.Info("shard to remove does not exist", zap.String("collection", msg.Collection()), zap.String("shard", msg.Shard()))
		return cs, nil
	}
	return cs.WithCollection(coll.WithoutSlice(msg.Shard())), nil
}

func (h handlers) removeCollection(cs *state.ClusterState, msg Message) (Outcome, error) {
	if err := requireKeys(msg, KeyCollection); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		State:              cs.WithoutCollection(msg.Collection()),
		RemovedCollections: []string{msg.Collection()},
	}, nil
}
