package state

import (
	"sort"
	"strings"
)

// Coordination paths owned by the cluster state.
const (
	ClusterStatePath = "/clusterstate.json"
	LiveNodesPath    = "/live_nodes"
	CollectionsPath  = "/collections"
)

// Slice states.
const (
	SliceConstruction = "construction"
	SliceActive       = "active"
	SliceRecovery     = "recovery"
	SliceInactive     = "inactive"
)

// Replica states.
const (
	ReplicaActive         = "active"
	ReplicaDown           = "down"
	ReplicaRecovering     = "recovering"
	ReplicaRecoveryFailed = "recovery_failed"
)

// Well known property keys.
const (
	PropBaseURL  = "base_url"
	PropCore     = "core"
	PropNodeName = "node_name"
	PropState    = "state"
	PropLeader   = "leader"
	PropRange    = "range"
	PropParent   = "parent"
	PropRouter   = "router"
)

// Props is a string property bag. Values handed out by the model are copies.
type Props map[string]string

func (p Props) copy() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// CoreURL is the canonical address of a core: base URL, core name and a
// trailing slash.
func CoreURL(baseURL, core string) string {
	var sb strings.Builder
	sb.WriteString(baseURL)
	if !strings.HasSuffix(baseURL, "/") {
		sb.WriteByte('/')
	}
	sb.WriteString(core)
	if !strings.HasSuffix(core, "/") {
		sb.WriteByte('/')
	}
	return sb.String()
}

// Replica is one copy of a slice hosted by a core.
type Replica struct {
	name  string
	props Props
}

// NewReplica returns a replica named by its core-node-name.
func NewReplica(name string, props Props) *Replica {
	return &Replica{name: name, props: props.copy()}
}

func (r *Replica) Name() string          { return r.name }
func (r *Replica) Get(key string) string { return r.props[key] }
func (r *Replica) Props() Props          { return r.props.copy() }
func (r *Replica) BaseURL() string       { return r.props[PropBaseURL] }
func (r *Replica) CoreName() string      { return r.props[PropCore] }
func (r *Replica) NodeName() string      { return r.props[PropNodeName] }
func (r *Replica) State() string         { return r.props[PropState] }
func (r *Replica) IsLeader() bool        { return r.props[PropLeader] == "true" }
func (r *Replica) CoreURL() string       { return CoreURL(r.BaseURL(), r.CoreName()) }

// WithProps returns a copy of r with the given properties replaced. An empty
// value removes the key.
func (r *Replica) WithProps(changes Props) *Replica {
	props := r.props.copy()
	for k, v := range changes {
		if v == "" {
			delete(props, k)
		} else {
			props[k] = v
		}
	}
	return &Replica{name: r.name, props: props}
}

// Slice is a horizontal partition of a collection.
type Slice struct {
	name     string
	props    Props
	replicas map[string]*Replica
	leader   *Replica
}

// NewSlice builds a slice. The state defaults to active. Replicas are keyed
// by their names.
func NewSlice(name string, replicas map[string]*Replica, props Props) *Slice {
	s := &Slice{name: name, props: props.copy(), replicas: clone(replicas)}
	if s.replicas == nil {
		s.replicas = map[string]*Replica{}
	}
	if s.props[PropState] == "" {
		s.props[PropState] = SliceActive
	}
	// with several flagged replicas the lowest name wins
	for name, r := range s.replicas {
		if r.IsLeader() && (s.leader == nil || name < s.leader.Name()) {
			s.leader = r
		}
	}
	return s
}

func (s *Slice) Name() string          { return s.name }
func (s *Slice) State() string         { return s.props[PropState] }
func (s *Slice) Parent() string        { return s.props[PropParent] }
func (s *Slice) Get(key string) string { return s.props[key] }
func (s *Slice) Props() Props          { return s.props.copy() }

// Leader returns the replica carrying the leader flag, or nil.
func (s *Slice) Leader() *Replica { return s.leader }

// Range returns the slice's hash range, if it has one.
func (s *Slice) Range() (Range, bool) {
	raw := s.props[PropRange]
	if raw == "" {
		return Range{}, false
	}
	r, err := ParseRange(raw)
	if err != nil {
		return Range{}, false
	}
	return r, true
}

// Replica looks up a replica by core-node-name.
func (s *Slice) Replica(name string) (*Replica, bool) {
	r, ok := s.replicas[name]
	return r, ok
}

// Replicas returns the replicas ordered by name.
func (s *Slice) Replicas() []*Replica {
	out := make([]*Replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ReplicaMap returns a copy of the replica map.
func (s *Slice) ReplicaMap() map[string]*Replica { return clone(s.replicas) }

func (s *Slice) NumReplicas() int { return len(s.replicas) }

// WithReplica returns a copy of s with r added or replaced.
func (s *Slice) WithReplica(r *Replica) *Slice {
	return NewSlice(s.name, with(s.replicas, r.name, r), s.props)
}

// WithoutReplica returns a copy of s without the named replica.
func (s *Slice) WithoutReplica(name string) *Slice {
	return NewSlice(s.name, without(s.replicas, name), s.props)
}

// WithReplicas returns a copy of s holding exactly the given replicas.
func (s *Slice) WithReplicas(replicas map[string]*Replica) *Slice {
	return NewSlice(s.name, replicas, s.props)
}

// WithProp returns a copy of s with one property set.
func (s *Slice) WithProp(key, value string) *Slice {
	return NewSlice(s.name, s.replicas, with(s.props, key, value))
}

// DocCollection is a named set of slices with a router.
type DocCollection struct {
	name   string
	slices map[string]*Slice
	router Router
	props  Props
}

// NewDocCollection builds a collection. A nil router selects compositeId.
func NewDocCollection(name string, slices map[string]*Slice, router Router, props Props) *DocCollection {
	if router == nil {
		router = CompositeIDRouter{}
	}
	c := &DocCollection{name: name, slices: clone(slices), router: router, props: props.copy()}
	if c.slices == nil {
		c.slices = map[string]*Slice{}
	}
	return c
}

func (c *DocCollection) Name() string          { return c.name }
func (c *DocCollection) Router() Router        { return c.router }
func (c *DocCollection) Get(key string) string { return c.props[key] }
func (c *DocCollection) Props() Props          { return c.props.copy() }

func (c *DocCollection) Slice(name string) (*Slice, bool) {
	s, ok := c.slices[name]
	return s, ok
}

// Slices returns every slice ordered by name.
func (c *DocCollection) Slices() []*Slice {
	out := make([]*Slice, 0, len(c.slices))
	for _, s := range c.slices {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// ActiveSlices returns the slices in state active, ordered by name.
func (c *DocCollection) ActiveSlices() []*Slice {
	var out []*Slice
	for _, s := range c.Slices() {
		if s.State() == SliceActive {
			out = append(out, s)
		}
	}
	return out
}

// SliceMap returns a copy of the slice map.
func (c *DocCollection) SliceMap() map[string]*Slice { return clone(c.slices) }

// WithSlice returns a copy of c with s added or replaced.
func (c *DocCollection) WithSlice(s *Slice) *DocCollection {
	return NewDocCollection(c.name, with(c.slices, s.name, s), c.router, c.props)
}

// WithoutSlice returns a copy of c without the named slice.
func (c *DocCollection) WithoutSlice(name string) *DocCollection {
	return NewDocCollection(c.name, without(c.slices, name), c.router, c.props)
}

// WithSlices returns a copy of c holding exactly the given slices.
func (c *DocCollection) WithSlices(slices map[string]*Slice) *DocCollection {
	return NewDocCollection(c.name, slices, c.router, c.props)
}

// ReplicaByCoreNodeName searches every slice for a replica.
func (c *DocCollection) ReplicaByCoreNodeName(name string) (*Slice, *Replica, bool) {
	for _, s := range c.Slices() {
		if r, ok := s.Replica(name); ok {
			return s, r, true
		}
	}
	return nil, nil, false
}

// ClusterState is an immutable snapshot of every collection plus the set of
// live nodes, as read at a given coordination-node version.
type ClusterState struct {
	collections map[string]*DocCollection
	liveNodes   map[string]struct{}
	version     int64
}

// NewClusterState builds a snapshot. version is the coordination-node
// version the collections were read at, -1 when never published.
func NewClusterState(collections map[string]*DocCollection, liveNodes []string, version int64) *ClusterState {
	cs := &ClusterState{
		collections: clone(collections),
		liveNodes:   make(map[string]struct{}, len(liveNodes)),
		version:     version,
	}
	if cs.collections == nil {
		cs.collections = map[string]*DocCollection{}
	}
	for _, n := range liveNodes {
		cs.liveNodes[n] = struct{}{}
	}
	return cs
}

// Empty returns a snapshot without collections or live nodes.
func Empty() *ClusterState { return NewClusterState(nil, nil, -1) }

func (cs *ClusterState) Version() int64 { return cs.version }

func (cs *ClusterState) Collection(name string) (*DocCollection, bool) {
	c, ok := cs.collections[name]
	return c, ok
}

// CollectionNames returns the collection names, sorted.
func (cs *ClusterState) CollectionNames() []string {
	names := make([]string, 0, len(cs.collections))
	for n := range cs.collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Slice looks up one slice of one collection.
func (cs *ClusterState) Slice(collection, slice string) (*Slice, bool) {
	c, ok := cs.collections[collection]
	if !ok {
		return nil, false
	}
	return c.Slice(slice)
}

// Leader returns the leader replica of a slice, or nil.
func (cs *ClusterState) Leader(collection, slice string) *Replica {
	s, ok := cs.Slice(collection, slice)
	if !ok {
		return nil
	}
	return s.Leader()
}

// LiveNodes returns the live node names, sorted.
func (cs *ClusterState) LiveNodes() []string {
	nodes := make([]string, 0, len(cs.liveNodes))
	for n := range cs.liveNodes {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// IsLive reports whether node is registered under /live_nodes.
func (cs *ClusterState) IsLive(node string) bool {
	_, ok := cs.liveNodes[node]
	return ok
}

// WithCollection returns a copy of cs with c added or replaced.
func (cs *ClusterState) WithCollection(c *DocCollection) *ClusterState {
	return &ClusterState{collections: with(cs.collections, c.name, c), liveNodes: cs.liveNodes, version: cs.version}
}

// WithoutCollection returns a copy of cs without the named collection.
func (cs *ClusterState) WithoutCollection(name string) *ClusterState {
	return &ClusterState{collections: without(cs.collections, name), liveNodes: cs.liveNodes, version: cs.version}
}

// WithLiveNodes returns a copy of cs with the live node set replaced.
func (cs *ClusterState) WithLiveNodes(nodes []string) *ClusterState {
	return NewClusterState(cs.collections, nodes, cs.version)
}

// WithVersion returns a copy of cs stamped with a coordination-node version.
func (cs *ClusterState) WithVersion(version int64) *ClusterState {
	return &ClusterState{collections: cs.collections, liveNodes: cs.liveNodes, version: version}
}
