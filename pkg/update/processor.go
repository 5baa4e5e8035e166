// Package update is the replication side of a core: it decides the role of
// this core for each write, assigns or checks the version under the id's
// bucket lock, applies the write locally and forwards it to the peers that
// must see it.
package update

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"shardex/pkg/distrib"
	"shardex/pkg/metrics"
	"shardex/pkg/state"
)

// Descriptor identifies the core a processor serves.
type Descriptor interface {
	Collection() string
	ShardID() string
	CoreName() string
	CoreNodeName() string
	BaseURL() string
	// IsLeader is the core's own view of its shard leadership.
	IsLeader() bool
}

// StateView is the cluster state as seen by this node.
type StateView interface {
	ClusterState() *state.ClusterState
	LeaderRetry(ctx context.Context, collection, slice string, timeout time.Duration) (*state.Replica, error)
}

// Config tunes a processor.
type Config struct {
	Buckets         int
	ForwardTimeout  time.Duration
	SubShardTimeout time.Duration
	LeaderTimeout   time.Duration
	RecoveryTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Buckets <= 0 {
		c.Buckets = DefaultBuckets
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 30 * time.Second
	}
	if c.SubShardTimeout <= 0 {
		c.SubShardTimeout = 10 * time.Second
	}
	if c.LeaderTimeout <= 0 {
		c.LeaderTimeout = 4 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
}

// Processor runs the update commands of one core.
type Processor struct {
	desc      Descriptor
	view      StateView
	index     Index
	ulog      *UpdateLog
	vinfo     *VersionInfo
	transport distrib.Transport
	cfg       Config
	logger    *zap.Logger
}

// NewProcessor returns the processor of the core described by desc.
func NewProcessor(desc Descriptor, view StateView, index Index, ulog *UpdateLog, transport distrib.Transport, cfg Config, logger *zap.Logger) *Processor {
	cfg.defaults()
	return &Processor{
		desc:      desc,
		view:      view,
		index:     index,
		ulog:      ulog,
		vinfo:     NewVersionInfo(cfg.Buckets),
		transport: transport,
		cfg:       cfg,
		logger:    logger.Named("update").With(zap.String("core", desc.CoreName())),
	}
}

func (p *Processor) Index() Index              { return p.index }
func (p *Processor) UpdateLog() *UpdateLog     { return p.ulog }
func (p *Processor) VersionInfo() *VersionInfo { return p.vinfo }

// Get returns the latest stored copy of a document without taking any lock.
func (p *Processor) Get(ctx context.Context, id string) (Document, int64, bool, error) {
	return p.index.Get(ctx, id)
}

// LookupVersion returns the last version written for id. Deletes are
// negative, before and after a commit.
func (p *Processor) LookupVersion(ctx context.Context, id string) (int64, bool, error) {
	if v, ok := p.ulog.Lookup(id); ok {
		return v, true, nil
	}
	return p.index.Version(ctx, id)
}

func (p *Processor) myURL() string { return state.CoreURL(p.desc.BaseURL(), p.desc.CoreName()) }

// Request scopes the commands of one client request: they share the
// parameters and the forwards are joined by Finish.
type Request struct {
	p      *Processor
	params Params
	dist   *distrib.Distributor
	resp   Response
}

// NewRequest starts a request with the given parameters.
func (p *Processor) NewRequest(params Params) *Request {
	if params == nil {
		params = Params{}
	}
	return &Request{
		p:      p,
		params: params,
		dist:   distrib.New(p.transport, p.cfg.ForwardTimeout, p.logger),
	}
}

type route struct {
	isLeader         bool
	isSubShardLeader bool
	forwardToLeader  bool
	nodes            []distrib.Node
	subShardLeaders  []distrib.Node
}

func (r *Request) collection() (*state.ClusterState, *state.DocCollection, error) {
	cs := r.p.view.ClusterState()
	coll, ok := cs.Collection(r.p.desc.Collection())
	if !ok {
		return nil, nil, unavailable("collection %s is not in the cluster state", r.p.desc.Collection())
	}
	return cs, coll, nil
}

// setup resolves this core's role for id and the nodes the command goes to.
func (r *Request) setup(ctx context.Context, id string, flags Flag) (*route, error) {
	p := r.p
	cs, coll, err := r.collection()
	if err != nil {
		return nil, err
	}
	phase := r.params.Phase()
	routeKey := r.params[distrib.ParamRoute]

	target, err := coll.Router().TargetSlice(id, routeKey, coll)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	leader, err := p.view.LeaderRetry(ctx, coll.Name(), target.Name(), p.cfg.LeaderTimeout)
	if err != nil {
		return nil, unavailable("%v", err)
	}

	rt := &route{isLeader: leader.Name() == p.desc.CoreNodeName()}
	if !rt.isLeader {
		rt.isSubShardLeader = p.isSubShardLeader(coll, id, routeKey)
	}
	if err := p.checkRole(coll, phase, r.params, rt.isLeader, flags); err != nil {
		return nil, err
	}

	switch {
	case phase == distrib.PhaseFromLeader && !rt.isSubShardLeader:
		// a replica of the leader's slice: apply only
	case rt.isLeader:
		rt.nodes = p.replicaNodes(cs, coll, target.Name())
		rt.subShardLeaders = p.subShardLeaderNodes(cs, coll, target.Name(), id, routeKey)
	case rt.isSubShardLeader:
		rt.nodes = p.replicaNodes(cs, coll, p.desc.ShardID())
	case phase == distrib.PhaseToLeader:
		return nil, unavailable("%s is not the leader of %s/%s", p.desc.CoreNodeName(), coll.Name(), target.Name())
	default:
		rt.forwardToLeader = true
		collName, slice := coll.Name(), target.Name()
		rt.nodes = []distrib.Node{distrib.NewRetryNode(leader, func(ctx context.Context) (*state.Replica, error) {
			return p.view.LeaderRetry(ctx, collName, slice, p.cfg.LeaderTimeout)
		})}
	}
	return rt, nil
}

// isSubShardLeader reports whether this core leads a slice under
// construction that id belongs to. An empty id only checks the slice.
func (p *Processor) isSubShardLeader(coll *state.DocCollection, id, routeKey string) bool {
	mine, ok := coll.Slice(p.desc.ShardID())
	if !ok || mine.State() != state.SliceConstruction || !p.desc.IsLeader() {
		return false
	}
	parent, ok := coll.Slice(mine.Parent())
	if !ok {
		return false
	}
	if r, ok := mine.Range(); ok && !r.IsSubsetOf(rangeOf(parent)) {
		return false
	}
	if id == "" {
		return true
	}
	return coll.Router().IsTargetSlice(id, routeKey, mine.Name(), coll)
}

func rangeOf(s *state.Slice) state.Range {
	if r, ok := s.Range(); ok {
		return r
	}
	return state.FullRange
}

// checkRole rejects requests whose phase contradicts this core's role.
// Replays are never checked.
func (p *Processor) checkRole(coll *state.DocCollection, phase distrib.Phase, params Params, isLeader bool, flags Flag) error {
	if flags&FlagReplay != 0 {
		return nil
	}
	localLeader := p.desc.IsLeader()
	if phase == distrib.PhaseFromLeader && localLeader && params[distrib.ParamFrom] != "" {
		fromShard := params[distrib.ParamFromParent]
		if fromShard == "" {
			return unavailable("request from %s says it is coming from leader, but we are the leader", params[distrib.ParamFrom])
		}
		mine, ok := coll.Slice(p.desc.ShardID())
		if !ok {
			return unavailable("shard %s is not in the cluster state", p.desc.ShardID())
		}
		if mine.State() == state.SliceActive {
			return unavailable("request says it is coming from parent shard leader but we are in active state")
		}
		parentRange := state.FullRange
		if parent, ok := coll.Slice(fromShard); ok {
			parentRange = rangeOf(parent)
		}
		if r, ok := mine.Range(); ok && !r.IsSubsetOf(parentRange) {
			return unavailable("request says it is coming from parent shard leader but parent hash range is not superset of my range")
		}
	}
	if isLeader && !localLeader {
		return unavailable("cluster state says %s is the leader, but locally we don't think so", p.myURL())
	}
	return nil
}

// replicaNodes lists the live, not down replicas of shard other than this
// core.
func (p *Processor) replicaNodes(cs *state.ClusterState, coll *state.DocCollection, shard string) []distrib.Node {
	s, ok := coll.Slice(shard)
	if !ok {
		return nil
	}
	var nodes []distrib.Node
	for _, rep := range s.Replicas() {
		if rep.Name() == p.desc.CoreNodeName() || rep.State() == state.ReplicaDown || !cs.IsLive(rep.NodeName()) {
			continue
		}
		nodes = append(nodes, distrib.NewStdNode(rep))
	}
	return nodes
}

// subShardLeaderNodes lists the leaders of slices being split off shard
// that id belongs to.
func (p *Processor) subShardLeaderNodes(cs *state.ClusterState, coll *state.DocCollection, shard, id, routeKey string) []distrib.Node {
	var nodes []distrib.Node
	for _, s := range coll.Slices() {
		if s.State() != state.SliceConstruction || s.Parent() != shard {
			continue
		}
		if id != "" && !coll.Router().IsTargetSlice(id, routeKey, s.Name(), coll) {
			continue
		}
		l := s.Leader()
		if l == nil || !cs.IsLive(l.NodeName()) {
			continue
		}
		nodes = append(nodes, distrib.NewStdNode(l))
	}
	return nodes
}

func (r *Request) forwardParams(phase distrib.Phase) map[string]string {
	out := map[string]string{
		distrib.ParamPhase: string(phase),
		distrib.ParamFrom:  r.p.myURL(),
	}
	if v := r.params[distrib.ParamRoute]; v != "" {
		out[distrib.ParamRoute] = v
	}
	return out
}

// forward sends req along the route: TOLEADER to the leader, or FROMLEADER
// to the sub-shard leaders (awaited) and then the replicas. A failed
// sub-shard forward is returned once the replicas have been sent to.
func (r *Request) forward(ctx context.Context, req distrib.Request, rt *route) error {
	if rt.forwardToLeader {
		req.Params = r.forwardParams(distrib.PhaseToLeader)
		r.dist.Async(ctx, req, rt.nodes)
		return nil
	}
	var subErr error
	if len(rt.subShardLeaders) > 0 {
		sub := req
		sub.Params = r.forwardParams(distrib.PhaseFromLeader)
		sub.Params[distrib.ParamFromParent] = r.p.desc.ShardID()
		subCtx, cancel := context.WithTimeout(ctx, r.p.cfg.SubShardTimeout)
		if err := r.dist.Sync(subCtx, sub, rt.subShardLeaders); err != nil {
			r.p.logger.Warn("forward to sub-shard leaders failed", zap.Error(err))
			subErr = unavailable("forward to sub-shard leaders: %v", err)
		}
		cancel()
	}
	if len(rt.nodes) > 0 {
		req.Params = r.forwardParams(distrib.PhaseFromLeader)
		r.dist.Async(ctx, req, rt.nodes)
	}
	return subErr
}

// Add adds or replaces a document.
func (r *Request) Add(ctx context.Context, cmd *AddCommand) (err error) {
	defer observe(string(distrib.KindAdd), time.Now(), &err)
	id := cmd.Doc.ID()
	if id == "" {
		return badRequest("document is missing %s", IDField)
	}
	rt, err := r.setup(ctx, id, cmd.Flags)
	if err != nil {
		return err
	}
	if !rt.forwardToLeader {
		dropped, err := r.p.versionAdd(ctx, cmd, rt.isLeader)
		if err != nil || dropped {
			return err
		}
	}
	if err := r.forward(ctx, distrib.Request{Kind: distrib.KindAdd, Doc: cmd.Doc, ID: id, Version: cmd.Version}, rt); err != nil {
		return err
	}
	// a forwarding core never learns the leader's version
	if r.params.Bool(distrib.ParamVersions) && !rt.forwardToLeader {
		record(&r.resp.Adds, id, cmd.Version)
	}
	return nil
}

// versionAdd assigns or checks the version of an add and applies it. It
// reports true when the add was dropped or buffered instead of applied.
func (p *Processor) versionAdd(ctx context.Context, cmd *AddCommand, isLeader bool) (bool, error) {
	id := cmd.Doc.ID()
	leaderLogic := isLeader && cmd.Flags&FlagReplay == 0

	p.vinfo.LockForUpdate()
	defer p.vinfo.UnlockForUpdate()
	b := p.vinfo.Bucket(id)
	b.Lock()
	defer b.Unlock()

	if leaderLogic {
		expected := cmd.Doc.Version()
		doc := cmd.Doc.Clone()
		if IsAtomic(cmd.Doc) {
			stored, _, found, err := p.index.Get(ctx, id)
			if err != nil {
				return false, err
			}
			if !found {
				if expected > 0 {
					return false, &ConflictError{ID: id, Expected: expected, Actual: -1}
				}
				stored = Document{}
			}
			if doc, err = MergeAtomic(stored, cmd.Doc); err != nil {
				return false, err
			}
		}
		if expected != 0 {
			if err := p.checkVersion(ctx, id, expected); err != nil {
				return false, err
			}
		}
		v := p.vinfo.NewClock()
		doc[VersionField] = v
		cmd.Doc, cmd.Version = doc, v
		b.UpdateHighest(v)
	} else {
		v := cmd.Version
		if v == 0 {
			v = cmd.Doc.Version()
		}
		if v <= 0 {
			return false, badRequest("missing %s on update from leader", VersionField)
		}
		cmd.Version = v
		if cmd.Flags&FlagReplay == 0 {
			buffered, err := p.ulog.BufferIfInactive(ctx, Entry{Kind: string(distrib.KindAdd), Doc: cmd.Doc, Version: v})
			if err != nil {
				return false, err
			}
			if buffered {
				cmd.Flags |= FlagBuffering
				metrics.Updates.WithLabelValues(string(distrib.KindAdd), "buffered").Inc()
				return true, nil
			}
		}
		if stale, err := p.reordered(ctx, b, id, v); err != nil || stale {
			if stale {
				p.logger.Debug("dropping reordered add", zap.String("id", id), zap.Int64("version", v))
				metrics.Updates.WithLabelValues(string(distrib.KindAdd), "dropped").Inc()
			}
			return stale, err
		}
		doc := cmd.Doc.Clone()
		doc[VersionField] = v
		cmd.Doc = doc
	}

	if err := p.index.Put(ctx, cmd.Doc, cmd.Version); err != nil {
		return false, err
	}
	p.ulog.Record(id, cmd.Version)
	metrics.Updates.WithLabelValues(string(distrib.KindAdd), "applied").Inc()
	return false, nil
}

// reordered is the replica-side ordering check. When the bucket has only
// seen lower versions the update is new; otherwise the id's own last
// version decides. Callers hold the bucket lock.
func (p *Processor) reordered(ctx context.Context, b *VersionBucket, id string, v int64) (bool, error) {
	if h := b.Highest(); h != 0 && h < v {
		b.UpdateHighest(v)
		p.vinfo.UpdateClock(v)
		return false, nil
	}
	last, found, err := p.LookupVersion(ctx, id)
	if err != nil {
		return false, err
	}
	if found && abs(last) >= v {
		return true, nil
	}
	b.UpdateHighest(v)
	p.vinfo.UpdateClock(v)
	return false, nil
}

// checkVersion compares a client's expected version with the last one
// written for id. Equal versions pass, any two negative versions pass
// (absent documents are all alike) and 1 passes for any existing document.
func (p *Processor) checkVersion(ctx context.Context, id string, expected int64) error {
	actual, found, err := p.LookupVersion(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		actual = -1
	}
	if expected == actual || (expected < 0 && actual < 0) || (expected == 1 && actual > 0) {
		return nil
	}
	return &ConflictError{ID: id, Expected: expected, Actual: actual}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Delete deletes a document by id or by query.
func (r *Request) Delete(ctx context.Context, cmd *DeleteCommand) (err error) {
	if cmd.IsDeleteByQuery() {
		defer observe(string(distrib.KindDeleteByQuery), time.Now(), &err)
		return r.deleteByQuery(ctx, cmd)
	}
	defer observe(string(distrib.KindDelete), time.Now(), &err)
	if cmd.Version == 0 {
		cmd.Version = r.params.Int64(distrib.ParamVersion)
	}
	rt, err := r.setup(ctx, cmd.ID, cmd.Flags)
	if err != nil {
		return err
	}
	if !rt.forwardToLeader {
		dropped, err := r.p.versionDelete(ctx, cmd, rt.isLeader)
		if err != nil || dropped {
			return err
		}
	}
	if err := r.forward(ctx, distrib.Request{Kind: distrib.KindDelete, ID: cmd.ID, Version: cmd.Version}, rt); err != nil {
		return err
	}
	if r.params.Bool(distrib.ParamVersions) && !rt.forwardToLeader {
		record(&r.resp.Deletes, cmd.ID, cmd.Version)
	}
	return nil
}

func (p *Processor) versionDelete(ctx context.Context, cmd *DeleteCommand, isLeader bool) (bool, error) {
	id := cmd.ID
	leaderLogic := isLeader && cmd.Flags&FlagReplay == 0

	p.vinfo.LockForUpdate()
	defer p.vinfo.UnlockForUpdate()
	b := p.vinfo.Bucket(id)
	b.Lock()
	defer b.Unlock()

	if leaderLogic {
		if cmd.Version != 0 {
			if err := p.checkVersion(ctx, id, cmd.Version); err != nil {
				return false, err
			}
		}
		v := p.vinfo.NewClock()
		cmd.Version = -v
		b.UpdateHighest(v)
	} else {
		if cmd.Version == 0 {
			return false, badRequest("missing %s on delete from leader", VersionField)
		}
		cmd.Version = -abs(cmd.Version)
		if cmd.Flags&FlagReplay == 0 {
			buffered, err := p.ulog.BufferIfInactive(ctx, Entry{Kind: string(distrib.KindDelete), ID: id, Version: cmd.Version})
			if err != nil {
				return false, err
			}
			if buffered {
				cmd.Flags |= FlagBuffering
				metrics.Updates.WithLabelValues(string(distrib.KindDelete), "buffered").Inc()
				return true, nil
			}
		}
		if stale, err := p.reordered(ctx, b, id, -cmd.Version); err != nil || stale {
			if stale {
				p.logger.Debug("dropping reordered delete", zap.String("id", id), zap.Int64("version", cmd.Version))
				metrics.Updates.WithLabelValues(string(distrib.KindDelete), "dropped").Inc()
			}
			return stale, err
		}
	}

	if err := p.index.Delete(ctx, id, cmd.Version); err != nil {
		return false, err
	}
	p.ulog.Record(id, cmd.Version)
	metrics.Updates.WithLabelValues(string(distrib.KindDelete), "applied").Inc()
	return false, nil
}

// deleteByQuery is broadcast to the leader of every shard; each leader
// applies it under the exclusive lock and forwards to its own replicas.
func (r *Request) deleteByQuery(ctx context.Context, cmd *DeleteCommand) error {
	p := r.p
	if _, err := ParseQuery(cmd.Query); err != nil {
		return err
	}
	if cmd.Version == 0 {
		cmd.Version = r.params.Int64(distrib.ParamVersion)
	}
	cs, coll, err := r.collection()
	if err != nil {
		return err
	}
	phase := r.params.Phase()
	replay := cmd.Flags&FlagReplay != 0

	if phase == distrib.PhaseNone && !replay {
		leaderForAny := false
		var leaders []distrib.Node
		for _, s := range coll.Router().SearchSlices(coll) {
			l, err := p.view.LeaderRetry(ctx, coll.Name(), s.Name(), p.cfg.LeaderTimeout)
			if err != nil {
				return unavailable("%v", err)
			}
			if l.Name() == p.desc.CoreNodeName() {
				leaderForAny = true
				continue
			}
			leaders = append(leaders, distrib.NewStdNode(l))
		}
		r.dist.Async(ctx, distrib.Request{
			Kind:   distrib.KindDeleteByQuery,
			Query:  cmd.Query,
			Params: r.forwardParams(distrib.PhaseToLeader),
		}, leaders)
		if !leaderForAny {
			return nil
		}
		phase = distrib.PhaseToLeader
	}

	var (
		isLeader, isSubShardLeader bool
		rt                         route
	)
	switch phase {
	case distrib.PhaseToLeader:
		leader := cs.Leader(coll.Name(), p.desc.ShardID())
		if leader == nil || leader.Name() != p.desc.CoreNodeName() {
			return unavailable("%s is not the leader of %s/%s", p.desc.CoreNodeName(), coll.Name(), p.desc.ShardID())
		}
		isLeader = true
		rt.nodes = p.replicaNodes(cs, coll, p.desc.ShardID())
		rt.subShardLeaders = p.subShardLeaderNodes(cs, coll, p.desc.ShardID(), "", "")
	case distrib.PhaseFromLeader:
		if err := p.checkRole(coll, phase, r.params, false, cmd.Flags); err != nil {
			return err
		}
		if isSubShardLeader = p.isSubShardLeader(coll, "", ""); isSubShardLeader {
			rt.nodes = p.replicaNodes(cs, coll, p.desc.ShardID())
		}
	}

	leaderLogic := isLeader && !replay
	applied, err := p.applyDeleteByQuery(ctx, cmd, leaderLogic)
	if err != nil || !applied {
		return err
	}
	if leaderLogic || (isSubShardLeader && !replay) {
		if err := r.forward(ctx, distrib.Request{Kind: distrib.KindDeleteByQuery, Query: cmd.Query, Version: cmd.Version}, &rt); err != nil {
			return err
		}
	}
	if r.params.Bool(distrib.ParamVersions) {
		record(&r.resp.DeleteByQuery, cmd.Query, cmd.Version)
	}
	return nil
}

// applyDeleteByQuery runs a delete-by-query locally with every per-id update
// blocked. It reports false when the command was buffered.
func (p *Processor) applyDeleteByQuery(ctx context.Context, cmd *DeleteCommand, leaderLogic bool) (bool, error) {
	q, err := ParseQuery(cmd.Query)
	if err != nil {
		return false, err
	}
	if !leaderLogic && cmd.Version == 0 {
		return false, badRequest("missing %s on delete-by-query from leader", VersionField)
	}

	p.vinfo.BlockUpdates()
	defer p.vinfo.UnblockUpdates()

	if leaderLogic {
		cmd.Version = -p.vinfo.NewClock()
	} else {
		cmd.Version = -abs(cmd.Version)
		p.vinfo.UpdateClock(cmd.Version)
		if cmd.Flags&FlagReplay == 0 {
			buffered, err := p.ulog.BufferIfInactive(ctx, Entry{Kind: string(distrib.KindDeleteByQuery), Query: cmd.Query, Version: cmd.Version})
			if err != nil {
				return false, err
			}
			if buffered {
				cmd.Flags |= FlagBuffering
				metrics.Updates.WithLabelValues(string(distrib.KindDeleteByQuery), "buffered").Inc()
				return false, nil
			}
		}
	}

	n, err := p.index.DeleteByQuery(ctx, q, cmd.Version)
	if err != nil {
		return false, err
	}
	// deleted ids keep the query's version in their tombstones; raising the
	// buckets sends older reordered adds to the per-id check
	p.vinfo.RaiseAll(cmd.Version)
	p.ulog.ClearRecent()
	p.logger.Info("deleted by query", zap.String("query", q.String()), zap.Int("deleted", n), zap.Int64("version", cmd.Version))
	metrics.Updates.WithLabelValues(string(distrib.KindDeleteByQuery), "applied").Inc()
	return true, nil
}

// Commit commits the index and, unless this request is already the end
// point, forwards the commit to every other live core of the collection.
func (r *Request) Commit(ctx context.Context, cmd *CommitCommand) (err error) {
	defer observe(string(distrib.KindCommit), time.Now(), &err)
	p := r.p
	if err := p.commitLocal(ctx, cmd); err != nil {
		return err
	}
	if r.params.Bool(distrib.ParamCommitEndPoint) || cmd.Flags&FlagReplay != 0 {
		return nil
	}
	cs, coll, err := r.collection()
	if err != nil {
		return err
	}
	var nodes []distrib.Node
	for _, s := range coll.Slices() {
		nodes = append(nodes, p.replicaNodes(cs, coll, s.Name())...)
	}
	r.dist.Async(ctx, distrib.Request{
		Kind: distrib.KindCommit,
		Params: map[string]string{
			distrib.ParamCommitEndPoint: "true",
			distrib.ParamFrom:           p.myURL(),
		},
	}, nodes)
	return nil
}

func (p *Processor) commitLocal(ctx context.Context, cmd *CommitCommand) error {
	p.vinfo.BlockUpdates()
	defer p.vinfo.UnblockUpdates()
	if st := p.ulog.State(); st != StateActive && cmd.Flags&FlagReplay == 0 {
		p.logger.Info("ignoring commit while not active", zap.Stringer("state", st))
		return nil
	}
	if err := p.index.Commit(ctx); err != nil {
		return err
	}
	p.ulog.ClearRecent()
	metrics.Updates.WithLabelValues(string(distrib.KindCommit), "applied").Inc()
	return nil
}

// Finish joins the request's forwards. A failed forward to the leader fails
// the request; replicas that missed an update are asked to recover.
func (r *Request) Finish(ctx context.Context) (Response, error) {
	var fwdErr error
	asked := make(map[string]bool)
	for _, e := range r.dist.Finish() {
		if distrib.IsRetry(e.Node) {
			if fwdErr == nil {
				fwdErr = unavailable("forward to leader %s failed: %v", e.Node.BaseURL(), e.Err)
			}
			continue
		}
		key := e.Node.BaseURL() + "/" + e.Node.CoreName()
		if asked[key] {
			continue
		}
		asked[key] = true
		r.p.logger.Warn("replica missed an update, requesting recovery",
			zap.String("target", e.Node.BaseURL()),
			zap.String("core", e.Node.CoreName()),
			zap.Error(e.Err))
		go r.p.requestRecovery(e.Node.BaseURL(), e.Node.CoreName())
	}
	return r.resp, fwdErr
}

func (p *Processor) requestRecovery(baseURL, core string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RecoveryTimeout)
	defer cancel()
	if err := p.transport.RequestRecovery(ctx, baseURL, core); err != nil {
		p.logger.Error("could not tell replica to recover", zap.String("target", baseURL), zap.String("core", core), zap.Error(err))
	}
}

// ApplyBuffered replays the update log buffer locally, in order, and
// returns the log to ACTIVE.
func (p *Processor) ApplyBuffered(ctx context.Context) (int, error) {
	return p.ulog.ApplyBuffered(ctx, p.replay)
}

func (p *Processor) replay(ctx context.Context, e Entry) error {
	var err error
	switch distrib.Kind(e.Kind) {
	case distrib.KindAdd:
		_, err = p.versionAdd(ctx, &AddCommand{Doc: e.Doc, Version: e.Version, Flags: FlagReplay}, false)
	case distrib.KindDelete:
		_, err = p.versionDelete(ctx, &DeleteCommand{ID: e.ID, Version: e.Version, Flags: FlagReplay}, false)
	case distrib.KindDeleteByQuery:
		_, err = p.applyDeleteByQuery(ctx, &DeleteCommand{Query: e.Query, Version: e.Version, Flags: FlagReplay}, false)
	default:
		err = badRequest("unknown buffered command %q", e.Kind)
	}
	return err
}

// Handle runs one request received from another core.
func (p *Processor) Handle(ctx context.Context, req distrib.Request) (Response, error) {
	r := p.NewRequest(Params(req.Params))
	var err error
	switch req.Kind {
	case distrib.KindAdd:
		err = r.Add(ctx, &AddCommand{Doc: Document(req.Doc), Version: req.Version})
	case distrib.KindDelete:
		if req.ID == "" {
			err = badRequest("delete without %s", IDField)
			break
		}
		err = r.Delete(ctx, &DeleteCommand{ID: req.ID, Version: req.Version})
	case distrib.KindDeleteByQuery:
		err = r.Delete(ctx, &DeleteCommand{Query: req.Query, Version: req.Version})
	case distrib.KindCommit:
		err = r.Commit(ctx, &CommitCommand{})
	default:
		err = badRequest("unknown command %q", req.Kind)
	}
	resp, ferr := r.Finish(ctx)
	if err == nil {
		err = ferr
	}
	return resp, err
}

func observe(kind string, start time.Time, err *error) {
	metrics.UpdateLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	switch {
	case *err == nil:
	case errors.Is(*err, ErrConflict):
		metrics.Updates.WithLabelValues(kind, "conflict").Inc()
	default:
		metrics.Updates.WithLabelValues(kind, "error").Inc()
	}
}
