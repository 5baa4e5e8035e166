package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shardex/pkg/distrib"
	"shardex/pkg/state"
	"shardex/storage"
)

type fakeView struct {
	cs atomic.Pointer[state.ClusterState]
}

func (v *fakeView) ClusterState() *state.ClusterState { return v.cs.Load() }

func (v *fakeView) LeaderRetry(_ context.Context, coll, slice string, _ time.Duration) (*state.Replica, error) {
	if l := v.ClusterState().Leader(coll, slice); l != nil {
		return l, nil
	}
	return nil, fmt.Errorf("%w for %s/%s", state.ErrNoLeader, coll, slice)
}

type fakeDesc struct {
	coll, shard, core, coreNode, base string
	leader                            bool
}

func (d *fakeDesc) Collection() string   { return d.coll }
func (d *fakeDesc) ShardID() string      { return d.shard }
func (d *fakeDesc) CoreName() string     { return d.core }
func (d *fakeDesc) CoreNodeName() string { return d.coreNode }
func (d *fakeDesc) BaseURL() string      { return d.base }
func (d *fakeDesc) IsLeader() bool       { return d.leader }

// loopback delivers forwards to in-process processors.
type loopback struct {
	mu         sync.Mutex
	procs      map[string]*Processor
	down       map[string]bool
	sent       []distrib.Request
	recoveries []string
}

func (l *loopback) Send(ctx context.Context, baseURL string, req distrib.Request) error {
	l.mu.Lock()
	p := l.procs[baseURL+"/"+req.Core]
	down := l.down[baseURL]
	l.sent = append(l.sent, req)
	l.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	if p == nil {
		return fmt.Errorf("no core %s at %s", req.Core, baseURL)
	}
	_, err := p.Handle(ctx, req)
	return err
}

func (l *loopback) RequestRecovery(_ context.Context, baseURL, core string) error {
	l.mu.Lock()
	l.recoveries = append(l.recoveries, baseURL+"/"+core)
	l.mu.Unlock()
	return nil
}

func (l *loopback) setDown(baseURL string, down bool) {
	l.mu.Lock()
	l.down[baseURL] = down
	l.mu.Unlock()
}

func (l *loopback) recovered() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.recoveries...)
}

type testCluster struct {
	t     *testing.T
	view  *fakeView
	tr    *loopback
	cores map[string]*Processor
	descs map[string]*fakeDesc
}

func newTestCluster(t *testing.T) *testCluster {
	return &testCluster{
		t:     t,
		view:  &fakeView{},
		tr:    &loopback{procs: map[string]*Processor{}, down: map[string]bool{}},
		cores: map[string]*Processor{},
		descs: map[string]*fakeDesc{},
	}
}

// addCore starts a processor for the replica coreNode of shard.
func (c *testCluster) addCore(coreNode, base, shard string, leader bool) *Processor {
	c.t.Helper()
	st, err := storage.NewInMemoryStorage()
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = st.Close() })

	core := "c_" + coreNode
	desc := &fakeDesc{coll: "c", shard: shard, core: core, coreNode: coreNode, base: base, leader: leader}
	logger := zaptest.NewLogger(c.t)
	p := NewProcessor(desc, c.view, NewBadgerIndex(st, core), NewUpdateLog(st, core, logger), c.tr,
		Config{LeaderTimeout: 50 * time.Millisecond, ForwardTimeout: time.Second}, logger)

	c.tr.mu.Lock()
	c.tr.procs[base+"/"+core] = p
	c.tr.mu.Unlock()
	c.cores[coreNode] = p
	c.descs[coreNode] = desc
	return p
}

func replicaProps(base, core string, leader bool) state.Props {
	props := state.Props{
		state.PropBaseURL:  base,
		state.PropCore:     core,
		state.PropNodeName: base,
		state.PropState:    state.ReplicaActive,
	}
	if leader {
		props[state.PropLeader] = "true"
	}
	return props
}

// publish builds the cluster state from the started cores. extra slice
// properties are keyed by shard name.
func (c *testCluster) publish(sliceProps map[string]state.Props) {
	reps := map[string]map[string]*state.Replica{}
	var live []string
	for name, d := range c.descs {
		if reps[d.shard] == nil {
			reps[d.shard] = map[string]*state.Replica{}
		}
		reps[d.shard][name] = state.NewReplica(name, replicaProps(d.base, d.core, d.leader))
		live = append(live, d.base)
	}
	slices := map[string]*state.Slice{}
	for shard, props := range sliceProps {
		slices[shard] = state.NewSlice(shard, reps[shard], props)
	}
	coll := state.NewDocCollection("c", slices, nil, nil)
	c.view.cs.Store(state.NewClusterState(map[string]*state.DocCollection{"c": coll}, live, 1))
}

func twoShards() map[string]state.Props {
	ranges := state.PartitionRange(2, state.FullRange)
	return map[string]state.Props{
		"shard1": {state.PropRange: ranges[0].String()},
		"shard2": {state.PropRange: ranges[1].String()},
	}
}

// standard is core_node1 (leader) and core_node2 on shard1 and core_node3
// (leader) on shard2.
func standard(t *testing.T) *testCluster {
	c := newTestCluster(t)
	c.addCore("core_node1", "n1:1", "shard1", true)
	c.addCore("core_node2", "n2:1", "shard1", false)
	c.addCore("core_node3", "n3:1", "shard2", true)
	c.publish(twoShards())
	return c
}

func (c *testCluster) idOn(shard string) string { return c.idsOn(shard, 1)[0] }

// idsOn returns n ids that route to shard.
func (c *testCluster) idsOn(shard string, n int) []string {
	c.t.Helper()
	coll, _ := c.view.ClusterState().Collection("c")
	var ids []string
	for i := 0; i < 10000 && len(ids) < n; i++ {
		id := fmt.Sprintf("doc%d", i)
		if coll.Router().IsTargetSlice(id, "", shard, coll) {
			ids = append(ids, id)
		}
	}
	require.Len(c.t, ids, n, "ids routing to %s", shard)
	return ids
}

func get(t *testing.T, p *Processor, id string) (Document, int64, bool) {
	t.Helper()
	doc, v, ok, err := p.Get(context.Background(), id)
	require.NoError(t, err)
	return doc, v, ok
}

func addAt(t *testing.T, p *Processor, params Params, doc Document) (Response, error) {
	t.Helper()
	r := p.NewRequest(params)
	if err := r.Add(context.Background(), &AddCommand{Doc: doc}); err != nil {
		_, _ = r.Finish(context.Background())
		return Response{}, err
	}
	return r.Finish(context.Background())
}

func fromLeader(params ...string) map[string]string {
	m := map[string]string{distrib.ParamPhase: string(distrib.PhaseFromLeader)}
	for i := 0; i+1 < len(params); i += 2 {
		m[params[i]] = params[i+1]
	}
	return m
}

func TestAddAtLeaderReachesReplicas(t *testing.T) {
	c := standard(t)
	id := c.idOn("shard1")

	resp, err := addAt(t, c.cores["core_node1"], Params{distrib.ParamVersions: "true"}, Document{"id": id, "title": "a"})
	require.NoError(t, err)
	v := resp.Adds[id]
	assert.Greater(t, v, int64(0))

	for _, name := range []string{"core_node1", "core_node2"} {
		doc, got, ok := get(t, c.cores[name], id)
		require.True(t, ok, name)
		assert.Equal(t, v, got, name)
		assert.Equal(t, "a", doc["title"], name)
		assert.Equal(t, json.Number(fmt.Sprint(v)), doc[VersionField], name)
	}
	_, _, ok := get(t, c.cores["core_node3"], id)
	assert.False(t, ok)
}

func TestAddAtReplicaIsForwardedToLeader(t *testing.T) {
	c := standard(t)
	id := c.idOn("shard1")

	resp, err := addAt(t, c.cores["core_node2"], Params{distrib.ParamVersions: "true"}, Document{"id": id})
	require.NoError(t, err)
	assert.Empty(t, resp.Adds)

	_, v1, ok := get(t, c.cores["core_node1"], id)
	require.True(t, ok)
	_, v2, ok := get(t, c.cores["core_node2"], id)
	require.True(t, ok)
	assert.Equal(t, v1, v2)
}

func TestAddIsRoutedToOtherShard(t *testing.T) {
	c := standard(t)
	id := c.idOn("shard2")

	_, err := addAt(t, c.cores["core_node1"], nil, Document{"id": id})
	require.NoError(t, err)
	_, _, ok := get(t, c.cores["core_node3"], id)
	assert.True(t, ok)
	_, _, ok = get(t, c.cores["core_node1"], id)
	assert.False(t, ok)
}

func TestReplicaConvergesRegardlessOfOrder(t *testing.T) {
	v1, v2 := int64(100)<<20, int64(200)<<20
	for _, order := range [][]int64{{v1, v2}, {v2, v1}} {
		c := standard(t)
		replica := c.cores["core_node2"]
		id := c.idOn("shard1")
		for _, v := range order {
			_, err := replica.Handle(context.Background(), distrib.Request{
				Kind:    distrib.KindAdd,
				Params:  fromLeader(distrib.ParamFrom, "n1:1/c_core_node1/"),
				Doc:     map[string]any{"id": id, "v": v},
				Version: v,
			})
			require.NoError(t, err)
		}
		doc, got, ok := get(t, replica, id)
		require.True(t, ok)
		assert.Equal(t, v2, got)
		assert.Equal(t, json.Number(fmt.Sprint(v2)), doc["v"])
	}
}

func TestReplicaDropsDeleteOlderThanAdd(t *testing.T) {
	c := standard(t)
	replica := c.cores["core_node2"]
	id := c.idOn("shard1")
	ctx := context.Background()

	_, err := replica.Handle(ctx, distrib.Request{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": id}, Version: 300})
	require.NoError(t, err)
	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindDelete, Params: fromLeader(), ID: id, Version: -200})
	require.NoError(t, err)

	_, v, ok := get(t, replica, id)
	require.True(t, ok)
	assert.Equal(t, int64(300), v)

	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindDelete, Params: fromLeader(), ID: id, Version: -400})
	require.NoError(t, err)
	_, _, ok = get(t, replica, id)
	assert.False(t, ok)
	last, found, err := replica.LookupVersion(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(-400), last)
}

func TestReplicaRejectsUpdateWithoutVersion(t *testing.T) {
	c := standard(t)
	_, err := c.cores["core_node2"].Handle(context.Background(), distrib.Request{
		Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": c.idOn("shard1")},
	})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestExpectedVersionChecks(t *testing.T) {
	c := standard(t)
	leader := c.cores["core_node1"]
	id := c.idOn("shard1")

	_, err := addAt(t, leader, nil, Document{"id": id, VersionField: -1})
	require.NoError(t, err)
	_, current, _ := get(t, leader, id)

	_, err = addAt(t, leader, nil, Document{"id": id, VersionField: -1})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, current, ce.Actual)

	_, err = addAt(t, leader, nil, Document{"id": id, VersionField: 1})
	require.NoError(t, err)
	_, current, _ = get(t, leader, id)

	_, err = addAt(t, leader, nil, Document{"id": id, VersionField: current})
	require.NoError(t, err)

	stale := current
	_, current, _ = get(t, leader, id)

	r := leader.NewRequest(nil)
	err = r.Delete(context.Background(), &DeleteCommand{ID: id, Version: stale})
	assert.ErrorIs(t, err, ErrConflict, "version was bumped by the last add")
	_, _ = r.Finish(context.Background())

	_, _, ok := get(t, c.cores["core_node2"], id)
	assert.True(t, ok)

	r = leader.NewRequest(Params{distrib.ParamVersions: "true"})
	require.NoError(t, r.Delete(context.Background(), &DeleteCommand{ID: id, Version: current}))
	resp, err := r.Finish(context.Background())
	require.NoError(t, err)
	assert.Less(t, resp.Deletes[id], int64(0))
	for _, name := range []string{"core_node1", "core_node2"} {
		_, _, ok := get(t, c.cores[name], id)
		assert.False(t, ok, name)
	}
}

func TestDeleteSurvivesCommitAgainstReorderedAdd(t *testing.T) {
	c := standard(t)
	replica := c.cores["core_node2"]
	id := c.idOn("shard1")
	ctx := context.Background()

	_, err := replica.Handle(ctx, distrib.Request{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": id}, Version: 100})
	require.NoError(t, err)
	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindDelete, Params: fromLeader(), ID: id, Version: -300})
	require.NoError(t, err)
	_, err = replica.Handle(ctx, distrib.Request{
		Kind:   distrib.KindCommit,
		Params: map[string]string{distrib.ParamCommitEndPoint: "true"},
	})
	require.NoError(t, err)

	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": id}, Version: 200})
	require.NoError(t, err)

	_, _, ok := get(t, replica, id)
	assert.False(t, ok, "an add older than the delete stays dropped after a commit")
	last, found, err := replica.LookupVersion(ctx, id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(-300), last)

	var live int
	require.NoError(t, replica.Index().Scan(ctx, func(Document, int64) error { live++; return nil }))
	assert.Zero(t, live, "tombstones are not scanned")

	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": id}, Version: 400})
	require.NoError(t, err)
	_, v, ok := get(t, replica, id)
	require.True(t, ok)
	assert.Equal(t, int64(400), v)
}

func TestDeleteByQueryLeavesTombstones(t *testing.T) {
	c := standard(t)
	replica := c.cores["core_node2"]
	id := c.idOn("shard1")
	ctx := context.Background()

	_, err := replica.Handle(ctx, distrib.Request{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": id, "kind": "tmp"}, Version: 100})
	require.NoError(t, err)
	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindDeleteByQuery, Params: fromLeader(), Query: "kind:tmp", Version: -300})
	require.NoError(t, err)

	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": id, "kind": "tmp"}, Version: 200})
	require.NoError(t, err)
	_, _, ok := get(t, replica, id)
	assert.False(t, ok)
}

func TestReplicaClockFollowsLeaderVersions(t *testing.T) {
	c := standard(t)
	replica := c.cores["core_node2"]
	ahead := time.Now().Add(time.Hour).UnixMilli() << 20

	_, err := replica.Handle(context.Background(), distrib.Request{
		Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": c.idOn("shard1")}, Version: ahead,
	})
	require.NoError(t, err)
	assert.Greater(t, replica.VersionInfo().NewClock(), ahead)
}

func TestDeleteAtLeaderAssignsNegativeVersion(t *testing.T) {
	c := standard(t)
	leader := c.cores["core_node1"]
	id := c.idOn("shard1")
	_, err := addAt(t, leader, nil, Document{"id": id})
	require.NoError(t, err)

	r := leader.NewRequest(Params{distrib.ParamVersions: "true"})
	require.NoError(t, r.Delete(context.Background(), &DeleteCommand{ID: id}))
	resp, err := r.Finish(context.Background())
	require.NoError(t, err)
	assert.Less(t, resp.Deletes[id], int64(0))

	for _, name := range []string{"core_node1", "core_node2"} {
		_, _, ok := get(t, c.cores[name], id)
		assert.False(t, ok, name)
		v, found, err := c.cores[name].LookupVersion(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, resp.Deletes[id], v, name)
	}
}

func TestAtomicUpdateMergesAtLeader(t *testing.T) {
	c := standard(t)
	leader := c.cores["core_node1"]
	id := c.idOn("shard1")

	_, err := addAt(t, leader, nil, Document{"id": id, "count": 1, "tags": "a", "gone": "x"})
	require.NoError(t, err)
	_, err = addAt(t, leader, nil, Document{
		"id":    id,
		"count": map[string]any{"inc": 2},
		"tags":  map[string]any{"add": "b"},
		"gone":  map[string]any{"set": nil},
		"title": map[string]any{"set": "t"},
	})
	require.NoError(t, err)

	for _, name := range []string{"core_node1", "core_node2"} {
		doc, _, ok := get(t, c.cores[name], id)
		require.True(t, ok)
		assert.Equal(t, json.Number("3"), doc["count"], name)
		assert.Equal(t, []any{"a", "b"}, doc["tags"], name)
		assert.Equal(t, "t", doc["title"], name)
		assert.NotContains(t, doc, "gone", name)
	}

	missing := c.idsOn("shard1", 2)[1]
	_, err = addAt(t, leader, nil, Document{"id": missing, VersionField: 5, "count": map[string]any{"inc": 1}})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(-1), ce.Actual)
}

func TestBufferedUpdatesReplayInOrder(t *testing.T) {
	c := standard(t)
	replica := c.cores["core_node2"]
	ctx := context.Background()
	started, err := replica.UpdateLog().BufferUpdates()
	require.NoError(t, err)
	require.True(t, started)

	x, y := "x1", "y1"
	reqs := []distrib.Request{
		{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": x}, Version: 10},
		{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": y}, Version: 11},
		{Kind: distrib.KindDelete, Params: fromLeader(), ID: x, Version: -12},
	}
	for _, req := range reqs {
		_, err := replica.Handle(ctx, req)
		require.NoError(t, err)
	}
	n, err := replica.UpdateLog().Buffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	_, _, ok := get(t, replica, y)
	assert.False(t, ok, "buffered updates are not applied")

	applied, err := replica.ApplyBuffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, StateActive, replica.UpdateLog().State())

	_, _, ok = get(t, replica, x)
	assert.False(t, ok)
	_, v, ok := get(t, replica, y)
	assert.True(t, ok)
	assert.Equal(t, int64(11), v)
}

func TestDeleteByQueryReachesEveryShard(t *testing.T) {
	c := standard(t)
	ctx := context.Background()
	ids := []string{c.idOn("shard1"), c.idOn("shard2")}
	for _, id := range ids {
		_, err := addAt(t, c.cores["core_node1"], nil, Document{"id": id, "kind": "tmp"})
		require.NoError(t, err)
	}

	r := c.cores["core_node2"].NewRequest(nil)
	require.NoError(t, r.Delete(ctx, &DeleteCommand{Query: "kind:tmp"}))
	_, err := r.Finish(ctx)
	require.NoError(t, err)

	for name, p := range c.cores {
		for _, id := range ids {
			_, _, ok := get(t, p, id)
			assert.False(t, ok, "%s still has %s", name, id)
		}
	}
}

func TestDeleteByQueryRejectsBadQuery(t *testing.T) {
	c := standard(t)
	r := c.cores["core_node1"].NewRequest(nil)
	err := r.Delete(context.Background(), &DeleteCommand{Query: "nocolon"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCommitReachesEveryCoreOnce(t *testing.T) {
	c := standard(t)
	ctx := context.Background()
	r := c.cores["core_node2"].NewRequest(nil)
	require.NoError(t, r.Commit(ctx, &CommitCommand{}))
	_, err := r.Finish(ctx)
	require.NoError(t, err)

	for name, p := range c.cores {
		assert.Equal(t, int64(1), p.Index().(*BadgerIndex).Commits(), name)
	}
}

func TestCommitIgnoredWhileBuffering(t *testing.T) {
	c := standard(t)
	p := c.cores["core_node2"]
	_, err := p.UpdateLog().BufferUpdates()
	require.NoError(t, err)

	_, err = p.Handle(context.Background(), distrib.Request{
		Kind:   distrib.KindCommit,
		Params: map[string]string{distrib.ParamCommitEndPoint: "true"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Index().(*BadgerIndex).Commits())
}

func TestFailedReplicaIsAskedToRecoverOnce(t *testing.T) {
	c := standard(t)
	c.tr.setDown("n2:1", true)
	ctx := context.Background()
	id := c.idOn("shard1")

	r := c.cores["core_node1"].NewRequest(nil)
	require.NoError(t, r.Add(ctx, &AddCommand{Doc: Document{"id": id}}))
	require.NoError(t, r.Add(ctx, &AddCommand{Doc: Document{"id": id, "n": 2}}))
	_, err := r.Finish(ctx)
	require.NoError(t, err, "a replica failure does not fail the update")

	assert.Eventually(t, func() bool { return len(c.tr.recovered()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"n2:1/c_core_node2"}, c.tr.recovered())
}

func TestFailedForwardToLeaderFailsRequest(t *testing.T) {
	c := standard(t)
	c.tr.setDown("n1:1", true)

	_, err := addAt(t, c.cores["core_node2"], nil, Document{"id": c.idOn("shard1")})
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	c.tr.mu.Lock()
	defer c.tr.mu.Unlock()
	assert.Len(t, c.tr.sent, 2, "one send and one retry")
	assert.Empty(t, c.tr.recoveries)
}

func TestRoleChecks(t *testing.T) {
	c := standard(t)
	ctx := context.Background()
	id := c.idOn("shard1")

	_, err := c.cores["core_node2"].Handle(ctx, distrib.Request{
		Kind:   distrib.KindAdd,
		Params: map[string]string{distrib.ParamPhase: string(distrib.PhaseToLeader)},
		Doc:    map[string]any{"id": id},
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable, "TOLEADER at a replica")

	_, err = c.cores["core_node1"].Handle(ctx, distrib.Request{
		Kind:    distrib.KindAdd,
		Params:  fromLeader(distrib.ParamFrom, "n9:1/other/"),
		Doc:     map[string]any{"id": id},
		Version: 7,
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable, "FROMLEADER at the leader")

	c.descs["core_node1"].leader = false
	_, err = addAt(t, c.cores["core_node1"], nil, Document{"id": id})
	assert.ErrorIs(t, err, ErrServiceUnavailable, "published leader that does not think it leads")
}

func TestNoLeaderIsUnavailable(t *testing.T) {
	c := newTestCluster(t)
	c.addCore("core_node2", "n2:1", "shard1", false)
	c.addCore("core_node3", "n3:1", "shard2", true)
	c.publish(twoShards())

	_, err := addAt(t, c.cores["core_node2"], nil, Document{"id": c.idOn("shard1")})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestAddReachesSubShardLeader(t *testing.T) {
	c := newTestCluster(t)
	c.addCore("core_node1", "n1:1", "shard1", true)
	c.addCore("core_node3", "n3:1", "shard2", true)
	c.addCore("core_node4", "n4:1", "shard1_0", true)
	c.addCore("core_node5", "n5:1", "shard1_1", true)

	props := twoShards()
	parent, err := state.ParseRange(props["shard1"][state.PropRange])
	require.NoError(t, err)
	subs := state.PartitionRange(2, parent)
	props["shard1_0"] = state.Props{state.PropRange: subs[0].String(), state.PropState: state.SliceConstruction, state.PropParent: "shard1"}
	props["shard1_1"] = state.Props{state.PropRange: subs[1].String(), state.PropState: state.SliceConstruction, state.PropParent: "shard1"}
	c.publish(props)

	id := c.idOn("shard1_0")
	_, err = addAt(t, c.cores["core_node1"], nil, Document{"id": id})
	require.NoError(t, err)

	_, v1, ok := get(t, c.cores["core_node1"], id)
	require.True(t, ok)
	_, v4, ok := get(t, c.cores["core_node4"], id)
	require.True(t, ok)
	assert.Equal(t, v1, v4)
	_, _, ok = get(t, c.cores["core_node5"], id)
	assert.False(t, ok)

	c.tr.mu.Lock()
	defer c.tr.mu.Unlock()
	for _, req := range c.tr.sent {
		if req.Core == "c_core_node4" {
			assert.Equal(t, "shard1", req.Params[distrib.ParamFromParent])
		}
	}
}

func TestFailedSubShardForwardFailsUpdate(t *testing.T) {
	c := newTestCluster(t)
	c.addCore("core_node1", "n1:1", "shard1", true)
	c.addCore("core_node3", "n3:1", "shard2", true)
	c.addCore("core_node4", "n4:1", "shard1_0", true)
	props := twoShards()
	parent, err := state.ParseRange(props["shard1"][state.PropRange])
	require.NoError(t, err)
	props["shard1_0"] = state.Props{
		state.PropRange:  state.PartitionRange(2, parent)[0].String(),
		state.PropState:  state.SliceConstruction,
		state.PropParent: "shard1",
	}
	c.publish(props)
	c.tr.setDown("n4:1", true)

	_, err = addAt(t, c.cores["core_node1"], nil, Document{"id": c.idOn("shard1_0")})
	assert.ErrorIs(t, err, ErrServiceUnavailable, "a write must not cross the split boundary unreplicated")
}

func TestSubShardRejectsForwardWithoutParent(t *testing.T) {
	c := newTestCluster(t)
	c.addCore("core_node1", "n1:1", "shard1", true)
	c.addCore("core_node3", "n3:1", "shard2", true)
	c.addCore("core_node4", "n4:1", "shard1_0", true)
	props := twoShards()
	parent, _ := state.ParseRange(props["shard1"][state.PropRange])
	props["shard1_0"] = state.Props{
		state.PropRange:  state.PartitionRange(2, parent)[0].String(),
		state.PropState:  state.SliceActive,
		state.PropParent: "shard1",
	}
	c.publish(props)

	_, err := c.cores["core_node4"].Handle(context.Background(), distrib.Request{
		Kind:    distrib.KindAdd,
		Params:  fromLeader(distrib.ParamFrom, "n1:1/c_core_node1/", distrib.ParamFromParent, "shard1"),
		Doc:     map[string]any{"id": "a"},
		Version: 9,
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable, "an active slice no longer takes updates from its parent")
}
