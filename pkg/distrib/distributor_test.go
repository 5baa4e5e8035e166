package distrib

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shardex/pkg/state"
)

type sent struct {
	baseURL string
	req     Request
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sent
	fail     map[string]error
	delay    time.Duration
	inflight atomic.Int32
}

func (f *fakeTransport) Send(ctx context.Context, baseURL string, req Request) error {
	f.inflight.Add(1)
	defer f.inflight.Add(-1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{baseURL: baseURL, req: req})
	return f.fail[baseURL]
}

func (f *fakeTransport) RequestRecovery(ctx context.Context, baseURL, core string) error { return nil }

func (f *fakeTransport) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.baseURL+"/"+s.req.Core)
	}
	return out
}

func replica(name, base, core string) *state.Replica {
	return state.NewReplica(name, state.Props{state.PropBaseURL: base, state.PropCore: core})
}

func TestSyncWaitsForAllNodes(t *testing.T) {
	tr := &fakeTransport{delay: 20 * time.Millisecond, fail: map[string]error{"n2:1": errors.New("down")}}
	d := New(tr, time.Second, zaptest.NewLogger(t))

	req := Request{Kind: KindAdd, Params: map[string]string{ParamPhase: string(PhaseFromLeader)}, ID: "a"}
	err := d.Sync(context.Background(), req, []Node{
		NewStdNode(replica("core_node1", "n1:1", "c1")),
		NewStdNode(replica("core_node2", "n2:1", "c2")),
	})
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "n2:1", de.Node.BaseURL())
	assert.Equal(t, int32(0), tr.inflight.Load())
	assert.ElementsMatch(t, []string{"n1:1/c1", "n2:1/c2"}, tr.targets())

	errs := d.Finish()
	require.Len(t, errs, 1)
	assert.Equal(t, "core_node2", errs[0].Node.CoreNodeName())
}

func TestAsyncErrorsAreAggregated(t *testing.T) {
	tr := &fakeTransport{fail: map[string]error{"n2:1": errors.New("down"), "n3:1": errors.New("refused")}}
	d := New(tr, time.Second, zaptest.NewLogger(t))

	req := Request{Kind: KindDelete, ID: "a", Version: -5}
	d.Async(context.Background(), req, []Node{
		NewStdNode(replica("core_node1", "n1:1", "c1")),
		NewStdNode(replica("core_node2", "n2:1", "c2")),
	})
	d.Async(context.Background(), req, []Node{NewStdNode(replica("core_node3", "n3:1", "c3"))})

	errs := d.Finish()
	require.Len(t, errs, 2)
	var bases []string
	for _, e := range errs {
		bases = append(bases, e.Node.BaseURL())
		assert.Equal(t, KindDelete, e.Req.Kind)
	}
	assert.ElementsMatch(t, []string{"n2:1", "n3:1"}, bases)
	assert.Len(t, tr.targets(), 3)
	assert.Empty(t, d.Finish())
}

func TestRetryNodeResolvesLeaderOnce(t *testing.T) {
	tr := &fakeTransport{fail: map[string]error{"old:1": errors.New("gone")}}
	d := New(tr, time.Second, zaptest.NewLogger(t))

	var resolves int
	node := NewRetryNode(replica("core_node1", "old:1", "c1"), func(context.Context) (*state.Replica, error) {
		resolves++
		return replica("core_node2", "new:1", "c2"), nil
	})
	require.NoError(t, d.Sync(context.Background(), Request{Kind: KindAdd}, []Node{node}))
	assert.Equal(t, 1, resolves)
	assert.Equal(t, []string{"old:1/c1", "new:1/c2"}, tr.targets())
	assert.Equal(t, "core_node2", node.CoreNodeName())
}

func TestRetryNodeGivesUpAfterOneRetry(t *testing.T) {
	tr := &fakeTransport{fail: map[string]error{"old:1": errors.New("gone")}}
	d := New(tr, time.Second, zaptest.NewLogger(t))

	var resolves int
	node := NewRetryNode(replica("core_node1", "old:1", "c1"), func(context.Context) (*state.Replica, error) {
		resolves++
		return replica("core_node1", "old:1", "c1"), nil
	})
	d.Async(context.Background(), Request{Kind: KindAdd, Params: map[string]string{ParamPhase: string(PhaseToLeader)}}, []Node{node})
	errs := d.Finish()
	require.Len(t, errs, 1)
	assert.True(t, IsRetry(errs[0].Node))
	assert.Equal(t, 1, resolves)
	assert.Len(t, tr.targets(), 2)
}

func TestStdNodeIsNotRetried(t *testing.T) {
	tr := &fakeTransport{fail: map[string]error{"n1:1": errors.New("down")}}
	d := New(tr, time.Second, zaptest.NewLogger(t))
	node := NewStdNode(replica("core_node1", "n1:1", "c1"))

	assert.Error(t, d.Sync(context.Background(), Request{Kind: KindCommit}, []Node{node}))
	assert.Len(t, tr.targets(), 1)
	assert.False(t, IsRetry(node))
	assert.Equal(t, "n1:1/c1/", node.String())
}

func TestParsePhase(t *testing.T) {
	assert.Equal(t, PhaseToLeader, ParsePhase("TOLEADER"))
	assert.Equal(t, PhaseFromLeader, ParsePhase("fromleader"))
	assert.Equal(t, PhaseNone, ParsePhase(""))
	assert.Equal(t, PhaseNone, ParsePhase("sideways"))
}
