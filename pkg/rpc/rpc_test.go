package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"shardex/pkg/cluster"
	"shardex/pkg/distrib"
	"shardex/pkg/update"
	"shardex/storage"
)

type fakeUpdate struct {
	mu   sync.Mutex
	reqs []*distrib.Request
}

func (f *fakeUpdate) handle(req *distrib.Request) (*update.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if req.ID == "conflict" {
		return nil, ToStatus(&update.ConflictError{ID: req.ID, Expected: 3, Actual: 4})
	}
	return &update.Response{Adds: map[string]int64{req.ID: req.Version}}, nil
}

func (f *fakeUpdate) Add(_ context.Context, r *distrib.Request) (*update.Response, error) {
	return f.handle(r)
}
func (f *fakeUpdate) Delete(_ context.Context, r *distrib.Request) (*update.Response, error) {
	return f.handle(r)
}
func (f *fakeUpdate) DeleteByQuery(_ context.Context, r *distrib.Request) (*update.Response, error) {
	return f.handle(r)
}
func (f *fakeUpdate) Commit(_ context.Context, r *distrib.Request) (*update.Response, error) {
	return f.handle(r)
}

func (f *fakeUpdate) RealTimeGet(_ context.Context, r *GetRequest) (*GetResponse, error) {
	return &GetResponse{Found: true, Doc: update.Document{"id": r.ID}, Version: 1}, nil
}

func (f *fakeUpdate) FetchIndex(_ context.Context, r *FetchIndexRequest) (*FetchIndexResponse, error) {
	return &FetchIndexResponse{Docs: []FetchedDoc{{Doc: update.Document{"id": "a", "core": r.Core}, Version: 1 << 60}}}, nil
}

func (f *fakeUpdate) RequestRecovery(_ context.Context, r *RecoveryRequest) (*Empty, error) {
	if r.Core == "" {
		return nil, ToStatus(fmt.Errorf("%w: no core", update.ErrBadRequest))
	}
	return &Empty{}, nil
}

type fakeCluster struct{}

func (fakeCluster) Submit(_ context.Context, r *SubmitRequest) (*SubmitResponse, error) {
	if r.Command.Type == cluster.CmdNodeCreate {
		return nil, ToStatus(fmt.Errorf("create: %w", storage.ErrNodeExists))
	}
	return &SubmitResponse{Result: cluster.Result{Count: 7}}, nil
}
func (fakeCluster) State(context.Context, *StateRequest) (*StateResponse, error) {
	return &StateResponse{Version: 3}, nil
}
func (fakeCluster) CreateCollection(context.Context, *CreateCollectionRequest) (*Empty, error) {
	return &Empty{}, nil
}
func (fakeCluster) CreateCore(_ context.Context, r *CreateCoreRequest) (*CoreInfo, error) {
	return &CoreInfo{Collection: r.Collection, Core: r.Core}, nil
}
func (fakeCluster) Join(context.Context, *JoinRequest) (*Empty, error) { return &Empty{}, nil }

func startServer(t *testing.T) (*fakeUpdate, *Pool) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(ServerOption())
	fu := &fakeUpdate{}
	RegisterUpdateServer(srv, fu)
	RegisterClusterServer(srv, fakeCluster{})
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	pool := NewPool(PoolConfig{
		DialTimeout: time.Second,
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})},
	}, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)
	return fu, pool
}

func TestSendKeepsVersionPrecision(t *testing.T) {
	fu, pool := startServer(t)
	v := int64(1<<62 + 1)
	req := distrib.Request{
		Kind:    distrib.KindAdd,
		Core:    "c1",
		Params:  map[string]string{distrib.ParamPhase: string(distrib.PhaseFromLeader)},
		Doc:     map[string]any{"id": "a", "_version_": v},
		ID:      "a",
		Version: v,
	}
	require.NoError(t, pool.Send(context.Background(), "bufnet", req))

	fu.mu.Lock()
	defer fu.mu.Unlock()
	require.Len(t, fu.reqs, 1)
	got := fu.reqs[0]
	assert.Equal(t, v, got.Version)
	assert.Equal(t, json.Number(fmt.Sprint(v)), got.Doc["_version_"])
	assert.Equal(t, distrib.PhaseFromLeader, got.Phase())
	assert.Equal(t, update.Document(got.Doc).Version(), v)
}

func TestConflictCrossesTheWire(t *testing.T) {
	_, pool := startServer(t)
	err := pool.Send(context.Background(), "bufnet", distrib.Request{Kind: distrib.KindDelete, ID: "conflict"})
	var ce *update.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, update.ConflictError{ID: "conflict", Expected: 3, Actual: 4}, *ce)
	assert.ErrorIs(t, err, update.ErrConflict)
}

func TestForwardAndFetch(t *testing.T) {
	_, pool := startServer(t)
	ctx := context.Background()

	res, err := pool.Forward(ctx, "bufnet", cluster.Command{Type: cluster.CmdQueueClear})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Count)

	_, err = pool.Forward(ctx, "bufnet", cluster.Command{Type: cluster.CmdNodeCreate})
	assert.ErrorIs(t, err, storage.ErrNodeExists)

	docs, err := pool.FetchIndex(ctx, "bufnet", "c1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(1<<60), docs[0].Version)
	assert.Equal(t, "c1", docs[0].Doc["core"])

	assert.NoError(t, pool.RequestRecovery(ctx, "bufnet", "c1"))
	assert.ErrorIs(t, pool.RequestRecovery(ctx, "bufnet", ""), update.ErrBadRequest)
}

func TestHealthUsesProtoEncoding(t *testing.T) {
	_, pool := startServer(t)
	cc, err := pool.Conn(context.Background(), "bufnet")
	require.NoError(t, err)
	resp, err := healthpb.NewHealthClient(cc).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
		is   error
	}{
		{fmt.Errorf("%w: x", update.ErrBadRequest), codes.InvalidArgument, update.ErrBadRequest},
		{fmt.Errorf("%w: x", update.ErrServiceUnavailable), codes.Unavailable, update.ErrServiceUnavailable},
		{fmt.Errorf("set: %w", storage.ErrBadVersion), codes.Aborted, storage.ErrBadVersion},
		{storage.ErrNoNode, codes.NotFound, storage.ErrNoNode},
		{cluster.ErrNotLeader, codes.Unavailable, cluster.ErrNotLeader},
		{cluster.ErrSessionExpired, codes.Unavailable, cluster.ErrSessionExpired},
		{&update.ConflictError{ID: "a", Expected: 1, Actual: -1}, codes.Aborted, update.ErrConflict},
	}
	for _, tc := range cases {
		st := ToStatus(tc.err)
		assert.Equal(t, tc.code, status.Code(st), tc.err.Error())
		assert.ErrorIs(t, FromStatus(st), tc.is, tc.err.Error())
	}

	assert.Equal(t, codes.Internal, status.Code(ToStatus(errors.New("boom"))))
	assert.Nil(t, ToStatus(nil))
	plain := status.Error(codes.Unavailable, "no route")
	assert.ErrorIs(t, FromStatus(plain), update.ErrServiceUnavailable)
	assert.Same(t, plain, ToStatus(plain))
}
