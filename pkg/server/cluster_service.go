package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"shardex/pkg/cluster"
	"shardex/pkg/core"
	"shardex/pkg/overseer"
	"shardex/pkg/rpc"
	"shardex/pkg/state"
)

// OverseerStatus reports the overseer of this node, if it runs one.
type OverseerStatus func() overseer.Status

// ClusterService implements the Cluster gRPC service
type ClusterService struct {
	coord    *cluster.Coordinator
	reader   *state.Reader
	cores    *core.Container
	overseer OverseerStatus
	logger   *zap.Logger
}

// NewClusterService creates a new Cluster service
func NewClusterService(coord *cluster.Coordinator, reader *state.Reader, cores *core.Container, ov OverseerStatus, logger *zap.Logger) *ClusterService {
	return &ClusterService{
		coord:    coord,
		reader:   reader,
		cores:    cores,
		overseer: ov,
		logger:   logger.Named("cluster-service"),
	}
}

var _ rpc.ClusterServer = (*ClusterService)(nil)

// Submit applies a coordination command forwarded by a follower
func (s *ClusterService) Submit(ctx context.Context, req *rpc.SubmitRequest) (*rpc.SubmitResponse, error) {
	res, err := s.coord.ApplyForwarded(ctx, req.Command)
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.SubmitResponse{Result: res}, nil
}

// State returns this node's view of the cluster
func (s *ClusterService) State(ctx context.Context, _ *rpc.StateRequest) (*rpc.StateResponse, error) {
	if err := s.reader.Update(ctx); err != nil {
		s.logger.Debug("serving cached cluster state", zap.Error(err))
	}
	return clusterView(s.coord, s.reader.ClusterState(), s.cores, s.overseer)
}

func clusterView(coord *cluster.Coordinator, cs *state.ClusterState, cores *core.Container, ov OverseerStatus) (*rpc.StateResponse, error) {
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode cluster state: %v", err)
	}
	resp := &rpc.StateResponse{
		NodeName:   coord.NodeID(),
		Version:    cs.Version(),
		State:      data,
		LiveNodes:  cs.LiveNodes(),
		RaftLeader: coord.LeaderID(),
		Members:    coord.Raft().Members(),
	}
	if ov != nil {
		resp.Overseer = ov()
	}
	for _, c := range cores.Cores() {
		resp.Cores = append(resp.Cores, coreInfo(c))
	}
	return resp, nil
}

func coreInfo(c *core.Core) rpc.CoreInfo {
	return rpc.CoreInfo{
		Collection:   c.Collection(),
		Shard:        c.ShardID(),
		Core:         c.CoreName(),
		CoreNodeName: c.CoreNodeName(),
		Leader:       c.IsLeader(),
		LogState:     c.Processor().UpdateLog().State().String(),
	}
}

// CreateCollection enqueues a createcollection message for the overseer
func (s *ClusterService) CreateCollection(ctx context.Context, req *rpc.CreateCollectionRequest) (*rpc.Empty, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "collection name is required")
	}
	if req.NumShards <= 0 && len(req.Shards) == 0 {
		return nil, status.Error(codes.InvalidArgument, "num_shards or shards is required")
	}
	msg := overseer.NewMessage(overseer.OpCreateCollection, overseer.KeyCollection, req.Name)
	if req.NumShards > 0 {
		msg[overseer.KeyNumShards] = strconv.Itoa(req.NumShards)
	}
	if len(req.Shards) > 0 {
		msg[overseer.KeyShards] = strings.Join(req.Shards, ",")
	}
	if req.Router != "" {
		if _, err := state.NewRouter(req.Router); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		msg[overseer.KeyRouterName] = req.Router
	}
	if err := overseer.Submit(ctx, s.coord, msg); err != nil {
		return nil, rpc.ToStatus(err)
	}
	s.logger.Info("collection requested", zap.String("collection", req.Name), zap.Int("num_shards", req.NumShards), zap.Strings("shards", req.Shards))
	return &rpc.Empty{}, nil
}

// CreateCore creates and registers a core on this node
func (s *ClusterService) CreateCore(ctx context.Context, req *rpc.CreateCoreRequest) (*rpc.CoreInfo, error) {
	c, err := s.cores.Create(ctx, core.Descriptor{
		Collection: req.Collection,
		Shard:      req.Shard,
		Name:       req.Core,
		NumShards:  req.NumShards,
	})
	if errors.Is(err, core.ErrCoreExists) {
		return nil, status.Error(codes.AlreadyExists, err.Error())
	}
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	info := coreInfo(c)
	return &info, nil
}

// Join adds a node to the raft configuration
func (s *ClusterService) Join(ctx context.Context, req *rpc.JoinRequest) (*rpc.Empty, error) {
	m := s.coord.Raft()
	if m == nil {
		return nil, status.Error(codes.FailedPrecondition, "clustering is disabled on this node")
	}
	if req.ID == "" || req.RaftAddress == "" {
		return nil, status.Error(codes.InvalidArgument, "id and raft_address are required")
	}
	if err := m.Join(ctx, req.ID, req.RaftAddress); err != nil {
		return nil, rpc.ToStatus(err)
	}
	s.logger.Info("node joined", zap.String("id", req.ID), zap.String("raft_addr", req.RaftAddress))
	return &rpc.Empty{}, nil
}
