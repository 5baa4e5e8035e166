package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"shardex/pkg/cluster"
	"shardex/pkg/distrib"
	"shardex/pkg/overseer"
	"shardex/pkg/update"
)

// Service names.
const (
	UpdateService  = "shardex.Update"
	ClusterService = "shardex.Cluster"
)

// ParamCollection selects a local core of the collection when a client
// request names no core.
const ParamCollection = "collection"

// Empty is the response of calls that return nothing.
type Empty struct{}

type GetRequest struct {
	Core       string `json:"core"`
	Collection string `json:"collection,omitempty"`
	ID         string `json:"id"`
}

type GetResponse struct {
	Found   bool            `json:"found"`
	Doc     update.Document `json:"doc,omitempty"`
	Version int64           `json:"version,omitempty"`
}

type FetchIndexRequest struct {
	Core string `json:"core"`
}

type FetchedDoc struct {
	Doc     update.Document `json:"doc"`
	Version int64           `json:"version"`
}

type FetchIndexResponse struct {
	Docs []FetchedDoc `json:"docs"`
}

type RecoveryRequest struct {
	Core string `json:"core"`
}

type SubmitRequest struct {
	Command cluster.Command `json:"command"`
}

type SubmitResponse struct {
	Result cluster.Result `json:"result"`
}

type StateRequest struct{}

// StateResponse is a node's view of the cluster.
type StateResponse struct {
	NodeName   string           `json:"node_name"`
	Version    int64            `json:"version"`
	State      json.RawMessage  `json:"state"`
	LiveNodes  []string         `json:"live_nodes"`
	RaftLeader string           `json:"raft_leader,omitempty"`
	Members    []cluster.Member `json:"members,omitempty"`
	Overseer   overseer.Status  `json:"overseer"`
	Cores      []CoreInfo       `json:"cores,omitempty"`
}

type CreateCollectionRequest struct {
	Name      string   `json:"name"`
	NumShards int      `json:"num_shards,omitempty"`
	Shards    []string `json:"shards,omitempty"`
	Router    string   `json:"router,omitempty"`
}

type CreateCoreRequest struct {
	Collection string `json:"collection"`
	Shard      string `json:"shard,omitempty"`
	Core       string `json:"core"`
	NumShards  int    `json:"num_shards,omitempty"`
}

// CoreInfo describes a core hosted by a node.
type CoreInfo struct {
	Collection   string `json:"collection" yaml:"collection"`
	Shard        string `json:"shard" yaml:"shard"`
	Core         string `json:"core" yaml:"core"`
	CoreNodeName string `json:"core_node_name" yaml:"core_node_name"`
	Leader       bool   `json:"leader" yaml:"leader"`
	LogState     string `json:"log_state" yaml:"log_state"`
}

type JoinRequest struct {
	ID          string `json:"id"`
	RaftAddress string `json:"raft_address"`
}

// UpdateServer is the replication service of a node.
type UpdateServer interface {
	Add(context.Context, *distrib.Request) (*update.Response, error)
	Delete(context.Context, *distrib.Request) (*update.Response, error)
	DeleteByQuery(context.Context, *distrib.Request) (*update.Response, error)
	Commit(context.Context, *distrib.Request) (*update.Response, error)
	RealTimeGet(context.Context, *GetRequest) (*GetResponse, error)
	FetchIndex(context.Context, *FetchIndexRequest) (*FetchIndexResponse, error)
	RequestRecovery(context.Context, *RecoveryRequest) (*Empty, error)
}

// ClusterServer is the administration service of a node.
type ClusterServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	State(context.Context, *StateRequest) (*StateResponse, error)
	CreateCollection(context.Context, *CreateCollectionRequest) (*Empty, error)
	CreateCore(context.Context, *CreateCoreRequest) (*CoreInfo, error)
	Join(context.Context, *JoinRequest) (*Empty, error)
}

// unary builds a method descriptor the way protoc-gen-go-grpc does.
func unary[S, Req, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

var updateServiceDesc = grpc.ServiceDesc{
	ServiceName: UpdateService,
	HandlerType: (*UpdateServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(UpdateService, "Add", UpdateServer.Add),
		unary(UpdateService, "Delete", UpdateServer.Delete),
		unary(UpdateService, "DeleteByQuery", UpdateServer.DeleteByQuery),
		unary(UpdateService, "Commit", UpdateServer.Commit),
		unary(UpdateService, "RealTimeGet", UpdateServer.RealTimeGet),
		unary(UpdateService, "FetchIndex", UpdateServer.FetchIndex),
		unary(UpdateService, "RequestRecovery", UpdateServer.RequestRecovery),
	},
	Metadata: "shardex/update",
}

var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: ClusterService,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ClusterService, "Submit", ClusterServer.Submit),
		unary(ClusterService, "State", ClusterServer.State),
		unary(ClusterService, "CreateCollection", ClusterServer.CreateCollection),
		unary(ClusterService, "CreateCore", ClusterServer.CreateCore),
		unary(ClusterService, "Join", ClusterServer.Join),
	},
	Metadata: "shardex/cluster",
}

// RegisterUpdateServer registers srv on s.
func RegisterUpdateServer(s grpc.ServiceRegistrar, srv UpdateServer) {
	s.RegisterService(&updateServiceDesc, srv)
}

// RegisterClusterServer registers srv on s.
func RegisterClusterServer(s grpc.ServiceRegistrar, srv ClusterServer) {
	s.RegisterService(&clusterServiceDesc, srv)
}

// updateMethod is the full method a forwarded request of kind k calls.
func updateMethod(k distrib.Kind) string {
	switch k {
	case distrib.KindDelete:
		return "/" + UpdateService + "/Delete"
	case distrib.KindDeleteByQuery:
		return "/" + UpdateService + "/DeleteByQuery"
	case distrib.KindCommit:
		return "/" + UpdateService + "/Commit"
	default:
		return "/" + UpdateService + "/Add"
	}
}
