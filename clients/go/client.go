package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"shardex/pkg/distrib"
	"shardex/pkg/rpc"
	"shardex/pkg/update"
)

// Client is a typed SDK for shardex nodes.
type Client struct {
	conn *grpc.ClientConn
}

// Options control Client behavior.
type Options struct {
	// DialTimeout is the timeout for establishing the initial connection.
	DialTimeout time.Duration
	// Insecure skips TLS (default true for local dev).
	Insecure bool
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// Target selects where an update goes. With Core empty the node picks one
// of its cores of Collection.
type Target struct {
	Collection string
	Core       string
	// Route overrides the document id for shard routing.
	Route string
}

// New dials the shardex node at address (host:port) and returns a Client.
func New(ctx context.Context, address string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{Insecure: true, DialTimeout: 5 * time.Second}
	}
	dialOpts := []grpc.DialOption{rpc.DialOption()}
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	conn, err := grpc.DialContext(ctx, address, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) call(ctx context.Context, service, method string, in, out any) error {
	return rpc.FromStatus(c.conn.Invoke(ctx, "/"+service+"/"+method, in, out))
}

func (t Target) request(kind distrib.Kind) *distrib.Request {
	params := map[string]string{distrib.ParamVersions: "true"}
	if t.Core == "" {
		params[rpc.ParamCollection] = t.Collection
	}
	if t.Route != "" {
		params[distrib.ParamRoute] = t.Route
	}
	return &distrib.Request{Kind: kind, Core: t.Core, Params: params}
}

// Add indexes doc and returns the version the shard leader assigned. A
// _version_ field on doc is the expected current version. The version is 0
// when the receiving core forwarded the add to another leader.
func (c *Client) Add(ctx context.Context, t Target, doc update.Document) (int64, error) {
	req := t.request(distrib.KindAdd)
	req.Doc = doc
	req.ID = doc.ID()
	var resp update.Response
	if err := c.call(ctx, rpc.UpdateService, "Add", req, &resp); err != nil {
		return 0, err
	}
	return resp.Adds[req.ID], nil
}

// Delete removes a document. expected is the version it must currently
// have, 0 for any.
func (c *Client) Delete(ctx context.Context, t Target, id string, expected int64) (int64, error) {
	req := t.request(distrib.KindDelete)
	req.ID = id
	req.Version = expected
	var resp update.Response
	if err := c.call(ctx, rpc.UpdateService, "Delete", req, &resp); err != nil {
		return 0, err
	}
	return resp.Deletes[id], nil
}

// DeleteByQuery removes every document matching query on every shard.
func (c *Client) DeleteByQuery(ctx context.Context, t Target, query string) error {
	req := t.request(distrib.KindDeleteByQuery)
	req.Query = query
	var resp update.Response
	return c.call(ctx, rpc.UpdateService, "DeleteByQuery", req, &resp)
}

// Commit makes pending updates of every replica of the collection durable.
func (c *Client) Commit(ctx context.Context, t Target) error {
	var resp update.Response
	return c.call(ctx, rpc.UpdateService, "Commit", t.request(distrib.KindCommit), &resp)
}

// Get reads the latest copy of a document from the receiving node.
func (c *Client) Get(ctx context.Context, t Target, id string) (update.Document, int64, bool, error) {
	var resp rpc.GetResponse
	err := c.call(ctx, rpc.UpdateService, "RealTimeGet", &rpc.GetRequest{Core: t.Core, Collection: t.Collection, ID: id}, &resp)
	if err != nil {
		return nil, 0, false, err
	}
	return resp.Doc, resp.Version, resp.Found, nil
}

// State returns the node's view of the cluster.
func (c *Client) State(ctx context.Context) (*rpc.StateResponse, error) {
	var resp rpc.StateResponse
	if err := c.call(ctx, rpc.ClusterService, "State", &rpc.StateRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCollection asks the overseer to create a collection.
func (c *Client) CreateCollection(ctx context.Context, req rpc.CreateCollectionRequest) error {
	return c.call(ctx, rpc.ClusterService, "CreateCollection", &req, &rpc.Empty{})
}

// CreateCore creates a core on the receiving node.
func (c *Client) CreateCore(ctx context.Context, req rpc.CreateCoreRequest) (*rpc.CoreInfo, error) {
	var info rpc.CoreInfo
	if err := c.call(ctx, rpc.ClusterService, "CreateCore", &req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Join adds a node to the raft configuration. addr must be the raft leader.
func (c *Client) Join(ctx context.Context, id, raftAddr string) error {
	return c.call(ctx, rpc.ClusterService, "Join", &rpc.JoinRequest{ID: id, RaftAddress: raftAddr}, &rpc.Empty{})
}

// Health checks the node's gRPC health service.
func (c *Client) Health(ctx context.Context) (string, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return "", fmt.Errorf("health: %w", err)
	}
	return resp.GetStatus().String(), nil
}
