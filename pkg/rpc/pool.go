package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"shardex/pkg/cluster"
	"shardex/pkg/distrib"
	"shardex/pkg/update"
)

// PoolConfig tunes a Pool.
type PoolConfig struct {
	DialTimeout time.Duration
	// DialOptions are appended to the defaults (insecure, JSON codec).
	DialOptions []grpc.DialOption
}

// Pool keeps one connection per node address. It is the transport of the
// update forwarding, the coordination forwarding and recovery.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewPool returns an empty pool.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Pool{cfg: cfg, logger: logger.Named("rpc"), conns: map[string]*grpc.ClientConn{}}
}

var (
	_ distrib.Transport   = (*Pool)(nil)
	_ cluster.Forwarder   = (*Pool)(nil)
	_ update.IndexFetcher = (*Pool)(nil)
)

// Conn returns a pooled connection to addr, replacing one that failed.
func (p *Pool) Conn(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	if addr == "" {
		return nil, fmt.Errorf("rpc: empty address")
	}
	p.mu.Lock()
	conn := p.conns[addr]
	p.mu.Unlock()

	if conn != nil {
		st := conn.GetState()
		if st != connectivity.Shutdown && st != connectivity.TransientFailure {
			return conn, nil
		}
		p.logger.Debug("replacing connection", zap.String("addr", addr), zap.Stringer("state", st))
		_ = conn.Close()
		p.mu.Lock()
		if p.conns[addr] == conn {
			delete(p.conns, addr)
		}
		p.mu.Unlock()
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		DialOption(),
		grpc.WithBlock(),
	}, p.cfg.DialOptions...)
	fresh, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.conns[addr]; existing != nil {
		// lost a dial race
		_ = fresh.Close()
		return existing, nil
	}
	p.conns[addr] = fresh
	return fresh, nil
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, cc := range p.conns {
		_ = cc.Close()
		delete(p.conns, addr)
	}
}

func (p *Pool) invoke(ctx context.Context, addr, method string, in, out any) error {
	cc, err := p.Conn(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", update.ErrServiceUnavailable, err)
	}
	return FromStatus(cc.Invoke(ctx, method, in, out))
}

// Send delivers a forwarded update command.
func (p *Pool) Send(ctx context.Context, baseURL string, req distrib.Request) error {
	var resp update.Response
	return p.invoke(ctx, baseURL, updateMethod(req.Kind), &req, &resp)
}

// RequestRecovery asks the node at baseURL to recover core.
func (p *Pool) RequestRecovery(ctx context.Context, baseURL, core string) error {
	return p.invoke(ctx, baseURL, "/"+UpdateService+"/RequestRecovery", &RecoveryRequest{Core: core}, &Empty{})
}

// FetchIndex copies every document of core from the node at baseURL.
func (p *Pool) FetchIndex(ctx context.Context, baseURL, core string) ([]update.FetchedDoc, error) {
	var resp FetchIndexResponse
	if err := p.invoke(ctx, baseURL, "/"+UpdateService+"/FetchIndex", &FetchIndexRequest{Core: core}, &resp); err != nil {
		return nil, err
	}
	docs := make([]update.FetchedDoc, 0, len(resp.Docs))
	for _, d := range resp.Docs {
		docs = append(docs, update.FetchedDoc{Doc: d.Doc, Version: d.Version})
	}
	return docs, nil
}

// Forward runs a coordination command on the raft leader.
func (p *Pool) Forward(ctx context.Context, leaderAddr string, cmd cluster.Command) (cluster.Result, error) {
	var resp SubmitResponse
	if err := p.invoke(ctx, leaderAddr, "/"+ClusterService+"/Submit", &SubmitRequest{Command: cmd}, &resp); err != nil {
		return cluster.Result{}, err
	}
	return resp.Result, nil
}

// Join asks the node at addr, which must be the raft leader, to add this
// node as a voter.
func (p *Pool) Join(ctx context.Context, addr, id, raftAddr string) error {
	return p.invoke(ctx, addr, "/"+ClusterService+"/Join", &JoinRequest{ID: id, RaftAddress: raftAddr}, &Empty{})
}
