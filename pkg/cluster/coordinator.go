package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shardex/pkg/state"
	"shardex/storage"
)

// Forwarder sends a command to the raft leader's RPC endpoint and returns
// the leader's result.
type Forwarder interface {
	Forward(ctx context.Context, leaderAddr string, cmd Command) (Result, error)
}

type forwarderRef struct {
	mu sync.RWMutex
	f  Forwarder
}

func (r *forwarderRef) get() Forwarder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.f
}

// Coordinator is the coordination service of one node: a hierarchical store
// of versioned nodes plus durable FIFO queues. Reads are served from the
// local store. Writes are raft commands; a follower forwards them to the
// leader. Without raft the commands are applied to the local store directly.
type Coordinator struct {
	st     storage.Storage
	raft   *Manager
	local  *fsm
	nodeID string
	logger *zap.Logger

	applyMu *sync.Mutex
	fwd     *forwarderRef
	// leaderOnly coordinators never forward; they fail with ErrSessionExpired
	// once raft leadership is gone.
	leaderOnly bool
}

// NewStandalone returns a coordinator that applies commands to st without
// replication. It always considers itself leader.
func NewStandalone(st storage.Storage, nodeID string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		st:      st,
		local:   newFSM(st, logger.Named("fsm")),
		nodeID:  nodeID,
		logger:  logger.Named("coordinator"),
		applyMu: &sync.Mutex{},
		fwd:     &forwarderRef{},
	}
}

// NewReplicated returns a coordinator whose writes go through raft.
func NewReplicated(st storage.Storage, m *Manager, nodeID string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		st:      st,
		raft:    m,
		nodeID:  nodeID,
		logger:  logger.Named("coordinator"),
		applyMu: &sync.Mutex{},
		fwd:     &forwarderRef{},
	}
}

// SetForwarder installs the client used to reach the raft leader.
func (c *Coordinator) SetForwarder(f Forwarder) {
	c.fwd.mu.Lock()
	c.fwd.f = f
	c.fwd.mu.Unlock()
}

// LeaderSession returns a view of c for work that must only happen while
// this node is leader.
func (c *Coordinator) LeaderSession() *Coordinator {
	s := *c
	s.leaderOnly = true
	return &s
}

// NodeID returns the name this node registers under /live_nodes.
func (c *Coordinator) NodeID() string { return c.nodeID }

// Raft returns the raft manager, nil in standalone mode.
func (c *Coordinator) Raft() *Manager { return c.raft }

// IsLeader reports whether this node holds the leader-election entry.
func (c *Coordinator) IsLeader() bool {
	if c.raft == nil {
		return true
	}
	return c.raft.IsLeader()
}

// LeaderID returns the node name of the current leader, if known.
func (c *Coordinator) LeaderID() string {
	if c.raft == nil {
		return c.nodeID
	}
	return c.raft.LeaderID()
}

// LeaderAddress resolves the RPC address of the raft leader from its live
// node entry.
func (c *Coordinator) LeaderAddress(ctx context.Context) (string, error) {
	id := c.LeaderID()
	if id == "" {
		return "", ErrNotLeader
	}
	n, err := c.st.NodeGet(ctx, state.LiveNodesPath+"/"+id)
	if err != nil {
		return "", fmt.Errorf("resolve leader %s: %w", id, err)
	}
	return string(n.Data), nil
}

func (c *Coordinator) submit(ctx context.Context, cmd Command) (Result, error) {
	if c.raft == nil {
		c.applyMu.Lock()
		defer c.applyMu.Unlock()
		seq, err := c.st.NextSequence(ctx, "coordination")
		if err != nil {
			return Result{}, err
		}
		return c.local.apply(ctx, cmd, seq)
	}

	if c.raft.IsLeader() {
		res, err := c.raft.Apply(ctx, cmd)
		if c.leaderOnly && errors.Is(err, ErrNotLeader) {
			return res, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		return res, err
	}
	if c.leaderOnly {
		return Result{}, ErrSessionExpired
	}

	f := c.fwd.get()
	if f == nil {
		return Result{}, ErrNotLeader
	}
	addr, err := c.LeaderAddress(ctx)
	if err != nil {
		return Result{}, err
	}
	return f.Forward(ctx, addr, cmd)
}

// ApplyForwarded applies a command received from a follower. It refuses to
// forward again.
func (c *Coordinator) ApplyForwarded(ctx context.Context, cmd Command) (Result, error) {
	if c.raft != nil && !c.raft.IsLeader() {
		return Result{}, ErrNotLeader
	}
	return c.submit(ctx, cmd)
}

// Get reads one node.
func (c *Coordinator) Get(ctx context.Context, path string) (storage.Node, error) {
	return c.st.NodeGet(ctx, path)
}

// GetData reads one node's data; found is false when it does not exist.
func (c *Coordinator) GetData(ctx context.Context, path string) ([]byte, int64, bool, error) {
	n, err := c.st.NodeGet(ctx, path)
	if errors.Is(err, storage.ErrNoNode) {
		return nil, -1, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return n.Data, n.Version, true, nil
}

// Children lists the names of a node's direct children.
func (c *Coordinator) Children(ctx context.Context, path string) ([]string, error) {
	return c.st.NodeChildren(ctx, path)
}

// Create creates a node. It fails with storage.ErrNodeExists when the path
// is taken.
func (c *Coordinator) Create(ctx context.Context, path string, data []byte) (storage.Node, error) {
	cmd, err := newCommand(CmdNodeCreate, nodePayload{Path: path, Data: data})
	if err != nil {
		return storage.Node{}, err
	}
	res, err := c.submit(ctx, cmd)
	return nodeOf(res), err
}

// Set writes a node if its version equals expectedVersion. With
// storage.AnyVersion the node is created when missing.
func (c *Coordinator) Set(ctx context.Context, path string, data []byte, expectedVersion int64) (storage.Node, error) {
	cmd, err := newCommand(CmdNodeSet, nodePayload{Path: path, Data: data, Version: expectedVersion})
	if err != nil {
		return storage.Node{}, err
	}
	res, err := c.submit(ctx, cmd)
	return nodeOf(res), err
}

// Delete removes a node and everything below it.
func (c *Coordinator) Delete(ctx context.Context, path string, expectedVersion int64) error {
	cmd, err := newCommand(CmdNodeDelete, nodePayload{Path: path, Version: expectedVersion})
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, cmd)
	return err
}

// Offer appends data to a queue.
func (c *Coordinator) Offer(ctx context.Context, queue string, data []byte) (storage.QueueMessage, error) {
	cmd, err := newCommand(CmdQueueOffer, queuePayload{
		Queue:     queue,
		ID:        uuid.NewString(),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return storage.QueueMessage{}, err
	}
	res, err := c.submit(ctx, cmd)
	if err != nil {
		return storage.QueueMessage{}, err
	}
	if res.Message == nil {
		return storage.QueueMessage{}, fmt.Errorf("queue %s: offer returned no message", queue)
	}
	return *res.Message, nil
}

// Peek returns the head of a queue without removing it.
func (c *Coordinator) Peek(ctx context.Context, queue string) (storage.QueueMessage, bool, error) {
	return c.st.QueuePeek(ctx, queue)
}

// Poll removes and returns the head of a queue.
func (c *Coordinator) Poll(ctx context.Context, queue string) (storage.QueueMessage, bool, error) {
	cmd, err := newCommand(CmdQueuePoll, queuePayload{Queue: queue})
	if err != nil {
		return storage.QueueMessage{}, false, err
	}
	res, err := c.submit(ctx, cmd)
	if err != nil || res.Message == nil {
		return storage.QueueMessage{}, false, err
	}
	return *res.Message, true, nil
}

// List returns up to limit queued messages in order.
func (c *Coordinator) List(ctx context.Context, queue string, limit int) ([]storage.QueueMessage, error) {
	return c.st.QueueList(ctx, queue, limit)
}

// Clear drops every message of a queue and returns how many there were.
func (c *Coordinator) Clear(ctx context.Context, queue string) (int64, error) {
	cmd, err := newCommand(CmdQueueClear, queuePayload{Queue: queue})
	if err != nil {
		return 0, err
	}
	res, err := c.submit(ctx, cmd)
	return res.Count, err
}

func nodeOf(res Result) storage.Node {
	if res.Node == nil {
		return storage.Node{}
	}
	return *res.Node
}
