package distrib

import (
	"context"
	"fmt"
	"sync"

	"shardex/pkg/state"
)

// Node is a forwarding target.
type Node interface {
	BaseURL() string
	CoreName() string
	CoreNodeName() string
	// CheckRetry is called after a failed send. It reports whether the send
	// should be attempted again.
	CheckRetry(ctx context.Context) bool
}

// StdNode is a replica taken from the cluster state. It is never retried.
type StdNode struct {
	baseURL      string
	coreName     string
	coreNodeName string
}

// NewStdNode returns a node for r.
func NewStdNode(r *state.Replica) *StdNode {
	return &StdNode{baseURL: r.BaseURL(), coreName: r.CoreName(), coreNodeName: r.Name()}
}

func (n *StdNode) BaseURL() string                 { return n.baseURL }
func (n *StdNode) CoreName() string                { return n.coreName }
func (n *StdNode) CoreNodeName() string            { return n.coreNodeName }
func (n *StdNode) CheckRetry(context.Context) bool { return false }
func (n *StdNode) String() string                  { return state.CoreURL(n.baseURL, n.coreName) }

// LeaderResolver looks up the current leader of a slice.
type LeaderResolver func(ctx context.Context) (*state.Replica, error)

// RetryNode targets a slice leader. After the first failure it looks the
// leader up again and allows exactly one more attempt.
type RetryNode struct {
	resolve LeaderResolver

	mu      sync.Mutex
	current StdNode
	retried bool
}

// NewRetryNode returns a node for leader that re-resolves through resolve.
func NewRetryNode(leader *state.Replica, resolve LeaderResolver) *RetryNode {
	return &RetryNode{resolve: resolve, current: *NewStdNode(leader)}
}

func (n *RetryNode) node() StdNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *RetryNode) BaseURL() string      { c := n.node(); return c.baseURL }
func (n *RetryNode) CoreName() string     { c := n.node(); return c.coreName }
func (n *RetryNode) CoreNodeName() string { c := n.node(); return c.coreNodeName }

func (n *RetryNode) String() string {
	c := n.node()
	return fmt.Sprintf("leader %s", c.String())
}

func (n *RetryNode) CheckRetry(ctx context.Context) bool {
	n.mu.Lock()
	if n.retried {
		n.mu.Unlock()
		return false
	}
	n.retried = true
	n.mu.Unlock()

	leader, err := n.resolve(ctx)
	if err != nil || leader == nil {
		return false
	}
	n.mu.Lock()
	n.current = *NewStdNode(leader)
	n.mu.Unlock()
	return true
}

// IsRetry reports whether node targets a slice leader.
func IsRetry(node Node) bool {
	_, ok := node.(*RetryNode)
	return ok
}
