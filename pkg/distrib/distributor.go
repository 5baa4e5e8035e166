package distrib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shardex/pkg/metrics"
)

// Error is a failed send to one node.
type Error struct {
	Node Node
	Req  Request
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s to %s/%s: %v", e.Req.Phase(), e.Req.Kind, e.Node.BaseURL(), e.Node.CoreName(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Distributor sends the forwards of one client request. It is not reused
// across requests.
type Distributor struct {
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger

	async errgroup.Group

	mu   sync.Mutex
	errs []*Error
}

// New returns a distributor whose sends are bounded by timeout.
func New(t Transport, timeout time.Duration, logger *zap.Logger) *Distributor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Distributor{transport: t, timeout: timeout, logger: logger}
}

// Sync sends req to every node in parallel and waits for all of them. The
// failures are returned joined and are also reported by Finish.
func (d *Distributor) Sync(ctx context.Context, req Request, nodes []Node) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			if err := d.send(ctx, n, req); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				d.collect(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Async sends req to every node in the background. Failures are collected
// and returned by Finish.
func (d *Distributor) Async(ctx context.Context, req Request, nodes []Node) {
	for _, n := range nodes {
		n := n
		d.async.Go(func() error {
			if err := d.send(ctx, n, req); err != nil {
				d.collect(err)
			}
			return nil
		})
	}
}

func (d *Distributor) collect(err error) {
	var de *Error
	if errors.As(err, &de) {
		d.mu.Lock()
		d.errs = append(d.errs, de)
		d.mu.Unlock()
	}
}

// Finish waits for every async send and returns their failures.
func (d *Distributor) Finish() []*Error {
	_ = d.async.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.errs
	d.errs = nil
	return out
}

func (d *Distributor) send(ctx context.Context, node Node, req Request) error {
	for {
		req.Core = node.CoreName()
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.transport.Send(sendCtx, node.BaseURL(), req)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && node.CheckRetry(ctx) {
			d.logger.Info("retrying forward",
				zap.String("kind", string(req.Kind)),
				zap.String("target", node.BaseURL()),
				zap.Error(err))
			continue
		}
		metrics.ForwardErrors.WithLabelValues(string(req.Phase())).Inc()
		d.logger.Warn("forward failed",
			zap.String("kind", string(req.Kind)),
			zap.String("phase", string(req.Phase())),
			zap.String("target", node.BaseURL()),
			zap.String("core", node.CoreName()),
			zap.Error(err))
		return &Error{Node: node, Req: req, Err: err}
	}
}
