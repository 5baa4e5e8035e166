// Package overseer runs the cluster-state state machine: a single loop on the
// elected node that drains the mutation queue into a new ClusterState and
// publishes it to /clusterstate.json.
//
// Messages popped from the mutation queue are pushed onto a work queue as
// they are applied. The work queue is cleared after each publish, so after a
// crash it holds exactly the messages whose effect may not have been
// published; the next overseer replays them before anything else.
package overseer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"shardex/pkg/cluster"
	"shardex/pkg/metrics"
	"shardex/pkg/state"
	"shardex/storage"
)

// Config tunes the loop.
type Config struct {
	// StateUpdateDelay is the sleep between drain cycles.
	StateUpdateDelay time.Duration
}

// Status describes the overseer on this node.
type Status struct {
	Running              bool   `json:"running" yaml:"running"`
	LastPublishedVersion int64  `json:"last_published_version" yaml:"last_published_version"`
	Processed            uint64 `json:"processed" yaml:"processed"`
	Failed               uint64 `json:"failed" yaml:"failed"`
	LastError            string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// ReplayError reports the work queue message that aborted a replay.
type ReplayError struct {
	Index     int
	Operation string
	Err       error
}

func (e *ReplayError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("message %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("message %d (%s): %v", e.Index, e.Operation, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Overseer is the cluster-state state machine.
type Overseer struct {
	store      Store
	stateQueue *DistributedQueue
	workQueue  *DistributedQueue
	handlers   handlers
	delay      time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	status Status
}

// New returns an overseer over store. store should fail with
// cluster.ErrSessionExpired once leadership is lost.
func New(store Store, cfg Config, logger *zap.Logger) *Overseer {
	if cfg.StateUpdateDelay <= 0 {
		cfg.StateUpdateDelay = 1500 * time.Millisecond
	}
	logger = logger.Named("overseer")
	return &Overseer{
		store:      store,
		stateQueue: NewQueue(store, StateUpdateQueue),
		workQueue:  NewQueue(store, WorkQueue),
		handlers:   handlers{logger: logger},
		delay:      cfg.StateUpdateDelay,
		logger:     logger,
		status:     Status{LastPublishedVersion: -1},
	}
}

// Status returns a copy of the current status.
func (o *Overseer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Overseer) record(f func(*Status)) {
	o.mu.Lock()
	f(&o.status)
	o.mu.Unlock()
}

// Run replays the work queue, then drains the mutation queue until ctx is
// done or leadership is lost. A replay failure is returned without entering
// the loop.
func (o *Overseer) Run(ctx context.Context) error {
	o.record(func(s *Status) { s.Running = true })
	metrics.OverseerLeader.Set(1)
	defer func() {
		o.record(func(s *Status) { s.Running = false })
		metrics.OverseerLeader.Set(0)
	}()

	o.logger.Info("overseer starting")
	if err := o.replayWorkQueue(ctx); err != nil {
		o.record(func(s *Status) { s.LastError = err.Error() })
		fields := []zap.Field{zap.Error(err)}
		var re *ReplayError
		if errors.As(err, &re) {
			fields = append(fields, zap.Int("message", re.Index), zap.String("operation", re.Operation))
		}
		o.logger.Error("work queue replay failed", fields...)
		return fmt.Errorf("replay %s: %w", WorkQueue, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.store.IsLeader() {
			o.logger.Info("no longer leader, stopping overseer")
			return cluster.ErrSessionExpired
		}
		if err := o.drain(ctx); err != nil {
			if errors.Is(err, cluster.ErrSessionExpired) {
				o.logger.Warn("leader session expired, stopping overseer", zap.Error(err))
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.record(func(s *Status) { s.LastError = err.Error() })
			o.logger.Error("overseer cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.delay):
		}
	}
}

// replayWorkQueue applies every message left on the work queue, publishes
// once and clears it. Any error aborts the whole replay.
func (o *Overseer) replayWorkQueue(ctx context.Context) error {
	items, err := o.workQueue.Items(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	o.logger.Info("replaying work queue", zap.Int("messages", len(items)))

	cs, err := o.loadState(ctx)
	if err != nil {
		return err
	}
	var removed []string
	for i, data := range items {
		msg, err := DecodeMessage(data)
		if err != nil {
			return &ReplayError{Index: i, Err: err}
		}
		out, err := o.handlers.Apply(cs, msg)
		if err != nil {
			return &ReplayError{Index: i, Operation: msg.Operation(), Err: err}
		}
		cs = out.State
		removed = append(removed, out.RemovedCollections...)
	}
	if err := o.publish(ctx, cs, removed); err != nil {
		return err
	}
	return o.workQueue.Clear(ctx)
}

// drain runs one cycle: apply every queued message to the latest published
// state and publish the result once.
func (o *Overseer) drain(ctx context.Context) error {
	if _, ok, err := o.stateQueue.Peek(ctx); err != nil || !ok {
		return err
	}
	cs, err := o.loadState(ctx)
	if err != nil {
		return err
	}

	var (
		removed []string
		applied int
		loopErr error
	)
	for {
		data, ok, err := o.stateQueue.Poll(ctx)
		if err != nil {
			loopErr = err
			break
		}
		if !ok {
			break
		}
		next, rm, err := o.process(cs, data)
		if err != nil {
			continue
		}
		cs = next
		removed = append(removed, rm...)
		applied++
		if err := o.workQueue.Offer(ctx, data); err != nil {
			loopErr = err
			break
		}
	}

	if applied > 0 {
		if err := o.publish(ctx, cs, removed); err != nil {
			return err
		}
		if err := o.workQueue.Clear(ctx); err != nil {
			return err
		}
	}
	return loopErr
}

// process applies one raw message. Errors are logged and counted; the
// message is consumed either way.
func (o *Overseer) process(cs *state.ClusterState, data []byte) (*state.ClusterState, []string, error) {
	msg, err := DecodeMessage(data)
	if err != nil {
		o.fail("invalid", err)
		return nil, nil, err
	}
	out, err := o.handlers.Apply(cs, msg)
	if err != nil {
		o.logger.Error("overseer message failed", zap.String("operation", msg.Operation()), zap.Any("message", msg), zap.Error(err))
		o.fail(msg.Operation(), err)
		return nil, nil, err
	}
	metrics.OverseerMessages.WithLabelValues(msg.Operation(), "ok").Inc()
	o.record(func(s *Status) { s.Processed++ })
	return out.State, out.RemovedCollections, nil
}

func (o *Overseer) fail(op string, err error) {
	if errors.Is(err, ErrUnknownOperation) {
		op = "unknown"
	}
	metrics.OverseerMessages.WithLabelValues(op, "error").Inc()
	o.record(func(s *Status) {
		s.Failed++
		s.LastError = err.Error()
	})
}

func (o *Overseer) loadState(ctx context.Context) (*state.ClusterState, error) {
	data, version, found, err := o.store.GetData(ctx, state.ClusterStatePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", state.ClusterStatePath, err)
	}
	if !found {
		return state.Empty(), nil
	}
	return state.Load(data, version, nil)
}

func (o *Overseer) publish(ctx context.Context, cs *state.ClusterState, removed []string) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	n, err := o.store.Set(ctx, state.ClusterStatePath, data, storage.AnyVersion)
	if err != nil {
		return fmt.Errorf("publish cluster state: %w", err)
	}
	metrics.OverseerPublishes.Inc()
	o.record(func(s *Status) { s.LastPublishedVersion = n.Version })
	o.logger.Debug("published cluster state", zap.Int64("version", n.Version), zap.Int("collections", len(cs.CollectionNames())))

	for _, name := range removed {
		if _, still := cs.Collection(name); still {
			continue
		}
		err := o.store.Delete(ctx, state.CollectionsPath+"/"+name, storage.AnyVersion)
		if err != nil && !errors.Is(err, storage.ErrNoNode) {
			o.logger.Warn("removing collection node", zap.String("collection", name), zap.Error(err))
		}
	}
	return nil
}

// Submit enqueues a mutation for the overseer. Any node may call it.
func Submit(ctx context.Context, store Store, msg Message) error {
	return NewQueue(store, StateUpdateQueue).OfferMessage(ctx, msg)
}
