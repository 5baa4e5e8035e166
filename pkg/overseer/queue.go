package overseer

import (
	"context"

	"shardex/storage"
)

// Queue paths on the coordination service.
const (
	StateUpdateQueue = "/overseer/queue"
	WorkQueue        = "/overseer/queue-work"
)

// Store is the part of the coordination service the overseer uses.
type Store interface {
	GetData(ctx context.Context, path string) ([]byte, int64, bool, error)
	Set(ctx context.Context, path string, data []byte, expectedVersion int64) (storage.Node, error)
	Delete(ctx context.Context, path string, expectedVersion int64) error
	Offer(ctx context.Context, queue string, data []byte) (storage.QueueMessage, error)
	Peek(ctx context.Context, queue string) (storage.QueueMessage, bool, error)
	Poll(ctx context.Context, queue string) (storage.QueueMessage, bool, error)
	List(ctx context.Context, queue string, limit int) ([]storage.QueueMessage, error)
	Clear(ctx context.Context, queue string) (int64, error)
	IsLeader() bool
}

// DistributedQueue is a FIFO of raw messages on the coordination service.
type DistributedQueue struct {
	store Store
	path  string
}

// NewQueue returns the queue stored at path.
func NewQueue(store Store, path string) *DistributedQueue {
	return &DistributedQueue{store: store, path: path}
}

func (q *DistributedQueue) Path() string { return q.path }

// Offer appends data to the tail.
func (q *DistributedQueue) Offer(ctx context.Context, data []byte) error {
	_, err := q.store.Offer(ctx, q.path, data)
	return err
}

// OfferMessage encodes and appends m.
func (q *DistributedQueue) OfferMessage(ctx context.Context, m Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return q.Offer(ctx, data)
}

// Peek returns the head without removing it.
func (q *DistributedQueue) Peek(ctx context.Context) ([]byte, bool, error) {
	msg, ok, err := q.store.Peek(ctx, q.path)
	if err != nil || !ok {
		return nil, false, err
	}
	return msg.Data, true, nil
}

// Poll removes and returns the head.
func (q *DistributedQueue) Poll(ctx context.Context) ([]byte, bool, error) {
	msg, ok, err := q.store.Poll(ctx, q.path)
	if err != nil || !ok {
		return nil, false, err
	}
	return msg.Data, true, nil
}

// Items returns every queued payload in order without removing them.
func (q *DistributedQueue) Items(ctx context.Context) ([][]byte, error) {
	msgs, err := q.store.List(ctx, q.path, 0)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.Data
	}
	return out, nil
}

// Clear drops every queued message.
func (q *DistributedQueue) Clear(ctx context.Context) error {
	_, err := q.store.Clear(ctx, q.path)
	return err
}
