package update

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardex/pkg/distrib"
	"shardex/pkg/state"
)

type recordingPublisher struct {
	mu     sync.Mutex
	states []string
}

func (r *recordingPublisher) PublishState(_ context.Context, s string) error {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	return nil
}

// indexCopier fetches straight from another processor's index.
type indexCopier struct {
	from   *Processor
	before func()
	err    error
}

func (f *indexCopier) FetchIndex(ctx context.Context, _, _ string) ([]FetchedDoc, error) {
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return nil, f.err
	}
	var docs []FetchedDoc
	err := f.from.Index().Scan(ctx, func(doc Document, v int64) error {
		docs = append(docs, FetchedDoc{Doc: doc, Version: v})
		return nil
	})
	return docs, err
}

func TestRecoverCopiesLeaderAndReplaysBuffer(t *testing.T) {
	c := standard(t)
	ctx := context.Background()
	leader, replica := c.cores["core_node1"], c.cores["core_node2"]
	ids := c.idsOn("shard1", 3)

	c.tr.setDown("n2:1", true)
	for _, id := range ids[:2] {
		_, err := addAt(t, leader, nil, Document{"id": id})
		require.NoError(t, err)
	}
	c.tr.setDown("n2:1", false)
	require.NoError(t, replica.Index().Put(ctx, Document{"id": "stale"}, 1))

	pub := &recordingPublisher{}
	fetch := &indexCopier{from: leader, before: func() {
		// arrives mid-recovery and must be buffered
		_, err := addAt(t, leader, nil, Document{"id": ids[2]})
		require.NoError(t, err)
	}}
	require.NoError(t, replica.Recover(ctx, pub, fetch))

	assert.Equal(t, []string{state.ReplicaRecovering, state.ReplicaActive}, pub.states)
	assert.Equal(t, StateActive, replica.UpdateLog().State())
	for _, id := range ids {
		_, lv, ok := get(t, leader, id)
		require.True(t, ok)
		_, rv, ok := get(t, replica, id)
		require.True(t, ok, id)
		assert.Equal(t, lv, rv, id)
	}
	_, _, ok := get(t, replica, "stale")
	assert.False(t, ok)
	assert.Equal(t, int64(1), replica.Index().(*BadgerIndex).Commits())
}

func TestRecoverFailureKeepsBuffering(t *testing.T) {
	c := standard(t)
	ctx := context.Background()
	replica := c.cores["core_node2"]
	pub := &recordingPublisher{}

	err := replica.Recover(ctx, pub, &indexCopier{err: errors.New("leader unreachable")})
	require.Error(t, err)
	assert.Equal(t, []string{state.ReplicaRecovering, state.ReplicaRecoveryFailed}, pub.states)
	assert.Equal(t, StateBuffering, replica.UpdateLog().State())

	_, err = replica.Handle(ctx, distrib.Request{Kind: distrib.KindAdd, Params: fromLeader(), Doc: map[string]any{"id": "z"}, Version: 5})
	require.NoError(t, err)
	n, err := replica.UpdateLog().Buffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLeaderSkipsRecovery(t *testing.T) {
	c := standard(t)
	pub := &recordingPublisher{}
	require.NoError(t, c.cores["core_node1"].Recover(context.Background(), pub, &indexCopier{err: errors.New("unused")}))
	assert.Empty(t, pub.states)
}
