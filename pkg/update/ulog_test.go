package update

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"shardex/storage"
)

func newTestLog(t *testing.T) *UpdateLog {
	t.Helper()
	st, err := storage.NewInMemoryStorage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewUpdateLog(st, "core1", zaptest.NewLogger(t))
}

func TestActiveLogDoesNotBuffer(t *testing.T) {
	u := newTestLog(t)
	buffered, err := u.BufferIfInactive(context.Background(), Entry{Kind: "add", Version: 1})
	require.NoError(t, err)
	assert.False(t, buffered)

	_, err = u.ApplyBuffered(context.Background(), func(context.Context, Entry) error { return nil })
	assert.Error(t, err, "nothing to apply while active")
}

func TestApplyBufferedStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	u := newTestLog(t)
	started, err := u.BufferUpdates()
	require.NoError(t, err)
	assert.True(t, started)
	again, err := u.BufferUpdates()
	require.NoError(t, err)
	assert.False(t, again)

	for i, id := range []string{"a", "b", "c"} {
		ok, err := u.BufferIfInactive(ctx, Entry{Kind: "delete", ID: id, Version: -int64(i + 1)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	var seen []string
	n, err := u.ApplyBuffered(ctx, func(_ context.Context, e Entry) error {
		if e.ID == "b" {
			return errors.New("boom")
		}
		seen = append(seen, e.ID)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, seen)
	assert.Equal(t, StateBuffering, u.State())
	left, err := u.Buffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)

	dropped, err := u.DropBuffered(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)
	assert.Equal(t, StateActive, u.State())
}

func TestRecentVersions(t *testing.T) {
	u := newTestLog(t)
	u.Record("a", 5)
	u.Record("a", -6)
	v, ok := u.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, int64(-6), v)
	u.ClearRecent()
	_, ok = u.Lookup("a")
	assert.False(t, ok)
}
