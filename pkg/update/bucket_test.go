package update

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewClockIsStrictlyIncreasing(t *testing.T) {
	vi := NewVersionInfo(4)
	frozen := time.UnixMilli(1_700_000_000_000)
	vi.now = func() time.Time { return frozen }

	first := vi.NewClock()
	assert.Equal(t, frozen.UnixMilli()<<20, first)
	assert.Equal(t, first+1, vi.NewClock())
	assert.Equal(t, first+2, vi.NewClock())

	vi.now = func() time.Time { return frozen.Add(-time.Second) }
	assert.Equal(t, first+3, vi.NewClock(), "a clock going backwards never repeats a version")

	vi.now = func() time.Time { return frozen.Add(time.Millisecond) }
	assert.Equal(t, frozen.Add(time.Millisecond).UnixMilli()<<20, vi.NewClock())
}

func TestBucketHighestOnlyRises(t *testing.T) {
	vi := NewVersionInfo(0)
	assert.Len(t, vi.buckets, DefaultBuckets)

	b := vi.Bucket("a")
	assert.Same(t, b, vi.Bucket("a"))
	b.Lock()
	b.UpdateHighest(10)
	b.UpdateHighest(5)
	assert.Equal(t, int64(10), b.Highest())
	b.Unlock()
}

func TestUpdateClockRaisesMintedVersions(t *testing.T) {
	vi := NewVersionInfo(4)
	frozen := time.UnixMilli(1_700_000_000_000)
	vi.now = func() time.Time { return frozen }

	seen := frozen.Add(time.Minute).UnixMilli() << 20
	vi.UpdateClock(-seen)
	assert.Equal(t, seen+1, vi.NewClock())

	vi.UpdateClock(5)
	assert.Equal(t, seen+2, vi.NewClock(), "lower versions leave the clock alone")
}
