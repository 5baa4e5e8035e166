package update

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultBuckets is the number of version buckets of a core.
const DefaultBuckets = 256

// VersionBucket serializes updates to the ids hashing to it and tracks the
// highest version it has seen. Ids sharing a bucket serialize needlessly;
// correctness never needs finer locking.
type VersionBucket struct {
	mu      sync.Mutex
	highest int64
}

// Lock takes the bucket mutex.
func (b *VersionBucket) Lock() { b.mu.Lock() }

// Unlock releases the bucket mutex.
func (b *VersionBucket) Unlock() { b.mu.Unlock() }

// Highest returns the high-water mark. Callers hold the bucket lock.
func (b *VersionBucket) Highest() int64 { return b.highest }

// UpdateHighest raises the high-water mark to v. Callers hold the bucket
// lock.
func (b *VersionBucket) UpdateHighest(v int64) {
	if v > b.highest {
		b.highest = v
	}
}

// VersionInfo is the version state of one core: the bucket table, the
// version clock and the coarse lock that keeps bulk operations apart from
// per-id updates.
type VersionInfo struct {
	buckets []VersionBucket

	// updateLock is shared by per-id updates and exclusive for
	// delete-by-query and commit.
	updateLock sync.RWMutex

	clockMu sync.Mutex
	clock   int64
	now     func() time.Time
}

// NewVersionInfo returns version state with n buckets.
func NewVersionInfo(n int) *VersionInfo {
	if n <= 0 {
		n = DefaultBuckets
	}
	return &VersionInfo{buckets: make([]VersionBucket, n), now: time.Now}
}

// Bucket returns the bucket of id.
func (v *VersionInfo) Bucket(id string) *VersionBucket {
	return &v.buckets[xxhash.Sum64String(id)%uint64(len(v.buckets))]
}

// NewClock mints a version: milliseconds shifted left by 20 bits, bumped
// to stay strictly increasing.
func (v *VersionInfo) NewClock() int64 {
	v.clockMu.Lock()
	defer v.clockMu.Unlock()
	next := v.now().UnixMilli() << 20
	if next <= v.clock {
		next = v.clock + 1
	}
	v.clock = next
	return next
}

// UpdateClock raises the clock to a version seen from another core, so
// versions minted here after a failover stay above it.
func (v *VersionInfo) UpdateClock(version int64) {
	if version < 0 {
		version = -version
	}
	v.clockMu.Lock()
	if version > v.clock {
		v.clock = version
	}
	v.clockMu.Unlock()
}

// RaiseAll raises every bucket to version. Callers block updates.
func (v *VersionInfo) RaiseAll(version int64) {
	if version < 0 {
		version = -version
	}
	for i := range v.buckets {
		v.buckets[i].UpdateHighest(version)
	}
}

// LockForUpdate takes the shared side of the coarse lock.
func (v *VersionInfo) LockForUpdate() { v.updateLock.RLock() }

// UnlockForUpdate releases the shared side of the coarse lock.
func (v *VersionInfo) UnlockForUpdate() { v.updateLock.RUnlock() }

// BlockUpdates takes the exclusive side of the coarse lock.
func (v *VersionInfo) BlockUpdates() { v.updateLock.Lock() }

// UnblockUpdates releases the exclusive side of the coarse lock.
func (v *VersionInfo) UnblockUpdates() { v.updateLock.Unlock() }
