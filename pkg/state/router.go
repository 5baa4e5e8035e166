package state

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Router names understood by NewRouter.
const (
	CompositeIDRouterName = "compositeId"
	ImplicitRouterName    = "implicit"
)

// Range is an inclusive interval of the 32-bit hash space.
type Range struct {
	Min int32
	Max int32
}

// FullRange covers every hash value.
var FullRange = Range{Min: math.MinInt32, Max: math.MaxInt32}

// ParseRange parses the "%08x-%08x" form produced by Range.String.
func ParseRange(s string) (Range, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return Range{}, fmt.Errorf("invalid hash range %q", s)
	}
	min, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return Range{}, fmt.Errorf("invalid hash range %q: %w", s, err)
	}
	max, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return Range{}, fmt.Errorf("invalid hash range %q: %w", s, err)
	}
	r := Range{Min: int32(uint32(min)), Max: int32(uint32(max))}
	if r.Min > r.Max {
		return Range{}, fmt.Errorf("invalid hash range %q: min > max", s)
	}
	return r, nil
}

func (r Range) String() string {
	return fmt.Sprintf("%08x-%08x", uint32(r.Min), uint32(r.Max))
}

// Includes reports whether hash falls inside the range.
func (r Range) Includes(hash int32) bool {
	return hash >= r.Min && hash <= r.Max
}

// IsSubsetOf reports whether r lies entirely within o.
func (r Range) IsSubsetOf(o Range) bool {
	return r.Min >= o.Min && r.Max <= o.Max
}

// Overlaps reports whether the two ranges share at least one hash.
func (r Range) Overlaps(o Range) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

// Hash maps a key onto the signed 32-bit hash space used by ranges and
// version buckets.
func Hash(key string) int32 {
	return int32(uint32(xxhash.Sum64String(key)))
}

// PartitionRange splits r into n contiguous ranges. The last one always ends
// exactly on r.Max.
func PartitionRange(n int, r Range) []Range {
	if n <= 0 {
		return nil
	}
	min, max := int64(r.Min), int64(r.Max)
	step := (max - min) / int64(n)
	if step < 1 {
		step = 1
	}

	ranges := make([]Range, 0, n)
	start, end := min, min
	for end < max {
		end = start + step
		if len(ranges) == n-1 || end > max {
			end = max
		}
		ranges = append(ranges, Range{Min: int32(start), Max: int32(end)})
		start = end + 1
	}
	return ranges
}

// Router decides which slice of a collection owns a document.
type Router interface {
	Name() string
	// TargetSlice returns the active slice that owns id. route is the
	// explicit shard name supplied with the request, if any.
	TargetSlice(id, route string, coll *DocCollection) (*Slice, error)
	// IsTargetSlice reports whether id belongs to the named slice, active
	// or not.
	IsTargetSlice(id, route, slice string, coll *DocCollection) bool
	// SearchSlices returns the slices a collection-wide request must visit.
	SearchSlices(coll *DocCollection) []*Slice
	// PartitionRange splits the hash space for n shards; routers that do
	// not hash return nil.
	PartitionRange(n int, r Range) []Range
}

// NewRouter returns the router registered under name. An empty name selects
// the compositeId router.
func NewRouter(name string) (Router, error) {
	switch name {
	case "", CompositeIDRouterName, "plain":
		return CompositeIDRouter{}, nil
	case ImplicitRouterName:
		return ImplicitRouter{}, nil
	default:
		return nil, fmt.Errorf("unknown router %q", name)
	}
}

// CompositeIDRouter hashes the document id. An id of the form "key!rest"
// places the top 16 bits from key and the low 16 bits from rest, so ids
// sharing a key prefix land on the same shard.
type CompositeIDRouter struct{}

func (CompositeIDRouter) Name() string { return CompositeIDRouterName }

// SliceHash returns the hash routed for id.
func (CompositeIDRouter) SliceHash(id string) int32 {
	key, rest, ok := strings.Cut(id, "!")
	if !ok {
		return Hash(id)
	}
	hi := uint32(Hash(key)) & 0xffff0000
	lo := uint32(Hash(rest)) & 0x0000ffff
	return int32(hi | lo)
}

func (c CompositeIDRouter) TargetSlice(id, route string, coll *DocCollection) (*Slice, error) {
	if route != "" {
		id = route
	}
	if id == "" {
		return nil, fmt.Errorf("collection %s: no id to route", coll.Name())
	}
	hash := c.SliceHash(id)
	for _, s := range coll.ActiveSlices() {
		if r, ok := s.Range(); ok && r.Includes(hash) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("collection %s: no active slice covers hash %08x of %q", coll.Name(), uint32(hash), id)
}

func (c CompositeIDRouter) IsTargetSlice(id, route, slice string, coll *DocCollection) bool {
	if route != "" {
		id = route
	}
	s, ok := coll.Slice(slice)
	if !ok {
		return false
	}
	r, ok := s.Range()
	if !ok {
		return false
	}
	return r.Includes(c.SliceHash(id))
}

func (CompositeIDRouter) SearchSlices(coll *DocCollection) []*Slice { return coll.ActiveSlices() }

func (CompositeIDRouter) PartitionRange(n int, r Range) []Range { return PartitionRange(n, r) }

// ImplicitRouter routes by the explicit shard name only.
type ImplicitRouter struct{}

func (ImplicitRouter) Name() string { return ImplicitRouterName }

func (ImplicitRouter) TargetSlice(id, route string, coll *DocCollection) (*Slice, error) {
	if route == "" {
		return nil, fmt.Errorf("collection %s uses the implicit router: no shard given for %q", coll.Name(), id)
	}
	s, ok := coll.Slice(route)
	if !ok {
		return nil, fmt.Errorf("collection %s: unknown shard %q", coll.Name(), route)
	}
	return s, nil
}

func (ImplicitRouter) IsTargetSlice(id, route, slice string, coll *DocCollection) bool {
	return route == slice
}

func (ImplicitRouter) SearchSlices(coll *DocCollection) []*Slice { return coll.ActiveSlices() }

func (ImplicitRouter) PartitionRange(int, Range) []Range { return nil }

// CheckCoverage verifies that the active slices of a hash-routed collection
// cover the full hash range exactly once.
func CheckCoverage(coll *DocCollection) error {
	if coll.Router().Name() != CompositeIDRouterName {
		return nil
	}
	var ranges []Range
	for _, s := range coll.ActiveSlices() {
		r, ok := s.Range()
		if !ok {
			return fmt.Errorf("collection %s: active slice %s has no range", coll.Name(), s.Name())
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return fmt.Errorf("collection %s: no active slices", coll.Name())
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Min < ranges[j].Min })

	if ranges[0].Min != FullRange.Min {
		return fmt.Errorf("collection %s: gap before %s", coll.Name(), ranges[0])
	}
	for i := 1; i < len(ranges); i++ {
		prev, cur := ranges[i-1], ranges[i]
		switch {
		case cur.Min <= prev.Max:
			return fmt.Errorf("collection %s: %s overlaps %s", coll.Name(), prev, cur)
		case int64(cur.Min) != int64(prev.Max)+1:
			return fmt.Errorf("collection %s: gap between %s and %s", coll.Name(), prev, cur)
		}
	}
	if last := ranges[len(ranges)-1]; last.Max != FullRange.Max {
		return fmt.Errorf("collection %s: gap after %s", coll.Name(), last)
	}
	return nil
}
