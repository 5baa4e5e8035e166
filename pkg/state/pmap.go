package state

// The cluster state is a tree of maps (collection → slice → replica) that is
// never mutated once published. These helpers produce a shallow copy with one
// entry changed, so an update copies only the maps on the path to the change.

func with[K comparable, V any](m map[K]V, k K, v V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for key, val := range m {
		out[key] = val
	}
	out[k] = v
	return out
}

func without[K comparable, V any](m map[K]V, k K) map[K]V {
	out := make(map[K]V, len(m))
	for key, val := range m {
		if key != k {
			out[key] = val
		}
	}
	return out
}

func clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for key, val := range m {
		out[key] = val
	}
	return out
}
