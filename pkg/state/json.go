package state

import (
	"encoding/json"
	"fmt"
)

type sliceJSON map[string]json.RawMessage

type routerJSON struct {
	Name string `json:"name"`
}

// MarshalJSON encodes the collections in the clusterstate.json layout:
//
//	{"c1":{"shards":{"shard1":{"range":"80000000-ffffffff","state":"active",
//	  "replicas":{"core_node1":{"base_url":"...","core":"...","leader":"true"}}}},
//	  "router":{"name":"compositeId"}}}
//
// Map keys are sorted by encoding/json, so equal states encode to equal bytes.
func (cs *ClusterState) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(cs.collections))
	for name, c := range cs.collections {
		out[name] = collectionJSON(c)
	}
	return json.Marshal(out)
}

func collectionJSON(c *DocCollection) map[string]any {
	m := make(map[string]any, len(c.props)+2)
	for k, v := range c.props {
		m[k] = v
	}
	shards := make(map[string]any, len(c.slices))
	for name, s := range c.slices {
		sm := make(map[string]any, len(s.props)+1)
		for k, v := range s.props {
			sm[k] = v
		}
		replicas := make(map[string]Props, len(s.replicas))
		for rn, r := range s.replicas {
			replicas[rn] = r.props
		}
		sm["replicas"] = replicas
		shards[name] = sm
	}
	m["shards"] = shards
	m[PropRouter] = routerJSON{Name: c.router.Name()}
	return m
}

// Load decodes a clusterstate.json document. An empty document is an empty
// state.
func Load(data []byte, version int64, liveNodes []string) (*ClusterState, error) {
	if len(data) == 0 {
		return NewClusterState(nil, liveNodes, version), nil
	}
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode cluster state: %w", err)
	}

	collections := make(map[string]*DocCollection, len(raw))
	for name, fields := range raw {
		c, err := decodeCollection(name, fields)
		if err != nil {
			return nil, err
		}
		collections[name] = c
	}
	return NewClusterState(collections, liveNodes, version), nil
}

func decodeCollection(name string, fields map[string]json.RawMessage) (*DocCollection, error) {
	props := Props{}
	var (
		router Router = CompositeIDRouter{}
		slices        = map[string]*Slice{}
	)
	for key, val := range fields {
		switch key {
		case "shards":
			var shards map[string]sliceJSON
			if err := json.Unmarshal(val, &shards); err != nil {
				return nil, fmt.Errorf("collection %s: decode shards: %w", name, err)
			}
			for sn, sf := range shards {
				s, err := decodeSlice(sn, sf)
				if err != nil {
					return nil, fmt.Errorf("collection %s: %w", name, err)
				}
				slices[sn] = s
			}
		case PropRouter:
			var rj routerJSON
			if err := json.Unmarshal(val, &rj); err != nil {
				// older states store the router as a bare string
				if err := json.Unmarshal(val, &rj.Name); err != nil {
					return nil, fmt.Errorf("collection %s: decode router: %w", name, err)
				}
			}
			r, err := NewRouter(rj.Name)
			if err != nil {
				return nil, fmt.Errorf("collection %s: %w", name, err)
			}
			router = r
		default:
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				return nil, fmt.Errorf("collection %s: property %s is not a string", name, key)
			}
			props[key] = s
		}
	}
	return NewDocCollection(name, slices, router, props), nil
}

func decodeSlice(name string, fields sliceJSON) (*Slice, error) {
	props := Props{}
	replicas := map[string]*Replica{}
	for key, val := range fields {
		if key == "replicas" {
			var rm map[string]Props
			if err := json.Unmarshal(val, &rm); err != nil {
				return nil, fmt.Errorf("slice %s: decode replicas: %w", name, err)
			}
			for rn, rp := range rm {
				replicas[rn] = NewReplica(rn, rp)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return nil, fmt.Errorf("slice %s: property %s is not a string", name, key)
		}
		props[key] = s
	}
	return NewSlice(name, replicas, props), nil
}
