package update

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"shardex/pkg/distrib"
)

// Reserved document fields.
const (
	IDField      = "id"
	VersionField = distrib.ParamVersion
)

// Document is a field map. The id field is the unique key and _version_
// carries the version the document was written at.
type Document map[string]any

// ID returns the document's unique key.
func (d Document) ID() string {
	switch v := d[IDField].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Version returns the _version_ field, 0 when absent or not a number.
func (d Document) Version() int64 {
	v, _ := toInt64(d[VersionField])
	return v
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Params are the request-level parameters of an update request.
type Params map[string]string

// Phase returns the distrib phase the request arrived in.
func (p Params) Phase() distrib.Phase { return distrib.ParsePhase(p[distrib.ParamPhase]) }

// Bool reports whether key is set to a true value.
func (p Params) Bool(key string) bool {
	b, _ := strconv.ParseBool(p[key])
	return b
}

// Int64 returns key parsed as an integer, 0 when absent or invalid.
func (p Params) Int64(key string) int64 {
	n, _ := strconv.ParseInt(p[key], 10, 64)
	return n
}

// Flag marks how a command reached the processor.
type Flag uint8

const (
	// FlagReplay marks a command replayed from the update log buffer.
	FlagReplay Flag = 1 << iota
	// FlagBuffering marks a command appended to the buffer instead of applied.
	FlagBuffering
)

// AddCommand adds or replaces one document.
type AddCommand struct {
	Doc Document
	// Version is the version the document was written at. On a replica it
	// is the leader's version; it falls back to the document's _version_.
	Version int64
	Flags   Flag
}

// DeleteCommand deletes one document by id, or every document matching
// Query when ID is empty.
type DeleteCommand struct {
	ID    string
	Query string
	// Version is the expected version on the leader and the leader-assigned
	// negative version on a replica.
	Version int64
	Flags   Flag
}

// IsDeleteByQuery reports whether the command deletes by query.
func (c *DeleteCommand) IsDeleteByQuery() bool { return c.ID == "" }

// CommitCommand commits the index.
type CommitCommand struct {
	Flags Flag
}

// Response echoes the versions assigned by a request when the versions
// parameter is set.
type Response struct {
	Adds          map[string]int64 `json:"adds,omitempty"`
	Deletes       map[string]int64 `json:"deletes,omitempty"`
	DeleteByQuery map[string]int64 `json:"deleteByQuery,omitempty"`
}

func record(m *map[string]int64, key string, version int64) {
	if *m == nil {
		*m = make(map[string]int64)
	}
	(*m)[key] = version
}
