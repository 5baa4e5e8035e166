package overseer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Operations understood by the overseer.
const (
	OpState            = "state"
	OpCreateCollection = "createcollection"
	OpCreateShard      = "createshard"
	OpUpdateShardState = "updateshardstate"
	OpLeader           = "leader"
	OpDeleteCore       = "deletecore"
	OpRemoveCore       = "removecore"
	OpDeleteShard      = "deleteshard"
	OpRemoveShard      = "removeshard"
	OpRemoveCollection = "removecollection"
)

// Message keys. Keys not listed here are replica properties.
const (
	KeyOperation    = "operation"
	KeyCollection   = "collection"
	KeyShard        = "shard"
	KeyCoreNodeName = "core_node_name"
	KeyNumShards    = "numShards"
	KeyShards       = "shards"
	KeyRouterName   = "router.name"
	KeyShardRange   = "shard_range"
	KeyShardState   = "shard_state"
	KeyShardParent  = "shard_parent"
)

// routingKeys address the message; they are never stored on a replica.
var routingKeys = map[string]bool{
	KeyOperation:    true,
	KeyCollection:   true,
	KeyShard:        true,
	KeyCoreNodeName: true,
	KeyNumShards:    true,
	KeyShards:       true,
	KeyRouterName:   true,
	KeyShardRange:   true,
	KeyShardState:   true,
	KeyShardParent:  true,
}

// Message is a cluster topology change: an operation plus its properties.
type Message map[string]string

// NewMessage builds a message for op from key/value pairs.
func NewMessage(op string, kv ...string) Message {
	m := Message{KeyOperation: op}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

// DecodeMessage parses a queued message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode overseer message: %w", err)
	}
	if m[KeyOperation] == "" {
		return nil, fmt.Errorf("overseer message without %q", KeyOperation)
	}
	return m, nil
}

// Encode serializes the message for a queue.
func (m Message) Encode() ([]byte, error) { return json.Marshal(m) }

func (m Message) Operation() string  { return m[KeyOperation] }
func (m Message) Collection() string { return m[KeyCollection] }
func (m Message) Shard() string      { return m[KeyShard] }

// NumShards returns the numShards property; 0 when absent or invalid.
func (m Message) NumShards() int {
	n, err := strconv.Atoi(m[KeyNumShards])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ShardNames returns the comma separated shards property.
func (m Message) ShardNames() []string {
	var names []string
	for _, s := range strings.Split(m[KeyShards], ",") {
		if s = strings.TrimSpace(s); s != "" {
			names = append(names, s)
		}
	}
	return names
}
