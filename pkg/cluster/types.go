package cluster

import (
	"encoding/json"
	"errors"
	"time"

	"shardex/storage"
)

var (
	// ErrNotLeader is returned when a write reaches a follower and cannot be
	// forwarded to the raft leader.
	ErrNotLeader = errors.New("cluster: not the raft leader")
	// ErrSessionExpired is returned by a leader session once this node has
	// lost raft leadership. Work done on behalf of the session must stop.
	ErrSessionExpired = errors.New("cluster: leader session expired")
)

// CommandType describes the replicated operation type.
type CommandType string

const (
	CmdNodeCreate CommandType = "NODE_CREATE"
	CmdNodeSet    CommandType = "NODE_SET"
	CmdNodeDelete CommandType = "NODE_DELETE"
	CmdQueueOffer CommandType = "QUEUE_OFFER"
	CmdQueuePoll  CommandType = "QUEUE_POLL"
	CmdQueueClear CommandType = "QUEUE_CLEAR"
)

// Command is the envelope replicated via Raft.
type Command struct {
	Version int             `json:"v"`
	Type    CommandType     `json:"t"`
	Payload json.RawMessage `json:"p"`
}

// Marshal encodes the command to bytes.
func (c Command) Marshal() ([]byte, error) { return json.Marshal(c) }

type nodePayload struct {
	Path    string `json:"path"`
	Data    []byte `json:"data,omitempty"`
	Version int64  `json:"ver"`
}

type queuePayload struct {
	Queue     string    `json:"queue"`
	ID        string    `json:"id,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"ts,omitempty"`
}

func newCommand(t CommandType, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Version: 1, Type: t, Payload: raw}, nil
}

// Result is what applying a command produced. It travels back from the raft
// leader when a follower forwards a command.
type Result struct {
	Node    *storage.Node         `json:"node,omitempty"`
	Message *storage.QueueMessage `json:"message,omitempty"`
	Count   int64                 `json:"count,omitempty"`
}

// applyResponse is the value returned from fsm.Apply.
type applyResponse struct {
	result Result
	err    error
}
