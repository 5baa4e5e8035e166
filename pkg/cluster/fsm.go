package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"
	"go.uber.org/zap"

	"shardex/storage"
)

// fsm implements hashicorp/raft.FSM and applies replicated commands to storage.
type fsm struct {
	st     storage.Storage
	logger *zap.Logger
}

// newFSM constructs the storage-backed FSM.
func newFSM(st storage.Storage, logger *zap.Logger) *fsm { return &fsm{st: st, logger: logger} }

func (f *fsm) Apply(l *hraft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return applyResponse{err: fmt.Errorf("decode command: %w", err)}
	}
	res, err := f.apply(context.Background(), cmd, l.Index)
	return applyResponse{result: res, err: err}
}

// apply executes cmd against storage. seq orders queue offers; under raft it
// is the log index so every replica assigns the same sequence.
func (f *fsm) apply(ctx context.Context, cmd Command, seq uint64) (Result, error) {
	switch cmd.Type {
	case CmdNodeCreate, CmdNodeSet, CmdNodeDelete:
		var p nodePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		switch cmd.Type {
		case CmdNodeCreate:
			n, err := f.st.NodeCreate(ctx, p.Path, p.Data)
			return Result{Node: &n}, err
		case CmdNodeSet:
			n, err := f.st.NodeSet(ctx, p.Path, p.Data, p.Version)
			return Result{Node: &n}, err
		default:
			return Result{}, f.st.NodeDelete(ctx, p.Path, p.Version)
		}
	case CmdQueueOffer, CmdQueuePoll, CmdQueueClear:
		var p queuePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return Result{}, err
		}
		switch cmd.Type {
		case CmdQueueOffer:
			msg := storage.QueueMessage{ID: p.ID, Seq: seq, Data: p.Data, CreatedAt: p.CreatedAt}
			if err := f.st.QueueOffer(ctx, p.Queue, msg); err != nil {
				return Result{}, err
			}
			msg.Queue = p.Queue
			return Result{Message: &msg}, nil
		case CmdQueuePoll:
			msg, ok, err := f.st.QueuePoll(ctx, p.Queue)
			if err != nil || !ok {
				return Result{}, err
			}
			return Result{Message: &msg}, nil
		default:
			n, err := f.st.QueuePurge(ctx, p.Queue)
			return Result{Count: n}, err
		}
	default:
		f.logger.Warn("ignoring unknown command", zap.String("type", string(cmd.Type)))
		return Result{}, nil
	}
}

// Snapshot captures the coordination tree and the replicated queues.
func (f *fsm) Snapshot() (hraft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := f.st.BackupCoordination(context.Background(), &buf); err != nil {
		return nil, fmt.Errorf("backup coordination: %w", err)
	}
	return &coordinationSnapshot{data: buf.Bytes()}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return f.st.RestoreCoordination(context.Background(), rc)
}

type coordinationSnapshot struct{ data []byte }

func (s *coordinationSnapshot) Persist(sink hraft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *coordinationSnapshot) Release() {}
