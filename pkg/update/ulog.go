package update

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shardex/storage"
)

// LogState is the state of an update log.
type LogState int32

const (
	StateActive LogState = iota
	StateBuffering
	StateApplyingBuffered
)

func (s LogState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateBuffering:
		return "BUFFERING"
	case StateApplyingBuffered:
		return "APPLYING_BUFFERED"
	default:
		return fmt.Sprintf("LogState(%d)", int32(s))
	}
}

// Entry is one buffered command.
type Entry struct {
	Kind    string   `json:"kind"`
	Doc     Document `json:"doc,omitempty"`
	ID      string   `json:"id,omitempty"`
	Query   string   `json:"query,omitempty"`
	Version int64    `json:"version"`
}

// UpdateLog tracks the versions written since the last commit and buffers
// forwarded updates while the core recovers. The buffer is a badger queue
// local to this node, so buffered updates survive a restart.
type UpdateLog struct {
	st     storage.Storage
	queue  string
	logger *zap.Logger

	mu     sync.Mutex
	state  LogState
	recent map[string]int64
}

// NewUpdateLog returns the update log of core.
func NewUpdateLog(st storage.Storage, core string, logger *zap.Logger) *UpdateLog {
	return &UpdateLog{
		st:     st,
		queue:  "tlog-buffer/" + core,
		logger: logger.Named("ulog"),
		recent: make(map[string]int64),
	}
}

// State returns the current state.
func (u *UpdateLog) State() LogState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Lookup returns the version recorded for id since the last commit.
// Deletes are recorded with negative versions.
func (u *UpdateLog) Lookup(id string) (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.recent[id]
	return v, ok
}

// Record notes that id was written at version.
func (u *UpdateLog) Record(id string, version int64) {
	u.mu.Lock()
	u.recent[id] = version
	u.mu.Unlock()
}

// ClearRecent forgets every recorded version. Lookups then go to the index.
func (u *UpdateLog) ClearRecent() {
	u.mu.Lock()
	u.recent = make(map[string]int64)
	u.mu.Unlock()
}

// BufferUpdates switches an ACTIVE log to BUFFERING. It reports false when
// the log was already buffering.
func (u *UpdateLog) BufferUpdates() (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.state {
	case StateActive:
		u.state = StateBuffering
		u.logger.Info("buffering updates", zap.String("buffer", u.queue))
		return true, nil
	case StateBuffering:
		return false, nil
	default:
		return false, fmt.Errorf("cannot start buffering in state %s", u.state)
	}
}

// BufferIfInactive appends e to the durable buffer unless the log is
// ACTIVE. It reports whether e was buffered.
func (u *UpdateLog) BufferIfInactive(ctx context.Context, e Entry) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateActive {
		return false, nil
	}
	return true, u.buffer(ctx, e)
}

// buffer appends in arrival order. Callers hold mu.
func (u *UpdateLog) buffer(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	seq, err := u.st.NextSequence(ctx, u.queue)
	if err != nil {
		return err
	}
	return u.st.QueueOffer(ctx, u.queue, storage.QueueMessage{
		ID:        uuid.NewString(),
		Seq:       seq,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
}

// Buffered returns how many entries wait in the buffer.
func (u *UpdateLog) Buffered(ctx context.Context) (int64, error) {
	st, err := u.st.QueueStats(ctx, u.queue)
	if err != nil {
		return 0, err
	}
	return st.Size, nil
}

// ApplyBuffered replays the buffer in order through apply and returns the
// log to ACTIVE. On error the log goes back to BUFFERING with the failed
// entry and everything after it still buffered.
func (u *UpdateLog) ApplyBuffered(ctx context.Context, apply func(context.Context, Entry) error) (int, error) {
	u.mu.Lock()
	if u.state != StateBuffering {
		s := u.state
		u.mu.Unlock()
		return 0, fmt.Errorf("cannot apply buffered updates in state %s", s)
	}
	u.state = StateApplyingBuffered
	u.mu.Unlock()

	applied := 0
	for {
		msg, ok, err := u.st.QueuePeek(ctx, u.queue)
		if err != nil {
			u.setState(StateBuffering)
			return applied, err
		}
		if !ok {
			if u.finishReplay(ctx) {
				break
			}
			continue
		}
		var e Entry
		if err := decodeEntry(msg.Data, &e); err != nil {
			u.setState(StateBuffering)
			return applied, fmt.Errorf("buffered entry %d: %w", msg.Seq, err)
		}
		if err := apply(ctx, e); err != nil {
			u.setState(StateBuffering)
			return applied, fmt.Errorf("replay %s %s: %w", e.Kind, e.ID+e.Query, err)
		}
		if _, _, err := u.st.QueuePoll(ctx, u.queue); err != nil {
			u.setState(StateBuffering)
			return applied, err
		}
		applied++
	}

	u.logger.Info("applied buffered updates", zap.Int("count", applied))
	return applied, nil
}

// finishReplay goes ACTIVE if nothing was buffered since the last peek.
func (u *UpdateLog) finishReplay(ctx context.Context) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok, err := u.st.QueuePeek(ctx, u.queue); err != nil || ok {
		return false
	}
	u.state = StateActive
	return true
}

// DropBuffered discards the buffer and returns the log to ACTIVE.
func (u *UpdateLog) DropBuffered(ctx context.Context) (int64, error) {
	n, err := u.st.QueuePurge(ctx, u.queue)
	if err != nil {
		return 0, err
	}
	u.setState(StateActive)
	return n, nil
}

func (u *UpdateLog) setState(s LogState) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

// decodeEntry keeps document numbers as json.Number so versions and large
// integers survive the round trip.
func decodeEntry(data []byte, e *Entry) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(e)
}
