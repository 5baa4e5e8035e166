package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNoNode is returned when a coordination node does not exist.
	ErrNoNode = errors.New("storage: node does not exist")
	// ErrNodeExists is returned by NodeCreate when the path is taken.
	ErrNodeExists = errors.New("storage: node already exists")
	// ErrBadVersion is returned when a conditional write sees another version.
	ErrBadVersion = errors.New("storage: version mismatch")
)

// AnyVersion disables the version check of NodeSet and NodeDelete.
const AnyVersion int64 = -1

// Storage defines the interface for the storage backend
type Storage interface {
	// Coordination node operations
	NodeGet(ctx context.Context, path string) (Node, error)
	NodeCreate(ctx context.Context, path string, data []byte) (Node, error)
	NodeSet(ctx context.Context, path string, data []byte, expectedVersion int64) (Node, error)
	NodeDelete(ctx context.Context, path string, expectedVersion int64) error
	NodeChildren(ctx context.Context, path string) ([]string, error)

	// Queue operations
	QueueOffer(ctx context.Context, queue string, message QueueMessage) error
	QueuePeek(ctx context.Context, queue string) (QueueMessage, bool, error)
	QueuePoll(ctx context.Context, queue string) (QueueMessage, bool, error)
	QueueList(ctx context.Context, queue string, limit int) ([]QueueMessage, error)
	QueueStats(ctx context.Context, queue string) (QueueStats, error)
	QueuePurge(ctx context.Context, queue string) (int64, error)
	NextSequence(ctx context.Context, name string) (uint64, error)

	// Document operations
	DocPut(ctx context.Context, index string, doc StoredDoc) error
	DocGet(ctx context.Context, index, id string) (StoredDoc, bool, error)
	DocDelete(ctx context.Context, index, id string) (bool, error)
	DocScan(ctx context.Context, index string, fn func(StoredDoc) error) error
	DocPurge(ctx context.Context, index string) (int64, error)

	// Lifecycle
	Close() error
	BackupCoordination(ctx context.Context, w io.Writer) error
	RestoreCoordination(ctx context.Context, r io.Reader) error
}

// Node is a versioned entry of the coordination tree.
type Node struct {
	Path    string    `json:"path"`
	Data    []byte    `json:"data"`
	Version int64     `json:"version"`
	Mtime   time.Time `json:"mtime"`
}

// QueueMessage represents a message in a queue
type QueueMessage struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	Seq       uint64    `json:"seq"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueStats represents queue statistics
type QueueStats struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Offered int64  `json:"offered"`
	Polled  int64  `json:"polled"`
}

// StoredDoc is one document of a core's index together with the version
// it was written at. Fields is the JSON encoding of the field map.
type StoredDoc struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Fields  []byte `json:"fields"`
}
