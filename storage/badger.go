package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	nodePrefix = "n:"
	seqPrefix  = "seq:"
)

// coordinationPrefixes are the key spaces replicated through raft. Replicated
// queue names are absolute paths; document indexes and update-log buffers are
// node-local and never snapshotted.
var coordinationPrefixes = []string{nodePrefix, queuePrefix + "/", statsPrefix + "/"}

// BadgerStorage implements Storage interface using BadgerDB
type BadgerStorage struct {
	db *badger.DB

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence

	stop chan struct{}
	once sync.Once
}

// NewBadgerStorage creates a new BadgerDB storage instance
func NewBadgerStorage(dataDir string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)

	s, err := open(opts)
	if err != nil {
		return nil, err
	}

	// Start background tasks
	go s.runGC()

	return s, nil
}

// NewInMemoryStorage opens a badger instance that never touches disk.
func NewInMemoryStorage() (*BadgerStorage, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)
	return open(opts)
}

func open(opts badger.Options) (*BadgerStorage, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &BadgerStorage{
		db:   db,
		seqs: make(map[string]*badger.Sequence),
		stop: make(chan struct{}),
	}, nil
}

// runGC runs the garbage collector periodically
func (s *BadgerStorage) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.7)
		}
	}
}

func nodeKey(path string) []byte { return []byte(nodePrefix + path) }

func readNode(txn *badger.Txn, path string) (Node, error) {
	item, err := txn.Get(nodeKey(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Node{}, ErrNoNode
	}
	if err != nil {
		return Node{}, err
	}
	var n Node
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	})
	return n, err
}

func writeNode(txn *badger.Txn, n Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return txn.Set(nodeKey(n.Path), data)
}

// NodeGet reads a coordination node.
func (s *BadgerStorage) NodeGet(ctx context.Context, path string) (Node, error) {
	var n Node
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = readNode(txn, path)
		return err
	})
	return n, err
}

// NodeCreate creates a node at version 0. It fails with ErrNodeExists if the
// path is already present.
func (s *BadgerStorage) NodeCreate(ctx context.Context, path string, data []byte) (Node, error) {
	n := Node{Path: path, Data: data, Version: 0, Mtime: time.Now()}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := readNode(txn, path); err == nil {
			return ErrNodeExists
		} else if !errors.Is(err, ErrNoNode) {
			return err
		}
		return writeNode(txn, n)
	})
	return n, err
}

// NodeSet writes data to a node, creating it when absent and expectedVersion
// is AnyVersion. A set bumps the version by one.
func (s *BadgerStorage) NodeSet(ctx context.Context, path string, data []byte, expectedVersion int64) (Node, error) {
	var out Node
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readNode(txn, path)
		switch {
		case errors.Is(err, ErrNoNode):
			if expectedVersion != AnyVersion {
				return ErrNoNode
			}
			out = Node{Path: path, Data: data, Version: 0, Mtime: time.Now()}
		case err != nil:
			return err
		default:
			if expectedVersion != AnyVersion && cur.Version != expectedVersion {
				return fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, path, cur.Version, expectedVersion)
			}
			out = Node{Path: path, Data: data, Version: cur.Version + 1, Mtime: time.Now()}
		}
		return writeNode(txn, out)
	})
	return out, err
}

// NodeDelete removes a node and every node below it. Parents are implicit,
// so with AnyVersion a path that only has descendants is deleted too.
func (s *BadgerStorage) NodeDelete(ctx context.Context, path string, expectedVersion int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		cur, err := readNode(txn, path)
		exists := err == nil
		switch {
		case errors.Is(err, ErrNoNode):
			if expectedVersion != AnyVersion {
				return err
			}
		case err != nil:
			return err
		case expectedVersion != AnyVersion && cur.Version != expectedVersion:
			return fmt.Errorf("%w: %s at %d, expected %d", ErrBadVersion, path, cur.Version, expectedVersion)
		}
		if exists {
			if err := txn.Delete(nodeKey(path)); err != nil {
				return err
			}
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := nodeKey(strings.TrimSuffix(path, "/") + "/")
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		if !exists && len(keys) == 0 {
			return ErrNoNode
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// NodeChildren lists the names of the direct children of path, sorted.
func (s *BadgerStorage) NodeChildren(ctx context.Context, path string) ([]string, error) {
	var children []string
	seen := make(map[string]bool)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := nodeKey(strings.TrimSuffix(path, "/") + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			name, _, _ := strings.Cut(rest, "/")
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			children = append(children, name)
		}
		return nil
	})

	return children, err
}

// NextSequence returns the next value of a persistent monotonic counter.
func (s *BadgerStorage) NextSequence(ctx context.Context, name string) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq, ok := s.seqs[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte(seqPrefix+name), 128)
		if err != nil {
			return 0, err
		}
		s.seqs[name] = seq
	}
	// badger sequences start at zero; zero is reserved as "unset" by callers
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return seq.Next()
	}
	return n, nil
}

// Close closes the database connection
func (s *BadgerStorage) Close() error {
	s.once.Do(func() { close(s.stop) })

	s.seqMu.Lock()
	for _, seq := range s.seqs {
		_ = seq.Release()
	}
	s.seqs = map[string]*badger.Sequence{}
	s.seqMu.Unlock()

	return s.db.Close()
}

func isCoordinationKey(key []byte) bool {
	for _, p := range coordinationPrefixes {
		if strings.HasPrefix(string(key), p) {
			return true
		}
	}
	return false
}

// BackupCoordination streams the replicated key spaces to w.
func (s *BadgerStorage) BackupCoordination(ctx context.Context, w io.Writer) error {
	stream := s.db.NewStream()
	stream.LogPrefix = "coordination.Backup"
	stream.ChooseKey = func(item *badger.Item) bool {
		return isCoordinationKey(item.Key())
	}
	_, err := stream.Backup(w, 0)
	return err
}

// RestoreCoordination replaces the replicated key spaces with the content of
// a BackupCoordination stream.
func (s *BadgerStorage) RestoreCoordination(ctx context.Context, r io.Reader) error {
	for _, p := range coordinationPrefixes {
		if err := s.db.DropPrefix([]byte(p)); err != nil {
			return fmt.Errorf("drop %s: %w", p, err)
		}
	}
	return s.db.Load(r, 256)
}
