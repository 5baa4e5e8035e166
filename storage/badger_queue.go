package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	queuePrefix = "q:"
	statsPrefix = "s:"
)

// queueKey orders messages by sequence number; the zero padding keeps the
// lexicographic key order equal to the numeric one.
func queueKey(queue string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", queuePrefix, queue, seq))
}

func queueIndexPrefix(queue string) []byte {
	return []byte(queuePrefix + queue + ":")
}

// QueueOffer appends a message to a queue. The caller assigns the sequence
// number so that every raft replica stores the same order.
func (s *BadgerStorage) QueueOffer(ctx context.Context, queue string, message QueueMessage) error {
	if message.Seq == 0 {
		return fmt.Errorf("queue %s: message %s has no sequence number", queue, message.ID)
	}
	message.Queue = queue

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(queueKey(queue, message.Seq), data); err != nil {
			return err
		}
		return updateQueueStats(txn, queue, 1, 0)
	})
}

func firstMessage(txn *badger.Txn, queue string) (QueueMessage, []byte, bool, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := queueIndexPrefix(queue)
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return QueueMessage{}, nil, false, nil
	}

	item := it.Item()
	var message QueueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &message)
	}); err != nil {
		return QueueMessage{}, nil, false, err
	}
	return message, item.KeyCopy(nil), true, nil
}

// QueuePeek returns the head of a queue without removing it.
func (s *BadgerStorage) QueuePeek(ctx context.Context, queue string) (QueueMessage, bool, error) {
	var (
		message QueueMessage
		found   bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		message, _, found, err = firstMessage(txn, queue)
		return err
	})
	return message, found, err
}

// QueuePoll removes and returns the head of a queue. It does not block; an
// empty queue reports found=false.
func (s *BadgerStorage) QueuePoll(ctx context.Context, queue string) (QueueMessage, bool, error) {
	var (
		message QueueMessage
		found   bool
	)
	err := s.db.Update(func(txn *badger.Txn) error {
		var (
			key []byte
			err error
		)
		message, key, found, err = firstMessage(txn, queue)
		if err != nil || !found {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return updateQueueStats(txn, queue, 0, 1)
	})
	return message, found, err
}

// QueueList returns up to limit messages in queue order without removing
// them. A limit <= 0 returns everything.
func (s *BadgerStorage) QueueList(ctx context.Context, queue string, limit int) ([]QueueMessage, error) {
	var messages []QueueMessage

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := queueIndexPrefix(queue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) >= limit {
				break
			}
			var message QueueMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &message)
			}); err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})

	return messages, err
}

// QueueStats returns queue statistics
func (s *BadgerStorage) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	stats := QueueStats{Name: queue}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := queueIndexPrefix(queue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stats.Size++
		}

		item, err := txn.Get([]byte(statsPrefix + queue))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var stored QueueStats
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}
		stats.Offered = stored.Offered
		stats.Polled = stored.Polled
		return nil
	})

	return stats, err
}

// updateQueueStats updates queue statistics inside an open transaction.
func updateQueueStats(txn *badger.Txn, queue string, deltaOffered, deltaPolled int64) error {
	statsKey := []byte(statsPrefix + queue)

	var stats QueueStats
	item, err := txn.Get(statsKey)
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stats)
		}); err != nil {
			return err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return err
	}

	stats.Name = queue
	stats.Offered += deltaOffered
	stats.Polled += deltaPolled

	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return txn.Set(statsKey, data)
}

// QueuePurge removes all messages from a queue
func (s *BadgerStorage) QueuePurge(ctx context.Context, queue string) (int64, error) {
	var purged int64

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		prefix := queueIndexPrefix(queue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return updateQueueStats(txn, queue, 0, purged)
	})

	return purged, err
}
