package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

const docPrefix = "d:"

func docIndexPrefix(index string) []byte {
	return []byte(docPrefix + index + ":")
}

func docKey(index, id string) []byte {
	return append(docIndexPrefix(index), id...)
}

// DocPut stores a document, replacing any previous copy.
func (s *BadgerStorage) DocPut(ctx context.Context, index string, doc StoredDoc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(index, doc.ID), data)
	})
}

// DocGet retrieves a document by id
func (s *BadgerStorage) DocGet(ctx context.Context, index, id string) (StoredDoc, bool, error) {
	var (
		doc   StoredDoc
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(index, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	return doc, found, err
}

// DocDelete removes a document and reports whether it existed.
func (s *BadgerStorage) DocDelete(ctx context.Context, index, id string) (bool, error) {
	var existed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(index, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(docKey(index, id))
	})
	return existed, err
}

// DocScan calls fn for every document of an index in id order. A non-nil
// error from fn stops the scan and is returned.
func (s *BadgerStorage) DocScan(ctx context.Context, index string, fn func(StoredDoc) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := docIndexPrefix(index)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc StoredDoc
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// DocPurge removes every document of an index.
func (s *BadgerStorage) DocPurge(ctx context.Context, index string) (int64, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := docIndexPrefix(index)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}
