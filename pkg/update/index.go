package update

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"shardex/storage"
)

// Query selects documents for delete-by-query.
type Query interface {
	Matches(doc Document) bool
	String() string
}

// MatchAllQuery matches every document.
type MatchAllQuery struct{}

func (MatchAllQuery) Matches(Document) bool { return true }
func (MatchAllQuery) String() string        { return "*:*" }

// TermQuery matches documents whose field equals value. A multi-valued
// field matches when any value does.
type TermQuery struct {
	Field string
	Value string
}

func (q TermQuery) Matches(doc Document) bool {
	switch v := doc[q.Field].(type) {
	case nil:
		return false
	case []any:
		for _, e := range v {
			if fmt.Sprint(e) == q.Value {
				return true
			}
		}
		return false
	default:
		return fmt.Sprint(v) == q.Value
	}
}

func (q TermQuery) String() string { return q.Field + ":" + q.Value }

// ParseQuery parses "*:*" or "field:value".
func ParseQuery(s string) (Query, error) {
	s = strings.TrimSpace(s)
	if s == "*:*" {
		return MatchAllQuery{}, nil
	}
	field, value, ok := strings.Cut(s, ":")
	if !ok || field == "" {
		return nil, badRequest("cannot parse query %q", s)
	}
	return TermQuery{Field: field, Value: value}, nil
}

// Index is the document store of one core. Deletes leave a tombstone
// carrying the negative delete version, so the last version of an id
// outlives commits.
type Index interface {
	// Get returns a document and the version it was written at. Deleted
	// documents are not found.
	Get(ctx context.Context, id string) (Document, int64, bool, error)
	// Version returns the last version written for id, negative when the
	// last write was a delete.
	Version(ctx context.Context, id string) (int64, bool, error)
	Put(ctx context.Context, doc Document, version int64) error
	Delete(ctx context.Context, id string, version int64) error
	DeleteByQuery(ctx context.Context, q Query, version int64) (int, error)
	Commit(ctx context.Context) error
	// Scan calls fn for every live document in id order.
	Scan(ctx context.Context, fn func(doc Document, version int64) error) error
	Purge(ctx context.Context) error
}

// BadgerIndex keeps a core's documents in the node's badger store under the
// core's name.
type BadgerIndex struct {
	st   storage.Storage
	name string

	commits atomic.Int64
}

// NewBadgerIndex returns the index of core name.
func NewBadgerIndex(st storage.Storage, name string) *BadgerIndex {
	return &BadgerIndex{st: st, name: name}
}

func decodeFields(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func tombstone(sd storage.StoredDoc) bool { return sd.Version < 0 }

func (x *BadgerIndex) Get(ctx context.Context, id string) (Document, int64, bool, error) {
	sd, ok, err := x.st.DocGet(ctx, x.name, id)
	if err != nil || !ok || tombstone(sd) {
		return nil, 0, false, err
	}
	doc, err := decodeFields(sd.Fields)
	if err != nil {
		return nil, 0, false, err
	}
	return doc, sd.Version, true, nil
}

func (x *BadgerIndex) Version(ctx context.Context, id string) (int64, bool, error) {
	sd, ok, err := x.st.DocGet(ctx, x.name, id)
	if err != nil || !ok {
		return 0, false, err
	}
	return sd.Version, true, nil
}

func (x *BadgerIndex) Put(ctx context.Context, doc Document, version int64) error {
	fields, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID(), err)
	}
	return x.st.DocPut(ctx, x.name, storage.StoredDoc{ID: doc.ID(), Version: version, Fields: fields})
}

// Delete replaces the document with a tombstone at version, which must be
// negative.
func (x *BadgerIndex) Delete(ctx context.Context, id string, version int64) error {
	if version >= 0 {
		return fmt.Errorf("delete %s: tombstone version %d is not negative", id, version)
	}
	return x.st.DocPut(ctx, x.name, storage.StoredDoc{ID: id, Version: version})
}

func (x *BadgerIndex) DeleteByQuery(ctx context.Context, q Query, version int64) (int, error) {
	var ids []string
	err := x.st.DocScan(ctx, x.name, func(sd storage.StoredDoc) error {
		if tombstone(sd) {
			return nil
		}
		doc, err := decodeFields(sd.Fields)
		if err != nil {
			return err
		}
		if q.Matches(doc) {
			ids = append(ids, sd.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := x.Delete(ctx, id, version); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Commit records a commit point. Writes are durable as soon as they return.
func (x *BadgerIndex) Commit(ctx context.Context) error {
	x.commits.Add(1)
	return nil
}

// Commits returns how many commits the index has seen.
func (x *BadgerIndex) Commits() int64 { return x.commits.Load() }

func (x *BadgerIndex) Scan(ctx context.Context, fn func(Document, int64) error) error {
	return x.st.DocScan(ctx, x.name, func(sd storage.StoredDoc) error {
		if tombstone(sd) {
			return nil
		}
		doc, err := decodeFields(sd.Fields)
		if err != nil {
			return err
		}
		return fn(doc, sd.Version)
	})
}

func (x *BadgerIndex) Purge(ctx context.Context) error {
	_, err := x.st.DocPurge(ctx, x.name)
	return err
}
