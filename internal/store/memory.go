package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const documentsTable = "documents"

// record is the immutable value stored in memdb. Writers replace records,
// never mutate them.
type record struct {
	Key    string
	Parent string
	Doc    Document
}

// MemoryStore keeps documents in a go-memdb radix tree and uses its watch
// channels for change notification
type MemoryStore struct {
	db      *memdb.MemDB
	clock   clockwork.Clock
	logger  zerolog.Logger
	version atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(clock clockwork.Clock, logger zerolog.Logger) (*MemoryStore, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			documentsTable: {
				Name: documentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"parent": {
						Name:         "parent",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Parent"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}

	return &MemoryStore{
		db:     db,
		clock:  clock,
		logger: logger.With().Str("component", "memstore").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Get returns the current snapshot of key
func (s *MemoryStore) Get(ctx context.Context, key string) (Snapshot, error) {
	if err := s.check(ctx, key); err != nil {
		return Snapshot{}, err
	}

	txn := s.db.Txn(false)
	raw, err := txn.First(documentsTable, "id", key)
	if err != nil {
		return Snapshot{}, unavailable(err)
	}
	return snapshotOf(key, raw), nil
}

// Set overwrites the document at key
func (s *MemoryStore) Set(ctx context.Context, key string, fields Fields) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(documentsTable, "id", key)
	if err != nil {
		return unavailable(err)
	}

	now := s.clock.Now().UTC()
	doc := Document{
		Key:        key,
		ID:         ID(key),
		Fields:     resolve(fields, now),
		Version:    s.version.Add(1),
		CreateTime: now,
		UpdateTime: now,
	}
	if prev, ok := raw.(*record); ok {
		doc.CreateTime = prev.Doc.CreateTime
	}

	if err := txn.Insert(documentsTable, &record{Key: key, Parent: Parent(key), Doc: doc}); err != nil {
		return unavailable(err)
	}
	txn.Commit()
	return nil
}

// Update merges fields into the existing document at key
func (s *MemoryStore) Update(ctx context.Context, key string, fields Fields) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(documentsTable, "id", key)
	if err != nil {
		return unavailable(err)
	}
	prev, ok := raw.(*record)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	now := s.clock.Now().UTC()
	doc := prev.Doc
	doc.Fields = merge(prev.Doc.Fields, fields, now)
	doc.Version = s.version.Add(1)
	doc.UpdateTime = now

	if err := txn.Insert(documentsTable, &record{Key: key, Parent: prev.Parent, Doc: doc}); err != nil {
		return unavailable(err)
	}
	txn.Commit()
	return nil
}

// Delete removes the document at key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(documentsTable, "id", key); err != nil {
		return unavailable(err)
	}
	txn.Commit()
	return nil
}

// List returns the documents of a collection ordered by key
func (s *MemoryStore) List(ctx context.Context, parent string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, _, err := s.list(parent)
	return docs, err
}

// QueryByField returns the keys under parent whose field equals value
func (s *MemoryStore) QueryByField(ctx context.Context, parent, field string, value any) ([]string, error) {
	docs, err := s.List(ctx, parent)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		if v, ok := d.Fields[field]; ok && fieldEqual(v, value) {
			keys = append(keys, d.Key)
		}
	}
	return keys, nil
}

// Subscribe delivers the snapshot of key now and after every change
func (s *MemoryStore) Subscribe(key string, onChange func(Snapshot)) (func(), error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		var last string
		for {
			txn := s.db.Txn(false)
			watch, raw, err := txn.FirstWatch(documentsTable, "id", key)
			if err != nil {
				s.logger.Error().Err(err).Str("key", key).Msg("subscription read failed")
				return
			}

			snap := snapshotOf(key, raw)
			if sig := snapshotSignature(snap); sig != last {
				last = sig
				onChange(snap)
			}

			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-watch:
			}
		}
	}()

	return cancel, nil
}

// SubscribeCollection delivers the documents under parent now and after
// every change to any of them
func (s *MemoryStore) SubscribeCollection(parent string, onChange func([]Document)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		var last string
		first := true
		for {
			docs, watch, err := s.list(parent)
			if err != nil {
				s.logger.Error().Err(err).Str("parent", parent).Msg("collection subscription read failed")
				return
			}

			if sig := collectionSignature(docs); first || sig != last {
				first = false
				last = sig
				onChange(docs)
			}

			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-watch:
			}
		}
	}()

	return cancel, nil
}

// Close stops all subscriptions
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) list(parent string) ([]Document, <-chan struct{}, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(documentsTable, "parent", parent)
	if err != nil {
		return nil, nil, unavailable(err)
	}

	var docs []Document
	for raw := it.Next(); raw != nil; raw = it.Next() {
		docs = append(docs, copyDoc(raw.(*record).Doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs, it.WatchCh(), nil
}

func (s *MemoryStore) check(ctx context.Context, key string) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return validKey(key)
}

func snapshotOf(key string, raw any) Snapshot {
	rec, ok := raw.(*record)
	if !ok {
		return Snapshot{Key: key}
	}
	return Snapshot{Key: key, Exists: true, Doc: copyDoc(rec.Doc)}
}

func copyDoc(d Document) Document {
	fields := make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	d.Fields = fields
	return d
}
