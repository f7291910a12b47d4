// Package store is the document store rooms and submissions live in. It is
// the single source of truth and the only coordination point between
// clients: there are no cross-key transactions and no locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Store errors
var (
	ErrNotFound    = errors.New("document not found")
	ErrUnavailable = errors.New("store unavailable")
	ErrInvalidKey  = errors.New("invalid document key")
	ErrClosed      = errors.New("store closed")
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Fields is the content of a document
type Fields map[string]any

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store's clock when written
var ServerTimestamp = serverTimestamp{}

// Document is a stored document
type Document struct {
	Key        string
	ID         string
	Fields     Fields
	Version    uint64
	CreateTime time.Time
	UpdateTime time.Time
}

// Snapshot is the state of one key as seen by a reader
type Snapshot struct {
	Key    string
	Exists bool
	Doc    Document
}

// Store is a document database with change notification.
//
// Subscribe and SubscribeCollection deliver the current state immediately
// and again after every committed change, on a goroutine owned by the
// subscription. Consecutive changes may be coalesced; the latest state is
// always delivered. The returned func releases the subscription.
type Store interface {
	Get(ctx context.Context, key string) (Snapshot, error)
	Set(ctx context.Context, key string, fields Fields) error
	Update(ctx context.Context, key string, fields Fields) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, parent string) ([]Document, error)
	QueryByField(ctx context.Context, parent, field string, value any) ([]string, error)
	Subscribe(key string, onChange func(Snapshot)) (func(), error)
	SubscribeCollection(parent string, onChange func([]Document)) (func(), error)
	Close() error
}

// Options configures Open
type Options struct {
	Driver string
	DSN    string
	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Open constructs the store named by opts.Driver. It is meant to be called
// once per process and the handle passed to whoever needs it.
func Open(opts Options) (Store, error) {
	var missing []string
	if opts.Driver == "" {
		missing = append(missing, "store-driver")
	}
	if opts.Driver == DriverSQLite && opts.DSN == "" {
		missing = append(missing, "store-dsn")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing store settings: %s", strings.Join(missing, ", "))
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(opts.Clock, opts.Logger)
	case DriverSQLite:
		return NewSQLStore(opts.DSN, opts.Clock, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

// Key joins path segments into a document key, e.g. Key("rooms", "4821")
func Key(segments ...string) string {
	return strings.Join(segments, "/")
}

// Parent returns the collection a key belongs to
func Parent(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i]
	}
	return ""
}

// ID returns the last segment of a key
func ID(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}

// validKey checks that key names a document: collection/id pairs with no
// empty segments
func validKey(key string) error {
	segments := strings.Split(key, "/")
	if len(segments) < 2 || len(segments)%2 != 0 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, s := range segments {
		if s == "" {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// resolve copies fields, replacing ServerTimestamp with now
func resolve(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			v = now
		}
		out[k] = v
	}
	return out
}

// merge overlays changes onto a copy of base
func merge(base, changes Fields, now time.Time) Fields {
	out := make(Fields, len(base)+len(changes))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range resolve(changes, now) {
		out[k] = v
	}
	return out
}

func snapshotSignature(s Snapshot) string {
	if !s.Exists {
		return "-"
	}
	return fmt.Sprintf("%d@%d", s.Doc.Version, s.Doc.UpdateTime.UnixNano())
}

func collectionSignature(docs []Document) string {
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "%s:%d@%d;", d.Key, d.Version, d.UpdateTime.UnixNano())
	}
	return b.String()
}
