package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// documentRow is one document in the documents table
type documentRow struct {
	Key       string     `gorm:"column:doc_key;primaryKey"`
	Parent    string     `gorm:"index"`
	Fields    jsonFields `gorm:"type:text"`
	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (documentRow) TableName() string {
	return "documents"
}

func (r documentRow) document() Document {
	return Document{
		Key:        r.Key,
		ID:         ID(r.Key),
		Fields:     Fields(r.Fields),
		Version:    r.Version,
		CreateTime: r.CreatedAt,
		UpdateTime: r.UpdatedAt,
	}
}

// jsonFields stores document fields as a JSON text column
type jsonFields map[string]any

func (f jsonFields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *jsonFields) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*f = jsonFields{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported fields column type %T", src)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*f = m
	return nil
}

var fieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// SQLStore keeps documents in SQLite through gorm. Change notification is
// in-process only.
type SQLStore struct {
	db       *gorm.DB
	logger   zerolog.Logger
	notifier *notifier
	version  atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// NewSQLStore opens (and migrates) the SQLite database at dsn
func NewSQLStore(dsn string, clock clockwork.Clock, logger zerolog.Logger) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return clock.Now().UTC() },
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}

	s := &SQLStore{
		db:       db,
		logger:   logger.With().Str("component", "sqlstore").Logger(),
		notifier: newNotifier(),
		done:     make(chan struct{}),
	}

	var maxVersion uint64
	if err := db.Model(&documentRow{}).Select("COALESCE(MAX(version), 0)").Scan(&maxVersion).Error; err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	s.version.Store(maxVersion)

	s.logger.Info().Str("dsn", dsn).Msg("sqlite store ready")
	return s, nil
}

// Get returns the current snapshot of key
func (s *SQLStore) Get(ctx context.Context, key string) (Snapshot, error) {
	if err := s.check(ctx, key); err != nil {
		return Snapshot{}, err
	}

	var row documentRow
	err := s.db.WithContext(ctx).Where("doc_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{Key: key}, nil
	}
	if err != nil {
		return Snapshot{}, unavailable(err)
	}
	return Snapshot{Key: key, Exists: true, Doc: row.document()}, nil
}

// Set overwrites the document at key, keeping its creation time
func (s *SQLStore) Set(ctx context.Context, key string, fields Fields) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	now := s.db.NowFunc()
	row := documentRow{
		Key:     key,
		Parent:  Parent(key),
		Fields:  jsonFields(resolve(fields, now)),
		Version: s.version.Add(1),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "doc_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"parent", "fields", "version", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return unavailable(err)
	}

	s.notifier.notify(key, row.Parent)
	return nil
}

// Update merges fields into the existing document at key
func (s *SQLStore) Update(ctx context.Context, key string, fields Fields) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	var parent string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row documentRow
		if err := tx.Where("doc_key = ?", key).Take(&row).Error; err != nil {
			return err
		}
		row.Fields = jsonFields(merge(Fields(row.Fields), fields, tx.NowFunc()))
		row.Version = s.version.Add(1)
		parent = row.Parent
		return tx.Save(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return unavailable(err)
	}

	s.notifier.notify(key, parent)
	return nil
}

// Delete removes the document at key. Deleting a missing key is not an error.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Where("doc_key = ?", key).Delete(&documentRow{}).Error; err != nil {
		return unavailable(err)
	}

	s.notifier.notify(key, Parent(key))
	return nil
}

// List returns the documents of a collection ordered by key
func (s *SQLStore) List(ctx context.Context, parent string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []documentRow
	if err := s.db.WithContext(ctx).Where("parent = ?", parent).Order("doc_key").Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}

	docs := make([]Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.document())
	}
	return docs, nil
}

// QueryByField returns the keys under parent whose field equals value
func (s *SQLStore) QueryByField(ctx context.Context, parent, field string, value any) ([]string, error) {
	if !fieldName.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}

	var keys []string
	err := s.db.WithContext(ctx).Model(&documentRow{}).
		Where("parent = ? AND json_extract(fields, ?) = ?", parent, "$."+field, value).
		Order("doc_key").
		Pluck("doc_key", &keys).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return keys, nil
}

// Subscribe delivers the snapshot of key now and after every change
func (s *SQLStore) Subscribe(key string, onChange func(Snapshot)) (func(), error) {
	if err := validKey(key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	signal, stop := s.notifier.watch(key)

	go func() {
		defer stop()
		var last string
		for {
			snap, err := s.Get(ctx, key)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Str("key", key).Msg("subscription read failed")
				}
			} else if sig := snapshotSignature(snap); sig != last {
				last = sig
				onChange(snap)
			}

			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-signal:
			}
		}
	}()

	return cancel, nil
}

// SubscribeCollection delivers the documents under parent now and after
// every change to any of them
func (s *SQLStore) SubscribeCollection(parent string, onChange func([]Document)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	signal, stop := s.notifier.watch(parent)

	go func() {
		defer stop()
		var last string
		first := true
		for {
			docs, err := s.List(ctx, parent)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Str("parent", parent).Msg("collection subscription read failed")
				}
			} else if sig := collectionSignature(docs); first || sig != last {
				first = false
				last = sig
				onChange(docs)
			}

			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-signal:
			}
		}
	}()

	return cancel, nil
}

// Close stops all subscriptions and closes the database
func (s *SQLStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

func (s *SQLStore) check(ctx context.Context, key string) error {
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
