// Package emulator serves a document store over the REST protocol spoken by
// backend/rest. It persists documents with gorm on SQLite or Postgres and
// is used for local development, demos and end-to-end tests.
package emulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lova/backend"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type documentModel struct {
	Collection string    `gorm:"primaryKey;column:collection;size:128"`
	ID         string    `gorm:"primaryKey;column:id;size:128"`
	Data       string    `gorm:"column:data;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null;index"`
}

func (documentModel) TableName() string { return "documents" }

// Store is a gorm-backed backend.DocumentStore. Server timestamp sentinels
// are resolved with the store's clock on every write.
type Store struct {
	db  *gorm.DB
	now func() time.Time
	// writes within one process are serialized so merge and update are
	// read-modify-write safe on drivers without row locking.
	mu sync.Mutex
}

// Open connects to the database and migrates the schema.
// An empty driver selects SQLite; for SQLite the DSN is a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		if dsn == "" {
			dsn = ":memory:"
		}
		if dsn != ":memory:" {
			dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", dsn)
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported emulator driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open emulator database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if driver != DriverPostgres {
		// One connection keeps ":memory:" databases shared.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&documentModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate emulator schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// SetClock overrides the server clock used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Add inserts a document under a new server-assigned ID.
func (s *Store) Add(ctx context.Context, collection string, data backend.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := backend.GenerateID()
	now := s.now().UTC()
	raw, err := encode(backend.ResolveServerTimestamps(data, now))
	if err != nil {
		return "", err
	}
	row := documentModel{Collection: collection, ID: id, Data: raw, CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("failed to add document: %w", err)
	}
	return id, nil
}

// Set writes the document at id, merging into any existing fields when merge is set.
func (s *Store) Set(ctx context.Context, collection, id string, data backend.Document, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	data = backend.ResolveServerTimestamps(data, now)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := find(tx, collection, id)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			raw, err := encode(data)
			if err != nil {
				return err
			}
			return tx.Create(&documentModel{Collection: collection, ID: id, Data: raw, CreatedAt: now, UpdatedAt: now}).Error
		case err != nil:
			return err
		}

		next := data
		if merge {
			existing, err := decode(row.Data)
			if err != nil {
				return err
			}
			next = existing
			for k, v := range data {
				next[k] = v
			}
		}
		raw, err := encode(next)
		if err != nil {
			return err
		}
		return tx.Model(&documentModel{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]any{"data": raw, "updated_at": now}).Error
	})
}

// Update merges fields into an existing document. It returns
// backend.ErrNotFound when the document does not exist.
func (s *Store) Update(ctx context.Context, collection, id string, fields backend.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	fields = backend.ResolveServerTimestamps(fields, now)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := find(tx, collection, id)
		if err != nil {
			return err
		}
		doc, err := decode(row.Data)
		if err != nil {
			return err
		}
		for k, v := range fields {
			doc[k] = v
		}
		raw, err := encode(doc)
		if err != nil {
			return err
		}
		return tx.Model(&documentModel{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]any{"data": raw, "updated_at": now}).Error
	})
}

// Delete removes a document. Missing documents are ignored.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&documentModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Get returns a single document.
func (s *Store) Get(ctx context.Context, collection, id string) (*backend.Snapshot, error) {
	row, err := find(s.db.WithContext(ctx), collection, id)
	if err != nil {
		return nil, err
	}
	doc, err := decode(row.Data)
	if err != nil {
		return nil, err
	}
	return &backend.Snapshot{ID: row.ID, Data: doc}, nil
}

// Query returns the documents of a collection whose field equals value,
// ordered by ID. Filtering happens after decoding so the JSON column stays
// portable across drivers.
func (s *Store) Query(ctx context.Context, collection string, where backend.Where) ([]backend.Snapshot, error) {
	var rows []documentModel
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	out := make([]backend.Snapshot, 0, len(rows))
	for _, row := range rows {
		doc, err := decode(row.Data)
		if err != nil {
			return nil, err
		}
		if backend.MatchesWhere(doc, where) {
			out = append(out, backend.Snapshot{ID: row.ID, Data: doc})
		}
	}
	return out, nil
}

// Count returns the number of documents in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&documentModel{}).Where("collection = ?", collection).Count(&n).Error
	return n, err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func find(tx *gorm.DB, collection, id string) (*documentModel, error) {
	var row documentModel
	err := tx.Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &row, nil
}

func encode(doc backend.Document) (string, error) {
	if doc == nil {
		doc = backend.Document{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(raw), nil
}

func decode(raw string) (backend.Document, error) {
	doc := backend.Document{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode stored document: %w", err)
	}
	return doc, nil
}
