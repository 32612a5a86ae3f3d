package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sqliteRecord is one cached payload together with its metadata.
type sqliteRecord struct {
	Hash          string `gorm:"primaryKey;size:64"`
	Key           string `gorm:"not null"`
	Label         string `gorm:"index"`
	RetrievedAt   time.Time
	CoversFrom    time.Time
	CoversThrough time.Time
	Checksum      string `gorm:"size:64"`
	Size          int64
	Payload       []byte
}

func (sqliteRecord) TableName() string { return "cache_entries" }

// SQLiteStore keeps entries and payloads in a single SQLite file. Each Put is
// a single upsert, so a row is either the old entry or the new one.
type SQLiteStore struct {
	db   *gorm.DB
	opts options
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("cache: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create sqlite dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite (%s): %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("cache: get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&sqliteRecord{}); err != nil {
		return nil, fmt.Errorf("cache: migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	e, _, ok, err := s.Load(ctx, key)
	return e, ok, err
}

func (s *SQLiteStore) Exists(ctx context.Context, key Key) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *SQLiteStore) Load(ctx context.Context, key Key) (*Entry, []byte, bool, error) {
	var rec sqliteRecord
	err := s.db.WithContext(ctx).Where("hash = ?", key.Hash).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("sqlite get failed: %w", err)
	}

	e := &Entry{
		Key:           rec.Key,
		Label:         rec.Label,
		RetrievedAt:   rec.RetrievedAt.UTC(),
		CoversFrom:    rec.CoversFrom.UTC(),
		CoversThrough: rec.CoversThrough.UTC(),
		PayloadRef:    "sqlite:" + rec.Hash,
		Checksum:      rec.Checksum,
		Size:          rec.Size,
	}
	if err := verify(e, key, rec.Payload); err != nil {
		s.opts.corrupt(key, "verify payload", err)
		return nil, nil, false, nil
	}
	return e, rec.Payload, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, payload []byte, cov Coverage) (*Entry, error) {
	e := newEntry(key, payload, cov, s.opts.now())
	e.PayloadRef = "sqlite:" + key.Hash

	rec := sqliteRecord{
		Hash:          key.Hash,
		Key:           e.Key,
		Label:         e.Label,
		RetrievedAt:   e.RetrievedAt,
		CoversFrom:    e.CoversFrom,
		CoversThrough: e.CoversThrough,
		Checksum:      e.Checksum,
		Size:          e.Size,
		Payload:       payload,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("sqlite upsert failed: %w", err)
	}
	return e, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
