package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const recordsTable = "enrichment_records"

// enrichmentRecord is the persisted row. Indicator carries the unique
// constraint that arbitrates concurrent first-time writes.
type enrichmentRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Indicator  string    `gorm:"uniqueIndex;not null"`
	Payload    string    `gorm:"type:text;not null"`
	ComputedAt time.Time `gorm:"not null;index"`
}

func (enrichmentRecord) TableName() string {
	return recordsTable
}

// SQLStore keeps records in a relational database through gorm.
type SQLStore struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

// OpenSQLite opens (or creates) a sqlite database file and migrates it.
func OpenSQLite(path string, opts Options) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if !strings.Contains(path, "?") {
		path += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite cache: %w", err)
	}

	// sqlite allows a single writer; serialize through one connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return NewSQLStore(db, opts)
}

// NewSQLStore wraps an existing gorm handle and migrates the records table.
func NewSQLStore(db *gorm.DB, opts Options) (*SQLStore, error) {
	if err := db.AutoMigrate(&enrichmentRecord{}); err != nil {
		return nil, fmt.Errorf("migrating %s: %w", recordsTable, err)
	}
	return &SQLStore{db: db, opts: opts, now: time.Now}, nil
}

// Lookup returns the record for indicator.
func (s *SQLStore) Lookup(ctx context.Context, indicator string) (*Record, error) {
	var row enrichmentRecord
	err := s.db.WithContext(ctx).Where("indicator = ?", indicator).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", recordsTable, err)
	}

	if s.opts.expired(row.ComputedAt, s.now()) {
		return nil, ErrNotFound
	}

	return &Record{
		Indicator:  row.Indicator,
		Payload:    []byte(row.Payload),
		ComputedAt: row.ComputedAt,
	}, nil
}

// Store inserts rec. Without a TTL an existing row always wins; with a TTL an
// expired row is replaced in the same statement.
func (s *SQLStore) Store(ctx context.Context, rec Record) error {
	if rec.ComputedAt.IsZero() {
		rec.ComputedAt = s.now()
	}
	row := enrichmentRecord{
		Indicator:  rec.Indicator,
		Payload:    string(rec.Payload),
		ComputedAt: rec.ComputedAt.UTC(),
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "indicator"}},
		DoNothing: true,
	}
	if s.opts.TTL > 0 {
		cutoff := s.now().Add(-s.opts.TTL).UTC()
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "indicator"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "computed_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Lte{Column: clause.Column{Table: recordsTable, Name: "computed_at"}, Value: cutoff},
			}},
		}
	}

	result := s.db.WithContext(ctx).Clauses(onConflict).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("writing %s: %w", recordsTable, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Indicators lists every stored indicator, expired or not.
func (s *SQLStore) Indicators(ctx context.Context) ([]string, error) {
	var indicators []string
	if err := s.db.WithContext(ctx).Model(&enrichmentRecord{}).Pluck("indicator", &indicators).Error; err != nil {
		return nil, fmt.Errorf("listing %s: %w", recordsTable, err)
	}
	return indicators, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ Store   = (*SQLStore)(nil)
	_ Indexer = (*SQLStore)(nil)
)
