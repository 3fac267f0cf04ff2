// Package datastore is the backing configuration store reached by service
// handlers. The RPC core never touches it directly.
//
// Rows are schemaless: each record belongs to a named table and carries a
// JSON object. This keeps the store independent of the handlers that use it.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound is returned when a record id does not exist in a table.
var ErrNotFound = errors.New("datastore: record not found")

// Record is one row as seen by callers. The "id" key holds the row id.
type Record map[string]any

// Store is the accessor interface injected into the service layer.
type Store interface {
	Query(ctx context.Context, table string, filters map[string]any) ([]Record, error)
	Get(ctx context.Context, table string, id uint) (Record, error)
	Insert(ctx context.Context, table string, data map[string]any) (Record, error)
	Update(ctx context.Context, table string, id uint, data map[string]any) (Record, error)
	Delete(ctx context.Context, table string, id uint) error
	Close() error
}

type row struct {
	ID        uint   `gorm:"primaryKey"`
	Tbl       string `gorm:"index;not null"`
	Data      string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (row) TableName() string { return "records" }

// GormStore implements Store on top of gorm with the pure-Go sqlite driver.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the sqlite database at path. Use
// ":memory:" for a throwaway store.
func Open(path string, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open datastore %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open datastore %s: %w", path, err)
	}
	// sqlite serializes writers anyway, and ":memory:" is per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&row{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate datastore %s: %w", path, err)
	}

	logger.Info("datastore opened", zap.String("path", path))
	return &GormStore{db: db, logger: logger}, nil
}

// Query returns every record of table whose fields equal all filters.
func (s *GormStore) Query(ctx context.Context, table string, filters map[string]any) ([]Record, error) {
	var rows []row
	if err := s.db.WithContext(ctx).Where("tbl = ?", table).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	want, err := normalize(filters)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		if matches(rec, want) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *GormStore) Get(ctx context.Context, table string, id uint) (Record, error) {
	r, err := s.find(ctx, table, id)
	if err != nil {
		return nil, err
	}
	return r.record()
}

func (s *GormStore) Insert(ctx context.Context, table string, data map[string]any) (Record, error) {
	body, err := encode(data)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	r := row{Tbl: table, Data: body}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return r.record()
}

// Update merges data into the stored record; keys absent from data keep
// their current value.
func (s *GormStore) Update(ctx context.Context, table string, id uint, data map[string]any) (Record, error) {
	r, err := s.find(ctx, table, id)
	if err != nil {
		return nil, err
	}
	current, err := r.fields()
	if err != nil {
		return nil, err
	}
	for k, v := range data {
		if k == "id" {
			continue
		}
		current[k] = v
	}
	if r.Data, err = encode(current); err != nil {
		return nil, fmt.Errorf("update %s/%d: %w", table, id, err)
	}
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return nil, fmt.Errorf("update %s/%d: %w", table, id, err)
	}
	return r.record()
}

func (s *GormStore) Delete(ctx context.Context, table string, id uint) error {
	res := s.db.WithContext(ctx).Where("tbl = ?", table).Delete(&row{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete %s/%d: %w", table, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, table, id)
	}
	return nil
}

// Tables lists the distinct table names currently holding records.
func (s *GormStore) Tables(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&row{}).Distinct().Pluck("tbl", &names).Error; err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) find(ctx context.Context, table string, id uint) (*row, error) {
	var r row
	err := s.db.WithContext(ctx).Where("tbl = ?", table).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%d: %w", table, id, err)
	}
	return &r, nil
}

func (r *row) fields() (map[string]any, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(r.Data), &fields); err != nil {
		return nil, fmt.Errorf("decode %s/%d: %w", r.Tbl, r.ID, err)
	}
	return fields, nil
}

func (r *row) record() (Record, error) {
	fields, err := r.fields()
	if err != nil {
		return nil, err
	}
	rec := Record(fields)
	rec["id"] = float64(r.ID)
	return rec, nil
}

func encode(data map[string]any) (string, error) {
	clean := make(map[string]any, len(data))
	for k, v := range data {
		if k != "id" {
			clean[k] = v
		}
	}
	body, err := json.Marshal(clean)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// normalize round-trips filters through JSON so Go callers passing ints
// compare equal to stored JSON numbers.
func normalize(filters map[string]any) (map[string]any, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(filters))
	return out, json.Unmarshal(body, &out)
}

func matches(rec Record, filters map[string]any) bool {
	for k, v := range filters {
		if !reflect.DeepEqual(rec[k], v) {
			return false
		}
	}
	return true
}
