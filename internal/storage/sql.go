package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ValueRecord is one persisted entity value.
type ValueRecord struct {
	Key              string `gorm:"column:entity_key;primaryKey;size:190;not null"`
	Value            []byte `gorm:"column:entity_value;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

func (ValueRecord) TableName() string {
	return "entity_values"
}

// LogRow is one persisted write-ahead log record.
type LogRow struct {
	ID               uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	Key              string         `gorm:"column:entity_key;size:190;not null;index"`
	Payload          datatypes.JSON `gorm:"column:payload;not null"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
}

func (LogRow) TableName() string {
	return "entity_log"
}

// Models lists the tables the SQL backend needs migrated.
func Models() []any {
	return []any{&ValueRecord{}, &LogRow{}}
}

// SQLStore implements Backend over gorm.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLStore wraps a migrated gorm connection.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var record ValueRecord
	err := s.db.WithContext(ctx).Where("entity_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.Value, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	record := ValueRecord{Key: key, Value: value, UpdatedAtSeconds: s.now().UTC().Unix()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entity_value", "updated_at_s"}),
	}).Create(&record).Error
}

func (s *SQLStore) Erase(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("entity_key = ?", key).Delete(&ValueRecord{}).Error
}

func (s *SQLStore) ScanPrefix(ctx context.Context, prefix string, visit func(key string, value []byte) error) error {
	var records []ValueRecord
	query := s.db.WithContext(ctx).Where("entity_key >= ?", prefix)
	if upper := prefixUpperBound(prefix); upper != "" {
		query = query.Where("entity_key < ?", upper)
	}
	if err := query.Order("entity_key ASC").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		if err := visit(record.Key, record.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ErasePrefix(ctx context.Context, prefix string) error {
	query := s.db.WithContext(ctx).Where("entity_key >= ?", prefix)
	if upper := prefixUpperBound(prefix); upper != "" {
		query = query.Where("entity_key < ?", upper)
	}
	return query.Delete(&ValueRecord{}).Error
}

func (s *SQLStore) AppendLog(ctx context.Context, key string, payload []byte) (uint64, error) {
	row := LogRow{Key: key, Payload: datatypes.JSON(payload), CreatedAtSeconds: s.now().UTC().Unix()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *SQLStore) RewriteLog(ctx context.Context, id uint64, payload []byte) error {
	return s.db.WithContext(ctx).Model(&LogRow{}).Where("id = ?", id).Update("payload", datatypes.JSON(payload)).Error
}

func (s *SQLStore) EraseLog(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&LogRow{}).Error
}

func (s *SQLStore) ReplayLog(ctx context.Context, visit func(record LogRecord) error) error {
	var rows []LogRow
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		if err := visit(LogRecord{ID: row.ID, Key: row.Key, Payload: []byte(row.Payload)}); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
