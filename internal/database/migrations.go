package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillValueTimestamps = "2026-09-14_backfill_value_timestamps"
	migrationDropOrphanLogRecords    = "2026-10-02_drop_orphan_log_records"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillValueTimestamps, apply: backfillValueTimestamps},
		{name: migrationDropOrphanLogRecords, apply: dropOrphanLogRecords},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func backfillValueTimestamps(db *gorm.DB) error {
	return db.Model(&storage.ValueRecord{}).
		Where("updated_at_s = 0").
		Update("updated_at_s", time.Now().UTC().Unix()).Error
}

// Log records without an entity key can never be replayed into a table.
func dropOrphanLogRecords(db *gorm.DB) error {
	return db.Where("entity_key = ''").Delete(&storage.LogRow{}).Error
}
