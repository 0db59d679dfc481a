package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsTimestampsAndDropsOrphans(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(storage.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	value := storage.ValueRecord{Key: "us:1", Value: []byte(`{"v":4}`)}
	if err := database.Create(&value).Error; err != nil {
		testContext.Fatalf("failed to insert value: %v", err)
	}
	orphan := storage.LogRow{Key: "", Payload: []byte(`{}`), CreatedAtSeconds: time.Now().Unix()}
	kept := storage.LogRow{Key: "us:1", Payload: []byte(`{}`), CreatedAtSeconds: time.Now().Unix()}
	if err := database.Create(&orphan).Error; err != nil {
		testContext.Fatalf("failed to insert orphan log row: %v", err)
	}
	if err := database.Create(&kept).Error; err != nil {
		testContext.Fatalf("failed to insert log row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored storage.ValueRecord
	if err := database.Where("entity_key = ?", value.Key).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload value: %v", err)
	}
	if stored.UpdatedAtSeconds == 0 {
		testContext.Fatalf("expected value timestamp to be backfilled")
	}

	var logCount int64
	if err := database.Model(&storage.LogRow{}).Count(&logCount).Error; err != nil {
		testContext.Fatalf("failed to count log rows: %v", err)
	}
	if logCount != 1 {
		testContext.Fatalf("expected only the keyed log row to remain, got %d", logCount)
	}

	for _, name := range []string{migrationBackfillValueTimestamps, migrationDropOrphanLogRecords} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("oracle", "dsn", zap.NewNop()); err == nil {
		testContext.Fatalf("expected an unsupported driver error")
	}
}

func TestOpenMigratesSQLite(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "entities.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&storage.ValueRecord{}) || !database.Migrator().HasTable(&storage.LogRow{}) {
		testContext.Fatalf("expected entity tables to be migrated")
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
}
