package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSnapshotTimestamps = "2026-07-14_backfill_snapshot_timestamps"

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
		{name: migrationBackfillSnapshotTimestamps, apply: backfillSnapshotTimestamps},
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

// backfillSnapshotTimestamps stamps rows written before updated_at_unix existed
// so session listings can order files by recency.
func backfillSnapshotTimestamps(db *gorm.DB) error {
	now := time.Now().UTC().Unix()
	return db.Model(&docstore.DocumentSnapshot{}).
		Where("updated_at_unix = 0").
		Update("updated_at_unix", now).Error
}
