package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairModuleWatermarks = "2026-10-01_repair_module_watermarks"

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
		{name: migrationRepairModuleWatermarks, apply: repairModuleWatermarks},
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

// repairModuleWatermarks raises every module watermark that lags behind its highest
// claimed event.
func repairModuleWatermarks(db *gorm.DB) error {
	claimedMax := db.Model(&events.Event{}).
		Select("MAX(event_id)").
		Where("pim_events.module_id = pim_modules.id AND pim_events.status = ?", events.StatusClaimed)
	return db.Model(&events.Module{}).
		Where("last_event_id < (?)", claimedMax).
		Update("last_event_id", claimedMax).Error
}
