package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/waymark/backend/internal/landmarks"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/users"
)

const migrationBackfillProfileColors = "2026-08-20_backfill_profile_colors"

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
		{name: migrationBackfillProfileColors, apply: backfillProfileColors},
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

// backfillProfileColors recomputes the derived profile color for accounts
// imported without one.
func backfillProfileColors(db *gorm.DB) error {
	var accounts []users.Account
	if err := db.Where("profile_color = ''").Find(&accounts).Error; err != nil {
		return err
	}
	for _, account := range accounts {
		color := landmarks.ColorForName(account.Username)
		if err := db.Model(&users.Account{}).
			Where("username = ?", account.Username).
			Update("profile_color", color).Error; err != nil {
			return err
		}
	}
	return nil
}
