package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/profiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeProfileRoleStatus = "2026-10-01_normalize_profile_role_status"

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
		{name: migrationNormalizeProfileRoleStatus, apply: normalizeProfileRoleStatus},
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

// normalizeProfileRoleStatus lower-cases stored roles and statuses and turns
// blank, "null" and unknown values into NULL.
func normalizeProfileRoleStatus(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("UPDATE profiles SET role = lower(trim(role)) WHERE role IS NOT NULL").Error; err != nil {
			return err
		}
		if err := tx.Exec("UPDATE profiles SET status = lower(trim(status)) WHERE status IS NOT NULL").Error; err != nil {
			return err
		}
		if err := tx.Model(&profiles.Record{}).
			Where("role IS NOT NULL AND role NOT IN ?", []string{"customer", "creator", "admin"}).
			Update("role", nil).Error; err != nil {
			return err
		}
		return tx.Model(&profiles.Record{}).
			Where("status IS NOT NULL AND status NOT IN ?", []string{"active", "pending", "suspended", "undefined"}).
			Update("status", nil).Error
	})
}
