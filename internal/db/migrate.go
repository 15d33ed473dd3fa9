package db

import (
	"fmt"

	"github.com/zulandar/roundhouse/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the GORM models backing SQL thread storage.
func AllModels() []interface{} {
	return []interface{}{
		&models.ThreadRow{},
		&models.MessageRow{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
