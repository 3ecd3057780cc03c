package models

import (
	"log"

	"gorm.io/gorm"
)

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(
		&User{},
		&Project{},
		&Drive{},
		&DriveCredential{},
		&AccessKey{},
		&DriveKey{},
		&QuotaRequest{},
		&Post{},
		&AuditLog{},
		&BackupSchedule{},
		&BackupLog{},
	); err != nil {
		return err
	}

	log.Println("Database migrations completed successfully")
	return nil
}
