package models

import (
	"time"

	"gorm.io/gorm"
)

// BackupSchedule represents a scheduled metadata-database backup configuration.
// The pool's bytes live on backend drives; this protects the relational
// metadata that maps them.
type BackupSchedule struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"size:100;not null" json:"name"`
	IsEnabled bool   `gorm:"default:true" json:"is_enabled"`
	Frequency string `gorm:"size:20;not null" json:"frequency"`        // daily, weekly
	DayOfWeek int    `gorm:"default:0" json:"day_of_week"`             // 0=Sunday (for weekly)
	TimeOfDay string `gorm:"size:5;default:02:00" json:"time_of_day"`  // HH:MM (24hr)
	Retention int    `gorm:"default:7" json:"retention"`               // days to keep backups

	// FTP destination
	FTPHost     string `gorm:"size:255" json:"ftp_host"`
	FTPPort     int    `gorm:"default:21" json:"ftp_port"`
	FTPUsername string `gorm:"size:100" json:"ftp_username"`
	FTPPassword string `gorm:"size:255" json:"-"`
	FTPPath     string `gorm:"size:255;default:/backups" json:"ftp_path"`

	// Status tracking
	LastRunAt      *time.Time `json:"last_run_at"`
	LastStatus     string     `gorm:"size:20" json:"last_status"` // success, failed, running
	LastError      string     `gorm:"size:500" json:"last_error"`
	LastBackupFile string     `gorm:"size:255" json:"last_backup_file"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (BackupSchedule) TableName() string {
	return "backup_schedules"
}

// BackupLog represents a backup execution log
type BackupLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ScheduleID   *uint     `json:"schedule_id"` // null if manual backup
	ScheduleName string    `gorm:"size:100" json:"schedule_name"`
	Filename     string    `gorm:"size:255" json:"filename"`
	FileSize     int64     `json:"file_size"`
	StoragePath  string    `gorm:"size:500" json:"storage_path"`
	Status       string    `gorm:"size:20" json:"status"` // success, failed
	ErrorMessage string    `gorm:"size:500" json:"error_message"`
	Duration     int       `json:"duration"` // seconds
	StartedAt    time.Time `json:"started_at"`
	CreatedAt    time.Time `json:"created_at"`
}

func (BackupLog) TableName() string {
	return "backup_logs"
}
