package models

import (
	"time"

	"gorm.io/gorm"
)

// Drive represents one quota-limited backend storage account in the pool
type Drive struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ServiceID string `gorm:"uniqueIndex;size:100;not null" json:"service_id"` // opaque provider account handle
	ProjectID uint   `gorm:"index" json:"project_id"`
	Project   *Project `gorm:"foreignKey:ProjectID" json:"project,omitempty"`

	// Provider-reported quota, refreshed through the scheduler
	Limit        int64 `gorm:"default:0" json:"limit"`
	Usage        int64 `gorm:"default:0" json:"usage"`
	UsageInTrash int64 `gorm:"default:0" json:"usage_in_trash"`

	// Allotted drives are fully committed and skipped during placement
	Allotted bool `gorm:"default:false;index" json:"allotted"`

	LastQuotaSync *time.Time `json:"last_quota_sync"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Drive) TableName() string {
	return "drives"
}

// FreeSpace returns the provider-visible free space on the drive
func (d *Drive) FreeSpace() int64 {
	free := d.Limit - d.Usage
	if free < 0 {
		return 0
	}
	return free
}

// DriveCredential holds the AEAD-sealed provider credential for one drive.
// Encrypted, IV and AuthTag are required together; losing any one of them
// makes the record unreadable.
type DriveCredential struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	DriveID   uint   `gorm:"uniqueIndex;not null" json:"drive_id"`
	ServiceID string `gorm:"index;size:100;not null" json:"service_id"`
	Encrypted string `gorm:"type:text;not null" json:"-"`
	IV        string `gorm:"size:64;not null" json:"-"`
	AuthTag   string `gorm:"size:64;not null" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DriveCredential) TableName() string {
	return "drive_credentials"
}

// Project is a provider parent project; drives are created inside a project
// until the provider's per-project account limit is reached.
type Project struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	ProviderID   string `gorm:"uniqueIndex;size:100;not null" json:"provider_id"`
	Name         string `gorm:"size:100;not null" json:"name"`
	AccountLimit int    `gorm:"default:0" json:"account_limit"` // provider-reported max accounts
	Exhausted    bool   `gorm:"default:false" json:"exhausted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Project) TableName() string {
	return "projects"
}
