package models

import (
	"time"

	"gorm.io/gorm"
)

// AccessKey is a quota-holding tenant of the pool, identified by an issued key
type AccessKey struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Key   string `gorm:"uniqueIndex;size:100;not null" json:"key"`
	Label string `gorm:"size:255" json:"label"`

	// Limit is the total quota granted; it equals the sum of the key's
	// DriveKey.AllocatedSpace (modulo in-flight operations).
	Limit      int64 `gorm:"default:0" json:"limit"`
	TotalUsage int64 `gorm:"default:0" json:"total_usage"`

	IsActive bool `gorm:"default:true" json:"is_active"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (AccessKey) TableName() string {
	return "access_keys"
}

// DriveKey is an allocation edge: a slice of one drive's capacity committed
// to one access key.
type DriveKey struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	AccessKeyID uint       `gorm:"index;not null" json:"access_key_id"`
	AccessKey   *AccessKey `gorm:"foreignKey:AccessKeyID" json:"-"`
	DriveID     uint       `gorm:"index;not null" json:"drive_id"`
	Drive       *Drive     `gorm:"foreignKey:DriveID" json:"drive,omitempty"`

	AllocatedSpace int64 `gorm:"default:0" json:"allocated_space"`
	Usage          int64 `gorm:"default:0" json:"usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DriveKey) TableName() string {
	return "drive_keys"
}

// QuotaRequestStatus represents the lifecycle of a quota change request
type QuotaRequestStatus string

const (
	QuotaRequestPending  QuotaRequestStatus = "pending"
	QuotaRequestApproved QuotaRequestStatus = "approved"
	QuotaRequestExecuted QuotaRequestStatus = "executed"
	QuotaRequestRejected QuotaRequestStatus = "rejected"
)

// QuotaRequest records a requested quota change for an access key. The
// allocator only executes requests that are already approved; the approval
// workflow itself lives outside this service.
type QuotaRequest struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	AccessKeyID uint               `gorm:"index;not null" json:"access_key_id"`
	AccessKey   *AccessKey         `gorm:"foreignKey:AccessKeyID" json:"access_key,omitempty"`
	Requested   int64              `gorm:"not null" json:"requested"` // signed delta in bytes
	Status      QuotaRequestStatus `gorm:"size:20;default:pending;index" json:"status"`
	Note        string             `gorm:"size:500" json:"note"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (QuotaRequest) TableName() string {
	return "quota_requests"
}
