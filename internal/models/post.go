package models

import (
	"time"

	"gorm.io/gorm"
)

// PostType distinguishes uploaded files from folders
type PostType string

const (
	PostTypeFile   PostType = "file"
	PostTypeFolder PostType = "folder"
)

// Post is stored-object metadata: a file or folder owned by an access key
// and physically held on one drive.
type Post struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	AccessKeyID uint       `gorm:"index;not null" json:"access_key_id"`
	AccessKey   *AccessKey `gorm:"foreignKey:AccessKeyID" json:"-"`
	DriveID     uint       `gorm:"index" json:"drive_id"`
	Drive       *Drive     `gorm:"foreignKey:DriveID" json:"-"`

	Type        PostType `gorm:"size:10;not null" json:"type"`
	Name        string   `gorm:"size:255;not null" json:"name"`
	ContentType string   `gorm:"size:100" json:"content_type"`
	Size        int64    `gorm:"default:0" json:"size"`

	// Provider-assigned object id; empty for folders that exist only as metadata
	FileID string `gorm:"size:100;index" json:"file_id"`

	// ParentID forms the container chain; root posts have none
	ParentID *uint `gorm:"index" json:"parent_id"`
	Parent   *Post `gorm:"foreignKey:ParentID" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Post) TableName() string {
	return "posts"
}

// IsFolder returns true for container posts
func (p *Post) IsFolder() bool {
	return p.Type == PostTypeFolder
}
