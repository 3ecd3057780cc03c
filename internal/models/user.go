package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// UserType represents the type of user
type UserType int

const (
	UserTypeAdmin    UserType = 1
	UserTypeOperator UserType = 2
	UserTypeReadonly UserType = 3
)

// MarshalJSON converts UserType to string for JSON
func (ut UserType) MarshalJSON() ([]byte, error) {
	var s string
	switch ut {
	case UserTypeAdmin:
		s = "admin"
	case UserTypeOperator:
		s = "operator"
	case UserTypeReadonly:
		s = "readonly"
	default:
		s = "unknown"
	}
	return json.Marshal(s)
}

// UnmarshalJSON converts string back to UserType for JSON parsing
func (ut *UserType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as integer for backward compatibility
		var i int
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*ut = UserType(i)
		return nil
	}
	switch s {
	case "admin":
		*ut = UserTypeAdmin
	case "operator":
		*ut = UserTypeOperator
	case "readonly":
		*ut = UserTypeReadonly
	default:
		*ut = UserTypeReadonly
	}
	return nil
}

// User represents a console user (admin, operator, readonly)
type User struct {
	ID       uint     `gorm:"primaryKey" json:"id"`
	Username string   `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Password string   `gorm:"size:255;not null" json:"-"`
	Email    string   `gorm:"size:255" json:"email"`
	FullName string   `gorm:"size:255" json:"full_name"`
	UserType UserType `gorm:"default:3" json:"user_type"`

	TwoFactorSecret  string `gorm:"size:100" json:"-"`
	TwoFactorEnabled bool   `gorm:"default:false" json:"two_factor_enabled"`

	ForcePasswordChange bool       `gorm:"default:false" json:"force_password_change"`
	IsActive            bool       `gorm:"default:true" json:"is_active"`
	LastLoginAt         *time.Time `json:"last_login_at"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string {
	return "users"
}
