package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role enum constants
const (
	RoleFarmer = "farmer"
	RoleLender = "lender"
	RoleBuyer  = "buyer"
	RoleAdmin  = "admin"
)

// ValidRole reports whether role is one of the dashboard roles.
func ValidRole(role string) bool {
	switch role {
	case RoleFarmer, RoleLender, RoleBuyer, RoleAdmin:
		return true
	}
	return false
}

// User is an account of one of the four dashboard roles.
type User struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Username      string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	Email         string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Password      string         `gorm:"type:varchar(255);not null" json:"-"`
	Role          string         `gorm:"type:varchar(20);not null;index" json:"role"`
	WalletAddress string         `gorm:"type:varchar(42);index" json:"wallet_address"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}
