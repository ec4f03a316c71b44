package model

import (
	"time"

	"github.com/google/uuid"
)

// Alert type constants
const (
	AlertBalanceMismatch   = "BALANCE_MISMATCH"
	AlertOwnershipMismatch = "NFT_OWNERSHIP_MISMATCH"
	AlertReconcileError    = "RECONCILIATION_ERROR"
)

// Alert severity constants
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// ReconciliationAlert records a difference between the database and the chain.
type ReconciliationAlert struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Type       string    `gorm:"type:varchar(40);not null;index" json:"type"`
	Severity   string    `gorm:"type:varchar(10);not null" json:"severity"`
	EntityID   string    `gorm:"type:varchar(80);index" json:"entity_id"`
	AutoSynced bool      `gorm:"not null;default:false" json:"auto_synced"`
	Data       string    `gorm:"type:jsonb" json:"data"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
