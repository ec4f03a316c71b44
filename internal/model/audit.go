package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionCreateApprovalRequest = "CREATE_APPROVAL_REQUEST"
	ActionApproveRequest        = "APPROVE_REQUEST"
	ActionRejectRequest         = "REJECT_REQUEST"
	ActionExecuteRequest        = "EXECUTE_REQUEST"
	ActionExecutionFailed       = "EXECUTION_FAILED"

	ActionRecordChainTx = "RECORD_CHAIN_TX"
	ActionVerifyChainTx = "VERIFY_CHAIN_TX"

	ActionCreateUser      = "CREATE_USER"
	ActionSetNFTPrice     = "SET_NFT_PRICE"
	ActionReconcileAlert  = "RECONCILIATION_ALERT"
	ActionReconcileSynced = "RECONCILIATION_AUTO_SYNC"
)

// AuditLog tracks Who, What, and When for critical system changes
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID     *uuid.UUID `gorm:"type:uuid;index" json:"user_id"` // nil for scheduled jobs
	User       *User      `gorm:"foreignKey:UserID" json:"user"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string     `gorm:"type:varchar(80);index" json:"entity_id"`
	EntityName string     `gorm:"type:varchar(255)" json:"entity_name,omitempty"`
	Details    string     `gorm:"type:jsonb" json:"details"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}
