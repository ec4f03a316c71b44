package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalKind enum constants
const (
	ApprovalKindNFTPurchase = "nft_purchase"
	ApprovalKindNFTMint     = "nft_mint"
	ApprovalKindWithdrawal  = "withdrawal"
)

// ApprovalStatus enum constants
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalExecuted = "executed"
)

// ApprovalRequest is a sensitive user action waiting for, or past, admin review.
// Payload is written once at creation and never updated. Status only moves
// pending -> approved|rejected and approved -> executed, always through a
// conditional update on the current status.
type ApprovalRequest struct {
	ID                 uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	RequestedBy        uuid.UUID  `gorm:"type:uuid;not null;index" json:"requested_by"`
	Requester          *User      `gorm:"foreignKey:RequestedBy" json:"requester,omitempty"`
	Kind               string     `gorm:"type:varchar(30);not null;index" json:"kind"`
	Status             string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_approval_status_created,priority:1" json:"status"`
	Payload            string     `gorm:"type:jsonb;not null" json:"payload"`
	ReviewedBy         *uuid.UUID `gorm:"type:uuid" json:"reviewed_by"`
	Reviewer           *User      `gorm:"foreignKey:ReviewedBy" json:"reviewer,omitempty"`
	ReviewedAt         *time.Time `json:"reviewed_at"`
	AdminNotes         string     `gorm:"type:text" json:"admin_notes"`
	ChainTxHash        *string    `gorm:"type:varchar(66);uniqueIndex" json:"chain_tx_hash"`
	ExecutionStartedAt *time.Time `json:"-"` // execution lease; nil when no attempt is in flight
	ExecutionAttempts  int        `gorm:"not null;default:0" json:"execution_attempts"`
	LastExecutionError string     `gorm:"type:text" json:"last_execution_error,omitempty"`
	ExecutedAt         *time.Time `json:"executed_at"`
	CreatedAt          time.Time  `gorm:"index:idx_approval_status_created,priority:2" json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (ApprovalRequest) TableName() string {
	return "admin_approvals"
}
