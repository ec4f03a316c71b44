package model

import (
	"time"

	"github.com/google/uuid"
)

// BlockchainTransaction status constants
const (
	ChainTxPending   = "pending"
	ChainTxConfirmed = "confirmed"
	ChainTxFailed    = "failed"
)

// BlockchainTransaction source constants. Only executor records are trusted
// as the broadcast of an approval request.
const (
	ChainTxSourceExecutor = "executor"
	ChainTxSourceClient   = "client"
)

// BlockchainTransaction links an off-chain action to an on-chain transaction hash.
// Status leaves pending only after a receipt has been read from the chain.
type BlockchainTransaction struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	TxHash      string     `gorm:"type:varchar(66);not null;uniqueIndex" json:"tx_hash"`
	UserID      *uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	Direction   string     `gorm:"type:varchar(3);not null" json:"direction"`
	AmountWei   string     `gorm:"type:numeric(78,0);not null;default:0" json:"amount_wei"`
	FromAddress string     `gorm:"type:varchar(42)" json:"from_address"`
	ToAddress   string     `gorm:"type:varchar(42)" json:"to_address"`
	Status      string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_chain_tx_status_created,priority:1" json:"status"`
	BlockNumber *uint64    `json:"block_number"`
	GasUsed     *uint64    `json:"gas_used"`
	EntityType  string     `gorm:"type:varchar(30);index:idx_chain_tx_entity,priority:1" json:"entity_type,omitempty"`
	EntityID    string     `gorm:"type:varchar(80);index:idx_chain_tx_entity,priority:2" json:"entity_id,omitempty"`
	Source      string     `gorm:"type:varchar(10);not null;default:'client'" json:"source"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	VerifiedAt  *time.Time `json:"verified_at"`
	CreatedAt   time.Time  `gorm:"index:idx_chain_tx_status_created,priority:2" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Entity types a BlockchainTransaction can point at.
const (
	EntityApprovalRequest = "approval_request"
	EntityNFT             = "nft"
)
