package model

import (
	"time"

	"github.com/google/uuid"
)

// WalletTransaction direction constants
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// WalletTransaction status constants
const (
	WalletTxPending   = "pending"
	WalletTxHeld      = "held"
	WalletTxConfirmed = "confirmed"
	WalletTxFailed    = "failed"
	WalletTxCompleted = "completed"
)

// WalletTransaction type constants
const (
	WalletTxTypeWithdrawal  = "withdrawal"
	WalletTxTypeNFTPurchase = "nft_purchase"
	WalletTxTypeNFTSale     = "nft_sale"
)

// WalletAccount is the custodial KRSI balance of one user, in base units.
type WalletAccount struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	User       *User     `gorm:"foreignKey:UserID" json:"-"`
	Address    string    `gorm:"type:varchar(42);index" json:"address"`
	WalletType string    `gorm:"type:varchar(20);not null;default:'custodial'" json:"wallet_type"`
	BalanceWei string    `gorm:"type:numeric(78,0);not null;default:0" json:"balance_wei"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WalletTransaction is the off-chain ledger line for a balance movement.
type WalletTransaction struct {
	ID                uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID            uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	WalletID          uuid.UUID  `gorm:"type:uuid;not null;index" json:"wallet_id"`
	Type              string     `gorm:"type:varchar(30);not null" json:"type"`
	Direction         string     `gorm:"type:varchar(3);not null" json:"direction"`
	AmountWei         string     `gorm:"type:numeric(78,0);not null" json:"amount_wei"`
	TokenSymbol       string     `gorm:"type:varchar(10);not null;default:'KRSI'" json:"token_symbol"`
	Status            string     `gorm:"type:varchar(20);not null;index" json:"status"`
	FromAddress       string     `gorm:"type:varchar(42)" json:"from_address"`
	ToAddress         string     `gorm:"type:varchar(42)" json:"to_address"`
	BlockchainTxHash  *string    `gorm:"type:varchar(66);index" json:"blockchain_tx_hash"`
	ApprovalRequestID *uuid.UUID `gorm:"type:uuid;index" json:"approval_request_id,omitempty"`
	Metadata          string     `gorm:"type:jsonb" json:"metadata"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
