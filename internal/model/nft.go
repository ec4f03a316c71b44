package model

import (
	"time"

	"github.com/google/uuid"
)

// NFT is a tokenized land parcel. It exists as a draft (IsApproved=false) from
// the mint request until the mint executes.
type NFT struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	TokenID     *uint64    `gorm:"uniqueIndex" json:"token_id"`
	Name        string     `gorm:"type:varchar(255);not null" json:"name"`
	Description string     `gorm:"type:text" json:"description"`
	ImageURL    string     `gorm:"type:text" json:"image_url"`
	PriceWei    string     `gorm:"type:numeric(78,0);not null;default:0" json:"price_wei"`
	OwnerID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_id"`
	Owner       *User      `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	IsListed    bool       `gorm:"not null;default:false;index" json:"is_listed"`
	IsApproved  bool       `gorm:"not null;default:false" json:"is_approved"`
	MintTxHash  *string    `gorm:"type:varchar(66)" json:"mint_tx_hash"`
	LastTxHash  *string    `gorm:"type:varchar(66)" json:"last_tx_hash"`
	MintedAt    *time.Time `json:"minted_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
