package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"agrifinance/internal/model"
	"agrifinance/pkg/amount"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Payload is the kind-specific body of an approval request. The concrete types
// below are the only implementations; the executor switches over them.
type Payload interface {
	Kind() string
	Validate() error
}

// NFTPurchasePayload buys a listed NFT at a fixed display price.
type NFTPurchasePayload struct {
	NFTID         string `json:"nft_id"`
	TokenID       uint64 `json:"token_id"`
	Price         string `json:"price"`
	BuyerAddress  string `json:"buyer_address,omitempty"`
	SellerID      string `json:"seller_id"`
	SellerAddress string `json:"seller_address,omitempty"`
}

func (*NFTPurchasePayload) Kind() string { return model.ApprovalKindNFTPurchase }

func (p *NFTPurchasePayload) Validate() error {
	if _, err := uuid.Parse(p.NFTID); err != nil {
		return validationError("nft_id must be a uuid")
	}
	if _, err := uuid.Parse(p.SellerID); err != nil {
		return validationError("seller_id must be a uuid")
	}
	if err := positiveAmount("price", p.Price); err != nil {
		return err
	}
	return optionalAddresses(map[string]string{
		"buyer_address":  p.BuyerAddress,
		"seller_address": p.SellerAddress,
	})
}

// NFTMintPayload mints the land NFT drafted when the request was created.
type NFTMintPayload struct {
	NFTID        string `json:"nft_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	TokenURI     string `json:"token_uri,omitempty"`
	OwnerAddress string `json:"owner_address,omitempty"`
	Price        string `json:"price,omitempty"`
}

func (*NFTMintPayload) Kind() string { return model.ApprovalKindNFTMint }

func (p *NFTMintPayload) Validate() error {
	if _, err := uuid.Parse(p.NFTID); err != nil {
		return validationError("nft_id must be a uuid")
	}
	if strings.TrimSpace(p.Name) == "" {
		return validationError("name is required")
	}
	if p.Price != "" && !amount.IsValidAmount(p.Price, amount.BaseDecimals) {
		return fmt.Errorf("price: %w", amount.ErrInvalidAmountFormat)
	}
	return optionalAddresses(map[string]string{"owner_address": p.OwnerAddress})
}

// TokenURIOrDefault is the metadata URI passed to the contract.
func (p *NFTMintPayload) TokenURIOrDefault() string {
	if p.TokenURI != "" {
		return p.TokenURI
	}
	return p.ImageURL
}

// WithdrawalPayload sends tokens from the custodial wallet to an external address.
type WithdrawalPayload struct {
	WalletTxID  string `json:"wallet_transaction_id"`
	FromAddress string `json:"from_address,omitempty"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
}

func (*WithdrawalPayload) Kind() string { return model.ApprovalKindWithdrawal }

func (p *WithdrawalPayload) Validate() error {
	if _, err := uuid.Parse(p.WalletTxID); err != nil {
		return validationError("wallet_transaction_id must be a uuid")
	}
	if !common.IsHexAddress(p.ToAddress) {
		return validationError("to_address must be a hex address")
	}
	if err := positiveAmount("amount", p.Amount); err != nil {
		return err
	}
	return optionalAddresses(map[string]string{"from_address": p.FromAddress})
}

// DecodePayload parses the stored or submitted JSON body of a request of kind.
func DecodePayload(kind string, raw []byte) (Payload, error) {
	var p Payload
	switch kind {
	case model.ApprovalKindNFTPurchase:
		p = &NFTPurchasePayload{}
	case model.ApprovalKindNFTMint:
		p = &NFTMintPayload{}
	case model.ApprovalKindWithdrawal:
		p = &WithdrawalPayload{}
	default:
		return nil, validationError("unknown approval kind %q", kind)
	}

	if err := json.Unmarshal(raw, p); err != nil {
		return nil, validationError("malformed %s payload: %v", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func positiveAmount(field, value string) error {
	wei, err := amount.ToBaseUnits(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if wei == "0" {
		return validationError("%s must be greater than zero", field)
	}
	return nil
}

func optionalAddresses(fields map[string]string) error {
	for name, addr := range fields {
		if addr != "" && !common.IsHexAddress(addr) {
			return validationError("%s must be a hex address", name)
		}
	}
	return nil
}
