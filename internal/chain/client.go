// Package chain talks to the KRSI token and land NFT contracts over JSON-RPC.
package chain

import (
	"context"
	"errors"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrDisabled        = errors.New("chain client is not configured")
	ErrReceiptNotFound = errors.New("transaction receipt not found")
	ErrReceiptTimeout  = errors.New("timed out waiting for transaction receipt")
	ErrReverted        = errors.New("transaction reverted")
	ErrInvalidAddress  = errors.New("invalid address")
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Receipt is the part of a transaction receipt the service cares about.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Client is the chain collaborator. Send methods return as soon as the
// transaction is accepted by the node; WaitMined blocks for its receipt.
type Client interface {
	Enabled() bool
	CustodianAddress() string

	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	WaitMined(ctx context.Context, txHash string) (*Receipt, error)

	BuyToken(ctx context.Context, tokenID, priceWei *big.Int) (string, error)
	MintNFT(ctx context.Context, to string, tokenID *big.Int, tokenURI string) (string, error)
	TransferToken(ctx context.Context, to string, amountWei *big.Int) (string, error)

	TokenBalance(ctx context.Context, owner string) (*big.Int, error)
	OwnerOf(ctx context.Context, tokenID *big.Int) (string, error)
}

// IsTxHash reports whether s looks like a 32-byte hex transaction hash.
func IsTxHash(s string) bool {
	return txHashPattern.MatchString(s)
}

// SyntheticTxHash derives a stable reference for an action recorded without an
// on-chain call.
func SyntheticTxHash(seed string) string {
	return crypto.Keccak256Hash([]byte("offchain-mint:" + seed)).Hex()
}

// Disabled is the Client used when no RPC endpoint is configured.
type Disabled struct{}

func (Disabled) Enabled() bool            { return false }
func (Disabled) CustodianAddress() string { return "" }

func (Disabled) TransactionReceipt(context.Context, string) (*Receipt, error) {
	return nil, ErrDisabled
}

func (Disabled) WaitMined(context.Context, string) (*Receipt, error) {
	return nil, ErrDisabled
}

func (Disabled) BuyToken(context.Context, *big.Int, *big.Int) (string, error) {
	return "", ErrDisabled
}

func (Disabled) MintNFT(context.Context, string, *big.Int, string) (string, error) {
	return "", ErrDisabled
}

func (Disabled) TransferToken(context.Context, string, *big.Int) (string, error) {
	return "", ErrDisabled
}

func (Disabled) TokenBalance(context.Context, string) (*big.Int, error) {
	return nil, ErrDisabled
}

func (Disabled) OwnerOf(context.Context, *big.Int) (string, error) {
	return "", ErrDisabled
}
