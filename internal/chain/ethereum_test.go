package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"agrifinance/internal/config"
	"agrifinance/pkg/retry"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestContractABIsPack(t *testing.T) {
	token, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		t.Fatalf("token ABI: %v", err)
	}
	nft, err := abi.JSON(strings.NewReader(nftABI))
	if err != nil {
		t.Fatalf("NFT ABI: %v", err)
	}

	to := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	data, err := token.Pack("transfer", to, big.NewInt(1))
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	// selector + two 32-byte words
	if len(data) != 4+64 {
		t.Errorf("transfer calldata length = %d", len(data))
	}

	data, err = nft.Pack("buyToken", big.NewInt(42))
	if err != nil {
		t.Fatalf("pack buyToken: %v", err)
	}
	if len(data) != 4+32 {
		t.Errorf("buyToken calldata length = %d", len(data))
	}
	if !nft.Methods["buyToken"].IsPayable() {
		t.Errorf("buyToken must be payable")
	}

	if _, err := nft.Pack("mint", to, big.NewInt(7), "ipfs://land/7"); err != nil {
		t.Fatalf("pack mint: %v", err)
	}
}

func TestNewEthereumClientDerivesCustodian(t *testing.T) {
	cfg := config.ChainConfig{
		RPCURL:              "http://127.0.0.1:8545",
		ChainID:             80002,
		TokenContract:       "0x1234567890123456789012345678901234567890",
		NFTContract:         "0x1234567890123456789012345678901234567891",
		CustodianPrivateKey: "0x" + testKey,
	}

	c, err := NewEthereumClient(context.Background(), cfg, retry.Default, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEthereumClient: %v", err)
	}
	defer c.Close()

	if !strings.EqualFold(c.CustodianAddress(), "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23") {
		t.Errorf("CustodianAddress = %s", c.CustodianAddress())
	}
	if !c.Enabled() {
		t.Errorf("EthereumClient should report enabled")
	}

	if _, err := c.TransactionReceipt(context.Background(), "0xnothex"); err == nil {
		t.Errorf("expected error for malformed hash")
	}
	if _, err := c.TransferToken(context.Background(), "not-an-address", big.NewInt(1)); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("TransferToken error = %v, want ErrInvalidAddress", err)
	}
}

func TestNewEthereumClientRejectsBadConfig(t *testing.T) {
	base := config.ChainConfig{
		RPCURL:              "http://127.0.0.1:8545",
		TokenContract:       "0x1234567890123456789012345678901234567890",
		NFTContract:         "0x1234567890123456789012345678901234567891",
		CustodianPrivateKey: testKey,
	}

	badKey := base
	badKey.CustodianPrivateKey = "zz"
	if _, err := NewEthereumClient(context.Background(), badKey, retry.Default, zap.NewNop()); err == nil {
		t.Errorf("expected error for malformed key")
	}

	badContract := base
	badContract.NFTContract = "nft"
	if _, err := NewEthereumClient(context.Background(), badContract, retry.Default, zap.NewNop()); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestHashHelpers(t *testing.T) {
	h := SyntheticTxHash("5b7a3f3e-0000-4000-8000-000000000001")
	if !IsTxHash(h) {
		t.Fatalf("synthetic hash %s is not a tx hash", h)
	}
	if h != SyntheticTxHash("5b7a3f3e-0000-4000-8000-000000000001") {
		t.Errorf("synthetic hash must be deterministic")
	}
	if h == SyntheticTxHash("another") {
		t.Errorf("synthetic hash must depend on the seed")
	}
	if IsTxHash("0x1234") {
		t.Errorf("short hash accepted")
	}
}

func TestDisabledClient(t *testing.T) {
	var c Client = Disabled{}
	if c.Enabled() {
		t.Fatal("Disabled must not be enabled")
	}
	if _, err := c.BuyToken(context.Background(), big.NewInt(1), big.NewInt(1)); !errors.Is(err, ErrDisabled) {
		t.Errorf("BuyToken error = %v", err)
	}
	if _, err := c.TransactionReceipt(context.Background(), SyntheticTxHash("x")); !errors.Is(err, ErrDisabled) {
		t.Errorf("TransactionReceipt error = %v", err)
	}
}
