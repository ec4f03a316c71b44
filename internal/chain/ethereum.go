package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"agrifinance/internal/config"
	"agrifinance/pkg/retry"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// EthereumClient signs with the custodial key and sends contract calls through ethclient.
type EthereumClient struct {
	rpc      *ethclient.Client
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	token    common.Address
	nft      common.Address
	tokenABI abi.ABI
	nftABI   abi.ABI

	gasLimit       uint64
	receiptTimeout time.Duration
	pollInterval   time.Duration
	reads          retry.Policy
	logger         *zap.Logger

	sendMu sync.Mutex // serializes nonce allocation
}

// NewEthereumClient dials the RPC endpoint and loads the custodial signer.
func NewEthereumClient(ctx context.Context, cfg config.ChainConfig, reads retry.Policy, logger *zap.Logger) (*EthereumClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.CustodianPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid custodian private key: %w", err)
	}
	if !common.IsHexAddress(cfg.TokenContract) || !common.IsHexAddress(cfg.NFTContract) {
		return nil, fmt.Errorf("%w: contract addresses must be hex", ErrInvalidAddress)
	}

	tokenParsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token ABI: %w", err)
	}
	nftParsed, err := abi.JSON(strings.NewReader(nftABI))
	if err != nil {
		return nil, fmt.Errorf("parse NFT ABI: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	pollInterval := cfg.ReceiptPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	// Not-found receipts are an answer, not a transient failure.
	reads.Retryable = func(err error) bool {
		return !errors.Is(err, ethereum.NotFound) && !errors.Is(err, context.Canceled)
	}

	return &EthereumClient{
		rpc:            rpc,
		chainID:        big.NewInt(cfg.ChainID),
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		token:          common.HexToAddress(cfg.TokenContract),
		nft:            common.HexToAddress(cfg.NFTContract),
		tokenABI:       tokenParsed,
		nftABI:         nftParsed,
		gasLimit:       cfg.GasLimit,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   pollInterval,
		reads:          reads,
		logger:         logger,
	}, nil
}

func (c *EthereumClient) Enabled() bool { return true }

func (c *EthereumClient) CustodianAddress() string { return c.from.Hex() }

// Close releases the RPC connection.
func (c *EthereumClient) Close() {
	c.rpc.Close()
}

func (c *EthereumClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	if !IsTxHash(txHash) {
		return nil, fmt.Errorf("invalid transaction hash %q", txHash)
	}
	receipt, err := retry.DoValue(ctx, c.reads, func(ctx context.Context) (*types.Receipt, error) {
		return c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %s: %w", txHash, err)
	}
	return toReceipt(receipt), nil
}

// WaitMined polls for the receipt until it appears or the receipt timeout passes.
// A reverted transaction is returned together with ErrReverted.
func (c *EthereumClient) WaitMined(ctx context.Context, txHash string) (*Receipt, error) {
	if c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.receiptTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if !receipt.Success {
				return receipt, fmt.Errorf("%w: %s", ErrReverted, txHash)
			}
			return receipt, nil
		case !errors.Is(err, ErrReceiptNotFound):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrReceiptTimeout, txHash, err)
			}
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrReceiptTimeout, txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EthereumClient) BuyToken(ctx context.Context, tokenID, priceWei *big.Int) (string, error) {
	data, err := c.nftABI.Pack("buyToken", tokenID)
	if err != nil {
		return "", fmt.Errorf("pack buyToken: %w", err)
	}
	return c.send(ctx, c.nft, priceWei, data)
}

func (c *EthereumClient) MintNFT(ctx context.Context, to string, tokenID *big.Int, tokenURI string) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	}
	data, err := c.nftABI.Pack("mint", common.HexToAddress(to), tokenID, tokenURI)
	if err != nil {
		return "", fmt.Errorf("pack mint: %w", err)
	}
	return c.send(ctx, c.nft, big.NewInt(0), data)
}

func (c *EthereumClient) TransferToken(ctx context.Context, to string, amountWei *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	}
	data, err := c.tokenABI.Pack("transfer", common.HexToAddress(to), amountWei)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}
	return c.send(ctx, c.token, big.NewInt(0), data)
}

func (c *EthereumClient) TokenBalance(ctx context.Context, owner string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, owner)
	}
	out, err := c.call(ctx, c.token, c.tokenABI, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return balance, nil
}

func (c *EthereumClient) OwnerOf(ctx context.Context, tokenID *big.Int) (string, error) {
	out, err := c.call(ctx, c.nft, c.nftABI, "ownerOf", tokenID)
	if err != nil {
		return "", err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected ownerOf result %T", out[0])
	}
	return owner.Hex(), nil
}

func (c *EthereumClient) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &contract, Data: data}
	result, err := retry.DoValue(ctx, c.reads, func(ctx context.Context) ([]byte, error) {
		return c.rpc.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	out, err := parsed.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s: empty result", method)
	}
	return out, nil
}

// send signs and broadcasts one transaction from the custodial account.
func (c *EthereumClient) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	estimated, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}
	gas := estimated * 6 / 5
	if c.gasLimit > 0 && gas > c.gasLimit {
		if estimated > c.gasLimit {
			return "", fmt.Errorf("estimated gas %d exceeds limit %d", estimated, c.gasLimit)
		}
		gas = c.gasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	c.logger.Info("transaction broadcast",
		zap.String("tx_hash", hash),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gas),
	)
	return hash, nil
}

func toReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  r.TxHash.Hex(),
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}
