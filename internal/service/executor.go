package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"agrifinance/internal/chain"
	"agrifinance/internal/model"
	"agrifinance/internal/repository"
	"agrifinance/pkg/amount"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor performs the chain side of an approved request and applies its
// database effects.
type Executor interface {
	// Execute makes the chain call and returns its transaction hash. It runs
	// outside any database transaction.
	Execute(ctx context.Context, req *model.ApprovalRequest, payload Payload) (string, error)
	// Settle applies the effects of a successful Execute inside the transaction
	// carried by txCtx.
	Settle(txCtx context.Context, req *model.ApprovalRequest, payload Payload, txHash string) error
	// Discard releases what a rejected request was holding.
	Discard(txCtx context.Context, req *model.ApprovalRequest, payload Payload) error
}

type chainExecutor struct {
	chain          chain.Client
	chainTxRepo    repository.BlockchainTxRepository
	nftRepo        repository.NFTRepository
	walletRepo     repository.WalletRepository
	txManager      repository.TransactionManager
	waitForReceipt bool
	logger         *zap.Logger
	now            func() time.Time
}

func NewExecutor(
	client chain.Client,
	chainTxRepo repository.BlockchainTxRepository,
	nftRepo repository.NFTRepository,
	walletRepo repository.WalletRepository,
	txManager repository.TransactionManager,
	waitForReceipt bool,
	logger *zap.Logger,
) Executor {
	return &chainExecutor{
		chain:          client,
		chainTxRepo:    chainTxRepo,
		nftRepo:        nftRepo,
		walletRepo:     walletRepo,
		txManager:      txManager,
		waitForReceipt: waitForReceipt,
		logger:         logger,
		now:            time.Now,
	}
}

func (e *chainExecutor) Execute(ctx context.Context, req *model.ApprovalRequest, payload Payload) (string, error) {
	if hash, done, err := e.previousAttempt(ctx, req); err != nil || done {
		return hash, err
	}

	switch p := payload.(type) {
	case *NFTPurchasePayload:
		return e.executePurchase(ctx, req, p)
	case *NFTMintPayload:
		return e.executeMint(ctx, req, p)
	case *WithdrawalPayload:
		return e.executeWithdrawal(ctx, req, p)
	default:
		return "", validationError("no executor for payload %T", payload)
	}
}

func (e *chainExecutor) Settle(txCtx context.Context, req *model.ApprovalRequest, payload Payload, txHash string) error {
	switch p := payload.(type) {
	case *NFTPurchasePayload:
		return e.settlePurchase(txCtx, req, p, txHash)
	case *NFTMintPayload:
		return e.settleMint(txCtx, p, txHash)
	case *WithdrawalPayload:
		return e.settleWithdrawal(txCtx, p, txHash)
	default:
		return validationError("no executor for payload %T", payload)
	}
}

func (e *chainExecutor) Discard(txCtx context.Context, req *model.ApprovalRequest, payload Payload) error {
	switch p := payload.(type) {
	case *WithdrawalPayload:
		id, _ := uuid.Parse(p.WalletTxID)
		walletTx, err := e.walletRepo.FindTransaction(txCtx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return storeError("get wallet transaction", err)
		}
		if walletTx.UserID != req.RequestedBy {
			return nil
		}
		if _, err := e.walletRepo.TransitionTransaction(txCtx, id, model.WalletTxPending, model.WalletTxFailed, nil); err != nil {
			return storeError("fail wallet transaction", err)
		}
		return nil
	case *NFTPurchasePayload, *NFTMintPayload:
		// The NFT draft of a rejected mint stays unapproved and is never listed.
		return nil
	default:
		return validationError("no executor for payload %T", payload)
	}
}

// previousAttempt makes retries idempotent: a transaction broadcast by an earlier
// attempt is reused when it succeeded, and blocks a new call while still pending.
// Only records written by the executor count; hashes recorded by clients do not.
func (e *chainExecutor) previousAttempt(ctx context.Context, req *model.ApprovalRequest) (string, bool, error) {
	if !e.chain.Enabled() {
		return "", false, nil
	}

	prev, err := e.chainTxRepo.FindLatestBySource(ctx, model.ChainTxSourceExecutor, model.EntityApprovalRequest, req.ID.String())
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeError("find previous chain transaction", err)
	}

	switch prev.Status {
	case model.ChainTxConfirmed:
		e.logger.Info("reusing confirmed transaction from earlier attempt",
			zap.String("request_id", req.ID.String()),
			zap.String("tx_hash", prev.TxHash),
		)
		return prev.TxHash, true, nil
	case model.ChainTxFailed:
		return "", false, nil
	}

	receipt, err := e.chain.TransactionReceipt(ctx, prev.TxHash)
	if errors.Is(err, chain.ErrReceiptNotFound) {
		return "", false, fmt.Errorf("%w: transaction %s from an earlier attempt is still pending", ErrExecution, prev.TxHash)
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	if err := e.applyReceipt(ctx, prev.ID, receipt); err != nil {
		return "", false, err
	}
	if receipt.Success {
		return prev.TxHash, true, nil
	}
	return "", false, nil
}

// executePurchase pays the listed price. The payload price must still match the
// listing, and the buyer is debited before the chain call.
func (e *chainExecutor) executePurchase(ctx context.Context, req *model.ApprovalRequest, p *NFTPurchasePayload) (string, error) {
	nftID, _ := uuid.Parse(p.NFTID)
	sellerID, _ := uuid.Parse(p.SellerID)

	priceWei, err := amount.ToBaseUnits(p.Price)
	if err != nil {
		return "", e.abandon(ctx, req, err)
	}

	nft, err := e.nftRepo.FindByID(ctx, nftID)
	if err != nil {
		return "", e.abandon(ctx, req, storeError("get nft", err))
	}
	if !nft.IsListed || nft.OwnerID != sellerID || nft.TokenID == nil || *nft.TokenID != p.TokenID {
		return "", e.abandon(ctx, req, validationError("nft %s is no longer for sale by %s", nftID, sellerID))
	}
	cmp, err := amount.Compare(nft.PriceWei, priceWei, true)
	if err != nil {
		return "", e.abandon(ctx, req, err)
	}
	if cmp != 0 {
		return "", e.abandon(ctx, req, validationError("nft %s is listed at %s, the request offers %s",
			nftID, amount.FromBaseUnitsDefault(nft.PriceWei), amount.FromBaseUnitsDefault(priceWei)))
	}

	if err := e.holdPurchase(ctx, req, p, priceWei); err != nil {
		return "", err
	}

	value, _ := new(big.Int).SetString(priceWei, 10)
	txHash, err := e.chain.BuyToken(ctx, new(big.Int).SetUint64(p.TokenID), value)
	if err != nil {
		return "", e.abandon(ctx, req, fmt.Errorf("%w: buyToken %d: %w", ErrExecution, p.TokenID, err))
	}

	buyer := req.RequestedBy
	return txHash, e.track(ctx, req, &model.BlockchainTransaction{
		TxHash:      txHash,
		UserID:      &buyer,
		Direction:   model.DirectionOut,
		AmountWei:   priceWei,
		FromAddress: p.BuyerAddress,
		ToAddress:   p.SellerAddress,
	})
}

func (e *chainExecutor) executeMint(ctx context.Context, req *model.ApprovalRequest, p *NFTMintPayload) (string, error) {
	nftID, _ := uuid.Parse(p.NFTID)

	tokenID, err := e.reserveTokenID(ctx, req, nftID)
	if err != nil {
		return "", err
	}

	if !e.chain.Enabled() {
		ref := chain.SyntheticTxHash(req.ID.String())
		e.logger.Info("chain disabled, recording synthetic mint reference",
			zap.String("request_id", req.ID.String()),
			zap.String("reference", ref),
		)
		return ref, nil
	}

	to := p.OwnerAddress
	if to == "" {
		to = e.chain.CustodianAddress()
	}
	txHash, err := e.chain.MintNFT(ctx, to, new(big.Int).SetUint64(tokenID), p.TokenURIOrDefault())
	if err != nil {
		return "", fmt.Errorf("%w: mint %d: %w", ErrExecution, tokenID, err)
	}

	owner := req.RequestedBy
	return txHash, e.track(ctx, req, &model.BlockchainTransaction{
		TxHash:      txHash,
		UserID:      &owner,
		Direction:   model.DirectionIn,
		AmountWei:   "0",
		FromAddress: e.chain.CustodianAddress(),
		ToAddress:   to,
	})
}

// executeWithdrawal transfers the amount to the destination stored on the
// requester's wallet transaction, never the payload's copy of them.
func (e *chainExecutor) executeWithdrawal(ctx context.Context, req *model.ApprovalRequest, p *WithdrawalPayload) (string, error) {
	walletTx, err := e.withdrawalSource(ctx, req, p)
	if err != nil {
		return "", e.abandon(ctx, req, err)
	}
	if err := e.holdWithdrawal(ctx, req, walletTx); err != nil {
		return "", err
	}

	value, _ := new(big.Int).SetString(walletTx.AmountWei, 10)
	txHash, err := e.chain.TransferToken(ctx, walletTx.ToAddress, value)
	if err != nil {
		return "", e.abandon(ctx, req, fmt.Errorf("%w: transfer to %s: %w", ErrExecution, walletTx.ToAddress, err))
	}

	owner := req.RequestedBy
	return txHash, e.track(ctx, req, &model.BlockchainTransaction{
		TxHash:      txHash,
		UserID:      &owner,
		Direction:   model.DirectionOut,
		AmountWei:   walletTx.AmountWei,
		FromAddress: e.chain.CustodianAddress(),
		ToAddress:   walletTx.ToAddress,
	})
}

// withdrawalSource loads the wallet transaction a withdrawal executes and checks
// that it belongs to the requester and agrees with the payload.
func (e *chainExecutor) withdrawalSource(ctx context.Context, req *model.ApprovalRequest, p *WithdrawalPayload) (*model.WalletTransaction, error) {
	id, _ := uuid.Parse(p.WalletTxID)

	walletTx, err := e.walletRepo.FindTransaction(ctx, id)
	if err != nil {
		return nil, storeError("get wallet transaction", err)
	}
	if walletTx.UserID != req.RequestedBy || walletTx.Type != model.WalletTxTypeWithdrawal || walletTx.Direction != model.DirectionOut {
		return nil, validationError("wallet transaction %s is not a withdrawal of the requester", id)
	}
	switch walletTx.Status {
	case model.WalletTxPending:
	case model.WalletTxHeld:
		if walletTx.ApprovalRequestID == nil || *walletTx.ApprovalRequestID != req.ID {
			return nil, validationError("wallet transaction %s is held by another request", id)
		}
	default:
		return nil, validationError("wallet transaction %s is %s", id, walletTx.Status)
	}

	payloadWei, err := amount.ToBaseUnits(p.Amount)
	if err != nil {
		return nil, err
	}
	cmp, err := amount.Compare(walletTx.AmountWei, payloadWei, true)
	if err != nil {
		return nil, err
	}
	if cmp != 0 {
		return nil, validationError("withdrawal of %s does not match wallet transaction %s for %s",
			amount.FromBaseUnitsDefault(payloadWei), id, amount.FromBaseUnitsDefault(walletTx.AmountWei))
	}
	if !strings.EqualFold(walletTx.ToAddress, p.ToAddress) {
		return nil, validationError("withdrawal destination does not match wallet transaction %s", id)
	}
	return walletTx, nil
}

// holdPurchase debits the buyer and records the held amount against the
// request. A retry reuses the hold of an earlier attempt.
func (e *chainExecutor) holdPurchase(ctx context.Context, req *model.ApprovalRequest, p *NFTPurchasePayload, priceWei string) error {
	return e.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := e.walletRepo.FindHeldByRequest(txCtx, req.ID); err == nil {
			return nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return storeError("find held funds", err)
		}

		wallet, err := e.walletRepo.FindByUserIDForUpdate(txCtx, req.RequestedBy)
		if err != nil {
			return storeError("get buyer wallet", err)
		}
		if err := e.debit(txCtx, wallet, priceWei); err != nil {
			return err
		}

		requestID := req.ID
		if err := e.walletRepo.CreateTransaction(txCtx, &model.WalletTransaction{
			UserID:            req.RequestedBy,
			WalletID:          wallet.ID,
			Type:              model.WalletTxTypeNFTPurchase,
			Direction:         model.DirectionOut,
			AmountWei:         priceWei,
			TokenSymbol:       "KRSI",
			Status:            model.WalletTxHeld,
			FromAddress:       p.BuyerAddress,
			ToAddress:         p.SellerAddress,
			ApprovalRequestID: &requestID,
			Metadata:          purchaseMetadata(req, p),
		}); err != nil {
			return storeError("hold buyer funds", err)
		}
		return nil
	})
}

// holdWithdrawal debits the wallet and marks the wallet transaction held by req.
func (e *chainExecutor) holdWithdrawal(ctx context.Context, req *model.ApprovalRequest, walletTx *model.WalletTransaction) error {
	if walletTx.Status == model.WalletTxHeld {
		return nil
	}
	return e.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		wallet, err := e.walletRepo.FindByUserIDForUpdate(txCtx, req.RequestedBy)
		if err != nil {
			return storeError("get wallet", err)
		}
		if wallet.ID != walletTx.WalletID {
			return validationError("wallet transaction %s belongs to another wallet", walletTx.ID)
		}
		if err := e.debit(txCtx, wallet, walletTx.AmountWei); err != nil {
			return err
		}

		held, err := e.walletRepo.TransitionTransaction(txCtx, walletTx.ID, model.WalletTxPending, model.WalletTxHeld, map[string]interface{}{
			"approval_request_id": req.ID,
		})
		if err != nil {
			return storeError("hold wallet transaction", err)
		}
		if !held {
			return fmt.Errorf("%w: wallet transaction %s is no longer pending", ErrInvalidTransition, walletTx.ID)
		}
		return nil
	})
}

func (e *chainExecutor) debit(txCtx context.Context, wallet *model.WalletAccount, amountWei string) error {
	debited, err := e.walletRepo.Debit(txCtx, wallet.ID, amountWei)
	if err != nil {
		return storeError("debit wallet", err)
	}
	if !debited {
		return validationError("insufficient balance: have %s, need %s",
			amount.FromBaseUnitsDefault(wallet.BalanceWei), amount.FromBaseUnitsDefault(amountWei))
	}
	return nil
}

// abandon returns the funds held for req when an attempt ends with nothing in
// flight on chain, and passes cause through. A held withdrawal goes back to
// pending so a retry can hold it again.
func (e *chainExecutor) abandon(ctx context.Context, req *model.ApprovalRequest, cause error) error {
	ctx = context.WithoutCancel(ctx)
	err := e.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		held, err := e.walletRepo.FindHeldByRequest(txCtx, req.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		next := model.WalletTxFailed
		if held.Type == model.WalletTxTypeWithdrawal {
			next = model.WalletTxPending
		}
		released, err := e.walletRepo.TransitionTransaction(txCtx, held.ID, model.WalletTxHeld, next, nil)
		if err != nil || !released {
			return err
		}
		return e.walletRepo.Credit(txCtx, held.WalletID, held.AmountWei)
	})
	if err != nil {
		e.logger.Error("failed to release held funds", zap.String("request_id", req.ID.String()), zap.Error(err))
	}
	return cause
}

func (e *chainExecutor) settlePurchase(txCtx context.Context, req *model.ApprovalRequest, p *NFTPurchasePayload, txHash string) error {
	nftID, _ := uuid.Parse(p.NFTID)
	sellerID, _ := uuid.Parse(p.SellerID)
	buyerID := req.RequestedBy

	held, err := e.walletRepo.FindHeldByRequest(txCtx, req.ID)
	if err != nil {
		return storeError("find held buyer funds", err)
	}

	moved, err := e.nftRepo.TransferOwnership(txCtx, nftID, sellerID, buyerID, txHash)
	if err != nil {
		return storeError("transfer nft ownership", err)
	}
	if !moved {
		return fmt.Errorf("%w: nft %s is no longer listed by its seller", ErrInvalidTransition, nftID)
	}

	hash := txHash
	completed, err := e.walletRepo.TransitionTransaction(txCtx, held.ID, model.WalletTxHeld, model.WalletTxCompleted, map[string]interface{}{
		"blockchain_tx_hash": hash,
	})
	if err != nil {
		return storeError("complete buyer wallet transaction", err)
	}
	if !completed {
		return fmt.Errorf("%w: buyer funds for request %s are no longer held", ErrInvalidTransition, req.ID)
	}

	sellerWallet, err := e.walletRepo.FindByUserIDForUpdate(txCtx, sellerID)
	if err != nil {
		return storeError("get seller wallet", err)
	}
	if err := e.walletRepo.Credit(txCtx, sellerWallet.ID, held.AmountWei); err != nil {
		return storeError("credit seller wallet", err)
	}
	if err := e.walletRepo.CreateTransaction(txCtx, &model.WalletTransaction{
		UserID:           sellerID,
		WalletID:         sellerWallet.ID,
		Type:             model.WalletTxTypeNFTSale,
		Direction:        model.DirectionIn,
		AmountWei:        held.AmountWei,
		TokenSymbol:      "KRSI",
		Status:           model.WalletTxCompleted,
		FromAddress:      p.BuyerAddress,
		ToAddress:        p.SellerAddress,
		BlockchainTxHash: &hash,
		Metadata:         purchaseMetadata(req, p),
	}); err != nil {
		return storeError("record wallet transaction", err)
	}
	return nil
}

func (e *chainExecutor) settleMint(txCtx context.Context, p *NFTMintPayload, txHash string) error {
	nftID, _ := uuid.Parse(p.NFTID)
	now := e.now()
	if err := e.nftRepo.Update(txCtx, nftID, map[string]interface{}{
		"is_approved":  true,
		"mint_tx_hash": txHash,
		"last_tx_hash": txHash,
		"minted_at":    now,
	}); err != nil {
		return storeError("update minted nft", err)
	}
	return nil
}

// settleWithdrawal confirms the held wallet transaction. The wallet was
// debited when the hold was taken.
func (e *chainExecutor) settleWithdrawal(txCtx context.Context, p *WithdrawalPayload, txHash string) error {
	walletTxID, _ := uuid.Parse(p.WalletTxID)

	hash := txHash
	settled, err := e.walletRepo.TransitionTransaction(txCtx, walletTxID, model.WalletTxHeld, model.WalletTxConfirmed, map[string]interface{}{
		"blockchain_tx_hash": hash,
	})
	if err != nil {
		return storeError("confirm wallet transaction", err)
	}
	if !settled {
		return fmt.Errorf("%w: wallet transaction %s is no longer held", ErrInvalidTransition, walletTxID)
	}
	return nil
}

func purchaseMetadata(req *model.ApprovalRequest, p *NFTPurchasePayload) string {
	return fmt.Sprintf(`{"nft_id":%q,"token_id":%d,"approval_request_id":%q}`, p.NFTID, p.TokenID, req.ID)
}

// reserveTokenID assigns the next token id to the requester's unminted NFT
// draft once. A retried mint keeps the id of the first attempt.
func (e *chainExecutor) reserveTokenID(ctx context.Context, req *model.ApprovalRequest, nftID uuid.UUID) (uint64, error) {
	var tokenID uint64
	err := e.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		nft, err := e.nftRepo.FindByIDForUpdate(txCtx, nftID)
		if err != nil {
			return storeError("get nft draft", err)
		}
		if nft.OwnerID != req.RequestedBy || nft.IsApproved {
			return validationError("nft %s is not an unminted draft of the requester", nftID)
		}
		if nft.TokenID != nil {
			tokenID = *nft.TokenID
			return nil
		}

		next, err := e.nftRepo.NextTokenID(txCtx)
		if err != nil {
			return storeError("reserve token id", err)
		}
		if err := e.nftRepo.Update(txCtx, nftID, map[string]interface{}{"token_id": next}); err != nil {
			return storeError("assign token id", err)
		}
		tokenID = next
		return nil
	})
	return tokenID, err
}

// track records the broadcast transaction and, when configured, waits for its
// receipt. A timeout leaves the record pending for the sync job and keeps any
// held funds; a reverted transaction releases them.
func (e *chainExecutor) track(ctx context.Context, req *model.ApprovalRequest, record *model.BlockchainTransaction) error {
	record.Status = model.ChainTxPending
	record.EntityType = model.EntityApprovalRequest
	record.EntityID = req.ID.String()
	record.Source = model.ChainTxSourceExecutor
	if err := e.chainTxRepo.Create(context.WithoutCancel(ctx), record); err != nil {
		// The transaction is already broadcast; losing the record only costs sync visibility.
		e.logger.Error("failed to record broadcast transaction",
			zap.String("request_id", req.ID.String()),
			zap.String("tx_hash", record.TxHash),
			zap.Error(err),
		)
	}

	if !e.waitForReceipt {
		return nil
	}

	receipt, err := e.chain.WaitMined(ctx, record.TxHash)
	if receipt != nil && record.ID != uuid.Nil {
		if applyErr := e.applyReceipt(context.WithoutCancel(ctx), record.ID, receipt); applyErr != nil {
			e.logger.Error("failed to store receipt", zap.String("tx_hash", record.TxHash), zap.Error(applyErr))
		}
	}
	if receipt != nil && !receipt.Success {
		return e.abandon(ctx, req, fmt.Errorf("%w: transaction %s reverted", ErrExecution, record.TxHash))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return nil
}

func (e *chainExecutor) applyReceipt(ctx context.Context, id uuid.UUID, receipt *chain.Receipt) error {
	status := model.ChainTxFailed
	if receipt.Success {
		status = model.ChainTxConfirmed
	}
	block, gas := receipt.BlockNumber, receipt.GasUsed
	if _, err := e.chainTxRepo.ApplyVerification(ctx, id, repository.Verification{
		Status:      status,
		BlockNumber: &block,
		GasUsed:     &gas,
		VerifiedAt:  e.now(),
	}); err != nil {
		return storeError("store receipt", err)
	}
	return nil
}
