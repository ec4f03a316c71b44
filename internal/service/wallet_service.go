package service

import (
	"context"
	"strings"
	"time"

	"agrifinance/internal/model"
	"agrifinance/internal/repository"
	"agrifinance/pkg/amount"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// --- DTOs ---

type WithdrawalRequest struct {
	ToAddress string `json:"to_address" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

type WalletResponse struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	WalletType string `json:"wallet_type"`
	BalanceWei string `json:"balance_wei"`
	Balance    string `json:"balance"`
}

type WalletTransactionResponse struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	Direction        string  `json:"direction"`
	AmountWei        string  `json:"amount_wei"`
	Amount           string  `json:"amount"`
	TokenSymbol      string  `json:"token_symbol"`
	Status           string  `json:"status"`
	FromAddress      string  `json:"from_address"`
	ToAddress        string  `json:"to_address"`
	BlockchainTxHash *string `json:"blockchain_tx_hash"`
	CreatedAt        string  `json:"created_at"`
}

// --- Interface ---

type WalletService interface {
	GetWallet(ctx context.Context, session Session) (*WalletResponse, error)
	ListTransactions(ctx context.Context, session Session, page, limit int) ([]WalletTransactionResponse, int64, error)
	RequestWithdrawal(ctx context.Context, session Session, req WithdrawalRequest) (*ApprovalRequestResponse, error)
}

type walletService struct {
	repo      repository.WalletRepository
	txManager repository.TransactionManager
	approvals ApprovalService
	logger    *zap.Logger
}

func NewWalletService(repo repository.WalletRepository, txManager repository.TransactionManager, approvals ApprovalService, logger *zap.Logger) WalletService {
	return &walletService{repo: repo, txManager: txManager, approvals: approvals, logger: logger}
}

// --- Implementation ---

func (s *walletService) GetWallet(ctx context.Context, session Session) (*WalletResponse, error) {
	w, err := s.repo.FindByUserID(ctx, session.UserID)
	if err != nil {
		return nil, storeError("get wallet", err)
	}
	return &WalletResponse{
		ID:         w.ID.String(),
		Address:    w.Address,
		WalletType: w.WalletType,
		BalanceWei: w.BalanceWei,
		Balance:    amount.FormatDisplay(w.BalanceWei, amount.DefaultDisplayDecimals, true),
	}, nil
}

func (s *walletService) ListTransactions(ctx context.Context, session Session, page, limit int) ([]WalletTransactionResponse, int64, error) {
	txs, total, err := s.repo.ListTransactions(ctx, session.UserID, page, limit)
	if err != nil {
		return nil, 0, storeError("list wallet transactions", err)
	}

	res := make([]WalletTransactionResponse, 0, len(txs))
	for _, t := range txs {
		res = append(res, WalletTransactionResponse{
			ID:               t.ID.String(),
			Type:             t.Type,
			Direction:        t.Direction,
			AmountWei:        t.AmountWei,
			Amount:           amount.FromBaseUnitsDefault(t.AmountWei),
			TokenSymbol:      t.TokenSymbol,
			Status:           t.Status,
			FromAddress:      t.FromAddress,
			ToAddress:        t.ToAddress,
			BlockchainTxHash: t.BlockchainTxHash,
			CreatedAt:        t.CreatedAt.Format(time.RFC3339),
		})
	}
	return res, total, nil
}

// RequestWithdrawal records a pending outgoing wallet transaction and the
// withdrawal approval that will execute it. The balance is only debited on
// execution.
func (s *walletService) RequestWithdrawal(ctx context.Context, session Session, req WithdrawalRequest) (*ApprovalRequestResponse, error) {
	value := strings.TrimSpace(req.Amount)
	if err := amount.ValidateInput(value, amount.BaseDecimals); err != nil {
		return nil, err
	}
	amountWei, err := amount.ToBaseUnits(value)
	if err != nil {
		return nil, err
	}
	if amountWei == "0" {
		return nil, validationError("amount must be greater than zero")
	}
	if !common.IsHexAddress(req.ToAddress) {
		return nil, validationError("to_address must be a hex address")
	}

	wallet, err := s.repo.FindByUserID(ctx, session.UserID)
	if err != nil {
		return nil, storeError("get wallet", err)
	}
	cmp, err := amount.Compare(wallet.BalanceWei, amountWei, true)
	if err != nil {
		return nil, err
	}
	if cmp < 0 {
		return nil, validationError("insufficient balance")
	}

	var approval *model.ApprovalRequest
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		walletTx := &model.WalletTransaction{
			UserID:      session.UserID,
			WalletID:    wallet.ID,
			Type:        model.WalletTxTypeWithdrawal,
			Direction:   model.DirectionOut,
			AmountWei:   amountWei,
			TokenSymbol: "KRSI",
			Status:      model.WalletTxPending,
			FromAddress: wallet.Address,
			ToAddress:   req.ToAddress,
			Metadata:    "{}",
		}
		if err := s.repo.CreateTransaction(txCtx, walletTx); err != nil {
			return storeError("create wallet transaction", err)
		}

		var err error
		approval, err = s.approvals.Submit(txCtx, session, &WithdrawalPayload{
			WalletTxID:  walletTx.ID.String(),
			FromAddress: wallet.Address,
			ToAddress:   req.ToAddress,
			Amount:      amount.Normalize(amountWei),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.approvals.Announce(ctx, approval)
	resp := toApprovalResponse(*approval)
	return &resp, nil
}
