package repository

import (
	"context"

	"agrifinance/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WalletRepository interface {
	Create(ctx context.Context, wallet *model.WalletAccount) error
	FindByUserID(ctx context.Context, userID uuid.UUID) (*model.WalletAccount, error)
	FindByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*model.WalletAccount, error)
	ListWithAddress(ctx context.Context) ([]model.WalletAccount, error)
	// Debit subtracts amountWei only if the balance covers it.
	Debit(ctx context.Context, walletID uuid.UUID, amountWei string) (bool, error)
	Credit(ctx context.Context, walletID uuid.UUID, amountWei string) error
	SetBalance(ctx context.Context, walletID uuid.UUID, balanceWei string) error

	CreateTransaction(ctx context.Context, tx *model.WalletTransaction) error
	FindTransaction(ctx context.Context, id uuid.UUID) (*model.WalletTransaction, error)
	// FindHeldByRequest returns the ledger line holding funds for an approval request.
	FindHeldByRequest(ctx context.Context, requestID uuid.UUID) (*model.WalletTransaction, error)
	// TransitionTransaction moves a wallet transaction from one status to another,
	// applying updates, only if it is still in from.
	TransitionTransaction(ctx context.Context, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, page, limit int) ([]model.WalletTransaction, int64, error)
}

type walletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

func (r *walletRepository) Create(ctx context.Context, wallet *model.WalletAccount) error {
	return GetDB(ctx, r.db).Create(wallet).Error
}

func (r *walletRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*model.WalletAccount, error) {
	var w model.WalletAccount
	if err := GetDB(ctx, r.db).First(&w, "user_id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *walletRepository) FindByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*model.WalletAccount, error) {
	var w model.WalletAccount
	if err := GetDB(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "user_id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *walletRepository) ListWithAddress(ctx context.Context) ([]model.WalletAccount, error) {
	var wallets []model.WalletAccount
	err := GetDB(ctx, r.db).Where("address <> ''").Order("created_at ASC").Find(&wallets).Error
	return wallets, err
}

func (r *walletRepository) Debit(ctx context.Context, walletID uuid.UUID, amountWei string) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.WalletAccount{}).
		Where("id = ? AND balance_wei >= CAST(? AS numeric)", walletID, amountWei).
		Update("balance_wei", gorm.Expr("balance_wei - CAST(? AS numeric)", amountWei))
	return res.RowsAffected == 1, res.Error
}

func (r *walletRepository) Credit(ctx context.Context, walletID uuid.UUID, amountWei string) error {
	res := GetDB(ctx, r.db).Model(&model.WalletAccount{}).
		Where("id = ?", walletID).
		Update("balance_wei", gorm.Expr("balance_wei + CAST(? AS numeric)", amountWei))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *walletRepository) SetBalance(ctx context.Context, walletID uuid.UUID, balanceWei string) error {
	return GetDB(ctx, r.db).Model(&model.WalletAccount{}).
		Where("id = ?", walletID).
		Update("balance_wei", gorm.Expr("CAST(? AS numeric)", balanceWei)).Error
}

func (r *walletRepository) CreateTransaction(ctx context.Context, tx *model.WalletTransaction) error {
	return GetDB(ctx, r.db).Create(tx).Error
}

func (r *walletRepository) FindTransaction(ctx context.Context, id uuid.UUID) (*model.WalletTransaction, error) {
	var tx model.WalletTransaction
	if err := GetDB(ctx, r.db).First(&tx, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &tx, nil
}

func (r *walletRepository) FindHeldByRequest(ctx context.Context, requestID uuid.UUID) (*model.WalletTransaction, error) {
	var tx model.WalletTransaction
	err := GetDB(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&tx, "approval_request_id = ? AND status = ?", requestID, model.WalletTxHeld).Error
	if err != nil {
		return nil, translate(err)
	}
	return &tx, nil
}

func (r *walletRepository) TransitionTransaction(ctx context.Context, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := GetDB(ctx, r.db).Model(&model.WalletTransaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (r *walletRepository) ListTransactions(ctx context.Context, userID uuid.UUID, page, limit int) ([]model.WalletTransaction, int64, error) {
	var txs []model.WalletTransaction
	var total int64

	query := GetDB(ctx, r.db).Model(&model.WalletTransaction{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC").Offset(offset(page, limit)).Limit(limit).Find(&txs).Error; err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}
