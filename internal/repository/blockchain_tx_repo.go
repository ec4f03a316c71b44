package repository

import (
	"context"
	"time"

	"agrifinance/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ChainTxFilter narrows a transaction history listing.
type ChainTxFilter struct {
	UserID *uuid.UUID
	Status string
	Page   int
	Limit  int
}

// Verification is the chain-observed outcome written back to a record.
type Verification struct {
	Status      string
	BlockNumber *uint64
	GasUsed     *uint64
	VerifiedAt  time.Time
}

type BlockchainTxRepository interface {
	Create(ctx context.Context, tx *model.BlockchainTransaction) error
	FindByHash(ctx context.Context, hash string) (*model.BlockchainTransaction, error)
	// FindLatestBySource returns the newest record of source linked to an entity.
	FindLatestBySource(ctx context.Context, source, entityType, entityID string) (*model.BlockchainTransaction, error)
	ListPending(ctx context.Context, limit int) ([]model.BlockchainTransaction, error)
	List(ctx context.Context, filter ChainTxFilter) ([]model.BlockchainTransaction, int64, error)
	// ApplyVerification resolves a pending record. It is a no-op for records
	// that already left pending.
	ApplyVerification(ctx context.Context, id uuid.UUID, v Verification) (bool, error)
	RecordError(ctx context.Context, id uuid.UUID, msg string) error
}

type blockchainTxRepository struct {
	db *gorm.DB
}

func NewBlockchainTxRepository(db *gorm.DB) BlockchainTxRepository {
	return &blockchainTxRepository{db: db}
}

func (r *blockchainTxRepository) Create(ctx context.Context, tx *model.BlockchainTransaction) error {
	return GetDB(ctx, r.db).Create(tx).Error
}

func (r *blockchainTxRepository) FindByHash(ctx context.Context, hash string) (*model.BlockchainTransaction, error) {
	var tx model.BlockchainTransaction
	if err := GetDB(ctx, r.db).First(&tx, "tx_hash = ?", hash).Error; err != nil {
		return nil, translate(err)
	}
	return &tx, nil
}

func (r *blockchainTxRepository) FindLatestBySource(ctx context.Context, source, entityType, entityID string) (*model.BlockchainTransaction, error) {
	var tx model.BlockchainTransaction
	err := GetDB(ctx, r.db).
		Where("source = ? AND entity_type = ? AND entity_id = ?", source, entityType, entityID).
		Order("created_at DESC").
		First(&tx).Error
	if err != nil {
		return nil, translate(err)
	}
	return &tx, nil
}

func (r *blockchainTxRepository) ListPending(ctx context.Context, limit int) ([]model.BlockchainTransaction, error) {
	var txs []model.BlockchainTransaction
	err := GetDB(ctx, r.db).
		Where("status = ?", model.ChainTxPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *blockchainTxRepository) List(ctx context.Context, filter ChainTxFilter) ([]model.BlockchainTransaction, int64, error) {
	var txs []model.BlockchainTransaction
	var total int64

	query := GetDB(ctx, r.db).Model(&model.BlockchainTransaction{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC").Offset(offset(filter.Page, filter.Limit)).Limit(filter.Limit).Find(&txs).Error; err != nil {
		return nil, 0, err
	}

	return txs, total, nil
}

func (r *blockchainTxRepository) ApplyVerification(ctx context.Context, id uuid.UUID, v Verification) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.BlockchainTransaction{}).
		Where("id = ? AND status = ?", id, model.ChainTxPending).
		Updates(map[string]interface{}{
			"status":       v.Status,
			"block_number": v.BlockNumber,
			"gas_used":     v.GasUsed,
			"verified_at":  v.VerifiedAt,
			"last_error":   "",
		})
	return res.RowsAffected == 1, res.Error
}

func (r *blockchainTxRepository) RecordError(ctx context.Context, id uuid.UUID, msg string) error {
	return GetDB(ctx, r.db).Model(&model.BlockchainTransaction{}).
		Where("id = ?", id).
		Update("last_error", msg).Error
}
