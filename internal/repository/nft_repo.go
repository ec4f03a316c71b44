package repository

import (
	"context"

	"agrifinance/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NFTRepository interface {
	Create(ctx context.Context, nft *model.NFT) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.NFT, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.NFT, error)
	ListListed(ctx context.Context, page, limit int) ([]model.NFT, int64, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.NFT, error)
	ListMinted(ctx context.Context) ([]model.NFT, error)
	// NextTokenID reserves the next token id. Must run inside a transaction.
	NextTokenID(ctx context.Context) (uint64, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
	// TransferOwnership moves a listed NFT from one owner to another.
	TransferOwnership(ctx context.Context, id, from, to uuid.UUID, txHash string) (bool, error)
}

type nftRepository struct {
	db *gorm.DB
}

func NewNFTRepository(db *gorm.DB) NFTRepository {
	return &nftRepository{db: db}
}

func (r *nftRepository) Create(ctx context.Context, nft *model.NFT) error {
	return GetDB(ctx, r.db).Create(nft).Error
}

func (r *nftRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.NFT, error) {
	var nft model.NFT
	if err := GetDB(ctx, r.db).Preload("Owner").First(&nft, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &nft, nil
}

func (r *nftRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.NFT, error) {
	var nft model.NFT
	if err := GetDB(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).First(&nft, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &nft, nil
}

func (r *nftRepository) ListListed(ctx context.Context, page, limit int) ([]model.NFT, int64, error) {
	var nfts []model.NFT
	var total int64

	query := GetDB(ctx, r.db).Model(&model.NFT{}).Where("is_listed = ? AND is_approved = ?", true, true)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Preload("Owner").Order("created_at DESC").Offset(offset(page, limit)).Limit(limit).Find(&nfts).Error; err != nil {
		return nil, 0, err
	}
	return nfts, total, nil
}

func (r *nftRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]model.NFT, error) {
	var nfts []model.NFT
	err := GetDB(ctx, r.db).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&nfts).Error
	return nfts, err
}

func (r *nftRepository) ListMinted(ctx context.Context) ([]model.NFT, error) {
	var nfts []model.NFT
	err := GetDB(ctx, r.db).Preload("Owner").
		Where("is_approved = ? AND token_id IS NOT NULL AND mint_tx_hash IS NOT NULL", true).
		Order("token_id ASC").
		Find(&nfts).Error
	return nfts, err
}

func (r *nftRepository) NextTokenID(ctx context.Context) (uint64, error) {
	db := GetDB(ctx, r.db)

	// Serialize concurrent reservations for the rest of the transaction.
	if err := db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "nfts.token_id").Error; err != nil {
		return 0, err
	}

	var next uint64
	if err := db.Model(&model.NFT{}).Select("COALESCE(MAX(token_id), 0) + 1").Scan(&next).Error; err != nil {
		return 0, err
	}
	return next, nil
}

func (r *nftRepository) Update(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	res := GetDB(ctx, r.db).Model(&model.NFT{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *nftRepository) TransferOwnership(ctx context.Context, id, from, to uuid.UUID, txHash string) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.NFT{}).
		Where("id = ? AND owner_id = ? AND is_listed = ?", id, from, true).
		Updates(map[string]interface{}{
			"owner_id":     to,
			"is_listed":    false,
			"last_tx_hash": txHash,
		})
	return res.RowsAffected == 1, res.Error
}
