package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agrifinance/internal/model"
	"agrifinance/internal/repository"
	"agrifinance/pkg/amount"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- DTOs ---

type MintNFTRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	TokenURI    string `json:"token_uri"`
	Price       string `json:"price"`
}

type SetPriceRequest struct {
	Price  string `json:"price" binding:"required"`
	Listed bool   `json:"listed"`
}

type NFTResponse struct {
	ID          string  `json:"id"`
	TokenID     *uint64 `json:"token_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	ImageURL    string  `json:"image_url"`
	PriceWei    string  `json:"price_wei"`
	Price       string  `json:"price"`
	OwnerID     string  `json:"owner_id"`
	OwnerName   string  `json:"owner_name"`
	IsListed    bool    `json:"is_listed"`
	IsApproved  bool    `json:"is_approved"`
	MintTxHash  *string `json:"mint_tx_hash"`
	CreatedAt   string  `json:"created_at"`
}

// --- Interface ---

type NFTService interface {
	List(ctx context.Context, page, limit int) ([]NFTResponse, int64, error)
	ListOwned(ctx context.Context, session Session) ([]NFTResponse, error)
	RequestMint(ctx context.Context, session Session, req MintNFTRequest) (*ApprovalRequestResponse, error)
	RequestPurchase(ctx context.Context, session Session, nftID uuid.UUID) (*ApprovalRequestResponse, error)
	SetPrice(ctx context.Context, session Session, nftID uuid.UUID, req SetPriceRequest) (*NFTResponse, error)
}

type nftService struct {
	repo       repository.NFTRepository
	walletRepo repository.WalletRepository
	userRepo   repository.UserRepository
	auditRepo  repository.AuditRepository
	txManager  repository.TransactionManager
	approvals  ApprovalService
	logger     *zap.Logger
}

func NewNFTService(
	repo repository.NFTRepository,
	walletRepo repository.WalletRepository,
	userRepo repository.UserRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	approvals ApprovalService,
	logger *zap.Logger,
) NFTService {
	return &nftService{
		repo:       repo,
		walletRepo: walletRepo,
		userRepo:   userRepo,
		auditRepo:  auditRepo,
		txManager:  txManager,
		approvals:  approvals,
		logger:     logger,
	}
}

// --- Implementation ---

func (s *nftService) List(ctx context.Context, page, limit int) ([]NFTResponse, int64, error) {
	nfts, total, err := s.repo.ListListed(ctx, page, limit)
	if err != nil {
		return nil, 0, storeError("list nfts", err)
	}
	return toNFTResponses(nfts), total, nil
}

func (s *nftService) ListOwned(ctx context.Context, session Session) ([]NFTResponse, error) {
	nfts, err := s.repo.ListByOwner(ctx, session.UserID)
	if err != nil {
		return nil, storeError("list owned nfts", err)
	}
	return toNFTResponses(nfts), nil
}

// RequestMint creates the NFT draft and the nft_mint approval together.
func (s *nftService) RequestMint(ctx context.Context, session Session, req MintNFTRequest) (*ApprovalRequestResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationError("name is required")
	}
	priceWei, err := amount.ToBaseUnits(req.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}

	owner, err := s.userRepo.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, storeError("get requester", err)
	}

	var approval *model.ApprovalRequest
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		draft := &model.NFT{
			Name:        name,
			Description: req.Description,
			ImageURL:    req.ImageURL,
			PriceWei:    priceWei,
			OwnerID:     owner.ID,
			IsListed:    priceWei != "0",
		}
		if err := s.repo.Create(txCtx, draft); err != nil {
			return storeError("create nft draft", err)
		}

		payload := &NFTMintPayload{
			NFTID:        draft.ID.String(),
			Name:         name,
			Description:  req.Description,
			ImageURL:     req.ImageURL,
			TokenURI:     req.TokenURI,
			OwnerAddress: owner.WalletAddress,
		}
		if priceWei != "0" {
			payload.Price = amount.Normalize(priceWei)
		}

		var err error
		approval, err = s.approvals.Submit(txCtx, session, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.approvals.Announce(ctx, approval)
	resp := toApprovalResponse(*approval)
	return &resp, nil
}

// RequestPurchase checks the listing and the buyer's balance and queues an
// nft_purchase approval at the current listed price.
func (s *nftService) RequestPurchase(ctx context.Context, session Session, nftID uuid.UUID) (*ApprovalRequestResponse, error) {
	nft, err := s.repo.FindByID(ctx, nftID)
	if err != nil {
		return nil, storeError("get nft", err)
	}
	if !nft.IsListed || !nft.IsApproved || nft.TokenID == nil {
		return nil, validationError("nft %s is not for sale", nftID)
	}
	if nft.OwnerID == session.UserID {
		return nil, validationError("you cannot buy your own nft")
	}

	wallet, err := s.walletRepo.FindByUserID(ctx, session.UserID)
	if err != nil {
		return nil, storeError("get buyer wallet", err)
	}
	cmp, err := amount.Compare(wallet.BalanceWei, nft.PriceWei, true)
	if err != nil {
		return nil, err
	}
	if cmp < 0 {
		return nil, validationError("insufficient balance: have %s, need %s",
			amount.FormatDisplay(wallet.BalanceWei, amount.DefaultDisplayDecimals, true),
			amount.FormatDisplay(nft.PriceWei, amount.DefaultDisplayDecimals, true))
	}

	payload := &NFTPurchasePayload{
		NFTID:        nft.ID.String(),
		TokenID:      *nft.TokenID,
		Price:        amount.Normalize(nft.PriceWei),
		BuyerAddress: wallet.Address,
		SellerID:     nft.OwnerID.String(),
	}
	if nft.Owner != nil {
		payload.SellerAddress = nft.Owner.WalletAddress
	}

	var approval *model.ApprovalRequest
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		approval, err = s.approvals.Submit(txCtx, session, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.approvals.Announce(ctx, approval)
	resp := toApprovalResponse(*approval)
	return &resp, nil
}

// SetPrice changes the price and listing flag of a minted NFT. Only its owner may.
func (s *nftService) SetPrice(ctx context.Context, session Session, nftID uuid.UUID, req SetPriceRequest) (*NFTResponse, error) {
	priceWei, err := amount.ToBaseUnits(req.Price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if req.Listed && priceWei == "0" {
		return nil, validationError("a listed nft needs a price greater than zero")
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		nft, err := s.repo.FindByIDForUpdate(txCtx, nftID)
		if err != nil {
			return storeError("get nft", err)
		}
		if nft.OwnerID != session.UserID {
			return ErrForbidden
		}
		if !nft.IsApproved {
			return validationError("nft %s is not minted yet", nftID)
		}

		if err := s.repo.Update(txCtx, nftID, map[string]interface{}{
			"price_wei": priceWei,
			"is_listed": req.Listed,
		}); err != nil {
			return storeError("update nft price", err)
		}
		if err := writeAudit(txCtx, s.auditRepo, actorOf(session), model.ActionSetNFTPrice, nftID.String(), nft.Name, map[string]interface{}{
			"old_price_wei": nft.PriceWei,
			"new_price_wei": priceWei,
			"listed":        req.Listed,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.FindByID(ctx, nftID)
	if err != nil {
		return nil, storeError("reload nft", err)
	}
	resp := toNFTResponse(*updated)
	return &resp, nil
}

// --- Helpers ---

func toNFTResponses(nfts []model.NFT) []NFTResponse {
	res := make([]NFTResponse, 0, len(nfts))
	for _, n := range nfts {
		res = append(res, toNFTResponse(n))
	}
	return res
}

func toNFTResponse(n model.NFT) NFTResponse {
	resp := NFTResponse{
		ID:          n.ID.String(),
		TokenID:     n.TokenID,
		Name:        n.Name,
		Description: n.Description,
		ImageURL:    n.ImageURL,
		PriceWei:    n.PriceWei,
		Price:       amount.FromBaseUnitsDefault(n.PriceWei),
		OwnerID:     n.OwnerID.String(),
		IsListed:    n.IsListed,
		IsApproved:  n.IsApproved,
		MintTxHash:  n.MintTxHash,
		CreatedAt:   n.CreatedAt.Format(time.RFC3339),
	}
	if n.Owner != nil {
		resp.OwnerName = n.Owner.Username
	}
	return resp
}
