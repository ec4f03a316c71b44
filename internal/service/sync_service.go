package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agrifinance/internal/chain"
	"agrifinance/internal/events"
	"agrifinance/internal/metrics"
	"agrifinance/internal/model"
	"agrifinance/internal/repository"
	"agrifinance/pkg/amount"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- DTOs ---

type RecordTransactionRequest struct {
	TxHash      string `json:"tx_hash" binding:"required"`
	Direction   string `json:"direction" binding:"required,oneof=in out"`
	Amount      string `json:"amount"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	EntityType  string `json:"entity_type" binding:"omitempty,oneof=nft"`
	EntityID    string `json:"entity_id"`
}

type VerifyTransactionRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

type TransactionFilter struct {
	Status string
	Page   int
	Limit  int
}

type BlockchainTransactionResponse struct {
	ID          string  `json:"id"`
	TxHash      string  `json:"tx_hash"`
	UserID      *string `json:"user_id"`
	Direction   string  `json:"direction"`
	AmountWei   string  `json:"amount_wei"`
	Amount      string  `json:"amount"`
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	Status      string  `json:"status"`
	BlockNumber *uint64 `json:"block_number"`
	GasUsed     *uint64 `json:"gas_used"`
	EntityType  string  `json:"entity_type,omitempty"`
	EntityID    string  `json:"entity_id,omitempty"`
	Source      string  `json:"source"`
	LastError   string  `json:"last_error,omitempty"`
	VerifiedAt  *string `json:"verified_at"`
	CreatedAt   string  `json:"created_at"`
}

// VerificationResult is the chain-observed state of one transaction hash.
type VerificationResult struct {
	TxHash      string  `json:"tx_hash"`
	Status      string  `json:"status"`
	Confirmed   bool    `json:"confirmed"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
	GasUsed     *uint64 `json:"gas_used,omitempty"`
}

type SyncError struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

// SyncReport summarizes one pass over the pending batch.
type SyncReport struct {
	Checked      int         `json:"checked"`
	Confirmed    int         `json:"confirmed"`
	Failed       int         `json:"failed"`
	StillPending int         `json:"still_pending"`
	Errors       []SyncError `json:"errors"`
}

// --- Interface ---

type SyncService interface {
	RecordTransaction(ctx context.Context, session Session, req RecordTransactionRequest) (*BlockchainTransactionResponse, error)
	VerifyTransaction(ctx context.Context, txHash string) (*VerificationResult, error)
	SyncPendingTransactions(ctx context.Context) (*SyncReport, error)
	ListTransactions(ctx context.Context, session Session, filter TransactionFilter) ([]BlockchainTransactionResponse, int64, error)
}

type syncService struct {
	chain     chain.Client
	repo      repository.BlockchainTxRepository
	auditRepo repository.AuditRepository
	txManager repository.TransactionManager
	publisher events.Publisher
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

func NewSyncService(
	client chain.Client,
	repo repository.BlockchainTxRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	publisher events.Publisher,
	batchSize int,
	logger *zap.Logger,
) SyncService {
	return &syncService{
		chain:     client,
		repo:      repo,
		auditRepo: auditRepo,
		txManager: txManager,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// --- Implementation ---

// RecordTransaction stores a hash submitted by a client as pending. Clients may
// only link it to an NFT; approval requests and wallet transactions are linked
// by the executor alone.
func (s *syncService) RecordTransaction(ctx context.Context, session Session, req RecordTransactionRequest) (*BlockchainTransactionResponse, error) {
	hash := strings.TrimSpace(req.TxHash)
	if !chain.IsTxHash(hash) {
		return nil, validationError("tx_hash must be a 0x-prefixed 32 byte hex string")
	}
	switch req.EntityType {
	case "":
		if req.EntityID != "" {
			return nil, validationError("entity_id needs an entity_type")
		}
	case model.EntityNFT:
		if _, err := uuid.Parse(req.EntityID); err != nil {
			return nil, validationError("entity_id must be an nft id")
		}
	default:
		return nil, validationError("transactions cannot be linked to %q by clients", req.EntityType)
	}
	if err := optionalAddresses(map[string]string{"from_address": req.FromAddress, "to_address": req.ToAddress}); err != nil {
		return nil, err
	}
	amountWei, err := amount.ToBaseUnits(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	if _, err := s.repo.FindByHash(ctx, hash); err == nil {
		return nil, validationError("transaction %s is already recorded", hash)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeError("find transaction", err)
	}

	record := &model.BlockchainTransaction{
		TxHash:      hash,
		UserID:      actorOf(session),
		Direction:   req.Direction,
		AmountWei:   amountWei,
		FromAddress: req.FromAddress,
		ToAddress:   req.ToAddress,
		Status:      model.ChainTxPending,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Source:      model.ChainTxSourceClient,
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Create(txCtx, record); err != nil {
			return storeError("record transaction", err)
		}
		if err := writeAudit(txCtx, s.auditRepo, actorOf(session), model.ActionRecordChainTx, record.ID.String(), hash, map[string]interface{}{
			"direction":  req.Direction,
			"amount_wei": amountWei,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, events.New(events.ChainTxRecorded, record.ID.String(), map[string]string{"tx_hash": hash}))
	resp := toChainTxResponse(*record)
	return &resp, nil
}

// VerifyTransaction reads the receipt of txHash. A missing receipt means the
// transaction is not mined yet and is reported as pending, not as an error.
// A matching local record that is still pending is updated.
func (s *syncService) VerifyTransaction(ctx context.Context, txHash string) (*VerificationResult, error) {
	txHash = strings.TrimSpace(txHash)
	if !chain.IsTxHash(txHash) {
		return nil, validationError("tx_hash must be a 0x-prefixed 32 byte hex string")
	}

	result, err := s.verify(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if result.Status == model.ChainTxPending {
		return result, nil
	}

	record, err := s.repo.FindByHash(ctx, txHash)
	if errors.Is(err, repository.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, storeError("find transaction", err)
	}
	if record.Status == model.ChainTxPending {
		if _, err := s.apply(ctx, record, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// SyncPendingTransactions verifies the oldest pending records, one bounded batch
// per call. A failure on one record is reported and the batch continues.
func (s *syncService) SyncPendingTransactions(ctx context.Context) (*SyncReport, error) {
	if !s.chain.Enabled() {
		return nil, fmt.Errorf("%w: %w", ErrExecution, chain.ErrDisabled)
	}

	records, err := s.repo.ListPending(ctx, s.batchSize)
	if err != nil {
		return nil, storeError("list pending transactions", err)
	}

	report := &SyncReport{Errors: []SyncError{}}
	for i := range records {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, SyncError{TxHash: records[i].TxHash, Error: ctx.Err().Error()})
			break
		}
		record := &records[i]
		report.Checked++

		result, err := s.verify(ctx, record.TxHash)
		if err == nil && result.Status != model.ChainTxPending {
			_, err = s.apply(ctx, record, result)
		}
		if err != nil {
			s.logger.Warn("failed to sync transaction", zap.String("tx_hash", record.TxHash), zap.Error(err))
			report.Errors = append(report.Errors, SyncError{TxHash: record.TxHash, Error: err.Error()})
			if recErr := s.repo.RecordError(ctx, record.ID, err.Error()); recErr != nil {
				s.logger.Error("failed to store sync error", zap.String("tx_hash", record.TxHash), zap.Error(recErr))
			}
			continue
		}

		switch result.Status {
		case model.ChainTxConfirmed:
			report.Confirmed++
		case model.ChainTxFailed:
			report.Failed++
		default:
			report.StillPending++
		}
		metrics.ChainSyncResults.WithLabelValues(result.Status).Inc()
	}
	if len(report.Errors) > 0 {
		metrics.ChainSyncResults.WithLabelValues("error").Add(float64(len(report.Errors)))
	}

	s.logger.Info("pending transactions synced",
		zap.Int("checked", report.Checked),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("failed", report.Failed),
		zap.Int("still_pending", report.StillPending),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *syncService) ListTransactions(ctx context.Context, session Session, filter TransactionFilter) ([]BlockchainTransactionResponse, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	query := repository.ChainTxFilter{Status: filter.Status, Page: filter.Page, Limit: filter.Limit}
	if !session.IsAdmin() {
		userID := session.UserID
		query.UserID = &userID
	}

	records, total, err := s.repo.List(ctx, query)
	if err != nil {
		return nil, 0, storeError("list transactions", err)
	}

	res := make([]BlockchainTransactionResponse, 0, len(records))
	for _, r := range records {
		res = append(res, toChainTxResponse(r))
	}
	return res, total, nil
}

func (s *syncService) verify(ctx context.Context, txHash string) (*VerificationResult, error) {
	receipt, err := s.chain.TransactionReceipt(ctx, txHash)
	if errors.Is(err, chain.ErrReceiptNotFound) {
		return &VerificationResult{TxHash: txHash, Status: model.ChainTxPending, Confirmed: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: verify %s: %w", ErrExecution, txHash, err)
	}

	block, gas := receipt.BlockNumber, receipt.GasUsed
	result := &VerificationResult{
		TxHash:      txHash,
		Status:      model.ChainTxFailed,
		BlockNumber: &block,
		GasUsed:     &gas,
	}
	if receipt.Success {
		result.Status = model.ChainTxConfirmed
		result.Confirmed = true
	}
	return result, nil
}

// apply writes a resolved verification back with its audit row. Wallet
// effects of executor transactions are settled by the approval that made them.
func (s *syncService) apply(ctx context.Context, record *model.BlockchainTransaction, result *VerificationResult) (bool, error) {
	var applied bool
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		applied, err = s.repo.ApplyVerification(txCtx, record.ID, repository.Verification{
			Status:      result.Status,
			BlockNumber: result.BlockNumber,
			GasUsed:     result.GasUsed,
			VerifiedAt:  s.now(),
		})
		if err != nil {
			return storeError("update transaction", err)
		}
		if !applied {
			return nil
		}

		if err := writeAudit(txCtx, s.auditRepo, nil, model.ActionVerifyChainTx, record.ID.String(), record.TxHash, map[string]interface{}{
			"status":       result.Status,
			"block_number": result.BlockNumber,
			"gas_used":     result.GasUsed,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.publisher.Publish(ctx, events.New(events.ChainTxResolved, record.ID.String(), map[string]string{
			"tx_hash": record.TxHash,
			"status":  result.Status,
		}))
	}
	return applied, nil
}

func toChainTxResponse(t model.BlockchainTransaction) BlockchainTransactionResponse {
	resp := BlockchainTransactionResponse{
		ID:          t.ID.String(),
		TxHash:      t.TxHash,
		Direction:   t.Direction,
		AmountWei:   t.AmountWei,
		Amount:      amount.FromBaseUnitsDefault(t.AmountWei),
		FromAddress: t.FromAddress,
		ToAddress:   t.ToAddress,
		Status:      t.Status,
		BlockNumber: t.BlockNumber,
		GasUsed:     t.GasUsed,
		EntityType:  t.EntityType,
		EntityID:    t.EntityID,
		Source:      t.Source,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
	if t.UserID != nil {
		s := t.UserID.String()
		resp.UserID = &s
	}
	if t.VerifiedAt != nil {
		s := t.VerifiedAt.Format(time.RFC3339)
		resp.VerifiedAt = &s
	}
	return resp
}
