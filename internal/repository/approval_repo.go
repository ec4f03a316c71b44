package repository

import (
	"context"
	"time"

	"agrifinance/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalRepository persists approval requests. Every status change goes
// through a conditional update and reports whether this caller won it.
type ApprovalRepository interface {
	Create(ctx context.Context, req *model.ApprovalRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]model.ApprovalRequest, error)
	List(ctx context.Context, status string, page, limit int) ([]model.ApprovalRequest, int64, error)
	ListByRequester(ctx context.Context, userID uuid.UUID) ([]model.ApprovalRequest, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// Transition moves id from one status to another and applies updates, only
	// if the row is still in from.
	Transition(ctx context.Context, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error)
	// ClaimExecution takes the execution lease of an approved, unexecuted request.
	// A lease older than leaseTTL is considered abandoned and can be taken over.
	ClaimExecution(ctx context.Context, id uuid.UUID, now time.Time, leaseTTL time.Duration) (bool, error)
	// ReleaseExecution drops the lease after a failed attempt and records why.
	ReleaseExecution(ctx context.Context, id uuid.UUID, execErr string) error
	// MarkExecuted moves approved -> executed with the resulting chain tx hash.
	MarkExecuted(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error)
}

type approvalRepository struct {
	db *gorm.DB
}

func NewApprovalRepository(db *gorm.DB) ApprovalRepository {
	return &approvalRepository{db: db}
}

func (r *approvalRepository) Create(ctx context.Context, req *model.ApprovalRequest) error {
	return GetDB(ctx, r.db).Create(req).Error
}

func (r *approvalRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).First(&req, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

func (r *approvalRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).Preload("Requester").Preload("Reviewer").First(&req, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

func (r *approvalRepository) ListPending(ctx context.Context) ([]model.ApprovalRequest, error) {
	var requests []model.ApprovalRequest
	err := GetDB(ctx, r.db).Preload("Requester").
		Where("status = ?", model.ApprovalPending).
		Order("created_at ASC, id ASC").
		Find(&requests).Error
	return requests, err
}

func (r *approvalRepository) List(ctx context.Context, status string, page, limit int) ([]model.ApprovalRequest, int64, error) {
	var requests []model.ApprovalRequest
	var total int64

	db := GetDB(ctx, r.db)
	query := db.Model(&model.ApprovalRequest{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	fetchQuery := db.Preload("Requester").Preload("Reviewer")
	if status != "" {
		fetchQuery = fetchQuery.Where("status = ?", status)
	}
	if err := fetchQuery.Order("created_at DESC").Offset(offset(page, limit)).Limit(limit).Find(&requests).Error; err != nil {
		return nil, 0, err
	}

	return requests, total, nil
}

func (r *approvalRepository) ListByRequester(ctx context.Context, userID uuid.UUID) ([]model.ApprovalRequest, error) {
	var requests []model.ApprovalRequest
	err := GetDB(ctx, r.db).Preload("Reviewer").
		Where("requested_by = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&requests).Error
	return requests, err
}

func (r *approvalRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *approvalRepository) Transition(ctx context.Context, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}

	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (r *approvalRepository) ClaimExecution(ctx context.Context, id uuid.UUID, now time.Time, leaseTTL time.Duration) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("id = ? AND status = ? AND chain_tx_hash IS NULL", id, model.ApprovalApproved).
		Where("(execution_started_at IS NULL OR execution_started_at < ?)", now.Add(-leaseTTL)).
		Updates(map[string]interface{}{
			"execution_started_at": now,
			"execution_attempts":   gorm.Expr("execution_attempts + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *approvalRepository) ReleaseExecution(ctx context.Context, id uuid.UUID, execErr string) error {
	return GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("id = ? AND status = ?", id, model.ApprovalApproved).
		Updates(map[string]interface{}{
			"execution_started_at": nil,
			"last_execution_error": execErr,
		}).Error
}

func (r *approvalRepository) MarkExecuted(ctx context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.ApprovalRequest{}).
		Where("id = ? AND status = ? AND chain_tx_hash IS NULL", id, model.ApprovalApproved).
		Updates(map[string]interface{}{
			"status":               model.ApprovalExecuted,
			"chain_tx_hash":        txHash,
			"executed_at":          at,
			"execution_started_at": nil,
			"last_execution_error": "",
		})
	return res.RowsAffected == 1, res.Error
}
