package repository

import (
	"context"
	"time"

	"agrifinance/internal/model"

	"gorm.io/gorm"
)

type AlertRepository interface {
	Create(ctx context.Context, alert *model.ReconciliationAlert) error
	List(ctx context.Context, alertType string, page, limit int) ([]model.ReconciliationAlert, int64, error)
	CountByTypeSince(ctx context.Context, since time.Time) (map[string]int64, error)
}

type alertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

func (r *alertRepository) Create(ctx context.Context, alert *model.ReconciliationAlert) error {
	return GetDB(ctx, r.db).Create(alert).Error
}

func (r *alertRepository) List(ctx context.Context, alertType string, page, limit int) ([]model.ReconciliationAlert, int64, error) {
	var alerts []model.ReconciliationAlert
	var total int64

	query := GetDB(ctx, r.db).Model(&model.ReconciliationAlert{})
	if alertType != "" {
		query = query.Where("type = ?", alertType)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC").Offset(offset(page, limit)).Limit(limit).Find(&alerts).Error; err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

func (r *alertRepository) CountByTypeSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Type  string
		Count int64
	}
	if err := GetDB(ctx, r.db).Model(&model.ReconciliationAlert{}).
		Select("type, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("type").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}
