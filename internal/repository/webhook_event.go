package repository

import (
	"commerce-reconciler/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
)

type WebhookEventRepository interface {
	Record(ctx context.Context, impUID, merchantUID, status string) (*model.WebhookEvent, error)
	SetOutcome(ctx context.Context, id uint, outcome string) error
}

type webhookEventRepositoryIml struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepositoryIml{db: db}
}

func (r *webhookEventRepositoryIml) Record(ctx context.Context, impUID, merchantUID, status string) (*model.WebhookEvent, error) {
	event := &model.WebhookEvent{
		ImpUID:      impUID,
		MerchantUID: merchantUID,
		Status:      status,
		Outcome:     "RECEIVED",
		ReceivedAt:  time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

func (r *webhookEventRepositoryIml) SetOutcome(ctx context.Context, id uint, outcome string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Update("outcome", outcome).Error
}
