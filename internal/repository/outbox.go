package repository

import (
	"commerce-reconciler/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type OutboxRepository interface {
	// Add marshals payload and stores it in the caller's transaction.
	Add(ctx context.Context, tx *gorm.DB, aggregateID, eventType string, payload interface{}) error
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id uint) error
}

type outboxRepoImpl struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepoImpl{db: db}
}

func (r *outboxRepoImpl) Add(ctx context.Context, tx *gorm.DB, aggregateID, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return tx.WithContext(ctx).Create(&model.OutboxEvent{
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     body,
	}).Error
}

func (r *outboxRepoImpl) GetUnprocessedEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *outboxRepoImpl) MarkEventAsProcessed(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Update("processed_at", time.Now()).Error
}
