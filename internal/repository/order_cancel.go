package repository

import (
	"commerce-reconciler/internal/model"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// OrderCancelRepository is the durable record of every cancellation request.
// A PENDING row is also the retry queue entry for the reconciler.
type OrderCancelRepository interface {
	Create(ctx context.Context, tx *gorm.DB, cancel *model.OrderCancel) error
	FindByID(ctx context.Context, id uint) (*model.OrderCancel, error)
	FindActiveByOrderID(ctx context.Context, orderID string) (*model.OrderCancel, error)
	ListByOrderID(ctx context.Context, orderID string) ([]*model.OrderCancel, error)
	MarkCompleted(ctx context.Context, tx *gorm.DB, id uint, paymentCancelID string) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uint, errorCode, lastError string) error
	ScheduleRetry(ctx context.Context, id uint, errorCode, lastError string, next time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.OrderCancel, error)
}

type orderCancelRepoImpl struct {
	db *gorm.DB
}

func NewOrderCancelRepository(db *gorm.DB) OrderCancelRepository {
	return &orderCancelRepoImpl{db: db}
}

func (r *orderCancelRepoImpl) Create(ctx context.Context, tx *gorm.DB, cancel *model.OrderCancel) error {
	return tx.WithContext(ctx).Create(cancel).Error
}

func (r *orderCancelRepoImpl) FindByID(ctx context.Context, id uint) (*model.OrderCancel, error) {
	var cancel model.OrderCancel
	if err := r.db.WithContext(ctx).First(&cancel, id).Error; err != nil {
		return nil, err
	}
	return &cancel, nil
}

// FindActiveByOrderID returns the PENDING or COMPLETED cancellation of the
// order, or nil. FAILED rows do not block a new request.
func (r *orderCancelRepoImpl) FindActiveByOrderID(ctx context.Context, orderID string) (*model.OrderCancel, error) {
	var cancel model.OrderCancel
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND refund_status IN ?", orderID,
			[]model.RefundStatus{model.RefundStatusPending, model.RefundStatusCompleted}).
		Order("id DESC").
		First(&cancel).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cancel, nil
}

func (r *orderCancelRepoImpl) ListByOrderID(ctx context.Context, orderID string) ([]*model.OrderCancel, error) {
	var cancels []*model.OrderCancel
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&cancels).Error
	return cancels, err
}

func (r *orderCancelRepoImpl) MarkCompleted(ctx context.Context, tx *gorm.DB, id uint, paymentCancelID string) error {
	return tx.WithContext(ctx).Model(&model.OrderCancel{}).
		Where("id = ? AND refund_status = ?", id, model.RefundStatusPending).
		Updates(map[string]interface{}{
			"refund_status":     model.RefundStatusCompleted,
			"payment_cancel_id": paymentCancelID,
			"error_code":        "",
			"next_attempt_at":   nil,
			"updated_at":        time.Now(),
		}).Error
}

func (r *orderCancelRepoImpl) MarkFailed(ctx context.Context, tx *gorm.DB, id uint, errorCode, lastError string) error {
	return tx.WithContext(ctx).Model(&model.OrderCancel{}).
		Where("id = ? AND refund_status = ?", id, model.RefundStatusPending).
		Updates(map[string]interface{}{
			"refund_status":   model.RefundStatusFailed,
			"error_code":      errorCode,
			"last_error":      lastError,
			"next_attempt_at": nil,
			"updated_at":      time.Now(),
		}).Error
}

// ScheduleRetry records a failed attempt and leaves the row PENDING.
func (r *orderCancelRepoImpl) ScheduleRetry(ctx context.Context, id uint, errorCode, lastError string, next time.Time) error {
	return r.db.WithContext(ctx).Model(&model.OrderCancel{}).
		Where("id = ? AND refund_status = ?", id, model.RefundStatusPending).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"error_code":      errorCode,
			"last_error":      lastError,
			"next_attempt_at": next,
			"updated_at":      time.Now(),
		}).Error
}

func (r *orderCancelRepoImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.OrderCancel, error) {
	var cancels []*model.OrderCancel
	err := r.db.WithContext(ctx).
		Where("refund_status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", model.RefundStatusPending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&cancels).Error
	return cancels, err
}
