package repository

import (
	"commerce-reconciler/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
)

type OrderRepository interface {
	Create(ctx context.Context, tx *gorm.DB, order *model.Order) error
	CreateOrderItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error
	FindByOrderID(ctx context.Context, orderID string) (*model.Order, error)
	FindByOrderIDTx(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Order, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	ListCancellableByUser(ctx context.Context, userID string) ([]*model.Order, error)
	MarkPaymentCompleted(ctx context.Context, tx *gorm.DB, orderID string) (bool, error)
	MarkCancelled(ctx context.Context, tx *gorm.DB, orderID string, observed model.OrderStatus, version int64) (bool, error)
	AdvanceStatus(ctx context.Context, tx *gorm.DB, order *model.Order, next model.OrderStatus, trackingNumber string) (bool, error)
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{
		db: db,
	}
}

func (r *orderRepoImpl) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	return tx.WithContext(ctx).Omit("Items").Create(order).Error
}

func (r *orderRepoImpl) CreateOrderItems(ctx context.Context, tx *gorm.DB, items []*model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&items).Error
}

func (r *orderRepoImpl) FindByOrderID(ctx context.Context, orderID string) (*model.Order, error) {
	return r.FindByOrderIDTx(ctx, r.db, orderID)
}

func (r *orderRepoImpl) FindByOrderIDTx(ctx context.Context, tx *gorm.DB, orderID string) (*model.Order, error) {
	var order model.Order
	err := tx.WithContext(ctx).
		Preload("Items").
		Where("order_id = ?", orderID).
		First(&order).Error

	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (r *orderRepoImpl) ListByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("user_id = ?", userID).
		Order("order_date DESC").
		Find(&orders).Error

	if err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *orderRepoImpl) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("user_id = ?", userID).
		Count(&count).Error

	return count, err
}

// ListCancellableByUser skips orders whose cancellation is already pending.
func (r *orderRepoImpl) ListCancellableByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	pending := r.db.Model(&model.OrderCancel{}).
		Select("1").
		Where("order_cancels.order_id = orders.order_id AND order_cancels.refund_status = ?", model.RefundStatusPending)

	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND order_status IN ?", userID, model.CancellableOrderStatuses).
		Where("NOT EXISTS (?)", pending).
		Order("order_date ASC").
		Find(&orders).Error

	if err != nil {
		return nil, err
	}

	return orders, nil
}

// MarkPaymentCompleted moves an unpaid order to PAYMENT_COMPLETED. It returns
// false when no row matched, e.g. the order was already paid or cancelled.
func (r *orderRepoImpl) MarkPaymentCompleted(ctx context.Context, tx *gorm.DB, orderID string) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where(`
			order_id = ?
			AND order_status IN ?
		`,
			orderID,
			[]model.OrderStatus{model.OrderStatusPending, model.OrderStatusOrdered},
		).
		Updates(map[string]interface{}{
			"order_status": model.OrderStatusPaymentCompleted,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkCancelled is a compare-and-set on the status and version observed when
// the cancellation started. Items follow the order.
func (r *orderRepoImpl) MarkCancelled(ctx context.Context, tx *gorm.DB, orderID string, observed model.OrderStatus, version int64) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where(`
			order_id = ?
			AND order_status = ?
			AND version = ?
		`,
			orderID,
			observed,
			version,
		).
		Updates(map[string]interface{}{
			"order_status": model.OrderStatusCancelled,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	err := tx.WithContext(ctx).Model(&model.OrderItem{}).
		Where("order_id = ?", orderID).
		Update("status", model.OrderItemStatusCancelled).Error
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *orderRepoImpl) AdvanceStatus(ctx context.Context, tx *gorm.DB, order *model.Order, next model.OrderStatus, trackingNumber string) (bool, error) {
	updates := map[string]interface{}{
		"order_status": next,
		"version":      gorm.Expr("version + 1"),
		"updated_at":   time.Now(),
	}
	if next == model.OrderStatusShipped {
		updates["tracking_number"] = trackingNumber
		updates["shipping_date"] = time.Now()
	}

	result := tx.WithContext(ctx).Model(&model.Order{}).
		Where("order_id = ? AND order_status = ? AND version = ?", order.OrderID, order.OrderStatus, order.Version).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
