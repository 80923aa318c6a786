package repository

import (
	"commerce-reconciler/internal/model"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type PaymentRepository interface {
	Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error
	FindByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error)
	FindByInvoicePoID(ctx context.Context, impUID string) (*model.Payment, error)
	FindPendingByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Payment, error)
	FindCompletedByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Payment, error)
	ExistsCompletedForOrder(ctx context.Context, tx *gorm.DB, orderID string) (bool, error)
	Promote(ctx context.Context, tx *gorm.DB, payment *model.Payment, next model.PaymentStatus) (bool, error)
	MarkCancelled(ctx context.Context, tx *gorm.DB, payment *model.Payment, next model.PaymentStatus, refunded int64, cancelID string) (bool, error)
}

type paymentRepositoryImpl struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepositoryImpl{
		db: db,
	}
}

func (r *paymentRepositoryImpl) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *paymentRepositoryImpl) FindByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		First(&payment).Error

	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepositoryImpl) FindByInvoicePoID(ctx context.Context, impUID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).
		Where("invoice_po_id = ?", impUID).
		First(&payment).Error

	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindPendingByOrderID returns the latest prepared payment not yet bound to a
// PG transaction, or nil when there is none.
func (r *paymentRepositoryImpl) FindPendingByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Payment, error) {
	return r.findOne(ctx, tx,
		"order_id = ? AND payment_status = ? AND invoice_po_id IS NULL",
		orderID, model.PaymentStatusPending,
	)
}

// FindCompletedByOrderID returns the charge that paid the order, or nil.
func (r *paymentRepositoryImpl) FindCompletedByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.Payment, error) {
	return r.findOne(ctx, tx,
		"order_id = ? AND payment_status = ?",
		orderID, model.PaymentStatusCompleted,
	)
}

func (r *paymentRepositoryImpl) ExistsCompletedForOrder(ctx context.Context, tx *gorm.DB, orderID string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&model.Payment{}).
		Where("order_id = ? AND payment_status = ?", orderID, model.PaymentStatusCompleted).
		Count(&count).Error

	return count > 0, err
}

func (r *paymentRepositoryImpl) findOne(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) (*model.Payment, error) {
	var payment model.Payment
	err := tx.WithContext(ctx).
		Where(query, args...).
		Order("created_at DESC").
		First(&payment).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// Promote writes the verification outcome onto a PENDING payment. Only a
// PENDING row at the observed version is touched.
func (r *paymentRepositoryImpl) Promote(ctx context.Context, tx *gorm.DB, payment *model.Payment, next model.PaymentStatus) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.Payment{}).
		Where(`
			payment_id = ?
			AND payment_status = ?
			AND version = ?
		`,
			payment.PaymentID,
			model.PaymentStatusPending,
			payment.Version,
		).
		Updates(map[string]interface{}{
			"invoice_po_id":   payment.InvoicePoID,
			"payment_amount":  payment.PaymentAmount,
			"payment_status":  next,
			"payment_method":  payment.PaymentMethod,
			"card_name":       payment.CardName,
			"approval_number": payment.ApprovalNumber,
			"fail_reason":     payment.FailReason,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *paymentRepositoryImpl) MarkCancelled(ctx context.Context, tx *gorm.DB, payment *model.Payment, next model.PaymentStatus, refunded int64, cancelID string) (bool, error) {
	result := tx.WithContext(ctx).Model(&model.Payment{}).
		Where(`
			payment_id = ?
			AND payment_status = ?
			AND version = ?
		`,
			payment.PaymentID,
			model.PaymentStatusCompleted,
			payment.Version,
		).
		Updates(map[string]interface{}{
			"payment_status":  next,
			"refunded_amount": refunded,
			"cancel_id":       cancelID,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      time.Now(),
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
