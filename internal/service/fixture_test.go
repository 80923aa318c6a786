package service

import (
	"commerce-reconciler/internal/dto"
	"commerce-reconciler/internal/lock"
	"commerce-reconciler/internal/mocks"
	"commerce-reconciler/internal/model"
	"commerce-reconciler/internal/repository"
	"commerce-reconciler/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db           *gorm.DB
	orderRepo    repository.OrderRepository
	paymentRepo  repository.PaymentRepository
	cancelRepo   repository.OrderCancelRepository
	outboxRepo   repository.OutboxRepository
	webhookRepo  repository.WebhookEventRepository
	pg           *mocks.MockPGClient
	cancelClient *mocks.MockPaymentCancelClient
	locker       *lock.MemoryLocker
	orders       OrderService
	payments     PaymentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	f := &fixture{
		db:           db,
		orderRepo:    repository.NewOrderRepository(db),
		paymentRepo:  repository.NewPaymentRepository(db),
		cancelRepo:   repository.NewOrderCancelRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
		webhookRepo:  repository.NewWebhookEventRepository(db),
		pg:           &mocks.MockPGClient{},
		cancelClient: &mocks.MockPaymentCancelClient{},
		locker:       lock.NewMemoryLocker(),
	}

	f.orders = NewOrderService(db, f.orderRepo, f.paymentRepo, f.cancelRepo, f.outboxRepo, f.cancelClient, f.locker,
		OrderConfig{CancelLockTTL: 30 * time.Second, RetryBackoff: time.Minute, MaxAttempts: 3},
		zap.NewNop())
	f.payments = NewPaymentService(db, f.pg, f.orders, f.orderRepo, f.paymentRepo, f.webhookRepo, f.outboxRepo, f.locker, zap.NewNop())
	return f
}

func int64Ptr(v int64) *int64 { return &v }

// checkoutRequest is one product (qty 2 @ 5000) plus a 3000 delivery fee.
func checkoutRequest() *dto.CheckoutRequest {
	return &dto.CheckoutRequest{
		Items: []*dto.CheckoutItem{
			{ProductID: "1", ProductName: "Apple box", Quantity: 2, UnitPrice: 5000},
		},
		DeliveryFee:    3000,
		RecipientName:  "Alice Kim",
		RecipientPhone: "010-1234-5678",
		Zipcode:        "04524",
		Address:        "Seoul",
	}
}

func (f *fixture) createOrder(t *testing.T, userID string) *dto.Order {
	t.Helper()
	order, err := f.orders.CreateOrder(context.Background(), userID, checkoutRequest())
	require.NoError(t, err)
	return order
}

// createPaidOrder creates an order and records a completed charge for it.
func (f *fixture) createPaidOrder(t *testing.T, userID string) (*dto.Order, *model.Payment) {
	t.Helper()
	ctx := context.Background()
	order := f.createOrder(t, userID)

	imp := "imp_" + order.OrderID
	payment := &model.Payment{
		PaymentID:     newPaymentID(),
		OrderID:       order.OrderID,
		InvoicePoID:   &imp,
		PaymentAmount: order.TotalPrice,
		PaymentStatus: model.PaymentStatusCompleted,
	}
	require.NoError(t, f.paymentRepo.Create(ctx, f.db, payment))
	require.NoError(t, f.orders.MarkPaymentCompleted(ctx, f.db, order.OrderID))
	return order, payment
}

func (f *fixture) setStatus(t *testing.T, orderID string, status model.OrderStatus) {
	t.Helper()
	require.NoError(t, f.db.Model(&model.Order{}).Where("order_id = ?", orderID).Update("order_status", status).Error)
}

func (f *fixture) outboxTypes(t *testing.T) []string {
	t.Helper()
	events, err := f.outboxRepo.GetUnprocessedEvents(context.Background(), 100)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}
