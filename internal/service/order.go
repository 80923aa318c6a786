package service

import (
	"commerce-reconciler/internal/client"
	"commerce-reconciler/internal/dto"
	"commerce-reconciler/internal/lock"
	"commerce-reconciler/internal/model"
	"commerce-reconciler/internal/repository"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	msgCancelCompleted = "order cancelled"
	msgRefundDelayed   = "cancellation recorded, refund processing delayed"
	msgRefundRaced     = "refund completed but the order changed concurrently"
)

type OrderService interface {
	CreateOrder(ctx context.Context, userID string, req *dto.CheckoutRequest) (*dto.Order, error)
	GetOrderDetail(ctx context.Context, orderID, callerID string) (*dto.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*dto.Order, error)
	CountOrders(ctx context.Context, userID string) (int64, error)
	CancelOrder(ctx context.Context, req *dto.CancelOrderRequest) (*dto.CancelOrderResponse, error)
	// MarkPaymentCompleted runs inside the payment transaction.
	MarkPaymentCompleted(ctx context.Context, tx *gorm.DB, orderID string) error
	AdvanceStatus(ctx context.Context, orderID string, req *dto.AdvanceStatusRequest) (*dto.Order, error)
	CancelUserOrders(ctx context.Context, userID, reason string) (int, error)
	// RetryCancel re-drives one PENDING cancellation. Used by the reconciler.
	RetryCancel(ctx context.Context, cancelID uint) error
}

type OrderConfig struct {
	CancelLockTTL time.Duration
	RetryBackoff  time.Duration
	MaxAttempts   int
}

type orderServiceImpl struct {
	db           *gorm.DB
	orderRepo    repository.OrderRepository
	paymentRepo  repository.PaymentRepository
	cancelRepo   repository.OrderCancelRepository
	outboxRepo   repository.OutboxRepository
	cancelClient client.PaymentCancelClient
	locker       lock.Locker
	cfg          OrderConfig
	log          *zap.Logger
}

func NewOrderService(
	db *gorm.DB,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	cancelRepo repository.OrderCancelRepository,
	outboxRepo repository.OutboxRepository,
	cancelClient client.PaymentCancelClient,
	locker lock.Locker,
	cfg OrderConfig,
	log *zap.Logger,
) OrderService {
	return &orderServiceImpl{
		db:           db,
		orderRepo:    orderRepo,
		paymentRepo:  paymentRepo,
		cancelRepo:   cancelRepo,
		outboxRepo:   outboxRepo,
		cancelClient: cancelClient,
		locker:       locker,
		cfg:          cfg,
		log:          log,
	}
}

func (s *orderServiceImpl) CreateOrder(ctx context.Context, userID string, req *dto.CheckoutRequest) (*dto.Order, error) {
	if len(req.Items) == 0 {
		return nil, validationError("order must contain at least one item")
	}
	if req.DeliveryFee < 0 || req.DiscountAmount < 0 || req.UsedPoint < 0 {
		return nil, validationError("delivery fee, discount and points must not be negative")
	}

	status := model.OrderStatusOrdered
	if req.OrderStatus != "" {
		status = model.OrderStatus(req.OrderStatus)
		if status != model.OrderStatusOrdered && status != model.OrderStatusPending {
			return nil, validationError("new orders start as PENDING or ORDERED, got %s", req.OrderStatus)
		}
	}

	if userID == "" {
		userID = "guest_" + uuid.NewString()
	}

	orderID := "ORD_" + uuid.NewString()
	items := make([]*model.OrderItem, len(req.Items))
	itemsTotal := int64(0)
	for i, item := range req.Items {
		if item.ProductID == "" {
			return nil, validationError("item %d: product id is required", i)
		}
		if item.Quantity <= 0 {
			return nil, validationError("item %d: quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return nil, validationError("item %d: unit price must not be negative", i)
		}
		lineTotal := item.UnitPrice * int64(item.Quantity)
		if item.TotalPrice != nil && *item.TotalPrice != lineTotal {
			return nil, validationError("item %d: total price %d does not match %d x %d", i, *item.TotalPrice, item.UnitPrice, item.Quantity)
		}
		itemsTotal += lineTotal

		items[i] = &model.OrderItem{
			OrderItemID: uuid.NewString(),
			OrderID:     orderID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalPrice:  lineTotal,
			Status:      model.OrderItemStatusOrdered,
		}
	}

	// used points are stored as part of the discount
	discount := req.DiscountAmount + req.UsedPoint
	gross := itemsTotal + req.DeliveryFee
	if discount > gross {
		return nil, validationError("discount %d exceeds order amount %d", discount, gross)
	}
	total := gross - discount
	if req.TotalPrice != nil && *req.TotalPrice != total {
		return nil, ErrAmountMismatch
	}

	paymentMethod := req.PaymentMethod
	if paymentMethod == "" {
		paymentMethod = "CARD"
	}

	order := &model.Order{
		OrderID:        orderID,
		UserID:         userID,
		OrderDate:      time.Now(),
		OrderStatus:    status,
		TotalPrice:     total,
		DeliveryFee:    req.DeliveryFee,
		DiscountAmount: discount,
		UsedPoint:      req.UsedPoint,
		SavedPoint:     total / 100,
		PaymentMethod:  paymentMethod,
		Email:          req.Email,
		Phone:          req.Phone,
		RecipientName:  req.RecipientName,
		RecipientPhone: req.RecipientPhone,
		Zipcode:        req.Zipcode,
		Address:        req.Address,
		DeliveryMemo:   req.DeliveryMemo,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("store order in db: %w", err)
		}
		if err := s.orderRepo.CreateOrderItems(ctx, tx, items); err != nil {
			return fmt.Errorf("store order items in db: %w", err)
		}
		return s.outboxRepo.Add(ctx, tx, orderID, model.EventOrderCreated, map[string]interface{}{
			"orderId":    orderID,
			"userId":     userID,
			"totalPrice": total,
			"status":     status,
		})
	})
	if err != nil {
		return nil, err
	}

	order.Items = items
	s.log.Info("order created",
		zap.String("order_id", orderID),
		zap.String("user_id", userID),
		zap.Int64("total_price", total))

	return toOrderDTO(order, true), nil
}

func (s *orderServiceImpl) GetOrderDetail(ctx context.Context, orderID, callerID string) (*dto.Order, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if callerID == "" {
		return toOrderDTO(order, false), nil
	}
	if order.UserID != callerID {
		return nil, ErrNotOrderOwner
	}

	cancels, err := s.cancelRepo.ListByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order cancels: %w", err)
	}
	out := toOrderDTO(order, true)
	for _, c := range cancels {
		out.Cancellations = append(out.Cancellations, &dto.OrderCancellation{
			Reason:          c.Reason,
			RefundStatus:    string(c.RefundStatus),
			RefundAmount:    c.RefundAmount,
			PaymentCancelID: c.PaymentCancelID,
			ErrorCode:       c.ErrorCode,
			Attempts:        c.Attempts,
			CancelDate:      c.CancelDate,
		})
	}
	return out, nil
}

func (s *orderServiceImpl) ListOrders(ctx context.Context, userID string) ([]*dto.Order, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	orders, err := s.orderRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	result := make([]*dto.Order, len(orders))
	for i, order := range orders {
		result[i] = toOrderDTO(order, true)
	}
	return result, nil
}

func (s *orderServiceImpl) CountOrders(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrUnauthenticated
	}
	count, err := s.orderRepo.CountByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return count, nil
}

// CancelOrder records the cancellation, asks the payment service for the
// refund and only then cancels the order. A refund that cannot reach the
// payment service leaves the record PENDING for the reconciler.
func (s *orderServiceImpl) CancelOrder(ctx context.Context, req *dto.CancelOrderRequest) (*dto.CancelOrderResponse, error) {
	if req.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if req.OrderID == "" {
		return nil, validationError("order id is required")
	}

	release, err := s.locker.Acquire(ctx, cancelLockKey(req.OrderID), s.cfg.CancelLockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrCancelInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire cancel lock: %w", err)
	}
	defer release()

	order, err := s.findOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != req.UserID {
		return nil, ErrNotOrderOwner
	}

	active, err := s.cancelRepo.FindActiveByOrderID(ctx, order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("find active cancel: %w", err)
	}
	if active != nil {
		if active.RefundStatus == model.RefundStatusPending {
			return nil, ErrCancelInProgress
		}
		return nil, ErrAlreadyCancelled
	}

	if order.OrderStatus == model.OrderStatusCancelled {
		return nil, ErrAlreadyCancelled
	}
	if !order.OrderStatus.IsCancellable() {
		return nil, ErrOrderNotCancellable
	}

	// the lease makes the row due for the reconciler if this request never
	// gets to record an outcome
	now := time.Now()
	lease := now.Add(s.cfg.CancelLockTTL)
	cancel := &model.OrderCancel{
		OrderID:       order.OrderID,
		UserID:        req.UserID,
		Reason:        req.Reason,
		Detail:        req.Detail,
		RefundStatus:  model.RefundStatusPending,
		NextAttemptAt: &lease,
		CancelDate:    now,
	}

	if order.OrderStatus.IsPaid() {
		paymentID, err := s.resolvePaymentID(ctx, order, req.PaymentID)
		if err != nil {
			return nil, err
		}
		refund := req.RefundAmount
		if refund == 0 {
			refund = order.TotalPrice
		}
		if refund < 0 || refund > order.TotalPrice {
			return nil, validationError("refund amount must be between 1 and %d", order.TotalPrice)
		}
		cancel.PaymentID = paymentID
		cancel.RefundAmount = refund
	}

	if err := s.cancelRepo.Create(ctx, s.db, cancel); err != nil {
		return nil, fmt.Errorf("store order cancel: %w", err)
	}

	// once the row exists its outcome is recorded even if the caller goes away
	bookkeeping := context.WithoutCancel(ctx)

	if cancel.PaymentID == "" {
		// nothing was charged, nothing to refund
		return s.completeCancel(bookkeeping, cancel, order, "")
	}

	result := s.cancelClient.CancelPayment(ctx, refundRequest(cancel, order))
	return s.applyRefundResult(bookkeeping, cancel, order, result)
}

func refundRequest(cancel *model.OrderCancel, order *model.Order) dto.CancelPaymentRequest {
	return dto.CancelPaymentRequest{
		PaymentID:    cancel.PaymentID,
		OrderID:      order.OrderID,
		UserID:       order.UserID,
		RefundAmount: cancel.RefundAmount,
		CancelReason: cancel.Reason,
	}
}

// resolvePaymentID checks a client supplied payment id against the order, or
// looks up the charge that paid it.
func (s *orderServiceImpl) resolvePaymentID(ctx context.Context, order *model.Order, paymentID string) (string, error) {
	if paymentID != "" {
		payment, err := s.paymentRepo.FindByPaymentID(ctx, paymentID)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && payment.OrderID != order.OrderID) {
			return "", validationError("payment %s does not belong to order %s", paymentID, order.OrderID)
		}
		if err != nil {
			return "", fmt.Errorf("find payment: %w", err)
		}
		return payment.PaymentID, nil
	}

	payment, err := s.paymentRepo.FindCompletedByOrderID(ctx, s.db, order.OrderID)
	if err != nil {
		return "", fmt.Errorf("find completed payment: %w", err)
	}
	if payment == nil {
		return "", validationError("order %s is paid but has no completed payment", order.OrderID)
	}
	return payment.PaymentID, nil
}

func (s *orderServiceImpl) applyRefundResult(ctx context.Context, cancel *model.OrderCancel, order *model.Order, result *dto.CancelPaymentResult) (*dto.CancelOrderResponse, error) {
	switch {
	case result.Success:
		return s.completeCancel(ctx, cancel, order, result.CancelID)

	case result.ErrorCode == client.ErrorCodeServiceUnavailable:
		next := time.Now().Add(s.cfg.RetryBackoff * time.Duration(cancel.Attempts+1))
		if err := s.cancelRepo.ScheduleRetry(ctx, cancel.ID, result.ErrorCode, result.Message, next); err != nil {
			return nil, fmt.Errorf("schedule refund retry: %w", err)
		}
		s.log.Warn("refund delayed",
			zap.String("order_id", order.OrderID),
			zap.Uint("cancel_id", cancel.ID),
			zap.Time("next_attempt_at", next))

		return &dto.CancelOrderResponse{
			OrderID:      order.OrderID,
			OrderStatus:  order.OrderStatus.String(),
			RefundStatus: string(model.RefundStatusPending),
			RefundAmount: cancel.RefundAmount,
			CancelDate:   cancel.CancelDate,
			Message:      msgRefundDelayed,
		}, nil

	default:
		code := result.ErrorCode
		if code == "" {
			code = "REFUND_FAILED"
		}
		if err := s.cancelRepo.MarkFailed(ctx, s.db, cancel.ID, code, result.Message); err != nil {
			return nil, fmt.Errorf("mark cancel failed: %w", err)
		}
		s.log.Warn("refund rejected",
			zap.String("order_id", order.OrderID),
			zap.String("error_code", code),
			zap.String("message", result.Message))

		return nil, newError(KindState, code, "refund rejected: "+result.Message)
	}
}

func (s *orderServiceImpl) completeCancel(ctx context.Context, cancel *model.OrderCancel, order *model.Order, paymentCancelID string) (*dto.CancelOrderResponse, error) {
	var cancelled bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.cancelRepo.MarkCompleted(ctx, tx, cancel.ID, paymentCancelID); err != nil {
			return fmt.Errorf("mark cancel completed: %w", err)
		}

		var err error
		cancelled, err = s.orderRepo.MarkCancelled(ctx, tx, order.OrderID, order.OrderStatus, order.Version)
		if err != nil {
			return fmt.Errorf("mark order cancelled: %w", err)
		}
		if !cancelled {
			return nil
		}

		return s.outboxRepo.Add(ctx, tx, order.OrderID, model.EventOrderCancelled, map[string]interface{}{
			"orderId":         order.OrderID,
			"userId":          order.UserID,
			"reason":          cancel.Reason,
			"refundAmount":    cancel.RefundAmount,
			"paymentId":       cancel.PaymentID,
			"paymentCancelId": paymentCancelID,
		})
	})
	if err != nil {
		return nil, err
	}

	resp := &dto.CancelOrderResponse{
		OrderID:         order.OrderID,
		OrderStatus:     model.OrderStatusCancelled.String(),
		RefundStatus:    string(model.RefundStatusCompleted),
		RefundAmount:    cancel.RefundAmount,
		PaymentCancelID: paymentCancelID,
		CancelDate:      cancel.CancelDate,
		Message:         msgCancelCompleted,
	}

	if !cancelled {
		s.log.Warn("order changed while refund was in flight",
			zap.String("order_id", order.OrderID),
			zap.String("observed_status", order.OrderStatus.String()),
			zap.Int64("observed_version", order.Version))
		if current, err := s.orderRepo.FindByOrderID(ctx, order.OrderID); err == nil {
			resp.OrderStatus = current.OrderStatus.String()
		}
		resp.Message = msgRefundRaced
		return resp, nil
	}

	s.log.Info("order cancelled",
		zap.String("order_id", order.OrderID),
		zap.String("payment_cancel_id", paymentCancelID))
	return resp, nil
}

func (s *orderServiceImpl) RetryCancel(ctx context.Context, cancelID uint) error {
	cancel, err := s.cancelRepo.FindByID(ctx, cancelID)
	if err != nil {
		return fmt.Errorf("find order cancel %d: %w", cancelID, err)
	}

	release, err := s.locker.Acquire(ctx, cancelLockKey(cancel.OrderID), s.cfg.CancelLockTTL)
	if errors.Is(err, lock.ErrLocked) {
		// a request is working on this order right now; next sweep
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire cancel lock: %w", err)
	}
	defer release()

	// re-read under the lock
	cancel, err = s.cancelRepo.FindByID(ctx, cancelID)
	if err != nil {
		return fmt.Errorf("find order cancel %d: %w", cancelID, err)
	}
	if cancel.RefundStatus != model.RefundStatusPending {
		return nil
	}

	if cancel.Attempts >= s.cfg.MaxAttempts {
		return s.abandonCancel(ctx, cancel)
	}

	order, err := s.orderRepo.FindByOrderID(ctx, cancel.OrderID)
	if err != nil {
		return fmt.Errorf("find order %s: %w", cancel.OrderID, err)
	}

	bookkeeping := context.WithoutCancel(ctx)

	if cancel.PaymentID == "" {
		// an unpaid order whose request died before it was cancelled
		_, err := s.completeCancel(bookkeeping, cancel, order, "")
		return err
	}

	result := s.cancelClient.CancelPayment(ctx, refundRequest(cancel, order))

	_, err = s.applyRefundResult(bookkeeping, cancel, order, result)
	if KindOf(err) != KindInternal {
		// rejection is recorded on the row
		return nil
	}
	return err
}

func (s *orderServiceImpl) abandonCancel(ctx context.Context, cancel *model.OrderCancel) error {
	s.log.Error("refund retries exhausted",
		zap.String("order_id", cancel.OrderID),
		zap.Uint("cancel_id", cancel.ID),
		zap.Int("attempts", cancel.Attempts),
		zap.String("last_error", cancel.LastError))

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.cancelRepo.MarkFailed(ctx, tx, cancel.ID, "RETRIES_EXHAUSTED", cancel.LastError); err != nil {
			return fmt.Errorf("mark cancel failed: %w", err)
		}
		return s.outboxRepo.Add(ctx, tx, cancel.OrderID, model.EventRefundStuck, map[string]interface{}{
			"orderId":      cancel.OrderID,
			"cancelId":     cancel.ID,
			"paymentId":    cancel.PaymentID,
			"refundAmount": cancel.RefundAmount,
			"attempts":     cancel.Attempts,
			"lastError":    cancel.LastError,
		})
	})
}

func (s *orderServiceImpl) MarkPaymentCompleted(ctx context.Context, tx *gorm.DB, orderID string) error {
	ok, err := s.orderRepo.MarkPaymentCompleted(ctx, tx, orderID)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if ok {
		return nil
	}

	order, err := s.orderRepo.FindByOrderIDTx(ctx, tx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("find order: %w", err)
	}
	if order.OrderStatus.IsPaid() {
		return nil
	}
	return newError(KindState, ErrInvalidTransition.Code,
		fmt.Sprintf("order %s cannot be paid in status %s", orderID, order.OrderStatus))
}

func (s *orderServiceImpl) AdvanceStatus(ctx context.Context, orderID string, req *dto.AdvanceStatusRequest) (*dto.Order, error) {
	next := model.OrderStatus(req.Status)
	if !next.IsValid() {
		return nil, validationError("unknown order status %q", req.Status)
	}
	if next == model.OrderStatusCancelled {
		return nil, validationError("use the cancel endpoint to cancel an order")
	}
	if next == model.OrderStatusPaymentCompleted {
		return nil, validationError("orders are marked paid by payment verification only")
	}
	if next == model.OrderStatusShipped && req.TrackingNumber == "" {
		return nil, validationError("tracking number is required to ship an order")
	}

	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.OrderStatus.CanTransitionTo(next) {
		return nil, newError(KindState, ErrInvalidTransition.Code,
			fmt.Sprintf("cannot move order from %s to %s", order.OrderStatus, next))
	}

	ok, err := s.orderRepo.AdvanceStatus(ctx, s.db, order, next, req.TrackingNumber)
	if err != nil {
		return nil, fmt.Errorf("advance order status: %w", err)
	}
	if !ok {
		return nil, ErrConcurrentUpdate
	}

	updated, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return toOrderDTO(updated, true), nil
}

// CancelUserOrders cancels every open order of a withdrawn user through the
// regular cancel path. It keeps going past individual failures.
func (s *orderServiceImpl) CancelUserOrders(ctx context.Context, userID, reason string) (int, error) {
	orders, err := s.orderRepo.ListCancellableByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list cancellable orders: %w", err)
	}

	cancelled := 0
	var errs []error
	for _, order := range orders {
		_, err := s.CancelOrder(ctx, &dto.CancelOrderRequest{
			OrderID: order.OrderID,
			UserID:  userID,
			Reason:  reason,
			Detail:  "user withdrawal",
		})
		if errors.Is(err, ErrCancelInProgress) || errors.Is(err, ErrAlreadyCancelled) {
			// another request got there first
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel order %s: %w", order.OrderID, err))
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}

func (s *orderServiceImpl) findOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.orderRepo.FindByOrderID(ctx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	return order, nil
}

func cancelLockKey(orderID string) string {
	return "order:cancel:" + orderID
}

// toOrderDTO projects an order. Recipient details are only included for the owner.
func toOrderDTO(order *model.Order, full bool) *dto.Order {
	items := make([]*dto.OrderItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = &dto.OrderItem{
			OrderItemID: item.OrderItemID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			TotalPrice:  item.TotalPrice,
			Status:      item.Status,
		}
	}

	out := &dto.Order{
		OrderID:        order.OrderID,
		OrderDate:      order.OrderDate,
		OrderStatus:    order.OrderStatus.String(),
		TotalPrice:     order.TotalPrice,
		DeliveryFee:    order.DeliveryFee,
		DiscountAmount: order.DiscountAmount,
		UsedPoint:      order.UsedPoint,
		SavedPoint:     order.SavedPoint,
		PaymentMethod:  order.PaymentMethod,
		TrackingNumber: order.TrackingNumber,
		ShippingDate:   order.ShippingDate,
		Items:          items,
	}
	if full {
		out.UserID = order.UserID
		out.RecipientName = order.RecipientName
		out.RecipientPhone = order.RecipientPhone
		out.Zipcode = order.Zipcode
		out.Address = order.Address
		out.DeliveryMemo = order.DeliveryMemo
	}
	return out
}
