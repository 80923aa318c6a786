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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	pgStatusPaid = "paid"

	verifyLockTTL  = 30 * time.Second
	verifyLockWait = 10 * time.Second

	ErrorCodePaymentFailed  = "PAYMENT_FAILED"
	ErrorCodePGCancelFailed = "PG_CANCEL_FAILED"
)

// errDuplicateCharge aborts the verify transaction when the order already
// has a completed payment.
var errDuplicateCharge = errors.New("order already has a completed payment")

type PaymentService interface {
	PreparePayment(ctx context.Context, callerID string, req *dto.PrepareRequest) (*dto.PrepareResponse, error)
	// VerifyPayment is the only path that moves a payment out of PENDING.
	// Repeated calls for the same impUID return the recorded outcome.
	VerifyPayment(ctx context.Context, impUID, merchantUID string) (*dto.VerifyResponse, error)
	HandleWebhook(ctx context.Context, req *dto.WebhookRequest) (*dto.VerifyResponse, error)
	CancelPayment(ctx context.Context, callerID string, req *dto.CancelPaymentRequest) (*dto.CancelPaymentResult, error)
	CancelPaymentByImpUID(ctx context.Context, callerID, impUID, reason string) (*dto.CancelPaymentResult, error)
	GetPaymentStatus(ctx context.Context, paymentID, callerID string) (*dto.PaymentStatus, error)
}

type paymentServiceImpl struct {
	db           *gorm.DB
	pgClient     client.PGClient
	orderService OrderService
	orderRepo    repository.OrderRepository
	paymentRepo  repository.PaymentRepository
	webhookRepo  repository.WebhookEventRepository
	outboxRepo   repository.OutboxRepository
	locker       lock.Locker
	log          *zap.Logger
}

func NewPaymentService(
	db *gorm.DB,
	pgClient client.PGClient,
	orderService OrderService,
	orderRepo repository.OrderRepository,
	paymentRepo repository.PaymentRepository,
	webhookRepo repository.WebhookEventRepository,
	outboxRepo repository.OutboxRepository,
	locker lock.Locker,
	log *zap.Logger,
) PaymentService {
	return &paymentServiceImpl{
		db:           db,
		pgClient:     pgClient,
		orderService: orderService,
		orderRepo:    orderRepo,
		paymentRepo:  paymentRepo,
		webhookRepo:  webhookRepo,
		outboxRepo:   outboxRepo,
		locker:       locker,
		log:          log,
	}
}

func (s *paymentServiceImpl) PreparePayment(ctx context.Context, callerID string, req *dto.PrepareRequest) (*dto.PrepareResponse, error) {
	if req.OrderID == "" {
		return nil, validationError("order id is required")
	}

	order, err := s.findOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if callerID != "" && order.UserID != callerID {
		return nil, ErrNotOrderOwner
	}
	if order.OrderStatus == model.OrderStatusCancelled {
		return nil, newError(KindState, "ORDER_CANCELLED", "order is cancelled")
	}
	if order.OrderStatus.IsPaid() {
		return nil, newError(KindState, "ALREADY_PAID", "order is already paid")
	}
	// the charge is always the stored total
	if req.Amount != 0 && req.Amount != order.TotalPrice {
		return nil, ErrAmountMismatch
	}

	payment, err := s.paymentRepo.FindPendingByOrderID(ctx, s.db, order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("find pending payment: %w", err)
	}
	if payment == nil {
		method := req.PaymentMethod
		if method == "" {
			method = order.PaymentMethod
		}
		payment = &model.Payment{
			PaymentID:     newPaymentID(),
			OrderID:       order.OrderID,
			PaymentAmount: order.TotalPrice,
			PaymentStatus: model.PaymentStatusPending,
			PaymentMethod: method,
		}
		if err := s.paymentRepo.Create(ctx, s.db, payment); err != nil {
			return nil, fmt.Errorf("store payment: %w", err)
		}
	}

	// verify checks the amount again, so a failed pre-registration is not fatal
	if err := s.pgClient.PreparePayment(ctx, order.OrderID, order.TotalPrice); err != nil {
		s.log.Warn("pg prepare failed",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
	}

	return &dto.PrepareResponse{
		PaymentID:    payment.PaymentID,
		MerchantUID:  order.OrderID,
		Amount:       order.TotalPrice,
		BuyerName:    order.RecipientName,
		BuyerEmail:   order.Email,
		BuyerTel:     order.RecipientPhone,
		BuyerAddr:    order.Address,
		BuyerZipcode: order.Zipcode,
	}, nil
}

func (s *paymentServiceImpl) VerifyPayment(ctx context.Context, impUID, merchantUID string) (*dto.VerifyResponse, error) {
	if impUID == "" {
		return nil, validationError("imp uid is required")
	}

	release, err := lock.AcquireWait(ctx, s.locker, "payment:verify:"+impUID, verifyLockTTL, verifyLockWait)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrPaymentInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire verify lock: %w", err)
	}
	defer release()

	if cached, err := s.cachedOutcome(ctx, impUID); cached != nil || err != nil {
		return cached, err
	}

	pgPayment, err := s.pgClient.GetPayment(ctx, impUID)
	if err != nil {
		s.log.Error("pg payment lookup failed", zap.String("imp_uid", impUID), zap.Error(err))
		return nil, ErrPGUnavailable
	}
	if merchantUID != "" && pgPayment.MerchantUID != merchantUID {
		return nil, validationError("merchant uid %s does not match pg record %s", merchantUID, pgPayment.MerchantUID)
	}
	if pgPayment.Status != pgStatusPaid {
		return nil, newError(KindValidation, "PAYMENT_NOT_PAID",
			fmt.Sprintf("payment is not completed, pg status %s", pgPayment.Status))
	}

	order, err := s.findOrder(ctx, pgPayment.MerchantUID)
	if err != nil {
		return nil, err
	}

	expected := decimal.NewFromInt(order.TotalPrice)
	if !pgPayment.Amount.Equal(expected) {
		return s.rejectCharge(ctx, order, pgPayment,
			fmt.Sprintf("amount mismatch: paid %s, order total %s", pgPayment.Amount, expected))
	}
	if order.OrderStatus == model.OrderStatusCancelled {
		return s.rejectCharge(ctx, order, pgPayment, "order is cancelled")
	}

	payment, err := s.completeCharge(ctx, order, pgPayment)
	switch {
	case err == nil:
		s.log.Info("payment completed",
			zap.String("payment_id", payment.PaymentID),
			zap.String("order_id", order.OrderID),
			zap.String("imp_uid", impUID))
		return toVerifyResponse(payment), nil

	case errors.Is(err, gorm.ErrDuplicatedKey):
		// someone else recorded this charge first
		return s.cachedOutcome(ctx, impUID)

	case errors.Is(err, errDuplicateCharge):
		return s.rejectCharge(ctx, order, pgPayment, "order already paid by another charge")

	case KindOf(err) == KindState:
		return s.rejectCharge(ctx, order, pgPayment, err.Error())

	default:
		return nil, fmt.Errorf("complete payment %s: %w", impUID, err)
	}
}

func (s *paymentServiceImpl) cachedOutcome(ctx context.Context, impUID string) (*dto.VerifyResponse, error) {
	existing, err := s.paymentRepo.FindByInvoicePoID(ctx, impUID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by imp uid: %w", err)
	}
	return toVerifyResponse(existing), nil
}

// completeCharge records the PG charge as COMPLETED and pays the order, all
// in one transaction.
func (s *paymentServiceImpl) completeCharge(ctx context.Context, order *model.Order, pgPayment *client.PGPayment) (*model.Payment, error) {
	impUID := pgPayment.ImpUID
	var payment *model.Payment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		paid, err := s.paymentRepo.ExistsCompletedForOrder(ctx, tx, order.OrderID)
		if err != nil {
			return fmt.Errorf("check completed payment: %w", err)
		}
		if paid {
			return errDuplicateCharge
		}

		pending, err := s.paymentRepo.FindPendingByOrderID(ctx, tx, order.OrderID)
		if err != nil {
			return fmt.Errorf("find pending payment: %w", err)
		}

		promoted := false
		if pending != nil {
			applyPGPayment(pending, pgPayment)
			promoted, err = s.paymentRepo.Promote(ctx, tx, pending, model.PaymentStatusCompleted)
			if err != nil {
				return fmt.Errorf("promote payment: %w", err)
			}
			payment = pending
		}
		if !promoted {
			payment = &model.Payment{
				PaymentID: newPaymentID(),
				OrderID:   order.OrderID,
			}
			applyPGPayment(payment, pgPayment)
			if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
				return err
			}
		}
		payment.PaymentStatus = model.PaymentStatusCompleted

		if err := s.orderService.MarkPaymentCompleted(ctx, tx, order.OrderID); err != nil {
			return err
		}

		return s.outboxRepo.Add(ctx, tx, order.OrderID, model.EventPaymentCompleted, map[string]interface{}{
			"paymentId": payment.PaymentID,
			"orderId":   order.OrderID,
			"impUid":    impUID,
			"amount":    payment.PaymentAmount,
			"userId":    order.UserID,
		})
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// rejectCharge refunds a charge we will not honour and records it as FAILED
// so replays of the same impUID return the same answer.
func (s *paymentServiceImpl) rejectCharge(ctx context.Context, order *model.Order, pgPayment *client.PGPayment, reason string) (*dto.VerifyResponse, error) {
	s.log.Warn("rejecting pg charge",
		zap.String("imp_uid", pgPayment.ImpUID),
		zap.String("order_id", order.OrderID),
		zap.String("reason", reason))

	if _, err := s.pgClient.CancelPayment(ctx, client.PGCancelRequest{
		ImpUID: pgPayment.ImpUID,
		Reason: "automatic cancel: " + reason,
	}); err != nil {
		s.log.Error("pg auto cancel failed", zap.String("imp_uid", pgPayment.ImpUID), zap.Error(err))
		reason += " (auto cancel failed)"
	}

	payment := &model.Payment{
		PaymentID: newPaymentID(),
		OrderID:   order.OrderID,
	}
	applyPGPayment(payment, pgPayment)
	payment.PaymentStatus = model.PaymentStatusFailed
	payment.FailReason = reason

	err := s.paymentRepo.Create(ctx, s.db, payment)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return s.cachedOutcome(ctx, pgPayment.ImpUID)
	}
	if err != nil {
		return nil, fmt.Errorf("store failed payment: %w", err)
	}
	return toVerifyResponse(payment), nil
}

func (s *paymentServiceImpl) HandleWebhook(ctx context.Context, req *dto.WebhookRequest) (*dto.VerifyResponse, error) {
	if req.ImpUID == "" {
		return nil, validationError("imp_uid is required")
	}

	event, err := s.webhookRepo.Record(ctx, req.ImpUID, req.MerchantUID, req.Status)
	if err != nil {
		return nil, fmt.Errorf("record webhook: %w", err)
	}

	// only paid notifications move money state; the rest is audit
	if req.Status != "" && req.Status != pgStatusPaid {
		s.setWebhookOutcome(ctx, event, "IGNORED")
		return nil, nil
	}

	resp, err := s.VerifyPayment(ctx, req.ImpUID, req.MerchantUID)
	switch {
	case err != nil:
		s.setWebhookOutcome(ctx, event, "ERROR")
	case resp.Success:
		s.setWebhookOutcome(ctx, event, string(model.PaymentStatusCompleted))
	default:
		s.setWebhookOutcome(ctx, event, string(model.PaymentStatusFailed))
	}
	return resp, err
}

func (s *paymentServiceImpl) setWebhookOutcome(ctx context.Context, event *model.WebhookEvent, outcome string) {
	if err := s.webhookRepo.SetOutcome(ctx, event.ID, outcome); err != nil {
		s.log.Warn("update webhook outcome", zap.Uint("event_id", event.ID), zap.Error(err))
	}
}

func (s *paymentServiceImpl) CancelPayment(ctx context.Context, callerID string, req *dto.CancelPaymentRequest) (*dto.CancelPaymentResult, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	if req.PaymentID == "" {
		return nil, validationError("payment id is required")
	}

	release, err := lock.AcquireWait(ctx, s.locker, "payment:cancel:"+req.PaymentID, verifyLockTTL, verifyLockWait)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrPaymentInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire payment cancel lock: %w", err)
	}
	defer release()

	payment, err := s.findPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if req.OrderID != "" && req.OrderID != payment.OrderID {
		return nil, validationError("payment %s does not belong to order %s", payment.PaymentID, req.OrderID)
	}
	if err := s.checkOwner(ctx, payment, callerID); err != nil {
		return nil, err
	}

	switch payment.PaymentStatus {
	case model.PaymentStatusCancelled, model.PaymentStatusRefunded:
		return &dto.CancelPaymentResult{
			Success:  true,
			CancelID: payment.CancelID,
			Message:  "payment already cancelled",
		}, nil
	case model.PaymentStatusCompleted:
	default:
		return &dto.CancelPaymentResult{
			Success:   false,
			Message:   ErrPaymentNotCancellable.Msg,
			ErrorCode: ErrPaymentNotCancellable.Code,
		}, nil
	}

	refund := req.RefundAmount
	if refund == 0 {
		refund = payment.PaymentAmount
	}
	if refund < 0 || refund > payment.PaymentAmount {
		return nil, validationError("refund amount must be between 1 and %d", payment.PaymentAmount)
	}

	pgReq := client.PGCancelRequest{ImpUID: *payment.InvoicePoID, Reason: req.CancelReason}
	next := model.PaymentStatusCancelled
	if refund < payment.PaymentAmount {
		pgReq.Amount = refund
		next = model.PaymentStatusRefunded
	}

	pgResult, err := s.pgClient.CancelPayment(ctx, pgReq)
	if errors.Is(err, client.ErrPGRejected) {
		s.log.Warn("pg rejected cancel",
			zap.String("payment_id", payment.PaymentID),
			zap.Error(err))
		return &dto.CancelPaymentResult{
			Success:   false,
			Message:   "pg cancel failed: " + err.Error(),
			ErrorCode: ErrorCodePGCancelFailed,
		}, nil
	}
	if err != nil {
		// not a decision by the gateway; the caller retries
		s.log.Error("pg cancel unreachable",
			zap.String("payment_id", payment.PaymentID),
			zap.Error(err))
		return nil, ErrPGUnavailable
	}

	ok, err := s.paymentRepo.MarkCancelled(ctx, s.db, payment, next, refund, pgResult.CancelID)
	if err != nil {
		return nil, fmt.Errorf("mark payment cancelled: %w", err)
	}
	if !ok {
		// the PG has refunded; whoever won the race recorded it
		s.log.Warn("payment changed during cancel", zap.String("payment_id", payment.PaymentID))
	}

	s.log.Info("payment cancelled",
		zap.String("payment_id", payment.PaymentID),
		zap.String("order_id", payment.OrderID),
		zap.Int64("refund", refund),
		zap.String("cancel_id", pgResult.CancelID))

	return &dto.CancelPaymentResult{
		Success:  true,
		CancelID: pgResult.CancelID,
		Message:  "payment cancelled",
	}, nil
}

func (s *paymentServiceImpl) CancelPaymentByImpUID(ctx context.Context, callerID, impUID, reason string) (*dto.CancelPaymentResult, error) {
	payment, err := s.paymentRepo.FindByInvoicePoID(ctx, impUID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by imp uid: %w", err)
	}

	return s.CancelPayment(ctx, callerID, &dto.CancelPaymentRequest{
		PaymentID:    payment.PaymentID,
		OrderID:      payment.OrderID,
		CancelReason: reason,
	})
}

func (s *paymentServiceImpl) GetPaymentStatus(ctx context.Context, paymentID, callerID string) (*dto.PaymentStatus, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	payment, err := s.findPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, payment, callerID); err != nil {
		return nil, err
	}

	status := &dto.PaymentStatus{
		PaymentID:      payment.PaymentID,
		OrderID:        payment.OrderID,
		Status:         payment.PaymentStatus.String(),
		Amount:         payment.PaymentAmount,
		RefundedAmount: payment.RefundedAmount,
		PaymentMethod:  payment.PaymentMethod,
		CardName:       payment.CardName,
		CancelID:       payment.CancelID,
		UpdatedAt:      payment.UpdatedAt,
	}
	if payment.InvoicePoID != nil {
		status.ImpUID = *payment.InvoicePoID
	}
	return status, nil
}

func (s *paymentServiceImpl) checkOwner(ctx context.Context, payment *model.Payment, callerID string) error {
	order, err := s.findOrder(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if order.UserID != callerID {
		return ErrNotOrderOwner
	}
	return nil
}

func (s *paymentServiceImpl) findOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.orderRepo.FindByOrderID(ctx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	return order, nil
}

func (s *paymentServiceImpl) findPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	payment, err := s.paymentRepo.FindByPaymentID(ctx, paymentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	return payment, nil
}

func applyPGPayment(payment *model.Payment, pgPayment *client.PGPayment) {
	impUID := pgPayment.ImpUID
	payment.InvoicePoID = &impUID
	payment.PaymentAmount = pgPayment.Amount.IntPart()
	payment.PaymentStatus = model.PaymentStatusCompleted
	if pgPayment.PayMethod != "" {
		payment.PaymentMethod = pgPayment.PayMethod
	}
	payment.CardName = pgPayment.CardName
	payment.ApprovalNumber = pgPayment.ApplyNum
}

// newPaymentID returns PAY_<unix millis>_<8 upper hex>.
func newPaymentID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("PAY_%d_%s", time.Now().UnixMilli(), suffix)
}

func toVerifyResponse(payment *model.Payment) *dto.VerifyResponse {
	resp := &dto.VerifyResponse{
		Success:        payment.PaymentStatus != model.PaymentStatusFailed,
		PaymentID:      payment.PaymentID,
		OrderID:        payment.OrderID,
		Amount:         payment.PaymentAmount,
		Status:         payment.PaymentStatus.String(),
		PaymentMethod:  payment.PaymentMethod,
		CardName:       payment.CardName,
		ApprovalNumber: payment.ApprovalNumber,
		Message:        "payment verified",
	}
	if payment.InvoicePoID != nil {
		resp.ImpUID = *payment.InvoicePoID
	}
	if !resp.Success {
		resp.Message = "payment failed: " + payment.FailReason
	}
	return resp
}
