package model

type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "PENDING"
	OrderStatusOrdered          OrderStatus = "ORDERED"
	OrderStatusPaymentCompleted OrderStatus = "PAYMENT_COMPLETED"
	OrderStatusPreparing        OrderStatus = "PREPARING"
	OrderStatusShipped          OrderStatus = "SHIPPED"
	OrderStatusDelivered        OrderStatus = "DELIVERED"
	OrderStatusCancelled        OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:          {OrderStatusOrdered, OrderStatusPaymentCompleted, OrderStatusCancelled},
	OrderStatusOrdered:          {OrderStatusPaymentCompleted, OrderStatusCancelled},
	OrderStatusPaymentCompleted: {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing:        {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:          {OrderStatusDelivered},
}

// CancellableOrderStatuses is the set an order may be cancelled from.
var CancellableOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusOrdered,
	OrderStatusPaymentCompleted,
	OrderStatusPreparing,
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsCancellable() bool {
	return s.CanTransitionTo(OrderStatusCancelled)
}

// IsPaid reports whether the order has been charged.
func (s OrderStatus) IsPaid() bool {
	switch s {
	case OrderStatusPaymentCompleted, OrderStatusPreparing, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusOrdered, OrderStatusPaymentCompleted, OrderStatusPreparing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

func (s OrderStatus) String() string {
	return string(s)
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusCompleted: {PaymentStatusCancelled, PaymentStatusRefunded},
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal is true once verification has decided the payment, either way.
func (s PaymentStatus) IsTerminal() bool {
	return s != PaymentStatusPending
}

func (s PaymentStatus) String() string {
	return string(s)
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// OrderItem statuses follow the order.
const (
	OrderItemStatusOrdered   = "ORDERED"
	OrderItemStatusCancelled = "CANCELLED"
)

// Outbox event types.
const (
	EventOrderCreated     = "order.created"
	EventPaymentCompleted = "payment.completed"
	EventOrderCancelled   = "order.cancelled"
	EventRefundStuck      = "refund.stuck"
)
