package dto

import "time"

// Response is the envelope every endpoint answers with.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`
}

func OK(message string, data interface{}) Response {
	return Response{Success: true, Message: message, Data: data}
}

func Fail(message, errorCode string) Response {
	return Response{Success: false, Message: message, ErrorCode: errorCode}
}

// -------- orders --------

type CheckoutItem struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	TotalPrice  *int64 `json:"totalPrice,omitempty"`
}

type CheckoutRequest struct {
	Items          []*CheckoutItem `json:"items"`
	DeliveryFee    int64           `json:"deliveryFee"`
	DiscountAmount int64           `json:"discountAmount"`
	UsedPoint      int64           `json:"usedPoint"`
	TotalPrice     *int64          `json:"totalPrice,omitempty"`
	PaymentMethod  string          `json:"paymentMethod"`
	OrderStatus    string          `json:"orderStatus"`

	Email          string `json:"email"`
	Phone          string `json:"phone"`
	RecipientName  string `json:"recipientName"`
	RecipientPhone string `json:"recipientPhone"`
	Zipcode        string `json:"zipcode"`
	Address        string `json:"address"`
	DeliveryMemo   string `json:"deliveryMemo"`
}

type OrderItem struct {
	OrderItemID string `json:"orderItemId"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int32  `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
	TotalPrice  int64  `json:"totalPrice"`
	Status      string `json:"status"`
}

type Order struct {
	OrderID        string       `json:"orderId"`
	UserID         string       `json:"userId,omitempty"`
	OrderDate      time.Time    `json:"orderDate"`
	OrderStatus    string       `json:"orderStatus"`
	TotalPrice     int64        `json:"totalPrice"`
	DeliveryFee    int64        `json:"deliveryFee"`
	DiscountAmount int64        `json:"discountAmount"`
	UsedPoint      int64        `json:"usedPoint"`
	SavedPoint     int64        `json:"savedPoint"`
	PaymentMethod  string       `json:"paymentMethod"`
	TrackingNumber string       `json:"trackingNumber,omitempty"`
	ShippingDate   *time.Time   `json:"shippingDate,omitempty"`
	Items          []*OrderItem `json:"items"`

	RecipientName  string               `json:"recipientName,omitempty"`
	RecipientPhone string               `json:"recipientPhone,omitempty"`
	Zipcode        string               `json:"zipcode,omitempty"`
	Address        string               `json:"address,omitempty"`
	DeliveryMemo   string               `json:"deliveryMemo,omitempty"`
	Cancellations  []*OrderCancellation `json:"cancellations,omitempty"`
}

// OrderCancellation is one cancellation attempt as the owner sees it.
type OrderCancellation struct {
	Reason          string    `json:"reason,omitempty"`
	RefundStatus    string    `json:"refundStatus"`
	RefundAmount    int64     `json:"refundAmount"`
	PaymentCancelID string    `json:"paymentCancelId,omitempty"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	Attempts        int       `json:"attempts"`
	CancelDate      time.Time `json:"cancelDate"`
}

type OrderCount struct {
	Count int64 `json:"count"`
}

type CancelOrderRequest struct {
	OrderID      string `json:"orderId"`
	UserID       string `json:"userId"`
	Reason       string `json:"reason"`
	Detail       string `json:"detail"`
	RefundAmount int64  `json:"refundAmount"`
	PaymentID    string `json:"paymentId"`
}

type CancelOrderResponse struct {
	OrderID         string    `json:"orderId"`
	OrderStatus     string    `json:"orderStatus"`
	RefundStatus    string    `json:"refundStatus"`
	RefundAmount    int64     `json:"refundAmount"`
	PaymentCancelID string    `json:"paymentCancelId,omitempty"`
	CancelDate      time.Time `json:"cancelDate"`
	Message         string    `json:"message"`
}

type AdvanceStatusRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"trackingNumber"`
}

// -------- payments --------

type PrepareRequest struct {
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
}

type PrepareResponse struct {
	PaymentID    string `json:"paymentId"`
	MerchantUID  string `json:"merchantUid"`
	Amount       int64  `json:"amount"`
	BuyerName    string `json:"buyerName"`
	BuyerEmail   string `json:"buyerEmail"`
	BuyerTel     string `json:"buyerTel"`
	BuyerAddr    string `json:"buyerAddr"`
	BuyerZipcode string `json:"buyerPostcode"`
}

type VerifyRequest struct {
	ImpUID      string `json:"impUid"`
	MerchantUID string `json:"merchantUid"`
}

type VerifyResponse struct {
	Success        bool   `json:"success"`
	PaymentID      string `json:"paymentId"`
	OrderID        string `json:"orderId"`
	ImpUID         string `json:"impUid"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	PaymentMethod  string `json:"paymentMethod,omitempty"`
	CardName       string `json:"cardName,omitempty"`
	ApprovalNumber string `json:"approvalNumber,omitempty"`
	Message        string `json:"message"`
}

// WebhookRequest is the PG notification body. Field names are snake_case on the wire.
type WebhookRequest struct {
	ImpUID      string `json:"imp_uid"`
	MerchantUID string `json:"merchant_uid"`
	Status      string `json:"status"`
}

type CancelPaymentRequest struct {
	PaymentID    string `json:"paymentId"`
	OrderID      string `json:"orderId"`
	UserID       string `json:"userId"`
	RefundAmount int64  `json:"refundAmount"`
	CancelReason string `json:"cancelReason"`
}

type CancelPaymentResult struct {
	Success   bool   `json:"success"`
	CancelID  string `json:"cancelId,omitempty"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode,omitempty"`
}

type PaymentStatus struct {
	PaymentID      string    `json:"paymentId"`
	OrderID        string    `json:"orderId"`
	ImpUID         string    `json:"impUid,omitempty"`
	Status         string    `json:"status"`
	Amount         int64     `json:"amount"`
	RefundedAmount int64     `json:"refundedAmount"`
	PaymentMethod  string    `json:"paymentMethod,omitempty"`
	CardName       string    `json:"cardName,omitempty"`
	CancelID       string    `json:"cancelId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// -------- events --------

type UserWithdrawalEvent struct {
	EventID          string `json:"eventId"`
	EventType        string `json:"eventType"`
	UserID           string `json:"userId"`
	WithdrawalReason string `json:"withdrawalReason"`
}
