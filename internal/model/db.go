package model

import "time"

type Order struct {
	OrderID        string      `gorm:"primaryKey;size:64;not null"` // ORD_<uuid>
	UserID         string      `gorm:"size:64;index;not null"`
	OrderDate      time.Time   `gorm:"not null"`
	OrderStatus    OrderStatus `gorm:"size:32;index;not null"`
	TotalPrice     int64       `gorm:"not null"` // items + delivery fee - discount
	DeliveryFee    int64       `gorm:"not null;default:0"`
	DiscountAmount int64       `gorm:"not null;default:0"` // coupon discount + used points
	UsedPoint      int64       `gorm:"not null;default:0"`
	SavedPoint     int64       `gorm:"not null;default:0"`
	PaymentMethod  string      `gorm:"size:32;not null;default:CARD"`
	TrackingNumber string      `gorm:"size:64"`
	ShippingDate   *time.Time

	// recipient info, only visible to the owner
	Email          string `gorm:"size:128"`
	Phone          string `gorm:"size:32"`
	RecipientName  string `gorm:"size:64"`
	RecipientPhone string `gorm:"size:32"`
	Zipcode        string `gorm:"size:16"`
	Address        string `gorm:"size:255"`
	DeliveryMemo   string `gorm:"size:255"`

	Version int64 `gorm:"not null;default:0"`

	Items []*OrderItem `gorm:"foreignKey:OrderID;references:OrderID"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderItem struct {
	OrderItemID string `gorm:"primaryKey;size:64;not null"`
	// FK → orders.order_id
	OrderID     string `gorm:"size:64;index;not null"`
	ProductID   string `gorm:"size:64;index;not null"`
	ProductName string `gorm:"size:255"`
	Quantity    int32  `gorm:"not null"`
	UnitPrice   int64  `gorm:"not null"`
	TotalPrice  int64  `gorm:"not null"`
	Status      string `gorm:"size:32;not null"`

	CreatedAt time.Time
}

type Payment struct {
	PaymentID string `gorm:"primaryKey;size:64;not null"` // PAY_<ts>_<hex>
	OrderID   string `gorm:"size:64;index;not null"`
	// PG transaction id (imp_uid). Unique so a charge can only be recorded once.
	InvoicePoID    *string       `gorm:"size:64;uniqueIndex"`
	PaymentAmount  int64         `gorm:"not null"`
	RefundedAmount int64         `gorm:"not null;default:0"`
	PaymentStatus  PaymentStatus `gorm:"size:32;index;not null"`
	PaymentMethod  string        `gorm:"size:32"`
	CardName       string        `gorm:"size:64"`
	ApprovalNumber string        `gorm:"size:64"`
	FailReason     string        `gorm:"size:255"`
	CancelID       string        `gorm:"size:64"`
	Version        int64         `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderCancel struct {
	ID              uint         `gorm:"primaryKey"`
	OrderID         string       `gorm:"size:64;index;not null"`
	UserID          string       `gorm:"size:64;not null"`
	Reason          string       `gorm:"size:255"`
	Detail          string       `gorm:"size:1024"`
	RefundAmount    int64        `gorm:"not null"`
	RefundStatus    RefundStatus `gorm:"size:32;index;not null"`
	PaymentID       string       `gorm:"size:64"`
	PaymentCancelID string       `gorm:"size:64"`
	ErrorCode       string       `gorm:"size:64"`
	Attempts        int          `gorm:"not null;default:0"`
	NextAttemptAt   *time.Time   `gorm:"index"`
	LastError       string       `gorm:"size:1024"`
	CancelDate      time.Time    `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookEvent is an audit row per PG notification. Dedupe happens on Payment.
type WebhookEvent struct {
	ID          uint   `gorm:"primaryKey"`
	ImpUID      string `gorm:"size:64;index;not null"`
	MerchantUID string `gorm:"size:64;index"`
	Status      string `gorm:"size:32"`
	Outcome     string `gorm:"size:64"`
	ReceivedAt  time.Time
}

type OutboxEvent struct {
	ID          uint       `gorm:"primaryKey"`
	AggregateID string     `gorm:"size:64;index;not null"`
	EventType   string     `gorm:"size:64;not null"`
	Payload     []byte     `gorm:"not null"`
	ProcessedAt *time.Time `gorm:"index"`
	CreatedAt   time.Time
}
