package models

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// InventoryUnit is a sellable unit: a serialized device or bulk accessory stock.
type InventoryUnit struct {
	ID            int64           `db:"id" json:"id"`
	ProductName   string          `db:"product_name" json:"product_name"`
	IsAccessory   bool            `db:"is_accessory" json:"is_accessory"`
	SaleStatus    string          `db:"sale_status" json:"sale_status"`
	Quantity      int             `db:"quantity" json:"quantity"`
	SellingPrice  decimal.Decimal `db:"selling_price" json:"selling_price"`
	ReservedByID  *int64          `db:"reserved_by_id" json:"reserved_by_id,omitempty"`
	ReservedUntil *time.Time      `db:"reserved_until" json:"reserved_until,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// ValidateQuantity enforces quantity == 1 for unique units and >= 0 for accessories.
func (u *InventoryUnit) ValidateQuantity() error {
	if u.IsAccessory {
		if u.Quantity < 0 {
			return fmt.Errorf("unit %d: accessory quantity cannot be negative", u.ID)
		}
		return nil
	}
	if u.Quantity != 1 {
		return fmt.Errorf("unit %d: unique unit quantity must be 1, got %d", u.ID, u.Quantity)
	}
	return nil
}

// Customer is the buyer attached to an order.
type Customer struct {
	ID              int64  `db:"id" json:"id"`
	Name            string `db:"name" json:"name"`
	Email           string `db:"email" json:"email"`
	Phone           string `db:"phone" json:"phone"`
	DeliveryAddress string `db:"delivery_address" json:"delivery_address"`
}

// Order represents a purchase intent
type Order struct {
	ID             int64           `db:"id" json:"id"`
	OrderID        string          `db:"order_id" json:"order_id"`
	CustomerID     *int64          `db:"customer_id" json:"customer_id,omitempty"`
	UserID         *int64          `db:"user_id" json:"user_id,omitempty"`
	Status         string          `db:"status" json:"status"`
	OrderSource    string          `db:"order_source" json:"order_source"`
	TotalAmount    decimal.Decimal `db:"total_amount" json:"total_amount"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// OrderItem pins one inventory unit to an order at the captured price
type OrderItem struct {
	ID                  int64           `db:"id" json:"id"`
	OrderID             int64           `db:"order_id" json:"order_id"`
	UnitID              int64           `db:"unit_id" json:"unit_id"`
	Quantity            int             `db:"quantity" json:"quantity"`
	UnitPriceAtPurchase decimal.Decimal `db:"unit_price_at_purchase" json:"unit_price_at_purchase"`
}

func (i OrderItem) SubTotal() decimal.Decimal {
	return i.UnitPriceAtPurchase.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// OrderTotal sums item subtotals.
func OrderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.SubTotal())
	}
	return total
}

// Payment is one gateway payment attempt for an order.
type Payment struct {
	ID                int64           `db:"id" json:"id"`
	OrderID           int64           `db:"order_id" json:"order_id"`
	TrackingID        string          `db:"tracking_id" json:"order_tracking_id"`
	MerchantReference string          `db:"merchant_reference" json:"merchant_reference"`
	Status            string          `db:"status" json:"status"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	PaymentMethod     string          `db:"payment_method" json:"payment_method"`
	PaymentAccount    string          `db:"payment_account" json:"payment_account,omitempty"`
	GatewayPaymentID  string          `db:"gateway_payment_id" json:"payment_id,omitempty"`
	PaymentReference  string          `db:"payment_reference" json:"payment_reference,omitempty"`
	RedirectURL       string          `db:"redirect_url" json:"redirect_url"`
	CallbackURL       string          `db:"callback_url" json:"callback_url"`
	NotificationID    string          `db:"notification_id" json:"notification_id,omitempty"`
	IPNReceived       bool            `db:"ipn_received" json:"ipn_received"`
	IPNReceivedAt     *time.Time      `db:"ipn_received_at" json:"ipn_received_at,omitempty"`
	IPNPayload        types.JSONText  `db:"ipn_payload" json:"-"`
	IsVerified        bool            `db:"is_verified" json:"is_verified"`
	VerifiedAt        *time.Time      `db:"verified_at" json:"verified_at,omitempty"`
	FailureReason     string          `db:"failure_reason" json:"failure_reason,omitempty"`
	InitiatedAt       time.Time       `db:"initiated_at" json:"initiated_at"`
	CompletedAt       *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	ExpiredAt         *time.Time      `db:"expired_at" json:"expired_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether no further gateway transition may apply.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

// Receipt is the proof of purchase issued once an order is paid.
type Receipt struct {
	ID             int64      `db:"id" json:"id"`
	OrderID        int64      `db:"order_id" json:"order_id"`
	ReceiptNumber  string     `db:"receipt_number" json:"receipt_number"`
	EmailSent      bool       `db:"email_sent" json:"email_sent"`
	EmailSentAt    *time.Time `db:"email_sent_at" json:"email_sent_at,omitempty"`
	WhatsAppSent   bool       `db:"whatsapp_sent" json:"whatsapp_sent"`
	WhatsAppSentAt *time.Time `db:"whatsapp_sent_at" json:"whatsapp_sent_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// ReservationRequest is a salesperson's request to hold units.
type ReservationRequest struct {
	ID            int64             `db:"id" json:"id"`
	SalespersonID int64             `db:"salesperson_id" json:"salesperson_id"`
	Status        string            `db:"status" json:"status"`
	ApprovedByID  *int64            `db:"approved_by_id" json:"approved_by_id,omitempty"`
	ApprovedAt    *time.Time        `db:"approved_at" json:"approved_at,omitempty"`
	ExpiresAt     *time.Time        `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
	Units         []ReservationUnit `db:"-" json:"units"`
}

// ReservationUnit is one unit covered by a reservation request.
type ReservationUnit struct {
	RequestID int64 `db:"request_id" json:"-"`
	UnitID    int64 `db:"unit_id" json:"unit_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}

// ReturnRequest hands reserved or bought-back units back to stock.
type ReturnRequest struct {
	ID            int64      `db:"id" json:"id"`
	RequestedByID int64      `db:"requested_by_id" json:"requested_by_id"`
	Status        string     `db:"status" json:"status"`
	ApprovedByID  *int64     `db:"approved_by_id" json:"approved_by_id,omitempty"`
	ApprovedAt    *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UnitIDs       []int64    `db:"-" json:"unit_ids"`
}

// Unit sale statuses
const (
	UnitStatusAvailable      = "AVAILABLE"
	UnitStatusReserved       = "RESERVED"
	UnitStatusPendingPayment = "PENDING_PAYMENT"
	UnitStatusSold           = "SOLD"
	UnitStatusReturned       = "RETURNED"
)

// Order statuses
const (
	OrderStatusPending   = "PENDING"
	OrderStatusPaid      = "PAID"
	OrderStatusDelivered = "DELIVERED"
	OrderStatusCanceled  = "CANCELED"
)

// Order sources
const (
	OrderSourceOnline = "ONLINE"
	OrderSourceWalkIn = "WALK_IN"
)

// Payment statuses
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
	PaymentStatusExpired   = "EXPIRED"
)

// Payment methods
const (
	PaymentMethodMpesa       = "MPESA"
	PaymentMethodVisa        = "VISA"
	PaymentMethodMastercard  = "MASTERCARD"
	PaymentMethodAmex        = "AMEX"
	PaymentMethodMobileMoney = "MOBILE_MONEY"
	PaymentMethodBank        = "BANK"
	PaymentMethodCash        = "CASH"
	PaymentMethodUnknown     = "UNKNOWN"
)

// Reservation request statuses
const (
	ReservationStatusPending  = "PENDING"
	ReservationStatusApproved = "APPROVED"
	ReservationStatusRejected = "REJECTED"
	ReservationStatusExpired  = "EXPIRED"
	ReservationStatusReturned = "RETURNED"
)

// Return request statuses
const (
	ReturnStatusPending  = "PENDING"
	ReturnStatusApproved = "APPROVED"
	ReturnStatusRejected = "REJECTED"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
