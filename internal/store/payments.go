package store

import (
	"context"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx/types"
)

var emptyPayload = types.JSONText("{}")

func payloadOrEmpty(p types.JSONText) types.JSONText {
	if len(p) == 0 {
		return emptyPayload
	}
	return p
}

// CreatePayment records a payment attempt. A second PENDING payment for the
// same order or a reused tracking id fails with a sentinel error.
func (q *queries) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (
			order_id, tracking_id, merchant_reference, status, amount, currency,
			payment_method, redirect_url, callback_url, notification_id,
			ipn_payload, initiated_at, expired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	payment.IPNPayload = payloadOrEmpty(payment.IPNPayload)
	err := q.get(ctx, payment, query,
		payment.OrderID, payment.TrackingID, payment.MerchantReference, payment.Status,
		payment.Amount, payment.Currency, payment.PaymentMethod, payment.RedirectURL,
		payment.CallbackURL, payment.NotificationID, payment.IPNPayload,
		payment.InitiatedAt, payment.ExpiredAt)
	return mapUniqueViolation(err)
}

// GetPaymentByTrackingID retrieves a payment by gateway tracking id
func (q *queries) GetPaymentByTrackingID(ctx context.Context, trackingID string) (*models.Payment, error) {
	var payment models.Payment
	if err := q.get(ctx, &payment, "SELECT * FROM payments WHERE tracking_id = $1", trackingID); err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentForUpdate locks the payment row until the transaction ends
func (q *queries) GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	if err := q.get(ctx, &payment, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetLatestPayment retrieves the most recent payment for an order
func (q *queries) GetLatestPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := q.get(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1", orderID)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment writes every mutable payment field
func (q *queries) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	payment.IPNPayload = payloadOrEmpty(payment.IPNPayload)
	return q.exec(ctx, `
		UPDATE payments SET
			status = $1, amount = $2, payment_method = $3, payment_account = $4,
			gateway_payment_id = $5, payment_reference = $6, ipn_received = $7,
			ipn_received_at = $8, ipn_payload = $9, is_verified = $10, verified_at = $11,
			failure_reason = $12, completed_at = $13, expired_at = $14, updated_at = NOW()
		WHERE id = $15`,
		payment.Status, payment.Amount, payment.PaymentMethod, payment.PaymentAccount,
		payment.GatewayPaymentID, payment.PaymentReference, payment.IPNReceived,
		payment.IPNReceivedAt, payment.IPNPayload, payment.IsVerified, payment.VerifiedAt,
		payment.FailureReason, payment.CompletedAt, payment.ExpiredAt, payment.ID)
}

// ListPendingPayments returns PENDING payments initiated before the cutoff, oldest first
func (q *queries) ListPendingPayments(ctx context.Context, initiatedBefore time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := q.selectAll(ctx, &payments, `
		SELECT * FROM payments
		WHERE status = $1 AND initiated_at < $2
		ORDER BY initiated_at
		LIMIT $3`,
		models.PaymentStatusPending, initiatedBefore, limit)
	return payments, err
}
