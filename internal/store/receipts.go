package store

import (
	"context"

	"checkout-service/internal/models"
)

// GetReceiptByOrderID retrieves the receipt issued for an order
func (q *queries) GetReceiptByOrderID(ctx context.Context, orderID int64) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := q.get(ctx, &receipt, "SELECT * FROM receipts WHERE order_id = $1", orderID); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (q *queries) ReceiptNumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := q.get(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM receipts WHERE receipt_number = $1)", number)
	return exists, err
}

// CreateReceipt creates a receipt with no channel sent yet
func (q *queries) CreateReceipt(ctx context.Context, receipt *models.Receipt) error {
	err := q.get(ctx, receipt, `
		INSERT INTO receipts (order_id, receipt_number)
		VALUES ($1, $2)
		RETURNING id, created_at`,
		receipt.OrderID, receipt.ReceiptNumber)
	return mapUniqueViolation(err)
}

// UpdateReceipt records which channels delivered the receipt
func (q *queries) UpdateReceipt(ctx context.Context, receipt *models.Receipt) error {
	return q.exec(ctx, `
		UPDATE receipts
		SET email_sent = $1, email_sent_at = $2, whatsapp_sent = $3, whatsapp_sent_at = $4
		WHERE id = $5`,
		receipt.EmailSent, receipt.EmailSentAt, receipt.WhatsAppSent, receipt.WhatsAppSentAt, receipt.ID)
}
