package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
)

// CreateOrder creates a new order
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_id, customer_id, user_id, status, order_source, total_amount, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := q.get(ctx, order, query,
		order.OrderID, order.CustomerID, order.UserID, order.Status,
		order.OrderSource, order.TotalAmount, order.IdempotencyKey)
	return mapUniqueViolation(err)
}

// GetOrderByID retrieves an order by its numeric id
func (q *queries) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	if err := q.get(ctx, &order, "SELECT * FROM orders WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByOrderID retrieves an order by its public uuid
func (q *queries) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	if err := q.get(ctx, &order, "SELECT * FROM orders WHERE order_id = $1", orderID); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderForUpdate locks the order row until the transaction ends
func (q *queries) GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	if err := q.get(ctx, &order, "SELECT * FROM orders WHERE order_id = $1 FOR UPDATE", orderID); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (q *queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	if err := q.get(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates order status
func (q *queries) UpdateOrderStatus(ctx context.Context, id int64, status string) error {
	return q.exec(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
}

// CreateOrderItem creates a new order item
func (q *queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, unit_id, quantity, unit_price_at_purchase)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return q.get(ctx, &item.ID, query,
		item.OrderID, item.UnitID, item.Quantity, item.UnitPriceAtPurchase)
}

// GetOrderItems retrieves all items for an order
func (q *queries) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := q.selectAll(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// AccessoryDemand sums the quantity of a unit claimed by PENDING and PAID orders
func (q *queries) AccessoryDemand(ctx context.Context, unitID int64) (int, error) {
	var demand int
	err := q.get(ctx, &demand, `
		SELECT COALESCE(SUM(oi.quantity), 0)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.unit_id = $1 AND o.status IN ($2, $3)`,
		unitID, models.OrderStatusPending, models.OrderStatusPaid)
	if err != nil {
		return 0, fmt.Errorf("failed to sum accessory demand: %w", err)
	}
	return demand, nil
}

// ListPaidOrdersWithPendingUnits finds PAID orders that still hold units in PENDING_PAYMENT
func (q *queries) ListPaidOrdersWithPendingUnits(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := q.selectAll(ctx, &orders, `
		SELECT DISTINCT o.*
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		JOIN inventory_units u ON u.id = oi.unit_id
		WHERE o.status = $1 AND u.sale_status = $2
		ORDER BY o.id`,
		models.OrderStatusPaid, models.UnitStatusPendingPayment)
	return orders, err
}

// GetCustomer retrieves a customer by id
func (q *queries) GetCustomer(ctx context.Context, id int64) (*models.Customer, error) {
	var customer models.Customer
	if err := q.get(ctx, &customer, "SELECT * FROM customers WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &customer, nil
}

// IsEventProcessed checks if an event has been processed
func (q *queries) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := q.get(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (q *queries) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := q.ext.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
