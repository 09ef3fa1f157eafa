package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/multierr"
)

var (
	ErrNotFound                = errors.New("record not found")
	ErrDuplicateTrackingID     = errors.New("payment tracking id already recorded")
	ErrDuplicatePendingPayment = errors.New("order already has a pending payment")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrDuplicateReceiptNumber  = errors.New("receipt number already used")
)

const uniqueViolation = "23505"

// Repository is the data access surface shared by the pool and by an open
// transaction. Methods suffixed ForUpdate only lock rows inside WithinTx.
type Repository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status string) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	AccessoryDemand(ctx context.Context, unitID int64) (int, error)
	ListPaidOrdersWithPendingUnits(ctx context.Context) ([]models.Order, error)

	GetCustomer(ctx context.Context, id int64) (*models.Customer, error)

	GetUnits(ctx context.Context, ids []int64) ([]models.InventoryUnit, error)
	GetUnitsForUpdate(ctx context.Context, ids []int64) ([]models.InventoryUnit, error)
	UpdateUnit(ctx context.Context, unit *models.InventoryUnit) error

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByTrackingID(ctx context.Context, trackingID string) (*models.Payment, error)
	GetPaymentForUpdate(ctx context.Context, id int64) (*models.Payment, error)
	GetLatestPayment(ctx context.Context, orderID int64) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	ListPendingPayments(ctx context.Context, initiatedBefore time.Time, limit int) ([]models.Payment, error)

	GetReceiptByOrderID(ctx context.Context, orderID int64) (*models.Receipt, error)
	ReceiptNumberExists(ctx context.Context, number string) (bool, error)
	CreateReceipt(ctx context.Context, receipt *models.Receipt) error
	UpdateReceipt(ctx context.Context, receipt *models.Receipt) error

	GetReservationForUpdate(ctx context.Context, id int64) (*models.ReservationRequest, error)
	ListApprovedReservations(ctx context.Context, unitIDs []int64) ([]models.ReservationRequest, error)
	UpdateReservation(ctx context.Context, r *models.ReservationRequest) error

	GetReturnForUpdate(ctx context.Context, id int64) (*models.ReturnRequest, error)
	UpdateReturn(ctx context.Context, r *models.ReturnRequest) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

type Store struct {
	*queries
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: &queries{ext: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx runs fn in a transaction. fn's error or panic rolls back.
func (s *Store) WithinTx(ctx context.Context, fn func(r Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&queries{ext: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return multierr.Append(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries implements Repository over either *sqlx.DB or *sqlx.Tx.
type queries struct {
	ext sqlx.ExtContext
}

func (q *queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := sqlx.GetContext(ctx, q.ext, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (q *queries) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q.ext, dest, query, args...)
}

func (q *queries) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return mapUniqueViolation(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// mapUniqueViolation turns a unique-constraint failure into the sentinel for
// the violated constraint. Other errors pass through.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "payments_tracking_id_key":
		return fmt.Errorf("%w: %s", ErrDuplicateTrackingID, pqErr.Detail)
	case "payments_one_pending_per_order":
		return fmt.Errorf("%w: %s", ErrDuplicatePendingPayment, pqErr.Detail)
	case "orders_idempotency_key_key":
		return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, pqErr.Detail)
	case "receipts_receipt_number_key":
		return fmt.Errorf("%w: %s", ErrDuplicateReceiptNumber, pqErr.Detail)
	}
	return err
}
