package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/pesapal"
	"checkout-service/internal/store"

	"github.com/shopspring/decimal"
)

type memState struct {
	orders       map[int64]models.Order
	items        []models.OrderItem
	customers    map[int64]models.Customer
	units        map[int64]models.InventoryUnit
	payments     map[int64]models.Payment
	receipts     map[int64]models.Receipt
	reservations map[int64]models.ReservationRequest
	returns      map[int64]models.ReturnRequest
	events       map[string]bool
	nextID       int64
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:       make(map[int64]models.Order, len(s.orders)),
		items:        append([]models.OrderItem(nil), s.items...),
		customers:    make(map[int64]models.Customer, len(s.customers)),
		units:        make(map[int64]models.InventoryUnit, len(s.units)),
		payments:     make(map[int64]models.Payment, len(s.payments)),
		receipts:     make(map[int64]models.Receipt, len(s.receipts)),
		reservations: make(map[int64]models.ReservationRequest, len(s.reservations)),
		returns:      make(map[int64]models.ReturnRequest, len(s.returns)),
		events:       make(map[string]bool, len(s.events)),
		nextID:       s.nextID,
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.units {
		c.units[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.reservations {
		v.Units = append([]models.ReservationUnit(nil), v.Units...)
		c.reservations[k] = v
	}
	for k, v := range s.returns {
		v.UnitIDs = append([]int64(nil), v.UnitIDs...)
		c.returns[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// memStore is an in-memory Store. Transactions are serialised and roll back
// to a snapshot on error.
type memStore struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *memState

	// beforeCreatePayment runs outside any lock before a payment insert.
	beforeCreatePayment func()
	// afterPaymentLookup runs once, outside any lock, after a payment is
	// read by tracking id and before the copy is returned.
	afterPaymentLookup func()
}

func newMemStore() *memStore {
	return &memStore{st: &memState{
		orders:       map[int64]models.Order{},
		customers:    map[int64]models.Customer{},
		units:        map[int64]models.InventoryUnit{},
		payments:     map[int64]models.Payment{},
		receipts:     map[int64]models.Receipt{},
		reservations: map[int64]models.ReservationRequest{},
		returns:      map[int64]models.ReturnRequest{},
		events:       map[string]bool{},
		nextID:       100,
	}}
}

func (m *memStore) WithinTx(ctx context.Context, fn func(r store.Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.st.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) id() int64 {
	m.st.nextID++
	return m.st.nextID
}

// seeding helpers

func (m *memStore) addUnit(u models.InventoryUnit) *models.InventoryUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		u.ID = m.id()
	}
	if u.Quantity == 0 && !u.IsAccessory {
		u.Quantity = 1
	}
	if u.SaleStatus == "" {
		u.SaleStatus = models.UnitStatusAvailable
	}
	m.st.units[u.ID] = u
	return &u
}

func (m *memStore) addCustomer(c models.Customer) *models.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.id()
	}
	m.st.customers[c.ID] = c
	return &c
}

func (m *memStore) addOrder(o models.Order, items ...models.OrderItem) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	if o.OrderID == "" {
		o.OrderID = fmt.Sprintf("order-%d", o.ID)
	}
	total := decimal.Zero
	for _, item := range items {
		item.ID = m.id()
		item.OrderID = o.ID
		total = total.Add(item.SubTotal())
		m.st.items = append(m.st.items, item)
	}
	if o.TotalAmount.IsZero() {
		o.TotalAmount = total
	}
	m.st.orders[o.ID] = o
	return &o
}

func (m *memStore) addReservation(r models.ReservationRequest) *models.ReservationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.id()
	}
	for i := range r.Units {
		r.Units[i].RequestID = r.ID
	}
	m.st.reservations[r.ID] = r
	return &r
}

func (m *memStore) addReturn(r models.ReturnRequest) *models.ReturnRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.id()
	}
	m.st.returns[r.ID] = r
	return &r
}

func (m *memStore) unit(id int64) models.InventoryUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.units[id]
}

func (m *memStore) order(id int64) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.orders[id]
}

func (m *memStore) payment(id int64) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.payments[id]
}

func (m *memStore) reservation(id int64) models.ReservationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.reservations[id]
}

func (m *memStore) paymentsFor(orderID int64) []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) setUnitQuantity(id int64, qty int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.st.units[id]
	u.Quantity = qty
	m.st.units[id] = u
}

func (m *memStore) setOrderTotal(id int64, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.st.orders[id]
	o.TotalAmount = total
	m.st.orders[id] = o
}

// store.Repository

func (m *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.IdempotencyKey != nil {
		for _, o := range m.st.orders {
			if o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}
	order.ID = m.id()
	m.st.orders[order.ID] = *order
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (m *memStore) GetOrderByOrderID(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.st.orders {
		if o.OrderID == orderID {
			o := o
			return &o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetOrderForUpdate(ctx context.Context, orderID string) (*models.Order, error) {
	return m.GetOrderByOrderID(ctx, orderID)
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.st.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			o := o
			return &o, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateOrderStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	m.st.orders[id] = o
	return nil
}

func (m *memStore) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = m.id()
	m.st.items = append(m.st.items, *item)
	return nil
}

func (m *memStore) GetOrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderItem
	for _, item := range m.st.items {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *memStore) AccessoryDemand(_ context.Context, unitID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	demand := 0
	for _, item := range m.st.items {
		if item.UnitID != unitID {
			continue
		}
		switch m.st.orders[item.OrderID].Status {
		case models.OrderStatusPending, models.OrderStatusPaid:
			demand += item.Quantity
		}
	}
	return demand, nil
}

func (m *memStore) ListPaidOrdersWithPendingUnits(_ context.Context) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	var out []models.Order
	for _, item := range m.st.items {
		o := m.st.orders[item.OrderID]
		u := m.st.units[item.UnitID]
		if o.Status == models.OrderStatusPaid && !u.IsAccessory &&
			u.SaleStatus == models.UnitStatusPendingPayment && !seen[o.ID] {
			seen[o.ID] = true
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) GetCustomer(_ context.Context, id int64) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) GetUnits(_ context.Context, ids []int64) ([]models.InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []models.InventoryUnit
	for _, id := range sorted {
		if u, ok := m.st.units[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memStore) GetUnitsForUpdate(ctx context.Context, ids []int64) ([]models.InventoryUnit, error) {
	return m.GetUnits(ctx, ids)
}

func (m *memStore) UpdateUnit(_ context.Context, unit *models.InventoryUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.units[unit.ID]; !ok {
		return store.ErrNotFound
	}
	if unit.Quantity < 0 {
		return errors.New("check constraint violated: quantity")
	}
	m.st.units[unit.ID] = *unit
	return nil
}

func (m *memStore) CreatePayment(_ context.Context, payment *models.Payment) error {
	if hook := m.beforeCreatePayment; hook != nil {
		m.beforeCreatePayment = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.st.payments {
		if p.TrackingID == payment.TrackingID {
			return store.ErrDuplicateTrackingID
		}
		if p.OrderID == payment.OrderID && p.Status == models.PaymentStatusPending && payment.Status == models.PaymentStatusPending {
			return store.ErrDuplicatePendingPayment
		}
	}
	payment.ID = m.id()
	m.st.payments[payment.ID] = *payment
	return nil
}

func (m *memStore) GetPaymentByTrackingID(_ context.Context, trackingID string) (*models.Payment, error) {
	p, err := m.paymentByTrackingID(trackingID)
	if hook := m.afterPaymentLookup; hook != nil {
		m.afterPaymentLookup = nil
		hook()
	}
	return p, err
}

func (m *memStore) paymentByTrackingID(trackingID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.st.payments {
		if p.TrackingID == trackingID {
			p := p
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetPaymentForUpdate(_ context.Context, id int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) GetLatestPayment(_ context.Context, orderID int64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Payment
	for _, p := range m.st.payments {
		if p.OrderID == orderID && (latest == nil || p.ID > latest.ID) {
			p := p
			latest = &p
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (m *memStore) UpdatePayment(_ context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.payments[payment.ID]; !ok {
		return store.ErrNotFound
	}
	m.st.payments[payment.ID] = *payment
	return nil
}

func (m *memStore) ListPendingPayments(_ context.Context, initiatedBefore time.Time, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.st.payments {
		if p.Status == models.PaymentStatusPending && p.InitiatedAt.Before(initiatedBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetReceiptByOrderID(_ context.Context, orderID int64) (*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.receipts[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) ReceiptNumberExists(_ context.Context, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.st.receipts {
		if r.ReceiptNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateReceipt(ctx context.Context, receipt *models.Receipt) error {
	if exists, _ := m.ReceiptNumberExists(ctx, receipt.ReceiptNumber); exists {
		return store.ErrDuplicateReceiptNumber
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt.ID = m.id()
	m.st.receipts[receipt.OrderID] = *receipt
	return nil
}

func (m *memStore) UpdateReceipt(_ context.Context, receipt *models.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.receipts[receipt.OrderID] = *receipt
	return nil
}

func (m *memStore) GetReservationForUpdate(_ context.Context, id int64) (*models.ReservationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.Units = append([]models.ReservationUnit(nil), r.Units...)
	return &r, nil
}

func (m *memStore) ListApprovedReservations(_ context.Context, unitIDs []int64) ([]models.ReservationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[int64]bool{}
	for _, id := range unitIDs {
		wanted[id] = true
	}
	var out []models.ReservationRequest
	for _, r := range m.st.reservations {
		if r.Status != models.ReservationStatusApproved {
			continue
		}
		for _, u := range r.Units {
			if wanted[u.UnitID] {
				r.Units = append([]models.ReservationUnit(nil), r.Units...)
				out = append(out, r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateReservation(_ context.Context, r *models.ReservationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.reservations[r.ID] = *r
	return nil
}

func (m *memStore) GetReturnForUpdate(_ context.Context, id int64) (*models.ReturnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.returns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) UpdateReturn(_ context.Context, r *models.ReturnRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.returns[r.ID] = *r
	return nil
}

func (m *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.events[eventID], nil
}

func (m *memStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.events[eventID] = true
	return nil
}

// fakeGateway stands in for the Pesapal client.
type fakeGateway struct {
	mu          sync.Mutex
	submitted   []*pesapal.SubmitOrderRequest
	submitErr   error
	statuses    map[string]*pesapal.TransactionStatus
	statusErr   error
	statusCalls int
	registered  []string
	registerErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: map[string]*pesapal.TransactionStatus{}}
}

func (g *fakeGateway) SubmitOrderRequest(_ context.Context, req *pesapal.SubmitOrderRequest) (*pesapal.SubmitOrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	g.submitted = append(g.submitted, req)
	n := len(g.submitted)
	return &pesapal.SubmitOrderResponse{
		OrderTrackingID:   fmt.Sprintf("trk-%d", n),
		MerchantReference: req.ID,
		RedirectURL:       fmt.Sprintf("https://pay.example.com/iframe/%d", n),
		Status:            "200",
	}, nil
}

func (g *fakeGateway) GetTransactionStatus(_ context.Context, trackingID string) (*pesapal.TransactionStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if s, ok := g.statuses[trackingID]; ok {
		copied := *s
		return &copied, nil
	}
	return &pesapal.TransactionStatus{PaymentStatusDescription: "PENDING"}, nil
}

func (g *fakeGateway) RegisterIPN(_ context.Context, ipnURL, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.registerErr != nil {
		return "", g.registerErr
	}
	g.registered = append(g.registered, ipnURL)
	return "ipn-registered", nil
}

func (g *fakeGateway) setStatus(trackingID, description string, amount *decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[trackingID] = &pesapal.TransactionStatus{
		PaymentStatusDescription: description,
		Amount:                   amount,
		PaymentMethod:            "M-Pesa",
		PaymentAccount:           "2547XXXX0000",
		ConfirmationCode:         "QWE123RTY",
		StatusCode:               1,
	}
}

func amountPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu        sync.Mutex
	created   []*models.OrderCreatedEvent
	paid      []*models.OrderPaidEvent
	cancelled []*models.OrderCancelledEvent
	initiated []*models.PaymentInitiatedEvent
	rejected  []*models.PaymentRejectedEvent
	failed    []*models.PaymentFailedEvent
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, ev *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, ev)
	return nil
}

func (p *recordingPublisher) PublishOrderPaid(_ context.Context, ev *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, ev)
	return nil
}

func (p *recordingPublisher) PublishOrderCancelled(_ context.Context, ev *models.OrderCancelledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, ev)
	return nil
}

func (p *recordingPublisher) PublishPaymentInitiated(_ context.Context, ev *models.PaymentInitiatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated = append(p.initiated, ev)
	return nil
}

func (p *recordingPublisher) PublishPaymentRejected(_ context.Context, ev *models.PaymentRejectedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = append(p.rejected, ev)
	return nil
}

func (p *recordingPublisher) PublishPaymentFailed(_ context.Context, ev *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, ev)
	return nil
}

// memGuard is an in-memory IPNGuard.
type memGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemGuard() *memGuard { return &memGuard{seen: map[string]bool{}} }

func (g *memGuard) CheckAndMark(_ context.Context, trackingID, notificationType string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := trackingID + ":" + notificationType
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

func (g *memGuard) Release(_ context.Context, trackingID, notificationType string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, trackingID+":"+notificationType)
	return nil
}

func (g *memGuard) marked(trackingID, notificationType string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen[trackingID+":"+notificationType]
}

// memLocker is an in-memory Locker.
type memLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	err   error
	calls int
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]bool{}} }

func (l *memLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
