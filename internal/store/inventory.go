package store

import (
	"context"
	"fmt"

	"checkout-service/internal/models"

	"github.com/lib/pq"
)

// GetUnits retrieves units by id, ordered by id
func (q *queries) GetUnits(ctx context.Context, ids []int64) ([]models.InventoryUnit, error) {
	if len(ids) == 0 {
		return []models.InventoryUnit{}, nil
	}
	var units []models.InventoryUnit
	err := q.selectAll(ctx, &units,
		"SELECT * FROM inventory_units WHERE id = ANY($1) ORDER BY id", pq.Array(ids))
	return units, err
}

// GetUnitsForUpdate locks units in id order so concurrent orders cannot deadlock
func (q *queries) GetUnitsForUpdate(ctx context.Context, ids []int64) ([]models.InventoryUnit, error) {
	if len(ids) == 0 {
		return []models.InventoryUnit{}, nil
	}
	var units []models.InventoryUnit
	err := q.selectAll(ctx, &units,
		"SELECT * FROM inventory_units WHERE id = ANY($1) ORDER BY id FOR UPDATE", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock units: %w", err)
	}
	return units, nil
}

// UpdateUnit writes status, quantity and reservation fields together
func (q *queries) UpdateUnit(ctx context.Context, unit *models.InventoryUnit) error {
	return q.exec(ctx, `
		UPDATE inventory_units
		SET sale_status = $1, quantity = $2, reserved_by_id = $3, reserved_until = $4, updated_at = NOW()
		WHERE id = $5`,
		unit.SaleStatus, unit.Quantity, unit.ReservedByID, unit.ReservedUntil, unit.ID)
}

// GetReservationForUpdate locks a reservation request and loads its units
func (q *queries) GetReservationForUpdate(ctx context.Context, id int64) (*models.ReservationRequest, error) {
	var r models.ReservationRequest
	if err := q.get(ctx, &r, "SELECT * FROM reservation_requests WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	if err := q.selectAll(ctx, &r.Units,
		"SELECT * FROM reservation_request_units WHERE request_id = $1 ORDER BY unit_id", id); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListApprovedReservations returns APPROVED reservations covering any of the units, locked
func (q *queries) ListApprovedReservations(ctx context.Context, unitIDs []int64) ([]models.ReservationRequest, error) {
	if len(unitIDs) == 0 {
		return nil, nil
	}
	var requests []models.ReservationRequest
	err := q.selectAll(ctx, &requests, `
		SELECT * FROM reservation_requests
		WHERE status = $1 AND id IN (
			SELECT request_id FROM reservation_request_units WHERE unit_id = ANY($2)
		)
		ORDER BY id
		FOR UPDATE`,
		models.ReservationStatusApproved, pq.Array(unitIDs))
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return requests, nil
	}

	ids := make([]int64, len(requests))
	byID := make(map[int64]*models.ReservationRequest, len(requests))
	for i := range requests {
		ids[i] = requests[i].ID
		byID[requests[i].ID] = &requests[i]
	}

	var units []models.ReservationUnit
	if err := q.selectAll(ctx, &units,
		"SELECT * FROM reservation_request_units WHERE request_id = ANY($1) ORDER BY request_id, unit_id",
		pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, u := range units {
		if r, ok := byID[u.RequestID]; ok {
			r.Units = append(r.Units, u)
		}
	}
	return requests, nil
}

// UpdateReservation updates the status and approval fields of a reservation
func (q *queries) UpdateReservation(ctx context.Context, r *models.ReservationRequest) error {
	return q.exec(ctx, `
		UPDATE reservation_requests
		SET status = $1, approved_by_id = $2, approved_at = $3, expires_at = $4
		WHERE id = $5`,
		r.Status, r.ApprovedByID, r.ApprovedAt, r.ExpiresAt, r.ID)
}

// GetReturnForUpdate locks a return request and loads its unit ids
func (q *queries) GetReturnForUpdate(ctx context.Context, id int64) (*models.ReturnRequest, error) {
	var r models.ReturnRequest
	if err := q.get(ctx, &r, "SELECT * FROM return_requests WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, err
	}
	if err := q.selectAll(ctx, &r.UnitIDs,
		"SELECT unit_id FROM return_request_units WHERE request_id = $1 ORDER BY unit_id", id); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateReturn updates the status and approval fields of a return request
func (q *queries) UpdateReturn(ctx context.Context, r *models.ReturnRequest) error {
	return q.exec(ctx, `
		UPDATE return_requests
		SET status = $1, approved_by_id = $2, approved_at = $3
		WHERE id = $4`,
		r.Status, r.ApprovedByID, r.ApprovedAt, r.ID)
}
