package service

import (
	"context"
	"errors"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/lifecycle"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
)

// unitPlan is a computed but not yet written unit transition.
type unitPlan struct {
	unit *models.InventoryUnit
	tr   lifecycle.UnitTransition
	kind lifecycle.UnitEventKind
}

// lockUnits locks the given units and returns them keyed by id. A missing
// unit is a NotFound error.
func lockUnits(ctx context.Context, r store.Repository, ids []int64) (map[int64]*models.InventoryUnit, error) {
	units, err := r.GetUnitsForUpdate(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.InventoryUnit, len(units))
	for i := range units {
		byID[units[i].ID] = &units[i]
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, apperr.Newf(apperr.KindNotFound, "inventory unit %d not found", id)
		}
	}
	return byID, nil
}

func itemUnitIDs(items []models.OrderItem) []int64 {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if !seen[item.UnitID] {
			seen[item.UnitID] = true
			ids = append(ids, item.UnitID)
		}
	}
	return ids
}

// planUnit computes the transition for one unit and maps lifecycle errors to
// state conflicts.
func planUnit(unit *models.InventoryUnit, ev lifecycle.UnitEvent) (unitPlan, error) {
	tr, err := lifecycle.Unit(unit, ev)
	if err != nil {
		return unitPlan{}, unitError(err)
	}
	return unitPlan{unit: unit, tr: tr, kind: ev.Kind}, nil
}

// applyPlans writes every changed unit. Callers compute all plans first so a
// rejected unit leaves the others untouched.
func applyPlans(ctx context.Context, r store.Repository, plans []unitPlan) (int, error) {
	changed := 0
	for _, p := range plans {
		if !p.tr.Changed {
			continue
		}
		lifecycle.Apply(p.unit, p.tr)
		if err := p.unit.ValidateQuantity(); err != nil {
			return changed, apperr.Wrap(apperr.KindFatal, err, "unit invariant violated")
		}
		if err := r.UpdateUnit(ctx, p.unit); err != nil {
			return changed, fmt.Errorf("failed to update unit %d: %w", p.unit.ID, err)
		}
		util.UnitTransitionsTotal.WithLabelValues(string(p.kind), p.tr.To).Inc()
		changed++
	}
	return changed, nil
}

func applyUnit(ctx context.Context, r store.Repository, unit *models.InventoryUnit, ev lifecycle.UnitEvent) error {
	plan, err := planUnit(unit, ev)
	if err != nil {
		return err
	}
	_, err = applyPlans(ctx, r, []unitPlan{plan})
	return err
}

// confirmUnits applies PAYMENT_CONFIRMED to every unit of a paid order. An
// accessory shortfall rejects the whole set.
func confirmUnits(ctx context.Context, r store.Repository, order *models.Order, items []models.OrderItem) (int, error) {
	units, err := lockUnits(ctx, r, itemUnitIDs(items))
	if err != nil {
		return 0, err
	}

	plans := make([]unitPlan, 0, len(items))
	for _, item := range items {
		plan, err := planUnit(units[item.UnitID], lifecycle.UnitEvent{
			Kind:     lifecycle.UnitPaymentConfirmed,
			Source:   order.OrderSource,
			Quantity: item.Quantity,
		})
		if err != nil {
			return 0, err
		}
		plans = append(plans, plan)
	}
	return applyPlans(ctx, r, plans)
}

// restoreUnits applies ORDER_CANCELLED to every unit of an order. Accessory
// quantity is given back only when the order had been paid.
func restoreUnits(ctx context.Context, r store.Repository, order *models.Order, items []models.OrderItem, wasPaid bool) ([]int64, error) {
	units, err := lockUnits(ctx, r, itemUnitIDs(items))
	if err != nil {
		return nil, err
	}

	plans := make([]unitPlan, 0, len(items))
	for _, item := range items {
		unit := units[item.UnitID]
		restore := 0
		if unit.IsAccessory && wasPaid {
			restore = item.Quantity
		}
		plan, err := planUnit(unit, lifecycle.UnitEvent{
			Kind:     lifecycle.UnitOrderCancelled,
			Source:   order.OrderSource,
			Quantity: restore,
		})
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	if _, err := applyPlans(ctx, r, plans); err != nil {
		return nil, err
	}
	restored := make([]int64, 0, len(plans))
	for _, p := range plans {
		if p.tr.Changed {
			restored = append(restored, p.unit.ID)
		}
	}
	return restored, nil
}

func unitError(err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrInsufficientStock):
		return apperr.Wrap(apperr.KindStateConflict, err, "insufficient stock")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return apperr.Wrap(apperr.KindStateConflict, err, "inventory unit is not available for this operation")
	}
	return err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Newf(apperr.KindNotFound, format, args...)
	}
	return err
}
