package route

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"shiftroute/internal/events"
	"shiftroute/internal/metrics"
	"shiftroute/internal/model"
	"shiftroute/internal/store"
)

const removedByRecalculation = "removed by recalculation"

// GetCurrentRoute returns the driver's active route if it started within the
// shift window.
func (m *Manager) GetCurrentRoute(ctx context.Context, driverID string) (r model.Route, err error) {
	defer m.observe("get_current_route", time.Now())(&err)
	if driverID == "" {
		return model.Route{}, fmt.Errorf("get current route: %w: driverId is required", ErrInvalidInput)
	}
	r, err = m.store.GetActiveRoute(ctx, driverID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Route{}, fmt.Errorf("get current route: driver %s has no active route: %w", driverID, ErrRouteNotFound)
	}
	if err != nil {
		return model.Route{}, fmt.Errorf("get current route: driver %s: %w", driverID, err)
	}
	if m.shiftWindow > 0 && m.now().Sub(r.CreatedAt) > m.shiftWindow {
		return model.Route{}, fmt.Errorf("get current route: driver %s: active route %s started %s, outside the %s shift window: %w",
			driverID, r.ID, r.CreatedAt.Format(time.RFC3339), m.shiftWindow, ErrRouteNotFound)
	}
	return r, nil
}

// GetRoute loads any route, including archived ones.
func (m *Manager) GetRoute(ctx context.Context, routeID string) (r model.Route, err error) {
	defer m.observe("get_route", time.Now())(&err)
	r, err = m.store.GetRoute(ctx, routeID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Route{}, fmt.Errorf("get route %s: %w", routeID, ErrRouteNotFound)
	}
	if err != nil {
		return model.Route{}, fmt.Errorf("get route %s: %w", routeID, err)
	}
	return r, nil
}

// ListDriverRoutes returns the driver's routes, newest first.
func (m *Manager) ListDriverRoutes(ctx context.Context, driverID string, limit int) (rs []model.Route, err error) {
	defer m.observe("list_driver_routes", time.Now())(&err)
	if driverID == "" {
		return nil, fmt.Errorf("list routes: %w: driverId is required", ErrInvalidInput)
	}
	rs, err = m.store.ListDriverRoutes(ctx, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list routes for driver %s: %w", driverID, err)
	}
	return rs, nil
}

// CreateOptimizedRoute builds and persists a new route for a driver with no
// active route.
func (m *Manager) CreateOptimizedRoute(ctx context.Context, req model.CreateRouteRequest) (r model.Route, err error) {
	defer m.observe("create_route", time.Now())(&err)
	if req.DriverID == "" {
		return model.Route{}, fmt.Errorf("create route: %w: driverId is required", ErrInvalidInput)
	}
	if err := validateOrders(req.Orders); err != nil {
		return model.Route{}, fmt.Errorf("create route: %w", err)
	}

	unlock := m.driverLocks.Lock(req.DriverID)
	defer unlock()

	switch existing, err := m.store.GetActiveRoute(ctx, req.DriverID); {
	case err == nil:
		return model.Route{}, fmt.Errorf("create route: driver %s has active route %s: %w", req.DriverID, existing.ID, ErrRouteAlreadyActive)
	case !errors.Is(err, store.ErrNotFound):
		return model.Route{}, fmt.Errorf("create route: check active route: %w", err)
	}

	orders := copyOrders(req.Orders)
	warnings := m.resolve(ctx, orders)
	warnings = append(warnings, originWarnings(req.Origin)...)

	now := m.now()
	r = model.Route{
		ID:        m.newID(),
		DriverID:  req.DriverID,
		Version:   1,
		CreatedAt: now,
		Stops:     []model.Stop{},
		History:   []model.HistoryEntry{},
	}
	if req.Origin.Valid() {
		o := *req.Origin
		r.Origin = &o
	}

	stops := make([]model.Stop, 0, len(orders))
	for _, o := range orders {
		stops = append(stops, m.newStop(o))
	}
	res := m.opt.Order(r.Origin, stops)
	metrics.OptimizedStops.WithLabelValues("order").Observe(float64(len(stops)))
	warnings = append(warnings, m.settle(&r, res.Stops)...)
	m.appendHistory(&r, now, model.ActionCreated, fmt.Sprintf("route created with %d stops", len(r.Stops)))

	if err := m.store.CreateRoute(ctx, r); err != nil {
		if errors.Is(err, store.ErrActiveRouteExists) {
			return model.Route{}, fmt.Errorf("create route: driver %s: %w", req.DriverID, ErrRouteAlreadyActive)
		}
		return model.Route{}, fmt.Errorf("create route: save: %w", err)
	}
	r.Warnings = warnings
	m.emit(events.RouteCreated, "", r)
	m.log.WithFields(logrus.Fields{"op": "create_route", "route_id": r.ID, "driver_id": r.DriverID, "stops": len(r.Stops)}).Info("route created")
	return r, nil
}

// CompleteDelivery marks the pending stop for orderRef as delivered.
func (m *Manager) CompleteDelivery(ctx context.Context, routeID, orderRef string, req model.CompleteRequest) (r model.Route, err error) {
	defer m.observe("complete_delivery", time.Now())(&err)
	if orderRef == "" {
		return model.Route{}, fmt.Errorf("complete delivery: %w: orderRef is required", ErrInvalidInput)
	}
	if err := validateActuals(req.ActualDistanceKm, req.ActualTimeMin); err != nil {
		return model.Route{}, fmt.Errorf("complete delivery: %w", err)
	}
	return m.mutate(ctx, "complete_delivery", routeID, func(r *model.Route, now time.Time) (change, error) {
		if err := m.visit(r, now, orderRef, model.StopCompleted, "", req.ActualDistanceKm, req.ActualTimeMin); err != nil {
			return change{}, err
		}
		w := m.settle(r, r.Pending())
		m.appendHistory(r, now, model.ActionCompleted, fmt.Sprintf("delivery %s completed", orderRef))
		return change{event: events.RouteCompleted, orderRef: orderRef, warnings: w}, nil
	})
}

// FailDelivery records a visited stop where the delivery could not be made.
func (m *Manager) FailDelivery(ctx context.Context, routeID, orderRef string, req model.FailRequest) (r model.Route, err error) {
	defer m.observe("fail_delivery", time.Now())(&err)
	if orderRef == "" {
		return model.Route{}, fmt.Errorf("fail delivery: %w: orderRef is required", ErrInvalidInput)
	}
	if err := validateActuals(req.ActualDistanceKm, req.ActualTimeMin); err != nil {
		return model.Route{}, fmt.Errorf("fail delivery: %w", err)
	}
	reason := strings.TrimSpace(req.Reason)
	return m.mutate(ctx, "fail_delivery", routeID, func(r *model.Route, now time.Time) (change, error) {
		if err := m.visit(r, now, orderRef, model.StopFailed, reason, req.ActualDistanceKm, req.ActualTimeMin); err != nil {
			return change{}, err
		}
		w := m.settle(r, r.Pending())
		m.appendHistory(r, now, model.ActionFailed, fmt.Sprintf("delivery %s failed: %s", orderRef, reasonOrDefault(reason)))
		return change{event: events.RouteFailed, orderRef: orderRef, warnings: w}, nil
	})
}

// visit moves the pending stop for orderRef to a visited terminal status and
// numbers the visit. The stop keeps its slot in r.Stops.
func (m *Manager) visit(r *model.Route, now time.Time, orderRef string, status model.StopStatus, reason string, dist, mins *float64) error {
	i := r.FindStop(orderRef)
	if i < 0 {
		return fmt.Errorf("order %s on route %s: %w", orderRef, r.ID, ErrStopNotFound)
	}
	s := &r.Stops[i]
	if s.Status != model.StopPending {
		return fmt.Errorf("order %s on route %s is %s, not pending: %w", orderRef, r.ID, s.Status, ErrStopNotFound)
	}
	s.VisitOrder = r.Visits() + 1
	s.Status = status
	t := now
	s.CompletedAt = &t
	s.ActualDistanceKm = floatPtr(dist)
	s.ActualTimeMin = floatPtr(mins)
	s.Reason = reason
	return nil
}

// AddDeliveryToRoute inserts a new order at its cheapest position in the
// pending chain.
func (m *Manager) AddDeliveryToRoute(ctx context.Context, routeID string, order model.OrderIn) (r model.Route, err error) {
	defer m.observe("add_delivery", time.Now())(&err)
	if err := validateOrders([]model.OrderIn{order}); err != nil {
		return model.Route{}, fmt.Errorf("add delivery: %w", err)
	}
	orders := copyOrders([]model.OrderIn{order})
	if err := m.checkWritable(ctx, "add delivery", routeID, orders); err != nil {
		return model.Route{}, err
	}
	warnings := m.resolve(ctx, orders)
	order = orders[0]

	return m.mutate(ctx, "add_delivery", routeID, func(r *model.Route, now time.Time) (change, error) {
		if i := r.FindStop(order.OrderRef); i >= 0 {
			return change{}, fmt.Errorf("order %s on route %s (status %s): %w", order.OrderRef, r.ID, r.Stops[i].Status, ErrDuplicateStop)
		}
		pending := r.Pending()
		stop := m.newStop(order)
		place := m.opt.Insert(r.Anchor(), pending, stop)
		metrics.OptimizedStops.WithLabelValues("insert").Observe(float64(len(pending) + 1))

		pending = append(pending, model.Stop{})
		copy(pending[place.Position+1:], pending[place.Position:])
		pending[place.Position] = stop

		w := m.settle(r, pending)
		m.appendHistory(r, now, model.ActionUpdated,
			fmt.Sprintf("delivery %s added at position %d (+%.2f km)", order.OrderRef, place.Position, place.AddedKm))
		return change{event: events.RouteUpdated, orderRef: order.OrderRef, warnings: append(warnings, w...)}, nil
	})
}

// CancelDelivery drops a pending stop from the plan. The stop stays on the
// route with status cancelled.
func (m *Manager) CancelDelivery(ctx context.Context, routeID, orderRef string, req model.CancelRequest) (r model.Route, err error) {
	defer m.observe("cancel_delivery", time.Now())(&err)
	if orderRef == "" {
		return model.Route{}, fmt.Errorf("cancel delivery: %w: orderRef is required", ErrInvalidInput)
	}
	reason := strings.TrimSpace(req.Reason)
	return m.mutate(ctx, "cancel_delivery", routeID, func(r *model.Route, now time.Time) (change, error) {
		i := r.FindStop(orderRef)
		if i < 0 {
			return change{}, fmt.Errorf("order %s on route %s: %w", orderRef, r.ID, ErrStopNotFound)
		}
		s := &r.Stops[i]
		if s.Status.Terminal() {
			return change{}, fmt.Errorf("order %s on route %s is already %s: %w", orderRef, r.ID, s.Status, ErrInvalidTransition)
		}
		cancelStop(s, now, reasonOrDefault(reason))

		w := m.settle(r, r.Pending())
		m.appendHistory(r, now, model.ActionCancelled, fmt.Sprintf("delivery %s cancelled: %s", orderRef, reasonOrDefault(reason)))
		return change{event: events.RouteCancelled, orderRef: orderRef, warnings: w}, nil
	})
}

func cancelStop(s *model.Stop, now time.Time, reason string) {
	s.Status = model.StopCancelled
	t := now
	s.CompletedAt = &t
	s.Reason = reason
}

// RecalculateRoute re-runs the full ordering over the supplied pending orders
// (or the current pending set when none are supplied).
func (m *Manager) RecalculateRoute(ctx context.Context, routeID string, req model.RecalculateRequest) (r model.Route, err error) {
	defer m.observe("recalculate_route", time.Now())(&err)
	if err := validateOrders(req.Orders); err != nil {
		return model.Route{}, fmt.Errorf("recalculate route: %w", err)
	}
	orders := copyOrders(req.Orders)
	if err := m.checkWritable(ctx, "recalculate route", routeID, orders); err != nil {
		return model.Route{}, err
	}
	warnings := m.resolve(ctx, orders)
	warnings = append(warnings, originWarnings(req.Origin)...)

	return m.mutate(ctx, "recalculate_route", routeID, func(r *model.Route, now time.Time) (change, error) {
		pending := r.Pending()

		set := pending
		removed := 0
		if len(orders) > 0 {
			set = make([]model.Stop, 0, len(orders))
			supplied := make(map[string]struct{}, len(orders))
			for _, o := range orders {
				supplied[o.OrderRef] = struct{}{}
				i := r.FindStop(o.OrderRef)
				if i < 0 {
					set = append(set, m.newStop(o))
					continue
				}
				s := r.Stops[i]
				if s.Status.Terminal() {
					return change{}, fmt.Errorf("order %s on route %s is already %s: %w", o.OrderRef, r.ID, s.Status, ErrInvalidTransition)
				}
				if o.Address != "" {
					s.Address = o.Address
				}
				if o.Location != nil {
					setLocation(&s, o.Location)
				}
				if o.Priority != "" {
					s.Priority = o.Priority
				}
				set = append(set, s)
			}
			for _, s := range pending {
				if _, keep := supplied[s.OrderRef]; keep {
					continue
				}
				cancelStop(&r.Stops[r.FindStop(s.OrderRef)], now, removedByRecalculation)
				removed++
			}
		}

		if req.Origin.Valid() {
			o := *req.Origin
			r.Origin = &o
			r.OriginVisits = r.Visits()
		}

		res := m.opt.Order(r.Anchor(), set)
		metrics.OptimizedStops.WithLabelValues("order").Observe(float64(len(set)))
		w := m.settle(r, res.Stops)

		desc := fmt.Sprintf("route recalculated over %d pending stops", len(res.Stops))
		if removed > 0 {
			desc += fmt.Sprintf(", %d removed", removed)
		}
		m.appendHistory(r, now, model.ActionRecalculated, desc)
		return change{event: events.RouteRecalculated, warnings: append(warnings, w...)}, nil
	})
}

// EndShift archives the route. No further changes are accepted afterwards.
func (m *Manager) EndShift(ctx context.Context, routeID string) (r model.Route, err error) {
	defer m.observe("end_shift", time.Now())(&err)
	r, err = m.mutate(ctx, "end_shift", routeID, func(r *model.Route, now time.Time) (change, error) {
		t := now
		r.EndedAt = &t
		return change{event: events.RouteEnded}, nil
	})
	if err == nil {
		m.log.WithFields(logrus.Fields{"op": "end_shift", "route_id": r.ID, "driver_id": r.DriverID}).Info("shift ended")
	}
	return r, err
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return "no reason given"
	}
	return reason
}
