// Package route owns the lifecycle of a driver's shift route: creation,
// incremental edits as deliveries happen, recalculation and archival.
//
// Every mutation runs load, validate, mutate a copy, then a compare-and-swap
// save. Mutations on one route are serialized in-process; the store's version
// check catches writers in other processes, in which case the operation is
// replayed against the fresh copy.
package route

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shiftroute/internal/events"
	"shiftroute/internal/geo"
	"shiftroute/internal/geocode"
	"shiftroute/internal/metrics"
	"shiftroute/internal/model"
	"shiftroute/internal/opt"
	"shiftroute/internal/store"
)

type Options struct {
	// ShiftWindow bounds how old an active route may be and still count as
	// the driver's current route. Zero disables the check.
	ShiftWindow time.Duration
	// MaxRetries is how many times a mutation is replayed after losing a
	// version race to another writer.
	MaxRetries int

	Resolver  geocode.Resolver // optional
	Publisher events.Publisher // optional
	Logger    logrus.FieldLogger

	Now   func() time.Time
	NewID func() string
}

type Manager struct {
	store     store.Store
	opt       *opt.Optimizer
	resolver  geocode.Resolver
	publisher events.Publisher
	log       logrus.FieldLogger

	shiftWindow time.Duration
	maxRetries  int
	now         func() time.Time
	newID       func() string

	routeLocks  *keyedMutex
	driverLocks *keyedMutex
}

func NewManager(st store.Store, o *opt.Optimizer, opts Options) *Manager {
	m := &Manager{
		store:       st,
		opt:         o,
		resolver:    opts.Resolver,
		publisher:   opts.Publisher,
		log:         opts.Logger,
		shiftWindow: opts.ShiftWindow,
		maxRetries:  opts.MaxRetries,
		now:         opts.Now,
		newID:       opts.NewID,
		routeLocks:  newKeyedMutex(),
		driverLocks: newKeyedMutex(),
	}
	if m.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		m.log = l
	}
	if m.maxRetries < 0 {
		m.maxRetries = 0
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// change describes what a mutation did, for history, events and logs.
type change struct {
	event    string
	orderRef string
	warnings []model.Warning
}

// mutate applies fn to a fresh copy of the route and persists it, replaying
// on version conflicts.
func (m *Manager) mutate(ctx context.Context, op, routeID string, fn func(r *model.Route, now time.Time) (change, error)) (model.Route, error) {
	if routeID == "" {
		return model.Route{}, fmt.Errorf("%s: %w: route id is required", op, ErrInvalidInput)
	}
	unlock := m.routeLocks.Lock(routeID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		cur, err := m.store.GetRoute(ctx, routeID)
		if errors.Is(err, store.ErrNotFound) {
			return model.Route{}, fmt.Errorf("%s: route %s: %w", op, routeID, ErrRouteNotFound)
		}
		if err != nil {
			return model.Route{}, fmt.Errorf("%s: load route %s: %w", op, routeID, err)
		}
		if !cur.Active() {
			return model.Route{}, fmt.Errorf("%s: route %s ended at %s: %w", op, routeID, cur.EndedAt.Format(time.RFC3339), ErrRouteArchived)
		}

		next := cur.Clone()
		next.Warnings = nil
		ch, err := fn(&next, m.now())
		if err != nil {
			return model.Route{}, fmt.Errorf("%s: %w", op, err)
		}

		saved, err := m.store.SaveRoute(ctx, next)
		switch {
		case err == nil:
			saved.Warnings = ch.warnings
			m.emit(ch.event, ch.orderRef, saved)
			return saved, nil
		case errors.Is(err, store.ErrConflict):
			metrics.StoreConflicts.WithLabelValues(op).Inc()
			if attempt < m.maxRetries {
				m.log.WithFields(logrus.Fields{"op": op, "route_id": routeID, "attempt": attempt + 1}).Debug("version conflict, retrying")
				continue
			}
			return model.Route{}, fmt.Errorf("%s: route %s after %d attempts: %w", op, routeID, attempt+1, ErrConcurrentUpdate)
		case errors.Is(err, store.ErrArchived):
			return model.Route{}, fmt.Errorf("%s: route %s: %w", op, routeID, ErrRouteArchived)
		case errors.Is(err, store.ErrNotFound):
			return model.Route{}, fmt.Errorf("%s: route %s: %w", op, routeID, ErrRouteNotFound)
		default:
			return model.Route{}, fmt.Errorf("%s: save route %s: %w", op, routeID, err)
		}
	}
}

func (m *Manager) emit(eventType, orderRef string, r model.Route) {
	if m.publisher == nil || eventType == "" {
		return
	}
	snapshot := r.Clone()
	m.publisher.Publish(events.Event{
		ID:       m.newID(),
		Type:     eventType,
		RouteID:  r.ID,
		DriverID: r.DriverID,
		OrderRef: orderRef,
		Version:  r.Version,
		At:       m.now(),
		Route:    &snapshot,
	})
}

// observe records the outcome of an operation. Use as
// defer m.observe("op", time.Now())(&err).
func (m *Manager) observe(op string, start time.Time) func(*error) {
	return func(errp *error) {
		outcome := "ok"
		if errp != nil && *errp != nil {
			outcome = KindOf(*errp).String()
			entry := m.log.WithField("op", op).WithError(*errp)
			if KindOf(*errp) == KindInternal {
				entry.Error("route operation failed")
			} else {
				entry.Debug("route operation rejected")
			}
		}
		metrics.RouteOps.WithLabelValues(op, outcome).Inc()
		metrics.RouteOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// settle lays pending stops, given in visit order, into the route's pending
// slots, recomputes their legs from the chain anchor and renumbers them, then
// recomputes totals. Terminal stops are never moved. pending must hold every
// stop still pending on r plus any new ones; new stops take slots appended at
// the end. It returns warnings for pending stops whose legs could not be
// estimated.
func (m *Manager) settle(r *model.Route, pending []model.Stop) []model.Warning {
	unknown := m.opt.Legs(r.Anchor(), pending)

	slots := make([]int, 0, len(pending))
	for i := range r.Stops {
		if r.Stops[i].Status == model.StopPending {
			slots = append(slots, i)
		}
	}
	for len(slots) < len(pending) {
		r.Stops = append(r.Stops, model.Stop{})
		slots = append(slots, len(r.Stops)-1)
	}
	for i, s := range pending {
		s.SequenceIndex = i
		r.Stops[slots[i]] = s
	}

	r.CompletedDistanceKm, r.CompletedTimeMin = 0, 0
	var pendingKm, pendingMin float64
	for _, s := range r.Stops {
		switch {
		case s.Visited():
			r.CompletedDistanceKm += s.AccountedDistanceKm()
			r.CompletedTimeMin += s.AccountedTimeMin()
		case s.Status == model.StopPending:
			pendingKm += s.EstimatedDistanceKm
			pendingMin += s.EstimatedTimeMin
		}
	}
	r.TotalDistanceKm = r.CompletedDistanceKm + pendingKm
	r.TotalTimeMin = r.CompletedTimeMin + pendingMin

	warnings := make([]model.Warning, 0, len(unknown))
	for _, ref := range unknown {
		warnings = append(warnings, model.Warning{
			Code:     model.WarnEstimationUnavailable,
			OrderRef: ref,
			Message:  fmt.Sprintf("no travel estimate for %s; its stop has no usable coordinates or follows one that does not", ref),
		})
	}
	return warnings
}

func (m *Manager) appendHistory(r *model.Route, now time.Time, action model.HistoryAction, description string) {
	r.History = append(r.History, model.HistoryEntry{
		ID:              m.newID(),
		Timestamp:       now,
		Action:          action,
		Description:     description,
		StopCount:       len(r.Stops),
		TotalDistanceKm: r.TotalDistanceKm,
		TotalTimeMin:    r.TotalTimeMin,
	})
}

// newStop builds a pending stop from a validated order.
func (m *Manager) newStop(o model.OrderIn) model.Stop {
	s := model.Stop{
		ID:       m.newID(),
		OrderRef: o.OrderRef,
		Address:  o.Address,
		Status:   model.StopPending,
		Priority: o.Priority,
	}
	if s.Priority == "" {
		s.Priority = model.PriorityNormal
	}
	setLocation(&s, o.Location)
	return s
}

func setLocation(s *model.Stop, p *model.GeoPoint) {
	s.Location, s.Geohash = nil, ""
	if p == nil {
		return
	}
	loc := *p
	s.Location = &loc
	s.Geohash = geo.Key(&loc)
}

// checkWritable reports a missing or ended route before any address in
// orders is sent to the resolver. It reads nothing when no order needs a
// lookup; mutate repeats the check under the route lock.
func (m *Manager) checkWritable(ctx context.Context, op, routeID string, orders []model.OrderIn) error {
	if m.resolver == nil || !needsLookup(orders) {
		return nil
	}
	if routeID == "" {
		return fmt.Errorf("%s: %w: route id is required", op, ErrInvalidInput)
	}
	r, err := m.store.GetRoute(ctx, routeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s: route %s: %w", op, routeID, ErrRouteNotFound)
	case err != nil:
		return fmt.Errorf("%s: load route %s: %w", op, routeID, err)
	case !r.Active():
		return fmt.Errorf("%s: route %s ended at %s: %w", op, routeID, r.EndedAt.Format(time.RFC3339), ErrRouteArchived)
	}
	return nil
}

func needsLookup(orders []model.OrderIn) bool {
	for _, o := range orders {
		if o.Location == nil && o.Address != "" {
			return true
		}
	}
	return false
}

// resolve fills in coordinates for orders that only carry an address. Lookup
// failures leave the order unresolved and produce a warning.
func (m *Manager) resolve(ctx context.Context, orders []model.OrderIn) []model.Warning {
	if m.resolver == nil {
		return nil
	}
	var warnings []model.Warning
	for i := range orders {
		o := &orders[i]
		if !needsLookup(orders[i : i+1]) {
			continue
		}
		p, err := m.resolver.Resolve(ctx, o.Address)
		if err != nil {
			m.log.WithError(err).WithField("order_ref", o.OrderRef).Warn("address could not be geocoded")
			warnings = append(warnings, model.Warning{
				Code:     model.WarnGeocodeFailed,
				OrderRef: o.OrderRef,
				Message:  fmt.Sprintf("address %q could not be resolved", o.Address),
			})
			continue
		}
		o.Location = &p
	}
	return warnings
}

func validateOrders(orders []model.OrderIn) error {
	seen := make(map[string]struct{}, len(orders))
	for i, o := range orders {
		if o.OrderRef == "" {
			return fmt.Errorf("%w: orders[%d]: orderRef is required", ErrInvalidInput, i)
		}
		if _, dup := seen[o.OrderRef]; dup {
			return fmt.Errorf("%w: orders[%d]: orderRef %q appears more than once", ErrInvalidInput, i, o.OrderRef)
		}
		seen[o.OrderRef] = struct{}{}
		if o.Priority != "" && !o.Priority.Valid() {
			return fmt.Errorf("%w: orders[%d]: unknown priority %q", ErrInvalidInput, i, o.Priority)
		}
	}
	return nil
}

func validateActuals(dist, mins *float64) error {
	if dist != nil && (!(*dist >= 0) || math.IsInf(*dist, 1)) {
		return fmt.Errorf("%w: actualDistanceKm must be a non-negative number", ErrInvalidInput)
	}
	if mins != nil && (!(*mins >= 0) || math.IsInf(*mins, 1)) {
		return fmt.Errorf("%w: actualTimeMin must be a non-negative number", ErrInvalidInput)
	}
	return nil
}

func copyOrders(in []model.OrderIn) []model.OrderIn {
	out := make([]model.OrderIn, len(in))
	for i, o := range in {
		out[i] = o
		if o.Location != nil {
			p := *o.Location
			out[i].Location = &p
		}
	}
	return out
}

func originWarnings(origin *model.GeoPoint) []model.Warning {
	if origin == nil || origin.Valid() {
		return nil
	}
	return []model.Warning{{
		Code:    model.WarnOriginUnresolved,
		Message: fmt.Sprintf("origin (%v, %v) is outside the valid coordinate range and was ignored", origin.Lat, origin.Lng),
	}}
}

func floatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
