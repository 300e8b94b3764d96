// Package opt orders delivery stops for a single driver.
//
// Full ordering is a priority-weighted nearest neighbour; mid-shift additions
// use cheapest insertion so stops the driver already has in mind keep their
// relative order. Everything here is CPU-only: coordinates must be resolved
// before calling in.
package opt

import (
	"math"

	"shiftroute/internal/geo"
	"shiftroute/internal/model"
)

// Bonus maps a priority to the distance (km) it is allowed to "win back" when
// competing with a closer, lower-priority candidate.
type Bonus map[model.Priority]float64

// DefaultBonus moves an urgent stop ahead of a normal one that is up to 2.5km
// closer, but never across an order-of-magnitude distance gap on shift-sized
// routes.
func DefaultBonus() Bonus {
	return Bonus{
		model.PriorityLow:    0,
		model.PriorityNormal: 0.5,
		model.PriorityHigh:   1.5,
		model.PriorityUrgent: 3.0,
	}
}

// For returns the bonus for p; an empty priority counts as normal.
func (b Bonus) For(p model.Priority) float64 {
	if p == "" {
		p = model.PriorityNormal
	}
	return b[p]
}

// Monotonic reports whether the bonus never decreases with priority.
func (b Bonus) Monotonic() bool {
	prev := math.Inf(-1)
	for _, p := range model.Priorities {
		v := b[p]
		if v < prev {
			return false
		}
		prev = v
	}
	return true
}

type Optimizer struct {
	Est   geo.Estimator
	Bonus Bonus
}

func New(est geo.Estimator, bonus Bonus) *Optimizer {
	if bonus == nil {
		bonus = DefaultBonus()
	}
	return &Optimizer{Est: est, Bonus: bonus}
}

// Result is an ordering of stops. Unresolved lists the order refs that had no
// usable coordinates and were sequenced last.
type Result struct {
	Stops      []model.Stop
	Unresolved []string
}

// Order sequences stops from origin. When origin is unresolved the first
// resolved stop (input order) starts the chain. Ties keep input order.
func (o *Optimizer) Order(origin *model.GeoPoint, stops []model.Stop) Result {
	res := Result{Stops: make([]model.Stop, 0, len(stops))}
	if len(stops) == 0 {
		return res
	}
	var resolved, unresolved []model.Stop
	for _, s := range stops {
		if s.Location.Valid() {
			resolved = append(resolved, s)
		} else {
			unresolved = append(unresolved, s)
		}
	}

	used := make([]bool, len(resolved))
	cur := origin
	if !cur.Valid() && len(resolved) > 0 {
		res.Stops = append(res.Stops, resolved[0])
		used[0] = true
		cur = resolved[0].Location
	}
	for len(res.Stops) < len(resolved) {
		best, bestCost := -1, math.Inf(1)
		for i, cand := range resolved {
			if used[i] {
				continue
			}
			c := o.candidateCost(cur, cand)
			if best == -1 || c < bestCost {
				best, bestCost = i, c
			}
		}
		used[best] = true
		res.Stops = append(res.Stops, resolved[best])
		cur = resolved[best].Location
	}

	for _, s := range unresolved {
		res.Stops = append(res.Stops, s)
		res.Unresolved = append(res.Unresolved, s.OrderRef)
	}
	return res
}

func (o *Optimizer) candidateCost(cur *model.GeoPoint, cand model.Stop) float64 {
	e := o.Est.Estimate(cur, cand.Location)
	if e.Unknown {
		return math.MaxFloat64
	}
	return e.DistanceKm - o.Bonus.For(cand.Priority)
}

// Legs writes each stop's leg estimate along the chain that starts at anchor
// and returns the order refs whose estimate is unavailable. With no anchor the
// first stop is the starting point and its leg is zero.
func (o *Optimizer) Legs(anchor *model.GeoPoint, stops []model.Stop) []string {
	var unknown []string
	prev := anchor
	for i := range stops {
		s := &stops[i]
		if i == 0 && !prev.Valid() && s.Location.Valid() {
			prev = s.Location
		}
		e := o.Est.Estimate(prev, s.Location)
		s.EstimatedDistanceKm = e.DistanceKm
		s.EstimatedTimeMin = e.TimeMin
		s.EstimateUnavailable = e.Unknown
		if e.Unknown {
			unknown = append(unknown, s.OrderRef)
		}
		prev = s.Location
	}
	return unknown
}
