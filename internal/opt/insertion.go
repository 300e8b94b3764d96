package opt

import (
	"math"

	"shiftroute/internal/model"
)

// Placement is where a new stop should go in the pending chain.
type Placement struct {
	Position   int     // index in the pending slice the new stop takes
	AddedKm    float64 // net distance added to the chain
	Cost       float64 // AddedKm less the priority gap over the stop it moves ahead of
	Unresolved bool
}

// Insert finds the cheapest position for stop among pending, whose chain starts
// at anchor. Taking position i < len(pending) puts stop ahead of pending[i], so
// the detour there is reduced by the bonus gap between the two priorities, the
// same trade Order makes between neighbouring candidates. An urgent stop can
// overtake a normal one for a small detour; a low one pays to overtake a
// higher one. Ties go to the earlier position.
//
// Unresolved stops go to the end, and a resolved stop is never placed behind
// an unresolved one.
func (o *Optimizer) Insert(anchor *model.GeoPoint, pending []model.Stop, stop model.Stop) Placement {
	k := len(pending)
	if !stop.Location.Valid() {
		return Placement{Position: k, Unresolved: true}
	}
	bonus := o.Bonus.For(stop.Priority)

	best := Placement{Position: -1, Cost: math.Inf(1)}
	for i := 0; i <= k; i++ {
		prev := anchor
		if i > 0 {
			prev = pending[i-1].Location
			if !prev.Valid() {
				break
			}
		}
		added := o.leg(prev, stop.Location)
		cost := added
		if i < k {
			next := pending[i].Location
			added += o.leg(stop.Location, next) - o.leg(prev, next)
			cost = added - (bonus - o.Bonus.For(pending[i].Priority))
		}
		if cost < best.Cost {
			best = Placement{Position: i, AddedKm: added, Cost: cost}
		}
	}
	return best
}

// leg is the distance between a and b, counting unknown legs as zero.
func (o *Optimizer) leg(a, b *model.GeoPoint) float64 {
	e := o.Est.Estimate(a, b)
	if e.Unknown {
		return 0
	}
	return e.DistanceKm
}
