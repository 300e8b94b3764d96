package geo

import (
	"github.com/mmcloughlin/geohash"

	"shiftroute/internal/model"
)

// KeyPrecision is the geohash precision used for table keys (~5m cells).
const KeyPrecision = 9

// Key returns the geohash cell of p, or "" when p is unresolved.
func Key(p *model.GeoPoint) string {
	if !p.Valid() {
		return ""
	}
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, KeyPrecision)
}

// Table serves measured leg figures, such as the optimizer.legs matrix in the
// service config, and falls back to another Estimator for unknown pairs.
type Table struct {
	legs     map[string]Estimate
	fallback Estimator
	speedKph float64
}

// NewTable builds an empty table. A nil fallback reports unknown pairs as Unknown.
func NewTable(fallback Estimator, speedKph float64) *Table {
	return &Table{legs: map[string]Estimate{}, fallback: fallback, speedKph: speedKph}
}

// Set records the leg from -> to. A non-positive timeMin is derived from the
// table speed.
func (t *Table) Set(from, to model.GeoPoint, distanceKm, timeMin float64) {
	if timeMin <= 0 {
		timeMin = minutesAt(distanceKm, t.speedKph)
	}
	t.legs[Key(&from)+"|"+Key(&to)] = Estimate{DistanceKm: distanceKm, TimeMin: timeMin}
}

// SetSymmetric records the leg in both directions.
func (t *Table) SetSymmetric(a, b model.GeoPoint, distanceKm, timeMin float64) {
	t.Set(a, b, distanceKm, timeMin)
	t.Set(b, a, distanceKm, timeMin)
}

func (t *Table) Estimate(from, to *model.GeoPoint) Estimate {
	if !from.Valid() || !to.Valid() {
		return Estimate{Unknown: true}
	}
	if e, ok := t.legs[Key(from)+"|"+Key(to)]; ok {
		return e
	}
	if Key(from) == Key(to) {
		return Estimate{}
	}
	if t.fallback == nil {
		return Estimate{Unknown: true}
	}
	return t.fallback.Estimate(from, to)
}
