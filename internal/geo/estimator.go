// Package geo turns pairs of coordinates into distance and travel-time estimates.
package geo

import (
	"math"

	"shiftroute/internal/model"
)

// Estimate is a leg estimate. Unknown is set when either endpoint is unresolved;
// distance and time are zero in that case.
type Estimate struct {
	DistanceKm float64
	TimeMin    float64
	Unknown    bool
}

// Estimator is a pure, deterministic distance/time capability.
type Estimator interface {
	Estimate(from, to *model.GeoPoint) Estimate
}

const (
	DefaultSpeedKph = 50.0
	earthRadiusKm   = 6371.0
)

// Haversine estimates straight-line distance scaled by Circuity and converts it
// to minutes at SpeedKph.
type Haversine struct {
	SpeedKph float64
	Circuity float64
}

func NewHaversine(speedKph, circuity float64) Haversine {
	if speedKph <= 0 {
		speedKph = DefaultSpeedKph
	}
	if circuity <= 0 {
		circuity = 1
	}
	return Haversine{SpeedKph: speedKph, Circuity: circuity}
}

func (h Haversine) Estimate(from, to *model.GeoPoint) Estimate {
	if !from.Valid() || !to.Valid() {
		return Estimate{Unknown: true}
	}
	circ := h.Circuity
	if circ <= 0 {
		circ = 1
	}
	d := DistanceKm(*from, *to) * circ
	return Estimate{DistanceKm: d, TimeMin: minutesAt(d, h.SpeedKph)}
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func minutesAt(km, speedKph float64) float64 {
	if speedKph <= 0 {
		speedKph = DefaultSpeedKph
	}
	return km / speedKph * 60
}
