package model

import (
	"cmp"
	"slices"
	"time"
)

// Core domain types for driver shift routes.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is inside the WGS84 coordinate range.
func (p *GeoPoint) Valid() bool {
	return p != nil && p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists priorities from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopCompleted StopStatus = "completed"
	StopFailed    StopStatus = "failed"
	StopCancelled StopStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s StopStatus) Terminal() bool {
	return s == StopCompleted || s == StopFailed || s == StopCancelled
}

// OrderIn is a delivery order handed to the engine by the caller.
type OrderIn struct {
	OrderRef string    `json:"orderRef"`
	Address  string    `json:"address,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
	Priority Priority  `json:"priority,omitempty"`
}

type Stop struct {
	ID                  string     `json:"id"`
	OrderRef            string     `json:"orderRef"`
	Address             string     `json:"address,omitempty"`
	Location            *GeoPoint  `json:"location,omitempty"`
	Geohash             string     `json:"geohash,omitempty"`
	SequenceIndex       int        `json:"sequenceIndex"`
	EstimatedDistanceKm float64    `json:"estimatedDistanceKm"`
	EstimatedTimeMin    float64    `json:"estimatedTimeMin"`
	EstimateUnavailable bool       `json:"estimateUnavailable,omitempty"`
	ActualDistanceKm    *float64   `json:"actualDistanceKm,omitempty"`
	ActualTimeMin       *float64   `json:"actualTimeMin,omitempty"`
	Status              StopStatus `json:"status"`
	Priority            Priority   `json:"priority"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	VisitOrder          int        `json:"visitOrder,omitempty"` // 1-based, set when completed or failed
	Reason              string     `json:"reason,omitempty"`     // cancel or failure reason
}

// Visited reports whether the driver physically reached the stop.
func (s Stop) Visited() bool { return s.Status == StopCompleted || s.Status == StopFailed }

// AccountedDistanceKm is the stop's contribution to route distance totals.
// Cancelled stops were never driven and contribute nothing.
func (s Stop) AccountedDistanceKm() float64 {
	switch s.Status {
	case StopCancelled:
		return 0
	case StopCompleted, StopFailed:
		if s.ActualDistanceKm != nil {
			return *s.ActualDistanceKm
		}
	}
	return s.EstimatedDistanceKm
}

// AccountedTimeMin is the stop's contribution to route time totals.
func (s Stop) AccountedTimeMin() float64 {
	switch s.Status {
	case StopCancelled:
		return 0
	case StopCompleted, StopFailed:
		if s.ActualTimeMin != nil {
			return *s.ActualTimeMin
		}
	}
	return s.EstimatedTimeMin
}

type HistoryAction string

const (
	ActionCreated      HistoryAction = "created"
	ActionUpdated      HistoryAction = "updated"
	ActionCompleted    HistoryAction = "completed"
	ActionFailed       HistoryAction = "failed"
	ActionCancelled    HistoryAction = "cancelled"
	ActionRecalculated HistoryAction = "recalculated"
)

// HistoryEntry is an immutable audit record of a route-level event.
type HistoryEntry struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	Action          HistoryAction `json:"action"`
	Description     string        `json:"description"`
	StopCount       int           `json:"stopCount"`
	TotalDistanceKm float64       `json:"totalDistanceKm"`
	TotalTimeMin    float64       `json:"totalTimeMin"`
}

type Route struct {
	ID                  string         `json:"id"`
	DriverID            string         `json:"driverId"`
	Version             int            `json:"version"`
	CreatedAt           time.Time      `json:"createdAt"`
	EndedAt             *time.Time     `json:"endedAt,omitempty"`
	Origin              *GeoPoint      `json:"origin,omitempty"`
	OriginVisits        int            `json:"originVisits"` // visited stops when origin was last set
	Stops               []Stop         `json:"stops"` // terminal stops keep their slot; pending slots are filled in visit order
	TotalDistanceKm     float64        `json:"totalDistanceKm"`
	TotalTimeMin        float64        `json:"totalTimeMin"`
	CompletedDistanceKm float64        `json:"completedDistanceKm"`
	CompletedTimeMin    float64        `json:"completedTimeMin"`
	History             []HistoryEntry `json:"history"`
	Warnings            []Warning      `json:"warnings,omitempty"`
}

// Visits counts completed and failed stops.
func (r Route) Visits() int {
	n := 0
	for _, s := range r.Stops {
		if s.Visited() {
			n++
		}
	}
	return n
}

// Anchor is the point the pending chain is measured from: the most recently
// visited stop with a known location, unless the origin was set after it.
func (r Route) Anchor() *GeoPoint {
	var last *GeoPoint
	lastVisit := r.OriginVisits
	for i := range r.Stops {
		s := &r.Stops[i]
		if s.Visited() && s.VisitOrder > lastVisit && s.Location.Valid() {
			last, lastVisit = s.Location, s.VisitOrder
		}
	}
	if last != nil {
		return last
	}
	return r.Origin
}

// Active reports whether the route has not been archived by ending the shift.
func (r Route) Active() bool { return r.EndedAt == nil }

// Pending returns the pending stops in visit order (by SequenceIndex).
func (r Route) Pending() []Stop {
	out := []Stop{}
	for _, s := range r.Stops {
		if s.Status == StopPending {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b Stop) int { return cmp.Compare(a.SequenceIndex, b.SequenceIndex) })
	return out
}

// FindStop returns the index of the stop carrying orderRef, or -1.
func (r Route) FindStop(orderRef string) int {
	for i := range r.Stops {
		if r.Stops[i].OrderRef == orderRef {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r Route) Clone() Route {
	out := r
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.Origin != nil {
		o := *r.Origin
		out.Origin = &o
	}
	out.Stops = make([]Stop, len(r.Stops))
	for i, s := range r.Stops {
		out.Stops[i] = s.clone()
	}
	out.History = append([]HistoryEntry(nil), r.History...)
	out.Warnings = append([]Warning(nil), r.Warnings...)
	return out
}

func (s Stop) clone() Stop {
	out := s
	if s.Location != nil {
		l := *s.Location
		out.Location = &l
	}
	if s.ActualDistanceKm != nil {
		v := *s.ActualDistanceKm
		out.ActualDistanceKm = &v
	}
	if s.ActualTimeMin != nil {
		v := *s.ActualTimeMin
		out.ActualTimeMin = &v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Warning is a non-blocking condition surfaced with a returned route.
type Warning struct {
	Code     string `json:"code"`
	OrderRef string `json:"orderRef,omitempty"`
	Message  string `json:"message"`
}

const (
	WarnEstimationUnavailable = "estimation_unavailable"
	WarnGeocodeFailed         = "geocode_failed"
	WarnOriginUnresolved      = "origin_unresolved"
)

// Request bodies

type CreateRouteRequest struct {
	DriverID string    `json:"driverId"`
	Origin   *GeoPoint `json:"origin,omitempty"`
	Orders   []OrderIn `json:"orders"`
}

type CompleteRequest struct {
	ActualTimeMin    *float64 `json:"actualTimeMin,omitempty"`
	ActualDistanceKm *float64 `json:"actualDistanceKm,omitempty"`
}

type FailRequest struct {
	Reason           string   `json:"reason"`
	ActualTimeMin    *float64 `json:"actualTimeMin,omitempty"`
	ActualDistanceKm *float64 `json:"actualDistanceKm,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RecalculateRequest struct {
	Origin *GeoPoint `json:"origin,omitempty"`
	Orders []OrderIn `json:"orders,omitempty"`
}
