// Package events carries route change notifications from the manager to
// live subscribers (SSE, websocket) and outbound webhooks.
package events

import (
	"time"

	"shiftroute/internal/model"
)

const (
	RouteCreated      = "route.created"
	RouteUpdated      = "route.updated"
	RouteCompleted    = "route.completed"
	RouteFailed       = "route.failed"
	RouteCancelled    = "route.cancelled"
	RouteRecalculated = "route.recalculated"
	RouteEnded        = "route.ended"
)

type Event struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	RouteID  string       `json:"routeId"`
	DriverID string       `json:"driverId"`
	OrderRef string       `json:"orderRef,omitempty"`
	Version  int          `json:"version"`
	At       time.Time    `json:"at"`
	Route    *model.Route `json:"route,omitempty"`
}

// Publisher receives events after they have been persisted.
type Publisher interface {
	Publish(evt Event)
}

// Broker fans events out to per-route subscribers.
type Broker interface {
	Publisher
	Subscribe(routeID string) chan Event
	Unsubscribe(routeID string, ch chan Event)
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(evt)
		}
	}
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(evt Event) { f(evt) }
