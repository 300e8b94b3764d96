package store

import (
	"context"
	"errors"

	"shiftroute/internal/model"
)

// Store is the persistence contract for route aggregates.
//
// Reads return committed snapshots only. SaveRoute is a compare-and-swap on
// Route.Version: the stored version must equal the caller's, and the saved
// route comes back with the next version. History is append-only; SaveRoute
// only writes entries beyond those already stored.
type Store interface {
	GetRoute(ctx context.Context, routeID string) (model.Route, error)
	GetActiveRoute(ctx context.Context, driverID string) (model.Route, error)
	ListDriverRoutes(ctx context.Context, driverID string, limit int) ([]model.Route, error)

	// CreateRoute inserts a new route, failing with ErrActiveRouteExists when
	// the driver already has one with no end time.
	CreateRoute(ctx context.Context, r model.Route) error
	SaveRoute(ctx context.Context, r model.Route) (model.Route, error)

	Ping(ctx context.Context) error
}

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("version conflict")
	ErrActiveRouteExists = errors.New("driver already has an active route")
	ErrArchived          = errors.New("route is archived")
	ErrHistoryRewrite    = errors.New("history is append-only")
)

const defaultListLimit = 20

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
