package store

import (
	"context"
	"sort"
	"sync"

	"shiftroute/internal/model"
)

// Memory is an in-process store used when no database is configured.
type Memory struct {
	mu       sync.RWMutex
	routes   map[string]model.Route // id -> route
	active   map[string]string      // driverId -> active route id
	byDriver map[string][]string    // driverId -> route ids, oldest first
}

func NewMemory() *Memory {
	return &Memory{
		routes:   map[string]model.Route{},
		active:   map[string]string{},
		byDriver: map[string][]string{},
	}
}

func (m *Memory) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[routeID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) GetActiveRoute(ctx context.Context, driverID string) (model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[driverID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return m.routes[id].Clone(), nil
}

func (m *Memory) ListDriverRoutes(ctx context.Context, driverID string, limit int) ([]model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byDriver[driverID]
	out := make([]model.Route, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.routes[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if l := clampLimit(limit); len(out) > l {
		out = out[:l]
	}
	return out, nil
}

func (m *Memory) CreateRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.routes[r.ID]; exists {
		return ErrConflict
	}
	if r.EndedAt == nil {
		if _, busy := m.active[r.DriverID]; busy {
			return ErrActiveRouteExists
		}
		m.active[r.DriverID] = r.ID
	}
	r = r.Clone()
	r.Warnings = nil
	m.routes[r.ID] = r
	m.byDriver[r.DriverID] = append(m.byDriver[r.DriverID], r.ID)
	return nil
}

func (m *Memory) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.routes[r.ID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	if cur.Version != r.Version {
		return model.Route{}, ErrConflict
	}
	if !cur.Active() {
		return model.Route{}, ErrArchived
	}
	if len(r.History) < len(cur.History) {
		return model.Route{}, ErrHistoryRewrite
	}
	next := r.Clone()
	next.Version = cur.Version + 1
	next.Warnings = nil
	m.routes[r.ID] = next
	if !next.Active() {
		delete(m.active, next.DriverID)
	}
	return next.Clone(), nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
