package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftroute/internal/events"
	"shiftroute/internal/geo"
	"shiftroute/internal/model"
	"shiftroute/internal/opt"
	"shiftroute/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)} }

// Now advances one second per call so history timestamps are distinct.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	m     *Manager
	st    store.Store
	clock *clock
	pub   *recorder
}

func newHarness(t *testing.T, st store.Store, est geo.Estimator, tweak ...func(*Options)) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	if est == nil {
		est = geo.NewHaversine(0, 0)
	}
	h := &harness{st: st, clock: newClock(), pub: &recorder{}}
	opts := Options{ShiftWindow: 24 * time.Hour, MaxRetries: 3, Now: h.clock.Now, Publisher: h.pub}
	for _, f := range tweak {
		f(&opts)
	}
	h.m = NewManager(st, opt.New(est, nil), opts)
	return h
}

func pt(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func order(ref string, p *model.GeoPoint, pr model.Priority) model.OrderIn {
	return model.OrderIn{OrderRef: ref, Location: p, Priority: pr}
}

func refsOf(stops []model.Stop) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = s.OrderRef
	}
	return out
}

func stopByRef(t *testing.T, r model.Route, ref string) model.Stop {
	t.Helper()
	i := r.FindStop(ref)
	require.GreaterOrEqual(t, i, 0, "stop %s not on route", ref)
	return r.Stops[i]
}

// checkInvariants asserts the route-level invariants that must hold after
// every operation.
func checkInvariants(t *testing.T, r model.Route) {
	t.Helper()
	var pendKm, pendMin, doneKm, doneMin float64
	seen := map[int]bool{}
	pending := 0
	lastSeq := -1
	for _, s := range r.Stops {
		if s.Status == model.StopPending {
			pending++
			pendKm += s.EstimatedDistanceKm
			pendMin += s.EstimatedTimeMin
			assert.False(t, seen[s.SequenceIndex], "duplicate sequenceIndex %d", s.SequenceIndex)
			seen[s.SequenceIndex] = true
			assert.Greater(t, s.SequenceIndex, lastSeq, "pending slots out of visit order at %s", s.OrderRef)
			lastSeq = s.SequenceIndex
			continue
		}
		if s.Visited() {
			doneKm += s.AccountedDistanceKm()
			doneMin += s.AccountedTimeMin()
		}
	}
	for i := 0; i < pending; i++ {
		assert.True(t, seen[i], "sequenceIndex %d missing", i)
	}
	assert.InDelta(t, r.CompletedDistanceKm+pendKm, r.TotalDistanceKm, 1e-6)
	assert.InDelta(t, r.CompletedTimeMin+pendMin, r.TotalTimeMin, 1e-6)
	assert.InDelta(t, doneKm, r.CompletedDistanceKm, 1e-6)
	assert.InDelta(t, doneMin, r.CompletedTimeMin, 1e-6)
}

// assertTerminalSlotsKept checks that every stop terminal in before sits,
// unchanged, at the same index of after.Stops.
func assertTerminalSlotsKept(t *testing.T, before, after model.Route) {
	t.Helper()
	require.GreaterOrEqual(t, len(after.Stops), len(before.Stops), "stops are never removed")
	for i, s := range before.Stops {
		if s.Status.Terminal() {
			assert.Equal(t, s, after.Stops[i], "terminal stop %s moved or changed", s.OrderRef)
		}
	}
}

// line returns points 0.01° of latitude apart along the prime meridian.
func line(n int) []*model.GeoPoint {
	out := make([]*model.GeoPoint, n)
	for i := range out {
		out[i] = pt(float64(i+1)*0.01, 0)
	}
	return out
}

func createABC(t *testing.T, h *harness) model.Route {
	t.Helper()
	p := line(3)
	r, err := h.m.CreateOptimizedRoute(context.Background(), model.CreateRouteRequest{
		DriverID: "drv-1",
		Origin:   pt(0, 0),
		Orders: []model.OrderIn{
			order("C", p[2], ""),
			order("A", p[0], ""),
			order("B", p[1], model.PriorityNormal),
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, refsOf(r.Stops))
	return r
}

func TestCreateOptimizedRoute(t *testing.T) {
	h := newHarness(t, nil, nil)
	r := createABC(t, h)

	assert.Equal(t, "drv-1", r.DriverID)
	assert.Equal(t, 1, r.Version)
	assert.Nil(t, r.EndedAt)
	assert.Zero(t, r.CompletedDistanceKm)
	assert.Zero(t, r.CompletedTimeMin)
	assert.Empty(t, r.Warnings)
	for i, s := range r.Stops {
		assert.Equal(t, i, s.SequenceIndex)
		assert.Equal(t, model.StopPending, s.Status)
		assert.Equal(t, model.PriorityNormal, s.Priority)
		assert.NotEmpty(t, s.ID)
		assert.Len(t, s.Geohash, geo.KeyPrecision)
	}
	leg := geo.DistanceKm(model.GeoPoint{}, model.GeoPoint{Lat: 0.01})
	assert.InDelta(t, 3*leg, r.TotalDistanceKm, 1e-9)
	assert.InDelta(t, 3*leg/50*60, r.TotalTimeMin, 1e-9)
	checkInvariants(t, r)

	require.Len(t, r.History, 1)
	assert.Equal(t, model.ActionCreated, r.History[0].Action)
	assert.Equal(t, 3, r.History[0].StopCount)
	assert.InDelta(t, r.TotalDistanceKm, r.History[0].TotalDistanceKm, 1e-9)

	cur, err := h.m.GetCurrentRoute(context.Background(), "drv-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, cur.ID)
	assert.Equal(t, []string{events.RouteCreated}, h.pub.types())
}

func TestCreateWithNoOrders(t *testing.T) {
	h := newHarness(t, nil, nil)
	r, err := h.m.CreateOptimizedRoute(context.Background(), model.CreateRouteRequest{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Empty(t, r.Stops)
	assert.Zero(t, r.TotalDistanceKm)
	require.Len(t, r.History, 1)
	assert.Equal(t, 0, r.History[0].StopCount)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	cases := []model.CreateRouteRequest{
		{DriverID: ""},
		{DriverID: "d", Orders: []model.OrderIn{{OrderRef: ""}}},
		{DriverID: "d", Orders: []model.OrderIn{{OrderRef: "A"}, {OrderRef: "A"}}},
		{DriverID: "d", Orders: []model.OrderIn{{OrderRef: "A", Priority: "critical"}}},
	}
	for i, req := range cases {
		_, err := h.m.CreateOptimizedRoute(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidInput, "case %d", i)
		assert.Equal(t, KindInvalid, KindOf(err), "case %d", i)
	}
	_, err := h.st.GetActiveRoute(ctx, "d")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSingleActiveRoute(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	first := createABC(t, h)

	_, err := h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{DriverID: "drv-1", Orders: []model.OrderIn{order("Z", pt(1, 1), "")}})
	require.ErrorIs(t, err, ErrRouteAlreadyActive)
	assert.Equal(t, KindConflict, KindOf(err))

	all, err := h.m.ListDriverRoutes(ctx, "drv-1", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)

	_, err = h.m.EndShift(ctx, first.ID)
	require.NoError(t, err)
	second, err := h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestConcurrentCreateForSameDriver(t *testing.T) {
	h := newHarness(t, nil, nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		clashes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.CreateOptimizedRoute(context.Background(), model.CreateRouteRequest{DriverID: "drv-1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrRouteAlreadyActive):
				clashes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, clashes)
}

// An urgent stop wins over a marginally closer normal one.
func TestUrgentStopOrderedBeforeCloserNormal(t *testing.T) {
	origin := pt(10, 10)
	a, b := pt(10.05, 10), pt(9.95, 10)
	table := geo.NewTable(nil, 50)
	table.SetSymmetric(*origin, *a, 5, 0)
	table.SetSymmetric(*origin, *b, 6, 0)
	table.SetSymmetric(*a, *b, 4, 0)
	h := newHarness(t, nil, table)

	r, err := h.m.CreateOptimizedRoute(context.Background(), model.CreateRouteRequest{
		DriverID: "drv-1",
		Origin:   origin,
		Orders:   []model.OrderIn{order("A", a, model.PriorityNormal), order("B", b, model.PriorityUrgent)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, refsOf(r.Stops))
	assert.InDelta(t, 6, r.Stops[0].EstimatedDistanceKm, 1e-9)
	assert.InDelta(t, 4, r.Stops[1].EstimatedDistanceKm, 1e-9)
	assert.InDelta(t, 10, r.TotalDistanceKm, 1e-9)
	checkInvariants(t, r)
}

func TestCompleteDeliveryRecordsActualsAndRenumbers(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)

	actualTime, actualDist := 10.0, 4.2
	got, err := h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{ActualTimeMin: &actualTime, ActualDistanceKm: &actualDist})
	require.NoError(t, err)

	assert.InDelta(t, r.CompletedDistanceKm+4.2, got.CompletedDistanceKm, 1e-12)
	assert.InDelta(t, 10, got.CompletedTimeMin, 1e-12)
	b, c := stopByRef(t, got, "B"), stopByRef(t, got, "C")
	assert.InDelta(t, got.CompletedDistanceKm+b.EstimatedDistanceKm+c.EstimatedDistanceKm, got.TotalDistanceKm, 1e-9)

	a := stopByRef(t, got, "A")
	assert.Equal(t, model.StopCompleted, a.Status)
	require.NotNil(t, a.CompletedAt)
	assert.Equal(t, 0, a.SequenceIndex)
	assert.Equal(t, 0, b.SequenceIndex)
	assert.Equal(t, 1, c.SequenceIndex)
	assert.Equal(t, []string{"A", "B", "C"}, refsOf(got.Stops))

	require.Len(t, got.History, 2)
	assert.Equal(t, r.History[0], got.History[0])
	assert.Equal(t, model.ActionCompleted, got.History[1].Action)
	assert.Contains(t, got.History[1].Description, "A")
	assert.Equal(t, 2, got.Version)
	checkInvariants(t, got)
	assert.Equal(t, []string{events.RouteCreated, events.RouteCompleted}, h.pub.types())
}

func TestCompleteWithoutActualsUsesEstimate(t *testing.T) {
	h := newHarness(t, nil, nil)
	r := createABC(t, h)
	est := stopByRef(t, r, "A")

	got, err := h.m.CompleteDelivery(context.Background(), r.ID, "A", model.CompleteRequest{})
	require.NoError(t, err)
	assert.InDelta(t, est.EstimatedDistanceKm, got.CompletedDistanceKm, 1e-12)
	assert.InDelta(t, est.EstimatedTimeMin, got.CompletedTimeMin, 1e-12)
	assert.InDelta(t, r.TotalDistanceKm, got.TotalDistanceKm, 1e-9)
}

func TestCompleteErrors(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)

	_, err := h.m.CompleteDelivery(ctx, r.ID, "nope", model.CompleteRequest{})
	assert.ErrorIs(t, err, ErrStopNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.m.CompleteDelivery(ctx, "missing-route", "A", model.CompleteRequest{})
	assert.ErrorIs(t, err, ErrRouteNotFound)

	neg := -1.0
	_, err = h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{ActualDistanceKm: &neg})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{})
	require.NoError(t, err)
	_, err = h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{})
	assert.ErrorIs(t, err, ErrStopNotFound, "a completed stop is no longer pending")

	after, err := h.m.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Version, "failed operations must not persist anything")
}

func TestCancelDeliveryDropsItsLegFromTotals(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)
	_, err := h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{})
	require.NoError(t, err)

	before, err := h.m.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	bBefore := stopByRef(t, before, "B")

	got, err := h.m.CancelDelivery(ctx, r.ID, "B", model.CancelRequest{Reason: "customer refused"})
	require.NoError(t, err)

	b := stopByRef(t, got, "B")
	c := stopByRef(t, got, "C")
	assert.Equal(t, model.StopCancelled, b.Status)
	assert.Equal(t, "customer refused", b.Reason)
	assert.Zero(t, b.AccountedDistanceKm())

	// C's leg is now measured from A, the last completed stop
	wantLeg := geo.DistanceKm(*stopByRef(t, got, "A").Location, *c.Location)
	assert.InDelta(t, wantLeg, c.EstimatedDistanceKm, 1e-9)
	assert.Equal(t, 0, c.SequenceIndex)
	assert.InDelta(t, got.CompletedDistanceKm+c.EstimatedDistanceKm, got.TotalDistanceKm, 1e-9)
	// B's estimate is gone; only C's leg changed
	cBefore := stopByRef(t, before, "C")
	assert.InDelta(t, before.TotalDistanceKm-bBefore.EstimatedDistanceKm+(c.EstimatedDistanceKm-cBefore.EstimatedDistanceKm), got.TotalDistanceKm, 1e-9)
	assert.Equal(t, before.CompletedDistanceKm, got.CompletedDistanceKm)

	last := got.History[len(got.History)-1]
	assert.Equal(t, model.ActionCancelled, last.Action)
	assert.Contains(t, last.Description, "customer refused")
	assert.Equal(t, []string{"A", "B", "C"}, refsOf(got.Stops))
	checkInvariants(t, got)

	_, err = h.m.CancelDelivery(ctx, r.ID, "B", model.CancelRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, KindInvalidState, KindOf(err))
	_, err = h.m.CancelDelivery(ctx, r.ID, "A", model.CancelRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.m.CancelDelivery(ctx, r.ID, "Q", model.CancelRequest{})
	assert.ErrorIs(t, err, ErrStopNotFound)
}

func TestFailDelivery(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)
	dist := 2.0

	got, err := h.m.FailDelivery(ctx, r.ID, "A", model.FailRequest{Reason: "nobody home", ActualDistanceKm: &dist})
	require.NoError(t, err)
	a := stopByRef(t, got, "A")
	assert.Equal(t, model.StopFailed, a.Status)
	assert.Equal(t, "nobody home", a.Reason)
	assert.InDelta(t, 2, got.CompletedDistanceKm, 1e-12)
	last := got.History[len(got.History)-1]
	assert.Equal(t, model.ActionFailed, last.Action)
	assert.Contains(t, last.Description, "nobody home")
	checkInvariants(t, got)
	assert.Contains(t, h.pub.types(), events.RouteFailed)
}

// Cheapest insertion must agree with trying every position.
func TestAddDeliveryTakesCheapestInsertion(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	p := line(4)
	r, err := h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{
		DriverID: "drv-1",
		Origin:   pt(0, 0),
		Orders:   []model.OrderIn{order("A", p[0], ""), order("B", p[2], ""), order("C", p[3], "")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, refsOf(r.Stops))

	d := pt(0.02, 0.001)
	got, err := h.m.AddDeliveryToRoute(ctx, r.ID, order("D", d, model.PriorityHigh))
	require.NoError(t, err)

	// brute force over every insertion point
	pending := r.Pending()
	chain := func(stops []model.GeoPoint) float64 {
		prev := model.GeoPoint{}
		total := 0.0
		for _, s := range stops {
			total += geo.DistanceKm(prev, s)
			prev = s
		}
		return total
	}
	best, bestKm := -1, 0.0
	for pos := 0; pos <= len(pending); pos++ {
		var pts []model.GeoPoint
		for i, s := range pending {
			if i == pos {
				pts = append(pts, *d)
			}
			pts = append(pts, *s.Location)
		}
		if pos == len(pending) {
			pts = append(pts, *d)
		}
		if km := chain(pts); best == -1 || km < bestKm-1e-9 {
			best, bestKm = pos, km
		}
	}
	require.Equal(t, 1, best)
	assert.Equal(t, best, stopByRef(t, got, "D").SequenceIndex)
	assert.Equal(t, []string{"A", "D", "B", "C"}, refsOf(got.Stops))
	assert.InDelta(t, bestKm, got.TotalDistanceKm, 1e-9)
	for i, s := range got.Pending() {
		assert.Equal(t, i, s.SequenceIndex)
	}
	last := got.History[len(got.History)-1]
	assert.Equal(t, model.ActionUpdated, last.Action)
	assert.Equal(t, 4, last.StopCount)
	checkInvariants(t, got)

	_, err = h.m.AddDeliveryToRoute(ctx, r.ID, order("D", d, ""))
	assert.ErrorIs(t, err, ErrDuplicateStop)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestAddDeliveryAfterCompletionUsesLastStopAsAnchor(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)
	_, err := h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{})
	require.NoError(t, err)
	_, err = h.m.CompleteDelivery(ctx, r.ID, "B", model.CompleteRequest{})
	require.NoError(t, err)

	// X sits next to B, the driver's current position, so it goes first
	got, err := h.m.AddDeliveryToRoute(ctx, r.ID, order("X", pt(0.021, 0), ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "X", "C"}, refsOf(got.Stops))
	assert.InDelta(t, geo.DistanceKm(model.GeoPoint{Lat: 0.02}, model.GeoPoint{Lat: 0.021}), stopByRef(t, got, "X").EstimatedDistanceKm, 1e-9)
	checkInvariants(t, got)
}

func TestUnresolvedStopsProduceWarnings(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r, err := h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{
		DriverID: "drv-1",
		Origin:   pt(0, 0),
		Orders: []model.OrderIn{
			order("X", nil, model.PriorityUrgent),
			order("A", pt(0.01, 0), ""),
			order("Y", pt(95, 0), ""),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "X", "Y"}, refsOf(r.Stops))
	x := stopByRef(t, r, "X")
	assert.True(t, x.EstimateUnavailable)
	assert.Zero(t, x.EstimatedDistanceKm)
	var warned []string
	for _, w := range r.Warnings {
		assert.Equal(t, model.WarnEstimationUnavailable, w.Code)
		warned = append(warned, w.OrderRef)
	}
	assert.ElementsMatch(t, []string{"X", "Y"}, warned)
	checkInvariants(t, r)

	stored, err := h.m.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Warnings, "warnings are not persisted")
}

type fakeResolver map[string]model.GeoPoint

func (f fakeResolver) Resolve(_ context.Context, address string) (model.GeoPoint, error) {
	if p, ok := f[address]; ok {
		return p, nil
	}
	return model.GeoPoint{}, fmt.Errorf("lookup %q: no match", address)
}

type countingResolver struct {
	mu    sync.Mutex
	calls int
	next  fakeResolver
}

func (c *countingResolver) Resolve(ctx context.Context, address string) (model.GeoPoint, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.Resolve(ctx, address)
}

func TestMissingOrEndedRouteSkipsGeocoding(t *testing.T) {
	res := &countingResolver{next: fakeResolver{"1 Near St": {Lat: 0.01}}}
	h := newHarness(t, nil, nil, func(o *Options) { o.Resolver = res })
	ctx := context.Background()
	byAddress := model.OrderIn{OrderRef: "N", Address: "1 Near St"}

	_, err := h.m.AddDeliveryToRoute(ctx, "no-such-route", byAddress)
	assert.ErrorIs(t, err, ErrRouteNotFound)
	_, err = h.m.RecalculateRoute(ctx, "no-such-route", model.RecalculateRequest{Orders: []model.OrderIn{byAddress}})
	assert.ErrorIs(t, err, ErrRouteNotFound)

	r := createABC(t, h)
	_, err = h.m.EndShift(ctx, r.ID)
	require.NoError(t, err)
	_, err = h.m.AddDeliveryToRoute(ctx, r.ID, byAddress)
	assert.ErrorIs(t, err, ErrRouteArchived)
	_, err = h.m.RecalculateRoute(ctx, r.ID, model.RecalculateRequest{Orders: []model.OrderIn{byAddress}})
	assert.ErrorIs(t, err, ErrRouteArchived)
	assert.Zero(t, res.calls)

	live, err := h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{DriverID: "drv-2", Origin: pt(0, 0)})
	require.NoError(t, err)
	got, err := h.m.AddDeliveryToRoute(ctx, live.ID, byAddress)
	require.NoError(t, err)
	assert.Equal(t, 1, res.calls)
	assert.NotEmpty(t, stopByRef(t, got, "N").Geohash)
}

func TestAddressesAreGeocodedBeforeOrdering(t *testing.T) {
	h := newHarness(t, nil, nil, func(o *Options) {
		o.Resolver = fakeResolver{"1 Near St": {Lat: 0.01}, "9 Far Rd": {Lat: 0.05}}
	})
	r, err := h.m.CreateOptimizedRoute(context.Background(), model.CreateRouteRequest{
		DriverID: "drv-1",
		Origin:   pt(0, 0),
		Orders: []model.OrderIn{
			{OrderRef: "far", Address: "9 Far Rd"},
			{OrderRef: "lost", Address: "Nowhere"},
			{OrderRef: "near", Address: "1 Near St"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far", "lost"}, refsOf(r.Stops))
	assert.NotEmpty(t, stopByRef(t, r, "near").Geohash)

	codes := map[string]string{}
	for _, w := range r.Warnings {
		codes[w.Code] = w.OrderRef
	}
	assert.Equal(t, "lost", codes[model.WarnGeocodeFailed])
	assert.Equal(t, "lost", codes[model.WarnEstimationUnavailable])
}

// Recalculating twice over the same pending set is deterministic and leaves
// terminal stops and earlier history alone.
func TestRecalculateIsDeterministic(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r, err := h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{
		DriverID: "drv-1",
		Origin:   pt(0, 0),
		Orders: []model.OrderIn{
			order("A", pt(0.01, 0.01), ""), order("B", pt(0.03, -0.01), model.PriorityHigh),
			order("C", pt(0.02, 0.02), ""), order("D", pt(-0.01, 0.01), model.PriorityLow),
			order("E", pt(0.04, 0.0), model.PriorityUrgent),
		},
	})
	require.NoError(t, err)
	first := r.Stops[0].OrderRef
	_, err = h.m.CompleteDelivery(ctx, r.ID, first, model.CompleteRequest{})
	require.NoError(t, err)

	before, err := h.m.GetRoute(ctx, r.ID)
	require.NoError(t, err)

	one, err := h.m.RecalculateRoute(ctx, r.ID, model.RecalculateRequest{})
	require.NoError(t, err)
	two, err := h.m.RecalculateRoute(ctx, r.ID, model.RecalculateRequest{})
	require.NoError(t, err)

	assert.Equal(t, refsOf(one.Pending()), refsOf(two.Pending()))
	assert.Len(t, two.Pending(), 4)
	assert.Equal(t, before.Stops[0], two.Stops[0], "terminal stop untouched")
	assert.Equal(t, before.History, two.History[:len(before.History)])
	assert.Equal(t, model.ActionRecalculated, two.History[len(two.History)-1].Action)
	assert.Equal(t, model.ActionRecalculated, two.History[len(two.History)-2].Action)
	for _, s := range before.Pending() {
		assert.Equal(t, s.ID, stopByRef(t, two, s.OrderRef).ID, "pending stops keep their ids")
	}
	checkInvariants(t, one)
	checkInvariants(t, two)
}

func TestRecalculateWithSuppliedOrders(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)
	_, err := h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{})
	require.NoError(t, err)
	bID := stopByRef(t, r, "B").ID

	got, err := h.m.RecalculateRoute(ctx, r.ID, model.RecalculateRequest{
		Origin: pt(0.05, 0),
		Orders: []model.OrderIn{order("B", nil, ""), order("N", pt(0.045, 0), "")},
	})
	require.NoError(t, err)

	// C is cancelled in its slot; N takes B's old slot and B a new one
	assert.Equal(t, []string{"A", "N", "C", "B"}, refsOf(got.Stops))
	assert.Equal(t, []string{"N", "B"}, refsOf(got.Pending()))
	c := stopByRef(t, got, "C")
	assert.Equal(t, model.StopCancelled, c.Status)
	assert.Equal(t, removedByRecalculation, c.Reason)
	assert.Equal(t, bID, stopByRef(t, got, "B").ID)
	require.NotNil(t, got.Origin)
	assert.InDelta(t, 0.05, got.Origin.Lat, 1e-12)
	assert.Equal(t, 1, got.OriginVisits)
	// legs now start from the new origin rather than A
	assert.InDelta(t, geo.DistanceKm(model.GeoPoint{Lat: 0.05}, model.GeoPoint{Lat: 0.045}), stopByRef(t, got, "N").EstimatedDistanceKm, 1e-9)
	assert.Contains(t, got.History[len(got.History)-1].Description, "1 removed")
	checkInvariants(t, got)

	_, err = h.m.RecalculateRoute(ctx, r.ID, model.RecalculateRequest{Orders: []model.OrderIn{order("A", nil, "")}})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminalStopsKeepTheirSlots(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)

	cancelled, err := h.m.CancelDelivery(ctx, r.ID, "C", model.CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, refsOf(cancelled.Stops))
	assertTerminalSlotsKept(t, r, cancelled)
	checkInvariants(t, cancelled)

	completed, err := h.m.CompleteDelivery(ctx, r.ID, "B", model.CompleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, refsOf(completed.Stops))
	assertTerminalSlotsKept(t, cancelled, completed)
	assert.Equal(t, model.StopCompleted, completed.Stops[1].Status)
	assert.Equal(t, 1, completed.Stops[1].VisitOrder)
	assert.Equal(t, model.StopCancelled, completed.Stops[2].Status)
	// A is the only pending stop and is now reached from B
	a := completed.Stops[0]
	assert.Equal(t, model.StopPending, a.Status)
	assert.Equal(t, 0, a.SequenceIndex)
	assert.InDelta(t, geo.DistanceKm(model.GeoPoint{Lat: 0.02}, model.GeoPoint{Lat: 0.01}), a.EstimatedDistanceKm, 1e-9)
	checkInvariants(t, completed)

	added, err := h.m.AddDeliveryToRoute(ctx, r.ID, order("X", pt(0.015, 0), ""))
	require.NoError(t, err)
	assertTerminalSlotsKept(t, completed, added)
	assert.Equal(t, []string{"X", "B", "C", "A"}, refsOf(added.Stops))
	assert.Equal(t, []string{"X", "A"}, refsOf(added.Pending()))
	checkInvariants(t, added)

	recalculated, err := h.m.RecalculateRoute(ctx, r.ID, model.RecalculateRequest{})
	require.NoError(t, err)
	assertTerminalSlotsKept(t, added, recalculated)
	assert.Equal(t, []string{"X", "A"}, refsOf(recalculated.Pending()))
	checkInvariants(t, recalculated)

	// X sits in an earlier slot than B but was visited later, so it anchors A
	visited, err := h.m.CompleteDelivery(ctx, r.ID, "X", model.CompleteRequest{})
	require.NoError(t, err)
	assertTerminalSlotsKept(t, recalculated, visited)
	assert.Equal(t, 2, visited.Stops[0].VisitOrder)
	require.NotNil(t, visited.Anchor())
	assert.InDelta(t, 0.015, visited.Anchor().Lat, 1e-12)
	assert.InDelta(t, geo.DistanceKm(model.GeoPoint{Lat: 0.015}, model.GeoPoint{Lat: 0.01}), stopByRef(t, visited, "A").EstimatedDistanceKm, 1e-9)
	checkInvariants(t, visited)
}

func TestEndShift(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)

	ended, err := h.m.EndShift(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)
	assert.Len(t, ended.History, len(r.History), "ending a shift adds no history")

	_, err = h.m.EndShift(ctx, r.ID)
	require.ErrorIs(t, err, ErrRouteArchived)
	assert.Equal(t, KindInvalidState, KindOf(err))

	again, err := h.m.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, again.EndedAt.Equal(*ended.EndedAt))

	for name, op := range map[string]func() error{
		"complete": func() error { _, err := h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{}); return err },
		"fail":     func() error { _, err := h.m.FailDelivery(ctx, r.ID, "A", model.FailRequest{}); return err },
		"cancel":   func() error { _, err := h.m.CancelDelivery(ctx, r.ID, "A", model.CancelRequest{}); return err },
		"add":      func() error { _, err := h.m.AddDeliveryToRoute(ctx, r.ID, order("Z", pt(1, 1), "")); return err },
		"recalc":   func() error { _, err := h.m.RecalculateRoute(ctx, r.ID, model.RecalculateRequest{}); return err },
	} {
		assert.ErrorIs(t, op(), ErrRouteArchived, name)
	}
	final, err := h.m.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, again, final)

	_, err = h.m.GetCurrentRoute(ctx, "drv-1")
	assert.ErrorIs(t, err, ErrRouteNotFound)
	assert.Equal(t, events.RouteEnded, h.pub.types()[len(h.pub.types())-1])
}

func TestGetCurrentRouteHonoursShiftWindow(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	createABC(t, h)

	h.clock.Advance(25 * time.Hour)
	_, err := h.m.GetCurrentRoute(ctx, "drv-1")
	assert.ErrorIs(t, err, ErrRouteNotFound)

	// the stale route still blocks a new one until it is ended
	_, err = h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{DriverID: "drv-1"})
	assert.ErrorIs(t, err, ErrRouteAlreadyActive)

	unbounded := NewManager(h.st, opt.New(geo.NewHaversine(0, 0), nil), Options{Now: h.clock.Now})
	_, err = unbounded.GetCurrentRoute(ctx, "drv-1")
	assert.NoError(t, err)
}

// conflictStore makes the first n saves lose a version race.
type conflictStore struct {
	*store.Memory
	mu sync.Mutex
	n  int
}

func (c *conflictStore) SaveRoute(ctx context.Context, r model.Route) (model.Route, error) {
	c.mu.Lock()
	if c.n > 0 {
		c.n--
		c.mu.Unlock()
		return model.Route{}, store.ErrConflict
	}
	c.mu.Unlock()
	return c.Memory.SaveRoute(ctx, r)
}

func TestRetriesOnVersionConflict(t *testing.T) {
	cs := &conflictStore{Memory: store.NewMemory()}
	h := newHarness(t, cs, nil)
	ctx := context.Background()
	r := createABC(t, h)

	cs.n = 2
	got, err := h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	cs.n = 10
	_, err = h.m.CompleteDelivery(ctx, r.ID, "B", model.CompleteRequest{})
	require.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	r := createABC(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.m.AddDeliveryToRoute(ctx, r.ID, order(fmt.Sprintf("N%02d", i), pt(0.001*float64(i), 0.002), ""))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := h.m.GetRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, got.Stops, 23)
	assert.Len(t, got.History, 21)
	assert.Equal(t, 21, got.Version)
	checkInvariants(t, got)
	assert.Zero(t, h.m.routeLocks.size())
}

func TestRouteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQL(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer st.Close()

	h := newHarness(t, st, nil)
	r := createABC(t, h)
	_, err = h.m.CompleteDelivery(ctx, r.ID, "A", model.CompleteRequest{})
	require.NoError(t, err)
	_, err = h.m.CancelDelivery(ctx, r.ID, "C", model.CancelRequest{Reason: "closed"})
	require.NoError(t, err)

	restarted := newHarness(t, st, nil)
	cur, err := restarted.m.GetCurrentRoute(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, cur.ID)
	assert.Equal(t, 3, cur.Version)
	assert.Equal(t, []string{"A", "C", "B"}, refsOf(cur.Stops))
	require.Len(t, cur.History, 3)
	assert.Equal(t, model.ActionCancelled, cur.History[2].Action)
	checkInvariants(t, cur)

	got, err := restarted.m.CompleteDelivery(ctx, r.ID, "B", model.CompleteRequest{})
	require.NoError(t, err)
	assert.Empty(t, got.Pending())
	assert.InDelta(t, got.CompletedDistanceKm, got.TotalDistanceKm, 1e-9)
}

func TestKindOf(t *testing.T) {
	cases := map[error]Kind{
		ErrRouteNotFound:                          KindNotFound,
		ErrStopNotFound:                           KindNotFound,
		ErrRouteAlreadyActive:                     KindConflict,
		ErrDuplicateStop:                          KindConflict,
		ErrConcurrentUpdate:                       KindConflict,
		ErrRouteArchived:                          KindInvalidState,
		ErrInvalidTransition:                      KindInvalidState,
		ErrInvalidInput:                           KindInvalid,
		fmt.Errorf("wrapped: %w", ErrStopNotFound): KindNotFound,
		errors.New("disk on fire"):                KindInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, KindOf(err), err.Error())
	}
	assert.Equal(t, "invalid_state", KindInvalidState.String())
}
