package route

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftroute/internal/model"
)

func randomPoint(rng *rand.Rand) *model.GeoPoint {
	switch rng.Intn(10) {
	case 0:
		return nil
	case 1:
		return pt(120, 0) // out of range
	}
	return pt(52.4+rng.Float64()*0.2, 13.3+rng.Float64()*0.2)
}

func randomPriority(rng *rand.Rand) model.Priority {
	return model.Priorities[rng.Intn(len(model.Priorities))]
}

func TestRandomOperationSequencesKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t, nil, nil)
			ctx := context.Background()
			next := 0
			newOrder := func() model.OrderIn {
				next++
				return model.OrderIn{OrderRef: fmt.Sprintf("o%03d", next), Location: randomPoint(rng), Priority: randomPriority(rng)}
			}

			var orders []model.OrderIn
			for i := rng.Intn(8); i > 0; i-- {
				orders = append(orders, newOrder())
			}
			r, err := h.m.CreateOptimizedRoute(ctx, model.CreateRouteRequest{DriverID: "drv", Origin: pt(52.5, 13.4), Orders: orders})
			require.NoError(t, err)
			checkInvariants(t, r)

			for step := 0; step < 40; step++ {
				prev := r
				pending := prev.Pending()
				pick := func() string {
					if len(pending) == 0 || rng.Intn(10) == 0 {
						return "missing"
					}
					return pending[rng.Intn(len(pending))].OrderRef
				}

				var op string
				switch rng.Intn(6) {
				case 0:
					op = "complete"
					var req model.CompleteRequest
					if rng.Intn(2) == 0 {
						d, m := rng.Float64()*5, rng.Float64()*15
						req = model.CompleteRequest{ActualDistanceKm: &d, ActualTimeMin: &m}
					}
					r, err = h.m.CompleteDelivery(ctx, r.ID, pick(), req)
				case 1:
					op = "fail"
					r, err = h.m.FailDelivery(ctx, r.ID, pick(), model.FailRequest{Reason: "closed"})
				case 2:
					op = "cancel"
					r, err = h.m.CancelDelivery(ctx, r.ID, pick(), model.CancelRequest{Reason: "customer request"})
				case 3:
					op = "add"
					r, err = h.m.AddDeliveryToRoute(ctx, r.ID, newOrder())
				case 4:
					op = "recalc"
					var req model.RecalculateRequest
					if rng.Intn(2) == 0 {
						for _, s := range pending {
							if rng.Intn(3) > 0 {
								req.Orders = append(req.Orders, model.OrderIn{OrderRef: s.OrderRef})
							}
						}
						req.Orders = append(req.Orders, newOrder())
					}
					if rng.Intn(3) == 0 {
						req.Origin = randomPoint(rng)
					}
					r, err = h.m.RecalculateRoute(ctx, r.ID, req)
				case 5:
					op = "read"
					r, err = h.m.GetCurrentRoute(ctx, "drv")
				}

				if err != nil {
					// rejected operations leave the stored route untouched
					assert.Equal(t, KindNotFound, KindOf(err), "step %d %s: %v", step, op, err)
					r, err = h.m.GetRoute(ctx, prev.ID)
					require.NoError(t, err)
					assert.Equal(t, prev.Version, r.Version, "step %d %s", step, op)
					continue
				}

				checkInvariants(t, r)
				assert.GreaterOrEqual(t, r.CompletedDistanceKm, prev.CompletedDistanceKm-1e-9, "step %d %s", step, op)
				assert.GreaterOrEqual(t, r.CompletedTimeMin, prev.CompletedTimeMin-1e-9, "step %d %s", step, op)
				require.GreaterOrEqual(t, len(r.History), len(prev.History))
				assert.Equal(t, prev.History, r.History[:len(prev.History)], "step %d %s: history rewritten", step, op)
				assertTerminalSlotsKept(t, prev, r)
				if op != "read" {
					assert.Equal(t, prev.Version+1, r.Version)
					assert.Len(t, r.History, len(prev.History)+1)
				}
			}

			_, err = h.m.EndShift(ctx, r.ID)
			require.NoError(t, err)
			_, err = h.m.EndShift(ctx, r.ID)
			assert.ErrorIs(t, err, ErrRouteArchived)
		})
	}
}
