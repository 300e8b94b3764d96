package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"shiftroute/internal/events"
	"shiftroute/internal/metrics"
	"shiftroute/internal/route"
)

// Pinger is satisfied by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Routes *route.Manager
	Ready  Pinger
	Broker events.Broker
	Log    logrus.FieldLogger
}

// NewServer wires the HTTP layer over an already-configured route manager.
// ready may be nil, in which case /readyz always reports ready.
func NewServer(m *route.Manager, ready Pinger, broker events.Broker, log logrus.FieldLogger) *Server {
	if log == nil {
		l := logrus.New()
		l.SetOutput(discard{})
		log = l
	}
	if broker == nil {
		broker = events.NewMemory()
	}
	return &Server{Routes: m, Ready: ready, Broker: broker, Log: log}
}

// Handler returns the full routing table wrapped in access logging and metrics.
func (s *Server) Handler() http.Handler {
	metrics.RegisterDefault()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.HandleFunc("GET /version", s.VersionHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /v1/drivers/{driverId}/route", s.CurrentRouteHandler)
	mux.HandleFunc("GET /v1/drivers/{driverId}/routes", s.DriverRoutesHandler)

	mux.HandleFunc("POST /v1/routes", s.CreateRouteHandler)
	mux.HandleFunc("GET /v1/routes/{id}", s.GetRouteHandler)
	mux.HandleFunc("POST /v1/routes/{id}/stops", s.AddStopHandler)
	mux.HandleFunc("POST /v1/routes/{id}/stops/{orderRef}/complete", s.CompleteStopHandler)
	mux.HandleFunc("POST /v1/routes/{id}/stops/{orderRef}/fail", s.FailStopHandler)
	mux.HandleFunc("POST /v1/routes/{id}/stops/{orderRef}/cancel", s.CancelStopHandler)
	mux.HandleFunc("POST /v1/routes/{id}/recalculate", s.RecalculateHandler)
	mux.HandleFunc("POST /v1/routes/{id}/end", s.EndShiftHandler)

	mux.HandleFunc("GET /v1/routes/{id}/events/stream", s.StreamHandler)
	mux.HandleFunc("GET /v1/routes/{id}/events/ws", s.WebSocketHandler)

	return s.logMiddleware(mux)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
