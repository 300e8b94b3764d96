package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"shiftroute/internal/buildinfo"
	"shiftroute/internal/model"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := s.Ready.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info())
}

// CurrentRouteHandler serves GET /v1/drivers/{driverId}/route.
func (s *Server) CurrentRouteHandler(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Routes.GetCurrentRoute(r.Context(), r.PathValue("driverId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// DriverRoutesHandler serves GET /v1/drivers/{driverId}/routes?limit=N.
func (s *Server) DriverRoutesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeProblem(w, http.StatusBadRequest, "Bad Request", "limit must be a non-negative integer", r.URL.Path)
			return
		}
		limit = n
	}
	rs, err := s.Routes.ListDriverRoutes(r.Context(), r.PathValue("driverId"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rs})
}

func (s *Server) CreateRouteHandler(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRouteRequest
	if err := decode(w, r, &req, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
		return
	}
	rt, err := s.Routes.CreateOptimizedRoute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/routes/"+rt.ID)
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) GetRouteHandler(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Routes.GetRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) AddStopHandler(w http.ResponseWriter, r *http.Request) {
	var in model.OrderIn
	if err := decode(w, r, &in, false); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
		return
	}
	rt, err := s.Routes.AddDeliveryToRoute(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) CompleteStopHandler(w http.ResponseWriter, r *http.Request) {
	var req model.CompleteRequest
	if err := decode(w, r, &req, true); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
		return
	}
	rt, err := s.Routes.CompleteDelivery(r.Context(), r.PathValue("id"), r.PathValue("orderRef"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) FailStopHandler(w http.ResponseWriter, r *http.Request) {
	var req model.FailRequest
	if err := decode(w, r, &req, true); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
		return
	}
	rt, err := s.Routes.FailDelivery(r.Context(), r.PathValue("id"), r.PathValue("orderRef"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) CancelStopHandler(w http.ResponseWriter, r *http.Request) {
	var req model.CancelRequest
	if err := decode(w, r, &req, true); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
		return
	}
	rt, err := s.Routes.CancelDelivery(r.Context(), r.PathValue("id"), r.PathValue("orderRef"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) RecalculateHandler(w http.ResponseWriter, r *http.Request) {
	var req model.RecalculateRequest
	if err := decode(w, r, &req, true); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error(), r.URL.Path)
		return
	}
	rt, err := s.Routes.RecalculateRoute(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) EndShiftHandler(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Routes.EndShift(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}
