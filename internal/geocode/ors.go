package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"shiftroute/internal/metrics"
	"shiftroute/internal/model"
)

const DefaultORSBaseURL = "https://api.openrouteservice.org"

type ORSOptions struct {
	BaseURL           string
	APIKey            string
	Country           string // boundary.country filter, optional
	RequestsPerMinute int    // 0 disables client-side throttling
	MaxAttempts       int
	Backoff           time.Duration
	HTTP              *http.Client
}

// ORS geocodes through the OpenRouteService /geocode/search endpoint.
type ORS struct {
	baseURL     string
	apiKey      string
	country     string
	session     *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
}

func NewORS(o ORSOptions) *ORS {
	g := &ORS{
		baseURL:     strings.TrimRight(o.BaseURL, "/"),
		apiKey:      o.APIKey,
		country:     o.Country,
		session:     o.HTTP,
		maxAttempts: o.MaxAttempts,
		backoff:     o.Backoff,
	}
	if g.baseURL == "" {
		g.baseURL = DefaultORSBaseURL
	}
	if g.session == nil {
		g.session = &http.Client{Timeout: 10 * time.Second}
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = 4
	}
	if g.backoff <= 0 {
		g.backoff = 200 * time.Millisecond
	}
	if o.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(o.RequestsPerMinute)), 1)
	}
	return g
}

type searchResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (g *ORS) Resolve(ctx context.Context, address string) (model.GeoPoint, error) {
	norm := Normalize(address)
	if norm == "" {
		return model.GeoPoint{}, ErrNoResult
	}
	resp, err := g.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/geocode/search", nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", g.apiKey)
		req.Header.Set("Accept", "application/json")
		q := req.URL.Query()
		q.Set("text", norm)
		q.Set("size", "1")
		if g.country != "" {
			q.Set("boundary.country", g.country)
		}
		req.URL.RawQuery = q.Encode()
		return req, nil
	})
	if err != nil {
		metrics.GeocodeLookups.WithLabelValues("remote", "error").Inc()
		return model.GeoPoint{}, fmt.Errorf("geocode %q: %w", address, err)
	}
	defer resp.Body.Close()

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		metrics.GeocodeLookups.WithLabelValues("remote", "error").Inc()
		return model.GeoPoint{}, fmt.Errorf("geocode %q: decode response: %w", address, err)
	}
	if len(decoded.Features) == 0 || len(decoded.Features[0].Geometry.Coordinates) != 2 {
		metrics.GeocodeLookups.WithLabelValues("remote", "miss").Inc()
		return model.GeoPoint{}, fmt.Errorf("geocode %q: %w", address, ErrNoResult)
	}
	c := decoded.Features[0].Geometry.Coordinates
	p := model.GeoPoint{Lat: c[1], Lng: c[0]} // GeoJSON order is [lon, lat]
	if !p.Valid() {
		metrics.GeocodeLookups.WithLabelValues("remote", "miss").Inc()
		return model.GeoPoint{}, fmt.Errorf("geocode %q: out of range coordinate %v: %w", address, c, ErrNoResult)
	}
	metrics.GeocodeLookups.WithLabelValues("remote", "hit").Inc()
	return p, nil
}

func (g *ORS) do(req *http.Request) (*http.Response, error) {
	resp, err := g.session.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries rate limiting, 5xx responses and network errors with
// exponential backoff while respecting context cancellation.
func (g *ORS) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	backoff := g.backoff
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		resp, err := g.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
				http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry || attempt == g.maxAttempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
