package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"shiftroute/internal/route"
)

const maxBodyBytes = 1 << 20

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code     string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
		Code:     errorCode(status),
	})
}

// statusFor maps a manager error onto an HTTP status.
func statusFor(err error) int {
	switch route.KindOf(err) {
	case route.KindNotFound:
		return http.StatusNotFound
	case route.KindConflict:
		return http.StatusConflict
	case route.KindInvalidState:
		if errors.Is(err, route.ErrInvalidTransition) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case route.KindInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_transition"
	case http.StatusServiceUnavailable:
		return "unavailable"
	}
	if status >= 500 {
		return "internal"
	}
	return ""
}

// writeError renders a manager error. Internal failures are logged and
// their detail withheld from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		detail = ""
	}
	writeProblem(w, status, http.StatusText(status), detail, r.URL.Path)
}

// decode reads a JSON body into v. An empty body is accepted when optional is set.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
