// Package statusapi exposes quotaguard's observability read surface
// over HTTP for dashboards and alerting: per-key rate-limit status and
// an overall backend health check. Mount it on a Chi router:
//
//	r := chi.NewRouter()
//	r.Mount("/quotaguard", statusapi.New(limiter))
//
// Routes:
//
//	GET /ratelimit/{customerID}/{operation} -> 200 with Status JSON
//	GET /healthz                            -> 200 ok, 503 when unhealthy
package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/quotaguard"
	"github.com/nhalm/quotaguard/store"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

// New returns a router serving the status and health endpoints for the
// given limiter.
func New(l *quotaguard.Limiter) chi.Router {
	r := chi.NewRouter()
	r.Get("/ratelimit/{customerID}/{operation}", statusHandler(l))
	r.Get("/healthz", healthHandler(l))
	return r
}

func statusHandler(l *quotaguard.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := chi.URLParam(r, "customerID")
		op := store.Operation(chi.URLParam(r, "operation"))
		if customerID == "" || !op.Valid() {
			writeError(w, http.StatusNotFound, "unknown_operation", "unknown customer or operation")
			return
		}

		status, err := l.GetRateLimitStatus(r.Context(), customerID, op)
		if err != nil {
			if errors.Is(err, quotaguard.ErrUnknownOperation) {
				writeError(w, http.StatusNotFound, "unknown_operation", "no limits configured for operation")
				return
			}
			writeError(w, http.StatusInternalServerError, "status_unavailable", "rate limit status unavailable")
			return
		}

		writeJSON(w, http.StatusOK, status)
	}
}

func healthHandler(l *quotaguard.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := l.HealthCheck(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy", "storage backend unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: message}})
}
