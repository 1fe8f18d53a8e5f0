// Package statusapi serves the worker's read-only operational endpoints.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/deadletter"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Source is what the endpoints read from; *xworld.Worker satisfies it.
type Source interface {
	Health(ctx context.Context) xworld.HealthStatus
	Stats() xworld.Metrics
}

// NewRouter mounts /healthz, /stats and, when deadLetters is non-nil,
// /deadletters.
func NewRouter(src Source, deadLetters deadletter.Lister) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := src.Health(req.Context())
		code := http.StatusOK
		if h.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Stats())
	})

	if deadLetters != nil {
		r.Get("/deadletters", func(w http.ResponseWriter, req *http.Request) {
			limit := defaultListLimit
			if s := req.URL.Query().Get("limit"); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil || n <= 0 {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
					return
				}
				limit = min(n, maxListLimit)
			}
			recs, err := deadLetters.List(req.Context(), limit)
			if err != nil {
				writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
				return
			}
			if recs == nil {
				recs = []xworld.DeadLetterRecord{}
			}
			writeJSON(w, http.StatusOK, recs)
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
