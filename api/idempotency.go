package api

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fluxbroker/taskbroker/idempotency"
	"github.com/fluxbroker/taskbroker/observability"
)

// responseRecorder buffers a handler's response so it can be cached verbatim
// for replay.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays a cached response when the caller supplies an
// Idempotency-Key header already seen for this route, and caches a fresh
// 2xx response under that key otherwise. Requests without the header pass
// through unmodified — the key is opt-in.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		cacheKey := r.Method + ":" + r.URL.Path + ":" + key

		if cached, ok := s.idempotent.Get(r.Context(), cacheKey); ok {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			observability.IdempotencyHits.WithLabelValues(route).Inc()

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		if rec.status >= 200 && rec.status < 300 {
			s.idempotent.Set(r.Context(), cacheKey, idempotency.Response{
				StatusCode: rec.status,
				Body:       rec.body.Bytes(),
			})
		}
	}
}
