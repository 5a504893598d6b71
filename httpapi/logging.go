package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"pkt.systems/pslog"
)

// statusWriter remembers the status code written by a handler.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.size += n
	return n, err
}

// scrapeRoutes are polled by health checkers and Prometheus; they log at debug.
var scrapeRoutes = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// logRequests logs one line per operator api call, keyed by the chi route
// pattern so task ids do not fan out into distinct log keys.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		log := pslog.Ctx(r.Context()).With("request_id", middleware.GetReqID(r.Context()))
		fields := []any{"method", r.Method, "route", route, "status", sw.status, "bytes", sw.size, "duration_ms", time.Since(started).Milliseconds()}
		switch {
		case sw.status >= http.StatusInternalServerError:
			log.Warn("operator api request failed", fields...)
		case scrapeRoutes[route]:
			log.Debug("operator api scrape", fields...)
		default:
			log.Info("operator api request", fields...)
		}
	})
}
