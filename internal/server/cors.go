package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gamely/gamely/internal/observability"
)

// originGate enforces the origin whitelist before a request enters the
// pipeline. Requests without an Origin header pass: the gate protects
// against browser-driven abuse from unknown sites, not against direct
// clients (those are the rate limiter's problem).
type originGate struct {
	allowed atomic.Pointer[map[string]struct{}]
	logger  *slog.Logger
	metrics *observability.Metrics
}

func newOriginGate(origins []string, logger *slog.Logger, metrics *observability.Metrics) *originGate {
	g := &originGate{logger: logger, metrics: metrics}
	g.SetAllowed(origins)
	return g
}

// SetAllowed swaps the whitelist. Safe to call concurrently with requests;
// used by config hot-reload.
func (g *originGate) SetAllowed(origins []string) {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	g.allowed.Store(&allowed)
}

// Middleware wraps next with the origin check and CORS response headers.
func (g *originGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		if _, ok := (*g.allowed.Load())[strings.TrimSuffix(origin, "/")]; !ok {
			g.metrics.IncOriginRejected()
			g.logger.Warn("blocked request from disallowed origin", "origin", origin)
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Request from disallowed origin"})
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", http.MethodGet)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
