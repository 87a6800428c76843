package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","store":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","store":"unreachable"}`)
)

const deepCheckTimeout = 2 * time.Second

// Pinger checks a dependency. ratelimit.Limiter implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides startup, liveness, and readiness endpoints.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	pinger Pinger
}

// NewHealthChecker creates a checker in the not-started, not-ready state.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks startup as complete.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted reports whether startup completed.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the gateway as ready for traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the gateway as draining.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady reports readiness.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetStorePinger registers the rate-limit store for deep readiness checks.
// nil clears it.
func (h *HealthChecker) SetStorePinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinger = p
}

// StartzHandler returns 200 once startup completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeStatus(w, http.StatusOK, jsonStarted)
			return
		}
		writeStatus(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready, 503 otherwise. With ?deep=true it
// also pings the registered store.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeStatus(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeStatus(w, http.StatusOK, jsonReady)
			return
		}

		h.mu.RLock()
		pinger := h.pinger
		h.mu.RUnlock()

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), deepCheckTimeout)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, jsonDeepFail)
				return
			}
		}
		writeStatus(w, http.StatusOK, jsonDeepOK)
	}
}

func writeStatus(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
