package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/wheelsondemand/gateway/internal/breaker"
	"github.com/wheelsondemand/gateway/internal/observability"
	"github.com/wheelsondemand/gateway/internal/route"
)

// BuildOptions returns route build options that log and count breaker
// transitions and retries. prev is the table being replaced, if any.
func BuildOptions(logger *slog.Logger, m *observability.Metrics, clock clockwork.Clock, prev *route.Table) route.BuildOptions {
	return route.BuildOptions{
		Clock: clock,
		OnBreakerChange: func(name string, from, to breaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
			m.BreakerStateChanged(name, from, to)
		},
		OnRetry: func(routeID string, n int) {
			logger.Debug("retrying upstream call", "route", routeID, "retry", n)
			m.IncRetries(routeID)
		},
		Previous: prev,
	}
}

// RegisterBreakers publishes the current state of every breaker in t.
func RegisterBreakers(m *observability.Metrics, t *route.Table) {
	for _, rt := range t.Routes() {
		if rt.Breaker != nil {
			m.RegisterBreaker(rt.Breaker.Name(), rt.Breaker.State())
		}
	}
}

type routeStatus struct {
	ID       string            `json:"id"`
	Pattern  string            `json:"pattern"`
	Upstream string            `json:"upstream"`
	Breaker  *breaker.Snapshot `json:"circuit_breaker,omitempty"`
}

// RoutesHandler lists the active routes and their breaker state for the
// admin server.
func (g *Gateway) RoutesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		routes := g.table.Load().Routes()
		out := make([]routeStatus, 0, len(routes))
		for _, rt := range routes {
			st := routeStatus{ID: rt.ID, Pattern: rt.Pattern, Upstream: rt.Upstream.Redacted()}
			if rt.Breaker != nil {
				snap := rt.Breaker.Snapshot()
				st.Breaker = &snap
			}
			out = append(out, st)
		}
		body, _ := json.Marshal(map[string]any{"routes": out})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}
