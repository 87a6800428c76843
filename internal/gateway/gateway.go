// Package gateway implements the per-route filter chain: path rewrite, rate
// limiting, circuit breaking and retried forwarding, in that order, with the
// response-time header stamped on whatever the upstream returned.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wheelsondemand/gateway/internal/breaker"
	"github.com/wheelsondemand/gateway/internal/config"
	"github.com/wheelsondemand/gateway/internal/forward"
	"github.com/wheelsondemand/gateway/internal/observability"
	"github.com/wheelsondemand/gateway/internal/ratelimit"
	"github.com/wheelsondemand/gateway/internal/retry"
	"github.com/wheelsondemand/gateway/internal/route"
)

var tracer = otel.Tracer("apigateway.gateway")

const defaultMaxRequestBody = 10 << 20

// Limiter admits requests per route and key. ratelimit.Limiter implements
// it.
type Limiter interface {
	Allow(ctx context.Context, routeID, key string, limit ratelimit.Limit) ratelimit.Decision
}

// Gateway is the inbound http.Handler.
type Gateway struct {
	table     atomic.Pointer[route.Table]
	keys      atomic.Pointer[keyResolverBox]
	limiter   Limiter
	forwarder forward.Forwarder
	fallback  *FallbackHandler
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     clockwork.Clock
	maxBody   int64
}

// keyResolverBox lets the resolver interface live in an atomic.Pointer.
type keyResolverBox struct{ ratelimit.KeyResolver }

// Option customizes a Gateway.
type Option func(*Gateway)

// WithMetrics wires Prometheus metrics. Without it metrics go to a private
// registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock sets the clock used for the response-time stamp.
func WithClock(c clockwork.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// New builds the gateway. The table can be replaced later with Swap.
func New(cfg *config.Config, table *route.Table, limiter Limiter, fwd forward.Forwarder, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	keys, err := ratelimit.NewKeyResolver(cfg.RateLimit.KeyResolver)
	if err != nil {
		return nil, fmt.Errorf("key resolver: %w", err)
	}
	g := &Gateway{
		limiter:   limiter,
		forwarder: fwd,
		fallback:  NewFallbackHandler(cfg.Fallback),
		logger:    logger,
		maxBody:   cfg.Server.MaxRequestBodySize,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	if g.maxBody <= 0 {
		g.maxBody = defaultMaxRequestBody
	}
	g.table.Store(table)
	g.keys.Store(&keyResolverBox{keys})
	return g, nil
}

// Swap installs a new route table. In-flight requests finish on the table
// they matched against.
func (g *Gateway) Swap(t *route.Table) {
	g.table.Store(t)
}

// SetKeyResolver replaces the partition-key resolver on reload.
func (g *Gateway) SetKeyResolver(k ratelimit.KeyResolver) {
	g.keys.Store(&keyResolverBox{k})
}

// Table returns the current route table.
func (g *Gateway) Table() *route.Table {
	return g.table.Load()
}

// Fallback returns the internal fallback handler.
func (g *Gateway) Fallback() *FallbackHandler {
	return g.fallback
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		))
	r = r.WithContext(ctx)

	routeID := ""
	attempts := 0
	defer func() {
		d := time.Since(start)
		span.SetAttributes(
			attribute.String("gateway.route", routeID),
			attribute.Int("http.response.status_code", sw.code),
			attribute.Int("gateway.attempts", attempts),
		)
		if sw.code >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.code))
		}
		span.End()
		label := routeID
		if label == "" {
			label = "none"
		}
		g.metrics.ObserveRequest(label, r.Method, sw.code, d)
		g.logger.Info("access",
			"method", r.Method,
			"path", r.URL.Path,
			"route", routeID,
			"status", sw.code,
			"attempts", attempts,
			"duration_ms", float64(d.Microseconds())/1000,
			"request_id", reqID)
	}()

	if r.URL.Path == g.fallback.Path() {
		routeID = "fallback"
		g.fallback.ServeHTTP(sw, r)
		return
	}

	rt, err := g.table.Load().Match(r.URL.Path)
	if err != nil {
		g.metrics.IncRouteNotFound()
		writeJSONError(sw, http.StatusNotFound, "route_not_found", "No route matches "+r.URL.Path, 0)
		return
	}
	routeID = rt.ID

	body, err := readBody(r, g.maxBody)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeJSONError(sw, http.StatusRequestEntityTooLarge, "request_too_large", "Request body exceeds the configured limit", 0)
			return
		}
		writeJSONError(sw, http.StatusBadRequest, "bad_request", "Could not read request body", 0)
		return
	}

	ex := &exchange{g: g, rt: rt, in: r, body: body}
	res := ex.run(ctx)
	attempts = res.attempts
	ex.respond(sw, r, res)
}

var errBodyTooLarge = errors.New("request body too large")

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > limit {
		return nil, errBodyTooLarge
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, errBodyTooLarge
	}
	return buf, nil
}

// outcomeKind says what produced the response of an exchange.
type outcomeKind int

const (
	kindUpstream outcomeKind = iota
	kindTransportError
	kindRateLimited
	kindFallback
	kindCanceled
)

type result struct {
	kind     outcomeKind
	resp     *forward.Response
	err      error
	decision ratelimit.Decision
	limited  bool // a decision was taken
	attempts int
}

// exchange is one inbound request travelling through a route's filters.
type exchange struct {
	g    *Gateway
	rt   *route.Route
	in   *http.Request
	body []byte
	path string
	key  string
}

func (ex *exchange) run(ctx context.Context) result {
	rt := ex.rt
	ex.path = rt.Rewrite(ex.in.URL.Path)
	if rt.RateLimit != nil {
		ex.key = ex.g.keys.Load().Resolve(ex.in)
	}

	var last result
	attempt := func(ctx context.Context, n int) retry.Verdict {
		var v retry.Verdict
		last, v = ex.attempt(ctx, n, last)
		return v
	}

	if rt.Retry == nil {
		attempt(ctx, 0)
		last.attempts = 1
		return last
	}
	run := rt.Retry.Do(ctx, ex.in.Method, attempt)
	last.attempts = run.Attempts
	if run.Err != nil && last.kind != kindUpstream {
		last.kind = kindCanceled
	}
	return last
}

// attempt runs the rate limiter, the breaker and one forward. prev is the
// result of the previous attempt; it carries the rate-limit decision for the
// response headers and is returned as is when a retry is refused a token.
func (ex *exchange) attempt(ctx context.Context, n int, prev result) (result, retry.Verdict) {
	rt := ex.rt
	res := result{decision: prev.decision, limited: prev.limited}

	if rl := rt.RateLimit; rl != nil {
		d := ex.g.limiter.Allow(ctx, rt.ID, ex.key, ratelimit.Limit{
			Rate:  rl.ReplenishRate,
			Burst: rl.BurstCapacity,
			Cost:  rl.RequestedTokens,
		})
		res.decision, res.limited = d, true
		if !d.Allowed {
			if n > 0 {
				// A refused retry ends the loop with the failure already seen.
				prev.decision = d
				return prev, retry.Stop
			}
			res.kind = kindRateLimited
			return res, retry.Stop
		}
	}

	var ticket *breaker.Ticket
	if rt.Breaker != nil {
		t, err := rt.Breaker.Allow()
		if err != nil {
			res.kind = kindFallback
			res.err = err
			return res, retry.Stop
		}
		ticket = t
	}

	resp, err := ex.forward(ctx, n)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	switch retry.Classify(ctx, status, err) {
	case retry.OutcomeSuccess, retry.OutcomeClientError:
		ticket.Success()
		res.kind, res.resp = kindUpstream, resp
		return res, retry.Done
	case retry.OutcomeCanceled:
		ticket.Release()
		res.kind, res.err = kindCanceled, err
		return res, retry.Stop
	default:
		ticket.Failure()
		if err != nil {
			res.kind, res.err = kindTransportError, err
		} else {
			res.kind, res.resp = kindUpstream, resp
		}
		return res, retry.Again
	}
}

func (ex *exchange) forward(ctx context.Context, n int) (*forward.Response, error) {
	ctx, span := tracer.Start(ctx, "gateway.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.route", ex.rt.ID),
			attribute.Int("gateway.attempt", n),
		))
	defer span.End()

	header := ex.in.Header.Clone()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))

	start := time.Now()
	resp, err := ex.g.forwarder.Forward(ctx, &forward.Request{
		Method:     ex.in.Method,
		URL:        ex.rt.Target(ex.path, ex.in.URL.RawQuery),
		Header:     header,
		Body:       ex.body,
		Host:       ex.in.Host,
		RemoteAddr: ex.in.RemoteAddr,
		TLS:        ex.in.TLS != nil,
		ProtoMajor: ex.in.ProtoMajor,
		Timeout:    ex.rt.Timeout,
	})
	ex.g.metrics.ObserveUpstream(ex.rt.ID, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (ex *exchange) respond(w http.ResponseWriter, r *http.Request, res result) {
	rt := ex.rt
	if res.limited {
		setRateLimitHeaders(w, rt.RateLimit, res.decision)
	}

	switch res.kind {
	case kindUpstream:
		h := w.Header()
		for k, v := range res.resp.Header {
			h[k] = v
		}
		h.Set(requestIDHeader, r.Header.Get(requestIDHeader))
		if rt.ResponseTimeHeader != "" {
			h.Set(rt.ResponseTimeHeader, ex.g.clock.Now().UTC().Format(time.RFC3339Nano))
		}
		w.WriteHeader(res.resp.StatusCode)
		_, _ = w.Write(res.resp.Body)

	case kindTransportError:
		if errors.Is(res.err, forward.ErrTimeout) {
			writeJSONError(w, http.StatusGatewayTimeout, "upstream_timeout", "Upstream did not respond in time", 0)
			return
		}
		writeJSONError(w, http.StatusBadGateway, "bad_gateway", "Upstream unreachable", 0)

	case kindRateLimited:
		ex.g.metrics.IncRateLimited(rt.ID)
		writeRateLimited(w, res.decision.RetryAfter)

	case kindFallback:
		ex.g.metrics.IncFallbackServed(rt.ID)
		ex.g.logger.Warn("circuit open, serving fallback",
			"route", rt.ID, "breaker", rt.Breaker.Name(), "reason", res.err,
			"fallback", rt.FallbackPath)
		ex.g.fallback.ServeHTTP(w, r)

	case kindCanceled:
		writeJSONError(w, statusClientClosed, "client_closed_request", "Client closed the request", 0)
	}
}
