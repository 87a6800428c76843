// Package forward sends one routed request to its upstream and returns the
// fully buffered response. Buffering lets the gateway retry an attempt, stamp
// headers, or replace the response with a fallback before anything reaches
// the client.
package forward

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/wheelsondemand/gateway/internal/config"
)

var (
	// ErrTimeout matches a TransportError caused by the attempt deadline.
	ErrTimeout = errors.New("upstream timed out")

	// ErrResponseTooLarge is returned when the upstream body exceeds the
	// configured bound.
	ErrResponseTooLarge = errors.New("upstream response body too large")
)

const defaultMaxResponseBody = 32 << 20

// Request is one outbound attempt.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// Inbound connection details used for X-Forwarded-* headers.
	Host       string
	RemoteAddr string
	TLS        bool
	ProtoMajor int

	// Timeout bounds the whole attempt, body included. Zero means no
	// deadline beyond the caller's context.
	Timeout time.Duration
}

// Response is a buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder performs one upstream call.
type Forwarder interface {
	Forward(ctx context.Context, req *Request) (*Response, error)
}

// TransportError reports an attempt that produced no upstream response.
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return "upstream timeout: " + e.Err.Error()
	}
	return "upstream transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTimeout) true for timeouts.
func (e *TransportError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// Option configures an HTTPForwarder.
type Option func(*HTTPForwarder)

// WithRoundTripper replaces both transports, e.g. with a test double.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(f *HTTPForwarder) {
		f.http1 = rt
		f.http2 = rt
	}
}

// HTTPForwarder forwards over pooled HTTP/1.1 connections, or HTTP/2 prior
// knowledge when enabled for requests that arrived over HTTP/2.
type HTTPForwarder struct {
	http1   http.RoundTripper
	http2   http.RoundTripper
	useH2C  bool
	maxBody int64
	logger  *slog.Logger
}

// New builds a forwarder from the transport settings.
func New(cfg config.TransportConfig, logger *slog.Logger, opts ...Option) *HTTPForwarder {
	h1, h2 := buildTransports(cfg)
	f := &HTTPForwarder{
		http1:   h1,
		http2:   h2,
		useH2C:  cfg.UpstreamH2C,
		maxBody: cfg.MaxResponseBodySize,
		logger:  logger,
	}
	if f.maxBody <= 0 {
		f.maxBody = defaultMaxResponseBody
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func buildTransports(cfg config.TransportConfig) (*http.Transport, *http2.Transport) {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 5*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	h2ReadIdleTimeout := config.MustParseDuration(cfg.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout := config.MustParseDuration(cfg.H2PingTimeout, 15*time.Second)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: dialKeepAlive}
	h1 := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: h2ReadIdleTimeout,
		PingTimeout:     h2PingTimeout,
	}
	return h1, h2
}

func (f *HTTPForwarder) transportFor(req *Request) http.RoundTripper {
	if f.useH2C && req.ProtoMajor >= 2 && req.URL.Scheme == "http" {
		return f.http2
	}
	return f.http1
}

// Forward performs the attempt. Any failure to obtain a complete upstream
// response is returned as a *TransportError.
func (f *HTTPForwarder) Forward(ctx context.Context, req *Request) (*Response, error) {
	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("building upstream request: %w", err)}
	}
	out.Header = outboundHeader(req)

	resp, err := f.transportFor(req).RoundTrip(out)
	if err != nil {
		return nil, f.transportError(ctx, attemptCtx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, f.transportError(ctx, attemptCtx, fmt.Errorf("reading upstream body: %w", err))
	}
	if int64(len(buf)) > f.maxBody {
		return nil, &TransportError{Err: ErrResponseTooLarge}
	}

	header := resp.Header.Clone()
	removeHopByHop(header)
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: buf}, nil
}

func (f *HTTPForwarder) transportError(parent, attemptCtx context.Context, err error) *TransportError {
	timeout := parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
	if !timeout {
		var ne net.Error
		timeout = errors.As(err, &ne) && ne.Timeout() && parent.Err() == nil
	}
	f.logger.Debug("upstream attempt failed", "error", err, "timeout", timeout)
	return &TransportError{Err: err, Timeout: timeout}
}

// hopByHop headers apply to a single connection and are never forwarded.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

func outboundHeader(req *Request) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopByHop(h)

	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if h.Get("X-Forwarded-Host") == "" && req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if req.TLS {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
	return h
}
