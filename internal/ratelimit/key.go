package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/wheelsondemand/gateway/internal/config"
)

// UnknownKey is returned when no partition key can be derived. All such
// requests share one bucket rather than bypassing the limiter.
const UnknownKey = "unknown"

// KeyResolver derives the rate-limit partition key for a request. It never
// fails; callers get UnknownKey instead.
type KeyResolver interface {
	Resolve(r *http.Request) string
}

// ClientIPResolver keys requests by the caller's address. Forwarding headers
// are honored only when the socket peer is a trusted proxy, otherwise any
// client could pick its own bucket.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver parses the trusted proxy CIDRs. Bare addresses are
// accepted as single-host prefixes.
func NewClientIPResolver(trustedProxies []string) (*ClientIPResolver, error) {
	res := &ClientIPResolver{}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			res.trusted = append(res.trusted, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		res.trusted = append(res.trusted, p.Masked())
	}
	return res, nil
}

// Resolve returns the client IP as a string.
func (s *ClientIPResolver) Resolve(r *http.Request) string {
	peer, ok := parseHostAddr(r.RemoteAddr)
	if !ok {
		return UnknownKey
	}
	if !s.isTrusted(peer) {
		return peer.String()
	}

	// Walk X-Forwarded-For right to left: the first hop that is not one of
	// our proxies is the client.
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseHostAddr(strings.TrimSpace(hops[i]))
			if !ok {
				break
			}
			if !s.isTrusted(addr) {
				return addr.String()
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, ok := parseHostAddr(xri); ok {
			return addr.String()
		}
	}
	return peer.String()
}

func (s *ClientIPResolver) isTrusted(addr netip.Addr) bool {
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseHostAddr accepts "ip", "ip:port" and "[ipv6]:port".
func parseHostAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// HeaderResolver keys requests by a header value, e.g. an API key. When the
// header is absent it defers to Fallback.
type HeaderResolver struct {
	Header   string
	Fallback KeyResolver
}

// Resolve returns the header value or the fallback key.
func (s *HeaderResolver) Resolve(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(s.Header)); v != "" {
		return v
	}
	if s.Fallback != nil {
		return s.Fallback.Resolve(r)
	}
	return UnknownKey
}

// NewKeyResolver builds the resolver named by cfg.
func NewKeyResolver(cfg config.KeyResolverConfig) (KeyResolver, error) {
	ip, err := NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case config.KeyResolverClientIP, "":
		return ip, nil
	case config.KeyResolverHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return &HeaderResolver{Header: http.CanonicalHeaderKey(cfg.HeaderName), Fallback: ip}, nil
	default:
		return nil, fmt.Errorf("unknown key resolver type %q: must be clientip or header", cfg.Type)
	}
}
