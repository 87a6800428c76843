package route

import (
	"net/http"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsondemand/gateway/internal/breaker"
	"github.com/wheelsondemand/gateway/internal/config"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func prefixRoute(t *testing.T, id, prefix, upstream string) *Route {
	t.Helper()
	return &Route{ID: id, Prefix: prefix, Upstream: mustURL(t, upstream), RewritePath: true}
}

func TestTable_Match(t *testing.T) {
	filter := prefixRoute(t, "filter", "/wheelsondemand/filter", "http://filter:8081")
	deep := prefixRoute(t, "deep", "/wheelsondemand/filter/admin", "http://admin:8081")
	catchAll := prefixRoute(t, "all", "", "http://default:80")

	table := NewTable([]*Route{filter, catchAll, deep})

	tests := []struct {
		path string
		want *Route
	}{
		{"/wheelsondemand/filter", filter},
		{"/wheelsondemand/filter/cars", filter},
		{"/wheelsondemand/filter/admin/users", deep},
		{"/wheelsondemand/filter/administrator", filter},
		{"/wheelsondemand/filterx", catchAll},
		{"/other", catchAll},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := table.Match(tt.path)
			require.NoError(t, err)
			assert.Same(t, tt.want, got)
		})
	}
}

func TestTable_MatchNotFound(t *testing.T) {
	table := NewTable([]*Route{prefixRoute(t, "filter", "/wheelsondemand/filter", "http://filter:8081")})

	r, err := table.Match("/wheelsondemand/unknownservice/x")
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestTable_MatchIsStable(t *testing.T) {
	table := NewTable([]*Route{
		prefixRoute(t, "a", "/a", "http://a"),
		prefixRoute(t, "b", "/b", "http://b"),
	})
	first, err := table.Match("/a/x")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := table.Match("/a/x")
		require.NoError(t, err)
		assert.Same(t, first, again)
	}

	got, ok := table.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "/b", got.Prefix)
	assert.Equal(t, 2, table.Len())
	assert.Len(t, table.Routes(), 2)
}

func TestRoute_Rewrite(t *testing.T) {
	r := prefixRoute(t, "filter", "/wheelsondemand/filter", "http://filter:8081")

	assert.Equal(t, "/cars/42", r.Rewrite("/wheelsondemand/filter/cars/42"))
	assert.Equal(t, "/", r.Rewrite("/wheelsondemand/filter"))
	assert.Equal(t, "/", r.Rewrite("/wheelsondemand/filter/"))

	once := r.Rewrite("/wheelsondemand/filter/a")
	assert.Equal(t, once, r.Rewrite("/wheelsondemand/filter/a"))

	t.Run("explicit expression", func(t *testing.T) {
		r := prefixRoute(t, "payment", "/wheelsondemand/payment", "http://payment:8084")
		r.SetRewrite(regexp.MustCompile(`/wheelsondemand/payment/(?<segment>.*)`), "/${segment}")
		assert.Equal(t, "/charge/1", r.Rewrite("/wheelsondemand/payment/charge/1"))
	})

	t.Run("rewrite disabled", func(t *testing.T) {
		r := &Route{Prefix: "/x", Upstream: mustURL(t, "http://x")}
		assert.Equal(t, "/x/y", r.Rewrite("/x/y"))
	})
}

func TestRoute_Target(t *testing.T) {
	r := prefixRoute(t, "inv", "/inventory", "http://inventory:8082/api?tenant=1")

	u := r.Target("/cars", "color=red")
	assert.Equal(t, "http://inventory:8082/api/cars?tenant=1&color=red", u.String())

	plain := prefixRoute(t, "p", "/p", "http://p:80")
	assert.Equal(t, "http://p:80/x?q=1", plain.Target("/x", "q=1").String())
	assert.Equal(t, "http://p:80/", plain.Target("/", "").String())
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Upstreams = map[string]string{
		"filter":  "http://filter:8081",
		"payment": "http://payment:8084",
	}
	cfg.Routes = []config.RouteConfig{
		{
			ID:       "filter_route",
			Path:     "/wheelsondemand/filter/**",
			Upstream: "filter",
			Filters: []config.FilterType{
				config.FilterRewritePath, config.FilterResponseTime,
				config.FilterRateLimiter, config.FilterCircuitBreaker, config.FilterRetry,
			},
			CircuitBreaker: &config.CircuitBreakerConfig{Name: "filterCircuitBreaker"},
		},
		{
			ID:       "payment_route",
			Path:     "/wheelsondemand/payment/(?<segment>.*)",
			Upstream: "payment",
			Timeout:  "2s",
			Filters:  []config.FilterType{config.FilterRewritePath, config.FilterResponseTime, config.FilterRateLimiter},
			Rewrite:  &config.RewriteConfig{Regexp: `/wheelsondemand/payment/(?<segment>.*)`, Replacement: "/${segment}"},
			RateLimiter: &config.RateLimiterConfig{
				ReplenishRate: 10,
				BurstCapacity: 20,
			},
			ResponseTime: &config.ResponseTimeConfig{Header: "X-Served-At"},
		},
	}
	return cfg
}

func TestBuild(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, config.Validate(cfg))

	table, err := Build(cfg, BuildOptions{})
	require.NoError(t, err)

	filter, ok := table.Get("filter_route")
	require.True(t, ok)
	assert.Equal(t, "/wheelsondemand/filter", filter.Prefix)
	assert.Equal(t, "filter:8081", filter.Upstream.Host)
	assert.Equal(t, 10*time.Second, filter.Timeout)
	assert.Equal(t, DefaultResponseTimeHeader, filter.ResponseTimeHeader)
	assert.Equal(t, &RateLimit{ReplenishRate: 1, BurstCapacity: 1, RequestedTokens: 1}, filter.RateLimit)
	require.NotNil(t, filter.Breaker)
	assert.Equal(t, "filterCircuitBreaker", filter.Breaker.Name())
	require.NotNil(t, filter.Retry)
	assert.True(t, filter.Retry.Policy().Eligible(http.MethodGet))
	assert.False(t, filter.Retry.Policy().Eligible(http.MethodPost))
	assert.Equal(t, 3, filter.Retry.Policy().MaxRetries)
	assert.Equal(t, "/contactSupport", filter.FallbackPath)

	payment, ok := table.Get("payment_route")
	require.True(t, ok)
	assert.Nil(t, payment.Breaker)
	assert.Nil(t, payment.Retry)
	assert.Equal(t, 2*time.Second, payment.Timeout)
	assert.Equal(t, "X-Served-At", payment.ResponseTimeHeader)
	assert.Equal(t, int64(20), payment.RateLimit.BurstCapacity)
	assert.Equal(t, "/charge", payment.Rewrite("/wheelsondemand/payment/charge"))
}

func TestBuild_ExampleConfig(t *testing.T) {
	cfg, err := config.LoadFromPath("../../config.example.yaml")
	require.NoError(t, err)

	table, err := Build(cfg, BuildOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, table.Len())

	for _, svc := range []string{"filter", "inventory", "invoice", "rental"} {
		rt, err := table.Match("/wheelsondemand/" + svc + "/items/7")
		require.NoError(t, err, svc)
		assert.Equal(t, svc+"_route", rt.ID)
		assert.Equal(t, "/items/7", rt.Rewrite("/wheelsondemand/"+svc+"/items/7"))
		require.NotNil(t, rt.Breaker, svc)
		assert.Equal(t, svc+"CircuitBreaker", rt.Breaker.Name())
		assert.Equal(t, "/contactSupport", rt.FallbackPath)
		require.NotNil(t, rt.Retry, svc)
		assert.Equal(t, 3, rt.Retry.Policy().MaxRetries)
		assert.Equal(t, &RateLimit{ReplenishRate: 1, BurstCapacity: 1, RequestedTokens: 1}, rt.RateLimit)
	}

	payment, err := table.Match("/wheelsondemand/payment/charge")
	require.NoError(t, err)
	assert.Nil(t, payment.Breaker)
	assert.Nil(t, payment.Retry)
	assert.Equal(t, "payment-svc:8084", payment.Upstream.Host)
	assert.Equal(t, "/charge", payment.Rewrite("/wheelsondemand/payment/charge"))
}

func TestBuild_KeepsBreakerAcrossReload(t *testing.T) {
	cfg := testConfig()
	first, err := Build(cfg, BuildOptions{})
	require.NoError(t, err)
	before, _ := first.Get("filter_route")

	second, err := Build(cfg, BuildOptions{Previous: first})
	require.NoError(t, err)
	after, _ := second.Get("filter_route")
	assert.Same(t, before.Breaker, after.Breaker)

	cfg.Routes[0].CircuitBreaker.FailureThreshold = 9
	third, err := Build(cfg, BuildOptions{Previous: second})
	require.NoError(t, err)
	changed, _ := third.Get("filter_route")
	assert.NotSame(t, before.Breaker, changed.Breaker)
	assert.Equal(t, 9, changed.Breaker.Settings().FailureThreshold)
}

func TestBreakerSettings(t *testing.T) {
	s := BreakerSettings(config.CircuitBreakerConfig{FailureThreshold: 3, FailureWindow: "0s", OpenTimeout: "5s"})
	assert.True(t, s.Consecutive)
	assert.Equal(t, 5*time.Second, s.OpenTimeout)

	s = BreakerSettings(config.CircuitBreakerConfig{FailureWindow: "1m"}).Normalized()
	assert.Equal(t, breaker.Settings{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		OpenTimeout:      30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}, s)
}

func TestRetryPolicy(t *testing.T) {
	jitter := false
	p := RetryPolicy(config.RetryConfig{
		Retries: 2, Methods: []string{"GET", "PUT"}, FirstBackoff: "50ms", MaxBackoff: "200ms", Jitter: &jitter,
	})
	assert.Equal(t, 2, p.MaxRetries)
	assert.True(t, p.Eligible(http.MethodPut))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(5))
}
