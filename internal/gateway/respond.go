package gateway

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/wheelsondemand/gateway/internal/ratelimit"
	"github.com/wheelsondemand/gateway/internal/route"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// statusClientClosed is recorded when the caller went away mid-request.
const statusClientClosed = 499

// requestIDRng is a concurrency-safe CSPRNG seeded from crypto/rand.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID.
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID accepts alphanumerics, hyphens, underscores, dots and
// colons up to maxRequestIDLen.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonErrorResponse is the structured error body the gateway returns for
// responses it synthesizes.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	body, _ := json.Marshal(jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// setRateLimitHeaders advertises the bucket the request was charged to.
func setRateLimitHeaders(w http.ResponseWriter, rl *route.RateLimit, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Replenish-Rate", strconv.FormatFloat(rl.ReplenishRate, 'f', -1, 64))
	h.Set("X-RateLimit-Burst-Capacity", strconv.FormatInt(rl.BurstCapacity, 10))
	h.Set("X-RateLimit-Requested-Tokens", strconv.FormatInt(rl.RequestedTokens, 10))
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := math.Ceil(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatFloat(secs, 'f', 0, 64))
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", secs)
}

// statusWriter captures the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
