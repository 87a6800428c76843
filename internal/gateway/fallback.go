package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/wheelsondemand/gateway/internal/config"
)

// FallbackHandler serves the fixed internal fallback route. Open circuits
// are forwarded here instead of to their upstream.
type FallbackHandler struct {
	path    string
	status  int
	message string
}

type fallbackBody struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// NewFallbackHandler builds the handler from the fallback settings.
func NewFallbackHandler(cfg config.FallbackConfig) *FallbackHandler {
	f := &FallbackHandler{path: cfg.Path, status: cfg.StatusCode, message: cfg.Message}
	if f.path == "" {
		f.path = config.DefaultFallbackPath
	}
	if f.status == 0 {
		f.status = http.StatusOK
	}
	return f
}

// Path is the request path the handler answers on.
func (f *FallbackHandler) Path() string { return f.path }

func (f *FallbackHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	body, _ := json.Marshal(fallbackBody{
		Status:    "fallback",
		Message:   f.message,
		RequestID: w.Header().Get(requestIDHeader),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(f.status)
	_, _ = w.Write(body)
}
