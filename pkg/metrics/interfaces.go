package metrics

import (
	"net/http"
	"time"
)

// Provider defines the interface for metric collection across the HTTP
// surface, the Storage Executor, and the cache layer.
type Provider interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncRequestsInFlight()
	DecRequestsInFlight()

	RecordDBQuery(operation, table string, duration time.Duration, err error)

	RecordCacheHit(provider string)
	RecordCacheMiss(provider string)
	UpdateCacheSize(provider string, size int64)

	// Handler returns an HTTP handler for exposing metrics (e.g. /metrics).
	Handler() http.Handler
}

var globalProvider Provider

// SetProvider sets the global metrics provider.
func SetProvider(p Provider) {
	globalProvider = p
}

// GetProvider returns the current metrics provider, or a no-op provider if
// none has been set.
func GetProvider() Provider {
	if globalProvider == nil {
		return &NoOpProvider{}
	}
	return globalProvider
}

// NoOpProvider discards every recording call. It is the default provider so
// that callers never need a nil check.
type NoOpProvider struct{}

func (n *NoOpProvider) RecordHTTPRequest(method, path, status string, duration time.Duration) {}
func (n *NoOpProvider) IncRequestsInFlight()                                                  {}
func (n *NoOpProvider) DecRequestsInFlight()                                                  {}
func (n *NoOpProvider) RecordDBQuery(operation, table string, duration time.Duration, err error) {
}
func (n *NoOpProvider) RecordCacheHit(provider string)             {}
func (n *NoOpProvider) RecordCacheMiss(provider string)            {}
func (n *NoOpProvider) UpdateCacheSize(provider string, size int64) {}
func (n *NoOpProvider) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}
