package router

import (
	"net/http"

	"github.com/uptrace/bunrouter"

	"github.com/relapi/engine/pkg/common"
)

// BunRouterAdapter wires an uptrace/bunrouter router to router-agnostic
// handlers.
type BunRouterAdapter struct {
	router *bunrouter.Router
}

// NewBunRouterAdapter wraps an existing *bunrouter.Router.
func NewBunRouterAdapter(router *bunrouter.Router) *BunRouterAdapter {
	return &BunRouterAdapter{router: router}
}

// NewBunRouterAdapterDefault creates a fresh *bunrouter.Router and wraps it.
func NewBunRouterAdapterDefault() *BunRouterAdapter {
	return &BunRouterAdapter{router: bunrouter.New()}
}

// GetBunRouter returns the underlying router for direct access.
func (b *BunRouterAdapter) GetBunRouter() *bunrouter.Router {
	return b.router
}

// Handle registers handler at pattern for the given HTTP methods. bunrouter
// has no multi-method Methods() call, so each method is registered
// individually.
func (b *BunRouterAdapter) Handle(pattern string, handler common.HTTPHandlerFunc, methods ...string) {
	for _, method := range methods {
		m := method
		b.router.Handle(m, pattern, func(w http.ResponseWriter, req bunrouter.Request) error {
			reqAdapter := &BunRouterRequest{req: req}
			respAdapter := &HTTPResponseWriter{resp: w}
			handler(respAdapter, reqAdapter)
			return nil
		})
	}
}

// BunRouterRequest adapts bunrouter.Request to common.Request.
type BunRouterRequest struct {
	req  bunrouter.Request
	body []byte
}

func NewBunRouterRequest(req bunrouter.Request) *BunRouterRequest {
	return &BunRouterRequest{req: req}
}

func (b *BunRouterRequest) Method() string { return b.req.Method }
func (b *BunRouterRequest) URL() string    { return b.req.URL.String() }
func (b *BunRouterRequest) Header(key string) string {
	return b.req.Header.Get(key)
}

func (b *BunRouterRequest) Body() ([]byte, error) {
	if b.body != nil {
		return b.body, nil
	}
	if b.req.Request == nil || b.req.Body == nil {
		return nil, nil
	}
	httpAdapter := NewHTTPRequest(b.req.Request)
	body, err := httpAdapter.Body()
	if err != nil {
		return nil, err
	}
	b.body = body
	return body, nil
}

func (b *BunRouterRequest) PathParam(key string) string { return b.req.Param(key) }

func (b *BunRouterRequest) QueryParam(key string) string { return b.req.URL.Query().Get(key) }

func (b *BunRouterRequest) QueryParams(key string) []string { return b.req.URL.Query()[key] }

func (b *BunRouterRequest) AllQueryParams() map[string][]string {
	return map[string][]string(b.req.URL.Query())
}

// UnderlyingRequest returns the wrapped *http.Request.
func (b *BunRouterRequest) UnderlyingRequest() *http.Request { return b.req.Request }
