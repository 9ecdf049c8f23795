// Package router provides router-agnostic adapters over gorilla/mux and
// uptrace/bunrouter, translating each router's native request/response types
// into the common.Request/common.ResponseWriter interfaces the engine
// Handler is written against.
package router

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relapi/engine/pkg/common"
)

// MuxAdapter wires a gorilla/mux router to router-agnostic handlers.
type MuxAdapter struct {
	router *mux.Router
}

// NewMuxAdapter wraps an existing *mux.Router.
func NewMuxAdapter(router *mux.Router) *MuxAdapter {
	return &MuxAdapter{router: router}
}

// NewMuxAdapterDefault creates a fresh *mux.Router and wraps it.
func NewMuxAdapterDefault() *MuxAdapter {
	return &MuxAdapter{router: mux.NewRouter()}
}

// GetMuxRouter returns the underlying router for direct access (e.g. to add
// middleware not expressed through the adapter).
func (m *MuxAdapter) GetMuxRouter() *mux.Router {
	return m.router
}

// Handle registers handler at pattern for the given HTTP methods.
func (m *MuxAdapter) Handle(pattern string, handler common.HTTPHandlerFunc, methods ...string) {
	route := m.router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		reqAdapter := &HTTPRequest{req: r, vars: mux.Vars(r)}
		respAdapter := &HTTPResponseWriter{resp: w}
		handler(respAdapter, reqAdapter)
	})
	if len(methods) > 0 {
		route.Methods(methods...)
	}
}

// HTTPRequest adapts *http.Request (plus mux path vars) to common.Request.
type HTTPRequest struct {
	req  *http.Request
	vars map[string]string
	body []byte
}

func NewHTTPRequest(r *http.Request) *HTTPRequest {
	return &HTTPRequest{req: r, vars: mux.Vars(r)}
}

func (h *HTTPRequest) Method() string { return h.req.Method }
func (h *HTTPRequest) URL() string    { return h.req.URL.String() }
func (h *HTTPRequest) Header(key string) string {
	return h.req.Header.Get(key)
}

func (h *HTTPRequest) Body() ([]byte, error) {
	if h.body != nil {
		return h.body, nil
	}
	if h.req.Body == nil {
		return nil, nil
	}
	defer h.req.Body.Close()
	body, err := io.ReadAll(h.req.Body)
	if err != nil {
		return nil, err
	}
	h.body = body
	return body, nil
}

func (h *HTTPRequest) PathParam(key string) string { return h.vars[key] }

func (h *HTTPRequest) QueryParam(key string) string { return h.req.URL.Query().Get(key) }

func (h *HTTPRequest) QueryParams(key string) []string { return h.req.URL.Query()[key] }

func (h *HTTPRequest) AllQueryParams() map[string][]string {
	return map[string][]string(h.req.URL.Query())
}

// UnderlyingRequest returns the wrapped *http.Request.
func (h *HTTPRequest) UnderlyingRequest() *http.Request { return h.req }

// HTTPResponseWriter adapts http.ResponseWriter to common.ResponseWriter.
type HTTPResponseWriter struct {
	resp   http.ResponseWriter
	status int
}

func NewHTTPResponseWriter(w http.ResponseWriter) *HTTPResponseWriter {
	return &HTTPResponseWriter{resp: w}
}

func (h *HTTPResponseWriter) SetHeader(key, value string) { h.resp.Header().Set(key, value) }

func (h *HTTPResponseWriter) WriteHeader(statusCode int) {
	h.status = statusCode
	h.resp.WriteHeader(statusCode)
}

func (h *HTTPResponseWriter) Write(data []byte) (int, error) { return h.resp.Write(data) }

func (h *HTTPResponseWriter) WriteJSON(data interface{}) error {
	h.SetHeader("Content-Type", "application/vnd.api+json")
	return json.NewEncoder(h.resp).Encode(data)
}

func (h *HTTPResponseWriter) UnderlyingResponseWriter() http.ResponseWriter { return h.resp }
