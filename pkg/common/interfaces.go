// Package common holds the router-agnostic HTTP abstractions shared by the
// transport adapters (gorilla/mux, uptrace/bunrouter) and by the engine
// handler. Keeping these as interfaces, rather than *http.Request directly,
// is what lets the same Resource Engine be wired behind more than one
// router without the engine importing either one.
package common

import (
	"encoding/json"
	"io"
	"net/http"
)

// Request abstracts an inbound HTTP request.
type Request interface {
	Method() string
	URL() string
	Header(key string) string
	Body() ([]byte, error)
	PathParam(key string) string
	QueryParam(key string) string
	QueryParams(key string) []string
	AllQueryParams() map[string][]string
	UnderlyingRequest() *http.Request
}

// ResponseWriter abstracts an outbound HTTP response.
type ResponseWriter interface {
	SetHeader(key, value string)
	WriteHeader(statusCode int)
	Write(data []byte) (int, error)
	WriteJSON(data interface{}) error
	UnderlyingResponseWriter() http.ResponseWriter
}

// HTTPHandlerFunc is the router-agnostic handler signature.
type HTTPHandlerFunc func(ResponseWriter, Request)

// StandardResponseWriter adapts http.ResponseWriter to ResponseWriter.
type StandardResponseWriter struct {
	w      http.ResponseWriter
	status int
}

func NewStandardResponseWriter(w http.ResponseWriter) *StandardResponseWriter {
	return &StandardResponseWriter{w: w}
}

func (s *StandardResponseWriter) SetHeader(key, value string) { s.w.Header().Set(key, value) }

func (s *StandardResponseWriter) WriteHeader(statusCode int) {
	s.status = statusCode
	s.w.WriteHeader(statusCode)
}

func (s *StandardResponseWriter) Write(data []byte) (int, error) { return s.w.Write(data) }

func (s *StandardResponseWriter) WriteJSON(data interface{}) error {
	s.SetHeader("Content-Type", "application/vnd.api+json")
	return json.NewEncoder(s.w).Encode(data)
}

func (s *StandardResponseWriter) UnderlyingResponseWriter() http.ResponseWriter { return s.w }

// StandardRequest adapts *http.Request to Request.
type StandardRequest struct {
	r    *http.Request
	body []byte
}

func NewStandardRequest(r *http.Request) *StandardRequest {
	return &StandardRequest{r: r}
}

func (s *StandardRequest) Method() string { return s.r.Method }
func (s *StandardRequest) URL() string    { return s.r.URL.String() }
func (s *StandardRequest) Header(key string) string {
	return s.r.Header.Get(key)
}

func (s *StandardRequest) Body() ([]byte, error) {
	if s.body != nil {
		return s.body, nil
	}
	if s.r.Body == nil {
		return nil, nil
	}
	defer s.r.Body.Close()
	body, err := io.ReadAll(s.r.Body)
	if err != nil {
		return nil, err
	}
	s.body = body
	return body, nil
}

// PathParam is overridden per-router; the standard adapter has no router of
// its own so it always returns "".
func (s *StandardRequest) PathParam(key string) string { return "" }

func (s *StandardRequest) QueryParam(key string) string { return s.r.URL.Query().Get(key) }

func (s *StandardRequest) QueryParams(key string) []string { return s.r.URL.Query()[key] }

func (s *StandardRequest) AllQueryParams() map[string][]string {
	return map[string][]string(s.r.URL.Query())
}

func (s *StandardRequest) UnderlyingRequest() *http.Request { return s.r }

// TableNameProvider lets a resource's backing Go struct override its table name.
type TableNameProvider interface {
	TableName() string
}

// SchemaProvider lets a resource's backing Go struct override its DB schema.
type SchemaProvider interface {
	SchemaName() string
}

// PrimaryKeyNameProvider lets a resource override its id column name.
type PrimaryKeyNameProvider interface {
	GetIDName() string
}
