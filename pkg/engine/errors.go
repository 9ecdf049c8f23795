// Package engine implements the Resource Engine: the schema compiler,
// payload codec, validator, query planner, storage executor, write
// coordinator, hook dispatcher, and permission gate that together turn
// declarative resource schemas into JSON:API query/get/create/replace/
// update/delete operations over a relational store.
package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relapi/engine/pkg/errortracking"
	"github.com/relapi/engine/pkg/jsonapi"
	"github.com/relapi/engine/pkg/logger"
)

// Kind is a stable, closed set of error categories the engine can raise.
// Every Kind maps to exactly one HTTP status and is always logged through
// the structured logger; Forbidden and Configuration are additionally
// reported to the error-tracking provider.
type Kind string

const (
	KindPayloadShape         Kind = "payload_shape"
	KindValidation           Kind = "validation"
	KindResourceNotFound     Kind = "resource_not_found"
	KindConflict             Kind = "conflict"
	KindForbidden            Kind = "forbidden"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
	KindConfiguration        Kind = "configuration"
	KindInternal             Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindPayloadShape:         http.StatusBadRequest,
	KindValidation:           422,
	KindResourceNotFound:     http.StatusNotFound,
	KindConflict:             http.StatusConflict,
	KindForbidden:            http.StatusForbidden,
	KindUnsupportedMediaType: http.StatusUnsupportedMediaType,
	KindConfiguration:        http.StatusInternalServerError,
	KindInternal:             http.StatusInternalServerError,
}

// Error is the engine's internal error type. It carries enough to render a
// JSON:API error object and to decide how (and whether) to report itself to
// the logger/error tracker. Pointer is an RFC 6901 JSON pointer into the
// request document; Parameter names the offending query parameter instead
// when the error isn't a location in the document. At most one of the two
// is set.
type Error struct {
	Kind      Kind
	Title     string
	Detail    string
	Pointer   string
	Parameter string
	Rule      string // machine-readable rule name ("required", "max_depth", ...)
	Cause     error

	// Violations carries the full per-field list for validation errors
	// that accumulated more than one failure; AsJSONAPIErrors renders one
	// error object per entry.
	Violations []Violation
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for this error's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AsJSONAPI renders the error as a single JSON:API error object.
func (e *Error) AsJSONAPI() *jsonapi.Error {
	je := &jsonapi.Error{
		Status: fmt.Sprintf("%d", e.Status()),
		Code:   string(e.Kind),
		Title:  e.Title,
		Detail: e.Detail,
	}
	switch {
	case e.Pointer != "":
		je.Source = &jsonapi.ErrorSource{Pointer: e.Pointer}
	case e.Parameter != "":
		je.Source = &jsonapi.ErrorSource{Parameter: e.Parameter}
	}
	if e.Rule != "" {
		je.Meta = jsonapi.Meta{"rule": e.Rule}
	}
	return je
}

// AsJSONAPIErrors renders the error for the wire: one error object per
// accumulated violation so clients can highlight every failing field, or
// the single object form when there is no violation list.
func (e *Error) AsJSONAPIErrors() []*jsonapi.Error {
	if len(e.Violations) == 0 {
		return []*jsonapi.Error{e.AsJSONAPI()}
	}
	out := make([]*jsonapi.Error, 0, len(e.Violations))
	for _, v := range e.Violations {
		je := &jsonapi.Error{
			Status: fmt.Sprintf("%d", e.Status()),
			Code:   string(e.Kind),
			Title:  e.Title,
			Detail: v.Detail,
		}
		if v.Pointer != "" {
			je.Source = &jsonapi.ErrorSource{Pointer: v.Pointer}
		}
		if v.Rule != "" {
			je.Meta = jsonapi.Meta{"rule": v.Rule}
		}
		out = append(out, je)
	}
	return out
}

// Report logs the error and, for the escalated Kinds (Forbidden,
// Configuration), forwards it to the error-tracking provider.
func (e *Error) Report() {
	logger.Error("engine error [%s] %s: %s (cause=%v)", e.Kind, e.Title, e.Detail, e.Cause)

	tracker := logger.GetErrorTracker()
	if tracker == nil {
		return
	}
	switch e.Kind {
	case KindForbidden:
		tracker.CaptureMessage(context.Background(), e.Error(), errortracking.SeverityWarning, map[string]interface{}{"kind": e.Kind})
	case KindConfiguration:
		tracker.CaptureError(context.Background(), e, errortracking.SeverityError, map[string]interface{}{"kind": e.Kind})
	}
}

func newErr(kind Kind, title, detail string) *Error {
	return &Error{Kind: kind, Title: title, Detail: detail}
}

// ErrPayloadShape reports a structurally invalid JSON:API document.
func ErrPayloadShape(detail string) *Error {
	return newErr(KindPayloadShape, "Malformed payload", detail)
}

// ErrValidation reports a document location that failed schema validation.
// pointer is an RFC 6901 JSON pointer into the request document; rule is
// the machine-readable name of the violated rule.
func ErrValidation(pointer, rule, detail string) *Error {
	e := newErr(KindValidation, "Validation failed", detail)
	e.Pointer = pointer
	e.Rule = rule
	return e
}

// ErrValidationParam reports an invalid query parameter (sort, filter,
// include, page, fields) — a source.parameter on the wire, since those
// aren't locations in the request document.
func ErrValidationParam(parameter, rule, detail string) *Error {
	e := newErr(KindValidation, "Validation failed", detail)
	e.Parameter = parameter
	e.Rule = rule
	return e
}

// ErrResourceNotFound reports a missing resource type or record.
func ErrResourceNotFound(detail string) *Error {
	return newErr(KindResourceNotFound, "Resource not found", detail)
}

// ErrConflict reports a write that would violate a uniqueness or
// optimistic-concurrency constraint.
func ErrConflict(detail string) *Error {
	return newErr(KindConflict, "Conflict", detail)
}

// ErrForbidden reports a permission gate denial.
func ErrForbidden(detail string) *Error {
	return newErr(KindForbidden, "Forbidden", detail)
}

// ErrUnsupportedMediaType reports a Content-Type that isn't application/vnd.api+json.
func ErrUnsupportedMediaType(detail string) *Error {
	return newErr(KindUnsupportedMediaType, "Unsupported media type", detail)
}

// ErrConfiguration reports a startup-time schema or wiring defect.
func ErrConfiguration(detail string) *Error {
	return newErr(KindConfiguration, "Configuration error", detail)
}

// ErrInternal wraps an unexpected error (e.g. a storage driver failure).
func ErrInternal(cause error) *Error {
	e := newErr(KindInternal, "Internal error", "an unexpected error occurred")
	e.Cause = cause
	return e
}
