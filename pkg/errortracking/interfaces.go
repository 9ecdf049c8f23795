package errortracking

import (
	"context"
)

// Severity is the level an event is reported at. The logger escalates
// engine errors as SeverityError and permission denials as
// SeverityWarning; the lower levels exist for hook authors.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
)

// Provider is the error-tracking backend the logger fans out to.
type Provider interface {
	// CaptureError reports err at severity with optional extra context.
	CaptureError(ctx context.Context, err error, severity Severity, extra map[string]interface{})

	// CaptureMessage reports a bare message at severity.
	CaptureMessage(ctx context.Context, message string, severity Severity, extra map[string]interface{})

	// CapturePanic reports a recovered panic with its stack trace.
	CapturePanic(ctx context.Context, recovered interface{}, stackTrace []byte, extra map[string]interface{})

	// Flush blocks up to timeout seconds for queued events to send;
	// called during graceful shutdown.
	Flush(timeout int) bool

	// Close releases the provider's resources.
	Close() error
}
