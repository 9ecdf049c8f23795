package engine

import (
	"context"
	"fmt"

	"github.com/relapi/engine/pkg/security"
)

// Identity is the caller information the Permission Gate needs to resolve
// row- and column-security policy. Authentication itself (how Identity is
// produced from a request) is a transport-layer concern; the engine only
// consumes the result.
type Identity struct {
	UserID int
	Roles  []string
	Claims map[string]any
}

// PermissionRequest is passed to the gate before every phase that reads or
// writes. Subject is the minimal record (id plus any columns the policy
// needs) for row-level checks on reads; it is nil for operations that have
// no row yet (POST, collection query).
type PermissionRequest struct {
	Method   string // "query", "get", "create", "replace", "update", "delete"
	Resource *Resource
	Identity *Identity
	Subject  map[string]any
}

// PermissionChecker is the single central procedure the engine calls
// before each phase that reads or writes a resource. Denial aborts the
// in-flight request with a Forbidden error.
type PermissionChecker interface {
	Check(ctx context.Context, req PermissionRequest) error
}

// AllowAll is a PermissionChecker that never denies. It is the default for
// engines that don't need authorization.
type AllowAll struct{}

func (AllowAll) Check(ctx context.Context, req PermissionRequest) error { return nil }

// CompositeChecker chains a row-security provider and a column-security
// provider. Row security can block the request outright; column security
// instead masks or removes fields from Subject in place, so callers should
// re-read Subject after Check returns.
type CompositeChecker struct {
	Schema string
	RowSec security.RowSecurityProvider
	ColSec security.ColumnSecurityProvider
}

// NewCompositeChecker returns a checker chaining rowSec and colSec. Either
// may be nil to skip that half of the check.
func NewCompositeChecker(schema string, rowSec security.RowSecurityProvider, colSec security.ColumnSecurityProvider) *CompositeChecker {
	return &CompositeChecker{Schema: schema, RowSec: rowSec, ColSec: colSec}
}

// Check resolves row security first (a block denies regardless of the
// requested method) then applies column security to req.Subject when
// present.
func (c *CompositeChecker) Check(ctx context.Context, req PermissionRequest) error {
	if req.Resource == nil {
		return ErrConfiguration("permission check requires a resource")
	}
	userID := 0
	if req.Identity != nil {
		userID = req.Identity.UserID
	}
	table := req.Resource.Name

	if c.RowSec != nil {
		rowSec, err := c.RowSec.GetRowSecurity(ctx, userID, c.Schema, table)
		if err != nil {
			return ErrInternal(fmt.Errorf("row security lookup for %q: %w", table, err))
		}
		if rowSec.HasBlock {
			return ErrForbidden(fmt.Sprintf("user %d has no access to %q", userID, table))
		}
	}

	if c.ColSec != nil && req.Subject != nil {
		rules, err := c.ColSec.GetColumnSecurity(ctx, userID, c.Schema, table)
		if err != nil {
			return ErrInternal(fmt.Errorf("column security lookup for %q: %w", table, err))
		}
		security.ApplyColumnSecurity(req.Subject, rules)
	}

	return nil
}

// CheckModelUpdateAllowed verifies write access to a specific row before
// PUT/PATCH proceeds. It runs the same row-security block and
// column-security resolution as Check for the request and adds no further
// per-row rule.
func (c *CompositeChecker) CheckModelUpdateAllowed(ctx context.Context, req PermissionRequest) error {
	return c.Check(ctx, req)
}

// CheckModelDeleteAllowed verifies delete access to a specific row, reusing
// the same row-security resolution as CheckModelUpdateAllowed.
func (c *CompositeChecker) CheckModelDeleteAllowed(ctx context.Context, req PermissionRequest) error {
	return c.Check(ctx, req)
}
