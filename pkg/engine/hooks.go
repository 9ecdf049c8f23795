package engine

import (
	"context"
	"fmt"

	"github.com/relapi/engine/pkg/logger"
)

// HookPhase is the closed set of named extension points the Hook Dispatcher
// invokes around every phase of read and write.
type HookPhase string

const (
	BeforeProcessing     HookPhase = "before_processing"
	BeforeSchemaValidate HookPhase = "before_schema_validate"
	AfterSchemaValidate  HookPhase = "after_schema_validate"
	CheckPermissions     HookPhase = "check_permissions"
	BeforeRead           HookPhase = "before_read"
	AfterRead            HookPhase = "after_read"
	BeforeCreate         HookPhase = "before_create"
	AfterCreate          HookPhase = "after_create"
	BeforeUpdate         HookPhase = "before_update"
	AfterUpdate          HookPhase = "after_update"
	BeforeDelete         HookPhase = "before_delete"
	AfterDelete          HookPhase = "after_delete"
	EnrichRecord         HookPhase = "enrich_record"
	EnrichAttributes     HookPhase = "enrich_attributes"
	Finish               HookPhase = "finish"
	AfterCommit          HookPhase = "after_commit"
	AfterRollback        HookPhase = "after_rollback"
)

// PhaseContext is the mutable context passed to every hook for a phase. A
// hook may mutate it (e.g. add a violation, enrich Record, set Abort) but
// must not mutate Record once Finish begins.
type PhaseContext struct {
	Context   context.Context
	Resource  *Resource
	Operation string // "query", "get", "create", "replace", "update", "delete"

	ID     string
	Record map[string]any // the record being read/written, simplified form
	Filter *FilterNode
	Error  error

	Abort        bool
	AbortMessage string
}

// HookFunc is the signature of a single registered hook.
type HookFunc func(*PhaseContext) error

// HookRegistry holds the ordered handler lists for every phase, keyed by
// resource name (empty string registers a global hook run for every
// resource).
type HookRegistry struct {
	hooks map[string]map[HookPhase][]HookFunc
}

// NewHookRegistry returns an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string]map[HookPhase][]HookFunc)}
}

// Register adds hook to the end of phase's handler list for resourceName
// ("" for every resource).
func (r *HookRegistry) Register(resourceName string, phase HookPhase, hook HookFunc) {
	if r.hooks[resourceName] == nil {
		r.hooks[resourceName] = make(map[HookPhase][]HookFunc)
	}
	r.hooks[resourceName][phase] = append(r.hooks[resourceName][phase], hook)
}

// Count returns the number of hooks registered for phase across both the
// global and resource-specific lists.
func (r *HookRegistry) Count(resourceName string, phase HookPhase) int {
	return len(r.hooks[""][phase]) + len(r.hooks[resourceName][phase])
}

// HasHooks reports whether any hook is registered for phase.
func (r *HookRegistry) HasHooks(resourceName string, phase HookPhase) bool {
	return r.Count(resourceName, phase) > 0
}

// Execute runs every hook registered for phase, global hooks first, in
// registration order. A failing hook or one that sets ctx.Abort stops
// execution and the in-flight request is aborted.
func (r *HookRegistry) Execute(phase HookPhase, ctx *PhaseContext) error {
	resourceName := ""
	if ctx.Resource != nil {
		resourceName = ctx.Resource.Name
	}

	run := func(hooks []HookFunc) error {
		for i, hook := range hooks {
			if err := hook(ctx); err != nil {
				logger.Error("hook %d for phase %s (resource %s) failed: %v", i+1, phase, resourceName, err)
				return fmt.Errorf("hook execution failed: %w", err)
			}
			if ctx.Abort {
				logger.Warn("hook %d for phase %s (resource %s) requested abort: %s", i+1, phase, resourceName, ctx.AbortMessage)
				return ErrForbidden(ctx.AbortMessage)
			}
		}
		return nil
	}

	if err := run(r.hooks[""][phase]); err != nil {
		return err
	}
	if resourceName != "" {
		if err := run(r.hooks[resourceName][phase]); err != nil {
			return err
		}
	}
	return nil
}
